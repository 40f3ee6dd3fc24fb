// ABOUTME: Contacts service adapter: search the address book, read the "me" card.

package services

import (
	"context"
	"encoding/json"
	"fmt"
)

// Contacts adapts the host address book.
type Contacts struct {
	run Runner
}

func NewContacts(run Runner) *Contacts {
	return &Contacts{run: run}
}

func (*Contacts) ID() string { return "ContactsService" }

func (*Contacts) IsActivated() bool { return hasBinary("osascript") }

func (c *Contacts) Activate() error {
	if !c.IsActivated() {
		return errNotActivated
	}
	_, err := osascript(context.Background(), c.run,
		`tell application "Contacts" to count people`)
	if err != nil {
		return fmt.Errorf("activating contacts access: %w", err)
	}
	return nil
}

func (*Contacts) Tools() []Tool {
	return []Tool{
		{
			Name:        "contacts_search",
			Description: "Search contacts by name",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
			ReadOnly:    true,
		},
		{
			Name:        "contacts_me",
			Description: "Return the user's own contact card",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			ReadOnly:    true,
		},
	}
}

func (c *Contacts) Call(ctx context.Context, tool string, args map[string]any) (Result, error) {
	switch tool {
	case "contacts_search":
		query, err := requiredArg(args, "query")
		if err != nil {
			return nil, err
		}
		script := fmt.Sprintf(
			`tell application "Contacts" to return name of every person whose name contains %s`,
			quote(query))
		out, err := osascript(ctx, c.run, script)
		if err != nil {
			return nil, err
		}
		return Value{V: map[string]any{"query": query, "matches": out}}, nil

	case "contacts_me":
		out, err := osascript(ctx, c.run,
			`tell application "Contacts" to return name of my card`)
		if err != nil {
			return nil, err
		}
		return Value{V: map[string]any{"name": out}}, nil
	}
	return NotHandled{}, nil
}
