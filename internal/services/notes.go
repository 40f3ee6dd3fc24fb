// ABOUTME: Notes service adapter: search note titles and create notes.

package services

import (
	"context"
	"encoding/json"
	"fmt"
)

// Notes adapts the host notes app.
type Notes struct {
	run Runner
}

func NewNotes(run Runner) *Notes {
	return &Notes{run: run}
}

func (*Notes) ID() string { return "NotesService" }

func (*Notes) IsActivated() bool { return hasBinary("osascript") }

func (n *Notes) Activate() error {
	if !n.IsActivated() {
		return errNotActivated
	}
	_, err := osascript(context.Background(), n.run,
		`tell application "Notes" to count notes`)
	if err != nil {
		return fmt.Errorf("activating notes access: %w", err)
	}
	return nil
}

func (*Notes) Tools() []Tool {
	return []Tool{
		{
			Name:        "notes_search",
			Description: "Search notes by title",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
			ReadOnly:    true,
		},
		{
			Name:        "notes_create",
			Description: "Create a note",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"},"body":{"type":"string"}},"required":["title"]}`),
			ReadOnly:    false,
		},
	}
}

func (n *Notes) Call(ctx context.Context, tool string, args map[string]any) (Result, error) {
	switch tool {
	case "notes_search":
		query, err := requiredArg(args, "query")
		if err != nil {
			return nil, err
		}
		script := fmt.Sprintf(
			`tell application "Notes" to return name of every note whose name contains %s`,
			quote(query))
		out, err := osascript(ctx, n.run, script)
		if err != nil {
			return nil, err
		}
		return Value{V: map[string]any{"query": query, "matches": out}}, nil

	case "notes_create":
		title, err := requiredArg(args, "title")
		if err != nil {
			return nil, err
		}
		body := stringArg(args, "body")
		script := fmt.Sprintf(
			`tell application "Notes" to make new note with properties {name:%s, body:%s}`,
			quote(title), quote(body))
		if _, err := osascript(ctx, n.run, script); err != nil {
			return nil, err
		}
		return Value{V: map[string]any{"created": title}}, nil
	}
	return NotHandled{}, nil
}
