// ABOUTME: Reminders service adapter: list open reminders and create new ones.

package services

import (
	"context"
	"encoding/json"
	"fmt"
)

// Reminders adapts the host reminders database.
type Reminders struct {
	run Runner
}

func NewReminders(run Runner) *Reminders {
	return &Reminders{run: run}
}

func (*Reminders) ID() string { return "RemindersService" }

func (*Reminders) IsActivated() bool { return hasBinary("osascript") }

func (r *Reminders) Activate() error {
	if !r.IsActivated() {
		return errNotActivated
	}
	_, err := osascript(context.Background(), r.run,
		`tell application "Reminders" to count lists`)
	if err != nil {
		return fmt.Errorf("activating reminders access: %w", err)
	}
	return nil
}

func (*Reminders) Tools() []Tool {
	return []Tool{
		{
			Name:        "reminders_read",
			Description: "List incomplete reminders",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"list":{"type":"string","description":"Limit to one list"}}}`),
			ReadOnly:    true,
		},
		{
			Name:        "reminders_create",
			Description: "Create a reminder",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"},"list":{"type":"string"},"due":{"type":"string"}},"required":["title"]}`),
			ReadOnly:    false,
		},
	}
}

func (r *Reminders) Call(ctx context.Context, tool string, args map[string]any) (Result, error) {
	switch tool {
	case "reminders_read":
		script := `tell application "Reminders" to return name of every reminder whose completed is false`
		if list := stringArg(args, "list"); list != "" {
			script = fmt.Sprintf(
				`tell application "Reminders" to return name of every reminder of list %s whose completed is false`,
				quote(list))
		}
		out, err := osascript(ctx, r.run, script)
		if err != nil {
			return nil, err
		}
		return Value{V: map[string]any{"reminders": out}}, nil

	case "reminders_create":
		title, err := requiredArg(args, "title")
		if err != nil {
			return nil, err
		}
		list := stringArg(args, "list")
		var script string
		if list != "" {
			script = fmt.Sprintf(
				`tell application "Reminders" to tell list %s to make new reminder with properties {name:%s}`,
				quote(list), quote(title))
		} else {
			script = fmt.Sprintf(
				`tell application "Reminders" to make new reminder with properties {name:%s}`,
				quote(title))
		}
		if _, err := osascript(ctx, r.run, script); err != nil {
			return nil, err
		}
		return Value{V: map[string]any{"created": title}}, nil
	}
	return NotHandled{}, nil
}
