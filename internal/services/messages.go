// ABOUTME: Messages service adapter: read recent chats and send messages.

package services

import (
	"context"
	"encoding/json"
	"fmt"
)

// Messages adapts the host messaging app. Recipient addresses are treated
// as sensitive and never logged.
type Messages struct {
	run Runner
}

func NewMessages(run Runner) *Messages {
	return &Messages{run: run}
}

func (*Messages) ID() string { return "MessageService" }

func (*Messages) IsActivated() bool { return hasBinary("osascript") }

func (m *Messages) Activate() error {
	if !m.IsActivated() {
		return errNotActivated
	}
	_, err := osascript(context.Background(), m.run,
		`tell application "Messages" to count services`)
	if err != nil {
		return fmt.Errorf("activating messages access: %w", err)
	}
	return nil
}

func (*Messages) Tools() []Tool {
	return []Tool{
		{
			Name:        "messages_read",
			Description: "List recent chat participants",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			ReadOnly:    true,
		},
		{
			Name:        "messages_send",
			Description: "Send a message to a recipient",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"recipient":{"type":"string","description":"Phone number or handle"},"body":{"type":"string"}},"required":["recipient","body"]}`),
			ReadOnly:    false,
		},
	}
}

func (m *Messages) Call(ctx context.Context, tool string, args map[string]any) (Result, error) {
	switch tool {
	case "messages_read":
		out, err := osascript(ctx, m.run,
			`tell application "Messages" to return name of every chat`)
		if err != nil {
			return nil, err
		}
		return Value{V: map[string]any{"chats": out}}, nil

	case "messages_send":
		recipient, err := requiredArg(args, "recipient")
		if err != nil {
			return nil, err
		}
		body, err := requiredArg(args, "body")
		if err != nil {
			return nil, err
		}
		script := fmt.Sprintf(
			`tell application "Messages" to send %s to participant %s of account 1`,
			quote(body), quote(recipient))
		if _, err := osascript(ctx, m.run, script); err != nil {
			return nil, err
		}
		return Value{V: map[string]any{"sent": true}}, nil
	}
	return NotHandled{}, nil
}
