// ABOUTME: Mail service adapter: unread counts and message composition.

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Mail adapts the host mail client.
type Mail struct {
	run Runner
}

func NewMail(run Runner) *Mail {
	return &Mail{run: run}
}

func (*Mail) ID() string { return "MailService" }

func (*Mail) IsActivated() bool { return hasBinary("osascript") }

func (m *Mail) Activate() error {
	if !m.IsActivated() {
		return errNotActivated
	}
	_, err := osascript(context.Background(), m.run,
		`tell application "Mail" to count accounts`)
	if err != nil {
		return fmt.Errorf("activating mail access: %w", err)
	}
	return nil
}

func (*Mail) Tools() []Tool {
	return []Tool{
		{
			Name:        "mail_unread",
			Description: "Count unread messages in the inbox",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			ReadOnly:    true,
		},
		{
			Name:        "mail_compose",
			Description: "Compose and send an email",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"to":{"type":"string"},"subject":{"type":"string"},"body":{"type":"string"}},"required":["to","subject","body"]}`),
			ReadOnly:    false,
		},
	}
}

func (m *Mail) Call(ctx context.Context, tool string, args map[string]any) (Result, error) {
	switch tool {
	case "mail_unread":
		out, err := osascript(ctx, m.run,
			`tell application "Mail" to return unread count of inbox`)
		if err != nil {
			return nil, err
		}
		count, convErr := strconv.Atoi(out)
		if convErr != nil {
			return Value{V: map[string]any{"unread": out}}, nil
		}
		return Value{V: map[string]any{"unread": count}}, nil

	case "mail_compose":
		to, err := requiredArg(args, "to")
		if err != nil {
			return nil, err
		}
		subject, err := requiredArg(args, "subject")
		if err != nil {
			return nil, err
		}
		body, err := requiredArg(args, "body")
		if err != nil {
			return nil, err
		}
		script := fmt.Sprintf(
			`tell application "Mail"
	set msg to make new outgoing message with properties {subject:%s, content:%s, visible:false}
	tell msg to make new to recipient at end of to recipients with properties {address:%s}
	send msg
end tell`,
			quote(subject), quote(body), quote(to))
		if _, err := osascript(ctx, m.run, script); err != nil {
			return nil, err
		}
		return Value{V: map[string]any{"sent": true, "subject": subject}}, nil
	}
	return NotHandled{}, nil
}
