// ABOUTME: Shortcuts service adapter backed by the `shortcuts` CLI.

package services

import (
	"context"
	"encoding/json"
	"strings"
)

// Shortcuts adapts the host shortcuts runner. shortcuts_run returns the
// shortcut's output as text with surrounding whitespace trimmed; when the
// output is binary the host CLI is responsible for encoding.
type Shortcuts struct {
	run Runner
}

func NewShortcuts(run Runner) *Shortcuts {
	return &Shortcuts{run: run}
}

func (*Shortcuts) ID() string { return "ShortcutsService" }

func (*Shortcuts) IsActivated() bool { return hasBinary("shortcuts") }

func (s *Shortcuts) Activate() error {
	if !s.IsActivated() {
		return errNotActivated
	}
	return nil
}

func (*Shortcuts) Tools() []Tool {
	return []Tool{
		{
			Name:        "shortcuts_list",
			Description: "List available shortcuts",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			ReadOnly:    true,
		},
		{
			Name:        "shortcuts_run",
			Description: "Run a shortcut by name",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
			ReadOnly:    false,
		},
	}
}

func (s *Shortcuts) Call(ctx context.Context, tool string, args map[string]any) (Result, error) {
	switch tool {
	case "shortcuts_list":
		out, err := s.run(ctx, "shortcuts", "list")
		if err != nil {
			return nil, err
		}
		names := []string{}
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				names = append(names, line)
			}
		}
		return Value{V: map[string]any{"shortcuts": names}}, nil

	case "shortcuts_run":
		name, err := requiredArg(args, "name")
		if err != nil {
			return nil, err
		}
		out, err := s.run(ctx, "shortcuts", "run", name)
		if err != nil {
			return nil, err
		}
		return Value{V: map[string]any{"output": strings.TrimSpace(string(out))}}, nil
	}
	return NotHandled{}, nil
}
