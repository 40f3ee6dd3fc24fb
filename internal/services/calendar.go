// ABOUTME: Calendar service adapter: read upcoming events and create new ones.

package services

import (
	"context"
	"encoding/json"
	"fmt"
)

// Calendar adapts the host calendar database.
type Calendar struct {
	run Runner
}

// NewCalendar creates the calendar service.
func NewCalendar(run Runner) *Calendar {
	return &Calendar{run: run}
}

func (*Calendar) ID() string { return "CalendarService" }

func (*Calendar) IsActivated() bool { return hasBinary("osascript") }

func (c *Calendar) Activate() error {
	if !c.IsActivated() {
		return errNotActivated
	}
	_, err := osascript(context.Background(), c.run,
		`tell application "Calendar" to count calendars`)
	if err != nil {
		return fmt.Errorf("activating calendar access: %w", err)
	}
	return nil
}

func (*Calendar) Tools() []Tool {
	return []Tool{
		{
			Name:        "calendar_read",
			Description: "List calendar events within the next N days",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"days":{"type":"integer","description":"How many days ahead to include","default":7}}}`),
			ReadOnly:    true,
		},
		{
			Name:        "calendar_create",
			Description: "Create a calendar event",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"},"start":{"type":"string","description":"Start date, e.g. 2026-08-06 14:00"},"end":{"type":"string"},"calendar":{"type":"string"},"notes":{"type":"string"}},"required":["title","start"]}`),
			ReadOnly:    false,
		},
	}
}

func (c *Calendar) Call(ctx context.Context, tool string, args map[string]any) (Result, error) {
	switch tool {
	case "calendar_read":
		days := 7
		if v, ok := args["days"].(float64); ok && v > 0 {
			days = int(v)
		}
		script := fmt.Sprintf(
			`tell application "Calendar" to return summary of every event of every calendar whose start date is greater than (current date) and start date is less than ((current date) + %d * days)`,
			days)
		out, err := osascript(ctx, c.run, script)
		if err != nil {
			return nil, err
		}
		return Value{V: map[string]any{"days": days, "events": out}}, nil

	case "calendar_create":
		title, err := requiredArg(args, "title")
		if err != nil {
			return nil, err
		}
		start, err := requiredArg(args, "start")
		if err != nil {
			return nil, err
		}
		calendar := stringArg(args, "calendar")
		if calendar == "" {
			calendar = "Home"
		}
		script := fmt.Sprintf(
			`tell application "Calendar" to tell calendar %s to make new event with properties {summary:%s, start date:date %s}`,
			quote(calendar), quote(title), quote(start))
		if _, err := osascript(ctx, c.run, script); err != nil {
			return nil, err
		}
		return Value{V: map[string]any{"created": title, "calendar": calendar, "start": start}}, nil
	}
	return NotHandled{}, nil
}
