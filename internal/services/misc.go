// ABOUTME: Location, weather, and utilities service adapters.

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Location reports the host's current location via CoreLocationCLI.
type Location struct {
	run Runner
}

func NewLocation(run Runner) *Location {
	return &Location{run: run}
}

func (*Location) ID() string { return "LocationService" }

func (*Location) IsActivated() bool { return hasBinary("CoreLocationCLI") }

func (l *Location) Activate() error {
	if !l.IsActivated() {
		return errNotActivated
	}
	return nil
}

func (*Location) Tools() []Tool {
	return []Tool{
		{
			Name:        "location_current",
			Description: "Return the current location as latitude/longitude",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			ReadOnly:    true,
		},
	}
}

func (l *Location) Call(ctx context.Context, tool string, args map[string]any) (Result, error) {
	if tool != "location_current" {
		return NotHandled{}, nil
	}
	out, err := l.run(ctx, "CoreLocationCLI", "-once", "-format", "%latitude %longitude")
	if err != nil {
		return nil, err
	}
	return Value{V: map[string]any{"position": string(out)}}, nil
}

// Weather reports current conditions for a named place, fetched from
// wttr.in with curl. A response that is not JSON is returned raw.
type Weather struct {
	run Runner
}

func NewWeather(run Runner) *Weather {
	return &Weather{run: run}
}

func (*Weather) ID() string { return "WeatherService" }

func (*Weather) IsActivated() bool { return hasBinary("osascript") }

func (w *Weather) Activate() error {
	if !w.IsActivated() {
		return errNotActivated
	}
	return nil
}

func (*Weather) Tools() []Tool {
	return []Tool{
		{
			Name:        "weather_current",
			Description: "Return current weather conditions for a place",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"place":{"type":"string"}},"required":["place"]}`),
			ReadOnly:    true,
		},
	}
}

func (w *Weather) Call(ctx context.Context, tool string, args map[string]any) (Result, error) {
	if tool != "weather_current" {
		return NotHandled{}, nil
	}
	place, err := requiredArg(args, "place")
	if err != nil {
		return nil, err
	}
	out, err := w.run(ctx, "curl", "-fsS", fmt.Sprintf("https://wttr.in/%s?format=j1", place))
	if err != nil {
		return nil, err
	}
	var conditions any
	if err := json.Unmarshal(out, &conditions); err != nil {
		return Value{V: map[string]any{"place": place, "raw": string(out)}}, nil
	}
	return Value{V: map[string]any{"place": place, "conditions": conditions}}, nil
}

// Utilities bundles small host helpers: speech and screenshots.
type Utilities struct {
	run Runner
}

func NewUtilities(run Runner) *Utilities {
	return &Utilities{run: run}
}

func (*Utilities) ID() string { return "UtilitiesService" }

func (*Utilities) IsActivated() bool { return hasBinary("say") || hasBinary("screencapture") }

func (u *Utilities) Activate() error {
	if !u.IsActivated() {
		return errNotActivated
	}
	return nil
}

func (*Utilities) Tools() []Tool {
	return []Tool{
		{
			Name:        "utilities_speak",
			Description: "Speak text aloud on the host",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
			ReadOnly:    false,
		},
		{
			Name:        "utilities_screenshot",
			Description: "Capture the screen and return a PNG image",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			ReadOnly:    true,
		},
	}
}

func (u *Utilities) Call(ctx context.Context, tool string, args map[string]any) (Result, error) {
	switch tool {
	case "utilities_speak":
		text, err := requiredArg(args, "text")
		if err != nil {
			return nil, err
		}
		if _, err := u.run(ctx, "say", text); err != nil {
			return nil, err
		}
		return Value{V: map[string]any{"spoken": true}}, nil

	case "utilities_screenshot":
		path := filepath.Join(os.TempDir(), fmt.Sprintf("imcp-capture-%d.png", os.Getpid()))
		defer os.Remove(path)

		if _, err := u.run(ctx, "screencapture", "-x", "-t", "png", path); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading capture: %w", err)
		}
		return Blob{MIME: "image/png", Data: data}, nil
	}
	return NotHandled{}, nil
}
