// ABOUTME: Service capability contract and the tagged result returned by tool calls.
// ABOUTME: Tools are plain records; readOnly annotation gates the readOnly permission level.

package services

import (
	"context"
	"encoding/json"
)

// Tool describes one named, schema-typed operation exposed by a service.
// Names are unique across the whole catalog. ReadOnly is the readOnlyHint:
// under the readOnly permission level only tools with ReadOnly=true are
// visible or callable.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	ReadOnly    bool
}

// Service adapts one host subsystem. Implementations expose a fixed ordered
// tool list and must tolerate concurrent Call invocations.
type Service interface {
	// ID is the stable textual identity used in permission maps.
	ID() string
	// IsActivated reports whether host permissions are granted.
	IsActivated() bool
	// Activate requests host permissions; may prompt externally.
	Activate() error
	// Tools returns the service's static tool list.
	Tools() []Tool
	// Call executes the named tool. Returning NotHandled means the tool is
	// not this service's; the dispatcher treats that as not-found because
	// the tool→service map is precomputed.
	Call(ctx context.Context, tool string, args map[string]any) (Result, error)
}

// Result is the tagged variant returned from Call: Value, Blob, or NotHandled.
type Result interface {
	isResult()
}

// Value carries structured data to be JSON-encoded into a text block.
type Value struct {
	V any
}

// Blob carries typed binary data. image/* and audio/* MIME types become
// base64 content blocks; anything else is JSON-encoded.
type Blob struct {
	MIME string
	Data []byte
}

// NotHandled signals the service does not own the tool.
type NotHandled struct{}

func (Value) isResult()      {}
func (Blob) isResult()       {}
func (NotHandled) isResult() {}
