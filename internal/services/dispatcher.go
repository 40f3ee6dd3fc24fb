// ABOUTME: Permission-gated dispatcher routing tool calls into the service catalog.
// ABOUTME: Holds the server-enabled flag and the atomically-swapped service bindings.

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/barelyworkingcode/iMCP/internal/auth"
)

// Dispatcher error result messages. These are user-visible tool results
// (isError:true), never JSON-RPC protocol errors.
const (
	msgServerDisabled   = "server is disabled"
	msgToolNotFound     = "tool not found or service not enabled"
	msgPermissionDenied = "permission denied for '%s'"
)

// Bindings is the immutable service-enabled map. Services absent from the
// map are enabled.
type Bindings struct {
	Disabled map[string]bool
}

// Outcome is the dispatcher's answer to one tools/call. Exactly one of
// JSON, Blob, or ErrMsg is set.
type Outcome struct {
	JSON   []byte
	Blob   *Blob
	ErrMsg string
}

// Dispatcher filters the tool catalog by session permissions and routes
// calls to services. Permission is checked on both list and call because
// list results can go stale.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger

	enabled  atomic.Bool
	bindings atomic.Pointer[Bindings]
}

// NewDispatcher creates a dispatcher over the registry. The server starts
// enabled with every service enabled.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   logger,
	}
	d.enabled.Store(true)
	d.bindings.Store(&Bindings{})
	return d
}

// Enabled reports the global enabled flag.
func (d *Dispatcher) Enabled() bool {
	return d.enabled.Load()
}

// SetEnabled flips the global flag and reports whether a boundary was
// crossed (the broadcast trigger).
func (d *Dispatcher) SetEnabled(on bool) bool {
	return d.enabled.Swap(on) != on
}

// SetServiceEnabled toggles one service binding. Reports whether the
// visible surface changed.
func (d *Dispatcher) SetServiceEnabled(serviceID string, on bool) bool {
	for {
		old := d.bindings.Load()
		if old.serviceEnabled(serviceID) == on {
			return false
		}

		disabled := make(map[string]bool, len(old.Disabled)+1)
		for k, v := range old.Disabled {
			disabled[k] = v
		}
		if on {
			delete(disabled, serviceID)
		} else {
			disabled[serviceID] = true
		}

		if d.bindings.CompareAndSwap(old, &Bindings{Disabled: disabled}) {
			return true
		}
	}
}

// SetBindings replaces the whole service-enabled map from config. The map
// lists enabled flags per service id; absent services stay enabled.
// Reports whether anything changed.
func (d *Dispatcher) SetBindings(enabled map[string]bool) bool {
	disabled := make(map[string]bool)
	for id, on := range enabled {
		if !on {
			disabled[id] = true
		}
	}

	old := d.bindings.Swap(&Bindings{Disabled: disabled})
	if len(old.Disabled) != len(disabled) {
		return true
	}
	for id := range disabled {
		if !old.Disabled[id] {
			return true
		}
	}
	return false
}

func (b *Bindings) serviceEnabled(id string) bool {
	return !b.Disabled[id]
}

// ListTools returns, in registry order, every tool whose service is enabled
// and permitted for the token. A disabled server returns an empty list.
func (d *Dispatcher) ListTools(tok auth.Token) []Tool {
	tools := []Tool{}
	if !d.enabled.Load() {
		return tools
	}

	bindings := d.bindings.Load()
	for _, svc := range d.registry.Services() {
		if !bindings.serviceEnabled(svc.ID()) {
			continue
		}
		for _, tool := range svc.Tools() {
			if permitted(tok, svc.ID(), tool.ReadOnly) {
				tools = append(tools, tool)
			}
		}
	}
	return tools
}

// CallTool executes one tool on behalf of the token. Permission and
// enablement are re-checked here: the snapshot in effect at this moment
// governs the call, regardless of what an earlier tools/list showed.
func (d *Dispatcher) CallTool(ctx context.Context, tok auth.Token, name string, args map[string]any) Outcome {
	if !d.enabled.Load() {
		return Outcome{ErrMsg: msgServerDisabled}
	}

	svc, tool, ok := d.registry.Resolve(name)
	if !ok {
		return Outcome{ErrMsg: msgToolNotFound}
	}

	bindings := d.bindings.Load()
	if !bindings.serviceEnabled(svc.ID()) {
		return Outcome{ErrMsg: msgToolNotFound}
	}
	if !permitted(tok, svc.ID(), tool.ReadOnly) {
		d.logger.Warn("permission denied",
			"tool_name", name,
			"service_id", svc.ID(),
			"token", tok,
		)
		return Outcome{ErrMsg: fmt.Sprintf(msgPermissionDenied, name)}
	}

	result, err := svc.Call(ctx, name, args)
	if err != nil {
		d.logger.Warn("tool call failed",
			"tool_name", name,
			"service_id", svc.ID(),
			"error", err,
		)
		return Outcome{ErrMsg: err.Error()}
	}

	switch res := result.(type) {
	case Value:
		encoded, err := encodeStable(res.V)
		if err != nil {
			d.logger.Error("encoding tool result",
				"tool_name", name,
				"error", err,
			)
			return Outcome{ErrMsg: "internal error encoding result"}
		}
		return Outcome{JSON: encoded}
	case Blob:
		return Outcome{Blob: &res}
	case NotHandled:
		// The precomputed map is authoritative; a NotHandled from the
		// resolved service means the tool does not exist.
		return Outcome{ErrMsg: msgToolNotFound}
	default:
		return Outcome{ErrMsg: "internal error: unknown result kind"}
	}
}

// permitted evaluates the token's level for a service against a tool's
// readOnly annotation.
func permitted(tok auth.Token, serviceID string, readOnlyTool bool) bool {
	switch tok.Permission(serviceID) {
	case auth.PermissionFull:
		return true
	case auth.PermissionReadOnly:
		return readOnlyTool
	default:
		return false
	}
}

// encodeStable JSON-encodes with map keys in sorted order (encoding/json's
// default for maps) and without HTML escaping, no trailing newline.
func encodeStable(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
