// ABOUTME: Fixed build-time catalog of services with a precomputed tool lookup.
// ABOUTME: Rejects duplicate tool names at construction; order is registry order.

package services

import (
	"fmt"
)

// entry pairs a tool with its owning service for the precomputed lookup.
type entry struct {
	service Service
	tool    Tool
}

// Registry is the fixed ordered list of services known at build time.
// It is immutable after construction and safe for concurrent use.
type Registry struct {
	services []Service
	byTool   map[string]entry
}

// NewRegistry builds a registry from the given services, in order.
// Duplicate tool names across services are a construction error.
func NewRegistry(svcs ...Service) (*Registry, error) {
	r := &Registry{
		services: svcs,
		byTool:   make(map[string]entry),
	}

	for _, svc := range svcs {
		for _, tool := range svc.Tools() {
			if prev, exists := r.byTool[tool.Name]; exists {
				return nil, fmt.Errorf("tool %q registered by both %q and %q",
					tool.Name, prev.service.ID(), svc.ID())
			}
			r.byTool[tool.Name] = entry{service: svc, tool: tool}
		}
	}

	return r, nil
}

// Services returns the catalog in registry order.
func (r *Registry) Services() []Service {
	return r.services
}

// Resolve maps a tool name to its owning service and tool record.
func (r *Registry) Resolve(toolName string) (Service, Tool, bool) {
	e, ok := r.byTool[toolName]
	if !ok {
		return nil, Tool{}, false
	}
	return e.service, e.tool, true
}

// ToolCount returns the total number of tools across all services.
func (r *Registry) ToolCount() int {
	return len(r.byTool)
}

// Default builds the standard service catalog wired to the given runner.
func Default(run Runner) (*Registry, error) {
	return NewRegistry(
		NewCalendar(run),
		NewContacts(run),
		NewMessages(run),
		NewMail(run),
		NewReminders(run),
		NewNotes(run),
		NewLocation(run),
		NewWeather(run),
		NewShortcuts(run),
		NewUtilities(run),
	)
}
