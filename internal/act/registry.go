// Package act is the iterative action loop: a planner LLM proposes actions,
// a registry of skill and tool handlers executes them under iteration, wall
// clock, and fatigue budgets, and an optional critic verifies results.
// Work too deep for one loop escalates to a persistent background task.
package act

import (
	"context"
	"sort"
	"strings"

	"github.com/cora-labs/cora/internal/config"
	"github.com/cora-labs/cora/internal/types"
)

// Result is a handler's output. Skills return structured payloads; tool
// output is wrapped [TOOL:<name>]...[/TOOL] by the loop.
type Result struct {
	Output     string
	Structured map[string]any
}

// Handler executes one action type.
type Handler interface {
	Name() string
	Invoke(ctx context.Context, params map[string]any) (Result, error)
}

// Registry maps action types to handlers. It is populated at boot and
// sealed before the first message; registration after Seal is refused, so
// the set of dispatchable actions never changes at runtime.
type Registry struct {
	handlers map[string]Handler
	specs    map[string]config.ToolSpec
	sealed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		specs:    make(map[string]config.ToolSpec),
	}
}

// Register adds a handler with its spec. Fails after Seal or on duplicates.
func (r *Registry) Register(h Handler, spec config.ToolSpec) error {
	if r.sealed {
		return types.Contractf("registry is sealed, cannot register %q", h.Name())
	}
	if _, exists := r.handlers[h.Name()]; exists {
		return types.Contractf("handler %q already registered", h.Name())
	}
	if spec.Name == "" {
		spec.Name = h.Name()
	}
	if spec.TimeoutSeconds <= 0 {
		spec.TimeoutSeconds = 20
	}
	if spec.Cost <= 0 {
		spec.Cost = 0.5
	}
	r.handlers[h.Name()] = h
	r.specs[h.Name()] = spec
	return nil
}

// Seal freezes the registry.
func (r *Registry) Seal() { r.sealed = true }

// Resolve returns the handler and spec for an action type. Unknown types
// are a contract error.
func (r *Registry) Resolve(name string) (Handler, config.ToolSpec, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, config.ToolSpec{}, types.Contractf("unknown action type %q", name)
	}
	return h, r.specs[name], nil
}

// Names returns the registered action types, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TriggerMatches counts registered trigger phrases occurring in content.
func (r *Registry) TriggerMatches(content string) int {
	lower := strings.ToLower(content)
	count := 0
	for _, spec := range r.specs {
		for _, phrase := range spec.TriggerPhrases {
			if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
				count++
				break
			}
		}
	}
	return count
}

// HasActionCapable reports whether any action-capable handler exists.
func (r *Registry) HasActionCapable() bool {
	for _, spec := range r.specs {
		if spec.ActionCapable {
			return true
		}
	}
	return false
}

// HasSearchLike reports whether any search-like tool is registered.
func (r *Registry) HasSearchLike() bool {
	for _, spec := range r.specs {
		if spec.SearchLike {
			return true
		}
	}
	return false
}
