// Package capability is the boundary between the orchestrator and the
// external functions that do the actual generative or data-retrieval
// work. Everything beyond Invoke is a black box; all non-determinism in
// the system lives behind this interface.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Request carries one stage invocation across the boundary.
type Request struct {
	RunID   string
	TaskID  string
	Kind    string
	Input   json.RawMessage
	Timeout time.Duration
}

// Capability executes one stage kind.
type Capability interface {
	Invoke(ctx context.Context, req Request) (json.RawMessage, error)
}

// CallErrorKind classifies an invocation failure.
type CallErrorKind string

const (
	CallTimeout    CallErrorKind = "timeout"
	CallTransport  CallErrorKind = "transport"
	CallCapability CallErrorKind = "capability" // reported by the capability itself
)

// CallError is a transient invocation failure. The retry controller
// absorbs these; they never abort a run on their own.
type CallError struct {
	Kind    CallErrorKind
	TaskID  string
	Message string

	// NoRetry is set when the capability explicitly declared the
	// failure permanent; the controller then goes straight to fallback.
	NoRetry bool
}

func (e *CallError) Error() string {
	return fmt.Sprintf("capability call failed (%s): task %q: %s", e.Kind, e.TaskID, e.Message)
}

// Registry maps stage kinds to capabilities. It is built once per run
// and passed explicitly; there is no ambient global registry.
type Registry struct {
	caps map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register binds a capability to a stage kind. Re-registering a kind
// replaces the previous binding.
func (r *Registry) Register(kind string, c Capability) {
	r.caps[kind] = c
}

// Get returns the capability for a stage kind.
func (r *Registry) Get(kind string) (Capability, bool) {
	c, ok := r.caps[kind]
	return c, ok
}

// Kinds returns the registered stage kinds.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.caps))
	for k := range r.caps {
		out = append(out, k)
	}
	return out
}
