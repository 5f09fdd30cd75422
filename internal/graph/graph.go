// Package graph builds and validates the task dependency DAG for a
// pipeline run. A built Graph is immutable and safe for concurrent
// reads; its topological order is stable across builds of the same
// input, with ties broken by declaration order.
package graph

import (
	"fmt"
	"time"

	"github.com/mattjoyce/cascade/internal/fallback"
	"github.com/mattjoyce/cascade/internal/validate"
)

// TaskSpec is the immutable definition of one pipeline stage.
type TaskSpec struct {
	ID   string
	Kind string

	// DependsOn lists upstream task ids in declaration order.
	DependsOn []string

	// Inputs maps a capability input key to the upstream task whose
	// output supplies it. Every referenced task must be a dependency.
	Inputs map[string]string

	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration

	Policy   validate.Policy
	Fallback fallback.Rule
}

// ErrorKind classifies a structural graph failure.
type ErrorKind string

const (
	ErrNoTasks            ErrorKind = "no_tasks"
	ErrEmptyID            ErrorKind = "empty_id"
	ErrDuplicateID        ErrorKind = "duplicate_id"
	ErrUnknownDependency  ErrorKind = "unknown_dependency"
	ErrSelfDependency     ErrorKind = "self_dependency"
	ErrInputNotDependency ErrorKind = "input_not_dependency"
	ErrCycle              ErrorKind = "cycle"
)

// Error is a structural defect in the task set. It is fatal: a run
// aborts before any task executes.
type Error struct {
	Kind   ErrorKind
	TaskID string
	Detail string
}

func (e *Error) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("graph error (%s): %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("graph error (%s): task %q: %s", e.Kind, e.TaskID, e.Detail)
}

// Graph is a validated DAG of TaskSpecs.
type Graph struct {
	specs      map[string]TaskSpec
	order      []string // stable topological order
	entries    []string
	sinks      []string
	dependents map[string][]string // declaration order of the dependent tasks
}

// Build validates specs and returns the Graph, or a *Error describing
// the first structural defect found.
func Build(specs []TaskSpec) (*Graph, error) {
	if len(specs) == 0 {
		return nil, &Error{Kind: ErrNoTasks, Detail: "pipeline defines no tasks"}
	}

	byID := make(map[string]TaskSpec, len(specs))
	for _, s := range specs {
		if s.ID == "" {
			return nil, &Error{Kind: ErrEmptyID, Detail: "task id is required"}
		}
		if _, dup := byID[s.ID]; dup {
			return nil, &Error{Kind: ErrDuplicateID, TaskID: s.ID, Detail: "declared more than once"}
		}
		byID[s.ID] = s
	}

	dependents := make(map[string][]string, len(specs))
	for _, s := range specs {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, &Error{Kind: ErrSelfDependency, TaskID: s.ID, Detail: "task depends on itself"}
			}
			if _, ok := byID[dep]; !ok {
				return nil, &Error{Kind: ErrUnknownDependency, TaskID: s.ID, Detail: fmt.Sprintf("depends on undeclared task %q", dep)}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			dependents[dep] = append(dependents[dep], s.ID)
		}
		for key, src := range s.Inputs {
			if src != s.ID && !seen[src] && !isEntryInput(src) {
				return nil, &Error{Kind: ErrInputNotDependency, TaskID: s.ID,
					Detail: fmt.Sprintf("input %q references task %q which is not a dependency", key, src)}
			}
		}
	}

	order, err := topoSort(specs, byID)
	if err != nil {
		return nil, err
	}

	var entries, sinks []string
	for _, s := range specs {
		if len(s.DependsOn) == 0 {
			entries = append(entries, s.ID)
		}
		if len(dependents[s.ID]) == 0 {
			sinks = append(sinks, s.ID)
		}
	}

	return &Graph{
		specs:      byID,
		order:      order,
		entries:    entries,
		sinks:      sinks,
		dependents: dependents,
	}, nil
}

// isEntryInput reports whether an input source refers to the run's own
// parameters rather than an upstream task.
func isEntryInput(src string) bool { return src == "run" }

// topoSort is Kahn's algorithm with declaration order as the
// tie-breaker: on every step the earliest-declared ready task is
// emitted next. Two builds of the same input always produce the same
// order, which replay comparison depends on.
func topoSort(specs []TaskSpec, byID map[string]TaskSpec) ([]string, error) {
	placed := make(map[string]bool, len(specs))
	order := make([]string, 0, len(specs))

	for len(order) < len(specs) {
		progressed := false
		for _, s := range specs {
			if placed[s.ID] {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[s.ID] = true
				order = append(order, s.ID)
				progressed = true
			}
		}
		if !progressed {
			remaining := make([]string, 0, len(specs)-len(order))
			for _, s := range specs {
				if !placed[s.ID] {
					remaining = append(remaining, s.ID)
				}
			}
			return nil, &Error{Kind: ErrCycle, Detail: fmt.Sprintf("dependency cycle among %v", remaining)}
		}
	}
	return order, nil
}

// Spec returns the TaskSpec for id.
func (g *Graph) Spec(id string) (TaskSpec, bool) {
	s, ok := g.specs[id]
	return s, ok
}

// Order returns the canonical execution order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.order) }

// Entries returns tasks with no dependencies.
func (g *Graph) Entries() []string {
	out := make([]string, len(g.entries))
	copy(out, g.entries)
	return out
}

// Sinks returns the terminal task set consumed by the caller.
func (g *Graph) Sinks() []string {
	out := make([]string, len(g.sinks))
	copy(out, g.sinks)
	return out
}

// Dependents returns the tasks that depend directly on id.
func (g *Graph) Dependents(id string) []string {
	out := make([]string, len(g.dependents[id]))
	copy(out, g.dependents[id])
	return out
}

// Ready returns, in canonical order, the tasks whose dependencies are
// all in done and which are not themselves in done or started.
func (g *Graph) Ready(done, started map[string]bool) []string {
	var ready []string
	for _, id := range g.order {
		if done[id] || started[id] {
			continue
		}
		ok := true
		for _, dep := range g.specs[id].DependsOn {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}
