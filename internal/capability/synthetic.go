package capability

import (
	"context"
	"encoding/json"
	"sync"
)

// Behavior scripts how a Synthetic capability treats one task.
type Behavior struct {
	// FailAttempts makes the first N invocations fail with a transport
	// error.
	FailAttempts int

	// TimeoutAttempts makes the first N invocations fail with a
	// timeout, after any scripted transport failures are spent.
	TimeoutAttempts int

	// Payload is returned once the scripted failures are exhausted.
	Payload json.RawMessage
}

// Synthetic is a fixed in-process capability used by the test verb and
// the test suite. Its responses are fully scripted per task id, so a
// pipeline exercised against it behaves identically on every run.
type Synthetic struct {
	mu        sync.Mutex
	behaviors map[string]Behavior
	counts    map[string]int
}

// NewSynthetic creates a Synthetic with per-task behaviors.
func NewSynthetic(behaviors map[string]Behavior) *Synthetic {
	if behaviors == nil {
		behaviors = make(map[string]Behavior)
	}
	return &Synthetic{
		behaviors: behaviors,
		counts:    make(map[string]int),
	}
}

// Invoke replays the scripted behavior for the request's task.
func (s *Synthetic) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	b, ok := s.behaviors[req.TaskID]
	s.counts[req.TaskID]++
	attempt := s.counts[req.TaskID]
	s.mu.Unlock()

	if !ok {
		return nil, &CallError{Kind: CallCapability, TaskID: req.TaskID, Message: "no scripted behavior for task"}
	}

	if attempt <= b.FailAttempts {
		return nil, &CallError{Kind: CallTransport, TaskID: req.TaskID, Message: "scripted transport failure"}
	}
	if attempt <= b.FailAttempts+b.TimeoutAttempts {
		return nil, &CallError{Kind: CallTimeout, TaskID: req.TaskID, Message: "scripted timeout"}
	}

	return b.Payload, nil
}

// Invocations returns how many times the task has been invoked.
func (s *Synthetic) Invocations(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[taskID]
}
