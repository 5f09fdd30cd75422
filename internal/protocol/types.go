package protocol

import (
	"encoding/json"
	"time"
)

// Request is the envelope written to a capability process on stdin.
type Request struct {
	Protocol   int             `json:"protocol"`
	RunID      string          `json:"run_id"`
	TaskID     string          `json:"task_id"`
	Kind       string          `json:"kind"`
	Input      json.RawMessage `json:"input"`
	DeadlineAt time.Time       `json:"deadline_at"`
}

// Response is the envelope a capability writes to stdout.
type Response struct {
	Status  string          `json:"status"` // ok | error
	Error   string          `json:"error,omitempty"`
	Retry   *bool           `json:"retry,omitempty"` // defaults to true if omitted
	Payload json.RawMessage `json:"payload,omitempty"`
	Logs    []LogEntry      `json:"logs,omitempty"`
}

// LogEntry is a log message forwarded from a capability.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// ShouldRetry reports whether a failed response may be re-attempted.
// Defaults to true if the retry field is omitted.
func (r *Response) ShouldRetry() bool {
	if r.Retry == nil {
		return true
	}
	return *r.Retry
}
