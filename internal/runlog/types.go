package runlog

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a recorded run.
type RunStatus string

const (
	RunActive   RunStatus = "active"
	RunComplete RunStatus = "complete"
	RunAborted  RunStatus = "aborted"
)

// StageStatus is the terminal state of one recorded task.
type StageStatus string

const (
	StageSucceeded       StageStatus = "succeeded"
	StageFallbackApplied StageStatus = "fallback_applied"
)

// Provenance records where a stage payload came from.
type Provenance string

const (
	ProvenanceCapability Provenance = "capability"
	ProvenanceFallback   Provenance = "fallback"
)

// Run is the persisted header of one pipeline run.
type Run struct {
	ID           string
	PipelineHash string
	Status       RunStatus
	Sinks        []string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// StageRecord is one append-only completion event: everything needed to
// reconstruct the task's StageResult without re-invoking any capability.
type StageRecord struct {
	RunID      string
	TaskID     string
	Status     StageStatus
	Provenance Provenance
	Payload    json.RawMessage
	Attempts   int
	Seq        int64
	StartedAt  time.Time
	FinishedAt time.Time
}

// TerminalOutput assembles the caller-facing payload: one entry per
// sink task. json.Marshal writes map keys in sorted order, so the same
// records always produce byte-identical output; replay comparison relies
// on that.
func TerminalOutput(sinks []string, records []StageRecord) ([]byte, error) {
	byTask := make(map[string]json.RawMessage, len(records))
	for _, rec := range records {
		byTask[rec.TaskID] = rec.Payload
	}

	out := make(map[string]json.RawMessage, len(sinks))
	for _, sink := range sinks {
		if payload, ok := byTask[sink]; ok {
			out[sink] = payload
		}
	}
	return json.Marshal(out)
}
