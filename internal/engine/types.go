package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mattjoyce/cascade/internal/runlog"
	"github.com/mattjoyce/cascade/internal/validate"
)

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks github.com/mattjoyce/cascade/internal/engine Recorder

// Recorder is the write side of the run log. The engine appends every
// finalized stage before starting its dependents.
type Recorder interface {
	BeginRun(ctx context.Context, runID, pipelineHash string, sinks []string) error
	Append(ctx context.Context, rec runlog.StageRecord) error
	FinishRun(ctx context.Context, runID string, status runlog.RunStatus) error
}

// TaskState is the per-task lifecycle:
// Pending → Running → {Succeeded | FallbackApplied} → Recorded.
// A cancelled task that never started goes straight to Aborted.
type TaskState string

const (
	TaskPending         TaskState = "pending"
	TaskRunning         TaskState = "running"
	TaskSucceeded       TaskState = "succeeded"
	TaskFallbackApplied TaskState = "fallback_applied"
	TaskRecorded        TaskState = "recorded"
	TaskAborted         TaskState = "aborted"
)

// StageResult is the finalized outcome of one task in one run.
// Immutable once written; each task id is written exactly once per run.
type StageResult struct {
	TaskID     string
	Status     runlog.StageStatus
	Provenance runlog.Provenance
	Output     validate.Output
	Payload    json.RawMessage
	Attempts   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Result is the outcome of a whole run.
type Result struct {
	RunID          string
	Status         runlog.RunStatus
	States         map[string]TaskState
	Stages         map[string]*StageResult
	TerminalOutput []byte
}

// Options tune a run.
type Options struct {
	// Workers bounds concurrent task execution. Defaults to 4.
	Workers int

	// PipelineHash is the integrity hash of the pipeline definition,
	// recorded with the run.
	PipelineHash string

	// RunInputs are run-scoped parameters (market, universe, dates)
	// projected into entry tasks.
	RunInputs map[string]any

	// Sleep is the backoff sleeper; nil means a real timer. Tests
	// inject a no-op.
	Sleep func(ctx context.Context, d time.Duration) error
}
