package api

import (
	"encoding/json"
	"time"
)

// RunSummary is one entry in GET /v1/runs.
type RunSummary struct {
	RunID        string     `json:"run_id"`
	PipelineHash string     `json:"pipeline_hash"`
	Status       string     `json:"status"`
	Sinks        []string   `json:"sinks"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// StageDetail is one recorded stage in GET /v1/runs/{runID}.
type StageDetail struct {
	TaskID     string          `json:"task_id"`
	Status     string          `json:"status"`
	Provenance string          `json:"provenance"`
	Attempts   int             `json:"attempts"`
	Payload    json.RawMessage `json:"payload"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// RunDetail is returned by GET /v1/runs/{runID}.
type RunDetail struct {
	RunSummary
	Stages []StageDetail `json:"stages"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
