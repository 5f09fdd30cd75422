// Package runlog persists pipeline runs as an append-only log of stage
// completion events, and reconstructs them for replay without invoking
// any capability.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRunNotFound is returned when a replay targets a run id with no
// recorded log entries.
var ErrRunNotFound = errors.New("run not found")

// Store reads and writes the run log. Appends are serialized per store
// so completion events carry a total order (seq) for faithful replay.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	nextSeq map[string]int64
}

// NewStore wraps an opened run log database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nextSeq: make(map[string]int64)}
}

// BeginRun registers a new active run. Each run id is written once;
// reusing an id is an error.
func (s *Store) BeginRun(ctx context.Context, runID, pipelineHash string, sinks []string) error {
	if runID == "" {
		return fmt.Errorf("run id is empty")
	}
	sinksJSON, err := json.Marshal(sinks)
	if err != nil {
		return fmt.Errorf("marshal sinks: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs(id, pipeline_hash, status, sinks, created_at)
VALUES(?, ?, ?, ?, ?);
`, runID, pipelineHash, RunActive, string(sinksJSON), now)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// Append records one finalized stage. Write-ahead ordering: the engine
// calls this before any dependent task starts, so a crash after the
// append loses no completed work.
func (s *Store) Append(ctx context.Context, rec StageRecord) error {
	if rec.RunID == "" || rec.TaskID == "" {
		return fmt.Errorf("stage record missing run or task id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.nextSeq[rec.RunID]
	if !ok {
		// A store reopened against an existing run continues the
		// sequence where the log left off.
		var max sql.NullInt64
		err := s.db.QueryRowContext(ctx, `
SELECT MAX(seq) FROM stage_results WHERE run_id = ?;
`, rec.RunID).Scan(&max)
		if err != nil {
			return fmt.Errorf("load stage sequence: %w", err)
		}
		if max.Valid {
			seq = max.Int64 + 1
		}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stage_results(run_id, task_id, status, provenance, payload, attempts, seq, started_at, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		rec.RunID, rec.TaskID, rec.Status, rec.Provenance, string(rec.Payload), rec.Attempts, seq,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append stage result: %w", err)
	}
	s.nextSeq[rec.RunID] = seq + 1
	return nil
}

// FinishRun marks a run terminal.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus) error {
	if status != RunComplete && status != RunAborted {
		return fmt.Errorf("invalid terminal run status: %q", status)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET status = ?, completed_at = ? WHERE id = ?;
`, status, now, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun loads a run header.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, pipeline_hash, status, sinks, created_at, completed_at
FROM runs WHERE id = ?;
`, runID)
	return scanRun(row)
}

// ListRuns returns run headers, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, pipeline_hash, status, sinks, created_at, completed_at
FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// StageRecords returns a run's completion events in append order.
func (s *Store) StageRecords(ctx context.Context, runID string) ([]StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, task_id, status, provenance, payload, attempts, seq, started_at, finished_at
FROM stage_results WHERE run_id = ? ORDER BY seq ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("load stage results: %w", err)
	}
	defer rows.Close()

	var records []StageRecord
	for rows.Next() {
		var (
			rec         StageRecord
			payload     string
			statusS     string
			provenanceS string
			startedS    string
			finishedS   string
		)
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &statusS, &provenanceS, &payload, &rec.Attempts, &rec.Seq, &startedS, &finishedS); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		rec.Status = StageStatus(statusS)
		rec.Provenance = Provenance(provenanceS)
		rec.Payload = json.RawMessage(payload)
		if t, err := time.Parse(time.RFC3339Nano, startedS); err == nil {
			rec.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, finishedS); err == nil {
			rec.FinishedAt = t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ReplayResult is a run reconstructed purely from its recorded log.
type ReplayResult struct {
	Run            *Run
	Records        []StageRecord
	TerminalOutput []byte
}

// Replay rebuilds the run's StageResult map and terminal output from
// the log. No capability and no validator is involved; the payloads are
// served exactly as recorded.
func (s *Store) Replay(ctx context.Context, runID string) (*ReplayResult, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	records, err := s.StageRecords(ctx, runID)
	if err != nil {
		return nil, err
	}

	terminal, err := TerminalOutput(run.Sinks, records)
	if err != nil {
		return nil, fmt.Errorf("assemble terminal output: %w", err)
	}

	return &ReplayResult{Run: run, Records: records, TerminalOutput: terminal}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r          Run
		statusS    string
		sinksJSON  string
		createdS   string
		completedS sql.NullString
	)
	err := row.Scan(&r.ID, &r.PipelineHash, &statusS, &sinksJSON, &createdS, &completedS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	r.Status = RunStatus(statusS)
	// lenient decode: unknown or malformed sink data degrades to empty
	if err := json.Unmarshal([]byte(sinksJSON), &r.Sinks); err != nil {
		r.Sinks = nil
	}
	if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
		r.CreatedAt = t
	}
	if completedS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedS.String); err == nil {
			r.CompletedAt = &t
		}
	}
	return &r, nil
}
