// Package engine runs a validated task graph to completion: it
// schedules ready tasks onto a bounded worker pool, bounds every
// capability call with the task timeout, retries transient failures
// with growing backoff, synthesizes fallback output when attempts are
// exhausted, and appends each finalized stage to the run log before any
// dependent starts. A run that starts always finishes as complete or
// aborted.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/cascade/internal/capability"
	"github.com/mattjoyce/cascade/internal/events"
	"github.com/mattjoyce/cascade/internal/fallback"
	"github.com/mattjoyce/cascade/internal/graph"
	"github.com/mattjoyce/cascade/internal/log"
	"github.com/mattjoyce/cascade/internal/runlog"
	"github.com/mattjoyce/cascade/internal/validate"
)

const defaultWorkers = 4

// Engine executes one pipeline graph against a capability registry,
// recording every finalized stage through the Recorder.
type Engine struct {
	graph *graph.Graph
	caps  *capability.Registry
	rec   Recorder
	hub   *events.Hub

	workers      int
	pipelineHash string
	runInputs    map[string]any
	sleep        sleepFunc
}

// New wires an engine. hub may be nil when nobody watches the run.
func New(g *graph.Graph, caps *capability.Registry, rec Recorder, hub *events.Hub, opts Options) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = realSleep
	}
	return &Engine{
		graph:        g,
		caps:         caps,
		rec:          rec,
		hub:          hub,
		workers:      workers,
		pipelineHash: opts.PipelineHash,
		runInputs:    opts.RunInputs,
		sleep:        sleep,
	}
}

type taskOutcome struct {
	res *StageResult
	err error // fatal: aborts the run
}

// Run executes the graph. The returned Result is non-nil whenever the
// run header was written, even on abort. Cancelling ctx aborts the run:
// in-flight tasks stop, not-yet-started tasks never run.
func (e *Engine) Run(ctx context.Context, runID string) (*Result, error) {
	logger := log.WithRun(runID)
	sinks := e.graph.Sinks()

	if err := e.rec.BeginRun(ctx, runID, e.pipelineHash, sinks); err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	e.publish(events.TypeRunStarted, runID, "", map[string]any{
		"tasks": e.graph.Len(),
		"sinks": sinks,
	})
	logger.Info("run started", "tasks", e.graph.Len(), "workers", e.workers)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	states := make(map[string]TaskState, e.graph.Len())
	for _, id := range e.graph.Order() {
		states[id] = TaskPending
	}
	stages := make(map[string]*StageResult, e.graph.Len())
	done := make(map[string]bool, e.graph.Len())
	started := make(map[string]bool, e.graph.Len())

	outcomes := make(chan taskOutcome)
	sem := make(chan struct{}, e.workers)
	running := 0
	var fatal error

	for len(done) < e.graph.Len() && fatal == nil {
		for _, id := range e.graph.Ready(done, started) {
			spec, _ := e.graph.Spec(id)
			deps := make(map[string]*StageResult, len(spec.DependsOn))
			for _, dep := range spec.DependsOn {
				deps[dep] = stages[dep]
			}
			started[id] = true
			running++
			go e.runTask(runCtx, runID, spec, deps, sem, outcomes)
		}
		if running == 0 {
			break
		}
		out := <-outcomes
		running--
		if out.err != nil {
			fatal = out.err
			cancel()
			continue
		}
		res := out.res
		stages[res.TaskID] = res
		states[res.TaskID] = TaskRecorded
		done[res.TaskID] = true
	}

	// Drain in-flight tasks after an abort. A task that recorded before
	// the cancellation reached it still lands in the result.
	for running > 0 {
		out := <-outcomes
		running--
		if out.err != nil {
			continue
		}
		stages[out.res.TaskID] = out.res
		states[out.res.TaskID] = TaskRecorded
	}

	result := &Result{RunID: runID, States: states, Stages: stages}

	if fatal == nil && ctx.Err() != nil {
		fatal = ctx.Err()
	}
	if fatal != nil {
		for id, st := range states {
			if st == TaskPending || st == TaskRunning {
				states[id] = TaskAborted
			}
		}
		result.Status = runlog.RunAborted
		if err := e.rec.FinishRun(ctx, runID, runlog.RunAborted); err != nil {
			logger.Error("finish run", "error", err)
		}
		e.publish(events.TypeRunFinished, runID, "", map[string]any{"status": string(runlog.RunAborted)})
		logger.Warn("run aborted", "error", fatal)
		return result, fatal
	}

	terminal, err := e.terminalOutput(sinks, stages)
	if err != nil {
		result.Status = runlog.RunAborted
		if ferr := e.rec.FinishRun(ctx, runID, runlog.RunAborted); ferr != nil {
			logger.Error("finish run", "error", ferr)
		}
		e.publish(events.TypeRunFinished, runID, "", map[string]any{"status": string(runlog.RunAborted)})
		return result, fmt.Errorf("terminal output: %w", err)
	}
	result.TerminalOutput = terminal
	result.Status = runlog.RunComplete

	if err := e.rec.FinishRun(ctx, runID, runlog.RunComplete); err != nil {
		return result, fmt.Errorf("finish run: %w", err)
	}
	e.publish(events.TypeRunFinished, runID, "", map[string]any{"status": string(runlog.RunComplete)})
	logger.Info("run complete", "tasks", len(stages))
	return result, nil
}

// runTask drives one task through attempts, fallback, and recording.
// It sends exactly one outcome. deps holds the finalized results of
// every dependency, snapshotted by the scheduler before dispatch.
func (e *Engine) runTask(ctx context.Context, runID string, spec graph.TaskSpec, deps map[string]*StageResult, sem chan struct{}, outcomes chan<- taskOutcome) {
	taskID := spec.ID
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		outcomes <- taskOutcome{err: ctx.Err()}
		return
	}

	logger := log.WithTask(runID, taskID)

	e.setState(runID, taskID, TaskRunning)
	startedAt := time.Now().UTC()

	upstream := make(map[string]validate.Output, len(deps))
	for id, dep := range deps {
		upstream[id] = dep.Output
	}

	input, err := e.buildInput(spec, deps)
	if err != nil {
		outcomes <- taskOutcome{err: fmt.Errorf("task %q: build input: %w", taskID, err)}
		return
	}

	output, payload, attempts, err := e.attempt(ctx, runID, spec, input, logger)
	status := runlog.StageSucceeded
	provenance := runlog.ProvenanceCapability

	if err != nil {
		if ctx.Err() != nil {
			outcomes <- taskOutcome{err: ctx.Err()}
			return
		}
		logger.Warn("attempts exhausted, applying fallback", "attempts", attempts, "error", err)
		synth, serr := fallback.Synthesize(taskID, spec.Policy, spec.Fallback, upstream)
		if serr != nil {
			e.publish(events.TypeTaskState, runID, taskID, map[string]any{"state": string(TaskAborted)})
			outcomes <- taskOutcome{err: fmt.Errorf("task %q: %w", taskID, serr)}
			return
		}
		out, verr := validate.Validate(synth, spec.Policy)
		if verr != nil {
			outcomes <- taskOutcome{err: fmt.Errorf("task %q: fallback output invalid: %w", taskID, verr)}
			return
		}
		output, payload = out, synth
		status = runlog.StageFallbackApplied
		provenance = runlog.ProvenanceFallback
		e.publish(events.TypeTaskFallback, runID, taskID, map[string]any{"attempts": attempts})
		e.setState(runID, taskID, TaskFallbackApplied)
	} else {
		e.setState(runID, taskID, TaskSucceeded)
	}

	finishedAt := time.Now().UTC()
	rec := runlog.StageRecord{
		RunID:      runID,
		TaskID:     taskID,
		Status:     status,
		Provenance: provenance,
		Payload:    payload,
		Attempts:   attempts,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
	if err := e.rec.Append(ctx, rec); err != nil {
		outcomes <- taskOutcome{err: fmt.Errorf("task %q: record stage: %w", taskID, err)}
		return
	}
	e.setState(runID, taskID, TaskRecorded)
	logger.Info("stage recorded", "status", string(status), "attempts", attempts)

	outcomes <- taskOutcome{res: &StageResult{
		TaskID:     taskID,
		Status:     status,
		Provenance: provenance,
		Output:     output,
		Payload:    payload,
		Attempts:   attempts,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}}
}

// attempt invokes the capability up to MaxAttempts times, validating
// each response. It returns the accepted output, or the last error once
// attempts are exhausted. attempts is the number of invocations made.
func (e *Engine) attempt(ctx context.Context, runID string, spec graph.TaskSpec, input json.RawMessage, logger *slog.Logger) (validate.Output, json.RawMessage, int, error) {
	if _, ok := e.caps.Get(spec.Kind); !ok {
		return nil, nil, 0, &capability.CallError{
			Kind:    capability.CallTransport,
			TaskID:  spec.ID,
			Message: fmt.Sprintf("no capability registered for kind %q", spec.Kind),
			NoRetry: true,
		}
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for n := 1; n <= maxAttempts; n++ {
		if n > 1 {
			delay := backoffFor(spec.Backoff, n-1)
			e.publish(events.TypeTaskRetry, runID, spec.ID, map[string]any{
				"attempt": n,
				"delay":   delay.String(),
				"error":   lastErr.Error(),
			})
			logger.Debug("retrying", "attempt", n, "delay", delay)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, nil, n - 1, err
			}
		}

		raw, err := e.invoke(ctx, runID, spec, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, n, err
			}
			lastErr = err
			var cerr *capability.CallError
			if errors.As(err, &cerr) && cerr.NoRetry {
				return nil, nil, n, err
			}
			continue
		}

		out, verr := validate.Validate(raw, spec.Policy)
		if verr != nil {
			logger.Debug("output rejected", "attempt", n, "error", verr)
			lastErr = verr
			continue
		}
		return out, raw, n, nil
	}
	return nil, nil, maxAttempts, lastErr
}

// invoke bounds one capability call with the task timeout and folds a
// deadline hit into the error taxonomy.
func (e *Engine) invoke(ctx context.Context, runID string, spec graph.TaskSpec, input json.RawMessage) (json.RawMessage, error) {
	callCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	c, _ := e.caps.Get(spec.Kind)
	raw, err := c.Invoke(callCtx, capability.Request{
		RunID:   runID,
		TaskID:  spec.ID,
		Kind:    spec.Kind,
		Input:   input,
		Timeout: spec.Timeout,
	})
	if err == nil {
		return raw, nil
	}
	var cerr *capability.CallError
	if errors.As(err, &cerr) {
		return nil, err
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &capability.CallError{
			Kind:    capability.CallTimeout,
			TaskID:  spec.ID,
			Message: fmt.Sprintf("timed out after %s", spec.Timeout),
		}
	}
	return nil, err
}

// buildInput projects upstream payloads into the capability input.
// With an explicit Inputs mapping each key draws from the named task
// ("run" draws from run-scoped inputs); otherwise dependencies map in
// under their own ids, and entry tasks receive the run inputs directly.
func (e *Engine) buildInput(spec graph.TaskSpec, deps map[string]*StageResult) (json.RawMessage, error) {
	runPayload := func() (json.RawMessage, error) {
		if e.runInputs == nil {
			return json.RawMessage(`{}`), nil
		}
		return json.Marshal(e.runInputs)
	}

	if len(spec.Inputs) == 0 {
		if len(spec.DependsOn) == 0 {
			return runPayload()
		}
		m := make(map[string]json.RawMessage, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			m[dep] = deps[dep].Payload
		}
		return json.Marshal(m)
	}

	m := make(map[string]json.RawMessage, len(spec.Inputs))
	for key, src := range spec.Inputs {
		if src == "run" {
			p, err := runPayload()
			if err != nil {
				return nil, err
			}
			m[key] = p
			continue
		}
		m[key] = deps[src].Payload
	}
	return json.Marshal(m)
}

func (e *Engine) terminalOutput(sinks []string, stages map[string]*StageResult) ([]byte, error) {
	records := make([]runlog.StageRecord, 0, len(stages))
	for id, st := range stages {
		records = append(records, runlog.StageRecord{TaskID: id, Payload: st.Payload})
	}
	return runlog.TerminalOutput(sinks, records)
}

func (e *Engine) setState(runID, taskID string, st TaskState) {
	e.publish(events.TypeTaskState, runID, taskID, map[string]any{"state": string(st)})
}

func (e *Engine) publish(eventType, runID, taskID string, data any) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(eventType, runID, taskID, data)
}
