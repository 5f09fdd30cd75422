package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cascade/internal/capability"
	"github.com/mattjoyce/cascade/internal/engine/mocks"
	"github.com/mattjoyce/cascade/internal/fallback"
	"github.com/mattjoyce/cascade/internal/graph"
	"github.com/mattjoyce/cascade/internal/runlog"
	"github.com/mattjoyce/cascade/internal/validate"
)

func noSleep(context.Context, time.Duration) error { return nil }

func openTestStore(t *testing.T) *runlog.Store {
	t.Helper()
	db, err := runlog.Open(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return runlog.NewStore(db)
}

func policyRequiring(fields ...string) validate.Policy {
	rules := make(map[string]validate.FieldRule, len(fields))
	for _, f := range fields {
		rules[f] = validate.FieldRule{Type: validate.TypeString}
	}
	return validate.Policy{Required: fields, Fields: rules, RejectPlaceholders: true}
}

// diamondSpecs builds the A -> (B, C) -> D shape used across the
// scenario tests.
func diamondSpecs(maxAttempts int) []graph.TaskSpec {
	return []graph.TaskSpec{
		{ID: "A", Kind: "fetch", MaxAttempts: maxAttempts, Policy: policyRequiring("symbol")},
		{ID: "B", Kind: "fundamentals", DependsOn: []string{"A"}, MaxAttempts: maxAttempts, Policy: policyRequiring("rating")},
		{ID: "C", Kind: "sentiment", DependsOn: []string{"A"}, MaxAttempts: maxAttempts, Policy: policyRequiring("mood")},
		{ID: "D", Kind: "thesis", DependsOn: []string{"B", "C"}, MaxAttempts: maxAttempts, Policy: policyRequiring("summary")},
	}
}

func mustBuild(t *testing.T, specs []graph.TaskSpec) *graph.Graph {
	t.Helper()
	g, err := graph.Build(specs)
	require.NoError(t, err)
	return g
}

func TestRunDiamondAllSucceed(t *testing.T) {
	g := mustBuild(t, diamondSpecs(3))
	syn := capability.NewSynthetic(map[string]capability.Behavior{
		"A": {Payload: json.RawMessage(`{"symbol":"ACME"}`)},
		"B": {Payload: json.RawMessage(`{"rating":"buy"}`)},
		"C": {Payload: json.RawMessage(`{"mood":"bullish"}`)},
		"D": {Payload: json.RawMessage(`{"summary":"strong fundamentals, positive sentiment"}`)},
	})
	caps := capability.NewRegistry()
	for _, kind := range []string{"fetch", "fundamentals", "sentiment", "thesis"} {
		caps.Register(kind, syn)
	}
	store := openTestStore(t)

	eng := New(g, caps, store, nil, Options{Sleep: noSleep, PipelineHash: "h1"})
	res, err := eng.Run(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, runlog.RunComplete, res.Status)
	require.Len(t, res.Stages, 4)
	for _, id := range []string{"A", "B", "C", "D"} {
		st := res.Stages[id]
		assert.Equal(t, runlog.StageSucceeded, st.Status)
		assert.Equal(t, runlog.ProvenanceCapability, st.Provenance)
		assert.Equal(t, 1, st.Attempts)
		assert.Equal(t, TaskRecorded, res.States[id])
	}
	assert.JSONEq(t, `{"D":{"summary":"strong fundamentals, positive sentiment"}}`, string(res.TerminalOutput))
}

func TestRunRetryThenSucceed(t *testing.T) {
	g := mustBuild(t, diamondSpecs(3))
	syn := capability.NewSynthetic(map[string]capability.Behavior{
		"A": {Payload: json.RawMessage(`{"symbol":"ACME"}`)},
		"B": {TimeoutAttempts: 2, Payload: json.RawMessage(`{"rating":"buy"}`)},
		"C": {Payload: json.RawMessage(`{"mood":"bullish"}`)},
		"D": {Payload: json.RawMessage(`{"summary":"combined view"}`)},
	})
	caps := capability.NewRegistry()
	for _, kind := range []string{"fetch", "fundamentals", "sentiment", "thesis"} {
		caps.Register(kind, syn)
	}
	store := openTestStore(t)

	eng := New(g, caps, store, nil, Options{Sleep: noSleep})
	res, err := eng.Run(context.Background(), "run-retry")
	require.NoError(t, err)

	assert.Equal(t, runlog.RunComplete, res.Status)
	assert.Equal(t, 3, syn.Invocations("B"))
	assert.Equal(t, 3, res.Stages["B"].Attempts)
	assert.Equal(t, runlog.StageSucceeded, res.Stages["B"].Status)
	assert.Equal(t, runlog.ProvenanceCapability, res.Stages["B"].Provenance)
	// D got B's real output, not a fallback.
	assert.Equal(t, runlog.ProvenanceCapability, res.Stages["D"].Provenance)
}

func TestRunPlaceholderOutputFallsBack(t *testing.T) {
	specs := diamondSpecs(2)
	// C's fallback rule supplies a literal so Strict is not needed.
	specs[2].Fallback = fallback.Rule{Defaults: map[string]any{"mood": "neutral"}}
	g := mustBuild(t, specs)

	syn := capability.NewSynthetic(map[string]capability.Behavior{
		"A": {Payload: json.RawMessage(`{"symbol":"ACME"}`)},
		"B": {Payload: json.RawMessage(`{"rating":"buy"}`)},
		"C": {Payload: json.RawMessage(`{"mood":"Stock B looks fine"}`)}, // placeholder name
		"D": {Payload: json.RawMessage(`{"summary":"combined view"}`)},
	})
	caps := capability.NewRegistry()
	for _, kind := range []string{"fetch", "fundamentals", "sentiment", "thesis"} {
		caps.Register(kind, syn)
	}
	store := openTestStore(t)

	eng := New(g, caps, store, nil, Options{Sleep: noSleep})
	res, err := eng.Run(context.Background(), "run-ph")
	require.NoError(t, err)

	assert.Equal(t, runlog.RunComplete, res.Status)
	assert.Equal(t, 2, syn.Invocations("C"))
	c := res.Stages["C"]
	assert.Equal(t, runlog.StageFallbackApplied, c.Status)
	assert.Equal(t, runlog.ProvenanceFallback, c.Provenance)
	assert.JSONEq(t, `{"mood":"neutral"}`, string(c.Payload))
	// The run still completes and D consumed the synthesized value.
	assert.Equal(t, runlog.StageSucceeded, res.Stages["D"].Status)
}

func TestRunMaxAttemptsIsExact(t *testing.T) {
	specs := []graph.TaskSpec{{
		ID: "only", Kind: "fetch", MaxAttempts: 3,
		Policy:   policyRequiring("symbol"),
		Fallback: fallback.Rule{Defaults: map[string]any{"symbol": "VOID"}},
	}}
	g := mustBuild(t, specs)

	syn := capability.NewSynthetic(map[string]capability.Behavior{
		"only": {FailAttempts: 10, Payload: json.RawMessage(`{"symbol":"ACME"}`)},
	})
	caps := capability.NewRegistry()
	caps.Register("fetch", syn)
	store := openTestStore(t)

	eng := New(g, caps, store, nil, Options{Sleep: noSleep})
	res, err := eng.Run(context.Background(), "run-max")
	require.NoError(t, err)

	assert.Equal(t, 3, syn.Invocations("only"))
	assert.Equal(t, 3, res.Stages["only"].Attempts)
	assert.Equal(t, runlog.StageFallbackApplied, res.Stages["only"].Status)
	assert.Equal(t, runlog.RunComplete, res.Status)
}

func TestRunNoRetryErrorSkipsRemainingAttempts(t *testing.T) {
	specs := []graph.TaskSpec{{
		ID: "only", Kind: "fetch", MaxAttempts: 5,
		Policy:   policyRequiring("symbol"),
		Fallback: fallback.Rule{Defaults: map[string]any{"symbol": "VOID"}},
	}}
	g := mustBuild(t, specs)

	calls := 0
	caps := capability.NewRegistry()
	caps.Register("fetch", capabilityFunc(func(ctx context.Context, req capability.Request) (json.RawMessage, error) {
		calls++
		return nil, &capability.CallError{Kind: capability.CallCapability, TaskID: req.TaskID, Message: "bad input", NoRetry: true}
	}))
	store := openTestStore(t)

	eng := New(g, caps, store, nil, Options{Sleep: noSleep})
	res, err := eng.Run(context.Background(), "run-noretry")
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, runlog.StageFallbackApplied, res.Stages["only"].Status)
}

// TestRunAllFallbackDeterministic runs the same always-failing pipeline
// twice and expects byte-identical terminal output, with the replay of
// each run matching what the engine returned.
func TestRunAllFallbackDeterministic(t *testing.T) {
	build := func() (*graph.Graph, *capability.Registry) {
		specs := diamondSpecs(2)
		specs[0].Fallback = fallback.Rule{Defaults: map[string]any{"symbol": "VOID"}}
		specs[1].Fallback = fallback.Rule{Defaults: map[string]any{"rating": "hold"}}
		specs[2].Fallback = fallback.Rule{Defaults: map[string]any{"mood": "neutral"}}
		specs[3].Fallback = fallback.Rule{Defaults: map[string]any{"summary": "insufficient data"}}
		g := mustBuild(t, specs)

		syn := capability.NewSynthetic(map[string]capability.Behavior{
			"A": {FailAttempts: 99}, "B": {FailAttempts: 99},
			"C": {FailAttempts: 99}, "D": {FailAttempts: 99},
		})
		caps := capability.NewRegistry()
		for _, kind := range []string{"fetch", "fundamentals", "sentiment", "thesis"} {
			caps.Register(kind, syn)
		}
		return g, caps
	}
	store := openTestStore(t)
	ctx := context.Background()

	var outputs [][]byte
	for _, runID := range []string{"run-f1", "run-f2"} {
		g, caps := build()
		eng := New(g, caps, store, nil, Options{Sleep: noSleep})
		res, err := eng.Run(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, runlog.RunComplete, res.Status)
		for _, st := range res.Stages {
			assert.Equal(t, runlog.ProvenanceFallback, st.Provenance)
		}
		outputs = append(outputs, res.TerminalOutput)

		rep, err := store.Replay(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, res.TerminalOutput, rep.TerminalOutput)
	}
	assert.Equal(t, outputs[0], outputs[1])
}

func TestRunInputProjection(t *testing.T) {
	specs := []graph.TaskSpec{
		{ID: "fetch", Kind: "fetch", Policy: policyRequiring("symbol")},
		{
			ID: "analyze", Kind: "analyze", DependsOn: []string{"fetch"},
			Inputs: map[string]string{"universe": "fetch", "params": "run"},
			Policy: policyRequiring("rating"),
		},
	}
	g := mustBuild(t, specs)

	var mu sync.Mutex
	seen := map[string]json.RawMessage{}
	caps := capability.NewRegistry()
	caps.Register("fetch", capabilityFunc(func(ctx context.Context, req capability.Request) (json.RawMessage, error) {
		return json.RawMessage(`{"symbol":"ACME"}`), nil
	}))
	caps.Register("analyze", capabilityFunc(func(ctx context.Context, req capability.Request) (json.RawMessage, error) {
		mu.Lock()
		seen[req.TaskID] = req.Input
		mu.Unlock()
		return json.RawMessage(`{"rating":"buy"}`), nil
	}))
	store := openTestStore(t)

	eng := New(g, caps, store, nil, Options{
		Sleep:     noSleep,
		RunInputs: map[string]any{"market": "US"},
	})
	_, err := eng.Run(context.Background(), "run-proj")
	require.NoError(t, err)

	assert.JSONEq(t, `{"universe":{"symbol":"ACME"},"params":{"market":"US"}}`, string(seen["analyze"]))
}

func TestRunStrictSynthesisFailureAborts(t *testing.T) {
	specs := []graph.TaskSpec{{
		ID: "only", Kind: "fetch", MaxAttempts: 1,
		Policy: validate.Policy{
			Required: []string{"symbol"},
			Fields:   map[string]validate.FieldRule{"symbol": {Type: validate.TypeString, Strict: true}},
		},
	}}
	g := mustBuild(t, specs)

	syn := capability.NewSynthetic(map[string]capability.Behavior{"only": {FailAttempts: 99}})
	caps := capability.NewRegistry()
	caps.Register("fetch", syn)
	store := openTestStore(t)

	eng := New(g, caps, store, nil, Options{Sleep: noSleep})
	res, err := eng.Run(context.Background(), "run-strict")
	require.Error(t, err)

	var serr *fallback.SynthesisError
	assert.ErrorAs(t, err, &serr)
	assert.Equal(t, runlog.RunAborted, res.Status)
	assert.Equal(t, TaskAborted, res.States["only"])

	run, err := store.GetRun(context.Background(), "run-strict")
	require.NoError(t, err)
	assert.Equal(t, runlog.RunAborted, run.Status)
}

func TestRunCancellationAbortsPendingTasks(t *testing.T) {
	specs := []graph.TaskSpec{
		{ID: "slow", Kind: "slow", Policy: policyRequiring("symbol")},
		{ID: "after", Kind: "after", DependsOn: []string{"slow"}, Policy: policyRequiring("rating")},
	}
	g := mustBuild(t, specs)

	started := make(chan struct{})
	caps := capability.NewRegistry()
	caps.Register("slow", capabilityFunc(func(ctx context.Context, req capability.Request) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	caps.Register("after", capabilityFunc(func(ctx context.Context, req capability.Request) (json.RawMessage, error) {
		return json.RawMessage(`{"rating":"buy"}`), nil
	}))
	store := openTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	eng := New(g, caps, store, nil, Options{Sleep: noSleep})
	res, err := eng.Run(ctx, "run-cancel")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, runlog.RunAborted, res.Status)
	assert.Equal(t, TaskAborted, res.States["slow"])
	assert.Equal(t, TaskAborted, res.States["after"])

	// Nothing was recorded for the task that never finished.
	recs, err := store.StageRecords(context.Background(), "run-cancel")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRunRecorderAppendFailureAborts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	specs := []graph.TaskSpec{{ID: "only", Kind: "fetch", Policy: policyRequiring("symbol")}}
	g := mustBuild(t, specs)

	syn := capability.NewSynthetic(map[string]capability.Behavior{
		"only": {Payload: json.RawMessage(`{"symbol":"ACME"}`)},
	})
	caps := capability.NewRegistry()
	caps.Register("fetch", syn)

	rec := mocks.NewMockRecorder(ctrl)
	rec.EXPECT().BeginRun(gomock.Any(), "run-rec", "", []string{"only"}).Return(nil)
	rec.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))
	rec.EXPECT().FinishRun(gomock.Any(), "run-rec", runlog.RunAborted).Return(nil)

	eng := New(g, caps, rec, nil, Options{Sleep: noSleep})
	res, err := eng.Run(context.Background(), "run-rec")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record stage")
	assert.Equal(t, runlog.RunAborted, res.Status)
}

// TestRunDrainRecordsInFlightSuccess aborts the run on one task's
// record failure while a sibling is still in flight; the sibling's
// recorded result must survive into the aborted run's result.
func TestRunDrainRecordsInFlightSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	specs := []graph.TaskSpec{
		{ID: "slow", Kind: "slow", MaxAttempts: 1, Policy: policyRequiring("rating")},
		{ID: "doomed", Kind: "doomed", MaxAttempts: 1, Policy: policyRequiring("rating")},
	}
	g := mustBuild(t, specs)

	caps := capability.NewRegistry()
	// slow finishes only after the run has been cancelled, ignoring the
	// cancellation itself. doomed waits for slow to be in flight so the
	// abort always races against a running sibling.
	slowStarted := make(chan struct{})
	caps.Register("slow", capabilityFunc(func(ctx context.Context, req capability.Request) (json.RawMessage, error) {
		close(slowStarted)
		<-ctx.Done()
		return json.RawMessage(`{"rating":"buy"}`), nil
	}))
	caps.Register("doomed", capabilityFunc(func(ctx context.Context, req capability.Request) (json.RawMessage, error) {
		<-slowStarted
		return json.RawMessage(`{"rating":"sell"}`), nil
	}))

	rec := mocks.NewMockRecorder(ctrl)
	rec.EXPECT().BeginRun(gomock.Any(), "run-drain", gomock.Any(), gomock.Any()).Return(nil)
	rec.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, sr runlog.StageRecord) error {
		if sr.TaskID == "doomed" {
			return errors.New("disk full")
		}
		return nil
	}).AnyTimes()
	rec.EXPECT().FinishRun(gomock.Any(), "run-drain", runlog.RunAborted).Return(nil)

	eng := New(g, caps, rec, nil, Options{Sleep: noSleep})
	res, err := eng.Run(context.Background(), "run-drain")
	require.Error(t, err)
	require.NotNil(t, res)

	assert.Equal(t, runlog.RunAborted, res.Status)
	assert.Equal(t, TaskAborted, res.States["doomed"])
	assert.Equal(t, TaskRecorded, res.States["slow"])
	require.Contains(t, res.Stages, "slow")
	assert.Equal(t, runlog.StageSucceeded, res.Stages["slow"].Status)
}

func TestRunBeginFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	g := mustBuild(t, []graph.TaskSpec{{ID: "only", Kind: "fetch"}})
	rec := mocks.NewMockRecorder(ctrl)
	rec.EXPECT().BeginRun(gomock.Any(), "run-bad", gomock.Any(), gomock.Any()).Return(errors.New("locked"))

	eng := New(g, capability.NewRegistry(), rec, nil, Options{Sleep: noSleep})
	res, err := eng.Run(context.Background(), "run-bad")
	require.Error(t, err)
	assert.Nil(t, res)
}

// capabilityFunc adapts a function to the Capability interface.
type capabilityFunc func(ctx context.Context, req capability.Request) (json.RawMessage, error)

func (f capabilityFunc) Invoke(ctx context.Context, req capability.Request) (json.RawMessage, error) {
	return f(ctx, req)
}
