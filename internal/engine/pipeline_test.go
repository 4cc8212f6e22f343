package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/internal/actions"
	"github.com/procflow/procflow/internal/governance"
	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/schema"
)

func newPipelineEnv(t *testing.T) (*memStore, actions.Registry, *PipelineExecutor) {
	t.Helper()
	ms := newMemStore()
	registry := actions.NewRegistry()
	exec, err := NewPipelineExecutor(ms, ms, registry, nil)
	require.NoError(t, err)
	return ms, registry, exec
}

// gatherNumbers registers a gather action returning the given values and
// counting its invocations.
func gatherNumbers(t *testing.T, registry actions.Registry, values []any, calls *int64) {
	t.Helper()
	require.NoError(t, registry.Register(pureAction("gather.numbers", func(_ context.Context, _ actions.Input) (*actions.Result, error) {
		atomic.AddInt64(calls, 1)
		return &actions.Result{Status: "ok", Data: values}, nil
	})))
}

func TestPipelineExecutor_GatherFilterTransformOutput(t *testing.T) {
	ms, registry, exec := newPipelineEnv(t)

	var gatherCalls int64
	gatherNumbers(t, registry, []any{float64(1), float64(2), float64(3), float64(4), float64(5)}, &gatherCalls)

	outRec := &recorder{}
	require.NoError(t, registry.Register(effectAction("sink.write", func(_ context.Context, input actions.Input) (*actions.Result, error) {
		outRec.record(input.Arguments)
		return &actions.Result{Status: "ok"}, nil
	})))

	def := &schema.PipelineDefinition{
		Name: "Numbers", Slug: "numbers", Version: 1,
		Stages: []schema.StageDefinition{
			{Name: "collect", Kind: schema.StageKindGather, Action: "gather.numbers"},
			{Name: "keep-big", Kind: schema.StageKindFilter, Expression: "item > 2.0"},
			{Name: "scale", Kind: schema.StageKindTransform, Expression: ". * 10"},
			{Name: "write", Kind: schema.StageKindOutput, Action: "sink.write",
				Arguments: map[string]any{"value": "{{ item }}"}},
		},
	}

	result, err := exec.Execute(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, result.Status)

	assert.Equal(t, 5, result.Counts.Gathered)
	assert.Equal(t, 2, result.Counts.Dropped)
	assert.Equal(t, 3, result.Counts.Done)
	assert.Equal(t, 0, result.Counts.Failed)

	// The output stage saw the transformed values.
	assert.Equal(t, 3, outRec.count())
	seen := map[float64]bool{}
	outRec.mu.Lock()
	for _, args := range outRec.args {
		v, ok := args["value"].(float64)
		require.True(t, ok)
		seen[v] = true
	}
	outRec.mu.Unlock()
	assert.Equal(t, map[float64]bool{30: true, 40: true, 50: true}, seen)

	assert.Equal(t, int64(1), atomic.LoadInt64(&gatherCalls))
	assert.Len(t, ms.eventsOfType(result.RunID, schema.EventItemDone), 5)
	assert.Len(t, ms.eventsOfType(result.RunID, schema.EventStageStarted), 4)
	assert.Len(t, ms.eventsOfType(result.RunID, schema.EventPipelineComplete), 1)
}

func TestPipelineExecutor_ResumeSkipsCompletedWork(t *testing.T) {
	ms, registry, exec := newPipelineEnv(t)

	var gatherCalls int64
	gatherNumbers(t, registry, []any{float64(1), float64(2), float64(3)}, &gatherCalls)

	// The output action fails for the value 2 until the flag is cleared.
	var failTwo atomic.Bool
	failTwo.Store(true)
	var outCalls int64
	require.NoError(t, registry.Register(effectAction("sink.write", func(_ context.Context, input actions.Input) (*actions.Result, error) {
		atomic.AddInt64(&outCalls, 1)
		if v, _ := input.Arguments["value"].(float64); v == 2 && failTwo.Load() {
			return nil, schema.NewError(schema.ErrCodeAction, "sink rejected item")
		}
		return &actions.Result{Status: "ok"}, nil
	})))

	def := &schema.PipelineDefinition{
		Name: "Resumable", Slug: "resumable", Version: 1,
		OnError: &schema.ErrorPolicy{Mode: schema.ErrorModeContinue},
		Stages: []schema.StageDefinition{
			{Name: "collect", Kind: schema.StageKindGather, Action: "gather.numbers"},
			{Name: "write", Kind: schema.StageKindOutput, Action: "sink.write",
				Arguments: map[string]any{"value": "{{ item }}"}},
		},
	}
	require.NoError(t, ms.StoreDefinition(context.Background(), &store.DefinitionRecord{
		Kind: store.KindPipeline, Slug: def.Slug, Version: def.Version,
		Name: def.Name, Definition: mustJSON(def),
	}))

	first, err := exec.Execute(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPartial, first.Status)
	assert.Equal(t, 1, first.Counts.Failed)
	assert.Equal(t, 2, first.Counts.Done)
	assert.Equal(t, int64(3), atomic.LoadInt64(&outCalls))

	// Resume retrying the failed item: the gather stage is not re-invoked and
	// completed items are not re-processed.
	failTwo.Store(false)
	second, err := exec.Resume(context.Background(), first.RunID, true)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, second.Status)
	assert.Equal(t, 3, second.Counts.Done)
	assert.Equal(t, 0, second.Counts.Failed)

	assert.Equal(t, int64(1), atomic.LoadInt64(&gatherCalls))
	assert.Equal(t, int64(4), atomic.LoadInt64(&outCalls))
	assert.Len(t, ms.eventsOfType(first.RunID, schema.EventPipelineResumed), 1)
}

func TestPipelineExecutor_ResumeWithoutRetryInvokesNothing(t *testing.T) {
	ms, registry, exec := newPipelineEnv(t)

	var gatherCalls int64
	gatherNumbers(t, registry, []any{float64(1), float64(2)}, &gatherCalls)

	var outCalls int64
	require.NoError(t, registry.Register(effectAction("sink.write", func(_ context.Context, input actions.Input) (*actions.Result, error) {
		atomic.AddInt64(&outCalls, 1)
		if v, _ := input.Arguments["value"].(float64); v == 2 {
			return nil, schema.NewError(schema.ErrCodeAction, "sink rejected item")
		}
		return &actions.Result{Status: "ok"}, nil
	})))

	def := &schema.PipelineDefinition{
		Name: "Stuck", Slug: "stuck", Version: 1,
		OnError: &schema.ErrorPolicy{Mode: schema.ErrorModeContinue},
		Stages: []schema.StageDefinition{
			{Name: "collect", Kind: schema.StageKindGather, Action: "gather.numbers"},
			{Name: "write", Kind: schema.StageKindOutput, Action: "sink.write",
				Arguments: map[string]any{"value": "{{ item }}"}},
		},
	}
	require.NoError(t, ms.StoreDefinition(context.Background(), &store.DefinitionRecord{
		Kind: store.KindPipeline, Slug: def.Slug, Version: def.Version,
		Name: def.Name, Definition: mustJSON(def),
	}))

	first, err := exec.Execute(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusPartial, first.Status)
	callsAfterFirst := atomic.LoadInt64(&outCalls)

	// Without retryFailed there is nothing unfinished: no action runs.
	second, err := exec.Resume(context.Background(), first.RunID, false)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPartial, second.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(&gatherCalls))
	assert.Equal(t, callsAfterFirst, atomic.LoadInt64(&outCalls))
}

func TestPipelineExecutor_ResumeRejectsTerminalSuccess(t *testing.T) {
	ms, registry, exec := newPipelineEnv(t)

	var gatherCalls int64
	gatherNumbers(t, registry, []any{float64(1)}, &gatherCalls)
	require.NoError(t, registry.Register(effectAction("sink.write", func(_ context.Context, _ actions.Input) (*actions.Result, error) {
		return &actions.Result{Status: "ok"}, nil
	})))

	def := &schema.PipelineDefinition{
		Name: "Done", Slug: "done", Version: 1,
		Stages: []schema.StageDefinition{
			{Name: "collect", Kind: schema.StageKindGather, Action: "gather.numbers"},
			{Name: "write", Kind: schema.StageKindOutput, Action: "sink.write"},
		},
	}
	require.NoError(t, ms.StoreDefinition(context.Background(), &store.DefinitionRecord{
		Kind: store.KindPipeline, Slug: def.Slug, Version: def.Version,
		Name: def.Name, Definition: mustJSON(def),
	}))

	result, err := exec.Execute(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSucceeded, result.Status)

	_, err = exec.Resume(context.Background(), result.RunID, false)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeConflict, engErr.Code)
}

func TestPipelineExecutor_ResumeRejectsRunThatNeverGathered(t *testing.T) {
	ms, registry, exec := newPipelineEnv(t)

	var gatherCalls int64
	require.NoError(t, registry.Register(pureAction("gather.broken", func(_ context.Context, _ actions.Input) (*actions.Result, error) {
		atomic.AddInt64(&gatherCalls, 1)
		return nil, schema.NewError(schema.ErrCodeAction, "source unreachable")
	})))
	var outCalls int64
	require.NoError(t, registry.Register(effectAction("sink.write", func(_ context.Context, _ actions.Input) (*actions.Result, error) {
		atomic.AddInt64(&outCalls, 1)
		return &actions.Result{Status: "ok"}, nil
	})))

	def := &schema.PipelineDefinition{
		Name: "Stillborn", Slug: "stillborn", Version: 1,
		Stages: []schema.StageDefinition{
			{Name: "collect", Kind: schema.StageKindGather, Action: "gather.broken"},
			{Name: "write", Kind: schema.StageKindOutput, Action: "sink.write"},
		},
	}
	require.NoError(t, ms.StoreDefinition(context.Background(), &store.DefinitionRecord{
		Kind: store.KindPipeline, Slug: def.Slug, Version: def.Version,
		Name: def.Name, Definition: mustJSON(def),
	}))

	result, err := exec.Execute(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusFailed, result.Status)
	require.Equal(t, int64(1), atomic.LoadInt64(&gatherCalls))

	// A run with no seeded items has no fixed item set to resume against.
	_, err = exec.Resume(context.Background(), result.RunID, true)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeConflict, engErr.Code)
	assert.Contains(t, engErr.Message, "gathered no items")

	// The rejected resume invoked nothing and left the run failed.
	assert.Zero(t, atomic.LoadInt64(&outCalls))
	run, err := ms.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
}

func TestPipelineExecutor_TransformFanOut(t *testing.T) {
	ms, registry, exec := newPipelineEnv(t)

	var gatherCalls int64
	gatherNumbers(t, registry, []any{[]any{float64(1), float64(2), float64(3)}}, &gatherCalls)

	outRec := &recorder{}
	require.NoError(t, registry.Register(effectAction("sink.write", func(_ context.Context, input actions.Input) (*actions.Result, error) {
		outRec.record(input.Arguments)
		return &actions.Result{Status: "ok"}, nil
	})))

	def := &schema.PipelineDefinition{
		Name: "Split", Slug: "split", Version: 1,
		Stages: []schema.StageDefinition{
			{Name: "collect", Kind: schema.StageKindGather, Action: "gather.numbers"},
			{Name: "explode", Kind: schema.StageKindTransform, Expression: ".[]"},
			{Name: "write", Kind: schema.StageKindOutput, Action: "sink.write",
				Arguments: map[string]any{"value": "{{ item }}"}},
		},
	}

	result, err := exec.Execute(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, result.Status)

	// One parent plus three derived items; the parent counts as dropped.
	assert.Equal(t, 4, result.Counts.Gathered)
	assert.Equal(t, 3, result.Counts.Done)
	assert.Equal(t, 1, result.Counts.Dropped)
	assert.Equal(t, 3, outRec.count())

	items, err := ms.ListItemStates(context.Background(), result.RunID, store.ItemFilter{})
	require.NoError(t, err)
	var parentKey string
	for _, item := range items {
		if len(item.ItemKey) == 36 { // the gathered parent keeps a bare uuid key
			parentKey = item.ItemKey
		}
	}
	derived := 0
	for _, item := range items {
		if strings.HasPrefix(item.ItemKey, parentKey+"-") {
			derived++
			assert.Equal(t, schema.ItemStatusDone, item.Status)
		}
	}
	assert.Equal(t, 3, derived)
}

func TestPipelineExecutor_DryRunWithholdsOutputSideEffects(t *testing.T) {
	_, registry, exec := newPipelineEnv(t)

	var gatherCalls int64
	gatherNumbers(t, registry, []any{float64(1), float64(2)}, &gatherCalls)

	var outCalls int64
	require.NoError(t, registry.Register(effectAction("sink.write", func(_ context.Context, _ actions.Input) (*actions.Result, error) {
		atomic.AddInt64(&outCalls, 1)
		return &actions.Result{Status: "ok"}, nil
	})))

	def := &schema.PipelineDefinition{
		Name: "Dry", Slug: "dry", Version: 1,
		Stages: []schema.StageDefinition{
			{Name: "collect", Kind: schema.StageKindGather, Action: "gather.numbers"},
			{Name: "write", Kind: schema.StageKindOutput, Action: "sink.write"},
		},
	}

	result, err := exec.Execute(context.Background(), def, RunOptions{
		Policy: governance.Policy{DryRun: true},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, result.Status)

	// Items clear the output stage without the action being invoked.
	assert.Equal(t, int64(0), atomic.LoadInt64(&outCalls))
	assert.Equal(t, 2, result.Counts.Done)
}

func TestPipelineExecutor_GovernanceBlockDeniesOutputStage(t *testing.T) {
	ms, registry, exec := newPipelineEnv(t)

	var gatherCalls int64
	gatherNumbers(t, registry, []any{float64(1)}, &gatherCalls)

	var outCalls int64
	require.NoError(t, registry.Register(effectAction("sink.write", func(_ context.Context, _ actions.Input) (*actions.Result, error) {
		atomic.AddInt64(&outCalls, 1)
		return &actions.Result{Status: "ok"}, nil
	})))

	def := &schema.PipelineDefinition{
		Name: "Blocked", Slug: "blocked", Version: 1,
		Stages: []schema.StageDefinition{
			{Name: "collect", Kind: schema.StageKindGather, Action: "gather.numbers"},
			{Name: "write", Kind: schema.StageKindOutput, Action: "sink.write"},
		},
	}

	result, err := exec.Execute(context.Background(), def, RunOptions{
		Policy: governance.Policy{SideEffects: governance.SideEffectsBlock},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeGovernanceDenied, result.Error.Code)

	// The side-effecting output action was never invoked.
	assert.Equal(t, int64(0), atomic.LoadInt64(&outCalls))
	denied := ms.eventsOfType(result.RunID, schema.EventStepDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, "write", denied[0].StepID)
}

func TestPipelineExecutor_ContinueModeMarksPartial(t *testing.T) {
	ms, registry, exec := newPipelineEnv(t)

	var gatherCalls int64
	gatherNumbers(t, registry, []any{float64(1), float64(2), float64(3)}, &gatherCalls)

	require.NoError(t, registry.Register(effectAction("sink.write", func(_ context.Context, input actions.Input) (*actions.Result, error) {
		if v, _ := input.Arguments["value"].(float64); v == 2 {
			return nil, schema.NewError(schema.ErrCodeAction, "sink rejected item")
		}
		return &actions.Result{Status: "ok"}, nil
	})))

	def := &schema.PipelineDefinition{
		Name: "Lossy", Slug: "lossy", Version: 1,
		Stages: []schema.StageDefinition{
			{Name: "collect", Kind: schema.StageKindGather, Action: "gather.numbers"},
			{Name: "write", Kind: schema.StageKindOutput, Action: "sink.write",
				Arguments: map[string]any{"value": "{{ item }}"},
				OnError:   &schema.ErrorPolicy{Mode: schema.ErrorModeContinue}},
		},
	}

	result, err := exec.Execute(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPartial, result.Status)
	assert.Equal(t, 2, result.Counts.Done)
	assert.Equal(t, 1, result.Counts.Failed)
	assert.Len(t, ms.eventsOfType(result.RunID, schema.EventItemFailed), 1)
}

func TestPipelineExecutor_StageRetryRecovers(t *testing.T) {
	ms, registry, exec := newPipelineEnv(t)

	var gatherCalls int64
	gatherNumbers(t, registry, []any{float64(7)}, &gatherCalls)

	var attempts int64
	require.NoError(t, registry.Register(effectAction("sink.write", func(_ context.Context, _ actions.Input) (*actions.Result, error) {
		if atomic.AddInt64(&attempts, 1) < 3 {
			return nil, schema.NewError(schema.ErrCodeAction, "connection reset")
		}
		return &actions.Result{Status: "ok"}, nil
	})))

	def := &schema.PipelineDefinition{
		Name: "Retry", Slug: "retry", Version: 1,
		Stages: []schema.StageDefinition{
			{Name: "collect", Kind: schema.StageKindGather, Action: "gather.numbers"},
			{Name: "write", Kind: schema.StageKindOutput, Action: "sink.write",
				OnError: &schema.ErrorPolicy{Mode: schema.ErrorModeRetry, MaxAttempts: 3, Delay: "1ms"}},
		},
	}

	result, err := exec.Execute(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, result.Status)
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
	assert.Len(t, ms.eventsOfType(result.RunID, schema.EventStepRetry), 2)
}

func TestPipelineExecutor_GatherMustReturnList(t *testing.T) {
	_, registry, exec := newPipelineEnv(t)

	require.NoError(t, registry.Register(pureAction("gather.scalar", func(_ context.Context, _ actions.Input) (*actions.Result, error) {
		return &actions.Result{Status: "ok", Data: "not a list"}, nil
	})))

	def := &schema.PipelineDefinition{
		Name: "Scalar", Slug: "scalar", Version: 1,
		Stages: []schema.StageDefinition{
			{Name: "collect", Kind: schema.StageKindGather, Action: "gather.scalar"},
			{Name: "keep", Kind: schema.StageKindFilter, Expression: "true"},
		},
	}

	result, err := exec.Execute(context.Background(), def, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, result.Status)
	assert.Equal(t, schema.ErrCodeExecution, result.Error.Code)
}

func TestPipelineExecutor_MaxIterationsClampsGather(t *testing.T) {
	_, registry, exec := newPipelineEnv(t)

	var gatherCalls int64
	gatherNumbers(t, registry, []any{float64(1), float64(2), float64(3), float64(4), float64(5)}, &gatherCalls)

	def := &schema.PipelineDefinition{
		Name: "Capped", Slug: "capped", Version: 1,
		Stages: []schema.StageDefinition{
			{Name: "collect", Kind: schema.StageKindGather, Action: "gather.numbers"},
			{Name: "keep", Kind: schema.StageKindFilter, Expression: "true"},
		},
	}

	result, err := exec.Execute(context.Background(), def, RunOptions{
		Policy: governance.Policy{MaxIterations: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Counts.Gathered)
}

func TestPipelineExecutor_FirstStageMustBeGather(t *testing.T) {
	_, _, exec := newPipelineEnv(t)

	def := &schema.PipelineDefinition{
		Name: "Backwards", Slug: "backwards", Version: 1,
		Stages: []schema.StageDefinition{
			{Name: "keep", Kind: schema.StageKindFilter, Expression: "true"},
		},
	}

	_, err := exec.Execute(context.Background(), def, RunOptions{})
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestPipelineExecutor_CancelDuringItemStage(t *testing.T) {
	ms, registry, exec := newPipelineEnv(t)

	var gatherCalls int64
	gatherNumbers(t, registry, []any{float64(1)}, &gatherCalls)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, registry.Register(effectAction("sink.write", func(_ context.Context, _ actions.Input) (*actions.Result, error) {
		close(started)
		<-release
		return &actions.Result{Status: "ok"}, nil
	})))

	def := &schema.PipelineDefinition{
		Name: "Slow", Slug: "slow", Version: 1,
		Stages: []schema.StageDefinition{
			{Name: "collect", Kind: schema.StageKindGather, Action: "gather.numbers"},
			{Name: "write", Kind: schema.StageKindOutput, Action: "sink.write"},
		},
	}

	type outcome struct {
		result *PipelineResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := exec.Execute(context.Background(), def, RunOptions{})
		done <- outcome{result, err}
	}()

	<-started
	var runID string
	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		for id := range exec.running {
			runID = id
		}
		return runID != ""
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, exec.Cancel(runID))
	close(release)

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, schema.RunStatusCancelled, got.result.Status)
	assert.Len(t, ms.eventsOfType(runID, schema.EventRunCancelled), 1)
}
