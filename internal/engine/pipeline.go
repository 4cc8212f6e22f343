package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/procflow/internal/actions"
	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/internal/governance"
	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/schema"
)

// PipelineExecutor runs pipeline definitions stage by stage over a set of
// gathered items. Item progress is persisted per stage, so an interrupted
// run can resume without repeating completed work.
type PipelineExecutor struct {
	store    store.Store
	eventLog EventLogger
	runFSM   *RunFSM
	actions  actions.Registry
	cel      *expressions.CELEngine
	jq       *expressions.GoJQEngine
	logger   *slog.Logger

	// mu guards running map.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// pipeRun tracks a single in-flight pipeline execution.
type pipeRun struct {
	runID  string
	def    *schema.PipelineDefinition
	scope  *expressions.Scope
	policy governance.Policy
	opts   RunOptions

	mu      sync.Mutex
	partial bool
}

func (r *pipeRun) markPartial() {
	r.mu.Lock()
	r.partial = true
	r.mu.Unlock()
}

// NewPipelineExecutor creates a pipeline executor with the given dependencies.
func NewPipelineExecutor(s store.Store, el EventLogger, registry actions.Registry, logger *slog.Logger) (*PipelineExecutor, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineExecutor{
		store:    s,
		eventLog: el,
		runFSM:   NewRunFSM(el),
		actions:  registry,
		cel:      cel,
		jq:       expressions.NewGoJQEngine(),
		logger:   logger,
		running:  make(map[string]context.CancelFunc),
	}, nil
}

// Execute starts a new run of a pipeline definition and drives it to a
// terminal status.
func (e *PipelineExecutor) Execute(ctx context.Context, def *schema.PipelineDefinition, opts RunOptions) (*PipelineResult, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}
	if len(def.Stages) == 0 || def.Stages[0].Kind != schema.StageKindGather {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline must open with a gather stage")
	}

	params, err := prepareParameters(def.Parameters, opts.Parameters)
	if err != nil {
		return nil, err
	}

	policy := opts.Policy
	if policy.InvocationContext == "" {
		policy.InvocationContext = actions.ContextPipeline
	}

	runID := uuid.NewString()
	now := time.Now().UTC()
	run := &store.Run{
		ID:                runID,
		Kind:              store.KindPipeline,
		DefinitionSlug:    def.Slug,
		DefinitionVersion: def.Version,
		Status:            schema.RunStatusPending,
		Parameters:        params,
		InvocationContext: policy.InvocationContext,
		Policy:            mustJSON(policy),
		GroupID:           opts.GroupID,
		ParentRunID:       opts.ParentRunID,
		TraceID:           opts.TraceID,
		CreatedAt:         now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}

	if err := e.runFSM.Transition(ctx, runID, schema.RunStatusPending, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	startedAt := time.Now().UTC()
	runningStatus := schema.RunStatusRunning
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:    &runningStatus,
		StartedAt: &startedAt,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
	}

	ps := &pipeRun{
		runID:  runID,
		def:    def,
		scope:  expressions.NewStageScope(params),
		policy: policy,
		opts:   opts,
	}

	e.logger.Info("pipeline run started",
		slog.String("run_id", runID),
		slog.String("slug", def.Slug),
		slog.Int("version", def.Version))

	return e.drive(ctx, ps, startedAt, true), nil
}

// Resume continues an interrupted pipeline run from its persisted item
// states. The gather stage is never re-invoked; items already dropped or
// completed stay untouched. Failed items are retried only when retryFailed
// is set. A resume with nothing unfinished invokes no actions.
func (e *PipelineExecutor) Resume(ctx context.Context, runID string, retryFailed bool) (*PipelineResult, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Kind != store.KindPipeline {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "run %s is not a pipeline run", runID)
	}
	switch run.Status {
	case schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusPartial:
		// Resumable.
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"cannot resume run %s in status %s", runID, run.Status)
	}

	// The item set is fixed only once gather completed. A run that died
	// before seeding any item state has nothing to resume from.
	existing, err := e.store.ListItemStates(ctx, runID, store.ItemFilter{})
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s gathered no items; start a new run instead", runID)
	}

	record, err := e.store.GetDefinition(ctx, store.KindPipeline, run.DefinitionSlug, run.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	var def schema.PipelineDefinition
	if err := json.Unmarshal(record.Definition, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode definition: %s", err.Error()).WithCause(err)
	}

	var policy governance.Policy
	if len(run.Policy) > 0 {
		if err := json.Unmarshal(run.Policy, &policy); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "decode run policy: %s", err.Error()).WithCause(err)
		}
	}
	if policy.InvocationContext == "" {
		policy.InvocationContext = actions.ContextPipeline
	}

	if err := e.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		Type:    schema.EventPipelineResumed,
		Payload: mustJSON(map[string]any{"retry_failed": retryFailed}),
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "emit resume event: %s", err.Error()).WithCause(err)
	}

	// Reanimate a terminal run outside the FSM; forward transitions stay
	// FSM-checked from here on.
	startedAt := time.Now().UTC()
	if run.StartedAt != nil {
		startedAt = *run.StartedAt
	}
	runningStatus := schema.RunStatusRunning
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &runningStatus}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
	}

	if retryFailed {
		failedStatus := schema.ItemStatusFailed
		failed, err := e.store.ListItemStates(ctx, runID, store.ItemFilter{Status: &failedStatus})
		if err != nil {
			return nil, err
		}
		for _, item := range failed {
			item.Status = schema.ItemStatusPending
			item.Error = nil
			if err := e.store.UpsertItemState(ctx, item); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore, "reset item %s: %s", item.ItemKey, err.Error()).WithCause(err)
			}
		}
	}

	ps := &pipeRun{
		runID:  runID,
		def:    &def,
		scope:  expressions.NewStageScope(run.Parameters),
		policy: policy,
		opts:   RunOptions{Parameters: run.Parameters, Policy: policy, TraceID: run.TraceID},
	}
	e.rebuildStageResults(ctx, ps)

	e.logger.Info("pipeline run resumed",
		slog.String("run_id", runID),
		slog.Bool("retry_failed", retryFailed))

	return e.drive(ctx, ps, startedAt, false), nil
}

// Cancel requests cancellation of an active pipeline run.
func (e *PipelineExecutor) Cancel(runID string) error {
	e.mu.Lock()
	cancel, ok := e.running[runID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is not active", runID)
	}
	cancel()
	return nil
}

// drive walks the stages and resolves the terminal run status. fresh
// selects whether the gather stage is invoked.
func (e *PipelineExecutor) drive(ctx context.Context, ps *pipeRun, startedAt time.Time, fresh bool) *PipelineResult {
	execCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[ps.runID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.running, ps.runID)
		e.mu.Unlock()
	}()

	result := &PipelineResult{
		RunID:     ps.runID,
		Status:    schema.RunStatusRunning,
		StartedAt: startedAt,
	}

	var fatal *schema.EngineError
	cancelled := false

	for si := range ps.def.Stages {
		if execCtx.Err() != nil {
			cancelled = true
			break
		}
		stage := &ps.def.Stages[si]

		_ = e.eventLog.AppendEvent(execCtx, &store.Event{
			RunID:  ps.runID,
			StepID: stage.Name,
			Type:   schema.EventStageStarted,
		})

		var err error
		if si == 0 {
			if fresh {
				err = e.runGather(execCtx, ps, stage)
			}
		} else {
			err = e.runItemStage(execCtx, ps, si, stage)
		}
		if err != nil {
			if execCtx.Err() != nil {
				cancelled = true
				break
			}
			fatal = asEngineError(err, schema.ErrCodeExecution)
			break
		}
	}

	finCtx := execCtx
	if execCtx.Err() != nil {
		finCtx = context.Background()
	}

	counts := e.countItems(finCtx, ps)
	result.Counts = counts

	switch {
	case cancelled:
		result.Status = schema.RunStatusCancelled
		result.Error = schema.NewError(schema.ErrCodeCancelled, "run cancelled")
		_ = e.runFSM.Transition(finCtx, ps.runID, schema.RunStatusRunning, schema.RunStatusCancelled)
	case fatal != nil:
		result.Status = schema.RunStatusFailed
		result.Error = fatal
		_ = e.runFSM.Transition(finCtx, ps.runID, schema.RunStatusRunning, schema.RunStatusFailed)
	default:
		ps.mu.Lock()
		partial := ps.partial
		ps.mu.Unlock()
		if partial || counts.Failed > 0 {
			result.Status = schema.RunStatusPartial
		} else {
			result.Status = schema.RunStatusSucceeded
		}
		_ = e.runFSM.Transition(finCtx, ps.runID, schema.RunStatusRunning, result.Status)
		_ = e.eventLog.AppendEvent(finCtx, &store.Event{
			RunID:   ps.runID,
			Type:    schema.EventPipelineComplete,
			Payload: mustJSON(map[string]any{"counts": counts, "status": string(result.Status)}),
		})
	}

	completedAt := time.Now().UTC()
	result.CompletedAt = &completedAt
	update := store.RunUpdate{
		Status:      &result.Status,
		CompletedAt: &completedAt,
		Output:      mustJSON(counts),
	}
	if result.Error != nil {
		update.Error = mustJSON(result.Error)
	}
	_ = e.store.UpdateRun(finCtx, ps.runID, update)

	e.logger.Info("pipeline run finished",
		slog.String("run_id", ps.runID),
		slog.String("status", string(result.Status)),
		slog.Int("done", counts.Done),
		slog.Int("failed", counts.Failed))

	return result
}

// runGather invokes the gather action once and seeds the item set.
func (e *PipelineExecutor) runGather(ctx context.Context, ps *pipeRun, stage *schema.StageDefinition) error {
	action, err := e.gateStage(ctx, ps, stage)
	if err != nil {
		return err
	}

	compiled, err := expressions.CompileArguments(stage.Arguments)
	if err != nil {
		return asEngineError(err, schema.ErrCodeValidation).WithStep(stage.Name)
	}
	args, err := expressions.ResolveArguments(compiled, ps.scope)
	if err != nil {
		return asEngineError(err, schema.ErrCodeReference).WithStep(stage.Name)
	}

	out, err := e.invokeWithRetry(ctx, ps, stage, action, args, stage.Name)
	if err != nil {
		return asEngineError(err, schema.ErrCodeAction).WithStep(stage.Name)
	}
	items, ok := out.([]any)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"gather action %q did not return a list", stage.Action).WithStep(stage.Name)
	}

	count := ps.policy.ClampIterations(len(items))
	gathered := make([]any, 0, count)
	for i := 0; i < count; i++ {
		state := &store.ItemState{
			RunID:        ps.runID,
			ItemKey:      uuid.NewString(),
			StageReached: stage.Name,
			Status:       schema.ItemStatusPending,
			Data:         mustJSON(items[i]),
		}
		if err := e.store.UpsertItemState(ctx, state); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "seed item: %s", err.Error()).WithCause(err)
		}
		gathered = append(gathered, items[i])
	}
	_ = ps.scope.SetResult(stage.Name, gathered)
	return nil
}

// runItemStage processes every item waiting at the previous stage through
// one filter, transform or output stage.
func (e *PipelineExecutor) runItemStage(ctx context.Context, ps *pipeRun, si int, stage *schema.StageDefinition) error {
	prevStage := ps.def.Stages[si-1].Name
	lastStage := si == len(ps.def.Stages)-1
	policy := ps.def.StagePolicy(stage)

	var action actions.Action
	if stage.Action != "" {
		var err error
		action, err = e.gateStage(ctx, ps, stage)
		if err != nil {
			return err
		}
	}

	pendingStatus := schema.ItemStatusPending
	items, err := e.store.ListItemStates(ctx, ps.runID, store.ItemFilter{
		Status:       &pendingStatus,
		StageReached: prevStage,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list items: %s", err.Error()).WithCause(err)
	}

	size := ps.opts.Concurrency
	if size <= 0 {
		size = DefaultPoolSize
	}
	pool := NewWorkerPool(size)
	defer pool.Shutdown()

	stageCtx, stopStage := context.WithCancel(ctx)
	defer stopStage()

	type cleared struct {
		key  string
		data any
	}
	var mu sync.Mutex
	var clearedItems []cleared
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		stopStage()
	}

	for idx := range items {
		item := items[idx]
		index := idx
		submitErr := pool.Submit(stageCtx, func(wctx context.Context) error {
			outs, perr := e.processItem(wctx, ps, stage, action, item, index, policy)
			if perr != nil {
				e.failItem(ctx, ps, stage, item, perr)
				if policy.Mode == schema.ErrorModeContinue {
					ps.markPartial()
					return nil
				}
				fail(perr)
				return nil
			}
			mu.Lock()
			for _, out := range outs {
				clearedItems = append(clearedItems, cleared{key: out.ItemKey, data: decodeJSON(out.Data)})
			}
			mu.Unlock()
			if lastStage {
				for _, out := range outs {
					e.finishItem(ctx, ps, out)
				}
			}
			return nil
		})
		if submitErr != nil {
			break
		}
	}
	pool.Wait()

	if firstErr != nil {
		return firstErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	sort.Slice(clearedItems, func(i, j int) bool { return clearedItems[i].key < clearedItems[j].key })
	stageData := make([]any, len(clearedItems))
	for i, c := range clearedItems {
		stageData[i] = c.data
	}
	_ = ps.scope.SetResult(stage.Name, stageData)
	return nil
}

// processItem runs one item through a stage and returns the item states that
// cleared it. A filter drop or a zero-output transform returns no states and
// marks the item done at this stage.
func (e *PipelineExecutor) processItem(ctx context.Context, ps *pipeRun, stage *schema.StageDefinition, action actions.Action, item *store.ItemState, index int, policy schema.ErrorPolicy) ([]*store.ItemState, error) {
	data := decodeJSON(item.Data)
	itemScope := ps.scope.WithItem(data, index)

	switch stage.Kind {
	case schema.StageKindFilter:
		keep, err := e.cel.EvaluateBool(ctx, stage.Expression, itemScope.EvalData())
		if err != nil {
			return nil, asEngineError(err, schema.ErrCodeExecution)
		}
		if !keep {
			e.dropItem(ctx, ps, stage, item)
			return nil, nil
		}
		return []*store.ItemState{e.advanceItem(ctx, ps, stage, item, item.Data)}, nil

	case schema.StageKindTransform:
		if stage.Expression != "" {
			outs, err := e.jq.EvaluateAll(ctx, stage.Expression, data)
			if err != nil {
				return nil, asEngineError(err, schema.ErrCodeExecution)
			}
			switch len(outs) {
			case 0:
				e.dropItem(ctx, ps, stage, item)
				return nil, nil
			case 1:
				return []*store.ItemState{e.advanceItem(ctx, ps, stage, item, mustJSON(outs[0]))}, nil
			default:
				return e.fanOut(ctx, ps, stage, item, outs)
			}
		}
		out, err := e.invokeOnItem(ctx, ps, stage, action, itemScope, item.ItemKey, policy)
		if err != nil {
			return nil, err
		}
		return []*store.ItemState{e.advanceItem(ctx, ps, stage, item, mustJSON(out))}, nil

	case schema.StageKindOutput:
		meta := action.Metadata()
		if ps.policy.DryRun && meta.SideEffects {
			// Side effects are withheld; the item still clears the stage.
			return []*store.ItemState{e.advanceItem(ctx, ps, stage, item, item.Data)}, nil
		}
		if _, err := e.invokeOnItem(ctx, ps, stage, action, itemScope, item.ItemKey, policy); err != nil {
			return nil, err
		}
		return []*store.ItemState{e.advanceItem(ctx, ps, stage, item, item.Data)}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"stage %q: unsupported kind %s", stage.Name, stage.Kind)
	}
}

// invokeOnItem resolves stage arguments against the item scope and invokes
// the action with the stage's retry policy.
func (e *PipelineExecutor) invokeOnItem(ctx context.Context, ps *pipeRun, stage *schema.StageDefinition, action actions.Action, itemScope *expressions.Scope, itemKey string, policy schema.ErrorPolicy) (any, error) {
	compiled, err := expressions.CompileArguments(stage.Arguments)
	if err != nil {
		return nil, asEngineError(err, schema.ErrCodeValidation)
	}
	args, err := expressions.ResolveArguments(compiled, itemScope)
	if err != nil {
		return nil, asEngineError(err, schema.ErrCodeReference)
	}
	return e.invokeWithRetry(ctx, ps, stage, action, args, itemKey)
}

// invokeWithRetry invokes an action, retrying retryable failures per the
// stage policy. subject is the step id used on retry events: the stage name
// for gather, the item key for per-item stages.
func (e *PipelineExecutor) invokeWithRetry(ctx context.Context, ps *pipeRun, stage *schema.StageDefinition, action actions.Action, args map[string]any, subject string) (any, error) {
	policy := ps.def.StagePolicy(stage)
	input := actions.Input{
		Arguments: args,
		Context: map[string]any{
			"run_id":   ps.runID,
			"stage":    stage.Name,
			"trace_id": ps.opts.TraceID,
		},
	}

	attempt := 0
	for {
		out, err := action.Invoke(ctx, input)
		if err == nil {
			if out != nil {
				return out.Data, nil
			}
			return nil, nil
		}

		if policy.Mode != schema.ErrorModeRetry || !IsRetryableError(err) {
			return nil, err
		}
		if attempt+1 >= policy.MaxAttempts {
			return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"stage %s: retries exhausted after %d attempts: %s",
				stage.Name, attempt+1, err.Error()).WithCause(err)
		}

		_ = e.eventLog.AppendEvent(ctx, &store.Event{
			RunID:  ps.runID,
			StepID: subject,
			Type:   schema.EventStepRetry,
			Payload: mustJSON(map[string]any{
				"stage":        stage.Name,
				"attempt":      attempt + 1,
				"max_attempts": policy.MaxAttempts,
				"error":        err.Error(),
			}),
		})

		if werr := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); werr != nil {
			return nil, werr
		}
		attempt++
	}
}

// gateStage authorizes the stage's action against the run policy.
func (e *PipelineExecutor) gateStage(ctx context.Context, ps *pipeRun, stage *schema.StageDefinition) (actions.Action, error) {
	action, err := e.actions.Get(stage.Action)
	if err != nil {
		return nil, asEngineError(err, schema.ErrCodeExecution).WithStep(stage.Name)
	}
	meta := action.Metadata()
	decision := governance.Authorize(meta, ps.policy)
	if !decision.Allowed() {
		denied := asEngineError(governance.DeniedError(meta, decision), schema.ErrCodeGovernanceDenied).WithStep(stage.Name)
		_ = e.eventLog.AppendEvent(ctx, &store.Event{
			RunID:   ps.runID,
			StepID:  stage.Name,
			Type:    schema.EventStepDenied,
			Payload: mustJSON(map[string]any{"action": meta.Name, "reason": decision.Reason}),
		})
		return nil, denied
	}
	if decision.Verdict == governance.VerdictWarn {
		_ = e.eventLog.AppendEvent(ctx, &store.Event{
			RunID:   ps.runID,
			StepID:  stage.Name,
			Type:    schema.EventGovernanceWarning,
			Payload: mustJSON(map[string]any{"action": meta.Name, "reason": decision.Reason}),
		})
	}
	return action, nil
}

// advanceItem moves an item past a stage: its stage marker advances and its
// data is replaced. Terminal completion happens in finishItem.
func (e *PipelineExecutor) advanceItem(ctx context.Context, ps *pipeRun, stage *schema.StageDefinition, item *store.ItemState, data json.RawMessage) *store.ItemState {
	item.StageReached = stage.Name
	item.Data = data
	_ = e.store.UpsertItemState(ctx, item)
	return item
}

// dropItem marks an item terminally done at a filter or empty transform.
func (e *PipelineExecutor) dropItem(ctx context.Context, ps *pipeRun, stage *schema.StageDefinition, item *store.ItemState) {
	item.StageReached = stage.Name
	item.Status = schema.ItemStatusDone
	_ = e.store.UpsertItemState(ctx, item)
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   ps.runID,
		StepID:  item.ItemKey,
		Type:    schema.EventItemDone,
		Payload: mustJSON(map[string]any{"dropped_at": stage.Name}),
	})
}

// finishItem marks an item terminally done after the last stage.
func (e *PipelineExecutor) finishItem(ctx context.Context, ps *pipeRun, item *store.ItemState) {
	item.Status = schema.ItemStatusDone
	_ = e.store.UpsertItemState(ctx, item)
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   ps.runID,
		StepID:  item.ItemKey,
		Type:    schema.EventItemDone,
		Payload: item.Data,
	})
}

// failItem marks an item failed at the current stage. Its stage marker stays
// at the last stage it cleared, so a retrying resume re-enters this stage.
func (e *PipelineExecutor) failItem(ctx context.Context, ps *pipeRun, stage *schema.StageDefinition, item *store.ItemState, perr error) {
	item.Status = schema.ItemStatusFailed
	item.Error = errPayload(perr)
	_ = e.store.UpsertItemState(ctx, item)
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   ps.runID,
		StepID:  item.ItemKey,
		Type:    schema.EventItemFailed,
		Payload: mustJSON(map[string]any{"stage": stage.Name, "error": perr.Error()}),
	})
}

// fanOut replaces a transformed item with its derived items. The parent
// becomes terminally done; each output gets the parent key with an ordinal
// suffix and continues from this stage.
func (e *PipelineExecutor) fanOut(ctx context.Context, ps *pipeRun, stage *schema.StageDefinition, parent *store.ItemState, outs []any) ([]*store.ItemState, error) {
	derived := make([]*store.ItemState, 0, len(outs))
	for i, out := range outs {
		child := &store.ItemState{
			RunID:        ps.runID,
			ItemKey:      parent.ItemKey + "-" + strconv.Itoa(i+1),
			StageReached: stage.Name,
			Status:       schema.ItemStatusPending,
			Data:         mustJSON(out),
		}
		if err := e.store.UpsertItemState(ctx, child); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "seed derived item: %s", err.Error()).WithCause(err)
		}
		derived = append(derived, child)
	}

	parent.StageReached = stage.Name
	parent.Status = schema.ItemStatusDone
	_ = e.store.UpsertItemState(ctx, parent)
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   ps.runID,
		StepID:  parent.ItemKey,
		Type:    schema.EventItemDone,
		Payload: mustJSON(map[string]any{"fanout": len(outs), "stage": stage.Name}),
	})
	return derived, nil
}

// rebuildStageResults reconstructs the stage results namespace from the item
// table on resume. A stage's result is the current data of every item at or
// beyond it, which matches the live view for the stages resume will touch.
func (e *PipelineExecutor) rebuildStageResults(ctx context.Context, ps *pipeRun) {
	items, err := e.store.ListItemStates(ctx, ps.runID, store.ItemFilter{})
	if err != nil {
		return
	}
	stageIdx := make(map[string]int, len(ps.def.Stages))
	for i := range ps.def.Stages {
		stageIdx[ps.def.Stages[i].Name] = i
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ItemKey < items[j].ItemKey })

	for si := range ps.def.Stages {
		name := ps.def.Stages[si].Name
		var data []any
		for _, item := range items {
			reached, ok := stageIdx[item.StageReached]
			if ok && reached >= si {
				data = append(data, decodeJSON(item.Data))
			}
		}
		if data != nil {
			_ = ps.scope.SetResult(name, data)
		}
	}
}

// countItems derives the run summary from the item table. Done items at the
// final stage completed the pipeline; done items at earlier stages were
// dropped by a filter, an empty transform or a fan-out.
func (e *PipelineExecutor) countItems(ctx context.Context, ps *pipeRun) ItemCounts {
	items, err := e.store.ListItemStates(ctx, ps.runID, store.ItemFilter{})
	if err != nil {
		return ItemCounts{}
	}
	finalStage := ""
	if len(ps.def.Stages) > 0 {
		finalStage = ps.def.Stages[len(ps.def.Stages)-1].Name
	}
	counts := ItemCounts{Gathered: len(items)}
	for _, item := range items {
		switch item.Status {
		case schema.ItemStatusDone:
			if item.StageReached == finalStage && len(ps.def.Stages) > 1 {
				counts.Done++
			} else {
				counts.Dropped++
			}
		case schema.ItemStatusFailed:
			counts.Failed++
		}
	}
	return counts
}

func decodeJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
