package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/procflow/internal/actions"
	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/internal/governance"
	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/schema"
)

// ProcedureExecutor runs workflow definitions step by step: conditions,
// iteration, parallel branches, governance gating and retry policies.
type ProcedureExecutor struct {
	store    store.Store
	eventLog EventLogger
	runFSM   *RunFSM
	stepFSM  *StepFSM
	actions  actions.Registry
	cel      *expressions.CELEngine
	logger   *slog.Logger

	// mu guards running map.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// procRun tracks a single in-flight procedure execution.
type procRun struct {
	runID  string
	def    *schema.WorkflowDefinition
	scope  *expressions.Scope
	policy governance.Policy
	opts   RunOptions

	mu      sync.Mutex // guards partial and steps
	partial bool
	steps   map[string]*StepResult
}

func (r *procRun) markPartial() {
	r.mu.Lock()
	r.partial = true
	r.mu.Unlock()
}

func (r *procRun) recordStep(sr *StepResult) {
	r.mu.Lock()
	r.steps[sr.Name] = sr
	r.mu.Unlock()
}

// NewProcedureExecutor creates a procedure executor with the given dependencies.
func NewProcedureExecutor(s store.Store, el EventLogger, registry actions.Registry, logger *slog.Logger) (*ProcedureExecutor, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcedureExecutor{
		store:    s,
		eventLog: el,
		runFSM:   NewRunFSM(el),
		stepFSM:  NewStepFSM(el),
		actions:  registry,
		cel:      cel,
		logger:   logger,
		running:  make(map[string]context.CancelFunc),
	}, nil
}

// Execute starts a new run of a workflow definition and drives it to a
// terminal status. Cancellation is honored at step boundaries.
func (e *ProcedureExecutor) Execute(ctx context.Context, def *schema.WorkflowDefinition, opts RunOptions) (*ExecutionResult, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	params, err := prepareParameters(def.Parameters, opts.Parameters)
	if err != nil {
		return nil, err
	}

	policy := opts.Policy
	if policy.InvocationContext == "" {
		policy.InvocationContext = actions.ContextProcedure
	}

	runID := uuid.NewString()
	now := time.Now().UTC()
	run := &store.Run{
		ID:                runID,
		Kind:              store.KindWorkflow,
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

	// Transition run: pending -> running.
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

	// Initialize top-level step states as pending.
	for i := range def.Steps {
		ss := &store.StepState{
			RunID:    runID,
			StepName: def.Steps[i].Name,
			Status:   schema.StepStatusPending,
		}
		if err := e.store.UpsertStepState(ctx, ss); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "init step state %s: %s", ss.StepName, err.Error()).WithCause(err)
		}
	}

	execCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[runID] = cancel
	e.mu.Unlock()

	rs := &procRun{
		runID:  runID,
		def:    def,
		scope:  expressions.NewScope(params),
		policy: policy,
		opts:   opts,
		steps:  make(map[string]*StepResult),
	}

	e.logger.Info("procedure run started",
		slog.String("run_id", runID),
		slog.String("slug", def.Slug),
		slog.Int("version", def.Version))

	result := e.executeSteps(execCtx, rs, startedAt)

	cancel()
	e.mu.Lock()
	delete(e.running, runID)
	e.mu.Unlock()

	return result, nil
}

// Cancel requests cancellation of an active run. The executor stops at the
// next step boundary; the in-flight step is allowed to finish.
func (e *ProcedureExecutor) Cancel(runID string) error {
	e.mu.Lock()
	cancel, ok := e.running[runID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is not active", runID)
	}
	cancel()
	return nil
}

// Status returns the persisted view of a run: record, step states and events.
func (e *ProcedureExecutor) Status(ctx context.Context, runID string) (*store.Run, []*store.StepState, []*store.Event, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	steps, err := e.store.ListStepStates(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	events, err := e.eventLog.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	return run, steps, events, nil
}

// executeSteps walks the sequence and resolves the terminal run status.
func (e *ProcedureExecutor) executeSteps(ctx context.Context, rs *procRun, startedAt time.Time) *ExecutionResult {
	result := &ExecutionResult{
		RunID:     rs.runID,
		Status:    schema.RunStatusRunning,
		StartedAt: startedAt,
	}

	var fatal *schema.EngineError
	cancelled := false
	completedIdx := 0

	for i := range rs.def.Steps {
		if ctx.Err() != nil {
			cancelled = true
			completedIdx = i
			break
		}
		step := &rs.def.Steps[i]
		completedIdx = i + 1

		err := e.executeStep(ctx, rs, step, rs.scope)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) {
			cancelled = true
			break
		}

		engErr := asEngineError(err, schema.ErrCodeExecution)
		if engErr.Code == schema.ErrCodeCancelled || ctx.Err() != nil {
			cancelled = true
			break
		}
		policy := rs.def.StepPolicy(step)
		// Reference failures are definitional; continue mode does not mask them.
		if policy.Mode == schema.ErrorModeContinue && engErr.Code != schema.ErrCodeReference {
			rs.markPartial()
			_ = rs.scope.SetResult(step.Name, nil)
			continue
		}
		fatal = engErr
		break
	}

	finCtx := ctx
	if ctx.Err() != nil {
		finCtx = context.Background()
	}

	switch {
	case cancelled:
		result.Status = schema.RunStatusCancelled
		result.Error = schema.NewError(schema.ErrCodeCancelled, "run cancelled")
		_ = e.runFSM.Transition(finCtx, rs.runID, schema.RunStatusRunning, schema.RunStatusCancelled)
		e.skipRemaining(finCtx, rs, completedIdx)
	case fatal != nil:
		result.Status = schema.RunStatusFailed
		result.Error = fatal
		_ = e.runFSM.Transition(finCtx, rs.runID, schema.RunStatusRunning, schema.RunStatusFailed)
	default:
		rs.mu.Lock()
		partial := rs.partial
		rs.mu.Unlock()
		if partial {
			result.Status = schema.RunStatusPartial
		} else {
			result.Status = schema.RunStatusSucceeded
		}
		_ = e.runFSM.Transition(finCtx, rs.runID, schema.RunStatusRunning, result.Status)

		results := rs.scope.Results()
		result.Output = mustJSON(results)
		_ = e.eventLog.AppendEvent(finCtx, &store.Event{
			RunID:   rs.runID,
			Type:    schema.EventProcedureComplete,
			Payload: mustJSON(map[string]any{"results": results, "status": string(result.Status)}),
		})
	}

	completedAt := time.Now().UTC()
	result.CompletedAt = &completedAt
	rs.mu.Lock()
	result.Steps = rs.steps
	rs.mu.Unlock()

	update := store.RunUpdate{
		Status:      &result.Status,
		CompletedAt: &completedAt,
		Output:      result.Output,
	}
	if result.Error != nil {
		update.Error = mustJSON(result.Error)
	}
	_ = e.store.UpdateRun(finCtx, rs.runID, update)

	e.logger.Info("procedure run finished",
		slog.String("run_id", rs.runID),
		slog.String("status", string(result.Status)))

	return result
}

// skipRemaining marks steps that never started as skipped after cancellation.
func (e *ProcedureExecutor) skipRemaining(ctx context.Context, rs *procRun, fromIdx int) {
	for i := fromIdx; i < len(rs.def.Steps); i++ {
		name := rs.def.Steps[i].Name
		ss, err := e.store.GetStepState(ctx, rs.runID, name)
		if err != nil || ss == nil || ss.Status != schema.StepStatusPending {
			continue
		}
		if err := e.stepFSM.Transition(ctx, rs.runID, name, schema.StepStatusPending, schema.StepStatusSkipped); err != nil {
			continue
		}
		ss.Status = schema.StepStatusSkipped
		_ = e.store.UpsertStepState(ctx, ss)
		_ = e.eventLog.AppendEvent(ctx, &store.Event{
			RunID:   rs.runID,
			StepID:  name,
			Type:    schema.EventStepSkip,
			Payload: mustJSON(map[string]string{"reason": "run cancelled"}),
		})
	}
}

// executeStep runs a single step against the given scope. Branch steps pass
// their branch-local scope; top-level steps pass the run scope.
func (e *ProcedureExecutor) executeStep(ctx context.Context, rs *procRun, step *schema.StepDefinition, scope *expressions.Scope) error {
	state := &store.StepState{
		RunID:    rs.runID,
		StepName: step.Name,
		Status:   schema.StepStatusPending,
	}

	// Transition: pending -> resolving.
	if err := e.stepFSM.Transition(ctx, rs.runID, step.Name, schema.StepStatusPending, schema.StepStatusResolving); err != nil {
		return err
	}
	startTime := time.Now().UTC()
	state.Status = schema.StepStatusResolving
	state.StartedAt = &startTime
	e.persistStepState(state)

	// Condition gate: a false condition skips the step and records a null
	// result so later references resolve.
	if step.Condition != "" {
		pass, err := e.cel.EvaluateBool(ctx, step.Condition, scope.EvalData())
		if err != nil {
			return e.failStep(ctx, rs, step, state, schema.StepStatusResolving,
				asEngineError(err, schema.ErrCodeExecution))
		}
		if !pass {
			if err := e.stepFSM.Transition(ctx, rs.runID, step.Name, schema.StepStatusResolving, schema.StepStatusSkipped); err != nil {
				return err
			}
			completedAt := time.Now().UTC()
			state.Status = schema.StepStatusSkipped
			state.CompletedAt = &completedAt
			e.persistStepState(state)
			_ = e.eventLog.AppendEvent(ctx, &store.Event{
				RunID:   rs.runID,
				StepID:  step.Name,
				Type:    schema.EventStepSkip,
				Payload: mustJSON(map[string]string{"condition": step.Condition}),
			})
			_ = scope.SetResult(step.Name, nil)
			rs.recordStep(&StepResult{Name: step.Name, Status: schema.StepStatusSkipped})
			return nil
		}
	}

	var output any
	var execErr error
	switch {
	case len(step.ParallelBranches) > 0:
		output, execErr = e.executeBranches(ctx, rs, step, scope, state)
	case step.IterationSource != "":
		output, execErr = e.executeIteration(ctx, rs, step, scope, state)
	default:
		output, execErr = e.executeAction(ctx, rs, step, scope, state)
	}
	if execErr != nil {
		return execErr
	}

	// Transition: running -> succeeded.
	if err := e.stepFSM.Transition(ctx, rs.runID, step.Name, schema.StepStatusRunning, schema.StepStatusSucceeded); err != nil {
		return err
	}
	completedAt := time.Now().UTC()
	state.Status = schema.StepStatusSucceeded
	state.Output = mustJSON(output)
	state.CompletedAt = &completedAt
	state.DurationMs = completedAt.Sub(startTime).Milliseconds()
	e.persistStepState(state)

	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   rs.runID,
		StepID:  step.Name,
		Type:    schema.EventStepComplete,
		Payload: mustJSON(map[string]any{"result": output, "duration_ms": state.DurationMs}),
	})

	if err := scope.SetResult(step.Name, output); err != nil {
		return err
	}
	rs.recordStep(&StepResult{
		Name:       step.Name,
		Status:     schema.StepStatusSucceeded,
		Output:     state.Output,
		DurationMs: state.DurationMs,
	})
	return nil
}

// executeAction handles the plain action step form: resolve arguments, pass
// the governance gate, invoke with the step's retry policy.
func (e *ProcedureExecutor) executeAction(ctx context.Context, rs *procRun, step *schema.StepDefinition, scope *expressions.Scope, state *store.StepState) (any, error) {
	compiled, err := expressions.CompileArguments(step.Arguments)
	if err != nil {
		return nil, e.failStep(ctx, rs, step, state, schema.StepStatusResolving,
			asEngineError(err, schema.ErrCodeValidation))
	}
	args, err := expressions.ResolveArguments(compiled, scope)
	if err != nil {
		return nil, e.failStep(ctx, rs, step, state, schema.StepStatusResolving,
			asEngineError(err, schema.ErrCodeReference))
	}

	action, gateErr := e.gate(ctx, rs, step, state)
	if gateErr != nil {
		return nil, gateErr
	}

	out, err := e.invokeWithRetry(ctx, rs, step, action, args, state)
	if err != nil {
		return nil, e.failStep(ctx, rs, step, state, schema.StepStatusRunning,
			asEngineError(err, schema.ErrCodeAction))
	}
	return out, nil
}

// executeIteration fans an action over a resolved sequence. Items run in
// order against a child scope carrying the item and index bindings; the
// step's stored result is the ordered list of per-item results.
func (e *ProcedureExecutor) executeIteration(ctx context.Context, rs *procRun, step *schema.StepDefinition, scope *expressions.Scope, state *store.StepState) (any, error) {
	compiled, err := expressions.Compile(step.IterationSource)
	if err != nil {
		return nil, e.failStep(ctx, rs, step, state, schema.StepStatusResolving,
			asEngineError(err, schema.ErrCodeValidation))
	}
	source, err := compiled.Resolve(scope)
	if err != nil {
		return nil, e.failStep(ctx, rs, step, state, schema.StepStatusResolving,
			asEngineError(err, schema.ErrCodeReference))
	}
	items, ok := source.([]any)
	if !ok {
		return nil, e.failStep(ctx, rs, step, state, schema.StepStatusResolving,
			schema.NewErrorf(schema.ErrCodeReference,
				"iteration source %q did not resolve to a list", step.IterationSource).WithStep(step.Name))
	}

	action, gateErr := e.gate(ctx, rs, step, state)
	if gateErr != nil {
		return nil, gateErr
	}

	policy := rs.def.StepPolicy(step)
	count := rs.policy.ClampIterations(len(items))
	results := make([]any, 0, count)
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return nil, e.failStep(ctx, rs, step, state, schema.StepStatusRunning,
				schema.NewError(schema.ErrCodeCancelled, "run cancelled during iteration").WithStep(step.Name))
		}
		_ = e.eventLog.AppendEvent(ctx, &store.Event{
			RunID:   rs.runID,
			StepID:  step.Name,
			Type:    schema.EventIterationStart,
			Payload: mustJSON(map[string]any{"index": i, "total": count}),
		})

		child := scope.WithItem(items[i], i)
		compiledArgs, err := expressions.CompileArguments(step.Arguments)
		if err != nil {
			return nil, e.failStep(ctx, rs, step, state, schema.StepStatusRunning,
				asEngineError(err, schema.ErrCodeValidation))
		}
		args, err := expressions.ResolveArguments(compiledArgs, child)
		if err != nil {
			return nil, e.failStep(ctx, rs, step, state, schema.StepStatusRunning,
				asEngineError(err, schema.ErrCodeReference))
		}

		out, err := e.invokeWithRetry(ctx, rs, step, action, args, state)
		if err != nil {
			engErr := asEngineError(err, schema.ErrCodeAction)
			// Each element follows the step's error policy on its own. In
			// continue mode a failed element leaves a null slot and the
			// remaining elements still run; fail mode and exhausted retries
			// abort the whole step.
			if policy.Mode == schema.ErrorModeContinue &&
				engErr.Code != schema.ErrCodeReference && engErr.Code != schema.ErrCodeCancelled {
				rs.markPartial()
				results = append(results, nil)
				_ = e.eventLog.AppendEvent(ctx, &store.Event{
					RunID:  rs.runID,
					StepID: step.Name,
					Type:   schema.EventIterationComplete,
					Payload: mustJSON(map[string]any{
						"index":  i,
						"status": "failed",
						"error":  engErr.Error(),
					}),
				})
				continue
			}
			return nil, e.failStep(ctx, rs, step, state, schema.StepStatusRunning, engErr)
		}
		results = append(results, out)

		_ = e.eventLog.AppendEvent(ctx, &store.Event{
			RunID:   rs.runID,
			StepID:  step.Name,
			Type:    schema.EventIterationComplete,
			Payload: mustJSON(map[string]any{"index": i, "status": "succeeded"}),
		})
	}
	return results, nil
}

// executeBranches runs each branch's steps concurrently against an isolated
// scope snapshot. Branch results merge into the parent scope only after
// every branch is terminal, so later steps observe the merge atomically.
func (e *ProcedureExecutor) executeBranches(ctx context.Context, rs *procRun, step *schema.StepDefinition, scope *expressions.Scope, state *store.StepState) (any, error) {
	// Branch containers carry no action; the gate transitions are kept so
	// the step walks the same lifecycle as action steps.
	if err := e.stepFSM.Transition(ctx, rs.runID, step.Name, schema.StepStatusResolving, schema.StepStatusGated); err != nil {
		return nil, err
	}
	if err := e.stepFSM.Transition(ctx, rs.runID, step.Name, schema.StepStatusGated, schema.StepStatusRunning); err != nil {
		return nil, err
	}
	state.Status = schema.StepStatusRunning
	e.persistStepState(state)

	names := make([]string, 0, len(step.ParallelBranches))
	for name := range step.ParallelBranches {
		names = append(names, name)
	}
	sort.Strings(names)

	branchScopes := make(map[string]*expressions.Scope, len(names))
	branchErrs := make(map[string]error, len(names))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, name := range names {
		bscope := scope.ForBranch()
		branchScopes[name] = bscope
		steps := step.ParallelBranches[name]

		wg.Add(1)
		go func(name string, steps []schema.StepDefinition, bscope *expressions.Scope) {
			defer wg.Done()
			var berr error
			for j := range steps {
				if ctx.Err() != nil {
					berr = ctx.Err()
					break
				}
				inner := &steps[j]
				if err := e.executeStep(ctx, rs, inner, bscope); err != nil {
					engErr := asEngineError(err, schema.ErrCodeExecution)
					policy := rs.def.StepPolicy(inner)
					if policy.Mode == schema.ErrorModeContinue && engErr.Code != schema.ErrCodeReference {
						rs.markPartial()
						_ = bscope.SetResult(inner.Name, nil)
						continue
					}
					berr = engErr
					break
				}
			}
			mu.Lock()
			branchErrs[name] = berr
			mu.Unlock()
			_ = e.eventLog.AppendEvent(ctx, &store.Event{
				RunID:   rs.runID,
				StepID:  step.Name,
				Type:    schema.EventBranchComplete,
				Payload: mustJSON(map[string]any{"branch": name, "failed": berr != nil}),
			})
		}(name, steps, bscope)
	}
	wg.Wait()

	for _, name := range names {
		if berr := branchErrs[name]; berr != nil {
			return nil, e.failStep(ctx, rs, step, state, schema.StepStatusRunning,
				asEngineError(berr, schema.ErrCodeExecution))
		}
	}

	// All branches terminal and successful: merge into the parent scope.
	statuses := make(map[string]any, len(names))
	for _, name := range names {
		scope.MergeBranch(branchScopes[name])
		statuses[name] = "succeeded"
	}
	return map[string]any{"branches": statuses}, nil
}

// gate walks resolving -> gated, authorizes the invocation and, on allow,
// walks gated -> running. A deny fails the step with a governance error.
func (e *ProcedureExecutor) gate(ctx context.Context, rs *procRun, step *schema.StepDefinition, state *store.StepState) (actions.Action, error) {
	if err := e.stepFSM.Transition(ctx, rs.runID, step.Name, schema.StepStatusResolving, schema.StepStatusGated); err != nil {
		return nil, err
	}
	state.Status = schema.StepStatusGated
	e.persistStepState(state)

	action, err := e.actions.Get(step.Action)
	if err != nil {
		return nil, e.failStep(ctx, rs, step, state, schema.StepStatusGated,
			asEngineError(err, schema.ErrCodeExecution))
	}

	meta := action.Metadata()
	decision := governance.Authorize(meta, rs.policy)
	if !decision.Allowed() {
		denied := asEngineError(governance.DeniedError(meta, decision), schema.ErrCodeGovernanceDenied).WithStep(step.Name)
		if err := e.stepFSM.Transition(ctx, rs.runID, step.Name, schema.StepStatusGated, schema.StepStatusFailed); err != nil {
			return nil, err
		}
		completedAt := time.Now().UTC()
		state.Status = schema.StepStatusFailed
		state.Error = errPayload(denied)
		state.CompletedAt = &completedAt
		e.persistStepState(state)
		_ = e.eventLog.AppendEvent(ctx, &store.Event{
			RunID:   rs.runID,
			StepID:  step.Name,
			Type:    schema.EventStepDenied,
			Payload: mustJSON(map[string]any{"action": meta.Name, "reason": decision.Reason}),
		})
		rs.recordStep(&StepResult{Name: step.Name, Status: schema.StepStatusFailed, Error: denied})
		return nil, denied
	}
	if decision.Verdict == governance.VerdictWarn {
		_ = e.eventLog.AppendEvent(ctx, &store.Event{
			RunID:   rs.runID,
			StepID:  step.Name,
			Type:    schema.EventGovernanceWarning,
			Payload: mustJSON(map[string]any{"action": meta.Name, "reason": decision.Reason}),
		})
		e.logger.Warn("governance warning",
			slog.String("run_id", rs.runID),
			slog.String("step", step.Name),
			slog.String("reason", decision.Reason))
	}

	if err := e.stepFSM.Transition(ctx, rs.runID, step.Name, schema.StepStatusGated, schema.StepStatusRunning); err != nil {
		return nil, err
	}
	state.Status = schema.StepStatusRunning
	e.persistStepState(state)
	return action, nil
}

// invokeWithRetry invokes the action, applying the step's retry policy to
// retryable failures. Dry-run mode short-circuits side-effecting actions
// with a marker result; pure actions run normally.
func (e *ProcedureExecutor) invokeWithRetry(ctx context.Context, rs *procRun, step *schema.StepDefinition, action actions.Action, args map[string]any, state *store.StepState) (any, error) {
	meta := action.Metadata()
	if rs.policy.DryRun && meta.SideEffects {
		return map[string]any{"dry_run": true, "action": meta.Name}, nil
	}

	policy := rs.def.StepPolicy(step)
	input := actions.Input{
		Arguments: args,
		Context: map[string]any{
			"run_id":   rs.runID,
			"step":     step.Name,
			"trace_id": rs.opts.TraceID,
		},
	}

	attempt := 0
	for {
		state.Attempts = attempt + 1
		e.persistStepState(state)

		out, err := action.Invoke(ctx, input)
		if err == nil {
			if out != nil {
				return out.Data, nil
			}
			return nil, nil
		}

		retryable := IsRetryableError(err)
		if policy.Mode != schema.ErrorModeRetry || !retryable {
			return nil, err
		}
		if attempt+1 >= policy.MaxAttempts {
			return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"step %s: retries exhausted after %d attempts: %s",
				step.Name, attempt+1, err.Error()).WithStep(step.Name).WithCause(err)
		}

		_ = e.eventLog.AppendEvent(ctx, &store.Event{
			RunID:  rs.runID,
			StepID: step.Name,
			Type:   schema.EventStepRetry,
			Payload: mustJSON(map[string]any{
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

// failStep transitions a step to failed from its current status, persists
// the error and emits the step_failed event.
func (e *ProcedureExecutor) failStep(ctx context.Context, rs *procRun, step *schema.StepDefinition, state *store.StepState, from schema.StepStatus, engErr *schema.EngineError) error {
	if engErr.StepID == "" {
		engErr = engErr.WithStep(step.Name)
	}
	if err := e.stepFSM.Transition(ctx, rs.runID, step.Name, from, schema.StepStatusFailed); err != nil {
		return err
	}
	completedAt := time.Now().UTC()
	state.Status = schema.StepStatusFailed
	state.Error = errPayload(engErr)
	state.CompletedAt = &completedAt
	e.persistStepState(state)

	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   rs.runID,
		StepID:  step.Name,
		Type:    schema.EventStepFailed,
		Payload: mustJSON(map[string]any{"error": engErr.Error(), "code": engErr.Code}),
	})
	rs.recordStep(&StepResult{Name: step.Name, Status: schema.StepStatusFailed, Error: engErr})
	return engErr
}

func (e *ProcedureExecutor) persistStepState(state *store.StepState) {
	// Best-effort persist; execution continues even if this fails.
	_ = e.store.UpsertStepState(context.Background(), state)
}
