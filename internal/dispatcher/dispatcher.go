package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/procflow/procflow/internal/engine"
	"github.com/procflow/procflow/internal/governance"
	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/internal/validation"
	"github.com/procflow/procflow/pkg/schema"
)

// ProcedureRunner is the slice of the procedure executor the dispatcher
// needs. Satisfied by *engine.ProcedureExecutor.
type ProcedureRunner interface {
	Execute(ctx context.Context, def *schema.WorkflowDefinition, opts engine.RunOptions) (*engine.ExecutionResult, error)
}

// PipelineRunner is the slice of the pipeline executor the dispatcher needs.
// Satisfied by *engine.PipelineExecutor.
type PipelineRunner interface {
	Execute(ctx context.Context, def *schema.PipelineDefinition, opts engine.RunOptions) (*engine.PipelineResult, error)
	Resume(ctx context.Context, runID string, retryFailed bool) (*engine.PipelineResult, error)
}

// StartRequest describes one run to dispatch. Correlation fields (GroupID,
// ParentRunID, TraceID) are threaded through to the run record untouched.
type StartRequest struct {
	Kind              string            `json:"kind"` // workflow | pipeline
	DefinitionSlug    string            `json:"definition_slug"`
	Version           int               `json:"version,omitempty"` // 0 selects latest
	Parameters        map[string]any    `json:"parameters,omitempty"`
	InvocationContext string            `json:"invocation_context,omitempty"`
	Policy            governance.Policy `json:"policy,omitempty"`
	GroupID           string            `json:"group_id,omitempty"`
	ParentRunID       string            `json:"parent_run_id,omitempty"`
	TraceID           string            `json:"trace_id,omitempty"`
	Concurrency       int               `json:"concurrency,omitempty"`
}

// StartResult reports the dispatched run.
type StartResult struct {
	RunID   string           `json:"run_id"`
	Status  schema.RunStatus `json:"status"`
	Version int              `json:"version"`
}

// Dispatcher registers definitions, starts runs against stored versions and
// drives cron-triggered scheduled jobs.
type Dispatcher struct {
	store      store.Store
	validator  validation.Validator
	procedures ProcedureRunner
	pipelines  PipelineRunner
	parser     cron.Parser
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // scheduled job IDs currently executing

	// defaultConcurrency is applied to scheduled pipeline runs; 0 lets the
	// executor pick its own pool size.
	defaultConcurrency int
}

// SetDefaultConcurrency sets the worker pool size scheduled runs are
// dispatched with.
func (d *Dispatcher) SetDefaultConcurrency(n int) { d.defaultConcurrency = n }

// New creates a Dispatcher over the given store, validator and executors.
func New(s store.Store, v validation.Validator, procedures ProcedureRunner, pipelines PipelineRunner, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:      s,
		validator:  v,
		procedures: procedures,
		pipelines:  pipelines,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:     logger,
		inflight:   make(map[string]struct{}),
	}
}

// RegisterWorkflow validates a workflow definition and stores it as the next
// version of its slug. Triggers on the definition become scheduled jobs.
func (d *Dispatcher) RegisterWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*store.DefinitionRecord, *schema.ValidationResult, error) {
	result := d.validator.ValidateWorkflow(def)
	if !result.Valid() {
		return nil, result, nil
	}

	record, err := d.storeDefinition(ctx, store.KindWorkflow, def.Slug, def.Name, def.Tags, def)
	if err != nil {
		return nil, result, err
	}
	def.Version = record.Version

	if err := d.syncTriggers(ctx, store.KindWorkflow, def.Slug, def.Triggers); err != nil {
		return nil, result, err
	}
	return record, result, nil
}

// RegisterPipeline validates a pipeline definition and stores it as the next
// version of its slug.
func (d *Dispatcher) RegisterPipeline(ctx context.Context, def *schema.PipelineDefinition) (*store.DefinitionRecord, *schema.ValidationResult, error) {
	result := d.validator.ValidatePipeline(def)
	if !result.Valid() {
		return nil, result, nil
	}

	record, err := d.storeDefinition(ctx, store.KindPipeline, def.Slug, def.Name, def.Tags, def)
	if err != nil {
		return nil, result, err
	}
	def.Version = record.Version

	if err := d.syncTriggers(ctx, store.KindPipeline, def.Slug, def.Triggers); err != nil {
		return nil, result, err
	}
	return record, result, nil
}

func (d *Dispatcher) storeDefinition(ctx context.Context, kind, slug, name string, tags []string, def any) (*store.DefinitionRecord, error) {
	version := 1
	if latest, err := d.store.GetDefinition(ctx, kind, slug, 0); err == nil {
		version = latest.Version + 1
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode definition: %s", err.Error()).WithCause(err)
	}

	record := &store.DefinitionRecord{
		Kind:       kind,
		Slug:       slug,
		Version:    version,
		Name:       name,
		Definition: raw,
		Tags:       tags,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.store.StoreDefinition(ctx, record); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "store definition: %s", err.Error()).WithCause(err)
	}

	d.logger.Info("definition registered",
		slog.String("kind", kind),
		slog.String("slug", slug),
		slog.Int("version", version))
	return record, nil
}

// syncTriggers creates one scheduled job per trigger on a freshly registered
// definition. Jobs carry version 0, so the scheduler always runs the latest
// version of the slug.
func (d *Dispatcher) syncTriggers(ctx context.Context, kind, slug string, triggers []schema.Trigger) error {
	now := time.Now().UTC()
	for i, trigger := range triggers {
		next, err := d.NextRun(trigger.Schedule, now)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"trigger %d of %s/%s: %s", i, kind, slug, err.Error()).WithCause(err)
		}

		var params json.RawMessage
		if len(trigger.Parameters) > 0 {
			params, err = json.Marshal(trigger.Parameters)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"trigger %d of %s/%s: encode parameters: %s", i, kind, slug, err.Error()).WithCause(err)
			}
		}

		job := &store.ScheduledJob{
			ID:             uuid.NewString(),
			Kind:           kind,
			DefinitionSlug: slug,
			CronExpression: trigger.Schedule,
			Parameters:     params,
			Enabled:        true,
			NextRunAt:      &next,
			CreatedAt:      now,
		}
		if err := d.store.CreateScheduledJob(ctx, job); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "create scheduled job: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

// Start loads the requested definition version and dispatches it to the
// matching executor. The call blocks until the run is terminal.
func (d *Dispatcher) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	switch req.Kind {
	case store.KindWorkflow, store.KindPipeline:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown definition kind %q", req.Kind)
	}

	record, err := d.store.GetDefinition(ctx, req.Kind, req.DefinitionSlug, req.Version)
	if err != nil {
		return nil, err
	}

	policy := req.Policy
	if req.InvocationContext != "" {
		policy.InvocationContext = req.InvocationContext
	}
	opts := engine.RunOptions{
		Parameters:  req.Parameters,
		Policy:      policy,
		GroupID:     req.GroupID,
		ParentRunID: req.ParentRunID,
		TraceID:     req.TraceID,
		Concurrency: req.Concurrency,
	}

	if req.Kind == store.KindWorkflow {
		var def schema.WorkflowDefinition
		if err := json.Unmarshal(record.Definition, &def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "decode definition: %s", err.Error()).WithCause(err)
		}
		result, err := d.procedures.Execute(ctx, &def, opts)
		if err != nil {
			return nil, err
		}
		return &StartResult{RunID: result.RunID, Status: result.Status, Version: record.Version}, nil
	}

	var def schema.PipelineDefinition
	if err := json.Unmarshal(record.Definition, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode definition: %s", err.Error()).WithCause(err)
	}
	result, err := d.pipelines.Execute(ctx, &def, opts)
	if err != nil {
		return nil, err
	}
	return &StartResult{RunID: result.RunID, Status: result.Status, Version: record.Version}, nil
}

// ResumePipeline continues an interrupted pipeline run.
func (d *Dispatcher) ResumePipeline(ctx context.Context, runID string, retryFailed bool) (*engine.PipelineResult, error) {
	return d.pipelines.Resume(ctx, runID, retryFailed)
}

// NextRun computes the next fire time of a cron expression after from.
func (d *Dispatcher) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := d.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// StartScheduler launches the background loop that fires due scheduled jobs
// every minute.
func (d *Dispatcher) StartScheduler(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(schedCtx)
	d.logger.Info("scheduler started")
	return nil
}

// StopScheduler shuts the scheduling loop down and waits for it to exit.
func (d *Dispatcher) StopScheduler() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return nil
	}
	d.cancel()
	<-d.done
	d.cancel = nil
	d.done = nil

	d.logger.Info("scheduler stopped")
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	d.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick fires every enabled job whose next run time has arrived. Exported so
// tests and operators can force a pass without waiting for the ticker.
func (d *Dispatcher) Tick(ctx context.Context) {
	jobs, err := d.store.ListScheduledJobs(ctx, true)
	if err != nil {
		d.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !d.tryAcquire(job.ID) {
			continue
		}
		if err := d.runJob(ctx, job, now); err != nil {
			d.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
		}
		d.release(job.ID)
	}
}

// runJob dispatches one scheduled job and advances its timestamps.
func (d *Dispatcher) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	d.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("slug", job.DefinitionSlug))

	var params map[string]any
	if len(job.Parameters) > 0 {
		if err := json.Unmarshal(job.Parameters, &params); err != nil {
			return d.updateJobStatus(ctx, job, now, "error")
		}
	}

	_, err := d.Start(ctx, StartRequest{
		Kind:           job.Kind,
		DefinitionSlug: job.DefinitionSlug,
		Version:        job.Version,
		Parameters:     params,
		TraceID:        "sched-" + job.ID,
		Concurrency:    d.defaultConcurrency,
	})
	status := "success"
	if err != nil {
		status = "error"
		d.logger.Error("scheduled job execution failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}
	return d.updateJobStatus(ctx, job, now, status)
}

func (d *Dispatcher) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	next, err := d.NextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("next run for job %q: %w", job.ID, err)
	}
	return d.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

// RecoverMissed fires jobs whose next run time passed while the process was
// down. Each missed job runs once; the regular cadence resumes after.
func (d *Dispatcher) RecoverMissed(ctx context.Context) error {
	jobs, err := d.store.ListScheduledJobs(ctx, true)
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !d.tryAcquire(job.ID) {
			continue
		}
		if err := d.runJob(ctx, job, now); err != nil {
			d.logger.Error("failed to recover missed job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
			d.release(job.ID)
			continue
		}
		d.release(job.ID)
		recovered++
	}

	if recovered > 0 {
		d.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}

// tryAcquire marks a job in-flight, refusing if it already is.
func (d *Dispatcher) tryAcquire(jobID string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if _, ok := d.inflight[jobID]; ok {
		return false
	}
	d.inflight[jobID] = struct{}{}
	return true
}

func (d *Dispatcher) release(jobID string) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	delete(d.inflight, jobID)
}
