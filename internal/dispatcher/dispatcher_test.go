package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/internal/actions"
	"github.com/procflow/procflow/internal/engine"
	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/internal/validation"
	"github.com/procflow/procflow/pkg/schema"
)

// mockDispatcherStore satisfies store.Store for dispatcher tests.
type mockDispatcherStore struct {
	store.Store
	mu   sync.Mutex
	defs map[string]*store.DefinitionRecord
	jobs map[string]*store.ScheduledJob
}

func newMockDispatcherStore() *mockDispatcherStore {
	return &mockDispatcherStore{
		defs: make(map[string]*store.DefinitionRecord),
		jobs: make(map[string]*store.ScheduledJob),
	}
}

func defKey(kind, slug string, version int) string {
	return fmt.Sprintf("%s/%s/%d", kind, slug, version)
}

func (m *mockDispatcherStore) StoreDefinition(_ context.Context, record *store.DefinitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *record
	m.defs[defKey(record.Kind, record.Slug, record.Version)] = &cp
	return nil
}

func (m *mockDispatcherStore) GetDefinition(_ context.Context, kind, slug string, version int) (*store.DefinitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version == 0 {
		for _, rec := range m.defs {
			if rec.Kind == kind && rec.Slug == slug && rec.Version > version {
				version = rec.Version
			}
		}
	}
	rec, ok := m.defs[defKey(kind, slug, version)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %s/%s v%d not found", kind, slug, version)
	}
	cp := *rec
	return &cp, nil
}

func (m *mockDispatcherStore) CreateScheduledJob(_ context.Context, job *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockDispatcherStore) GetScheduledJob(_ context.Context, id string) (*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "job %s not found", id)
	}
	cp := *j
	return &cp, nil
}

func (m *mockDispatcherStore) UpdateScheduledJob(_ context.Context, id string, update store.ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockDispatcherStore) ListScheduledJobs(_ context.Context, enabledOnly bool) ([]*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ScheduledJob
	for _, j := range m.jobs {
		if enabledOnly && !j.Enabled {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

// mockProcedureRunner tracks Execute calls.
type mockProcedureRunner struct {
	mu    sync.Mutex
	calls []procCall
	err   error
}

type procCall struct {
	Slug   string
	Params map[string]any
	Opts   engine.RunOptions
}

func (r *mockProcedureRunner) Execute(_ context.Context, def *schema.WorkflowDefinition, opts engine.RunOptions) (*engine.ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, procCall{Slug: def.Slug, Params: opts.Parameters, Opts: opts})
	if r.err != nil {
		return nil, r.err
	}
	return &engine.ExecutionResult{RunID: "run-" + def.Slug, Status: schema.RunStatusSucceeded}, nil
}

func (r *mockProcedureRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// mockPipelineRunner tracks Execute and Resume calls.
type mockPipelineRunner struct {
	mu      sync.Mutex
	execs   []string
	resumes []string
}

func (r *mockPipelineRunner) Execute(_ context.Context, def *schema.PipelineDefinition, _ engine.RunOptions) (*engine.PipelineResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, def.Slug)
	return &engine.PipelineResult{RunID: "run-" + def.Slug, Status: schema.RunStatusSucceeded}, nil
}

func (r *mockPipelineRunner) Resume(_ context.Context, runID string, _ bool) (*engine.PipelineResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumes = append(r.resumes, runID)
	return &engine.PipelineResult{RunID: runID, Status: schema.RunStatusSucceeded}, nil
}

func newTestDispatcher(t *testing.T, ms store.Store, proc ProcedureRunner, pipe PipelineRunner) *Dispatcher {
	t.Helper()
	registry := actions.NewRegistry()
	require.NoError(t, registry.Register(actions.NewEvalAction(expressions.NewExprEngine())))
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	v, err := validation.New(registry, cel, expressions.NewGoJQEngine())
	require.NoError(t, err)
	return New(ms, v, proc, pipe, nil)
}

func sampleWorkflow(slug string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "Sample", Slug: slug, Version: 1,
		Steps: []schema.StepDefinition{
			{Name: "calc", Action: "expr.eval", Arguments: map[string]any{"expression": "1 + 1"}},
		},
	}
}

func TestRegisterWorkflowStoresNextVersion(t *testing.T) {
	ms := newMockDispatcherStore()
	d := newTestDispatcher(t, ms, &mockProcedureRunner{}, &mockPipelineRunner{})
	ctx := context.Background()

	record, result, err := d.RegisterWorkflow(ctx, sampleWorkflow("deploy"))
	require.NoError(t, err)
	require.True(t, result.Valid())
	assert.Equal(t, 1, record.Version)

	// Re-registering the slug bumps the version; the old record survives.
	record2, result2, err := d.RegisterWorkflow(ctx, sampleWorkflow("deploy"))
	require.NoError(t, err)
	require.True(t, result2.Valid())
	assert.Equal(t, 2, record2.Version)

	old, err := ms.GetDefinition(ctx, store.KindWorkflow, "deploy", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, old.Version)
}

func TestRegisterWorkflowRejectsInvalid(t *testing.T) {
	ms := newMockDispatcherStore()
	d := newTestDispatcher(t, ms, &mockProcedureRunner{}, &mockPipelineRunner{})

	def := sampleWorkflow("broken")
	def.Steps[0].Action = "no.such.action"

	record, result, err := d.RegisterWorkflow(context.Background(), def)
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.False(t, result.Valid())
	assert.Empty(t, ms.defs)
}

func TestRegisterWorkflowCreatesTriggerJobs(t *testing.T) {
	ms := newMockDispatcherStore()
	d := newTestDispatcher(t, ms, &mockProcedureRunner{}, &mockPipelineRunner{})

	def := sampleWorkflow("nightly")
	def.Triggers = []schema.Trigger{
		{Schedule: "0 2 * * *", Parameters: map[string]any{"env": "prod"}},
	}

	_, result, err := d.RegisterWorkflow(context.Background(), def)
	require.NoError(t, err)
	require.True(t, result.Valid())

	require.Len(t, ms.jobs, 1)
	for _, job := range ms.jobs {
		assert.Equal(t, store.KindWorkflow, job.Kind)
		assert.Equal(t, "nightly", job.DefinitionSlug)
		assert.Equal(t, "0 2 * * *", job.CronExpression)
		assert.True(t, job.Enabled)
		require.NotNil(t, job.NextRunAt)
		assert.True(t, job.NextRunAt.After(time.Now().UTC().Add(-time.Minute)))
	}
}

func TestStartDispatchesWorkflow(t *testing.T) {
	ms := newMockDispatcherStore()
	proc := &mockProcedureRunner{}
	d := newTestDispatcher(t, ms, proc, &mockPipelineRunner{})
	ctx := context.Background()

	_, result, err := d.RegisterWorkflow(ctx, sampleWorkflow("deploy"))
	require.NoError(t, err)
	require.True(t, result.Valid())

	got, err := d.Start(ctx, StartRequest{
		Kind:           store.KindWorkflow,
		DefinitionSlug: "deploy",
		Parameters:     map[string]any{"env": "staging"},
		GroupID:        "grp-1",
		TraceID:        "trace-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "run-deploy", got.RunID)
	assert.Equal(t, schema.RunStatusSucceeded, got.Status)
	assert.Equal(t, 1, got.Version)

	require.Equal(t, 1, proc.callCount())
	proc.mu.Lock()
	call := proc.calls[0]
	proc.mu.Unlock()
	assert.Equal(t, "staging", call.Params["env"])
	assert.Equal(t, "grp-1", call.Opts.GroupID)
	assert.Equal(t, "trace-1", call.Opts.TraceID)
}

func TestStartUnknownDefinition(t *testing.T) {
	d := newTestDispatcher(t, newMockDispatcherStore(), &mockProcedureRunner{}, &mockPipelineRunner{})

	_, err := d.Start(context.Background(), StartRequest{
		Kind:           store.KindWorkflow,
		DefinitionSlug: "ghost",
	})
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}

func TestStartRejectsUnknownKind(t *testing.T) {
	d := newTestDispatcher(t, newMockDispatcherStore(), &mockProcedureRunner{}, &mockPipelineRunner{})

	_, err := d.Start(context.Background(), StartRequest{Kind: "cronjob", DefinitionSlug: "x"})
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestResumePipelinePassesThrough(t *testing.T) {
	pipe := &mockPipelineRunner{}
	d := newTestDispatcher(t, newMockDispatcherStore(), &mockProcedureRunner{}, pipe)

	result, err := d.ResumePipeline(context.Background(), "run-42", true)
	require.NoError(t, err)
	assert.Equal(t, "run-42", result.RunID)
	assert.Equal(t, []string{"run-42"}, pipe.resumes)
}

func TestNextRun(t *testing.T) {
	d := newTestDispatcher(t, newMockDispatcherStore(), &mockProcedureRunner{}, &mockPipelineRunner{})
	from := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	next, err := d.NextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 26, 13, 0, 0, 0, time.UTC), next)

	next, err = d.NextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 26, 12, 15, 0, 0, time.UTC), next)

	_, err = d.NextRun("not a cron", from)
	require.Error(t, err)
}

func TestTickRunsDueJobs(t *testing.T) {
	ms := newMockDispatcherStore()
	proc := &mockProcedureRunner{}
	d := newTestDispatcher(t, ms, proc, &mockPipelineRunner{})
	ctx := context.Background()

	_, result, err := d.RegisterWorkflow(ctx, sampleWorkflow("deploy"))
	require.NoError(t, err)
	require.True(t, result.Valid())

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "job-1",
		Kind:           store.KindWorkflow,
		DefinitionSlug: "deploy",
		CronExpression: "0 * * * *",
		Parameters:     json.RawMessage(`{"env":"prod"}`),
		Enabled:        true,
		NextRunAt:      &past,
	}))

	d.Tick(ctx)

	require.Equal(t, 1, proc.callCount())
	proc.mu.Lock()
	assert.Equal(t, "prod", proc.calls[0].Params["env"])
	proc.mu.Unlock()

	got, err := ms.GetScheduledJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "success", got.LastRunStatus)
	assert.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestTickSkipsNotDueAndDisabledJobs(t *testing.T) {
	ms := newMockDispatcherStore()
	proc := &mockProcedureRunner{}
	d := newTestDispatcher(t, ms, proc, &mockPipelineRunner{})
	ctx := context.Background()

	_, result, err := d.RegisterWorkflow(ctx, sampleWorkflow("deploy"))
	require.NoError(t, err)
	require.True(t, result.Valid())

	future := time.Now().UTC().Add(time.Hour)
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "not-due", Kind: store.KindWorkflow, DefinitionSlug: "deploy",
		CronExpression: "0 * * * *", Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "disabled", Kind: store.KindWorkflow, DefinitionSlug: "deploy",
		CronExpression: "0 * * * *", Enabled: false, NextRunAt: &past,
	}))

	d.Tick(ctx)

	assert.Equal(t, 0, proc.callCount())
}

func TestTickTreatsNilNextRunAsDue(t *testing.T) {
	ms := newMockDispatcherStore()
	proc := &mockProcedureRunner{}
	d := newTestDispatcher(t, ms, proc, &mockPipelineRunner{})
	ctx := context.Background()

	_, result, err := d.RegisterWorkflow(ctx, sampleWorkflow("deploy"))
	require.NoError(t, err)
	require.True(t, result.Valid())

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "fresh", Kind: store.KindWorkflow, DefinitionSlug: "deploy",
		CronExpression: "0 * * * *", Enabled: true,
	}))

	d.Tick(ctx)

	assert.Equal(t, 1, proc.callCount())
}

func TestTickRecordsFailure(t *testing.T) {
	ms := newMockDispatcherStore()
	proc := &mockProcedureRunner{err: assert.AnError}
	d := newTestDispatcher(t, ms, proc, &mockPipelineRunner{})
	ctx := context.Background()

	_, result, err := d.RegisterWorkflow(ctx, sampleWorkflow("deploy"))
	require.NoError(t, err)
	require.True(t, result.Valid())

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-fail", Kind: store.KindWorkflow, DefinitionSlug: "deploy",
		CronExpression: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))

	d.Tick(ctx)

	got, err := ms.GetScheduledJob(ctx, "job-fail")
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockDispatcherStore()
	proc := &mockProcedureRunner{}
	d := newTestDispatcher(t, ms, proc, &mockPipelineRunner{})
	ctx := context.Background()

	_, result, err := d.RegisterWorkflow(ctx, sampleWorkflow("deploy"))
	require.NoError(t, err)
	require.True(t, result.Valid())

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-dedup", Kind: store.KindWorkflow, DefinitionSlug: "deploy",
		CronExpression: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))

	require.True(t, d.tryAcquire("job-dedup"))

	d.Tick(ctx)
	assert.Equal(t, 0, proc.callCount())

	d.release("job-dedup")
	d.Tick(ctx)
	assert.Equal(t, 1, proc.callCount())
}

func TestRecoverMissed(t *testing.T) {
	ms := newMockDispatcherStore()
	proc := &mockProcedureRunner{}
	d := newTestDispatcher(t, ms, proc, &mockPipelineRunner{})
	ctx := context.Background()

	_, result, err := d.RegisterWorkflow(ctx, sampleWorkflow("cleanup"))
	require.NoError(t, err)
	require.True(t, result.Valid())

	past := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "missed", Kind: store.KindWorkflow, DefinitionSlug: "cleanup",
		CronExpression: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))

	require.NoError(t, d.RecoverMissed(ctx))

	assert.Equal(t, 1, proc.callCount())
	got, err := ms.GetScheduledJob(ctx, "missed")
	require.NoError(t, err)
	assert.Equal(t, "success", got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestSchedulerStartStop(t *testing.T) {
	d := newTestDispatcher(t, newMockDispatcherStore(), &mockProcedureRunner{}, &mockPipelineRunner{})
	ctx := context.Background()

	require.NoError(t, d.StartScheduler(ctx))

	err := d.StartScheduler(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, d.StopScheduler())
	require.NoError(t, d.StopScheduler())
}
