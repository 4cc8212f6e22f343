package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/schema"
)

// memStore is an in-memory Store and EventLogger for executor tests.
type memStore struct {
	mu    sync.Mutex
	defs  map[string]*store.DefinitionRecord
	runs  map[string]*store.Run
	steps map[string]*store.StepState
	items map[string]*store.ItemState
	jobs  map[string]*store.ScheduledJob

	events []*store.Event
	seq    map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		defs:  make(map[string]*store.DefinitionRecord),
		runs:  make(map[string]*store.Run),
		steps: make(map[string]*store.StepState),
		items: make(map[string]*store.ItemState),
		jobs:  make(map[string]*store.ScheduledJob),
		seq:   make(map[string]int64),
	}
}

func defKey(kind, slug string, version int) string {
	return fmt.Sprintf("%s/%s/%d", kind, slug, version)
}

func (m *memStore) StoreDefinition(_ context.Context, record *store.DefinitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.Version == 0 {
		latest := 0
		for _, d := range m.defs {
			if d.Kind == record.Kind && d.Slug == record.Slug && d.Version > latest {
				latest = d.Version
			}
		}
		record.Version = latest + 1
	}
	key := defKey(record.Kind, record.Slug, record.Version)
	if _, exists := m.defs[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "definition %s already exists", key)
	}
	cp := *record
	m.defs[key] = &cp
	return nil
}

func (m *memStore) GetDefinition(_ context.Context, kind, slug string, version int) (*store.DefinitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version == 0 {
		for _, d := range m.defs {
			if d.Kind == kind && d.Slug == slug && d.Version > version {
				version = d.Version
			}
		}
	}
	d, ok := m.defs[defKey(kind, slug, version)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %s/%s not found", kind, slug)
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) ListDefinitions(_ context.Context, _ store.DefinitionFilter) ([]*store.DefinitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.DefinitionRecord, 0, len(m.defs))
	for _, d := range m.defs {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) CreateRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already exists", run.ID)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) UpdateRun(_ context.Context, id string, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Output != nil {
		run.Output = update.Output
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) ListRuns(_ context.Context, _ store.RunFilter) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Run, 0, len(m.runs))
	for _, r := range m.runs {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) DeleteRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[event.RunID]++
	event.Sequence = m.seq[event.RunID]
	event.Timestamp = time.Now().UTC()
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *memStore) GetEvents(_ context.Context, runID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events {
		if e.RunID == runID && e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ReplayStepStates(ctx context.Context, runID string) (map[string]*store.StepState, error) {
	return map[string]*store.StepState{}, nil
}

func (m *memStore) ReplayItemStates(ctx context.Context, runID string) (map[string]*store.ItemState, error) {
	return map[string]*store.ItemState{}, nil
}

func (m *memStore) UpsertStepState(_ context.Context, state *store.StepState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *state
	m.steps[state.RunID+"/"+state.StepName] = &cp
	return nil
}

func (m *memStore) GetStepState(_ context.Context, runID, stepName string) (*store.StepState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.steps[runID+"/"+stepName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step state %s not found", stepName)
	}
	cp := *ss
	return &cp, nil
}

func (m *memStore) ListStepStates(_ context.Context, runID string) ([]*store.StepState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.StepState
	for _, ss := range m.steps {
		if ss.RunID == runID {
			cp := *ss
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepName < out[j].StepName })
	return out, nil
}

func (m *memStore) UpsertItemState(_ context.Context, state *store.ItemState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *state
	cp.UpdatedAt = time.Now().UTC()
	m.items[state.RunID+"/"+state.ItemKey] = &cp
	return nil
}

func (m *memStore) GetItemState(_ context.Context, runID, itemKey string) (*store.ItemState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[runID+"/"+itemKey]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "item %s not found", itemKey)
	}
	cp := *item
	return &cp, nil
}

func (m *memStore) ListItemStates(_ context.Context, runID string, filter store.ItemFilter) ([]*store.ItemState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ItemState
	for _, item := range m.items {
		if item.RunID != runID {
			continue
		}
		if filter.Status != nil && item.Status != *filter.Status {
			continue
		}
		if filter.StageReached != "" && item.StageReached != filter.StageReached {
			continue
		}
		cp := *item
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemKey < out[j].ItemKey })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) CreateScheduledJob(_ context.Context, job *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetScheduledJob(_ context.Context, id string) (*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "job %s not found", id)
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) UpdateScheduledJob(_ context.Context, id string, update store.ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %s not found", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		job.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		job.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *memStore) ListScheduledJobs(_ context.Context, enabledOnly bool) ([]*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ScheduledJob
	for _, job := range m.jobs {
		if enabledOnly && !job.Enabled {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memStore) Migrate(_ context.Context) error { return nil }
func (m *memStore) Vacuum(_ context.Context) error  { return nil }
func (m *memStore) Close() error                    { return nil }

// eventTypes extracts the ordered event type sequence for a run.
func (m *memStore) eventTypes(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.RunID == runID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (m *memStore) eventsOfType(runID, eventType string) []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events {
		if e.RunID == runID && e.Type == eventType {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}
