package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions (append-only versions)
	StoreDefinition(ctx context.Context, record *DefinitionRecord) error
	GetDefinition(ctx context.Context, kind, slug string, version int) (*DefinitionRecord, error) // version 0 = latest
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*DefinitionRecord, error)

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Event log (append-only, per-run monotonic sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Step state (materialized view)
	UpsertStepState(ctx context.Context, state *StepState) error
	GetStepState(ctx context.Context, runID, stepName string) (*StepState, error)
	ListStepStates(ctx context.Context, runID string) ([]*StepState, error)

	// Item state (pipeline progress)
	UpsertItemState(ctx context.Context, state *ItemState) error
	GetItemState(ctx context.Context, runID, itemKey string) (*ItemState, error)
	ListItemStates(ctx context.Context, runID string, filter ItemFilter) ([]*ItemState, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
