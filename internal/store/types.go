package store

import (
	"encoding/json"
	"time"

	"github.com/procflow/procflow/pkg/schema"
)

// Definition kinds stored in the registry.
const (
	KindWorkflow = "workflow"
	KindPipeline = "pipeline"
)

// DefinitionRecord is one immutable version of a workflow or pipeline
// definition. Redefining a slug inserts a new version; existing versions are
// never rewritten, so past runs stay reproducible.
type DefinitionRecord struct {
	Kind       string          `json:"kind"` // workflow | pipeline
	Slug       string          `json:"slug"`
	Version    int             `json:"version"`
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
	Tags       []string        `json:"tags,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Run is the persisted representation of one execution.
type Run struct {
	ID                string           `json:"id"`
	Kind              string           `json:"kind"` // workflow | pipeline
	DefinitionSlug    string           `json:"definition_slug"`
	DefinitionVersion int              `json:"definition_version"`
	Status            schema.RunStatus `json:"status"`
	Parameters        map[string]any   `json:"parameters,omitempty"`
	InvocationContext string           `json:"invocation_context,omitempty"`
	Policy            json.RawMessage  `json:"policy,omitempty"`
	GroupID           string           `json:"group_id,omitempty"`
	ParentRunID       string           `json:"parent_run_id,omitempty"`
	TraceID           string           `json:"trace_id,omitempty"`
	Output            json.RawMessage  `json:"output,omitempty"`
	Error             json.RawMessage  `json:"error,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	StartedAt         *time.Time       `json:"started_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// StepState is the materialized view of one step's execution within a run.
type StepState struct {
	RunID       string            `json:"run_id"`
	StepName    string            `json:"step_name"`
	Status      schema.StepStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// ItemState tracks one pipeline item: the furthest stage it reached, its
// current data and its terminal status. The resume path reads these to skip
// already-completed work.
type ItemState struct {
	RunID        string            `json:"run_id"`
	ItemKey      string            `json:"item_key"`
	StageReached string            `json:"stage_reached"`
	Status       schema.ItemStatus `json:"status"`
	Data         json.RawMessage   `json:"data,omitempty"`
	Error        json.RawMessage   `json:"error,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Event is an immutable entry in the per-run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"` // step name, stage name or item key
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledJob is a cron-triggered run of a stored definition.
type ScheduledJob struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"` // workflow | pipeline
	DefinitionSlug string          `json:"definition_slug"`
	Version        int             `json:"version,omitempty"` // 0 means latest
	CronExpression string          `json:"cron_expression"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status  *schema.RunStatus `json:"status,omitempty"`
	Kind    string            `json:"kind,omitempty"`
	Slug    string            `json:"slug,omitempty"`
	GroupID string            `json:"group_id,omitempty"`
	Since   *time.Time        `json:"since,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Offset  int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ItemFilter specifies criteria for listing item states.
type ItemFilter struct {
	Status       *schema.ItemStatus `json:"status,omitempty"`
	StageReached string             `json:"stage_reached,omitempty"`
	Limit        int                `json:"limit,omitempty"`
}

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	Kind  string `json:"kind,omitempty"`
	Slug  string `json:"slug,omitempty"`
	Tag   string `json:"tag,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}
