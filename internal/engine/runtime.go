package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/procflow/procflow/internal/governance"
	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/schema"
)

// DefaultPoolSize is the default concurrency for parallel branches and
// pipeline item processing.
const DefaultPoolSize = 8

// EventLogger abstracts the event log operations needed by the executors.
// Satisfied by *store.EventLog and test mocks.
type EventLogger interface {
	EventAppender
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
	ReplayStepStates(ctx context.Context, runID string) (map[string]*store.StepState, error)
	ReplayItemStates(ctx context.Context, runID string) (map[string]*store.ItemState, error)
}

// RunOptions carries per-run inputs and the governance envelope.
type RunOptions struct {
	Parameters  map[string]any    `json:"parameters,omitempty"`
	Policy      governance.Policy `json:"policy"`
	GroupID     string            `json:"group_id,omitempty"`
	ParentRunID string            `json:"parent_run_id,omitempty"`
	TraceID     string            `json:"trace_id,omitempty"`
	Concurrency int               `json:"concurrency,omitempty"`
}

// ExecutionResult is returned by the procedure executor with the run outcome.
type ExecutionResult struct {
	RunID       string                 `json:"run_id"`
	Status      schema.RunStatus       `json:"status"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       *schema.EngineError    `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Steps       map[string]*StepResult `json:"steps,omitempty"`
}

// StepResult summarizes the outcome of a single step.
type StepResult struct {
	Name       string              `json:"name"`
	Status     schema.StepStatus   `json:"status"`
	Output     json.RawMessage     `json:"output,omitempty"`
	Error      *schema.EngineError `json:"error,omitempty"`
	DurationMs int64               `json:"duration_ms,omitempty"`
}

// ItemCounts summarizes a pipeline run by terminal item disposition.
type ItemCounts struct {
	Gathered int `json:"gathered"`
	Dropped  int `json:"dropped"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
}

// PipelineResult is returned by the pipeline executor with the run outcome.
type PipelineResult struct {
	RunID       string              `json:"run_id"`
	Status      schema.RunStatus    `json:"status"`
	Counts      ItemCounts          `json:"counts"`
	Error       *schema.EngineError `json:"error,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// prepareParameters merges supplied values with declared defaults and checks
// required parameters and declared types. The returned map is the frozen
// params snapshot for the run.
func prepareParameters(defs []schema.ParameterDef, supplied map[string]any) (map[string]any, error) {
	params := make(map[string]any, len(defs))
	for i := range defs {
		def := &defs[i]
		val, ok := supplied[def.Name]
		if !ok {
			if def.Required {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"required parameter %q not supplied", def.Name)
			}
			if def.Default != nil {
				params[def.Name] = def.Default
			}
			continue
		}
		if !paramTypeMatches(def.Type, val) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"parameter %q: value does not match declared type %s", def.Name, def.Type)
		}
		params[def.Name] = val
	}

	declared := make(map[string]bool, len(defs))
	for i := range defs {
		declared[defs[i].Name] = true
	}
	for name := range supplied {
		if !declared[name] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"parameter %q is not declared", name)
		}
	}
	return params, nil
}

func paramTypeMatches(t schema.ParamType, value any) bool {
	if value == nil {
		return true
	}
	switch t {
	case schema.ParamTypeString:
		_, ok := value.(string)
		return ok
	case schema.ParamTypeBoolean:
		_, ok := value.(bool)
		return ok
	case schema.ParamTypeInteger:
		switch v := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case schema.ParamTypeNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case schema.ParamTypeList:
		_, ok := value.([]any)
		return ok
	case schema.ParamTypeObject:
		_, ok := value.(map[string]any)
		return ok
	}
	return true
}

// asEngineError coerces any error into a typed EngineError.
func asEngineError(err error, code string) *schema.EngineError {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	return schema.NewError(code, err.Error()).WithCause(err)
}

func errPayload(err error) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return data
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
