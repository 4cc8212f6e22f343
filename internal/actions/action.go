package actions

import (
	"context"
	"encoding/json"
)

// Invocation context names used in exposure profiles.
const (
	ContextProcedure = "procedure"
	ContextPipeline  = "pipeline"
	ContextAgent     = "agent"
)

// Metadata is the engine-visible contract of an action. The engine never
// inspects action internals beyond this.
type Metadata struct {
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	ParameterSchema json.RawMessage `json:"parameter_schema,omitempty"` // JSON Schema for arguments
	SideEffects     bool            `json:"side_effects"`
	Exposure        map[string]bool `json:"exposure_profile"` // invocation context -> valid
}

// ExposedIn reports whether the action is valid in an invocation context.
func (m Metadata) ExposedIn(invocationContext string) bool {
	return m.Exposure[invocationContext]
}

// Input is the data provided to an action at invocation time.
type Input struct {
	Arguments map[string]any `json:"arguments"`
	Context   map[string]any `json:"context,omitempty"` // run_id, step name, correlation fields
}

// Result is the outcome of an action invocation. Data is the action's raw
// result value; the executor stores it as-is.
type Result struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Action is an external, registry-resolved unit of business logic.
type Action interface {
	Metadata() Metadata
	Invoke(ctx context.Context, input Input) (*Result, error)
}
