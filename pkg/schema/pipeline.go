package schema

// StageKind enumerates the fixed stage kinds of a pipeline.
type StageKind string

const (
	StageKindGather    StageKind = "gather"
	StageKindFilter    StageKind = "filter"
	StageKindTransform StageKind = "transform"
	StageKindOutput    StageKind = "output"
)

// StageDefinition describes one stage of a pipeline.
//
// Gather and output stages bind an action. Filter stages carry a CEL
// predicate in Expression; transform stages carry either a jq expression or
// an action (one of the two, not both). Only output stages may bind actions
// that declare side effects.
type StageDefinition struct {
	Name        string         `json:"name"`
	Kind        StageKind      `json:"kind"`
	Action      string         `json:"action,omitempty"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Expression  string         `json:"expression,omitempty"`
	OnError     *ErrorPolicy   `json:"on_error,omitempty"`
	Description string         `json:"description,omitempty"`
}

// PipelineDefinition is the versioned, immutable description of a bulk
// item-processing pipeline: gather -> filter* -> transform* -> output*.
type PipelineDefinition struct {
	Name       string            `json:"name"`
	Slug       string            `json:"slug"`
	Version    int               `json:"version"`
	Parameters []ParameterDef    `json:"parameters,omitempty"`
	Stages     []StageDefinition `json:"stages"`
	OnError    *ErrorPolicy      `json:"on_error,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Triggers   []Trigger         `json:"triggers,omitempty"`
}

// StagePolicy returns the effective error policy for a stage, falling back to
// the definition-level default and finally to fail.
func (d *PipelineDefinition) StagePolicy(stage *StageDefinition) ErrorPolicy {
	if stage.OnError != nil {
		return *stage.OnError
	}
	if d.OnError != nil {
		return *d.OnError
	}
	return ErrorPolicy{Mode: ErrorModeFail}
}
