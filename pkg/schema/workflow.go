package schema

// ParamType enumerates the allowed parameter types.
type ParamType string

const (
	ParamTypeString  ParamType = "string"
	ParamTypeInteger ParamType = "integer"
	ParamTypeNumber  ParamType = "number"
	ParamTypeBoolean ParamType = "boolean"
	ParamTypeList    ParamType = "list"
	ParamTypeObject  ParamType = "object"
)

// ParameterDef declares one input parameter of a workflow or pipeline.
// A required parameter must not carry a default; defaults must match Type.
type ParameterDef struct {
	Name     string    `json:"name"`
	Type     ParamType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Default  any       `json:"default,omitempty"`
}

// ErrorMode selects how a step or item failure propagates.
type ErrorMode string

const (
	ErrorModeFail     ErrorMode = "fail"
	ErrorModeContinue ErrorMode = "continue"
	ErrorModeRetry    ErrorMode = "retry"
)

// ErrorPolicy configures per-step (or per-item) failure handling.
// MaxAttempts, Backoff and Delay apply only to retry mode; after MaxAttempts
// the policy falls back to fail semantics.
type ErrorPolicy struct {
	Mode        ErrorMode `json:"mode"`
	MaxAttempts int       `json:"max_attempts,omitempty"`
	Backoff     string    `json:"backoff,omitempty"` // none | constant | linear | exponential
	Delay       string    `json:"delay,omitempty"`   // initial delay (e.g. "1s", "500ms")
}

// StepDefinition describes one unit of work in a procedure.
// IterationSource and ParallelBranches are mutually exclusive.
type StepDefinition struct {
	Name             string                      `json:"name"`
	Action           string                      `json:"action,omitempty"`
	Arguments        map[string]any              `json:"arguments,omitempty"`
	Condition        string                      `json:"condition,omitempty"`        // CEL expression; false skips the step
	IterationSource  string                      `json:"iteration_source,omitempty"` // template reference yielding a sequence
	ParallelBranches map[string][]StepDefinition `json:"parallel_branches,omitempty"`
	OnError          *ErrorPolicy                `json:"on_error,omitempty"`
	Description      string                      `json:"description,omitempty"`
}

// Trigger is a declarative schedule attached to a definition. The executors
// never interpret triggers; the dispatcher computes next-run times from them.
type Trigger struct {
	Schedule   string         `json:"schedule"` // cron expression
	Parameters map[string]any `json:"parameters,omitempty"`
}

// WorkflowDefinition is the versioned, immutable description of a procedure.
// Redefinition under the same slug produces a new version; past runs stay
// reproducible against the version they referenced.
type WorkflowDefinition struct {
	Name       string           `json:"name"`
	Slug       string           `json:"slug"`
	Version    int              `json:"version"`
	Parameters []ParameterDef   `json:"parameters,omitempty"`
	Steps      []StepDefinition `json:"steps"`
	OnError    *ErrorPolicy     `json:"on_error,omitempty"` // definition-level default
	Tags       []string         `json:"tags,omitempty"`
	Triggers   []Trigger        `json:"triggers,omitempty"`
}

// StepPolicy returns the effective error policy for a step, falling back to
// the definition-level default and finally to fail.
func (d *WorkflowDefinition) StepPolicy(step *StepDefinition) ErrorPolicy {
	if step.OnError != nil {
		return *step.OnError
	}
	if d.OnError != nil {
		return *d.OnError
	}
	return ErrorPolicy{Mode: ErrorModeFail}
}
