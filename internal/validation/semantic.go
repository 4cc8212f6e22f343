package validation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/procflow/procflow/internal/actions"
	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/pkg/schema"
)

// ActionLookup resolves action metadata by name. The registry satisfies it;
// tests substitute a map-backed stub.
type ActionLookup interface {
	Metadata(name string) (actions.Metadata, bool)
}

// checkParameters validates parameter declarations: unique names, no default
// on required parameters, defaults matching the declared type.
func checkParameters(params []schema.ParameterDef, result *schema.ValidationResult) {
	seen := make(map[string]struct{}, len(params))
	for i, p := range params {
		path := fmt.Sprintf("parameters/%d", i)
		if _, dup := seen[p.Name]; dup {
			result.AddError(path, codeSemantic, fmt.Sprintf("duplicate parameter name %q", p.Name))
		}
		seen[p.Name] = struct{}{}

		if p.Required && p.Default != nil {
			result.AddError(path, codeSemantic,
				fmt.Sprintf("parameter %q is required and must not declare a default", p.Name))
		}
		if p.Default != nil && !literalMatchesType(p.Default, p.Type) {
			result.AddError(path, codeSemantic,
				fmt.Sprintf("default for parameter %q does not match type %s", p.Name, p.Type))
		}
	}
}

// maxReasonableAttempts is the retry ceiling above which the validator
// warns; higher counts usually mean the delay was meant instead.
const maxReasonableAttempts = 10

// checkErrorPolicy validates retry coupling and the delay duration.
func checkErrorPolicy(policy *schema.ErrorPolicy, path string, result *schema.ValidationResult) {
	if policy == nil {
		return
	}
	if policy.Mode == schema.ErrorModeRetry && policy.MaxAttempts < 1 {
		result.AddError(path, codeSemantic, "retry mode requires max_attempts >= 1")
	}
	if policy.Mode == schema.ErrorModeRetry && policy.MaxAttempts > maxReasonableAttempts {
		result.AddWarning(path, codeSemantic,
			fmt.Sprintf("max_attempts %d is unusually high", policy.MaxAttempts))
	}
	if policy.Mode != schema.ErrorModeRetry && (policy.MaxAttempts > 0 || policy.Backoff != "" || policy.Delay != "") {
		result.AddWarning(path, codeSemantic,
			fmt.Sprintf("max_attempts/backoff/delay have no effect in %s mode", policy.Mode))
	}
	if policy.Delay != "" {
		if _, err := time.ParseDuration(policy.Delay); err != nil {
			result.AddError(path, codeSemantic, fmt.Sprintf("invalid delay %q", policy.Delay))
		}
	}
}

// workflowSemantics walks steps checking flow shape, name uniqueness across
// the whole definition (branch steps included), and action bindings.
type workflowSemantics struct {
	lookup     ActionLookup
	structural *structuralValidator
	names      map[string]string // step name -> path of first occurrence
}

func (s *workflowSemantics) check(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	checkParameters(def.Parameters, result)
	checkErrorPolicy(def.OnError, "on_error", result)
	s.names = make(map[string]string)
	s.checkSteps(def.Steps, "steps", false, result)
}

func (s *workflowSemantics) checkSteps(steps []schema.StepDefinition, path string, inBranch bool, result *schema.ValidationResult) {
	for i := range steps {
		step := &steps[i]
		stepPath := fmt.Sprintf("%s/%d", path, i)

		if prev, dup := s.names[step.Name]; dup {
			result.AddError(stepPath, codeSemantic,
				fmt.Sprintf("step name %q already used at %s", step.Name, prev))
		} else {
			s.names[step.Name] = stepPath
		}

		s.checkShape(step, stepPath, inBranch, result)
		checkErrorPolicy(step.OnError, stepPath+"/on_error", result)

		if step.Action != "" {
			s.checkActionBinding(step.Action, step.Arguments, actions.ContextProcedure, stepPath, result)
		}

		for _, branch := range sortedBranchNames(step.ParallelBranches) {
			s.checkSteps(step.ParallelBranches[branch],
				fmt.Sprintf("%s/parallel_branches/%s", stepPath, branch), true, result)
		}
	}
}

// checkShape enforces the step forms: an action step binds an action; a
// branch step carries parallel_branches and nothing else that conflicts.
func (s *workflowSemantics) checkShape(step *schema.StepDefinition, path string, inBranch bool, result *schema.ValidationResult) {
	hasBranches := len(step.ParallelBranches) > 0

	switch {
	case step.Action == "" && !hasBranches:
		result.AddError(path, codeSemantic,
			fmt.Sprintf("step %q must bind an action or declare parallel branches", step.Name))
	case step.Action != "" && hasBranches:
		result.AddError(path, codeSemantic,
			fmt.Sprintf("step %q cannot both bind an action and declare parallel branches", step.Name))
	}

	if step.IterationSource != "" && hasBranches {
		result.AddError(path, codeSemantic,
			fmt.Sprintf("step %q cannot combine iteration_source with parallel branches", step.Name))
	}
	if inBranch && hasBranches {
		result.AddError(path, codeSemantic,
			fmt.Sprintf("step %q: nested parallel branches are not supported", step.Name))
	}
	if hasBranches && len(step.Arguments) > 0 {
		result.AddError(path, codeSemantic,
			fmt.Sprintf("step %q: branch steps do not take arguments", step.Name))
	}
}

// checkActionBinding verifies the action exists in the registry, is exposed
// for the invocation context, and that its argument map satisfies the
// action's parameter schema as far as static analysis allows.
func (s *workflowSemantics) checkActionBinding(name string, args map[string]any, invocationContext, path string, result *schema.ValidationResult) {
	meta, ok := s.lookup.Metadata(name)
	if !ok {
		result.AddError(path, codeAction, fmt.Sprintf("action %q is not registered", name))
		return
	}
	if !meta.ExposedIn(invocationContext) {
		result.AddWarning(path, codeAction,
			fmt.Sprintf("action %q is not exposed for %s invocation; governance will deny it", name, invocationContext))
	}
	checkArgumentsAgainstSchema(args, meta.ParameterSchema, path+"/arguments", s.structural, result)
}

// checkArgumentsAgainstSchema statically checks an argument map against a
// parameter schema. Names and required keys are always checked; full schema
// validation runs only when every argument value is a literal.
func checkArgumentsAgainstSchema(args map[string]any, paramSchema json.RawMessage, path string, structural *structuralValidator, result *schema.ValidationResult) {
	if len(paramSchema) == 0 {
		return
	}

	var doc struct {
		Properties           map[string]json.RawMessage `json:"properties"`
		Required             []string                   `json:"required"`
		AdditionalProperties *bool                      `json:"additionalProperties"`
	}
	if err := json.Unmarshal(paramSchema, &doc); err != nil {
		result.AddError(path, codeArguments, "action parameter schema is not valid JSON: "+err.Error())
		return
	}

	closed := doc.AdditionalProperties != nil && !*doc.AdditionalProperties
	if closed && doc.Properties != nil {
		for name := range args {
			if _, declared := doc.Properties[name]; !declared {
				result.AddError(path+"/"+name, codeArguments,
					fmt.Sprintf("argument %q is not declared by the action", name))
			}
		}
	}
	for _, required := range doc.Required {
		if _, present := args[required]; !present {
			result.AddError(path, codeArguments,
				fmt.Sprintf("required argument %q is missing", required))
		}
	}

	// Templated values are only known at run time; validate the full map
	// against the schema when everything is literal.
	if allLiteral(args) {
		structural.validateArguments(args, paramSchema, path, result)
	}
}

func allLiteral(args map[string]any) bool {
	for _, value := range args {
		if !literalValue(value) {
			return false
		}
	}
	return true
}

func literalValue(value any) bool {
	switch v := value.(type) {
	case string:
		return !expressions.HasTemplate(v)
	case []any:
		for _, elem := range v {
			if !literalValue(elem) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, elem := range v {
			if !literalValue(elem) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// pipelineSemantics checks the stage sequence contract: one leading gather,
// per-kind field requirements, unique names, and side effects confined to
// output stages.
type pipelineSemantics struct {
	lookup     ActionLookup
	structural *structuralValidator
}

func (s *pipelineSemantics) check(def *schema.PipelineDefinition, result *schema.ValidationResult) {
	checkParameters(def.Parameters, result)
	checkErrorPolicy(def.OnError, "on_error", result)

	names := make(map[string]struct{}, len(def.Stages))
	for i := range def.Stages {
		stage := &def.Stages[i]
		path := fmt.Sprintf("stages/%d", i)

		if _, dup := names[stage.Name]; dup {
			result.AddError(path, codeSemantic, fmt.Sprintf("duplicate stage name %q", stage.Name))
		}
		names[stage.Name] = struct{}{}

		checkErrorPolicy(stage.OnError, path+"/on_error", result)

		if i == 0 && stage.Kind != schema.StageKindGather {
			result.AddError(path, codeSemantic, "the first stage must be a gather stage")
		}
		if i > 0 && stage.Kind == schema.StageKindGather {
			result.AddError(path, codeSemantic, "only the first stage may be a gather stage")
		}

		s.checkStageShape(stage, path, result)
	}
}

func (s *pipelineSemantics) checkStageShape(stage *schema.StageDefinition, path string, result *schema.ValidationResult) {
	switch stage.Kind {
	case schema.StageKindGather, schema.StageKindOutput:
		if stage.Action == "" {
			result.AddError(path, codeSemantic,
				fmt.Sprintf("%s stage %q must bind an action", stage.Kind, stage.Name))
		}
		if stage.Expression != "" {
			result.AddError(path, codeSemantic,
				fmt.Sprintf("%s stage %q must not carry an expression", stage.Kind, stage.Name))
		}
	case schema.StageKindFilter:
		if stage.Expression == "" {
			result.AddError(path, codeSemantic,
				fmt.Sprintf("filter stage %q must carry a predicate expression", stage.Name))
		}
		if stage.Action != "" {
			result.AddError(path, codeSemantic,
				fmt.Sprintf("filter stage %q must not bind an action", stage.Name))
		}
	case schema.StageKindTransform:
		if (stage.Expression == "") == (stage.Action == "") {
			result.AddError(path, codeSemantic,
				fmt.Sprintf("transform stage %q must carry exactly one of expression or action", stage.Name))
		}
	}

	if stage.Action == "" {
		return
	}
	meta, ok := s.lookup.Metadata(stage.Action)
	if !ok {
		result.AddError(path, codeAction, fmt.Sprintf("action %q is not registered", stage.Action))
		return
	}
	if meta.SideEffects && stage.Kind != schema.StageKindOutput {
		result.AddError(path, codeSemantic,
			fmt.Sprintf("action %q declares side effects; only output stages may bind it", stage.Action))
	}
	if !meta.ExposedIn(actions.ContextPipeline) {
		result.AddWarning(path, codeAction,
			fmt.Sprintf("action %q is not exposed for pipeline invocation; governance will deny it", stage.Action))
	}
	checkArgumentsAgainstSchema(stage.Arguments, meta.ParameterSchema, path+"/arguments", s.structural, result)
}

// literalMatchesType reports whether a literal fits a declared parameter
// type. Numbers arrive as float64 after JSON decoding and as int from Go.
func literalMatchesType(value any, t schema.ParamType) bool {
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
		case json.Number:
			_, err := v.Int64()
			return err == nil
		}
		return false
	case schema.ParamTypeNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64, json.Number:
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
	return false
}

func sortedBranchNames(branches map[string][]schema.StepDefinition) []string {
	names := make([]string, 0, len(branches))
	for name := range branches {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		name := names[i]
		j := i - 1
		for j >= 0 && names[j] > name {
			names[j+1] = names[j]
			j--
		}
		names[j+1] = name
	}
	return names
}
