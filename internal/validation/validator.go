package validation

import (
	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/pkg/schema"
)

// Validator runs the full validation pipeline over a definition: structural
// (JSON Schema), semantic (shape, bindings, policies) and static reference
// analysis. A definition may only be activated when the result has no errors.
type Validator interface {
	ValidateWorkflow(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidatePipeline(def *schema.PipelineDefinition) *schema.ValidationResult
}

type validator struct {
	structural *structuralValidator
	lookup     ActionLookup
	refs       *referenceAnalysis
}

// New builds a Validator bound to an action registry. The CEL and jq engines
// are used for condition and stage-expression syntax checks.
func New(lookup ActionLookup, cel *expressions.CELEngine, jq *expressions.GoJQEngine) (Validator, error) {
	structural, err := newStructuralValidator()
	if err != nil {
		return nil, err
	}

	refs := &referenceAnalysis{}
	if cel != nil {
		refs.cel = cel
	}
	if jq != nil {
		refs.jq = jq
	}

	return &validator{structural: structural, lookup: lookup, refs: refs}, nil
}

func (v *validator) ValidateWorkflow(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("", codeStructure, "workflow definition is nil")
		return result
	}

	v.structural.validateWorkflow(def, result)
	if !result.Valid() {
		// Semantic and reference analysis assume a structurally sound
		// definition.
		return result
	}

	sem := &workflowSemantics{lookup: v.lookup, structural: v.structural}
	sem.check(def, result)
	v.refs.checkWorkflow(def, result)
	return result
}

func (v *validator) ValidatePipeline(def *schema.PipelineDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("", codeStructure, "pipeline definition is nil")
		return result
	}

	v.structural.validatePipeline(def, result)
	if !result.Valid() {
		return result
	}

	sem := &pipelineSemantics{lookup: v.lookup, structural: v.structural}
	sem.check(def, result)
	v.refs.checkPipeline(def, result)
	return result
}
