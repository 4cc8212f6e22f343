package validation

import (
	"fmt"
	"strings"

	"github.com/procflow/procflow/internal/expressions"
	"github.com/procflow/procflow/pkg/schema"
)

// exprChecker syntax-checks an expression without evaluating it.
type exprChecker interface {
	Check(expression string) error
}

// referenceAnalysis statically verifies that every template reference in a
// definition resolves against what will be in scope when the step runs:
// declared parameters, previously completed steps, and iteration bindings.
//
// Visibility follows program order. Inside a parallel branch a step sees the
// steps before the branch construct plus earlier steps of its own branch;
// once the construct completes, all branch steps become visible.
type referenceAnalysis struct {
	cel exprChecker
	jq  exprChecker
}

func (a *referenceAnalysis) checkWorkflow(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	params := make(map[string]struct{}, len(def.Parameters))
	for _, p := range def.Parameters {
		params[p.Name] = struct{}{}
	}

	visible := make(map[string]struct{})
	a.checkSteps(def.Steps, "steps", params, visible, result)

	var values []any
	var exprs []string
	collectStepValues(def.Steps, &values, &exprs)
	checkUnusedParameters(def.Parameters, values, exprs, result)
}

func (a *referenceAnalysis) checkSteps(steps []schema.StepDefinition, path string, params, visible map[string]struct{}, result *schema.ValidationResult) {
	for i := range steps {
		step := &steps[i]
		stepPath := fmt.Sprintf("%s/%d", path, i)

		if step.Condition != "" && a.cel != nil {
			if err := a.cel.Check(step.Condition); err != nil {
				result.AddError(stepPath+"/condition", codeReference,
					fmt.Sprintf("invalid condition: %s", err.Error()))
			}
		}

		iterating := step.IterationSource != ""
		if iterating {
			a.checkValue(step.IterationSource, stepPath+"/iteration_source",
				params, visible, false, result)
		}
		a.checkArguments(step.Arguments, stepPath+"/arguments", params, visible, iterating, result)

		if len(step.ParallelBranches) > 0 {
			// Each branch resolves against a snapshot of the pre-construct
			// scope; sibling branches never see each other. Their names
			// merge into the outer scope once the construct completes.
			merged := make(map[string]struct{})
			for _, branch := range sortedBranchNames(step.ParallelBranches) {
				branchVisible := cloneSet(visible)
				a.checkSteps(step.ParallelBranches[branch],
					fmt.Sprintf("%s/parallel_branches/%s", stepPath, branch),
					params, branchVisible, result)
				for name := range branchVisible {
					merged[name] = struct{}{}
				}
			}
			for name := range merged {
				visible[name] = struct{}{}
			}
			// The container itself stores a branch-status result, so its
			// name resolves for later steps too.
			visible[step.Name] = struct{}{}
			continue
		}

		visible[step.Name] = struct{}{}
	}
}

func (a *referenceAnalysis) checkPipeline(def *schema.PipelineDefinition, result *schema.ValidationResult) {
	params := make(map[string]struct{}, len(def.Parameters))
	for _, p := range def.Parameters {
		params[p.Name] = struct{}{}
	}

	visible := make(map[string]struct{})
	for i := range def.Stages {
		stage := &def.Stages[i]
		path := fmt.Sprintf("stages/%d", i)

		switch stage.Kind {
		case schema.StageKindFilter:
			if stage.Expression != "" && a.cel != nil {
				if err := a.cel.Check(stage.Expression); err != nil {
					result.AddError(path+"/expression", codeReference,
						fmt.Sprintf("invalid filter predicate: %s", err.Error()))
				}
			}
		case schema.StageKindTransform:
			if stage.Expression != "" && a.jq != nil {
				if err := a.jq.Check(stage.Expression); err != nil {
					result.AddError(path+"/expression", codeReference,
						fmt.Sprintf("invalid transform expression: %s", err.Error()))
				}
			}
		}

		// Gather arguments run before any item exists; later stages run
		// per item with item/index bound.
		itemScope := stage.Kind != schema.StageKindGather
		a.checkStageArguments(stage.Arguments, path+"/arguments", params, visible, itemScope, result)

		visible[stage.Name] = struct{}{}
	}

	var values []any
	var exprs []string
	for i := range def.Stages {
		stage := &def.Stages[i]
		if stage.Expression != "" {
			exprs = append(exprs, stage.Expression)
		}
		for _, name := range sortedArgNames(stage.Arguments) {
			values = append(values, stage.Arguments[name])
		}
	}
	checkUnusedParameters(def.Parameters, values, exprs, result)
}

func (a *referenceAnalysis) checkArguments(args map[string]any, path string, params, visible map[string]struct{}, iterating bool, result *schema.ValidationResult) {
	for _, name := range sortedArgNames(args) {
		a.checkValue(args[name], path+"/"+name, params, visible, iterating, result)
	}
}

func (a *referenceAnalysis) checkValue(value any, path string, params, visible map[string]struct{}, iterating bool, result *schema.ValidationResult) {
	compiled, err := expressions.Compile(value)
	if err != nil {
		result.AddError(path, codeReference, err.Error())
		return
	}

	for _, ref := range compiled.References() {
		switch ref.Path[0] {
		case expressions.NamespaceParams:
			if len(ref.Path) < 2 {
				result.AddError(path, codeReference,
					fmt.Sprintf("reference {{ %s }} names no parameter", ref.Raw))
				continue
			}
			if _, ok := params[ref.Path[1]]; !ok {
				result.AddError(path, codeReference,
					fmt.Sprintf("reference {{ %s }}: parameter %q is not declared", ref.Raw, ref.Path[1]))
			}
		case expressions.NamespaceSteps:
			if len(ref.Path) < 2 {
				result.AddError(path, codeReference,
					fmt.Sprintf("reference {{ %s }} names no step", ref.Raw))
				continue
			}
			if _, ok := visible[ref.Path[1]]; !ok {
				result.AddError(path, codeReference,
					fmt.Sprintf("reference {{ %s }}: step %q has not completed at this point", ref.Raw, ref.Path[1]))
			}
		case expressions.NamespaceItem, expressions.NamespaceIndex:
			if !iterating {
				result.AddError(path, codeReference,
					fmt.Sprintf("reference {{ %s }} is only valid on a step with iteration_source", ref.Raw))
			}
		case expressions.NamespaceStage:
			result.AddError(path, codeReference,
				fmt.Sprintf("reference {{ %s }}: the stage namespace is not available in procedures", ref.Raw))
		default:
			result.AddError(path, codeReference,
				fmt.Sprintf("reference {{ %s }}: unknown namespace %q", ref.Raw, ref.Path[0]))
		}
	}
}

func (a *referenceAnalysis) checkStageArguments(args map[string]any, path string, params, visible map[string]struct{}, itemScope bool, result *schema.ValidationResult) {
	for _, name := range sortedArgNames(args) {
		argPath := path + "/" + name
		compiled, err := expressions.Compile(args[name])
		if err != nil {
			result.AddError(argPath, codeReference, err.Error())
			continue
		}

		for _, ref := range compiled.References() {
			switch ref.Path[0] {
			case expressions.NamespaceParams:
				if len(ref.Path) < 2 {
					result.AddError(argPath, codeReference,
						fmt.Sprintf("reference {{ %s }} names no parameter", ref.Raw))
					continue
				}
				if _, ok := params[ref.Path[1]]; !ok {
					result.AddError(argPath, codeReference,
						fmt.Sprintf("reference {{ %s }}: parameter %q is not declared", ref.Raw, ref.Path[1]))
				}
			case expressions.NamespaceStage:
				if len(ref.Path) < 2 {
					result.AddError(argPath, codeReference,
						fmt.Sprintf("reference {{ %s }} names no stage", ref.Raw))
					continue
				}
				if _, ok := visible[ref.Path[1]]; !ok {
					result.AddError(argPath, codeReference,
						fmt.Sprintf("reference {{ %s }}: stage %q has not run at this point", ref.Raw, ref.Path[1]))
				}
			case expressions.NamespaceItem, expressions.NamespaceIndex:
				if !itemScope {
					result.AddError(argPath, codeReference,
						fmt.Sprintf("reference {{ %s }}: no item is bound in a gather stage", ref.Raw))
				}
			case expressions.NamespaceSteps:
				result.AddError(argPath, codeReference,
					fmt.Sprintf("reference {{ %s }}: the steps namespace is not available in pipelines", ref.Raw))
			default:
				result.AddError(argPath, codeReference,
					fmt.Sprintf("reference {{ %s }}: unknown namespace %q", ref.Raw, ref.Path[0]))
			}
		}
	}
}

// collectStepValues gathers every argument value, iteration source and
// condition in a step tree, branches included.
func collectStepValues(steps []schema.StepDefinition, values *[]any, exprs *[]string) {
	for i := range steps {
		step := &steps[i]
		if step.Condition != "" {
			*exprs = append(*exprs, step.Condition)
		}
		if step.IterationSource != "" {
			*values = append(*values, step.IterationSource)
		}
		for _, name := range sortedArgNames(step.Arguments) {
			*values = append(*values, step.Arguments[name])
		}
		for _, branch := range sortedBranchNames(step.ParallelBranches) {
			collectStepValues(step.ParallelBranches[branch], values, exprs)
		}
	}
}

// checkUnusedParameters warns about declared parameters nothing reads.
// Template values are checked through their compiled references; opaque
// expressions (conditions, filters, transforms) are scanned textually, so
// an unusual spelling only suppresses the warning.
func checkUnusedParameters(params []schema.ParameterDef, values []any, exprs []string, result *schema.ValidationResult) {
	used := make(map[string]struct{})
	for _, value := range values {
		compiled, err := expressions.Compile(value)
		if err != nil {
			continue
		}
		for _, ref := range compiled.References() {
			if ref.Path[0] == expressions.NamespaceParams && len(ref.Path) > 1 {
				used[ref.Path[1]] = struct{}{}
			}
		}
	}

	for i, p := range params {
		if _, ok := used[p.Name]; ok {
			continue
		}
		referenced := false
		for _, expr := range exprs {
			if strings.Contains(expr, expressions.NamespaceParams+"."+p.Name) {
				referenced = true
				break
			}
		}
		if !referenced {
			result.AddWarning(fmt.Sprintf("parameters/%d", i), codeSemantic,
				fmt.Sprintf("parameter %q is never referenced", p.Name))
		}
	}
}

func cloneSet(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}

func sortedArgNames(args map[string]any) []string {
	names := make([]string, 0, len(args))
	for name := range args {
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
