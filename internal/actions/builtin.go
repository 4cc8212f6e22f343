package actions

import (
	"context"
	"encoding/json"

	"github.com/procflow/procflow/pkg/schema"
)

// FuncAction adapts a plain function into an Action. Builtins and tests use
// it instead of declaring a struct per action.
type FuncAction struct {
	Meta Metadata
	Fn   func(ctx context.Context, input Input) (*Result, error)
}

func (a *FuncAction) Metadata() Metadata { return a.Meta }

func (a *FuncAction) Invoke(ctx context.Context, input Input) (*Result, error) {
	return a.Fn(ctx, input)
}

// evaluator is the subset of the expression layer builtins need.
type evaluator interface {
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// NewEvalAction wraps an expression engine as the builtin "expr.eval" action.
// Arguments: expression (string, required), data (object, optional).
func NewEvalAction(engine evaluator) Action {
	return &FuncAction{
		Meta: Metadata{
			Name:        "expr.eval",
			Description: "Evaluates an expression against the provided data",
			ParameterSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"expression": {"type": "string"},
					"data": {"type": "object"}
				},
				"required": ["expression"],
				"additionalProperties": false
			}`),
			SideEffects: false,
			Exposure: map[string]bool{
				ContextProcedure: true,
				ContextPipeline:  true,
				ContextAgent:     true,
			},
		},
		Fn: func(ctx context.Context, input Input) (*Result, error) {
			expression, ok := input.Arguments["expression"].(string)
			if !ok {
				return nil, schema.NewError(schema.ErrCodeValidation, "expr.eval requires a string 'expression' argument")
			}
			data, _ := input.Arguments["data"].(map[string]any)
			value, err := engine.Evaluate(ctx, expression, data)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeAction, "expression evaluation failed").WithCause(err)
			}
			return &Result{Status: "success", Data: value}, nil
		},
	}
}

// jqEvaluator is the multi-output jq surface used by "jq.apply".
type jqEvaluator interface {
	EvaluateAll(ctx context.Context, expression string, input any) ([]any, error)
}

// NewJQAction wraps a jq engine as the builtin "jq.apply" action.
// Arguments: expression (string, required), input (any, required).
// A single jq output is returned directly; multiple outputs as a list.
func NewJQAction(engine jqEvaluator) Action {
	return &FuncAction{
		Meta: Metadata{
			Name:        "jq.apply",
			Description: "Applies a jq expression to the input value",
			ParameterSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"expression": {"type": "string"},
					"input": {}
				},
				"required": ["expression", "input"],
				"additionalProperties": false
			}`),
			SideEffects: false,
			Exposure: map[string]bool{
				ContextProcedure: true,
				ContextPipeline:  true,
				ContextAgent:     true,
			},
		},
		Fn: func(ctx context.Context, input Input) (*Result, error) {
			expression, ok := input.Arguments["expression"].(string)
			if !ok {
				return nil, schema.NewError(schema.ErrCodeValidation, "jq.apply requires a string 'expression' argument")
			}
			outputs, err := engine.EvaluateAll(ctx, expression, input.Arguments["input"])
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeAction, "jq evaluation failed").WithCause(err)
			}
			switch len(outputs) {
			case 0:
				return &Result{Status: "success"}, nil
			case 1:
				return &Result{Status: "success", Data: outputs[0]}, nil
			default:
				return &Result{Status: "success", Data: outputs}, nil
			}
		},
	}
}
