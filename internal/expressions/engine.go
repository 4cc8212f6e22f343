package expressions

import "context"

// Engine evaluates expressions against a flattened scope.
// Three implementations: CEL (conditions/predicates), GoJQ (transforms),
// Expr (deterministic logic in the expr.eval action).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
