package expressions

import "context"

// Engine evaluates expressions embedded in flow definitions.
// Three implementations: Expr (function results), CEL (route guards),
// GoJQ (template lookups).
type Engine interface {
	Name() string
	// Compile checks an expression without evaluating it so broken flow
	// definitions fail at construction time.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
