package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/voxflow/pkg/schema"
)

// ExprEngine computes a transition function's structured result, e.g.
// `{"size": args.size, "price": vars.pizza_prices[args.size]}`. args, vars
// and session are top-level names.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache(compileExpr)}
}

func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression,
		expr.Env(activation(nil)),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, exprError(schema.ErrCodeConfiguration, "expr compile error in", expression, err)
	}
	return prg, nil
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Compile(expression string) error {
	if expression == "" {
		return emptyExpression("expr")
	}
	_, err := e.programs.get(expression)
	return err
}

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(prg, activation(data))
	if err != nil {
		return nil, exprError(schema.ErrCodeHandler, "expr evaluation failed for", expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
