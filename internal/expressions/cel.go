package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/voxflow/pkg/schema"
)

// CELEngine evaluates transition route guards such as `args.count > 8`.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine whose environment exposes the Scope:
//   - args:    map(string, dyn) validated function arguments
//   - vars:    map(string, dyn) flow vars merged with session overrides
//   - session: map(string, dyn) session metadata (room, voice, node)
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("args", mapType),
		cel.Variable("vars", mapType),
		cel.Variable("session", mapType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newProgramCache(e.compile)
	return e, nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, exprError(schema.ErrCodeConfiguration, "CEL compile error in", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, exprError(schema.ErrCodeConfiguration, "CEL program error for", expression, err)
	}
	return prg, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Compile(expression string) error {
	if expression == "" {
		return emptyExpression("CEL")
	}
	_, err := e.programs.get(expression)
	return err
}

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, activation(data))
	if err != nil {
		return nil, exprError(schema.ErrCodeHandler, "CEL evaluation failed for", expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a guard and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeHandler,
			"CEL guard %q returned %T, want bool", expression, out)
	}
	return b, nil
}

var _ Engine = (*CELEngine)(nil)
