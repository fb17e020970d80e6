package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/voxflow/pkg/schema"
)

// GoJQEngine runs jq queries. The interpolator resolves `${{ vars.persona }}`
// references by running `.vars.persona` against the scope.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache(compileJQ)}
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, exprError(schema.ErrCodeConfiguration, "jq parse error in", expression, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, exprError(schema.ErrCodeConfiguration, "jq compile error in", expression, err)
	}
	return code, nil
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Compile(expression string) error {
	if expression == "" {
		return emptyExpression("jq")
	}
	_, err := e.programs.get(expression)
	return err
}

// Evaluate runs a query against data, which must hold JSON-compatible
// values (see Scope.Data). No output yields nil, one output is returned as
// is and several are collected into a []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("jq")
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, data)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, exprError(schema.ErrCodeConfiguration, "jq evaluation failed for", expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

var _ Engine = (*GoJQEngine)(nil)
