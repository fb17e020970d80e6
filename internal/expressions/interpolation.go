package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/voxflow/pkg/schema"
)

// Interpolator resolves ${{ path }} references in message text and action
// params. A path such as `vars.persona` is evaluated as the jq query
// `.vars.persona` against the scope.
type Interpolator struct {
	jq *GoJQEngine
}

// NewInterpolator creates an Interpolator backed by jq.
func NewInterpolator(jq *GoJQEngine) *Interpolator {
	if jq == nil {
		jq = NewGoJQEngine()
	}
	return &Interpolator{jq: jq}
}

// Resolve replaces every ${{ ... }} token in input. Strings are inserted
// verbatim; other values are inserted as compact JSON. A reference that
// resolves to null is an error.
func (interp *Interpolator) Resolve(ctx context.Context, input string, data map[string]any) (string, error) {
	if !strings.Contains(input, "${{") {
		return input, nil
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeConfiguration, "unclosed ${{ expression")
		}
		end += start

		path := strings.TrimSpace(input[start:end])
		if strings.Contains(path, "${{") {
			return "", schema.NewError(schema.ErrCodeConfiguration,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if path == "" {
			return "", schema.NewError(schema.ErrCodeConfiguration, "empty variable reference: ${{  }}")
		}

		val, err := interp.jq.Evaluate(ctx, "."+strings.TrimPrefix(path, "."), data)
		if err != nil {
			return "", err
		}
		if val == nil {
			return "", schema.NewErrorf(schema.ErrCodeConfiguration, "unresolved reference ${{ %s }}", path)
		}

		result.WriteString(inline(val))
		i = end + 2
	}

	return result.String(), nil
}

// ResolveMessages interpolates the content of each message.
func (interp *Interpolator) ResolveMessages(ctx context.Context, msgs []schema.Message, data map[string]any) ([]schema.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	out := make([]schema.Message, len(msgs))
	for i, m := range msgs {
		content, err := interp.Resolve(ctx, m.Content, data)
		if err != nil {
			return nil, err
		}
		m.Content = content
		out[i] = m
	}
	return out, nil
}

// ResolveParams interpolates every string value in params, recursing into
// nested maps and slices.
func (interp *Interpolator) ResolveParams(ctx context.Context, params map[string]any, data map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := interp.resolveValue(ctx, v, data)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func (interp *Interpolator) resolveValue(ctx context.Context, v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return interp.Resolve(ctx, val, data)
	case map[string]any:
		return interp.ResolveParams(ctx, val, data)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.resolveValue(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func inline(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
