package flow

import (
	"context"
	"fmt"

	"github.com/rendis/voxflow/internal/expressions"
	"github.com/rendis/voxflow/pkg/schema"
)

// Result is the structured payload a transition function appends to the
// transcript. nil means nothing is appended.
type Result map[string]any

// Call is the input a handler receives: validated arguments plus the
// session-wide names visible to expressions.
type Call struct {
	Args    map[string]any
	Vars    map[string]any
	Session map[string]any
}

func (c Call) scope() expressions.Scope {
	return expressions.Scope{Args: c.Args, Vars: c.Vars, Session: c.Session}
}

// Handler decides the outcome of a transition function. Targets lists every
// node Handle may return; it is checked at graph construction.
type Handler interface {
	Handle(ctx context.Context, call Call) (Result, string, error)
	Targets() []string
}

// HandlerFunc adapts a function with declared targets to Handler.
type HandlerFunc struct {
	fn      func(ctx context.Context, call Call) (Result, string, error)
	targets []string
}

// NewHandler wraps fn. targets must list every node fn can return.
func NewHandler(fn func(ctx context.Context, call Call) (Result, string, error), targets ...string) *HandlerFunc {
	return &HandlerFunc{fn: fn, targets: targets}
}

func (h *HandlerFunc) Handle(ctx context.Context, call Call) (Result, string, error) {
	return h.fn(ctx, call)
}

func (h *HandlerFunc) Targets() []string { return h.targets }

// Advance returns a handler that always moves to next with no result.
func Advance(next string) *HandlerFunc {
	return NewHandler(func(context.Context, Call) (Result, string, error) {
		return nil, next, nil
	}, next)
}

type route struct {
	when string
	to   string
}

// definedHandler interprets a FunctionDefinition: an optional expr result,
// CEL routes evaluated in order, and a fallback next node.
type definedHandler struct {
	next   string
	routes []route
	result string

	exprs *expressions.ExprEngine
	cel   *expressions.CELEngine
}

func newDefinedHandler(fn *schema.FunctionDefinition, exprs *expressions.ExprEngine, cel *expressions.CELEngine) (*definedHandler, error) {
	h := &definedHandler{next: fn.Next, result: fn.Result, exprs: exprs, cel: cel}
	if fn.Result != "" {
		if err := exprs.Compile(fn.Result); err != nil {
			return nil, err
		}
	}
	for _, r := range fn.Routes {
		if err := cel.Compile(r.When); err != nil {
			return nil, err
		}
		h.routes = append(h.routes, route{when: r.When, to: r.To})
	}
	return h, nil
}

func (h *definedHandler) Targets() []string {
	var targets []string
	if h.next != "" {
		targets = append(targets, h.next)
	}
	for _, r := range h.routes {
		targets = append(targets, r.to)
	}
	return targets
}

func (h *definedHandler) Handle(ctx context.Context, call Call) (Result, string, error) {
	data, err := call.scope().Data()
	if err != nil {
		return nil, "", schema.NewError(schema.ErrCodeHandler, "failed to build expression scope").WithCause(err)
	}

	var result Result
	if h.result != "" {
		out, err := h.exprs.Evaluate(ctx, h.result, data)
		if err != nil {
			return nil, "", err
		}
		result = toResult(out)
	}

	for _, r := range h.routes {
		ok, err := h.cel.EvaluateBool(ctx, r.when, data)
		if err != nil {
			return nil, "", err
		}
		if ok {
			return result, r.to, nil
		}
	}

	if h.next == "" {
		return nil, "", schema.NewError(schema.ErrCodeHandler, "no route matched and no default next node")
	}
	return result, h.next, nil
}

func toResult(out any) Result {
	switch v := out.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	case map[any]any:
		r := make(Result, len(v))
		for k, val := range v {
			r[fmt.Sprint(k)] = val
		}
		return r
	default:
		return Result{"value": v}
	}
}
