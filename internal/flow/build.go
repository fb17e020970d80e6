package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/voxflow/internal/actions"
	"github.com/rendis/voxflow/internal/expressions"
	"github.com/rendis/voxflow/internal/validation"
	"github.com/rendis/voxflow/pkg/schema"
)

type buildOptions struct {
	handlers map[handlerKey]Handler
	vars     map[string]any
	session  map[string]any
	actions  *actions.Registry
	logger   *slog.Logger
}

type handlerKey struct {
	node     string
	function string
}

// Option configures Build.
type Option func(*buildOptions)

// WithHandler attaches a Go handler to node/function, replacing the
// definition's next/routes/result. The handler's Targets are validated like
// any other transition target.
func WithHandler(node, function string, h Handler) Option {
	return func(o *buildOptions) {
		o.handlers[handlerKey{node: node, function: function}] = h
	}
}

// WithVars overlays per-session values (e.g. persona) on the flow's vars.
func WithVars(vars map[string]any) Option {
	return func(o *buildOptions) {
		o.vars = expressions.MergeVars(o.vars, vars)
	}
}

// WithSession exposes session metadata to message templates.
func WithSession(session map[string]any) Option {
	return func(o *buildOptions) { o.session = session }
}

// WithActions sets the registry used to resolve pre/post actions.
// Defaults to the built-in actions.
func WithActions(reg *actions.Registry) Option {
	return func(o *buildOptions) { o.actions = reg }
}

// WithLogger sets the logger used for construction warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

func (o *buildOptions) HandlerTargets(nodeID, function string) ([]string, bool) {
	h, ok := o.handlers[handlerKey{node: nodeID, function: function}]
	if !ok {
		return nil, false
	}
	return h.Targets(), true
}

// Build validates def and produces an immutable Graph. All construction
// failures are reported together as a single CONFIGURATION_ERROR.
func Build(def *schema.FlowDefinition, opts ...Option) (*Graph, error) {
	o := &buildOptions{handlers: make(map[handlerKey]Handler)}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.actions == nil {
		reg, err := actions.NewBuiltinRegistry(o.logger, actions.HTTPConfig{})
		if err != nil {
			return nil, err
		}
		o.actions = reg
	}

	validator, err := validation.NewFlowValidator(o.actions)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "failed to initialize flow validator").WithCause(err)
	}

	result := validator.Validate(def, o)
	if def != nil {
		checkHandlerBindings(def, o, result)
	}
	if !result.Valid() {
		return nil, result.ToError()
	}

	b := &builder{
		opts:   o,
		exprs:  expressions.NewExprEngine(),
		interp: expressions.NewInterpolator(expressions.NewGoJQEngine()),
		result: result,
	}
	b.cel, err = expressions.NewCELEngine()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "failed to initialize CEL environment").WithCause(err)
	}

	g := b.build(def)
	if err := result.ToError(); err != nil {
		return nil, err
	}

	for _, w := range result.Warnings {
		o.logger.Warn("flow construction warning", "flow", def.Name, "path", w.Path, "message", w.Message)
	}
	g.warnings = result.Warnings
	return g, nil
}

// checkHandlerBindings rejects handlers attached to functions that do not exist.
func checkHandlerBindings(def *schema.FlowDefinition, o *buildOptions, result *schema.ValidationResult) {
	for key := range o.handlers {
		node, ok := def.Nodes[key.node]
		if !ok {
			result.AddError("handlers", schema.ErrCodeConfiguration,
				fmt.Sprintf("handler bound to unknown node %q", key.node))
			continue
		}
		found := false
		for _, fn := range node.Functions {
			if fn.Name == key.function {
				found = true
				break
			}
		}
		if !found {
			result.AddError("handlers", schema.ErrCodeConfiguration,
				fmt.Sprintf("handler bound to unknown function %q on node %q", key.function, key.node))
		}
	}
}

type builder struct {
	opts   *buildOptions
	exprs  *expressions.ExprEngine
	cel    *expressions.CELEngine
	interp *expressions.Interpolator
	result *schema.ValidationResult
}

func (b *builder) build(def *schema.FlowDefinition) *Graph {
	vars := expressions.MergeVars(def.Vars, b.opts.vars)
	g := &Graph{
		name:        def.Name,
		description: def.Description,
		initial:     def.InitialNode,
		nodes:       make(map[string]*Node, len(def.Nodes)),
		vars:        vars,
	}

	data, err := expressions.Scope{Vars: vars, Session: b.opts.session}.Data()
	if err != nil {
		b.result.AddError("vars", schema.ErrCodeConfiguration, "vars are not JSON-serializable: "+err.Error())
		return g
	}

	for id, nd := range def.Nodes {
		g.nodes[id] = b.buildNode(id, nd, data)
	}
	return g
}

func (b *builder) buildNode(id string, nd schema.NodeDefinition, data map[string]any) *Node {
	ctx := context.Background()
	path := "nodes." + id
	n := &Node{ID: id, index: make(map[string]*Function, len(nd.Functions))}

	var err error
	if n.RoleMessages, err = b.interp.ResolveMessages(ctx, nd.RoleMessages, data); err != nil {
		b.result.AddError(path+".role_messages", schema.ErrCodeConfiguration, err.Error())
	}
	if n.TaskMessages, err = b.interp.ResolveMessages(ctx, nd.TaskMessages, data); err != nil {
		b.result.AddError(path+".task_messages", schema.ErrCodeConfiguration, err.Error())
	}
	n.PreActions = b.buildActions(path+".pre_actions", nd.PreActions, data)
	n.PostActions = b.buildActions(path+".post_actions", nd.PostActions, data)

	for i := range nd.Functions {
		fd := &nd.Functions[i]
		fpath := fmt.Sprintf("%s.functions[%d]", path, i)
		fn := &Function{
			Name:        fd.Name,
			Description: fd.Description,
			Parameters:  fd.Parameters,
		}

		if h, ok := b.opts.handlers[handlerKey{node: id, function: fd.Name}]; ok {
			fn.Handler = h
		} else {
			h, err := newDefinedHandler(fd, b.exprs, b.cel)
			if err != nil {
				b.result.AddError(fpath, schema.ErrCodeConfiguration, err.Error())
				continue
			}
			fn.Handler = h
		}

		fn.validator, err = validation.CompileArguments(id+"/"+fd.Name, fd.Parameters)
		if err != nil {
			b.result.AddError(fpath+".parameters", schema.ErrCodeConfiguration, err.Error())
			continue
		}

		n.Functions = append(n.Functions, fn)
		n.index[fn.Name] = fn
	}
	return n
}

func (b *builder) buildActions(path string, defs []schema.ActionDefinition, data map[string]any) []ActionRef {
	refs := make([]ActionRef, 0, len(defs))
	for i, d := range defs {
		apath := fmt.Sprintf("%s[%d]", path, i)
		action, err := b.opts.actions.Get(d.Type)
		if err != nil {
			b.result.AddError(apath, schema.ErrCodeConfiguration, err.Error())
			continue
		}
		params, err := b.interp.ResolveParams(context.Background(), d.Params, data)
		if err != nil {
			b.result.AddError(apath+".params", schema.ErrCodeConfiguration, err.Error())
			continue
		}
		refs = append(refs, ActionRef{Type: d.Type, Params: params, Action: action})
	}
	return refs
}
