package flow

import (
	"context"
	"slices"
	"sort"

	"github.com/rendis/voxflow/internal/actions"
	"github.com/rendis/voxflow/internal/validation"
	"github.com/rendis/voxflow/pkg/schema"
)

// Graph is an immutable, validated conversation graph.
type Graph struct {
	name        string
	description string
	initial     string
	nodes       map[string]*Node
	vars        map[string]any
	warnings    []schema.ValidationIssue
}

// Node is one conversation state.
type Node struct {
	ID           string
	RoleMessages []schema.Message
	TaskMessages []schema.Message
	PreActions   []ActionRef
	PostActions  []ActionRef
	Functions    []*Function

	index map[string]*Function
}

// ActionRef binds a pre/post action definition to its implementation.
type ActionRef struct {
	Type   string
	Params map[string]any
	Action actions.Action
}

// Function is a model-invocable transition function.
type Function struct {
	Name        string
	Description string
	Parameters  []schema.ParameterDefinition
	Handler     Handler

	validator *validation.ArgumentValidator
}

// Name returns the flow name.
func (g *Graph) Name() string { return g.name }

// Description returns the flow description.
func (g *Graph) Description() string { return g.description }

// Initial returns the initial node ID.
func (g *Graph) Initial() string { return g.initial }

// Node looks up a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns all node IDs sorted.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Vars returns a copy of the resolved flow vars.
func (g *Graph) Vars() map[string]any {
	out := make(map[string]any, len(g.vars))
	for k, v := range g.vars {
		out[k] = v
	}
	return out
}

// Warnings returns non-fatal construction issues (e.g. unreachable nodes).
func (g *Graph) Warnings() []schema.ValidationIssue {
	return slices.Clone(g.warnings)
}

// Terminal reports whether the node has no transition functions.
func (n *Node) Terminal() bool { return len(n.Functions) == 0 }

// Function looks up a transition function by name.
func (n *Node) Function(name string) (*Function, bool) {
	f, ok := n.index[name]
	return f, ok
}

// FunctionNames returns the node's function names in declaration order.
func (n *Node) FunctionNames() []string {
	names := make([]string, len(n.Functions))
	for i, f := range n.Functions {
		names[i] = f.Name
	}
	return names
}

// Tools describes the node's functions for the model.
func (n *Node) Tools() []schema.ToolSpec {
	specs := make([]schema.ToolSpec, len(n.Functions))
	for i, f := range n.Functions {
		specs[i] = schema.ToolSpec{Name: f.Name, Description: f.Description, Parameters: f.Parameters}
	}
	return specs
}

// Targets returns every node the function may transition to.
func (f *Function) Targets() []string { return f.Handler.Targets() }

// ParseArguments validates raw JSON arguments against the parameter schema.
func (f *Function) ParseArguments(raw []byte) (map[string]any, error) {
	return f.validator.Validate(raw)
}

// Invoke runs the handler and enforces that the returned node is one of
// the declared targets.
func (f *Function) Invoke(ctx context.Context, call Call) (Result, string, error) {
	result, next, err := f.Handler.Handle(ctx, call)
	if err != nil {
		if schema.CodeOf(err) == "" {
			return nil, "", schema.NewErrorf(schema.ErrCodeHandler, "function %q failed: %v", f.Name, err).WithCause(err)
		}
		return nil, "", err
	}
	if !slices.Contains(f.Targets(), next) {
		return nil, "", schema.NewErrorf(schema.ErrCodeConfiguration,
			"function %q returned undeclared next node %q", f.Name, next)
	}
	return result, next, nil
}
