package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/voxflow/pkg/schema"
)

// ActionLookup resolves pre/post action types during validation.
type ActionLookup interface {
	Has(actionType string) bool
	ValidateParams(actionType string, params map[string]any) error
}

// HandlerLookup reports the declared targets of a custom Go handler
// attached to node/function. ok is false when the function uses the
// definition's own next/routes.
type HandlerLookup interface {
	HandlerTargets(nodeID, function string) (targets []string, ok bool)
}

// validateSemantic checks references and the terminal-node contract.
// Checks: initial node present, unique function names, transition targets
// present, non-terminal nodes have functions, terminal nodes end the
// conversation exactly once, action types registered, parameter sanity.
func validateSemantic(def *schema.FlowDefinition, actions ActionLookup, handlers HandlerLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if _, ok := def.Nodes[def.InitialNode]; !ok {
		result.AddError("initial_node", schema.ErrCodeConfiguration,
			fmt.Sprintf("initial node %q not found in nodes", def.InitialNode))
	}

	for _, id := range sortedNodeIDs(def) {
		node := def.Nodes[id]
		validateNodeSemantic(def, id, &node, actions, handlers, result)
	}

	return result
}

func validateNodeSemantic(def *schema.FlowDefinition, id string, node *schema.NodeDefinition, actions ActionLookup, handlers HandlerLookup, result *schema.ValidationResult) {
	path := "nodes." + id

	ends := 0
	for _, a := range node.PostActions {
		if a.Type == schema.ActionEndConversation {
			ends++
		}
	}

	if len(node.Functions) == 0 {
		switch {
		case ends == 0:
			result.AddError(path+".functions", schema.ErrCodeConfiguration,
				fmt.Sprintf("node %q declares no transition functions and is not terminal (no %s post-action)", id, schema.ActionEndConversation))
		case ends > 1:
			result.AddError(path+".post_actions", schema.ErrCodeConfiguration,
				fmt.Sprintf("terminal node %q must declare exactly one %s post-action, found %d", id, schema.ActionEndConversation, ends))
		}
	} else if ends > 0 {
		result.AddError(path+".post_actions", schema.ErrCodeConfiguration,
			fmt.Sprintf("node %q has transition functions and cannot end the conversation", id))
	}

	validateActions(path+".pre_actions", node.PreActions, actions, result)
	validateActions(path+".post_actions", node.PostActions, actions, result)

	seen := make(map[string]bool, len(node.Functions))
	for i := range node.Functions {
		fn := &node.Functions[i]
		fpath := fmt.Sprintf("%s.functions[%d]", path, i)

		if seen[fn.Name] {
			result.AddError(fpath+".name", schema.ErrCodeConfiguration,
				fmt.Sprintf("duplicate function name %q on node %q", fn.Name, id))
			continue
		}
		seen[fn.Name] = true

		targets := functionTargets(id, fn, handlers)
		if len(targets) == 0 {
			result.AddError(fpath+".next", schema.ErrCodeConfiguration,
				fmt.Sprintf("function %q declares no next node", fn.Name))
		}
		for _, target := range targets {
			if _, ok := def.Nodes[target]; !ok {
				result.AddError(fpath+".next", schema.ErrCodeConfiguration,
					fmt.Sprintf("function %q targets unknown node %q", fn.Name, target))
			}
		}

		validateParameters(fpath+".parameters", fn.Parameters, result)
	}
}

func validateActions(path string, defs []schema.ActionDefinition, actions ActionLookup, result *schema.ValidationResult) {
	if actions == nil {
		return
	}
	for i, a := range defs {
		apath := fmt.Sprintf("%s[%d]", path, i)
		if !actions.Has(a.Type) {
			result.AddError(apath+".type", schema.ErrCodeConfiguration,
				fmt.Sprintf("action %q not registered", a.Type))
			continue
		}
		if err := actions.ValidateParams(a.Type, a.Params); err != nil {
			result.AddError(apath+".params", schema.ErrCodeConfiguration,
				fmt.Sprintf("action %q: %v", a.Type, err))
		}
	}
}

func validateParameters(path string, params []schema.ParameterDefinition, result *schema.ValidationResult) {
	names := make(map[string]bool, len(params))
	for i, p := range params {
		ppath := fmt.Sprintf("%s[%d]", path, i)
		if names[p.Name] {
			result.AddError(ppath+".name", schema.ErrCodeConfiguration,
				fmt.Sprintf("duplicate parameter %q", p.Name))
		}
		names[p.Name] = true

		if len(p.Enum) > 0 && p.Type != schema.ParamString {
			result.AddError(ppath+".enum", schema.ErrCodeConfiguration,
				fmt.Sprintf("parameter %q: enum is only supported on string parameters", p.Name))
		}
		numeric := p.Type == schema.ParamInteger || p.Type == schema.ParamNumber
		if (p.Minimum != nil || p.Maximum != nil) && !numeric {
			result.AddError(ppath, schema.ErrCodeConfiguration,
				fmt.Sprintf("parameter %q: bounds are only supported on numeric parameters", p.Name))
		}
		if p.Minimum != nil && p.Maximum != nil && *p.Minimum > *p.Maximum {
			result.AddError(ppath, schema.ErrCodeConfiguration,
				fmt.Sprintf("parameter %q: minimum %v exceeds maximum %v", p.Name, *p.Minimum, *p.Maximum))
		}
	}
}

// functionTargets returns every node a function may transition to.
func functionTargets(nodeID string, fn *schema.FunctionDefinition, handlers HandlerLookup) []string {
	if handlers != nil {
		if targets, ok := handlers.HandlerTargets(nodeID, fn.Name); ok {
			return targets
		}
	}
	var targets []string
	if fn.Next != "" {
		targets = append(targets, fn.Next)
	}
	for _, r := range fn.Routes {
		targets = append(targets, r.To)
	}
	return targets
}

func sortedNodeIDs(def *schema.FlowDefinition) []string {
	ids := make([]string, 0, len(def.Nodes))
	for id := range def.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
