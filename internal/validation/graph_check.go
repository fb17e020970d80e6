package validation

import (
	"fmt"

	"github.com/rendis/voxflow/pkg/schema"
)

// validateGraph performs reachability analysis from the initial node (BFS
// over transition targets). Unreachable nodes and role messages outside the
// initial node are warnings only.
func validateGraph(def *schema.FlowDefinition, handlers HandlerLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	reachable := map[string]bool{def.InitialNode: true}
	queue := []string{def.InitialNode}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node := def.Nodes[id]
		for i := range node.Functions {
			for _, target := range functionTargets(id, &node.Functions[i], handlers) {
				if _, ok := def.Nodes[target]; ok && !reachable[target] {
					reachable[target] = true
					queue = append(queue, target)
				}
			}
		}
	}

	for _, id := range sortedNodeIDs(def) {
		if !reachable[id] {
			result.AddWarning("nodes."+id, schema.ErrCodeConfiguration,
				fmt.Sprintf("node %q is unreachable from initial node %q", id, def.InitialNode))
		}
		if id != def.InitialNode && len(def.Nodes[id].RoleMessages) > 0 {
			result.AddWarning("nodes."+id+".role_messages", schema.ErrCodeConfiguration,
				fmt.Sprintf("role messages on node %q are ignored; only the initial node sets them", id))
		}
	}

	return result
}
