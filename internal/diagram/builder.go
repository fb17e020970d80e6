package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/voxflow/internal/flow"
	"github.com/rendis/voxflow/internal/store"
)

// Build constructs a DiagramModel from a flow graph and an optional replay
// of a session's events. Nodes are laid out in breadth-first levels from
// the initial node; unreachable nodes form a trailing level.
func Build(g *flow.Graph, replay *store.Replay) (*DiagramModel, error) {
	if g == nil {
		return nil, fmt.Errorf("diagram: nil flow graph")
	}

	nodeIndex := make(map[string]*Node)
	for _, id := range g.NodeIDs() {
		fn, _ := g.Node(id)
		nodeIndex[id] = flowNode(g, fn)
	}
	overlayReplay(nodeIndex, replay)

	levels := buildLevels(g)

	nodes := make([]*Node, 0, len(nodeIndex)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, level := range levels[1 : len(levels)-1] {
		for _, id := range level {
			nodes = append(nodes, nodeIndex[id])
		}
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	title := g.Name()
	if title == "" {
		title = "Flow"
	}
	return &DiagramModel{
		Title:  title,
		Nodes:  nodes,
		Edges:  buildEdges(g),
		Levels: levels,
	}, nil
}

// flowNode maps a flow node to a diagram Node.
func flowNode(g *flow.Graph, n *flow.Node) *Node {
	node := &Node{ID: n.ID, Kind: NodeKindNode}
	switch {
	case n.Terminal():
		node.Kind = NodeKindTerminal
	case n.ID == g.Initial():
		node.Kind = NodeKindInitial
	}
	for _, a := range n.PreActions {
		node.Actions = append(node.Actions, a.Type)
	}
	for _, a := range n.PostActions {
		node.Actions = append(node.Actions, a.Type)
	}
	node.Label = nodeLabel(node)
	return node
}

// nodeLabel creates a human-readable label for a node.
func nodeLabel(n *Node) string {
	if len(n.Actions) > 0 {
		return fmt.Sprintf("%s\n(%s)", n.ID, strings.Join(n.Actions, ", "))
	}
	return n.ID
}

// overlayReplay marks the nodes a session has passed through.
func overlayReplay(nodes map[string]*Node, replay *store.Replay) {
	if replay == nil {
		return
	}
	for _, id := range replay.Path {
		n, ok := nodes[id]
		if !ok {
			continue
		}
		if n.Status == nil {
			n.Status = &StatusOverlay{Status: StatusVisited}
		}
		n.Status.Visits++
	}
	if n, ok := nodes[replay.CurrentNode]; ok && n.Status != nil {
		n.Status.Status = StatusCurrent
		if replay.Completed {
			n.Status.Status = StatusCompleted
		}
	}
}

// buildEdges emits one edge per function target, plus the virtual
// start and end edges.
func buildEdges(g *flow.Graph) []Edge {
	edges := []Edge{{From: startID, To: g.Initial()}}
	for _, id := range g.NodeIDs() {
		n, _ := g.Node(id)
		if n.Terminal() {
			edges = append(edges, Edge{From: id, To: endID})
			continue
		}
		for _, fn := range n.Functions {
			for _, target := range fn.Targets() {
				edges = append(edges, Edge{From: id, To: target, Label: fn.Name})
			}
		}
	}
	return edges
}

// buildLevels groups nodes by breadth-first distance from the initial node,
// wrapped with virtual start/end levels.
func buildLevels(g *flow.Graph) [][]string {
	levels := [][]string{{startID}}
	seen := map[string]bool{g.Initial(): true}
	frontier := []string{g.Initial()}

	for len(frontier) > 0 {
		levels = append(levels, frontier)
		var next []string
		for _, id := range frontier {
			n, _ := g.Node(id)
			for _, fn := range n.Functions {
				for _, target := range fn.Targets() {
					if !seen[target] {
						seen[target] = true
						next = append(next, target)
					}
				}
			}
		}
		frontier = next
	}

	var orphans []string
	for _, id := range g.NodeIDs() {
		if !seen[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return append(levels, []string{endID})
}
