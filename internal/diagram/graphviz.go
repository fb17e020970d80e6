package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

type nodeColors struct {
	fill string
	font string
}

var statusColors = map[string]nodeColors{
	StatusVisited:   {fill: "#2d6a2d", font: "white"},
	StatusCurrent:   {fill: "#1a5276", font: "white"},
	StatusCompleted: {fill: "#6b6b6b", font: "white"},
}

// RenderImage renders a DiagramModel as a PNG image using graphviz.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	return renderGraphviz(ctx, model, graphviz.PNG)
}

// RenderSVG renders a DiagramModel as an SVG document.
func RenderSVG(ctx context.Context, model *DiagramModel) ([]byte, error) {
	return renderGraphviz(ctx, model, graphviz.SVG)
}

func renderGraphviz(ctx context.Context, model *DiagramModel, format graphviz.Format) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	byID := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gn, err := graph.CreateNodeByName(n.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: node %s: %w", n.ID, err)
		}
		styleNode(gn, n)
		byID[n.ID] = gn
	}

	for i, e := range model.Edges {
		from, to := byID[e.From], byID[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := graph.CreateEdgeByName(fmt.Sprintf("t%d", i), from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: transition %s -> %s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
		}
		// Entry and exit edges are structural, not functions the model calls.
		if e.From == startID || e.To == endID {
			ge.SetStyle(cgraph.DashedEdgeStyle)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, format, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func styleNode(gn *cgraph.Node, n *Node) {
	switch n.Kind {
	case NodeKindStart, NodeKindEnd:
		gn.SetLabel("")
		gn.SetShape(cgraph.CircleShape)
		gn.SetWidth(0.3)
		gn.SetHeight(0.3)
		gn.SetStyle(cgraph.FilledNodeStyle)
		gn.SetFillColor("black")
		return
	case NodeKindTerminal:
		gn.SetShape(cgraph.EllipseShape)
	case NodeKindInitial:
		gn.SetShape(cgraph.BoxShape)
		gn.SetPeripheries(2)
	default:
		gn.SetShape(cgraph.BoxShape)
	}

	label := n.Label
	if n.Status != nil && n.Status.Visits > 1 {
		label = fmt.Sprintf("%s\nx%d", label, n.Status.Visits)
	}
	gn.SetLabel(label)

	if n.Status == nil {
		return
	}
	if c, ok := statusColors[n.Status.Status]; ok {
		gn.SetStyle(cgraph.FilledNodeStyle)
		gn.SetFillColor(c.fill)
		gn.SetFontColor(c.font)
	}
}
