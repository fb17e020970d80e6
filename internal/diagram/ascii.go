package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

var asciiTags = map[string]string{
	StatusVisited:   "[SEEN]",
	StatusCurrent:   "[HERE]",
	StatusCompleted: "[DONE]",
}

// RenderASCII renders a DiagramModel for terminals: one row of boxes per
// BFS level from the initial node, then every transition as
// "from ─function→ to".
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}

	for i, level := range model.Levels {
		var row []box
		for _, id := range level {
			if n, ok := byID[id]; ok {
				row = append(row, newBox(n))
			}
		}
		if len(row) == 0 {
			continue
		}
		writeRow(&b, row)
		if i < len(model.Levels)-1 {
			pad := strings.Repeat(" ", row[0].width/2)
			b.WriteString(pad + "│\n" + pad + "▼\n")
		}
	}

	first := true
	for _, e := range model.Edges {
		if e.Label == "" {
			continue
		}
		if first {
			b.WriteString("\n--- transitions ---\n")
			first = false
		}
		fmt.Fprintf(&b, "  %s ─%s→ %s\n", e.From, e.Label, e.To)
	}
	return b.String()
}

type box struct {
	lines []string
	width int
}

func newBox(n *Node) box {
	content := strings.Split(n.Label, "\n")
	if n.Status != nil {
		if tag := asciiTags[n.Status.Status]; tag != "" {
			content = append(content, tag)
		}
		if n.Status.Visits > 1 {
			content = append(content, fmt.Sprintf("x%d", n.Status.Visits))
		}
	}

	inner := 0
	for _, c := range content {
		inner = max(inner, utf8.RuneCountInString(c))
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", inner+2)+"┐")
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", inner-utf8.RuneCountInString(c))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", inner+2)+"┘")
	return box{lines: lines, width: inner + 4}
}

// writeRow lays boxes side by side, padding shorter boxes at the bottom.
func writeRow(b *strings.Builder, row []box) {
	height := 0
	for _, bx := range row {
		height = max(height, len(bx.lines))
	}
	for line := 0; line < height; line++ {
		for i, bx := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			if line < len(bx.lines) {
				b.WriteString(bx.lines[line])
			} else {
				b.WriteString(strings.Repeat(" ", bx.width))
			}
		}
		b.WriteByte('\n')
	}
}
