package diagram

// NodeKind classifies a diagram node by its role in the conversation flow.
type NodeKind string

const (
	NodeKindNode     NodeKind = "node"
	NodeKindInitial  NodeKind = "initial"
	NodeKindTerminal NodeKind = "terminal"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Overlay statuses derived from a session's event log.
const (
	StatusVisited   = "visited"
	StatusCurrent   = "current"
	StatusCompleted = "completed"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single conversation node in the diagram.
type Node struct {
	ID      string
	Label   string
	Kind    NodeKind
	Actions []string // pre and post action types, in execution order
	Status  *StatusOverlay
}

// StatusOverlay carries a session's progress through a node.
type StatusOverlay struct {
	Status string
	Visits int
}

// Edge is a transition function leading from one node to another.
type Edge struct {
	From  string
	To    string
	Label string
}
