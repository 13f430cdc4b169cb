package diagram

// NodeKind classifies a diagram node by the process node kind it draws.
type NodeKind string

const (
	NodeKindInitial     NodeKind = "initial"
	NodeKindFinal       NodeKind = "final"
	NodeKindActivity    NodeKind = "activity"
	NodeKindDecision    NodeKind = "decision"
	NodeKindSubprocess  NodeKind = "subprocess"
	NodeKindWorkflow    NodeKind = "workflow"
	NodeKindWaitState   NodeKind = "waitstate"
	NodeKindPlaceholder NodeKind = "placeholder"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single process node in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // called process of a subprocess node
}

// SubGraph holds the nodes of a called process.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay marks the node a token currently sits on.
type StatusOverlay struct {
	State  string // token lifecycle state
	Socket string
}

// EdgeStyle tells renderers how to draw an edge.
type EdgeStyle string

const (
	EdgeControl  EdgeStyle = "control"
	EdgeData     EdgeStyle = "data"
	EdgeFallback EdgeStyle = "fallback" // exit socket continuing at a same-named initial node
)

// Edge represents a link between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
	Style EdgeStyle
}
