package diagram

import "github.com/mplp/coordinator/pkg/schema"

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStage NodeKind = "stage"
	// NodeKindGuarded is a stage behind a condition.
	NodeKindGuarded NodeKind = "guarded"
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one stage of the workflow, or the virtual start and end.
type Node struct {
	ID        string
	Label     string
	Kind      NodeKind
	Condition string
	Status    *StatusOverlay
}

// StatusOverlay carries a run's outcome for a stage.
type StatusOverlay struct {
	Status     schema.StageStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge is an ordering between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

func (m *Model) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
