package diagram

import (
	"fmt"
	"strings"

	"github.com/mplp/coordinator/pkg/schema"
)

// RenderMermaid renders a Model as a Mermaid flowchart.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}
	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%q|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", edge.From, label, edge.To)
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
	b.WriteString("    classDef cancelled fill:#b7791a,stroke:#8a5c14,color:#fff\n")

	for _, node := range model.Nodes {
		if node.Status != nil {
			fmt.Fprintf(&b, "    class %s %s\n", node.ID, mermaidStatusClass(node.Status.Status))
		}
	}
	return b.String()
}

// mermaidNodeDef returns a node definition with the shape for its kind.
func mermaidNodeDef(node *Node) string {
	label := node.Label
	if node.Status != nil && node.Status.Attempts > 1 {
		label = fmt.Sprintf("%s (%d attempts)", label, node.Status.Attempts)
	}
	switch node.Kind {
	case NodeKindGuarded:
		return fmt.Sprintf("%s{%q}", node.ID, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", node.ID, label)
	default:
		return fmt.Sprintf("%s[%q]", node.ID, label)
	}
}

func mermaidStatusClass(status schema.StageStatus) string {
	switch status {
	case schema.StageStatusCompleted:
		return "completed"
	case schema.StageStatusFailed:
		return "failed"
	case schema.StageStatusRunning:
		return "running"
	case schema.StageStatusSkipped:
		return "skipped"
	case schema.StageStatusCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}
