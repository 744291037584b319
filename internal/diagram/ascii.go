package diagram

import (
	"fmt"
	"strings"

	"github.com/mplp/coordinator/pkg/schema"
)

// statusTag returns a short ASCII indicator for a stage status.
func statusTag(status schema.StageStatus) string {
	switch status {
	case schema.StageStatusCompleted:
		return "[OK]"
	case schema.StageStatusFailed:
		return "[FAIL]"
	case schema.StageStatusRunning:
		return "[RUN]"
	case schema.StageStatusSkipped:
		return "[SKIP]"
	case schema.StageStatusCancelled:
		return "[CANCEL]"
	case schema.StageStatusPending:
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a Model as boxes laid out level by level.
func RenderASCII(model *Model) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		var boxes []asciiBox
		for _, id := range level {
			if node := model.node(id); node != nil {
				boxes = append(boxes, makeBox(node))
			}
		}
		renderBoxRow(&b, boxes)
		if i < len(model.Levels)-1 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}
	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	content := []string{node.Label}
	if node.Condition != "" {
		content = append(content, "if "+node.Condition)
	}
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			content = append(content, tag)
		}
		if node.Status.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
		if node.Status.Attempts > 1 {
			content = append(content, fmt.Sprintf("x%d", node.Status.Attempts))
		}
	}

	maxLen := 0
	for _, line := range content {
		maxLen = max(maxLen, len(line))
	}
	width := maxLen + 4

	lines := []string{"┌" + strings.Repeat("─", width-2) + "┐"}
	for _, line := range content {
		lines = append(lines, "│ "+line+strings.Repeat(" ", maxLen-len(line))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return asciiBox{lines: lines, width: width}
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	height := 0
	for _, box := range boxes {
		height = max(height, len(box.lines))
	}
	for row := 0; row < height; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}
