package diagram

import (
	"fmt"
	"strings"

	"github.com/mplp/coordinator/pkg/schema"
)

// Build lays out cfg as a diagram. Sequential workflows form a chain;
// parallel ones fan out from start and join at end. A non-nil result
// overlays each stage's outcome.
func Build(cfg *schema.WorkflowConfiguration, result *schema.WorkflowExecutionResult) (*Model, error) {
	if cfg == nil || len(cfg.Stages) == 0 {
		return nil, fmt.Errorf("diagram: workflow has no stages")
	}

	outcomes := make(map[schema.Stage]schema.StageExecutionResult)
	if result != nil {
		for _, sr := range result.Stages {
			outcomes[sr.Stage] = sr
		}
	}

	m := &Model{Title: title(cfg, result)}
	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, stage := range cfg.Stages {
		n := &Node{ID: string(stage), Label: string(stage), Kind: NodeKindStage}
		if expr := cfg.Conditions[stage]; expr != "" {
			n.Kind = NodeKindGuarded
			n.Condition = expr
		}
		if sr, ok := outcomes[stage]; ok {
			n.Status = &StatusOverlay{Status: sr.Status, DurationMs: sr.DurationMs, Attempts: sr.Attempts}
			if sr.Error != nil {
				n.Status.Error = sr.Error.Error()
			}
		}
		m.Nodes = append(m.Nodes, n)
	}
	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	stageIDs := make([]string, len(cfg.Stages))
	for i, s := range cfg.Stages {
		stageIDs[i] = string(s)
	}

	if cfg.ParallelExecution {
		m.Levels = [][]string{{startID}, stageIDs, {endID}}
		for _, id := range stageIDs {
			m.Edges = append(m.Edges, Edge{From: startID, To: id, Label: edgeLabel(m.node(id))})
			m.Edges = append(m.Edges, Edge{From: id, To: endID})
		}
		return m, nil
	}

	m.Levels = append(m.Levels, []string{startID})
	prev := startID
	for _, id := range stageIDs {
		m.Levels = append(m.Levels, []string{id})
		m.Edges = append(m.Edges, Edge{From: prev, To: id, Label: edgeLabel(m.node(id))})
		prev = id
	}
	m.Levels = append(m.Levels, []string{endID})
	m.Edges = append(m.Edges, Edge{From: prev, To: endID})
	return m, nil
}

func edgeLabel(to *Node) string {
	if to == nil || to.Condition == "" {
		return ""
	}
	return "if " + to.Condition
}

func title(cfg *schema.WorkflowConfiguration, result *schema.WorkflowExecutionResult) string {
	var parts []string
	if cfg.Name != "" {
		parts = append(parts, cfg.Name)
	}
	mode := "sequential"
	if cfg.ParallelExecution {
		mode = "parallel"
	}
	parts = append(parts, mode)
	if result != nil && result.ExecutionID != "" {
		parts = append(parts, fmt.Sprintf("%s %s", result.ExecutionID, result.Status))
	}
	return strings.Join(parts, " / ")
}
