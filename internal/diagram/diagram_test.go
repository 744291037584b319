package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mplp/coordinator/pkg/schema"
)

func sequential() *schema.WorkflowConfiguration {
	return &schema.WorkflowConfiguration{
		Name:       "nightly",
		Stages:     []schema.Stage{schema.StageContext, schema.StagePlan, schema.StageTrace},
		TimeoutMs:  1000,
		Conditions: map[schema.Stage]string{schema.StageTrace: "input.trace == true"},
	}
}

func TestBuild_Sequential(t *testing.T) {
	m, err := Build(sequential(), nil)
	require.NoError(t, err)

	assert.Equal(t, "nightly / sequential", m.Title)
	require.Len(t, m.Nodes, 5)
	assert.Equal(t, [][]string{{startID}, {"context"}, {"plan"}, {"trace"}, {endID}}, m.Levels)
	assert.Equal(t, []Edge{
		{From: startID, To: "context"},
		{From: "context", To: "plan"},
		{From: "plan", To: "trace", Label: "if input.trace == true"},
		{From: "trace", To: endID},
	}, m.Edges)
	assert.Equal(t, NodeKindGuarded, m.node("trace").Kind)
}

func TestBuild_Parallel(t *testing.T) {
	cfg := sequential()
	cfg.ParallelExecution = true
	m, err := Build(cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{startID}, {"context", "plan", "trace"}, {endID}}, m.Levels)
	assert.Len(t, m.Edges, 6)
}

func TestBuild_RequiresStages(t *testing.T) {
	_, err := Build(&schema.WorkflowConfiguration{}, nil)
	require.Error(t, err)
	_, err = Build(nil, nil)
	require.Error(t, err)
}

func TestBuild_StatusOverlay(t *testing.T) {
	result := &schema.WorkflowExecutionResult{
		ExecutionID: "exec-1",
		Status:      schema.WorkflowStatusFailed,
		Stages: []schema.StageExecutionResult{
			{Stage: schema.StageContext, Status: schema.StageStatusCompleted, DurationMs: 12, Attempts: 1},
			{Stage: schema.StagePlan, Status: schema.StageStatusFailed, Attempts: 3,
				Error: schema.NewError(schema.ErrCodeRetryExhausted, "boom")},
		},
	}
	m, err := Build(sequential(), result)
	require.NoError(t, err)

	assert.Equal(t, "nightly / sequential / exec-1 failed", m.Title)
	require.NotNil(t, m.node("plan").Status)
	assert.Equal(t, schema.StageStatusFailed, m.node("plan").Status.Status)
	assert.Contains(t, m.node("plan").Status.Error, "boom")
	assert.Nil(t, m.node("trace").Status, "unreached stages carry no overlay")
}

func TestRenderMermaid(t *testing.T) {
	result := &schema.WorkflowExecutionResult{
		Stages: []schema.StageExecutionResult{
			{Stage: schema.StageContext, Status: schema.StageStatusCompleted, Attempts: 1},
			{Stage: schema.StagePlan, Status: schema.StageStatusFailed, Attempts: 2},
		},
	}
	m, err := Build(sequential(), result)
	require.NoError(t, err)
	out := RenderMermaid(m)

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, `context["context"]`)
	assert.Contains(t, out, `plan["plan (2 attempts)"]`)
	assert.Contains(t, out, `trace{"trace"}`)
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, `plan -->|"if input.trace == true"| trace`)
	assert.Contains(t, out, "class context completed")
	assert.Contains(t, out, "class plan failed")
	assert.NotContains(t, out, "class trace")
}

func TestRenderASCII(t *testing.T) {
	result := &schema.WorkflowExecutionResult{
		Stages: []schema.StageExecutionResult{
			{Stage: schema.StageContext, Status: schema.StageStatusCompleted, DurationMs: 5, Attempts: 1},
			{Stage: schema.StagePlan, Status: schema.StageStatusSkipped, Attempts: 1},
		},
	}
	m, err := Build(sequential(), result)
	require.NoError(t, err)
	out := RenderASCII(m)

	assert.Contains(t, out, "=== nightly / sequential ===")
	assert.Contains(t, out, "│ context │")
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "[SKIP]")
	assert.Contains(t, out, "if input.trace == true")
	assert.Equal(t, 4, strings.Count(out, "▼"))
}
