package conditions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mplp/coordinator/pkg/schema"
)

type planResult struct {
	Approved bool `json:"approved"`
	Tasks    int  `json:"tasks"`
}

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator()
	require.NoError(t, err)
	return e
}

func TestEvaluate_UsesPriorResults(t *testing.T) {
	e := newEvaluator(t)
	data := Data{
		Results: map[schema.Stage]any{
			schema.StagePlan: planResult{Approved: false, Tasks: 3},
		},
		Input: map[string]any{"mode": "strict"},
	}

	ok, err := e.Evaluate(context.Background(), `results.plan.tasks > 2.0 && input.mode == "strict"`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(context.Background(), `results.plan.approved`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_MissingVariablesDefaultToEmpty(t *testing.T) {
	e := newEvaluator(t)
	ok, err := e.Evaluate(context.Background(), `!("plan" in results)`, Data{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompile_Errors(t *testing.T) {
	e := newEvaluator(t)

	err := e.Compile("results.plan ==")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))

	err = e.Compile(`"not a bool"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be boolean")

	assert.Error(t, e.Compile(""))
	assert.NoError(t, e.Compile("true"))
}

func TestEvaluate_NonBoolAtRuntime(t *testing.T) {
	e := newEvaluator(t)
	_, err := e.Evaluate(context.Background(), `input.count`, Data{Input: map[string]any{"count": 3}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want bool")
}

func TestEvaluate_CachesPrograms(t *testing.T) {
	e := newEvaluator(t)
	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), "true", Data{})
		require.NoError(t, err)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}
