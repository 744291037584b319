package conditions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mplp/coordinator/pkg/schema"
)

// Evaluator decides whether a stage should run, using Google's Common
// Expression Language. Compiled programs are cached and safe for concurrent use.
//
// The environment exposes three variables:
//   - results:  map(string, dyn), prior stage results keyed by stage name
//   - input:    map(string, dyn), workflow input
//   - metadata: map(string, dyn), execution metadata (context_id, execution_id, ...)
type Evaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator creates a CEL evaluator with a sandboxed environment.
func NewEvaluator() (*Evaluator, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("results", mapType),
		cel.Variable("input", mapType),
		cel.Variable("metadata", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Compile checks that an expression is well formed and boolean.
func (e *Evaluator) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Data is the activation a condition is evaluated against.
type Data struct {
	Results  map[schema.Stage]any
	Input    map[string]any
	Metadata map[string]any
}

// Evaluate runs the expression and returns its boolean outcome.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, data Data) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	activation, err := buildActivation(data)
	if err != nil {
		return false, err
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeStageExecution,
			"condition evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeConfiguration,
			"condition %q returned %T, want bool", expression, out.Value())
	}
	return b, nil
}

func (e *Evaluator) getOrCompile(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "empty condition expression")
	}

	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"condition compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"condition %q must be boolean, got %s", expression, out)
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"condition program error for %q: %s", expression, err.Error()).
			WithCause(err)
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation converts the data into plain JSON-shaped maps so that
// module results of any Go type are visible to CEL.
func buildActivation(data Data) (map[string]any, error) {
	results := make(map[string]any, len(data.Results))
	for stage, v := range data.Results {
		results[string(stage)] = v
	}

	activation := make(map[string]any, 3)
	for key, v := range map[string]any{
		"results":  results,
		"input":    data.Input,
		"metadata": data.Metadata,
	} {
		normalized, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("prepare condition variable %s: %w", key, err)
		}
		activation[key] = normalized
	}
	return activation, nil
}

func normalize(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
