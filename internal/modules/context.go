package modules

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mplp/coordinator/pkg/schema"
)

// ExecutionContext is the run-scoped state handed to every module call.
// Stage results are guarded; everything else is set before the run starts.
type ExecutionContext struct {
	ExecutionID string
	ContextID   string
	Config      *schema.WorkflowConfiguration
	Input       map[string]any
	Metadata    map[string]any
	StartedAt   time.Time

	mu           sync.RWMutex
	currentStage schema.Stage
	updatedAt    time.Time
	results      map[schema.Stage]any
}

// NewExecutionContext creates the context for one run.
func NewExecutionContext(executionID, contextID string, cfg *schema.WorkflowConfiguration, input map[string]any) *ExecutionContext {
	now := time.Now().UTC()
	if input == nil {
		input = map[string]any{}
	}
	return &ExecutionContext{
		ExecutionID: executionID,
		ContextID:   contextID,
		Config:      cfg,
		Input:       input,
		Metadata:    map[string]any{},
		StartedAt:   now,
		updatedAt:   now,
		results:     make(map[schema.Stage]any),
	}
}

// SetCurrentStage records the stage being driven.
func (ec *ExecutionContext) SetCurrentStage(stage schema.Stage) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.currentStage = stage
	ec.updatedAt = time.Now().UTC()
}

// CurrentStage returns the stage last passed to SetCurrentStage.
func (ec *ExecutionContext) CurrentStage() schema.Stage {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.currentStage
}

// UpdatedAt returns the time of the last mutation.
func (ec *ExecutionContext) UpdatedAt() time.Time {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.updatedAt
}

// SetResult stores the result of a stage. Stages outside the configuration
// are rejected so the key set stays a subset of the configured stages.
func (ec *ExecutionContext) SetResult(stage schema.Stage, result any) error {
	if ec.Config != nil && !slices.Contains(ec.Config.Stages, stage) {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "stage %s is not part of this workflow", stage)
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.results[stage] = result
	ec.updatedAt = time.Now().UTC()
	return nil
}

// Result returns the stored result of a stage.
func (ec *ExecutionContext) Result(stage schema.Stage) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.results[stage]
	return v, ok
}

// Results returns a snapshot of all stored results.
func (ec *ExecutionContext) Results() map[schema.Stage]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return maps.Clone(ec.results)
}

// Keys returns the stages that have a result, in configuration order.
func (ec *ExecutionContext) Keys() []schema.Stage {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if ec.Config == nil {
		keys := slices.Collect(maps.Keys(ec.results))
		slices.Sort(keys)
		return keys
	}
	keys := make([]schema.Stage, 0, len(ec.results))
	for _, s := range ec.Config.Stages {
		if _, ok := ec.results[s]; ok {
			keys = append(keys, s)
		}
	}
	return keys
}

// Fork returns a copy whose results are frozen at the time of the call.
// Parallel stages read from a fork taken before they start.
func (ec *ExecutionContext) Fork() *ExecutionContext {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return &ExecutionContext{
		ExecutionID:  ec.ExecutionID,
		ContextID:    ec.ContextID,
		Config:       ec.Config,
		Input:        ec.Input,
		Metadata:     ec.Metadata,
		StartedAt:    ec.StartedAt,
		currentStage: ec.currentStage,
		updatedAt:    ec.updatedAt,
		results:      maps.Clone(ec.results),
	}
}
