// Package modules holds the stage modules a workflow run dispatches to.
package modules

import (
	"context"

	"github.com/mplp/coordinator/pkg/schema"
)

// Status is the health a module reports about itself.
type Status struct {
	Kind        schema.Stage   `json:"kind"`
	Initialized bool           `json:"initialized"`
	Healthy     bool           `json:"healthy"`
	Details     map[string]any `json:"details,omitempty"`
}

// Module executes one stage. Exactly one module serves each stage kind.
type Module interface {
	Kind() schema.Stage
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, ec *ExecutionContext) (any, error)
	Cleanup(ctx context.Context) error
	Status() Status
}

// Compensator is implemented by modules that can undo a completed stage.
type Compensator interface {
	Compensate(ctx context.Context, ec *ExecutionContext, result any) error
}
