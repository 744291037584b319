package modules

import (
	"context"
	"sync/atomic"

	"github.com/mplp/coordinator/pkg/schema"
)

// Passthrough is a module that echoes the run input together with the
// results of the stages before it. It backs dry runs.
type Passthrough struct {
	kind        schema.Stage
	initialized atomic.Bool
	calls       atomic.Int64
}

// NewPassthrough creates a Passthrough module for kind.
func NewPassthrough(kind schema.Stage) *Passthrough {
	return &Passthrough{kind: kind}
}

// PassthroughSet returns one Passthrough module per stage.
func PassthroughSet(stages ...schema.Stage) []Module {
	if len(stages) == 0 {
		stages = schema.AllStages()
	}
	out := make([]Module, 0, len(stages))
	for _, s := range stages {
		out = append(out, NewPassthrough(s))
	}
	return out
}

func (p *Passthrough) Kind() schema.Stage { return p.kind }

func (p *Passthrough) Initialize(context.Context) error {
	p.initialized.Store(true)
	return nil
}

func (p *Passthrough) Execute(ctx context.Context, ec *ExecutionContext) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.calls.Add(1)

	prior := make(map[string]any)
	for stage, v := range ec.Results() {
		prior[string(stage)] = v
	}
	return map[string]any{
		"stage":      string(p.kind),
		"context_id": ec.ContextID,
		"input":      ec.Input,
		"prior":      prior,
	}, nil
}

func (p *Passthrough) Cleanup(context.Context) error {
	p.initialized.Store(false)
	return nil
}

func (p *Passthrough) Status() Status {
	return Status{
		Kind:        p.kind,
		Initialized: p.initialized.Load(),
		Healthy:     true,
		Details:     map[string]any{"calls": p.calls.Load()},
	}
}
