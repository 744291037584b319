package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mplp/coordinator/internal/logging"
	"github.com/mplp/coordinator/internal/modules"
	"github.com/mplp/coordinator/pkg/schema"
)

// rollback compensates completed stages in strict reverse completion order.
// Compensation is best effort: failures are logged and the run's outcome
// stays as decided.
func (o *orchestrator) rollback(ctx context.Context, run *workflowRun) {
	ctx = context.WithoutCancel(ctx)
	log := logging.LogWith(ctx, o.logger)
	completed := run.completedStages()
	log.Info("rolling back completed stages", zap.Int("count", len(completed)))

	for i := len(completed) - 1; i >= 0; i-- {
		stage := completed[i]
		result, _ := run.ec.Result(stage)

		compensated := false
		if m, ok := o.modules.Lookup(stage); ok {
			if c, ok := m.(modules.Compensator); ok {
				if err := o.compensate(ctx, c, run.ec, result); err != nil {
					log.Warn("stage compensation failed", zap.String("stage", string(stage)), zap.Error(err))
				} else {
					compensated = true
				}
			}
		}
		o.onRollback(ctx, stage, run.ec, result)

		o.emit(ctx, schema.CoordinationEvent{
			EventType:   schema.EventStageRolledBack,
			ExecutionID: run.id,
			Stage:       stage,
			Data:        map[string]any{"compensated": compensated},
		})
	}
}

func (o *orchestrator) compensate(ctx context.Context, c modules.Compensator, ec *modules.ExecutionContext, result any) (err error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.ModuleTimeoutMs)*time.Millisecond)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panicked: %v", r)
		}
	}()
	return c.Compensate(ctx, ec, result)
}
