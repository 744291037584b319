package engine

import (
	"github.com/mplp/coordinator/internal/resolver"
	"github.com/mplp/coordinator/pkg/schema"
)

// failureAction is what a run does after a stage failed terminally.
type failureAction int

const (
	actionAbort failureAction = iota
	actionContinue
	actionRollback
)

func (a failureAction) String() string {
	switch a {
	case actionContinue:
		return "continue"
	case actionRollback:
		return "rollback"
	default:
		return "abort"
	}
}

// decideFailureAction applies the workflow's error handling policy.
// continue_on_error wins over rollback_on_failure.
func decideFailureAction(policy schema.ErrorHandling) failureAction {
	switch {
	case policy.ContinueOnError:
		return actionContinue
	case policy.RollbackOnFailure:
		return actionRollback
	default:
		return actionAbort
	}
}

// terminalError builds the error reported for a stage once recovery gave up.
func terminalError(stage schema.Stage, cause *schema.CoordinationError, res resolver.RecoveryResult) *schema.CoordinationError {
	code := schema.ErrCodeStageExecution
	if cause != nil {
		code = cause.Code
	}
	if res.StrategyUsed == resolver.StrategyRetry {
		code = schema.ErrCodeRetryExhausted
	}

	msg := res.ErrorMessage
	if msg == "" && cause != nil {
		msg = cause.Message
	}
	err := schema.NewError(code, msg).WithStage(stage).WithDetails(map[string]any{
		"strategy_used": string(res.StrategyUsed),
		"retry_count":   res.RetryCount,
	})
	if cause != nil {
		err.WithCause(cause)
	}
	return err
}
