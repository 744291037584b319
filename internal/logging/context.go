package logging

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	stageKey
	taskIDKey
)

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithStage returns a context with the stage name set.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey, stage)
}

// WithTaskID returns a context with the failure-resolution task ID set.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// Stage extracts the stage name from the context, or "" if absent.
func Stage(ctx context.Context) string {
	v, _ := ctx.Value(stageKey).(string)
	return v
}

// TaskID extracts the task ID from the context, or "" if absent.
func TaskID(ctx context.Context) string {
	v, _ := ctx.Value(taskIDKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, executionID, stage, taskID string) context.Context {
	ctx = WithExecutionID(ctx, executionID)
	ctx = WithStage(ctx, stage)
	ctx = WithTaskID(ctx, taskID)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as fields.
func LogWith(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	var fields []zap.Field
	if v := ExecutionID(ctx); v != "" {
		fields = append(fields, zap.String("execution_id", v))
	}
	if v := Stage(ctx); v != "" {
		fields = append(fields, zap.String("stage", v))
	}
	if v := TaskID(ctx); v != "" {
		fields = append(fields, zap.String("task_id", v))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
