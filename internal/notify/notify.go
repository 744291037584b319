// Package notify delivers failure-resolver and workflow notifications to
// external sinks.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mplp/coordinator/internal/resolver"
)

// Message is the payload a sink delivers.
type Message struct {
	Channel   string         `json:"channel"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// LogHandler writes notifications to logger.
func LogHandler(logger *zap.Logger) resolver.NotificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("notify")
	return func(_ context.Context, channel, message string, data map[string]any) error {
		logger.Info(message, zap.String("channel", channel), zap.Any("data", data))
		return nil
	}
}

// Fanout delivers to every handler and joins their errors.
func Fanout(handlers ...resolver.NotificationHandler) resolver.NotificationHandler {
	return func(ctx context.Context, channel, message string, data map[string]any) error {
		var errs []error
		for _, h := range handlers {
			if h == nil {
				continue
			}
			if err := h(ctx, channel, message, data); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
