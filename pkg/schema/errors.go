package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration       = "CONFIGURATION_ERROR"
	ErrCodeStageTimeout        = "STAGE_TIMEOUT"
	ErrCodeStageExecution      = "STAGE_EXECUTION_ERROR"
	ErrCodeRetryExhausted      = "RETRY_EXHAUSTED"
	ErrCodeRollbackUnavailable = "ROLLBACK_UNAVAILABLE"
	ErrCodeInterventionNeeded  = "INTERVENTION_REQUIRED"
	ErrCodeBackpressure        = "BACKPRESSURE"
	ErrCodeModuleNotRegistered = "MODULE_NOT_REGISTERED"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeShutdown            = "SHUTDOWN"
)

// CoordinationError is the structured error type returned by the coordinator.
type CoordinationError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stage   Stage          `json:"stage,omitempty"`
	Cause   error          `json:"-"`
}

func (e *CoordinationError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CoordinationError) Unwrap() error {
	return e.Cause
}

// NewError creates a new CoordinationError.
func NewError(code, message string) *CoordinationError {
	return &CoordinationError{Code: code, Message: message}
}

// NewErrorf creates a new CoordinationError with a formatted message.
func NewErrorf(code, format string, args ...any) *CoordinationError {
	return &CoordinationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches the stage the error belongs to.
func (e *CoordinationError) WithStage(stage Stage) *CoordinationError {
	e.Stage = stage
	return e
}

// WithCause attaches an underlying cause.
func (e *CoordinationError) WithCause(err error) *CoordinationError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CoordinationError) WithDetails(details map[string]any) *CoordinationError {
	e.Details = details
	return e
}

// HasCode reports whether err (or anything it wraps) is a CoordinationError with the given code.
func HasCode(err error, code string) bool {
	var cerr *CoordinationError
	if errors.As(err, &cerr) {
		return cerr.Code == code
	}
	return false
}

// AsCoordinationError converts any error into a CoordinationError, using
// fallbackCode when err is not already one.
func AsCoordinationError(err error, fallbackCode string) *CoordinationError {
	if err == nil {
		return nil
	}
	var cerr *CoordinationError
	if errors.As(err, &cerr) {
		return cerr
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}
