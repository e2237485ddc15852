package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrDelivery           = errors.New("delivery failed")
	ErrLogging            = errors.New("crm logging failed")
	ErrFatalConfiguration = errors.New("fatal configuration error")
	ErrQuotaConflict      = errors.New("quota changed concurrently")
	ErrNotFound           = errors.New("not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrRunInProgress      = errors.New("another run is in progress")
)

// ValidationError describes a single bad input row or field.
type ValidationError struct {
	Row     int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("row %d: %s %s", e.Row, e.Field, e.Message)
	}
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ExternalError wraps a failure of a collaborator outside the process.
// Err should wrap the sentinel for its class (ErrServiceUnavailable,
// ErrDelivery, ErrLogging).
type ExternalError struct {
	Service   string
	Op        string
	Retryable bool
	Err       error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// NewExternalError builds an ExternalError whose chain carries both kind and cause.
func NewExternalError(service, op string, kind error, cause error, retryable bool) *ExternalError {
	var err error = kind
	if cause != nil {
		err = fmt.Errorf("%w: %w", kind, cause)
	}
	return &ExternalError{Service: service, Op: op, Retryable: retryable, Err: err}
}

// StageError ties a run failure to the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is transient and the call may be repeated.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ext *ExternalError
	if errors.As(err, &ext) {
		return ext.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
