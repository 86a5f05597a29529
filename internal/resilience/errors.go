package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Retryable is implemented by errors that know whether another attempt can
// succeed. Errors that do not implement it are retried.
type Retryable interface {
	Retryable() bool
}

type permanentError struct{ err error }

func (e permanentError) Error() string   { return e.err.Error() }
func (e permanentError) Unwrap() error   { return e.err }
func (e permanentError) Retryable() bool { return false }

// Permanent marks err as not worth retrying. It returns nil for nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsRetryable classifies err. Context cancellation and deadlines are never
// retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// CircuitOpenError is returned without attempting the call while the target's
// breaker is open. Cause is the failure that opened it, when known.
type CircuitOpenError struct {
	Target     string
	RetryAfter time.Duration
	Cause      error
}

func (e CircuitOpenError) Error() string {
	msg := fmt.Sprintf("circuit open for %s (retry after %s)", e.Target, e.RetryAfter.Round(time.Millisecond))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e CircuitOpenError) Unwrap() error { return e.Cause }

// IsCircuitOpen reports whether err is a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var e CircuitOpenError
	return errors.As(err, &e)
}

// RetriesExhaustedError wraps the last failure once every attempt was used.
type RetriesExhaustedError struct {
	Target   string
	Attempts int
	Err      error
}

func (e RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Target, e.Attempts, e.Err)
}

func (e RetriesExhaustedError) Unwrap() error { return e.Err }

// IsRetriesExhausted reports whether err is a RetriesExhaustedError.
func IsRetriesExhausted(err error) bool {
	var e RetriesExhaustedError
	return errors.As(err, &e)
}
