package batch

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrQueueFull rejects a request because the intake is at its depth limit.
	ErrQueueFull = errors.New("batch queue full")
	// ErrShed resolves a pending request displaced by a higher-priority one.
	ErrShed = errors.New("request shed from full queue")
	// ErrCancelled resolves a request whose context ended before dispatch or
	// that was still pending when the scheduler stopped.
	ErrCancelled = errors.New("request cancelled")
	// ErrClosed rejects requests after the scheduler has stopped.
	ErrClosed = errors.New("scheduler closed")

	errNotResolved = errors.New("request not resolved")
)

// ExecutionError fails every request of a sub-batch with the same cause.
type ExecutionError struct {
	ModelID   string
	BatchSize int
	Err       error
}

func (e ExecutionError) Error() string {
	return fmt.Sprintf("batch of %d on %s failed: %v", e.BatchSize, e.ModelID, e.Err)
}

func (e ExecutionError) Unwrap() error { return e.Err }

// IsExecutionError reports whether err is an ExecutionError.
func IsExecutionError(err error) bool {
	var e ExecutionError
	return errors.As(err, &e)
}

// IsBackpressure reports whether err means the intake refused or dropped the
// request because it was full.
func IsBackpressure(err error) bool {
	return errors.Is(err, ErrQueueFull) || errors.Is(err, ErrShed)
}

func cancelled(r *Request, cause error) error {
	if cause == nil {
		return errors.Wrapf(ErrCancelled, "request %s", r.ID)
	}
	return errors.Wrapf(ErrCancelled, "request %s (%v)", r.ID, cause)
}
