package manager

import (
	"github.com/pkg/errors"

	"batchd/internal/batch"
	"batchd/internal/runtime"
)

// RateLimitError reports that admission refused the request. Callers should
// retry later.
type RateLimitError struct{ Identity string }

func (e RateLimitError) Error() string {
	if e.Identity == "" {
		return "rate limit exceeded"
	}
	return "rate limit exceeded for " + e.Identity
}

// IsRateLimited reports whether err is a RateLimitError.
func IsRateLimited(err error) bool {
	var e RateLimitError
	return errors.As(err, &e)
}

// modelNotFoundError is returned when a requested model id is not present in the registry.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// Missing models stay missing.
func (e modelNotFoundError) Retryable() bool { return false }

func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// notRunningError rejects work while the manager is not started or is stopping.
type notRunningError struct{ state State }

func (e notRunningError) Error() string { return "manager not running: " + string(e.state) }

// IsNotRunning reports whether err was caused by a stopped manager.
func IsNotRunning(err error) bool {
	var e notRunningError
	return errors.As(err, &e) || errors.Is(err, batch.ErrClosed)
}

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool { return batch.IsBackpressure(err) }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool { return runtime.IsDependencyUnavailable(err) }
