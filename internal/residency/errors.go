package residency

import (
	"fmt"

	"github.com/pkg/errors"
)

// InsufficientMemoryError reports that a model cannot fit even after evicting
// every evictable resident model. It is terminal for the request.
type InsufficientMemoryError struct {
	ModelID   string
	Footprint int64
	Capacity  int64
	Allocated int64
	Evictable int64
}

func (e InsufficientMemoryError) Error() string {
	return fmt.Sprintf("insufficient memory for %s: need %d bytes, capacity %d, allocated %d, evictable %d",
		e.ModelID, e.Footprint, e.Capacity, e.Allocated, e.Evictable)
}

// IsInsufficientMemory reports whether err is an InsufficientMemoryError.
func IsInsufficientMemory(err error) bool {
	var e InsufficientMemoryError
	return errors.As(err, &e)
}

// memoryWaitError means the model fits once pinned or loading entries go idle.
// It never leaves the package.
type memoryWaitError struct {
	InsufficientMemoryError
	Held    int64
	changed <-chan struct{}
}

func (e memoryWaitError) Error() string {
	return fmt.Sprintf("waiting for memory for %s: %d bytes held by busy models", e.ModelID, e.Held)
}

// LoadError wraps a loader failure.
type LoadError struct {
	ModelID string
	Err     error
}

func (e LoadError) Error() string { return "load " + e.ModelID + ": " + e.Err.Error() }
func (e LoadError) Unwrap() error { return e.Err }

// IsLoadError reports whether err came from the loader.
func IsLoadError(err error) bool {
	var e LoadError
	return errors.As(err, &e)
}

type modelBusyError struct{ id string }

func (e modelBusyError) Error() string { return "model busy: " + e.id }

// IsModelBusy reports whether an unload was refused because the model is
// loading or executing.
func IsModelBusy(err error) bool {
	var e modelBusyError
	return errors.As(err, &e)
}

type notResidentError struct{ id string }

func (e notResidentError) Error() string { return "model not resident: " + e.id }

// IsNotResident reports whether the model was not resident.
func IsNotResident(err error) bool {
	var e notResidentError
	return errors.As(err, &e)
}

var errEmptyModelID = errors.New("empty model id")

// ErrClosed is returned by loads started or finished after Close.
var ErrClosed = errors.New("residency manager closed")
