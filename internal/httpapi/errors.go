package httpapi

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"batchd/internal/batch"
	"batchd/internal/manager"
	"batchd/internal/residency"
	"batchd/internal/resilience"
	"batchd/internal/runtime"
	"batchd/internal/upstream"
	"batchd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFor maps scheduler errors to an HTTP status. The second result names
// the backpressure reason for 429s.
func statusFor(err error) (int, string) {
	var he HTTPError
	var se upstream.StatusError
	switch {
	case manager.IsRateLimited(err):
		return http.StatusTooManyRequests, "rate_limit"
	case errors.Is(err, batch.ErrShed):
		return http.StatusTooManyRequests, "shed"
	case manager.IsTooBusy(err):
		return http.StatusTooManyRequests, "queue_full"
	// ExecutionError wraps the circuit error, so this case comes first.
	case resilience.IsCircuitOpen(err):
		return http.StatusServiceUnavailable, ""
	case residency.IsInsufficientMemory(err):
		return http.StatusInsufficientStorage, ""
	case manager.IsModelNotFound(err), upstream.IsUnknownTarget(err), residency.IsNotResident(err):
		return http.StatusNotFound, ""
	case residency.IsModelBusy(err):
		return http.StatusConflict, ""
	case runtime.IsInvalidRequest(err):
		return http.StatusBadRequest, ""
	case manager.IsDependencyUnavailable(err), manager.IsNotRunning(err), errors.Is(err, batch.ErrCancelled):
		return http.StatusServiceUnavailable, ""
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ""
	case errors.As(err, &se), batch.IsExecutionError(err), resilience.IsRetriesExhausted(err):
		return http.StatusBadGateway, ""
	case errors.As(err, &he):
		return he.StatusCode(), ""
	default:
		return http.StatusInternalServerError, ""
	}
}

// writeServiceError writes err with its mapped status, setting Retry-After
// while a circuit is open.
func writeServiceError(w http.ResponseWriter, err error) int {
	status, reason := statusFor(err)
	if reason != "" {
		IncrementBackpressure(reason)
	}
	var co resilience.CircuitOpenError
	if errors.As(err, &co) && co.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(co.RetryAfter.Seconds()))))
	}
	writeJSONError(w, status, err.Error())
	return status
}
