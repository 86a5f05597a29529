package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"

	"batchd/internal/batch"
	"batchd/internal/manager"
	"batchd/internal/residency"
	"batchd/internal/resilience"
	"batchd/internal/runtime"
	"batchd/pkg/types"
)

func TestInfer_ErrorMapping(t *testing.T) {
	circuit := resilience.CircuitOpenError{Target: "m1", RetryAfter: 1500 * time.Millisecond}
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"rate limit", manager.RateLimitError{Identity: "a"}, http.StatusTooManyRequests},
		{"queue full", batch.ErrQueueFull, http.StatusTooManyRequests},
		{"shed", errors.Wrap(batch.ErrShed, "r1"), http.StatusTooManyRequests},
		{"model not found", manager.ErrModelNotFound("m-missing"), http.StatusNotFound},
		{"insufficient memory", residency.InsufficientMemoryError{ModelID: "m", Footprint: 10, Capacity: 5}, http.StatusInsufficientStorage},
		{"dependency unavailable", runtime.ErrDependencyUnavailable("llama support not built"), http.StatusServiceUnavailable},
		{"circuit open", circuit, http.StatusServiceUnavailable},
		{"circuit open inside execution", batch.ExecutionError{ModelID: "m1", BatchSize: 2, Err: circuit}, http.StatusServiceUnavailable},
		{"execution", batch.ExecutionError{ModelID: "m1", BatchSize: 2, Err: errors.New("boom")}, http.StatusBadGateway},
		{"invalid", runtime.Validate(types.InferRequest{Prompt: "x", TopP: 3}), http.StatusBadRequest},
		{"closed", batch.ErrClosed, http.StatusServiceUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, c := range cases {
		w := postInfer(NewMux(&mockService{inferErr: c.err}), "/infer", `{"prompt":"hi"}`)
		if w.Code != c.want {
			t.Fatalf("%s: expected %d, got %d", c.name, c.want, w.Code)
		}
	}
}

func TestInfer_CircuitOpenSetsRetryAfter(t *testing.T) {
	err := resilience.CircuitOpenError{Target: "m1", RetryAfter: 1500 * time.Millisecond}
	w := postInfer(NewMux(&mockService{inferErr: err}), "/infer", `{"prompt":"hi"}`)
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After=%q", got)
	}
}

func TestUnload_NotFound(t *testing.T) {
	w := httptest.NewRecorder()
	NewMux(&mockService{unloadErr: manager.ErrModelNotFound("x")}).ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/models/x", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", w.Code)
	}
}

func rateLimited() error { return manager.RateLimitError{Identity: "a"} }
