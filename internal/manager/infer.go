package manager

import (
	"context"
	"time"

	"batchd/internal/batch"
	"batchd/internal/residency"
	"batchd/internal/runtime"
	"batchd/pkg/types"
)

// Submit admits req for identity and enqueues it. Admission and memory
// failures are returned synchronously; execution outcomes arrive through the
// returned request's completion.
func (m *Manager) Submit(ctx context.Context, identity string, req types.InferRequest) (*batch.Request, error) {
	if st := m.State(); st != StateReady {
		return nil, notRunningError{state: st}
	}
	mdl, err := m.resolveModel(req.Model)
	if err != nil {
		return nil, err
	}
	req.Model = mdl.ID
	if err := runtime.Validate(req); err != nil {
		return nil, err
	}
	if capacity := m.residency.Snapshot().CapacityBytes; capacity > 0 && mdl.FootprintBytes > capacity {
		return nil, residency.InsufficientMemoryError{ModelID: mdl.ID, Footprint: mdl.FootprintBytes, Capacity: capacity}
	}
	if !m.limiter.Admit(identity, 1) {
		return nil, RateLimitError{Identity: identity}
	}
	r := batch.NewRequest(ctx, mdl.ID, mdl.FootprintBytes, req.Priority, req)
	if err := m.scheduler.Enqueue(r); err != nil {
		return nil, err
	}
	m.log.Debug().Str("request_id", r.ID).Str("model", mdl.ID).Str("identity", identity).Int("priority", req.Priority).Msg("enqueued")
	return r, nil
}

// Infer is Submit followed by waiting for the result.
func (m *Manager) Infer(ctx context.Context, identity string, req types.InferRequest) (types.InferResponse, error) {
	r, err := m.Submit(ctx, identity, req)
	if err != nil {
		return types.InferResponse{}, err
	}
	res, err := r.Wait(ctx)
	if err != nil {
		return types.InferResponse{}, err
	}
	return types.InferResponse{
		ID:          r.ID,
		Model:       r.Model,
		InferResult: res,
		QueuedMS:    queued(r).Milliseconds(),
	}, nil
}

func queued(r *batch.Request) time.Duration {
	if r.Dispatched.IsZero() {
		return 0
	}
	return r.Dispatched.Sub(r.Enqueued)
}
