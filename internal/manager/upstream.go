package manager

import (
	"context"

	"github.com/google/uuid"

	"batchd/internal/runtime"
	"batchd/pkg/types"
)

// Upstreams lists the configured remote targets.
func (m *Manager) Upstreams() []string { return m.upstreams.Names() }

// CallUpstream admits req for identity and forwards it to the named remote
// service through the resilient invoker.
func (m *Manager) CallUpstream(ctx context.Context, identity, name string, req types.InferRequest) (types.InferResponse, error) {
	if st := m.State(); st != StateReady {
		return types.InferResponse{}, notRunningError{state: st}
	}
	if err := runtime.Validate(req); err != nil {
		return types.InferResponse{}, err
	}
	if !m.limiter.Admit(identity, 1) {
		return types.InferResponse{}, RateLimitError{Identity: identity}
	}
	res, err := m.upstreams.Call(ctx, name, req)
	if err != nil {
		return types.InferResponse{}, err
	}
	return types.InferResponse{ID: uuid.NewString(), Model: req.Model, InferResult: res}, nil
}
