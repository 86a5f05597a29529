package manager

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"batchd/internal/admission"
	"batchd/internal/batch"
	"batchd/internal/registry"
	"batchd/internal/residency"
	"batchd/internal/resilience"
	"batchd/internal/runtime"
	"batchd/internal/upstream"
	"batchd/pkg/types"
)

// State represents the lifecycle state of the manager.
type State string

const (
	StateIdle     State = "idle"
	StateReady    State = "ready"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Manager owns the scheduling components and their lifecycle.
type Manager struct {
	catalog         *registry.Catalog
	defaultModel    string
	rt              runtime.Runtime
	limiter         *admission.Limiter
	admissionPolicy string
	residency       *residency.Manager
	invoker         *resilience.Invoker
	scheduler       *batch.Scheduler
	upstreams       *upstream.Client
	log             zerolog.Logger
	startTime       time.Time

	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs the batch scheduler until ctx ends or Close is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return errors.Errorf("manager is %s", m.state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		if err := m.scheduler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error().Err(err).Msg("scheduler stopped")
		}
		m.mu.Lock()
		m.state = StateStopped
		m.mu.Unlock()
	}()
	m.state = StateReady
	m.log.Info().Str("runtime", m.rt.Name()).Int("models", m.catalog.Len()).Msg("manager started")
	return nil
}

// Close stops the scheduler, resolving pending requests as cancelled, waits
// for in-flight batches and unloads every resident model.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	if m.state == StateReady {
		m.state = StateStopping
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
	return m.residency.Close()
}

// Ready reports whether the manager accepts requests.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ListModels returns a copy of the registry.
func (m *Manager) ListModels() []types.Model {
	return m.catalog.List()
}

// resolveModel applies the default model and looks the id up.
func (m *Manager) resolveModel(id string) (types.Model, error) {
	if id == "" {
		id = m.defaultModel
		if id == "" {
			return types.Model{}, modelNotFoundError{id: "(unspecified)"}
		}
	}
	mdl, ok := m.catalog.Get(id)
	if !ok {
		return types.Model{}, modelNotFoundError{id: id}
	}
	return mdl, nil
}
