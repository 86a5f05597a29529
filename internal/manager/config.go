package manager

import (
	"context"
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

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Registry     []types.Model
	DefaultModel string
	// Runtime loads and executes models; defaults to the llama runtime.
	Runtime runtime.Runtime
	// Limiter gates Submit; nil admits everything.
	Limiter *admission.Limiter
	// AdmissionPolicy names the limiter policy in Status.
	AdmissionPolicy string

	MemoryCapacityBytes int64
	LoadTimeout         time.Duration

	MaxBatchSize int
	MaxWait      time.Duration
	QueueDepth   int
	Overflow     batch.Overflow

	Resilience resilience.Config
	Upstreams  []upstream.Target

	Publisher residency.EventPublisher
	Logger    *zerolog.Logger
}

// NewWithConfig constructs a Manager from ManagerConfig. Call Start to begin
// dispatching batches.
func NewWithConfig(cfg ManagerConfig) (*Manager, error) {
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	rt := cfg.Runtime
	if rt == nil {
		rt = runtime.NewLlama(runtime.LlamaConfig{})
	}
	m := &Manager{
		catalog:         registry.NewCatalog(cfg.Registry),
		defaultModel:    cfg.DefaultModel,
		rt:              rt,
		limiter:         cfg.Limiter,
		admissionPolicy: cfg.AdmissionPolicy,
		log:             log.With().Str("component", "manager").Logger(),
		state:           StateIdle,
		startTime:       time.Now(),
	}
	if m.limiter == nil {
		m.limiter = admission.New(func(string) admission.Policy { return admission.Unlimited{} }, admission.Options{Name: "off"})
		m.admissionPolicy = "off"
	}
	if m.defaultModel != "" {
		if _, ok := m.catalog.Get(m.defaultModel); !ok {
			return nil, errors.Errorf("default model %q is not in the registry", m.defaultModel)
		}
	}

	m.residency = residency.New(residency.Config{
		CapacityBytes: cfg.MemoryCapacityBytes,
		Loader:        residency.LoaderFunc(m.loadModel),
		LoadTimeout:   cfg.LoadTimeout,
		Publisher:     cfg.Publisher,
		Logger:        &log,
	})
	rc := cfg.Resilience
	rc.Logger = &log
	m.invoker = resilience.New(rc)

	sched, err := batch.New(batch.Config{
		MaxBatchSize: cfg.MaxBatchSize,
		MaxWait:      cfg.MaxWait,
		QueueDepth:   cfg.QueueDepth,
		Overflow:     cfg.Overflow,
		Residency:    m.residency,
		Executor:     rt,
		Invoker:      m.invoker,
		Logger:       &log,
	})
	if err != nil {
		return nil, err
	}
	m.scheduler = sched

	m.upstreams, err = upstream.New(cfg.Upstreams, m.invoker, &log)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// loadModel is the residency loader: it resolves the registry entry and asks
// the runtime to load it.
func (m *Manager) loadModel(ctx context.Context, modelID string) (residency.Handle, error) {
	mdl, ok := m.catalog.Get(modelID)
	if !ok {
		return nil, ErrModelNotFound(modelID)
	}
	return m.rt.Load(ctx, mdl)
}
