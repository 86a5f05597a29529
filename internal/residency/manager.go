package residency

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"batchd/internal/metrics"
)

const defaultLoadTimeout = 5 * time.Minute

// Handle is whatever the loader returns for a resident model. Handles that
// implement io.Closer are closed when the model leaves residency.
type Handle = any

// Loader brings a model into memory.
type Loader interface {
	Load(ctx context.Context, modelID string) (Handle, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, modelID string) (Handle, error)

func (f LoaderFunc) Load(ctx context.Context, modelID string) (Handle, error) { return f(ctx, modelID) }

// ModelEntry describes a resident (or loading) model.
type ModelEntry struct {
	ID           string
	Footprint    int64
	Score        uint64
	LastAccessed time.Time
	Loaded       bool
	Handle       Handle
}

type entry struct {
	ModelEntry
	pins int
}

// Config holds Manager tunables.
type Config struct {
	// CapacityBytes bounds the sum of resident footprints; 0 disables the bound.
	CapacityBytes int64
	Loader        Loader
	// LoadTimeout bounds a single load; defaults to 5m.
	LoadTimeout time.Duration
	Publisher   EventPublisher
	Logger      *zerolog.Logger
	Now         func() time.Time
}

// Manager owns the memory budget and the residency map.
type Manager struct {
	mu          sync.Mutex
	budget      Budget
	entries     map[string]*entry
	flights     singleflight.Group
	loader      Loader
	loadTimeout time.Duration
	publisher   EventPublisher
	log         zerolog.Logger
	now         func() time.Time
	closed      bool

	// changed is closed and replaced whenever memory may have become
	// available: a lease or load pin dropped, a load finished or an entry left.
	changed chan struct{}
	// waiters counts callers blocked on memory held by pinned or loading
	// entries. While it is non-zero new pins on idle entries give way.
	waiters int

	loadsTotal     atomic.Uint64
	evictionsTotal atomic.Uint64
}

// New builds a Manager. A nil Loader loads nothing and returns a nil handle.
func New(cfg Config) *Manager {
	m := &Manager{
		budget:      Budget{capacity: cfg.CapacityBytes},
		entries:     make(map[string]*entry),
		loader:      cfg.Loader,
		loadTimeout: cfg.LoadTimeout,
		publisher:   cfg.Publisher,
		now:         cfg.Now,
		changed:     make(chan struct{}),
	}
	if m.loader == nil {
		m.loader = LoaderFunc(func(context.Context, string) (Handle, error) { return nil, nil })
	}
	if m.loadTimeout <= 0 {
		m.loadTimeout = defaultLoadTimeout
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if cfg.Logger != nil {
		m.log = cfg.Logger.With().Str("component", "residency").Logger()
	} else {
		m.log = zerolog.Nop()
	}
	metrics.SetMemory(0, cfg.CapacityBytes)
	return m
}

// EntrySnapshot is a copy of an entry plus its pin count.
type EntrySnapshot struct {
	ModelEntry
	Pins int
}

// Status is a read-only projection of the manager.
type Status struct {
	CapacityBytes  int64
	AllocatedBytes int64
	Entries        []EntrySnapshot
	LoadsTotal     uint64
	EvictionsTotal uint64
}

// Snapshot returns the current state sorted by model id.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		CapacityBytes:  m.budget.Capacity(),
		AllocatedBytes: m.budget.Allocated(),
		Entries:        make([]EntrySnapshot, 0, len(m.entries)),
		LoadsTotal:     m.loadsTotal.Load(),
		EvictionsTotal: m.evictionsTotal.Load(),
	}
	for _, e := range m.entries {
		st.Entries = append(st.Entries, EntrySnapshot{ModelEntry: e.ModelEntry, Pins: e.pins})
	}
	sort.Slice(st.Entries, func(i, j int) bool { return st.Entries[i].ID < st.Entries[j].ID })
	return st
}

// Resident reports whether modelID is loaded.
func (m *Manager) Resident(modelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[modelID]
	return ok && e.Loaded
}

// removeLocked drops e from residency and releases its memory. Callers hold mu
// and close the handle after unlocking.
func (m *Manager) removeLocked(e *entry) {
	delete(m.entries, e.ID)
	m.budget.release(e.Footprint)
	metrics.SetMemory(m.budget.Allocated(), m.budget.Capacity())
	m.notifyLocked()
}

func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// unpinLocked drops one pin and wakes memory waiters when e becomes idle.
func (m *Manager) unpinLocked(e *entry) {
	if e.pins == 0 {
		return
	}
	e.pins--
	if e.pins == 0 {
		m.notifyLocked()
	}
}

func (m *Manager) closeHandle(id string, h Handle) {
	c, ok := h.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		m.log.Warn().Err(err).Str("model", id).Msg("close handle")
	}
}
