package residency

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"batchd/internal/metrics"
)

// Ensure guarantees modelID is resident and returns a copy of its entry. A hit
// bumps the usage score and last-access time. A miss commits footprint bytes
// (evicting as needed) and loads the model; concurrent callers for the same
// model share one load. When the bytes are held by pinned or loading models
// Ensure waits for them, bounded by ctx.
func (m *Manager) Ensure(ctx context.Context, modelID string, footprint int64) (ModelEntry, error) {
	return m.ensure(ctx, modelID, footprint, false)
}

// Acquire is Ensure plus a pin: the model cannot be evicted or unloaded until
// the returned Lease is released.
func (m *Manager) Acquire(ctx context.Context, modelID string, footprint int64) (*Lease, error) {
	e, err := m.ensure(ctx, modelID, footprint, true)
	if err != nil {
		return nil, err
	}
	return &Lease{m: m, entry: e}, nil
}

// Touch records an access to a resident model. It returns false when the
// model is not loaded.
func (m *Manager) Touch(modelID string) bool {
	_, st, _ := m.touch(modelID, false, true, false)
	return st == touchHit
}

type touchState int

const (
	touchMiss touchState = iota
	touchHit
	// touchYield: the entry is idle and others wait for memory, so no new pin.
	touchYield
)

func (m *Manager) ensure(ctx context.Context, modelID string, footprint int64, pin bool) (ModelEntry, error) {
	if modelID == "" {
		return ModelEntry{}, errEmptyModelID
	}
	if footprint < 0 {
		return ModelEntry{}, errors.Errorf("negative footprint %d for %s", footprint, modelID)
	}
	waiting := false
	defer func() {
		if waiting {
			m.mu.Lock()
			m.waiters--
			m.notifyLocked()
			m.mu.Unlock()
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			return ModelEntry{}, err
		}
		e, st, changed := m.touch(modelID, pin, true, waiting)
		switch st {
		case touchHit:
			m.emit("ensure_hit", modelID, map[string]any{"score": e.Score})
			return e, nil
		case touchYield:
			if err := waitChanged(ctx, changed); err != nil {
				return ModelEntry{}, err
			}
			continue
		}

		// leader is only set by the caller whose closure performed a fresh load;
		// it is read after the result arrives on the channel.
		leader := false
		ch := m.flights.DoChan(modelID, func() (any, error) {
			fresh, err := m.load(modelID, footprint)
			leader = fresh
			return nil, err
		})
		select {
		case <-ctx.Done():
			go func() {
				if res := <-ch; res.Err == nil && leader {
					m.handoff(modelID, false)
				}
			}()
			return ModelEntry{}, ctx.Err()
		case res := <-ch:
			var wait memoryWaitError
			if errors.As(res.Err, &wait) {
				if !waiting {
					waiting = true
					m.mu.Lock()
					m.waiters++
					m.mu.Unlock()
				}
				m.emit("ensure_wait", modelID, map[string]any{"held": wait.Held})
				if err := waitChanged(ctx, wait.changed); err != nil {
					return ModelEntry{}, err
				}
				continue
			}
			if res.Err != nil {
				return ModelEntry{}, res.Err
			}
			if leader {
				// The load counted the leader's access and pinned the entry for it.
				if e, ok := m.handoff(modelID, pin); ok {
					return e, nil
				}
				continue
			}
			if e, st, _ := m.touch(modelID, pin, true, waiting); st == touchHit {
				return e, nil
			}
			// Evicted between the load and this caller, or yielding; go around.
		}
	}
}

func waitChanged(ctx context.Context, changed <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
		return nil
	}
}

// touch bumps (optionally) and pins (optionally) a loaded entry. A new pin on
// an idle entry gives way while callers wait for memory, unless the caller
// (self) is one of them.
func (m *Manager) touch(modelID string, pin, bump, self bool) (ModelEntry, touchState, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[modelID]
	if !ok || !e.Loaded {
		return ModelEntry{}, touchMiss, nil
	}
	if pin && !self && e.pins == 0 && m.waiters > 0 {
		return ModelEntry{}, touchYield, m.changed
	}
	if bump {
		e.Score++
		e.LastAccessed = m.now()
	}
	if pin {
		e.pins++
	}
	return e.ModelEntry, touchHit, nil
}

// handoff takes over the pin a fresh load leaves for its leader. Without
// keep the pin is dropped.
func (m *Manager) handoff(modelID string, keep bool) (ModelEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[modelID]
	if !ok || !e.Loaded {
		return ModelEntry{}, false
	}
	if !keep {
		m.unpinLocked(e)
	}
	return e.ModelEntry, true
}

// load runs once per model at a time (singleflight). It commits the memory and
// a placeholder entry under the lock, runs the loader outside it and then
// either marks the entry loaded, pinned once for the leader, or rolls
// everything back.
func (m *Manager) load(modelID string, footprint int64) (bool, error) {
	start := time.Now()
	m.emit("ensure_start", modelID, map[string]any{"footprint": footprint})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	if e, ok := m.entries[modelID]; ok && e.Loaded {
		m.mu.Unlock()
		return false, nil
	}
	victims, err := m.planEvictionLocked(modelID, footprint)
	if err != nil {
		m.mu.Unlock()
		if IsInsufficientMemory(err) {
			m.emit("ensure_insufficient_memory", modelID, map[string]any{"error": err.Error()})
		}
		return false, err
	}
	for _, v := range victims {
		m.removeLocked(v)
	}
	if !m.budget.allocate(footprint) {
		// planEvictionLocked guarantees the fit; reaching this is a bug.
		m.mu.Unlock()
		return false, errors.Errorf("budget refused %d bytes for %s after eviction", footprint, modelID)
	}
	e := &entry{ModelEntry: ModelEntry{ID: modelID, Footprint: footprint}}
	m.entries[modelID] = e
	metrics.SetMemory(m.budget.Allocated(), m.budget.Capacity())
	m.mu.Unlock()

	for _, v := range victims {
		m.evictionsTotal.Inc()
		metrics.IncEviction()
		m.closeHandle(v.ID, v.Handle)
		m.emit("evict", v.ID, map[string]any{"for": modelID, "score": v.Score, "footprint": v.Footprint})
	}

	m.emit("load_start", modelID, nil)
	ctx, cancel := context.WithTimeout(context.Background(), m.loadTimeout)
	defer cancel()
	h, err := m.loader.Load(ctx, modelID)

	m.mu.Lock()
	if err == nil && m.closed {
		m.removeLocked(e)
		m.mu.Unlock()
		m.closeHandle(modelID, h)
		metrics.ObserveLoad("error", time.Since(start))
		m.emit("load_error", modelID, map[string]any{"error": ErrClosed.Error()})
		return false, ErrClosed
	}
	if err != nil {
		m.removeLocked(e)
		m.mu.Unlock()
		metrics.ObserveLoad("error", time.Since(start))
		m.emit("load_error", modelID, map[string]any{"error": err.Error()})
		return false, LoadError{ModelID: modelID, Err: err}
	}
	e.Loaded = true
	e.Handle = h
	e.Score = 1
	e.LastAccessed = m.now()
	e.pins = 1
	m.mu.Unlock()

	m.loadsTotal.Inc()
	metrics.ObserveLoad("ok", time.Since(start))
	m.emit("load_done", modelID, map[string]any{"dur_ms": time.Since(start).Milliseconds()})
	return true, nil
}
