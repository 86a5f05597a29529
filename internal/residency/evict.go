package residency

import "sort"

// planEvictionLocked picks the victims needed to fit footprint more bytes. It
// returns nothing when the bytes already fit. When the candidates are not
// enough but pinned or loading entries hold the rest, it returns a
// memoryWaitError; the caller waits for them to go idle and plans again. An
// InsufficientMemoryError is returned only when footprint can never fit.
//
// Candidates are loaded, unpinned entries ranked by usage score, then by least
// recent access.
func (m *Manager) planEvictionLocked(modelID string, footprint int64) ([]*entry, error) {
	if m.budget.fits(footprint) {
		return nil, nil
	}
	insufficient := InsufficientMemoryError{
		ModelID:   modelID,
		Footprint: footprint,
		Capacity:  m.budget.Capacity(),
		Allocated: m.budget.Allocated(),
	}
	if footprint > m.budget.Capacity() {
		return nil, insufficient
	}
	need := m.budget.Allocated() + footprint - m.budget.Capacity()

	cands := m.evictionOrderLocked()
	var victims []*entry
	var freed int64
	for _, c := range cands {
		victims = append(victims, c)
		freed += c.Footprint
		if freed >= need {
			return victims, nil
		}
	}
	insufficient.Evictable = freed
	var held int64
	for _, e := range m.entries {
		if !e.Loaded || e.pins > 0 {
			held += e.Footprint
		}
	}
	if freed+held >= need {
		return nil, memoryWaitError{InsufficientMemoryError: insufficient, Held: held, changed: m.changed}
	}
	return nil, insufficient
}

// evictionOrderLocked returns evictable entries, first victim first.
func (m *Manager) evictionOrderLocked() []*entry {
	cands := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.Loaded || e.pins > 0 {
			continue
		}
		cands = append(cands, e)
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.Before(b.LastAccessed)
		}
		return a.ID < b.ID
	})
	return cands
}

// EvictionOrder lists the ids of evictable models, next victim first.
func (m *Manager) EvictionOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cands := m.evictionOrderLocked()
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.ID
	}
	return out
}
