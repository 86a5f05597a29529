package residency

// Unload removes a resident model and frees its memory. It refuses while the
// model is loading or pinned by a running batch.
func (m *Manager) Unload(modelID string) error {
	if modelID == "" {
		return errEmptyModelID
	}
	m.mu.Lock()
	e, ok := m.entries[modelID]
	if !ok {
		m.mu.Unlock()
		return notResidentError{id: modelID}
	}
	if !e.Loaded || e.pins > 0 {
		m.mu.Unlock()
		return modelBusyError{id: modelID}
	}
	m.removeLocked(e)
	m.mu.Unlock()

	m.closeHandle(modelID, e.Handle)
	m.emit("unload_done", modelID, map[string]any{"footprint": e.Footprint})
	return nil
}

// Close drops every loaded model regardless of pins. Loads still running are
// rolled back when they finish and later loads fail with ErrClosed. Call it
// after the scheduler has stopped.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.notifyLocked()
	var dropped []*entry
	for _, e := range m.entries {
		if !e.Loaded {
			continue
		}
		m.removeLocked(e)
		dropped = append(dropped, e)
	}
	m.mu.Unlock()
	for _, e := range dropped {
		m.closeHandle(e.ID, e.Handle)
		m.emit("unload_done", e.ID, map[string]any{"footprint": e.Footprint})
	}
	return nil
}
