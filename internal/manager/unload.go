package manager

// Unload evicts a resident model on operator request. It fails while the
// model is loading or executing a batch.
func (m *Manager) Unload(modelID string) error {
	if _, ok := m.catalog.Get(modelID); !ok {
		return ErrModelNotFound(modelID)
	}
	if err := m.residency.Unload(modelID); err != nil {
		return err
	}
	m.log.Info().Str("model", modelID).Msg("unloaded")
	return nil
}
