package manager

import (
	"context"
	"testing"
	"time"

	"batchd/internal/runtime"
	"batchd/pkg/types"
)

// testModels is a small registry whose footprints make two models fit in 100 bytes.
func testModels() []types.Model {
	return []types.Model{
		{ID: "a.gguf", Name: "a", Path: "/models/a.gguf", FootprintBytes: 40},
		{ID: "b.gguf", Name: "b", Path: "/models/b.gguf", FootprintBytes: 40},
		{ID: "c.gguf", Name: "c", Path: "/models/c.gguf", FootprintBytes: 60},
		{ID: "huge.gguf", Name: "huge", Path: "/models/huge.gguf", FootprintBytes: 1000},
	}
}

// newStarted builds a manager on the sim runtime and starts it. It is closed
// on test cleanup.
func newStarted(t *testing.T, cfg ManagerConfig) (*Manager, *runtime.Sim) {
	t.Helper()
	sim := runtime.NewSim(runtime.SimConfig{})
	if cfg.Registry == nil {
		cfg.Registry = testModels()
	}
	if cfg.Runtime == nil {
		cfg.Runtime = sim
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 5 * time.Millisecond
	}
	m, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, sim
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
