package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"batchd/internal/residency"
	"batchd/internal/resilience"
	"batchd/pkg/types"
)

// SimConfig tunes the simulated runtime.
type SimConfig struct {
	// LoadDelay is spent in every Load.
	LoadDelay time.Duration
	// ExecDelay is spent once per Execute, whatever the batch size.
	ExecDelay time.Duration
	MaxTokens int
}

// Sim loads nothing and answers every prompt by echoing it. It keeps counters
// so callers can observe batching.
type Sim struct {
	cfg SimConfig

	mu      sync.Mutex
	loads   map[string]int
	batches []int
}

// NewSim builds a simulated runtime.
func NewSim(cfg SimConfig) *Sim {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 64
	}
	return &Sim{cfg: cfg, loads: map[string]int{}}
}

func (s *Sim) Name() string { return "sim" }

type simModel struct {
	id     string
	mu     sync.Mutex
	closed bool
}

func (m *simModel) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (s *Sim) Load(ctx context.Context, mdl types.Model) (residency.Handle, error) {
	if err := wait(ctx, s.cfg.LoadDelay); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.loads[mdl.ID]++
	s.mu.Unlock()
	return &simModel{id: mdl.ID}, nil
}

func (s *Sim) Execute(ctx context.Context, entry residency.ModelEntry, payloads []types.InferRequest) ([]types.InferResult, error) {
	h, ok := entry.Handle.(*simModel)
	if !ok {
		return nil, resilience.Permanent(errors.Errorf("model %s has no sim handle", entry.ID))
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, errors.Errorf("model %s was unloaded", entry.ID)
	}
	for _, req := range payloads {
		if err := Validate(req); err != nil {
			return nil, err
		}
	}
	if err := wait(ctx, s.cfg.ExecDelay); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.batches = append(s.batches, len(payloads))
	s.mu.Unlock()

	out := make([]types.InferResult, len(payloads))
	for i, req := range payloads {
		words := strings.Fields(req.Prompt)
		limit := ParamsFor(req, s.cfg.MaxTokens).MaxTokens
		finish := "stop"
		if len(words) > limit {
			words = words[:limit]
			finish = "length"
		}
		text := fmt.Sprintf("[%s] %s", entry.ID, strings.Join(words, " "))
		out[i] = types.InferResult{Content: text, FinishReason: finish, Usage: usage(req.Prompt, strings.Join(words, " "))}
	}
	return out, nil
}

// Loads returns how many times id was loaded.
func (s *Sim) Loads(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[id]
}

// BatchSizes lists the size of every executed batch in order.
func (s *Sim) BatchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.batches...)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
