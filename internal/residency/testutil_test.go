package residency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stepClock advances by one second on every read so access order is strict.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// countingLoader records loads and can block or fail per model.
type countingLoader struct {
	mu    sync.Mutex
	calls map[string]int
	gate  chan struct{}
	fail  map[string]error
}

func newCountingLoader() *countingLoader {
	return &countingLoader{calls: map[string]int{}, fail: map[string]error{}}
}

func (l *countingLoader) Load(ctx context.Context, id string) (Handle, error) {
	l.mu.Lock()
	l.calls[id]++
	gate := l.gate
	err := l.fail[id]
	l.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &closeTracker{id: id}, nil
}

func (l *countingLoader) Calls(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[id]
}

type closeTracker struct {
	mu     sync.Mutex
	id     string
	closed bool
}

func (c *closeTracker) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *closeTracker) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// requireBudgetConsistent checks allocated <= capacity and that resident
// footprints add up to the allocation.
func requireBudgetConsistent(t *testing.T, m *Manager) {
	t.Helper()
	st := m.Snapshot()
	if st.CapacityBytes > 0 {
		require.LessOrEqual(t, st.AllocatedBytes, st.CapacityBytes)
	}
	var sum int64
	for _, e := range st.Entries {
		sum += e.Footprint
	}
	require.Equal(t, sum, st.AllocatedBytes)
}

func residentIDs(m *Manager) []string {
	var out []string
	for _, e := range m.Snapshot().Entries {
		out = append(out, e.ID)
	}
	return out
}
