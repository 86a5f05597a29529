package residency

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsure_LoadsOnceThenHits(t *testing.T) {
	ld := newCountingLoader()
	m := New(Config{CapacityBytes: 100, Loader: ld, Now: newStepClock().Now})
	ctx := context.Background()

	e, err := m.Ensure(ctx, "a", 10)
	require.NoError(t, err)
	assert.True(t, e.Loaded)
	assert.EqualValues(t, 1, e.Score)
	assert.NotNil(t, e.Handle)

	e2, err := m.Ensure(ctx, "a", 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, e2.Score)
	assert.True(t, e2.LastAccessed.After(e.LastAccessed))
	assert.Equal(t, 1, ld.Calls("a"))
	assert.EqualValues(t, 1, m.Snapshot().LoadsTotal)
	requireBudgetConsistent(t, m)
}

func TestTouch(t *testing.T) {
	m := New(Config{CapacityBytes: 100, Now: newStepClock().Now})
	assert.False(t, m.Touch("a"))
	_, err := m.Ensure(context.Background(), "a", 1)
	require.NoError(t, err)
	assert.True(t, m.Touch("a"))
	assert.True(t, m.Touch("a"))
	assert.EqualValues(t, 3, m.Snapshot().Entries[0].Score)
}

func TestEviction_ScoreThenRecency(t *testing.T) {
	ld := newCountingLoader()
	m := New(Config{CapacityBytes: 30, Loader: ld, Now: newStepClock().Now})
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		_, err := m.Ensure(ctx, id, 10)
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		require.True(t, m.Touch("C"))
	}
	// A and B share score 1; A is older.
	assert.Equal(t, []string{"A", "B", "C"}, m.EvictionOrder())

	_, err := m.Ensure(ctx, "D", 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"B", "C", "D"}, residentIDs(m))

	for i := 0; i < 10; i++ {
		require.True(t, m.Touch("D"))
	}
	_, err = m.Ensure(ctx, "E", 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"C", "D", "E"}, residentIDs(m))

	for i := 0; i < 10; i++ {
		require.True(t, m.Touch("E"))
	}
	_, err = m.Ensure(ctx, "F", 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"D", "E", "F"}, residentIDs(m))
	assert.EqualValues(t, 3, m.Snapshot().EvictionsTotal)
	requireBudgetConsistent(t, m)
}

func TestEviction_ClosesHandles(t *testing.T) {
	m := New(Config{CapacityBytes: 10, Loader: newCountingLoader(), Now: newStepClock().Now})
	ctx := context.Background()
	a, err := m.Ensure(ctx, "a", 10)
	require.NoError(t, err)
	_, err = m.Ensure(ctx, "b", 10)
	require.NoError(t, err)
	assert.True(t, a.Handle.(*closeTracker).Closed())
}

func TestEviction_FreesSeveralVictims(t *testing.T) {
	m := New(Config{CapacityBytes: 30, Now: newStepClock().Now})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Ensure(ctx, id, 10)
		require.NoError(t, err)
	}
	_, err := m.Ensure(ctx, "big", 25)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"big"}, residentIDs(m))
	requireBudgetConsistent(t, m)
}

func TestInsufficientMemory_LargerThanCapacity(t *testing.T) {
	pub := NewMemoryPublisher()
	m := New(Config{CapacityBytes: 10, Publisher: pub})
	_, err := m.Ensure(context.Background(), "a", 5)
	require.NoError(t, err)
	_, err = m.Ensure(context.Background(), "huge", 11)
	require.Error(t, err)
	assert.True(t, IsInsufficientMemory(err))
	// nothing was evicted for a model that can never fit
	assert.ElementsMatch(t, []string{"a"}, residentIDs(m))
	assert.Contains(t, pub.Names(), "ensure_insufficient_memory")
}

func TestEnsure_WaitsForPinnedModelThenEvictsIt(t *testing.T) {
	pub := NewMemoryPublisher()
	m := New(Config{CapacityBytes: 20, Publisher: pub})
	ctx := context.Background()
	lease, err := m.Acquire(ctx, "a", 15)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Ensure(ctx, "b", 10)
		done <- err
	}()
	require.Eventually(t, func() bool {
		for _, n := range pub.Names() {
			if n == "ensure_wait" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("ensure returned while a is pinned: %v", err)
	default:
	}
	assert.True(t, m.Resident("a"))
	assert.Empty(t, m.EvictionOrder())

	lease.Release()
	lease.Release()
	require.NoError(t, <-done)
	assert.False(t, m.Resident("a"))
	assert.True(t, m.Resident("b"))
	requireBudgetConsistent(t, m)
}

func TestEnsure_MemoryWaitIsBoundedByContext(t *testing.T) {
	m := New(Config{CapacityBytes: 20})
	lease, err := m.Acquire(context.Background(), "a", 15)
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "b", 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsInsufficientMemory(err))
	assert.Equal(t, []string{"a"}, residentIDs(m))
	requireBudgetConsistent(t, m)
}

// An idle model is not re-pinned while another caller waits for its memory.
func TestAcquire_IdleModelGivesWayToWaiter(t *testing.T) {
	m := New(Config{CapacityBytes: 10})
	ctx := context.Background()
	lease, err := m.Acquire(ctx, "a", 10)
	require.NoError(t, err)

	got := make(chan *Lease, 1)
	go func() {
		l, err := m.Acquire(ctx, "b", 10)
		if err == nil {
			got <- l
		}
	}()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.waiters == 1
	}, time.Second, time.Millisecond)

	lease.Release()
	again := make(chan *Lease, 1)
	go func() {
		l, err := m.Acquire(ctx, "a", 10)
		if err == nil {
			again <- l
		}
	}()

	var lb *Lease
	select {
	case lb = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("b never acquired")
	}
	assert.Equal(t, "b", lb.Entry().ID)
	lb.Release()
	select {
	case la := <-again:
		la.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("a never reacquired")
	}
	requireBudgetConsistent(t, m)
}

func TestEnsure_CoalescesConcurrentLoads(t *testing.T) {
	ld := newCountingLoader()
	ld.gate = make(chan struct{})
	m := New(Config{CapacityBytes: 100, Loader: ld})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Ensure(context.Background(), "m", 40)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return ld.Calls("m") == 1 }, time.Second, time.Millisecond)
	// loading entry is accounted but not loaded
	st := m.Snapshot()
	require.Len(t, st.Entries, 1)
	assert.False(t, st.Entries[0].Loaded)
	assert.EqualValues(t, 40, st.AllocatedBytes)

	close(ld.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, ld.Calls("m"))
	st = m.Snapshot()
	assert.EqualValues(t, n, st.Entries[0].Score)
	assert.EqualValues(t, 40, st.AllocatedBytes)
}

func TestEnsure_LoadingModelIsNotEvicted(t *testing.T) {
	ld := newCountingLoader()
	ld.gate = make(chan struct{})
	m := New(Config{CapacityBytes: 10, Loader: ld})

	done := make(chan error, 1)
	go func() {
		_, err := m.Ensure(context.Background(), "slow", 10)
		done <- err
	}()
	require.Eventually(t, func() bool { return ld.Calls("slow") == 1 }, time.Second, time.Millisecond)

	other := make(chan error, 1)
	go func() {
		_, err := m.Ensure(context.Background(), "other", 5)
		other <- err
	}()
	select {
	case err := <-other:
		t.Fatalf("other loaded while slow was loading: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 0, ld.Calls("other"))

	close(ld.gate)
	require.NoError(t, <-done)
	require.NoError(t, <-other)
	assert.True(t, m.Resident("other"))
	requireBudgetConsistent(t, m)
}

func TestClose_RollsBackLoadInFlight(t *testing.T) {
	ld := newCountingLoader()
	ld.gate = make(chan struct{})
	pub := NewMemoryPublisher()
	m := New(Config{CapacityBytes: 10, Loader: ld, Publisher: pub})

	done := make(chan error, 1)
	go func() {
		_, err := m.Ensure(context.Background(), "m", 5)
		done <- err
	}()
	require.Eventually(t, func() bool { return ld.Calls("m") == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Close())
	close(ld.gate)

	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Empty(t, m.Snapshot().Entries)
	assert.EqualValues(t, 0, m.Snapshot().AllocatedBytes)
	assert.Contains(t, pub.Names(), "load_error")

	_, err := m.Ensure(context.Background(), "n", 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEnsure_LoadFailureRollsBack(t *testing.T) {
	ld := newCountingLoader()
	boom := errors.New("boom")
	ld.fail["bad"] = boom
	pub := NewMemoryPublisher()
	m := New(Config{CapacityBytes: 10, Loader: ld, Publisher: pub})

	_, err := m.Ensure(context.Background(), "bad", 10)
	require.Error(t, err)
	assert.True(t, IsLoadError(err))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, m.Snapshot().Entries)
	assert.EqualValues(t, 0, m.Snapshot().AllocatedBytes)
	assert.Contains(t, pub.Names(), "load_error")
}

func TestEnsure_CallerCancellationDoesNotAbortSharedLoad(t *testing.T) {
	ld := newCountingLoader()
	ld.gate = make(chan struct{})
	m := New(Config{CapacityBytes: 100, Loader: ld})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := m.Ensure(ctx, "m", 10)
		errc <- err
	}()
	require.Eventually(t, func() bool { return ld.Calls("m") == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(ld.gate)
	require.Eventually(t, func() bool { return m.Resident("m") }, time.Second, time.Millisecond)
	assert.Equal(t, 1, ld.Calls("m"))
}

func TestEnsure_Validation(t *testing.T) {
	m := New(Config{})
	_, err := m.Ensure(context.Background(), "", 1)
	assert.Error(t, err)
	_, err = m.Ensure(context.Background(), "a", -1)
	assert.Error(t, err)
}

func TestUnlimitedCapacity(t *testing.T) {
	m := New(Config{})
	for i := 0; i < 5; i++ {
		_, err := m.Ensure(context.Background(), fmt.Sprint(i), 1<<40)
		require.NoError(t, err)
	}
	assert.Len(t, m.Snapshot().Entries, 5)
	requireBudgetConsistent(t, m)
}

func TestUnload(t *testing.T) {
	pub := NewMemoryPublisher()
	m := New(Config{CapacityBytes: 10, Loader: newCountingLoader(), Publisher: pub})
	ctx := context.Background()

	assert.True(t, IsNotResident(m.Unload("x")))

	lease, err := m.Acquire(ctx, "a", 5)
	require.NoError(t, err)
	assert.True(t, IsModelBusy(m.Unload("a")))
	lease.Release()

	require.NoError(t, m.Unload("a"))
	assert.False(t, m.Resident("a"))
	assert.True(t, lease.Entry().Handle.(*closeTracker).Closed())
	assert.EqualValues(t, 0, m.Snapshot().AllocatedBytes)
	assert.Equal(t, []string{"ensure_start", "load_start", "load_done", "unload_done"}, pub.Names())
}

func TestClose(t *testing.T) {
	m := New(Config{Loader: newCountingLoader()})
	e, err := m.Ensure(context.Background(), "a", 3)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	assert.True(t, e.Handle.(*closeTracker).Closed())
	assert.Empty(t, m.Snapshot().Entries)
}

// Random interleavings must keep the budget invariant after every step.
func TestBudgetInvariant_RandomOperations(t *testing.T) {
	m := New(Config{CapacityBytes: 100, Now: newStepClock().Now})
	rng := rand.New(rand.NewSource(7))
	base := context.Background()
	sizes := map[string]int64{}
	for i := 0; i < 10; i++ {
		sizes[fmt.Sprintf("m%d", i)] = int64(5 + rng.Intn(60))
	}
	var leases []*Lease
	for step := 0; step < 500; step++ {
		id := fmt.Sprintf("m%d", rng.Intn(10))
		// Held leases can make a step wait for memory forever.
		ctx, cancel := context.WithTimeout(base, time.Millisecond)
		switch rng.Intn(5) {
		case 0:
			_ = m.Unload(id)
		case 1:
			if l, err := m.Acquire(ctx, id, sizes[id]); err == nil {
				leases = append(leases, l)
			}
		case 2:
			if len(leases) > 0 {
				leases[0].Release()
				leases = leases[1:]
			}
		default:
			_, err := m.Ensure(ctx, id, sizes[id])
			if err != nil {
				require.ErrorIs(t, err, context.DeadlineExceeded)
			}
		}
		cancel()
		requireBudgetConsistent(t, m)
	}
}

func TestConcurrentEnsure_KeepsInvariant(t *testing.T) {
	m := New(Config{CapacityBytes: 50})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("m%d", (g+i)%7)
				if l, err := m.Acquire(context.Background(), id, 10); err == nil {
					l.Release()
				}
			}
		}(g)
	}
	wg.Wait()
	requireBudgetConsistent(t, m)
}
