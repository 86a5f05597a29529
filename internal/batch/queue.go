package batch

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Overflow selects what a bounded queue does with a request that does not fit.
type Overflow string

const (
	// OverflowReject fails the newcomer with ErrQueueFull.
	OverflowReject Overflow = "reject"
	// OverflowBlock makes Enqueue wait for room or for the request's context.
	OverflowBlock Overflow = "block"
	// OverflowShed drops the lowest-ranked pending request when the newcomer
	// outranks it; otherwise the newcomer is rejected.
	OverflowShed Overflow = "shed"
)

// requestHeap orders by (Priority, seq): lower priority value first, then
// arrival order.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool { return before(h[i], h[j]) }

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	r := x.(*Request)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

func before(a, b *Request) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.seq < b.seq
}

// queue is the scheduler intake. Producers push concurrently; the scheduler
// loop is the only consumer.
type queue struct {
	mu       sync.Mutex
	items    requestHeap
	seq      uint64
	depth    int
	overflow Overflow
	closed   bool

	// notify wakes the consumer after a push.
	notify chan struct{}
	// space is closed and replaced whenever items leave the queue.
	space chan struct{}
	// dropped resolves a request removed because its context ended.
	dropped func(*Request)
}

func newQueue(depth int, overflow Overflow, dropped func(*Request)) *queue {
	if overflow == "" {
		overflow = OverflowReject
	}
	return &queue{
		depth:    depth,
		overflow: overflow,
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}),
		dropped:  dropped,
	}
}

// push admits r, applying the overflow policy when the queue is bounded and
// full. The returned shed request, if any, must be resolved by the caller.
func (q *queue) push(r *Request, now func() time.Time) (shed *Request, err error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if q.depth <= 0 || len(q.items) < q.depth {
			q.insertLocked(r, now())
			q.mu.Unlock()
			q.wake()
			return nil, nil
		}
		switch q.overflow {
		case OverflowShed:
			worst := q.worstLocked()
			r.seq = q.seq + 1
			if worst == nil || !before(r, worst) {
				q.mu.Unlock()
				return nil, ErrQueueFull
			}
			q.removeLocked(worst)
			q.insertLocked(r, now())
			q.mu.Unlock()
			q.wake()
			return worst, nil
		case OverflowBlock:
			space := q.space
			q.mu.Unlock()
			select {
			case <-space:
			case <-r.ctx.Done():
				return nil, r.ctx.Err()
			}
		default:
			q.mu.Unlock()
			return nil, ErrQueueFull
		}
	}
}

func (q *queue) insertLocked(r *Request, now time.Time) {
	q.seq++
	r.seq = q.seq
	r.Enqueued = now
	heap.Push(&q.items, r)
	r.unwatch = context.AfterFunc(r.ctx, func() { q.cancelled(r) })
}

// removeLocked takes r out of the heap and stops watching its context.
func (q *queue) removeLocked(r *Request) {
	heap.Remove(&q.items, r.index)
	q.unwatchLocked(r)
}

func (q *queue) popLocked() *Request {
	r := heap.Pop(&q.items).(*Request)
	q.unwatchLocked(r)
	return r
}

func (q *queue) unwatchLocked(r *Request) {
	if r.unwatch != nil {
		r.unwatch()
		r.unwatch = nil
	}
}

// cancelled removes r as soon as its context ends, frees its slot and
// resolves it. A request already popped is left to its batch.
func (q *queue) cancelled(r *Request) {
	q.mu.Lock()
	if r.index < 0 || r.index >= len(q.items) || q.items[r.index] != r {
		q.mu.Unlock()
		return
	}
	heap.Remove(&q.items, r.index)
	r.unwatch = nil
	q.freedLocked()
	q.mu.Unlock()
	q.wake()
	if q.dropped != nil {
		q.dropped(r)
	}
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// worstLocked returns the request that would be served last.
func (q *queue) worstLocked() *Request {
	var worst *Request
	for _, it := range q.items {
		if worst == nil || before(worst, it) {
			worst = it
		}
	}
	return worst
}

// oldest returns the earliest enqueue time among pending requests.
func (q *queue) oldest() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	t := q.items[0].Enqueued
	for _, it := range q.items[1:] {
		if it.Enqueued.Before(t) {
			t = it.Enqueued
		}
	}
	return t, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// popBatch removes up to n requests in rank order, separating the ones whose
// context already ended.
func (q *queue) popBatch(n int) (batch, dropped []*Request) {
	q.mu.Lock()
	for len(q.items) > 0 && len(batch) < n {
		r := q.popLocked()
		if r.cancelled() {
			dropped = append(dropped, r)
			continue
		}
		batch = append(batch, r)
	}
	q.freedLocked()
	q.mu.Unlock()
	return batch, dropped
}

// close rejects further pushes and returns everything still pending.
func (q *queue) close() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := make([]*Request, 0, len(q.items))
	for len(q.items) > 0 {
		rest = append(rest, q.popLocked())
	}
	q.freedLocked()
	return rest
}

func (q *queue) freedLocked() {
	close(q.space)
	q.space = make(chan struct{})
}

// waitPush blocks until a push happens or ctx ends.
func (q *queue) waitPush(ctx context.Context, timeout <-chan time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.notify:
	case <-timeout:
	}
	return nil
}
