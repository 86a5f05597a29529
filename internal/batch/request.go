package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"batchd/pkg/types"
)

// Request is one unit of work waiting for a batch. It is resolved exactly once.
type Request struct {
	ID        string
	Model     string
	Footprint int64
	// Priority ranks requests; lower values are served first.
	Priority int
	Payload  types.InferRequest
	Enqueued time.Time
	// Dispatched is set when the request leaves the queue in a batch.
	Dispatched time.Time

	ctx   context.Context
	seq   uint64
	index int
	// unwatch stops the queue's cancellation watch once the request leaves it.
	unwatch func() bool

	once   sync.Once
	done   chan struct{}
	result types.InferResult
	err    error
}

// NewRequest builds a request bound to ctx. Cancelling ctx before the request
// is handed to the executor resolves it with ErrCancelled.
func NewRequest(ctx context.Context, model string, footprint int64, priority int, payload types.InferRequest) *Request {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Request{
		ID:        uuid.NewString(),
		Model:     model,
		Footprint: footprint,
		Priority:  priority,
		Payload:   payload,
		ctx:       ctx,
		index:     -1,
		done:      make(chan struct{}),
	}
}

// Done is closed once the request is resolved.
func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (r *Request) Result() (types.InferResult, error) {
	select {
	case <-r.done:
		return r.result, r.err
	default:
		return types.InferResult{}, errNotResolved
	}
}

// Wait blocks until the request is resolved or ctx ends.
func (r *Request) Wait(ctx context.Context) (types.InferResult, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return types.InferResult{}, ctx.Err()
	}
}

// Seq is the arrival sequence number assigned at enqueue.
func (r *Request) Seq() uint64 { return r.seq }

func (r *Request) cancelled() bool { return r.ctx.Err() != nil }

// resolve sets the outcome; later calls are ignored. record runs before
// waiters are released.
func (r *Request) resolve(res types.InferResult, err error, record func()) bool {
	ok := false
	r.once.Do(func() {
		r.result = res
		r.err = err
		if record != nil {
			record()
		}
		close(r.done)
		ok = true
	})
	return ok
}
