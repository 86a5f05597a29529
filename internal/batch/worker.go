package batch

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"batchd/internal/metrics"
	"batchd/internal/resilience"
	"batchd/pkg/types"
)

// worker executes sub-batches for one model in dispatch order.
type worker struct {
	model string
	s     *Scheduler
	in    chan []*Request
}

func (w *worker) submit(reqs []*Request) { w.in <- reqs }

func (w *worker) run(ctx context.Context) {
	defer w.s.wg.Done()
	for reqs := range w.in {
		w.execute(ctx, reqs)
	}
}

// execute drops requests cancelled since assembly, pins the model and calls
// the executor once for the rest. Waiting for residency ends early when every
// request of the sub-batch is cancelled.
func (w *worker) execute(ctx context.Context, reqs []*Request) {
	s := w.s
	live := w.live(reqs)
	if len(live) == 0 {
		return
	}

	actx, stop := anyLive(ctx, live)
	lease, err := s.residency.Acquire(actx, w.model, live[0].Footprint)
	stop()
	if err != nil {
		if live = w.live(live); len(live) == 0 {
			return
		}
		s.log.Warn().Err(err).Str("model", w.model).Int("size", len(live)).Msg("batch_residency_failed")
		metrics.ObserveBatch(w.model, len(live), "residency_error")
		w.fail(live, err)
		return
	}
	// Acquire may have loaded the model; drop what was cancelled meanwhile.
	if live = w.live(live); len(live) == 0 {
		lease.Release()
		return
	}
	payloads := make([]types.InferRequest, len(live))
	for i, r := range live {
		payloads[i] = r.Payload
	}
	var results []types.InferResult
	err = s.invoker.Execute(ctx, w.model, func(ctx context.Context) error {
		out, err := s.executor.Execute(ctx, lease.Entry(), payloads)
		if err != nil {
			return err
		}
		if len(out) != len(payloads) {
			return resilience.Permanent(errors.Errorf("executor returned %d results for %d requests", len(out), len(payloads)))
		}
		results = out
		return nil
	})
	lease.Release()
	if err != nil {
		s.log.Warn().Err(err).Str("model", w.model).Int("size", len(live)).Msg("batch_failed")
		metrics.ObserveBatch(w.model, len(live), "error")
		w.fail(live, ExecutionError{ModelID: w.model, BatchSize: len(live), Err: err})
		return
	}
	metrics.ObserveBatch(w.model, len(live), "ok")
	for i, r := range live {
		s.finish(r, results[i], nil, outcomeCompleted)
	}
}

// live resolves cancelled requests and returns the rest in order.
func (w *worker) live(reqs []*Request) []*Request {
	out := reqs[:0:0]
	for _, r := range reqs {
		if r.cancelled() {
			w.s.cancel(r, context.Cause(r.ctx))
			continue
		}
		out = append(out, r)
	}
	return out
}

// anyLive derives a context from parent that ends once every request's
// context has ended.
func anyLive(parent context.Context, reqs []*Request) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	left := atomic.NewInt64(int64(len(reqs)))
	stops := make([]func() bool, 0, len(reqs))
	for _, r := range reqs {
		stops = append(stops, context.AfterFunc(r.ctx, func() {
			if left.Dec() == 0 {
				cancel()
			}
		}))
	}
	return ctx, func() {
		for _, st := range stops {
			st()
		}
		cancel()
	}
}

func (w *worker) fail(reqs []*Request, err error) {
	for _, r := range reqs {
		w.s.finish(r, types.InferResult{}, err, outcomeFailed)
	}
}
