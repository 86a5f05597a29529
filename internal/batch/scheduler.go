// Package batch groups queued inference requests into priority-ordered
// batches and executes them per model against resident models.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"batchd/internal/metrics"
	"batchd/internal/residency"
	"batchd/internal/resilience"
	"batchd/pkg/types"
)

const (
	DefaultMaxBatchSize = 8
	DefaultMaxWait      = 50 * time.Millisecond

	workerBacklog = 16
)

// Residency pins models for the duration of a batch.
type Residency interface {
	Acquire(ctx context.Context, modelID string, footprint int64) (*residency.Lease, error)
}

// Executor runs one sub-batch on a resident model. Results must align with
// payloads by position.
type Executor interface {
	Execute(ctx context.Context, entry residency.ModelEntry, payloads []types.InferRequest) ([]types.InferResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, entry residency.ModelEntry, payloads []types.InferRequest) ([]types.InferResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, entry residency.ModelEntry, payloads []types.InferRequest) ([]types.InferResult, error) {
	return f(ctx, entry, payloads)
}

// Invoker wraps each executor call; *resilience.Invoker satisfies it.
type Invoker interface {
	Execute(ctx context.Context, target string, op resilience.Operation) error
}

type directInvoker struct{}

func (directInvoker) Execute(ctx context.Context, _ string, op resilience.Operation) error {
	return op(ctx)
}

// Config tunes a Scheduler.
type Config struct {
	MaxBatchSize int
	MaxWait      time.Duration
	// QueueDepth bounds pending requests; 0 leaves the queue unbounded.
	QueueDepth int
	Overflow   Overflow
	Residency  Residency
	Executor   Executor
	// Invoker defaults to calling the executor directly.
	Invoker Invoker
	Logger  *zerolog.Logger
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Depth             int
	MaxDepth          int
	MaxBatchSize      int
	MaxWait           time.Duration
	BatchesDispatched uint64
	Completed         uint64
	Failed            uint64
	Cancelled         uint64
	Shed              uint64
}

// Scheduler assembles batches from its intake queue. Enqueue may be called
// before Run; requests wait until the loop starts.
type Scheduler struct {
	maxBatch  int
	maxWait   time.Duration
	queue     *queue
	residency Residency
	executor  Executor
	invoker   Invoker
	log       zerolog.Logger
	now       func() time.Time

	running atomic.Bool
	workers *xsync.MapOf[string, *worker]
	wg      sync.WaitGroup

	batches   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	shed      atomic.Uint64
}

// New builds a Scheduler. Residency and Executor are required.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Residency == nil {
		return nil, errors.New("batch: residency is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("batch: executor is required")
	}
	switch cfg.Overflow {
	case "", OverflowReject, OverflowBlock, OverflowShed:
	default:
		return nil, errors.Errorf("batch: unknown overflow policy %q", cfg.Overflow)
	}
	s := &Scheduler{
		maxBatch:  cfg.MaxBatchSize,
		maxWait:   cfg.MaxWait,
		residency: cfg.Residency,
		executor:  cfg.Executor,
		invoker:   cfg.Invoker,
		workers:   xsync.NewMapOf[string, *worker](),
		now:       time.Now,
	}
	s.queue = newQueue(cfg.QueueDepth, cfg.Overflow, func(r *Request) {
		metrics.SetQueueDepth(s.queue.len())
		s.cancel(r, context.Cause(r.ctx))
	})
	if s.maxBatch <= 0 {
		s.maxBatch = DefaultMaxBatchSize
	}
	if s.maxWait <= 0 {
		s.maxWait = DefaultMaxWait
	}
	if s.invoker == nil {
		s.invoker = directInvoker{}
	}
	if cfg.Logger != nil {
		s.log = cfg.Logger.With().Str("component", "batch").Logger()
	} else {
		s.log = zerolog.Nop()
	}
	return s, nil
}

// Enqueue adds r to the intake. It fails with ErrQueueFull when a bounded
// queue refuses the request and ErrClosed after Run has returned. With the
// block overflow policy it waits for room until r's context ends.
func (s *Scheduler) Enqueue(r *Request) error {
	if r == nil {
		return errors.New("batch: nil request")
	}
	if r.cancelled() {
		return cancelled(r, context.Cause(r.ctx))
	}
	victim, err := s.queue.push(r, s.now)
	if err != nil {
		return err
	}
	if victim != nil {
		s.finish(victim, types.InferResult{}, errors.Wrapf(ErrShed, "request %s", victim.ID), outcomeShed)
		s.log.Debug().Str("request_id", victim.ID).Int("priority", victim.Priority).Msg("request_shed")
	}
	metrics.SetQueueDepth(s.queue.len())
	return nil
}

// Run assembles and dispatches batches until ctx ends. A batch is flushed as
// soon as it holds MaxBatchSize requests or MaxWait after its oldest request
// arrived. On return every pending request is resolved with ErrCancelled and
// in-flight batches have finished.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("batch: scheduler already running")
	}
	defer s.shutdown()
	// Dispatched batches run to completion even when ctx ends.
	execCtx := context.WithoutCancel(ctx)

	for {
		if err := s.waitForBatch(ctx); err != nil {
			return err
		}
		batch, dropped := s.queue.popBatch(s.maxBatch)
		metrics.SetQueueDepth(s.queue.len())
		for _, r := range dropped {
			s.cancel(r, context.Cause(r.ctx))
		}
		if len(batch) == 0 {
			continue
		}
		s.dispatch(execCtx, batch)
	}
}

// waitForBatch blocks until the fill condition holds.
func (s *Scheduler) waitForBatch(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := s.queue.len()
		if n >= s.maxBatch {
			return nil
		}
		var timeout <-chan time.Time
		if oldest, ok := s.queue.oldest(); ok {
			remaining := oldest.Add(s.maxWait).Sub(s.now())
			if remaining <= 0 {
				return nil
			}
			if timer == nil {
				timer = time.NewTimer(remaining)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(remaining)
			}
			timeout = timer.C
		}
		if err := s.queue.waitPush(ctx, timeout); err != nil {
			return err
		}
	}
}

// dispatch splits batch per model, keeping batch order within each model, and
// hands each sub-batch to that model's worker.
func (s *Scheduler) dispatch(ctx context.Context, batch []*Request) {
	s.batches.Inc()
	now := s.now()
	var order []string
	byModel := make(map[string][]*Request)
	for _, r := range batch {
		r.Dispatched = now
		metrics.ObserveQueueWait(now.Sub(r.Enqueued))
		if _, ok := byModel[r.Model]; !ok {
			order = append(order, r.Model)
		}
		byModel[r.Model] = append(byModel[r.Model], r)
	}
	s.log.Debug().Int("size", len(batch)).Strs("models", order).Msg("batch_dispatch")
	for _, model := range order {
		s.worker(ctx, model).submit(byModel[model])
	}
}

func (s *Scheduler) worker(ctx context.Context, model string) *worker {
	w, _ := s.workers.LoadOrCompute(model, func() *worker {
		w := &worker{model: model, s: s, in: make(chan []*Request, workerBacklog)}
		s.wg.Add(1)
		go w.run(ctx)
		return w
	})
	return w
}

func (s *Scheduler) shutdown() {
	for _, r := range s.queue.close() {
		s.cancel(r, errors.New("scheduler stopped"))
	}
	metrics.SetQueueDepth(0)
	s.workers.Range(func(_ string, w *worker) bool {
		close(w.in)
		return true
	})
	s.wg.Wait()
}

func (s *Scheduler) cancel(r *Request, cause error) {
	s.finish(r, types.InferResult{}, cancelled(r, cause), outcomeCancelled)
}

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
	outcomeShed      = "shed"
)

// finish resolves r and counts the outcome before the submitter wakes.
func (s *Scheduler) finish(r *Request, res types.InferResult, err error, outcome string) {
	r.resolve(res, err, func() {
		switch outcome {
		case outcomeCompleted:
			s.completed.Inc()
		case outcomeFailed:
			s.failed.Inc()
		case outcomeCancelled:
			s.cancelled.Inc()
		case outcomeShed:
			s.shed.Inc()
		}
		metrics.ObserveRequest(outcome)
	})
}

// Stats reports queue and outcome counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Depth:             s.queue.len(),
		MaxDepth:          s.queue.depth,
		MaxBatchSize:      s.maxBatch,
		MaxWait:           s.maxWait,
		BatchesDispatched: s.batches.Load(),
		Completed:         s.completed.Load(),
		Failed:            s.failed.Load(),
		Cancelled:         s.cancelled.Load(),
		Shed:              s.shed.Load(),
	}
}
