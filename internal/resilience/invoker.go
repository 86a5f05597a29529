// Package resilience wraps downstream calls with per-target circuit breakers
// and bounded exponential retry.
package resilience

import (
	"context"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"batchd/internal/metrics"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultBaseDelay        = 100 * time.Millisecond
)

// Config tunes an Invoker. Zero values take the defaults above; a negative
// BaseDelay disables backoff and MaxDelay 0 leaves it uncapped.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	// MaxRetries is the total number of attempts per Execute, at least 1.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *zerolog.Logger
	Now        func() time.Time
}

// Invoker runs operations against named targets. Each target has its own
// breaker; one target's failures never affect another.
type Invoker struct {
	threshold int
	cooldown  time.Duration
	attempts  int
	backoff   BackoffPolicy
	circuits  *xsync.MapOf[string, *circuit]
	log       zerolog.Logger
	now       func() time.Time
}

// New builds an Invoker from cfg.
func New(cfg Config) *Invoker {
	iv := &Invoker{
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		attempts:  cfg.MaxRetries,
		backoff:   ExponentialBackoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		circuits:  xsync.NewMapOf[string, *circuit](),
		now:       cfg.Now,
	}
	if iv.threshold <= 0 {
		iv.threshold = DefaultFailureThreshold
	}
	if iv.cooldown <= 0 {
		iv.cooldown = DefaultCooldown
	}
	if iv.attempts <= 0 {
		iv.attempts = DefaultMaxRetries
	}
	switch {
	case cfg.BaseDelay == 0:
		iv.backoff = ExponentialBackoff{Base: DefaultBaseDelay, Max: cfg.MaxDelay}
	case cfg.BaseDelay < 0:
		iv.backoff = ExponentialBackoff{}
	}
	if iv.now == nil {
		iv.now = time.Now
	}
	if cfg.Logger != nil {
		iv.log = cfg.Logger.With().Str("component", "resilience").Logger()
	} else {
		iv.log = zerolog.Nop()
	}
	return iv
}

// Operation is one attempt of a downstream call.
type Operation func(ctx context.Context) error

// Execute runs op against target. While the breaker admits calls it retries
// retryable failures with exponential backoff; an open breaker fails fast with
// CircuitOpenError. Non-retryable errors are returned as they are, after a
// single attempt, and are not counted against the breaker.
func (iv *Invoker) Execute(ctx context.Context, target string, op Operation) error {
	c := iv.circuit(target)
	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := c.acquire(iv.now(), iv.cooldown)
		if !p.ok {
			cause := p.cause
			if last != nil {
				cause = last
			}
			return CircuitOpenError{Target: target, RetryAfter: p.retryAfter, Cause: cause}
		}
		if p.moved {
			iv.transition(target, StateHalfOpen, nil)
		}

		err := op(ctx)
		if err == nil {
			if c.success() {
				iv.transition(target, StateClosed, nil)
			}
			return nil
		}
		if !IsRetryable(err) {
			c.release(p.probe)
			return err
		}
		last = err
		if c.failure(iv.now(), iv.threshold, err) {
			iv.transition(target, StateOpen, err)
		}
		if attempt >= iv.attempts {
			return RetriesExhaustedError{Target: target, Attempts: attempt, Err: err}
		}
		if p.probe {
			// A failed probe reopened the breaker; the next acquire fails fast.
			continue
		}
		metrics.IncRetry(target)
		delay := iv.backoff.Delay(attempt)
		iv.log.Debug().Str("target", target).Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("retry")
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, iv *Invoker, target string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := iv.Execute(ctx, target, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (iv *Invoker) circuit(target string) *circuit {
	c, _ := iv.circuits.LoadOrCompute(target, func() *circuit { return &circuit{} })
	return c
}

func (iv *Invoker) transition(target string, to State, cause error) {
	metrics.SetCircuitState(target, to.String(), int(to))
	ev := iv.log.Info()
	if to == StateOpen {
		ev = iv.log.Warn().Err(cause)
	}
	ev.Str("target", target).Str("state", to.String()).Msg("circuit_" + to.String())
}

// CircuitSnapshot is a point-in-time view of one breaker.
type CircuitSnapshot struct {
	Target      string
	State       State
	Failures    int
	LastFailure time.Time
}

// State returns target's breaker state; unknown targets are closed.
func (iv *Invoker) State(target string) State {
	c, ok := iv.circuits.Load(target)
	if !ok {
		return StateClosed
	}
	s, _, _ := c.snapshot()
	return s
}

// States lists every known breaker sorted by target.
func (iv *Invoker) States() []CircuitSnapshot {
	out := make([]CircuitSnapshot, 0, iv.circuits.Size())
	iv.circuits.Range(func(target string, c *circuit) bool {
		s, n, lf := c.snapshot()
		out = append(out, CircuitSnapshot{Target: target, State: s, Failures: n, LastFailure: lf})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Reset forgets target's breaker.
func (iv *Invoker) Reset(target string) {
	if _, ok := iv.circuits.LoadAndDelete(target); ok {
		metrics.SetCircuitState(target, StateClosed.String(), int(StateClosed))
	}
}
