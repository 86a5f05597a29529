package admission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy holds the rate state of a single identity. Allow reports whether a
// request of the given cost is admitted at time now. A rejected call must not
// change the state.
type Policy interface {
	Allow(now time.Time, cost int) bool
}

// FixedWindow admits at most max cost units per window.
//
// The window restarts on the first call after it elapses. A burst at the end
// of one window followed by a burst at the start of the next can therefore
// admit up to 2*max units within a single window length.
type FixedWindow struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	start  time.Time
	count  int
}

// NewFixedWindow returns a fixed-window policy for max units per window.
func NewFixedWindow(max int, window time.Duration) *FixedWindow {
	return &FixedWindow{max: max, window: window}
}

func (w *FixedWindow) Allow(now time.Time, cost int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.start.IsZero() || now.Sub(w.start) >= w.window {
		w.start = now
		w.count = 0
	}
	if w.count+cost > w.max {
		return false
	}
	w.count += cost
	return true
}

// Count returns the window start and the units admitted in it.
func (w *FixedWindow) Count() (time.Time, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.start, w.count
}

// TokenBucket allows bursts up to capacity while holding the sustained rate to
// refillPerSecond units per second. The bucket starts full.
type TokenBucket struct {
	lim *rate.Limiter
}

// NewTokenBucket returns a token-bucket policy.
func NewTokenBucket(capacity int, refillPerSecond float64) *TokenBucket {
	return &TokenBucket{lim: rate.NewLimiter(rate.Limit(refillPerSecond), capacity)}
}

func (b *TokenBucket) Allow(now time.Time, cost int) bool {
	return b.lim.AllowN(now, cost)
}

// Tokens reports the token level at time now, clamped to the capacity.
func (b *TokenBucket) Tokens(now time.Time) float64 {
	return b.lim.TokensAt(now)
}

// Unlimited admits everything.
type Unlimited struct{}

func (Unlimited) Allow(time.Time, int) bool { return true }
