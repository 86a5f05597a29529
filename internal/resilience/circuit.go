package resilience

import (
	"sync"
	"time"
)

// State of a per-target breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// circuit is the breaker for one target. All fields are guarded by mu.
type circuit struct {
	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	lastFailure time.Time
	lastErr     error
	probing     bool
}

// permit is the outcome of asking a circuit for an attempt.
type permit struct {
	ok         bool
	probe      bool
	retryAfter time.Duration
	cause      error
	moved      bool
}

// acquire decides whether an attempt may run at now. An open circuit past its
// cooldown moves to half-open and hands out the single probe.
func (c *circuit) acquire(now time.Time, cooldown time.Duration) permit {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return permit{ok: true}
	case StateOpen:
		elapsed := now.Sub(c.openedAt)
		if elapsed < cooldown {
			return permit{retryAfter: cooldown - elapsed, cause: c.lastErr}
		}
		c.state = StateHalfOpen
		c.probing = true
		return permit{ok: true, probe: true, moved: true}
	default:
		if c.probing {
			return permit{retryAfter: cooldown, cause: c.lastErr}
		}
		c.probing = true
		return permit{ok: true, probe: true}
	}
}

// success closes the circuit. It reports whether the state changed.
func (c *circuit) success() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	moved := c.state != StateClosed
	c.state = StateClosed
	c.failures = 0
	c.probing = false
	return moved
}

// failure counts a retryable failure and opens the circuit when the threshold
// is reached or a probe fails. It reports whether the state changed.
func (c *circuit) failure(now time.Time, threshold int, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastFailure = now
	c.lastErr = err
	if c.state == StateHalfOpen || c.failures >= threshold {
		moved := c.state != StateOpen
		c.state = StateOpen
		c.openedAt = now
		c.probing = false
		return moved
	}
	return false
}

// release gives back a probe whose outcome said nothing about the target's
// health (a permanent error or a cancelled caller).
func (c *circuit) release(probe bool) {
	if !probe {
		return
	}
	c.mu.Lock()
	c.probing = false
	c.mu.Unlock()
}

func (c *circuit) snapshot() (State, int, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.failures, c.lastFailure
}
