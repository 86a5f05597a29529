package admission

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"batchd/internal/metrics"
)

// GlobalIdentity is the key used when limiting is not per identity or the
// caller supplied no identity.
const GlobalIdentity = "*"

// Factory builds the policy for an identity seen for the first time.
type Factory func(identity string) Policy

// Options configures a Limiter.
type Options struct {
	// Name labels metrics; defaults to "default".
	Name string
	// PerIdentity keeps one policy per identity instead of a single global one.
	PerIdentity bool
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Limiter gates requests per identity. It is safe for concurrent use; every
// policy serializes its own state.
type Limiter struct {
	name        string
	perIdentity bool
	factory     Factory
	policies    *xsync.MapOf[string, Policy]
	now         func() time.Time
}

// New creates a Limiter whose policies are built by factory.
func New(factory Factory, opts Options) *Limiter {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		name:        opts.Name,
		perIdentity: opts.PerIdentity,
		factory:     factory,
		policies:    xsync.NewMapOf[string, Policy](),
		now:         opts.Now,
	}
}

// Admit reports whether a request from identity with the given cost may
// proceed. A false return leaves the limiter unchanged; the caller owns the
// rejection.
func (l *Limiter) Admit(identity string, cost int) bool {
	if cost < 1 {
		cost = 1
	}
	key := l.key(identity)
	p, _ := l.policies.LoadOrCompute(key, func() Policy { return l.factory(key) })
	ok := p.Allow(l.now(), cost)
	metrics.ObserveAdmission(l.name, ok)
	return ok
}

// Policy returns the policy tracked for identity, if any.
func (l *Limiter) Policy(identity string) (Policy, bool) {
	return l.policies.Load(l.key(identity))
}

// Forget drops the state kept for identity.
func (l *Limiter) Forget(identity string) {
	l.policies.Delete(l.key(identity))
}

// Len returns the number of identities with state.
func (l *Limiter) Len() int { return l.policies.Size() }

// Name returns the limiter name.
func (l *Limiter) Name() string { return l.name }

func (l *Limiter) key(identity string) string {
	if !l.perIdentity || identity == "" {
		return GlobalIdentity
	}
	return identity
}
