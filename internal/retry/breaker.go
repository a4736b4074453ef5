package retry

import (
	"sync"
	"time"

	"github.com/PHiBBeRR/pulsearc-syncd/internal/clock"
)

// BreakerState is the circuit breaker's current position.
type BreakerState int

const (
	// BreakerClosed admits all calls.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all calls until the cool-off elapses.
	BreakerOpen
	// BreakerHalfOpen admits a bounded number of probe calls.
	BreakerHalfOpen
)

// String names the state for logs and metrics.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig parameterises the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the breaker after this many failures while
	// closed.
	FailureThreshold int
	// CoolOff is how long the breaker stays open before probing.
	CoolOff time.Duration
	// HalfOpenProbes bounds concurrent permits while half-open.
	HalfOpenProbes int
	// SuccessThreshold closes the breaker after this many half-open
	// successes.
	SuccessThreshold int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.CoolOff <= 0 {
		c.CoolOff = 30 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	return c
}

// Permit is the breaker's answer to an outbound-call request. When Allowed is
// false the caller must not invoke the forwarder and reschedules work for
// Until.
type Permit struct {
	Allowed bool
	Until   time.Time
}

// Breaker is a three-state circuit gate. Counters reset on every state
// entry. All timing runs off the injected Clock.
type Breaker struct {
	cfg BreakerConfig
	clk clock.Clock

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	probes    int
	openedAt  time.Time

	// changes coalesces state-change notifications for the worker loop.
	changes chan struct{}
}

// NewBreaker constructs a closed Breaker.
func NewBreaker(cfg BreakerConfig, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Breaker{
		cfg:     cfg.withDefaults(),
		clk:     clk,
		changes: make(chan struct{}, 1),
	}
}

// Permit asks to make one outbound call. While open it rejects with the
// cool-off expiry; at expiry it flips to half-open and admits up to the probe
// budget.
func (b *Breaker) Permit() Permit {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.Now()
	switch b.state {
	case BreakerClosed:
		return Permit{Allowed: true}
	case BreakerOpen:
		until := b.openedAt.Add(b.cfg.CoolOff)
		if now.Before(until) {
			return Permit{Allowed: false, Until: until}
		}
		b.transitionLocked(BreakerHalfOpen, now)
		b.probes = 1
		return Permit{Allowed: true}
	case BreakerHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			return Permit{Allowed: false, Until: now}
		}
		b.probes++
		return Permit{Allowed: true}
	default:
		return Permit{Allowed: true}
	}
}

// RecordSuccess reports a successful permitted call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(BreakerClosed, b.clk.Now())
		}
	}
}

// RecordFailure reports a failed permitted call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.Now()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(BreakerOpen, now)
		}
	case BreakerHalfOpen:
		// One bad probe reopens immediately with a fresh cool-off.
		b.transitionLocked(BreakerOpen, now)
	}
}

// transitionLocked switches state, resets counters, and signals watchers.
func (b *Breaker) transitionLocked(next BreakerState, now time.Time) {
	b.state = next
	b.failures = 0
	b.successes = 0
	b.probes = 0
	if next == BreakerOpen {
		b.openedAt = now
	}
	select {
	case b.changes <- struct{}{}:
	default:
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// NextProbeAt returns when the breaker will next admit a call: zero while
// closed or half-open, cool-off expiry while open.
func (b *Breaker) NextProbeAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return time.Time{}
	}
	return b.openedAt.Add(b.cfg.CoolOff)
}

// StateChanges returns a channel that receives a coalesced signal on every
// state transition.
func (b *Breaker) StateChanges() <-chan struct{} {
	return b.changes
}
