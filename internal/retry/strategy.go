// Package retry decides what happens after a failed delivery attempt. It
// composes an exponential-backoff strategy, a token-bucket retry budget, and
// a three-state circuit breaker; everything time-dependent runs off a Clock.
package retry

import (
	"math/rand"
	"sync"
	"time"
)

// Class partitions delivery errors for backoff purposes.
type Class int

const (
	// ClassRetryable covers transient transport failures.
	ClassRetryable Class = iota
	// ClassAuth covers credential failures; retryable with a longer floor.
	ClassAuth
	// ClassTimeout covers forwarder timeouts; retryable, and counted as a
	// breaker failure by the worker.
	ClassTimeout
	// ClassNonRetryable covers permanent failures.
	ClassNonRetryable
)

// String names the class for diagnostics.
func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassAuth:
		return "auth"
	case ClassTimeout:
		return "timeout"
	case ClassNonRetryable:
		return "non_retryable"
	default:
		return "unknown"
	}
}

// Jitter selects how the computed delay is randomised.
type Jitter int

const (
	// JitterNone applies the raw exponential delay.
	JitterNone Jitter = iota
	// JitterFull draws uniformly from [0, delay].
	JitterFull
	// JitterEqual draws from delay/2 + U[0, delay/2].
	JitterEqual
	// JitterDecorrelated draws from U[base, min(cap, prev*3)].
	JitterDecorrelated
)

// ParseJitter maps a configuration string to a Jitter mode.
func ParseJitter(name string) (Jitter, bool) {
	switch name {
	case "", "none":
		return JitterNone, true
	case "full":
		return JitterFull, true
	case "equal":
		return JitterEqual, true
	case "decorrelated":
		return JitterDecorrelated, true
	default:
		return JitterNone, false
	}
}

// StrategyConfig parameterises the backoff curve.
type StrategyConfig struct {
	// Base is the first retry delay.
	Base time.Duration
	// Cap bounds every delay.
	Cap time.Duration
	// MaxExp caps the exponent so the shift never overflows.
	MaxExp int
	// MaxAttempts exhausts an item once its attempt count reaches it.
	MaxAttempts int
	// Jitter selects the randomisation mode.
	Jitter Jitter
	// AuthFloor is the minimum delay for ClassAuth failures.
	AuthFloor time.Duration
}

func (c StrategyConfig) withDefaults() StrategyConfig {
	if c.Base <= 0 {
		c.Base = 100 * time.Millisecond
	}
	if c.Cap <= 0 {
		c.Cap = 10 * time.Second
	}
	if c.MaxExp <= 0 || c.MaxExp > 32 {
		c.MaxExp = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.AuthFloor <= 0 {
		c.AuthFloor = 30 * time.Second
	}
	return c
}

// Decision is the strategy's verdict for one failed attempt.
type Decision struct {
	// Exhausted reports that the item reached its attempt limit.
	Exhausted bool
	// Delay is the backoff to apply when not exhausted.
	Delay time.Duration
}

// Strategy computes capped exponential backoff with jitter.
type Strategy struct {
	cfg StrategyConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewStrategy constructs a Strategy, applying defaults to the zero config.
func NewStrategy(cfg StrategyConfig) *Strategy {
	return &Strategy{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// rawDelay returns the un-jittered delay for the given post-increment attempt
// count: min(base * 2^min(attempts-1, maxExp), cap).
func (s *Strategy) rawDelay(attempts int) time.Duration {
	exp := attempts - 1
	if exp < 0 {
		exp = 0
	}
	if exp > s.cfg.MaxExp {
		exp = s.cfg.MaxExp
	}
	delay := s.cfg.Base << uint(exp)
	if delay <= 0 || delay > s.cfg.Cap {
		delay = s.cfg.Cap
	}
	return delay
}

// Decide maps a failed attempt to a Decision. attempts is the item's attempt
// count after the failed attempt was recorded.
func (s *Strategy) Decide(attempts int, class Class) Decision {
	if attempts >= s.cfg.MaxAttempts {
		return Decision{Exhausted: true}
	}
	delay := s.jittered(attempts)
	if class == ClassAuth && delay < s.cfg.AuthFloor {
		delay = s.cfg.AuthFloor
	}
	return Decision{Delay: delay}
}

func (s *Strategy) jittered(attempts int) time.Duration {
	delay := s.rawDelay(attempts)
	switch s.cfg.Jitter {
	case JitterNone:
		return delay
	case JitterFull:
		return s.uniform(0, delay)
	case JitterEqual:
		half := delay / 2
		return half + s.uniform(0, delay-half)
	case JitterDecorrelated:
		// prev is the un-jittered delay of the previous attempt; per-item
		// history is not persisted, so it is re-derived from attempts.
		prev := s.rawDelay(attempts - 1)
		upper := prev * 3
		if upper > s.cfg.Cap || upper <= 0 {
			upper = s.cfg.Cap
		}
		if upper < s.cfg.Base {
			upper = s.cfg.Base
		}
		return s.uniform(s.cfg.Base, upper)
	default:
		return delay
	}
}

// uniform draws from [lo, hi] inclusive.
func (s *Strategy) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + time.Duration(s.rng.Int63n(int64(hi-lo)+1))
}

// MaxAttempts exposes the configured attempt limit.
func (s *Strategy) MaxAttempts() int {
	return s.cfg.MaxAttempts
}
