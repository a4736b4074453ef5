package retry

import (
	"time"

	"github.com/PHiBBeRR/pulsearc-syncd/internal/clock"
)

// Outcome is the engine's verdict for one failed delivery attempt.
type Outcome int

const (
	// OutcomeRetryAfter reschedules the item for NextAttemptAt.
	OutcomeRetryAfter Outcome = iota
	// OutcomeDeadLetter kills the item.
	OutcomeDeadLetter
	// OutcomeThrottle reschedules the item one budget refill interval out
	// without penalising it; the retry budget was empty.
	OutcomeThrottle
)

// String names the outcome for logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeRetryAfter:
		return "retry_after"
	case OutcomeDeadLetter:
		return "dead_letter"
	case OutcomeThrottle:
		return "throttle"
	default:
		return "unknown"
	}
}

// Directive carries the outcome plus the computed reschedule time.
type Directive struct {
	Outcome       Outcome
	NextAttemptAt time.Time
}

// Engine composes the Strategy, Budget, and Breaker into the single decision
// surface the worker consumes. The breaker is consulted before the forwarder
// call (via Permit), never here.
type Engine struct {
	strategy *Strategy
	budget   *Budget
	breaker  *Breaker
	clk      clock.Clock
}

// NewEngine wires the three parts. All are required.
func NewEngine(strategy *Strategy, budget *Budget, breaker *Breaker, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{strategy: strategy, budget: budget, breaker: breaker, clk: clk}
}

// OnFailure decides what happens to an item whose delivery attempt just
// failed. attempts is the post-increment attempt count. The final reschedule
// time is the max of the strategy delay and the breaker's next probe time, so
// a retried item never wakes the worker into a guaranteed rejection.
func (e *Engine) OnFailure(attempts int, class Class) Directive {
	now := e.clk.Now()
	if class == ClassNonRetryable {
		return Directive{Outcome: OutcomeDeadLetter, NextAttemptAt: now}
	}
	decision := e.strategy.Decide(attempts, class)
	if decision.Exhausted {
		return Directive{Outcome: OutcomeDeadLetter, NextAttemptAt: now}
	}
	if !e.budget.TryConsume(now) {
		return Directive{
			Outcome:       OutcomeThrottle,
			NextAttemptAt: now.Add(e.budget.RefillEvery()),
		}
	}
	next := now.Add(decision.Delay)
	if probe := e.breaker.NextProbeAt(); probe.After(next) {
		next = probe
	}
	return Directive{Outcome: OutcomeRetryAfter, NextAttemptAt: next}
}

// Breaker exposes the breaker for permit checks and batch accounting.
func (e *Engine) Breaker() *Breaker {
	return e.breaker
}

// Budget exposes the budget for metrics.
func (e *Engine) Budget() *Budget {
	return e.budget
}
