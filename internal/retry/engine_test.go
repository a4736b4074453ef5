package retry

import (
	"testing"
	"time"

	"github.com/PHiBBeRR/pulsearc-syncd/internal/clock"
)

func newTestEngine(clk clock.Clock, budgetCap int) *Engine {
	strategy := NewStrategy(StrategyConfig{
		Base:        100 * time.Millisecond,
		Cap:         10 * time.Second,
		MaxExp:      10,
		MaxAttempts: 5,
		Jitter:      JitterNone,
	})
	budget := NewBudget(BudgetConfig{Capacity: budgetCap, RefillEvery: time.Second}, clk.Now())
	breaker := NewBreaker(BreakerConfig{FailureThreshold: 3, CoolOff: 30 * time.Second}, clk)
	return NewEngine(strategy, budget, breaker, clk)
}

func TestEngineRetrySchedulesBackoff(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	e := newTestEngine(clk, 10)

	d := e.OnFailure(1, ClassRetryable)
	if d.Outcome != OutcomeRetryAfter {
		t.Fatalf("outcome %v", d.Outcome)
	}
	if want := clk.Now().Add(100 * time.Millisecond); !d.NextAttemptAt.Equal(want) {
		t.Fatalf("next attempt %v, want %v", d.NextAttemptAt, want)
	}
}

func TestEngineNonRetryableIsDeadLetter(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	e := newTestEngine(clk, 10)
	if d := e.OnFailure(1, ClassNonRetryable); d.Outcome != OutcomeDeadLetter {
		t.Fatalf("outcome %v, want dead_letter", d.Outcome)
	}
}

func TestEngineExhaustionIsDeadLetter(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	e := newTestEngine(clk, 10)
	if d := e.OnFailure(5, ClassRetryable); d.Outcome != OutcomeDeadLetter {
		t.Fatalf("outcome %v, want dead_letter", d.Outcome)
	}
}

func TestEngineEmptyBudgetThrottles(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	e := newTestEngine(clk, 1)

	if d := e.OnFailure(1, ClassRetryable); d.Outcome != OutcomeRetryAfter {
		t.Fatalf("first failure: %v", d.Outcome)
	}
	d := e.OnFailure(1, ClassRetryable)
	if d.Outcome != OutcomeThrottle {
		t.Fatalf("outcome %v, want throttle", d.Outcome)
	}
	if want := clk.Now().Add(time.Second); !d.NextAttemptAt.Equal(want) {
		t.Fatalf("throttle reschedule %v, want %v", d.NextAttemptAt, want)
	}

	// Exhaustion still wins over throttling: the budget is irrelevant once
	// the attempt limit is hit.
	if d := e.OnFailure(5, ClassRetryable); d.Outcome != OutcomeDeadLetter {
		t.Fatalf("outcome %v, want dead_letter", d.Outcome)
	}
}

func TestEngineRescheduleWaitsOutOpenBreaker(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	e := newTestEngine(clk, 10)
	for i := 0; i < 3; i++ {
		e.Breaker().RecordFailure()
	}
	if e.Breaker().State() != BreakerOpen {
		t.Fatal("breaker not open")
	}

	d := e.OnFailure(1, ClassTimeout)
	if d.Outcome != OutcomeRetryAfter {
		t.Fatalf("outcome %v", d.Outcome)
	}
	// Strategy says 100ms, the breaker's probe time is 30s out; the later
	// wins.
	if want := e.Breaker().NextProbeAt(); !d.NextAttemptAt.Equal(want) {
		t.Fatalf("next attempt %v, want breaker probe %v", d.NextAttemptAt, want)
	}
}
