package retry

import (
	"testing"
	"time"

	"github.com/PHiBBeRR/pulsearc-syncd/internal/clock"
)

func newTestBreaker(clk clock.Clock) *Breaker {
	return NewBreaker(BreakerConfig{
		FailureThreshold: 3,
		CoolOff:          30 * time.Second,
		HalfOpenProbes:   1,
		SuccessThreshold: 2,
	}, clk)
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	b := newTestBreaker(clk)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.State() != BreakerClosed {
			t.Fatalf("opened after %d failures", i+1)
		}
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("not open at threshold")
	}

	p := b.Permit()
	if p.Allowed {
		t.Fatal("open breaker granted a permit")
	}
	wantUntil := clk.Now().Add(30 * time.Second)
	if !p.Until.Equal(wantUntil) {
		t.Fatalf("rejection until %v, want %v", p.Until, wantUntil)
	}
}

func TestBreakerHalfOpenAfterCoolOff(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	b := newTestBreaker(clk)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clk.Advance(29 * time.Second)
	if p := b.Permit(); p.Allowed {
		t.Fatal("permit granted before cool-off elapsed")
	}

	clk.Advance(time.Second)
	if p := b.Permit(); !p.Allowed {
		t.Fatal("probe not admitted at cool-off expiry")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state %v, want half_open", b.State())
	}
	// The probe budget is spent; concurrent permits are rejected.
	if p := b.Permit(); p.Allowed {
		t.Fatal("second concurrent probe admitted")
	}
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	b := newTestBreaker(clk)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(30 * time.Second)

	if p := b.Permit(); !p.Allowed {
		t.Fatal("probe rejected")
	}
	b.RecordSuccess()
	if b.State() != BreakerHalfOpen {
		t.Fatal("closed before success threshold")
	}
	if p := b.Permit(); !p.Allowed {
		t.Fatal("second probe rejected after first success")
	}
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatal("not closed at success threshold")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	b := newTestBreaker(clk)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(30 * time.Second)
	if p := b.Permit(); !p.Allowed {
		t.Fatal("probe rejected")
	}

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatal("half-open failure did not reopen")
	}
	// A fresh cool-off starts from the reopen.
	want := clk.Now().Add(30 * time.Second)
	if got := b.NextProbeAt(); !got.Equal(want) {
		t.Fatalf("next probe %v, want %v", got, want)
	}
}

func TestBreakerSignalsStateChanges(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	b := newTestBreaker(clk)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	select {
	case <-b.StateChanges():
	default:
		t.Fatal("no state-change signal after opening")
	}
}
