package retry

import (
	"testing"
	"time"
)

func TestBudgetConsumesDownToZero(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0).UTC()
	b := NewBudget(BudgetConfig{Capacity: 3, RefillEvery: time.Second}, start)

	for i := 0; i < 3; i++ {
		if !b.TryConsume(start) {
			t.Fatalf("consume %d failed with tokens available", i)
		}
	}
	if b.TryConsume(start) {
		t.Fatal("consume succeeded on an empty bucket")
	}
}

func TestBudgetLazyRefill(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0).UTC()
	b := NewBudget(BudgetConfig{Capacity: 5, RefillEvery: time.Second}, start)
	for i := 0; i < 5; i++ {
		b.TryConsume(start)
	}

	// 2.5 intervals elapse: exactly two tokens come back, the half
	// interval is retained for the next refill.
	now := start.Add(2500 * time.Millisecond)
	if got := b.Level(now); got != 2 {
		t.Fatalf("level after 2.5s: %d, want 2", got)
	}
	now = now.Add(500 * time.Millisecond)
	if got := b.Level(now); got != 3 {
		t.Fatalf("level after 3s: %d, want 3", got)
	}
}

func TestBudgetRefillClampsAtCapacity(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0).UTC()
	b := NewBudget(BudgetConfig{Capacity: 2, RefillEvery: time.Second}, start)
	b.TryConsume(start)

	if got := b.Level(start.Add(time.Hour)); got != 2 {
		t.Fatalf("level after an hour: %d, want capacity", got)
	}
}
