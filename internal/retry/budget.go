package retry

import (
	"sync"
	"time"
)

// BudgetConfig sizes the retry token bucket.
type BudgetConfig struct {
	// Capacity is the bucket size; it bounds retry bursts.
	Capacity int
	// RefillEvery adds one token per interval, bounding the sustained
	// retry rate. Refill math is integer milliseconds.
	RefillEvery time.Duration
}

func (c BudgetConfig) withDefaults() BudgetConfig {
	if c.Capacity <= 0 {
		c.Capacity = 10
	}
	if c.RefillEvery <= 0 {
		c.RefillEvery = time.Second
	}
	return c
}

// Budget is a lazily refilled token bucket consumed by retry attempts.
// First attempts are free; only retries draw tokens, which caps the
// retry-to-original ratio independently of per-item backoff.
type Budget struct {
	cfg BudgetConfig

	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
}

// NewBudget constructs a full bucket. start anchors the refill schedule.
func NewBudget(cfg BudgetConfig, start time.Time) *Budget {
	cfg = cfg.withDefaults()
	return &Budget{
		cfg:        cfg,
		tokens:     cfg.Capacity,
		lastRefill: start.UTC(),
	}
}

// TryConsume takes one token, refilling lazily first. It reports false when
// the bucket is empty; the caller throttles instead of killing the item.
func (b *Budget) TryConsume(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// refillLocked adds elapsed/refillEvery whole tokens and advances lastRefill
// by exactly the credited amount so fractional progress is never lost.
func (b *Budget) refillLocked(now time.Time) {
	now = now.UTC()
	elapsedMS := now.Sub(b.lastRefill).Milliseconds()
	everyMS := b.cfg.RefillEvery.Milliseconds()
	if elapsedMS < everyMS {
		return
	}
	earned := int(elapsedMS / everyMS)
	b.tokens += earned
	if b.tokens > b.cfg.Capacity {
		b.tokens = b.cfg.Capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(int64(earned)*everyMS) * time.Millisecond)
}

// Level returns the current token count after a lazy refill.
func (b *Budget) Level(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	return b.tokens
}

// RefillEvery exposes the configured refill interval; throttled items are
// rescheduled one interval out.
func (b *Budget) RefillEvery() time.Duration {
	return b.cfg.RefillEvery
}
