package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests. Advancing the
// clock releases due sleepers ordered by deadline; sleepers sharing a deadline
// are released in the order they were registered.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	at  time.Time
	seq uint64
	ch  chan time.Time
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires when the manual clock reaches now+d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		ch <- now
		return ch
	}
	m.seq++
	m.timers = append(m.timers, &manualTimer{
		at:  m.now.Add(d),
		seq: m.seq,
		ch:  ch,
	})
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the manual clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves time forward by d and fires due timers, earliest deadline
// first, registration order within a deadline.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	return m.advanceToLocked(m.now.Add(d))
}

// AdvanceTo moves time forward to t. Moving backwards is a no-op.
func (m *Manual) AdvanceTo(t time.Time) time.Time {
	m.mu.Lock()
	t = t.UTC()
	if t.Before(m.now) {
		t = m.now
	}
	return m.advanceToLocked(t)
}

// advanceToLocked fires due timers and unlocks m.mu.
func (m *Manual) advanceToLocked(now time.Time) time.Time {
	m.now = now
	if len(m.timers) == 0 {
		m.mu.Unlock()
		return now
	}
	var due []*manualTimer
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.at.After(now) {
			remaining = append(remaining, timer)
			continue
		}
		due = append(due, timer)
	}
	m.timers = remaining
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	m.mu.Unlock()
	for _, timer := range due {
		timer.ch <- now
	}
	return now
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
