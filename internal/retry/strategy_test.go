package retry

import (
	"testing"
	"time"
)

func TestStrategyNoJitterDoubles(t *testing.T) {
	t.Parallel()

	s := NewStrategy(StrategyConfig{
		Base:        100 * time.Millisecond,
		Cap:         10 * time.Second,
		MaxExp:      10,
		MaxAttempts: 10,
		Jitter:      JitterNone,
	})
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, expected := range want {
		d := s.Decide(i+1, ClassRetryable)
		if d.Exhausted {
			t.Fatalf("attempt %d unexpectedly exhausted", i+1)
		}
		if d.Delay != expected {
			t.Fatalf("attempt %d: delay %v, want %v", i+1, d.Delay, expected)
		}
	}
}

func TestStrategyCapBoundsDelay(t *testing.T) {
	t.Parallel()

	s := NewStrategy(StrategyConfig{
		Base:        time.Second,
		Cap:         5 * time.Second,
		MaxExp:      30,
		MaxAttempts: 100,
		Jitter:      JitterNone,
	})
	for attempts := 1; attempts <= 64; attempts++ {
		d := s.Decide(attempts, ClassRetryable)
		if d.Delay < 0 || d.Delay > 5*time.Second {
			t.Fatalf("attempt %d: delay %v outside [0, cap]", attempts, d.Delay)
		}
	}
}

func TestStrategyExhaustsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	s := NewStrategy(StrategyConfig{MaxAttempts: 3, Jitter: JitterNone})
	if d := s.Decide(2, ClassRetryable); d.Exhausted {
		t.Fatal("exhausted below the limit")
	}
	if d := s.Decide(3, ClassRetryable); !d.Exhausted {
		t.Fatal("not exhausted at the limit")
	}
	if d := s.Decide(7, ClassRetryable); !d.Exhausted {
		t.Fatal("not exhausted past the limit")
	}
}

func TestStrategyAuthFloor(t *testing.T) {
	t.Parallel()

	s := NewStrategy(StrategyConfig{
		Base:        100 * time.Millisecond,
		AuthFloor:   30 * time.Second,
		Cap:         time.Minute,
		MaxAttempts: 10,
		Jitter:      JitterNone,
	})
	if d := s.Decide(1, ClassAuth); d.Delay != 30*time.Second {
		t.Fatalf("auth delay %v, want the 30s floor", d.Delay)
	}
	if d := s.Decide(1, ClassRetryable); d.Delay != 100*time.Millisecond {
		t.Fatalf("retryable delay %v, want base", d.Delay)
	}
}

func TestStrategyJitterBounds(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	capD := 10 * time.Second
	cases := []struct {
		name   string
		jitter Jitter
		bounds func(raw, prev time.Duration) (lo, hi time.Duration)
	}{
		{"full", JitterFull, func(raw, _ time.Duration) (time.Duration, time.Duration) {
			return 0, raw
		}},
		{"equal", JitterEqual, func(raw, _ time.Duration) (time.Duration, time.Duration) {
			return raw / 2, raw
		}},
		{"decorrelated", JitterDecorrelated, func(_, prev time.Duration) (time.Duration, time.Duration) {
			upper := prev * 3
			if upper > capD {
				upper = capD
			}
			if upper < base {
				upper = base
			}
			return base, upper
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStrategy(StrategyConfig{
				Base: base, Cap: capD, MaxExp: 10, MaxAttempts: 100, Jitter: tc.jitter,
			})
			for attempts := 1; attempts <= 8; attempts++ {
				raw := s.rawDelay(attempts)
				prev := s.rawDelay(attempts - 1)
				lo, hi := tc.bounds(raw, prev)
				for i := 0; i < 50; i++ {
					d := s.Decide(attempts, ClassRetryable)
					if d.Delay < lo || d.Delay > hi {
						t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempts, d.Delay, lo, hi)
					}
				}
			}
		})
	}
}

func TestParseJitter(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]Jitter{
		"": JitterNone, "none": JitterNone, "full": JitterFull,
		"equal": JitterEqual, "decorrelated": JitterDecorrelated,
	} {
		got, ok := ParseJitter(name)
		if !ok || got != want {
			t.Fatalf("ParseJitter(%q) = %v, %v", name, got, ok)
		}
	}
	if _, ok := ParseJitter("gaussian"); ok {
		t.Fatal("unknown jitter accepted")
	}
}
