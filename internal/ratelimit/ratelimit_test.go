package ratelimit

import (
	"context"
	"testing"
	"time"
)

func fixedClock(start time.Time) (*time.Time, func() time.Time) {
	clock := start
	return &clock, func() time.Time { return clock }
}

func TestMemoryLimiter_PerWindowCap(t *testing.T) {
	l := NewMemoryLimiter(3, 100)
	clock, nowFn := fixedClock(time.Unix(1_700_000_000, 0))
	l.now = nowFn
	_ = clock

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "stage-a")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !ok {
			t.Fatalf("request %d under the cap was rejected", i+1)
		}
	}

	ok, _ := l.Allow(ctx, "stage-a")
	if ok {
		t.Error("request over default_rps should be rejected")
	}
}

func TestMemoryLimiter_WindowReset(t *testing.T) {
	l := NewMemoryLimiter(2, 100)
	clock, nowFn := fixedClock(time.Unix(1_700_000_000, 0))
	l.now = nowFn

	ctx := context.Background()
	l.Allow(ctx, "stage-a")
	l.Allow(ctx, "stage-a")
	if ok, _ := l.Allow(ctx, "stage-a"); ok {
		t.Fatal("third request in window should be rejected")
	}

	*clock = clock.Add(time.Second)
	if ok, _ := l.Allow(ctx, "stage-a"); !ok {
		t.Error("new window should reset the per-window counter")
	}
}

func TestMemoryLimiter_BurstAcrossTwoWindows(t *testing.T) {
	l := NewMemoryLimiter(5, 6)
	clock, nowFn := fixedClock(time.Unix(1_700_000_000, 0))
	l.now = nowFn

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow(ctx, "stage-a"); !ok {
			t.Fatalf("request %d rejected under per-window cap", i+1)
		}
	}

	// Next window: per-window counter resets, but current+previous hits the
	// burst ceiling after one more request.
	*clock = clock.Add(time.Second)
	if ok, _ := l.Allow(ctx, "stage-a"); !ok {
		t.Fatal("first request of the new window should pass (5+1 ≤ 6)")
	}
	if ok, _ := l.Allow(ctx, "stage-a"); ok {
		t.Error("second request should exceed the two-window burst ceiling")
	}
}

func TestMemoryLimiter_SendersAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(1, 10)
	clock, nowFn := fixedClock(time.Unix(1_700_000_000, 0))
	l.now = nowFn
	_ = clock

	ctx := context.Background()
	if ok, _ := l.Allow(ctx, "stage-a"); !ok {
		t.Fatal("stage-a first request rejected")
	}
	if ok, _ := l.Allow(ctx, "stage-a"); ok {
		t.Fatal("stage-a second request should be rejected")
	}
	if ok, _ := l.Allow(ctx, "stage-b"); !ok {
		t.Error("stage-b must not be throttled by stage-a's traffic")
	}
}

func TestMemoryLimiter_OldWindowsPruned(t *testing.T) {
	l := NewMemoryLimiter(10, 100)
	clock, nowFn := fixedClock(time.Unix(1_700_000_000, 0))
	l.now = nowFn

	ctx := context.Background()
	l.Allow(ctx, "stage-a")
	*clock = clock.Add(10 * time.Second)
	l.Allow(ctx, "stage-a")

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.counters["stage-a"]) != 1 {
		t.Errorf("stale windows retained: %v", l.counters["stage-a"])
	}
}
