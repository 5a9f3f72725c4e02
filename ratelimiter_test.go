package intelliceil

import (
	"fmt"
	"testing"
	"time"
)

func TestLimiterDeniesOverLimit(t *testing.T) {
	l := NewSlidingWindowLimiter(0)
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	window := time.Minute

	for i := 0; i < 100; i++ {
		if !l.Allow("192.0.2.1", 100, window, now.Add(time.Duration(i)*time.Millisecond)) {
			t.Fatalf("request %d within limit should pass", i+1)
		}
	}
	if l.Allow("192.0.2.1", 100, window, now.Add(time.Second)) {
		t.Fatal("the 101st request inside the window must be denied")
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	l := NewSlidingWindowLimiter(0)
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		l.Allow("192.0.2.2", 5, time.Minute, now)
	}
	if l.Allow("192.0.2.2", 5, time.Minute, now) {
		t.Fatal("limit reached, expected denial")
	}
	// Past the window the slots free up again.
	if !l.Allow("192.0.2.2", 5, time.Minute, now.Add(61*time.Second)) {
		t.Fatal("expired samples should no longer count")
	}
}

func TestLimiterIsolatesIPs(t *testing.T) {
	l := NewSlidingWindowLimiter(0)
	now := time.Now()

	for i := 0; i < 10; i++ {
		l.Allow("192.0.2.3", 10, time.Minute, now)
	}
	if l.Allow("192.0.2.3", 10, time.Minute, now) {
		t.Fatal("saturated ip should be denied")
	}
	if !l.Allow("192.0.2.4", 10, time.Minute, now) {
		t.Fatal("a different ip must not be affected")
	}
}

func TestLimiterCount(t *testing.T) {
	l := NewSlidingWindowLimiter(0)
	now := time.Now()
	for i := 0; i < 7; i++ {
		l.Allow("192.0.2.5", 100, time.Minute, now)
	}
	if got := l.Count("192.0.2.5", time.Minute, now); got != 7 {
		t.Fatalf("expected count 7, got %d", got)
	}
}

func TestLimiterSweepDropsIdle(t *testing.T) {
	l := NewSlidingWindowLimiter(0)
	now := time.Now()

	for i := 0; i < 100; i++ {
		l.Allow(fmt.Sprintf("10.0.0.%d", i), 100, time.Minute, now)
	}
	if l.Size() != 100 {
		t.Fatalf("expected 100 tracked ips, got %d", l.Size())
	}

	l.Sweep(10*time.Minute, now.Add(11*time.Minute))
	if l.Size() != 0 {
		t.Fatalf("sweep should drop idle ips, %d left", l.Size())
	}
}

func TestLimiterLargeLimitDenies(t *testing.T) {
	l := NewSlidingWindowLimiter(0)
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	limit := 5000

	for i := 0; i < limit; i++ {
		if !l.Allow("192.0.2.9", limit, time.Minute, now.Add(time.Duration(i)*time.Microsecond)) {
			t.Fatalf("request %d within limit should pass", i+1)
		}
	}
	if l.Allow("192.0.2.9", limit, time.Minute, now.Add(time.Second)) {
		t.Fatal("request past a large limit must be denied inside the window")
	}
}

func TestLimiterCapBoundsTrackedIPs(t *testing.T) {
	l := NewSlidingWindowLimiter(1)
	now := time.Now()

	for i := 0; i < 1000; i++ {
		l.Allow(fmt.Sprintf("203.0.%d.%d", i/256, i%256), 10, time.Minute, now.Add(time.Duration(i)*time.Millisecond))
	}
	// One entry per shard at most.
	if l.Size() > limiterShardCount {
		t.Fatalf("per-shard cap not enforced, size %d", l.Size())
	}
}
