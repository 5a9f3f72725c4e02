package intelliceil

import (
	"math"
	"testing"
	"time"
)

type recordingActivator struct {
	calls   int
	reasons []string
}

func (r *recordingActivator) AutoActivate(reason string) bool {
	r.calls++
	r.reasons = append(r.reasons, reason)
	return true
}

func snapshotAt(rps, avg float64) RateSnapshot {
	return RateSnapshot{
		CurrentRPS: rps,
		Baseline:   Baseline{AvgRequestsPerSecond: avg, SampleCount: 100},
	}
}

func newTestEngine(t *testing.T, mutate func(*Config)) *ThreatLevelEngine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := NewConfigStore(cfg)
	if err != nil {
		t.Fatalf("NewConfigStore: %v", err)
	}
	return NewThreatLevelEngine(store)
}

func TestPercentageOverBaseline(t *testing.T) {
	e := newTestEngine(t, nil)
	now := time.Now()

	// 60 rps over a baseline of 50 is 20% over.
	state := e.Evaluate(snapshotAt(60, 50), now)
	if state.Percentage != 20 {
		t.Fatalf("expected 20%% over baseline, got %v", state.Percentage)
	}
	if state.Level != LevelElevated {
		t.Fatalf("20%% should reach ELEVATED, got %v", state.Level)
	}
}

func TestBelowBaselineClampsToZero(t *testing.T) {
	e := newTestEngine(t, nil)
	state := e.Evaluate(snapshotAt(10, 50), time.Now())
	if state.Percentage != 0 {
		t.Fatalf("below-baseline traffic must report 0%%, got %v", state.Percentage)
	}
	if state.Level != LevelNormal {
		t.Fatalf("expected NORMAL, got %v", state.Level)
	}
}

func TestAttackAtMitigationThreshold(t *testing.T) {
	e := newTestEngine(t, nil)
	state := e.Evaluate(snapshotAt(75, 50), time.Now())
	if state.Level != LevelAttack {
		t.Fatalf("50%% over baseline should reach ATTACK, got %v", state.Level)
	}
	if state.TriggeredAt == nil {
		t.Fatal("triggeredAt should be set on leaving NORMAL")
	}
}

func TestDirectJumpToAttackSkipsElevated(t *testing.T) {
	e := newTestEngine(t, nil)
	state := e.Evaluate(snapshotAt(500, 50), time.Now())
	if state.Level != LevelCritical && state.Level != LevelAttack {
		t.Fatalf("a massive spike must not idle at ELEVATED, got %v", state.Level)
	}
}

func TestCriticalViaMultiplier(t *testing.T) {
	e := newTestEngine(t, nil)
	// 200% over baseline >= 50 * 3 multiplier.
	state := e.Evaluate(snapshotAt(150, 50), time.Now())
	if state.Level != LevelCritical {
		t.Fatalf("3x the mitigation threshold should be CRITICAL immediately, got %v", state.Level)
	}
}

func TestCriticalViaSustainedAttack(t *testing.T) {
	e := newTestEngine(t, nil)
	now := time.Now()

	var state ThreatState
	for i := 0; i < 5; i++ {
		state = e.Evaluate(snapshotAt(90, 50), now.Add(time.Duration(i)*time.Second))
	}
	if state.Level != LevelCritical {
		t.Fatalf("5 sustained ticks at ATTACK should escalate to CRITICAL, got %v", state.Level)
	}
}

func TestCooldownHysteresis(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.CooldownTicks = 3 })
	now := time.Now()

	e.Evaluate(snapshotAt(90, 50), now)
	if e.State().Level != LevelAttack {
		t.Fatalf("setup: expected ATTACK, got %v", e.State().Level)
	}

	// Calm traffic must not clear the level until cooldownTicks in a row.
	for i := 1; i <= 2; i++ {
		state := e.Evaluate(snapshotAt(50, 50), now.Add(time.Duration(i)*time.Second))
		if state.Level != LevelAttack {
			t.Fatalf("tick %d: level cleared before cooldown elapsed: %v", i, state.Level)
		}
	}
	state := e.Evaluate(snapshotAt(50, 50), now.Add(3*time.Second))
	if state.Level != LevelNormal {
		t.Fatalf("after cooldown expected NORMAL, got %v", state.Level)
	}
	if state.TriggeredAt != nil {
		t.Fatal("triggeredAt should clear on NORMAL")
	}
}

func TestCalmStreakResetsOnNewSpike(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.CooldownTicks = 3 })
	now := time.Now()

	e.Evaluate(snapshotAt(90, 50), now)
	e.Evaluate(snapshotAt(50, 50), now.Add(1*time.Second))
	e.Evaluate(snapshotAt(50, 50), now.Add(2*time.Second))
	// Spike again; the calm streak starts over.
	e.Evaluate(snapshotAt(90, 50), now.Add(3*time.Second))
	state := e.Evaluate(snapshotAt(50, 50), now.Add(4*time.Second))
	if state.Level == LevelNormal {
		t.Fatal("one calm tick after a fresh spike must not return to NORMAL")
	}
}

func TestCorruptBaselineDegradesToNormal(t *testing.T) {
	e := newTestEngine(t, nil)
	for _, avg := range []float64{math.NaN(), math.Inf(1), -5} {
		state := e.Evaluate(snapshotAt(100, avg), time.Now())
		if state.Level != LevelNormal || state.Percentage != 0 {
			t.Fatalf("corrupt baseline avg=%v should degrade to NORMAL/0, got %v/%v", avg, state.Level, state.Percentage)
		}
	}
}

func TestZeroBaselineReportsZeroPercent(t *testing.T) {
	e := newTestEngine(t, nil)
	state := e.Evaluate(snapshotAt(100, 0), time.Now())
	if state.Percentage != 0 {
		t.Fatalf("cold-start baseline must not divide by zero, got %v", state.Percentage)
	}
}

func TestAutoActivateFiresOnceOnEnteringAttack(t *testing.T) {
	e := newTestEngine(t, nil)
	activator := &recordingActivator{}
	e.SetActivator(activator)
	now := time.Now()

	e.Evaluate(snapshotAt(90, 50), now)
	e.Evaluate(snapshotAt(95, 50), now.Add(time.Second))
	e.Evaluate(snapshotAt(95, 50), now.Add(2*time.Second))

	if activator.calls != 1 {
		t.Fatalf("auto-activation should fire once on entering ATTACK, got %d calls", activator.calls)
	}
}

func TestAutoActivateRespectsAutoMitigateFlag(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.AutoMitigate = false })
	activator := &recordingActivator{}
	e.SetActivator(activator)

	e.Evaluate(snapshotAt(90, 50), time.Now())
	if activator.calls != 0 {
		t.Fatal("auto-activation must not fire with autoMitigate disabled")
	}
}

func TestBaselineFrozenAtAttackAndAbove(t *testing.T) {
	e := newTestEngine(t, nil)
	if e.BaselineFrozen() {
		t.Fatal("baseline must not be frozen at NORMAL")
	}
	e.Evaluate(snapshotAt(90, 50), time.Now())
	if !e.BaselineFrozen() {
		t.Fatal("baseline must freeze at ATTACK")
	}
}
