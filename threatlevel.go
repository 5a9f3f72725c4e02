package intelliceil

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// ThreatLevel is the engine's escalation state.
type ThreatLevel int

const (
	LevelNormal ThreatLevel = iota
	LevelElevated
	LevelAttack
	LevelCritical
)

func (l ThreatLevel) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelElevated:
		return "ELEVATED"
	case LevelAttack:
		return "ATTACK"
	case LevelCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("ThreatLevel(%d)", int(l))
	}
}

func (l ThreatLevel) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

func (l *ThreatLevel) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"NORMAL"`:
		*l = LevelNormal
	case `"ELEVATED"`:
		*l = LevelElevated
	case `"ATTACK"`:
		*l = LevelAttack
	case `"CRITICAL"`:
		*l = LevelCritical
	default:
		return fmt.Errorf("unknown threat level %s", data)
	}
	return nil
}

// ThreatState is the published, immutable view of the state machine.
type ThreatState struct {
	Level       ThreatLevel `json:"level"`
	Percentage  float64     `json:"percentage"`
	TriggeredAt *time.Time  `json:"triggeredAt"`
}

// Activator lets the engine auto-activate mitigation without depending on
// the enforcer type directly.
type Activator interface {
	AutoActivate(reason string) bool
}

// ThreatLevelEngine derives the threat level from rate snapshots. Evaluate
// runs on the monitor's tick goroutine only; readers use State.
type ThreatLevelEngine struct {
	cfg       *ConfigStore
	state     atomic.Pointer[ThreatState]
	activator Activator

	// Tick-goroutine-only counters backing the hysteresis.
	sustainTicks int
	calmTicks    int
}

func NewThreatLevelEngine(cfg *ConfigStore) *ThreatLevelEngine {
	e := &ThreatLevelEngine{cfg: cfg}
	e.state.Store(&ThreatState{Level: LevelNormal})
	return e
}

// SetActivator wires the mitigation enforcer; call once during setup.
func (e *ThreatLevelEngine) SetActivator(a Activator) {
	e.activator = a
}

// State returns the current published threat state.
func (e *ThreatLevelEngine) State() ThreatState {
	return *e.state.Load()
}

// BaselineFrozen reports whether baseline updates must pause; wired into
// RateMonitor.SetFreezeFunc to prevent baseline poisoning.
func (e *ThreatLevelEngine) BaselineFrozen() bool {
	return e.state.Load().Level >= LevelAttack
}

// Evaluate advances the state machine for one tick. A corrupt baseline
// degrades to NORMAL with percentage 0 instead of taking down the request
// path.
func (e *ThreatLevelEngine) Evaluate(snap RateSnapshot, now time.Time) ThreatState {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("panic", fmt.Sprint(r)).Msg("threat level evaluation panicked, degrading to NORMAL")
			e.state.Store(&ThreatState{Level: LevelNormal})
		}
	}()

	cfg := e.cfg.Snapshot()
	prev := e.state.Load()

	avg := snap.Baseline.AvgRequestsPerSecond
	if math.IsNaN(avg) || math.IsInf(avg, 0) || avg < 0 {
		logger.Error().Float64("avg", avg).Msg("corrupt baseline detected, degrading threat level to NORMAL")
		next := &ThreatState{Level: LevelNormal}
		e.state.Store(next)
		e.sustainTicks, e.calmTicks = 0, 0
		return *next
	}

	percentage := 0.0
	if avg > 0 {
		percentage = (snap.CurrentRPS - avg) / avg * 100
		if percentage < 0 {
			percentage = 0
		}
	}

	level := prev.Level
	triggeredAt := prev.TriggeredAt

	switch {
	case percentage >= cfg.MitigationThreshold:
		e.calmTicks = 0
		e.sustainTicks++
		if level < LevelAttack {
			level = LevelAttack
		}
		if percentage >= cfg.MitigationThreshold*cfg.CriticalMultiplier || e.sustainTicks >= cfg.CriticalSustainTicks {
			level = LevelCritical
		}
	case percentage >= cfg.AlertThreshold:
		e.calmTicks = 0
		e.sustainTicks = 0
		if level == LevelNormal {
			level = LevelElevated
		}
	default:
		e.sustainTicks = 0
		e.calmTicks++
		if e.calmTicks >= cfg.CooldownTicks {
			level = LevelNormal
		}
	}

	if level == LevelNormal {
		triggeredAt = nil
	} else if prev.Level == LevelNormal && triggeredAt == nil {
		t := now
		triggeredAt = &t
	}

	next := &ThreatState{Level: level, Percentage: percentage, TriggeredAt: triggeredAt}
	e.state.Store(next)

	if level != prev.Level {
		logger.Warn().
			Str("from", prev.Level.String()).
			Str("to", level.String()).
			Float64("percentage", percentage).
			Float64("currentRps", snap.CurrentRPS).
			Float64("baselineRps", avg).
			Msg("threat level transition")
	}

	if level >= LevelAttack && prev.Level < LevelAttack && cfg.AutoMitigate && e.activator != nil {
		reason := fmt.Sprintf("auto: threshold exceeded (%.1f%% over baseline)", percentage)
		e.activator.AutoActivate(reason)
	}

	return *next
}
