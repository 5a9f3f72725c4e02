package intelliceil

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// TrafficPoint is one sampled interval of the traffic time series.
type TrafficPoint struct {
	Timestamp time.Time `json:"timestamp"`
	RPS       float64   `json:"rps"`
}

// Baseline is the rolling expected-normal traffic rate.
type Baseline struct {
	AvgRequestsPerSecond  float64   `json:"avgRequestsPerSecond"`
	PeakRequestsPerSecond float64   `json:"peakRequestsPerSecond"`
	SampleCount           int64     `json:"sampleCount"`
	LastUpdated           time.Time `json:"lastUpdated"`
}

// RateSnapshot is the immutable view published after each tick. Request
// goroutines read it without blocking.
type RateSnapshot struct {
	CurrentRPS float64
	Baseline   Baseline
	History    []TrafficPoint
}

const peakDecayFactor = 0.999

// RateMonitor samples requests per second on a dedicated timer. The hot path
// touches a single atomic counter; everything else is owned by the tick
// goroutine and published as a snapshot.
type RateMonitor struct {
	interval        time.Duration
	historyCapacity int

	pending atomic.Int64
	snap    atomic.Pointer[RateSnapshot]

	// horizonSeconds and frozen are read on tick only.
	horizonSeconds func() int
	frozen         func() bool
}

// NewRateMonitor creates a monitor sampling at interval, retaining
// historyCapacity points (one point per interval).
func NewRateMonitor(interval time.Duration, historyCapacity int) *RateMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	if historyCapacity <= 0 {
		historyCapacity = 3600
	}
	m := &RateMonitor{
		interval:        interval,
		historyCapacity: historyCapacity,
		horizonSeconds:  func() int { return 600 },
		frozen:          func() bool { return false },
	}
	m.snap.Store(&RateSnapshot{})
	return m
}

// SetHorizonFunc sets the EWMA horizon source (config snapshot).
func (m *RateMonitor) SetHorizonFunc(f func() int) {
	if f != nil {
		m.horizonSeconds = f
	}
}

// SetFreezeFunc installs the baseline-poisoning guard: while it reports
// true (threat level ATTACK or above) the baseline is not updated.
func (m *RateMonitor) SetFreezeFunc(f func() bool) {
	if f != nil {
		m.frozen = f
	}
}

// RecordRequest counts one request in the current interval. O(1), no
// allocation; safe from any goroutine.
func (m *RateMonitor) RecordRequest() {
	m.pending.Add(1)
}

// Snapshot returns the latest published view.
func (m *RateMonitor) Snapshot() RateSnapshot {
	return *m.snap.Load()
}

// Run ticks until the context is cancelled. Call from exactly one goroutine.
func (m *RateMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Tick(now)
		}
	}
}

// Tick closes the current interval and publishes a fresh snapshot. Exported
// so tests can drive time directly; production use goes through Run.
func (m *RateMonitor) Tick(now time.Time) {
	count := m.pending.Swap(0)
	rps := float64(count) / m.interval.Seconds()

	prev := m.snap.Load()
	baseline := prev.Baseline

	if m.frozen() {
		// Under attack the observed rate must not drag the baseline up.
		baseline.PeakRequestsPerSecond = math.Max(baseline.PeakRequestsPerSecond, rps)
	} else {
		horizon := m.horizonSeconds()
		ticksInHorizon := float64(horizon) / m.interval.Seconds()
		if ticksInHorizon < 1 {
			ticksInHorizon = 1
		}
		alpha := 2 / (ticksInHorizon + 1)
		if baseline.SampleCount == 0 {
			baseline.AvgRequestsPerSecond = rps
		} else {
			baseline.AvgRequestsPerSecond += alpha * (rps - baseline.AvgRequestsPerSecond)
		}
		baseline.SampleCount++
		baseline.LastUpdated = now

		// Peak decays slowly so legitimately higher steady-state traffic is
		// eventually admitted as normal.
		baseline.PeakRequestsPerSecond *= peakDecayFactor
		if rps > baseline.PeakRequestsPerSecond {
			baseline.PeakRequestsPerSecond = rps
		}
	}

	history := make([]TrafficPoint, 0, m.historyCapacity)
	start := 0
	if len(prev.History) >= m.historyCapacity {
		start = len(prev.History) - m.historyCapacity + 1
	}
	history = append(history, prev.History[start:]...)
	history = append(history, TrafficPoint{Timestamp: now, RPS: rps})

	m.snap.Store(&RateSnapshot{
		CurrentRPS: rps,
		Baseline:   baseline,
		History:    history,
	})
}
