package intelliceil

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// KeyCount is one row of a top-N ranking.
type KeyCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// TopTracker keeps bounded per-key counters for top-N rankings (attack
// sources, targeted endpoints, countries). When full, the lowest-count key
// is evicted so heavy hitters survive cardinality floods.
type TopTracker struct {
	mu     sync.Mutex
	max    int
	counts map[string]int64
}

func NewTopTracker(max int) *TopTracker {
	if max <= 0 {
		max = 1024
	}
	return &TopTracker{max: max, counts: make(map[string]int64, max)}
}

func (t *TopTracker) Incr(key string) {
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.counts[key]; !ok && len(t.counts) >= t.max {
		t.evictSmallest()
	}
	t.counts[key]++
}

func (t *TopTracker) evictSmallest() {
	var minKey string
	var minCount int64
	for key, count := range t.counts {
		if minKey == "" || count < minCount {
			minKey, minCount = key, count
		}
	}
	if minKey != "" {
		delete(t.counts, minKey)
	}
}

// Top returns the n highest-count keys, descending. Ties break on key for
// stable output.
func (t *TopTracker) Top(n int) []KeyCount {
	t.mu.Lock()
	out := make([]KeyCount, 0, len(t.counts))
	for key, count := range t.counts {
		out = append(out, KeyCount{Key: key, Count: count})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// SecurityMetrics is the point-in-time counter snapshot served by the
// status endpoint.
type SecurityMetrics struct {
	TotalRequests         int64 `json:"totalRequests"`
	AllowedRequests       int64 `json:"allowedRequests"`
	BlockedRequests       int64 `json:"blockedRequests"`
	SQLInjectionAttempts  int64 `json:"sqlInjectionAttempts"`
	XSSAttempts           int64 `json:"xssAttempts"`
	BotDetections         int64 `json:"botDetections"`
	SignatureFailures     int64 `json:"signatureFailures"`
	ReplayAttempts        int64 `json:"replayAttempts"`
	HoneypotHits          int64 `json:"honeypotHits"`
	FingerprintMismatches int64 `json:"fingerprintMismatches"`
	RateLimitHits         int64 `json:"rateLimitHits"`
	MitigationBlocks      int64 `json:"mitigationBlocks"`

	ReputationCacheSize  int `json:"reputationCacheSize"`
	FingerprintCacheSize int `json:"fingerprintCacheSize"`
	RateLimiterSize      int `json:"rateLimiterSize"`
}

// MetricsAggregator owns the lock-free security counters plus the bounded
// top-N trackers. Every mutation on the request path is a single atomic add.
type MetricsAggregator struct {
	totalRequests         atomic.Int64
	allowedRequests       atomic.Int64
	blockedRequests       atomic.Int64
	sqlInjectionAttempts  atomic.Int64
	xssAttempts           atomic.Int64
	botDetections         atomic.Int64
	signatureFailures     atomic.Int64
	replayAttempts        atomic.Int64
	honeypotHits          atomic.Int64
	fingerprintMismatches atomic.Int64
	rateLimitHits         atomic.Int64
	mitigationBlocks      atomic.Int64

	TopSources   *TopTracker
	TopEndpoints *TopTracker
	TopCountries *TopTracker

	// Optional cache-size probes for the snapshot.
	reputationSize  func() int
	fingerprintSize func() int
	rateLimiterSize func() int
}

func NewMetricsAggregator() *MetricsAggregator {
	return &MetricsAggregator{
		TopSources:   NewTopTracker(1024),
		TopEndpoints: NewTopTracker(1024),
		TopCountries: NewTopTracker(256),
	}
}

// SetCacheSizeProbes wires the live caches whose sizes the snapshot reports.
func (m *MetricsAggregator) SetCacheSizeProbes(reputation, fingerprint, rateLimiter func() int) {
	m.reputationSize = reputation
	m.fingerprintSize = fingerprint
	m.rateLimiterSize = rateLimiter
}

func (m *MetricsAggregator) RecordRequest() { m.totalRequests.Add(1) }
func (m *MetricsAggregator) RecordAllowed() { m.allowedRequests.Add(1) }

// RecordBlocked bumps the block counter plus the per-reason counter. Exactly
// one reason counter moves per blocked request.
func (m *MetricsAggregator) RecordBlocked(reason ReasonCode) {
	m.blockedRequests.Add(1)
	switch reason {
	case ReasonSQLInjection:
		m.sqlInjectionAttempts.Add(1)
	case ReasonXSS:
		m.xssAttempts.Add(1)
	case ReasonBotDetected:
		m.botDetections.Add(1)
	case ReasonSignatureInvalid:
		m.signatureFailures.Add(1)
	case ReasonReplayDetected:
		m.replayAttempts.Add(1)
	case ReasonHoneypot:
		m.honeypotHits.Add(1)
	case ReasonTokenMismatch:
		m.fingerprintMismatches.Add(1)
	case ReasonRateLimit:
		m.rateLimitHits.Add(1)
	case ReasonMitigationBlock:
		m.mitigationBlocks.Add(1)
	}
}

// RecordFlagged counts a detection that did not block (flag-mode bot hits,
// fingerprint mismatches observed while fingerprinting is advisory).
func (m *MetricsAggregator) RecordFlagged(reason ReasonCode) {
	switch reason {
	case ReasonBotDetected:
		m.botDetections.Add(1)
	case ReasonTokenMismatch:
		m.fingerprintMismatches.Add(1)
	}
}

// RecordAttackSource feeds the top-N trackers for a denied request.
func (m *MetricsAggregator) RecordAttackSource(ip, path, country string) {
	m.TopSources.Incr(ip)
	m.TopEndpoints.Incr(path)
	m.TopCountries.Incr(country)
}

// Snapshot collects all counters into one consistent-enough view. Counters
// are read individually; small skew between them is acceptable.
func (m *MetricsAggregator) Snapshot() SecurityMetrics {
	s := SecurityMetrics{
		TotalRequests:         m.totalRequests.Load(),
		AllowedRequests:       m.allowedRequests.Load(),
		BlockedRequests:       m.blockedRequests.Load(),
		SQLInjectionAttempts:  m.sqlInjectionAttempts.Load(),
		XSSAttempts:           m.xssAttempts.Load(),
		BotDetections:         m.botDetections.Load(),
		SignatureFailures:     m.signatureFailures.Load(),
		ReplayAttempts:        m.replayAttempts.Load(),
		HoneypotHits:          m.honeypotHits.Load(),
		FingerprintMismatches: m.fingerprintMismatches.Load(),
		RateLimitHits:         m.rateLimitHits.Load(),
		MitigationBlocks:      m.mitigationBlocks.Load(),
	}
	if m.reputationSize != nil {
		s.ReputationCacheSize = m.reputationSize()
	}
	if m.fingerprintSize != nil {
		s.FingerprintCacheSize = m.fingerprintSize()
	}
	if m.rateLimiterSize != nil {
		s.RateLimiterSize = m.rateLimiterSize()
	}
	return s
}

// RegisterPrometheus exposes the counters on a Prometheus registry. The
// collectors read the same atomics the snapshot does.
func (m *MetricsAggregator) RegisterPrometheus(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		counterFunc("intelliceil_requests_total", "Requests seen by the ingest pipeline.", &m.totalRequests),
		counterFunc("intelliceil_requests_allowed_total", "Requests allowed through.", &m.allowedRequests),
		counterFunc("intelliceil_requests_blocked_total", "Requests denied by any detector.", &m.blockedRequests),
		counterFunc("intelliceil_sql_injection_attempts_total", "Requests denied by the SQL injection detector.", &m.sqlInjectionAttempts),
		counterFunc("intelliceil_xss_attempts_total", "Requests denied by the XSS detector.", &m.xssAttempts),
		counterFunc("intelliceil_bot_detections_total", "Requests scored above the bot threshold.", &m.botDetections),
		counterFunc("intelliceil_signature_failures_total", "Requests with missing or invalid signatures.", &m.signatureFailures),
		counterFunc("intelliceil_replay_attempts_total", "Requests rejected for nonce or timestamp replay.", &m.replayAttempts),
		counterFunc("intelliceil_honeypot_hits_total", "Requests to trap endpoints.", &m.honeypotHits),
		counterFunc("intelliceil_fingerprint_mismatches_total", "Token fingerprint mismatches observed.", &m.fingerprintMismatches),
		counterFunc("intelliceil_rate_limit_hits_total", "Requests denied by the per-IP sliding window.", &m.rateLimitHits),
		counterFunc("intelliceil_mitigation_blocks_total", "Requests denied by active mitigation.", &m.mitigationBlocks),
	}
	if m.reputationSize != nil {
		collectors = append(collectors, gaugeFunc("intelliceil_reputation_cache_size", "Live IP reputation records.", m.reputationSize))
	}
	if m.fingerprintSize != nil {
		collectors = append(collectors, gaugeFunc("intelliceil_fingerprint_cache_size", "Live token fingerprint bindings.", m.fingerprintSize))
	}
	if m.rateLimiterSize != nil {
		collectors = append(collectors, gaugeFunc("intelliceil_rate_limiter_size", "Tracked per-IP rate windows.", m.rateLimiterSize))
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func counterFunc(name, help string, v *atomic.Int64) prometheus.Collector {
	return prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	)
}

func gaugeFunc(name, help string, probe func() int) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(probe()) },
	)
}
