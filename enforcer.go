package intelliceil

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	honeypotShardCount    = 32
	honeypotBlockAfter    = 3
	honeypotHitWindow     = 10 * time.Minute
	honeypotMaxPerShard   = 4096
	persistTimeoutDefault = 3 * time.Second
)

// MitigationState is the published mitigation view. Mitigation never
// deactivates on its own; an operator turns it off once the incident is
// understood.
type MitigationState struct {
	Active      bool       `json:"active"`
	Reason      string     `json:"reason,omitempty"`
	TriggeredBy string     `json:"triggeredBy,omitempty"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
}

// MitigationEnforcer runs the inline decision pipeline and owns the
// mitigation switch. Checks short-circuit on the first denial; each detector
// is panic-isolated so one bad pattern cannot take the request path down.
type MitigationEnforcer struct {
	cfg          *ConfigStore
	detectors    *SecurityDetectors
	signatures   *SignatureValidator
	fingerprints *TokenFingerprintStore
	limiter      *SlidingWindowLimiter
	geo          *GeoLocationRegistry
	bots         *BotScorer
	metrics      *MetricsAggregator
	notifier     *Notifier
	store        *Store

	mitigation atomic.Pointer[MitigationState]
	activating atomic.Bool

	honeypotHits [honeypotShardCount]honeypotShard
}

type honeypotShard struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

// EnforcerDeps carries the pipeline's collaborators. Signatures and Store
// may be nil; those checks and persistence are skipped.
type EnforcerDeps struct {
	Config       *ConfigStore
	Detectors    *SecurityDetectors
	Signatures   *SignatureValidator
	Fingerprints *TokenFingerprintStore
	Limiter      *SlidingWindowLimiter
	Geo          *GeoLocationRegistry
	Bots         *BotScorer
	Metrics      *MetricsAggregator
	Notifier     *Notifier
	Store        *Store
}

func NewMitigationEnforcer(deps EnforcerDeps) *MitigationEnforcer {
	e := &MitigationEnforcer{
		cfg:          deps.Config,
		detectors:    deps.Detectors,
		signatures:   deps.Signatures,
		fingerprints: deps.Fingerprints,
		limiter:      deps.Limiter,
		geo:          deps.Geo,
		bots:         deps.Bots,
		metrics:      deps.Metrics,
		notifier:     deps.Notifier,
		store:        deps.Store,
	}
	e.mitigation.Store(&MitigationState{})
	for i := range e.honeypotHits {
		e.honeypotHits[i].hits = make(map[string][]time.Time)
	}
	return e
}

// Mitigation returns the current mitigation state.
func (e *MitigationEnforcer) Mitigation() MitigationState {
	return *e.mitigation.Load()
}

// Activate turns mitigation on. Concurrent activations collapse to one;
// only the winner notifies. Returns false if mitigation was already active.
func (e *MitigationEnforcer) Activate(reason, triggeredBy string) bool {
	if !e.activating.CompareAndSwap(false, true) {
		return false
	}
	defer e.activating.Store(false)

	if e.mitigation.Load().Active {
		return false
	}
	now := time.Now().UTC()
	e.mitigation.Store(&MitigationState{
		Active:      true,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		ActivatedAt: &now,
	})
	logger.Warn().Str("reason", reason).Str("triggeredBy", triggeredBy).Msg("mitigation activated")

	if e.notifier != nil && e.cfg.Snapshot().NotifyOnAttack {
		e.notifier.Notify(
			"Mitigation activated",
			fmt.Sprintf("Traffic mitigation is now active: %s", reason),
			reason, triggeredBy,
		)
	}
	e.audit(SecurityEvent{
		IP:     triggeredBy,
		Method: "SYSTEM",
		Path:   "/mitigation/activate",
		Reason: "MITIGATION_ACTIVATED",
		Detail: reason,
	})
	return true
}

// AutoActivate satisfies the Activator interface for the threat engine.
func (e *MitigationEnforcer) AutoActivate(reason string) bool {
	return e.Activate(reason, "auto")
}

// Deactivate turns mitigation off. Only operators call this.
func (e *MitigationEnforcer) Deactivate(triggeredBy string) bool {
	if !e.activating.CompareAndSwap(false, true) {
		return false
	}
	defer e.activating.Store(false)

	if !e.mitigation.Load().Active {
		return false
	}
	e.mitigation.Store(&MitigationState{})
	logger.Info().Str("triggeredBy", triggeredBy).Msg("mitigation deactivated")
	e.audit(SecurityEvent{
		IP:     triggeredBy,
		Method: "SYSTEM",
		Path:   "/mitigation/deactivate",
		Reason: "MITIGATION_DEACTIVATED",
	})
	return true
}

// Decide runs the full pipeline over one request. Check order is fixed:
// cheap list lookups first, then integrity checks, then pattern scans, then
// volumetric controls.
func (e *MitigationEnforcer) Decide(req *RequestContext) Decision {
	cfg := e.cfg.Snapshot()
	if !cfg.Enabled {
		return Allow()
	}

	if cfg.IsBlocked(req.IP) {
		return Deny(ReasonBlockedIP, "source address is blocklisted")
	}

	if d := safeCheck("honeypot", func() Decision { return e.checkHoneypot(cfg, req) }); !d.Allowed {
		return d
	}
	if d := safeCheck("signature", func() Decision { return e.checkSignature(cfg, req) }); !d.Allowed {
		return d
	}
	if d := safeCheck("fingerprint", func() Decision { return e.checkFingerprint(cfg, req) }); !d.Allowed {
		return d
	}
	if d := safeCheck("sql_injection", func() Decision { return e.checkSQLInjection(cfg, req) }); !d.Allowed {
		return d
	}
	if d := safeCheck("xss", func() Decision { return e.checkXSS(cfg, req) }); !d.Allowed {
		return d
	}
	if d := e.checkRateLimit(cfg, req); !d.Allowed {
		return d
	}
	if d := e.checkMitigation(cfg, req); !d.Allowed {
		return d
	}
	if d := safeCheck("bot", func() Decision { return e.checkBot(cfg, req) }); !d.Allowed {
		return d
	}
	return Allow()
}

func (e *MitigationEnforcer) checkHoneypot(cfg *Config, req *RequestContext) Decision {
	if !e.detectors.MatchHoneypot(req.Path) {
		return Allow()
	}
	hits := e.recordHoneypotHit(req.IP, req.Now)
	if hits >= honeypotBlockAfter && !cfg.IsBlocked(req.IP) {
		if e.cfg.BlockIP(req.IP) {
			logger.Warn().Str("ip", req.IP).Int("hits", hits).Msg("repeat honeypot offender blocklisted")
			e.persistBlock(req.IP, "repeat honeypot hits")
		}
	}
	return Deny(ReasonHoneypot, "trap endpoint "+req.Path)
}

func (e *MitigationEnforcer) recordHoneypotHit(ip string, now time.Time) int {
	h := fnv.New32a()
	h.Write([]byte(ip))
	sh := &e.honeypotHits[h.Sum32()%honeypotShardCount]

	sh.mu.Lock()
	defer sh.mu.Unlock()
	cutoff := now.Add(-honeypotHitWindow)
	kept := sh.hits[ip][:0]
	for _, t := range sh.hits[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	if _, ok := sh.hits[ip]; !ok && len(sh.hits) >= honeypotMaxPerShard {
		// Cap new entries under a spoofed-source flood; existing offenders
		// keep their history.
		return len(kept)
	}
	sh.hits[ip] = kept
	return len(kept)
}

func (e *MitigationEnforcer) checkSignature(cfg *Config, req *RequestContext) Decision {
	if !cfg.EnableSignatureValidation || e.signatures == nil {
		return Allow()
	}
	switch e.signatures.Validate(req) {
	case SignatureValid:
		return Allow()
	case SignatureReplay:
		return Deny(ReasonReplayDetected, "timestamp outside tolerance or nonce reuse")
	default:
		return Deny(ReasonSignatureInvalid, "missing or invalid request signature")
	}
}

func (e *MitigationEnforcer) checkFingerprint(cfg *Config, req *RequestContext) Decision {
	if !cfg.EnableTokenFingerprinting || req.Token == "" {
		return Allow()
	}
	switch e.fingerprints.Check(req.Token, req) {
	case FingerprintMismatch:
		return Deny(ReasonTokenMismatch, "token presented from a different device profile")
	default:
		// Unknown bindings pass; fingerprinting is an auxiliary signal, not
		// an auth gate.
		return Allow()
	}
}

func (e *MitigationEnforcer) checkSQLInjection(cfg *Config, req *RequestContext) Decision {
	if !cfg.EnableSQLInjectionDetection {
		return Allow()
	}
	if rule, hit := e.detectors.ScanSQLInjection(req); hit {
		return Deny(ReasonSQLInjection, rule)
	}
	return Allow()
}

func (e *MitigationEnforcer) checkXSS(cfg *Config, req *RequestContext) Decision {
	if !cfg.EnableXSSDetection {
		return Allow()
	}
	if rule, hit := e.detectors.ScanXSS(req); hit {
		return Deny(ReasonXSS, rule)
	}
	return Allow()
}

func (e *MitigationEnforcer) checkRateLimit(cfg *Config, req *RequestContext) Decision {
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if e.limiter.Allow(req.IP, cfg.MaxRequestsPerIP, window, req.Now) {
		return Allow()
	}
	return Deny(ReasonRateLimit, fmt.Sprintf("over %d requests in %s", cfg.MaxRequestsPerIP, window))
}

// checkMitigation gates untrusted traffic while mitigation is active.
// Trusted sources pass: a trusted-domain Origin or Host, or an IP the
// reputation registry marks trusted. Blocklisted sources never get here.
func (e *MitigationEnforcer) checkMitigation(cfg *Config, req *RequestContext) Decision {
	if !e.mitigation.Load().Active {
		return Allow()
	}
	if cfg.IsTrustedDomain(req.Origin) || cfg.IsTrustedDomain(req.Host) {
		return Allow()
	}
	if e.geo != nil && e.geo.Trusted(req.IP) {
		return Allow()
	}
	return Deny(ReasonMitigationBlock, "mitigation active, source not trusted")
}

func (e *MitigationEnforcer) checkBot(cfg *Config, req *RequestContext) Decision {
	if !cfg.EnableBotDetection {
		return Allow()
	}
	score := e.bots.Score(req)
	if float64(score) < cfg.BotDetectionThreshold {
		return Allow()
	}
	if cfg.BotDetectionMode == "block" {
		return Deny(ReasonBotDetected, fmt.Sprintf("bot score %d", score))
	}
	e.metrics.RecordFlagged(ReasonBotDetected)
	logger.Info().Str("ip", req.IP).Int("score", score).Str("userAgent", req.UserAgent).Msg("bot traffic flagged")
	return Allow()
}

func (e *MitigationEnforcer) persistBlock(ip, reason string) {
	if e.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeoutDefault)
		defer cancel()
		if err := e.store.SaveBlockedIP(ctx, ip, reason, time.Now()); err != nil {
			logger.Error().Err(err).Str("ip", ip).Msg("failed to persist blocklist entry")
		}
	}()
}

func (e *MitigationEnforcer) audit(ev SecurityEvent) {
	if e.store != nil {
		e.store.RecordEvent(ev)
	}
}

// SweepHoneypotHits drops stale honeypot hit history; run periodically.
func (e *MitigationEnforcer) SweepHoneypotHits(now time.Time) {
	cutoff := now.Add(-honeypotHitWindow)
	for i := range e.honeypotHits {
		sh := &e.honeypotHits[i]
		sh.mu.Lock()
		for ip, times := range sh.hits {
			kept := times[:0]
			for _, t := range times {
				if t.After(cutoff) {
					kept = append(kept, t)
				}
			}
			if len(kept) == 0 {
				delete(sh.hits, ip)
			} else {
				sh.hits[ip] = kept
			}
		}
		sh.mu.Unlock()
	}
}
