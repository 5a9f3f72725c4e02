package intelliceil

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// controlPlanePrefixes are never screened: admin and observability traffic
// must stay reachable during an attack.
var controlPlanePrefixes = []string{
	"/intelliceil",
	"/metrics",
	"/healthz",
}

func isControlPlanePath(path string) bool {
	for _, prefix := range controlPlanePrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

const (
	alertRepeatThreshold = 10
	alertWindow          = 5 * time.Minute
	alertMaxKeys         = 8192
)

// Pipeline is the request ingest path: it feeds the rate monitor and the
// per-IP registries, runs the enforcer and converts denials into 403s.
type Pipeline struct {
	enforcer *MitigationEnforcer
	monitor  *RateMonitor
	geo      *GeoLocationRegistry
	metrics  *MetricsAggregator
	store    *Store
	notifier *Notifier

	// Per-(reason,ip) denial streaks, for repeat-offender alerting.
	alertMu     sync.Mutex
	alertCounts map[string]*denialStreak
}

type denialStreak struct {
	count    int
	windowAt time.Time
	notified bool
}

func NewPipeline(enforcer *MitigationEnforcer, monitor *RateMonitor, geo *GeoLocationRegistry, metrics *MetricsAggregator, store *Store) *Pipeline {
	return &Pipeline{
		enforcer:    enforcer,
		monitor:     monitor,
		geo:         geo,
		metrics:     metrics,
		store:       store,
		alertCounts: make(map[string]*denialStreak),
	}
}

// SetNotifier enables repeat-offender alerts: one notification per
// (reason, ip) pair when denials cross the threshold inside the window.
func (p *Pipeline) SetNotifier(n *Notifier) {
	p.notifier = n
}

// Middleware returns the fiber handler to mount in front of the protected
// application.
func (p *Pipeline) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if isControlPlanePath(c.Path()) {
			return c.Next()
		}

		now := time.Now()
		req := RequestFromFiber(c, GetClientIP(c), now)

		p.monitor.RecordRequest()
		p.metrics.RecordRequest()
		if p.geo != nil {
			p.geo.RecordSighting(req.IP, now)
		}

		decision := p.enforcer.Decide(req)
		if decision.Allowed {
			p.metrics.RecordAllowed()
			return c.Next()
		}
		p.recordDenial(req, decision)
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "request blocked",
			"code":  decision.Reason,
		})
	}
}

func (p *Pipeline) recordDenial(req *RequestContext, decision Decision) {
	country := ""
	if p.geo != nil {
		country = p.geo.Country(req.IP)
	}
	p.metrics.RecordBlocked(decision.Reason)
	p.metrics.RecordAttackSource(req.IP, req.Path, country)

	logger.Info().
		Str("ip", req.IP).
		Str("method", req.Method).
		Str("path", req.Path).
		Str("reason", string(decision.Reason)).
		Str("detail", decision.Detail).
		Msg("request blocked")

	if p.store != nil {
		p.store.RecordEvent(SecurityEvent{
			Timestamp: req.Now.UTC(),
			IP:        req.IP,
			Method:    req.Method,
			Path:      req.Path,
			Reason:    string(decision.Reason),
			Detail:    decision.Detail,
			Country:   country,
		})
	}
	p.trackRepeatOffender(req, decision)
}

func (p *Pipeline) trackRepeatOffender(req *RequestContext, decision Decision) {
	if p.notifier == nil {
		return
	}
	key := string(decision.Reason) + "|" + req.IP

	p.alertMu.Lock()
	streak, ok := p.alertCounts[key]
	if !ok || req.Now.Sub(streak.windowAt) > alertWindow {
		if !ok && len(p.alertCounts) >= alertMaxKeys {
			p.alertMu.Unlock()
			return
		}
		streak = &denialStreak{windowAt: req.Now}
		p.alertCounts[key] = streak
	}
	streak.count++
	fire := streak.count >= alertRepeatThreshold && !streak.notified
	if fire {
		streak.notified = true
	}
	count := streak.count
	p.alertMu.Unlock()

	if fire {
		p.notifier.Notify(
			"Repeat offender: "+string(decision.Reason),
			fmt.Sprintf("%s denied %d times for %s within %s", req.IP, count, decision.Reason, alertWindow),
			string(decision.Reason), "pipeline",
		)
	}
}

// SweepAlertCounts drops expired denial streaks; run periodically.
func (p *Pipeline) SweepAlertCounts(now time.Time) {
	p.alertMu.Lock()
	defer p.alertMu.Unlock()
	for key, streak := range p.alertCounts {
		if now.Sub(streak.windowAt) > alertWindow {
			delete(p.alertCounts, key)
		}
	}
}
