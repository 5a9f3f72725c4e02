package intelliceil

import (
	"context"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Auth headers populated by the platform's gateway after it authenticates
// the operator. The engine trusts the gateway, not the client.
const (
	HeaderAuthRole = "X-Auth-Role"
	HeaderAuthUser = "X-Auth-User"

	roleSuperAdmin = "super_admin"
)

// API mounts the admin and status surface. Reads are open to any
// authenticated operator; every mutating route requires the super_admin
// role.
type API struct {
	cfg      *ConfigStore
	monitor  *RateMonitor
	threat   *ThreatLevelEngine
	enforcer *MitigationEnforcer
	metrics  *MetricsAggregator
	geo      *GeoLocationRegistry
	store    *Store
	registry *prometheus.Registry
}

func NewAPI(cfg *ConfigStore, monitor *RateMonitor, threat *ThreatLevelEngine, enforcer *MitigationEnforcer, metrics *MetricsAggregator, geo *GeoLocationRegistry, store *Store, registry *prometheus.Registry) *API {
	return &API{
		cfg:      cfg,
		monitor:  monitor,
		threat:   threat,
		enforcer: enforcer,
		metrics:  metrics,
		geo:      geo,
		store:    store,
		registry: registry,
	}
}

// Register mounts all routes on the app.
func (a *API) Register(app *fiber.App) {
	app.Get("/healthz", a.handleHealth)
	if a.registry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	}

	grp := app.Group("/intelliceil")
	grp.Get("/status", a.handleStatus)
	grp.Get("/events", a.handleEvents)

	admin := requireRole(roleSuperAdmin)
	grp.Put("/config", admin, a.handleUpdateConfig)
	grp.Post("/block-ip", admin, a.handleBlockIP)
	grp.Post("/unblock-ip", admin, a.handleUnblockIP)
	grp.Post("/mitigation/activate", admin, a.handleActivate)
	grp.Post("/mitigation/deactivate", admin, a.handleDeactivate)
	grp.Post("/trusted-domains", admin, a.handleAddTrustedDomain)
	grp.Delete("/trusted-domains/:domain", admin, a.handleRemoveTrustedDomain)
}

func requireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		got := c.Get(HeaderAuthRole)
		if got != role {
			err := &AuthorizationError{Role: got}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Next()
	}
}

func operator(c *fiber.Ctx) string {
	if user := c.Get(HeaderAuthUser); user != "" {
		return user
	}
	return GetClientIP(c)
}

// StatusResponse is the full engine view served to dashboards.
type StatusResponse struct {
	Config          *Config         `json:"config"`
	Threat          ThreatState     `json:"threat"`
	Mitigation      MitigationState `json:"mitigation"`
	CurrentRPS      float64         `json:"currentRps"`
	Baseline        Baseline        `json:"baseline"`
	History         []TrafficPoint  `json:"history"`
	SecurityMetrics SecurityMetrics `json:"securityMetrics"`
	TopSources      []KeyCount      `json:"topSources"`
	TopEndpoints    []KeyCount      `json:"topEndpoints"`
	TopCountries    []KeyCount      `json:"topCountries"`
	TopIPs          []GeoLocation   `json:"topIps"`
	UniqueIPs       int             `json:"uniqueIps"`
}

func (a *API) handleStatus(c *fiber.Ctx) error {
	snap := a.monitor.Snapshot()
	resp := StatusResponse{
		Config:          a.cfg.Snapshot(),
		Threat:          a.threat.State(),
		Mitigation:      a.enforcer.Mitigation(),
		CurrentRPS:      snap.CurrentRPS,
		Baseline:        snap.Baseline,
		History:         snap.History,
		SecurityMetrics: a.metrics.Snapshot(),
		TopSources:      a.metrics.TopSources.Top(10),
		TopEndpoints:    a.metrics.TopEndpoints.Top(10),
		TopCountries:    a.metrics.TopCountries.Top(10),
	}
	if a.geo != nil {
		resp.TopIPs = a.geo.Snapshot(10)
		resp.UniqueIPs = a.geo.UniqueIPs()
	}
	return c.JSON(resp)
}

func (a *API) handleEvents(c *fiber.Ctx) error {
	if a.store == nil {
		return c.JSON([]SecurityEvent{})
	}
	limit := c.QueryInt("limit", 100)
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()
	events, err := a.store.RecentEvents(ctx, limit)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load security events")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "event store unavailable"})
	}
	return c.JSON(events)
}

func (a *API) handleUpdateConfig(c *fiber.Ctx) error {
	var update ConfigUpdate
	if err := c.BodyParser(&update); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid config payload"})
	}
	next, err := a.cfg.Apply(update)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	logger.Info().Str("operator", operator(c)).Msg("config updated")
	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := a.store.SaveConfigSnapshot(ctx, next, operator(c), time.Now()); err != nil {
			logger.Error().Err(err).Msg("failed to persist config snapshot")
		}
	}
	return c.JSON(next)
}

type ipRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

func (a *API) handleBlockIP(c *fiber.Ctx) error {
	var body ipRequest
	if err := c.BodyParser(&body); err != nil || net.ParseIP(body.IP) == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "a valid ip is required"})
	}
	changed := a.cfg.BlockIP(body.IP)
	if changed {
		logger.Warn().Str("ip", body.IP).Str("operator", operator(c)).Str("reason", body.Reason).Msg("ip blocklisted")
		if a.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := a.store.SaveBlockedIP(ctx, body.IP, body.Reason, time.Now()); err != nil {
				logger.Error().Err(err).Str("ip", body.IP).Msg("failed to persist blocklist entry")
			}
			a.store.RecordEvent(SecurityEvent{
				IP:     body.IP,
				Method: "ADMIN",
				Path:   "/intelliceil/block-ip",
				Reason: "IP_BLOCKED",
				Detail: body.Reason,
			})
		}
	}
	return c.JSON(fiber.Map{"ip": body.IP, "blocked": true, "changed": changed})
}

func (a *API) handleUnblockIP(c *fiber.Ctx) error {
	var body ipRequest
	if err := c.BodyParser(&body); err != nil || body.IP == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "ip is required"})
	}
	changed := a.cfg.UnblockIP(body.IP)
	if changed {
		logger.Info().Str("ip", body.IP).Str("operator", operator(c)).Msg("ip unblocked")
		if a.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := a.store.DeleteBlockedIP(ctx, body.IP); err != nil {
				logger.Error().Err(err).Str("ip", body.IP).Msg("failed to remove persisted blocklist entry")
			}
		}
	}
	return c.JSON(fiber.Map{"ip": body.IP, "blocked": false, "changed": changed})
}

type mitigationRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleActivate(c *fiber.Ctx) error {
	var body mitigationRequest
	_ = c.BodyParser(&body)
	if body.Reason == "" {
		body.Reason = "manual activation"
	}
	changed := a.enforcer.Activate(body.Reason, operator(c))
	return c.JSON(fiber.Map{"mitigation": a.enforcer.Mitigation(), "changed": changed})
}

func (a *API) handleDeactivate(c *fiber.Ctx) error {
	changed := a.enforcer.Deactivate(operator(c))
	return c.JSON(fiber.Map{"mitigation": a.enforcer.Mitigation(), "changed": changed})
}

type domainRequest struct {
	Domain string `json:"domain"`
}

func (a *API) handleAddTrustedDomain(c *fiber.Ctx) error {
	var body domainRequest
	if err := c.BodyParser(&body); err != nil || body.Domain == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "domain is required"})
	}
	changed := a.cfg.AddTrustedDomain(body.Domain)
	if changed {
		logger.Info().Str("domain", body.Domain).Str("operator", operator(c)).Msg("trusted domain added")
	}
	return c.JSON(fiber.Map{"domain": body.Domain, "trusted": true, "changed": changed})
}

func (a *API) handleRemoveTrustedDomain(c *fiber.Ctx) error {
	domain := c.Params("domain")
	changed := a.cfg.RemoveTrustedDomain(domain)
	if changed {
		logger.Info().Str("domain", domain).Str("operator", operator(c)).Msg("trusted domain removed")
	}
	return c.JSON(fiber.Map{"domain": domain, "trusted": false, "changed": changed})
}

func (a *API) handleHealth(c *fiber.Ctx) error {
	if a.store != nil {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()
		if err := a.store.HealthCheck(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "error": err.Error()})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
