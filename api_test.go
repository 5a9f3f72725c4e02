package intelliceil

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

func newTestAPI(t *testing.T) (*fiber.App, *ConfigStore, *MitigationEnforcer) {
	t.Helper()
	store, err := NewConfigStore(DefaultConfig())
	if err != nil {
		t.Fatalf("NewConfigStore: %v", err)
	}
	monitor := NewRateMonitor(time.Second, 60)
	threat := NewThreatLevelEngine(store)
	geo := NewGeoLocationRegistry(nil, time.Hour, 0)
	metrics := NewMetricsAggregator()
	enforcer := NewMitigationEnforcer(EnforcerDeps{
		Config:       store,
		Detectors:    NewSecurityDetectors(),
		Fingerprints: NewTokenFingerprintStore(time.Hour, 0),
		Limiter:      NewSlidingWindowLimiter(0),
		Geo:          geo,
		Bots:         NewBotScorer(),
		Metrics:      metrics,
	})
	threat.SetActivator(enforcer)

	app := fiber.New()
	NewAPI(store, monitor, threat, enforcer, metrics, geo, nil, nil).Register(app)
	return app, store, enforcer
}

func doJSON(t *testing.T, app *fiber.App, method, target, body, role string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		req.Header.Set(HeaderAuthRole, role)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test %s %s: %v", method, target, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

func TestStatusEndpoint(t *testing.T) {
	app, _, _ := newTestAPI(t)

	code, raw := doJSON(t, app, "GET", "/intelliceil/status", "", "")
	if code != 200 {
		t.Fatalf("expected 200, got %d: %s", code, raw)
	}
	var status StatusResponse
	if err := json.Unmarshal(raw, &status); err != nil {
		t.Fatalf("invalid status body: %v", err)
	}
	if status.Config == nil || status.Config.AlertThreshold != 20 {
		t.Fatalf("status should include the live config, got %+v", status.Config)
	}
	if status.Threat.Level != LevelNormal {
		t.Fatalf("expected NORMAL threat level, got %v", status.Threat.Level)
	}
	if status.Mitigation.Active {
		t.Fatal("mitigation should be off")
	}
}

func TestMutatingRoutesRequireSuperAdmin(t *testing.T) {
	app, cfg, _ := newTestAPI(t)

	for _, route := range []struct{ method, target, body string }{
		{"PUT", "/intelliceil/config", `{"alertThreshold":30}`},
		{"POST", "/intelliceil/block-ip", `{"ip":"203.0.113.60"}`},
		{"POST", "/intelliceil/mitigation/activate", ""},
		{"POST", "/intelliceil/trusted-domains", `{"domain":"dealersface.com"}`},
	} {
		code, _ := doJSON(t, app, route.method, route.target, route.body, "")
		if code != fiber.StatusForbidden {
			t.Fatalf("%s %s without role: expected 403, got %d", route.method, route.target, code)
		}
		code, _ = doJSON(t, app, route.method, route.target, route.body, "support_agent")
		if code != fiber.StatusForbidden {
			t.Fatalf("%s %s with wrong role: expected 403, got %d", route.method, route.target, code)
		}
	}
	if cfg.Snapshot().IsBlocked("203.0.113.60") {
		t.Fatal("denied request must not mutate state")
	}
}

func TestConfigUpdateEndpoint(t *testing.T) {
	app, cfg, _ := newTestAPI(t)

	code, raw := doJSON(t, app, "PUT", "/intelliceil/config", `{"alertThreshold":30}`, roleSuperAdmin)
	if code != 200 {
		t.Fatalf("expected 200, got %d: %s", code, raw)
	}
	if got := cfg.Snapshot().AlertThreshold; got != 30 {
		t.Fatalf("config not applied, alertThreshold=%v", got)
	}

	code, _ = doJSON(t, app, "PUT", "/intelliceil/config", `{"alertThreshold":500}`, roleSuperAdmin)
	if code != fiber.StatusBadRequest {
		t.Fatalf("invalid update: expected 400, got %d", code)
	}
	if got := cfg.Snapshot().AlertThreshold; got != 30 {
		t.Fatalf("rejected update must not change config, alertThreshold=%v", got)
	}
}

func TestConfigUpdateEndpointListFields(t *testing.T) {
	app, cfg, _ := newTestAPI(t)

	body := `{"trustedDomains":["dealersface.com"],"blockedIPs":["203.0.113.77"]}`
	code, raw := doJSON(t, app, "PUT", "/intelliceil/config", body, roleSuperAdmin)
	if code != 200 {
		t.Fatalf("expected 200, got %d: %s", code, raw)
	}

	snap := cfg.Snapshot()
	if !snap.IsTrustedDomain("dealersface.com") {
		t.Fatalf("trustedDomains from config update not applied: %v", snap.TrustedDomains)
	}
	if !snap.IsBlocked("203.0.113.77") {
		t.Fatalf("blockedIPs from config update not applied: %v", snap.BlockedIPs)
	}

	var returned Config
	if err := json.Unmarshal(raw, &returned); err != nil {
		t.Fatalf("invalid config body: %v", err)
	}
	if len(returned.TrustedDomains) != 1 || len(returned.BlockedIPs) != 1 {
		t.Fatalf("response should echo the applied lists, got %+v", returned)
	}
}

func TestBlockAndUnblockEndpoints(t *testing.T) {
	app, cfg, _ := newTestAPI(t)

	code, _ := doJSON(t, app, "POST", "/intelliceil/block-ip", `{"ip":"203.0.113.61","reason":"abuse"}`, roleSuperAdmin)
	if code != 200 {
		t.Fatalf("block-ip: expected 200, got %d", code)
	}
	if !cfg.Snapshot().IsBlocked("203.0.113.61") {
		t.Fatal("ip not blocked")
	}

	code, _ = doJSON(t, app, "POST", "/intelliceil/block-ip", `{"ip":"not-an-ip"}`, roleSuperAdmin)
	if code != fiber.StatusBadRequest {
		t.Fatalf("invalid ip: expected 400, got %d", code)
	}

	code, _ = doJSON(t, app, "POST", "/intelliceil/unblock-ip", `{"ip":"203.0.113.61"}`, roleSuperAdmin)
	if code != 200 {
		t.Fatalf("unblock-ip: expected 200, got %d", code)
	}
	if cfg.Snapshot().IsBlocked("203.0.113.61") {
		t.Fatal("ip still blocked")
	}
}

func TestTrustedDomainEndpoints(t *testing.T) {
	app, cfg, _ := newTestAPI(t)

	code, raw := doJSON(t, app, "POST", "/intelliceil/trusted-domains", `{"domain":"dealersface.com"}`, roleSuperAdmin)
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
	var first struct {
		Changed bool `json:"changed"`
	}
	json.Unmarshal(raw, &first)
	if !first.Changed {
		t.Fatal("first add should report changed")
	}

	_, raw = doJSON(t, app, "POST", "/intelliceil/trusted-domains", `{"domain":"dealersface.com"}`, roleSuperAdmin)
	var second struct {
		Changed bool `json:"changed"`
	}
	json.Unmarshal(raw, &second)
	if second.Changed {
		t.Fatal("duplicate add should report no change")
	}

	code, _ = doJSON(t, app, "DELETE", "/intelliceil/trusted-domains/dealersface.com", "", roleSuperAdmin)
	if code != 200 {
		t.Fatalf("delete: expected 200, got %d", code)
	}
	if cfg.Snapshot().IsTrustedDomain("dealersface.com") {
		t.Fatal("domain still trusted after delete")
	}
}

func TestMitigationEndpoints(t *testing.T) {
	app, _, enforcer := newTestAPI(t)

	code, _ := doJSON(t, app, "POST", "/intelliceil/mitigation/activate", `{"reason":"load test"}`, roleSuperAdmin)
	if code != 200 {
		t.Fatalf("activate: expected 200, got %d", code)
	}
	state := enforcer.Mitigation()
	if !state.Active || state.Reason != "load test" {
		t.Fatalf("unexpected mitigation state: %+v", state)
	}

	code, _ = doJSON(t, app, "POST", "/intelliceil/mitigation/deactivate", "", roleSuperAdmin)
	if code != 200 {
		t.Fatalf("deactivate: expected 200, got %d", code)
	}
	if enforcer.Mitigation().Active {
		t.Fatal("mitigation still active")
	}
}

func TestHealthEndpoint(t *testing.T) {
	app, _, _ := newTestAPI(t)
	code, raw := doJSON(t, app, "GET", "/healthz", "", "")
	if code != 200 {
		t.Fatalf("expected 200, got %d: %s", code, raw)
	}
}
