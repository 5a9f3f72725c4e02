package intelliceil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the operator-tunable engine configuration. Instances published
// by ConfigStore are immutable; mutate through Apply or the list helpers.
type Config struct {
	Enabled             bool    `json:"enabled" yaml:"enabled"`
	AlertThreshold      float64 `json:"alertThreshold" yaml:"alertThreshold"`
	MitigationThreshold float64 `json:"mitigationThreshold" yaml:"mitigationThreshold"`
	MaxRequestsPerIP    int     `json:"maxRequestsPerIP" yaml:"maxRequestsPerIP"`
	WindowSeconds       int     `json:"windowSeconds" yaml:"windowSeconds"`
	AutoMitigate        bool    `json:"autoMitigate" yaml:"autoMitigate"`

	TrustedDomains []string `json:"trustedDomains" yaml:"trustedDomains"`
	BlockedIPs     []string `json:"blockedIPs" yaml:"blockedIPs"`

	NotifyOnAttack bool   `json:"notifyOnAttack" yaml:"notifyOnAttack"`
	NotifyEmail    string `json:"notifyEmail" yaml:"notifyEmail"`

	EnableSignatureValidation   bool `json:"enableSignatureValidation" yaml:"enableSignatureValidation"`
	EnableTokenFingerprinting   bool `json:"enableTokenFingerprinting" yaml:"enableTokenFingerprinting"`
	EnableSQLInjectionDetection bool `json:"enableSQLInjectionDetection" yaml:"enableSQLInjectionDetection"`
	EnableXSSDetection          bool `json:"enableXSSDetection" yaml:"enableXSSDetection"`
	EnableBotDetection          bool `json:"enableBotDetection" yaml:"enableBotDetection"`
	EnableIPReputation          bool `json:"enableIPReputation" yaml:"enableIPReputation"`

	BotDetectionThreshold float64 `json:"botDetectionThreshold" yaml:"botDetectionThreshold"`
	// BotDetectionMode is "block" or "flag". Flag only counts detections.
	BotDetectionMode string `json:"botDetectionMode" yaml:"botDetectionMode"`

	// BaselineHorizonSeconds controls the EWMA smoothing horizon.
	BaselineHorizonSeconds int `json:"baselineHorizonSeconds" yaml:"baselineHorizonSeconds"`
	// CooldownTicks is how many consecutive calm ticks are required before
	// the threat level returns to NORMAL.
	CooldownTicks int `json:"cooldownTicks" yaml:"cooldownTicks"`
	// CriticalSustainTicks / CriticalMultiplier pick when ATTACK escalates
	// to CRITICAL: sustained overage, or a single tick at multiplier times
	// the mitigation threshold. Policy defaults pending stakeholder review.
	CriticalSustainTicks int     `json:"criticalSustainTicks" yaml:"criticalSustainTicks"`
	CriticalMultiplier   float64 `json:"criticalMultiplier" yaml:"criticalMultiplier"`

	trustedDomainSet map[string]struct{}
	blockedIPSet     map[string]struct{}
}

// DefaultConfig returns the engine defaults used when no file is supplied.
func DefaultConfig() Config {
	cfg := Config{
		Enabled:                     true,
		AlertThreshold:              20,
		MitigationThreshold:         50,
		MaxRequestsPerIP:            100,
		WindowSeconds:               60,
		AutoMitigate:                true,
		NotifyOnAttack:              true,
		EnableSignatureValidation:   false,
		EnableTokenFingerprinting:   true,
		EnableSQLInjectionDetection: true,
		EnableXSSDetection:          true,
		EnableBotDetection:          true,
		EnableIPReputation:          true,
		BotDetectionThreshold:       80,
		BotDetectionMode:            "flag",
		BaselineHorizonSeconds:      600,
		CooldownTicks:               30,
		CriticalSustainTicks:        5,
		CriticalMultiplier:          3,
	}
	cfg.normalize()
	return cfg
}

// LoadConfigFile reads the YAML bootstrap config, layered over defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if len(data) > 1024*1024 {
		return cfg, fmt.Errorf("config file %s is too large", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.trustedDomainSet = make(map[string]struct{}, len(c.TrustedDomains))
	for _, d := range c.TrustedDomains {
		c.trustedDomainSet[d] = struct{}{}
	}
	c.TrustedDomains = setToSlice(c.trustedDomainSet)

	c.blockedIPSet = make(map[string]struct{}, len(c.BlockedIPs))
	for _, ip := range c.BlockedIPs {
		c.blockedIPSet[ip] = struct{}{}
	}
	c.BlockedIPs = setToSlice(c.blockedIPSet)

	if c.BotDetectionMode == "" {
		c.BotDetectionMode = "flag"
	}
}

func (c *Config) validate() error {
	if c.AlertThreshold < 1 || c.AlertThreshold > 100 {
		return &ValidationError{Field: "alertThreshold", Msg: "must be between 1 and 100"}
	}
	if c.MitigationThreshold < 1 || c.MitigationThreshold > 100 {
		return &ValidationError{Field: "mitigationThreshold", Msg: "must be between 1 and 100"}
	}
	if c.MitigationThreshold < c.AlertThreshold {
		return &ValidationError{Field: "mitigationThreshold", Msg: "must not be below alertThreshold"}
	}
	if c.MaxRequestsPerIP < 1 || c.MaxRequestsPerIP > 1000000 {
		return &ValidationError{Field: "maxRequestsPerIP", Msg: "must be between 1 and 1000000"}
	}
	if c.WindowSeconds < 1 {
		return &ValidationError{Field: "windowSeconds", Msg: "must be at least 1"}
	}
	if c.BotDetectionThreshold < 1 || c.BotDetectionThreshold > 100 {
		return &ValidationError{Field: "botDetectionThreshold", Msg: "must be between 1 and 100"}
	}
	if c.BotDetectionMode != "block" && c.BotDetectionMode != "flag" {
		return &ValidationError{Field: "botDetectionMode", Msg: `must be "block" or "flag"`}
	}
	if c.BaselineHorizonSeconds < 1 {
		return &ValidationError{Field: "baselineHorizonSeconds", Msg: "must be at least 1"}
	}
	if c.CooldownTicks < 1 {
		return &ValidationError{Field: "cooldownTicks", Msg: "must be at least 1"}
	}
	if c.CriticalSustainTicks < 1 {
		return &ValidationError{Field: "criticalSustainTicks", Msg: "must be at least 1"}
	}
	if c.CriticalMultiplier < 1 {
		return &ValidationError{Field: "criticalMultiplier", Msg: "must be at least 1"}
	}
	return nil
}

// IsBlocked reports whether ip is on the blocklist. Block wins over trust.
func (c *Config) IsBlocked(ip string) bool {
	_, ok := c.blockedIPSet[ip]
	return ok
}

// IsTrustedDomain reports whether an Origin/Host value is exempt during
// mitigation. A blocked source never benefits from domain trust.
func (c *Config) IsTrustedDomain(domain string) bool {
	_, ok := c.trustedDomainSet[domain]
	return ok
}

func (c *Config) clone() *Config {
	next := *c
	next.TrustedDomains = append([]string(nil), c.TrustedDomains...)
	next.BlockedIPs = append([]string(nil), c.BlockedIPs...)
	next.normalize()
	return &next
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ConfigUpdate is a partial config mutation; nil fields are left unchanged.
type ConfigUpdate struct {
	Enabled             *bool    `json:"enabled"`
	AlertThreshold      *float64 `json:"alertThreshold"`
	MitigationThreshold *float64 `json:"mitigationThreshold"`
	MaxRequestsPerIP    *int     `json:"maxRequestsPerIP"`
	WindowSeconds       *int     `json:"windowSeconds"`
	AutoMitigate        *bool    `json:"autoMitigate"`
	NotifyOnAttack      *bool    `json:"notifyOnAttack"`
	NotifyEmail         *string  `json:"notifyEmail"`

	// List fields replace the whole list when present; duplicates collapse.
	TrustedDomains *[]string `json:"trustedDomains"`
	BlockedIPs     *[]string `json:"blockedIPs"`

	EnableSignatureValidation   *bool `json:"enableSignatureValidation"`
	EnableTokenFingerprinting   *bool `json:"enableTokenFingerprinting"`
	EnableSQLInjectionDetection *bool `json:"enableSQLInjectionDetection"`
	EnableXSSDetection          *bool `json:"enableXSSDetection"`
	EnableBotDetection          *bool `json:"enableBotDetection"`
	EnableIPReputation          *bool `json:"enableIPReputation"`

	BotDetectionThreshold *float64 `json:"botDetectionThreshold"`
	BotDetectionMode      *string  `json:"botDetectionMode"`

	BaselineHorizonSeconds *int     `json:"baselineHorizonSeconds"`
	CooldownTicks          *int     `json:"cooldownTicks"`
	CriticalSustainTicks   *int     `json:"criticalSustainTicks"`
	CriticalMultiplier     *float64 `json:"criticalMultiplier"`
}

// ConfigStore publishes immutable Config snapshots behind an atomic pointer.
// Writers serialize on a mutex, build a new snapshot and swap; readers never
// block.
type ConfigStore struct {
	mu      sync.Mutex
	current atomic.Pointer[Config]
}

func NewConfigStore(cfg Config) (*ConfigStore, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &ConfigStore{}
	s.current.Store(&cfg)
	return s, nil
}

// Snapshot returns the current immutable config. Callers must not mutate it.
func (s *ConfigStore) Snapshot() *Config {
	return s.current.Load()
}

// Apply validates a partial update against a copy of the current config and
// swaps it in. On error the running config is unchanged.
func (s *ConfigStore) Apply(update ConfigUpdate) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().clone()
	applyField(&next.Enabled, update.Enabled)
	applyField(&next.AlertThreshold, update.AlertThreshold)
	applyField(&next.MitigationThreshold, update.MitigationThreshold)
	applyField(&next.MaxRequestsPerIP, update.MaxRequestsPerIP)
	applyField(&next.WindowSeconds, update.WindowSeconds)
	applyField(&next.AutoMitigate, update.AutoMitigate)
	applyField(&next.NotifyOnAttack, update.NotifyOnAttack)
	applyField(&next.NotifyEmail, update.NotifyEmail)
	applyField(&next.TrustedDomains, update.TrustedDomains)
	applyField(&next.BlockedIPs, update.BlockedIPs)
	applyField(&next.EnableSignatureValidation, update.EnableSignatureValidation)
	applyField(&next.EnableTokenFingerprinting, update.EnableTokenFingerprinting)
	applyField(&next.EnableSQLInjectionDetection, update.EnableSQLInjectionDetection)
	applyField(&next.EnableXSSDetection, update.EnableXSSDetection)
	applyField(&next.EnableBotDetection, update.EnableBotDetection)
	applyField(&next.EnableIPReputation, update.EnableIPReputation)
	applyField(&next.BotDetectionThreshold, update.BotDetectionThreshold)
	applyField(&next.BotDetectionMode, update.BotDetectionMode)
	applyField(&next.BaselineHorizonSeconds, update.BaselineHorizonSeconds)
	applyField(&next.CooldownTicks, update.CooldownTicks)
	applyField(&next.CriticalSustainTicks, update.CriticalSustainTicks)
	applyField(&next.CriticalMultiplier, update.CriticalMultiplier)

	next.normalize()
	if err := next.validate(); err != nil {
		return nil, err
	}
	s.current.Store(next)
	return next, nil
}

// Replace swaps in a full config, used by the file watcher.
func (s *ConfigStore) Replace(cfg Config) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s.current.Store(&cfg)
	return &cfg, nil
}

// BlockIP adds ip to the blocklist. Returns false if it was already present.
func (s *ConfigStore) BlockIP(ip string) bool {
	return s.mutateList(func(next *Config) bool {
		if _, ok := next.blockedIPSet[ip]; ok {
			return false
		}
		next.BlockedIPs = append(next.BlockedIPs, ip)
		return true
	})
}

func (s *ConfigStore) UnblockIP(ip string) bool {
	return s.mutateList(func(next *Config) bool {
		if _, ok := next.blockedIPSet[ip]; !ok {
			return false
		}
		next.BlockedIPs = removeString(next.BlockedIPs, ip)
		return true
	})
}

// AddTrustedDomain is idempotent; a duplicate add is a no-op.
func (s *ConfigStore) AddTrustedDomain(domain string) bool {
	return s.mutateList(func(next *Config) bool {
		if _, ok := next.trustedDomainSet[domain]; ok {
			return false
		}
		next.TrustedDomains = append(next.TrustedDomains, domain)
		return true
	})
}

func (s *ConfigStore) RemoveTrustedDomain(domain string) bool {
	return s.mutateList(func(next *Config) bool {
		if _, ok := next.trustedDomainSet[domain]; !ok {
			return false
		}
		next.TrustedDomains = removeString(next.TrustedDomains, domain)
		return true
	})
}

func (s *ConfigStore) mutateList(mutate func(*Config) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().clone()
	if !mutate(next) {
		return false
	}
	next.normalize()
	s.current.Store(next)
	return true
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}

func applyField[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Watch reloads the config file whenever it changes on disk. Runtime list
// mutations made through the API are overwritten by a file reload; the file
// is the bootstrap source of truth.
func (s *ConfigStore) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		var lastReload time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				// Editors fire bursts of events per save.
				if time.Since(lastReload) < 500*time.Millisecond {
					continue
				}
				lastReload = time.Now()
				cfg, err := LoadConfigFile(path)
				if err != nil {
					logger.Error().Err(err).Str("path", path).Msg("config reload failed, keeping previous config")
					continue
				}
				if _, err := s.Replace(cfg); err != nil {
					logger.Error().Err(err).Str("path", path).Msg("config reload rejected")
					continue
				}
				logger.Info().Str("path", path).Msg("config reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}
