package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/oarkflow/ip"
	"github.com/oarkflow/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dealersface/intelliceil"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML config file (defaults applied when empty)")
		listen     = flag.String("listen", ":3000", "listen address")
		dbPath     = flag.String("db", "intelliceil.db", "sqlite database path for audit and blocklist persistence")
		webhookURL = flag.String("webhook", "", "webhook URL for security notifications")
	)
	flag.Parse()

	ip.Init()

	logger := log.Logger{
		Level:      log.InfoLevel,
		TimeFormat: "2006-01-02 15:04:05",
		Writer:     &log.ConsoleWriter{ColorOutput: true},
	}
	intelliceil.SetLogger(logger)

	cfg := intelliceil.DefaultConfig()
	if *configPath != "" {
		loaded, err := intelliceil.LoadConfigFile(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
		}
		cfg = loaded
	}

	cfgStore, err := intelliceil.NewConfigStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	store, err := intelliceil.OpenStore(*dbPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *dbPath).Msg("failed to open database")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Manual blocks survive restarts.
	if ips, err := store.LoadBlockedIPs(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to load persisted blocklist")
	} else {
		for _, blocked := range ips {
			cfgStore.BlockIP(blocked)
		}
	}

	if *configPath != "" {
		if err := cfgStore.Watch(ctx, *configPath); err != nil {
			logger.Error().Err(err).Msg("config hot reload unavailable")
		}
	}

	notifier := intelliceil.NewNotifier()
	notifier.Register(intelliceil.LogSender{})
	if *webhookURL != "" {
		notifier.Register(intelliceil.NewWebhookSender(*webhookURL))
	}

	monitor := intelliceil.NewRateMonitor(time.Second, 3600)
	monitor.SetHorizonFunc(func() int { return cfgStore.Snapshot().BaselineHorizonSeconds })

	threat := intelliceil.NewThreatLevelEngine(cfgStore)
	monitor.SetFreezeFunc(threat.BaselineFrozen)

	geo := intelliceil.NewGeoLocationRegistry(nil, time.Hour, 4096)
	geo.SetEnabledFunc(func() bool { return cfgStore.Snapshot().EnableIPReputation })

	limiter := intelliceil.NewSlidingWindowLimiter(8192)
	fingerprints := intelliceil.NewTokenFingerprintStore(time.Hour, 4096)
	bots := intelliceil.NewBotScorer()
	metrics := intelliceil.NewMetricsAggregator()
	metrics.SetCacheSizeProbes(geo.UniqueIPs, fingerprints.Size, limiter.Size)

	var signatures *intelliceil.SignatureValidator
	if secret := os.Getenv("INTELLICEIL_SIGNING_SECRET"); secret != "" {
		signatures, err = intelliceil.NewSignatureValidator(secret, 30*time.Second)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid signing secret")
		}
	}

	enforcer := intelliceil.NewMitigationEnforcer(intelliceil.EnforcerDeps{
		Config:       cfgStore,
		Detectors:    intelliceil.NewSecurityDetectors(),
		Signatures:   signatures,
		Fingerprints: fingerprints,
		Limiter:      limiter,
		Geo:          geo,
		Bots:         bots,
		Metrics:      metrics,
		Notifier:     notifier,
		Store:        store,
	})
	threat.SetActivator(enforcer)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	if err := metrics.RegisterPrometheus(registry); err != nil {
		logger.Fatal().Err(err).Msg("failed to register metrics")
	}

	go runTicker(ctx, monitor, threat)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})
	app.Use(cors.New())

	pipeline := intelliceil.NewPipeline(enforcer, monitor, geo, metrics, store)
	pipeline.SetNotifier(notifier)
	app.Use(pipeline.Middleware())

	go runSweepers(ctx, limiter, fingerprints, geo, bots, enforcer, pipeline, signatures)

	api := intelliceil.NewAPI(cfgStore, monitor, threat, enforcer, metrics, geo, store, registry)
	api.Register(app)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Info().Msg("shutting down")
		cancel()
		if err := app.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("error shutting down server")
		}
	}()

	logger.Info().Str("listen", *listen).Msg("intelliceil starting")
	if err := app.Listen(*listen); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

// runTicker drives the per-second sampling loop: close the interval, then
// re-evaluate the threat level against the fresh snapshot.
func runTicker(ctx context.Context, monitor *intelliceil.RateMonitor, threat *intelliceil.ThreatLevelEngine) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			monitor.Tick(now)
			threat.Evaluate(monitor.Snapshot(), now)
		}
	}
}

func runSweepers(
	ctx context.Context,
	limiter *intelliceil.SlidingWindowLimiter,
	fingerprints *intelliceil.TokenFingerprintStore,
	geo *intelliceil.GeoLocationRegistry,
	bots *intelliceil.BotScorer,
	enforcer *intelliceil.MitigationEnforcer,
	pipeline *intelliceil.Pipeline,
	signatures *intelliceil.SignatureValidator,
) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			limiter.Sweep(10*time.Minute, now)
			fingerprints.Cleanup(now)
			geo.Sweep(now)
			bots.Sweep(now)
			enforcer.SweepHoneypotHits(now)
			pipeline.SweepAlertCounts(now)
			if signatures != nil {
				signatures.CleanupNonces(now)
			}
		}
	}
}
