package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/api"
	"github.com/skybridge-io/skybridge/internal/cache"
	"github.com/skybridge-io/skybridge/internal/config"
	"github.com/skybridge-io/skybridge/internal/creds"
	"github.com/skybridge-io/skybridge/internal/engine"
	"github.com/skybridge-io/skybridge/internal/fallback"
	"github.com/skybridge-io/skybridge/internal/metrics"
	"github.com/skybridge-io/skybridge/internal/proxy"
	"github.com/skybridge-io/skybridge/internal/ratelimit"
	"github.com/skybridge-io/skybridge/internal/scrape"
	"github.com/skybridge-io/skybridge/internal/scrape/site"
	"github.com/skybridge-io/skybridge/internal/session"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Debug {
		zapCfg = zap.NewDevelopmentConfig()
	}
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting skybridge")

	m := metrics.New(prometheus.NewRegistry())

	// Engine runtime: attach to an external engine when a control URL is
	// configured, otherwise manage a container ourselves
	var runtime engine.Runtime
	if cfg.EngineControlURL != "" {
		runtime = engine.NewAttachRuntime(cfg.EngineControlURL)
		logger.Info("attaching to external engine", zap.String("control_url", cfg.EngineControlURL))
	} else {
		dockerRuntime, derr := engine.NewDockerRuntime(cfg.EngineImage, cfg.EngineHostPort, logger)
		if derr != nil {
			logger.Fatal("failed to create docker runtime", zap.Error(derr))
		}
		defer dockerRuntime.Close()
		runtime = dockerRuntime
		logger.Info("docker runtime ready", zap.String("image", cfg.EngineImage))
	}

	supervisor := engine.NewSupervisor(runtime, engine.Dial, engine.Options{
		HealthInterval: cfg.EngineHealthInterval,
		RestartBackoff: cfg.EngineRestartBackoff,
		BackoffMax:     cfg.EngineBackoffMax,
		MaxRestarts:    cfg.EngineMaxRestarts,
	}, logger, m)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := supervisor.Start(bootCtx); err != nil {
		bootCancel()
		logger.Fatal("failed to start engine", zap.Error(err))
	}
	bootCancel()
	logger.Info("engine supervisor started")

	registry := session.NewRegistry(supervisor, session.Options{
		IdleTimeout: cfg.SessionIdleTimeout,
		MaxLifetime: cfg.SessionMaxLifetime,
		Capacity:    int64(cfg.SessionCapacity),
	}, logger, m)
	logger.Info("session registry ready",
		zap.Duration("idle_timeout", cfg.SessionIdleTimeout),
		zap.Int("capacity", cfg.SessionCapacity))

	limiter := ratelimit.NewLimiter(cfg.RequestsPerHour)
	logger.Info("rate limiter ready", zap.Int("requests_per_hour", cfg.RequestsPerHour))

	reaper := session.NewReaper(registry, cfg.ReaperInterval, logger, m, func(ids []string) {
		limiter.Forget(ids...)
	})

	dataCache := cache.New(cfg.CacheTTL, m)
	logger.Info("data cache ready", zap.Duration("ttl", cfg.CacheTTL))

	key := cfg.CredsKey
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			logger.Fatal("failed to generate credential key", zap.Error(err))
		}
		logger.Warn("CREDS_KEY not set, using an ephemeral key; saved accounts will not survive a restart")
	}
	store, err := creds.NewStore(cfg.CredsPath, key)
	if err != nil {
		logger.Fatal("failed to open credential store", zap.Error(err))
	}
	logger.Info("credential store ready", zap.Int("accounts", store.Len()))

	fallbackClient := fallback.NewClient(cfg.FallbackBaseURL, cfg.FallbackAPIKey, logger)
	if fallbackClient.Enabled() {
		logger.Info("fallback source enabled")
	} else {
		logger.Warn("FALLBACK_API_KEY not set, degraded responses limited to stale cache")
	}

	driver := site.New(cfg.SiteBaseURL, cfg.NavTimeout, logger)

	orchestrator := scrape.NewOrchestrator(registry, dataCache, driver, fallbackClient, store, supervisor, scrape.Options{
		Retries: cfg.ScrapeRetries,
		Backoff: cfg.ScrapeRetryBackoff,
	}, logger, m)
	logger.Info("orchestrator ready", zap.Int("retries", cfg.ScrapeRetries))

	proxyServer := proxy.NewServer(supervisor, logger)
	handler := api.NewHandler(orchestrator, registry, supervisor, store, cfg.RequestTimeout, logger)
	router := handler.SetupRoutes(proxyServer, limiter, m.Handler())
	logger.Info("HTTP routes configured")

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
		// Writes stay open long enough for a full retry ladder
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	go reaper.Run(rootCtx)

	go func() {
		logger.Info("server listening", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("server forced to shut down", zap.Error(err))
	}

	rootCancel()
	registry.Close()
	if err := supervisor.Stop(shutCtx); err != nil {
		logger.Error("failed to stop engine", zap.Error(err))
	}

	logger.Info("server stopped")
}
