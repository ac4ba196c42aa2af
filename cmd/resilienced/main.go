// Package main is the entry point for the resilience daemon. It loads
// configuration, assembles the protective stack (breakers, retries, caches,
// fallback store, coordinator), exposes the fetch and admin APIs, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/civictrack/resilience-core/internal/admin"
	"github.com/civictrack/resilience-core/internal/apierror"
	"github.com/civictrack/resilience-core/internal/breaker"
	"github.com/civictrack/resilience-core/internal/cache"
	"github.com/civictrack/resilience-core/internal/config"
	"github.com/civictrack/resilience-core/internal/coordinator"
	"github.com/civictrack/resilience-core/internal/fallback"
	"github.com/civictrack/resilience-core/internal/health"
	"github.com/civictrack/resilience-core/internal/logging"
	"github.com/civictrack/resilience-core/internal/metrics"
	"github.com/civictrack/resilience-core/internal/middleware"
	"github.com/civictrack/resilience-core/internal/retry"
	"github.com/civictrack/resilience-core/internal/tlsutil"
)

// maxFetchBodyBytes caps incoming fetch request bodies.
const maxFetchBodyBytes = 1 << 20

func main() {
	configPath := flag.String("config", "configs/resilience.yaml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := buildLogger(cfg.Logging)
	if err != nil {
		logger.Error("failed to open log output", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"dependencies", len(cfg.Dependencies),
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"metrics_path", cfg.Metrics.Path,
		"cache_max_entries", cfg.Cache.MaxEntries,
	)

	// Initialize Prometheus metrics
	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Per-dependency breaker overrides, keyed by dependency name.
	registry := breaker.NewRegistry(breakerConfig(cfg.Breaker), breakerOverrides(cfg.Dependencies), logger)

	// The server-side result cache holds responses to the fetch API; a
	// persistent client-style cache survives restarts when a state dir is set.
	serverCache := cache.New("server", cfg.Cache.MaxEntries, cfg.Cache.TTLs, logger)
	serverCache.StartJanitor(cfg.Cache.SweepInterval)
	defer serverCache.Stop()

	var persistent *cache.PersistentCache
	if cfg.Cache.StateDir != "" {
		persistent, err = cache.NewPersistent(cfg.Cache.StateDir, cfg.Cache.MaxEntries, cfg.Cache.TTLs, logger)
		if err != nil {
			logger.Error("failed to open cache state dir", "error", err)
			os.Exit(1)
		}
		persistent.StartJanitor(cfg.Cache.SweepInterval)
		persistent.StartSnapshots(cfg.Cache.SnapshotInterval)
		defer persistent.Stop()
	}

	retries := retry.NewManager(logger)
	fallbackStore := fallback.NewStore(logger)

	coord := coordinator.New(coordinator.Config{
		MaxConcurrent: cfg.Coordinator.MaxConcurrent,
		MinSpacing:    cfg.Coordinator.MinSpacing,
		Timeout:       cfg.Coordinator.Timeout,
		QueueCapacity: cfg.Coordinator.QueueCapacity,
	}, logger)
	defer coord.Stop()

	clients := newClientSet(cfg, serverCache, coord, registry, retries, fallbackStore, logger)

	// Fetch API behind the full middleware chain.
	fetchAPI := newFetchHandler(clients, coord, logger)
	var handler http.Handler = fetchAPI
	handler = middleware.Deadline(cfg.Server.WriteTimeout)(handler)
	handler = middleware.BodyLimit(maxFetchBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Health, metrics, and admin bypass the fetch middleware chain.
	mux := http.NewServeMux()
	healthHandler := health.New(cfg.Dependencies, registry, logger)
	healthHandler.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	reloader := config.NewReloader(*configPath, cfg, logger)

	if cfg.Admin.Enabled {
		inspectors := map[string]admin.CacheInspector{"server": serverCache}
		if persistent != nil {
			inspectors["client"] = persistent
		}
		adminHandler := admin.New(reloader, inspectors, registry, retries, coord, cfg.Admin, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin API registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			strings.HasPrefix(r.URL.Path, "/admin/") ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	reloader.Start()
	defer reloader.Stop()

	// Hot-reloadable settings: breaker thresholds and the cache TTL table.
	reloader.OnReload(func(newCfg *config.Config) {
		registry.UpdateConfig(breakerConfig(newCfg.Breaker), breakerOverrides(newCfg.Dependencies))
		serverCache.SetTTLTable(newCfg.Cache.TTLs)
		if persistent != nil {
			persistent.SetTTLTable(newCfg.Cache.TTLs)
		}
		clients.updateRetryOptions(newCfg)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var certLoader *tlsutil.CertLoader
	if cfg.Server.TLS.Enabled {
		certLoader, err = tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()

		minVersion := uint16(tls.VersionTLS12)
		if cfg.Server.TLS.MinVersion == "1.3" {
			minVersion = tls.VersionTLS13
		}
		srv.TLSConfig = &tls.Config{
			GetCertificate: certLoader.GetCertificate,
			MinVersion:     minVersion,
		}
	}

	// Start server in a goroutine
	go func() {
		var err error
		if cfg.Server.TLS.Enabled {
			logger.Info("starting resilience daemon (TLS)", "addr", srv.Addr)
			err = srv.ListenAndServeTLS("", "")
		} else {
			logger.Info("starting resilience daemon", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("resilience daemon stopped gracefully")
}

// buildLogger constructs the slog logger per the logging config. The returned
// closer is non-nil when output goes to a rotating file.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{Level: middleware.ParseLogLevel(cfg.Level)}

	switch cfg.Output {
	case "stdout":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil, nil
	case "stderr":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil, nil
	default:
		w, err := logging.NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		return slog.New(slog.NewJSONHandler(w, opts)), w, nil
	}
}

func breakerConfig(c config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold:  c.FailureThreshold,
		ResetTimeout:      c.ResetTimeout,
		HalfOpenSuccesses: c.HalfOpenSuccesses,
	}
}

func breakerOverrides(deps []config.DependencyConfig) map[string]breaker.Config {
	overrides := make(map[string]breaker.Config)
	for _, d := range deps {
		if d.Breaker != nil {
			overrides[d.Name] = breakerConfig(*d.Breaker)
		}
	}
	return overrides
}

func retryOptions(c config.RetryConfig) retry.Options {
	return retry.Options{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.BaseDelay,
		MaxDelay:   c.MaxDelay,
		RetryIf:    apierror.Retryable,
	}
}
