// Package main is the entrypoint for the connection pool daemon.
// It loads configuration, builds one pool per bucket, serves health checks
// and metrics, and sets up graceful shutdown handling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/joao-brasil/connpool/internal/config"
	"github.com/joao-brasil/connpool/internal/health"
	"github.com/joao-brasil/connpool/internal/manager"
	"github.com/joao-brasil/connpool/internal/metrics"
)

var (
	serverConfigPath  = flag.String("config", "configs/server.yaml", "Path to server configuration file")
	bucketsConfigPath = flag.String("buckets", "configs/buckets.yaml", "Path to buckets configuration file")
	envFile           = flag.String("env", ".env", "Optional .env file with CONNPOOL_* overrides")
	statsInterval     = flag.Duration("stats-interval", time.Minute, "How often pool stats are logged (0 disables)")
)

func main() {
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "connpoold: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*serverConfigPath, *bucketsConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connpoold: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connpoold: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("daemon failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	log := logger.Named("main")
	log.Info("starting connection pool daemon",
		zap.String("instance", cfg.Server.InstanceID),
		zap.Int("buckets", len(cfg.Buckets)))

	for _, b := range cfg.Buckets {
		log.Info("bucket configured",
			zap.Stringer("bucket", &b),
			zap.Int("max_connections", b.MaxConnections),
			zap.Duration("queue_timeout", b.QueueTimeout))
	}

	// ─── Pools ───────────────────────────────────────────────────────
	mgr := manager.New(cfg,
		manager.WithLogger(logger),
		manager.WithSessionReset(),
	)
	defer func() {
		log.Info("closing pool manager")
		if err := mgr.Close(); err != nil {
			log.Warn("pool manager close error", zap.Error(err))
		}
	}()

	warmCtx, warmCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	mgr.WarmUp(warmCtx)
	warmCancel()

	metrics.InstanceUp.WithLabelValues(cfg.Server.InstanceID).Set(1)

	// ─── Metrics server ──────────────────────────────────────────────
	metricsRouter := chi.NewRouter()
	metricsRouter.Use(middleware.Recoverer)
	metricsRouter.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:      metricsRouter,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// ─── Health server ───────────────────────────────────────────────
	checker := health.NewChecker(cfg, mgr, logger)
	defer checker.Close()

	healthRouter := chi.NewRouter()
	healthRouter.Use(middleware.Recoverer)
	healthRouter.Mount("/", checker.Routes())
	healthServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HealthCheckPort),
		Handler:      healthRouter,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 2)
	for _, srv := range []*http.Server{metricsServer, healthServer} {
		srv := srv
		go func() {
			log.Info("http server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("serving %s: %w", srv.Addr, err)
			}
		}()
	}

	report := checker.Check(context.Background())
	for _, comp := range report.Components {
		log.Info("initial health check",
			zap.String("component", comp.Name),
			zap.String("status", string(comp.Status)),
			zap.String("message", comp.Message),
			zap.String("latency", comp.Latency))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tick <-chan time.Time
	if *statsInterval > 0 {
		t := time.NewTicker(*statsInterval)
		defer t.Stop()
		tick = t.C
	}

	log.Info("daemon ready, waiting for shutdown signal")

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			break loop
		case err := <-serveErr:
			runErr = err
			break loop
		case <-tick:
			for _, s := range mgr.Stats() {
				log.Info("pool stats",
					zap.String("pool", s.Name),
					zap.Int("known", s.Known),
					zap.Int("available", s.Available),
					zap.Int("checked_out", s.CheckedOut),
					zap.Int("max", s.Max))
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown in reverse order
	metrics.InstanceUp.WithLabelValues(cfg.Server.InstanceID).Set(0)

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("health server shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown error", zap.Error(err))
	}

	log.Info("shutdown complete")
	return runErr
}
