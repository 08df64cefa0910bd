// Stevedore Server
//
// Features:
// - Sandboxed path validation for every filesystem touch
// - Bounded remote search with hard scan ceilings
// - Supervised transfer jobs with quota admission and SSE progress
// - Per-caller rate limiting
// - Prometheus metrics & structured logging (zap)
// - Multi-location storage (S3, local)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stevedore/stevedore/internal/api"
	"github.com/stevedore/stevedore/internal/config"
	"github.com/stevedore/stevedore/internal/logging"
	"github.com/stevedore/stevedore/internal/metrics"
	"github.com/stevedore/stevedore/internal/quota"
	"github.com/stevedore/stevedore/internal/ratelimit"
	"github.com/stevedore/stevedore/internal/sandbox"
	"github.com/stevedore/stevedore/internal/storage/local"
	"github.com/stevedore/stevedore/internal/storage/registry"
	"github.com/stevedore/stevedore/internal/transfer"
	"go.uber.org/zap"
)

// Janitor cadence. The limiter holds per-caller windows measured in
// minutes; finished jobs are retained per config.
const (
	limiterSweepEvery = 10 * time.Minute
	limiterMaxAge     = time.Hour
	jobSweepEvery     = time.Minute
	shutdownGrace     = 15 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Stevedore Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Build storage backends and probe availability
	reg, err := registry.New(ctx, cfg.Locations)
	if err != nil {
		logging.Fatal("storage registry init failed", zap.Error(err))
	}
	defer reg.Close()

	validator := sandbox.New(reg)

	// Quota ledger, seeded from the local roots so budgets survive
	// restarts without a database
	tracker := quota.NewTracker()
	for _, loc := range reg.All() {
		tracker.Register(loc.ID, loc.MaxBytes, loc.MaxFiles)
	}
	if cfg.SeedUsage {
		seedLocalUsage(ctx, reg, tracker)
	}

	limiter := ratelimit.NewLimiter()

	orchestrator := transfer.New(reg, validator, tracker, transfer.Options{
		Concurrency:   cfg.Transfer.Concurrency,
		RetryAttempts: cfg.Transfer.RetryAttempts,
		BandwidthBPS:  cfg.Transfer.BandwidthBPS,
		Retention:     cfg.Transfer.Retention.Std(),
	})
	logging.Info("transfer orchestrator initialized",
		zap.Int("concurrency", cfg.Transfer.Concurrency),
		zap.Duration("retention", cfg.Transfer.Retention.Std()))

	srv := api.NewServer(reg, validator, tracker, limiter, orchestrator, cfg)

	// Metrics server on its own listener
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown: stop intake first, then drain running jobs
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")

		shCtx, shCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shCancel()
		if err := httpServer.Shutdown(shCtx); err != nil {
			logging.Warn("http server shutdown", zap.Error(err))
		}
		if err := orchestrator.Shutdown(shCtx); err != nil {
			logging.Warn("transfer drain incomplete", zap.Error(err))
		}
		metricsServer.Close()
		cancel()
	}()

	// Janitors: expired limiter windows and finished-job retention
	go func() {
		limiterTick := time.NewTicker(limiterSweepEvery)
		jobTick := time.NewTicker(jobSweepEvery)
		defer limiterTick.Stop()
		defer jobTick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-limiterTick.C:
				limiter.Cleanup(limiterMaxAge)
			case <-jobTick.C:
				if n := orchestrator.Sweep(); n > 0 {
					logging.Info("evicted finished transfer jobs", zap.Int("count", n))
				}
			}
		}
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

// seedLocalUsage walks each local root once so quota enforcement starts
// from the bytes already on disk.
func seedLocalUsage(ctx context.Context, reg *registry.Registry, tracker *quota.Tracker) {
	for _, loc := range reg.All() {
		if !loc.IsLocal() {
			continue
		}
		lb, ok := loc.Backend.(*local.Backend)
		if !ok {
			continue
		}
		start := time.Now()
		bytes, files, err := lb.TreeUsage(ctx, "")
		if err != nil {
			logging.Warn("quota seeding walk failed",
				zap.String("location", loc.ID),
				zap.Error(err))
			continue
		}
		tracker.SetUsed(loc.ID, bytes, files)
		logging.Info("quota usage seeded",
			zap.String("location", loc.ID),
			zap.Int64("bytes", bytes),
			zap.Int64("files", files),
			zap.Duration("took", time.Since(start)))
	}
}
