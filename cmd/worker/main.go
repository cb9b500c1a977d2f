package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/givewatch/service/config"
	"github.com/brojonat/givewatch/service/engine"
	"github.com/brojonat/givewatch/service/metrics"
	"github.com/brojonat/givewatch/service/scheduler"
	"github.com/brojonat/givewatch/service/telemetry"
	"github.com/brojonat/givewatch/service/temporal"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting reconciliation worker",
		"scheduler_backend", cfg.SchedulerBackend,
		"networks", len(cfg.Networks),
		"worker_pool_size", cfg.WorkerPoolSize,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer(ctx, "givewatch-worker", cfg.OTelEndpoint)
	if err != nil {
		logger.Warn("failed to initialize tracing, continuing without it", "error", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownTracer(flushCtx)
	}()

	metricsCollector := metrics.NewMetrics(prometheus.DefaultRegisterer)

	metricsAddr := getEnv("METRICS_ADDR", ":9091")
	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting metrics HTTP server", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	e, err := engine.New(ctx, cfg, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}
	defer e.Close()

	switch cfg.SchedulerBackend {
	case config.SchedulerBackendTemporal:
		err = runTemporal(ctx, cfg, e, metricsCollector, logger)
	default:
		err = runCron(e, logger)
	}
	if err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// runCron fires passes in-process until a shutdown signal arrives, then waits
// for running passes to finish.
func runCron(e *engine.Engine, logger *slog.Logger) error {
	cs, err := scheduler.NewCronScheduler(e.Runner, e.Schedules(), logger)
	if err != nil {
		return err
	}
	cs.Start()
	logger.Info("cron scheduler started", "entries", cs.Entries())

	sig := waitForSignal()
	logger.Info("shutdown signal received", "signal", sig.String())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer stopCancel()
	return cs.Stop(stopCtx)
}

// runTemporal makes the Temporal schedules match the configuration and then
// serves the reconciliation workflow until interrupted.
func runTemporal(ctx context.Context, cfg *config.Config, e *engine.Engine, m *metrics.Metrics, logger *slog.Logger) error {
	tc, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		return err
	}
	defer tc.Close()

	synced, err := temporal.SyncPassSchedules(ctx, tc, e.Schedules(), logger)
	if err != nil {
		return err
	}
	logger.Info("pass schedules synced", "passes", synced)

	worker, err := temporal.NewWorker(temporal.WorkerConfig{
		Client:  tc,
		Runner:  e.Runner,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- worker.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		return err
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
		worker.Stop()
		return nil
	}
}

func waitForSignal() os.Signal {
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	return <-shutdown
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// getEnv returns the value of an environment variable or a default if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
