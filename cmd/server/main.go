package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/givewatch/service/config"
	"github.com/brojonat/givewatch/service/engine"
	"github.com/brojonat/givewatch/service/metrics"
	"github.com/brojonat/givewatch/service/server"
	"github.com/brojonat/givewatch/service/telemetry"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"networks", len(cfg.Networks),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer(ctx, "givewatch-server", cfg.OTelEndpoint)
	if err != nil {
		logger.Warn("failed to initialize tracing, continuing without it", "error", err)
	}

	metricsCollector := metrics.NewMetrics(prometheus.DefaultRegisterer)

	e, err := engine.New(ctx, cfg, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}
	defer e.Close()

	httpServer := server.New(cfg.ServerAddr, server.Deps{
		Verifier:  e.Verifier,
		Donations: e.Donations,
		Chains:    e.Chains,
		Runner:    e.Runner,
		Store:     e.Store,
		Metrics:   metricsCollector,
		Logger:    logger,
	})

	logger.Info("server initialized, all dependencies ready",
		"nats_url", cfg.NATSURL,
		"redis_addr", cfg.RedisAddr,
		"passes", e.Runner.Kinds(),
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}

		logger.Info("server shutdown complete")
	}
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

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
