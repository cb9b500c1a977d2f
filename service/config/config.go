package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler backends.
const (
	SchedulerBackendCron     = "cron"
	SchedulerBackendTemporal = "temporal"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// SchedulerBackend selects who fires reconciliation passes: "cron" runs
	// them in-process, "temporal" registers Temporal schedules.
	SchedulerBackend string

	// Redis backs the shared explorer rate limiter. Empty disables it.
	RedisAddr          string
	ExplorerRateLimit  int
	ExplorerRateWindow time.Duration

	// OTLP/HTTP endpoint for traces. Empty installs a no-op tracer.
	OTelEndpoint string

	// Networks are loaded from the YAML file at NetworksFile.
	NetworksFile string
	Networks     []NetworkConfig

	// Pass schedules (standard 5-field cron expressions)
	DraftMatchSchedule     string
	StreamMatchSchedule    string
	DonationVerifySchedule string
	DraftExpirySchedule    string

	// Reconciliation tuning
	WorkerPoolSize          int
	DraftGracePeriod        time.Duration
	DraftExpiry             time.Duration
	HistoryPageSize         int
	ChainHTTPTimeout        time.Duration
	ClaimTimestampTolerance time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "givewatch-reconciliation")

	cfg.SchedulerBackend = getEnvOrDefault("SCHEDULER_BACKEND", SchedulerBackendCron)

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if v, err := parseInt("EXPLORER_RATE_LIMIT", 5); err != nil {
		errs = append(errs, err)
	} else {
		cfg.ExplorerRateLimit = v
	}
	if v, err := parseDuration("EXPLORER_RATE_WINDOW", "1s"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.ExplorerRateWindow = v
	}

	cfg.OTelEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	cfg.NetworksFile = os.Getenv("NETWORKS_FILE")
	if cfg.NetworksFile == "" {
		errs = append(errs, fmt.Errorf("NETWORKS_FILE is required"))
	} else {
		networks, err := LoadNetworks(cfg.NetworksFile)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Networks = networks
		}
	}

	cfg.DraftMatchSchedule = getEnvOrDefault("DRAFT_MATCH_SCHEDULE", "*/5 * * * *")
	cfg.StreamMatchSchedule = getEnvOrDefault("STREAM_MATCH_SCHEDULE", "*/5 * * * *")
	cfg.DonationVerifySchedule = getEnvOrDefault("DONATION_VERIFY_SCHEDULE", "*/2 * * * *")
	cfg.DraftExpirySchedule = getEnvOrDefault("DRAFT_EXPIRY_SCHEDULE", "0 * * * *")

	if v, err := parseInt("WORKER_POOL_SIZE", 3); err != nil {
		errs = append(errs, err)
	} else {
		cfg.WorkerPoolSize = v
	}
	if v, err := parseDuration("DRAFT_GRACE_PERIOD", "60s"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.DraftGracePeriod = v
	}
	if v, err := parseDuration("DRAFT_EXPIRY", "48h"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.DraftExpiry = v
	}
	if v, err := parseInt("HISTORY_PAGE_SIZE", 1000); err != nil {
		errs = append(errs, err)
	} else {
		cfg.HistoryPageSize = v
	}
	if v, err := parseDuration("CHAIN_HTTP_TIMEOUT", "15s"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.ChainHTTPTimeout = v
	}
	if v, err := parseDuration("CLAIM_TIMESTAMP_TOLERANCE", "0s"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.ClaimTimestampTolerance = v
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if len(c.Networks) == 0 {
		errs = append(errs, fmt.Errorf("at least one network must be configured"))
	}

	switch c.SchedulerBackend {
	case SchedulerBackendCron:
	case SchedulerBackendTemporal:
		if c.TemporalHost == "" {
			errs = append(errs, fmt.Errorf("TemporalHost is required for the temporal scheduler backend"))
		}
		if c.TemporalNamespace == "" {
			errs = append(errs, fmt.Errorf("TemporalNamespace is required for the temporal scheduler backend"))
		}
		if c.TemporalTaskQueue == "" {
			errs = append(errs, fmt.Errorf("TemporalTaskQueue is required for the temporal scheduler backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("SchedulerBackend must be %q or %q, got %q",
			SchedulerBackendCron, SchedulerBackendTemporal, c.SchedulerBackend))
	}

	for name, spec := range map[string]string{
		"DraftMatchSchedule":     c.DraftMatchSchedule,
		"StreamMatchSchedule":    c.StreamMatchSchedule,
		"DonationVerifySchedule": c.DonationVerifySchedule,
		"DraftExpirySchedule":    c.DraftExpirySchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid cron expression %q: %w", name, spec, err))
		}
	}

	if c.WorkerPoolSize < 1 {
		errs = append(errs, fmt.Errorf("WorkerPoolSize must be at least 1"))
	}

	if c.HistoryPageSize < 1 || c.HistoryPageSize > 10000 {
		errs = append(errs, fmt.Errorf("HistoryPageSize must be between 1 and 10000"))
	}

	if c.DraftGracePeriod < 0 {
		errs = append(errs, fmt.Errorf("DraftGracePeriod cannot be negative"))
	}

	if c.DraftExpiry <= c.DraftGracePeriod {
		errs = append(errs, fmt.Errorf("DraftExpiry (%v) must be greater than DraftGracePeriod (%v)",
			c.DraftExpiry, c.DraftGracePeriod))
	}

	if c.ChainHTTPTimeout < time.Second {
		errs = append(errs, fmt.Errorf("ChainHTTPTimeout must be at least 1 second"))
	}

	if c.ClaimTimestampTolerance < 0 {
		errs = append(errs, fmt.Errorf("ClaimTimestampTolerance cannot be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
