package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the watchrecord service.
// Values are loaded from environment variables; see printUsage() in
// cmd/watchrecord for the full list.
//
// Each duration is kept twice: the raw string, which Validate checks, and
// the parsed value, which is zero when the string does not parse.
type Config struct {
	DatabaseURL   string `json:"database_url"`
	RedisAddr     string `json:"redis_addr,omitempty"`
	HTTPAddr      string `json:"http_addr"`
	RunMigrations bool   `json:"run_migrations"`

	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`

	DBOpTimeout          time.Duration `json:"-"`
	DBOpTimeoutStr       string        `json:"db_op_timeout"`
	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`
	DispatcherWorkers         int           `json:"dispatcher_workers"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	// MetricsPort serves metrics on a separate listener; empty serves them
	// on HTTPAddr.
	MetricsPort string `json:"metrics_port,omitempty"`

	RecoveryEnabled     bool          `json:"recovery_enabled"`
	RecoveryInterval    time.Duration `json:"-"`
	RecoveryIntervalStr string        `json:"recovery_interval"`
	// RecoveryThreshold must exceed the dispatcher's retry window (12m30s)
	// or records still being retried are emitted a second time.
	RecoveryThreshold    time.Duration `json:"-"`
	RecoveryThresholdStr string        `json:"recovery_threshold"`
	RecoveryBatchSize    int           `json:"recovery_batch_size"`

	EventBusBufferSize     int           `json:"eventbus_buffer_size"`
	EventBusEmitTimeout    time.Duration `json:"-"`
	EventBusEmitTimeoutStr string        `json:"eventbus_emit_timeout"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey          int64         `json:"leader_lock_key"`
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`
	// LeaderHeartbeatInterval pings the dedicated connection to detect local
	// connection death. It does not renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	AnalyticsWindow       time.Duration `json:"-"`
	AnalyticsWindowStr    string        `json:"analytics_window"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		HTTPAddr:        os.Getenv("HTTP_ADDR"),
		RunMigrations:   os.Getenv("RUN_MIGRATIONS") == "true",
		MetricsEnabled:  os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:     envOr("METRICS_PATH", "/metrics"),
		MetricsPort:     os.Getenv("METRICS_PORT"),
		RecoveryEnabled: os.Getenv("RECOVERY_ENABLED") != "false",
	}

	// Fall back to PORT for platforms that inject it.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	cfg.DBMaxOpenConns = positiveInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = positiveInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DispatcherWorkers = positiveInt("DISPATCHER_WORKERS", 1)
	cfg.RecoveryBatchSize = positiveInt("RECOVERY_BATCH_SIZE", 100)
	cfg.EventBusBufferSize = positiveInt("EVENTBUS_BUFFER_SIZE", 100)
	cfg.LeaderLockKey = int64(positiveInt("LEADER_LOCK_KEY", 728379))

	cfg.CircuitBreakerThreshold = 5
	if s := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", s)
		}
	}

	durations := []struct {
		env    string
		def    string
		raw    *string
		parsed *time.Duration
	}{
		{"TICK_INTERVAL", "30s", &cfg.TickIntervalStr, &cfg.TickInterval},
		{"DB_OP_TIMEOUT", "5s", &cfg.DBOpTimeoutStr, &cfg.DBOpTimeout},
		{"DB_CONN_MAX_LIFETIME", "30m", &cfg.DBConnMaxLifetimeStr, &cfg.DBConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", "5m", &cfg.DBConnMaxIdleTimeStr, &cfg.DBConnMaxIdleTime},
		{"HTTP_SHUTDOWN_TIMEOUT", "10s", &cfg.HTTPShutdownTimeoutStr, &cfg.HTTPShutdownTimeout},
		{"DISPATCHER_DRAIN_TIMEOUT", "30s", &cfg.DispatcherDrainTimeoutStr, &cfg.DispatcherDrainTimeout},
		{"RECOVERY_INTERVAL", "5m", &cfg.RecoveryIntervalStr, &cfg.RecoveryInterval},
		{"RECOVERY_THRESHOLD", "15m", &cfg.RecoveryThresholdStr, &cfg.RecoveryThreshold},
		{"EVENTBUS_EMIT_TIMEOUT", "100ms", &cfg.EventBusEmitTimeoutStr, &cfg.EventBusEmitTimeout},
		{"CIRCUIT_BREAKER_COOLDOWN", "2m", &cfg.CircuitBreakerCooldownStr, &cfg.CircuitBreakerCooldown},
		{"LEADER_RETRY_INTERVAL", "5s", &cfg.LeaderRetryIntervalStr, &cfg.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", "2s", &cfg.LeaderHeartbeatIntervalStr, &cfg.LeaderHeartbeatInterval},
		{"ANALYTICS_WINDOW", "1m", &cfg.AnalyticsWindowStr, &cfg.AnalyticsWindow},
		{"ANALYTICS_RETENTION", "24h", &cfg.AnalyticsRetentionStr, &cfg.AnalyticsRetention},
	}
	// Parse errors are left for Validate to report.
	for _, d := range durations {
		*d.raw = envOr(d.env, d.def)
		if v, err := time.ParseDuration(*d.raw); err == nil {
			*d.parsed = v
		}
	}

	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// positiveInt reads key as a positive integer, logging and falling back to
// def when the value is malformed.
func positiveInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", key, s, def)
		return def
	}
	return n
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
