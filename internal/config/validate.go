package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ""
	case 1:
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d validation errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{Field: "DATABASE_URL", Message: "required"})
	}

	positive := []struct {
		field string
		value string
	}{
		{"TICK_INTERVAL", cfg.TickIntervalStr},
		{"DB_OP_TIMEOUT", cfg.DBOpTimeoutStr},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr},
		{"DISPATCHER_DRAIN_TIMEOUT", cfg.DispatcherDrainTimeoutStr},
		{"RECOVERY_INTERVAL", cfg.RecoveryIntervalStr},
		{"RECOVERY_THRESHOLD", cfg.RecoveryThresholdStr},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr},
		{"LEADER_RETRY_INTERVAL", cfg.LeaderRetryIntervalStr},
		{"LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatIntervalStr},
		{"ANALYTICS_WINDOW", cfg.AnalyticsWindowStr},
		{"ANALYTICS_RETENTION", cfg.AnalyticsRetentionStr},
	}
	for _, p := range positive {
		if err := checkDuration(p.field, p.value, false); err != nil {
			errs = append(errs, *err)
		}
	}

	// Zero means fail fast when the bus is full.
	if err := checkDuration("EVENTBUS_EMIT_TIMEOUT", cfg.EventBusEmitTimeoutStr, true); err != nil {
		errs = append(errs, *err)
	}

	if cfg.CircuitBreakerThreshold < 0 {
		errs = append(errs, ValidationError{Field: "CIRCUIT_BREAKER_THRESHOLD", Message: "must not be negative"})
	}

	if cfg.MetricsPath != "" && !strings.HasPrefix(cfg.MetricsPath, "/") {
		errs = append(errs, ValidationError{
			Field:   "METRICS_PATH",
			Message: fmt.Sprintf("must start with '/', got %q", cfg.MetricsPath),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// checkDuration validates a raw duration. An empty value is accepted since
// Load always fills in a default.
func checkDuration(field, value string, allowZero bool) *ValidationError {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return &ValidationError{Field: field, Message: fmt.Sprintf("invalid duration: %v", err)}
	}
	if d < 0 || (d == 0 && !allowZero) {
		msg := "must be positive"
		if allowZero {
			msg = "must not be negative"
		}
		return &ValidationError{Field: field, Message: msg}
	}
	return nil
}
