// Package config loads gateway configuration from defaults, an optional
// YAML file, and environment-variable overrides, in that priority order.
package config

import (
	"strings"
	"time"

	"github.com/brightquery/aigate/costgov"
	"github.com/brightquery/aigate/types"
)

// Config is the complete gateway configuration. Duration-like options
// are expressed in seconds to keep the file format uniform.
type Config struct {
	// Admission control.
	RequestsPerMinute     int   `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`
	TokensPerMinute       int   `yaml:"tokens_per_minute" env:"TOKENS_PER_MINUTE"`
	MaxConcurrentRequests int64 `yaml:"max_concurrent_requests" env:"MAX_CONCURRENT_REQUESTS"`

	// Budget.
	DailyCostLimit    float64 `yaml:"daily_cost_limit" env:"DAILY_COST_LIMIT"`
	MaxCostPerRequest float64 `yaml:"max_cost_per_request" env:"MAX_COST_PER_REQUEST"`

	// Retry and timeouts.
	MaxRetries            int     `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryBaseDelaySeconds float64 `yaml:"retry_base_delay_seconds" env:"RETRY_BASE_DELAY_SECONDS"`
	TimeoutSeconds        float64 `yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`

	// Circuit breaker.
	CircuitFailureThreshold       int     `yaml:"circuit_failure_threshold" env:"CIRCUIT_FAILURE_THRESHOLD"`
	CircuitRecoveryTimeoutSeconds float64 `yaml:"circuit_recovery_timeout_seconds" env:"CIRCUIT_RECOVERY_TIMEOUT_SECONDS"`
	CircuitHalfOpenMaxCalls       int     `yaml:"circuit_half_open_max_calls" env:"CIRCUIT_HALF_OPEN_MAX_CALLS"`

	// Models and pricing.
	DefaultModel string                        `yaml:"default_model" env:"DEFAULT_MODEL"`
	Models       map[string]costgov.ModelPrice `yaml:"models"`

	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the ops HTTP server (health and metrics).
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	AdjustInterval  time.Duration `yaml:"adjust_interval" env:"ADJUST_INTERVAL"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Insecure    bool    `yaml:"insecure" env:"INSECURE"`
}

// RetryBaseDelay converts the seconds option to a duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySeconds * float64(time.Second))
}

// Timeout converts the per-call deadline option to a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// CircuitRecoveryTimeout converts the recovery option to a duration.
func (c *Config) CircuitRecoveryTimeout() time.Duration {
	return time.Duration(c.CircuitRecoveryTimeoutSeconds * float64(time.Second))
}

// Validate reports every invalid option at once as a fatal
// configuration error.
func (c *Config) Validate() error {
	var errs []string

	if c.RequestsPerMinute <= 0 {
		errs = append(errs, "requests_per_minute must be positive")
	}
	if c.TokensPerMinute <= 0 {
		errs = append(errs, "tokens_per_minute must be positive")
	}
	if c.MaxConcurrentRequests <= 0 {
		errs = append(errs, "max_concurrent_requests must be positive")
	}
	if c.DailyCostLimit <= 0 {
		errs = append(errs, "daily_cost_limit must be positive")
	}
	if c.MaxCostPerRequest <= 0 {
		errs = append(errs, "max_cost_per_request must be positive")
	}
	if c.MaxCostPerRequest > c.DailyCostLimit {
		errs = append(errs, "max_cost_per_request cannot exceed daily_cost_limit")
	}
	if c.MaxRetries < 0 {
		errs = append(errs, "max_retries cannot be negative")
	}
	if c.RetryBaseDelaySeconds <= 0 {
		errs = append(errs, "retry_base_delay_seconds must be positive")
	}
	if c.TimeoutSeconds <= 0 {
		errs = append(errs, "timeout_seconds must be positive")
	}
	if c.CircuitFailureThreshold <= 0 {
		errs = append(errs, "circuit_failure_threshold must be positive")
	}
	if c.CircuitRecoveryTimeoutSeconds <= 0 {
		errs = append(errs, "circuit_recovery_timeout_seconds must be positive")
	}
	if c.CircuitHalfOpenMaxCalls <= 0 {
		errs = append(errs, "circuit_half_open_max_calls must be positive")
	}
	if c.DefaultModel == "" {
		errs = append(errs, "default_model is required")
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "server.http_port must be a valid port")
	}

	if len(errs) > 0 {
		return types.NewError(types.ErrFatalConfiguration, strings.Join(errs, "; "))
	}
	return nil
}
