package config

import (
	"time"

	"github.com/brightquery/aigate/costgov"
)

// DefaultConfig returns a fully populated configuration suitable for
// development. Production deployments override the budget and rate
// options.
func DefaultConfig() *Config {
	return &Config{
		RequestsPerMinute:     60,
		TokensPerMinute:       90000,
		MaxConcurrentRequests: 5,

		DailyCostLimit:    10.0,
		MaxCostPerRequest: 0.50,

		MaxRetries:            3,
		RetryBaseDelaySeconds: 1.0,
		TimeoutSeconds:        30.0,

		CircuitFailureThreshold:       5,
		CircuitRecoveryTimeoutSeconds: 60.0,
		CircuitHalfOpenMaxCalls:       3,

		DefaultModel: "anthropic.claude-3-5-sonnet-20241022-v2:0",
		Models:       costgov.DefaultPriceTable(),

		Server: ServerConfig{
			HTTPPort:        8080,
			ShutdownTimeout: 10 * time.Second,
			AdjustInterval:  30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "aigate",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}
