// Package gateway provides the client facade over admission control,
// retry, failure isolation, and cost governance for LLM provider calls.
package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/brightquery/aigate/circuitbreaker"
	"github.com/brightquery/aigate/config"
	"github.com/brightquery/aigate/costgov"
	"github.com/brightquery/aigate/internal/metrics"
	"github.com/brightquery/aigate/ratelimit"
	"github.com/brightquery/aigate/retry"
	"github.com/brightquery/aigate/tokens"
	"github.com/brightquery/aigate/types"
)

// Request describes one provider call.
type Request struct {
	Prompt      string
	Model       string
	RequestType string

	// EstimatedTokens sizes the admission request. Zero means estimate
	// from the prompt.
	EstimatedTokens int
}

// Usage is the token accounting extracted from a provider response.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ProviderFunc executes the actual provider call. Response shapes
// differ per provider, so the gateway treats them opaquely.
type ProviderFunc func(ctx context.Context, req Request) (any, error)

// UsageExtractor pulls token usage out of a provider response.
type UsageExtractor func(resp any) (Usage, error)

// Result is returned for every successful call.
type Result struct {
	RequestID string
	Response  any
	Usage     Usage
	Cost      float64
	Latency   time.Duration
	Wait      time.Duration
	Model     string
}

// UsageSnapshot is the aggregate view exposed to health aggregators.
type UsageSnapshot struct {
	RequestsMade        int64   `json:"requests_made"`
	RequestsRejected    int64   `json:"requests_rejected"`
	RequestsPerMinute   int     `json:"requests_per_minute"`
	TokenRateLimit      int     `json:"token_rate_limit"`
	ConcurrentAvailable int64   `json:"concurrent_available"`
	CircuitState        string  `json:"circuit_state"`
	SuccessRate         float64 `json:"success_rate"`
}

// HealthStatus summarizes gateway health.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Health is the health-check report.
type Health struct {
	Status              HealthStatus `json:"status"`
	CircuitState        string       `json:"circuit_state"`
	ConcurrentAvailable int64        `json:"concurrent_available"`
	SuccessRate         float64      `json:"success_rate"`
	DailyCost           float64      `json:"daily_cost"`
	DailyCostLimit      float64      `json:"daily_cost_limit"`
}

// Client is the gateway facade. All dependencies are injected at
// construction; there are no package-level singletons.
type Client struct {
	cfg      *config.Config
	logger   *zap.Logger
	provider ProviderFunc
	extract  UsageExtractor

	limiter   *ratelimit.RateLimiter
	governor  *costgov.Governor
	executor  retry.Executor
	estimator *tokens.Estimator
	collector *metrics.Collector
	tracer    trace.Tracer

	adjustEvery int64
	calls       atomic.Int64
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetricsCollector enables Prometheus metrics.
func WithMetricsCollector(collector *metrics.Collector) Option {
	return func(c *Client) { c.collector = collector }
}

// WithTracer sets the tracer; the default is the global otel tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) { c.tracer = tracer }
}

// WithRateLimiter injects a prebuilt limiter, for tests or shared
// limiting across clients.
func WithRateLimiter(limiter *ratelimit.RateLimiter) Option {
	return func(c *Client) { c.limiter = limiter }
}

// WithGovernor injects a prebuilt cost governor.
func WithGovernor(governor *costgov.Governor) Option {
	return func(c *Client) { c.governor = governor }
}

// WithExecutor injects a prebuilt retry executor.
func WithExecutor(executor retry.Executor) Option {
	return func(c *Client) { c.executor = executor }
}

// WithEstimator injects a token estimator.
func WithEstimator(estimator *tokens.Estimator) Option {
	return func(c *Client) { c.estimator = estimator }
}

// WithAdjustEvery triggers adaptive rate tuning after every n completed
// calls. Zero disables it; the caller can also drive tuning on a timer
// via AdjustRates.
func WithAdjustEvery(n int64) Option {
	return func(c *Client) { c.adjustEvery = n }
}

// New builds a gateway client. The provider call and usage extractor
// are supplied by the caller since both are provider specific.
func New(cfg *config.Config, provider ProviderFunc, extract UsageExtractor, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, types.NewError(types.ErrFatalConfiguration, "provider function is required")
	}
	if extract == nil {
		return nil, types.NewError(types.ErrFatalConfiguration, "usage extractor is required")
	}

	c := &Client{
		cfg:      cfg,
		provider: provider,
		extract:  extract,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("component", "gateway"))

	if c.limiter == nil {
		breaker := circuitbreaker.New(&circuitbreaker.Config{
			FailureThreshold: cfg.CircuitFailureThreshold,
			RecoveryTimeout:  cfg.CircuitRecoveryTimeout(),
			HalfOpenMaxCalls: cfg.CircuitHalfOpenMaxCalls,
		}, c.logger)
		limiter, err := ratelimit.NewRateLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RequestsPerMinute,
			TokensPerMinute:   cfg.TokensPerMinute,
			MaxConcurrent:     cfg.MaxConcurrentRequests,
		}, breaker, c.logger)
		if err != nil {
			return nil, err
		}
		c.limiter = limiter
	}

	if c.governor == nil {
		c.governor = costgov.NewGovernor(costgov.Config{
			DailyCostLimit:    cfg.DailyCostLimit,
			MaxCostPerRequest: cfg.MaxCostPerRequest,
			DefaultModel:      cfg.DefaultModel,
			Prices:            cfg.Models,
		}, c.logger)
	}

	if c.executor == nil {
		c.executor = retry.NewExecutor(&retry.Policy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay(),
			MaxDelay:   60 * time.Second,
			Jitter:     true,
			OnRetry: func(attempt int, err error, delay time.Duration) {
				if c.collector != nil {
					c.collector.RecordRetry(cfg.DefaultModel)
				}
			},
		}, c.logger)
	}

	if c.estimator == nil {
		c.estimator = tokens.NewEstimator(cfg.DefaultModel)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/brightquery/aigate/gateway")
	}

	return c, nil
}

// CurrentUsage reports the aggregate call statistics.
func (c *Client) CurrentUsage() UsageSnapshot {
	stats := c.limiter.Stats()
	return UsageSnapshot{
		RequestsMade:        stats.RequestsMade,
		RequestsRejected:    stats.RequestsRejected,
		RequestsPerMinute:   stats.RequestsPerMinute,
		TokenRateLimit:      c.cfg.TokensPerMinute,
		ConcurrentAvailable: stats.ConcurrentAvailable,
		CircuitState:        stats.CircuitState.String(),
		SuccessRate:         stats.SuccessRate,
	}
}

// DailyCost returns today's accumulated spend.
func (c *Client) DailyCost() float64 {
	return c.governor.DailyCost()
}

// EstimateRequestCost prices a prospective call.
func (c *Client) EstimateRequestCost(estInput, estOutput int, model string) (float64, bool) {
	return c.governor.EstimateRequestCost(estInput, estOutput, model)
}

// EstimateEmbeddingCost prices an embedding call.
func (c *Client) EstimateEmbeddingCost(tokenCount int, model string) float64 {
	return c.governor.EstimateEmbeddingCost(tokenCount, model)
}

// RecommendModel selects a model that fits the estimated size and the
// remaining budget.
func (c *Client) RecommendModel(estimatedTokens int, complexity costgov.Complexity) string {
	return c.governor.RecommendModel(estimatedTokens, complexity)
}

// AdjustRates runs one adaptive-tuning step on the limiter.
func (c *Client) AdjustRates() {
	c.limiter.AdjustRates()
}

// HealthCheck derives gateway health from circuit state, success rate,
// slot availability, and remaining budget.
func (c *Client) HealthCheck() Health {
	stats := c.limiter.Stats()
	budgetOK, _ := c.governor.CheckDailyBudget()

	h := Health{
		CircuitState:        stats.CircuitState.String(),
		ConcurrentAvailable: stats.ConcurrentAvailable,
		SuccessRate:         stats.SuccessRate,
		DailyCost:           c.governor.DailyCost(),
		DailyCostLimit:      c.cfg.DailyCostLimit,
	}

	switch {
	case stats.CircuitState == circuitbreaker.StateOpen:
		h.Status = StatusUnhealthy
	case stats.CircuitState == circuitbreaker.StateHalfOpen,
		stats.SuccessRate < 0.8,
		stats.ConcurrentAvailable == 0,
		!budgetOK:
		h.Status = StatusDegraded
	default:
		h.Status = StatusHealthy
	}
	return h
}

func (c *Client) maybeAdjust() {
	n := c.adjustEvery
	if n <= 0 {
		return
	}
	if c.calls.Add(1)%n == 0 {
		c.limiter.AdjustRates()
	}
}

func (c *Client) publishCircuitState() {
	if c.collector != nil {
		c.collector.SetCircuitState("provider", int(c.limiter.Breaker().State()))
	}
}

func (c *Client) recordRejection(reason string) {
	if c.collector != nil {
		c.collector.RecordRejection(reason)
	}
}
