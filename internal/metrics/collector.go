// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records gateway metrics to a Prometheus registry.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	admissionWait   *prometheus.HistogramVec
	tokensUsed      *prometheus.CounterVec
	costTotal       *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	rejectionsTotal *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
	inFlight        prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers all metrics on the default registerer.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry registers all metrics on reg; tests pass a
// fresh registry to avoid duplicate-registration panics.
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of gateway requests",
		},
		[]string{"model", "status"},
	)

	c.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Provider call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	c.admissionWait = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_wait_seconds",
			Help:      "Time spent waiting for rate-limit admission",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"model"},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"model", "type"}, // type: input, output
	)

	c.costTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Total cost in USD",
		},
		[]string{"model"},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retry attempts",
		},
		[]string{"model"},
	)

	c.rejectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Total number of rejected requests",
		},
		[]string{"reason"}, // reason: budget, rate_limit, circuit
	)

	c.circuitState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)

	c.inFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Number of provider calls currently executing",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordRequest records a completed gateway call.
func (c *Collector) RecordRequest(model, status string, duration time.Duration, inputTokens, outputTokens int, cost float64) {
	c.requestsTotal.WithLabelValues(model, status).Inc()
	c.requestDuration.WithLabelValues(model).Observe(duration.Seconds())
	c.tokensUsed.WithLabelValues(model, "input").Add(float64(inputTokens))
	c.tokensUsed.WithLabelValues(model, "output").Add(float64(outputTokens))
	c.costTotal.WithLabelValues(model).Add(cost)
}

// RecordAdmissionWait records time spent in admission.
func (c *Collector) RecordAdmissionWait(model string, wait time.Duration) {
	c.admissionWait.WithLabelValues(model).Observe(wait.Seconds())
}

// RecordRetry records one retry attempt.
func (c *Collector) RecordRetry(model string) {
	c.retriesTotal.WithLabelValues(model).Inc()
}

// RecordRejection records a rejected request by reason.
func (c *Collector) RecordRejection(reason string) {
	c.rejectionsTotal.WithLabelValues(reason).Inc()
}

// SetCircuitState publishes the breaker state.
func (c *Collector) SetCircuitState(breaker string, state int) {
	c.circuitState.WithLabelValues(breaker).Set(float64(state))
}

// RequestStarted increments the in-flight gauge.
func (c *Collector) RequestStarted() { c.inFlight.Inc() }

// RequestDone decrements the in-flight gauge.
func (c *Collector) RequestDone() { c.inFlight.Dec() }
