// Package ratelimit provides the admission-control layer of the gateway:
// a dual token bucket (request count + token volume), a concurrency
// semaphore, and a circuit breaker, composed behind a single limiter.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/brightquery/aigate/circuitbreaker"
	"github.com/brightquery/aigate/types"
)

// breakerPollInterval is the sleep between circuit-recovery checks in
// AcquireWithWait.
const breakerPollInterval = 100 * time.Millisecond

// windowSize bounds the rolling success/latency history used by
// adaptive tuning.
const windowSize = 100

// Config configures a RateLimiter.
type Config struct {
	RequestsPerMinute int
	TokensPerMinute   int
	MaxConcurrent     int64
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		TokensPerMinute:   90000,
		MaxConcurrent:     5,
	}
}

// Stats is the aggregated counter snapshot exposed to callers.
// Mutated only by the RateLimiter.
type Stats struct {
	RequestsMade        int64                `json:"requests_made"`
	RequestsRejected    int64                `json:"requests_rejected"`
	RequestsPerMinute   int                  `json:"requests_per_minute"`
	AverageWait         time.Duration        `json:"average_wait"`
	CircuitState        circuitbreaker.State `json:"circuit_state"`
	SuccessRate         float64              `json:"success_rate"`
	ConcurrentAvailable int64                `json:"concurrent_available"`
	RequestRefillRate   float64              `json:"request_refill_rate"`
	TokenRefillRate     float64              `json:"token_refill_rate"`
}

type sample struct {
	success bool
	latency time.Duration
}

// RateLimiter admits requests under dual rate limits, caps concurrency,
// and isolates failures through its circuit breaker. Waiters are not
// strictly FIFO: under contention a later arrival requesting fewer
// tokens may be served first.
type RateLimiter struct {
	cfg     Config
	logger  *zap.Logger
	breaker *circuitbreaker.Breaker

	requestBucket *TokenBucket
	tokenBucket   *TokenBucket
	sem           *semaphore.Weighted

	// Initial refill rates bound adaptive tuning: never above the
	// configured ceiling, never below 10% of it.
	baseRequestRefill float64
	baseTokenRefill   float64

	rejectLog rate.Sometimes

	mu             sync.Mutex
	requestsMade   int64
	rejected       int64
	totalWait      time.Duration
	admissionTimes []time.Time
	window         []sample
	inFlight       int64
}

// NewRateLimiter builds the limiter and its buckets. The breaker is
// injected so tests can share or observe it; nil gets a default breaker.
func NewRateLimiter(cfg Config, breaker *circuitbreaker.Breaker, logger *zap.Logger) (*RateLimiter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breaker == nil {
		breaker = circuitbreaker.New(nil, logger)
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, types.NewError(types.ErrFatalConfiguration,
			fmt.Sprintf("max concurrent requests must be positive, got %d", cfg.MaxConcurrent))
	}

	reqBucket, err := NewTokenBucket(cfg.RequestsPerMinute, float64(cfg.RequestsPerMinute)/60.0)
	if err != nil {
		return nil, err
	}
	tokBucket, err := NewTokenBucket(cfg.TokensPerMinute, float64(cfg.TokensPerMinute)/60.0)
	if err != nil {
		return nil, err
	}

	return &RateLimiter{
		cfg:               cfg,
		logger:            logger.With(zap.String("component", "rate_limiter")),
		breaker:           breaker,
		requestBucket:     reqBucket,
		tokenBucket:       tokBucket,
		sem:               semaphore.NewWeighted(cfg.MaxConcurrent),
		baseRequestRefill: float64(cfg.RequestsPerMinute) / 60.0,
		baseTokenRefill:   float64(cfg.TokensPerMinute) / 60.0,
		rejectLog:         rate.Sometimes{Interval: time.Second},
	}, nil
}

// Breaker exposes the circuit breaker for health reporting.
func (rl *RateLimiter) Breaker() *circuitbreaker.Breaker {
	return rl.breaker
}

// Acquire is the non-blocking admission check: circuit breaker first,
// then both buckets. It never partially commits; if the token bucket
// lacks capacity the request token is refunded.
func (rl *RateLimiter) Acquire(estimatedTokens int) bool {
	if estimatedTokens < 1 {
		estimatedTokens = 1
	}

	if !rl.breaker.Allow() {
		rl.reject("circuit open")
		return false
	}

	if !rl.requestBucket.Acquire(1) {
		rl.breaker.ReleaseProbe()
		rl.reject("request bucket empty")
		return false
	}
	if !rl.tokenBucket.Acquire(estimatedTokens) {
		rl.requestBucket.refund(1)
		rl.breaker.ReleaseProbe()
		rl.reject("token bucket empty")
		return false
	}

	rl.admitted(0)
	return true
}

// AcquireWithWait is the primary admission path: it blocks on circuit
// recovery, then on both buckets, and returns the total wait. Abandoning
// the wait (ctx cancellation) leaves no tokens reserved beyond a refund
// of the already-acquired half.
func (rl *RateLimiter) AcquireWithWait(ctx context.Context, estimatedTokens int) (time.Duration, error) {
	if estimatedTokens < 1 {
		estimatedTokens = 1
	}

	start := time.Now()

	// Poll the breaker until it admits the call.
	for !rl.breaker.Allow() {
		select {
		case <-ctx.Done():
			rl.reject("circuit open")
			return time.Since(start), types.NewError(types.ErrRateLimited,
				"admission wait canceled while circuit open").WithCause(ctx.Err())
		case <-time.After(breakerPollInterval):
		}
	}

	// From here on the breaker has admitted the call; abandoning it must
	// hand the probe slot back or a HALF_OPEN breaker leaks it.
	if _, err := rl.requestBucket.WaitForTokens(ctx, 1); err != nil {
		rl.breaker.ReleaseProbe()
		rl.reject("request bucket wait failed")
		return time.Since(start), rl.waitError(err)
	}
	if _, err := rl.tokenBucket.WaitForTokens(ctx, estimatedTokens); err != nil {
		rl.requestBucket.refund(1)
		rl.breaker.ReleaseProbe()
		rl.reject("token bucket wait failed")
		return time.Since(start), rl.waitError(err)
	}

	wait := time.Since(start)
	rl.admitted(wait)
	return wait, nil
}

func (rl *RateLimiter) waitError(err error) error {
	if types.GetErrorCode(err) == types.ErrFatalConfiguration {
		return err
	}
	return types.NewError(types.ErrRateLimited, "admission wait canceled").WithCause(err)
}

// AcquireSlot takes one concurrency slot, blocking past
// MaxConcurrent in-flight calls.
func (rl *RateLimiter) AcquireSlot(ctx context.Context) error {
	if err := rl.sem.Acquire(ctx, 1); err != nil {
		return types.NewError(types.ErrRateLimited, "concurrency slot wait canceled").WithCause(err)
	}
	rl.mu.Lock()
	rl.inFlight++
	rl.mu.Unlock()
	return nil
}

// ReleaseSlot returns a concurrency slot.
func (rl *RateLimiter) ReleaseSlot() {
	rl.mu.Lock()
	rl.inFlight--
	rl.mu.Unlock()
	rl.sem.Release(1)
}

// OnRequestSuccess records a completed call in the rolling window and
// informs the circuit breaker.
func (rl *RateLimiter) OnRequestSuccess(responseTime time.Duration, tokensUsed int) {
	rl.mu.Lock()
	rl.pushSample(sample{success: true, latency: responseTime})
	rl.mu.Unlock()

	rl.breaker.OnSuccess()

	rl.logger.Debug("request succeeded",
		zap.Duration("response_time", responseTime),
		zap.Int("tokens_used", tokensUsed),
	)
}

// OnRequestFailure records a failed call and informs the circuit breaker.
func (rl *RateLimiter) OnRequestFailure(errType types.ErrorCode) {
	rl.mu.Lock()
	rl.pushSample(sample{success: false})
	rl.mu.Unlock()

	rl.breaker.OnFailure()

	rl.logger.Debug("request failed", zap.String("error_type", string(errType)))
}

// pushSample appends to the bounded window. Caller holds the lock.
func (rl *RateLimiter) pushSample(s sample) {
	rl.window = append(rl.window, s)
	if len(rl.window) > windowSize {
		rl.window = rl.window[len(rl.window)-windowSize:]
	}
}

// SuccessRate returns the fraction of successful calls in the rolling
// window, or 1.0 when the window is empty.
func (rl *RateLimiter) SuccessRate() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.successRateLocked()
}

func (rl *RateLimiter) successRateLocked() float64 {
	if len(rl.window) == 0 {
		return 1.0
	}
	ok := 0
	for _, s := range rl.window {
		if s.success {
			ok++
		}
	}
	return float64(ok) / float64(len(rl.window))
}

func (rl *RateLimiter) avgResponseTimeLocked() time.Duration {
	var total time.Duration
	n := 0
	for _, s := range rl.window {
		if s.success {
			total += s.latency
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// AdjustRates is the explicit, periodic adaptive-tuning step. It is never
// invoked from the acquire/release hot path. Poor health (success rate
// below 0.8 or average latency above 10s) scales both refill rates down
// by 0.85, floored at 10% of the configured rate; good health (success
// above 0.95 and latency under 5s) scales up by 1.1, capped at the
// configured rate.
func (rl *RateLimiter) AdjustRates() {
	rl.mu.Lock()
	successRate := rl.successRateLocked()
	avgLatency := rl.avgResponseTimeLocked()
	rl.mu.Unlock()

	const (
		downFactor = 0.85
		upFactor   = 1.1
		floorFrac  = 0.1
	)

	var factor float64
	switch {
	case successRate < 0.8 || avgLatency > 10*time.Second:
		factor = downFactor
	case successRate > 0.95 && avgLatency < 5*time.Second:
		factor = upFactor
	default:
		return
	}

	apply := func(bucket *TokenBucket, base float64) float64 {
		next := bucket.RefillRate() * factor
		if next < base*floorFrac {
			next = base * floorFrac
		}
		if next > base {
			next = base
		}
		bucket.SetRefillRate(next)
		return next
	}

	reqRate := apply(rl.requestBucket, rl.baseRequestRefill)
	tokRate := apply(rl.tokenBucket, rl.baseTokenRefill)

	rl.logger.Info("rates adjusted",
		zap.Float64("success_rate", successRate),
		zap.Duration("avg_latency", avgLatency),
		zap.Float64("request_refill_per_sec", reqRate),
		zap.Float64("token_refill_per_sec", tokRate),
	)
}

// Stats returns the aggregated snapshot.
func (rl *RateLimiter) Stats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.pruneAdmissionsLocked(time.Now())

	var avgWait time.Duration
	if rl.requestsMade > 0 {
		avgWait = rl.totalWait / time.Duration(rl.requestsMade)
	}

	return Stats{
		RequestsMade:        rl.requestsMade,
		RequestsRejected:    rl.rejected,
		RequestsPerMinute:   len(rl.admissionTimes),
		AverageWait:         avgWait,
		CircuitState:        rl.breaker.State(),
		SuccessRate:         rl.successRateLocked(),
		ConcurrentAvailable: rl.cfg.MaxConcurrent - rl.inFlight,
		RequestRefillRate:   rl.requestBucket.RefillRate(),
		TokenRefillRate:     rl.tokenBucket.RefillRate(),
	}
}

func (rl *RateLimiter) admitted(wait time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.requestsMade++
	rl.totalWait += wait
	rl.admissionTimes = append(rl.admissionTimes, now)
	rl.pruneAdmissionsLocked(now)
}

// pruneAdmissionsLocked drops admissions older than one minute. Caller
// holds the lock.
func (rl *RateLimiter) pruneAdmissionsLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	idx := 0
	for idx < len(rl.admissionTimes) && !rl.admissionTimes[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		rl.admissionTimes = rl.admissionTimes[idx:]
	}
}

func (rl *RateLimiter) reject(reason string) {
	rl.mu.Lock()
	rl.rejected++
	rl.mu.Unlock()

	rl.rejectLog.Do(func() {
		rl.logger.Warn("admission rejected", zap.String("reason", reason))
	})
}
