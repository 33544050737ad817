package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brightquery/aigate/circuitbreaker"
	"github.com/brightquery/aigate/types"
)

func newTestLimiter(t *testing.T, cfg Config) *RateLimiter {
	t.Helper()
	rl, err := NewRateLimiter(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	return rl
}

// ---------- Construction ----------

func TestNewRateLimiter_Validation(t *testing.T) {
	_, err := NewRateLimiter(Config{RequestsPerMinute: 60, TokensPerMinute: 1000, MaxConcurrent: 0}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrFatalConfiguration, types.GetErrorCode(err))

	_, err = NewRateLimiter(Config{RequestsPerMinute: 0, TokensPerMinute: 1000, MaxConcurrent: 1}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrFatalConfiguration, types.GetErrorCode(err))
}

// ---------- Acquire ----------

func TestRateLimiter_AcquireNoPartialCommit(t *testing.T) {
	rl := newTestLimiter(t, Config{RequestsPerMinute: 5, TokensPerMinute: 10, MaxConcurrent: 2})

	// Oversized token demand fails and must refund the request token.
	assert.False(t, rl.Acquire(20))
	assert.Equal(t, 5.0, rl.requestBucket.Available())

	// The request budget is intact, so a reasonable demand still passes.
	assert.True(t, rl.Acquire(5))

	stats := rl.Stats()
	assert.Equal(t, int64(1), stats.RequestsMade)
	assert.Equal(t, int64(1), stats.RequestsRejected)
}

func TestRateLimiter_AcquireRespectsOpenCircuit(t *testing.T) {
	breaker := circuitbreaker.New(&circuitbreaker.Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
		HalfOpenMaxCalls: 1,
	}, nil)
	rl, err := NewRateLimiter(Config{RequestsPerMinute: 60, TokensPerMinute: 1000, MaxConcurrent: 2}, breaker, nil)
	require.NoError(t, err)

	breaker.OnFailure()
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())

	assert.False(t, rl.Acquire(1))
	assert.Equal(t, int64(1), rl.Stats().RequestsRejected)
}

// ---------- AcquireWithWait ----------

func TestRateLimiter_AcquireWithWaitBlocksUntilRefill(t *testing.T) {
	rl := newTestLimiter(t, Config{RequestsPerMinute: 60, TokensPerMinute: 6000, MaxConcurrent: 2})

	// Drain the request bucket so the next admission has to wait for
	// refill (60 rpm refills one token per second).
	require.True(t, rl.requestBucket.Acquire(60))

	start := time.Now()
	waited, err := rl.AcquireWithWait(context.Background(), 1)
	require.NoError(t, err)
	assert.Greater(t, waited, time.Duration(0))
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestRateLimiter_AcquireWithWaitCanceledWhileCircuitOpen(t *testing.T) {
	breaker := circuitbreaker.New(&circuitbreaker.Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
		HalfOpenMaxCalls: 1,
	}, nil)
	rl, err := NewRateLimiter(Config{RequestsPerMinute: 60, TokensPerMinute: 1000, MaxConcurrent: 2}, breaker, nil)
	require.NoError(t, err)
	breaker.OnFailure()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err = rl.AcquireWithWait(ctx, 1)
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))
}

func TestRateLimiter_AcquireWithWaitFatalOnOversizedDemand(t *testing.T) {
	rl := newTestLimiter(t, Config{RequestsPerMinute: 60, TokensPerMinute: 100, MaxConcurrent: 2})

	_, err := rl.AcquireWithWait(context.Background(), 101)
	require.Error(t, err)
	assert.Equal(t, types.ErrFatalConfiguration, types.GetErrorCode(err))
	// The request token taken before the fatal check must be refunded.
	assert.Equal(t, 60.0, rl.requestBucket.Available())
}

// ---------- Probe slot handling on abandoned admissions ----------

// halfOpenLimiter returns a limiter whose breaker is in HALF_OPEN with a
// single probe slot available.
func halfOpenLimiter(t *testing.T, cfg Config) (*RateLimiter, *circuitbreaker.Breaker) {
	t.Helper()

	breaker := circuitbreaker.New(&circuitbreaker.Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	}, nil)
	now := time.Now()
	breaker.SetClock(func() time.Time { return now })

	rl, err := NewRateLimiter(cfg, breaker, nil)
	require.NoError(t, err)

	breaker.OnFailure()
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())
	breaker.SetClock(func() time.Time { return now.Add(2 * time.Minute) })

	return rl, breaker
}

func TestRateLimiter_AcquireReturnsProbeOnEmptyRequestBucket(t *testing.T) {
	rl, breaker := halfOpenLimiter(t, Config{RequestsPerMinute: 2, TokensPerMinute: 100, MaxConcurrent: 2})

	require.True(t, rl.requestBucket.Acquire(2))

	// The rejected admission consumed the only probe slot via Allow; it
	// must hand it back or the breaker wedges in HALF_OPEN for good.
	assert.False(t, rl.Acquire(1))
	assert.Equal(t, circuitbreaker.StateHalfOpen, breaker.State())
	assert.Equal(t, 0, breaker.Stats().HalfOpenCalls)

	rl.requestBucket.Reset()
	assert.True(t, rl.Acquire(1))
}

func TestRateLimiter_AcquireReturnsProbeOnEmptyTokenBucket(t *testing.T) {
	rl, breaker := halfOpenLimiter(t, Config{RequestsPerMinute: 60, TokensPerMinute: 10, MaxConcurrent: 2})

	require.True(t, rl.tokenBucket.Acquire(10))

	assert.False(t, rl.Acquire(5))
	assert.Equal(t, 0, breaker.Stats().HalfOpenCalls)
	// And the request token is still refunded alongside the probe.
	assert.Equal(t, 60.0, rl.requestBucket.Available())

	rl.tokenBucket.Reset()
	assert.True(t, rl.Acquire(5))
}

func TestRateLimiter_AcquireWithWaitReturnsProbeOnCancellation(t *testing.T) {
	rl, breaker := halfOpenLimiter(t, Config{RequestsPerMinute: 2, TokensPerMinute: 100, MaxConcurrent: 2})

	// Drain the request bucket; the refill of 2 rpm is too slow for the
	// context deadline, so the wait is abandoned mid-admission.
	require.True(t, rl.requestBucket.Acquire(2))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := rl.AcquireWithWait(ctx, 1)
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))
	assert.Equal(t, 0, breaker.Stats().HalfOpenCalls)

	// With the probe returned and the bucket refilled, admission resumes.
	rl.requestBucket.Reset()
	assert.True(t, rl.Acquire(1))
}

func TestRateLimiter_AcquireWithWaitCountsRejections(t *testing.T) {
	breaker := circuitbreaker.New(&circuitbreaker.Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
		HalfOpenMaxCalls: 1,
	}, nil)
	rl, err := NewRateLimiter(Config{RequestsPerMinute: 60, TokensPerMinute: 100, MaxConcurrent: 2}, breaker, nil)
	require.NoError(t, err)

	// Oversized demand is a fatal rejection.
	_, err = rl.AcquireWithWait(context.Background(), 101)
	require.Error(t, err)
	assert.Equal(t, int64(1), rl.Stats().RequestsRejected)

	// Cancellation while the circuit is open is a rejection too.
	breaker.OnFailure()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = rl.AcquireWithWait(ctx, 1)
	require.Error(t, err)
	assert.Equal(t, int64(2), rl.Stats().RequestsRejected)
}

// ---------- Concurrency slots ----------

func TestRateLimiter_ConcurrencyCap(t *testing.T) {
	rl := newTestLimiter(t, Config{RequestsPerMinute: 600, TokensPerMinute: 60000, MaxConcurrent: 2})

	var inFlight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, rl.AcquireSlot(context.Background()))
			defer rl.ReleaseSlot()

			cur := atomic.AddInt64(&inFlight, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
	assert.Equal(t, int64(2), rl.Stats().ConcurrentAvailable)
}

// ---------- Feedback and adaptive tuning ----------

func TestRateLimiter_SuccessRateWindow(t *testing.T) {
	rl := newTestLimiter(t, Config{RequestsPerMinute: 60, TokensPerMinute: 1000, MaxConcurrent: 2})

	assert.Equal(t, 1.0, rl.SuccessRate(), "empty window defaults to healthy")

	for i := 0; i < 3; i++ {
		rl.OnRequestSuccess(100*time.Millisecond, 50)
	}
	rl.OnRequestFailure(types.ErrProviderTimeout)

	assert.InDelta(t, 0.75, rl.SuccessRate(), 0.001)
}

func TestRateLimiter_WindowIsBounded(t *testing.T) {
	rl := newTestLimiter(t, Config{RequestsPerMinute: 60, TokensPerMinute: 1000, MaxConcurrent: 2})

	for i := 0; i < windowSize; i++ {
		rl.OnRequestFailure(types.ErrTransientProvider)
	}
	for i := 0; i < windowSize; i++ {
		rl.OnRequestSuccess(time.Millisecond, 10)
	}

	// Old failures must have been evicted.
	assert.Equal(t, 1.0, rl.SuccessRate())
}

func TestRateLimiter_AdjustRatesScalesDownOnFailures(t *testing.T) {
	rl := newTestLimiter(t, Config{RequestsPerMinute: 60, TokensPerMinute: 6000, MaxConcurrent: 2})

	for i := 0; i < 10; i++ {
		rl.OnRequestFailure(types.ErrProviderTimeout)
	}

	base := rl.requestBucket.RefillRate()
	rl.AdjustRates()
	assert.InDelta(t, base*0.85, rl.requestBucket.RefillRate(), 0.001)
	assert.InDelta(t, rl.baseTokenRefill*0.85, rl.tokenBucket.RefillRate(), 0.001)
}

func TestRateLimiter_AdjustRatesFloorsAtTenPercent(t *testing.T) {
	rl := newTestLimiter(t, Config{RequestsPerMinute: 60, TokensPerMinute: 6000, MaxConcurrent: 2})

	for i := 0; i < 10; i++ {
		rl.OnRequestFailure(types.ErrProviderTimeout)
	}
	for i := 0; i < 50; i++ {
		rl.AdjustRates()
	}

	assert.InDelta(t, rl.baseRequestRefill*0.1, rl.requestBucket.RefillRate(), 0.001)
}

func TestRateLimiter_AdjustRatesNeverExceedsConfigured(t *testing.T) {
	rl := newTestLimiter(t, Config{RequestsPerMinute: 60, TokensPerMinute: 6000, MaxConcurrent: 2})

	for i := 0; i < 50; i++ {
		rl.OnRequestSuccess(50*time.Millisecond, 20)
	}
	for i := 0; i < 5; i++ {
		rl.AdjustRates()
	}

	assert.LessOrEqual(t, rl.requestBucket.RefillRate(), rl.baseRequestRefill)
}

func TestRateLimiter_AdjustRatesRecoversAfterHealth(t *testing.T) {
	rl := newTestLimiter(t, Config{RequestsPerMinute: 60, TokensPerMinute: 6000, MaxConcurrent: 2})

	for i := 0; i < 10; i++ {
		rl.OnRequestFailure(types.ErrProviderTimeout)
	}
	rl.AdjustRates()
	degraded := rl.requestBucket.RefillRate()
	require.Less(t, degraded, rl.baseRequestRefill)

	for i := 0; i < windowSize; i++ {
		rl.OnRequestSuccess(50*time.Millisecond, 20)
	}
	rl.AdjustRates()
	assert.Greater(t, rl.requestBucket.RefillRate(), degraded)
}

// ---------- Stats ----------

func TestRateLimiter_StatsSnapshot(t *testing.T) {
	rl := newTestLimiter(t, Config{RequestsPerMinute: 60, TokensPerMinute: 6000, MaxConcurrent: 3})

	require.True(t, rl.Acquire(10))
	require.True(t, rl.Acquire(10))
	rl.OnRequestSuccess(200*time.Millisecond, 15)

	stats := rl.Stats()
	assert.Equal(t, int64(2), stats.RequestsMade)
	assert.Equal(t, int64(0), stats.RequestsRejected)
	assert.Equal(t, 2, stats.RequestsPerMinute)
	assert.Equal(t, circuitbreaker.StateClosed, stats.CircuitState)
	assert.Equal(t, int64(3), stats.ConcurrentAvailable)
	assert.Equal(t, 1.0, stats.SuccessRate)
}
