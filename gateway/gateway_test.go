package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brightquery/aigate/config"
	"github.com/brightquery/aigate/costgov"
	"github.com/brightquery/aigate/types"
)

type stubResponse struct {
	inputTokens  int
	outputTokens int
}

func extractStub(resp any) (Usage, error) {
	r, ok := resp.(stubResponse)
	if !ok {
		return Usage{}, errors.New("unexpected response type")
	}
	return Usage{InputTokens: r.inputTokens, OutputTokens: r.outputTokens}, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.RequestsPerMinute = 600
	cfg.TokensPerMinute = 600000
	cfg.MaxConcurrentRequests = 2
	cfg.DailyCostLimit = 10.0
	cfg.MaxCostPerRequest = 1.0
	cfg.MaxRetries = 2
	cfg.RetryBaseDelaySeconds = 0.001
	cfg.TimeoutSeconds = 0.5
	cfg.CircuitFailureThreshold = 3
	cfg.CircuitRecoveryTimeoutSeconds = 60
	cfg.CircuitHalfOpenMaxCalls = 1
	cfg.DefaultModel = "test-model"
	cfg.Models = map[string]costgov.ModelPrice{
		"test-model": {InputPer1K: 0.003, OutputPer1K: 0.015, ContextWindow: 200000, Tier: costgov.TierBalanced},
	}
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config, provider ProviderFunc) *Client {
	t.Helper()
	client, err := New(cfg, provider, extractStub, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return client
}

// ---------- Construction ----------

func TestNew_Validation(t *testing.T) {
	_, err := New(testConfig(), nil, extractStub)
	require.Error(t, err)
	assert.Equal(t, types.ErrFatalConfiguration, types.GetErrorCode(err))

	_, err = New(testConfig(), func(ctx context.Context, req Request) (any, error) {
		return stubResponse{}, nil
	}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrFatalConfiguration, types.GetErrorCode(err))

	bad := testConfig()
	bad.RequestsPerMinute = -1
	_, err = New(bad, func(ctx context.Context, req Request) (any, error) {
		return stubResponse{}, nil
	}, extractStub)
	require.Error(t, err)
	assert.Equal(t, types.ErrFatalConfiguration, types.GetErrorCode(err))
}

// ---------- Invoke: success path ----------

func TestInvoke_SuccessRecordsCost(t *testing.T) {
	client := newTestClient(t, testConfig(), func(ctx context.Context, req Request) (any, error) {
		return stubResponse{inputTokens: 2000, outputTokens: 1000}, nil
	})

	result, err := client.Invoke(context.Background(), Request{Prompt: "hello", Model: "test-model"})
	require.NoError(t, err)

	assert.NotEmpty(t, result.RequestID)
	assert.Equal(t, Usage{InputTokens: 2000, OutputTokens: 1000}, result.Usage)
	assert.InDelta(t, 2.0*0.003+1.0*0.015, result.Cost, 1e-9)
	assert.InDelta(t, result.Cost, client.DailyCost(), 1e-9)

	usage := client.CurrentUsage()
	assert.Equal(t, int64(1), usage.RequestsMade)
	assert.Equal(t, "closed", usage.CircuitState)
	assert.Equal(t, 1.0, usage.SuccessRate)
}

func TestInvoke_DefaultsModelAndEstimate(t *testing.T) {
	var gotModel string
	client := newTestClient(t, testConfig(), func(ctx context.Context, req Request) (any, error) {
		gotModel = req.Model
		return stubResponse{inputTokens: 10, outputTokens: 5}, nil
	})

	_, err := client.Invoke(context.Background(), Request{Prompt: "short prompt"})
	require.NoError(t, err)
	assert.Equal(t, "test-model", gotModel)
}

// ---------- Invoke: budget ----------

func TestInvoke_BudgetPreflightRejects(t *testing.T) {
	cfg := testConfig()
	cfg.DailyCostLimit = 0.01
	cfg.MaxCostPerRequest = 0.01

	var calls atomic.Int64
	client := newTestClient(t, cfg, func(ctx context.Context, req Request) (any, error) {
		calls.Add(1)
		return stubResponse{inputTokens: 2000, outputTokens: 1000}, nil
	})

	// First call exhausts the daily budget.
	_, err := client.Invoke(context.Background(), Request{Prompt: "p", EstimatedTokens: 10})
	require.NoError(t, err)
	require.Equal(t, int64(1), calls.Load())

	// Second call is refused before the provider is reached.
	_, err = client.Invoke(context.Background(), Request{Prompt: "p", EstimatedTokens: 10})
	require.Error(t, err)
	assert.Equal(t, types.ErrQuotaExceeded, types.GetErrorCode(err))
	assert.Equal(t, int64(1), calls.Load())
}

func TestInvoke_PerRequestCapRejectsEstimate(t *testing.T) {
	cfg := testConfig()
	cfg.DailyCostLimit = 1.00
	cfg.MaxCostPerRequest = 0.50

	client := newTestClient(t, cfg, func(ctx context.Context, req Request) (any, error) {
		t.Fatal("provider must not be called")
		return nil, nil
	})

	// 100K estimated tokens projects past the per-request cap even
	// with the full daily budget available.
	_, err := client.Invoke(context.Background(), Request{Prompt: "p", EstimatedTokens: 100000})
	require.Error(t, err)
	assert.Equal(t, types.ErrQuotaExceeded, types.GetErrorCode(err))
}

// ---------- Invoke: failure path ----------

func TestInvoke_FailedCallAccruesZeroCost(t *testing.T) {
	client := newTestClient(t, testConfig(), func(ctx context.Context, req Request) (any, error) {
		return nil, types.NewError(types.ErrFatalConfiguration, "bad api key")
	})

	_, err := client.Invoke(context.Background(), Request{Prompt: "p", EstimatedTokens: 10})
	require.Error(t, err)
	assert.Equal(t, types.ErrFatalConfiguration, types.GetErrorCode(err))
	assert.Equal(t, 0.0, client.DailyCost())
}

func TestInvoke_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	client := newTestClient(t, testConfig(), func(ctx context.Context, req Request) (any, error) {
		if calls.Add(1) < 3 {
			return nil, types.NewError(types.ErrTransientProvider, "upstream 503")
		}
		return stubResponse{inputTokens: 100, outputTokens: 50}, nil
	})

	result, err := client.Invoke(context.Background(), Request{Prompt: "p", EstimatedTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
	assert.Greater(t, result.Cost, 0.0)
}

func TestInvoke_FatalErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	client := newTestClient(t, testConfig(), func(ctx context.Context, req Request) (any, error) {
		calls.Add(1)
		return nil, types.NewError(types.ErrFatalConfiguration, "invalid model")
	})

	_, err := client.Invoke(context.Background(), Request{Prompt: "p", EstimatedTokens: 10})
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestInvoke_TimeoutMapsToProviderTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.TimeoutSeconds = 0.05
	cfg.MaxRetries = 0

	client := newTestClient(t, cfg, func(ctx context.Context, req Request) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return stubResponse{}, nil
		}
	})

	_, err := client.Invoke(context.Background(), Request{Prompt: "p", EstimatedTokens: 10})
	require.Error(t, err)
	assert.Equal(t, types.ErrProviderTimeout, types.GetErrorCode(err))
	assert.Equal(t, 0.0, client.DailyCost())
}

func TestInvoke_FailuresOpenCircuit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0

	client := newTestClient(t, cfg, func(ctx context.Context, req Request) (any, error) {
		return nil, types.NewError(types.ErrFatalConfiguration, "broken")
	})

	for i := 0; i < cfg.CircuitFailureThreshold; i++ {
		_, err := client.Invoke(context.Background(), Request{Prompt: "p", EstimatedTokens: 10})
		require.Error(t, err)
	}

	health := client.HealthCheck()
	assert.Equal(t, StatusUnhealthy, health.Status)
	assert.Equal(t, "open", health.CircuitState)

	// With the circuit open, admission blocks on recovery; a deadline
	// turns that into a rate-limited error before the provider runs.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := client.Invoke(ctx, Request{Prompt: "p", EstimatedTokens: 10})
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))
}

// ---------- Concurrency ----------

func TestInvoke_ConcurrencyCap(t *testing.T) {
	var inFlight, peak int64
	client := newTestClient(t, testConfig(), func(ctx context.Context, req Request) (any, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return stubResponse{inputTokens: 10, outputTokens: 5}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Invoke(context.Background(), Request{Prompt: "p", EstimatedTokens: 10})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

// ---------- Cancellation ----------

func TestInvoke_CancellationPropagates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0

	client := newTestClient(t, cfg, func(ctx context.Context, req Request) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := client.Invoke(ctx, Request{Prompt: "p", EstimatedTokens: 10})
	require.Error(t, err)
	assert.Equal(t, types.ErrProviderTimeout, types.GetErrorCode(err))
	assert.Equal(t, 0.0, client.DailyCost())
}

// ---------- Health and passthroughs ----------

func TestHealthCheck_Healthy(t *testing.T) {
	client := newTestClient(t, testConfig(), func(ctx context.Context, req Request) (any, error) {
		return stubResponse{inputTokens: 10, outputTokens: 5}, nil
	})

	_, err := client.Invoke(context.Background(), Request{Prompt: "p", EstimatedTokens: 10})
	require.NoError(t, err)

	health := client.HealthCheck()
	assert.Equal(t, StatusHealthy, health.Status)
	assert.Equal(t, "closed", health.CircuitState)
	assert.Greater(t, health.DailyCost, 0.0)
}

func TestRecommendModelPassthrough(t *testing.T) {
	client := newTestClient(t, testConfig(), func(ctx context.Context, req Request) (any, error) {
		return stubResponse{}, nil
	})

	assert.Equal(t, "test-model", client.RecommendModel(1000, costgov.TierBalanced))
}

func TestEstimateEmbeddingCostPassthrough(t *testing.T) {
	client := newTestClient(t, testConfig(), func(ctx context.Context, req Request) (any, error) {
		return stubResponse{}, nil
	})

	assert.InDelta(t, 0.003, client.EstimateEmbeddingCost(1000, "test-model"), 1e-9)
}
