// Package retry provides the backoff/retry executor wrapped around a
// single provider call. Error classification is injected by the caller;
// the executor itself has no provider-specific knowledge.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/brightquery/aigate/types"
)

// Classifier reports whether an error is worth retrying. Fatal errors
// (auth failures, invalid arguments) must return false.
type Classifier func(error) bool

// Policy defines retry behavior.
type Policy struct {
	MaxRetries int           // 0 means no retries
	BaseDelay  time.Duration // first backoff step
	MaxDelay   time.Duration // hard cap on a single delay
	Jitter     bool          // randomized additive jitter, bounded per attempt

	// Classify decides retryability. Nil falls back to types.IsRetryable.
	Classify Classifier

	// OnRetry is invoked before each retry sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns a policy suitable for most LLM API calls.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   60 * time.Second,
		Jitter:     true,
	}
}

// Executor runs an operation under a retry policy.
type Executor interface {
	// Do executes fn, retrying classified-retryable failures.
	Do(ctx context.Context, fn func() error) error

	// DoWithResult executes fn and returns its result, retrying
	// classified-retryable failures.
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
}

type backoffExecutor struct {
	policy *Policy
	logger *zap.Logger
}

// NewExecutor creates a backoff executor, correcting invalid policy
// values to defaults.
func NewExecutor(policy *Policy, logger *zap.Logger) Executor {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &backoffExecutor{
		policy: policy,
		logger: logger.With(zap.String("component", "retry")),
	}
}

// Do implements Executor.Do.
func (e *backoffExecutor) Do(ctx context.Context, fn func() error) error {
	_, err := e.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult implements Executor.DoWithResult.
func (e *backoffExecutor) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var lastErr error
	var result any

	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.Delay(attempt)

			e.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", e.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if e.policy.OnRetry != nil {
				e.policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("retry aborted: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		result, lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				e.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}

		if !e.classify(lastErr) {
			e.logger.Debug("error not retryable", zap.Error(lastErr))
			return nil, lastErr
		}
	}

	e.logger.Warn("retries exhausted",
		zap.Int("attempts", e.policy.MaxRetries+1),
		zap.Error(lastErr),
	)

	return nil, fmt.Errorf("failed after %d retries: %w", e.policy.MaxRetries, lastErr)
}

// Delay computes the backoff for the given 1-based attempt:
// BaseDelay * 2^(attempt-1) plus bounded jitter, capped at MaxDelay.
func (e *backoffExecutor) Delay(attempt int) time.Duration {
	delay := float64(e.policy.BaseDelay) * math.Pow(2, float64(attempt-1))

	if e.policy.Jitter {
		// Jitter grows with the attempt but never exceeds the current
		// exponential step. With jitter below the step, this attempt's
		// maximum stays under the next attempt's minimum, keeping delays
		// non-decreasing for any BaseDelay.
		bound := float64(attempt) * float64(100*time.Millisecond)
		if bound > delay {
			bound = delay
		}
		delay += rand.Float64() * bound
	}

	if delay > float64(e.policy.MaxDelay) {
		delay = float64(e.policy.MaxDelay)
	}

	return time.Duration(delay)
}

func (e *backoffExecutor) classify(err error) bool {
	if e.policy.Classify != nil {
		return e.policy.Classify(err)
	}
	return types.IsRetryable(err)
}
