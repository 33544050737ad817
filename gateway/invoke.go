package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/brightquery/aigate/retry"
	"github.com/brightquery/aigate/types"
)

// Invoke runs one provider call through the full pipeline: budget
// preflight, rate-limit admission, concurrency slot, retry-wrapped
// timed call, usage extraction, and success/failure feedback. Cost is
// recorded only after a confirmed successful response; a failed call
// never accrues cost.
func (c *Client) Invoke(ctx context.Context, req Request) (*Result, error) {
	if req.Model == "" {
		req.Model = c.cfg.DefaultModel
	}
	if req.RequestType == "" {
		req.RequestType = "chat"
	}
	requestID := uuid.NewString()

	ctx, span := c.tracer.Start(ctx, "gateway.invoke", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("model", req.Model),
	))
	defer span.End()

	log := c.logger.With(zap.String("request_id", requestID), zap.String("model", req.Model))

	// Budget preflight. A refusal here is final: no wait, no retry.
	if ok, reason := c.governor.CheckDailyBudget(); !ok {
		c.recordRejection("budget")
		span.SetStatus(codes.Error, "budget exhausted")
		log.Warn("request refused by budget preflight", zap.String("reason", reason))
		return nil, types.NewError(types.ErrQuotaExceeded, reason).WithModel(req.Model)
	}

	estimated := req.EstimatedTokens
	if estimated <= 0 {
		estimated = c.estimator.Estimate(req.Prompt)
		if estimated < 1 {
			estimated = 1
		}
	}

	// Output volume is unknown up front; assume one output token per
	// four input tokens for the projection, matching the recommender.
	if cost, within := c.governor.EstimateRequestCost(estimated, estimated/4, req.Model); !within {
		c.recordRejection("budget")
		span.SetStatus(codes.Error, "estimated cost over budget")
		return nil, types.NewError(types.ErrQuotaExceeded,
			fmt.Sprintf("estimated cost %.4f exceeds budget", cost)).WithModel(req.Model)
	}

	wait, err := c.limiter.AcquireWithWait(ctx, estimated)
	if err != nil {
		c.recordRejection("rate_limit")
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission failed")
		return nil, err
	}
	span.AddEvent("admitted", trace.WithAttributes(
		attribute.Int64("wait_ms", wait.Milliseconds()),
		attribute.Int("estimated_tokens", estimated),
	))
	if c.collector != nil {
		c.collector.RecordAdmissionWait(req.Model, wait)
	}

	if err := c.limiter.AcquireSlot(ctx); err != nil {
		c.recordRejection("rate_limit")
		span.RecordError(err)
		return nil, err
	}
	defer c.limiter.ReleaseSlot()

	if c.collector != nil {
		c.collector.RequestStarted()
		defer c.collector.RequestDone()
	}

	start := time.Now()
	resp, err := retry.DoTyped(c.executor, ctx, func() (any, error) {
		return c.callProvider(ctx, req)
	})
	latency := time.Since(start)

	if err != nil {
		errCode := types.GetErrorCode(err)
		if errCode == "" {
			errCode = types.ErrTransientProvider
		}
		c.limiter.OnRequestFailure(errCode)
		c.publishCircuitState()
		if c.collector != nil {
			c.collector.RecordRequest(req.Model, "failure", latency, 0, 0, 0)
		}
		log.Warn("provider call failed",
			zap.Duration("latency", latency),
			zap.String("error_code", string(errCode)),
			zap.Error(err),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errCode))
		return nil, err
	}

	usage, uerr := c.extract(resp)
	if uerr != nil {
		log.Warn("usage extraction failed, recording zero usage", zap.Error(uerr))
		usage = Usage{}
	}

	entry := c.governor.TrackUsage(usage.InputTokens, usage.OutputTokens, req.Model, req.RequestType)
	c.limiter.OnRequestSuccess(latency, usage.InputTokens+usage.OutputTokens)
	c.publishCircuitState()
	if c.collector != nil {
		c.collector.RecordRequest(req.Model, "success", latency, usage.InputTokens, usage.OutputTokens, entry.Cost)
	}
	c.maybeAdjust()

	span.SetAttributes(
		attribute.Int("usage.input_tokens", usage.InputTokens),
		attribute.Int("usage.output_tokens", usage.OutputTokens),
		attribute.Float64("cost", entry.Cost),
	)

	log.Debug("request completed",
		zap.Duration("wait", wait),
		zap.Duration("latency", latency),
		zap.Float64("cost", entry.Cost),
	)

	return &Result{
		RequestID: requestID,
		Response:  resp,
		Usage:     usage,
		Cost:      entry.Cost,
		Latency:   latency,
		Wait:      wait,
		Model:     req.Model,
	}, nil
}

// callProvider runs one attempt under the configured deadline and maps
// failures into the typed taxonomy. Deadline excess and cancellation
// both surface as ProviderTimeout so the breaker always hears about
// them.
func (c *Client) callProvider(ctx context.Context, req Request) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	resp, err := c.provider(callCtx, req)
	if err == nil {
		return resp, nil
	}

	var typed *types.Error
	if errors.As(err, &typed) {
		return nil, err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, types.NewError(types.ErrProviderTimeout, "provider call exceeded deadline").
			WithCause(err).WithModel(req.Model)
	case errors.Is(err, context.Canceled):
		return nil, types.NewError(types.ErrProviderTimeout, "provider call canceled").
			WithCause(err).WithModel(req.Model)
	default:
		return nil, types.NewError(types.ErrTransientProvider, "provider call failed").
			WithCause(err).WithModel(req.Model)
	}
}
