package main

import (
	"context"
	"time"

	"github.com/brightquery/aigate/gateway"
)

// stubResponse stands in for a provider response in the demo binary.
type stubResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// stubProvider simulates a provider call with a short fixed latency.
// It echoes the prompt and derives usage from its length.
func stubProvider(ctx context.Context, req gateway.Request) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	inputTokens := len(req.Prompt) / 4
	if inputTokens < 1 {
		inputTokens = 1
	}
	return stubResponse{
		Text:         "echo: " + req.Prompt,
		InputTokens:  inputTokens,
		OutputTokens: inputTokens / 2,
	}, nil
}

func stubExtractor(resp any) (gateway.Usage, error) {
	r, ok := resp.(stubResponse)
	if !ok {
		return gateway.Usage{}, nil
	}
	return gateway.Usage{InputTokens: r.InputTokens, OutputTokens: r.OutputTokens}, nil
}
