// Package costgov tracks spend against daily budgets, keeps a bounded
// usage history, and recommends models that fit the remaining budget.
package costgov

import "strings"

// Tier classifies models by capability for recommendation.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierBalanced Tier = "balanced"
	TierComplex  Tier = "complex"
)

// Complexity describes the task a model is being selected for. The
// values mirror Tier so configuration can use the same vocabulary.
type Complexity = Tier

// ModelPrice holds the per-1K-token rates and capability metadata for
// one model.
type ModelPrice struct {
	InputPer1K    float64 `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K   float64 `json:"output_per_1k" yaml:"output_per_1k"`
	ContextWindow int     `json:"context_window" yaml:"context_window"`
	Tier          Tier    `json:"tier" yaml:"tier"`
}

// PriceTable maps model IDs to their pricing.
type PriceTable map[string]ModelPrice

// DefaultPriceTable seeds rates for the Bedrock Claude family, Gemini,
// and Perplexity models. Rates are USD per 1K tokens.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		"anthropic.claude-3-haiku-20240307-v1:0": {
			InputPer1K: 0.00025, OutputPer1K: 0.00125, ContextWindow: 200000, Tier: TierSimple,
		},
		"anthropic.claude-3-5-sonnet-20241022-v2:0": {
			InputPer1K: 0.003, OutputPer1K: 0.015, ContextWindow: 200000, Tier: TierBalanced,
		},
		"anthropic.claude-3-opus-20240229-v1:0": {
			InputPer1K: 0.015, OutputPer1K: 0.075, ContextWindow: 200000, Tier: TierComplex,
		},
		"gemini-1.5-flash": {
			InputPer1K: 0.000075, OutputPer1K: 0.0003, ContextWindow: 1000000, Tier: TierSimple,
		},
		"gemini-1.5-pro": {
			InputPer1K: 0.00125, OutputPer1K: 0.005, ContextWindow: 2000000, Tier: TierComplex,
		},
		"sonar": {
			InputPer1K: 0.001, OutputPer1K: 0.001, ContextWindow: 128000, Tier: TierSimple,
		},
		"sonar-pro": {
			InputPer1K: 0.003, OutputPer1K: 0.015, ContextWindow: 200000, Tier: TierBalanced,
		},
	}
}

// lookup resolves a model's price, trying an exact match first and then
// a prefix match so dated model revisions share an entry.
func (pt PriceTable) lookup(model string) (ModelPrice, bool) {
	if price, ok := pt[model]; ok {
		return price, true
	}
	for id, price := range pt {
		if strings.HasPrefix(model, id) || strings.HasPrefix(id, model) {
			return price, true
		}
	}
	return ModelPrice{}, false
}

// cost computes the price of a call in dollars.
func (p ModelPrice) cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000.0*p.InputPer1K + float64(outputTokens)/1000.0*p.OutputPer1K
}
