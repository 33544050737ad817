package costgov

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// UsageEntry is an immutable record of one completed call. Entries are
// appended at call completion and never edited afterwards.
type UsageEntry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	RequestType  string    `json:"request_type"`
}

// Config configures a Governor.
type Config struct {
	DailyCostLimit    float64       `json:"daily_cost_limit" yaml:"daily_cost_limit"`
	MaxCostPerRequest float64       `json:"max_cost_per_request" yaml:"max_cost_per_request"`
	DefaultModel      string        `json:"default_model" yaml:"default_model"`
	HistoryRetention  time.Duration `json:"history_retention" yaml:"history_retention"`
	MaxHistoryEntries int           `json:"max_history_entries" yaml:"max_history_entries"`
	Prices            PriceTable    `json:"prices" yaml:"prices"`
}

// DefaultConfig returns sensible budget defaults with the seeded price
// table.
func DefaultConfig() Config {
	return Config{
		DailyCostLimit:    10.0,
		MaxCostPerRequest: 0.50,
		DefaultModel:      "anthropic.claude-3-5-sonnet-20241022-v2:0",
		HistoryRetention:  24 * time.Hour,
		MaxHistoryEntries: 1000,
		Prices:            DefaultPriceTable(),
	}
}

// Governor tracks cumulative daily spend against the configured budget.
// The day accumulator is keyed by wall-clock date and reset lazily on
// the first access after midnight, not by a background timer.
type Governor struct {
	logger *zap.Logger

	mu          sync.Mutex
	cfg         Config
	history     []UsageEntry
	accumulated float64
	resetDate   string
	now         func() time.Time
}

// NewGovernor builds a Governor, filling invalid config fields with
// defaults.
func NewGovernor(cfg Config, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.DailyCostLimit <= 0 {
		cfg.DailyCostLimit = def.DailyCostLimit
	}
	if cfg.MaxCostPerRequest <= 0 {
		cfg.MaxCostPerRequest = def.MaxCostPerRequest
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = def.DefaultModel
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = def.HistoryRetention
	}
	if cfg.MaxHistoryEntries <= 0 {
		cfg.MaxHistoryEntries = def.MaxHistoryEntries
	}
	if len(cfg.Prices) == 0 {
		cfg.Prices = def.Prices
	}

	g := &Governor{
		logger: logger.With(zap.String("component", "cost_governor")),
		cfg:    cfg,
		now:    time.Now,
	}
	g.resetDate = g.now().Format(dateLayout)
	return g
}

// SetClock replaces the wall clock, for tests.
func (g *Governor) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// SetPrices merges entries into the price table, overriding existing
// models.
func (g *Governor) SetPrices(prices PriceTable) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for model, price := range prices {
		g.cfg.Prices[model] = price
	}
}

// TrackUsage records a completed call: computes its cost from the price
// table, appends an immutable history entry, and adds to the day
// accumulator.
func (g *Governor) TrackUsage(inputTokens, outputTokens int, model, requestType string) UsageEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rolloverLocked(now)

	cost := g.priceLocked(model).cost(inputTokens, outputTokens)

	entry := UsageEntry{
		ID:           uuid.NewString(),
		Timestamp:    now,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		RequestType:  requestType,
	}

	g.history = append(g.history, entry)
	g.pruneLocked(now)
	g.accumulated += cost

	g.logger.Debug("usage tracked",
		zap.String("model", model),
		zap.Int("input_tokens", inputTokens),
		zap.Int("output_tokens", outputTokens),
		zap.Float64("cost", cost),
		zap.Float64("daily_total", g.accumulated),
	)

	return entry
}

// EstimateRequestCost computes the cost of a prospective call without
// recording it. The second return is true only when the cost fits both
// the per-request cap and the remaining daily budget.
func (g *Governor) EstimateRequestCost(estInput, estOutput int, model string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked(g.now())

	cost := g.priceLocked(model).cost(estInput, estOutput)
	within := cost <= g.cfg.MaxCostPerRequest && g.accumulated+cost <= g.cfg.DailyCostLimit
	return cost, within
}

// EstimateEmbeddingCost prices an embedding call, which bills input
// tokens only.
func (g *Governor) EstimateEmbeddingCost(tokens int, model string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.priceLocked(model).cost(tokens, 0)
}

// CheckDailyBudget is the gateway's preflight: it reports whether any
// spend at all is still possible today, independent of admission state.
func (g *Governor) CheckDailyBudget() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked(g.now())

	if g.accumulated >= g.cfg.DailyCostLimit {
		return false, fmt.Sprintf("daily cost limit exhausted: %.4f/%.4f", g.accumulated, g.cfg.DailyCostLimit)
	}
	return true, ""
}

// RecommendModel picks a model whose context window fits the estimated
// tokens and whose projected cost fits the remaining daily budget:
// cheapest for simple tasks, a complex-tier model for complex tasks,
// a balanced model otherwise. It never fails; when nothing fits it
// returns the configured default and lets the budget check reject the
// call downstream.
func (g *Governor) RecommendModel(estimatedTokens int, complexity Complexity) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverLocked(g.now())
	remaining := g.cfg.DailyCostLimit - g.accumulated

	type candidate struct {
		model string
		price ModelPrice
		cost  float64
	}
	var fits []candidate
	for model, price := range g.cfg.Prices {
		if price.ContextWindow < estimatedTokens {
			continue
		}
		// Output volume is unknown up front; assume one output token
		// per four input tokens for the projection.
		cost := price.cost(estimatedTokens, estimatedTokens/4)
		if cost > remaining || cost > g.cfg.MaxCostPerRequest {
			continue
		}
		fits = append(fits, candidate{model, price, cost})
	}

	if len(fits) == 0 {
		g.logger.Warn("no model fits budget, falling back to default",
			zap.Int("estimated_tokens", estimatedTokens),
			zap.Float64("remaining_budget", remaining),
		)
		return g.cfg.DefaultModel
	}

	sort.Slice(fits, func(i, j int) bool {
		if fits[i].cost != fits[j].cost {
			return fits[i].cost < fits[j].cost
		}
		return fits[i].model < fits[j].model
	})

	switch complexity {
	case TierSimple:
		return fits[0].model
	case TierComplex:
		for _, c := range fits {
			if c.price.Tier == TierComplex {
				return c.model
			}
		}
	default:
		for _, c := range fits {
			if c.price.Tier == TierBalanced {
				return c.model
			}
		}
	}
	// No model of the requested tier fits; the cheapest that does is
	// still a better answer than an unaffordable default.
	return fits[0].model
}

// DailyCost returns today's accumulated spend.
func (g *Governor) DailyCost() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(g.now())
	return g.accumulated
}

// History returns a copy of the retained usage entries.
func (g *Governor) History() []UsageEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]UsageEntry, len(g.history))
	copy(out, g.history)
	return out
}

// Reset clears the accumulator and history, for tests.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accumulated = 0
	g.history = nil
	g.resetDate = g.now().Format(dateLayout)
}

// rolloverLocked resets the accumulator when the date has changed since
// the last access. Caller holds the lock.
func (g *Governor) rolloverLocked(now time.Time) {
	today := now.Format(dateLayout)
	if today == g.resetDate {
		return
	}
	g.logger.Info("daily cost accumulator reset",
		zap.String("previous_date", g.resetDate),
		zap.Float64("previous_total", g.accumulated),
	)
	g.accumulated = 0
	g.resetDate = today
}

// pruneLocked drops entries past the retention window and enforces the
// entry-count bound. Caller holds the lock.
func (g *Governor) pruneLocked(now time.Time) {
	cutoff := now.Add(-g.cfg.HistoryRetention)
	idx := 0
	for idx < len(g.history) && g.history[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		g.history = g.history[idx:]
	}
	if excess := len(g.history) - g.cfg.MaxHistoryEntries; excess > 0 {
		g.history = g.history[excess:]
	}
}

// priceLocked resolves pricing for a model, falling back to the default
// model's entry when unknown. Caller holds the lock.
func (g *Governor) priceLocked(model string) ModelPrice {
	if price, ok := g.cfg.Prices.lookup(model); ok {
		return price
	}
	g.logger.Warn("unknown model, pricing as default", zap.String("model", model))
	price, _ := g.cfg.Prices.lookup(g.cfg.DefaultModel)
	return price
}
