// Package pricing is the single source of truth for turning token counts
// into billed amounts, for both the conservative pre-check estimate and the
// final settlement.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tollmeter/llm-gateway/internal/provider"
)

// ErrUnknownModel indicates a model absent from the configured price table.
var ErrUnknownModel = errors.New("unknown model")

// billableUnitPlaces fixes the smallest billable unit at one micro-USD.
const billableUnitPlaces = 6

// Table maps logical model names to per-token unit prices and applies the
// process-wide markup fraction. Immutable after construction.
type Table struct {
	prices map[string]decimal.Decimal
	factor decimal.Decimal // 1 + markup
}

// NewTable builds a price table. Prices are decimal strings, e.g. "0.00002"
// USD per token; markup is a fraction, e.g. 0.25 for 25%.
func NewTable(prices map[string]string, markup float64) (*Table, error) {
	parsed := make(map[string]decimal.Decimal, len(prices))
	for model, raw := range prices {
		p, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid price for model %s: %w", model, err)
		}
		if p.IsNegative() {
			return nil, fmt.Errorf("negative price for model %s", model)
		}
		parsed[model] = p
	}
	return &Table{
		prices: parsed,
		factor: decimal.NewFromInt(1).Add(decimal.NewFromFloat(markup)),
	}, nil
}

// UnitPrice returns the per-token price for a logical model.
func (t *Table) UnitPrice(model string) (decimal.Decimal, error) {
	p, ok := t.prices[model]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return p, nil
}

// Estimate computes the upper-bound pre-check cost for the given input token
// count. The result is rounded up to the smallest billable unit so that the
// funds check is always conservative.
func (t *Table) Estimate(model string, inputTokens int) (decimal.Decimal, error) {
	p, err := t.UnitPrice(model)
	if err != nil {
		return decimal.Zero, err
	}
	cost := p.Mul(decimal.NewFromInt(int64(inputTokens))).Mul(t.factor)
	return cost.RoundCeil(billableUnitPlaces), nil
}

// SettleCost computes the actual cost from real usage counters, rounded
// half-up to the smallest billable unit.
func (t *Table) SettleCost(model string, totalTokens int) (decimal.Decimal, error) {
	p, err := t.UnitPrice(model)
	if err != nil {
		return decimal.Zero, err
	}
	cost := p.Mul(decimal.NewFromInt(int64(totalTokens))).Mul(t.factor)
	return cost.Round(billableUnitPlaces), nil
}

// EstimateTokens approximates the input token count of a request from its
// message contents: roughly four characters per token plus a fixed
// per-message formatting overhead.
func EstimateTokens(messages []provider.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
	}
	return total + len(messages)*10
}
