package pricing

import (
	"errors"
	"testing"

	"github.com/tollmeter/llm-gateway/internal/provider"
)

func newTestTable(t *testing.T, prices map[string]string, markup float64) *Table {
	t.Helper()
	table, err := NewTable(prices, markup)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return table
}

func TestNewTable_InvalidPrice(t *testing.T) {
	if _, err := NewTable(map[string]string{"gpt-4o": "not-a-number"}, 0); err == nil {
		t.Error("Expected error for unparseable price")
	}
	if _, err := NewTable(map[string]string{"gpt-4o": "-0.00002"}, 0); err == nil {
		t.Error("Expected error for negative price")
	}
}

func TestUnitPrice_UnknownModel(t *testing.T) {
	table := newTestTable(t, map[string]string{"gpt-4o": "0.00002"}, 0.25)

	if _, err := table.UnitPrice("gpt-4o"); err != nil {
		t.Errorf("Expected known model, got %v", err)
	}
	_, err := table.UnitPrice("no-such-model")
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Expected ErrUnknownModel, got %v", err)
	}
}

func TestEstimate(t *testing.T) {
	// 0.00002 * 1.25 = 0.000025 per token.
	table := newTestTable(t, map[string]string{"gpt-4o": "0.00002"}, 0.25)

	cost, err := table.Estimate("gpt-4o", 1000)
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if cost.String() != "0.025" {
		t.Errorf("Expected 0.025, got %s", cost.String())
	}
}

func TestEstimate_RoundsUpToBillableUnit(t *testing.T) {
	// 7 tokens * 0.0000001 = 0.0000007, below one micro-USD.
	table := newTestTable(t, map[string]string{"tiny": "0.0000001"}, 0)

	cost, err := table.Estimate("tiny", 7)
	if err != nil {
		t.Fatalf("Estimate failed: %v", err)
	}
	if cost.String() != "0.000001" {
		t.Errorf("Expected estimate rounded up to 0.000001, got %s", cost.String())
	}
}

func TestEstimate_UnknownModel(t *testing.T) {
	table := newTestTable(t, map[string]string{"gpt-4o": "0.00002"}, 0.25)

	_, err := table.Estimate("no-such-model", 100)
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Expected ErrUnknownModel, got %v", err)
	}
}

func TestSettleCost(t *testing.T) {
	table := newTestTable(t, map[string]string{"gpt-4o": "0.00002"}, 0.25)

	cost, err := table.SettleCost("gpt-4o", 1200)
	if err != nil {
		t.Fatalf("SettleCost failed: %v", err)
	}
	if cost.String() != "0.03" {
		t.Errorf("Expected 0.03, got %s", cost.String())
	}
}

func TestSettleCost_RoundsHalfUp(t *testing.T) {
	table := newTestTable(t, map[string]string{"tiny": "0.0000001"}, 0)

	// 5 tokens = 0.0000005, exactly half a micro-USD: rounds up.
	cost, err := table.SettleCost("tiny", 5)
	if err != nil {
		t.Fatalf("SettleCost failed: %v", err)
	}
	if cost.String() != "0.000001" {
		t.Errorf("Expected 0.000001, got %s", cost.String())
	}

	// 4 tokens = 0.0000004: rounds down to zero.
	cost, err = table.SettleCost("tiny", 4)
	if err != nil {
		t.Fatalf("SettleCost failed: %v", err)
	}
	if !cost.IsZero() {
		t.Errorf("Expected 0, got %s", cost.String())
	}
}

func TestSettleCost_NeverExceedsEstimateForSameTokens(t *testing.T) {
	table := newTestTable(t, map[string]string{"gpt-4o": "0.0000033"}, 0.25)

	for _, tokens := range []int{1, 7, 99, 1234, 100000} {
		est, err := table.Estimate("gpt-4o", tokens)
		if err != nil {
			t.Fatalf("Estimate failed: %v", err)
		}
		actual, err := table.SettleCost("gpt-4o", tokens)
		if err != nil {
			t.Fatalf("SettleCost failed: %v", err)
		}
		if actual.GreaterThan(est) {
			t.Errorf("tokens=%d: settle %s exceeds estimate %s", tokens, actual.String(), est.String())
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	messages := []provider.Message{
		{Role: "user", Content: "hello"}, // 5 chars -> 1 token
	}
	if got := EstimateTokens(messages); got != 11 {
		t.Errorf("Expected 11 tokens, got %d", got)
	}

	messages = append(messages, provider.Message{Role: "assistant", Content: "12345678"}) // 8 chars -> 2 tokens
	if got := EstimateTokens(messages); got != 23 {
		t.Errorf("Expected 23 tokens, got %d", got)
	}

	if got := EstimateTokens(nil); got != 0 {
		t.Errorf("Expected 0 tokens for empty request, got %d", got)
	}
}
