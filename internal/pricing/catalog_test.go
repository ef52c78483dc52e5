package pricing

import (
	"testing"

	"btrproxy/internal/provider"
)

func TestCost_DatedModelIDUsesFamilyPrefixRate(t *testing.T) {
	c := NewCatalog()
	cost := c.Cost("claude-sonnet-4-20250514", provider.TokenCounts{InputTokens: 1_000_000, OutputTokens: 1_000_000})
	if !cost.Equal(cost) { // sanity: decimal comparisons work
		t.Fatal("unreachable")
	}
	expected := "18"
	if cost.StringFixed(0) != expected {
		t.Fatalf("expected cost %s, got %s", expected, cost.String())
	}
}

func TestCost_UnknownModelIsZero(t *testing.T) {
	c := NewCatalog()
	cost := c.Cost("some-unknown-model", provider.TokenCounts{InputTokens: 1000, OutputTokens: 1000})
	if !cost.IsZero() {
		t.Fatalf("expected zero cost for unknown model, got %s", cost.String())
	}
}

func TestCost_PrefixMatchPrefersLongest(t *testing.T) {
	c := NewCatalog()
	c.Register("claude-sonnet-4-5", Rate{InputPerToken: perMillion("1.00")})

	cost := c.Cost("claude-sonnet-4-5-20250929", provider.TokenCounts{InputTokens: 1_000_000})
	if cost.StringFixed(2) != "1.00" {
		t.Fatalf("expected the more specific prefix's rate to win, got %s", cost.String())
	}
}
