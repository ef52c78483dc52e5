// Package pricing computes request cost in USD from token counts using a
// static per-model rate table, with shopspring/decimal for exact arithmetic
// (floating point is unacceptable for billing-adjacent numbers).
package pricing

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"btrproxy/internal/provider"
)

// Rate holds USD cost per token for each token class, at the unit the
// vendor quotes (per million tokens), converted to per-token decimals once
// at registration time.
type Rate struct {
	InputPerToken          decimal.Decimal
	OutputPerToken         decimal.Decimal
	CacheReadPerToken      decimal.Decimal
	CacheCreationPerToken  decimal.Decimal
}

func perMillion(usd string) decimal.Decimal {
	return decimal.RequireFromString(usd).Div(decimal.NewFromInt(1_000_000))
}

// Catalog resolves a model id (exact or prefix match) to a Rate and prices a
// provider.TokenCounts result.
type Catalog struct {
	mu    sync.RWMutex
	rates map[string]Rate
}

// NewCatalog seeds a catalog with the published rates for the models this
// proxy's providers route to. Unknown models price to zero rather than
// erroring — cost_usd is informational, not authoritative billing.
func NewCatalog() *Catalog {
	c := &Catalog{rates: make(map[string]Rate)}
	c.Register("claude-opus-4", Rate{
		InputPerToken:         perMillion("15.00"),
		OutputPerToken:        perMillion("75.00"),
		CacheReadPerToken:     perMillion("1.50"),
		CacheCreationPerToken: perMillion("18.75"),
	})
	c.Register("claude-sonnet-4", Rate{
		InputPerToken:         perMillion("3.00"),
		OutputPerToken:        perMillion("15.00"),
		CacheReadPerToken:     perMillion("0.30"),
		CacheCreationPerToken: perMillion("3.75"),
	})
	c.Register("claude-haiku", Rate{
		InputPerToken:         perMillion("0.80"),
		OutputPerToken:        perMillion("4.00"),
		CacheReadPerToken:     perMillion("0.08"),
		CacheCreationPerToken: perMillion("1.00"),
	})
	c.Register("gpt-4o", Rate{
		InputPerToken:  perMillion("2.50"),
		OutputPerToken: perMillion("10.00"),
	})
	c.Register("gpt-4o-mini", Rate{
		InputPerToken:  perMillion("0.15"),
		OutputPerToken: perMillion("0.60"),
	})
	return c
}

// Register adds or replaces the rate for a model id prefix.
func (c *Catalog) Register(modelPrefix string, rate Rate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[modelPrefix] = rate
}

func (c *Catalog) lookup(model string) (Rate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if rate, ok := c.rates[model]; ok {
		return rate, true
	}
	var best string
	for prefix := range c.rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return Rate{}, false
	}
	return c.rates[best], true
}

// Cost prices a usage snapshot for model, returning decimal.Zero for
// unrecognized models.
func (c *Catalog) Cost(model string, counts provider.TokenCounts) decimal.Decimal {
	rate, ok := c.lookup(model)
	if !ok {
		return decimal.Zero
	}

	total := decimal.NewFromInt(int64(counts.InputTokens)).Mul(rate.InputPerToken)
	total = total.Add(decimal.NewFromInt(int64(counts.OutputTokens)).Mul(rate.OutputPerToken))
	total = total.Add(decimal.NewFromInt(int64(counts.CacheReadInputTokens)).Mul(rate.CacheReadPerToken))
	total = total.Add(decimal.NewFromInt(int64(counts.CacheCreationInputTokens)).Mul(rate.CacheCreationPerToken))
	return total
}
