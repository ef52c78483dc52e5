package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"btrproxy/internal/store"
)

// anthropicConsoleKey is the anthropic-console-key provider kind: a static
// API key sent as x-api-key, no refresh flow.
type anthropicConsoleKey struct{}

func newAnthropicConsoleKey() Provider { return &anthropicConsoleKey{} }

func (p *anthropicConsoleKey) Kind() store.ProviderKind { return store.ProviderAnthropicConsoleKey }

func (p *anthropicConsoleKey) TranslatesWireFormat() bool { return false }

func (p *anthropicConsoleKey) MapModel(account *store.Account, inboundModel string) string {
	return mapModel(account, inboundModel)
}

func (p *anthropicConsoleKey) PrepareRequest(ctx context.Context, inbound *http.Request, body []byte, account *store.Account, _ string) (*OutboundRequest, error) {
	base := account.CustomEndpoint
	if base == "" {
		base = defaultAnthropicAPIURL
	}

	var mappedModel string
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err == nil {
		if model, ok := payload["model"].(string); ok {
			mappedModel = p.MapModel(account, model)
			payload["model"] = mappedModel
			if rewritten, err := json.Marshal(payload); err == nil {
				body = rewritten
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, inbound.Method, base+inbound.URL.Path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", inbound.Header.Get("anthropic-version"))
	req.Header.Set("x-api-key", account.Credentials.APIKey)

	return &OutboundRequest{HTTPRequest: req, ModelUsed: mappedModel}, nil
}

func (p *anthropicConsoleKey) ParseUsage(body []byte) TokenCounts {
	return parseAnthropicUsage(body)
}

func (p *anthropicConsoleKey) ParseRateLimit(headers http.Header, statusCode int) RateLimitSignal {
	return parseAnthropicRateLimit(headers, statusCode)
}
