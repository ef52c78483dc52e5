package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"btrproxy/internal/store"
)

const anthropicOAuthBeta = "oauth-2025-04-20"
const defaultAnthropicAPIURL = "https://api.anthropic.com"

type anthropicOAuth struct {
	httpClient HTTPDoer
	tokenURL   string
}

func newAnthropicOAuth(httpClient HTTPDoer, tokenURL string) Provider {
	if tokenURL == "" {
		tokenURL = defaultAnthropicAPIURL + "/v1/oauth/token"
	}
	return &anthropicOAuth{httpClient: httpClient, tokenURL: tokenURL}
}

func (p *anthropicOAuth) Kind() store.ProviderKind { return store.ProviderAnthropicOAuth }

func (p *anthropicOAuth) TranslatesWireFormat() bool { return false }

func (p *anthropicOAuth) MapModel(account *store.Account, inboundModel string) string {
	return mapModel(account, inboundModel)
}

func (p *anthropicOAuth) PrepareRequest(ctx context.Context, inbound *http.Request, body []byte, account *store.Account, accessToken string) (*OutboundRequest, error) {
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
	req.Header.Set("anthropic-beta", anthropicOAuthBeta)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	return &OutboundRequest{HTTPRequest: req, ModelUsed: mappedModel}, nil
}

func (p *anthropicOAuth) ParseUsage(body []byte) TokenCounts {
	return parseAnthropicUsage(body)
}

func (p *anthropicOAuth) ParseRateLimit(headers http.Header, statusCode int) RateLimitSignal {
	return parseAnthropicRateLimit(headers, statusCode)
}

func (p *anthropicOAuth) RefreshToken(ctx context.Context, account *store.Account) (string, int64, error) {
	payload := map[string]interface{}{
		"grant_type":    "refresh_token",
		"refresh_token": account.Credentials.RefreshToken,
	}
	payloadBytes, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, bytes.NewReader(payloadBytes))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("oauth refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", 0, fmt.Errorf("oauth refresh failed: status %d: %s", resp.StatusCode, string(b))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", 0, fmt.Errorf("oauth refresh response decode failed: %w", err)
	}

	expiresAtMs := time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).UnixMilli()
	return tokenResp.AccessToken, expiresAtMs, nil
}

// parseAnthropicUsage accumulates usage across an Anthropic Messages API
// streaming response (usage arrives in message_start's initial counts plus
// the terminal message_delta) or a single non-streaming JSON body.
func parseAnthropicUsage(body []byte) TokenCounts {
	var counts TokenCounts
	counts.Partial = true

	// Single JSON object (non-streaming) shape: {"usage": {...}}
	var whole struct {
		Usage *anthropicUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &whole); err == nil && whole.Usage != nil {
		applyAnthropicUsage(&counts, whole.Usage)
		counts.Partial = false
		return counts
	}

	// SSE shape: scan for "usage" objects in any data: frame.
	for _, line := range splitSSELines(body) {
		data := sseData(line)
		if data == "" {
			continue
		}
		var frame struct {
			Type  string `json:"type"`
			Usage *anthropicUsage `json:"usage"`
			Delta *struct {
				Usage *anthropicUsage `json:"usage"`
			} `json:"delta"`
			Message *struct {
				Usage *anthropicUsage `json:"usage"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		if frame.Message != nil && frame.Message.Usage != nil {
			applyAnthropicUsage(&counts, frame.Message.Usage)
		}
		if frame.Usage != nil {
			applyAnthropicUsage(&counts, frame.Usage)
		}
		if frame.Delta != nil && frame.Delta.Usage != nil {
			applyAnthropicUsage(&counts, frame.Delta.Usage)
		}
		if frame.Type == "message_stop" {
			counts.Partial = false
		}
	}

	return counts
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

func applyAnthropicUsage(counts *TokenCounts, u *anthropicUsage) {
	if u.InputTokens > 0 {
		counts.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		counts.OutputTokens = u.OutputTokens
	}
	if u.CacheReadInputTokens > 0 {
		counts.CacheReadInputTokens = u.CacheReadInputTokens
	}
	if u.CacheCreationInputTokens > 0 {
		counts.CacheCreationInputTokens = u.CacheCreationInputTokens
	}
}

// parseAnthropicRateLimit recognizes anthropic-ratelimit-unified-* headers
// and retry-after, normalized per base §4.2.
func parseAnthropicRateLimit(headers http.Header, statusCode int) RateLimitSignal {
	sig := RateLimitSignal{}

	if v := headers.Get("anthropic-ratelimit-unified-remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			sig.Remaining = &n
		}
	}
	if v := headers.Get("anthropic-ratelimit-unified-reset"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			ms := t.UnixMilli()
			sig.ResetAt = &ms
		} else if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			ms := secs * 1000
			sig.ResetAt = &ms
		}
	}
	if v := headers.Get("anthropic-ratelimit-unified-status"); v != "" {
		sig.Status = v
	} else if statusCode == http.StatusTooManyRequests {
		sig.Status = "rejected"
	} else {
		sig.Status = "allowed"
	}

	if v := headers.Get("retry-after"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			d := time.Duration(secs) * time.Second
			sig.RetryAfter = &d
		}
	}

	return sig
}
