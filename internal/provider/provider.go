// Package provider implements the Provider Adapter from base spec §4.2: a
// small polymorphic interface over {prepareRequest, authenticate, parseUsage,
// parseRateLimit, refreshToken?, mapModel}, with one variant per
// store.ProviderKind.
package provider

import (
	"context"
	"net/http"
	"time"

	"btrproxy/internal/store"
)

// TokenCounts is the extracted usage shape, tolerant of partial data.
type TokenCounts struct {
	InputTokens              int
	OutputTokens             int
	CacheReadInputTokens     int
	CacheCreationInputTokens int
	Partial                  bool
}

// RateLimitSignal is parseRateLimit's normalized output.
type RateLimitSignal struct {
	Remaining  *int
	ResetAt    *int64 // epoch ms
	RetryAfter *time.Duration
	Status     string
}

// OutboundRequest is the result of prepareRequest: a ready-to-send upstream
// HTTP request plus enough bookkeeping for the Stream Pipeline to translate
// the response back if needed.
type OutboundRequest struct {
	HTTPRequest             *http.Request
	TranslatedFromAnthropic bool   // true when this adapter rewrote an Anthropic-shaped inbound body into its own wire format
	ModelUsed               string // the mapped model id actually sent upstream, for cost lookup
}

// Provider is the capability set every upstream kind implements.
type Provider interface {
	Kind() store.ProviderKind

	// PrepareRequest rewrites target URL, applies model mapping, strips
	// inbound auth headers and injects the outbound auth header. Must never
	// reuse the inbound Authorization header.
	PrepareRequest(ctx context.Context, inbound *http.Request, body []byte, account *store.Account, accessToken string) (*OutboundRequest, error)

	// ParseUsage extracts token counts from a full or partial response body.
	// Must tolerate missing fields and never panic on malformed input.
	ParseUsage(body []byte) TokenCounts

	// ParseRateLimit normalizes upstream rate-limit signaling.
	ParseRateLimit(headers http.Header, statusCode int) RateLimitSignal

	// MapModel resolves an inbound model token (e.g. "sonnet") to a concrete
	// upstream model id using the account's model_mappings, falling back to
	// the provider's built-in default mapping.
	MapModel(account *store.Account, inboundModel string) string

	// TranslatesWireFormat reports whether this provider's upstream wire
	// format differs from the Anthropic shape the inbound surface speaks,
	// so the Stream Pipeline knows whether to run response translation.
	TranslatesWireFormat() bool
}

// OAuthProvider is implemented only by providers with a refresh flow.
type OAuthProvider interface {
	Provider
	RefreshToken(ctx context.Context, account *store.Account) (accessToken string, expiresAtMs int64, err error)
}

// Registry resolves a Provider by ProviderKind, the "small registry keyed by
// provider kind" base §9 suggests as one valid polymorphism strategy.
type Registry struct {
	providers map[store.ProviderKind]Provider
}

func NewRegistry(httpDoer HTTPDoer, oauthTokenURL string) *Registry {
	r := &Registry{providers: make(map[store.ProviderKind]Provider)}
	r.providers[store.ProviderAnthropicOAuth] = newAnthropicOAuth(httpDoer, oauthTokenURL)
	r.providers[store.ProviderAnthropicConsoleKey] = newAnthropicConsoleKey()
	r.providers[store.ProviderOpenAICompatible] = newOpenAICompatible()
	return r
}

func (r *Registry) For(kind store.ProviderKind) Provider {
	return r.providers[kind]
}

// HTTPDoer is the minimal interface the OAuth token-refresh call needs;
// satisfied by *http.Client or internal/pool's pooled clients.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
