package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"btrproxy/internal/store"
)

// AccountStore is the narrow Store capability the usage poller needs.
type AccountStore interface {
	ListActiveAccounts() ([]*store.Account, error)
	UpdateAccountHealth(id string, status string) error
	IncrementAccountError(id string) error
	IncrementAccountSuccess(id string) error
}

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenGetter resolves a usable access token, refreshing if needed.
type TokenGetter interface {
	GetValidAccessToken(ctx context.Context, account *store.Account) (string, error)
	ForceRefresh(ctx context.Context, account *store.Account) (string, error)
}

// AccountHealthChecker probes one account per ProviderKind, generalizing the
// donor health monitor's checkOAuthAccount/checkSessionKeyAccount/
// checkAPIKeyAccount trio (internal/health/monitor.go) from claude.ai
// cookie/session probes to a lightweight authenticated GET against whatever
// upstream the account's Provider actually targets.
type AccountHealthChecker struct {
	client HTTPDoer
	tokens TokenGetter
}

func NewAccountHealthChecker(client HTTPDoer, tokens TokenGetter) *AccountHealthChecker {
	return &AccountHealthChecker{client: client, tokens: tokens}
}

// check issues a minimal authenticated request and reports whether the
// account's credentials are currently accepted upstream.
func (c *AccountHealthChecker) check(ctx context.Context, account *store.Account) error {
	endpoint := account.CustomEndpoint
	if endpoint == "" {
		switch account.ProviderKind {
		case store.ProviderOpenAICompatible:
			endpoint = "https://api.openai.com/v1/models"
		default:
			endpoint = "https://api.anthropic.com/v1/models"
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building health check request: %w", err)
	}

	switch account.ProviderKind {
	case store.ProviderAnthropicOAuth:
		token, err := c.tokens.GetValidAccessToken(ctx, account)
		if err != nil {
			return fmt.Errorf("resolving access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("anthropic-version", "2023-06-01")
	case store.ProviderAnthropicConsoleKey:
		req.Header.Set("x-api-key", account.Credentials.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	case store.ProviderOpenAICompatible:
		req.Header.Set("Authorization", "Bearer "+account.Credentials.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("health check rejected credentials: status %d", resp.StatusCode)
	}
	// Any other status (including 404 on providers with no /models route)
	// still proves the credential was accepted and the endpoint reachable.
	return nil
}

const healthCheckTimeout = 15 * time.Second
