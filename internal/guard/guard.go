// Package guard adapts the standalone circuit breaker, concurrency limiter,
// and rate limiter managers onto the Dispatcher's narrow AccountStore
// interface and onto Gin middleware, so cmd/server/main.go can wire them in
// without the Dispatcher itself knowing they exist.
package guard

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"btrproxy/internal/apierror"
	"btrproxy/internal/authgate"
	"btrproxy/internal/circuit"
	"btrproxy/internal/concurrency"
	"btrproxy/internal/dispatcher"
	"btrproxy/internal/ratelimit"
	"btrproxy/internal/store"
)

// CircuitAccountStore wraps a dispatcher.AccountStore so the account-open
// breaker (per base spec §9's guidance to stop retrying a consistently
// failing account before its own error counters force a pause) filters the
// candidate list and tracks every outcome, without the Dispatcher importing
// internal/circuit itself.
type CircuitAccountStore struct {
	dispatcher.AccountStore
	breakers circuit.Manager
}

func NewCircuitAccountStore(inner dispatcher.AccountStore, breakers circuit.Manager) *CircuitAccountStore {
	return &CircuitAccountStore{AccountStore: inner, breakers: breakers}
}

func (g *CircuitAccountStore) ListActiveAccounts() ([]*store.Account, error) {
	accounts, err := g.AccountStore.ListActiveAccounts()
	if err != nil {
		return nil, err
	}
	kept := accounts[:0]
	for _, a := range accounts {
		if g.breakers.IsAvailable(a.ID) {
			kept = append(kept, a)
		}
	}
	return kept, nil
}

func (g *CircuitAccountStore) IncrementAccountSuccess(id string) error {
	g.breakers.RecordSuccess(id)
	return g.AccountStore.IncrementAccountSuccess(id)
}

func (g *CircuitAccountStore) IncrementAccountError(id string) error {
	g.breakers.RecordFailure(id)
	return g.AccountStore.IncrementAccountError(id)
}

// RateLimitAccountStore wraps a dispatcher.AccountStore so an account that
// has hit its own account-level rate limit (ratelimit.MultiLimiter's
// AccountLimit, independent of any inbound key's user/IP limits) is taken
// out of the candidate pool for this request rather than being dispatched
// to and failed against.
type RateLimitAccountStore struct {
	dispatcher.AccountStore
	limiter ratelimit.MultiLimiter
}

func NewRateLimitAccountStore(inner dispatcher.AccountStore, limiter ratelimit.MultiLimiter) *RateLimitAccountStore {
	return &RateLimitAccountStore{AccountStore: inner, limiter: limiter}
}

func (g *RateLimitAccountStore) ListActiveAccounts() ([]*store.Account, error) {
	accounts, err := g.AccountStore.ListActiveAccounts()
	if err != nil {
		return nil, err
	}
	if g.limiter == nil {
		return accounts, nil
	}
	kept := accounts[:0]
	for _, a := range accounts {
		result, err := g.limiter.CheckAccount(context.Background(), a.ID)
		if err != nil || result == nil || result.Allowed {
			kept = append(kept, a)
		}
	}
	return kept, nil
}

// RateConcurrencyMiddleware enforces the per-key request rate limit and the
// per-key concurrency ceiling ahead of the Dispatcher, matching base §9's
// request-entry guardrails. Per-account limits run later, via
// RateLimitAccountStore and AccountAwareDoer, since only the Dispatcher knows
// which account a request eventually lands on.
func RateConcurrencyMiddleware(limiter ratelimit.MultiLimiter, slots concurrency.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID, _ := c.Get(authgate.ContextKeyAPIKeyID)
		userID, _ := keyID.(string)
		if userID == "" {
			userID = c.ClientIP()
		}

		if limiter != nil {
			result, err := limiter.CheckAll(c.Request.Context(), userID, "", c.ClientIP())
			if err == nil && result != nil && !result.Allowed {
				c.AbortWithStatusJSON(http.StatusTooManyRequests, apierror.NewBody(apierror.ErrRateLimited, "request rate limit exceeded"))
				return
			}
		}

		if slots != nil {
			res, err := slots.AcquireUserSlot(c.Request.Context(), userID)
			if err != nil || res == nil || !res.Acquired {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, apierror.NewBody(apierror.ErrNoAccountAvailable, "too many concurrent requests"))
				return
			}
			defer slots.ReleaseUserSlot(userID)
		}

		c.Next()
	}
}
