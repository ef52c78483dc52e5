// Package tokenmanager guarantees at-most-one in-flight OAuth refresh per
// account id across concurrent dispatchers, per the base specification's
// Token Manager contract (§4.3).
package tokenmanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"btrproxy/internal/store"
)

// ErrAuthRefreshFailed is the typed error surfaced when a refresh attempt
// itself fails. It is never retried automatically by the Token Manager; the
// caller's Dispatcher loop decides whether to fail over.
var ErrAuthRefreshFailed = errors.New("auth refresh failed")

// Refresher performs the actual OAuth token endpoint call. Implemented by
// internal/provider's anthropic-oauth adapter.
type Refresher interface {
	RefreshToken(ctx context.Context, account *store.Account) (accessToken string, expiresAtMs int64, err error)
}

// SafetyMargin is the minimum remaining lifetime an access token must have to
// be handed out without triggering a refresh (base §4.3 step 1).
const SafetyMargin = 60 * time.Second

// RefreshTimeout bounds a single refresh call, shorter than a normal upstream
// attempt timeout (base §5).
const RefreshTimeout = 15 * time.Second

type future struct {
	done  chan struct{}
	token string
	expMs int64
	err   error
}

// Manager is the Token Manager. It is process-local and safe for concurrent
// use by every in-flight request.
type Manager struct {
	store     *store.Store
	refresher Refresher

	mu         sync.Mutex
	inFlight   map[string]*future // account_id -> in-flight refresh
}

func New(st *store.Store, refresher Refresher) *Manager {
	return &Manager{
		store:     st,
		refresher: refresher,
		inFlight:  make(map[string]*future),
	}
}

// GetValidAccessToken implements base §4.3's contract exactly: return the
// cached token if it has enough remaining lifetime; otherwise join (or start)
// the single in-flight refresh for this account id.
func (m *Manager) GetValidAccessToken(ctx context.Context, account *store.Account) (string, error) {
	// Only anthropic-oauth accounts carry a refreshable access token; every
	// other provider kind authenticates with a static API key the Provider
	// reads directly off the account, so there is nothing to refresh here.
	if !account.IsOAuth() {
		return account.Credentials.APIKey, nil
	}

	nowMs := time.Now().UnixMilli()
	if account.Credentials.AccessToken != "" && account.Credentials.AccessTokenExpiresAt-nowMs > SafetyMargin.Milliseconds() {
		return account.Credentials.AccessToken, nil
	}

	m.mu.Lock()
	if f, ok := m.inFlight[account.ID]; ok {
		m.mu.Unlock()
		return m.await(ctx, f)
	}

	// Insert a placeholder, release the lock, then fulfill — base §9's
	// explicit guidance to never hold the mutex across the network call.
	f := &future{done: make(chan struct{})}
	m.inFlight[account.ID] = f
	m.mu.Unlock()

	m.fulfill(account, f)
	return m.await(ctx, f)
}

func (m *Manager) fulfill(account *store.Account, f *future) {
	ctx, cancel := context.WithTimeout(context.Background(), RefreshTimeout)
	defer cancel()

	token, expMs, err := m.refresher.RefreshToken(ctx, account)
	if err != nil {
		f.err = errors.Join(ErrAuthRefreshFailed, err)
	} else {
		f.token = token
		f.expMs = expMs
		if updateErr := m.store.UpdateTokens(account.ID, token, expMs); updateErr != nil {
			log.Error().Err(updateErr).Str("account_id", account.ID).Msg("token manager: failed to persist refreshed token")
		}
	}

	close(f.done)

	// Remove the in-flight entry regardless of outcome so the next request
	// (success or the 11th request after a failure, per base §8 scenario 4)
	// is free to attempt again.
	m.mu.Lock()
	delete(m.inFlight, account.ID)
	m.mu.Unlock()
}

func (m *Manager) await(ctx context.Context, f *future) (string, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return "", f.err
		}
		return f.token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ForceRefresh drops any cached token freshness check and performs (or joins)
// a refresh unconditionally. Used by the Dispatcher's 401/403-on-OAuth retry
// path (base §4.5).
func (m *Manager) ForceRefresh(ctx context.Context, account *store.Account) (string, error) {
	account.Credentials.AccessTokenExpiresAt = 0
	return m.GetValidAccessToken(ctx, account)
}

// InFlightCount reports the number of accounts with a refresh currently in
// flight. No metrics collector reads it.
func (m *Manager) InFlightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}
