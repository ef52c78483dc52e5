package tokenmanager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"btrproxy/internal/store"
)

type fakeRefresher struct {
	calls  int32
	delay  time.Duration
	token  string
	expMs  int64
	err    error
}

func (f *fakeRefresher) RefreshToken(ctx context.Context, account *store.Account) (string, int64, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.token, f.expMs, f.err
}

func newTestManager(t *testing.T, refresher Refresher) *Manager {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, refresher)
}

func TestGetValidAccessToken_NonOAuthPassesThroughAPIKeyWithoutRefreshing(t *testing.T) {
	refresher := &fakeRefresher{}
	m := newTestManager(t, refresher)

	account := &store.Account{ID: "acc-1", ProviderKind: store.ProviderAnthropicConsoleKey, Credentials: store.Credentials{APIKey: "sk-ant-static"}}
	token, err := m.GetValidAccessToken(context.Background(), account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "sk-ant-static" {
		t.Fatalf("expected static api key passthrough, got %q", token)
	}
	if refresher.calls != 0 {
		t.Fatalf("expected no refresh calls for non-oauth account, got %d", refresher.calls)
	}
}

func TestGetValidAccessToken_CachedTokenSkipsRefresh(t *testing.T) {
	refresher := &fakeRefresher{}
	m := newTestManager(t, refresher)

	account := &store.Account{
		ID: "acc-1", ProviderKind: store.ProviderAnthropicOAuth,
		Credentials: store.Credentials{AccessToken: "cached", AccessTokenExpiresAt: time.Now().Add(time.Hour).UnixMilli()},
	}
	token, err := m.GetValidAccessToken(context.Background(), account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "cached" {
		t.Fatalf("expected cached token, got %q", token)
	}
	if refresher.calls != 0 {
		t.Fatalf("expected no refresh for token with remaining lifetime, got %d", refresher.calls)
	}
}

func TestGetValidAccessToken_ExpiredTokenTriggersRefresh(t *testing.T) {
	refresher := &fakeRefresher{token: "fresh", expMs: time.Now().Add(time.Hour).UnixMilli()}
	m := newTestManager(t, refresher)

	account := &store.Account{
		ID: "acc-1", ProviderKind: store.ProviderAnthropicOAuth,
		Credentials: store.Credentials{AccessToken: "stale", AccessTokenExpiresAt: time.Now().Add(-time.Minute).UnixMilli()},
	}
	token, err := m.GetValidAccessToken(context.Background(), account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "fresh" {
		t.Fatalf("expected refreshed token, got %q", token)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", refresher.calls)
	}
}

func TestGetValidAccessToken_ConcurrentCallsJoinSingleRefresh(t *testing.T) {
	refresher := &fakeRefresher{token: "fresh", expMs: time.Now().Add(time.Hour).UnixMilli(), delay: 50 * time.Millisecond}
	m := newTestManager(t, refresher)

	account := &store.Account{ID: "acc-1", ProviderKind: store.ProviderAnthropicOAuth}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetValidAccessToken(context.Background(), account); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if refresher.calls != 1 {
		t.Fatalf("expected exactly one in-flight refresh across concurrent callers, got %d", refresher.calls)
	}
}

func TestGetValidAccessToken_RefreshFailureWrapsSentinel(t *testing.T) {
	refresher := &fakeRefresher{err: errors.New("upstream rejected refresh token")}
	m := newTestManager(t, refresher)

	account := &store.Account{ID: "acc-1", ProviderKind: store.ProviderAnthropicOAuth}
	_, err := m.GetValidAccessToken(context.Background(), account)
	if !errors.Is(err, ErrAuthRefreshFailed) {
		t.Fatalf("expected ErrAuthRefreshFailed, got %v", err)
	}
}

func TestForceRefresh_IgnoresCachedTokenFreshness(t *testing.T) {
	refresher := &fakeRefresher{token: "forced", expMs: time.Now().Add(time.Hour).UnixMilli()}
	m := newTestManager(t, refresher)

	account := &store.Account{
		ID: "acc-1", ProviderKind: store.ProviderAnthropicOAuth,
		Credentials: store.Credentials{AccessToken: "still-valid", AccessTokenExpiresAt: time.Now().Add(time.Hour).UnixMilli()},
	}
	token, err := m.ForceRefresh(context.Background(), account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "forced" {
		t.Fatalf("expected forced refresh to bypass cache, got %q", token)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected one forced refresh call, got %d", refresher.calls)
	}
}
