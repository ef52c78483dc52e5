// Package dispatcher implements the Dispatcher from base spec §4.5: the
// per-request retry/failover loop binding Selector -> Token Manager ->
// Provider -> upstream fetch -> Stream Pipeline.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"btrproxy/internal/apierror"
	"btrproxy/internal/provider"
	"btrproxy/internal/retry"
	"btrproxy/internal/store"
)

// AccountStore is the narrow Store capability the Dispatcher needs beyond
// what the Selector and Token Manager already wrap.
type AccountStore interface {
	ListActiveAccounts() ([]*store.Account, error)
	MarkRateLimited(id string, untilMs int64, status string, remaining *int, resetMs *int64) error
	IncrementRequestCounters(id string) error
	IncrementAccountError(id string) error
	IncrementAccountSuccess(id string) error
}

// Selector is the narrow capability the Dispatcher needs from
// internal/selector.Selector.
type Selector interface {
	Select(accounts []*store.Account, nowMs int64, bypassSticky bool) []*store.Account
}

// TokenGetter is the narrow capability the Dispatcher needs from
// internal/tokenmanager.Manager.
type TokenGetter interface {
	GetValidAccessToken(ctx context.Context, account *store.Account) (string, error)
	ForceRefresh(ctx context.Context, account *store.Account) (string, error)
}

// Pipeline hands a successful upstream response off to the Stream Pipeline,
// which tees it to the client and records usage/cost on completion.
type Pipeline interface {
	Pipe(ctx context.Context, w http.ResponseWriter, resp *http.Response, account *store.Account, prov provider.Provider, outbound *provider.OutboundRequest, meta Meta) error
}

// Recorder is the narrow Store capability the Dispatcher needs to persist a
// RequestRecord for a request that never reached the Stream Pipeline (base
// §3: "persisted after the response completes or aborts").
type Recorder interface {
	EnqueueWrite(job store.WriteJob)
}

// HTTPDoer is the minimal interface for sending the prepared upstream
// request; satisfied by internal/pool's pooled per-account clients.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AccountAwareDoer is an optional capability an HTTPDoer can implement to
// route a request through a per-account connection pool slot and
// concurrency-limited slot (internal/pool, internal/concurrency) instead of
// the shared client. tryAccount checks for it via type assertion so a plain
// HTTPDoer (e.g. in tests) still works without implementing it.
type AccountAwareDoer interface {
	DoForAccount(req *http.Request, accountID string) (*http.Response, error)
}

// Meta carries the per-request bookkeeping the Stream Pipeline needs to
// build the eventual RequestRecord.
type Meta struct {
	RequestID        string
	Method           string
	Path             string
	StartedAt        time.Time
	FailoverAttempts int
	BypassSticky     bool // true for scheduler-injected auto-refresh traffic (base §4.7)
}

// Dispatcher is safe for concurrent use by multiple in-flight requests.
type Dispatcher struct {
	accounts  AccountStore
	selector  Selector
	tokens    TokenGetter
	providers *provider.Registry
	client    HTTPDoer
	pipeline  Pipeline
	policy    retry.Policy
	recorder  Recorder
}

func New(accounts AccountStore, sel Selector, tokens TokenGetter, providers *provider.Registry, client HTTPDoer, pipeline Pipeline, policy retry.Policy, recorder Recorder) *Dispatcher {
	return &Dispatcher{
		accounts:  accounts,
		selector:  sel,
		tokens:    tokens,
		providers: providers,
		client:    client,
		pipeline:  pipeline,
		policy:    policy,
		recorder:  recorder,
	}
}

// recordFailure persists a RequestRecord for a request that Dispatch could
// not complete: no schedulable account, every candidate exhausted, or an
// auth/validation failure. success is always false here; AccountUsed is
// empty unless a specific candidate's failure is what ended the attempt.
func (d *Dispatcher) recordFailure(ctx context.Context, meta Meta, accountID string, dispatchErr error) {
	if d.recorder == nil || dispatchErr == nil {
		return
	}
	rec := &store.RequestRecord{
		ID:               meta.RequestID,
		Timestamp:        meta.StartedAt,
		Method:           meta.Method,
		Path:             meta.Path,
		AccountUsed:      accountID,
		StatusCode:       apierror.Status(dispatchErr),
		Success:          false,
		ErrorMessage:     dispatchErr.Error(),
		ResponseTimeMs:   time.Since(meta.StartedAt).Milliseconds(),
		FailoverAttempts: meta.FailoverAttempts,
	}
	d.recorder.EnqueueWrite(func(s *store.Store) error {
		return s.RecordRequest(rec, nil)
	})
}

// Dispatch runs the full candidate/retry/failover loop for one inbound
// request and either streams a response to w or returns a typed apierror.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, inbound *http.Request, body []byte, meta Meta) error {
	accounts, err := d.accounts.ListActiveAccounts()
	if err != nil {
		dispatchErr := fmt.Errorf("%w: listing accounts: %v", apierror.ErrInternal, err)
		d.recordFailure(ctx, meta, "", dispatchErr)
		return dispatchErr
	}

	nowMs := time.Now().UnixMilli()
	candidates := d.selector.Select(accounts, nowMs, meta.BypassSticky)
	if len(candidates) == 0 {
		dispatchErr := fmt.Errorf("%w: no schedulable accounts", apierror.ErrNoAccountAvailable)
		d.recordFailure(ctx, meta, "", dispatchErr)
		return dispatchErr
	}

	maxSwitches := d.policy.MaxAccountSwitches()
	if maxSwitches <= 0 || maxSwitches > len(candidates) {
		maxSwitches = len(candidates)
	}

	var soonestRetryAfter *time.Duration
	var lastErr error
	var lastAccountID string

	for i := 0; i < maxSwitches; i++ {
		account := candidates[i]
		lastAccountID = account.ID

		resp, retryAfter, attemptErr := d.tryAccount(ctx, inbound, body, account, meta)
		if attemptErr == nil {
			prov := d.providers.For(account.ProviderKind)
			// Pipe takes ownership of resp.httpResp.Body and closes it.
			if pipeErr := d.pipeline.Pipe(ctx, w, resp.httpResp, account, prov, resp.outbound, meta); pipeErr != nil {
				_ = d.accounts.IncrementAccountError(account.ID)
				dispatchErr := fmt.Errorf("%w: %v", apierror.ErrTransientUpstream, pipeErr)
				d.recordFailure(ctx, meta, account.ID, dispatchErr)
				return dispatchErr
			}
			_ = d.accounts.IncrementRequestCounters(account.ID)
			_ = d.accounts.IncrementAccountSuccess(account.ID)
			return nil
		}

		// Every attempted-and-failed candidate counts, including the first
		// and last, so a single-candidate exhaustion still reports one
		// failover attempt rather than none.
		meta.FailoverAttempts++

		lastErr = attemptErr
		if retryAfter != nil && (soonestRetryAfter == nil || *retryAfter < *soonestRetryAfter) {
			soonestRetryAfter = retryAfter
		}
		_ = d.accounts.IncrementAccountError(account.ID)

		log.Warn().Str("account_id", account.ID).Err(attemptErr).Int("candidate_index", i).Msg("dispatcher: account attempt failed, trying next candidate")
	}

	var finalErr error
	if errors.Is(lastErr, apierror.ErrRateLimited) {
		finalErr = lastErr
	} else if lastErr != nil {
		finalErr = fmt.Errorf("%w: all candidates exhausted: %v", apierror.ErrTransientUpstream, lastErr)
	} else {
		finalErr = fmt.Errorf("%w: all candidates exhausted", apierror.ErrTransientUpstream)
	}
	d.recordFailure(ctx, meta, lastAccountID, finalErr)
	return finalErr
}

// result carries a live response ready for the Stream Pipeline, which takes
// ownership of httpResp.Body.
type result struct {
	httpResp *http.Response
	outbound *provider.OutboundRequest
}

// doRequest sends req, routing it through the account's dedicated pool
// client and concurrency slot when the configured client supports it.
func (d *Dispatcher) doRequest(req *http.Request, accountID string) (*http.Response, error) {
	if aware, ok := d.client.(AccountAwareDoer); ok {
		return aware.DoForAccount(req, accountID)
	}
	return d.client.Do(req)
}

// tryAccount runs the inner retry loop (base §4.5) for a single candidate
// account: same-account backoff-retry on 502/503/504, one forced-refresh
// retry on 401/403 for OAuth providers, and immediate failover on 429 or
// retry exhaustion.
func (d *Dispatcher) tryAccount(ctx context.Context, inbound *http.Request, body []byte, account *store.Account, meta Meta) (*result, *time.Duration, error) {
	prov := d.providers.For(account.ProviderKind)
	if prov == nil {
		return nil, nil, fmt.Errorf("%w: no provider for kind %q", apierror.ErrInternal, account.ProviderKind)
	}

	accessToken, err := d.tokens.GetValidAccessToken(ctx, account)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: token refresh: %v", apierror.ErrAuthUpstream, err)
	}

	refreshedOnce := false
	maxAttempts := d.policy.MaxAttempts()
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(jittered(d.policy.GetBackoff(attempt))):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		outbound, err := prov.PrepareRequest(ctx, inbound, body, account, accessToken)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: preparing request: %v", apierror.ErrInternal, err)
		}

		resp, err := d.doRequest(outbound.HTTPRequest, account.ID)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", apierror.ErrTransientUpstream, err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			sig := prov.ParseRateLimit(resp.Header, resp.StatusCode)
			drain(resp)
			until := rateLimitUntil(sig)
			_ = d.accounts.MarkRateLimited(account.ID, until, sig.Status, sig.Remaining, sig.ResetAt)
			return nil, sig.RetryAfter, fmt.Errorf("%w: account %s rate limited", apierror.ErrRateLimited, account.ID)

		case resp.StatusCode == http.StatusBadGateway, resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusGatewayTimeout:
			drain(resp)
			lastErr = fmt.Errorf("%w: upstream status %d", apierror.ErrTransientUpstream, resp.StatusCode)
			continue

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			drain(resp)
			if _, isOAuth := prov.(provider.OAuthProvider); isOAuth && !refreshedOnce {
				refreshedOnce = true
				newToken, refreshErr := d.tokens.ForceRefresh(ctx, account)
				if refreshErr != nil {
					return nil, nil, fmt.Errorf("%w: forced refresh failed: %v", apierror.ErrAuthUpstream, refreshErr)
				}
				accessToken = newToken
				attempt-- // this attempt didn't consume a retry slot
				continue
			}
			return nil, nil, fmt.Errorf("%w: account %s rejected credentials (status %d)", apierror.ErrAuthUpstream, account.ID, resp.StatusCode)

		default:
			return &result{httpResp: resp, outbound: outbound}, nil, nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: retries exhausted for account %s", apierror.ErrTransientUpstream, account.ID)
	}
	return nil, nil, lastErr
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func rateLimitUntil(sig provider.RateLimitSignal) int64 {
	now := time.Now()
	if sig.RetryAfter != nil {
		return now.Add(*sig.RetryAfter).UnixMilli()
	}
	if sig.ResetAt != nil {
		return *sig.ResetAt
	}
	return now.Add(60 * time.Second).UnixMilli()
}

// jittered applies the base §9 guidance of +/-25% jitter to a backoff
// duration so concurrent failing requests don't retry in lockstep.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	delta := time.Duration((rand.Float64()*0.5 - 0.25) * float64(d))
	return d + delta
}
