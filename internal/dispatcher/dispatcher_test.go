package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"btrproxy/internal/apierror"
	"btrproxy/internal/provider"
	"btrproxy/internal/retry"
	"btrproxy/internal/store"
)

type fakeAccountStore struct {
	accounts      []*store.Account
	rateLimited   map[string]bool
	errorCounts   map[string]int
	successCounts map[string]int
	requestCounts map[string]int
}

func newFakeAccountStore(accounts ...*store.Account) *fakeAccountStore {
	return &fakeAccountStore{
		accounts:      accounts,
		rateLimited:   make(map[string]bool),
		errorCounts:   make(map[string]int),
		successCounts: make(map[string]int),
		requestCounts: make(map[string]int),
	}
}

func (f *fakeAccountStore) ListActiveAccounts() ([]*store.Account, error) { return f.accounts, nil }

func (f *fakeAccountStore) MarkRateLimited(id string, untilMs int64, status string, remaining *int, resetMs *int64) error {
	f.rateLimited[id] = true
	for _, a := range f.accounts {
		if a.ID == id {
			a.RateLimitedUntil = &untilMs
		}
	}
	return nil
}

func (f *fakeAccountStore) IncrementRequestCounters(id string) error {
	f.requestCounts[id]++
	return nil
}
func (f *fakeAccountStore) IncrementAccountError(id string) error   { f.errorCounts[id]++; return nil }
func (f *fakeAccountStore) IncrementAccountSuccess(id string) error { f.successCounts[id]++; return nil }

type fakeSelector struct{}

func (fakeSelector) Select(accounts []*store.Account, nowMs int64, bypassSticky bool) []*store.Account {
	available := make([]*store.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.IsAvailable(nowMs) {
			available = append(available, a)
		}
	}
	return available
}

type fakeTokens struct{}

func (fakeTokens) GetValidAccessToken(ctx context.Context, account *store.Account) (string, error) {
	return "tok-" + account.ID, nil
}
func (fakeTokens) ForceRefresh(ctx context.Context, account *store.Account) (string, error) {
	return "tok-refreshed-" + account.ID, nil
}

// newTestRecorder gives Dispatch a real, temp-file Store to enqueue failure
// records into: the jobs recordFailure builds are tied to the concrete
// *store.Store type, so there's no interface boundary left to fake past.
func newTestRecorder(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "dispatcher_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakePipeline struct {
	piped    bool
	lastMeta Meta
}

func (f *fakePipeline) Pipe(ctx context.Context, w http.ResponseWriter, resp *http.Response, account *store.Account, prov provider.Provider, outbound *provider.OutboundRequest, meta Meta) error {
	f.piped = true
	f.lastMeta = meta
	defer resp.Body.Close()
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}

type scriptedDoer struct {
	responses []*http.Response
	errs      []error
	calls     int
}

func (s *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], s.errs[i]
}

// accountAwareScriptedDoer records which account id each outbound request
// was routed through, the way cmd/server's accountAwareDoer does via
// internal/pool, without pulling pool/concurrency into this test.
type accountAwareScriptedDoer struct {
	scriptedDoer
	accountIDs []string
}

func (s *accountAwareScriptedDoer) DoForAccount(req *http.Request, accountID string) (*http.Response, error) {
	s.accountIDs = append(s.accountIDs, accountID)
	return s.Do(req)
}

func mkResp(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newAccount(id string, priority int) *store.Account {
	return &store.Account{
		ID:           id,
		Name:         id,
		ProviderKind: store.ProviderAnthropicOAuth,
		Priority:     priority,
		IsActive:     true,
	}
}

func newDispatcher(accounts *fakeAccountStore, client HTTPDoer, pipeline Pipeline, recorder Recorder) *Dispatcher {
	reg := provider.NewRegistry(&http.Client{}, "")
	policy := retry.NewPolicy(retry.RetryConfig{
		MaxAttempts:        3,
		MaxAccountSwitches: 10,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
		Jitter:             0.1,
	})
	return New(accounts, fakeSelector{}, fakeTokens{}, reg, client, pipeline, policy, recorder)
}

// waitForRequestRecord polls the store for a record enqueued through the
// async write queue, which drains on its own goroutine off the test's
// call stack.
func waitForRequestRecord(t *testing.T, db *store.Store, id string) *store.RequestRecord {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rec, err := db.GetRequestRecord(id)
		if err == nil && rec != nil {
			return rec
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("request record %q was never persisted via the async write queue", id)
	return nil
}

func inboundReq() *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(`{"model":"sonnet"}`)))
	req.Header.Set("anthropic-version", "2023-06-01")
	return req
}

func TestDispatch_SingleAccountHappyPath(t *testing.T) {
	a := newAccount("A", 0)
	accounts := newFakeAccountStore(a)
	doer := &scriptedDoer{responses: []*http.Response{mkResp(200, `{"ok":true}`)}, errs: []error{nil}}
	pipeline := &fakePipeline{}

	db := newTestRecorder(t)
	d := newDispatcher(accounts, doer, pipeline, db)
	rec := httptest.NewRecorder()
	err := d.Dispatch(context.Background(), rec, inboundReq(), []byte(`{"model":"sonnet"}`), Meta{RequestID: "r1"})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pipeline.piped {
		t.Fatal("expected pipeline to be invoked")
	}
	if accounts.requestCounts["A"] != 1 {
		t.Fatalf("expected request counter incremented once, got %d", accounts.requestCounts["A"])
	}
}

func TestDispatch_RoutesThroughAccountAwareDoer(t *testing.T) {
	a := newAccount("A", 0)
	accounts := newFakeAccountStore(a)
	doer := &accountAwareScriptedDoer{scriptedDoer: scriptedDoer{responses: []*http.Response{mkResp(200, `{"ok":true}`)}, errs: []error{nil}}}
	pipeline := &fakePipeline{}

	db := newTestRecorder(t)
	d := newDispatcher(accounts, doer, pipeline, db)
	rec := httptest.NewRecorder()
	if err := d.Dispatch(context.Background(), rec, inboundReq(), []byte(`{"model":"sonnet"}`), Meta{RequestID: "r1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doer.accountIDs) != 1 || doer.accountIDs[0] != "A" {
		t.Fatalf("expected the upstream fetch to route through DoForAccount with account A, got %v", doer.accountIDs)
	}
}

func TestDispatch_PriorityFailoverOnRateLimit(t *testing.T) {
	a := newAccount("A", 0)
	b := newAccount("B", 1)
	accounts := newFakeAccountStore(a, b)

	doer := &scriptedDoer{
		responses: []*http.Response{mkResp(429, ""), mkResp(200, `{"ok":true}`)},
		errs:      []error{nil, nil},
	}
	pipeline := &fakePipeline{}

	db := newTestRecorder(t)
	d := newDispatcher(accounts, doer, pipeline, db)
	rec := httptest.NewRecorder()
	err := d.Dispatch(context.Background(), rec, inboundReq(), []byte(`{"model":"sonnet"}`), Meta{RequestID: "r1"})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !accounts.rateLimited["A"] {
		t.Fatal("expected account A to be marked rate limited")
	}
	if accounts.requestCounts["B"] != 1 {
		t.Fatal("expected account B to serve the request after failover")
	}
	if pipeline.lastMeta.FailoverAttempts != 1 {
		t.Fatalf("expected failover_attempts=1 counting the failed attempt on A, got %d", pipeline.lastMeta.FailoverAttempts)
	}
}

// TestDispatch_AllCandidatesRateLimitedReturnsTypedError mirrors the
// single-available-candidate failover scenario: one rate-limited account is
// tried and exhausted, so failover_attempts must read 1, not 0, and a
// RequestRecord must still be persisted even though no response was ever
// streamed to the client.
func TestDispatch_AllCandidatesRateLimitedReturnsTypedError(t *testing.T) {
	a := newAccount("A", 0)
	accounts := newFakeAccountStore(a)
	doer := &scriptedDoer{responses: []*http.Response{mkResp(429, "")}, errs: []error{nil}}

	db := newTestRecorder(t)
	d := newDispatcher(accounts, doer, &fakePipeline{}, db)
	rec := httptest.NewRecorder()
	err := d.Dispatch(context.Background(), rec, inboundReq(), []byte(`{"model":"sonnet"}`), Meta{RequestID: "r1"})

	if !errors.Is(err, apierror.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	got := waitForRequestRecord(t, db, "r1")
	if got.FailoverAttempts != 1 {
		t.Fatalf("expected failover_attempts=1 for a single exhausted candidate, got %d", got.FailoverAttempts)
	}
	if got.Success {
		t.Fatal("expected success=false for an all-candidates-exhausted record")
	}
	if got.AccountUsed != "A" {
		t.Fatalf("expected the record to attribute the last-tried account, got %q", got.AccountUsed)
	}
}

func TestDispatch_NoAccountsReturnsCapacityError(t *testing.T) {
	accounts := newFakeAccountStore()
	db := newTestRecorder(t)
	d := newDispatcher(accounts, &scriptedDoer{}, &fakePipeline{}, db)
	rec := httptest.NewRecorder()

	err := d.Dispatch(context.Background(), rec, inboundReq(), []byte(`{}`), Meta{RequestID: "r1"})
	if !errors.Is(err, apierror.ErrNoAccountAvailable) {
		t.Fatalf("expected ErrNoAccountAvailable, got %v", err)
	}

	got := waitForRequestRecord(t, db, "r1")
	if got.Success {
		t.Fatal("expected success=false when no schedulable account exists")
	}
	if got.AccountUsed != "" {
		t.Fatalf("expected no account attribution when no account was ever tried, got %q", got.AccountUsed)
	}
}

func TestDispatch_ServerErrorRetriesSameAccount(t *testing.T) {
	a := newAccount("A", 0)
	accounts := newFakeAccountStore(a)
	doer := &scriptedDoer{
		responses: []*http.Response{mkResp(503, ""), mkResp(200, `{"ok":true}`)},
		errs:      []error{nil, nil},
	}
	pipeline := &fakePipeline{}

	db := newTestRecorder(t)
	d := newDispatcher(accounts, doer, pipeline, db)
	rec := httptest.NewRecorder()
	err := d.Dispatch(context.Background(), rec, inboundReq(), []byte(`{"model":"sonnet"}`), Meta{RequestID: "r1"})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doer.calls != 2 {
		t.Fatalf("expected 2 calls to the same account (1 retry), got %d", doer.calls)
	}
	if accounts.requestCounts["A"] != 1 {
		t.Fatal("expected account A to eventually serve the request")
	}
}

func TestDispatch_AuthErrorForcesRefreshThenFailsOver(t *testing.T) {
	a := newAccount("A", 0)
	b := newAccount("B", 1)
	accounts := newFakeAccountStore(a, b)

	doer := &scriptedDoer{
		responses: []*http.Response{mkResp(401, ""), mkResp(401, ""), mkResp(200, `{"ok":true}`)},
		errs:      []error{nil, nil, nil},
	}
	pipeline := &fakePipeline{}

	db := newTestRecorder(t)
	d := newDispatcher(accounts, doer, pipeline, db)
	rec := httptest.NewRecorder()
	err := d.Dispatch(context.Background(), rec, inboundReq(), []byte(`{"model":"sonnet"}`), Meta{RequestID: "r1"})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if accounts.requestCounts["B"] != 1 {
		t.Fatal("expected failover to account B after a forced refresh still fails auth on A")
	}
}
