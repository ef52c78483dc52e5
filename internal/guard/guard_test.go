package guard

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"btrproxy/internal/circuit"
	"btrproxy/internal/concurrency"
	"btrproxy/internal/ratelimit"
	"btrproxy/internal/store"
)

type fakeAccountStore struct {
	accounts []*store.Account
	errors   map[string]int
	successes map[string]int
}

func (f *fakeAccountStore) ListActiveAccounts() ([]*store.Account, error) { return f.accounts, nil }
func (f *fakeAccountStore) MarkRateLimited(id string, untilMs int64, status string, remaining *int, resetMs *int64) error {
	return nil
}
func (f *fakeAccountStore) IncrementRequestCounters(id string) error { return nil }
func (f *fakeAccountStore) IncrementAccountError(id string) error {
	if f.errors == nil {
		f.errors = map[string]int{}
	}
	f.errors[id]++
	return nil
}
func (f *fakeAccountStore) IncrementAccountSuccess(id string) error {
	if f.successes == nil {
		f.successes = map[string]int{}
	}
	f.successes[id]++
	return nil
}

func TestCircuitAccountStore_FiltersOpenBreakerAccounts(t *testing.T) {
	breakers := circuit.NewManager(circuit.BreakerConfig{Enabled: true, FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Minute})
	inner := &fakeAccountStore{accounts: []*store.Account{{ID: "a"}, {ID: "b"}}}
	guarded := NewCircuitAccountStore(inner, breakers)

	guarded.IncrementAccountError("a")
	guarded.IncrementAccountError("a")

	accounts, err := guarded.ListActiveAccounts()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != "b" {
		t.Fatalf("expected only b to remain schedulable, got %v", accounts)
	}
	if inner.errors["a"] != 2 {
		t.Fatalf("expected underlying store to still see both error increments, got %d", inner.errors["a"])
	}
}

func TestCircuitAccountStore_SuccessDelegatesToUnderlyingStore(t *testing.T) {
	breakers := circuit.NewManager(circuit.DefaultBreakerConfig())
	inner := &fakeAccountStore{}
	guarded := NewCircuitAccountStore(inner, breakers)

	if err := guarded.IncrementAccountSuccess("a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.successes["a"] != 1 {
		t.Fatal("expected underlying store success counter incremented")
	}
}

func TestRateLimitAccountStore_FiltersAccountsOverLimit(t *testing.T) {
	limiter := ratelimit.NewMultiMemoryLimiter(ratelimit.RateLimitConfig{
		Enabled:      true,
		AccountLimit: ratelimit.LimitRule{Requests: 1, Window: time.Minute},
	})
	defer limiter.Close()

	inner := &fakeAccountStore{accounts: []*store.Account{{ID: "a"}, {ID: "b"}}}
	guarded := NewRateLimitAccountStore(inner, limiter)

	first, err := guarded.ListActiveAccounts()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected both accounts schedulable on first pass, got %v", first)
	}

	second, err := guarded.ListActiveAccounts()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected both accounts to have exhausted their account-level limit, got %v", second)
	}
}

func TestRateLimitAccountStore_NilLimiterPassesThrough(t *testing.T) {
	inner := &fakeAccountStore{accounts: []*store.Account{{ID: "a"}}}
	guarded := NewRateLimitAccountStore(inner, nil)

	accounts, err := guarded.ListActiveAccounts()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected nil limiter to pass every account through, got %v", accounts)
	}
}

func TestRateConcurrencyMiddleware_AllowsWithinLimits(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := ratelimit.NewMultiMemoryLimiter(ratelimit.DefaultRateLimitConfig())
	defer limiter.Close()
	slots := concurrency.NewManager(concurrency.DefaultConcurrencyConfig())
	defer slots.Close()

	router := gin.New()
	router.Use(RateConcurrencyMiddleware(limiter, slots))
	router.GET("/v1/messages", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRateConcurrencyMiddleware_DeniesOverConcurrencyLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	slots := concurrency.NewManager(concurrency.ConcurrencyConfig{UserMax: 0, MaxWaitQueue: 0})
	defer slots.Close()

	router := gin.New()
	router.Use(RateConcurrencyMiddleware(nil, slots))
	router.GET("/v1/messages", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no concurrency slots are configured, got %d", rec.Code)
	}
}
