package authgate

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"btrproxy/internal/store"
)

type fakeKeyStore struct {
	keys   []*store.ApiKey
	touched []string
}

func (f *fakeKeyStore) ListActiveApiKeys() ([]*store.ApiKey, error) { return f.keys, nil }
func (f *fakeKeyStore) TouchApiKeyUsage(id string) error {
	f.touched = append(f.touched, id)
	return nil
}

func newKeyedStore(t *testing.T, role store.ApiKeyRole) (*fakeKeyStore, string) {
	t.Helper()
	plaintext, hashed, prefix, err := GenerateKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return &fakeKeyStore{keys: []*store.ApiKey{{ID: "k1", HashedKey: hashed, PrefixLast8: prefix, Role: role, IsActive: true}}}, plaintext
}

func runThroughGate(t *testing.T, g *Gate, path, authHeader string, extra gin.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handlers := []gin.HandlerFunc{g.Auth()}
	if extra != nil {
		handlers = append(handlers, extra)
	}
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET(path, handlers...)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGate_ExemptPathBypassesAuth(t *testing.T) {
	g := New(&fakeKeyStore{}, []string{"/health"}, []string{"/api/oauth/"})
	rec := runThroughGate(t, g, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected exempt path to pass without a key, got %d", rec.Code)
	}
}

func TestGate_ExemptPrefixBypassesAuth(t *testing.T) {
	g := New(&fakeKeyStore{}, nil, []string{"/api/oauth/"})
	rec := runThroughGate(t, g, "/api/oauth/callback", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected exempt prefix path to pass without a key, got %d", rec.Code)
	}
}

func TestGate_RejectsMissingKey(t *testing.T) {
	ks, _ := newKeyedStore(t, store.RoleAPIOnly)
	g := New(ks, nil, nil)
	rec := runThroughGate(t, g, "/v1/messages", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing key, got %d", rec.Code)
	}
}

// TestGate_NoActiveKeysDisablesAuth covers base §4.8 step 2: with zero
// active inbound API keys, every request passes through unauthenticated,
// even one presenting no key at all.
func TestGate_NoActiveKeysDisablesAuth(t *testing.T) {
	g := New(&fakeKeyStore{}, nil, nil)
	rec := runThroughGate(t, g, "/v1/messages", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with authentication disabled, got %d", rec.Code)
	}
}

func TestGate_AcceptsValidKey(t *testing.T) {
	ks, plaintext := newKeyedStore(t, store.RoleAPIOnly)
	g := New(ks, nil, nil)
	rec := runThroughGate(t, g, "/v1/messages", "Bearer "+plaintext, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a valid key, got %d", rec.Code)
	}
	if len(ks.touched) != 1 {
		t.Fatalf("expected usage to be touched once, got %d", len(ks.touched))
	}
}

func TestGate_RejectsWrongKey(t *testing.T) {
	ks, _ := newKeyedStore(t, store.RoleAPIOnly)
	g := New(ks, nil, nil)
	rec := runThroughGate(t, g, "/v1/messages", "Bearer btr-"+"0000000000000000000000000000000000000000000000", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong key, got %d", rec.Code)
	}
}

func TestRequireRole_RejectsAPIOnlyOnAdminRoute(t *testing.T) {
	ks, plaintext := newKeyedStore(t, store.RoleAPIOnly)
	g := New(ks, nil, nil)
	rec := runThroughGate(t, g, "/admin/accounts", "Bearer "+plaintext, RequireRole(store.RoleAdmin))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for api-only key on an admin route, got %d", rec.Code)
	}
}

func TestRequireRole_AllowsAdminEverywhere(t *testing.T) {
	ks, plaintext := newKeyedStore(t, store.RoleAdmin)
	g := New(ks, nil, nil)
	rec := runThroughGate(t, g, "/admin/accounts", "Bearer "+plaintext, RequireRole(store.RoleAPIOnly))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected admin key to pass any role check, got %d", rec.Code)
	}
}
