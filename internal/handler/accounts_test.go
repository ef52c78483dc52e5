package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"btrproxy/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAccountHandler_CreateListGet(t *testing.T) {
	s := newTestStore(t)
	h := NewAccountHandler(s)
	router := newTestRouter()
	router.POST("/accounts", h.Create)
	router.GET("/accounts", h.List)
	router.GET("/accounts/:id", h.Get)

	rec := doJSON(t, router, http.MethodPost, "/accounts", createAccountRequest{
		Name:         "acc-one",
		ProviderKind: store.ProviderAnthropicOAuth,
		RefreshToken: "rt-secret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var created store.Account
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}

	listRec := doJSON(t, router, http.MethodGet, "/accounts", nil)
	var list []store.Account
	if err := json.Unmarshal(listRec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 account, got %d", len(list))
	}
	if list[0].Credentials.RefreshToken != "" {
		t.Fatal("expected credentials redacted from list response")
	}

	getRec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/accounts/%s", created.ID), nil)
	var fetched store.Account
	if err := json.Unmarshal(getRec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode get: %v", err)
	}
	if fetched.Credentials.RefreshToken != "" {
		t.Fatal("expected credentials redacted from get response")
	}
}

func TestAccountHandler_PauseResumePriority(t *testing.T) {
	s := newTestStore(t)
	h := NewAccountHandler(s)
	router := newTestRouter()
	router.POST("/accounts", h.Create)
	router.POST("/accounts/:id/pause", h.Pause)
	router.POST("/accounts/:id/resume", h.Resume)
	router.POST("/accounts/:id/priority", h.SetPriority)

	createRec := doJSON(t, router, http.MethodPost, "/accounts", createAccountRequest{
		Name:         "acc-two",
		ProviderKind: store.ProviderOpenAICompatible,
		APIKey:       "sk-test",
	})
	var created store.Account
	json.Unmarshal(createRec.Body.Bytes(), &created)

	if rec := doJSON(t, router, http.MethodPost, "/accounts/"+created.ID+"/pause", nil); rec.Code != http.StatusOK {
		t.Fatalf("pause: %d", rec.Code)
	}
	acc, _ := s.GetAccount(created.ID)
	if !acc.Paused {
		t.Fatal("expected account paused")
	}

	if rec := doJSON(t, router, http.MethodPost, "/accounts/"+created.ID+"/resume", nil); rec.Code != http.StatusOK {
		t.Fatalf("resume: %d", rec.Code)
	}
	acc, _ = s.GetAccount(created.ID)
	if acc.Paused {
		t.Fatal("expected account resumed")
	}

	if rec := doJSON(t, router, http.MethodPost, "/accounts/"+created.ID+"/priority", map[string]int{"priority": 5}); rec.Code != http.StatusOK {
		t.Fatalf("priority: %d", rec.Code)
	}
	acc, _ = s.GetAccount(created.ID)
	if acc.Priority != 5 {
		t.Fatalf("expected priority 5, got %d", acc.Priority)
	}
}

func TestAccountHandler_GetMissingReturns404(t *testing.T) {
	s := newTestStore(t)
	h := NewAccountHandler(s)
	router := newTestRouter()
	router.GET("/accounts/:id", h.Get)

	rec := doJSON(t, router, http.MethodGet, "/accounts/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAccountHandler_DeleteAndDeactivate(t *testing.T) {
	s := newTestStore(t)
	h := NewAccountHandler(s)
	router := newTestRouter()
	router.POST("/accounts", h.Create)
	router.POST("/accounts/:id/deactivate", h.Deactivate)
	router.DELETE("/accounts/:id", h.Delete)

	createRec := doJSON(t, router, http.MethodPost, "/accounts", createAccountRequest{
		Name: "acc-three", ProviderKind: store.ProviderAnthropicConsoleKey, APIKey: "sk-abc",
	})
	var created store.Account
	json.Unmarshal(createRec.Body.Bytes(), &created)

	if rec := doJSON(t, router, http.MethodPost, "/accounts/"+created.ID+"/deactivate", nil); rec.Code != http.StatusOK {
		t.Fatalf("deactivate: %d", rec.Code)
	}
	acc, _ := s.GetAccount(created.ID)
	if acc.IsActive {
		t.Fatal("expected account deactivated")
	}

	if rec := doJSON(t, router, http.MethodDelete, "/accounts/"+created.ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete: %d", rec.Code)
	}
	acc, err := s.GetAccount(created.ID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if acc != nil {
		t.Fatal("expected account gone after delete")
	}
}
