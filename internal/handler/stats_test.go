package handler

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"btrproxy/internal/config"
	"btrproxy/internal/store"
)

func TestStatsHandler_Overview(t *testing.T) {
	s := newTestStore(t)
	s.RecordRequest(&store.RequestRecord{
		ID: "r1", Timestamp: time.Now(), Method: "POST", Path: "/v1/messages",
		StatusCode: 200, Success: true, TotalTokens: 42,
	}, nil)

	h := NewStatsHandler(s)
	router := newTestRouter()
	router.GET("/stats", h.Overview)

	rec := doJSON(t, router, http.MethodGet, "/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var overview store.Overview
	json.Unmarshal(rec.Body.Bytes(), &overview)
	if overview.TotalRequests != 1 {
		t.Fatalf("expected 1 total request, got %d", overview.TotalRequests)
	}
}

func TestStatsHandler_AnalyticsRejectsBadRange(t *testing.T) {
	s := newTestStore(t)
	h := NewStatsHandler(s)
	router := newTestRouter()
	router.GET("/analytics", h.Analytics)

	rec := doJSON(t, router, http.MethodGet, "/analytics?range=3d", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatsHandler_AnalyticsGroupsByModel(t *testing.T) {
	s := newTestStore(t)
	s.RecordRequest(&store.RequestRecord{
		ID: "r1", Timestamp: time.Now(), Method: "POST", Path: "/v1/messages",
		StatusCode: 200, Success: true, Model: "claude-sonnet-4", TotalTokens: 10, CostUSD: "0.01",
	}, nil)
	s.RecordRequest(&store.RequestRecord{
		ID: "r2", Timestamp: time.Now(), Method: "POST", Path: "/v1/messages",
		StatusCode: 200, Success: true, Model: "claude-sonnet-4", TotalTokens: 20, CostUSD: "0.02",
	}, nil)

	h := NewStatsHandler(s)
	router := newTestRouter()
	router.GET("/analytics", h.Analytics)

	rec := doJSON(t, router, http.MethodGet, "/analytics?range=24h", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Models []store.ModelUsage `json:"models"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Models) != 1 || body.Models[0].RequestCount != 2 {
		t.Fatalf("expected 1 model with 2 requests, got %+v", body.Models)
	}
}

func TestConfigHandler_GetAndPatchStrategy(t *testing.T) {
	h := NewConfigHandler(config.SchedulerConfig{Strategy: "priority"})
	router := newTestRouter()
	router.GET("/config", h.Get)
	router.PATCH("/config", h.Patch)
	router.GET("/config/strategy", h.GetStrategy)
	router.POST("/config/strategy", h.SetStrategy)

	rec := doJSON(t, router, http.MethodGet, "/config", nil)
	var got map[string]string
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got["strategy"] != "priority" {
		t.Fatalf("expected default strategy priority, got %v", got)
	}

	doJSON(t, router, http.MethodPost, "/config/strategy", map[string]string{"strategy": "round_robin"})
	rec = doJSON(t, router, http.MethodGet, "/config/strategy", nil)
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got["strategy"] != "round_robin" {
		t.Fatalf("expected updated strategy round_robin, got %v", got)
	}
}
