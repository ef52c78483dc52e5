package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"btrproxy/internal/config"
	"btrproxy/internal/store"
)

// StatsHandler serves GET /api/stats and GET /api/analytics, aggregating
// request_records directly rather than maintaining a separate daily rollup
// table nothing in this tree writes.
type StatsHandler struct {
	store *store.Store
}

func NewStatsHandler(s *store.Store) *StatsHandler {
	return &StatsHandler{store: s}
}

func (h *StatsHandler) Overview(c *gin.Context) {
	overview, err := h.store.GetOverview(time.Now().Add(-24 * time.Hour))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get overview"})
		return
	}
	c.JSON(http.StatusOK, overview)
}

var analyticsRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
}

func (h *StatsHandler) Analytics(c *gin.Context) {
	rangeParam := c.DefaultQuery("range", "24h")
	window, ok := analyticsRanges[rangeParam]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "range must be one of 1h, 6h, 24h, 7d"})
		return
	}
	since := time.Now().Add(-window)

	models, err := h.store.GetModelUsage(since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get model usage"})
		return
	}
	accounts, err := h.store.GetAccountUsage(since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get account usage"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"range":    rangeParam,
		"models":   models,
		"accounts": accounts,
	})
}

// ConfigHandler exposes the mutable slice of runtime configuration base §6
// lists under GET/PATCH /api/config: the strategy name is stored and echoed
// back but not consulted by routing, since the Selector always applies its
// single priority algorithm; PATCH records any value rather than rejecting
// unknown strategies.
type ConfigHandler struct {
	mu       sync.RWMutex
	strategy string
}

func NewConfigHandler(cfg config.SchedulerConfig) *ConfigHandler {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = "priority"
	}
	return &ConfigHandler{strategy: strategy}
}

func (h *ConfigHandler) Get(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"strategy": h.strategy})
}

func (h *ConfigHandler) Patch(c *gin.Context) {
	var req struct {
		Strategy string `json:"strategy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.mu.Lock()
	if req.Strategy != "" {
		h.strategy = req.Strategy
	}
	h.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"message": "config updated"})
}

func (h *ConfigHandler) GetStrategy(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"strategy": h.strategy})
}

func (h *ConfigHandler) SetStrategy(c *gin.Context) {
	var req struct {
		Strategy string `json:"strategy" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.mu.Lock()
	h.strategy = req.Strategy
	h.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"message": "strategy updated", "strategy": req.Strategy})
}
