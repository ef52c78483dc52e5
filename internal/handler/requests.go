package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"btrproxy/internal/store"
)

// RequestHandler exposes request history and archived payloads (base §6
// /api/requests surface, supplemented with per-request payload retrieval).
type RequestHandler struct {
	store *store.Store
}

func NewRequestHandler(s *store.Store) *RequestHandler {
	return &RequestHandler{store: s}
}

func (h *RequestHandler) List(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := h.store.ListRequestRecords(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list requests"})
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *RequestHandler) Get(c *gin.Context) {
	id := c.Param("id")
	rec, err := h.store.GetRequestRecord(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get request"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetPayload returns the archived request/response bodies for one request,
// if the capture window (base §4.1 retention) hasn't swept it yet.
func (h *RequestHandler) GetPayload(c *gin.Context) {
	id := c.Param("id")
	payload, err := h.store.GetRequestPayload(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get payload"})
		return
	}
	if payload == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "payload not found or already swept"})
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(payload.PayloadJSON))
}
