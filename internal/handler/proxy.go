package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"btrproxy/internal/apierror"
	"btrproxy/internal/dispatcher"
)

// ProxyHandler fronts every base §4 wire-format surface (POST /v1/*) with
// the Dispatcher's candidate/retry/failover loop.
type ProxyHandler struct {
	dispatch *dispatcher.Dispatcher
}

func NewProxyHandler(d *dispatcher.Dispatcher) *ProxyHandler {
	return &ProxyHandler{dispatch: d}
}

// Handle reads the inbound body once (the Dispatcher needs it verbatim for
// every failover attempt, and http.Request.Body can only be read once) and
// hands it to the Dispatcher, translating its typed apierror on failure.
func (h *ProxyHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 32<<20))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apierror.NewBody(apierror.ErrValidation, "failed to read request body"))
		return
	}

	meta := dispatcher.Meta{
		RequestID: uuid.New().String(),
		Method:    c.Request.Method,
		Path:      c.Request.URL.Path,
		StartedAt: time.Now(),
	}

	if err := h.dispatch.Dispatch(c.Request.Context(), c.Writer, c.Request, body, meta); err != nil {
		log.Error().Err(err).Str("request_id", meta.RequestID).Str("path", meta.Path).Msg("dispatch failed")
		if c.Writer.Written() {
			// Streaming had already started; the connection is the only
			// signal left, there's no clean body to send now.
			return
		}
		c.AbortWithStatusJSON(apierror.Status(err), apierror.NewBody(err, "request failed"))
	}
}
