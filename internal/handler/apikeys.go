package handler

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"btrproxy/internal/authgate"
	"btrproxy/internal/store"
)

// ApiKeyHandler manages inbound btr- proxy credentials (base §6
// /api/api-keys surface).
type ApiKeyHandler struct {
	store *store.Store
}

func NewApiKeyHandler(s *store.Store) *ApiKeyHandler {
	return &ApiKeyHandler{store: s}
}

func (h *ApiKeyHandler) List(c *gin.Context) {
	keys, err := h.store.ListApiKeys()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list api keys"})
		return
	}
	c.JSON(http.StatusOK, keys)
}

type createApiKeyRequest struct {
	Name string          `json:"name" binding:"required"`
	Role store.ApiKeyRole `json:"role" binding:"required"`
}

func (h *ApiKeyHandler) Create(c *gin.Context) {
	var req createApiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role != store.RoleAdmin && req.Role != store.RoleAPIOnly {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be admin or api-only"})
		return
	}

	plaintext, hashed, prefixLast8, err := authgate.GenerateKey()
	if err != nil {
		log.Error().Err(err).Msg("generate api key failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate key"})
		return
	}

	key := &store.ApiKey{
		ID:          "key_" + uuid.New().String(),
		Name:        req.Name,
		HashedKey:   hashed,
		PrefixLast8: prefixLast8,
		Role:        req.Role,
		IsActive:    true,
		CreatedAt:   time.Now(),
	}
	if err := h.store.CreateApiKey(key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create api key"})
		return
	}

	// The plaintext key is returned exactly once; HashedKey never leaves
	// this process again after this response.
	c.JSON(http.StatusOK, gin.H{
		"id":            key.ID,
		"name":          key.Name,
		"role":          key.Role,
		"key":           plaintext,
		"prefix_last_8": key.PrefixLast8,
		"created_at":    key.CreatedAt,
	})
}

func (h *ApiKeyHandler) Delete(c *gin.Context) {
	name := c.Param("name")
	if err := h.guardLastAdmin(name); err != nil {
		h.respondGuardErr(c, err)
		return
	}
	if err := h.store.DeleteApiKey(name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete api key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "api key deleted"})
}

func (h *ApiKeyHandler) Disable(c *gin.Context) {
	name := c.Param("name")
	if err := h.guardLastAdmin(name); err != nil {
		h.respondGuardErr(c, err)
		return
	}
	if err := h.store.SetApiKeyActive(name, false); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to disable api key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "api key disabled"})
}

func (h *ApiKeyHandler) Enable(c *gin.Context) {
	name := c.Param("name")
	if err := h.store.SetApiKeyActive(name, true); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enable api key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "api key enabled"})
}

// guardLastAdmin refuses to delete or disable the last active admin key
// while any non-admin key exists, per base §4.8 step 6.
func (h *ApiKeyHandler) guardLastAdmin(name string) error {
	key, err := h.store.GetApiKeyByName(name)
	if err != nil {
		return err
	}
	if key == nil {
		return sql.ErrNoRows
	}
	return authgate.GuardLastAdminKey(h.store, key.Role)
}

func (h *ApiKeyHandler) respondGuardErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		c.JSON(http.StatusNotFound, gin.H{"error": "api key not found"})
	case errors.Is(err, authgate.ErrLastAdminKey):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check admin key safeguard"})
	}
}
