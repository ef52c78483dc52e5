// Package handler exposes the admin JSON API: account/api-key management,
// request history, and usage stats, all gated by internal/authgate.
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"btrproxy/internal/store"
)

// AccountHandler exposes CRUD plus the routing operations (pause/resume/
// priority/auto-fallback/custom-endpoint) base §6 lists under /api/accounts.
type AccountHandler struct {
	store *store.Store
}

func NewAccountHandler(s *store.Store) *AccountHandler {
	return &AccountHandler{store: s}
}

type createAccountRequest struct {
	Name           string            `json:"name" binding:"required"`
	ProviderKind   store.ProviderKind `json:"provider_kind" binding:"required"`
	CustomEndpoint string            `json:"custom_endpoint"`
	ModelMappings  map[string]string `json:"model_mappings"`
	RefreshToken   string            `json:"refresh_token"`
	AccessToken    string            `json:"access_token"`
	APIKey         string            `json:"api_key"`
	Priority       int               `json:"priority"`
}

func (h *AccountHandler) Create(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account := &store.Account{
		ID:           "acc_" + uuid.New().String(),
		Name:         req.Name,
		ProviderKind: req.ProviderKind,
		Credentials: store.Credentials{
			RefreshToken: req.RefreshToken,
			AccessToken:  req.AccessToken,
			APIKey:       req.APIKey,
		},
		CustomEndpoint: req.CustomEndpoint,
		ModelMappings:  req.ModelMappings,
		Priority:       req.Priority,
		CreatedAt:      time.Now(),
		IsActive:       true,
		HealthStatus:   "unknown",
	}

	if err := h.store.CreateAccount(account); err != nil {
		log.Error().Err(err).Msg("create account failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create account"})
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *AccountHandler) List(c *gin.Context) {
	accounts, err := h.store.ListAccounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list accounts"})
		return
	}
	for _, a := range accounts {
		redactCredentials(a)
	}
	c.JSON(http.StatusOK, accounts)
}

func (h *AccountHandler) Get(c *gin.Context) {
	account, err := h.getOr404(c)
	if err != nil || account == nil {
		return
	}
	redactCredentials(account)
	c.JSON(http.StatusOK, account)
}

func (h *AccountHandler) getOr404(c *gin.Context) (*store.Account, error) {
	id := c.Param("id")
	account, err := h.store.GetAccount(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get account"})
		return nil, err
	}
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return nil, nil
	}
	return account, nil
}

// redactCredentials blanks secret material before a response leaves the
// process; only PrefixLast8-style display values belong in admin API output.
func redactCredentials(a *store.Account) {
	a.Credentials = store.Credentials{}
}

func (h *AccountHandler) Pause(c *gin.Context) {
	if err := h.store.PauseAccount(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to pause account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "account paused"})
}

func (h *AccountHandler) Resume(c *gin.Context) {
	if err := h.store.ResumeAccount(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resume account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "account resumed"})
}

func (h *AccountHandler) SetPriority(c *gin.Context) {
	var req struct {
		Priority int `json:"priority" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.SetPriority(c.Param("id"), req.Priority); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set priority"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "priority updated"})
}

func (h *AccountHandler) SetAutoFallback(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	account, err := h.getOr404(c)
	if err != nil || account == nil {
		return
	}
	account.AutoFallbackEnabled = req.Enabled
	if err := h.store.UpdateAccount(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "auto-fallback updated"})
}

func (h *AccountHandler) SetCustomEndpoint(c *gin.Context) {
	var req struct {
		CustomEndpoint string `json:"custom_endpoint"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	account, err := h.getOr404(c)
	if err != nil || account == nil {
		return
	}
	account.CustomEndpoint = req.CustomEndpoint
	if err := h.store.UpdateAccount(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "custom endpoint updated"})
}

func (h *AccountHandler) Deactivate(c *gin.Context) {
	if err := h.store.DeactivateAccount(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "account deactivated"})
}

func (h *AccountHandler) Delete(c *gin.Context) {
	if err := h.store.DeleteAccount(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "account deleted"})
}
