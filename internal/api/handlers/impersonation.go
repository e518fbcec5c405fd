package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/api/middleware"
	"github.com/tillgate/tillgate/internal/identity"
	"github.com/tillgate/tillgate/internal/impersonation"
	"github.com/tillgate/tillgate/internal/metrics"
	"github.com/tillgate/tillgate/internal/models"
)

// ImpersonationHandler exposes the operator impersonation flow.
type ImpersonationHandler struct {
	broker *impersonation.Broker
	store  AuthStore
	logger zerolog.Logger
}

// NewImpersonationHandler creates an ImpersonationHandler.
func NewImpersonationHandler(broker *impersonation.Broker, store AuthStore, logger zerolog.Logger) *ImpersonationHandler {
	return &ImpersonationHandler{
		broker: broker,
		store:  store,
		logger: logger.With().Str("component", "impersonation_handler").Logger(),
	}
}

type startImpersonationRequest struct {
	TenantID uuid.UUID   `json:"tenant_id"`
	Role     models.Role `json:"role"`
	Reason   string      `json:"reason"`
}

// Start records the audit and returns a short-lived exchange token.
// POST /api/v1/impersonation/start
func (h *ImpersonationHandler) Start(c *gin.Context) {
	session := middleware.Session(c)

	var req startImpersonationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "invalid request body")
		return
	}
	if req.TenantID == uuid.Nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "tenant_id required")
		return
	}
	if req.Role == "" {
		req.Role = models.RoleTenantAdmin
	}

	ctx := c.Request.Context()
	operator, err := h.store.GetAccountByID(ctx, session.AccountID)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	token, audit, err := h.broker.Start(ctx, operator, req.TenantID, req.Role, req.Reason)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	metrics.ImpersonationStarts.Inc()
	c.JSON(http.StatusOK, gin.H{
		"exchange_token": token,
		"audit_id":       audit.ID,
	})
}

type exchangeRequest struct {
	ExchangeToken string `json:"exchange_token"`
}

// Exchange trades a one-time exchange token for an impersonated session.
// Unauthenticated by design: the token is the credential.
// POST /api/v1/impersonation/exchange
func (h *ImpersonationHandler) Exchange(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ExchangeToken == "" {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "exchange_token required")
		return
	}

	pair, rec, err := h.broker.Exchange(c.Request.Context(), req.ExchangeToken)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tokens":    pair,
		"tenant_id": rec.TenantID,
		"role":      rec.Role,
	})
}

// End closes the caller's impersonated session and stamps the audit.
// POST /api/v1/impersonation/end
func (h *ImpersonationHandler) End(c *gin.Context) {
	session := middleware.Session(c)
	if err := h.broker.End(c.Request.Context(), session); err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ended": true})
}

// History returns a tenant's impersonation audit trail.
// GET /api/v1/impersonation/history?tenant_id=...
func (h *ImpersonationHandler) History(c *gin.Context) {
	session := middleware.Session(c)
	tenantID, ok := resolveTenant(c, session)
	if !ok {
		return
	}

	audits, err := h.broker.History(c.Request.Context(), tenantID, 0)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audits": audits})
}
