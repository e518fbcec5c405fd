package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/access"
	"github.com/tillgate/tillgate/internal/api/middleware"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/db"
	"github.com/tillgate/tillgate/internal/identity"
	"github.com/tillgate/tillgate/internal/licensing"
	"github.com/tillgate/tillgate/internal/metrics"
	"github.com/tillgate/tillgate/internal/models"
)

// AuthStore is the persistence surface the auth handler needs.
type AuthStore interface {
	GetAccountByUsername(ctx context.Context, username string) (*models.Account, error)
	GetAccountByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetPasswordVerifier(ctx context.Context, accountID uuid.UUID) (*models.PasswordVerifier, error)
	SetPasswordVerifier(ctx context.Context, accountID uuid.UUID, v models.PasswordVerifier) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	GetBilling(ctx context.Context, tenantID uuid.UUID) (*models.BillingRecord, error)
}

// AuthHandler handles login, token refresh and password management.
type AuthHandler struct {
	store     AuthStore
	tokens    *auth.TokenService
	licensing *licensing.Manager
	logger    zerolog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(store AuthStore, tokens *auth.TokenService, lic *licensing.Manager, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		store:     store,
		tokens:    tokens,
		licensing: lic,
		logger:    logger.With().Str("component", "auth_handler").Logger(),
	}
}

// Login verifies credentials, admits the calling device against the
// tenant cap and issues a session.
// POST /api/v1/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req identity.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "username and password required")
		return
	}

	ctx := c.Request.Context()

	account, err := h.store.GetAccountByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			auth.VerifyOrDummy(req.Password, nil)
			metrics.LoginAttempts.WithLabelValues("invalid").Inc()
			respondDomainError(c, identity.ErrInvalidCredentials)
			return
		}
		respondDomainError(c, err)
		return
	}

	verifier, err := h.store.GetPasswordVerifier(ctx, account.ID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if !auth.VerifyOrDummy(req.Password, verifier) {
		metrics.LoginAttempts.WithLabelValues("invalid").Inc()
		respondDomainError(c, identity.ErrInvalidCredentials)
		return
	}
	if !account.Active {
		metrics.LoginAttempts.WithLabelValues("disabled").Inc()
		respondDomainError(c, identity.ErrAccountDisabled)
		return
	}

	// Resolve the tenant scope. Operators are unscoped; everyone else
	// must match the tenant the device is configured for.
	var sessionTenant *uuid.UUID
	accessState := string(access.StateActive)
	if account.Role != models.RolePlatformOperator {
		tenantID := req.TenantID
		if tenantID == uuid.Nil && account.TenantID != nil {
			tenantID = *account.TenantID
		}
		if !account.BelongsTo(tenantID) {
			metrics.LoginAttempts.WithLabelValues("invalid").Inc()
			respondDomainError(c, identity.ErrInvalidCredentials)
			return
		}
		sessionTenant = &tenantID

		state, err := h.evaluateAccess(ctx, tenantID)
		if err != nil {
			respondDomainError(c, err)
			return
		}
		// Locked is terminal: no session, no offline seed material.
		if state == access.StateLocked {
			metrics.LoginAttempts.WithLabelValues("locked").Inc()
			respondDomainError(c, identity.ErrTenantLocked)
			return
		}
		accessState = string(state)
	}

	// Admit the device before issuing the session, so a cap rejection
	// never leaves a usable login behind.
	if req.DeviceID != "" {
		registerTenant := req.TenantID
		if registerTenant == uuid.Nil && sessionTenant != nil {
			registerTenant = *sessionTenant
		}
		if registerTenant != uuid.Nil {
			if _, err := h.licensing.Register(ctx, account.Role, registerTenant, req.DeviceID, req.Platform, req.Label); err != nil {
				metrics.DeviceRegistrations.WithLabelValues("rejected").Inc()
				respondDomainError(c, err)
				return
			}
			metrics.DeviceRegistrations.WithLabelValues("admitted").Inc()
		}
	}

	pair, _, err := h.tokens.Issue(ctx, account.ID, account.Role, sessionTenant, nil)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	metrics.LoginAttempts.WithLabelValues("success").Inc()

	resp := identity.LoginResponse{
		Tokens: *pair,
		Account: identity.AccountInfo{
			ID:          account.ID,
			Username:    account.Username,
			DisplayName: account.DisplayName,
			Role:        account.Role,
			TenantID:    account.TenantID,
		},
		AccessState: accessState,
		ServerTime:  time.Now().UTC(),
	}
	if verifier != nil {
		resp.Verifier = identity.VerifierSeed{
			Salt:       verifier.Salt,
			Iterations: verifier.Iterations,
			Hash:       verifier.Hash,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AuthHandler) evaluateAccess(ctx context.Context, tenantID uuid.UUID) (access.State, error) {
	tenant, err := h.store.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	billing, err := h.store.GetBilling(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return access.ForBilling(tenant, billing, time.Now()), nil
}

// Refresh validates an access token, rotating the pair via the refresh
// token when the access token has expired.
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req auth.TokenPair
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "invalid request body")
		return
	}

	rec, rotated, err := h.tokens.Restore(c.Request.Context(), req.AccessToken, req.RefreshToken)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	if rotated == nil {
		// Access token was still live; hand the caller's pair back with
		// its remaining lifetime.
		req.ExpiresAt = rec.AccessExpiresAt
		c.JSON(http.StatusOK, req)
		return
	}
	c.JSON(http.StatusOK, rotated)
}

// Logout revokes the current session.
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	session := middleware.Session(c)
	if err := h.tokens.Revoke(c.Request.Context(), session.ID); err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

type passwordRequest struct {
	Password string `json:"password"`
}

// SetPassword replaces the caller's own password verifier. The target
// account always comes from the verified session, never from the body.
// POST /api/v1/auth/password
func (h *AuthHandler) SetPassword(c *gin.Context) {
	session := middleware.Session(c)

	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "invalid request body")
		return
	}
	if len(req.Password) < 8 {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "password must be at least 8 characters")
		return
	}

	verifier, err := auth.NewVerifier(req.Password)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if err := h.store.SetPasswordVerifier(c.Request.Context(), session.AccountID, verifier); err != nil {
		respondDomainError(c, err)
		return
	}

	h.logger.Info().Str("account_id", session.AccountID.String()).Msg("password updated")
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// VerifyPassword checks the caller's own password, used by terminals for
// re-auth prompts.
// POST /api/v1/auth/password/verify
func (h *AuthHandler) VerifyPassword(c *gin.Context) {
	session := middleware.Session(c)

	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "invalid request body")
		return
	}

	verifier, err := h.store.GetPasswordVerifier(c.Request.Context(), session.AccountID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": auth.VerifyOrDummy(req.Password, verifier)})
}
