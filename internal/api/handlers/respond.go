// Package handlers implements the TillGate authority's HTTP endpoints.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/db"
	"github.com/tillgate/tillgate/internal/demo"
	"github.com/tillgate/tillgate/internal/identity"
	"github.com/tillgate/tillgate/internal/impersonation"
	"github.com/tillgate/tillgate/internal/licensing"
)

// respondError writes the standard error envelope.
func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{"code": code, "message": message},
	})
}

// respondDomainError maps known sentinels to their wire code and status;
// anything else is a 500 with no detail leaked.
func respondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		respondError(c, http.StatusUnauthorized, identity.CodeInvalidCredentials, "invalid credentials")
	case errors.Is(err, identity.ErrAccountDisabled):
		respondError(c, http.StatusForbidden, identity.CodeAccountDisabled, "account disabled")
	case errors.Is(err, licensing.ErrDeviceLimitExceeded):
		respondError(c, http.StatusConflict, identity.CodeDeviceLimitExceeded, "device limit exceeded")
	case errors.Is(err, licensing.ErrDeviceNotActivated):
		respondError(c, http.StatusForbidden, identity.CodeDeviceNotActivated, "device not activated")
	case errors.Is(err, identity.ErrTenantLocked):
		respondError(c, http.StatusForbidden, identity.CodeTenantLocked, "tenant is locked")
	case errors.Is(err, demo.ErrRateLimited):
		respondError(c, http.StatusTooManyRequests, identity.CodeRateLimited, "too many demo tenants from this origin")
	case errors.Is(err, impersonation.ErrReasonRequired):
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "impersonation reason required")
	case errors.Is(err, impersonation.ErrExchangeTokenInvalid):
		respondError(c, http.StatusUnauthorized, identity.CodeSessionInvalid, "exchange token invalid")
	case errors.Is(err, auth.ErrNotAuthorized):
		respondError(c, http.StatusForbidden, identity.CodeNotAuthorized, "not authorized")
	case errors.Is(err, auth.ErrSessionRestoreFailed):
		respondError(c, http.StatusUnauthorized, identity.CodeSessionInvalid, "session invalid or expired")
	case errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, identity.CodeNotFound, "not found")
	default:
		respondError(c, http.StatusInternalServerError, identity.CodeInternal, "internal error")
	}
}
