package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/api/middleware"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/identity"
	"github.com/tillgate/tillgate/internal/licensing"
	"github.com/tillgate/tillgate/internal/models"
)

// DeviceHandler manages a tenant's registered devices.
type DeviceHandler struct {
	licensing *licensing.Manager
	logger    zerolog.Logger
}

// NewDeviceHandler creates a DeviceHandler.
func NewDeviceHandler(lic *licensing.Manager, logger zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{
		licensing: lic,
		logger:    logger.With().Str("component", "device_handler").Logger(),
	}
}

// resolveTenant picks the tenant scope: the session's own tenant, or the
// tenant_id query parameter for unscoped platform sessions.
func resolveTenant(c *gin.Context, session *auth.SessionRecord) (uuid.UUID, bool) {
	if session.TenantID != nil {
		return *session.TenantID, true
	}
	if session.Role == models.RolePlatformOperator {
		id, err := uuid.Parse(c.Query("tenant_id"))
		if err == nil {
			return id, true
		}
	}
	respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "tenant scope required")
	return uuid.Nil, false
}

// List returns the tenant's device records with usage.
// GET /api/v1/devices
func (h *DeviceHandler) List(c *gin.Context) {
	session := middleware.Session(c)
	tenantID, ok := resolveTenant(c, session)
	if !ok {
		return
	}

	devices, err := h.licensing.List(c.Request.Context(), tenantID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	active, max, err := h.licensing.Usage(c.Request.Context(), tenantID)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices":     devices,
		"active":      active,
		"max_devices": max,
	})
}

// Deactivate frees a device slot. Slot reclamation is always a human
// decision made here; nothing deactivates devices automatically.
// POST /api/v1/devices/:device_id/deactivate
func (h *DeviceHandler) Deactivate(c *gin.Context) {
	session := middleware.Session(c)
	tenantID, ok := resolveTenant(c, session)
	if !ok {
		return
	}

	deviceID := c.Param("device_id")
	if deviceID == "" {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "device_id required")
		return
	}

	if err := h.licensing.Deactivate(c.Request.Context(), tenantID, deviceID); err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}
