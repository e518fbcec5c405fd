package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/access"
	"github.com/tillgate/tillgate/internal/api/middleware"
	"github.com/tillgate/tillgate/internal/identity"
	"github.com/tillgate/tillgate/internal/models"
)

// BillingStore is the persistence surface for tenant and billing
// management.
type BillingStore interface {
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	SetTenantStatus(ctx context.Context, id uuid.UUID, status models.TenantStatus) error
	GetBilling(ctx context.Context, tenantID uuid.UUID) (*models.BillingRecord, error)
	UpsertBilling(ctx context.Context, b *models.BillingRecord) error
	RecordPayment(ctx context.Context, tenantID uuid.UUID, paidThrough time.Time) error
	SetLockedOverride(ctx context.Context, tenantID uuid.UUID, locked bool) error
	MarkDemoPromoted(ctx context.Context, tenantID uuid.UUID) error
}

// BillingHandler exposes tenant lifecycle and billing management.
type BillingHandler struct {
	store  BillingStore
	logger zerolog.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(store BillingStore, logger zerolog.Logger) *BillingHandler {
	return &BillingHandler{
		store:  store,
		logger: logger.With().Str("component", "billing_handler").Logger(),
	}
}

// GetTenant returns the tenant, its billing record and the derived access
// state.
// GET /api/v1/tenant
func (h *BillingHandler) GetTenant(c *gin.Context) {
	session := middleware.Session(c)
	tenantID, ok := resolveTenant(c, session)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	tenant, err := h.store.GetTenant(ctx, tenantID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	billing, err := h.store.GetBilling(ctx, tenantID)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant":       tenant,
		"billing":      billing,
		"access_state": access.ForBilling(tenant, billing, time.Now()),
	})
}

type createTenantRequest struct {
	Name        string    `json:"name"`
	PlanType    string    `json:"plan_type"`
	PaidThrough time.Time `json:"paid_through"`
	GraceDays   int       `json:"grace_days"`
	MaxDevices  int       `json:"max_devices"`
}

// CreateTenant provisions a paying tenant with its billing record.
// POST /api/v1/tenants
func (h *BillingHandler) CreateTenant(c *gin.Context) {
	var req createTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "invalid request body")
		return
	}
	if req.Name == "" || req.PaidThrough.IsZero() {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "name and paid_through required")
		return
	}
	if req.GraceDays < 0 || req.MaxDevices < 1 {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "grace_days must be >= 0 and max_devices >= 1")
		return
	}
	if req.PlanType == "" {
		req.PlanType = "standard"
	}

	ctx := c.Request.Context()
	tenant := &models.Tenant{
		ID:       uuid.New(),
		Name:     req.Name,
		PlanType: req.PlanType,
		Status:   models.TenantStatusActive,
	}
	if err := h.store.CreateTenant(ctx, tenant); err != nil {
		respondDomainError(c, err)
		return
	}
	if err := h.store.UpsertBilling(ctx, &models.BillingRecord{
		TenantID:    tenant.ID,
		PaidThrough: req.PaidThrough,
		GraceDays:   req.GraceDays,
		MaxDevices:  req.MaxDevices,
	}); err != nil {
		respondDomainError(c, err)
		return
	}

	h.logger.Info().Str("tenant_id", tenant.ID.String()).Msg("tenant created")
	c.JSON(http.StatusCreated, tenant)
}

type paymentRequest struct {
	PaidThrough time.Time `json:"paid_through"`
}

// RecordPayment moves a tenant's paid-through date.
// POST /api/v1/tenants/:tenant_id/payment
func (h *BillingHandler) RecordPayment(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Param("tenant_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "invalid tenant id")
		return
	}

	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PaidThrough.IsZero() {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "paid_through required")
		return
	}

	if err := h.store.RecordPayment(c.Request.Context(), tenantID, req.PaidThrough); err != nil {
		respondDomainError(c, err)
		return
	}

	h.logger.Info().
		Str("tenant_id", tenantID.String()).
		Time("paid_through", req.PaidThrough).
		Msg("payment recorded")
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

type lockRequest struct {
	Locked bool `json:"locked"`
}

// SetLock flips the manual lock override, the platform's kill switch for
// a tenant regardless of billing standing.
// POST /api/v1/tenants/:tenant_id/lock
func (h *BillingHandler) SetLock(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Param("tenant_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "invalid tenant id")
		return
	}

	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "invalid request body")
		return
	}

	if err := h.store.SetLockedOverride(c.Request.Context(), tenantID, req.Locked); err != nil {
		respondDomainError(c, err)
		return
	}

	h.logger.Warn().
		Str("tenant_id", tenantID.String()).
		Bool("locked", req.Locked).
		Msg("lock override changed")
	c.JSON(http.StatusOK, gin.H{"locked": req.Locked})
}

type statusRequest struct {
	Status models.TenantStatus `json:"status"`
}

// SetStatus suspends or reactivates a tenant.
// POST /api/v1/tenants/:tenant_id/status
func (h *BillingHandler) SetStatus(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Param("tenant_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "invalid tenant id")
		return
	}

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Status.Valid() {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "status must be active or suspended")
		return
	}

	if err := h.store.SetTenantStatus(c.Request.Context(), tenantID, req.Status); err != nil {
		respondDomainError(c, err)
		return
	}

	h.logger.Info().
		Str("tenant_id", tenantID.String()).
		Str("status", string(req.Status)).
		Msg("tenant status changed")
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// Promote converts a demo tenant into a real one. The purge sweep will
// leave it alone from then on; billing is set through the normal payment
// endpoints.
// POST /api/v1/tenants/:tenant_id/promote
func (h *BillingHandler) Promote(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Param("tenant_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "invalid tenant id")
		return
	}

	if err := h.store.MarkDemoPromoted(c.Request.Context(), tenantID); err != nil {
		respondDomainError(c, err)
		return
	}

	h.logger.Info().Str("tenant_id", tenantID.String()).Msg("demo tenant promoted")
	c.JSON(http.StatusOK, gin.H{"promoted": true})
}
