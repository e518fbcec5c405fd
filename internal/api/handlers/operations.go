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
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/identity"
	"github.com/tillgate/tillgate/internal/metrics"
	"github.com/tillgate/tillgate/internal/models"
)

// OperationStore is the persistence surface for operation ingest.
type OperationStore interface {
	InsertOperation(ctx context.Context, op *models.Operation) (bool, error)
	ListOperations(ctx context.Context, tenantID uuid.UUID, kind models.OperationKind, limit int) ([]*models.Operation, error)
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	GetBilling(ctx context.Context, tenantID uuid.UUID) (*models.BillingRecord, error)
}

// OperationHandler ingests and lists state-changing operations.
type OperationHandler struct {
	store  OperationStore
	logger zerolog.Logger
}

// NewOperationHandler creates an OperationHandler.
func NewOperationHandler(store OperationStore, logger zerolog.Logger) *OperationHandler {
	return &OperationHandler{
		store:  store,
		logger: logger.With().Str("component", "operation_handler").Logger(),
	}
}

// kindPermission maps an operation kind to the permission it requires.
func kindPermission(kind models.OperationKind) auth.Permission {
	switch kind {
	case models.OperationKindSale:
		return auth.PermSaleCreate
	case models.OperationKindFeedback:
		return auth.PermFeedbackCreate
	case models.OperationKindBooking:
		return auth.PermBookingCreate
	default:
		return ""
	}
}

// Submit durably accepts one operation. Operation IDs are client
// generated; a replay of an accepted ID acknowledges as a duplicate
// instead of failing, which gives devices at-least-once delivery without
// double counting.
// POST /api/v1/operations
func (h *OperationHandler) Submit(c *gin.Context) {
	session := middleware.Session(c)

	var op models.Operation
	if err := c.ShouldBindJSON(&op); err != nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "invalid request body")
		return
	}
	if op.ID == uuid.Nil || !op.Kind.Valid() || len(op.Payload) == 0 {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "id, kind and payload required")
		return
	}
	if err := auth.RequireRolePermission(session.Role, kindPermission(op.Kind)); err != nil {
		respondDomainError(c, err)
		return
	}
	if session.TenantID == nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "tenant scope required")
		return
	}

	ctx := c.Request.Context()
	tenantID := *session.TenantID

	// Operations only land while the tenant may operate.
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
	if !access.ForBilling(tenant, billing, time.Now()).Operable() {
		respondError(c, http.StatusForbidden, identity.CodeTenantLocked, "tenant is locked")
		return
	}

	// Ownership comes from the session, never from the body.
	op.TenantID = tenantID
	op.AccountID = session.AccountID
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}

	inserted, err := h.store.InsertOperation(ctx, &op)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	if inserted {
		metrics.OperationsAccepted.WithLabelValues(string(op.Kind)).Inc()
	} else {
		metrics.OperationDuplicates.Inc()
	}

	c.JSON(http.StatusOK, identity.OperationAck{
		ID:        op.ID,
		Duplicate: !inserted,
	})
}

// List returns the tenant's accepted operations, newest first.
// GET /api/v1/operations
func (h *OperationHandler) List(c *gin.Context) {
	session := middleware.Session(c)
	tenantID, ok := resolveTenant(c, session)
	if !ok {
		return
	}

	kind := models.OperationKind(c.Query("kind"))
	if kind != "" && !kind.Valid() {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "unknown operation kind")
		return
	}

	ops, err := h.store.ListOperations(c.Request.Context(), tenantID, kind, 200)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}
