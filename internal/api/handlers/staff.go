package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/api/middleware"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/db"
	"github.com/tillgate/tillgate/internal/identity"
	"github.com/tillgate/tillgate/internal/models"
)

// StaffStore is the persistence surface for staff management.
type StaffStore interface {
	CreateAccount(ctx context.Context, account *models.Account, verifier models.PasswordVerifier) error
	GetAccountByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	SetAccountActive(ctx context.Context, accountID uuid.UUID, active bool) error
	ListAccountsByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.Account, error)
}

// StaffHandler lets tenant admins manage their staff accounts.
type StaffHandler struct {
	store  StaffStore
	logger zerolog.Logger
}

// NewStaffHandler creates a StaffHandler.
func NewStaffHandler(store StaffStore, logger zerolog.Logger) *StaffHandler {
	return &StaffHandler{
		store:  store,
		logger: logger.With().Str("component", "staff_handler").Logger(),
	}
}

type createStaffRequest struct {
	Username    string      `json:"username"`
	DisplayName string      `json:"display_name"`
	Password    string      `json:"password"`
	Role        models.Role `json:"role"`
}

// Create adds a staff account scoped to the caller's tenant.
// POST /api/v1/staff
func (h *StaffHandler) Create(c *gin.Context) {
	session := middleware.Session(c)
	tenantID, ok := resolveTenant(c, session)
	if !ok {
		return
	}

	var req createStaffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "invalid request body")
		return
	}
	if req.Username == "" || len(req.Password) < 8 {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "username and a password of at least 8 characters required")
		return
	}
	if req.Role == "" {
		req.Role = models.RoleCashier
	}
	// Staff accounts are tenant-scoped; platform roles are never minted
	// through this endpoint.
	if req.Role != models.RoleCashier && req.Role != models.RoleTenantAdmin {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "role must be cashier or tenant_admin")
		return
	}

	verifier, err := auth.NewVerifier(req.Password)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	account := &models.Account{
		ID:          uuid.New(),
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Role:        req.Role,
		Permissions: auth.DefaultPermissions(req.Role),
		TenantID:    &tenantID,
		Active:      true,
	}
	if err := h.store.CreateAccount(c.Request.Context(), account, verifier); err != nil {
		respondDomainError(c, err)
		return
	}

	h.logger.Info().
		Str("account_id", account.ID.String()).
		Str("tenant_id", tenantID.String()).
		Str("role", string(account.Role)).
		Msg("staff account created")
	c.JSON(http.StatusCreated, account)
}

// Deactivate disables a staff account. Rows are kept; disabled staff
// simply cannot log in anymore.
// POST /api/v1/staff/:account_id/deactivate
func (h *StaffHandler) Deactivate(c *gin.Context) {
	session := middleware.Session(c)
	tenantID, ok := resolveTenant(c, session)
	if !ok {
		return
	}

	accountID, err := uuid.Parse(c.Param("account_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "invalid account id")
		return
	}

	account, err := h.store.GetAccountByID(c.Request.Context(), accountID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if !account.BelongsTo(tenantID) {
		respondDomainError(c, db.ErrNotFound)
		return
	}
	if account.ID == session.AccountID {
		respondError(c, http.StatusBadRequest, identity.CodeValidationFailed, "cannot deactivate your own account")
		return
	}

	if err := h.store.SetAccountActive(c.Request.Context(), accountID, false); err != nil {
		respondDomainError(c, err)
		return
	}

	h.logger.Info().Str("account_id", accountID.String()).Msg("staff account deactivated")
	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}

// List returns the tenant's staff accounts.
// GET /api/v1/staff
func (h *StaffHandler) List(c *gin.Context) {
	session := middleware.Session(c)
	tenantID, ok := resolveTenant(c, session)
	if !ok {
		return
	}

	accounts, err := h.store.ListAccountsByTenant(c.Request.Context(), tenantID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"staff": accounts})
}
