// Package impersonation lets platform operators assume a tenant-scoped
// session for support work, with a mandatory audit trail.
package impersonation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/db"
	"github.com/tillgate/tillgate/internal/models"
)

var (
	// ErrReasonRequired is returned when Start is called without a reason.
	ErrReasonRequired = errors.New("impersonation reason required")
	// ErrExchangeTokenInvalid is returned when an exchange token is
	// unknown, expired or already consumed.
	ErrExchangeTokenInvalid = errors.New("exchange token invalid")
)

// exchangeTokenTTL bounds the gap between Start and the token exchange.
const exchangeTokenTTL = 2 * time.Minute

// maxOpenAge is how long an audit may stay open before the sweep
// force-closes it.
const maxOpenAge = 8 * time.Hour

// Store is the persistence surface the broker needs.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	CreateImpersonation(ctx context.Context, audit *models.ImpersonationAudit, tokenHash string, tokenExpires time.Time) error
	ConsumeExchangeToken(ctx context.Context, tokenHash string) (*models.ImpersonationAudit, error)
	GetImpersonationAudit(ctx context.Context, id uuid.UUID) (*models.ImpersonationAudit, error)
	EndImpersonation(ctx context.Context, id uuid.UUID) error
	ListOpenImpersonations(ctx context.Context, startedBefore time.Time) ([]*models.ImpersonationAudit, error)
	ListImpersonationsByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.ImpersonationAudit, error)
	RevokeSessionsByAudit(ctx context.Context, auditID uuid.UUID) (int64, error)
}

// Broker starts, exchanges and ends impersonations.
type Broker struct {
	store  Store
	tokens *auth.TokenService
	logger zerolog.Logger
}

// NewBroker creates a Broker.
func NewBroker(store Store, tokens *auth.TokenService, logger zerolog.Logger) *Broker {
	return &Broker{
		store:  store,
		tokens: tokens,
		logger: logger.With().Str("component", "impersonation").Logger(),
	}
}

// Start records the audit and mints a one-time exchange token. The audit
// row and the token are written in one transaction, so the token can never
// be used without a trail. The caller must already hold platform privilege.
func (b *Broker) Start(ctx context.Context, operator *models.Account, targetTenantID uuid.UUID, targetRole models.Role, reason string) (string, *models.ImpersonationAudit, error) {
	if reason == "" {
		return "", nil, ErrReasonRequired
	}
	if err := auth.RequireRolePermission(operator.Role, auth.PermImpersonate); err != nil {
		return "", nil, err
	}
	if !targetRole.Valid() || targetRole == models.RolePlatformOperator {
		return "", nil, fmt.Errorf("start impersonation: invalid target role %q", targetRole)
	}

	tenant, err := b.store.GetTenant(ctx, targetTenantID)
	if err != nil {
		return "", nil, fmt.Errorf("load target tenant: %w", err)
	}
	if tenant.DeletedAt != nil {
		return "", nil, fmt.Errorf("start impersonation: tenant is deleted")
	}

	token, err := auth.GenerateToken(auth.ExchangeTokenPrefix)
	if err != nil {
		return "", nil, err
	}

	audit := &models.ImpersonationAudit{
		ID:             uuid.New(),
		OperatorID:     operator.ID,
		TargetTenantID: targetTenantID,
		TargetRole:     targetRole,
		Reason:         reason,
		StartedAt:      time.Now(),
	}
	if err := b.store.CreateImpersonation(ctx, audit, auth.HashToken(token), time.Now().Add(exchangeTokenTTL)); err != nil {
		return "", nil, fmt.Errorf("create impersonation: %w", err)
	}

	b.logger.Info().
		Str("audit_id", audit.ID.String()).
		Str("operator_id", operator.ID.String()).
		Str("tenant_id", targetTenantID.String()).
		Str("target_role", string(targetRole)).
		Msg("impersonation started")
	return token, audit, nil
}

// Exchange consumes a one-time exchange token and issues the impersonated
// session. The session belongs to the operator's account but is scoped to
// the target tenant and role, and carries the audit ID.
func (b *Broker) Exchange(ctx context.Context, token string) (*auth.TokenPair, *auth.SessionRecord, error) {
	audit, err := b.store.ConsumeExchangeToken(ctx, auth.HashToken(token))
	if err != nil {
		if errors.Is(err, db.ErrExchangeTokenInvalid) {
			return nil, nil, ErrExchangeTokenInvalid
		}
		return nil, nil, fmt.Errorf("consume exchange token: %w", err)
	}

	tenantID := audit.TargetTenantID
	pair, rec, err := b.tokens.Issue(ctx, audit.OperatorID, audit.TargetRole, &tenantID, &audit.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("issue impersonated session: %w", err)
	}
	return pair, rec, nil
}

// End closes an impersonated session: the session is revoked first, then
// the audit is stamped. Idempotent on the audit side.
func (b *Broker) End(ctx context.Context, session *auth.SessionRecord) error {
	if session.ImpersonationAuditID == nil {
		return fmt.Errorf("end impersonation: session is not impersonated")
	}

	if err := b.tokens.Revoke(ctx, session.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("revoke impersonated session: %w", err)
	}
	if err := b.store.EndImpersonation(ctx, *session.ImpersonationAuditID); err != nil {
		return err
	}

	b.logger.Info().
		Str("audit_id", session.ImpersonationAuditID.String()).
		Msg("impersonation ended")
	return nil
}

// ForceCloseStale revokes sessions and stamps ended_at for audits left
// open past the age bound. Run from the sweep cron.
func (b *Broker) ForceCloseStale(ctx context.Context) error {
	audits, err := b.store.ListOpenImpersonations(ctx, time.Now().Add(-maxOpenAge))
	if err != nil {
		return fmt.Errorf("list open impersonations: %w", err)
	}

	for _, audit := range audits {
		revoked, err := b.store.RevokeSessionsByAudit(ctx, audit.ID)
		if err != nil {
			b.logger.Error().Err(err).Str("audit_id", audit.ID.String()).Msg("force close: revoke sessions failed")
			continue
		}
		if err := b.store.EndImpersonation(ctx, audit.ID); err != nil {
			b.logger.Error().Err(err).Str("audit_id", audit.ID.String()).Msg("force close: end audit failed")
			continue
		}
		b.logger.Warn().
			Str("audit_id", audit.ID.String()).
			Int64("sessions_revoked", revoked).
			Msg("stale impersonation force closed")
	}
	return nil
}

// History returns a tenant's impersonation audit trail, newest first.
func (b *Broker) History(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.ImpersonationAudit, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return b.store.ListImpersonationsByTenant(ctx, tenantID, limit)
}
