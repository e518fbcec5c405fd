package impersonation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/db"
	"github.com/tillgate/tillgate/internal/models"
)

type exchangeToken struct {
	auditID   uuid.UUID
	expiresAt time.Time
	consumed  bool
}

// fakeStore keeps audits, exchange tokens and sessions in memory with the
// same one-time-consume semantics as the real store.
type fakeStore struct {
	tenants  map[uuid.UUID]*models.Tenant
	audits   map[uuid.UUID]*models.ImpersonationAudit
	tokens   map[string]*exchangeToken
	sessions map[uuid.UUID]*auth.SessionRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenants:  make(map[uuid.UUID]*models.Tenant),
		audits:   make(map[uuid.UUID]*models.ImpersonationAudit),
		tokens:   make(map[string]*exchangeToken),
		sessions: make(map[uuid.UUID]*auth.SessionRecord),
	}
}

func (s *fakeStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	tenant, ok := s.tenants[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return tenant, nil
}

func (s *fakeStore) CreateImpersonation(ctx context.Context, audit *models.ImpersonationAudit, tokenHash string, tokenExpires time.Time) error {
	s.audits[audit.ID] = audit
	s.tokens[tokenHash] = &exchangeToken{auditID: audit.ID, expiresAt: tokenExpires}
	return nil
}

func (s *fakeStore) ConsumeExchangeToken(ctx context.Context, tokenHash string) (*models.ImpersonationAudit, error) {
	tok, ok := s.tokens[tokenHash]
	if !ok || tok.consumed || time.Now().After(tok.expiresAt) {
		return nil, db.ErrExchangeTokenInvalid
	}
	tok.consumed = true
	return s.audits[tok.auditID], nil
}

func (s *fakeStore) GetImpersonationAudit(ctx context.Context, id uuid.UUID) (*models.ImpersonationAudit, error) {
	audit, ok := s.audits[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return audit, nil
}

func (s *fakeStore) EndImpersonation(ctx context.Context, id uuid.UUID) error {
	audit, ok := s.audits[id]
	if !ok {
		return db.ErrNotFound
	}
	if audit.EndedAt == nil {
		now := time.Now()
		audit.EndedAt = &now
	}
	return nil
}

func (s *fakeStore) ListOpenImpersonations(ctx context.Context, startedBefore time.Time) ([]*models.ImpersonationAudit, error) {
	var out []*models.ImpersonationAudit
	for _, audit := range s.audits {
		if audit.EndedAt == nil && audit.StartedAt.Before(startedBefore) {
			out = append(out, audit)
		}
	}
	return out, nil
}

func (s *fakeStore) ListImpersonationsByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.ImpersonationAudit, error) {
	var out []*models.ImpersonationAudit
	for _, audit := range s.audits {
		if audit.TargetTenantID == tenantID {
			out = append(out, audit)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) RevokeSessionsByAudit(ctx context.Context, auditID uuid.UUID) (int64, error) {
	var n int64
	now := time.Now()
	for _, rec := range s.sessions {
		if rec.ImpersonationAuditID != nil && *rec.ImpersonationAuditID == auditID && rec.RevokedAt == nil {
			rec.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

// session store side, shared with the token service.

func (s *fakeStore) CreateSession(ctx context.Context, rec *auth.SessionRecord) error {
	s.sessions[rec.ID] = rec
	return nil
}

func (s *fakeStore) GetSessionByAccessHash(ctx context.Context, hash string) (*auth.SessionRecord, error) {
	for _, rec := range s.sessions {
		if rec.AccessTokenHash == hash {
			return rec, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) GetSessionByRefreshHash(ctx context.Context, hash string) (*auth.SessionRecord, error) {
	for _, rec := range s.sessions {
		if rec.RefreshTokenHash == hash {
			return rec, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) RotateSessionTokens(ctx context.Context, id uuid.UUID, accessHash, refreshHash string, accessExpires, refreshExpires time.Time) error {
	rec, ok := s.sessions[id]
	if !ok {
		return db.ErrNotFound
	}
	rec.AccessTokenHash = accessHash
	rec.RefreshTokenHash = refreshHash
	rec.AccessExpiresAt = accessExpires
	rec.RefreshExpiresAt = refreshExpires
	return nil
}

func (s *fakeStore) RevokeSession(ctx context.Context, id uuid.UUID) error {
	rec, ok := s.sessions[id]
	if !ok {
		return db.ErrNotFound
	}
	now := time.Now()
	rec.RevokedAt = &now
	return nil
}

func newTestBroker() (*Broker, *fakeStore) {
	store := newFakeStore()
	tokens := auth.NewTokenService(store, auth.DefaultTokenConfig(), zerolog.Nop())
	return NewBroker(store, tokens, zerolog.Nop()), store
}

func operator() *models.Account {
	return &models.Account{
		ID:       uuid.New(),
		Username: "support-1",
		Role:     models.RolePlatformOperator,
		Active:   true,
	}
}

func TestStartAndExchange(t *testing.T) {
	broker, store := newTestBroker()
	ctx := context.Background()

	tenantID := uuid.New()
	store.tenants[tenantID] = &models.Tenant{ID: tenantID, Name: "Corner Cafe"}
	op := operator()

	token, audit, err := broker.Start(ctx, op, tenantID, models.RoleTenantAdmin, "billing dispute #4411")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if audit.EndedAt != nil {
		t.Fatal("audit must start open")
	}

	pair, rec, err := broker.Exchange(ctx, token)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if rec.AccountID != op.ID {
		t.Errorf("impersonated session must belong to the operator account")
	}
	if rec.Role != models.RoleTenantAdmin {
		t.Errorf("role = %s, want %s", rec.Role, models.RoleTenantAdmin)
	}
	if rec.TenantID == nil || *rec.TenantID != tenantID {
		t.Errorf("tenant scope = %v, want %s", rec.TenantID, tenantID)
	}
	if rec.ImpersonationAuditID == nil || *rec.ImpersonationAuditID != audit.ID {
		t.Errorf("session must carry the audit ID")
	}
	if pair.AccessToken == "" {
		t.Error("exchange must return usable tokens")
	}

	// A second use of the same token must fail.
	if _, _, err := broker.Exchange(ctx, token); !errors.Is(err, ErrExchangeTokenInvalid) {
		t.Fatalf("replayed exchange token: expected ErrExchangeTokenInvalid, got %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	broker, store := newTestBroker()
	ctx := context.Background()

	tenantID := uuid.New()
	store.tenants[tenantID] = &models.Tenant{ID: tenantID}
	op := operator()

	if _, _, err := broker.Start(ctx, op, tenantID, models.RoleTenantAdmin, ""); !errors.Is(err, ErrReasonRequired) {
		t.Errorf("empty reason: expected ErrReasonRequired, got %v", err)
	}
	if _, _, err := broker.Start(ctx, op, tenantID, models.RolePlatformOperator, "because"); err == nil {
		t.Error("impersonating the operator role must fail")
	}

	cashier := &models.Account{ID: uuid.New(), Role: models.RoleCashier}
	if _, _, err := broker.Start(ctx, cashier, tenantID, models.RoleTenantAdmin, "because"); err == nil {
		t.Error("non-operator accounts must not start impersonations")
	}

	deleted := uuid.New()
	now := time.Now()
	store.tenants[deleted] = &models.Tenant{ID: deleted, DeletedAt: &now}
	if _, _, err := broker.Start(ctx, op, deleted, models.RoleTenantAdmin, "because"); err == nil {
		t.Error("deleted tenants must not be impersonated")
	}

	if len(store.tokens) != 0 {
		t.Errorf("failed starts must not mint exchange tokens, found %d", len(store.tokens))
	}
}

func TestEndStampsAuditAndRevokesSession(t *testing.T) {
	broker, store := newTestBroker()
	ctx := context.Background()

	tenantID := uuid.New()
	store.tenants[tenantID] = &models.Tenant{ID: tenantID}

	token, audit, err := broker.Start(ctx, operator(), tenantID, models.RoleCashier, "till stuck")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, rec, err := broker.Exchange(ctx, token)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	if err := broker.End(ctx, rec); err != nil {
		t.Fatalf("end: %v", err)
	}
	if store.audits[audit.ID].EndedAt == nil {
		t.Error("end must stamp the audit")
	}
	if store.sessions[rec.ID].RevokedAt == nil {
		t.Error("end must revoke the impersonated session")
	}

	// Ending again is idempotent on the audit side.
	if err := broker.End(ctx, rec); err != nil {
		t.Errorf("repeated end: %v", err)
	}
}

func TestForceCloseStale(t *testing.T) {
	broker, store := newTestBroker()
	ctx := context.Background()

	tenantID := uuid.New()
	store.tenants[tenantID] = &models.Tenant{ID: tenantID}

	token, audit, err := broker.Start(ctx, operator(), tenantID, models.RoleTenantAdmin, "left open overnight")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, rec, err := broker.Exchange(ctx, token)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	// Backdate the audit past the age bound.
	store.audits[audit.ID].StartedAt = time.Now().Add(-maxOpenAge - time.Hour)

	if err := broker.ForceCloseStale(ctx); err != nil {
		t.Fatalf("force close: %v", err)
	}
	if store.audits[audit.ID].EndedAt == nil {
		t.Error("stale audit must be stamped closed")
	}
	if store.sessions[rec.ID].RevokedAt == nil {
		t.Error("stale impersonated session must be revoked")
	}
}
