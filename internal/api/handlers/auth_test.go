package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/db"
	"github.com/tillgate/tillgate/internal/identity"
	"github.com/tillgate/tillgate/internal/models"
)

// fakeAuthStore backs the auth handler with in-memory accounts and
// billing facts.
type fakeAuthStore struct {
	accounts  map[string]*models.Account
	verifiers map[uuid.UUID]models.PasswordVerifier
	tenants   map[uuid.UUID]*models.Tenant
	billing   map[uuid.UUID]*models.BillingRecord
}

func newFakeAuthStore() *fakeAuthStore {
	return &fakeAuthStore{
		accounts:  make(map[string]*models.Account),
		verifiers: make(map[uuid.UUID]models.PasswordVerifier),
		tenants:   make(map[uuid.UUID]*models.Tenant),
		billing:   make(map[uuid.UUID]*models.BillingRecord),
	}
}

func (s *fakeAuthStore) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	account, ok := s.accounts[username]
	if !ok {
		return nil, db.ErrNotFound
	}
	return account, nil
}

func (s *fakeAuthStore) GetAccountByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	for _, account := range s.accounts {
		if account.ID == id {
			return account, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeAuthStore) GetPasswordVerifier(ctx context.Context, accountID uuid.UUID) (*models.PasswordVerifier, error) {
	v, ok := s.verifiers[accountID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &v, nil
}

func (s *fakeAuthStore) SetPasswordVerifier(ctx context.Context, accountID uuid.UUID, v models.PasswordVerifier) error {
	s.verifiers[accountID] = v
	return nil
}

func (s *fakeAuthStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	tenant, ok := s.tenants[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return tenant, nil
}

func (s *fakeAuthStore) GetBilling(ctx context.Context, tenantID uuid.UUID) (*models.BillingRecord, error) {
	billing, ok := s.billing[tenantID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return billing, nil
}

// fakeSessionStore is the minimal session store the token service needs.
type fakeSessionStore struct {
	sessions map[uuid.UUID]*auth.SessionRecord
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[uuid.UUID]*auth.SessionRecord)}
}

func (s *fakeSessionStore) CreateSession(ctx context.Context, rec *auth.SessionRecord) error {
	s.sessions[rec.ID] = rec
	return nil
}

func (s *fakeSessionStore) GetSessionByAccessHash(ctx context.Context, hash string) (*auth.SessionRecord, error) {
	for _, rec := range s.sessions {
		if rec.AccessTokenHash == hash {
			return rec, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeSessionStore) GetSessionByRefreshHash(ctx context.Context, hash string) (*auth.SessionRecord, error) {
	for _, rec := range s.sessions {
		if rec.RefreshTokenHash == hash {
			return rec, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeSessionStore) RotateSessionTokens(ctx context.Context, id uuid.UUID, accessHash, refreshHash string, accessExpires, refreshExpires time.Time) error {
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

func (s *fakeSessionStore) RevokeSession(ctx context.Context, id uuid.UUID) error {
	rec, ok := s.sessions[id]
	if !ok {
		return db.ErrNotFound
	}
	now := time.Now()
	rec.RevokedAt = &now
	return nil
}

func newLoginRouter(store *fakeAuthStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	tokens := auth.NewTokenService(newFakeSessionStore(), auth.DefaultTokenConfig(), zerolog.Nop())
	handler := NewAuthHandler(store, tokens, nil, zerolog.Nop())

	router := gin.New()
	router.POST("/api/v1/auth/login", handler.Login)
	return router
}

func seedTenantAdmin(t *testing.T, store *fakeAuthStore, paidThrough time.Time, graceDays int) uuid.UUID {
	t.Helper()
	tenantID := uuid.New()
	accountID := uuid.New()

	verifier, err := auth.NewVerifier("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	store.tenants[tenantID] = &models.Tenant{
		ID:     tenantID,
		Name:   "Corner Cafe",
		Status: models.TenantStatusActive,
	}
	store.billing[tenantID] = &models.BillingRecord{
		TenantID:    tenantID,
		PaidThrough: paidThrough,
		GraceDays:   graceDays,
		MaxDevices:  2,
	}
	store.accounts["alice"] = &models.Account{
		ID:       accountID,
		Username: "alice",
		Role:     models.RoleTenantAdmin,
		TenantID: &tenantID,
		Active:   true,
	}
	store.verifiers[accountID] = verifier
	return tenantID
}

func postLogin(t *testing.T, router *gin.Engine, tenantID uuid.UUID, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(identity.LoginRequest{
		Username: "alice",
		Password: password,
		TenantID: tenantID,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestLoginLockedTenantDenied(t *testing.T) {
	store := newFakeAuthStore()
	// Paid through last month, no grace: the evaluated state is locked.
	tenantID := seedTenantAdmin(t, store, time.Now().AddDate(0, -1, 0), 0)
	router := newLoginRouter(store)

	w := postLogin(t, router, tenantID, "correct horse")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != identity.CodeTenantLocked {
		t.Errorf("error code = %q, want %q", envelope.Error.Code, identity.CodeTenantLocked)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("tga_")) {
		t.Error("locked tenant response must not carry tokens")
	}
}

func TestLoginGracePeriodStillAdmits(t *testing.T) {
	store := newFakeAuthStore()
	// Payment lapsed a day ago but the grace window is open.
	tenantID := seedTenantAdmin(t, store, time.Now().AddDate(0, 0, -1), 7)
	router := newLoginRouter(store)

	w := postLogin(t, router, tenantID, "correct horse")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp identity.LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AccessState != "grace" {
		t.Errorf("access_state = %q, want grace", resp.AccessState)
	}
	if resp.Tokens.AccessToken == "" {
		t.Error("grace logins still get a session")
	}
}

func TestLoginSuspendedTenantDenied(t *testing.T) {
	store := newFakeAuthStore()
	tenantID := seedTenantAdmin(t, store, time.Now().AddDate(0, 1, 0), 7)
	store.tenants[tenantID].Status = models.TenantStatusSuspended
	router := newLoginRouter(store)

	// Suspension wins even while paid up.
	if w := postLogin(t, router, tenantID, "correct horse"); w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}
