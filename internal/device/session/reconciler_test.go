package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/device/localstore"
	"github.com/tillgate/tillgate/internal/identity"
	"github.com/tillgate/tillgate/internal/models"
)

// fakeLocalStore is an in-memory stand-in for the SQLite store.
type fakeLocalStore struct {
	creds        map[uuid.UUID]*localstore.CachedCredential
	marker       *localstore.LicenseMarker
	tokenBackup  *auth.TokenPair
	lastUsername string
}

func newFakeLocalStore() *fakeLocalStore {
	return &fakeLocalStore{creds: make(map[uuid.UUID]*localstore.CachedCredential)}
}

func (s *fakeLocalStore) GetCredential(ctx context.Context, tenantID uuid.UUID, username string) (*localstore.CachedCredential, error) {
	for _, cred := range s.creds {
		if cred.TenantID == tenantID && cred.Username == username {
			return cred, nil
		}
	}
	return nil, localstore.ErrNotFound
}

func (s *fakeLocalStore) SeedCredential(ctx context.Context, cred *localstore.CachedCredential) error {
	s.creds[cred.AccountID] = cred
	return nil
}

func (s *fakeLocalStore) TouchCredential(ctx context.Context, accountID uuid.UUID, at time.Time) error {
	if cred, ok := s.creds[accountID]; ok {
		cred.LastVerifiedAt = at
	}
	return nil
}

func (s *fakeLocalStore) DeleteCredential(ctx context.Context, accountID uuid.UUID) error {
	delete(s.creds, accountID)
	return nil
}

func (s *fakeLocalStore) DeleteCredentialsExceptTenant(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var n int64
	for id, cred := range s.creds {
		if cred.TenantID != tenantID {
			delete(s.creds, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeLocalStore) GetLicenseMarker(ctx context.Context) (*localstore.LicenseMarker, error) {
	return s.marker, nil
}

func (s *fakeLocalStore) SetLicenseMarker(ctx context.Context, marker *localstore.LicenseMarker) error {
	s.marker = marker
	return nil
}

func (s *fakeLocalStore) ClearLicenseMarker(ctx context.Context) error {
	s.marker = nil
	return nil
}

func (s *fakeLocalStore) BackupTokenPair(ctx context.Context, pair *auth.TokenPair) error {
	s.tokenBackup = pair
	return nil
}

func (s *fakeLocalStore) RestoreTokenPair(ctx context.Context) (*auth.TokenPair, error) {
	return s.tokenBackup, nil
}

func (s *fakeLocalStore) ClearTokenBackup(ctx context.Context) error {
	s.tokenBackup = nil
	return nil
}

func (s *fakeLocalStore) SetLastUsername(ctx context.Context, username string) error {
	s.lastUsername = username
	return nil
}

// fakeProvider scripts the authority's responses.
type fakeProvider struct {
	loginResp     *identity.LoginResponse
	loginErr      error
	loginCalls    int
	exchangePair  *auth.TokenPair
	exchangeErr   error
	startToken    string
	startErr      error
	endCalls      int
	logoutCalls   int
}

func (p *fakeProvider) Login(ctx context.Context, req identity.LoginRequest) (*identity.LoginResponse, error) {
	p.loginCalls++
	if p.loginErr != nil {
		return nil, p.loginErr
	}
	return p.loginResp, nil
}

func (p *fakeProvider) Refresh(ctx context.Context, pair auth.TokenPair) (*auth.TokenPair, error) {
	return &pair, nil
}

func (p *fakeProvider) Logout(ctx context.Context, accessToken string) error {
	p.logoutCalls++
	return nil
}

func (p *fakeProvider) SubmitOperation(ctx context.Context, accessToken string, op *models.Operation) (*identity.OperationAck, error) {
	return &identity.OperationAck{ID: op.ID}, nil
}

func (p *fakeProvider) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (p *fakeProvider) StartImpersonation(ctx context.Context, accessToken string, tenantID uuid.UUID, role models.Role, reason string) (string, error) {
	if p.startErr != nil {
		return "", p.startErr
	}
	return p.startToken, nil
}

func (p *fakeProvider) ExchangeImpersonation(ctx context.Context, exchangeToken string) (*auth.TokenPair, error) {
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return p.exchangePair, nil
}

func (p *fakeProvider) EndImpersonation(ctx context.Context, accessToken string) error {
	p.endCalls++
	return nil
}

type fakeConn struct{ online bool }

func (c *fakeConn) Online() bool { return c.online }

func loginResponse(accountID, tenantID uuid.UUID, username, password string, role models.Role) *identity.LoginResponse {
	verifier, err := auth.NewVerifier(password)
	if err != nil {
		panic(err)
	}
	return &identity.LoginResponse{
		Tokens: auth.TokenPair{
			AccessToken:  "tga_test",
			RefreshToken: "tgr_test",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
		Account: identity.AccountInfo{
			ID:       accountID,
			Username: username,
			Role:     role,
			TenantID: &tenantID,
		},
		Verifier: identity.VerifierSeed{
			Salt:       verifier.Salt,
			Iterations: verifier.Iterations,
			Hash:       verifier.Hash,
		},
		AccessState: "active",
		ServerTime:  time.Now(),
	}
}

func newTestReconciler(store Store, provider identity.Provider, conn Connectivity, tenantID uuid.UUID) *Reconciler {
	return NewReconciler(store, provider, conn, Config{
		TenantID: tenantID,
		DeviceID: "dev-test",
		Platform: "linux",
		Label:    "till-1",
	}, zerolog.Nop())
}

func TestOnlineLoginSeedsOfflineLogin(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	accountID := uuid.New()

	store := newFakeLocalStore()
	conn := &fakeConn{online: true}
	provider := &fakeProvider{
		loginResp: loginResponse(accountID, tenantID, "alice", "correct horse", models.RoleCashier),
	}
	r := newTestReconciler(store, provider, conn, tenantID)

	sess, err := r.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("online login: %v", err)
	}
	if sess.State != StateLocalPlusCloud {
		t.Fatalf("state = %s, want %s", sess.State, StateLocalPlusCloud)
	}
	if store.marker == nil {
		t.Fatal("online login should mint the license marker")
	}

	// Now the server goes away. The cached credential and marker must
	// carry the login.
	conn.online = false

	sess, err = r.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("offline login: %v", err)
	}
	if sess.State != StateLocalOnly {
		t.Errorf("state = %s, want %s", sess.State, StateLocalOnly)
	}
	if sess.Tokens != nil {
		t.Error("offline session must not carry tokens")
	}
	if sess.AccountID != accountID {
		t.Errorf("accountID = %s, want %s", sess.AccountID, accountID)
	}
}

func TestOfflineWrongPassword(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	accountID := uuid.New()

	store := newFakeLocalStore()
	conn := &fakeConn{online: true}
	provider := &fakeProvider{
		loginResp: loginResponse(accountID, tenantID, "alice", "correct horse", models.RoleCashier),
	}
	r := newTestReconciler(store, provider, conn, tenantID)

	if _, err := r.Login(ctx, "alice", "correct horse"); err != nil {
		t.Fatalf("seed login: %v", err)
	}
	conn.online = false

	_, err := r.Login(ctx, "alice", "wrong")
	if !errors.Is(err, identity.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestOfflineUnknownUser(t *testing.T) {
	ctx := context.Background()
	store := newFakeLocalStore()
	r := newTestReconciler(store, &fakeProvider{}, &fakeConn{online: false}, uuid.New())

	_, err := r.Login(ctx, "nobody", "whatever")
	if !errors.Is(err, ErrOfflineLoginUnavailable) {
		t.Fatalf("expected ErrOfflineLoginUnavailable, got %v", err)
	}
}

func TestOfflineWithoutMarkerDenied(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	accountID := uuid.New()

	// Cache a credential by hand without a marker: the device never
	// completed an online login, so offline work is not licensed.
	verifier, err := auth.NewVerifier("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	store := newFakeLocalStore()
	store.creds[accountID] = &localstore.CachedCredential{
		AccountID: accountID,
		TenantID:  tenantID,
		Username:  "alice",
		Role:      models.RoleCashier,
		Verifier:  verifier,
	}

	r := newTestReconciler(store, &fakeProvider{}, &fakeConn{online: false}, tenantID)

	_, err = r.Login(ctx, "alice", "correct horse")
	if !errors.Is(err, ErrDeviceNotLicensed) {
		t.Fatalf("expected ErrDeviceNotLicensed, got %v", err)
	}
}

func TestPrivilegedRoleRequiresOnline(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	accountID := uuid.New()

	verifier, err := auth.NewVerifier("op-password")
	if err != nil {
		t.Fatal(err)
	}
	store := newFakeLocalStore()
	store.creds[accountID] = &localstore.CachedCredential{
		AccountID: accountID,
		TenantID:  tenantID,
		Username:  "operator",
		Role:      models.RolePlatformOperator,
		Verifier:  verifier,
	}
	store.marker = &localstore.LicenseMarker{TenantID: tenantID, DeviceID: "dev-test"}

	r := newTestReconciler(store, &fakeProvider{}, &fakeConn{online: false}, tenantID)

	_, err = r.Login(ctx, "operator", "op-password")
	if !errors.Is(err, ErrOnlineRequired) {
		t.Fatalf("expected ErrOnlineRequired, got %v", err)
	}
}

func TestCloudRejectionOverridesCache(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	accountID := uuid.New()

	store := newFakeLocalStore()
	conn := &fakeConn{online: true}
	provider := &fakeProvider{
		loginResp: loginResponse(accountID, tenantID, "alice", "correct horse", models.RoleCashier),
	}
	r := newTestReconciler(store, provider, conn, tenantID)

	if _, err := r.Login(ctx, "alice", "correct horse"); err != nil {
		t.Fatalf("seed login: %v", err)
	}

	// Account was disabled server-side. The local match still succeeds,
	// but the cloud's word wins and the cached entry is revoked.
	provider.loginErr = identity.ErrAccountDisabled

	_, err := r.Login(ctx, "alice", "correct horse")
	if !errors.Is(err, identity.ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
	if _, ok := store.creds[accountID]; ok {
		t.Error("definitive rejection must revoke the cached credential")
	}

	// With the cache gone and the server still rejecting, offline login
	// is no longer possible either.
	conn.online = false
	_, err = r.Login(ctx, "alice", "correct horse")
	if !errors.Is(err, ErrOfflineLoginUnavailable) {
		t.Fatalf("expected ErrOfflineLoginUnavailable after revocation, got %v", err)
	}
}

func TestDeviceRejectionClearsMarker(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	accountID := uuid.New()

	store := newFakeLocalStore()
	conn := &fakeConn{online: true}
	provider := &fakeProvider{
		loginResp: loginResponse(accountID, tenantID, "alice", "correct horse", models.RoleCashier),
	}
	r := newTestReconciler(store, provider, conn, tenantID)

	if _, err := r.Login(ctx, "alice", "correct horse"); err != nil {
		t.Fatalf("seed login: %v", err)
	}

	provider.loginErr = identity.ErrDeviceNotActivated

	_, err := r.Login(ctx, "alice", "correct horse")
	if !errors.Is(err, identity.ErrDeviceNotActivated) {
		t.Fatalf("expected ErrDeviceNotActivated, got %v", err)
	}
	if store.marker != nil {
		t.Error("device rejection must clear the license marker")
	}
}

func TestTransientFailureDegradesToLocalOnly(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	accountID := uuid.New()

	store := newFakeLocalStore()
	conn := &fakeConn{online: true}
	provider := &fakeProvider{
		loginResp: loginResponse(accountID, tenantID, "alice", "correct horse", models.RoleCashier),
	}
	r := newTestReconciler(store, provider, conn, tenantID)

	if _, err := r.Login(ctx, "alice", "correct horse"); err != nil {
		t.Fatalf("seed login: %v", err)
	}

	// Probe still says online but the call itself times out.
	provider.loginErr = identity.ErrTransientNetwork

	sess, err := r.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("transient failure should not deny the login: %v", err)
	}
	if sess.State != StateLocalOnly {
		t.Errorf("state = %s, want %s", sess.State, StateLocalOnly)
	}
	if _, ok := store.creds[accountID]; !ok {
		t.Error("transient failure must keep the cached credential")
	}
}

func TestImpersonationRoundTrip(t *testing.T) {
	ctx := context.Background()
	operatorTenant := uuid.New()
	targetTenant := uuid.New()
	accountID := uuid.New()

	store := newFakeLocalStore()
	conn := &fakeConn{online: true}
	provider := &fakeProvider{
		loginResp:  loginResponse(accountID, operatorTenant, "operator", "op-password", models.RolePlatformOperator),
		startToken: "tgx_test",
		exchangePair: &auth.TokenPair{
			AccessToken:  "tga_impersonated",
			RefreshToken: "tgr_impersonated",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}
	r := newTestReconciler(store, provider, conn, operatorTenant)

	if _, err := r.Login(ctx, "operator", "op-password"); err != nil {
		t.Fatalf("operator login: %v", err)
	}

	sess, err := r.StartImpersonation(ctx, targetTenant, models.RoleTenantAdmin, "billing dispute")
	if err != nil {
		t.Fatalf("start impersonation: %v", err)
	}
	if sess.TenantID != targetTenant || sess.Role != models.RoleTenantAdmin {
		t.Errorf("impersonated session scope = %s/%s", sess.TenantID, sess.Role)
	}
	if !sess.Impersonated {
		t.Error("session should be marked impersonated")
	}
	if store.tokenBackup == nil {
		t.Fatal("operator tokens must be backed up before the switch")
	}

	restored, err := r.EndImpersonation(ctx)
	if err != nil {
		t.Fatalf("end impersonation: %v", err)
	}
	if restored.Role != models.RolePlatformOperator {
		t.Errorf("restored role = %s, want %s", restored.Role, models.RolePlatformOperator)
	}
	if store.tokenBackup != nil {
		t.Error("token backup should be cleared after a successful restore")
	}
	if provider.endCalls != 1 {
		t.Errorf("endCalls = %d, want 1", provider.endCalls)
	}
}

func TestLockedTenantDeniedOnline(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	accountID := uuid.New()

	resp := loginResponse(accountID, tenantID, "alice", "correct horse", models.RoleCashier)
	resp.AccessState = "locked"

	store := newFakeLocalStore()
	r := newTestReconciler(store, &fakeProvider{loginResp: resp}, &fakeConn{online: true}, tenantID)

	_, err := r.Login(ctx, "alice", "correct horse")
	if !errors.Is(err, identity.ErrTenantLocked) {
		t.Fatalf("expected ErrTenantLocked, got %v", err)
	}
	if r.Current() != nil {
		t.Error("locked tenant must not get a session")
	}
	if len(store.creds) != 0 {
		t.Error("locked tenant must not seed the credential cache")
	}
	if store.marker != nil {
		t.Error("locked tenant must not mint a license marker")
	}
}

func TestLockDeniesCachedLogin(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	accountID := uuid.New()

	store := newFakeLocalStore()
	conn := &fakeConn{online: true}
	provider := &fakeProvider{
		loginResp: loginResponse(accountID, tenantID, "alice", "correct horse", models.RoleCashier),
	}
	r := newTestReconciler(store, provider, conn, tenantID)

	if _, err := r.Login(ctx, "alice", "correct horse"); err != nil {
		t.Fatalf("seed login: %v", err)
	}

	// The tenant got locked server-side. A cached local match must not
	// carry the login past the authority's word.
	provider.loginErr = identity.ErrTenantLocked

	_, err := r.Login(ctx, "alice", "correct horse")
	if !errors.Is(err, identity.ErrTenantLocked) {
		t.Fatalf("expected ErrTenantLocked, got %v", err)
	}
	// The credentials themselves are still good; they stay cached for
	// when the lock clears.
	if _, ok := store.creds[accountID]; !ok {
		t.Error("lock must not revoke the cached credential")
	}
}

func TestFailedImpersonationStartDiscardsBackup(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	accountID := uuid.New()

	store := newFakeLocalStore()
	provider := &fakeProvider{
		loginResp: loginResponse(accountID, tenantID, "operator", "op-password", models.RolePlatformOperator),
		startErr:  identity.ErrTransientNetwork,
	}
	r := newTestReconciler(store, provider, &fakeConn{online: true}, tenantID)

	if _, err := r.Login(ctx, "operator", "op-password"); err != nil {
		t.Fatalf("operator login: %v", err)
	}

	if _, err := r.StartImpersonation(ctx, uuid.New(), models.RoleTenantAdmin, "stuck till"); err == nil {
		t.Fatal("start should surface the provider failure")
	}
	if store.tokenBackup != nil {
		t.Fatalf("token backup lingers after failed start: %+v", store.tokenBackup)
	}

	// Same pairing when the exchange leg fails.
	provider.startErr = nil
	provider.startToken = "tgx_test"
	provider.exchangeErr = identity.ErrTransientNetwork

	if _, err := r.StartImpersonation(ctx, uuid.New(), models.RoleTenantAdmin, "stuck till"); err == nil {
		t.Fatal("exchange failure should surface")
	}
	if store.tokenBackup != nil {
		t.Fatalf("token backup lingers after failed exchange: %+v", store.tokenBackup)
	}

	// The operator session survived both failed attempts.
	if sess := r.Current(); sess == nil || sess.Impersonated {
		t.Errorf("operator session lost after failed starts: %+v", sess)
	}
}

func TestImpersonationRequiresReason(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	accountID := uuid.New()

	store := newFakeLocalStore()
	provider := &fakeProvider{
		loginResp: loginResponse(accountID, tenantID, "operator", "op-password", models.RolePlatformOperator),
	}
	r := newTestReconciler(store, provider, &fakeConn{online: true}, tenantID)

	if _, err := r.Login(ctx, "operator", "op-password"); err != nil {
		t.Fatalf("operator login: %v", err)
	}
	if _, err := r.StartImpersonation(ctx, uuid.New(), models.RoleTenantAdmin, ""); err == nil {
		t.Fatal("impersonation without a reason must fail")
	}
	if store.tokenBackup != nil {
		t.Error("failed start must not leave a token backup behind")
	}
}
