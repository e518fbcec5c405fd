// Package session reconciles local credential state with the cloud
// authority: online logins seed the cache, offline logins run against it,
// and the two are merged through a small state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/access"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/device/localstore"
	"github.com/tillgate/tillgate/internal/identity"
	"github.com/tillgate/tillgate/internal/models"
)

var (
	// ErrOfflineLoginUnavailable means no cached credential matches and
	// the authority is unreachable, so login cannot proceed at all.
	ErrOfflineLoginUnavailable = errors.New("offline login unavailable")
	// ErrOnlineRequired means this role must verify against the cloud and
	// cannot be trusted on the cache alone.
	ErrOnlineRequired = errors.New("online verification required")
	// ErrDeviceNotLicensed means the device holds no admission marker, so
	// offline operation is not allowed.
	ErrDeviceNotLicensed = errors.New("device not licensed for offline use")
	// ErrNoActiveSession is returned by session-scoped calls before login.
	ErrNoActiveSession = errors.New("no active session")
)

// State is the position of the current login in the reconciliation
// machine.
type State string

const (
	// StateNoLocalCredential: nothing cached, nothing verified.
	StateNoLocalCredential State = "no_local_credential"
	// StateLocalOnly: the cache vouched for the password; the cloud has
	// not confirmed this login yet.
	StateLocalOnly State = "local_only"
	// StateLocalPlusCloud: the cloud confirmed the login.
	StateLocalPlusCloud State = "local_plus_cloud"
	// StateDenied: the cloud definitively rejected the login.
	StateDenied State = "denied"
)

// Session is the device's current login.
type Session struct {
	State       State
	AccountID   uuid.UUID
	Username    string
	DisplayName string
	Role        models.Role
	TenantID    uuid.UUID
	// Tokens is nil while the session is local-only.
	Tokens *auth.TokenPair
	// Impersonated marks a session obtained through the support broker.
	Impersonated bool
	// AccessState is the authority's last reported tenant access state.
	AccessState string
	StartedAt   time.Time
}

// Store is the local persistence surface the reconciler needs.
type Store interface {
	GetCredential(ctx context.Context, tenantID uuid.UUID, username string) (*localstore.CachedCredential, error)
	SeedCredential(ctx context.Context, cred *localstore.CachedCredential) error
	TouchCredential(ctx context.Context, accountID uuid.UUID, at time.Time) error
	DeleteCredential(ctx context.Context, accountID uuid.UUID) error
	DeleteCredentialsExceptTenant(ctx context.Context, tenantID uuid.UUID) (int64, error)
	GetLicenseMarker(ctx context.Context) (*localstore.LicenseMarker, error)
	SetLicenseMarker(ctx context.Context, marker *localstore.LicenseMarker) error
	ClearLicenseMarker(ctx context.Context) error
	BackupTokenPair(ctx context.Context, pair *auth.TokenPair) error
	RestoreTokenPair(ctx context.Context) (*auth.TokenPair, error)
	ClearTokenBackup(ctx context.Context) error
	SetLastUsername(ctx context.Context, username string) error
}

// Connectivity reports the last observed reachability of the authority.
type Connectivity interface {
	Online() bool
}

// Config identifies this device to the authority.
type Config struct {
	TenantID uuid.UUID
	DeviceID string
	Platform string
	Label    string
}

// Reconciler runs logins through the local/cloud state machine.
type Reconciler struct {
	store    Store
	provider identity.Provider
	conn     Connectivity
	config   Config
	logger   zerolog.Logger

	mu      sync.RWMutex
	current *Session
}

// NewReconciler creates a Reconciler.
func NewReconciler(store Store, provider identity.Provider, conn Connectivity, config Config, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		provider: provider,
		conn:     conn,
		config:   config,
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// Current returns the active session, or nil.
func (r *Reconciler) Current() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Login verifies the credentials, preferring a fast local decision and
// reconciling with the cloud when reachable.
//
// With a local match the session starts as LocalOnly and the cloud check
// upgrades it: confirmation moves it to LocalPlusCloud, a definitive
// rejection overrides the local match, revokes the cached entry and
// denies the login, and a connectivity failure leaves it LocalOnly with a
// warning. Without a local match the cloud is the only path; offline that
// is ErrOfflineLoginUnavailable.
func (r *Reconciler) Login(ctx context.Context, username, password string) (*Session, error) {
	cred, err := r.store.GetCredential(ctx, r.config.TenantID, username)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return nil, fmt.Errorf("read credential cache: %w", err)
	}

	localMatch := cred != nil && auth.VerifyPassword(password, cred.Verifier)

	if !localMatch {
		// Enumeration-safe: burn the same work when nothing was cached.
		if cred == nil {
			auth.VerifyOrDummy(password, nil)
		}
		if !r.conn.Online() {
			if cred != nil {
				// Cached identity, wrong password, no cloud to consult.
				return nil, identity.ErrInvalidCredentials
			}
			return nil, ErrOfflineLoginUnavailable
		}
		return r.loginOnline(ctx, username, password)
	}

	// Platform-grade roles never run on the cache alone.
	if cred.Role.Privileged() {
		if !r.conn.Online() {
			return nil, ErrOnlineRequired
		}
		return r.loginOnline(ctx, username, password)
	}

	// Offline operation requires the admission marker minted by a prior
	// online login on this device.
	marker, err := r.store.GetLicenseMarker(ctx)
	if err != nil {
		return nil, fmt.Errorf("read license marker: %w", err)
	}
	if marker == nil || marker.TenantID != r.config.TenantID {
		if !r.conn.Online() {
			return nil, ErrDeviceNotLicensed
		}
		return r.loginOnline(ctx, username, password)
	}

	session := &Session{
		State:       StateLocalOnly,
		AccountID:   cred.AccountID,
		Username:    cred.Username,
		DisplayName: cred.DisplayName,
		Role:        cred.Role,
		TenantID:    cred.TenantID,
		StartedAt:   time.Now(),
	}

	if r.conn.Online() {
		upgraded, err := r.upgradeOnline(ctx, session, username, password)
		if err != nil {
			return nil, err
		}
		session = upgraded
	}

	r.setCurrent(ctx, session)
	return session, nil
}

// loginOnline is the cloud-first path: verify, admit the device, seed the
// cache and mint the admission marker.
func (r *Reconciler) loginOnline(ctx context.Context, username, password string) (*Session, error) {
	resp, err := r.provider.Login(ctx, identity.LoginRequest{
		Username: username,
		Password: password,
		TenantID: r.config.TenantID,
		DeviceID: r.config.DeviceID,
		Platform: r.config.Platform,
		Label:    r.config.Label,
	})
	if err != nil {
		if errors.Is(err, identity.ErrTransientNetwork) {
			// The probe said online but the call still failed. Nothing
			// cached vouches for this login, so it cannot proceed.
			return nil, ErrOfflineLoginUnavailable
		}
		return nil, err
	}

	// A locked tenant gets no session and, just as important, no offline
	// seed material: caching the verifier or minting a marker here would
	// let a locked tenant keep selling offline.
	if resp.AccessState == string(access.StateLocked) {
		return nil, identity.ErrTenantLocked
	}

	now := time.Now()
	if err := r.seedFromResponse(ctx, resp, now); err != nil {
		// The cloud admitted us but the cache write failed. The session
		// still works; offline continuity is what suffers.
		r.logger.Error().Err(err).Msg("seed credential cache failed")
	}

	session := &Session{
		State:       StateLocalPlusCloud,
		AccountID:   resp.Account.ID,
		Username:    resp.Account.Username,
		DisplayName: resp.Account.DisplayName,
		Role:        resp.Account.Role,
		TenantID:    r.config.TenantID,
		Tokens:      &resp.Tokens,
		AccessState: resp.AccessState,
		StartedAt:   now,
	}
	r.setCurrent(ctx, session)
	return session, nil
}

// upgradeOnline reconciles a locally verified login with the cloud. The
// cloud's definitive word wins over the cache.
func (r *Reconciler) upgradeOnline(ctx context.Context, local *Session, username, password string) (*Session, error) {
	resp, err := r.provider.Login(ctx, identity.LoginRequest{
		Username: username,
		Password: password,
		TenantID: r.config.TenantID,
		DeviceID: r.config.DeviceID,
		Platform: r.config.Platform,
		Label:    r.config.Label,
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, identity.ErrAccountDisabled):
			// Definitive: the cache is stale. Revoke it and deny.
			if delErr := r.store.DeleteCredential(ctx, local.AccountID); delErr != nil {
				r.logger.Error().Err(delErr).Msg("revoke stale credential failed")
			}
			local.State = StateDenied
			r.logger.Warn().
				Str("username", username).
				Msg("cloud rejected locally verified login, cache revoked")
			return nil, err
		case errors.Is(err, identity.ErrTenantLocked):
			// The credentials are fine; the tenant may not operate. Keep
			// the cache for when the lock clears, but deny the login.
			local.State = StateDenied
			return nil, err
		case errors.Is(err, identity.ErrDeviceLimitExceeded), errors.Is(err, identity.ErrDeviceNotActivated):
			// The device itself was rejected; the marker no longer holds.
			if clrErr := r.store.ClearLicenseMarker(ctx); clrErr != nil {
				r.logger.Error().Err(clrErr).Msg("clear license marker failed")
			}
			return nil, err
		default:
			// Transient: degrade to local-only, keep the session alive.
			r.logger.Warn().Err(err).Msg("cloud upgrade failed, continuing local-only")
			return local, nil
		}
	}

	if resp.AccessState == string(access.StateLocked) {
		local.State = StateDenied
		return nil, identity.ErrTenantLocked
	}

	now := time.Now()
	if err := r.seedFromResponse(ctx, resp, now); err != nil {
		r.logger.Error().Err(err).Msg("refresh credential cache failed")
	}

	local.State = StateLocalPlusCloud
	local.Tokens = &resp.Tokens
	local.AccessState = resp.AccessState
	local.DisplayName = resp.Account.DisplayName
	local.Role = resp.Account.Role
	return local, nil
}

// seedFromResponse caches the verifier and mints the admission marker.
// Both happen only here: a successful online login is the single source
// of offline capability.
func (r *Reconciler) seedFromResponse(ctx context.Context, resp *identity.LoginResponse, now time.Time) error {
	if err := r.store.SeedCredential(ctx, &localstore.CachedCredential{
		AccountID:   resp.Account.ID,
		TenantID:    r.config.TenantID,
		Username:    resp.Account.Username,
		DisplayName: resp.Account.DisplayName,
		Role:        resp.Account.Role,
		Verifier: models.PasswordVerifier{
			Salt:       resp.Verifier.Salt,
			Iterations: resp.Verifier.Iterations,
			Hash:       resp.Verifier.Hash,
		},
		CachedAt:       now,
		LastVerifiedAt: now,
	}); err != nil {
		return err
	}

	return r.store.SetLicenseMarker(ctx, &localstore.LicenseMarker{
		TenantID: r.config.TenantID,
		DeviceID: r.config.DeviceID,
		MarkedAt: now,
	})
}

func (r *Reconciler) setCurrent(ctx context.Context, session *Session) {
	r.mu.Lock()
	r.current = session
	r.mu.Unlock()

	if err := r.store.SetLastUsername(ctx, session.Username); err != nil {
		r.logger.Debug().Err(err).Msg("persist last username failed")
	}
	if err := r.store.TouchCredential(ctx, session.AccountID, time.Now()); err != nil {
		r.logger.Debug().Err(err).Msg("touch credential failed")
	}

	r.logger.Info().
		Str("username", session.Username).
		Str("state", string(session.State)).
		Str("role", string(session.Role)).
		Msg("session established")
}

// Logout ends the current session, revoking it server-side when tokens
// exist and the authority is reachable.
func (r *Reconciler) Logout(ctx context.Context) error {
	r.mu.Lock()
	session := r.current
	r.current = nil
	r.mu.Unlock()

	if session == nil {
		return nil
	}
	if session.Tokens != nil && r.conn.Online() {
		if err := r.provider.Logout(ctx, session.Tokens.AccessToken); err != nil {
			r.logger.Warn().Err(err).Msg("server-side logout failed")
		}
	}
	r.logger.Info().Str("username", session.Username).Msg("session ended")
	return nil
}
