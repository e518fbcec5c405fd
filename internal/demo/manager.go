// Package demo provisions short-lived sandbox tenants and purges them
// after expiry.
package demo

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/db"
	"github.com/tillgate/tillgate/internal/metrics"
	"github.com/tillgate/tillgate/internal/models"
)

// ErrRateLimited is returned when an origin has used up its sandbox quota
// for the rolling window.
var ErrRateLimited = errors.New("demo provisioning rate limited")

// Config controls sandbox lifetimes and the per-origin quota.
type Config struct {
	TTL          time.Duration
	Window       time.Duration
	MaxPerOrigin int
	// OriginSalt blinds stored origin hashes. Raw addresses never hit disk.
	OriginSalt string
}

// DefaultConfig returns the default sandbox policy.
func DefaultConfig(originSalt string) Config {
	return Config{
		TTL:          2 * time.Hour,
		Window:       24 * time.Hour,
		MaxPerOrigin: 3,
		OriginSalt:   originSalt,
	}
}

// Store is the persistence surface the manager needs.
type Store interface {
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	DeleteTenant(ctx context.Context, id uuid.UUID) error
	DeleteTenantBusinessData(ctx context.Context, tenantID uuid.UUID) error
	UpsertBilling(ctx context.Context, b *models.BillingRecord) error
	CreateAccount(ctx context.Context, account *models.Account, verifier models.PasswordVerifier) error
	CreateCatalogItem(ctx context.Context, tenantID uuid.UUID, name string, priceCents int) error
	InsertOperation(ctx context.Context, op *models.Operation) (bool, error)
	CountRecentDemoSessions(ctx context.Context, originHash string, since time.Time) (int, error)
	CreateDemoSession(ctx context.Context, session *models.DemoSession, maxPerWindow int, window time.Duration) error
	ListExpiredDemoSessions(ctx context.Context, now time.Time) ([]*models.DemoSession, error)
	MarkDemoPurged(ctx context.Context, id uuid.UUID) error
	RevokeSessionsByTenant(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

// Credentials is the single-response payload for a fresh sandbox. The
// password is plaintext here and nowhere else.
type Credentials struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager provisions and purges sandbox tenants.
type Manager struct {
	store  Store
	config Config
	logger zerolog.Logger
}

// NewManager creates a Manager.
func NewManager(store Store, config Config, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		config: config,
		logger: logger.With().Str("component", "demo").Logger(),
	}
}

// HashOrigin returns the salted hash stored in place of a caller's network
// origin.
func (m *Manager) HashOrigin(origin string) string {
	sum := sha256.Sum256([]byte(m.config.OriginSalt + origin))
	return hex.EncodeToString(sum[:])
}

// Provision creates a sandbox tenant for the given network origin: tenant,
// billing record expiring with the sandbox, admin account with a random
// password and seed data. The rate limit is enforced transactionally when
// the sandbox session row is written; any partial state is rolled back on
// failure.
func (m *Manager) Provision(ctx context.Context, origin string) (*Credentials, error) {
	// Best-effort cleanup so abandoned sandboxes free quota promptly.
	if err := m.Sweep(ctx, 10); err != nil {
		m.logger.Warn().Err(err).Msg("opportunistic sweep failed")
	}

	maxPerWindow := m.config.MaxPerOrigin
	if origin == "" {
		origin = "unknown"
		maxPerWindow = 1
	}
	originHash := m.HashOrigin(origin)

	now := time.Now()

	// Check the quota up front so an exhausted origin costs one count
	// query instead of a full provision and rollback. The transactional
	// check when the session row is written stays authoritative.
	recent, err := m.store.CountRecentDemoSessions(ctx, originHash, now.Add(-m.config.Window))
	if err != nil {
		return nil, fmt.Errorf("check demo quota: %w", err)
	}
	if recent >= maxPerWindow {
		m.logger.Warn().Str("origin_hash", originHash).Msg("demo provisioning rate limited")
		return nil, ErrRateLimited
	}

	expiresAt := now.Add(m.config.TTL)
	tenantID := uuid.New()
	accountID := uuid.New()

	password, err := randomPassword()
	if err != nil {
		return nil, err
	}
	verifier, err := auth.NewVerifier(password)
	if err != nil {
		return nil, fmt.Errorf("derive demo verifier: %w", err)
	}

	tenant := &models.Tenant{
		ID:       tenantID,
		Name:     "Demo Shop " + tenantID.String()[:8],
		PlanType: "demo",
		Status:   models.TenantStatusActive,
		IsDemo:   true,
	}
	account := &models.Account{
		ID:          accountID,
		Username:    "demo-" + tenantID.String()[:8],
		DisplayName: "Demo Admin",
		Role:        models.RoleTenantAdmin,
		Permissions: auth.DefaultPermissions(models.RoleTenantAdmin),
		TenantID:    &tenantID,
		Active:      true,
	}

	if err := m.store.CreateTenant(ctx, tenant); err != nil {
		return nil, fmt.Errorf("create demo tenant: %w", err)
	}

	// From here on, failures roll back everything created so far.
	fail := func(step string, err error) (*Credentials, error) {
		m.rollback(ctx, tenantID)
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	billing := &models.BillingRecord{
		TenantID:    tenantID,
		PaidThrough: expiresAt,
		GraceDays:   0,
		MaxDevices:  2,
	}
	if err := m.store.UpsertBilling(ctx, billing); err != nil {
		return fail("create demo billing", err)
	}
	if err := m.store.CreateAccount(ctx, account, verifier); err != nil {
		return fail("create demo account", err)
	}
	if err := m.seed(ctx, tenantID, accountID, now); err != nil {
		return fail("seed demo data", err)
	}

	session := &models.DemoSession{
		ID:         uuid.New(),
		TenantID:   tenantID,
		AccountID:  accountID,
		OriginHash: originHash,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}
	if err := m.store.CreateDemoSession(ctx, session, maxPerWindow, m.config.Window); err != nil {
		m.rollback(ctx, tenantID)
		if errors.Is(err, db.ErrDemoRateLimited) {
			m.logger.Warn().Str("origin_hash", originHash).Msg("demo provisioning rate limited")
			return nil, ErrRateLimited
		}
		return nil, fmt.Errorf("record demo session: %w", err)
	}

	m.logger.Info().
		Str("tenant_id", tenantID.String()).
		Time("expires_at", expiresAt).
		Msg("demo tenant provisioned")

	return &Credentials{
		TenantID:  tenantID,
		Username:  account.Username,
		Password:  password,
		ExpiresAt: expiresAt,
	}, nil
}

// seed gives the sandbox a recognizable storefront so it is not empty on
// first login.
func (m *Manager) seed(ctx context.Context, tenantID, accountID uuid.UUID, now time.Time) error {
	items := []struct {
		name  string
		price int
	}{
		{"Flat White", 420},
		{"Croissant", 350},
		{"Day Pass", 1500},
	}
	for _, item := range items {
		if err := m.store.CreateCatalogItem(ctx, tenantID, item.name, item.price); err != nil {
			return err
		}
	}

	payload, _ := json.Marshal(map[string]any{"total_cents": 770, "items": 2})
	_, err := m.store.InsertOperation(ctx, &models.Operation{
		ID:        uuid.New(),
		TenantID:  tenantID,
		AccountID: accountID,
		Kind:      models.OperationKindSale,
		Payload:   payload,
		CreatedAt: now,
	})
	return err
}

func (m *Manager) rollback(ctx context.Context, tenantID uuid.UUID) {
	if err := m.store.DeleteTenantBusinessData(ctx, tenantID); err != nil {
		m.logger.Error().Err(err).Str("tenant_id", tenantID.String()).Msg("rollback: delete business data failed")
	}
	if err := m.store.DeleteTenant(ctx, tenantID); err != nil {
		m.logger.Error().Err(err).Str("tenant_id", tenantID.String()).Msg("rollback: delete tenant failed")
	}
}

// Sweep purges expired sandboxes, at most limit per pass. Tenants that
// were promoted off the demo plan are closed out without touching their
// data. Per-item failures are logged and retried on the next pass.
func (m *Manager) Sweep(ctx context.Context, limit int) error {
	sessions, err := m.store.ListExpiredDemoSessions(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("list expired demo sessions: %w", err)
	}
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}

	for _, session := range sessions {
		if err := m.purge(ctx, session); err != nil {
			m.logger.Error().Err(err).
				Str("tenant_id", session.TenantID.String()).
				Msg("demo purge failed, will retry")
		}
	}
	return nil
}

func (m *Manager) purge(ctx context.Context, session *models.DemoSession) error {
	tenant, err := m.store.GetTenant(ctx, session.TenantID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		// Tenant already gone; just close the record.
		return m.store.MarkDemoPurged(ctx, session.ID)
	case err != nil:
		return fmt.Errorf("load demo tenant: %w", err)
	}

	if !tenant.IsDemo {
		// Promoted to a real tenant; leave its data alone.
		m.logger.Info().Str("tenant_id", tenant.ID.String()).Msg("demo tenant promoted, skipping purge")
		return m.store.MarkDemoPurged(ctx, session.ID)
	}

	if _, err := m.store.RevokeSessionsByTenant(ctx, session.TenantID); err != nil {
		return fmt.Errorf("revoke demo sessions: %w", err)
	}
	if err := m.store.DeleteTenantBusinessData(ctx, session.TenantID); err != nil {
		return fmt.Errorf("delete demo business data: %w", err)
	}
	if err := m.store.DeleteTenant(ctx, session.TenantID); err != nil {
		return fmt.Errorf("delete demo tenant: %w", err)
	}
	if err := m.store.MarkDemoPurged(ctx, session.ID); err != nil {
		return err
	}

	metrics.DemoPurges.Inc()
	m.logger.Info().Str("tenant_id", session.TenantID.String()).Msg("demo tenant purged")
	return nil
}

func randomPassword() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate demo password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
