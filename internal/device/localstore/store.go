// Package localstore provides SQLite-backed persistence for the device
// daemon: the credential cache, the offline operation queue and small
// bits of device state.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/models"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// Store is the device-local SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New opens (creating if needed) the device database under dataDir.
func New(dataDir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "tillgate.db")

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger.With().Str("component", "localstore").Logger(),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Info().Str("path", dbPath).Msg("device database initialized")
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS credential_cache (
			account_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			username TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			verifier_salt BLOB NOT NULL,
			verifier_iterations INTEGER NOT NULL,
			verifier_hash BLOB NOT NULL,
			cached_at TEXT NOT NULL,
			last_verified_at TEXT NOT NULL,
			UNIQUE (tenant_id, username)
		);

		CREATE TABLE IF NOT EXISTS op_queue (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_op_queue_tenant ON op_queue(tenant_id);

		CREATE TABLE IF NOT EXISTS device_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CachedCredential is one locally cached login identity. The verifier is
// the same PBKDF2 triple the authority holds; the plaintext password never
// touches disk.
type CachedCredential struct {
	AccountID      uuid.UUID
	TenantID       uuid.UUID
	Username       string
	DisplayName    string
	Role           models.Role
	Verifier       models.PasswordVerifier
	CachedAt       time.Time
	LastVerifiedAt time.Time
}

// SeedCredential inserts or replaces a cached credential after an online
// verification.
func (s *Store) SeedCredential(ctx context.Context, cred *CachedCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credential_cache (account_id, tenant_id, username, display_name, role,
			verifier_salt, verifier_iterations, verifier_hash, cached_at, last_verified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			role = excluded.role,
			verifier_salt = excluded.verifier_salt,
			verifier_iterations = excluded.verifier_iterations,
			verifier_hash = excluded.verifier_hash,
			last_verified_at = excluded.last_verified_at
	`, cred.AccountID.String(), cred.TenantID.String(), cred.Username, cred.DisplayName,
		string(cred.Role), cred.Verifier.Salt, cred.Verifier.Iterations, cred.Verifier.Hash,
		cred.CachedAt.Format(time.RFC3339), cred.LastVerifiedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("seed credential: %w", err)
	}
	return nil
}

// GetCredential looks up a cached credential by tenant and username.
func (s *Store) GetCredential(ctx context.Context, tenantID uuid.UUID, username string) (*CachedCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, tenant_id, username, display_name, role,
			verifier_salt, verifier_iterations, verifier_hash, cached_at, last_verified_at
		FROM credential_cache WHERE tenant_id = ? AND username = ?
	`, tenantID.String(), username)

	var c CachedCredential
	var accountIDStr, tenantIDStr, roleStr, cachedAtStr, verifiedAtStr string
	err := row.Scan(&accountIDStr, &tenantIDStr, &c.Username, &c.DisplayName, &roleStr,
		&c.Verifier.Salt, &c.Verifier.Iterations, &c.Verifier.Hash, &cachedAtStr, &verifiedAtStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan credential: %w", err)
	}

	if c.AccountID, err = uuid.Parse(accountIDStr); err != nil {
		return nil, fmt.Errorf("parse account id: %w", err)
	}
	if c.TenantID, err = uuid.Parse(tenantIDStr); err != nil {
		return nil, fmt.Errorf("parse tenant id: %w", err)
	}
	c.Role = models.Role(roleStr)
	if c.CachedAt, err = time.Parse(time.RFC3339, cachedAtStr); err != nil {
		return nil, fmt.Errorf("parse cached_at: %w", err)
	}
	if c.LastVerifiedAt, err = time.Parse(time.RFC3339, verifiedAtStr); err != nil {
		return nil, fmt.Errorf("parse last_verified_at: %w", err)
	}
	return &c, nil
}

// TouchCredential updates the last successful verification time.
func (s *Store) TouchCredential(ctx context.Context, accountID uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE credential_cache SET last_verified_at = ? WHERE account_id = ?
	`, at.Format(time.RFC3339), accountID.String())
	if err != nil {
		return fmt.Errorf("touch credential: %w", err)
	}
	return nil
}

// DeleteCredential removes a cached credential, e.g. after a definitive
// cloud rejection.
func (s *Store) DeleteCredential(ctx context.Context, accountID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM credential_cache WHERE account_id = ?
	`, accountID.String())
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// DeleteCredentialsExceptTenant clears cached identities from other
// tenants. Used around impersonation switches so cross-tenant data never
// lingers on the terminal.
func (s *Store) DeleteCredentialsExceptTenant(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM credential_cache WHERE tenant_id != ?
	`, tenantID.String())
	if err != nil {
		return 0, fmt.Errorf("delete foreign credentials: %w", err)
	}
	return result.RowsAffected()
}
