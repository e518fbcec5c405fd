package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/models"
)

const sessionColumns = `id, account_id, role, tenant_id, impersonation_audit_id,
	access_token_hash, refresh_token_hash, access_expires_at, refresh_expires_at,
	created_at, revoked_at`

// CreateSession inserts a new session record.
func (db *DB) CreateSession(ctx context.Context, rec *auth.SessionRecord) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO sessions (id, account_id, role, tenant_id, impersonation_audit_id,
			access_token_hash, refresh_token_hash, access_expires_at, refresh_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.AccountID, string(rec.Role), rec.TenantID, rec.ImpersonationAuditID,
		rec.AccessTokenHash, rec.RefreshTokenHash, rec.AccessExpiresAt, rec.RefreshExpiresAt, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSessionByAccessHash returns the session holding the given access hash.
func (db *DB) GetSessionByAccessHash(ctx context.Context, hash string) (*auth.SessionRecord, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE access_token_hash = $1`, hash)
	return scanSession(row)
}

// GetSessionByRefreshHash returns the session holding the given refresh hash.
func (db *DB) GetSessionByRefreshHash(ctx context.Context, hash string) (*auth.SessionRecord, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE refresh_token_hash = $1`, hash)
	return scanSession(row)
}

func scanSession(row pgx.Row) (*auth.SessionRecord, error) {
	var rec auth.SessionRecord
	var roleStr string
	err := row.Scan(&rec.ID, &rec.AccountID, &roleStr, &rec.TenantID, &rec.ImpersonationAuditID,
		&rec.AccessTokenHash, &rec.RefreshTokenHash, &rec.AccessExpiresAt, &rec.RefreshExpiresAt,
		&rec.CreatedAt, &rec.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	rec.Role = models.Role(roleStr)
	return &rec, nil
}

// RotateSessionTokens swaps in a freshly rotated token pair.
func (db *DB) RotateSessionTokens(ctx context.Context, id uuid.UUID, accessHash, refreshHash string, accessExpires, refreshExpires time.Time) error {
	result, err := db.Pool.Exec(ctx, `
		UPDATE sessions
		SET access_token_hash = $1, refresh_token_hash = $2, access_expires_at = $3, refresh_expires_at = $4
		WHERE id = $5 AND revoked_at IS NULL
	`, accessHash, refreshHash, accessExpires, refreshExpires, id)
	if err != nil {
		return fmt.Errorf("rotate session tokens: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeSession marks a session revoked.
func (db *DB) RevokeSession(ctx context.Context, id uuid.UUID) error {
	result, err := db.Pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeSessionsByAudit revokes every session issued under an impersonation
// audit. Used by the force-close sweep.
func (db *DB) RevokeSessionsByAudit(ctx context.Context, auditID uuid.UUID) (int64, error) {
	result, err := db.Pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = NOW() WHERE impersonation_audit_id = $1 AND revoked_at IS NULL
	`, auditID)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions by audit: %w", err)
	}
	return result.RowsAffected(), nil
}

// RevokeSessionsByTenant revokes every live session scoped to a tenant.
// Used when a demo tenant is purged.
func (db *DB) RevokeSessionsByTenant(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	result, err := db.Pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = NOW() WHERE tenant_id = $1 AND revoked_at IS NULL
	`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions by tenant: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteExpiredSessions removes sessions whose refresh window has lapsed.
func (db *DB) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	result, err := db.Pool.Exec(ctx, `
		DELETE FROM sessions WHERE refresh_expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return result.RowsAffected(), nil
}
