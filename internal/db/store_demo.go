package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/tillgate/tillgate/internal/models"
)

// ErrDemoRateLimited is returned when an origin has already provisioned the
// maximum number of sandboxes in the rolling window.
var ErrDemoRateLimited = errors.New("demo rate limited")

// CreateDemoSession records a sandbox provisioning, enforcing the per-origin
// rate limit transactionally. An advisory lock keyed on the origin hash
// serializes concurrent requests from the same origin so the limit holds
// under races.
func (db *DB) CreateDemoSession(ctx context.Context, session *models.DemoSession, maxPerWindow int, window time.Duration) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, session.OriginHash); err != nil {
			return fmt.Errorf("acquire origin lock: %w", err)
		}

		var count int
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM demo_sessions WHERE origin_hash = $1 AND created_at > $2
		`, session.OriginHash, time.Now().Add(-window)).Scan(&count)
		if err != nil {
			return fmt.Errorf("count demo sessions: %w", err)
		}
		if count >= maxPerWindow {
			return ErrDemoRateLimited
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO demo_sessions (id, tenant_id, account_id, origin_hash, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, session.ID, session.TenantID, session.AccountID, session.OriginHash, session.CreatedAt, session.ExpiresAt)
		if err != nil {
			return fmt.Errorf("insert demo session: %w", err)
		}
		return nil
	})
}

// CountRecentDemoSessions returns how many sandboxes an origin provisioned
// since the cutoff. Advisory only; CreateDemoSession re-checks under the
// origin lock.
func (db *DB) CountRecentDemoSessions(ctx context.Context, originHash string, since time.Time) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM demo_sessions WHERE origin_hash = $1 AND created_at > $2
	`, originHash, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count demo sessions: %w", err)
	}
	return count, nil
}

// GetDemoSessionByTenant returns the sandbox record for a tenant.
func (db *DB) GetDemoSessionByTenant(ctx context.Context, tenantID uuid.UUID) (*models.DemoSession, error) {
	var s models.DemoSession
	err := db.Pool.QueryRow(ctx, `
		SELECT id, tenant_id, account_id, origin_hash, created_at, expires_at, purged_at
		FROM demo_sessions WHERE tenant_id = $1
	`, tenantID).Scan(&s.ID, &s.TenantID, &s.AccountID, &s.OriginHash, &s.CreatedAt, &s.ExpiresAt, &s.PurgedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get demo session: %w", err)
	}
	return &s, nil
}

// ListExpiredDemoSessions returns unpurged sandboxes past their expiry.
func (db *DB) ListExpiredDemoSessions(ctx context.Context, now time.Time) ([]*models.DemoSession, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, tenant_id, account_id, origin_hash, created_at, expires_at, purged_at
		FROM demo_sessions
		WHERE purged_at IS NULL AND expires_at < $1
		ORDER BY expires_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired demo sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.DemoSession
	for rows.Next() {
		var s models.DemoSession
		if err := rows.Scan(&s.ID, &s.TenantID, &s.AccountID, &s.OriginHash,
			&s.CreatedAt, &s.ExpiresAt, &s.PurgedAt); err != nil {
			return nil, fmt.Errorf("scan demo session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// MarkDemoPurged records that a sandbox's data has been removed.
func (db *DB) MarkDemoPurged(ctx context.Context, id uuid.UUID) error {
	result, err := db.Pool.Exec(ctx, `
		UPDATE demo_sessions SET purged_at = NOW() WHERE id = $1 AND purged_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("mark demo purged: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDemoPromoted closes the sandbox record without purging, keeping the
// tenant. Used when a demo converts to a paying tenant.
func (db *DB) MarkDemoPromoted(ctx context.Context, tenantID uuid.UUID) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE demo_sessions SET purged_at = NOW() WHERE tenant_id = $1 AND purged_at IS NULL
		`, tenantID)
		if err != nil {
			return fmt.Errorf("close demo session: %w", err)
		}
		if result.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `
			UPDATE tenants SET is_demo = FALSE, updated_at = NOW() WHERE id = $1
		`, tenantID); err != nil {
			return fmt.Errorf("clear demo flag: %w", err)
		}
		return nil
	})
}
