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

// ErrExchangeTokenInvalid is returned when an exchange token is unknown,
// expired or already consumed.
var ErrExchangeTokenInvalid = errors.New("exchange token invalid")

const auditColumns = `id, operator_id, target_tenant_id, target_role, reason, started_at, ended_at`

// CreateImpersonation writes the audit record and its one-time exchange
// token in a single transaction, so a token can never exist without its
// audit trail.
func (db *DB) CreateImpersonation(ctx context.Context, audit *models.ImpersonationAudit, tokenHash string, tokenExpires time.Time) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO impersonation_audits (id, operator_id, target_tenant_id, target_role, reason, started_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, audit.ID, audit.OperatorID, audit.TargetTenantID, string(audit.TargetRole), audit.Reason, audit.StartedAt)
		if err != nil {
			return fmt.Errorf("insert impersonation audit: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO exchange_tokens (token_hash, audit_id, expires_at)
			VALUES ($1, $2, $3)
		`, tokenHash, audit.ID, tokenExpires)
		if err != nil {
			return fmt.Errorf("insert exchange token: %w", err)
		}
		return nil
	})
}

// ConsumeExchangeToken atomically marks an exchange token consumed and
// returns its audit record. A second consume of the same token fails.
func (db *DB) ConsumeExchangeToken(ctx context.Context, tokenHash string) (*models.ImpersonationAudit, error) {
	var audit *models.ImpersonationAudit
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		var auditID uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE exchange_tokens SET consumed_at = NOW()
			WHERE token_hash = $1 AND consumed_at IS NULL AND expires_at > NOW()
			RETURNING audit_id
		`, tokenHash).Scan(&auditID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrExchangeTokenInvalid
			}
			return fmt.Errorf("consume exchange token: %w", err)
		}

		audit, err = scanAudit(tx.QueryRow(ctx, `
			SELECT `+auditColumns+` FROM impersonation_audits WHERE id = $1
		`, auditID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return audit, nil
}

func scanAudit(row pgx.Row) (*models.ImpersonationAudit, error) {
	var a models.ImpersonationAudit
	var roleStr string
	err := row.Scan(&a.ID, &a.OperatorID, &a.TargetTenantID, &roleStr, &a.Reason, &a.StartedAt, &a.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan impersonation audit: %w", err)
	}
	a.TargetRole = models.Role(roleStr)
	return &a, nil
}

// GetImpersonationAudit returns an audit record by ID.
func (db *DB) GetImpersonationAudit(ctx context.Context, id uuid.UUID) (*models.ImpersonationAudit, error) {
	return scanAudit(db.Pool.QueryRow(ctx, `
		SELECT `+auditColumns+` FROM impersonation_audits WHERE id = $1
	`, id))
}

// EndImpersonation closes an open audit record. Idempotent: ending an
// already ended record is a no-op.
func (db *DB) EndImpersonation(ctx context.Context, id uuid.UUID) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE impersonation_audits SET ended_at = NOW() WHERE id = $1 AND ended_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("end impersonation: %w", err)
	}
	return nil
}

// ListOpenImpersonations returns open audits started before the cutoff.
// Used by the force-close sweep.
func (db *DB) ListOpenImpersonations(ctx context.Context, startedBefore time.Time) ([]*models.ImpersonationAudit, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+auditColumns+` FROM impersonation_audits
		WHERE ended_at IS NULL AND started_at < $1
		ORDER BY started_at
	`, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("list open impersonations: %w", err)
	}
	defer rows.Close()

	var audits []*models.ImpersonationAudit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// ListImpersonationsByTenant returns a tenant's impersonation history,
// newest first.
func (db *DB) ListImpersonationsByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.ImpersonationAudit, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+auditColumns+` FROM impersonation_audits
		WHERE target_tenant_id = $1
		ORDER BY started_at DESC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list impersonations by tenant: %w", err)
	}
	defer rows.Close()

	var audits []*models.ImpersonationAudit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}
