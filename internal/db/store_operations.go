package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tillgate/tillgate/internal/models"
)

// InsertOperation durably accepts an operation. Operation IDs are
// client-generated, so a replayed insert hits the primary key and is
// treated as already accepted. Returns true when the row was new.
func (db *DB) InsertOperation(ctx context.Context, op *models.Operation) (bool, error) {
	result, err := db.Pool.Exec(ctx, `
		INSERT INTO operations (id, tenant_id, account_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, op.ID, op.TenantID, op.AccountID, string(op.Kind), op.Payload, op.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert operation: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListOperations returns a tenant's accepted operations, newest first.
func (db *DB) ListOperations(ctx context.Context, tenantID uuid.UUID, kind models.OperationKind, limit int) ([]*models.Operation, error) {
	query := `
		SELECT id, tenant_id, account_id, kind, payload, created_at, accepted_at
		FROM operations WHERE tenant_id = $1`
	args := []any{tenantID}
	if kind != "" {
		query += ` AND kind = $2`
		args = append(args, string(kind))
	}
	query += fmt.Sprintf(` ORDER BY accepted_at DESC LIMIT %d`, limit)

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		var op models.Operation
		var kindStr string
		if err := rows.Scan(&op.ID, &op.TenantID, &op.AccountID, &kindStr,
			&op.Payload, &op.CreatedAt, &op.AcceptedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Kind = models.OperationKind(kindStr)
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}
