package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tillgate/tillgate/internal/models"
)

// QueuedOperation is one durably queued operation awaiting delivery.
// Seq preserves arrival order; OpID is the client-generated operation ID
// the authority deduplicates on.
type QueuedOperation struct {
	Seq       int64
	Operation models.Operation
	Attempts  int
	LastError string
}

// EnqueueOperation appends an operation to the queue. When the queue
// exceeds maxSize the oldest entries are dropped to make room; the number
// dropped is returned so callers can surface the data loss.
func (s *Store) EnqueueOperation(ctx context.Context, op *models.Operation, maxSize int) (dropped int64, err error) {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO op_queue (op_id, tenant_id, account_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, op.ID.String(), op.TenantID.String(), op.AccountID.String(),
		string(op.Kind), string(payload), op.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("enqueue operation: %w", err)
	}

	if maxSize > 0 {
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM op_queue WHERE seq IN (
				SELECT seq FROM op_queue ORDER BY seq DESC LIMIT -1 OFFSET ?
			)
		`, maxSize)
		if err != nil {
			return 0, fmt.Errorf("trim queue: %w", err)
		}
		dropped, _ = result.RowsAffected()
		if dropped > 0 {
			s.logger.Warn().Int64("dropped", dropped).Msg("operation queue over capacity, oldest entries dropped")
		}
	}
	return dropped, nil
}

// ListQueuedOperations returns up to limit pending operations, oldest
// first. tenantID and accountID scope the batch to the current session's
// owner; entries belonging to others stay queued untouched.
func (s *Store) ListQueuedOperations(ctx context.Context, tenantID, accountID uuid.UUID, limit int) ([]*QueuedOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, op_id, tenant_id, account_id, kind, payload, created_at, attempts, last_error
		FROM op_queue
		WHERE tenant_id = ? AND account_id = ?
		ORDER BY seq ASC
		LIMIT ?
	`, tenantID.String(), accountID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list queued operations: %w", err)
	}
	defer rows.Close()

	var ops []*QueuedOperation
	for rows.Next() {
		q, err := scanQueuedOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, q)
	}
	return ops, rows.Err()
}

func scanQueuedOperation(rows *sql.Rows) (*QueuedOperation, error) {
	var q QueuedOperation
	var opIDStr, tenantIDStr, accountIDStr, kindStr, payloadStr, createdAtStr string
	var lastError sql.NullString

	err := rows.Scan(&q.Seq, &opIDStr, &tenantIDStr, &accountIDStr, &kindStr,
		&payloadStr, &createdAtStr, &q.Attempts, &lastError)
	if err != nil {
		return nil, fmt.Errorf("scan queued operation: %w", err)
	}

	if q.Operation.ID, err = uuid.Parse(opIDStr); err != nil {
		return nil, fmt.Errorf("parse op id: %w", err)
	}
	if q.Operation.TenantID, err = uuid.Parse(tenantIDStr); err != nil {
		return nil, fmt.Errorf("parse tenant id: %w", err)
	}
	if q.Operation.AccountID, err = uuid.Parse(accountIDStr); err != nil {
		return nil, fmt.Errorf("parse account id: %w", err)
	}
	q.Operation.Kind = models.OperationKind(kindStr)
	if err := json.Unmarshal([]byte(payloadStr), &q.Operation.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if q.Operation.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if lastError.Valid {
		q.LastError = lastError.String
	}
	return &q, nil
}

// DeleteQueuedOperation removes a delivered or definitively rejected
// entry.
func (s *Store) DeleteQueuedOperation(ctx context.Context, opID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM op_queue WHERE op_id = ?`, opID.String())
	if err != nil {
		return fmt.Errorf("delete queued operation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordOperationFailure bumps the attempt count and stores the error for
// a retryable failure.
func (s *Store) RecordOperationFailure(ctx context.Context, opID uuid.UUID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE op_queue SET attempts = attempts + 1, last_error = ? WHERE op_id = ?
	`, message, opID.String())
	if err != nil {
		return fmt.Errorf("record operation failure: %w", err)
	}
	return nil
}

// CountQueuedOperations returns the queue depth.
func (s *Store) CountQueuedOperations(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM op_queue`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queued operations: %w", err)
	}
	return count, nil
}

// OldestQueuedAt returns the created_at of the oldest pending entry, or
// nil when the queue is empty.
func (s *Store) OldestQueuedAt(ctx context.Context) (*time.Time, error) {
	var createdAtStr sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MIN(created_at) FROM op_queue`).Scan(&createdAtStr)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query oldest queued: %w", err)
	}
	if !createdAtStr.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, createdAtStr.String)
	if err != nil {
		return nil, fmt.Errorf("parse oldest created_at: %w", err)
	}
	return &t, nil
}
