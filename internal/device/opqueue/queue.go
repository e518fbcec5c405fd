// Package opqueue drains the device's durable operation queue to the
// authority with at-least-once delivery.
package opqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/device/localstore"
	"github.com/tillgate/tillgate/internal/identity"
	"github.com/tillgate/tillgate/internal/models"
)

// Config bounds the queue and its drain batches.
type Config struct {
	MaxQueueSize int
	BatchLimit   int
}

// DefaultConfig returns the default queue bounds.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize: 1000,
		BatchLimit:   50,
	}
}

// Store is the persistence surface the queue needs.
type Store interface {
	EnqueueOperation(ctx context.Context, op *models.Operation, maxSize int) (int64, error)
	ListQueuedOperations(ctx context.Context, tenantID, accountID uuid.UUID, limit int) ([]*localstore.QueuedOperation, error)
	DeleteQueuedOperation(ctx context.Context, opID uuid.UUID) error
	RecordOperationFailure(ctx context.Context, opID uuid.UUID, message string) error
	CountQueuedOperations(ctx context.Context) (int, error)
}

// Submitter delivers one operation to the authority.
type Submitter interface {
	SubmitOperation(ctx context.Context, accessToken string, op *models.Operation) (*identity.OperationAck, error)
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Delivered  int
	Duplicates int
	// Rejected holds definitive per-entry rejections; those entries are
	// removed from the queue.
	Rejected []RejectedOperation
	// Stopped is the retryable error that halted the batch, nil when the
	// batch ran to completion. Entries after the stop stay queued in
	// order.
	Stopped error
}

// RejectedOperation pairs a definitively rejected operation with its
// error.
type RejectedOperation struct {
	OperationID uuid.UUID
	Err         error
}

// Queue wraps the durable store with delivery logic.
type Queue struct {
	store     Store
	submitter Submitter
	config    Config
	logger    zerolog.Logger
}

// New creates a Queue.
func New(store Store, submitter Submitter, config Config, logger zerolog.Logger) *Queue {
	return &Queue{
		store:     store,
		submitter: submitter,
		config:    config,
		logger:    logger.With().Str("component", "opqueue").Logger(),
	}
}

// Enqueue durably queues an operation for later delivery. The operation
// gets its client ID here if the caller left it unset. Over capacity the
// oldest entries are dropped; the count is logged and returned.
func (q *Queue) Enqueue(ctx context.Context, op *models.Operation) (dropped int64, err error) {
	if !op.Kind.Valid() {
		return 0, fmt.Errorf("enqueue: unknown operation kind %q", op.Kind)
	}
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}

	dropped, err = q.store.EnqueueOperation(ctx, op, q.config.MaxQueueSize)
	if err != nil {
		return 0, err
	}

	q.logger.Debug().
		Str("op_id", op.ID.String()).
		Str("kind", string(op.Kind)).
		Msg("operation queued")
	return dropped, nil
}

// Drain delivers queued operations for the given session, oldest first,
// up to the batch limit. A definitive rejection removes the entry and is
// reported in the result while the batch continues; a retryable failure
// stops the batch so ordering is preserved for the next attempt.
func (q *Queue) Drain(ctx context.Context, accessToken string, tenantID, accountID uuid.UUID) (*DrainResult, error) {
	entries, err := q.store.ListQueuedOperations(ctx, tenantID, accountID, q.config.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("list queued operations: %w", err)
	}

	result := &DrainResult{}
	for _, entry := range entries {
		ack, err := q.submitter.SubmitOperation(ctx, accessToken, &entry.Operation)
		if err != nil {
			if isDefinitive(err) {
				q.logger.Warn().Err(err).
					Str("op_id", entry.Operation.ID.String()).
					Msg("operation definitively rejected, dropping")
				if delErr := q.store.DeleteQueuedOperation(ctx, entry.Operation.ID); delErr != nil {
					return result, fmt.Errorf("delete rejected operation: %w", delErr)
				}
				result.Rejected = append(result.Rejected, RejectedOperation{
					OperationID: entry.Operation.ID,
					Err:         err,
				})
				continue
			}

			// Retryable: stop here, keep this entry and everything after
			// it queued in order.
			if recErr := q.store.RecordOperationFailure(ctx, entry.Operation.ID, err.Error()); recErr != nil {
				q.logger.Warn().Err(recErr).Msg("record operation failure")
			}
			result.Stopped = err
			q.logger.Debug().Err(err).
				Str("op_id", entry.Operation.ID.String()).
				Int("delivered", result.Delivered).
				Msg("drain stopped on retryable failure")
			return result, nil
		}

		if err := q.store.DeleteQueuedOperation(ctx, entry.Operation.ID); err != nil {
			return result, fmt.Errorf("delete delivered operation: %w", err)
		}
		if ack.Duplicate {
			result.Duplicates++
		} else {
			result.Delivered++
		}
	}

	if result.Delivered > 0 || result.Duplicates > 0 {
		q.logger.Info().
			Int("delivered", result.Delivered).
			Int("duplicates", result.Duplicates).
			Int("rejected", len(result.Rejected)).
			Msg("operation queue drained")
	}
	return result, nil
}

// Depth returns the total number of queued operations.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.CountQueuedOperations(ctx)
}

// isDefinitive reports whether the authority rejected the operation
// itself, as opposed to failing to process it. An authorization refusal
// is definitive too: the account's role will not change between retries,
// so holding the entry would wedge the queue behind it. Session expiry is
// not in this set; the daemon re-logins and retries.
func isDefinitive(err error) bool {
	return errors.Is(err, identity.ErrValidationFailed) ||
		errors.Is(err, identity.ErrAccountDisabled) ||
		errors.Is(err, identity.ErrDeviceNotActivated) ||
		errors.Is(err, auth.ErrNotAuthorized)
}
