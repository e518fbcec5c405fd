package opqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/device/localstore"
	"github.com/tillgate/tillgate/internal/identity"
	"github.com/tillgate/tillgate/internal/models"
)

// memStore keeps queue entries ordered in a slice, like the SQLite table
// orders them by seq.
type memStore struct {
	entries []*localstore.QueuedOperation
	nextSeq int64
}

func (s *memStore) EnqueueOperation(ctx context.Context, op *models.Operation, maxSize int) (int64, error) {
	s.nextSeq++
	s.entries = append(s.entries, &localstore.QueuedOperation{
		Seq:       s.nextSeq,
		Operation: *op,
	})
	var dropped int64
	for maxSize > 0 && len(s.entries) > maxSize {
		s.entries = s.entries[1:]
		dropped++
	}
	return dropped, nil
}

func (s *memStore) ListQueuedOperations(ctx context.Context, tenantID, accountID uuid.UUID, limit int) ([]*localstore.QueuedOperation, error) {
	out := make([]*localstore.QueuedOperation, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Operation.TenantID == tenantID && e.Operation.AccountID == accountID {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) DeleteQueuedOperation(ctx context.Context, opID uuid.UUID) error {
	for i, e := range s.entries {
		if e.Operation.ID == opID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return localstore.ErrNotFound
}

func (s *memStore) RecordOperationFailure(ctx context.Context, opID uuid.UUID, message string) error {
	for _, e := range s.entries {
		if e.Operation.ID == opID {
			e.Attempts++
			e.LastError = message
			return nil
		}
	}
	return localstore.ErrNotFound
}

func (s *memStore) CountQueuedOperations(ctx context.Context) (int, error) {
	return len(s.entries), nil
}

// scriptedSubmitter fails specific operations with scripted errors.
type scriptedSubmitter struct {
	failures  map[uuid.UUID]error
	delivered []uuid.UUID
	seen      map[uuid.UUID]bool
}

func newScriptedSubmitter() *scriptedSubmitter {
	return &scriptedSubmitter{
		failures: make(map[uuid.UUID]error),
		seen:     make(map[uuid.UUID]bool),
	}
}

func (f *scriptedSubmitter) SubmitOperation(ctx context.Context, accessToken string, op *models.Operation) (*identity.OperationAck, error) {
	if err, ok := f.failures[op.ID]; ok {
		return nil, err
	}
	dup := f.seen[op.ID]
	f.seen[op.ID] = true
	f.delivered = append(f.delivered, op.ID)
	return &identity.OperationAck{ID: op.ID, Duplicate: dup}, nil
}

func queuedOps(t *testing.T, q *Queue, tenantID, accountID uuid.UUID, n int) []*models.Operation {
	t.Helper()
	ctx := context.Background()
	ops := make([]*models.Operation, 0, n)
	for i := 0; i < n; i++ {
		op := &models.Operation{
			TenantID:  tenantID,
			AccountID: accountID,
			Kind:      models.OperationKindSale,
			Payload:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			CreatedAt: time.Now(),
		}
		if _, err := q.Enqueue(ctx, op); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ops = append(ops, op)
	}
	return ops
}

func TestDrainDeliversInOrder(t *testing.T) {
	store := &memStore{}
	submitter := newScriptedSubmitter()
	q := New(store, submitter, DefaultConfig(), zerolog.Nop())

	tenantID, accountID := uuid.New(), uuid.New()
	ops := queuedOps(t, q, tenantID, accountID, 5)

	result, err := q.Drain(context.Background(), "tga_test", tenantID, accountID)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Delivered != 5 || result.Stopped != nil {
		t.Fatalf("delivered = %d, stopped = %v", result.Delivered, result.Stopped)
	}
	for i, op := range ops {
		if submitter.delivered[i] != op.ID {
			t.Fatalf("delivery order broken at %d", i)
		}
	}
	if depth, _ := q.Depth(context.Background()); depth != 0 {
		t.Errorf("depth after drain = %d, want 0", depth)
	}
}

func TestDrainStopsOnRetryableFailure(t *testing.T) {
	store := &memStore{}
	submitter := newScriptedSubmitter()
	q := New(store, submitter, DefaultConfig(), zerolog.Nop())

	tenantID, accountID := uuid.New(), uuid.New()
	ops := queuedOps(t, q, tenantID, accountID, 5)

	// Entry 3 hits a transient network error; it and everything after it
	// must stay queued, in order.
	submitter.failures[ops[2].ID] = fmt.Errorf("post: %w", identity.ErrTransientNetwork)

	result, err := q.Drain(context.Background(), "tga_test", tenantID, accountID)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Delivered != 2 {
		t.Errorf("delivered = %d, want 2", result.Delivered)
	}
	if !errors.Is(result.Stopped, identity.ErrTransientNetwork) {
		t.Errorf("stopped = %v, want transient network", result.Stopped)
	}

	remaining, _ := store.ListQueuedOperations(context.Background(), tenantID, accountID, 0)
	if len(remaining) != 3 {
		t.Fatalf("remaining = %d, want 3", len(remaining))
	}
	for i, want := range ops[2:] {
		if remaining[i].Operation.ID != want.ID {
			t.Fatalf("queue order broken at %d", i)
		}
	}
	if remaining[0].Attempts != 1 || remaining[0].LastError == "" {
		t.Errorf("failed entry should record the attempt")
	}
}

func TestDrainDropsDefinitiveRejections(t *testing.T) {
	store := &memStore{}
	submitter := newScriptedSubmitter()
	q := New(store, submitter, DefaultConfig(), zerolog.Nop())

	tenantID, accountID := uuid.New(), uuid.New()
	ops := queuedOps(t, q, tenantID, accountID, 4)

	// Entry 2 is malformed; the server will never accept it. The batch
	// must continue past it.
	submitter.failures[ops[1].ID] = fmt.Errorf("submit: %w", identity.ErrValidationFailed)

	result, err := q.Drain(context.Background(), "tga_test", tenantID, accountID)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Delivered != 3 {
		t.Errorf("delivered = %d, want 3", result.Delivered)
	}
	if len(result.Rejected) != 1 || result.Rejected[0].OperationID != ops[1].ID {
		t.Fatalf("rejected = %+v", result.Rejected)
	}
	if result.Stopped != nil {
		t.Errorf("batch should not stop on a definitive rejection: %v", result.Stopped)
	}
	if depth, _ := q.Depth(context.Background()); depth != 0 {
		t.Errorf("depth = %d, want 0", depth)
	}
}

func TestDrainDropsUnauthorizedOperations(t *testing.T) {
	store := &memStore{}
	submitter := newScriptedSubmitter()
	q := New(store, submitter, DefaultConfig(), zerolog.Nop())

	tenantID, accountID := uuid.New(), uuid.New()
	ops := queuedOps(t, q, tenantID, accountID, 3)

	// The account's role does not permit this operation; retrying will
	// never change that, so the entry must not wedge the queue.
	submitter.failures[ops[0].ID] = fmt.Errorf("submit: %w", auth.ErrNotAuthorized)

	result, err := q.Drain(context.Background(), "tga_test", tenantID, accountID)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Delivered != 2 {
		t.Errorf("delivered = %d, want 2", result.Delivered)
	}
	if len(result.Rejected) != 1 || result.Rejected[0].OperationID != ops[0].ID {
		t.Fatalf("rejected = %+v", result.Rejected)
	}
	if !errors.Is(result.Rejected[0].Err, auth.ErrNotAuthorized) {
		t.Errorf("rejection error = %v, want not authorized", result.Rejected[0].Err)
	}
	if result.Stopped != nil {
		t.Errorf("authorization refusals must not stop the batch: %v", result.Stopped)
	}
	if depth, _ := q.Depth(context.Background()); depth != 0 {
		t.Errorf("depth = %d, want 0", depth)
	}
}

func TestDrainCountsDuplicates(t *testing.T) {
	store := &memStore{}
	submitter := newScriptedSubmitter()
	q := New(store, submitter, DefaultConfig(), zerolog.Nop())

	tenantID, accountID := uuid.New(), uuid.New()
	ops := queuedOps(t, q, tenantID, accountID, 1)

	// The server already has this one from a drain whose ack was lost.
	submitter.seen[ops[0].ID] = true

	result, err := q.Drain(context.Background(), "tga_test", tenantID, accountID)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Delivered != 0 || result.Duplicates != 1 {
		t.Errorf("delivered/duplicates = %d/%d, want 0/1", result.Delivered, result.Duplicates)
	}
	if depth, _ := q.Depth(context.Background()); depth != 0 {
		t.Errorf("duplicate ack must still clear the entry, depth = %d", depth)
	}
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	q := New(&memStore{}, newScriptedSubmitter(), DefaultConfig(), zerolog.Nop())
	_, err := q.Enqueue(context.Background(), &models.Operation{Kind: "refund"})
	if err == nil {
		t.Fatal("unknown kind must be rejected at capture time")
	}
}
