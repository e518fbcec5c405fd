package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCredentialRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tenantID := uuid.New()
	cred := &CachedCredential{
		AccountID:   uuid.New(),
		TenantID:    tenantID,
		Username:    "alice",
		DisplayName: "Alice",
		Role:        models.RoleCashier,
		Verifier: models.PasswordVerifier{
			Salt:       []byte("salt-bytes"),
			Iterations: 210000,
			Hash:       []byte("hash-bytes"),
		},
		CachedAt:       time.Now().UTC().Truncate(time.Second),
		LastVerifiedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SeedCredential(ctx, cred))

	got, err := store.GetCredential(ctx, tenantID, "alice")
	require.NoError(t, err)
	require.Equal(t, cred.AccountID, got.AccountID)
	require.Equal(t, cred.Role, got.Role)
	require.Equal(t, cred.Verifier.Salt, got.Verifier.Salt)
	require.Equal(t, cred.Verifier.Iterations, got.Verifier.Iterations)
	require.Equal(t, cred.Verifier.Hash, got.Verifier.Hash)

	// Reseeding the same account replaces the row.
	cred.DisplayName = "Alice B"
	require.NoError(t, store.SeedCredential(ctx, cred))
	got, err = store.GetCredential(ctx, tenantID, "alice")
	require.NoError(t, err)
	require.Equal(t, "Alice B", got.DisplayName)

	// Unknown lookups and scope mismatches are ErrNotFound.
	_, err = store.GetCredential(ctx, tenantID, "bob")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetCredential(ctx, uuid.New(), "alice")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.DeleteCredential(ctx, cred.AccountID))
	_, err = store.GetCredential(ctx, tenantID, "alice")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCredentialsExceptTenant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	keep := uuid.New()
	for i, tenantID := range []uuid.UUID{keep, uuid.New(), uuid.New()} {
		require.NoError(t, store.SeedCredential(ctx, &CachedCredential{
			AccountID: uuid.New(),
			TenantID:  tenantID,
			Username:  fmt.Sprintf("user-%d", i),
			Role:      models.RoleCashier,
			Verifier: models.PasswordVerifier{
				Salt:       []byte("salt-bytes"),
				Iterations: 210000,
				Hash:       []byte("hash-bytes"),
			},
		}))
	}

	cleared, err := store.DeleteCredentialsExceptTenant(ctx, keep)
	require.NoError(t, err)
	require.EqualValues(t, 2, cleared)

	_, err = store.GetCredential(ctx, keep, "user-0")
	require.NoError(t, err)
}

func TestQueueOrderAndTrim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tenantID, accountID := uuid.New(), uuid.New()
	ids := make([]uuid.UUID, 0, 5)
	for i := 0; i < 5; i++ {
		op := &models.Operation{
			ID:        uuid.New(),
			TenantID:  tenantID,
			AccountID: accountID,
			Kind:      models.OperationKindSale,
			Payload:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			CreatedAt: time.Now().UTC(),
		}
		dropped, err := store.EnqueueOperation(ctx, op, 3)
		require.NoError(t, err)
		if i < 3 {
			require.Zero(t, dropped)
		} else {
			require.EqualValues(t, 1, dropped, "over capacity the oldest entry drops")
		}
		ids = append(ids, op.ID)
	}

	entries, err := store.ListQueuedOperations(ctx, tenantID, accountID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// The two oldest were dropped; the rest keep arrival order.
	for i, entry := range entries {
		require.Equal(t, ids[i+2], entry.Operation.ID)
	}

	require.NoError(t, store.RecordOperationFailure(ctx, ids[2], "timeout"))
	entries, err = store.ListQueuedOperations(ctx, tenantID, accountID, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].Attempts)
	require.Equal(t, "timeout", entries[0].LastError)

	require.NoError(t, store.DeleteQueuedOperation(ctx, ids[2]))
	require.ErrorIs(t, store.DeleteQueuedOperation(ctx, ids[2]), ErrNotFound)

	depth, err := store.CountQueuedOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, depth)

	oldest, err := store.OldestQueuedAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, oldest)
}

func TestQueueScopedBySessionOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tenantID := uuid.New()
	alice, bob := uuid.New(), uuid.New()
	for _, accountID := range []uuid.UUID{alice, bob} {
		_, err := store.EnqueueOperation(ctx, &models.Operation{
			ID:        uuid.New(),
			TenantID:  tenantID,
			AccountID: accountID,
			Kind:      models.OperationKindSale,
			Payload:   json.RawMessage(`{}`),
			CreatedAt: time.Now().UTC(),
		}, 0)
		require.NoError(t, err)
	}

	entries, err := store.ListQueuedOperations(ctx, tenantID, alice, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, alice, entries[0].Operation.AccountID)
}

func TestLicenseMarker(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	marker, err := store.GetLicenseMarker(ctx)
	require.NoError(t, err)
	require.Nil(t, marker)

	want := &LicenseMarker{
		TenantID: uuid.New(),
		DeviceID: "dev-1",
		MarkedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SetLicenseMarker(ctx, want))

	marker, err = store.GetLicenseMarker(ctx)
	require.NoError(t, err)
	require.Equal(t, want.TenantID, marker.TenantID)
	require.Equal(t, want.DeviceID, marker.DeviceID)

	require.NoError(t, store.ClearLicenseMarker(ctx))
	marker, err = store.GetLicenseMarker(ctx)
	require.NoError(t, err)
	require.Nil(t, marker)
}

func TestTokenBackup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pair, err := store.RestoreTokenPair(ctx)
	require.NoError(t, err)
	require.Nil(t, pair)

	want := &auth.TokenPair{
		AccessToken:  "tga_op",
		RefreshToken: "tgr_op",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	require.NoError(t, store.BackupTokenPair(ctx, want))

	pair, err = store.RestoreTokenPair(ctx)
	require.NoError(t, err)
	require.Equal(t, want.AccessToken, pair.AccessToken)
	require.Equal(t, want.RefreshToken, pair.RefreshToken)

	require.NoError(t, store.ClearTokenBackup(ctx))
	pair, err = store.RestoreTokenPair(ctx)
	require.NoError(t, err)
	require.Nil(t, pair)
}

func TestDeviceIDStable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.DeviceID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := store.DeviceID(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second, "device ID must be stable across calls")
}

func TestClockAnchorRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	anchor, err := store.GetClockAnchor(ctx)
	require.NoError(t, err)
	require.Nil(t, anchor)

	want := &ClockAnchor{
		Offset:     90 * time.Second,
		AnchoredAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SetClockAnchor(ctx, want))

	anchor, err = store.GetClockAnchor(ctx)
	require.NoError(t, err)
	require.Equal(t, want.Offset, anchor.Offset)
	require.True(t, want.AnchoredAt.Equal(anchor.AnchoredAt))
}
