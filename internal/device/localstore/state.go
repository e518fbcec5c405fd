package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tillgate/tillgate/internal/auth"
)

// Well-known device_state keys.
const (
	stateKeyLicenseMarker = "license_marker"
	stateKeyClockAnchor   = "clock_anchor"
	stateKeyTokenBackup   = "token_backup"
	stateKeyLastUsername  = "last_username"
	stateKeyDeviceID      = "device_id"
)

// SetState stores a key-value pair in device state.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_state (key, value, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// GetState retrieves a device state value, empty string if unset.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM device_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// DeleteState removes a device state key.
func (s *Store) DeleteState(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

// LicenseMarker records that this device was admitted by the authority
// for a tenant. Offline logins are only allowed while a marker exists;
// the marker is minted exclusively on an explicit online admission.
type LicenseMarker struct {
	TenantID uuid.UUID `json:"tenant_id"`
	DeviceID string    `json:"device_id"`
	MarkedAt time.Time `json:"marked_at"`
}

// SetLicenseMarker persists the admission marker.
func (s *Store) SetLicenseMarker(ctx context.Context, marker *LicenseMarker) error {
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("encode license marker: %w", err)
	}
	return s.SetState(ctx, stateKeyLicenseMarker, string(data))
}

// GetLicenseMarker returns the admission marker, or nil when the device
// has never been admitted (or was deactivated).
func (s *Store) GetLicenseMarker(ctx context.Context) (*LicenseMarker, error) {
	value, err := s.GetState(ctx, stateKeyLicenseMarker)
	if err != nil {
		return nil, err
	}
	if value == "" {
		return nil, nil
	}
	var marker LicenseMarker
	if err := json.Unmarshal([]byte(value), &marker); err != nil {
		return nil, fmt.Errorf("decode license marker: %w", err)
	}
	return &marker, nil
}

// ClearLicenseMarker removes the admission marker.
func (s *Store) ClearLicenseMarker(ctx context.Context) error {
	return s.DeleteState(ctx, stateKeyLicenseMarker)
}

// ClockAnchor is the persisted server-time anchor.
type ClockAnchor struct {
	Offset     time.Duration `json:"offset"`
	AnchoredAt time.Time     `json:"anchored_at"`
}

// SetClockAnchor persists the clock anchor across restarts.
func (s *Store) SetClockAnchor(ctx context.Context, anchor *ClockAnchor) error {
	data, err := json.Marshal(anchor)
	if err != nil {
		return fmt.Errorf("encode clock anchor: %w", err)
	}
	return s.SetState(ctx, stateKeyClockAnchor, string(data))
}

// GetClockAnchor returns the persisted clock anchor, or nil if none.
func (s *Store) GetClockAnchor(ctx context.Context) (*ClockAnchor, error) {
	value, err := s.GetState(ctx, stateKeyClockAnchor)
	if err != nil {
		return nil, err
	}
	if value == "" {
		return nil, nil
	}
	var anchor ClockAnchor
	if err := json.Unmarshal([]byte(value), &anchor); err != nil {
		return nil, fmt.Errorf("decode clock anchor: %w", err)
	}
	return &anchor, nil
}

// BackupTokenPair stores the operator's own token pair before an
// impersonation switch so it can be restored afterwards.
func (s *Store) BackupTokenPair(ctx context.Context, pair *auth.TokenPair) error {
	data, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("encode token backup: %w", err)
	}
	return s.SetState(ctx, stateKeyTokenBackup, string(data))
}

// RestoreTokenPair returns the backed-up token pair, or nil if none.
func (s *Store) RestoreTokenPair(ctx context.Context) (*auth.TokenPair, error) {
	value, err := s.GetState(ctx, stateKeyTokenBackup)
	if err != nil {
		return nil, err
	}
	if value == "" {
		return nil, nil
	}
	var pair auth.TokenPair
	if err := json.Unmarshal([]byte(value), &pair); err != nil {
		return nil, fmt.Errorf("decode token backup: %w", err)
	}
	return &pair, nil
}

// ClearTokenBackup removes the backed-up token pair.
func (s *Store) ClearTokenBackup(ctx context.Context) error {
	return s.DeleteState(ctx, stateKeyTokenBackup)
}

// SetLastUsername remembers the last successful login for UI prefill.
func (s *Store) SetLastUsername(ctx context.Context, username string) error {
	return s.SetState(ctx, stateKeyLastUsername, username)
}

// GetLastUsername returns the last successful login username.
func (s *Store) GetLastUsername(ctx context.Context) (string, error) {
	return s.GetState(ctx, stateKeyLastUsername)
}

// DeviceID returns the stable device identifier, generating and
// persisting one on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	id, err := s.GetState(ctx, stateKeyDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.New().String()
	if err := s.SetState(ctx, stateKeyDeviceID, id); err != nil {
		return "", err
	}
	s.logger.Info().Str("device_id", id).Msg("device identifier generated")
	return id, nil
}
