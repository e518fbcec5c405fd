// Package licensing enforces per-tenant device caps on the authority side.
package licensing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/db"
	"github.com/tillgate/tillgate/internal/models"
)

var (
	// ErrDeviceLimitExceeded is returned when a tenant has no free device
	// slots left.
	ErrDeviceLimitExceeded = errors.New("device limit exceeded")
	// ErrDeviceNotActivated is returned when a device is unknown or has
	// been deactivated.
	ErrDeviceNotActivated = errors.New("device not activated")
)

// Store is the persistence surface the manager needs.
type Store interface {
	RegisterDevice(ctx context.Context, tenantID uuid.UUID, deviceID, platform, label string, enforceCap bool) (*models.DeviceRecord, error)
	GetDevice(ctx context.Context, tenantID uuid.UUID, deviceID string) (*models.DeviceRecord, error)
	ListDevices(ctx context.Context, tenantID uuid.UUID) ([]*models.DeviceRecord, error)
	CountActiveDevices(ctx context.Context, tenantID uuid.UUID) (int, error)
	DeactivateDevice(ctx context.Context, tenantID uuid.UUID, deviceID string) error
	TouchDevice(ctx context.Context, tenantID uuid.UUID, deviceID string) error
	GetBilling(ctx context.Context, tenantID uuid.UUID) (*models.BillingRecord, error)
}

// Manager admits, validates and deactivates devices against tenant caps.
type Manager struct {
	store  Store
	logger zerolog.Logger
}

// NewManager creates a Manager.
func NewManager(store Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With().Str("component", "licensing").Logger(),
	}
}

// Register admits a device for a tenant. The cap is enforced atomically in
// the store; platform operators bypass it so support can always attach a
// terminal to a stuck tenant.
func (m *Manager) Register(ctx context.Context, actorRole models.Role, tenantID uuid.UUID, deviceID, platform, label string) (*models.DeviceRecord, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("register device: empty device ID")
	}

	enforceCap := actorRole != models.RolePlatformOperator
	rec, err := m.store.RegisterDevice(ctx, tenantID, deviceID, platform, label, enforceCap)
	if err != nil {
		if errors.Is(err, db.ErrDeviceLimitReached) {
			m.logger.Warn().
				Str("tenant_id", tenantID.String()).
				Str("device_id", deviceID).
				Msg("device registration rejected, cap reached")
			return nil, ErrDeviceLimitExceeded
		}
		return nil, fmt.Errorf("register device: %w", err)
	}

	m.logger.Info().
		Str("tenant_id", tenantID.String()).
		Str("device_id", deviceID).
		Bool("cap_enforced", enforceCap).
		Msg("device registered")
	return rec, nil
}

// Validate checks that a device is registered and active, refreshing its
// last-seen timestamp on success.
func (m *Manager) Validate(ctx context.Context, tenantID uuid.UUID, deviceID string) (*models.DeviceRecord, error) {
	rec, err := m.store.GetDevice(ctx, tenantID, deviceID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrDeviceNotActivated
		}
		return nil, fmt.Errorf("validate device: %w", err)
	}
	if !rec.Active {
		return nil, ErrDeviceNotActivated
	}

	if err := m.store.TouchDevice(ctx, tenantID, deviceID); err != nil {
		// Liveness bookkeeping only; the validation itself stands.
		m.logger.Warn().Err(err).Str("device_id", deviceID).Msg("touch device failed")
	}
	return rec, nil
}

// Deactivate frees a device slot. Deactivation is always human-initiated;
// the authority never ejects a device on its own.
func (m *Manager) Deactivate(ctx context.Context, tenantID uuid.UUID, deviceID string) error {
	if err := m.store.DeactivateDevice(ctx, tenantID, deviceID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrDeviceNotActivated
		}
		return fmt.Errorf("deactivate device: %w", err)
	}
	m.logger.Info().
		Str("tenant_id", tenantID.String()).
		Str("device_id", deviceID).
		Msg("device deactivated")
	return nil
}

// Usage returns the tenant's active device count and licensed maximum.
func (m *Manager) Usage(ctx context.Context, tenantID uuid.UUID) (active, max int, err error) {
	billing, err := m.store.GetBilling(ctx, tenantID)
	if err != nil {
		return 0, 0, fmt.Errorf("get billing: %w", err)
	}
	count, err := m.store.CountActiveDevices(ctx, tenantID)
	if err != nil {
		return 0, 0, fmt.Errorf("count devices: %w", err)
	}
	return count, billing.MaxDevices, nil
}

// List returns the tenant's device records.
func (m *Manager) List(ctx context.Context, tenantID uuid.UUID) ([]*models.DeviceRecord, error) {
	return m.store.ListDevices(ctx, tenantID)
}
