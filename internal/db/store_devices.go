package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/tillgate/tillgate/internal/models"
)

// ErrDeviceLimitReached is returned when a tenant's active device count is
// already at its licensed maximum.
var ErrDeviceLimitReached = errors.New("device limit reached")

const deviceColumns = `id, tenant_id, device_id, platform, label, active, registered_at, last_seen_at`

// RegisterDevice admits a device against the tenant's device cap. The
// tenant's billing row is locked FOR UPDATE so concurrent registrations
// serialize and the cap can never be oversubscribed. Re-registering an
// already-active device refreshes last_seen and does not consume a slot;
// re-registering a deactivated device goes through the cap check again.
// enforceCap false skips the count check (platform operator path).
func (db *DB) RegisterDevice(ctx context.Context, tenantID uuid.UUID, deviceID, platform, label string, enforceCap bool) (*models.DeviceRecord, error) {
	var rec *models.DeviceRecord
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		var maxDevices int
		err := tx.QueryRow(ctx, `
			SELECT max_devices FROM billing_records WHERE tenant_id = $1 FOR UPDATE
		`, tenantID).Scan(&maxDevices)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock billing row: %w", err)
		}

		existing := &models.DeviceRecord{}
		err = tx.QueryRow(ctx, `
			SELECT `+deviceColumns+` FROM devices WHERE tenant_id = $1 AND device_id = $2
		`, tenantID, deviceID).Scan(&existing.ID, &existing.TenantID, &existing.DeviceID,
			&existing.Platform, &existing.Label, &existing.Active,
			&existing.RegisteredAt, &existing.LastSeenAt)
		switch {
		case err == nil && existing.Active:
			// Already admitted; just refresh liveness.
			if _, err := tx.Exec(ctx, `
				UPDATE devices SET last_seen_at = NOW() WHERE id = $1
			`, existing.ID); err != nil {
				return fmt.Errorf("touch device: %w", err)
			}
			rec = existing
			return nil
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("lookup device: %w", err)
		}

		if enforceCap {
			var activeCount int
			if err := tx.QueryRow(ctx, `
				SELECT COUNT(*) FROM devices WHERE tenant_id = $1 AND active
			`, tenantID).Scan(&activeCount); err != nil {
				return fmt.Errorf("count active devices: %w", err)
			}
			if activeCount >= maxDevices {
				return ErrDeviceLimitReached
			}
		}

		if existing.ID != uuid.Nil {
			// Reactivation of a previously deactivated device.
			if _, err := tx.Exec(ctx, `
				UPDATE devices SET active = TRUE, platform = $1, label = $2, last_seen_at = NOW()
				WHERE id = $3
			`, platform, label, existing.ID); err != nil {
				return fmt.Errorf("reactivate device: %w", err)
			}
			existing.Active = true
			existing.Platform = platform
			existing.Label = label
			rec = existing
			return nil
		}

		fresh := &models.DeviceRecord{
			ID:       uuid.New(),
			TenantID: tenantID,
			DeviceID: deviceID,
			Platform: platform,
			Label:    label,
			Active:   true,
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO devices (id, tenant_id, device_id, platform, label, active)
			VALUES ($1, $2, $3, $4, $5, TRUE)
			RETURNING registered_at, last_seen_at
		`, fresh.ID, fresh.TenantID, fresh.DeviceID, fresh.Platform, fresh.Label).
			Scan(&fresh.RegisteredAt, &fresh.LastSeenAt); err != nil {
			return fmt.Errorf("insert device: %w", err)
		}
		rec = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetDevice returns a device by tenant and device ID.
func (db *DB) GetDevice(ctx context.Context, tenantID uuid.UUID, deviceID string) (*models.DeviceRecord, error) {
	var d models.DeviceRecord
	err := db.Pool.QueryRow(ctx, `
		SELECT `+deviceColumns+` FROM devices WHERE tenant_id = $1 AND device_id = $2
	`, tenantID, deviceID).Scan(&d.ID, &d.TenantID, &d.DeviceID, &d.Platform,
		&d.Label, &d.Active, &d.RegisteredAt, &d.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

// ListDevices returns all device records for a tenant, active first.
func (db *DB) ListDevices(ctx context.Context, tenantID uuid.UUID) ([]*models.DeviceRecord, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE tenant_id = $1
		ORDER BY active DESC, registered_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.DeviceRecord
	for rows.Next() {
		var d models.DeviceRecord
		if err := rows.Scan(&d.ID, &d.TenantID, &d.DeviceID, &d.Platform,
			&d.Label, &d.Active, &d.RegisteredAt, &d.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, &d)
	}
	return devices, rows.Err()
}

// CountActiveDevices returns the number of active devices for a tenant.
func (db *DB) CountActiveDevices(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM devices WHERE tenant_id = $1 AND active
	`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active devices: %w", err)
	}
	return count, nil
}

// DeactivateDevice frees a device slot. The row is kept for audit.
func (db *DB) DeactivateDevice(ctx context.Context, tenantID uuid.UUID, deviceID string) error {
	result, err := db.Pool.Exec(ctx, `
		UPDATE devices SET active = FALSE WHERE tenant_id = $1 AND device_id = $2 AND active
	`, tenantID, deviceID)
	if err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchDevice updates a device's last-seen timestamp.
func (db *DB) TouchDevice(ctx context.Context, tenantID uuid.UUID, deviceID string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE devices SET last_seen_at = NOW() WHERE tenant_id = $1 AND device_id = $2
	`, tenantID, deviceID)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}
