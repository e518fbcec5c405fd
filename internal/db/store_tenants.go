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

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// CreateTenant inserts a new tenant.
func (db *DB) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO tenants (id, name, plan_type, status, is_demo, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, tenant.ID, tenant.Name, tenant.PlanType, string(tenant.Status), tenant.IsDemo)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

// GetTenant returns a tenant by ID.
func (db *DB) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, name, plan_type, status, is_demo, deleted_at, deleted_reason, deleted_by, created_at, updated_at
		FROM tenants WHERE id = $1
	`, id)
	return scanTenant(row)
}

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	var statusStr string
	var deletedReason *string
	err := row.Scan(&t.ID, &t.Name, &t.PlanType, &statusStr, &t.IsDemo,
		&t.DeletedAt, &deletedReason, &t.DeletedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.Status = models.TenantStatus(statusStr)
	if deletedReason != nil {
		t.DeletedReason = *deletedReason
	}
	return &t, nil
}

// SetTenantStatus updates a tenant's lifecycle status.
func (db *DB) SetTenantStatus(ctx context.Context, id uuid.UUID, status models.TenantStatus) error {
	result, err := db.Pool.Exec(ctx, `
		UPDATE tenants SET status = $1, updated_at = NOW() WHERE id = $2
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("set tenant status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteTenant marks a tenant deleted without removing its rows.
func (db *DB) SoftDeleteTenant(ctx context.Context, id uuid.UUID, reason string, actor uuid.UUID) error {
	result, err := db.Pool.Exec(ctx, `
		UPDATE tenants
		SET deleted_at = NOW(), deleted_reason = $1, deleted_by = $2, updated_at = NOW()
		WHERE id = $3 AND deleted_at IS NULL
	`, reason, actor, id)
	if err != nil {
		return fmt.Errorf("soft delete tenant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTenant hard-deletes a tenant and all dependent rows. Only used by
// the demo purge sweep; real tenants are soft-deleted.
func (db *DB) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	return nil
}

// GetBilling returns the billing record for a tenant.
func (db *DB) GetBilling(ctx context.Context, tenantID uuid.UUID) (*models.BillingRecord, error) {
	var b models.BillingRecord
	err := db.Pool.QueryRow(ctx, `
		SELECT tenant_id, paid_through, grace_days, locked_override, max_devices, updated_at
		FROM billing_records WHERE tenant_id = $1
	`, tenantID).Scan(&b.TenantID, &b.PaidThrough, &b.GraceDays, &b.LockedOverride, &b.MaxDevices, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get billing record: %w", err)
	}
	return &b, nil
}

// UpsertBilling creates or replaces the billing record for a tenant.
func (db *DB) UpsertBilling(ctx context.Context, b *models.BillingRecord) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO billing_records (tenant_id, paid_through, grace_days, locked_override, max_devices, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			paid_through = EXCLUDED.paid_through,
			grace_days = EXCLUDED.grace_days,
			locked_override = EXCLUDED.locked_override,
			max_devices = EXCLUDED.max_devices,
			updated_at = NOW()
	`, b.TenantID, b.PaidThrough, b.GraceDays, b.LockedOverride, b.MaxDevices)
	if err != nil {
		return fmt.Errorf("upsert billing record: %w", err)
	}
	return nil
}

// RecordPayment moves a tenant's paid-through date forward.
func (db *DB) RecordPayment(ctx context.Context, tenantID uuid.UUID, paidThrough time.Time) error {
	result, err := db.Pool.Exec(ctx, `
		UPDATE billing_records SET paid_through = $1, updated_at = NOW() WHERE tenant_id = $2
	`, paidThrough, tenantID)
	if err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLockedOverride flips the manual kill switch for a tenant.
func (db *DB) SetLockedOverride(ctx context.Context, tenantID uuid.UUID, locked bool) error {
	result, err := db.Pool.Exec(ctx, `
		UPDATE billing_records SET locked_override = $1, updated_at = NOW() WHERE tenant_id = $2
	`, locked, tenantID)
	if err != nil {
		return fmt.Errorf("set locked override: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateCatalogItem inserts a catalog item (used by demo seeding).
func (db *DB) CreateCatalogItem(ctx context.Context, tenantID uuid.UUID, name string, priceCents int) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO catalog_items (id, tenant_id, name, price_cents) VALUES ($1, $2, $3, $4)
	`, uuid.New(), tenantID, name, priceCents)
	if err != nil {
		return fmt.Errorf("insert catalog item: %w", err)
	}
	return nil
}

// DeleteTenantBusinessData removes a tenant's business rows (catalog,
// operations) ahead of a demo purge.
func (db *DB) DeleteTenantBusinessData(ctx context.Context, tenantID uuid.UUID) error {
	if _, err := db.Pool.Exec(ctx, `DELETE FROM operations WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("delete operations: %w", err)
	}
	if _, err := db.Pool.Exec(ctx, `DELETE FROM catalog_items WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("delete catalog items: %w", err)
	}
	return nil
}
