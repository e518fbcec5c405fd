package models

import (
	"time"

	"github.com/google/uuid"
)

// TenantStatus is the lifecycle status of a tenant.
type TenantStatus string

const (
	// TenantStatusActive is the normal operating status.
	TenantStatusActive TenantStatus = "active"
	// TenantStatusSuspended is a manual platform-level suspension; it locks
	// the tenant regardless of billing facts.
	TenantStatusSuspended TenantStatus = "suspended"
)

// Valid reports whether the status is a known value.
func (s TenantStatus) Valid() bool {
	switch s {
	case TenantStatusActive, TenantStatusSuspended:
		return true
	}
	return false
}

// Tenant is a retail business. A tenant has many accounts and many devices.
type Tenant struct {
	ID       uuid.UUID    `json:"id"`
	Name     string       `json:"name"`
	PlanType string       `json:"plan_type"`
	Status   TenantStatus `json:"status"`
	IsDemo   bool         `json:"is_demo"`

	// Soft-delete metadata. A deleted tenant keeps its row until purge.
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	DeletedReason string     `json:"deleted_reason,omitempty"`
	DeletedBy     *uuid.UUID `json:"deleted_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BillingRecord holds the billing facts for one tenant (1:1). Mutated only
// by platform operators or by demo provisioning.
type BillingRecord struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	PaidThrough    time.Time `json:"paid_through"`
	GraceDays      int       `json:"grace_days"`
	LockedOverride bool      `json:"locked_override"`
	MaxDevices     int       `json:"max_devices"`
	UpdatedAt      time.Time `json:"updated_at"`
}
