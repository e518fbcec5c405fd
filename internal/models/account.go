// Package models defines the core data types shared between the TillGate
// server and the device daemon.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the privilege level of an account.
type Role string

const (
	// RolePlatformOperator is the platform-level role. Operators are not
	// bound to a tenant and bypass device licensing.
	RolePlatformOperator Role = "platform_operator"
	// RoleTenantAdmin manages a single tenant's staff and devices.
	RoleTenantAdmin Role = "tenant_admin"
	// RoleCashier is the ordinary point-of-sale operator role.
	RoleCashier Role = "cashier"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RolePlatformOperator, RoleTenantAdmin, RoleCashier:
		return true
	}
	return false
}

// Privileged reports whether the role requires an independently auditable
// cloud session. Privileged roles can never log in offline.
func (r Role) Privileged() bool {
	return r == RolePlatformOperator
}

// PermissionSet is a named set of boolean permissions attached to an account.
type PermissionSet map[string]bool

// Has returns the value of the named permission, false when absent.
func (p PermissionSet) Has(name string) bool {
	return p[name]
}

// Account is the identity of a human operator. It is owned by the central
// store; devices only ever hold a read-only cached projection of it.
type Account struct {
	ID          uuid.UUID     `json:"id"`
	Username    string        `json:"username"`
	DisplayName string        `json:"display_name"`
	Role        Role          `json:"role"`
	Permissions PermissionSet `json:"permissions"`
	// TenantID is nil for platform operators.
	TenantID  *uuid.UUID `json:"tenant_id,omitempty"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// BelongsTo reports whether the account is scoped to the given tenant.
// Platform operators belong to no tenant.
func (a *Account) BelongsTo(tenantID uuid.UUID) bool {
	return a.TenantID != nil && *a.TenantID == tenantID
}

// PasswordVerifier is the stored shape of a password: a salted PBKDF2 hash
// with its iteration count. The plaintext never appears here.
type PasswordVerifier struct {
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`
	Hash       []byte `json:"hash"`
}
