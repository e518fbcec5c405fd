package auth

import (
	"errors"

	"github.com/tillgate/tillgate/internal/models"
)

// Permission defines an action that can be performed.
type Permission string

const (
	// Selling
	PermSaleCreate     Permission = "sale:create"
	PermFeedbackCreate Permission = "feedback:create"
	PermBookingCreate  Permission = "booking:create"

	// Tenant administration
	PermStaffManage  Permission = "staff:manage"
	PermDeviceManage Permission = "device:manage"
	PermTenantRead   Permission = "tenant:read"

	// Platform operations
	PermBillingManage      Permission = "billing:manage"
	PermTenantManage       Permission = "tenant:manage"
	PermImpersonate        Permission = "impersonate"
	PermImpersonationAudit Permission = "impersonation:audit"
)

// rolePermissions maps roles to their allowed permissions.
var rolePermissions = map[models.Role][]Permission{
	models.RolePlatformOperator: {
		PermSaleCreate, PermFeedbackCreate, PermBookingCreate,
		PermStaffManage, PermDeviceManage, PermTenantRead,
		PermBillingManage, PermTenantManage,
		PermImpersonate, PermImpersonationAudit,
	},
	models.RoleTenantAdmin: {
		PermSaleCreate, PermFeedbackCreate, PermBookingCreate,
		PermStaffManage, PermDeviceManage, PermTenantRead,
	},
	models.RoleCashier: {
		PermSaleCreate, PermFeedbackCreate, PermBookingCreate,
		PermTenantRead,
	},
}

// HasRolePermission checks if a role has the given permission.
func HasRolePermission(role models.Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// DefaultPermissions returns the named permission set for a role, used when
// seeding accounts and local credential caches.
func DefaultPermissions(role models.Role) models.PermissionSet {
	set := make(models.PermissionSet)
	for _, p := range rolePermissions[role] {
		set[string(p)] = true
	}
	return set
}

// RequireRolePermission checks a role for a permission and returns
// ErrNotAuthorized if it is missing.
func RequireRolePermission(role models.Role, perm Permission) error {
	if !HasRolePermission(role, perm) {
		return ErrNotAuthorized
	}
	return nil
}

// ErrNotAuthorized is returned on a role or tenant-scope violation.
var ErrNotAuthorized = errors.New("not authorized")
