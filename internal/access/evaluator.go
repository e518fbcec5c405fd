// Package access derives a tenant's current access state from its billing
// facts. The evaluation is a pure function: callers inject the current time,
// which must come from a trusted source, not the raw device clock.
package access

import (
	"time"

	"github.com/tillgate/tillgate/internal/models"
)

// State is the derived access state of a tenant.
type State string

const (
	// StateActive means the tenant is paid up and fully operational.
	StateActive State = "active"
	// StateGrace means the paid-through date has passed but the grace
	// window is still open. Selling continues; renewal is due.
	StateGrace State = "grace"
	// StateLocked means the tenant may not operate: suspended, manually
	// locked, or past the grace window.
	StateLocked State = "locked"
)

// Input bundles the facts the evaluation depends on.
type Input struct {
	TenantStatus   models.TenantStatus
	PaidThrough    time.Time
	GraceDays      int
	LockedOverride bool
}

// Evaluate returns the access state for the given facts at the given time.
// Precedence, first match wins:
//
//  1. locked when the tenant is suspended or manually locked
//  2. active while now is on or before paid_through
//  3. grace while now is within paid_through + grace_days
//  4. locked otherwise
//
// For fixed facts the result is monotonic in now: it only ever moves
// active -> grace -> locked as time advances.
func Evaluate(in Input, now time.Time) State {
	if in.TenantStatus == models.TenantStatusSuspended || in.LockedOverride {
		return StateLocked
	}
	if !now.After(in.PaidThrough) {
		return StateActive
	}
	graceEnd := in.PaidThrough.AddDate(0, 0, in.GraceDays)
	if !now.After(graceEnd) {
		return StateGrace
	}
	return StateLocked
}

// ForBilling is a convenience wrapper building an Input from a tenant and
// its billing record.
func ForBilling(tenant *models.Tenant, billing *models.BillingRecord, now time.Time) State {
	return Evaluate(Input{
		TenantStatus:   tenant.Status,
		PaidThrough:    billing.PaidThrough,
		GraceDays:      billing.GraceDays,
		LockedOverride: billing.LockedOverride,
	}, now)
}

// Operable reports whether the state permits normal selling.
func (s State) Operable() bool {
	return s == StateActive || s == StateGrace
}
