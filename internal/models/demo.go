package models

import (
	"time"

	"github.com/google/uuid"
)

// DemoSession tracks one provisioned sandbox tenant. OriginHash is a salted
// hash of the caller's network origin; the raw address is never stored.
type DemoSession struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	AccountID  uuid.UUID  `json:"account_id"`
	OriginHash string     `json:"origin_hash"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	PurgedAt   *time.Time `json:"purged_at,omitempty"`
}

// Expired reports whether the sandbox is past its expiry at the given time.
func (s *DemoSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
