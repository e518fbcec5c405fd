package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceRecord is one physical device registered to a tenant. The device ID
// is stable and device-generated; rows are never hard-deleted while the
// tenant exists, deactivation only clears the active flag.
type DeviceRecord struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	DeviceID     string    `json:"device_id"`
	Platform     string    `json:"platform"`
	Label        string    `json:"label"`
	Active       bool      `json:"active"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}
