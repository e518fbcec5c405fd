package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OperationKind classifies a state-changing operation a device can queue
// while offline.
type OperationKind string

const (
	// OperationKindSale is a completed sale receipt.
	OperationKindSale OperationKind = "sale"
	// OperationKindFeedback is customer feedback captured at the till.
	OperationKindFeedback OperationKind = "feedback"
	// OperationKindBooking is a service booking.
	OperationKindBooking OperationKind = "booking"
)

// Valid reports whether the kind is one of the known operation kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationKindSale, OperationKindFeedback, OperationKindBooking:
		return true
	}
	return false
}

// Operation is a state-changing operation submitted by a device. The ID is
// client-generated so the authority can accept replays idempotently: the
// device may retry an operation whose prior attempt succeeded but whose
// acknowledgment was lost.
type Operation struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	AccountID uuid.UUID       `json:"account_id"`
	Kind      OperationKind   `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	// AcceptedAt is when the authority durably accepted the operation.
	AcceptedAt time.Time `json:"accepted_at"`
}
