package models

import (
	"time"

	"github.com/google/uuid"
)

// ImpersonationAudit records one support impersonation of a tenant by a
// platform operator. Created when impersonation starts; EndedAt is set when
// the operator returns to their own session or the record is force-closed.
type ImpersonationAudit struct {
	ID             uuid.UUID  `json:"id"`
	OperatorID     uuid.UUID  `json:"operator_id"`
	TargetTenantID uuid.UUID  `json:"target_tenant_id"`
	TargetRole     Role       `json:"target_role"`
	Reason         string     `json:"reason"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Open reports whether the impersonation has not been ended yet.
func (a *ImpersonationAudit) Open() bool {
	return a.EndedAt == nil
}
