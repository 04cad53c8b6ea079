package run

import (
	"encoding/json"
	"time"
)

// Audit event kinds: the compact decision trail persisted per phase.
const (
	AuditSavePoint        = "save-point"
	AuditRollback         = "rollback"
	AuditGovernance       = "governance-decision"
	AuditApprovalRequest  = "approval-request"
	AuditApprovalResolved = "approval-resolved"
	AuditDoctor           = "doctor-invocation"
	AuditReplan           = "replan"
	AuditEscalation       = "escalation"
	AuditBaseline         = "baseline"
	AuditReview           = "auditor-review"
)

// AuditEvent is one entry in a run's persisted decision trail. Seq orders
// events within a run; it is assigned by the store on insert.
type AuditEvent struct {
	RunID     string          `json:"run_id"`
	PhaseID   string          `json:"phase_id,omitempty"`
	Seq       int64           `json:"seq"`
	Kind      string          `json:"kind"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewAuditEvent builds an event with the detail payload marshaled. Marshal
// failures degrade to an empty detail rather than dropping the event.
func NewAuditEvent(runID, phaseID, kind string, detail interface{}) AuditEvent {
	ev := AuditEvent{
		RunID:     runID,
		PhaseID:   phaseID,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			ev.Detail = raw
		}
	}
	return ev
}
