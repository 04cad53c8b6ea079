package run

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ApprovalKind classifies why human sign-off is being requested.
type ApprovalKind string

const (
	ApprovalRiskyPatch          ApprovalKind = "risky-patch"
	ApprovalAmbiguousDecision   ApprovalKind = "ambiguous-decision"
	ApprovalGovernanceException ApprovalKind = "governance-exception"
	ApprovalDeletionThreshold   ApprovalKind = "deletion-threshold"
)

// ApprovalStatus is the lifecycle state of an approval request. A request
// resolves exactly once; every status except pending is final.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimedOut ApprovalStatus = "timed-out"
	ApprovalErrored  ApprovalStatus = "errored"
)

// ApprovalDecision is the answer an approver (or the timeout default) gives.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionReject  ApprovalDecision = "reject"
)

// ApprovalPayload is what notification channels show a human: enough to
// decide without opening the workspace.
type ApprovalPayload struct {
	Summary  string   `json:"summary"`
	Reason   string   `json:"reason,omitempty"`
	Severity string   `json:"severity,omitempty"`
	Evidence []string `json:"evidence,omitempty"`

	// Paths lists the workspace paths the request asks to unlock. An
	// approved scope exception mints one-shot tokens for exactly these.
	Paths []string `json:"paths,omitempty"`
}

// ApprovalRequest is the durable record of one pending human decision.
type ApprovalRequest struct {
	ID      string          `json:"id"`
	RunID   string          `json:"run_id"`
	PhaseID string          `json:"phase_id"`
	Kind    ApprovalKind    `json:"kind"`
	Payload ApprovalPayload `json:"payload"`

	// TimeoutAt is when the sweeper resolves the request with
	// DefaultOnTimeout if nobody has answered.
	TimeoutAt        time.Time        `json:"timeout_at"`
	DefaultOnTimeout ApprovalDecision `json:"default_on_timeout"`

	Status   ApprovalStatus   `json:"status"`
	Decision ApprovalDecision `json:"decision,omitempty"`
	// Actor names who resolved the request: a user identity from the
	// ingress, "timeout-sweeper", or "broker" for errored cancellations.
	Actor      string    `json:"actor,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	// ChannelMetadata is opaque channel bookkeeping (message ids and the
	// like) kept so a resolution notice can reference the original notice.
	ChannelMetadata map[string]string `json:"channel_metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewApprovalRequest builds a pending request with the timeout clock started.
func NewApprovalRequest(runID, phaseID string, kind ApprovalKind, payload ApprovalPayload, timeout time.Duration, defaultDecision ApprovalDecision) *ApprovalRequest {
	now := time.Now().UTC()
	return &ApprovalRequest{
		ID:               NewApprovalID(),
		RunID:            runID,
		PhaseID:          phaseID,
		Kind:             kind,
		Payload:          payload,
		TimeoutAt:        now.Add(timeout),
		DefaultOnTimeout: defaultDecision,
		Status:           ApprovalPending,
		CreatedAt:        now,
	}
}

// NewApprovalID mints an approval request identifier.
func NewApprovalID() string {
	return fmt.Sprintf("apr-%s", uuid.New().String()[:8])
}

// Resolved reports whether the request has left pending.
func (r *ApprovalRequest) Resolved() bool { return r.Status != ApprovalPending }

// Approved reports whether the resolution grants the request. Timed-out
// requests count as approved only when their default said so.
func (r *ApprovalRequest) Approved() bool {
	switch r.Status {
	case ApprovalApproved:
		return true
	case ApprovalTimedOut:
		return r.DefaultOnTimeout == DecisionApprove
	}
	return false
}

// ApprovalResponse is one answer pushed through the ingress. Responses are
// idempotent per request: the first wins, later ones are logged and dropped.
type ApprovalResponse struct {
	RequestID string           `json:"request_id"`
	Decision  ApprovalDecision `json:"decision"`
	Actor     string           `json:"actor"`
	At        time.Time        `json:"at"`

	// Comment is free-text context from the approver, kept on the request's
	// channel metadata for the audit trail.
	Comment string `json:"comment,omitempty"`
}
