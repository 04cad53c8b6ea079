package run

import (
	"time"

	"autopack/internal/plan"
)

// PhaseState is the lifecycle state of a phase within its run.
type PhaseState string

const (
	PhaseQueued           PhaseState = "queued"
	PhaseRunning          PhaseState = "running"
	PhaseComplete         PhaseState = "complete"
	PhaseBlocked          PhaseState = "blocked"
	PhaseFailed           PhaseState = "failed"
	PhaseAwaitingApproval PhaseState = "awaiting-approval"
)

// Terminal reports whether the phase can never leave this state. Blocked is
// not terminal: the retry loop may continue past it.
func (s PhaseState) Terminal() bool {
	return s == PhaseComplete || s == PhaseFailed
}

// ErrorRecord is one normalized failure in a phase's history.
type ErrorRecord struct {
	Category FailureCategory `json:"category"`
	// Message is the normalized error text (paths, numbers and timestamps
	// masked) used for repetition detection.
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Hint is an ephemeral per-phase nudge accumulated during the run and fed to
// the next Builder attempt. Durable cross-run knowledge lives in the learning
// store instead.
type Hint struct {
	Category FailureCategory `json:"category,omitempty"`
	Body     string          `json:"body"`
	Source   string          `json:"source"` // finalizer | doctor | replan | patch
	At       time.Time       `json:"at"`
}

// Verdict is the finalizer's decision for one attempt.
type Verdict string

const (
	VerdictComplete Verdict = "complete"
	VerdictBlocked  Verdict = "blocked"
	VerdictFailed   Verdict = "failed"
)

// Block reasons, in the order the finalizer checks them.
const (
	BlockMissingDeliverables  = "missing-deliverables"
	BlockCollectionError      = "collection-error"
	BlockNewTestFailures      = "new-test-failures"
	BlockUnresolvedGovernance = "unresolved-governance"
)

// PhaseResult is the persisted outcome of the last finalized attempt.
type PhaseResult struct {
	Verdict Verdict `json:"verdict"`
	// Reason carries the block reason or terminal failure category.
	Reason    string    `json:"reason,omitempty"`
	Details   []string  `json:"details,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Phase is the durable runtime record for one plan phase.
type Phase struct {
	RunID string         `json:"run_id"`
	Spec  plan.PhaseSpec `json:"spec"`
	State PhaseState     `json:"state"`

	// OriginalIntent snapshots the goal on first attempt and never changes;
	// re-plans revise Spec.Goal but stay anchored to this.
	OriginalIntent string `json:"original_intent"`

	RetryAttempt    int `json:"retry_attempt"`
	EscalationLevel int `json:"escalation_level"`

	// DoctorCalls and Replans count consultations and accepted revisions
	// against the per-phase budgets; durable so a resumed phase cannot
	// re-spend them.
	DoctorCalls int `json:"doctor_calls"`
	Replans     int `json:"replans"`

	ErrorHistory []ErrorRecord `json:"error_history,omitempty"`
	Hints        []Hint        `json:"hints,omitempty"`

	Result    *PhaseResult `json:"result,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewPhase creates the queued runtime record for a plan phase, capturing the
// immutable goal snapshot.
func NewPhase(runID string, spec plan.PhaseSpec) *Phase {
	return &Phase{
		RunID:          runID,
		Spec:           spec,
		State:          PhaseQueued,
		OriginalIntent: spec.Goal,
		UpdatedAt:      time.Now().UTC(),
	}
}

// ID returns the phase identifier (stable within the run).
func (p *Phase) ID() string { return p.Spec.ID }

// RecordFailure appends a normalized failure record.
func (p *Phase) RecordFailure(category FailureCategory, normalized string) {
	p.ErrorHistory = append(p.ErrorHistory, ErrorRecord{
		Category: category,
		Message:  normalized,
		At:       time.Now().UTC(),
	})
}

// LastFailure returns the most recent failure record, or nil.
func (p *Phase) LastFailure() *ErrorRecord {
	if len(p.ErrorHistory) == 0 {
		return nil
	}
	return &p.ErrorHistory[len(p.ErrorHistory)-1]
}

// ConsecutiveFailures returns the most recent failure category and how many
// trailing records share it. Used by the re-plan trigger.
func (p *Phase) ConsecutiveFailures() (FailureCategory, int) {
	if len(p.ErrorHistory) == 0 {
		return "", 0
	}
	last := p.ErrorHistory[len(p.ErrorHistory)-1].Category
	count := 0
	for i := len(p.ErrorHistory) - 1; i >= 0; i-- {
		if p.ErrorHistory[i].Category != last {
			break
		}
		count++
	}
	return last, count
}

// SameCategoryCount returns how many failures in the whole history carry the
// given category. Used by Doctor eligibility.
func (p *Phase) SameCategoryCount(category FailureCategory) int {
	n := 0
	for _, rec := range p.ErrorHistory {
		if rec.Category == category {
			n++
		}
	}
	return n
}

// AddHint appends an ephemeral hint for subsequent attempts.
func (p *Phase) AddHint(source string, category FailureCategory, body string) {
	p.Hints = append(p.Hints, Hint{
		Category: category,
		Body:     body,
		Source:   source,
		At:       time.Now().UTC(),
	})
}

// ResetForReplan applies an accepted goal revision: the goal text changes,
// retry and escalation counters restart so the revised goal gets fresh
// cheap-model attempts, but the original intent and error history survive.
func (p *Phase) ResetForReplan(revisedGoal string) {
	p.Spec.Goal = revisedGoal
	p.RetryAttempt = 0
	p.EscalationLevel = 0
	p.UpdatedAt = time.Now().UTC()
}
