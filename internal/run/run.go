// Package run holds the durable data model shared across the orchestrator:
// runs, phases, save points, failure categories, the error taxonomy, and the
// audit trail vocabulary. It has no behavior beyond state bookkeeping; the
// packages that act on these records (orchestrator, store, governance) import
// it as their common vocabulary.
package run

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"autopack/internal/plan"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunQueued   RunState = "queued"
	RunRunning  RunState = "running"
	RunPaused   RunState = "paused"
	RunComplete RunState = "complete"
	RunFailed   RunState = "failed"
	RunAborted  RunState = "aborted"
)

// Terminal reports whether the run can never leave this state.
func (s RunState) Terminal() bool {
	switch s {
	case RunComplete, RunFailed, RunAborted:
		return true
	}
	return false
}

// runTransitions is the allowed state graph. Paused runs resume to running
// (operator action) or abort; everything terminal stays put.
var runTransitions = map[RunState][]RunState{
	RunQueued:  {RunRunning, RunAborted},
	RunRunning: {RunPaused, RunComplete, RunFailed, RunAborted},
	RunPaused:  {RunRunning, RunAborted},
}

// ValidRunTransition reports whether from→to is a legal lifecycle step.
func ValidRunTransition(from, to RunState) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Counters are the run-level aggregate budgets, updated after every external
// agent invocation and every re-plan.
type Counters struct {
	TokensUsed        int64 `json:"tokens_used"`
	DoctorCalls       int   `json:"doctor_calls"`
	DoctorStrongCalls int   `json:"doctor_strong_calls"`
	Replans           int   `json:"replans"`
}

// Run is the durable record for one submitted plan execution.
type Run struct {
	ID    string     `json:"id"`
	Plan  *plan.Plan `json:"plan"`
	State RunState   `json:"state"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Counters Counters `json:"counters"`

	// WallclockBudget caps total run duration; zero means unlimited.
	WallclockBudget time.Duration `json:"wallclock_budget"`

	// FailPhase and FailReason cite the first phase that reached FAILED
	// and why, set when the run fails.
	FailPhase  string `json:"fail_phase,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
}

// NewRun creates a queued run for a validated plan.
func NewRun(p *plan.Plan, wallclockBudget time.Duration) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:              NewRunID(),
		Plan:            p,
		State:           RunQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
		WallclockBudget: wallclockBudget,
	}
}

// NewRunID mints a short unique run identifier.
func NewRunID() string {
	return fmt.Sprintf("run-%s", uuid.New().String()[:8])
}

// WallclockRemaining returns the unused portion of the wallclock budget, or
// zero duration when exhausted. Unlimited budgets report a negative value.
func (r *Run) WallclockRemaining(now time.Time) time.Duration {
	if r.WallclockBudget == 0 {
		return -1
	}
	start := r.StartedAt
	if start.IsZero() {
		return r.WallclockBudget
	}
	remaining := r.WallclockBudget - now.Sub(start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// BudgetExceeded reports whether any hard run budget is spent.
func (r *Run) BudgetExceeded(now time.Time, tokenBudget int64) bool {
	if tokenBudget > 0 && r.Counters.TokensUsed >= tokenBudget {
		return true
	}
	if r.WallclockBudget > 0 && r.WallclockRemaining(now) == 0 {
		return true
	}
	return false
}

// SavePoint is an opaque handle into the workspace's version history, created
// before every patch application.
type SavePoint struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	PhaseID   string    `json:"phase_id"`
	Attempt   int       `json:"attempt"`
	Ref       string    `json:"ref"` // VCS commit reference
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`

	// Consumed is set when the enclosing attempt finalized successfully or
	// the save point was used for a rollback.
	Consumed bool `json:"consumed"`
}

// NewSavePointID mints a save point identifier.
func NewSavePointID() string {
	return fmt.Sprintf("sp-%s", uuid.New().String()[:8])
}
