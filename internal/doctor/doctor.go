// Package doctor gates access to the failure-triage agent. A consultation
// is expensive, so the Consultant checks failure streaks, per-phase and
// per-run budgets, and overall run health before letting a phase spend one,
// and picks the cheap or strong diagnosis model for the call.
package doctor

import (
	"context"
	"time"

	"autopack/internal/agent"
	"autopack/internal/config"
	"autopack/internal/learning"
	"autopack/internal/llm"
	"autopack/internal/logging"
	"autopack/internal/run"
	"autopack/internal/testrun"
)

// Verdict says whether a consultation may proceed, and if not, which gate
// withheld it.
type Verdict string

const (
	Eligible Verdict = "eligible"

	// NoFailure means the phase has no recorded failure to diagnose.
	NoFailure Verdict = "no-failure"

	// TacticalWithheld covers deliverables and patch-format failures, which
	// are expected to self-correct through accumulated hints. The Doctor
	// stays out until the phase has burned all of its retry attempts.
	TacticalWithheld Verdict = "tactical-withheld"

	// StreakTooShort means the phase has not yet repeated the same failure
	// category often enough. Infrastructure failures skip this gate.
	StreakTooShort Verdict = "streak-too-short"

	PhaseBudgetSpent Verdict = "phase-budget-exhausted"
	RunBudgetSpent   Verdict = "run-budget-exhausted"

	// HealthNearLimit means the run has consumed too much of a hard token
	// or wallclock budget to risk further consultations.
	HealthNearLimit Verdict = "health-near-limit"
)

// Request carries everything a consultation needs. Rules, LastPatch and
// Delta are evidence the caller already has at hand; the Consultant never
// reaches into stores itself.
type Request struct {
	Run   *run.Run
	Phase *run.Phase

	// Rules are learned rules already matched against the phase scope.
	Rules []learning.Rule

	// LastPatch is the failing attempt's patch text.
	LastPatch string

	// Delta is the last test delta, nil when the attempt died before the
	// test stage.
	Delta *testrun.DeltaReport

	// ActiveProvider names the LLM provider the failing attempts used.
	ActiveProvider string
}

// Consultation is the outcome of a Consult call. When a gate withheld the
// Doctor, Verdict names it and Diagnosis is nil.
type Consultation struct {
	Verdict   Verdict
	Diagnosis *agent.Diagnosis

	// Strong is set when the final diagnosis came from the strong model.
	Strong bool

	// Reconsulted is set when a low-confidence cheap diagnosis was redone
	// on the strong model.
	Reconsulted bool

	// Usage totals the tokens of every model call the consultation made,
	// including a discarded cheap diagnosis.
	Usage llm.Usage
}

// Performed reports whether a diagnosis was actually obtained.
func (c *Consultation) Performed() bool { return c.Verdict == Eligible }

// Consultant applies the eligibility gates and drives the diagnosis agent.
type Consultant struct {
	doc agent.Doctor
	cfg *config.Config
}

func NewConsultant(doc agent.Doctor, cfg *config.Config) *Consultant {
	return &Consultant{doc: doc, cfg: cfg}
}

// Eligibility evaluates the gates for the phase's latest failure without
// spending anything. Gates are checked in a fixed order so the reported
// verdict is deterministic: tactical exclusion, streak, phase budget, run
// budget, run health.
func (c *Consultant) Eligibility(now time.Time, r *run.Run, p *run.Phase) Verdict {
	last := p.LastFailure()
	if last == nil {
		return NoFailure
	}
	cat := last.Category

	if cat.Tactical() && p.RetryAttempt < c.cfg.Budgets.MaxAttemptsPerPhase {
		return TacticalWithheld
	}
	if cat != run.CategoryInfrastructure &&
		p.SameCategoryCount(cat) < c.cfg.Doctor.MinAttemptsBeforeDoctor {
		return StreakTooShort
	}
	if p.DoctorCalls >= c.cfg.Budgets.DoctorMaxPerPhase {
		return PhaseBudgetSpent
	}
	if r.Counters.DoctorCalls >= c.cfg.Budgets.DoctorMaxPerRun {
		return RunBudgetSpent
	}
	if c.nearLimit(now, r) {
		return HealthNearLimit
	}
	return Eligible
}

// nearLimit reports whether the run has consumed at least the configured
// fraction of any hard budget. Unlimited budgets never come near a limit.
func (c *Consultant) nearLimit(now time.Time, r *run.Run) bool {
	ratio := c.cfg.Doctor.HealthNearLimitRatio

	if max := c.cfg.Budgets.MaxTokensPerRun; max > 0 {
		if float64(r.Counters.TokensUsed)/float64(max) >= ratio {
			return true
		}
	}
	if r.WallclockBudget > 0 && !r.StartedAt.IsZero() {
		elapsed := now.Sub(r.StartedAt)
		if float64(elapsed)/float64(r.WallclockBudget) >= ratio {
			return true
		}
	}
	return false
}

// Consult runs the gates and, when they pass, obtains a diagnosis. Model
// selection: strong for high-risk categories or deep retry attempts, cheap
// otherwise; a cheap diagnosis below the confidence threshold is redone on
// the strong model while the strong budget lasts.
//
// A performed consultation increments the phase and run counters in memory;
// the caller persists both records afterwards. Tactical last-chance
// consultations are exempt from the increments, so they never eat into the
// budget of phases that still have ordinary failures ahead of them.
func (c *Consultant) Consult(ctx context.Context, req *Request) (*Consultation, error) {
	r, p := req.Run, req.Phase

	verdict := c.Eligibility(time.Now().UTC(), r, p)
	if verdict != Eligible {
		logging.DoctorDebug("withheld for %s: %s", p.ID(), verdict)
		return &Consultation{Verdict: verdict}, nil
	}

	cat := p.LastFailure().Category
	strongAllowed := r.Counters.DoctorStrongCalls < c.cfg.Budgets.DoctorStrongMaxPerRun
	strong := strongAllowed &&
		(cat.HighRisk() || p.RetryAttempt >= c.cfg.Doctor.MaxBuilderAttemptsBeforeComplex)

	diag, err := c.doc.Diagnose(ctx, c.evidence(req, strong))
	if err != nil {
		return nil, err
	}
	usage := diag.Usage

	reconsulted := false
	if !strong && strongAllowed && diag.Confidence < c.cfg.Doctor.StrongConfidenceThreshold {
		logging.Doctor("re-consulting %s on the strong model (confidence %.2f below %.2f)",
			p.ID(), diag.Confidence, c.cfg.Doctor.StrongConfidenceThreshold)
		strongDiag, serr := c.doc.Diagnose(ctx, c.evidence(req, true))
		if serr != nil {
			// The cheap diagnosis stands; a second opinion is not worth
			// failing the consultation over.
			logging.Doctor("strong re-consult for %s failed, keeping cheap diagnosis: %v", p.ID(), serr)
		} else {
			diag = strongDiag
			strong = true
			reconsulted = true
			usage = usage.Add(strongDiag.Usage)
		}
	}

	if !cat.Tactical() {
		p.DoctorCalls++
		r.Counters.DoctorCalls++
		if strong {
			r.Counters.DoctorStrongCalls++
		}
	}

	logging.Doctor("diagnosis for %s: action=%s strong=%v (phase %d/%d, run %d/%d consultations)",
		p.ID(), diag.Action, strong,
		p.DoctorCalls, c.cfg.Budgets.DoctorMaxPerPhase,
		r.Counters.DoctorCalls, c.cfg.Budgets.DoctorMaxPerRun)

	return &Consultation{
		Verdict:     Eligible,
		Diagnosis:   diag,
		Strong:      strong,
		Reconsulted: reconsulted,
		Usage:       usage,
	}, nil
}

func (c *Consultant) evidence(req *Request, strong bool) *agent.Evidence {
	return &agent.Evidence{
		RunID:          req.Run.ID,
		Phase:          req.Phase,
		Rules:          req.Rules,
		LastPatch:      req.LastPatch,
		Delta:          req.Delta,
		ActiveProvider: req.ActiveProvider,
		Strong:         strong,
	}
}

// Record writes a performed consultation to the audit log.
func Record(audit *logging.AuditLogger, phaseID string, con *Consultation) {
	if audit == nil || !con.Performed() {
		return
	}
	d := con.Diagnosis
	detail := ""
	switch d.Action {
	case agent.ActionRetryWithFix:
		detail = d.Hint
	case agent.ActionSkipPhase, agent.ActionFatalError:
		detail = d.Reason
	case agent.ActionRollbackProvider:
		detail = d.Provider
	}
	audit.DoctorAction(phaseID, string(d.Action), detail, con.Strong)
}
