// Package replan detects when a phase is failing the same way over and over
// and drives a goal revision through the replanner agent. A revision may
// change how the goal is pursued, never what the phase owes: the original
// intent anchors the prompt and a post-check rejects revisions that drift
// from it or shed deliverables.
package replan

import (
	"context"
	"fmt"
	"strings"

	"autopack/internal/agent"
	"autopack/internal/config"
	"autopack/internal/diff"
	"autopack/internal/learning"
	"autopack/internal/logging"
	"autopack/internal/run"
)

// TriggerDoctor is the trigger string for a Doctor-requested revision.
// Pattern detection produces "approach-flaw:<category>" and fatal types
// "fatal-error-type:<type>".
const TriggerDoctor = "doctor-requested"

// simEpsilon absorbs float64 rounding in similarity comparisons: the ratio
// 1-distance/maxLen never lands exactly on a threshold fraction like 0.8,
// and the thresholds are inclusive.
const simEpsilon = 1e-9

// Verdict says what a revision request produced.
type Verdict string

const (
	Accepted Verdict = "accepted"

	PhaseBudgetSpent Verdict = "phase-budget-exhausted"
	RunBudgetSpent   Verdict = "run-budget-exhausted"

	// RejectedDrift means the revised goal strayed too far from the
	// phase's original intent.
	RejectedDrift Verdict = "rejected-intent-drift"

	// RejectedDeliverables means the revision dropped a promised artifact.
	RejectedDeliverables Verdict = "rejected-dropped-deliverables"

	// RejectedCriteria means the revision shrank the acceptance criteria.
	RejectedCriteria Verdict = "rejected-dropped-criteria"
)

// Outcome is the result of a Revise call. Revision is set whenever the
// agent was actually asked (accepted or rejected, for token accounting);
// Detail explains rejections for the logs.
type Outcome struct {
	Verdict  Verdict
	Revision *agent.Revision
	Detail   string
}

func (o *Outcome) Accepted() bool { return o.Verdict == Accepted }

// Trigger owns approach-flaw detection and the revision flow.
type Trigger struct {
	rep    agent.Replanner
	cfg    *config.Config
	engine *diff.Engine
}

func NewTrigger(rep agent.Replanner, cfg *config.Config) *Trigger {
	return &Trigger{rep: rep, cfg: cfg, engine: diff.NewEngine()}
}

// Similarity is the character-level ratio between two normalized messages.
func (t *Trigger) Similarity(a, b string) float64 { return t.engine.Similarity(a, b) }

// Detect reports whether the phase's failure history shows an approach flaw:
// either the latest failure carries a configured fatal error type, or the
// last min_consecutive failures share one category and pairwise normalized
// similarity at or above the threshold. Messages in the history are expected
// to be normalized already (the orchestrator records them through Normalize).
func (t *Trigger) Detect(p *run.Phase) (string, bool) {
	last := p.LastFailure()
	if last == nil {
		return "", false
	}

	for _, ft := range t.cfg.Replan.FatalErrorTypes {
		if ft != "" && strings.Contains(last.Message, strings.ToLower(ft)) {
			return "fatal-error-type:" + ft, true
		}
	}

	k := t.cfg.Replan.MinConsecutive
	if len(p.ErrorHistory) < k {
		return "", false
	}
	tail := p.ErrorHistory[len(p.ErrorHistory)-k:]
	for i := 1; i < len(tail); i++ {
		if tail[i].Category != tail[0].Category {
			return "", false
		}
		sim := t.engine.Similarity(tail[i-1].Message, tail[i].Message)
		if sim < t.cfg.Replan.SimilarityThreshold-simEpsilon {
			logging.ReplanDebug("streak broken for %s: similarity %.2f below %.2f",
				p.ID(), sim, t.cfg.Replan.SimilarityThreshold)
			return "", false
		}
	}
	return fmt.Sprintf("approach-flaw:%s", tail[0].Category), true
}

// Revise asks the replanner agent for a revised phase and applies it when it
// survives the post-check. Budgets are checked before the agent is called;
// only accepted revisions consume them, so a botched revision does not cost
// the phase its one allowed re-plan. On acceptance the retry counter resets
// (and the escalation level, unless configured to carry over) and the caller
// persists the phase and run records.
func (t *Trigger) Revise(ctx context.Context, r *run.Run, p *run.Phase, trigger string, rules []learning.Rule) (*Outcome, error) {
	if p.Replans >= t.cfg.Budgets.MaxReplansPerPhase {
		logging.ReplanDebug("withheld for %s: phase budget spent (%d)", p.ID(), p.Replans)
		return &Outcome{Verdict: PhaseBudgetSpent}, nil
	}
	if r.Counters.Replans >= t.cfg.Budgets.MaxReplansPerRun {
		logging.ReplanDebug("withheld for %s: run budget spent (%d)", p.ID(), r.Counters.Replans)
		return &Outcome{Verdict: RunBudgetSpent}, nil
	}

	rev, err := t.rep.Revise(ctx, &agent.ReviseRequest{Phase: p, Rules: rules, Trigger: trigger})
	if err != nil {
		return nil, err
	}

	if out := t.postCheck(p, rev); out != nil {
		// The rejected revision rides along so the caller can still meter
		// its token usage.
		out.Revision = rev
		logging.Replan("rejected revision for %s: %s (%s)", p.ID(), out.Verdict, out.Detail)
		return out, nil
	}

	t.accept(r, p, rev)
	logging.Replan("accepted revision for %s (trigger %s, replan %d/%d): %s",
		p.ID(), trigger, p.Replans, t.cfg.Budgets.MaxReplansPerPhase, rev.Summary)
	return &Outcome{Verdict: Accepted, Revision: rev}, nil
}

// postCheck holds a revision against the original intent. Returns nil when
// the revision is acceptable.
func (t *Trigger) postCheck(p *run.Phase, rev *agent.Revision) *Outcome {
	sim := t.engine.Similarity(Normalize(rev.Goal), Normalize(p.OriginalIntent))
	if sim < t.cfg.Replan.IntentAnchorMinSimilarity-simEpsilon {
		return &Outcome{
			Verdict: RejectedDrift,
			Detail:  fmt.Sprintf("goal similarity %.2f below floor %.2f", sim, t.cfg.Replan.IntentAnchorMinSimilarity),
		}
	}

	// Empty means unchanged; a non-empty deliverables list must keep every
	// promised artifact.
	if len(rev.Deliverables) > 0 {
		kept := make(map[string]bool, len(rev.Deliverables))
		for _, d := range rev.Deliverables {
			kept[strings.TrimSpace(d)] = true
		}
		for _, d := range p.Spec.Deliverables {
			if !kept[strings.TrimSpace(d)] {
				return &Outcome{Verdict: RejectedDeliverables, Detail: d}
			}
		}
	}

	// Criteria are natural language and may be rephrased, so the check is
	// on count, not content.
	if len(rev.AcceptanceCriteria) > 0 && len(rev.AcceptanceCriteria) < len(p.Spec.AcceptanceCriteria) {
		return &Outcome{
			Verdict: RejectedCriteria,
			Detail:  fmt.Sprintf("%d criteria revised down to %d", len(p.Spec.AcceptanceCriteria), len(rev.AcceptanceCriteria)),
		}
	}
	return nil
}

func (t *Trigger) accept(r *run.Run, p *run.Phase, rev *agent.Revision) {
	esc := p.EscalationLevel
	if len(rev.AcceptanceCriteria) > 0 {
		p.Spec.AcceptanceCriteria = rev.AcceptanceCriteria
	}
	if len(rev.Deliverables) > 0 {
		p.Spec.Deliverables = rev.Deliverables
	}
	p.Replans++
	r.Counters.Replans++
	p.ResetForReplan(rev.Goal)
	if t.cfg.Replan.PreserveEscalation {
		p.EscalationLevel = esc
	}
}

// Record writes a revision outcome to the audit log.
func Record(audit *logging.AuditLogger, runID, phaseID string, out *Outcome) {
	if audit == nil {
		return
	}
	if out.Accepted() {
		audit.ReplanEvent(logging.AuditReplanAccept, runID, phaseID, true)
		return
	}
	audit.ReplanEvent(logging.AuditReplanReject, runID, phaseID, false)
}
