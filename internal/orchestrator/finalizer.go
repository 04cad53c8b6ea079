// Package orchestrator drives runs end to end: the per-attempt pipeline
// (build, apply, audit, test, finalize), the retry decision with its
// re-plan, doctor and escalation consultations, the dependency walk across
// phases, and the manager that executes independent runs concurrently.
package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"autopack/internal/logging"
	"autopack/internal/run"
	"autopack/internal/store"
	"autopack/internal/testrun"
	"autopack/internal/workspace"
)

// Finalizer decides what one attempt amounts to. The gates run in a fixed
// order so the recorded block reason is always the first problem found:
// deliverables on disk, collection errors, new test failures, unresolved
// approvals. Only a fully clean attempt moves the baseline watermark.
type Finalizer struct {
	gw *workspace.Gateway
	st *store.Store
}

func NewFinalizer(gw *workspace.Gateway, st *store.Store) *Finalizer {
	return &Finalizer{gw: gw, st: st}
}

// Finalize gates the attempt and returns its verdict. The deliverable check
// consults the filesystem, not the patch report: a patch can claim a create
// and still leave nothing behind. Baseline fixes are watermarked (and the
// stored baseline rewritten) only on COMPLETE.
func (f *Finalizer) Finalize(p *run.Phase, delta *testrun.DeltaReport, baseline *testrun.BaselineReport) (*run.PhaseResult, error) {
	now := time.Now().UTC()

	var missing []string
	for _, d := range p.Spec.Deliverables {
		if !f.gw.Exists(d) {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		return blocked(run.BlockMissingDeliverables, missing, now), nil
	}

	if len(delta.NewCollectionErrors) > 0 {
		return blocked(run.BlockCollectionError, delta.NewCollectionErrors, now), nil
	}

	if len(delta.NewFailures) > 0 {
		return blocked(run.BlockNewTestFailures, delta.NewFailures, now), nil
	}

	pending, err := f.st.PendingApprovalsForPhase(p.RunID, p.ID())
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		ids := make([]string, len(pending))
		for i, req := range pending {
			ids[i] = req.ID
		}
		return blocked(run.BlockUnresolvedGovernance, ids, now), nil
	}

	if moved := baseline.ApplyWatermark(delta.Fixed); moved > 0 {
		if err := f.st.SaveBaseline(baseline); err != nil {
			return nil, err
		}
		if _, err := f.st.AppendAudit(run.NewAuditEvent(p.RunID, p.ID(), run.AuditBaseline, map[string]interface{}{
			"fixed": delta.Fixed,
			"moved": moved,
		})); err != nil {
			return nil, err
		}
		logging.Orchestrator("phase %s fixed %d baseline failure(s), watermark moved", p.ID(), moved)
	}

	return &run.PhaseResult{Verdict: run.VerdictComplete, DecidedAt: now}, nil
}

func blocked(reason string, details []string, at time.Time) *run.PhaseResult {
	return &run.PhaseResult{
		Verdict:   run.VerdictBlocked,
		Reason:    reason,
		Details:   details,
		DecidedAt: at,
	}
}

// blockError converts a blocked result into the categorized error the retry
// decision consumes.
func blockError(res *run.PhaseResult) error {
	switch res.Reason {
	case run.BlockMissingDeliverables:
		return &run.DeliverableMissing{Paths: res.Details}
	case run.BlockCollectionError:
		return &run.CollectionError{Detail: strings.Join(res.Details, "; ")}
	case run.BlockNewTestFailures:
		return &run.NewTestFailure{Tests: res.Details}
	case run.BlockUnresolvedGovernance:
		return fmt.Errorf("approval request(s) still pending: %s", strings.Join(res.Details, ", "))
	}
	return fmt.Errorf("attempt blocked: %s", res.Reason)
}
