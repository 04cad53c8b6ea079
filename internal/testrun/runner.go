package testrun

import (
	"context"
	"fmt"
	"sort"
	"time"

	"autopack/internal/config"
	"autopack/internal/logging"
	"autopack/internal/run"
)

// Runner owns baseline capture and delta classification for one run.
type Runner struct {
	harness       Harness
	confirmReruns int
	audit         *logging.AuditLogger
}

// NewRunner wires a harness to the baseline rules.
func NewRunner(h Harness, cfg *config.Config) *Runner {
	return &Runner{harness: h, confirmReruns: cfg.Testing.FlakyConfirmReruns}
}

// SetAuditLogger attaches the run's audit trail.
func (r *Runner) SetAuditLogger(a *logging.AuditLogger) { r.audit = a }

// CaptureBaseline runs the full suite and records T0. Collection errors at
// T0 annotate the baseline; they never block the run.
func (r *Runner) CaptureBaseline(ctx context.Context, runID string) (*BaselineReport, error) {
	timer := logging.StartTimer(logging.CategoryTest, "baseline")
	defer timer.Stop()

	out, err := r.harness.Run(ctx, Selection{})
	if err != nil {
		return nil, err
	}

	b := &BaselineReport{
		RunID:            runID,
		CapturedAt:       time.Now().UTC(),
		Passed:           out.Passed(),
		Failed:           out.Failed(),
		CollectionErrors: out.CollectionErrors,
		DiscoveryHash:    out.DiscoveryHash,
	}
	if len(b.CollectionErrors) > 0 {
		b.Annotation = fmt.Sprintf("%d collection error(s) present at capture", len(b.CollectionErrors))
	}

	logging.Test("baseline captured: %d pass, %d fail, %d collection errors",
		len(b.Passed), len(b.Failed), len(b.CollectionErrors))
	if r.audit != nil {
		r.audit.TestRun(logging.AuditTestBaseline, "", len(b.Passed), len(b.Failed), out.Duration.Milliseconds())
	}
	return b, nil
}

// RunDelta runs the suite after a patch and classifies every movement
// against the baseline. New-failure candidates get a confirming re-run;
// candidates that pass it are flaky and excluded from gating.
func (r *Runner) RunDelta(ctx context.Context, baseline *BaselineReport, phaseID string, attempt int) (*DeltaReport, error) {
	timer := logging.StartTimer(logging.CategoryTest, "delta")
	defer timer.Stop()

	out, err := r.harness.Run(ctx, Selection{})
	if err != nil {
		return nil, err
	}

	_, f0, e0 := baseline.PassSet(), baseline.FailSet(), baseline.CollectionErrorSet()
	report := &DeltaReport{
		PhaseID:       phaseID,
		Attempt:       attempt,
		RanAt:         time.Now().UTC(),
		FailureOutput: make(map[string]string),
	}

	var candidates []string
	for _, res := range out.Results {
		switch res.Outcome {
		case OutcomePass:
			if f0[res.ID] {
				report.Fixed = append(report.Fixed, res.ID)
			} else {
				report.UnchangedPass++
			}
		case OutcomeFail:
			if f0[res.ID] {
				report.UnchangedFail++
				continue
			}
			// Regressions and failing tests this attempt introduced both
			// count: neither failed at baseline.
			candidates = append(candidates, res.ID)
			if res.Output != "" {
				report.FailureOutput[res.ID] = res.Output
			}
		}
	}

	for _, key := range out.CollectionErrors {
		if !e0[key] {
			report.NewCollectionErrors = append(report.NewCollectionErrors, key)
		}
	}

	report.NewFailures, report.Flaky = r.confirmCandidates(ctx, candidates)
	for _, id := range report.Flaky {
		delete(report.FailureOutput, id)
	}
	sort.Strings(report.Fixed)

	logging.Test("delta for %s attempt %d: %d new-fail, %d fixed, %d flaky, %d collection errors",
		phaseID, attempt, len(report.NewFailures), len(report.Fixed), len(report.Flaky), len(report.NewCollectionErrors))
	if r.audit != nil {
		passed := report.UnchangedPass + len(report.Fixed)
		failed := report.UnchangedFail + len(report.NewFailures) + len(report.Flaky)
		r.audit.TestRun(logging.AuditTestDelta, phaseID, passed, failed, out.Duration.Milliseconds())
	}
	return report, nil
}

// confirmCandidates re-runs new-failure candidates. A candidate that
// passes any confirming run alternated outcomes and is flaky; one that
// fails every run is a confirmed new failure. A re-run that cannot execute
// leaves the candidates confirmed rather than hiding them.
func (r *Runner) confirmCandidates(ctx context.Context, candidates []string) (confirmed, flaky []string) {
	if len(candidates) == 0 {
		return nil, nil
	}
	remaining := append([]string(nil), candidates...)
	if r.confirmReruns <= 0 {
		sort.Strings(remaining)
		return remaining, nil
	}

	for i := 0; i < r.confirmReruns && len(remaining) > 0; i++ {
		out, err := r.harness.Run(ctx, Selection{Tests: remaining})
		if err != nil {
			logging.TestError("confirming re-run failed, keeping %d candidate(s): %v", len(remaining), err)
			break
		}
		passedNow := toSet(out.Passed())
		var still []string
		for _, id := range remaining {
			if passedNow[id] {
				flaky = append(flaky, id)
			} else {
				still = append(still, id)
			}
		}
		remaining = still
	}
	sort.Strings(remaining)
	sort.Strings(flaky)
	return remaining, flaky
}

// Gate converts blocking findings into their categorized errors:
// collection errors first, then new failures. Nil when the delta is clean.
func (d *DeltaReport) Gate() error {
	if len(d.NewCollectionErrors) > 0 {
		return &run.CollectionError{Detail: d.NewCollectionErrors[0]}
	}
	if len(d.NewFailures) > 0 {
		return &run.NewTestFailure{Tests: d.NewFailures}
	}
	return nil
}
