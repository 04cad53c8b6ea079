package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autopack/internal/plan"
	"autopack/internal/run"
	"autopack/internal/store"
	"autopack/internal/testrun"
	"autopack/internal/workspace"
)

// finFixture is the surface Finalize touches: a gateway over a real temp
// tree for the deliverable check, and a store for approvals, baselines and
// the audit trail.
type finFixture struct {
	t   *testing.T
	gw  *workspace.Gateway
	st  *store.Store
	dir string
}

func newFinFixture(t *testing.T, spec *plan.PhaseSpec) *finFixture {
	t.Helper()

	dir := t.TempDir()
	gw, err := workspace.NewGateway(dir, workspace.NewPolicy(spec, nil), &memSnapshotter{root: dir})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return &finFixture{t: t, gw: gw, st: st, dir: dir}
}

func (f *finFixture) put(rel, content string) {
	f.t.Helper()
	path := filepath.Join(f.dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		f.t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		f.t.Fatalf("write %s: %v", rel, err)
	}
}

func (f *finFixture) finalize(p *run.Phase, d *testrun.DeltaReport, base *testrun.BaselineReport) *run.PhaseResult {
	f.t.Helper()
	res, err := NewFinalizer(f.gw, f.st).Finalize(p, d, base)
	if err != nil {
		f.t.Fatalf("Finalize: %v", err)
	}
	return res
}

func emptyDelta(phaseID string) *testrun.DeltaReport {
	return &testrun.DeltaReport{PhaseID: phaseID, RanAt: time.Now().UTC()}
}

func baselineFor(runID string, failed ...string) *testrun.BaselineReport {
	return &testrun.BaselineReport{
		RunID:         runID,
		CapturedAt:    time.Now().UTC(),
		Passed:        []string{"src::TestBase"},
		Failed:        failed,
		DiscoveryHash: "fake-hash",
	}
}

func TestFinalizeCompleteWhenAllGatesPass(t *testing.T) {
	spec := featureSpec()
	f := newFinFixture(t, &spec)
	f.put("src/feature.go", "package src\n")
	p := run.NewPhase("run-fin-1", spec)

	res := f.finalize(p, emptyDelta(p.ID()), baselineFor(p.RunID))

	if res.Verdict != run.VerdictComplete {
		t.Fatalf("verdict = %s, want %s", res.Verdict, run.VerdictComplete)
	}
	if res.Reason != "" || len(res.Details) != 0 {
		t.Errorf("clean attempt carried reason %q details %v", res.Reason, res.Details)
	}
	if res.DecidedAt.IsZero() {
		t.Error("DecidedAt not stamped")
	}
	// Nothing moved, so no baseline row was ever written.
	if _, err := f.st.GetBaseline(p.RunID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetBaseline after no-op watermark: err = %v, want ErrNotFound", err)
	}
}

func TestFinalizeMissingDeliverableWinsOverLaterGates(t *testing.T) {
	spec := featureSpec()
	spec.Deliverables = []string{"src/feature.go", "src/helper.go"}
	f := newFinFixture(t, &spec)
	f.put("src/helper.go", "package src\n")
	p := run.NewPhase("run-fin-2", spec)

	// Stack every later gate too; the first check still names the verdict.
	d := emptyDelta(p.ID())
	d.NewCollectionErrors = []string{"src/feature.go: parse failure"}
	d.NewFailures = []string{"src::TestFeature"}
	req := run.NewApprovalRequest(p.RunID, p.ID(), run.ApprovalDeletionThreshold,
		run.ApprovalPayload{Summary: "net deletion over threshold"}, time.Minute, run.DecisionReject)
	if err := f.st.CreateApproval(req); err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}

	res := f.finalize(p, d, baselineFor(p.RunID))

	if res.Verdict != run.VerdictBlocked || res.Reason != run.BlockMissingDeliverables {
		t.Fatalf("verdict = %s/%s, want blocked/%s", res.Verdict, res.Reason, run.BlockMissingDeliverables)
	}
	if len(res.Details) != 1 || res.Details[0] != "src/feature.go" {
		t.Errorf("details = %v, want only the missing path", res.Details)
	}

	err := blockError(res)
	var dm *run.DeliverableMissing
	if !errors.As(err, &dm) {
		t.Fatalf("blockError = %T, want *run.DeliverableMissing", err)
	}
	if got := run.CategoryOf(err); got != run.CategoryDeliverables {
		t.Errorf("CategoryOf = %s, want %s", got, run.CategoryDeliverables)
	}
}

func TestFinalizeCollectionErrorBeforeTestFailures(t *testing.T) {
	spec := featureSpec()
	f := newFinFixture(t, &spec)
	f.put("src/feature.go", "package src\n")
	p := run.NewPhase("run-fin-3", spec)

	d := emptyDelta(p.ID())
	d.NewCollectionErrors = []string{"src/util.go: parse failure"}
	d.NewFailures = []string{"src::TestFeature"}

	res := f.finalize(p, d, baselineFor(p.RunID))

	if res.Verdict != run.VerdictBlocked || res.Reason != run.BlockCollectionError {
		t.Fatalf("verdict = %s/%s, want blocked/%s", res.Verdict, res.Reason, run.BlockCollectionError)
	}
	if len(res.Details) != 1 || res.Details[0] != "src/util.go: parse failure" {
		t.Errorf("details = %v, want the collection error", res.Details)
	}
	if got := run.CategoryOf(blockError(res)); got != run.CategoryCollectionError {
		t.Errorf("CategoryOf = %s, want %s", got, run.CategoryCollectionError)
	}
}

func TestFinalizeNewTestFailuresBlock(t *testing.T) {
	spec := featureSpec()
	f := newFinFixture(t, &spec)
	f.put("src/feature.go", "package src\n")
	p := run.NewPhase("run-fin-4", spec)

	d := emptyDelta(p.ID())
	d.NewFailures = []string{"src::TestCarry", "src::TestRound"}

	res := f.finalize(p, d, baselineFor(p.RunID))

	if res.Verdict != run.VerdictBlocked || res.Reason != run.BlockNewTestFailures {
		t.Fatalf("verdict = %s/%s, want blocked/%s", res.Verdict, res.Reason, run.BlockNewTestFailures)
	}
	if len(res.Details) != 2 {
		t.Errorf("details = %v, want both failing tests", res.Details)
	}

	err := blockError(res)
	var nf *run.NewTestFailure
	if !errors.As(err, &nf) {
		t.Fatalf("blockError = %T, want *run.NewTestFailure", err)
	}
	if got := run.CategoryOf(err); got != run.CategoryNewTestFailures {
		t.Errorf("CategoryOf = %s, want %s", got, run.CategoryNewTestFailures)
	}
}

func TestFinalizePendingApprovalBlocksUntilResolved(t *testing.T) {
	spec := featureSpec()
	f := newFinFixture(t, &spec)
	f.put("src/feature.go", "package src\n")
	p := run.NewPhase("run-fin-5", spec)

	req := run.NewApprovalRequest(p.RunID, p.ID(), run.ApprovalGovernanceException,
		run.ApprovalPayload{Summary: "write outside scope"}, time.Minute, run.DecisionReject)
	if err := f.st.CreateApproval(req); err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}

	res := f.finalize(p, emptyDelta(p.ID()), baselineFor(p.RunID))
	if res.Verdict != run.VerdictBlocked || res.Reason != run.BlockUnresolvedGovernance {
		t.Fatalf("verdict = %s/%s, want blocked/%s", res.Verdict, res.Reason, run.BlockUnresolvedGovernance)
	}
	if len(res.Details) != 1 || res.Details[0] != req.ID {
		t.Errorf("details = %v, want the pending request id %s", res.Details, req.ID)
	}

	// Once resolved the same attempt state finalizes clean.
	if _, err := f.st.ResolveApproval(req.ID, run.ApprovalApproved, run.DecisionApprove, "reviewer"); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	res = f.finalize(p, emptyDelta(p.ID()), baselineFor(p.RunID))
	if res.Verdict != run.VerdictComplete {
		t.Fatalf("verdict after resolution = %s, want %s", res.Verdict, run.VerdictComplete)
	}
}

func TestFinalizeIgnoresOtherPhasesApprovals(t *testing.T) {
	spec := featureSpec()
	f := newFinFixture(t, &spec)
	f.put("src/feature.go", "package src\n")
	p := run.NewPhase("run-fin-6", spec)

	req := run.NewApprovalRequest(p.RunID, "earlier-phase", run.ApprovalDeletionThreshold,
		run.ApprovalPayload{Summary: "unrelated"}, time.Minute, run.DecisionReject)
	if err := f.st.CreateApproval(req); err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}

	res := f.finalize(p, emptyDelta(p.ID()), baselineFor(p.RunID))
	if res.Verdict != run.VerdictComplete {
		t.Fatalf("verdict = %s, want %s despite another phase's pending request", res.Verdict, run.VerdictComplete)
	}
}

func TestFinalizeWatermarkPersistsMovedFixes(t *testing.T) {
	spec := featureSpec()
	f := newFinFixture(t, &spec)
	f.put("src/feature.go", "package src\n")
	p := run.NewPhase("run-fin-7", spec)

	base := baselineFor(p.RunID, "src::TestCarry", "src::TestRound")
	d := emptyDelta(p.ID())
	d.Fixed = []string{"src::TestCarry"}

	res := f.finalize(p, d, base)
	if res.Verdict != run.VerdictComplete {
		t.Fatalf("verdict = %s, want %s", res.Verdict, run.VerdictComplete)
	}
	if !base.PassSet()["src::TestCarry"] {
		t.Error("fixed test did not move into the baseline pass set")
	}
	if len(base.Failed) != 1 || base.Failed[0] != "src::TestRound" {
		t.Errorf("baseline failed = %v, want only src::TestRound", base.Failed)
	}

	stored, err := f.st.GetBaseline(p.RunID)
	if err != nil {
		t.Fatalf("GetBaseline: %v", err)
	}
	if !stored.PassSet()["src::TestCarry"] || stored.FailSet()["src::TestCarry"] {
		t.Error("stored baseline does not reflect the watermark move")
	}

	trail, err := f.st.AuditTrail(p.RunID, p.ID())
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(trail) != 1 || trail[0].Kind != run.AuditBaseline {
		t.Errorf("audit trail = %d event(s), want one %s event", len(trail), run.AuditBaseline)
	}
}

func TestFinalizeWatermarkIgnoresUnknownFixes(t *testing.T) {
	spec := featureSpec()
	f := newFinFixture(t, &spec)
	f.put("src/feature.go", "package src\n")
	p := run.NewPhase("run-fin-8", spec)

	// A "fix" for a test the baseline never recorded as failing moves
	// nothing and must not rewrite the stored row.
	d := emptyDelta(p.ID())
	d.Fixed = []string{"src::TestNeverFailed"}

	res := f.finalize(p, d, baselineFor(p.RunID, "src::TestCarry"))
	if res.Verdict != run.VerdictComplete {
		t.Fatalf("verdict = %s, want %s", res.Verdict, run.VerdictComplete)
	}
	if _, err := f.st.GetBaseline(p.RunID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetBaseline: err = %v, want ErrNotFound", err)
	}
	trail, err := f.st.AuditTrail(p.RunID, p.ID())
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(trail) != 0 {
		t.Errorf("audit trail has %d event(s), want none", len(trail))
	}
}
