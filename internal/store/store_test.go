package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"autopack/internal/plan"
	"autopack/internal/run"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPlan() *plan.Plan {
	return &plan.Plan{
		Name:      "demo",
		Goal:      "build the demo service",
		Workspace: "/tmp/demo",
		Phases: []plan.PhaseSpec{
			{ID: "api", Goal: "expose the http api", ScopePaths: []string{"src/api"}},
			{ID: "storage", Goal: "persist records", ScopePaths: []string{"src/store"}, Dependencies: []string{"api"}},
		},
	}
}

func TestOpenCreatesSchema(t *testing.T) {
	s := newTestStore(t)

	rows, err := s.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		found[name] = true
	}
	for _, table := range []string{"runs", "phases", "save_points", "baselines", "approvals", "audit_events"} {
		if !found[table] {
			t.Errorf("missing table %s", table)
		}
	}
}

func TestRunRoundTrip(t *testing.T) {
	s := newTestStore(t)

	r := run.NewRun(testPlan(), 2*time.Hour)
	if err := s.CreateRun(r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != run.RunQueued {
		t.Errorf("State = %s", got.State)
	}
	if got.Plan.Name != "demo" || len(got.Plan.Phases) != 2 {
		t.Errorf("plan did not round-trip: %+v", got.Plan)
	}
	if got.WallclockBudget != 2*time.Hour {
		t.Errorf("WallclockBudget = %v", got.WallclockBudget)
	}
	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, r.CreatedAt)
	}
	if !got.StartedAt.IsZero() || !got.FinishedAt.IsZero() {
		t.Errorf("fresh run has start/finish stamps: %v %v", got.StartedAt, got.FinishedAt)
	}

	if _, err := s.GetRun("run-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing run: %v", err)
	}
}

func TestTransitionRun(t *testing.T) {
	s := newTestStore(t)
	r := run.NewRun(testPlan(), 0)
	if err := s.CreateRun(r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := s.TransitionRun(r.ID, run.RunRunning); err != nil {
		t.Fatalf("queued -> running: %v", err)
	}
	got, _ := s.GetRun(r.ID)
	if got.State != run.RunRunning || got.StartedAt.IsZero() {
		t.Errorf("after start: state=%s started=%v", got.State, got.StartedAt)
	}
	started := got.StartedAt

	// Pausing and resuming must not re-stamp started_at.
	if err := s.TransitionRun(r.ID, run.RunPaused); err != nil {
		t.Fatalf("running -> paused: %v", err)
	}
	if err := s.TransitionRun(r.ID, run.RunRunning); err != nil {
		t.Fatalf("paused -> running: %v", err)
	}
	got, _ = s.GetRun(r.ID)
	if !got.StartedAt.Equal(started) {
		t.Errorf("started_at re-stamped: %v != %v", got.StartedAt, started)
	}

	if err := s.TransitionRun(r.ID, run.RunComplete); err != nil {
		t.Fatalf("running -> complete: %v", err)
	}
	got, _ = s.GetRun(r.ID)
	if got.FinishedAt.IsZero() {
		t.Error("terminal state did not stamp finished_at")
	}

	// Terminal states admit nothing.
	if err := s.TransitionRun(r.ID, run.RunRunning); !errors.Is(err, ErrStaleTransition) {
		t.Errorf("complete -> running: %v", err)
	}
	if err := s.TransitionRun("run-missing", run.RunRunning); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing run: %v", err)
	}
}

func TestRunCountersAndFailure(t *testing.T) {
	s := newTestStore(t)
	r := run.NewRun(testPlan(), 0)
	if err := s.CreateRun(r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	c := run.Counters{TokensUsed: 1500, DoctorCalls: 2, DoctorStrongCalls: 1, Replans: 1}
	if err := s.UpdateRunCounters(r.ID, c); err != nil {
		t.Fatalf("UpdateRunCounters: %v", err)
	}
	if err := s.SetRunFailure(r.ID, "storage", "exhausted-attempts"); err != nil {
		t.Fatalf("SetRunFailure: %v", err)
	}

	got, _ := s.GetRun(r.ID)
	if got.Counters != c {
		t.Errorf("Counters = %+v", got.Counters)
	}
	if got.FailPhase != "storage" || got.FailReason != "exhausted-attempts" {
		t.Errorf("failure citation = %q/%q", got.FailPhase, got.FailReason)
	}
}

func TestListRunsFilter(t *testing.T) {
	s := newTestStore(t)
	a := run.NewRun(testPlan(), 0)
	b := run.NewRun(testPlan(), 0)
	for _, r := range []*run.Run{a, b} {
		if err := s.CreateRun(r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	if err := s.TransitionRun(b.ID, run.RunRunning); err != nil {
		t.Fatalf("TransitionRun: %v", err)
	}

	all, err := s.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListRuns returned %d runs", len(all))
	}

	queued, err := s.ListRuns(run.RunQueued)
	if err != nil {
		t.Fatalf("ListRuns(queued): %v", err)
	}
	if len(queued) != 1 || queued[0].ID != a.ID {
		t.Errorf("queued filter = %+v", queued)
	}
}

func TestPhaseRoundTrip(t *testing.T) {
	s := newTestStore(t)
	p := testPlan()
	r := run.NewRun(p, 0)
	if err := s.CreateRun(r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	phases := make([]*run.Phase, 0, len(p.Phases))
	for _, spec := range p.Phases {
		phases = append(phases, run.NewPhase(r.ID, spec))
	}
	if err := s.CreatePhases(phases); err != nil {
		t.Fatalf("CreatePhases: %v", err)
	}

	listed, err := s.ListPhases(r.ID)
	if err != nil {
		t.Fatalf("ListPhases: %v", err)
	}
	if len(listed) != 2 || listed[0].ID() != "api" || listed[1].ID() != "storage" {
		t.Fatalf("plan order lost: %+v", listed)
	}

	// Mutate one phase the way an attempt does.
	ph := listed[1]
	ph.State = run.PhaseRunning
	ph.RetryAttempt = 2
	ph.EscalationLevel = 1
	ph.RecordFailure(run.CategoryNewTestFailures, "test [PATH] failed at line [N]")
	ph.AddHint("doctor", run.CategoryNewTestFailures, "missing import in storage.go")
	ph.Result = &run.PhaseResult{Verdict: run.VerdictBlocked, Reason: run.BlockNewTestFailures, DecidedAt: time.Now().UTC()}
	ph.UpdatedAt = time.Now().UTC()
	if err := s.SavePhase(ph); err != nil {
		t.Fatalf("SavePhase: %v", err)
	}

	got, err := s.GetPhase(r.ID, "storage")
	if err != nil {
		t.Fatalf("GetPhase: %v", err)
	}
	if got.State != run.PhaseRunning || got.RetryAttempt != 2 || got.EscalationLevel != 1 {
		t.Errorf("counters = %+v", got)
	}
	if got.OriginalIntent != "persist records" {
		t.Errorf("OriginalIntent = %q", got.OriginalIntent)
	}
	if len(got.ErrorHistory) != 1 || got.ErrorHistory[0].Category != run.CategoryNewTestFailures {
		t.Errorf("ErrorHistory = %+v", got.ErrorHistory)
	}
	if len(got.Hints) != 1 || got.Hints[0].Source != "doctor" {
		t.Errorf("Hints = %+v", got.Hints)
	}
	if got.Result == nil || got.Result.Verdict != run.VerdictBlocked || got.Result.Reason != run.BlockNewTestFailures {
		t.Errorf("Result = %+v", got.Result)
	}

	running, err := s.PhasesByState(r.ID, run.PhaseRunning)
	if err != nil {
		t.Fatalf("PhasesByState: %v", err)
	}
	if len(running) != 1 || running[0].ID() != "storage" {
		t.Errorf("PhasesByState = %+v", running)
	}
}

func TestTransitionPhase(t *testing.T) {
	s := newTestStore(t)
	r := run.NewRun(testPlan(), 0)
	if err := s.CreateRun(r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreatePhases([]*run.Phase{run.NewPhase(r.ID, r.Plan.Phases[0])}); err != nil {
		t.Fatalf("CreatePhases: %v", err)
	}

	if err := s.TransitionPhase(r.ID, "api", run.PhaseQueued, run.PhaseRunning); err != nil {
		t.Fatalf("queued -> running: %v", err)
	}
	// The guard sees the stored state, not the caller's stale copy.
	err := s.TransitionPhase(r.ID, "api", run.PhaseQueued, run.PhaseComplete)
	if !errors.Is(err, ErrStaleTransition) {
		t.Errorf("stale guard: %v", err)
	}
	err = s.TransitionPhase(r.ID, "missing", run.PhaseQueued, run.PhaseRunning)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing phase: %v", err)
	}
}
