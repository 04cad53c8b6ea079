package replan

import (
	"context"
	"errors"
	"testing"

	"autopack/internal/agent"
	"autopack/internal/config"
	"autopack/internal/plan"
	"autopack/internal/run"
)

type fakeReplanner struct {
	calls []*agent.ReviseRequest
	rev   *agent.Revision
	err   error
}

func (f *fakeReplanner) Revise(_ context.Context, req *agent.ReviseRequest) (*agent.Revision, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.rev, nil
}

func limiterPhase() *run.Phase {
	return run.NewPhase("run-1", plan.PhaseSpec{
		ID:                 "api",
		Goal:               "Add rate limiting to the gateway",
		Deliverables:       []string{"src/api/limit.go", "src/api/limit_test.go"},
		AcceptanceCriteria: []string{"requests over the limit receive 429"},
		ScopePaths:         []string{"src/api"},
		Complexity:         plan.ComplexityMedium,
	})
}

func TestDetect_RepeatedSimilarFailures(t *testing.T) {
	tr := NewTrigger(&fakeReplanner{}, config.DefaultConfig())
	p := limiterPhase()
	p.RecordFailure(run.CategoryNewTestFailures,
		Normalize("test TestLimit failed at /tmp/ws-1/api/limit_test.go:42: want 429 got 500"))
	p.RecordFailure(run.CategoryNewTestFailures,
		Normalize("test TestLimit failed at /tmp/ws-2/api/limit_test.go:57: want 429 got 500"))

	reason, ok := tr.Detect(p)
	if !ok {
		t.Fatal("two identical normalized failures should trigger")
	}
	if reason != "approach-flaw:new-test-failures" {
		t.Fatalf("reason = %q", reason)
	}
}

func TestDetect_DifferentCategoriesDoNotTrigger(t *testing.T) {
	tr := NewTrigger(&fakeReplanner{}, config.DefaultConfig())
	p := limiterPhase()
	p.RecordFailure(run.CategoryLogic, "handler returns 500 for burst traffic")
	p.RecordFailure(run.CategoryNewTestFailures, "handler returns 500 for burst traffic")

	if _, ok := tr.Detect(p); ok {
		t.Fatal("mixed categories must not trigger")
	}
}

func TestDetect_DissimilarMessagesDoNotTrigger(t *testing.T) {
	tr := NewTrigger(&fakeReplanner{}, config.DefaultConfig())
	p := limiterPhase()
	p.RecordFailure(run.CategoryLogic, "nil pointer dereference in limiter setup")
	p.RecordFailure(run.CategoryLogic, "import cycle between api and store packages")

	if _, ok := tr.Detect(p); ok {
		t.Fatal("unrelated messages must not trigger")
	}
}

func TestDetect_SimilarityBoundaryInclusive(t *testing.T) {
	tr := NewTrigger(&fakeReplanner{}, config.DefaultConfig())
	p := limiterPhase()
	// Levenshtein distance 2 over length 10: ratio exactly at the 0.8
	// threshold, which is inclusive.
	p.RecordFailure(run.CategoryLogic, "aaaaaaaaaa")
	p.RecordFailure(run.CategoryLogic, "aaaaaaaabb")

	if _, ok := tr.Detect(p); !ok {
		t.Fatal("similarity exactly at the threshold should trigger")
	}
}

func TestDetect_FatalTypeTriggersImmediately(t *testing.T) {
	tr := NewTrigger(&fakeReplanner{}, config.DefaultConfig())
	p := limiterPhase()
	p.RecordFailure(run.CategoryLogic,
		Normalize("Builder reports wrong-tech-stack: expected Go module, found Rust crate"))

	reason, ok := tr.Detect(p)
	if !ok {
		t.Fatal("fatal error type should trigger on first occurrence")
	}
	if reason != "fatal-error-type:wrong-tech-stack" {
		t.Fatalf("reason = %q", reason)
	}
}

func TestDetect_SingleOrdinaryFailureDoesNotTrigger(t *testing.T) {
	tr := NewTrigger(&fakeReplanner{}, config.DefaultConfig())
	p := limiterPhase()
	p.RecordFailure(run.CategoryLogic, "handler returns 500 for burst traffic")

	if _, ok := tr.Detect(p); ok {
		t.Fatal("one failure is not a pattern")
	}
}

func TestRevise_AcceptedAppliesAndResets(t *testing.T) {
	fake := &fakeReplanner{rev: &agent.Revision{
		Goal: "Add rate limiting to the gateway with a token bucket",
		AcceptanceCriteria: []string{
			"requests over the limit receive 429",
			"the bucket refills at the configured rate",
		},
		Deliverables: []string{"src/api/limit.go", "src/api/limit_test.go", "src/api/bucket.go"},
		Summary:      "token bucket instead of a sliding window",
	}}
	tr := NewTrigger(fake, config.DefaultConfig())
	r := &run.Run{ID: "run-1"}
	p := limiterPhase()
	p.RetryAttempt = 3
	p.EscalationLevel = 1

	out, err := tr.Revise(context.Background(), r, p, "approach-flaw:new-test-failures", nil)
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	if !out.Accepted() {
		t.Fatalf("verdict = %s, want accepted", out.Verdict)
	}
	if p.Spec.Goal != fake.rev.Goal {
		t.Fatalf("goal not applied: %q", p.Spec.Goal)
	}
	if p.OriginalIntent != "Add rate limiting to the gateway" {
		t.Fatalf("original intent must never change: %q", p.OriginalIntent)
	}
	if p.RetryAttempt != 0 || p.EscalationLevel != 0 {
		t.Fatalf("counters not reset: retry=%d escalation=%d", p.RetryAttempt, p.EscalationLevel)
	}
	if p.Replans != 1 || r.Counters.Replans != 1 {
		t.Fatalf("budgets not spent: phase=%d run=%d", p.Replans, r.Counters.Replans)
	}
	if len(p.Spec.Deliverables) != 3 {
		t.Fatalf("deliverables not applied: %v", p.Spec.Deliverables)
	}
	if len(fake.calls) != 1 || fake.calls[0].Trigger != "approach-flaw:new-test-failures" {
		t.Fatalf("agent saw %+v", fake.calls)
	}
}

func TestRevise_PreservesEscalationWhenConfigured(t *testing.T) {
	fake := &fakeReplanner{rev: &agent.Revision{
		Goal: "Add rate limiting to the gateway with a token bucket",
	}}
	cfg := config.DefaultConfig()
	cfg.Replan.PreserveEscalation = true
	tr := NewTrigger(fake, cfg)
	p := limiterPhase()
	p.RetryAttempt = 3
	p.EscalationLevel = 2

	out, err := tr.Revise(context.Background(), &run.Run{ID: "run-1"}, p, TriggerDoctor, nil)
	if err != nil || !out.Accepted() {
		t.Fatalf("Revise: %v %+v", err, out)
	}
	if p.RetryAttempt != 0 {
		t.Fatalf("retry attempt must reset, got %d", p.RetryAttempt)
	}
	if p.EscalationLevel != 2 {
		t.Fatalf("escalation level should carry over, got %d", p.EscalationLevel)
	}
}

func TestRevise_EmptyListsMeanUnchanged(t *testing.T) {
	fake := &fakeReplanner{rev: &agent.Revision{
		Goal: "Add rate limiting to the gateway via middleware",
	}}
	tr := NewTrigger(fake, config.DefaultConfig())
	p := limiterPhase()

	out, err := tr.Revise(context.Background(), &run.Run{ID: "run-1"}, p, TriggerDoctor, nil)
	if err != nil || !out.Accepted() {
		t.Fatalf("Revise: %v %+v", err, out)
	}
	if len(p.Spec.Deliverables) != 2 || len(p.Spec.AcceptanceCriteria) != 1 {
		t.Fatalf("omitted lists must stay as they were: %v %v",
			p.Spec.Deliverables, p.Spec.AcceptanceCriteria)
	}
}

func TestRevise_RejectsDroppedDeliverable(t *testing.T) {
	fake := &fakeReplanner{rev: &agent.Revision{
		Goal:         "Add rate limiting to the gateway with a token bucket",
		Deliverables: []string{"src/api/limit.go"},
	}}
	tr := NewTrigger(fake, config.DefaultConfig())
	r := &run.Run{ID: "run-1"}
	p := limiterPhase()
	p.RetryAttempt = 3

	out, err := tr.Revise(context.Background(), r, p, TriggerDoctor, nil)
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	if out.Verdict != RejectedDeliverables {
		t.Fatalf("verdict = %s, want %s", out.Verdict, RejectedDeliverables)
	}
	if p.Spec.Goal != "Add rate limiting to the gateway" || p.RetryAttempt != 3 {
		t.Fatal("rejected revision must leave the phase untouched")
	}
	if p.Replans != 0 || r.Counters.Replans != 0 {
		t.Fatalf("rejected revision must not spend budget: phase=%d run=%d", p.Replans, r.Counters.Replans)
	}
}

func TestRevise_RejectsIntentDrift(t *testing.T) {
	fake := &fakeReplanner{rev: &agent.Revision{
		Goal: "Migrate the nightly data warehouse exports to partitioned parquet storage with snappy compression",
	}}
	tr := NewTrigger(fake, config.DefaultConfig())
	p := limiterPhase()

	out, err := tr.Revise(context.Background(), &run.Run{ID: "run-1"}, p, TriggerDoctor, nil)
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	if out.Verdict != RejectedDrift {
		t.Fatalf("verdict = %s, want %s", out.Verdict, RejectedDrift)
	}
	if p.Spec.Goal != "Add rate limiting to the gateway" {
		t.Fatal("drifted revision must keep the previous description")
	}
}

func TestRevise_RejectsShrunkenCriteria(t *testing.T) {
	// Two criteria on the phase, revision proposes one.
	fake := &fakeReplanner{rev: &agent.Revision{
		Goal:               "Add rate limiting to the gateway with a token bucket",
		AcceptanceCriteria: []string{"requests over the limit receive 429"},
	}}
	tr := NewTrigger(fake, config.DefaultConfig())
	p := limiterPhase()
	p.Spec.AcceptanceCriteria = append(p.Spec.AcceptanceCriteria, "burst traffic drains within a second")

	out, err := tr.Revise(context.Background(), &run.Run{ID: "run-1"}, p, TriggerDoctor, nil)
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	if out.Verdict != RejectedCriteria {
		t.Fatalf("verdict = %s, want %s", out.Verdict, RejectedCriteria)
	}
}

func TestRevise_PhaseBudgetWithheld(t *testing.T) {
	fake := &fakeReplanner{}
	cfg := config.DefaultConfig()
	tr := NewTrigger(fake, cfg)
	p := limiterPhase()
	p.Replans = cfg.Budgets.MaxReplansPerPhase

	out, err := tr.Revise(context.Background(), &run.Run{ID: "run-1"}, p, TriggerDoctor, nil)
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	if out.Verdict != PhaseBudgetSpent {
		t.Fatalf("verdict = %s, want %s", out.Verdict, PhaseBudgetSpent)
	}
	if len(fake.calls) != 0 {
		t.Fatal("budget check must run before the agent is called")
	}
}

func TestRevise_RunBudgetWithheld(t *testing.T) {
	fake := &fakeReplanner{}
	cfg := config.DefaultConfig()
	tr := NewTrigger(fake, cfg)
	r := &run.Run{ID: "run-1"}
	r.Counters.Replans = cfg.Budgets.MaxReplansPerRun

	out, err := tr.Revise(context.Background(), r, limiterPhase(), TriggerDoctor, nil)
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	if out.Verdict != RunBudgetSpent {
		t.Fatalf("verdict = %s, want %s", out.Verdict, RunBudgetSpent)
	}
	if len(fake.calls) != 0 {
		t.Fatal("budget check must run before the agent is called")
	}
}

func TestRevise_AgentErrorPropagates(t *testing.T) {
	fake := &fakeReplanner{err: errors.New("provider down")}
	tr := NewTrigger(fake, config.DefaultConfig())

	_, err := tr.Revise(context.Background(), &run.Run{ID: "run-1"}, limiterPhase(), TriggerDoctor, nil)
	if err == nil {
		t.Fatal("want the agent error surfaced")
	}
}
