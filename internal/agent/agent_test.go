package agent

import (
	"context"
	"testing"

	"autopack/internal/llm"
	"autopack/internal/plan"
	"autopack/internal/run"
)

// fakeGen records the call and plays back a canned response.
type fakeGen struct {
	lastModel  string
	lastSystem string
	lastUser   string

	response string
	usage    llm.Usage
	err      error
}

func (f *fakeGen) Generate(ctx context.Context, model, systemPrompt, userPrompt string) (*llm.Result, error) {
	f.lastModel = model
	f.lastSystem = systemPrompt
	f.lastUser = userPrompt
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{Text: f.response, Usage: f.usage}, nil
}

func testPhase() *run.Phase {
	spec := plan.PhaseSpec{
		ID:                 "api",
		Goal:               "Add rate limiting to the request gateway",
		Deliverables:       []string{"src/api/limit.go"},
		AcceptanceCriteria: []string{"requests over the limit receive 429"},
		ScopePaths:         []string{"src/api"},
		Complexity:         plan.ComplexityMedium,
	}
	return run.NewPhase("run-1", spec)
}

func TestTierFor(t *testing.T) {
	cases := []struct {
		complexity plan.Complexity
		escalation int
		want       int
	}{
		{plan.ComplexityLow, 0, 0},
		{plan.ComplexityLow, 1, 1},
		{plan.ComplexityMedium, 0, 1},
		{plan.ComplexityMedium, 2, 3},
		{plan.ComplexityHigh, 0, 2},
		{plan.ComplexityHigh, 1, 3},
		{"", 0, 0}, // unset complexity starts cheap
		{plan.ComplexityLow, -1, 0},
	}
	for _, tc := range cases {
		if got := TierFor(tc.complexity, tc.escalation); got != tc.want {
			t.Errorf("TierFor(%q, %d) = %d, want %d", tc.complexity, tc.escalation, got, tc.want)
		}
	}
}

func TestCleanResponse(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```diff\n--- a/x\n+++ b/x\n```", "--- a/x\n+++ b/x"},
		{"```\nplain\n```", "plain"},
		{"  already clean  ", "already clean"},
	}
	for _, tc := range cases {
		if got := cleanResponse(tc.in); got != tc.want {
			t.Errorf("cleanResponse(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDiagnosisValidate(t *testing.T) {
	cases := []struct {
		name string
		diag Diagnosis
		ok   bool
	}{
		{"retry with hint", Diagnosis{Action: ActionRetryWithFix, Hint: "pin the module version"}, true},
		{"retry without hint", Diagnosis{Action: ActionRetryWithFix}, false},
		{"skip with reason", Diagnosis{Action: ActionSkipPhase, Reason: "already satisfied"}, true},
		{"fatal without reason", Diagnosis{Action: ActionFatalError}, false},
		{"rollback with provider", Diagnosis{Action: ActionRollbackProvider, Provider: "anthropic"}, true},
		{"rollback without provider", Diagnosis{Action: ActionRollbackProvider}, false},
		{"replan", Diagnosis{Action: ActionReplan}, true},
		{"unknown action", Diagnosis{Action: "try_harder"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.diag.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tc.ok && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
