package plan

import (
	"errors"
	"strings"
	"testing"
)

var testProtected = []string{".git", ".autopack", ".autopack/autopack.db", "internal/governance"}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(testProtected)
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	return v
}

func validPlan() *Plan {
	return &Plan{
		Name:      "sample",
		Goal:      "build the thing",
		Workspace: "/work/sample",
		Phases: []PhaseSpec{
			{ID: "one", Goal: "first", ScopePaths: []string{"src/api"}},
			{ID: "two", Goal: "second", ScopePaths: []string{"src/service"}, Dependencies: []string{"one"}},
		},
	}
}

func findIssue(t *testing.T, err error, kind string) Issue {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	for _, issue := range verr.Issues {
		if issue.Kind == kind {
			return issue
		}
	}
	t.Fatalf("no %q issue in %v", kind, verr.Issues)
	return Issue{}
}

func TestValidate_ValidPlan(t *testing.T) {
	v := newTestValidator(t)
	if err := v.Validate(validPlan()); err != nil {
		t.Fatalf("expected valid plan, got: %v", err)
	}
}

func TestValidate_MissingFields(t *testing.T) {
	v := newTestValidator(t)

	p := validPlan()
	p.Goal = ""
	p.Phases[0].Goal = ""
	err := v.Validate(p)
	if err == nil {
		t.Fatal("expected validation error")
	}
	issue := findIssue(t, err, "invalid-field")
	if issue.Detail == "" {
		t.Error("expected a detail message")
	}
}

func TestValidate_BadPhaseID(t *testing.T) {
	v := newTestValidator(t)

	p := validPlan()
	p.Phases[0].ID = "Has Spaces!"
	err := v.Validate(p)
	if err == nil {
		t.Fatal("expected validation error for bad phase id")
	}
	findIssue(t, err, "invalid-field")
}

func TestValidate_AbsoluteScopePath(t *testing.T) {
	v := newTestValidator(t)

	p := validPlan()
	p.Phases[0].ScopePaths = []string{"/etc/passwd"}
	err := v.Validate(p)
	if err == nil {
		t.Fatal("expected validation error for absolute scope path")
	}
	findIssue(t, err, "invalid-field")
}

func TestValidate_ParentTraversal(t *testing.T) {
	v := newTestValidator(t)

	p := validPlan()
	p.Phases[0].Deliverables = []string{"../outside.go"}
	err := v.Validate(p)
	if err == nil {
		t.Fatal("expected validation error for parent traversal")
	}
	findIssue(t, err, "invalid-field")
}

func TestValidate_DuplicateIDs(t *testing.T) {
	v := newTestValidator(t)

	p := validPlan()
	p.Phases = append(p.Phases, PhaseSpec{ID: "one", Goal: "again", ScopePaths: []string{"src/other"}})
	err := v.Validate(p)
	if err == nil {
		t.Fatal("expected validation error for duplicate ids")
	}
	issue := findIssue(t, err, "duplicate-id")
	if issue.PhaseID != "one" {
		t.Errorf("expected duplicate attributed to phase one, got %q", issue.PhaseID)
	}
}

func TestValidate_MissingDependency(t *testing.T) {
	v := newTestValidator(t)

	p := validPlan()
	p.Phases[1].Dependencies = []string{"ghost"}
	err := v.Validate(p)
	if err == nil {
		t.Fatal("expected validation error for missing dependency")
	}
	issue := findIssue(t, err, "missing-dependency")
	if issue.PhaseID != "two" {
		t.Errorf("expected issue attributed to phase two, got %q", issue.PhaseID)
	}
	if issue.Detail != "ghost" {
		t.Errorf("expected missing dep named in detail, got %q", issue.Detail)
	}
}

func TestValidate_CircularDependency(t *testing.T) {
	v := newTestValidator(t)

	p := validPlan()
	p.Phases[0].Dependencies = []string{"two"}
	err := v.Validate(p)
	if err == nil {
		t.Fatal("expected validation error for dependency cycle")
	}
	findIssue(t, err, "circular-dependency")
}

func TestValidate_SelfDependency(t *testing.T) {
	v := newTestValidator(t)

	p := validPlan()
	p.Phases[0].Dependencies = []string{"one"}
	err := v.Validate(p)
	if err == nil {
		t.Fatal("expected validation error for self dependency")
	}
	findIssue(t, err, "self-dependency")
}

func TestValidate_ScopeInsideGlobalProtected(t *testing.T) {
	v := newTestValidator(t)

	p := validPlan()
	p.Phases[0].ScopePaths = []string{"internal/governance/decider.go"}
	err := v.Validate(p)
	if err == nil {
		t.Fatal("expected validation error for scope inside protected subtree")
	}
	issue := findIssue(t, err, "scope-protected-overlap")
	if !strings.Contains(issue.Detail, "internal/governance") {
		t.Errorf("expected protected path in detail, got %q", issue.Detail)
	}
}

func TestValidate_ScopeInsidePhaseProtected(t *testing.T) {
	v := newTestValidator(t)

	p := validPlan()
	p.Phases[0].ProtectedPaths = []string{"src"}
	p.Phases[0].ScopePaths = []string{"src/api"}
	err := v.Validate(p)
	if err == nil {
		t.Fatal("expected validation error for scope inside phase protected path")
	}
	findIssue(t, err, "scope-protected-overlap")
}

func TestValidate_ProtectedCarveOutInsideScopeAllowed(t *testing.T) {
	v := newTestValidator(t)

	// Protecting one file inside a broader scope is the intended use of
	// per-phase protected paths; classify resolves it protected-first.
	p := validPlan()
	p.Phases[0].ScopePaths = []string{"src"}
	p.Phases[0].ProtectedPaths = []string{"src/schema.sql"}
	if err := v.Validate(p); err != nil {
		t.Fatalf("carve-out should be legal, got: %v", err)
	}
}

func TestScopeInsideProtected(t *testing.T) {
	cases := []struct {
		scope     string
		protected string
		want      bool
	}{
		{"internal/governance", "internal/governance", true},
		{"internal/governance/decider.go", "internal/governance", true},
		{".git/hooks", ".git", true},
		{"src/api", "src/**", true},
		{"src", "src/schema.sql", false},
		{"src/api", ".git", false},
		{"srcx", "src", false},
	}
	for _, tc := range cases {
		if got := scopeInsideProtected(tc.scope, tc.protected); got != tc.want {
			t.Errorf("scopeInsideProtected(%q, %q) = %v, want %v", tc.scope, tc.protected, got, tc.want)
		}
	}
}
