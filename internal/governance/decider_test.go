package governance

import (
	"errors"
	"reflect"
	"testing"

	"autopack/internal/config"
	"autopack/internal/patch"
	"autopack/internal/run"
	"autopack/internal/workspace"
)

func newTestDecider() *Decider {
	return NewDecider(config.DefaultConfig())
}

func target(path string, class workspace.Classification) patch.TargetChange {
	return patch.TargetChange{Path: path, Action: patch.ActionModify, Classification: class}
}

func TestDecide_AllowForCleanInScopePatch(t *testing.T) {
	d := newTestDecider().Decide(Input{Review: &patch.Review{
		Targets: []patch.TargetChange{target("src/a.go", workspace.InScope)},
	}})
	if d.Verdict != VerdictAllow || d.Rule != "allow" {
		t.Errorf("decision = %+v", d)
	}
	if d.Err() != nil {
		t.Errorf("allow produced error %v", d.Err())
	}
}

func TestDecide_ProtectedPathDenies(t *testing.T) {
	review := &patch.Review{Targets: []patch.TargetChange{
		target("src/a.go", workspace.InScope),
		target(".git/config", workspace.Protected),
	}}

	d := newTestDecider().Decide(Input{Review: review})
	if d.Verdict != VerdictDeny || d.Reason != ReasonProtectedPath {
		t.Fatalf("decision = %+v", d)
	}
	if !reflect.DeepEqual(d.Targets, []string{".git/config"}) {
		t.Errorf("Targets = %v", d.Targets)
	}

	var denied *run.GovernanceDenied
	if !errors.As(d.Err(), &denied) {
		t.Fatalf("Err() = %v, want GovernanceDenied", d.Err())
	}

	// A live protected-exception token lets the same patch through.
	granted := newTestDecider().Decide(Input{
		Review:           review,
		GrantedProtected: map[string]bool{".git/config": true},
	})
	if granted.Verdict != VerdictAllow {
		t.Errorf("with token: %+v", granted)
	}
}

func TestDecide_OutOfScopeRequiresApproval(t *testing.T) {
	review := &patch.Review{Targets: []patch.TargetChange{
		target("docs/readme.md", workspace.OutOfScope),
	}}

	d := newTestDecider().Decide(Input{Review: review})
	if d.Verdict != VerdictRequireApproval || d.Reason != ReasonScopeException {
		t.Fatalf("decision = %+v", d)
	}
	if d.Severity != SeverityMedium {
		t.Errorf("Severity = %q", d.Severity)
	}

	// Granted paths are respected silently.
	granted := newTestDecider().Decide(Input{
		Review:       review,
		GrantedScope: map[string]bool{"docs/readme.md": true},
	})
	if granted.Verdict != VerdictAllow {
		t.Errorf("with token: %+v", granted)
	}
}

func TestDecide_DeletionThresholds(t *testing.T) {
	cases := []struct {
		net      int
		approved bool
		verdict  Verdict
		rule     string
	}{
		{net: 199, verdict: VerdictAllow, rule: "allow"},
		// The approval threshold is inclusive: exactly 200 does not pass.
		{net: 200, verdict: VerdictRequireApproval, rule: "deletion-approval"},
		{net: 200, approved: true, verdict: VerdictAllow, rule: "allow"},
		{net: 500, verdict: VerdictRequireApproval, rule: "deletion-approval"},
		{net: 500, approved: true, verdict: VerdictAllow, rule: "allow"},
		// Above the hard limit is denied regardless of approvals.
		{net: 501, verdict: VerdictDeny, rule: "deletion-deny"},
		{net: 501, approved: true, verdict: VerdictDeny, rule: "deletion-deny"},
	}
	for _, tc := range cases {
		review := &patch.Review{
			Targets:      []patch.TargetChange{target("src/a.go", workspace.InScope)},
			LinesDeleted: tc.net,
			NetDeletion:  tc.net,
		}
		d := newTestDecider().Decide(Input{Review: review, ApprovedDeletion: tc.approved})
		if d.Verdict != tc.verdict || d.Rule != tc.rule {
			t.Errorf("net=%d approved=%v: got %s/%s, want %s/%s",
				tc.net, tc.approved, d.Verdict, d.Rule, tc.verdict, tc.rule)
		}
	}
}

func TestDecide_DriftRequiresApproval(t *testing.T) {
	review := &patch.Review{
		Targets: []patch.TargetChange{target("src/a.go", workspace.InScope)},
		Drift:   []patch.DriftFinding{{Path: "src/a.go", Similarity: 0.4, Min: 0.6}},
	}

	d := newTestDecider().Decide(Input{Review: review})
	if d.Verdict != VerdictRequireApproval || d.Reason != ReasonStructuralDrift {
		t.Fatalf("decision = %+v", d)
	}
	if !reflect.DeepEqual(d.Targets, []string{"src/a.go"}) {
		t.Errorf("Targets = %v", d.Targets)
	}

	approved := newTestDecider().Decide(Input{Review: review, ApprovedDrift: true})
	if approved.Verdict != VerdictAllow {
		t.Errorf("with drift approval: %+v", approved)
	}
}

// TestDecide_FirstMatchWins walks one worst-case review through the rule
// chain, clearing each finding in order.
func TestDecide_FirstMatchWins(t *testing.T) {
	dec := newTestDecider()
	review := &patch.Review{
		Targets: []patch.TargetChange{
			target(".git/config", workspace.Protected),
			target("docs/readme.md", workspace.OutOfScope),
			target("src/a.go", workspace.InScope),
		},
		LinesDeleted: 300,
		NetDeletion:  300,
		Drift:        []patch.DriftFinding{{Path: "src/a.go", Similarity: 0.3, Min: 0.6}},
	}

	in := Input{Review: review}
	if d := dec.Decide(in); d.Rule != "protected-path" {
		t.Fatalf("step 1: %+v", d)
	}

	in.GrantedProtected = map[string]bool{".git/config": true}
	if d := dec.Decide(in); d.Rule != "scope" {
		t.Fatalf("step 2: %+v", d)
	}

	in.GrantedScope = map[string]bool{"docs/readme.md": true}
	if d := dec.Decide(in); d.Rule != "deletion-approval" {
		t.Fatalf("step 3: %+v", d)
	}

	in.ApprovedDeletion = true
	if d := dec.Decide(in); d.Rule != "drift" {
		t.Fatalf("step 4: %+v", d)
	}

	in.ApprovedDrift = true
	if d := dec.Decide(in); d.Verdict != VerdictAllow {
		t.Fatalf("step 5: %+v", d)
	}
}
