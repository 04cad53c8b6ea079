package learning

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"autopack/internal/plan"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "learning.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ruleByScope(t *testing.T, rules []Rule, scope string) Rule {
	t.Helper()
	for _, r := range rules {
		if r.Scope == scope {
			return r
		}
	}
	t.Fatalf("no rule with scope %q in %+v", scope, rules)
	return Rule{}
}

func TestReinforceRuleUpsert(t *testing.T) {
	s := newTestStore(t)

	if err := s.ReinforceRule("src/**", "run gofmt before committing"); err != nil {
		t.Fatalf("ReinforceRule: %v", err)
	}
	if err := s.ReinforceRule("src/**", "run gofmt before committing"); err != nil {
		t.Fatalf("ReinforceRule again: %v", err)
	}

	rules, err := s.ListRules(0)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("upsert created %d rows", len(rules))
	}
	r := rules[0]
	if r.Occurrences != 2 {
		t.Errorf("Occurrences = %d", r.Occurrences)
	}
	if r.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want capped at 1.0", r.Confidence)
	}

	// Reinforcement recovers confidence lost to decay.
	if _, err := s.db.Exec(`UPDATE learned_rules SET confidence = 0.5 WHERE id = ?`, r.ID); err != nil {
		t.Fatalf("lower confidence: %v", err)
	}
	if err := s.ReinforceRule("src/**", "run gofmt before committing"); err != nil {
		t.Fatalf("ReinforceRule after decay: %v", err)
	}
	rules, _ = s.ListRules(0)
	if got := rules[0].Confidence; got < 0.59 || got > 0.61 {
		t.Errorf("Confidence after reinforcement = %v, want 0.6", got)
	}
}

func TestRulesForPhaseScopeMatching(t *testing.T) {
	s := newTestStore(t)
	spec := plan.PhaseSpec{
		ID:         "api",
		Goal:       "expose the http api",
		ScopePaths: []string{"src/api/handlers"},
		Category:   "backend",
	}

	seed := map[string]string{
		"src/api/handlers": "exact scope match",
		"src/api":          "subtree prefix match",
		"src/**":           "glob match",
		"category:backend": "category tag match",
		"docs/**":          "should not match",
		"category:frontend": "wrong category",
	}
	for scope, body := range seed {
		if err := s.ReinforceRule(scope, body); err != nil {
			t.Fatalf("ReinforceRule(%q): %v", scope, err)
		}
	}

	rules, err := s.RulesForPhase(spec)
	if err != nil {
		t.Fatalf("RulesForPhase: %v", err)
	}
	if len(rules) != 4 {
		t.Fatalf("matched %d rules: %+v", len(rules), rules)
	}
	for _, scope := range []string{"src/api/handlers", "src/api", "src/**", "category:backend"} {
		ruleByScope(t, rules, scope)
	}
}

func TestRuleConfidenceFloor(t *testing.T) {
	s := newTestStore(t)
	if err := s.ReinforceRule("src/**", "faded advice"); err != nil {
		t.Fatalf("ReinforceRule: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE learned_rules SET confidence = 0.2`); err != nil {
		t.Fatalf("lower confidence: %v", err)
	}

	rules, err := s.ListRules(0)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("faded rule still listed: %+v", rules)
	}
}

func TestDecayRules(t *testing.T) {
	s := newTestStore(t)
	if err := s.ReinforceRule("src/**", "old advice"); err != nil {
		t.Fatalf("ReinforceRule: %v", err)
	}
	if err := s.ReinforceRule("pkg/**", "fresh advice"); err != nil {
		t.Fatalf("ReinforceRule: %v", err)
	}
	// Backdate one rule past the decay horizon.
	if _, err := s.db.Exec(`UPDATE learned_rules SET last_seen = datetime('now', '-8 days') WHERE scope = 'src/**'`); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if err := s.DecayRules(0.5); err != nil {
		t.Fatalf("DecayRules: %v", err)
	}
	rules, _ := s.ListRules(0)
	if got := ruleByScope(t, rules, "src/**").Confidence; got != 0.5 {
		t.Errorf("decayed confidence = %v", got)
	}
	if got := ruleByScope(t, rules, "pkg/**").Confidence; got != 1.0 {
		t.Errorf("fresh rule decayed to %v", got)
	}

	// Rules that fade to noise get pruned outright.
	if _, err := s.db.Exec(`UPDATE learned_rules SET confidence = 0.05 WHERE scope = 'src/**'`); err != nil {
		t.Fatalf("fade: %v", err)
	}
	if err := s.DecayRules(0.5); err != nil {
		t.Fatalf("DecayRules: %v", err)
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM learned_rules`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("rules remaining = %d", count)
	}
}

func TestDeleteRule(t *testing.T) {
	s := newTestStore(t)
	if err := s.ReinforceRule("src/**", "short-lived advice"); err != nil {
		t.Fatalf("ReinforceRule: %v", err)
	}
	rules, err := s.ListRules(0)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if err := s.DeleteRule(rules[0].ID); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if err := s.DeleteRule(rules[0].ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("second delete err = %v, want sql.ErrNoRows", err)
	}
}

func TestRecordHintCounts(t *testing.T) {
	s := newTestStore(t)

	for want := 1; want <= 3; want++ {
		seen, err := s.RecordHint("run-1", "api", "new-test-failures", "add the auth header to fixtures")
		if err != nil {
			t.Fatalf("RecordHint: %v", err)
		}
		if seen != want {
			t.Errorf("attempts seen = %d, want %d", seen, want)
		}
	}

	seen, err := s.RecordHint("run-1", "api", "new-test-failures", "a different hint")
	if err != nil {
		t.Fatalf("RecordHint: %v", err)
	}
	if seen != 1 {
		t.Errorf("different body shares a count: %d", seen)
	}
}

func TestHintsForPhaseIncludesWildcard(t *testing.T) {
	s := newTestStore(t)

	mustRecord := func(runID, phaseID, body string) {
		t.Helper()
		if _, err := s.RecordHint(runID, phaseID, "", body); err != nil {
			t.Fatalf("RecordHint: %v", err)
		}
	}
	mustRecord("run-1", "api", "phase-specific hint")
	mustRecord("run-1", "", "run-wide hint")
	mustRecord("run-1", "storage", "other phase hint")
	mustRecord("run-2", "api", "other run hint")

	hints, err := s.HintsForPhase("run-1", "api")
	if err != nil {
		t.Fatalf("HintsForPhase: %v", err)
	}
	if len(hints) != 2 {
		t.Fatalf("hints = %+v", hints)
	}
	bodies := map[string]bool{}
	for _, h := range hints {
		bodies[h.Body] = true
	}
	if !bodies["phase-specific hint"] || !bodies["run-wide hint"] {
		t.Errorf("wrong hints: %+v", hints)
	}
}

func TestPromotion(t *testing.T) {
	s := newTestStore(t)

	var hintID int64
	for i := 0; i < PromotionMinAttempts; i++ {
		if _, err := s.RecordHint("run-1", "api", "backend", "pin the database driver version"); err != nil {
			t.Fatalf("RecordHint: %v", err)
		}
	}
	if _, err := s.RecordHint("run-1", "api", "backend", "seen only once"); err != nil {
		t.Fatalf("RecordHint: %v", err)
	}

	cands, err := s.PromotionCandidates("run-1")
	if err != nil {
		t.Fatalf("PromotionCandidates: %v", err)
	}
	if len(cands) != 1 || cands[0].Body != "pin the database driver version" {
		t.Fatalf("candidates = %+v", cands)
	}
	hintID = cands[0].ID

	// Promotion defaults the scope to the hint's category tag.
	if err := s.PromoteHint(hintID, ""); err != nil {
		t.Fatalf("PromoteHint: %v", err)
	}
	rules, _ := s.ListRules(0)
	if len(rules) != 1 || rules[0].Scope != "category:backend" {
		t.Errorf("promoted rule = %+v", rules)
	}

	// Under-seen hints cannot be promoted.
	under, err := s.HintsForPhase("run-1", "api")
	if err != nil {
		t.Fatalf("HintsForPhase: %v", err)
	}
	for _, h := range under {
		if h.Body == "seen only once" {
			if err := s.PromoteHint(h.ID, "src/**"); err == nil {
				t.Error("promoted an under-seen hint")
			}
		}
	}
}

func TestDiscardRun(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.RecordHint("run-1", "api", "", "doomed hint"); err != nil {
		t.Fatalf("RecordHint: %v", err)
	}
	if err := s.ReinforceRule("src/**", "durable rule"); err != nil {
		t.Fatalf("ReinforceRule: %v", err)
	}

	if err := s.DiscardRun("run-1"); err != nil {
		t.Fatalf("DiscardRun: %v", err)
	}
	hints, err := s.HintsForPhase("run-1", "api")
	if err != nil {
		t.Fatalf("HintsForPhase: %v", err)
	}
	if len(hints) != 0 {
		t.Errorf("hints survived discard: %+v", hints)
	}
	rules, _ := s.ListRules(0)
	if len(rules) != 1 {
		t.Errorf("rules did not survive discard: %+v", rules)
	}
}
