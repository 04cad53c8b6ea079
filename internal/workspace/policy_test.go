package workspace

import (
	"testing"

	"autopack/internal/plan"
)

var globalProtected = []string{".git", ".autopack", ".autopack/autopack.db", "internal/governance"}

func TestPolicy_Classify(t *testing.T) {
	spec := &plan.PhaseSpec{
		ID:             "api",
		ScopePaths:     []string{"src/api", "docs/api.md"},
		ProtectedPaths: []string{"src/api/schema.sql", "migrations/**"},
	}
	p := NewPolicy(spec, globalProtected)

	cases := []struct {
		path string
		want Classification
	}{
		// Scope prefixes cover their subtree.
		{"src/api/handler.go", InScope},
		{"src/api/v2/routes.go", InScope},
		{"docs/api.md", InScope},

		// Protection wins over scope, even inside a scoped directory.
		{"src/api/schema.sql", Protected},

		// Global protected set.
		{".git/config", Protected},
		{".autopack/autopack.db", Protected},
		{".autopack/logs/run.log", Protected},
		{"internal/governance/decider.go", Protected},

		// Phase-level glob protection.
		{"migrations/0001_init.sql", Protected},
		{"migrations/sub/0002.sql", Protected},

		// Everything else is out of scope.
		{"src/service/user.go", OutOfScope},
		{"README.md", OutOfScope},
		{"docs/api.md.bak", OutOfScope},
		{"src/apix/handler.go", OutOfScope},
	}

	for _, tc := range cases {
		if got := p.Classify(tc.path); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.path, got, tc.want)
		}
	}
}

func TestPolicy_Classify_LeadingDotSlash(t *testing.T) {
	p := NewPolicy(&plan.PhaseSpec{ScopePaths: []string{"./src"}}, nil)
	if got := p.Classify("./src/main.go"); got != InScope {
		t.Errorf("expected in-scope, got %s", got)
	}
}

func TestClassificationString(t *testing.T) {
	if Protected.String() != "protected" || InScope.String() != "in-scope" || OutOfScope.String() != "out-of-scope" {
		t.Error("unexpected classification strings")
	}
}
