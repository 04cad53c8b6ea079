package plan

import (
	"strings"
	"testing"
)

const samplePlanYAML = `
name: user-service-migration
goal: Migrate the user service from raw SQL to the repository pattern
workspace: /work/user-service
phases:
  - id: schema
    goal: Introduce the repository interfaces
    deliverables:
      - internal/repo/user.go
    scope_paths:
      - internal/repo
    complexity: low
  - id: wire
    goal: Wire the service layer onto the repositories
    deliverables:
      - internal/service/user.go
    scope_paths:
      - internal/service
    dependencies: [schema]
    complexity: medium
  - id: cleanup
    goal: Remove the legacy SQL helpers
    scope_paths:
      - internal/legacy
    dependencies: [wire]
    complexity: high
`

func TestLoad_YAML(t *testing.T) {
	p, err := Load([]byte(samplePlanYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.Name != "user-service-migration" {
		t.Errorf("unexpected name: %q", p.Name)
	}
	if len(p.Phases) != 3 {
		t.Fatalf("expected 3 phases, got %d", len(p.Phases))
	}
	if p.Phases[1].Dependencies[0] != "schema" {
		t.Errorf("unexpected dependency: %v", p.Phases[1].Dependencies)
	}
	if p.Phases[0].EffectiveComplexity() != ComplexityLow {
		t.Errorf("unexpected complexity: %v", p.Phases[0].EffectiveComplexity())
	}
}

func TestLoad_JSON(t *testing.T) {
	data := `{
		"name": "n",
		"goal": "g",
		"workspace": "/w",
		"phases": [{"id": "p1", "goal": "do it", "scope_paths": ["src"]}]
	}`
	p, err := Load([]byte(data))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(p.Phases) != 1 || p.Phases[0].ID != "p1" {
		t.Errorf("unexpected phases: %+v", p.Phases)
	}
}

func TestLoad_NormalizesPaths(t *testing.T) {
	data := `
name: n
goal: g
workspace: /w
phases:
  - id: p1
    goal: do it
    scope_paths:
      - "  src/api/  "
      - "src/./handlers"
      - "src/**/*.go"
`
	p, err := Load([]byte(data))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := p.Phases[0].ScopePaths
	if got[0] != "src/api" {
		t.Errorf("expected trimmed+cleaned path, got %q", got[0])
	}
	if got[1] != "src/handlers" {
		t.Errorf("expected cleaned path, got %q", got[1])
	}
	if got[2] != "src/**/*.go" {
		t.Errorf("glob pattern must survive normalization, got %q", got[2])
	}
}

func TestPhaseSpec_DefaultComplexity(t *testing.T) {
	ph := PhaseSpec{ID: "p", Goal: "g"}
	if ph.EffectiveComplexity() != ComplexityMedium {
		t.Errorf("expected medium default, got %v", ph.EffectiveComplexity())
	}
}

func TestExecutionOrder(t *testing.T) {
	p := &Plan{
		Name: "n", Goal: "g", Workspace: "/w",
		Phases: []PhaseSpec{
			{ID: "d", Dependencies: []string{"b", "c"}},
			{ID: "b", Dependencies: []string{"a"}},
			{ID: "c", Dependencies: []string{"a"}},
			{ID: "a"},
		},
	}
	order, err := p.ExecutionOrder()
	if err != nil {
		t.Fatalf("ExecutionOrder failed: %v", err)
	}
	if strings.Join(order, ",") != "a,b,c,d" {
		t.Errorf("unexpected order: %v", order)
	}
}

func TestExecutionOrder_DeclarationOrderTieBreak(t *testing.T) {
	p := &Plan{
		Phases: []PhaseSpec{
			{ID: "z"},
			{ID: "m"},
			{ID: "a"},
		},
	}
	order, err := p.ExecutionOrder()
	if err != nil {
		t.Fatalf("ExecutionOrder failed: %v", err)
	}
	// Independent phases keep their declared order, not lexical order.
	if strings.Join(order, ",") != "z,m,a" {
		t.Errorf("expected declaration order, got %v", order)
	}
}

func TestExecutionOrder_Cycle(t *testing.T) {
	p := &Plan{
		Phases: []PhaseSpec{
			{ID: "a", Dependencies: []string{"b"}},
			{ID: "b", Dependencies: []string{"a"}},
		},
	}
	if _, err := p.ExecutionOrder(); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestPlan_Phase(t *testing.T) {
	p, err := Load([]byte(samplePlanYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := p.Phase("wire"); got == nil || got.ID != "wire" {
		t.Errorf("Phase lookup failed: %+v", got)
	}
	if got := p.Phase("nope"); got != nil {
		t.Errorf("expected nil for unknown phase, got %+v", got)
	}
}
