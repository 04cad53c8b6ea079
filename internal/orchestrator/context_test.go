package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"autopack/internal/config"
	"autopack/internal/plan"
	"autopack/internal/run"
	"autopack/internal/workspace"
)

// ctxFixture carries the two things selectContext reads: the configured
// token budget and a gateway over a seeded tree.
type ctxFixture struct {
	t   *testing.T
	o   *Orchestrator
	env *runEnv
	dir string
}

func newCtxFixture(t *testing.T, spec *plan.PhaseSpec) *ctxFixture {
	t.Helper()

	dir := t.TempDir()
	gw, err := workspace.NewGateway(dir, workspace.NewPolicy(spec, nil), &memSnapshotter{root: dir})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return &ctxFixture{
		t:   t,
		o:   &Orchestrator{cfg: config.DefaultConfig()},
		env: &runEnv{gw: gw},
		dir: dir,
	}
}

func (c *ctxFixture) budget(tokens int) {
	c.o.cfg.Budgets.ContextTokenBudgetPerAttempt = tokens
}

func (c *ctxFixture) put(rel string, content []byte) {
	c.t.Helper()
	path := filepath.Join(c.dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		c.t.Fatalf("write %s: %v", rel, err)
	}
}

func (c *ctxFixture) touch(rel string, at time.Time) {
	c.t.Helper()
	if err := os.Chtimes(filepath.Join(c.dir, rel), at, at); err != nil {
		c.t.Fatalf("chtimes %s: %v", rel, err)
	}
}

func (c *ctxFixture) selection(p *run.Phase) *contextSelection {
	c.t.Helper()
	sel, err := c.o.selectContext(c.env, p)
	if err != nil {
		c.t.Fatalf("selectContext: %v", err)
	}
	return sel
}

func selectedPaths(sel *contextSelection) []string {
	out := make([]string, len(sel.files))
	for i, f := range sel.files {
		out[i] = f.Path
	}
	return out
}

func TestSelectContextDeliverablesComeFirst(t *testing.T) {
	spec := featureSpec()
	c := newCtxFixture(t, &spec)
	c.put("src/feature.go", []byte("package src\n\nfunc Feature() {}\n"))
	c.put("src/other.go", []byte("package src\n"))

	sel := c.selection(run.NewPhase("run-ctx-1", spec))

	got := selectedPaths(sel)
	if len(got) != 2 || got[0] != "src/feature.go" {
		t.Fatalf("selection = %v, want the deliverable leading", got)
	}
	if sel.files[0].Content != "package src\n\nfunc Feature() {}\n" {
		t.Errorf("deliverable content = %q, want the on-disk bytes", sel.files[0].Content)
	}
	if sel.scopeFileCount != 2 {
		t.Errorf("scopeFileCount = %d, want 2", sel.scopeFileCount)
	}
}

func TestSelectContextSkipsAbsentDeliverables(t *testing.T) {
	// A deliverable not on disk yet is the finalizer's problem, not the
	// context selector's; the attempt still gets the rest of the scope.
	spec := featureSpec()
	c := newCtxFixture(t, &spec)
	c.put("src/other.go", []byte("package src\n"))

	sel := c.selection(run.NewPhase("run-ctx-2", spec))

	if got := selectedPaths(sel); len(got) != 1 || got[0] != "src/other.go" {
		t.Fatalf("selection = %v, want only src/other.go", got)
	}
}

func TestSelectContextBudgetTooSmallForDeliverables(t *testing.T) {
	spec := featureSpec()
	c := newCtxFixture(t, &spec)
	c.budget(10)
	c.put("src/feature.go", []byte(strings.Repeat("x", 200)))

	_, err := c.o.selectContext(c.env, run.NewPhase("run-ctx-3", spec))

	var eb *run.ExhaustedBudget
	if !errors.As(err, &eb) {
		t.Fatalf("err = %v, want *run.ExhaustedBudget", err)
	}
	if eb.Budget != "context" {
		t.Errorf("Budget = %q, want context", eb.Budget)
	}
	if got := run.CategoryOf(err); got != run.CategoryInfrastructure {
		t.Errorf("CategoryOf = %s, want %s", got, run.CategoryInfrastructure)
	}
}

func TestSelectContextSkipsStateDirsAndOutOfScope(t *testing.T) {
	spec := plan.PhaseSpec{ID: "scan", Goal: "scan the scope", ScopePaths: []string{"src/**"}}
	c := newCtxFixture(t, &spec)
	c.put("src/a.go", []byte("package src\n"))
	c.put(".git/config", []byte("[core]\n"))
	c.put(".autopack/state.db", []byte("sqlite\n"))
	c.put("node_modules/left-pad/index.js", []byte("module.exports = pad\n"))
	c.put("docs/readme.md", []byte("# notes\n"))

	sel := c.selection(run.NewPhase("run-ctx-4", spec))

	if got := selectedPaths(sel); len(got) != 1 || got[0] != "src/a.go" {
		t.Fatalf("selection = %v, want only src/a.go", got)
	}
	if sel.scopeFileCount != 1 {
		t.Errorf("scopeFileCount = %d, want 1", sel.scopeFileCount)
	}
}

func TestSelectContextRanksByRecencyThenSize(t *testing.T) {
	spec := plan.PhaseSpec{ID: "rank", Goal: "rank the scope", ScopePaths: []string{"src/**"}}
	c := newCtxFixture(t, &spec)
	c.put("src/old.go", []byte("package src // old\n"))
	c.put("src/tied_big.go", []byte("package src\n"+strings.Repeat("// filler\n", 8)))
	c.put("src/tied_small.go", []byte("package src\n"))
	c.put("src/fresh.go", []byte("package src // fresh\n"))

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	c.touch("src/old.go", base.Add(-30*time.Minute))
	c.touch("src/tied_big.go", base)
	c.touch("src/tied_small.go", base)
	c.touch("src/fresh.go", base.Add(30*time.Minute))

	sel := c.selection(run.NewPhase("run-ctx-5", spec))

	want := []string{"src/fresh.go", "src/tied_small.go", "src/tied_big.go", "src/old.go"}
	if got := selectedPaths(sel); !reflect.DeepEqual(got, want) {
		t.Fatalf("selection order = %v, want %v", got, want)
	}
}

func TestSelectContextSkipsOversizedFilesNotTheRest(t *testing.T) {
	spec := plan.PhaseSpec{
		ID:           "pick",
		Goal:         "fill the budget greedily",
		Deliverables: []string{"src/feature.go"},
		ScopePaths:   []string{"src/**"},
	}
	c := newCtxFixture(t, &spec)
	c.budget(100)
	c.put("src/feature.go", []byte(strings.Repeat("d", 100))) // 25 tokens
	c.put("src/huge.go", []byte(strings.Repeat("h", 400)))    // would blow the budget
	c.put("src/tiny.go", []byte(strings.Repeat("t", 40)))     // still fits after the skip

	// The oversized file ranks first so the selector must skip past it.
	now := time.Now().Truncate(time.Second)
	c.touch("src/huge.go", now)
	c.touch("src/tiny.go", now.Add(-time.Minute))

	sel := c.selection(run.NewPhase("run-ctx-6", spec))

	want := []string{"src/feature.go", "src/tiny.go"}
	if got := selectedPaths(sel); !reflect.DeepEqual(got, want) {
		t.Fatalf("selection = %v, want %v", got, want)
	}
}

func TestSelectContextSkipsInvalidUTF8(t *testing.T) {
	spec := plan.PhaseSpec{ID: "text", Goal: "text files only", ScopePaths: []string{"src/**"}}
	c := newCtxFixture(t, &spec)
	c.put("src/a.go", []byte("package src\n"))
	c.put("src/blob.bin", []byte{0xff, 0xfe, 0x01, 'x'})

	sel := c.selection(run.NewPhase("run-ctx-7", spec))

	if got := selectedPaths(sel); len(got) != 1 || got[0] != "src/a.go" {
		t.Fatalf("selection = %v, want only src/a.go", got)
	}
	// The scan counted the blob; the content filter dropped it.
	if sel.scopeFileCount != 2 {
		t.Errorf("scopeFileCount = %d, want 2", sel.scopeFileCount)
	}
}

func TestSelectContextDeduplicatesDeliverables(t *testing.T) {
	spec := featureSpec()
	spec.Deliverables = []string{"src/feature.go", "src/feature.go"}
	c := newCtxFixture(t, &spec)
	c.put("src/feature.go", []byte("package src\n"))

	sel := c.selection(run.NewPhase("run-ctx-8", spec))

	if got := selectedPaths(sel); len(got) != 1 || got[0] != "src/feature.go" {
		t.Fatalf("selection = %v, want the deliverable exactly once", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		bytes, want int
	}{
		{0, 0},
		{1, 1},
		{4, 1},
		{5, 2},
		{4096, 1024},
	}
	for _, tc := range cases {
		if got := estimateTokens(tc.bytes); got != tc.want {
			t.Errorf("estimateTokens(%d) = %d, want %d", tc.bytes, got, tc.want)
		}
	}
}
