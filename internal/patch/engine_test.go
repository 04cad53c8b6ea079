package patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"autopack/internal/config"
	"autopack/internal/plan"
	"autopack/internal/run"
	"autopack/internal/workspace"
)

// memSnapshotter keeps full tree copies in memory so engine tests do not
// depend on git.
type memSnapshotter struct {
	root  string
	snaps map[string]map[string][]byte
	n     int
}

func newMemSnapshotter(root string) *memSnapshotter {
	return &memSnapshotter{root: root, snaps: make(map[string]map[string][]byte)}
}

func (m *memSnapshotter) Init(ctx context.Context) error { return nil }

func (m *memSnapshotter) Create(ctx context.Context, label string) (string, error) {
	tree := make(map[string][]byte)
	err := filepath.WalkDir(m.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(m.root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		tree[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return "", err
	}
	m.n++
	ref := fmt.Sprintf("snap-%d", m.n)
	m.snaps[ref] = tree
	return ref, nil
}

func (m *memSnapshotter) Restore(ctx context.Context, ref string) error {
	tree, ok := m.snaps[ref]
	if !ok {
		return fmt.Errorf("unknown snapshot %q", ref)
	}
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			return err
		}
	}
	for rel, data := range tree {
		path := filepath.Join(m.root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *workspace.Gateway) {
	t.Helper()
	root := t.TempDir()
	spec := &plan.PhaseSpec{
		ID:             "api",
		Goal:           "exercise the patch engine",
		ScopePaths:     []string{"src"},
		ProtectedPaths: []string{"src/schema.sql"},
	}
	policy := workspace.NewPolicy(spec, []string{".git"})
	gw, err := workspace.NewGateway(root, policy, newMemSnapshotter(root))
	if err != nil {
		t.Fatalf("NewGateway failed: %v", err)
	}
	eng := NewEngine(gw, config.DefaultConfig())
	t.Cleanup(eng.Close)
	return eng, gw
}

func seed(t *testing.T, gw *workspace.Gateway, path, content string) {
	t.Helper()
	if err := gw.Write(path, []byte(content)); err != nil {
		t.Fatalf("seed %s: %v", path, err)
	}
}

func mustParse(t *testing.T, raw string) *Patch {
	t.Helper()
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return p
}

func readBack(t *testing.T, gw *workspace.Gateway, path string) string {
	t.Helper()
	data, err := gw.Read(path)
	if err != nil {
		t.Fatalf("Read %s: %v", path, err)
	}
	return string(data)
}

func TestEngine_ApplyUnifiedModify(t *testing.T) {
	eng, gw := newTestEngine(t)
	seed(t, gw, "src/main.go", "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n")

	p := mustParse(t, `--- a/src/main.go
+++ b/src/main.go
@@ -1,5 +1,6 @@
 package main

 func main() {
 	println("hi")
+	println("bye")
 }
`)
	report, err := eng.Apply(context.Background(), "run-1", "api", 1, p, Options{})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	want := "package main\n\nfunc main() {\n\tprintln(\"hi\")\n\tprintln(\"bye\")\n}\n"
	if got := readBack(t, gw, "src/main.go"); got != want {
		t.Errorf("content mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
	if !reflect.DeepEqual(report.Modified, []string{"src/main.go"}) {
		t.Errorf("Modified = %v", report.Modified)
	}
	if report.LinesAdded != 1 || report.LinesDeleted != 0 {
		t.Errorf("lines = +%d/-%d, want +1/-0", report.LinesAdded, report.LinesDeleted)
	}
	if report.SavePoint == nil || report.SavePoint.Ref == "" {
		t.Error("report missing save point")
	}
}

func TestEngine_ApplyStructuredSequence(t *testing.T) {
	eng, gw := newTestEngine(t)
	seed(t, gw, "src/old.go", "package src\n\nfunc Old() {}\n")
	seed(t, gw, "src/util.go", "package src\n\nfunc Util() {}\n")

	p := mustParse(t, `[
		{"op": "create_file", "path": "src/fresh.go", "contents": "package src\n\nfunc Fresh() int { return 0 }\n"},
		{"op": "modify_file", "path": "src/fresh.go", "search": "return 0", "replacement": "return 1"},
		{"op": "rename_file", "from": "src/util.go", "to": "src/helpers.go"},
		{"op": "delete_file", "path": "src/old.go"}
	]`)
	report, err := eng.Apply(context.Background(), "run-1", "api", 1, p, Options{})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if got := readBack(t, gw, "src/fresh.go"); got != "package src\n\nfunc Fresh() int { return 1 }\n" {
		t.Errorf("staged modify did not see staged create:\n%s", got)
	}
	if gw.Exists("src/util.go") || !gw.Exists("src/helpers.go") {
		t.Error("rename not applied")
	}
	if gw.Exists("src/old.go") {
		t.Error("delete not applied")
	}
	if !reflect.DeepEqual(report.Created, []string{"src/fresh.go"}) {
		t.Errorf("Created = %v", report.Created)
	}
	if !reflect.DeepEqual(report.Renamed, []Rename{{From: "src/util.go", To: "src/helpers.go"}}) {
		t.Errorf("Renamed = %v", report.Renamed)
	}
	if !reflect.DeepEqual(report.Deleted, []string{"src/old.go"}) {
		t.Errorf("Deleted = %v", report.Deleted)
	}
}

func TestEngine_EvaluateClassifiesTargets(t *testing.T) {
	eng, gw := newTestEngine(t)
	seed(t, gw, "src/a.go", "package src\n\nfunc A() {}\n")

	p := mustParse(t, `[
		{"op": "modify_file", "path": "src/a.go", "search": "func A() {}", "replacement": "func A() { println(1) }"},
		{"op": "create_file", "path": "docs/readme.md", "contents": "# readme\n"},
		{"op": "create_file", "path": "src/schema.sql", "contents": "CREATE TABLE t (id INT);\n"}
	]`)
	review, err := eng.Evaluate(p)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if review.FilesTouched != 3 {
		t.Fatalf("FilesTouched = %d, want 3", review.FilesTouched)
	}
	byPath := make(map[string]TargetChange)
	for _, tc := range review.Targets {
		byPath[tc.Path] = tc
	}
	if byPath["src/a.go"].Classification != workspace.InScope {
		t.Errorf("src/a.go classified %v", byPath["src/a.go"].Classification)
	}
	if byPath["docs/readme.md"].Classification != workspace.OutOfScope {
		t.Errorf("docs/readme.md classified %v", byPath["docs/readme.md"].Classification)
	}
	if byPath["src/schema.sql"].Classification != workspace.Protected {
		t.Errorf("src/schema.sql classified %v", byPath["src/schema.sql"].Classification)
	}
	if !review.HasProtectedTargets() {
		t.Error("HasProtectedTargets() = false")
	}
	if got := review.OutOfScopeTargets(); !reflect.DeepEqual(got, []string{"docs/readme.md"}) {
		t.Errorf("OutOfScopeTargets() = %v", got)
	}
	// Evaluate never touches the workspace.
	if gw.Exists("docs/readme.md") || gw.Exists("src/schema.sql") {
		t.Error("Evaluate wrote to the workspace")
	}
}

func TestEngine_NetDeletionCounted(t *testing.T) {
	eng, gw := newTestEngine(t)
	var big string
	for i := 0; i < 40; i++ {
		big += fmt.Sprintf("line %d\n", i)
	}
	seed(t, gw, "src/data.txt", big)

	p := mustParse(t, `[{"op": "delete_file", "path": "src/data.txt"}]`)
	review, err := eng.Evaluate(p)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if review.LinesDeleted != 40 || review.NetDeletion != 40 {
		t.Errorf("deleted=%d net=%d, want 40/40", review.LinesDeleted, review.NetDeletion)
	}
}

func TestEngine_SymbolDeletionBlocked(t *testing.T) {
	eng, gw := newTestEngine(t)
	orig := "package src\n\nfunc Keep() {}\n\nfunc Gone() {}\n"
	seed(t, gw, "src/a.go", orig)

	p := mustParse(t, `[
		{"op": "modify_file", "path": "src/a.go", "search": "\nfunc Gone() {}\n", "replacement": ""}
	]`)
	_, err := eng.Apply(context.Background(), "run-1", "api", 1, p, Options{})
	var symErr *run.SymbolDeletion
	if !errors.As(err, &symErr) {
		t.Fatalf("err = %v, want SymbolDeletion", err)
	}
	if !reflect.DeepEqual(symErr.Symbols, []string{"func:Gone"}) {
		t.Errorf("Symbols = %v", symErr.Symbols)
	}
	if got := readBack(t, gw, "src/a.go"); got != orig {
		t.Error("workspace changed despite rejection")
	}
}

func TestEngine_SymbolMoveExempt(t *testing.T) {
	eng, gw := newTestEngine(t)
	seed(t, gw, "src/a.go", "package src\n\nfunc One() {}\n\nfunc Two() {}\n\nfunc Three() {}\n\nfunc Moved() {}\n")

	p := mustParse(t, `[
		{"op": "modify_file", "path": "src/a.go", "search": "\nfunc Moved() {}\n", "replacement": ""},
		{"op": "create_file", "path": "src/b.go", "contents": "package src\n\nfunc Moved() {}\n"}
	]`)
	if _, err := eng.Apply(context.Background(), "run-1", "api", 1, p, Options{}); err != nil {
		t.Fatalf("moving a symbol between files should apply: %v", err)
	}
	if !gw.Exists("src/b.go") {
		t.Error("destination file missing")
	}
}

func TestEngine_WholeFileDeleteSkipsSymbolCheck(t *testing.T) {
	eng, gw := newTestEngine(t)
	seed(t, gw, "src/a.go", "package src\n\nfunc Gone() {}\n")

	p := mustParse(t, `[{"op": "delete_file", "path": "src/a.go"}]`)
	if _, err := eng.Apply(context.Background(), "run-1", "api", 1, p, Options{}); err != nil {
		t.Fatalf("whole-file deletion should not trip the symbol check: %v", err)
	}
	if gw.Exists("src/a.go") {
		t.Error("file still present")
	}
}

func TestEngine_StructuralDriftBlockedAndApproved(t *testing.T) {
	eng, gw := newTestEngine(t)
	orig := "alpha bravo charlie\ndelta echo foxtrot\ngolf hotel india\n"
	seed(t, gw, "src/notes.txt", orig)

	raw := `[
		{"op": "modify_file", "path": "src/notes.txt", "search": "alpha bravo charlie\ndelta echo foxtrot\ngolf hotel india\n", "replacement": "0123456789\n9876543210\n1029384756\n"}
	]`

	_, err := eng.Apply(context.Background(), "run-1", "api", 1, mustParse(t, raw), Options{})
	var driftErr *run.StructuralDrift
	if !errors.As(err, &driftErr) {
		t.Fatalf("err = %v, want StructuralDrift", err)
	}
	if driftErr.Similarity >= driftErr.Min {
		t.Errorf("similarity %.2f not below floor %.2f", driftErr.Similarity, driftErr.Min)
	}
	if got := readBack(t, gw, "src/notes.txt"); got != orig {
		t.Error("workspace changed despite rejection")
	}

	if _, err := eng.Apply(context.Background(), "run-1", "api", 2, mustParse(t, raw), Options{AllowDrift: true}); err != nil {
		t.Fatalf("AllowDrift should let the rewrite through: %v", err)
	}
}

func TestEngine_ApplyConflicts(t *testing.T) {
	eng, gw := newTestEngine(t)
	seed(t, gw, "src/a.go", "package src\n\nvalue()\nvalue()\n")

	cases := []struct {
		name   string
		raw    string
		reason string
	}{
		{"search not found", `[{"op": "modify_file", "path": "src/a.go", "search": "missing()", "replacement": "x"}]`, "not found"},
		{"ambiguous search", `[{"op": "modify_file", "path": "src/a.go", "search": "value()", "replacement": "x"}]`, "2 locations"},
		{"create over existing", `[{"op": "create_file", "path": "src/a.go", "contents": "x"}]`, "already exists"},
		{"modify missing file", `[{"op": "modify_file", "path": "src/nope.go", "search": "a", "replacement": "b"}]`, "does not exist"},
		{"delete missing file", `[{"op": "delete_file", "path": "src/nope.go"}]`, "does not exist"},
		{"create over rename destination", `[{"op": "rename_file", "from": "src/a.go", "to": "src/a.go2"}, {"op": "create_file", "path": "src/a.go2", "contents": "x"}]`, "already exists"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Evaluate(mustParse(t, tc.raw))
			var conflict *run.ApplyConflict
			if !errors.As(err, &conflict) {
				t.Fatalf("err = %v, want ApplyConflict", err)
			}
			if !strings.Contains(conflict.Reason, tc.reason) {
				t.Errorf("reason %q does not mention %q", conflict.Reason, tc.reason)
			}
		})
	}
}

func TestEngine_RenameThenModifySource(t *testing.T) {
	eng, gw := newTestEngine(t)
	seed(t, gw, "src/a.txt", "one\n")

	p := mustParse(t, `[
		{"op": "rename_file", "from": "src/a.txt", "to": "src/b.txt"},
		{"op": "modify_file", "path": "src/a.txt", "search": "one", "replacement": "two"}
	]`)
	_, err := eng.Evaluate(p)
	var conflict *run.ApplyConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("modifying a renamed-away path should conflict, got %v", err)
	}
}

func TestEngine_FailureRollsBackEverything(t *testing.T) {
	eng, gw := newTestEngine(t)
	orig := "alpha\nbravo\ncharlie\ndelta\n"
	seed(t, gw, "src/a.txt", orig)

	// Second write lands outside the phase scope and is refused by the
	// gateway mid-apply; the first write must be rolled back.
	p := mustParse(t, `[
		{"op": "modify_file", "path": "src/a.txt", "search": "bravo", "replacement": "bravissimo"},
		{"op": "create_file", "path": "docs/new.md", "contents": "# doc\n"}
	]`)
	_, err := eng.Apply(context.Background(), "run-1", "api", 1, p, Options{})
	var scopeErr *run.ScopeViolation
	if !errors.As(err, &scopeErr) {
		t.Fatalf("err = %v, want ScopeViolation", err)
	}
	if got := readBack(t, gw, "src/a.txt"); got != orig {
		t.Errorf("first write not rolled back: %q", got)
	}
	if gw.Exists("docs/new.md") {
		t.Error("out-of-scope file exists")
	}
}

func TestEngine_TokenAuthorizesOutOfScopeWrite(t *testing.T) {
	eng, gw := newTestEngine(t)

	tok := gw.GrantException("docs/new.md", workspace.TokenScopeException)
	p := mustParse(t, `[{"op": "create_file", "path": "docs/new.md", "contents": "# doc\n"}]`)
	if _, err := eng.Apply(context.Background(), "run-1", "api", 1, p, Options{Tokens: []*workspace.ExceptionToken{tok}}); err != nil {
		t.Fatalf("Apply with token failed: %v", err)
	}
	if !gw.Exists("docs/new.md") {
		t.Error("authorized write missing")
	}
}
