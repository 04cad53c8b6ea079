package patch

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"autopack/internal/run"
)

const modifyDiff = `--- a/src/handler.go
+++ b/src/handler.go
@@ -1,3 +1,4 @@
 package server

+// Handler routes requests.
 func Handle() {}
`

func TestParse_UnifiedDiff(t *testing.T) {
	p, err := Parse(modifyDiff)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.Format != FormatUnifiedDiff {
		t.Fatalf("Format = %q, want %q", p.Format, FormatUnifiedDiff)
	}
	if len(p.Files) != 1 {
		t.Fatalf("got %d files, want 1", len(p.Files))
	}
	if got := p.Targets(); !reflect.DeepEqual(got, []string{"src/handler.go"}) {
		t.Errorf("Targets() = %v", got)
	}
}

func TestParse_StructuredArray(t *testing.T) {
	raw := `[
		{"op": "create_file", "path": "src/new.go", "contents": "package server\n"},
		{"op": "delete_file", "path": "src/old.go"}
	]`
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.Format != FormatStructuredEdits {
		t.Fatalf("Format = %q, want %q", p.Format, FormatStructuredEdits)
	}
	if len(p.Edits) != 2 {
		t.Fatalf("got %d edits, want 2", len(p.Edits))
	}
	if p.Edits[0].Op != OpCreateFile || p.Edits[1].Op != OpDeleteFile {
		t.Errorf("ops = %q, %q", p.Edits[0].Op, p.Edits[1].Op)
	}
}

func TestParse_StructuredEnvelope(t *testing.T) {
	raw := `{"edits": [
		{"op": "modify_file", "path": "src/a.go", "search": "old()", "replacement": "new()"}
	]}`
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(p.Edits) != 1 || p.Edits[0].Search != "old()" {
		t.Fatalf("unexpected edits: %+v", p.Edits)
	}
}

func TestParse_Empty(t *testing.T) {
	for _, raw := range []string{"", "   \n\t "} {
		_, err := Parse(raw)
		var perr *run.PatchParseError
		if !errors.As(err, &perr) {
			t.Errorf("Parse(%q) err = %v, want PatchParseError", raw, err)
		}
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse(`{"edits": [`)
	var perr *run.PatchParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want PatchParseError", err)
	}
}

func TestParse_RejectsBadEdits(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"no operations", `{"edits": []}`, "no operations"},
		{"missing op", `[{"path": "a.go"}]`, "missing op"},
		{"unknown op", `[{"op": "truncate_file", "path": "a.go"}]`, "unknown op"},
		{"create without path", `[{"op": "create_file", "contents": "x"}]`, "requires path"},
		{"modify without search", `[{"op": "modify_file", "path": "a.go", "replacement": "x"}]`, "non-empty search"},
		{"rename without to", `[{"op": "rename_file", "from": "a.go"}]`, "requires from and to"},
		{"rename onto itself", `[{"op": "rename_file", "from": "a.go", "to": "a.go"}]`, "identical"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.raw)
			var perr *run.PatchParseError
			if !errors.As(err, &perr) {
				t.Fatalf("err = %v, want PatchParseError", err)
			}
			if !strings.Contains(perr.Reason, tc.want) {
				t.Errorf("reason %q does not mention %q", perr.Reason, tc.want)
			}
		})
	}
}

func TestPatch_Targets_Structured(t *testing.T) {
	p := &Patch{
		Format: FormatStructuredEdits,
		Edits: []Edit{
			{Op: OpCreateFile, Path: "src/a.go", Contents: "x"},
			{Op: OpRenameFile, From: "src/b.go", To: "src/c.go"},
			{Op: OpModifyFile, Path: "src/a.go", Search: "x", Replacement: "y"},
		},
	}
	want := []string{"src/a.go", "src/b.go", "src/c.go"}
	if got := p.Targets(); !reflect.DeepEqual(got, want) {
		t.Errorf("Targets() = %v, want %v", got, want)
	}
}
