package patch

import (
	"encoding/json"
	"fmt"
	"strings"

	"autopack/internal/diff"
	"autopack/internal/run"
)

// editEnvelope is the wrapped structured-edit form the Builder emits.
type editEnvelope struct {
	Edits []Edit `json:"edits"`
}

// Parse turns raw Builder output into a Patch. JSON input (bare array or
// {"edits": [...]}) parses as structured edits; anything else must be
// unified-diff text.
func Parse(raw string) (*Patch, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &run.PatchParseError{Reason: "empty patch"}
	}

	if trimmed[0] == '{' || trimmed[0] == '[' {
		return parseStructured(trimmed)
	}
	return parseUnified(trimmed)
}

func parseUnified(text string) (*Patch, error) {
	files, err := diff.ParseUnified(text)
	if err != nil {
		if perr, ok := err.(*diff.ParseError); ok {
			return nil, &run.PatchParseError{Reason: perr.Reason, Line: perr.Line}
		}
		return nil, &run.PatchParseError{Reason: err.Error()}
	}
	return &Patch{Format: FormatUnifiedDiff, Files: files}, nil
}

func parseStructured(text string) (*Patch, error) {
	var edits []Edit
	if text[0] == '[' {
		if err := json.Unmarshal([]byte(text), &edits); err != nil {
			return nil, &run.PatchParseError{Reason: fmt.Sprintf("structured edits: %v", err)}
		}
	} else {
		var env editEnvelope
		if err := json.Unmarshal([]byte(text), &env); err != nil {
			return nil, &run.PatchParseError{Reason: fmt.Sprintf("structured edits: %v", err)}
		}
		edits = env.Edits
	}
	if len(edits) == 0 {
		return nil, &run.PatchParseError{Reason: "structured edits: no operations"}
	}

	for i, e := range edits {
		if err := validateEdit(i, e); err != nil {
			return nil, err
		}
	}
	return &Patch{Format: FormatStructuredEdits, Edits: edits}, nil
}

func validateEdit(i int, e Edit) error {
	bad := func(format string, args ...interface{}) error {
		return &run.PatchParseError{Reason: fmt.Sprintf("edit %d: %s", i+1, fmt.Sprintf(format, args...))}
	}

	switch e.Op {
	case OpCreateFile:
		if e.Path == "" {
			return bad("create_file requires path")
		}
	case OpModifyFile:
		if e.Path == "" {
			return bad("modify_file requires path")
		}
		if e.Search == "" {
			return bad("modify_file requires non-empty search text")
		}
	case OpDeleteFile:
		if e.Path == "" {
			return bad("delete_file requires path")
		}
	case OpRenameFile:
		if e.From == "" || e.To == "" {
			return bad("rename_file requires from and to")
		}
		if e.From == e.To {
			return bad("rename_file from and to are identical")
		}
	case "":
		return bad("missing op")
	default:
		return bad("unknown op %q", e.Op)
	}
	return nil
}
