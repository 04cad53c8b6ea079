// Package patch parses, reviews, and applies Builder change sets through
// the workspace gateway. A patch arrives either as unified-diff text or as
// an ordered list of structured edits; both forms run the same pipeline:
// stage in memory, check symbol preservation and structural drift, create
// a save point, then apply atomically.
package patch

import (
	"time"

	"autopack/internal/diff"
	"autopack/internal/run"
	"autopack/internal/workspace"
)

// Format identifies the patch input form.
type Format string

const (
	FormatUnifiedDiff     Format = "unified-diff"
	FormatStructuredEdits Format = "structured-edits"
)

// Op is a structured-edit operation.
type Op string

const (
	OpCreateFile Op = "create_file"
	OpModifyFile Op = "modify_file"
	OpDeleteFile Op = "delete_file"
	OpRenameFile Op = "rename_file"
)

// Edit is one structured operation. Which fields are required depends on
// Op: create needs Path (+Contents), modify needs Path/Search/Replacement,
// delete needs Path, rename needs From/To.
type Edit struct {
	Op          Op     `json:"op"`
	Path        string `json:"path,omitempty"`
	Contents    string `json:"contents,omitempty"`
	Search      string `json:"search,omitempty"`
	Replacement string `json:"replacement,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
}

// Patch is a parsed change set. Exactly one of Files or Edits is populated,
// according to Format.
type Patch struct {
	Format Format
	Files  []*diff.FileDiff
	Edits  []Edit
}

// Targets returns the distinct workspace paths the patch touches, in first
// appearance order. Renames contribute both ends.
func (p *Patch) Targets() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(path string) {
		if path != "" && !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}

	switch p.Format {
	case FormatUnifiedDiff:
		for _, fd := range p.Files {
			if fd.IsRename {
				add(fd.OldPath)
				add(fd.NewPath)
				continue
			}
			add(fd.Path())
		}
	case FormatStructuredEdits:
		for _, e := range p.Edits {
			if e.Op == OpRenameFile {
				add(e.From)
				add(e.To)
				continue
			}
			add(e.Path)
		}
	}
	return out
}

// Action names what a patch does to one target.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
	ActionRename Action = "rename"
)

// TargetChange summarizes the patch's effect on a single path, without the
// staged contents. For renames, Path is the destination and RenamedFrom
// the source.
type TargetChange struct {
	Path           string                   `json:"path"`
	Action         Action                   `json:"action"`
	RenamedFrom    string                   `json:"renamed_from,omitempty"`
	Classification workspace.Classification `json:"-"`
	ClassName      string                   `json:"classification"`
	LinesAdded     int                      `json:"lines_added"`
	LinesDeleted   int                      `json:"lines_deleted"`
	Similarity     float64                  `json:"similarity"`
}

// DriftFinding flags a modification whose structural skeleton diverged
// below the configured similarity floor.
type DriftFinding struct {
	Path       string  `json:"path"`
	Similarity float64 `json:"similarity"`
	Min        float64 `json:"min"`
}

// SymbolFinding flags top-level symbols a modification deletes without
// recreating them anywhere in the same patch.
type SymbolFinding struct {
	Path    string   `json:"path"`
	Symbols []string `json:"symbols"`
}

// Review is the prospective summary of a patch: everything governance
// needs to decide before a single byte reaches the workspace.
type Review struct {
	Format          Format          `json:"format"`
	Targets         []TargetChange  `json:"targets"`
	FilesTouched    int             `json:"files_touched"`
	LinesAdded      int             `json:"lines_added"`
	LinesDeleted    int             `json:"lines_deleted"`
	NetDeletion     int             `json:"net_deletion"`
	Drift           []DriftFinding  `json:"drift,omitempty"`
	SymbolDeletions []SymbolFinding `json:"symbol_deletions,omitempty"`
}

// HasProtectedTargets reports whether any target classifies as protected.
func (r *Review) HasProtectedTargets() bool {
	for _, t := range r.Targets {
		if t.Classification == workspace.Protected {
			return true
		}
	}
	return false
}

// OutOfScopeTargets lists targets outside the phase scope.
func (r *Review) OutOfScopeTargets() []string {
	var out []string
	for _, t := range r.Targets {
		if t.Classification == workspace.OutOfScope {
			out = append(out, t.Path)
		}
	}
	return out
}

// Rename records one applied rename.
type Rename struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ApplyReport is the durable record of an applied patch.
type ApplyReport struct {
	Created         []string       `json:"created,omitempty"`
	Modified        []string       `json:"modified,omitempty"`
	Deleted         []string       `json:"deleted,omitempty"`
	Renamed         []Rename       `json:"renamed,omitempty"`
	SymbolsAffected []string       `json:"symbols_affected,omitempty"`
	LinesAdded      int            `json:"lines_added"`
	LinesDeleted    int            `json:"lines_deleted"`
	NetDeletion     int            `json:"net_deletion"`
	SavePoint       *run.SavePoint `json:"save_point,omitempty"`
	AppliedAt       time.Time      `json:"applied_at"`
}

// FilesTouched counts every file the applied patch changed.
func (r *ApplyReport) FilesTouched() int {
	return len(r.Created) + len(r.Modified) + len(r.Deleted) + len(r.Renamed)
}
