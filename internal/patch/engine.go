package patch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"autopack/internal/config"
	"autopack/internal/diff"
	"autopack/internal/logging"
	"autopack/internal/run"
	"autopack/internal/workspace"
)

// Options carries per-application authorization: exception tokens granted
// by approvals, and whether a structural-drift finding has been approved.
type Options struct {
	Tokens     []*workspace.ExceptionToken
	AllowDrift bool
}

// Engine stages patches in memory, reviews them, and applies them
// atomically through the gateway.
type Engine struct {
	gw     *workspace.Gateway
	ext    *Extractor
	diffs  *diff.Engine
	simMin float64
	audit  *logging.AuditLogger
}

// NewEngine creates a patch engine bound to one run's gateway.
func NewEngine(gw *workspace.Gateway, cfg *config.Config) *Engine {
	return &Engine{
		gw:     gw,
		ext:    NewExtractor(),
		diffs:  diff.NewEngine(),
		simMin: cfg.Governance.StructuralSimilarityMin,
	}
}

// SetAuditLogger attaches the run's audit trail.
func (e *Engine) SetAuditLogger(a *logging.AuditLogger) { e.audit = a }

// Close releases parser resources.
func (e *Engine) Close() { e.ext.Close() }

// staged is one target's pending change with its full before/after
// contents.
type staged struct {
	TargetChange
	oldContent string
	newContent string
	dropped    bool // created then deleted within the same patch
	origSk     *Skeleton
	newSk      *Skeleton
}

// Evaluate stages the patch in memory and returns the prospective review
// without touching the workspace. Parse conflicts and missing targets
// surface here, before governance is consulted.
func (e *Engine) Evaluate(p *Patch) (*Review, error) {
	review, _, err := e.analyze(p)
	return review, err
}

// Apply runs the full pipeline: stage, enforce symbol preservation and
// structural similarity, create a save point, then write every change
// through the gateway. Any failure rolls the workspace back to the save
// point.
func (e *Engine) Apply(ctx context.Context, runID, phaseID string, attempt int, p *Patch, opts Options) (*ApplyReport, error) {
	timer := logging.StartTimer(logging.CategoryPatch, "apply")
	defer timer.Stop()

	review, changes, err := e.analyze(p)
	if err != nil {
		e.reject(phaseID, err.Error())
		return nil, err
	}

	if len(review.SymbolDeletions) > 0 {
		f := review.SymbolDeletions[0]
		err := &run.SymbolDeletion{Path: f.Path, Symbols: f.Symbols}
		e.reject(phaseID, err.Error())
		return nil, err
	}
	if len(review.Drift) > 0 && !opts.AllowDrift {
		f := review.Drift[0]
		err := &run.StructuralDrift{Path: f.Path, Similarity: f.Similarity, Min: f.Min}
		e.reject(phaseID, err.Error())
		return nil, err
	}

	label := fmt.Sprintf("pre-patch %s attempt %d", phaseID, attempt)
	sp, err := e.gw.CreateSavePoint(ctx, runID, phaseID, attempt, label)
	if err != nil {
		return nil, err
	}

	for _, s := range changes {
		if s.dropped {
			continue
		}
		if err := e.applyOne(s, opts.Tokens); err != nil {
			logging.PatchWarn("apply of %s failed, rolling back: %v", s.Path, err)
			if rbErr := e.gw.RollbackTo(ctx, sp); rbErr != nil {
				logging.PatchError("rollback after failed apply also failed: %v", rbErr)
				return nil, rbErr
			}
			e.reject(phaseID, err.Error())
			return nil, err
		}
	}

	report := buildReport(review, changes, sp)
	if e.audit != nil {
		e.audit.PatchApplied(phaseID, report.FilesTouched(), report.LinesAdded, report.LinesDeleted)
	}
	logging.Patch("applied patch for %s: %d files, +%d/-%d lines", phaseID, report.FilesTouched(), report.LinesAdded, report.LinesDeleted)
	return report, nil
}

func (e *Engine) reject(phaseID, reason string) {
	if e.audit != nil {
		e.audit.PatchRejected(phaseID, reason)
	}
}

func (e *Engine) applyOne(s *staged, tokens []*workspace.ExceptionToken) error {
	switch s.Action {
	case ActionCreate, ActionModify:
		return e.gw.Write(s.Path, []byte(s.newContent), tokens...)
	case ActionDelete:
		return e.gw.Delete(s.Path, tokens...)
	case ActionRename:
		if err := e.gw.Rename(s.RenamedFrom, s.Path, tokens...); err != nil {
			return err
		}
		if s.newContent != s.oldContent {
			return e.gw.Write(s.Path, []byte(s.newContent), tokens...)
		}
		return nil
	default:
		return fmt.Errorf("unknown action %q for %s", s.Action, s.Path)
	}
}

// analyze stages the patch and computes the review. No workspace writes.
func (e *Engine) analyze(p *Patch) (*Review, []*staged, error) {
	var changes []*staged
	var err error
	switch p.Format {
	case FormatUnifiedDiff:
		changes, err = e.stageUnified(p.Files)
	case FormatStructuredEdits:
		changes, err = e.stageStructured(p.Edits)
	default:
		err = &run.PatchParseError{Reason: fmt.Sprintf("unknown patch format %q", p.Format)}
	}
	if err != nil {
		return nil, nil, err
	}

	review := &Review{Format: p.Format}
	for _, s := range changes {
		if s.dropped {
			continue
		}
		e.measure(s)
	}
	e.checkSymbols(review, changes)
	e.checkDrift(review, changes)

	for _, s := range changes {
		if s.dropped {
			continue
		}
		review.Targets = append(review.Targets, s.TargetChange)
		review.LinesAdded += s.LinesAdded
		review.LinesDeleted += s.LinesDeleted
	}
	review.FilesTouched = len(review.Targets)
	if net := review.LinesDeleted - review.LinesAdded; net > 0 {
		review.NetDeletion = net
	}
	return review, changes, nil
}

// measure fills one staged change's classification and line counts.
func (e *Engine) measure(s *staged) {
	s.Classification = e.classify(s)
	s.ClassName = s.Classification.String()

	switch s.Action {
	case ActionCreate:
		s.LinesAdded = lineCount(s.newContent)
		s.Similarity = 1
	case ActionDelete:
		s.LinesDeleted = lineCount(s.oldContent)
	default:
		added, deleted := e.diffs.ComputeDiff(s.Path, s.Path, s.oldContent, s.newContent).Stats()
		s.LinesAdded, s.LinesDeleted = added, deleted
		s.Similarity = 1
	}
}

// classify resolves a target's classification; a rename takes the
// stricter of its two ends.
func (e *Engine) classify(s *staged) workspace.Classification {
	c := e.gw.Classify(s.Path)
	if s.Action != ActionRename {
		return c
	}
	from := e.gw.Classify(s.RenamedFrom)
	if from == workspace.Protected || c == workspace.Protected {
		return workspace.Protected
	}
	if from == workspace.OutOfScope || c == workspace.OutOfScope {
		return workspace.OutOfScope
	}
	return c
}

// checkSymbols flags modifications that delete top-level symbols, unless
// the same symbol reappears in another file of the same patch (a move).
func (e *Engine) checkSymbols(review *Review, changes []*staged) {
	recreated := make(map[string]map[string]bool)
	for _, s := range changes {
		if s.dropped || s.Action == ActionDelete {
			continue
		}
		s.newSk = e.ext.Extract(s.Path, []byte(s.newContent))
		recreated[s.Path] = s.newSk.SymbolSet()
	}

	for _, s := range changes {
		if s.dropped || s.Action == ActionCreate || s.Action == ActionDelete {
			continue
		}
		if s.oldContent == s.newContent {
			continue
		}
		s.origSk = e.ext.Extract(s.Path, []byte(s.oldContent))
		newSet := s.newSk.SymbolSet()

		var missing []string
		for _, sym := range s.origSk.Symbols {
			id := sym.ID()
			if newSet[id] {
				continue
			}
			movedElsewhere := false
			for path, set := range recreated {
				if path != s.Path && set[id] {
					movedElsewhere = true
					break
				}
			}
			if !movedElsewhere {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			review.SymbolDeletions = append(review.SymbolDeletions, SymbolFinding{Path: s.Path, Symbols: missing})
		}
	}
}

// checkDrift compares structural skeletons of modified files against the
// configured similarity floor. Files with no recognizable structure fall
// back to character-level similarity.
func (e *Engine) checkDrift(review *Review, changes []*staged) {
	for _, s := range changes {
		if s.dropped || s.Action == ActionCreate || s.Action == ActionDelete {
			continue
		}
		if s.oldContent == s.newContent {
			continue
		}
		if s.origSk == nil {
			s.origSk = e.ext.Extract(s.Path, []byte(s.oldContent))
		}
		if s.newSk == nil {
			s.newSk = e.ext.Extract(s.Path, []byte(s.newContent))
		}

		ratio, ok := overlapRatio(s.origSk, s.newSk)
		if !ok {
			ratio = e.diffs.Similarity(s.oldContent, s.newContent)
		}
		s.Similarity = ratio
		if ratio < e.simMin {
			review.Drift = append(review.Drift, DriftFinding{Path: s.Path, Similarity: ratio, Min: e.simMin})
		}
	}
}

// stageUnified maps parsed file diffs onto staged changes.
func (e *Engine) stageUnified(files []*diff.FileDiff) ([]*staged, error) {
	seen := make(map[string]bool)
	var changes []*staged

	for _, fd := range files {
		path := fd.Path()
		if seen[path] {
			return nil, &run.ApplyConflict{Path: path, Reason: "duplicate file entry in patch"}
		}
		seen[path] = true
		if fd.IsRename {
			if seen[fd.OldPath] {
				return nil, &run.ApplyConflict{Path: fd.OldPath, Reason: "duplicate file entry in patch"}
			}
			seen[fd.OldPath] = true
		}

		switch {
		case fd.IsRename:
			old, ok := e.readCurrent(fd.OldPath)
			if !ok {
				return nil, &run.ApplyConflict{Path: fd.OldPath, Reason: "file does not exist"}
			}
			if e.gw.Exists(fd.NewPath) {
				return nil, &run.ApplyConflict{Path: fd.NewPath, Reason: "rename destination already exists"}
			}
			updated := old
			if len(fd.Hunks) > 0 {
				var err error
				updated, err = diff.ApplyHunks(old, fd.Hunks)
				if err != nil {
					return nil, &run.ApplyConflict{Path: fd.NewPath, Reason: err.Error()}
				}
			}
			changes = append(changes, &staged{
				TargetChange: TargetChange{Path: fd.NewPath, Action: ActionRename, RenamedFrom: fd.OldPath},
				oldContent:   old,
				newContent:   updated,
			})

		case fd.IsNew:
			if e.gw.Exists(path) {
				return nil, &run.ApplyConflict{Path: path, Reason: "file already exists"}
			}
			changes = append(changes, &staged{
				TargetChange: TargetChange{Path: path, Action: ActionCreate},
				newContent:   createdContent(fd),
			})

		case fd.IsDelete:
			old, ok := e.readCurrent(path)
			if !ok {
				return nil, &run.ApplyConflict{Path: path, Reason: "file does not exist"}
			}
			changes = append(changes, &staged{
				TargetChange: TargetChange{Path: path, Action: ActionDelete},
				oldContent:   old,
			})

		default:
			old, ok := e.readCurrent(path)
			if !ok {
				return nil, &run.ApplyConflict{Path: path, Reason: "file does not exist"}
			}
			updated, err := diff.ApplyHunks(old, fd.Hunks)
			if err != nil {
				return nil, &run.ApplyConflict{Path: path, Reason: err.Error()}
			}
			changes = append(changes, &staged{
				TargetChange: TargetChange{Path: path, Action: ActionModify},
				oldContent:   old,
				newContent:   updated,
			})
		}
	}
	return changes, nil
}

// stageStructured replays ordered edits against a virtual view of the
// workspace, so later edits observe earlier ones.
func (e *Engine) stageStructured(edits []Edit) ([]*staged, error) {
	byPath := make(map[string]*staged)
	renamedAway := make(map[string]bool)
	var order []*staged

	// vread resolves a path through the staged view first, so later edits
	// observe earlier ones.
	vread := func(path string) (string, bool) {
		if s, ok := byPath[path]; ok {
			if s.dropped || s.Action == ActionDelete {
				return "", false
			}
			return s.newContent, true
		}
		if renamedAway[path] {
			return "", false
		}
		return e.readCurrent(path)
	}
	vexists := func(path string) bool {
		_, ok := vread(path)
		return ok
	}

	for _, ed := range edits {
		switch ed.Op {
		case OpCreateFile:
			if prior, ok := byPath[ed.Path]; ok && (prior.dropped || prior.Action == ActionDelete) {
				// Delete-then-create within one patch is a rewrite.
				prior.dropped = false
				if prior.Action == ActionDelete {
					prior.Action = ActionModify
				}
				prior.newContent = ed.Contents
				continue
			}
			if vexists(ed.Path) {
				return nil, &run.ApplyConflict{Path: ed.Path, Reason: "file already exists"}
			}
			s := &staged{
				TargetChange: TargetChange{Path: ed.Path, Action: ActionCreate},
				newContent:   ed.Contents,
			}
			byPath[ed.Path] = s
			order = append(order, s)

		case OpModifyFile:
			old, ok := vread(ed.Path)
			if !ok {
				return nil, &run.ApplyConflict{Path: ed.Path, Reason: "file does not exist"}
			}
			count := strings.Count(old, ed.Search)
			if count == 0 {
				return nil, &run.ApplyConflict{Path: ed.Path, Reason: "search text not found"}
			}
			if count > 1 {
				return nil, &run.ApplyConflict{Path: ed.Path, Reason: fmt.Sprintf("search text matches %d locations, must be unique", count)}
			}
			updated := strings.Replace(old, ed.Search, ed.Replacement, 1)
			if s, ok := byPath[ed.Path]; ok {
				s.newContent = updated
			} else {
				s := &staged{
					TargetChange: TargetChange{Path: ed.Path, Action: ActionModify},
					oldContent:   old,
					newContent:   updated,
				}
				byPath[ed.Path] = s
				order = append(order, s)
			}

		case OpDeleteFile:
			if s, ok := byPath[ed.Path]; ok {
				if s.dropped || s.Action == ActionDelete {
					return nil, &run.ApplyConflict{Path: ed.Path, Reason: "file does not exist"}
				}
				if s.Action == ActionCreate {
					s.dropped = true // never reached the workspace
					continue
				}
				s.Action = ActionDelete
				s.newContent = ""
				continue
			}
			old, ok := e.readCurrent(ed.Path)
			if !ok {
				return nil, &run.ApplyConflict{Path: ed.Path, Reason: "file does not exist"}
			}
			s := &staged{
				TargetChange: TargetChange{Path: ed.Path, Action: ActionDelete},
				oldContent:   old,
			}
			byPath[ed.Path] = s
			order = append(order, s)

		case OpRenameFile:
			if !vexists(ed.From) {
				return nil, &run.ApplyConflict{Path: ed.From, Reason: "file does not exist"}
			}
			if vexists(ed.To) {
				return nil, &run.ApplyConflict{Path: ed.To, Reason: "rename destination already exists"}
			}
			if s, ok := byPath[ed.From]; ok {
				delete(byPath, ed.From)
				renamedAway[ed.From] = true
				s.Path = ed.To
				if s.Action != ActionCreate {
					if s.RenamedFrom == "" {
						s.RenamedFrom = ed.From
					}
					s.Action = ActionRename
				}
				byPath[ed.To] = s
				continue
			}
			old, _ := e.readCurrent(ed.From)
			renamedAway[ed.From] = true
			s := &staged{
				TargetChange: TargetChange{Path: ed.To, Action: ActionRename, RenamedFrom: ed.From},
				oldContent:   old,
				newContent:   old,
			}
			byPath[ed.To] = s
			order = append(order, s)
		}
	}
	return order, nil
}

func (e *Engine) readCurrent(path string) (string, bool) {
	data, err := e.gw.Read(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// createdContent reassembles a new file's contents from its hunks.
func createdContent(fd *diff.FileDiff) string {
	var b strings.Builder
	for _, h := range fd.Hunks {
		for _, l := range h.Lines {
			if l.Type == diff.LineAdded {
				b.WriteString(l.Content)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

func buildReport(review *Review, changes []*staged, sp *run.SavePoint) *ApplyReport {
	report := &ApplyReport{
		LinesAdded:   review.LinesAdded,
		LinesDeleted: review.LinesDeleted,
		NetDeletion:  review.NetDeletion,
		SavePoint:    sp,
		AppliedAt:    time.Now().UTC(),
	}
	symbols := make(map[string]bool)

	for _, s := range changes {
		if s.dropped {
			continue
		}
		switch s.Action {
		case ActionCreate:
			report.Created = append(report.Created, s.Path)
			if s.newSk != nil {
				for _, sym := range s.newSk.Symbols {
					symbols[s.Path+"#"+sym.ID()] = true
				}
			}
		case ActionModify:
			report.Modified = append(report.Modified, s.Path)
			collectAffected(symbols, s)
		case ActionDelete:
			report.Deleted = append(report.Deleted, s.Path)
		case ActionRename:
			report.Renamed = append(report.Renamed, Rename{From: s.RenamedFrom, To: s.Path})
			collectAffected(symbols, s)
		}
	}

	for id := range symbols {
		report.SymbolsAffected = append(report.SymbolsAffected, id)
	}
	sort.Strings(report.SymbolsAffected)
	return report
}

// collectAffected records symbols present on only one side of a change.
func collectAffected(symbols map[string]bool, s *staged) {
	if s.origSk == nil || s.newSk == nil {
		return
	}
	origSet, newSet := s.origSk.SymbolSet(), s.newSk.SymbolSet()
	for id := range origSet {
		if !newSet[id] {
			symbols[s.Path+"#"+id] = true
		}
	}
	for id := range newSet {
		if !origSet[id] {
			symbols[s.Path+"#"+id] = true
		}
	}
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
