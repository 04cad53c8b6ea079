// Package diff computes, parses, renders, and applies line-based unified
// diffs. Computation is built on the sergi/go-diff engine rather than a
// hand-rolled LCS; hunk grouping follows unified-diff conventions with a
// fixed number of context lines.
package diff

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineType classifies a single diff line.
type LineType int

const (
	LineContext LineType = iota // unchanged
	LineAdded
	LineRemoved
)

// Line is one line of a hunk.
type Line struct {
	LineNum int // 1-based; old numbering for context/removed, new for added
	Content string
	Type    LineType
}

// Hunk is a contiguous group of changes with surrounding context.
// OldStart/NewStart are 1-based. An OldCount of zero means a pure
// insertion, with OldStart naming the old line after which to insert.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Section  string // optional text after the second @@
	Lines    []Line
}

// oldBlock returns the hunk's lines as they must appear in the old file.
func (h *Hunk) oldBlock() []string {
	var out []string
	for _, l := range h.Lines {
		if l.Type == LineContext || l.Type == LineRemoved {
			out = append(out, l.Content)
		}
	}
	return out
}

// newBlock returns the hunk's lines as they appear after application.
func (h *Hunk) newBlock() []string {
	var out []string
	for _, l := range h.Lines {
		if l.Type == LineContext || l.Type == LineAdded {
			out = append(out, l.Content)
		}
	}
	return out
}

// FileDiff is the change set for a single file.
type FileDiff struct {
	OldPath  string // empty for created files
	NewPath  string // empty for deleted files
	Hunks    []Hunk
	IsNew    bool
	IsDelete bool
	IsRename bool
}

// Path returns the file's effective workspace path: the new path unless the
// file is being deleted.
func (fd *FileDiff) Path() string {
	if fd.NewPath != "" {
		return fd.NewPath
	}
	return fd.OldPath
}

// Stats counts added and removed lines across all hunks.
func (fd *FileDiff) Stats() (added, deleted int) {
	for _, h := range fd.Hunks {
		for _, l := range h.Lines {
			switch l.Type {
			case LineAdded:
				added++
			case LineRemoved:
				deleted++
			}
		}
	}
	return added, deleted
}

// Engine computes diffs with a small cache for repeated input pairs.
type Engine struct {
	dmp   *diffmatchpatch.DiffMatchPatch
	cache sync.Map
}

type cacheKey struct {
	oldHash uint64
	newHash uint64
}

// NewEngine creates an engine tuned for code diffs.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0 // favor accuracy over the default time cap
	return &Engine{dmp: dmp}
}

// DefaultEngine is a shared engine for callers without their own.
var DefaultEngine = NewEngine()

// ComputeDiff diffs two content strings into hunks with three lines of
// context. Identical input pairs are served from the cache.
func (e *Engine) ComputeDiff(oldPath, newPath, oldContent, newContent string) *FileDiff {
	fd := &FileDiff{OldPath: oldPath, NewPath: newPath}
	if oldContent == "" {
		fd.IsNew = true
	}
	if newContent == "" {
		fd.IsDelete = true
	}

	key := cacheKey{hash(oldContent), hash(newContent)}
	if cached, ok := e.cache.Load(key); ok {
		if hunks, ok := cached.([]Hunk); ok {
			fd.Hunks = hunks
			return fd
		}
	}

	// Line-level reduction avoids newline boundary artifacts when the
	// character diff is mapped back to line operations.
	a, b, lineArray := e.dmp.DiffLinesToChars(oldContent, newContent)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	diffs = e.dmp.DiffCharsToLines(diffs, lineArray)

	fd.Hunks = groupIntoHunks(diffsToOperations(diffs), 3)
	e.cache.Store(key, fd.Hunks)
	return fd
}

// ComputeDiff diffs two content strings using the default engine.
func ComputeDiff(oldPath, newPath, oldContent, newContent string) *FileDiff {
	return DefaultEngine.ComputeDiff(oldPath, newPath, oldContent, newContent)
}

// Similarity returns a character-level similarity ratio in [0,1]:
// 1 - levenshtein/maxlen. Two empty strings are identical.
func (e *Engine) Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1
	}
	diffs := e.dmp.DiffMain(a, b, false)
	lev := e.dmp.DiffLevenshtein(diffs)
	return 1 - float64(lev)/float64(maxLen)
}

// ClearCache drops all cached hunk sets.
func (e *Engine) ClearCache() {
	e.cache = sync.Map{}
}

// operation is one line-level step of a computed diff. oldLine/newLine are
// 0-based positions, -1 when the line has no counterpart on that side.
// oldAt records the old-side cursor for insertions so pure-insert hunks
// know their placement.
type operation struct {
	typ     LineType
	oldLine int
	newLine int
	oldAt   int
	content string
}

func diffsToOperations(diffs []diffmatchpatch.Diff) []operation {
	var ops []operation
	oldLine, newLine := 0, 0

	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		// Split leaves a trailing empty element when the chunk ends in \n.
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		for _, line := range lines {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, operation{typ: LineContext, oldLine: oldLine, newLine: newLine, oldAt: oldLine, content: line})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, operation{typ: LineRemoved, oldLine: oldLine, newLine: -1, oldAt: oldLine, content: line})
				oldLine++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, operation{typ: LineAdded, oldLine: -1, newLine: newLine, oldAt: oldLine, content: line})
				newLine++
			}
		}
	}
	return ops
}

// groupIntoHunks splits operations into hunks. Changes closer than
// 2*contextLines share a hunk so rendered context regions never overlap.
func groupIntoHunks(ops []operation, contextLines int) []Hunk {
	var changes []int
	for i, op := range ops {
		if op.typ != LineContext {
			changes = append(changes, i)
		}
	}
	if len(changes) == 0 {
		return nil
	}

	var hunks []Hunk
	i := 0
	for i < len(changes) {
		j := i
		for j+1 < len(changes) && changes[j+1]-changes[j] <= 2*contextLines+1 {
			j++
		}
		start := changes[i] - contextLines
		if start < 0 {
			start = 0
		}
		end := changes[j] + contextLines
		if end > len(ops)-1 {
			end = len(ops) - 1
		}
		hunks = append(hunks, buildHunk(ops[start:end+1]))
		i = j + 1
	}
	return hunks
}

func buildHunk(ops []operation) Hunk {
	h := Hunk{OldStart: -1, NewStart: -1}
	for _, op := range ops {
		if h.OldStart < 0 && op.oldLine >= 0 {
			h.OldStart = op.oldLine + 1
		}
		if h.NewStart < 0 && op.newLine >= 0 {
			h.NewStart = op.newLine + 1
		}
		lineNum := op.oldLine + 1
		if op.typ == LineAdded {
			lineNum = op.newLine + 1
		}
		h.Lines = append(h.Lines, Line{LineNum: lineNum, Content: op.content, Type: op.typ})
		switch op.typ {
		case LineContext:
			h.OldCount++
			h.NewCount++
		case LineRemoved:
			h.OldCount++
		case LineAdded:
			h.NewCount++
		}
	}
	// A pure insertion has no old-side lines; OldStart names the old line
	// after which the block lands (0 = top of file).
	if h.OldStart < 0 {
		h.OldStart = ops[0].oldAt
	}
	if h.NewStart < 0 {
		h.NewStart = 1
	}
	return h
}

// hash is FNV-1a, used only as a cache key.
func hash(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
