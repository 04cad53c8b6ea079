package diff

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseError reports malformed unified-diff input.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("diff parse error at line %d: %s", e.Line, e.Reason)
}

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@(?: (.*))?$`)

// ParseUnified parses unified-diff text, possibly covering several files.
// Git extended headers are understood as far as the apply path needs them:
// /dev/null marks creation and deletion, "rename from"/"rename to" a pure
// rename without hunks.
func ParseUnified(text string) ([]*FileDiff, error) {
	lines := strings.Split(text, "\n")

	var files []*FileDiff
	var cur *FileDiff
	var hunk *Hunk
	var oldLeft, newLeft int
	var renameFrom, renameTo string

	flushRename := func() {
		if renameFrom != "" && renameTo != "" {
			files = append(files, &FileDiff{OldPath: renameFrom, NewPath: renameTo, IsRename: true})
		}
		renameFrom, renameTo = "", ""
	}
	closeHunk := func(lineNo int) error {
		if hunk == nil {
			return nil
		}
		if oldLeft > 0 || newLeft > 0 {
			return &ParseError{Line: lineNo, Reason: fmt.Sprintf("hunk shorter than its header declares (%d old, %d new lines missing)", oldLeft, newLeft)}
		}
		cur.Hunks = append(cur.Hunks, *hunk)
		hunk = nil
		return nil
	}
	closeFile := func(lineNo int) error {
		if err := closeHunk(lineNo); err != nil {
			return err
		}
		if cur != nil {
			files = append(files, cur)
			cur = nil
		}
		return nil
	}

	for i, raw := range lines {
		lineNo := i + 1

		// Inside a hunk the declared counts decide how lines are read.
		if hunk != nil && (oldLeft > 0 || newLeft > 0) {
			if raw == "" {
				// Some emitters strip the leading space from empty
				// context lines.
				if oldLeft == 0 || newLeft == 0 {
					return nil, &ParseError{Line: lineNo, Reason: "blank line inside hunk where no context line is expected"}
				}
				hunk.Lines = append(hunk.Lines, Line{Content: "", Type: LineContext})
				oldLeft--
				newLeft--
				continue
			}
			switch raw[0] {
			case ' ':
				hunk.Lines = append(hunk.Lines, Line{Content: raw[1:], Type: LineContext})
				oldLeft--
				newLeft--
			case '-':
				hunk.Lines = append(hunk.Lines, Line{Content: raw[1:], Type: LineRemoved})
				oldLeft--
			case '+':
				hunk.Lines = append(hunk.Lines, Line{Content: raw[1:], Type: LineAdded})
				newLeft--
			case '\\':
				// "\ No newline at end of file" — informational.
			default:
				return nil, &ParseError{Line: lineNo, Reason: fmt.Sprintf("unexpected line inside hunk: %q", truncate(raw, 60))}
			}
			if oldLeft < 0 || newLeft < 0 {
				return nil, &ParseError{Line: lineNo, Reason: "hunk longer than its header declares"}
			}
			continue
		}

		switch {
		case raw == "" || strings.HasPrefix(raw, "\\"):
			// Blank separator between files, or a trailing no-newline
			// marker after a completed hunk.
		case strings.HasPrefix(raw, "diff --git "):
			if err := closeFile(lineNo); err != nil {
				return nil, err
			}
			flushRename()
		case strings.HasPrefix(raw, "rename from "):
			renameFrom = strings.TrimPrefix(raw, "rename from ")
		case strings.HasPrefix(raw, "rename to "):
			renameTo = strings.TrimPrefix(raw, "rename to ")
		case strings.HasPrefix(raw, "--- "):
			if err := closeFile(lineNo); err != nil {
				return nil, err
			}
			cur = &FileDiff{OldPath: parseDiffPath(raw[4:])}
			if cur.OldPath == "" {
				cur.IsNew = true
			}
			// A ---/+++ pair supersedes any rename headers for this file.
			if renameFrom != "" {
				cur.IsRename = true
				renameFrom, renameTo = "", ""
			}
		case strings.HasPrefix(raw, "+++ "):
			if cur == nil {
				return nil, &ParseError{Line: lineNo, Reason: "+++ without preceding ---"}
			}
			cur.NewPath = parseDiffPath(raw[4:])
			if cur.NewPath == "" {
				cur.IsDelete = true
			}
		case strings.HasPrefix(raw, "@@"):
			m := hunkHeaderRe.FindStringSubmatch(raw)
			if m == nil {
				return nil, &ParseError{Line: lineNo, Reason: fmt.Sprintf("malformed hunk header: %q", truncate(raw, 60))}
			}
			if cur == nil {
				return nil, &ParseError{Line: lineNo, Reason: "hunk header before any file header"}
			}
			if err := closeHunk(lineNo); err != nil {
				return nil, err
			}
			h := Hunk{
				OldStart: atoi(m[1]),
				OldCount: atoiDefault(m[2], 1),
				NewStart: atoi(m[3]),
				NewCount: atoiDefault(m[4], 1),
				Section:  m[5],
			}
			hunk = &h
			oldLeft, newLeft = h.OldCount, h.NewCount
		case strings.HasPrefix(raw, "index "),
			strings.HasPrefix(raw, "old mode "),
			strings.HasPrefix(raw, "new mode "),
			strings.HasPrefix(raw, "new file mode "),
			strings.HasPrefix(raw, "deleted file mode "),
			strings.HasPrefix(raw, "similarity index "),
			strings.HasPrefix(raw, "dissimilarity index "),
			strings.HasPrefix(raw, "copy from "),
			strings.HasPrefix(raw, "copy to "),
			strings.HasPrefix(raw, "Binary files "):
			// Git metadata the applier does not act on.
		default:
			return nil, &ParseError{Line: lineNo, Reason: fmt.Sprintf("unrecognized line outside hunk: %q", truncate(raw, 60))}
		}
	}

	if err := closeFile(len(lines)); err != nil {
		return nil, err
	}
	flushRename()

	if len(files) == 0 {
		return nil, &ParseError{Line: 1, Reason: "no file headers found"}
	}
	for _, fd := range files {
		if !fd.IsRename && len(fd.Hunks) == 0 {
			return nil, &ParseError{Line: 1, Reason: fmt.Sprintf("file %s has no hunks", fd.Path())}
		}
	}
	return files, nil
}

// parseDiffPath normalizes a ---/+++ path: timestamp suffixes dropped,
// a/ and b/ prefixes stripped, /dev/null mapped to the empty string.
func parseDiffPath(s string) string {
	if idx := strings.IndexByte(s, '\t'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	if s == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(s, "a/") || strings.HasPrefix(s, "b/") {
		s = s[2:]
	}
	return s
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	return atoi(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
