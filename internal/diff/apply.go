package diff

import (
	"fmt"
	"strings"
)

// ApplyHunks applies a file's hunks to its current contents. Each hunk must
// match at its declared position or at exactly one other location;
// otherwise the patch does not cleanly apply and an error describes which
// hunk failed.
func ApplyHunks(content string, hunks []Hunk) (string, error) {
	lines, hadTrailingNewline := splitLines(content)
	offset := 0

	for i, h := range hunks {
		oldBlock := h.oldBlock()
		newBlock := h.newBlock()

		if len(oldBlock) == 0 {
			// Pure insertion after old line OldStart (0 = top of file).
			at := h.OldStart + offset
			if at < 0 || at > len(lines) {
				return "", fmt.Errorf("hunk %d: insertion point %d outside file of %d lines", i+1, h.OldStart, len(lines))
			}
			lines = splice(lines, at, 0, newBlock)
			offset += len(newBlock)
			continue
		}

		pos := h.OldStart - 1 + offset
		if !matchAt(lines, pos, oldBlock) {
			matches := findBlock(lines, oldBlock)
			switch len(matches) {
			case 1:
				pos = matches[0]
			case 0:
				return "", fmt.Errorf("hunk %d: context not found (expected at line %d)", i+1, h.OldStart)
			default:
				return "", fmt.Errorf("hunk %d: context matches %d locations, cannot place unambiguously", i+1, len(matches))
			}
		}
		lines = splice(lines, pos, len(oldBlock), newBlock)
		offset += len(newBlock) - len(oldBlock)
	}

	return joinLines(lines, hadTrailingNewline), nil
}

func splitLines(content string) (lines []string, hadTrailingNewline bool) {
	if content == "" {
		return nil, false
	}
	hadTrailingNewline = strings.HasSuffix(content, "\n")
	if hadTrailingNewline {
		content = content[:len(content)-1]
	}
	return strings.Split(content, "\n"), hadTrailingNewline
}

func joinLines(lines []string, trailingNewline bool) string {
	if len(lines) == 0 {
		return ""
	}
	s := strings.Join(lines, "\n")
	if trailingNewline {
		s += "\n"
	}
	return s
}

func matchAt(lines []string, pos int, block []string) bool {
	if pos < 0 || pos+len(block) > len(lines) {
		return false
	}
	for i, want := range block {
		if lines[pos+i] != want {
			return false
		}
	}
	return true
}

func findBlock(lines, block []string) []int {
	var matches []int
	for pos := 0; pos+len(block) <= len(lines); pos++ {
		if matchAt(lines, pos, block) {
			matches = append(matches, pos)
		}
	}
	return matches
}

func splice(lines []string, pos, removeCount int, insert []string) []string {
	out := make([]string, 0, len(lines)-removeCount+len(insert))
	out = append(out, lines[:pos]...)
	out = append(out, insert...)
	out = append(out, lines[pos+removeCount:]...)
	return out
}

// FormatUnified renders file diffs back to unified-diff text. Renames
// without hunks use git's extended header form.
func FormatUnified(files []*FileDiff) string {
	var b strings.Builder
	for _, fd := range files {
		if fd.IsRename && len(fd.Hunks) == 0 {
			fmt.Fprintf(&b, "diff --git a/%s b/%s\n", fd.OldPath, fd.NewPath)
			fmt.Fprintf(&b, "rename from %s\n", fd.OldPath)
			fmt.Fprintf(&b, "rename to %s\n", fd.NewPath)
			continue
		}

		oldName, newName := "/dev/null", "/dev/null"
		if fd.OldPath != "" {
			oldName = "a/" + fd.OldPath
		}
		if fd.NewPath != "" {
			newName = "b/" + fd.NewPath
		}
		fmt.Fprintf(&b, "--- %s\n+++ %s\n", oldName, newName)

		for _, h := range fd.Hunks {
			header := fmt.Sprintf("@@ -%s +%s @@", formatRange(h.OldStart, h.OldCount), formatRange(h.NewStart, h.NewCount))
			if h.Section != "" {
				header += " " + h.Section
			}
			b.WriteString(header)
			b.WriteByte('\n')
			for _, l := range h.Lines {
				switch l.Type {
				case LineContext:
					b.WriteByte(' ')
				case LineRemoved:
					b.WriteByte('-')
				case LineAdded:
					b.WriteByte('+')
				}
				b.WriteString(l.Content)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

func formatRange(start, count int) string {
	if count == 1 {
		return fmt.Sprintf("%d", start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}
