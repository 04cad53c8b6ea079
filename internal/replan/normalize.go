package replan

import (
	"regexp"
	"strings"
)

// Error messages are normalized before they enter a phase's failure history
// so that two occurrences of the same problem compare as near-identical text
// even when paths, line numbers, timestamps or process ids differ between
// attempts.
var (
	normTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t _]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:z|[+-]\d{2}:?\d{2})?`)
	normClock     = regexp.MustCompile(`\b\d{2}:\d{2}:\d{2}(?:\.\d+)?\b`)
	normPID       = regexp.MustCompile(`\bpid[ =:]*\d+\b`)
	normPath      = regexp.MustCompile(`(?:\b[\w.+-]+)?(?:/[\w.+-]+)+/?`)
	normLineRef   = regexp.MustCompile(`:\d+(?::\d+)?`)
	normLineWord  = regexp.MustCompile(`\bline \d+\b`)
	normSpace     = regexp.MustCompile(`\s+`)
)

// Normalize lowercases a raw error message and masks the attempt-specific
// parts: timestamps become [T], process ids [PID], file paths [PATH] (slashed
// relative paths included, so the mask never splits a word), line and column
// references [N]. Whitespace runs collapse to one space.
func Normalize(msg string) string {
	s := strings.ToLower(strings.TrimSpace(msg))
	s = normTimestamp.ReplaceAllString(s, "[T]")
	s = normClock.ReplaceAllString(s, "[T]")
	s = normPID.ReplaceAllString(s, "[PID]")
	s = normPath.ReplaceAllString(s, "[PATH]")
	s = normLineRef.ReplaceAllString(s, ":[N]")
	s = normLineWord.ReplaceAllString(s, "line [N]")
	s = normSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
