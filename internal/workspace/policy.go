// Package workspace is the single gate for every mutation of a run's working
// directory. It classifies paths against the active phase policy, enforces
// protected-path and scope rules (with one-shot exception tokens granted by
// governance), and owns save points: snapshots of the tree taken before each
// patch application and restored on rollback.
package workspace

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"autopack/internal/plan"
)

// Classification is the verdict for one path under the active phase policy.
type Classification int

const (
	// Protected paths reject mutation without an exception token.
	Protected Classification = iota
	// InScope paths are freely writable by the phase.
	InScope
	// OutOfScope paths need a governance-granted scope exception.
	OutOfScope
)

func (c Classification) String() string {
	switch c {
	case Protected:
		return "protected"
	case InScope:
		return "in-scope"
	case OutOfScope:
		return "out-of-scope"
	}
	return "unknown"
}

// Policy is the effective path policy for one phase: its scope paths plus
// the union of the phase's protected paths and the global protected set.
type Policy struct {
	scope     []string
	protected []string
}

// NewPolicy builds the phase policy. globalProtected comes from config (VCS
// metadata, the artifact root, the primary database, the governance source).
func NewPolicy(spec *plan.PhaseSpec, globalProtected []string) *Policy {
	p := &Policy{}
	if spec != nil {
		p.scope = normalizeEntries(spec.ScopePaths)
		p.protected = normalizeEntries(spec.ProtectedPaths)
	}
	p.protected = append(p.protected, normalizeEntries(globalProtected)...)
	return p
}

// Classify resolves a workspace-relative path. Protection wins over scope:
// a protected carve-out inside a scoped directory stays protected.
func (p *Policy) Classify(rel string) Classification {
	rel = strings.TrimPrefix(strings.TrimSpace(rel), "./")
	for _, entry := range p.protected {
		if entryCovers(entry, rel) {
			return Protected
		}
	}
	for _, entry := range p.scope {
		if entryCovers(entry, rel) {
			return InScope
		}
	}
	return OutOfScope
}

// entryCovers reports whether a policy entry names the path. Literal entries
// cover themselves and their subtree; glob entries match with doublestar.
func entryCovers(entry, rel string) bool {
	if entry == "" {
		return false
	}
	if !strings.ContainsAny(entry, "*?[{") {
		return rel == entry || strings.HasPrefix(rel, entry+"/")
	}
	ok, err := doublestar.Match(entry, rel)
	return err == nil && ok
}

func normalizeEntries(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(strings.TrimPrefix(e, "./"))
		e = strings.TrimSuffix(e, "/")
		if e == "" || e == "." {
			continue
		}
		out = append(out, e)
	}
	return out
}
