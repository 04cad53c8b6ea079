package plan

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
)

// Issue is a single validation finding, attributed to a phase where one is
// identifiable.
type Issue struct {
	PhaseID string `json:"phase_id,omitempty"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
}

func (i Issue) String() string {
	if i.PhaseID == "" {
		return fmt.Sprintf("[%s] %s", i.Kind, i.Detail)
	}
	return fmt.Sprintf("[%s] phase %s: %s", i.Kind, i.PhaseID, i.Detail)
}

// ValidationError aggregates all findings for a rejected plan.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "plan validation failed"
	}
	lines := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		lines = append(lines, issue.String())
	}
	return fmt.Sprintf("plan validation failed with %d issue(s):\n  %s",
		len(e.Issues), strings.Join(lines, "\n  "))
}

var phaseIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Validator checks submitted plans. Construct once and reuse; the underlying
// field validator caches struct metadata.
type Validator struct {
	fields *validator.Validate

	// globalProtected is the unconditional protected set from config
	// (VCS metadata, artifact root, primary DB, governance source).
	globalProtected []string
}

// NewValidator builds a plan validator carrying the global protected set.
func NewValidator(globalProtected []string) (*Validator, error) {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.RegisterValidation("relpath", validRelPath); err != nil {
		return nil, fmt.Errorf("failed to register relpath validation: %w", err)
	}
	if err := v.RegisterValidation("phase_id", validPhaseID); err != nil {
		return nil, fmt.Errorf("failed to register phase_id validation: %w", err)
	}

	return &Validator{fields: v, globalProtected: normalizePaths(globalProtected)}, nil
}

// validRelPath accepts workspace-relative paths and glob patterns: no
// absolute paths, no parent traversal.
func validRelPath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "" || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return false
	}
	if len(p) > 1 && p[1] == ':' { // windows drive letter
		return false
	}
	for _, seg := range strings.Split(path.Clean(p), "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

func validPhaseID(fl validator.FieldLevel) bool {
	return phaseIDPattern.MatchString(fl.Field().String())
}

// Validate runs all three validation layers and returns a *ValidationError
// carrying every finding when the plan is rejected.
func (v *Validator) Validate(p *Plan) error {
	issues := v.fieldIssues(p)
	issues = append(issues, duplicateIDIssues(p)...)

	// Relational checks only make sense once ids are well-formed and unique.
	if len(issues) == 0 {
		relational, err := relationalIssues(p)
		if err != nil {
			return fmt.Errorf("relational validation failed: %w", err)
		}
		issues = append(issues, relational...)
	}

	issues = append(issues, v.overlapIssues(p)...)

	if len(issues) > 0 {
		sortIssues(issues)
		return &ValidationError{Issues: issues}
	}
	return nil
}

// fieldIssues translates validator/v10 struct errors into findings.
func (v *Validator) fieldIssues(p *Plan) []Issue {
	err := v.fields.Struct(p)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []Issue{{Kind: "invalid-plan", Detail: err.Error()}}
	}

	issues := make([]Issue, 0, len(verrs))
	for _, fe := range verrs {
		issue := Issue{
			Kind:   "invalid-field",
			Detail: fmt.Sprintf("%s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()),
		}
		if id := phaseIDForNamespace(p, fe.Namespace()); id != "" {
			issue.PhaseID = id
		}
		issues = append(issues, issue)
	}
	return issues
}

var phaseIndexPattern = regexp.MustCompile(`Phases\[(\d+)\]`)

// phaseIDForNamespace maps a validator namespace like Plan.Phases[2].Goal
// back to the offending phase id, when the id itself is usable.
func phaseIDForNamespace(p *Plan, namespace string) string {
	m := phaseIndexPattern.FindStringSubmatch(namespace)
	if m == nil {
		return ""
	}
	var idx int
	fmt.Sscanf(m[1], "%d", &idx)
	if idx < 0 || idx >= len(p.Phases) {
		return ""
	}
	return p.Phases[idx].ID
}

func duplicateIDIssues(p *Plan) []Issue {
	seen := make(map[string]bool, len(p.Phases))
	var issues []Issue
	for i := range p.Phases {
		id := p.Phases[i].ID
		if id == "" {
			continue
		}
		if seen[id] {
			issues = append(issues, Issue{
				PhaseID: id,
				Kind:    "duplicate-id",
				Detail:  fmt.Sprintf("phase id %q declared more than once", id),
			})
		}
		seen[id] = true
	}
	return issues
}

// overlapIssues flags scope entries that lie entirely inside a protected
// subtree (phase-local or global): such a scope can never be written, which
// is a plan authoring bug. A protected entry carved out inside a broader
// scope is legal; classify resolves it protected-first at runtime, and only
// a governance exception can promote it into scope.
func (v *Validator) overlapIssues(p *Plan) []Issue {
	var issues []Issue
	for i := range p.Phases {
		ph := &p.Phases[i]
		protected := append(append([]string{}, v.globalProtected...), ph.ProtectedPaths...)
		for _, scope := range ph.ScopePaths {
			for _, prot := range protected {
				if scopeInsideProtected(scope, prot) {
					issues = append(issues, Issue{
						PhaseID: ph.ID,
						Kind:    "scope-protected-overlap",
						Detail:  fmt.Sprintf("scope path %q lies inside protected path %q", scope, prot),
					})
				}
			}
		}
	}
	return issues
}

// scopeInsideProtected reports whether every file the scope entry could name
// is covered by the protected entry. Protected entries may be literal paths,
// directory prefixes (covering their subtree), or doublestar globs.
func scopeInsideProtected(scope, protected string) bool {
	s := strings.TrimSuffix(scope, "/")
	p := strings.TrimSuffix(protected, "/")
	if s == p {
		return true
	}
	if !strings.ContainsAny(p, "*?[{") {
		return strings.HasPrefix(s, p+"/")
	}
	ok, err := doublestar.Match(p, s)
	return err == nil && ok
}

func sortIssues(issues []Issue) {
	sort.SliceStable(issues, func(a, b int) bool {
		if issues[a].PhaseID != issues[b].PhaseID {
			return issues[a].PhaseID < issues[b].PhaseID
		}
		return issues[a].Kind < issues[b].Kind
	})
}
