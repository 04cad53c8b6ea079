// Package plan defines the plan document a client submits to start a run:
// an ordered set of phases with goals, deliverables, scope and dependency
// declarations. Loading normalizes paths; validation happens in three layers
// (field checks, relational checks over the dependency graph, scope/protection
// overlap) before a run is ever created.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Complexity drives the default Builder model tier for a phase.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Valid reports whether the complexity is one of the recognized levels.
func (c Complexity) Valid() bool {
	switch c {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return true
	}
	return false
}

// Plan is the submitted work order for one run.
type Plan struct {
	// Name identifies the plan in listings and logs.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Goal is the overall objective (free text, fed to agent prompts).
	Goal string `yaml:"goal" json:"goal" validate:"required"`

	// Workspace is the directory the run operates on. Relative paths are
	// resolved against the submitter's working directory at submit time.
	Workspace string `yaml:"workspace" json:"workspace" validate:"required"`

	// Phases execute in dependency order, one at a time.
	Phases []PhaseSpec `yaml:"phases" json:"phases" validate:"required,min=1,dive"`
}

// PhaseSpec declares one phase of work. It is immutable after submission;
// runtime state lives on the run's phase records.
type PhaseSpec struct {
	ID   string `yaml:"id" json:"id" validate:"required,phase_id"`
	Goal string `yaml:"goal" json:"goal" validate:"required"`

	// Deliverables are workspace-relative paths the phase must create or
	// modify; the finalizer checks their existence.
	Deliverables []string `yaml:"deliverables,omitempty" json:"deliverables,omitempty" validate:"dive,relpath"`

	// AcceptanceCriteria are natural-language conditions consumed by the
	// Builder and Auditor prompts. Opaque to the orchestrator.
	AcceptanceCriteria []string `yaml:"acceptance_criteria,omitempty" json:"acceptance_criteria,omitempty"`

	// ScopePaths are the paths or directory prefixes the phase may modify.
	ScopePaths []string `yaml:"scope_paths" json:"scope_paths" validate:"required,min=1,dive,relpath"`

	// ProtectedPaths extend the global protected set for this phase.
	ProtectedPaths []string `yaml:"protected_paths,omitempty" json:"protected_paths,omitempty" validate:"dive,relpath"`

	Complexity Complexity `yaml:"complexity,omitempty" json:"complexity,omitempty" validate:"omitempty,oneof=low medium high"`

	// Dependencies name phases that must be complete before this one runs.
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`

	// Category tags the phase for learned-rule retrieval (for example
	// "migration" or "api"). Optional.
	Category string `yaml:"category,omitempty" json:"category,omitempty"`

	// TestInfrastructure marks phases whose scope includes the test setup
	// itself; a re-plan of such a phase forces a baseline recomputation.
	TestInfrastructure bool `yaml:"test_infrastructure,omitempty" json:"test_infrastructure,omitempty"`
}

// EffectiveComplexity returns the declared complexity, defaulting to medium.
func (p *PhaseSpec) EffectiveComplexity() Complexity {
	if p.Complexity.Valid() {
		return p.Complexity
	}
	return ComplexityMedium
}

// Load parses a plan from YAML or JSON bytes. YAML is tried first; a byte
// stream starting with '{' is treated as JSON.
func Load(data []byte) (*Plan, error) {
	var p Plan
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse plan YAML: %w", err)
		}
	}
	p.normalize()
	return &p, nil
}

// LoadFile reads and parses a plan document from disk.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}
	return Load(data)
}

// normalize cleans paths to slash form and trims phase fields so later
// comparisons (scope matching, dependency lookups) see canonical values.
func (p *Plan) normalize() {
	p.Name = strings.TrimSpace(p.Name)
	for i := range p.Phases {
		ph := &p.Phases[i]
		ph.ID = strings.TrimSpace(ph.ID)
		ph.Deliverables = normalizePaths(ph.Deliverables)
		ph.ScopePaths = normalizePaths(ph.ScopePaths)
		ph.ProtectedPaths = normalizePaths(ph.ProtectedPaths)
		for j := range ph.Dependencies {
			ph.Dependencies[j] = strings.TrimSpace(ph.Dependencies[j])
		}
		ph.Category = strings.TrimSpace(strings.ToLower(ph.Category))
	}
}

func normalizePaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, normalizePath(p))
	}
	return out
}

// normalizePath cleans a path to slash form, preserving glob metacharacters.
func normalizePath(p string) string {
	if strings.ContainsAny(p, "*?[{") {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(filepath.Clean(p))
}

// Phase returns the phase spec with the given id, or nil.
func (p *Plan) Phase(id string) *PhaseSpec {
	for i := range p.Phases {
		if p.Phases[i].ID == id {
			return &p.Phases[i]
		}
	}
	return nil
}

// ExecutionOrder returns phase ids in topological order. Ties break by the
// declaration order in the plan, so the walk is deterministic. The plan must
// already have passed validation; an unexpected cycle returns an error.
func (p *Plan) ExecutionOrder() ([]string, error) {
	index := make(map[string]int, len(p.Phases))
	indegree := make(map[string]int, len(p.Phases))
	dependents := make(map[string][]string)

	for i := range p.Phases {
		id := p.Phases[i].ID
		index[id] = i
		indegree[id] = 0
	}
	for i := range p.Phases {
		ph := &p.Phases[i]
		for _, dep := range ph.Dependencies {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("phase %s depends on unknown phase %s", ph.ID, dep)
			}
			indegree[ph.ID]++
			dependents[dep] = append(dependents[dep], ph.ID)
		}
	}

	ready := make([]string, 0, len(p.Phases))
	for i := range p.Phases {
		if indegree[p.Phases[i].ID] == 0 {
			ready = append(ready, p.Phases[i].ID)
		}
	}

	order := make([]string, 0, len(p.Phases))
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool { return index[ready[a]] < index[ready[b]] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(p.Phases) {
		return nil, fmt.Errorf("dependency cycle among phases")
	}
	return order, nil
}
