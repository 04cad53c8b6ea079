// Package agent defines the external LLM collaborators the orchestrator
// drives: the Builder that writes patches, the Auditor that reviews applied
// changes, the Doctor that triages repeated failures, and the Replanner that
// revises a phase goal. Each is an interface with an LLM-backed
// implementation; the orchestrator only sees the interfaces, so tests script
// them with function-field mocks.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"autopack/internal/config"
	"autopack/internal/learning"
	"autopack/internal/llm"
	"autopack/internal/patch"
	"autopack/internal/plan"
	"autopack/internal/run"
	"autopack/internal/testrun"
)

// Generator is the slice of the provider registry the agents call through.
// *llm.Registry satisfies it.
type Generator interface {
	Generate(ctx context.Context, model, systemPrompt, userPrompt string) (*llm.Result, error)
}

// ContextFile is one workspace file included in a Builder prompt. The
// orchestrator selects and budgets the set; agents only serialize it.
type ContextFile struct {
	Path    string
	Content string
}

// BuildRequest carries everything one Builder attempt sees.
type BuildRequest struct {
	Phase *run.Phase

	// Files are the in-scope contents chosen by the context budget.
	Files []ContextFile

	// Rules are matching learned rules, confidence-ordered.
	Rules []learning.Rule

	// RunHints are this run's accumulated corrections from the learning
	// store. Pending Doctor/re-plan guidance rides on Phase.Hints.
	RunHints []learning.RunHint

	// Tier selects the builder model.
	Tier int

	// ScopeFileCount is how many workspace files fall inside the phase
	// scope. At or above the configured threshold the Builder is told to
	// emit structured edits instead of a unified diff.
	ScopeFileCount int
}

// BuildResult is the Builder's output: raw patch text (fences stripped) in
// the requested format. Parsing and validation belong to the patch engine.
type BuildResult struct {
	PatchText string
	Format    patch.Format
	Model     string
	Usage     llm.Usage
}

// Builder produces a patch for one phase attempt.
type Builder interface {
	Build(ctx context.Context, req *BuildRequest) (*BuildResult, error)
}

// AuditRequest asks for a review of an applied change set.
type AuditRequest struct {
	Phase     *plan.PhaseSpec
	Report    *patch.ApplyReport
	PatchText string
}

// AuditReport is the Auditor's risk read on an applied patch. The
// orchestrator treats it opaquely: it lands in the audit trail and the
// phase result, it never gates by itself.
type AuditReport struct {
	Risk     string   `json:"risk"` // low | medium | high
	Concerns []string `json:"concerns,omitempty"`
	Summary  string   `json:"summary"`

	Model string    `json:"-"`
	Usage llm.Usage `json:"-"`
}

// Auditor reviews an applied patch.
type Auditor interface {
	Audit(ctx context.Context, req *AuditRequest) (*AuditReport, error)
}

// Action is the single move a Doctor consultation must choose.
type Action string

const (
	ActionRetryWithFix     Action = "retry_with_fix"
	ActionReplan           Action = "replan"
	ActionSkipPhase        Action = "skip_phase"
	ActionFatalError       Action = "fatal_error"
	ActionRollbackProvider Action = "rollback_provider"
)

// ValidAction reports whether a is one of the closed action set.
func ValidAction(a Action) bool {
	switch a {
	case ActionRetryWithFix, ActionReplan, ActionSkipPhase, ActionFatalError, ActionRollbackProvider:
		return true
	}
	return false
}

// Evidence is the bundle a Doctor consultation reasons from. The doctor
// package assembles it and decides cheap versus strong; the agent only
// formats and asks.
type Evidence struct {
	RunID string
	Phase *run.Phase

	// Rules are learned rules matching the phase scope.
	Rules []learning.Rule

	// LastPatch is the failing attempt's patch text, truncated.
	LastPatch string

	// Delta is the last test delta, nil when the attempt died before the
	// test run.
	Delta *testrun.DeltaReport

	// ActiveProvider names the LLM provider the failing attempts used, so
	// rollback_provider can name a real target.
	ActiveProvider string

	// Strong selects the strong diagnosis model.
	Strong bool
}

// Diagnosis is the Doctor's verdict: exactly one action, plus the fields
// that action needs.
type Diagnosis struct {
	Action     Action  `json:"action"`
	Hint       string  `json:"hint,omitempty"`     // retry_with_fix
	Reason     string  `json:"reason,omitempty"`   // skip_phase, fatal_error
	Provider   string  `json:"provider,omitempty"` // rollback_provider
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary,omitempty"`

	Model string    `json:"-"`
	Usage llm.Usage `json:"-"`
}

// Validate checks the action is known and carries its required field.
func (d *Diagnosis) Validate() error {
	if !ValidAction(d.Action) {
		return fmt.Errorf("unknown doctor action %q", d.Action)
	}
	switch d.Action {
	case ActionRetryWithFix:
		if strings.TrimSpace(d.Hint) == "" {
			return fmt.Errorf("retry_with_fix without a hint")
		}
	case ActionSkipPhase, ActionFatalError:
		if strings.TrimSpace(d.Reason) == "" {
			return fmt.Errorf("%s without a reason", d.Action)
		}
	case ActionRollbackProvider:
		if strings.TrimSpace(d.Provider) == "" {
			return fmt.Errorf("rollback_provider without a provider")
		}
	}
	return nil
}

// Doctor triages a failing phase and picks one corrective action.
type Doctor interface {
	Diagnose(ctx context.Context, ev *Evidence) (*Diagnosis, error)
}

// ReviseRequest asks for a revised phase goal after repeated failures.
type ReviseRequest struct {
	Phase *run.Phase

	// Rules are learned rules matching the phase scope.
	Rules []learning.Rule

	// Trigger names what fired the re-plan: doctor-requested,
	// repeated-failure, or fatal-error-type.
	Trigger string
}

// Revision is the Replanner's proposed rewrite of the phase. The replan
// package accepts or rejects it against the original intent.
type Revision struct {
	Goal               string   `json:"goal"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Deliverables       []string `json:"deliverables,omitempty"`
	Summary            string   `json:"summary,omitempty"`

	Model string    `json:"-"`
	Usage llm.Usage `json:"-"`
}

// Replanner revises a phase goal while keeping its original intent.
type Replanner interface {
	Revise(ctx context.Context, req *ReviseRequest) (*Revision, error)
}

// TierFor maps phase complexity and escalation level to a builder tier.
// Low starts at the cheapest tier, medium one up, high at the strongest;
// each escalation moves one tier up. The model ladder clamps past its top.
func TierFor(complexity plan.Complexity, escalationLevel int) int {
	base := 0
	switch complexity {
	case plan.ComplexityMedium:
		base = 1
	case plan.ComplexityHigh:
		base = 2
	}
	if escalationLevel < 0 {
		escalationLevel = 0
	}
	return base + escalationLevel
}

// cleanResponse strips markdown code fences the model wraps around output.
func cleanResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```diff")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}

// truncate limits a prompt section, marking the cut.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... [truncated]"
}

// callContext applies the profile's wall-clock limit unless the caller
// already set a tighter deadline.
func callContext(ctx context.Context, profile config.AgentProfile) (context.Context, context.CancelFunc) {
	limit := time.Duration(profile.MaxExecutionTimeSec) * time.Second
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= limit {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, limit)
}
