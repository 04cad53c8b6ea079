package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Patch errors.

// PatchParseError reports malformed patch input.
type PatchParseError struct {
	Reason string
	Line   int
}

func (e *PatchParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("patch parse error at line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("patch parse error: %s", e.Reason)
}

// ApplyConflict reports a patch hunk or structured edit that does not match
// the current file contents.
type ApplyConflict struct {
	Path   string
	Reason string
}

func (e *ApplyConflict) Error() string {
	return fmt.Sprintf("apply conflict in %s: %s", e.Path, e.Reason)
}

// SymbolDeletion reports named top-level symbols a patch would remove without
// recreating them.
type SymbolDeletion struct {
	Path    string
	Symbols []string
}

func (e *SymbolDeletion) Error() string {
	return fmt.Sprintf("patch deletes symbol(s) %s from %s without recreating them",
		strings.Join(e.Symbols, ", "), e.Path)
}

// StructuralDrift reports a rewritten file whose structure diverged from the
// original beyond the similarity floor.
type StructuralDrift struct {
	Path       string
	Similarity float64
	Min        float64
}

func (e *StructuralDrift) Error() string {
	return fmt.Sprintf("structural drift in %s: similarity %.2f below %.2f",
		e.Path, e.Similarity, e.Min)
}

// Governance errors.

// ScopeViolation reports a write outside the phase's declared scope.
type ScopeViolation struct {
	Path string
	Op   string
}

func (e *ScopeViolation) Error() string {
	return fmt.Sprintf("%s %s: path is outside the phase scope", e.Op, e.Path)
}

// ProtectedPathViolation reports a write to a protected path without an
// exception token.
type ProtectedPathViolation struct {
	Path string
	Op   string
}

func (e *ProtectedPathViolation) Error() string {
	return fmt.Sprintf("%s %s: path is protected", e.Op, e.Path)
}

// GovernanceDenied reports a hard deny from the governance decider.
type GovernanceDenied struct {
	Rule   string
	Detail string
}

func (e *GovernanceDenied) Error() string {
	return fmt.Sprintf("governance denied (%s): %s", e.Rule, e.Detail)
}

// Test errors.

// NewTestFailure reports tests failing that passed at baseline.
type NewTestFailure struct {
	Tests []string
}

func (e *NewTestFailure) Error() string {
	return fmt.Sprintf("%d new test failure(s): %s", len(e.Tests), strings.Join(e.Tests, ", "))
}

// CollectionError reports the test framework failing to even enumerate tests.
type CollectionError struct {
	Detail string
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("test collection error: %s", e.Detail)
}

// Workflow errors.

// DeliverableMissing reports declared deliverables absent after an attempt.
type DeliverableMissing struct {
	Paths []string
}

func (e *DeliverableMissing) Error() string {
	return fmt.Sprintf("missing deliverable(s): %s", strings.Join(e.Paths, ", "))
}

// ExhaustedAttempts reports a phase using up its retry budget.
type ExhaustedAttempts struct {
	PhaseID  string
	Attempts int
}

func (e *ExhaustedAttempts) Error() string {
	return fmt.Sprintf("phase %s exhausted %d attempts", e.PhaseID, e.Attempts)
}

// ExhaustedBudget reports a run-level hard budget being spent.
type ExhaustedBudget struct {
	Budget string // tokens | wallclock | replans | doctor
	Detail string
}

func (e *ExhaustedBudget) Error() string {
	return fmt.Sprintf("budget %s exhausted: %s", e.Budget, e.Detail)
}

// ApprovalTimeout reports an approval request resolved by its timeout default.
type ApprovalTimeout struct {
	RequestID string
}

func (e *ApprovalTimeout) Error() string {
	return fmt.Sprintf("approval request %s timed out", e.RequestID)
}

// Infrastructure errors.

// AgentTimeout reports an external LLM call exceeding its wall-clock limit.
type AgentTimeout struct {
	Agent   string
	Timeout time.Duration
}

func (e *AgentTimeout) Error() string {
	return fmt.Sprintf("%s agent call timed out after %s", e.Agent, e.Timeout)
}

// AgentProviderError reports a provider-side failure of an LLM call.
type AgentProviderError struct {
	Agent    string
	Provider string
	Err      error
}

func (e *AgentProviderError) Error() string {
	return fmt.Sprintf("%s agent call failed (provider %s): %v", e.Agent, e.Provider, e.Err)
}

func (e *AgentProviderError) Unwrap() error { return e.Err }

// WorkspaceIOError reports a filesystem failure inside the workspace gateway.
type WorkspaceIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *WorkspaceIOError) Error() string {
	return fmt.Sprintf("workspace %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WorkspaceIOError) Unwrap() error { return e.Err }

// PersistenceError reports a state-store failure. It is fatal to the run at
// the next safe commit point.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CategoryOf maps any error onto the closed failure-category set. Approval
// timeouts surface as governance denials (the request resolved to its reject
// default); LLM timeouts and provider failures, workspace IO and persistence
// failures are all infrastructure.
func CategoryOf(err error) FailureCategory {
	if err == nil {
		return ""
	}

	var (
		parseErr     *PatchParseError
		conflict     *ApplyConflict
		symDel       *SymbolDeletion
		drift        *StructuralDrift
		scope        *ScopeViolation
		protected    *ProtectedPathViolation
		denied       *GovernanceDenied
		newFail      *NewTestFailure
		collection   *CollectionError
		deliverable  *DeliverableMissing
		exhausted    *ExhaustedAttempts
		budget       *ExhaustedBudget
		aprTimeout   *ApprovalTimeout
		agentTimeout *AgentTimeout
		provider     *AgentProviderError
		wsIO         *WorkspaceIOError
		persistence  *PersistenceError
	)

	switch {
	case errors.As(err, &parseErr):
		return CategoryPatchFormat
	case errors.As(err, &conflict):
		return CategoryApplyConflict
	case errors.As(err, &symDel):
		return CategorySymbolDeletion
	case errors.As(err, &drift):
		return CategoryStructuralDrift
	case errors.As(err, &scope):
		return CategoryScopeViolation
	case errors.As(err, &protected):
		return CategoryProtectedPath
	case errors.As(err, &denied):
		return CategoryGovernanceDenied
	case errors.As(err, &newFail):
		return CategoryNewTestFailures
	case errors.As(err, &collection):
		return CategoryCollectionError
	case errors.As(err, &deliverable):
		return CategoryDeliverables
	case errors.As(err, &exhausted):
		return CategoryUnknown
	case errors.As(err, &budget):
		return CategoryInfrastructure
	case errors.As(err, &aprTimeout):
		return CategoryGovernanceDenied
	case errors.As(err, &agentTimeout):
		return CategoryInfrastructure
	case errors.As(err, &provider):
		return CategoryInfrastructure
	case errors.As(err, &wsIO):
		return CategoryInfrastructure
	case errors.As(err, &persistence):
		return CategoryInfrastructure
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, context.Canceled):
		return CategoryTimeout
	}
	return CategoryUnknown
}
