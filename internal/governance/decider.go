// Package governance decides what happens to a reviewed patch before any
// byte reaches the workspace: allow it, demand human approval, or deny it.
// The decider is a pure ordered rule chain; all context arrives in the
// Input and the first decisive rule wins.
package governance

import (
	"fmt"
	"sort"
	"strings"

	"autopack/internal/config"
	"autopack/internal/logging"
	"autopack/internal/patch"
	"autopack/internal/run"
	"autopack/internal/workspace"
)

// Verdict is the decider's outcome.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictRequireApproval Verdict = "require-approval"
	VerdictDeny            Verdict = "deny"
)

// Reason names why approval is required or the patch was denied.
type Reason string

const (
	ReasonProtectedPath   Reason = "protected-path"
	ReasonScopeException  Reason = "scope-exception"
	ReasonLargeDeletion   Reason = "large-deletion"
	ReasonStructuralDrift Reason = "structural-drift"
)

// Severity grades an approval request for the notifier and the UI.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Input carries everything a decision needs. GrantedScope and
// GrantedProtected list paths holding live exception tokens for this
// phase; ApprovedDeletion and ApprovedDrift record approvals already
// granted for this attempt so re-deciding after an approval passes.
type Input struct {
	Review *patch.Review

	GrantedScope     map[string]bool
	GrantedProtected map[string]bool

	ApprovedDeletion bool
	ApprovedDrift    bool
}

// Decision is the decider's full answer, including which rule fired for
// the audit trail.
type Decision struct {
	Verdict  Verdict  `json:"verdict"`
	Reason   Reason   `json:"reason,omitempty"`
	Severity Severity `json:"severity,omitempty"`

	// Rule names the rule that produced the verdict.
	Rule string `json:"rule"`

	// Detail is a human-readable explanation.
	Detail string `json:"detail,omitempty"`

	// Targets lists the offending paths, when the rule is path-scoped.
	Targets []string `json:"targets,omitempty"`
}

// Allowed reports whether the patch may apply as-is.
func (d Decision) Allowed() bool { return d.Verdict == VerdictAllow }

// Err converts a deny into its categorized error; nil for any other
// verdict.
func (d Decision) Err() error {
	if d.Verdict != VerdictDeny {
		return nil
	}
	return &run.GovernanceDenied{Rule: d.Rule, Detail: d.Detail}
}

// Decider evaluates the ordered governance rules. It holds only
// thresholds; every call is independent.
type Decider struct {
	cfg config.GovernanceConfig
}

// NewDecider builds a decider from the configured thresholds.
func NewDecider(cfg *config.Config) *Decider {
	return &Decider{cfg: cfg.Governance}
}

// Decide runs the rule chain in order, first match wins:
//
//  1. protected write without a token       -> deny
//  2. out-of-scope write without a token    -> require-approval(scope-exception)
//  3. net deletion above the deny threshold -> deny
//  4. net deletion at or above the approval
//     threshold                             -> require-approval(large-deletion)
//  5. structural drift                      -> require-approval(structural-drift)
//  6. token-granted paths pass silently (excluded in rules 1 and 2)
//  7. otherwise                             -> allow
func (g *Decider) Decide(in Input) Decision {
	r := in.Review

	if targets := protectedWithoutToken(r, in.GrantedProtected); len(targets) > 0 {
		return Decision{
			Verdict: VerdictDeny,
			Reason:  ReasonProtectedPath,
			Rule:    "protected-path",
			Detail:  fmt.Sprintf("patch writes protected path(s) without an exception token: %s", strings.Join(targets, ", ")),
			Targets: targets,
		}
	}

	if targets := outOfScopeWithoutToken(r, in.GrantedScope); len(targets) > 0 {
		return Decision{
			Verdict:  VerdictRequireApproval,
			Reason:   ReasonScopeException,
			Severity: SeverityMedium,
			Rule:     "scope",
			Detail:   fmt.Sprintf("patch writes outside the phase scope: %s", strings.Join(targets, ", ")),
			Targets:  targets,
		}
	}

	if r.NetDeletion > g.cfg.DeletionDenyThresholdLines {
		return Decision{
			Verdict: VerdictDeny,
			Reason:  ReasonLargeDeletion,
			Rule:    "deletion-deny",
			Detail:  fmt.Sprintf("net deletion of %d lines exceeds the hard limit of %d", r.NetDeletion, g.cfg.DeletionDenyThresholdLines),
		}
	}

	// The approval threshold is inclusive: deleting exactly the threshold
	// does not pass silently.
	if !in.ApprovedDeletion && r.NetDeletion >= g.cfg.DeletionApprovalThresholdLines {
		return Decision{
			Verdict:  VerdictRequireApproval,
			Reason:   ReasonLargeDeletion,
			Severity: SeverityHigh,
			Rule:     "deletion-approval",
			Detail:   fmt.Sprintf("net deletion of %d lines meets the approval threshold of %d", r.NetDeletion, g.cfg.DeletionApprovalThresholdLines),
		}
	}

	if !in.ApprovedDrift && len(r.Drift) > 0 {
		targets := make([]string, 0, len(r.Drift))
		for _, f := range r.Drift {
			targets = append(targets, f.Path)
		}
		sort.Strings(targets)
		return Decision{
			Verdict:  VerdictRequireApproval,
			Reason:   ReasonStructuralDrift,
			Severity: SeverityMedium,
			Rule:     "drift",
			Detail:   fmt.Sprintf("structural similarity below %.2f in: %s", g.cfg.StructuralSimilarityMin, strings.Join(targets, ", ")),
			Targets:  targets,
		}
	}

	return Decision{Verdict: VerdictAllow, Rule: "allow"}
}

func protectedWithoutToken(r *patch.Review, granted map[string]bool) []string {
	var out []string
	for _, t := range r.Targets {
		if t.Classification == workspace.Protected && !granted[t.Path] {
			out = append(out, t.Path)
		}
	}
	sort.Strings(out)
	return out
}

func outOfScopeWithoutToken(r *patch.Review, granted map[string]bool) []string {
	var out []string
	for _, t := range r.Targets {
		if t.Classification == workspace.OutOfScope && !granted[t.Path] {
			out = append(out, t.Path)
		}
	}
	sort.Strings(out)
	return out
}

// Record writes the decision to the phase's audit trail and the
// governance log.
func Record(audit *logging.AuditLogger, phaseID string, d Decision) {
	target := ""
	if len(d.Targets) > 0 {
		target = strings.Join(d.Targets, ",")
	}
	switch d.Verdict {
	case VerdictDeny:
		logging.GovernanceWarn("deny (%s) for %s: %s", d.Rule, phaseID, d.Detail)
		if audit != nil {
			audit.GovernanceDecision(logging.AuditGovernanceDeny, phaseID, d.Rule, target)
		}
	case VerdictRequireApproval:
		logging.Governance("approval required (%s) for %s: %s", d.Rule, phaseID, d.Detail)
		if audit != nil {
			audit.GovernanceDecision(logging.AuditGovernanceApproval, phaseID, d.Rule, target)
		}
	default:
		logging.GovernanceDebug("allow for %s", phaseID)
		if audit != nil {
			audit.GovernanceDecision(logging.AuditGovernanceAllow, phaseID, d.Rule, target)
		}
	}
}
