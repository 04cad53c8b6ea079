package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"autopack/internal/config"
	"autopack/internal/logging"
)

// LLMReplanner implements Replanner on the planner model.
type LLMReplanner struct {
	gen     Generator
	cfg     *config.Config
	profile config.AgentProfile
}

// NewReplanner creates the production Replanner.
func NewReplanner(gen Generator, cfg *config.Config) *LLMReplanner {
	return &LLMReplanner{
		gen:     gen,
		cfg:     cfg,
		profile: config.ApplyAgentDefaults(config.AgentProfile{}),
	}
}

// Revise proposes a rewritten phase goal anchored to the original intent.
// Acceptance of the proposal belongs to the replan package's post-check.
func (r *LLMReplanner) Revise(ctx context.Context, req *ReviseRequest) (*Revision, error) {
	model := r.cfg.Models.Planner
	logging.Replan("revising phase %s (trigger: %s, %d failures on record)",
		req.Phase.ID(), req.Trigger, len(req.Phase.ErrorHistory))

	ctx, cancel := callContext(ctx, r.profile)
	defer cancel()

	res, err := r.gen.Generate(ctx, model, replannerSystem, r.userPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("replanner: %w", err)
	}

	var rev Revision
	if err := json.Unmarshal([]byte(cleanResponse(res.Text)), &rev); err != nil {
		return nil, fmt.Errorf("replanner: parse response: %w", err)
	}
	if strings.TrimSpace(rev.Goal) == "" {
		return nil, fmt.Errorf("replanner: revision has no goal")
	}
	rev.Model = model
	rev.Usage = res.Usage
	return &rev, nil
}

func (r *LLMReplanner) userPrompt(req *ReviseRequest) string {
	phase := req.Phase
	var sb strings.Builder

	// The immutable goal anchor, verbatim.
	sb.WriteString("ORIGINAL INTENT (immutable):\n")
	sb.WriteString(phase.OriginalIntent)
	sb.WriteString("\n\n")

	sb.WriteString("CURRENT GOAL (the failing phrasing):\n")
	sb.WriteString(phase.Spec.Goal)
	sb.WriteString("\n\n")

	if len(phase.Spec.AcceptanceCriteria) > 0 {
		sb.WriteString("CURRENT ACCEPTANCE CRITERIA:\n")
		for _, c := range phase.Spec.AcceptanceCriteria {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("ORIGINAL DELIVERABLES (all must survive):\n")
	for _, d := range phase.Spec.Deliverables {
		fmt.Fprintf(&sb, "- %s\n", d)
	}
	sb.WriteString("\n")

	sb.WriteString("SCOPE PATHS (unchangeable):\n")
	for _, p := range phase.Spec.ScopePaths {
		fmt.Fprintf(&sb, "- %s\n", p)
	}
	sb.WriteString("\n")

	fmt.Fprintf(&sb, "RE-PLAN TRIGGER: %s\n\n", req.Trigger)

	sb.WriteString("FAILURE HISTORY (oldest first, normalized):\n")
	for _, rec := range phase.ErrorHistory {
		fmt.Fprintf(&sb, "- [%s] %s\n", rec.Category, rec.Message)
	}
	sb.WriteString("\n")

	if len(req.Rules) > 0 {
		sb.WriteString("LEARNED RULES MATCHING THIS PHASE:\n")
		for _, rule := range req.Rules {
			fmt.Fprintf(&sb, "- [%.1f] %s\n", rule.Confidence, rule.Body)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Propose the revised phase as JSON now.\n")
	return sb.String()
}
