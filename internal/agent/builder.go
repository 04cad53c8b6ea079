package agent

import (
	"context"
	"fmt"
	"strings"

	"autopack/internal/config"
	"autopack/internal/logging"
	"autopack/internal/patch"
)

// LLMBuilder implements Builder against the provider registry.
type LLMBuilder struct {
	gen     Generator
	cfg     *config.Config
	profile config.AgentProfile
}

// NewBuilder creates the production Builder.
func NewBuilder(gen Generator, cfg *config.Config) *LLMBuilder {
	return &LLMBuilder{
		gen:     gen,
		cfg:     cfg,
		profile: config.ApplyAgentDefaults(config.AgentProfile{}),
	}
}

// Build asks the tier's model for a patch. Wide phases are told to emit
// structured edits; everything else gets a unified diff. The returned text
// is fence-stripped but unparsed; the patch engine owns validation.
func (b *LLMBuilder) Build(ctx context.Context, req *BuildRequest) (*BuildResult, error) {
	model := b.cfg.Models.BuilderModelForTier(req.Tier)
	format := patch.FormatUnifiedDiff
	if req.ScopeFileCount >= b.cfg.Governance.LargeScopeStructuredEditThresholdFiles {
		format = patch.FormatStructuredEdits
	}

	logging.LLMDebug("builder: phase=%s attempt=%d tier=%d model=%s format=%s files=%d",
		req.Phase.ID(), req.Phase.RetryAttempt, req.Tier, model, format, len(req.Files))

	ctx, cancel := callContext(ctx, b.profile)
	defer cancel()

	res, err := b.gen.Generate(ctx, model, builderSystem, b.userPrompt(req, format))
	if err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}

	text := cleanResponse(res.Text)
	if text == "" {
		return nil, fmt.Errorf("builder: model returned no patch")
	}
	return &BuildResult{
		PatchText: text,
		Format:    format,
		Model:     model,
		Usage:     res.Usage,
	}, nil
}

func (b *LLMBuilder) userPrompt(req *BuildRequest, format patch.Format) string {
	spec := req.Phase.Spec
	var sb strings.Builder

	fmt.Fprintf(&sb, "FORMAT: %s\n\n", format)

	sb.WriteString("GOAL:\n")
	sb.WriteString(spec.Goal)
	sb.WriteString("\n\n")

	if len(spec.AcceptanceCriteria) > 0 {
		sb.WriteString("ACCEPTANCE CRITERIA:\n")
		for _, c := range spec.AcceptanceCriteria {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("SCOPE PATHS (you may modify only these):\n")
	for _, p := range spec.ScopePaths {
		fmt.Fprintf(&sb, "- %s\n", p)
	}
	sb.WriteString("\n")

	if len(spec.ProtectedPaths) > 0 {
		sb.WriteString("PROTECTED PATHS (never touch):\n")
		for _, p := range spec.ProtectedPaths {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
		sb.WriteString("\n")
	}

	if len(spec.Deliverables) > 0 {
		sb.WriteString("DELIVERABLES (must exist after your patch):\n")
		for _, d := range spec.Deliverables {
			fmt.Fprintf(&sb, "- %s\n", d)
		}
		sb.WriteString("\n")
	}

	if len(req.Rules) > 0 {
		sb.WriteString("LEARNED RULES (from prior runs in this workspace):\n")
		for _, r := range req.Rules {
			fmt.Fprintf(&sb, "- [%.1f] %s\n", r.Confidence, r.Body)
		}
		sb.WriteString("\n")
	}

	if len(req.RunHints) > 0 {
		sb.WriteString("HINTS FROM THIS RUN:\n")
		for _, h := range req.RunHints {
			fmt.Fprintf(&sb, "- %s\n", h.Body)
		}
		sb.WriteString("\n")
	}

	if len(req.Phase.Hints) > 0 {
		sb.WriteString("CORRECTIVE GUIDANCE (address these first):\n")
		for _, h := range req.Phase.Hints {
			fmt.Fprintf(&sb, "- [%s] %s\n", h.Source, h.Body)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("WORKSPACE FILES:\n")
	if len(req.Files) == 0 {
		sb.WriteString("(none in scope yet; create the deliverables)\n")
	}
	for _, f := range req.Files {
		fmt.Fprintf(&sb, "\n--- FILE: %s ---\n%s\n--- END FILE ---\n", f.Path, f.Content)
	}

	fmt.Fprintf(&sb, "\nEmit the %s patch now.\n", format)
	return sb.String()
}
