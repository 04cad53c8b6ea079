package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"autopack/internal/config"
	"autopack/internal/logging"
)

// auditPatchMaxLen bounds the patch text shown to the Auditor.
const auditPatchMaxLen = 8000

// LLMAuditor implements Auditor on the cheap audit model.
type LLMAuditor struct {
	gen     Generator
	cfg     *config.Config
	profile config.AgentProfile
}

// NewAuditor creates the production Auditor. Audits are cheap calls and get
// a short wall-clock limit.
func NewAuditor(gen Generator, cfg *config.Config) *LLMAuditor {
	return &LLMAuditor{
		gen:     gen,
		cfg:     cfg,
		profile: config.ApplyAgentDefaults(config.AgentProfile{MaxExecutionTimeSec: 120}),
	}
}

// Audit reviews an applied change set and returns the model's risk read.
func (a *LLMAuditor) Audit(ctx context.Context, req *AuditRequest) (*AuditReport, error) {
	model := a.cfg.Models.Auditor
	logging.LLMDebug("auditor: phase=%s model=%s touched=%d", req.Phase.ID, model, req.Report.FilesTouched())

	ctx, cancel := callContext(ctx, a.profile)
	defer cancel()

	res, err := a.gen.Generate(ctx, model, auditorSystem, a.userPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("auditor: %w", err)
	}

	var report AuditReport
	if err := json.Unmarshal([]byte(cleanResponse(res.Text)), &report); err != nil {
		return nil, fmt.Errorf("auditor: parse response: %w", err)
	}
	switch report.Risk {
	case "low", "medium", "high":
	default:
		return nil, fmt.Errorf("auditor: unknown risk %q", report.Risk)
	}
	report.Model = model
	report.Usage = res.Usage
	return &report, nil
}

func (a *LLMAuditor) userPrompt(req *AuditRequest) string {
	var sb strings.Builder

	sb.WriteString("PHASE GOAL:\n")
	sb.WriteString(req.Phase.Goal)
	sb.WriteString("\n\n")

	r := req.Report
	sb.WriteString("APPLIED CHANGE SUMMARY:\n")
	fmt.Fprintf(&sb, "- created: %v\n", r.Created)
	fmt.Fprintf(&sb, "- modified: %v\n", r.Modified)
	fmt.Fprintf(&sb, "- deleted: %v\n", r.Deleted)
	for _, rn := range r.Renamed {
		fmt.Fprintf(&sb, "- renamed: %s -> %s\n", rn.From, rn.To)
	}
	fmt.Fprintf(&sb, "- lines: +%d / -%d (net deletion %d)\n", r.LinesAdded, r.LinesDeleted, r.NetDeletion)
	if len(r.SymbolsAffected) > 0 {
		fmt.Fprintf(&sb, "- symbols affected: %v\n", r.SymbolsAffected)
	}
	sb.WriteString("\n")

	sb.WriteString("PATCH TEXT:\n")
	sb.WriteString(truncate(req.PatchText, auditPatchMaxLen))
	sb.WriteString("\n\nReport the risk as JSON now.\n")
	return sb.String()
}
