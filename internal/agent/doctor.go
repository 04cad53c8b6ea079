package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"autopack/internal/config"
	"autopack/internal/logging"
)

// doctorHistoryWindow is how many recent failures the Doctor sees.
const doctorHistoryWindow = 6

// LLMDoctor implements Doctor. Model choice (cheap vs strong) follows the
// Evidence; budget and eligibility policy live in the doctor package.
type LLMDoctor struct {
	gen     Generator
	cfg     *config.Config
	profile config.AgentProfile
}

// NewDoctor creates the production Doctor.
func NewDoctor(gen Generator, cfg *config.Config) *LLMDoctor {
	return &LLMDoctor{
		gen:     gen,
		cfg:     cfg,
		profile: config.ApplyAgentDefaults(config.AgentProfile{}),
	}
}

// Diagnose asks for exactly one corrective action and validates it.
func (d *LLMDoctor) Diagnose(ctx context.Context, ev *Evidence) (*Diagnosis, error) {
	model := d.cfg.Models.DoctorCheap
	if ev.Strong {
		model = d.cfg.Models.DoctorStrong
	}
	logging.Doctor("consulting %s for phase %s (attempt %d, %d failures on record)",
		model, ev.Phase.ID(), ev.Phase.RetryAttempt, len(ev.Phase.ErrorHistory))

	ctx, cancel := callContext(ctx, d.profile)
	defer cancel()

	res, err := d.gen.Generate(ctx, model, doctorSystem, d.userPrompt(ev))
	if err != nil {
		return nil, fmt.Errorf("doctor: %w", err)
	}

	var diag Diagnosis
	if err := json.Unmarshal([]byte(cleanResponse(res.Text)), &diag); err != nil {
		return nil, fmt.Errorf("doctor: parse response: %w", err)
	}
	if err := diag.Validate(); err != nil {
		return nil, fmt.Errorf("doctor: %w", err)
	}
	diag.Model = model
	diag.Usage = res.Usage
	logging.DoctorDebug("diagnosis for %s: action=%s confidence=%.2f", ev.Phase.ID(), diag.Action, diag.Confidence)
	return &diag, nil
}

func (d *LLMDoctor) userPrompt(ev *Evidence) string {
	phase := ev.Phase
	var sb strings.Builder

	sb.WriteString("PHASE GOAL:\n")
	sb.WriteString(phase.Spec.Goal)
	sb.WriteString("\n\n")

	fmt.Fprintf(&sb, "STATE: attempt %d of %d, escalation level %d\n\n",
		phase.RetryAttempt, d.cfg.Budgets.MaxAttemptsPerPhase, phase.EscalationLevel)

	sb.WriteString("FAILURE HISTORY (oldest first, normalized):\n")
	history := phase.ErrorHistory
	if len(history) > doctorHistoryWindow {
		history = history[len(history)-doctorHistoryWindow:]
	}
	for _, rec := range history {
		fmt.Fprintf(&sb, "- [%s] %s\n", rec.Category, rec.Message)
	}
	sb.WriteString("\n")

	if len(ev.Rules) > 0 {
		sb.WriteString("LEARNED RULES MATCHING THIS PHASE:\n")
		for _, r := range ev.Rules {
			fmt.Fprintf(&sb, "- [%.1f] %s\n", r.Confidence, r.Body)
		}
		sb.WriteString("\n")
	}

	if ev.Delta != nil {
		sb.WriteString("LAST TEST DELTA:\n")
		fmt.Fprintf(&sb, "- unchanged pass %d, unchanged fail %d\n", ev.Delta.UnchangedPass, ev.Delta.UnchangedFail)
		if len(ev.Delta.NewFailures) > 0 {
			fmt.Fprintf(&sb, "- new failures: %v\n", ev.Delta.NewFailures)
		}
		if len(ev.Delta.NewCollectionErrors) > 0 {
			fmt.Fprintf(&sb, "- new collection errors: %v\n", ev.Delta.NewCollectionErrors)
		}
		if len(ev.Delta.Fixed) > 0 {
			fmt.Fprintf(&sb, "- fixed: %v\n", ev.Delta.Fixed)
		}
		sb.WriteString("\n")
	}

	if ev.LastPatch != "" {
		sb.WriteString("LAST ATTEMPT'S PATCH:\n")
		sb.WriteString(truncate(ev.LastPatch, auditPatchMaxLen))
		sb.WriteString("\n\n")
	}

	if ev.ActiveProvider != "" {
		fmt.Fprintf(&sb, "ACTIVE LLM PROVIDER: %s (name this for rollback_provider)\n\n", ev.ActiveProvider)
	}

	sb.WriteString("Choose one action and respond as JSON now.\n")
	return sb.String()
}
