package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"autopack/cmd/autopack/ui"
	"autopack/internal/run"
	"autopack/internal/store"
)

// phaseCmd inspects one phase of a run
var phaseCmd = &cobra.Command{
	Use:   "phase <run-id> <phase-id>",
	Short: "Inspect a phase's error history and decision trail",
	Long: `Shows everything recorded about one phase: the goal (and the original
intent if a re-plan revised it), attempts and escalation, the normalized
error history, accumulated hints, and the audit trail of save points,
rollbacks, governance decisions, approvals, doctor consultations and
re-plans.`,
	Args: cobra.ExactArgs(2),
	RunE: runPhase,
}

func init() {
	phaseCmd.Flags().Bool("json", false, "Emit the phase and audit trail as JSON")
	phaseCmd.Flags().Bool("plain", false, "Skip terminal markdown rendering")
	rootCmd.AddCommand(phaseCmd)
}

func runPhase(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return exitf(exitInfra, "resolving workspace: %v", err)
	}
	cfg, err := loadConfigFor(ws)
	if err != nil {
		return err
	}
	st, err := openStore(cfg, ws)
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := st.GetPhase(args[0], args[1])
	if errors.Is(err, store.ErrNotFound) {
		return exitf(exitUsage, "unknown phase %s in run %s", args[1], args[0])
	}
	if err != nil {
		return exitf(exitInfra, "loading phase: %v", err)
	}
	trail, err := st.AuditTrail(args[0], args[1])
	if err != nil {
		return exitf(exitInfra, "loading audit trail: %v", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		out := struct {
			Phase *run.Phase       `json:"phase"`
			Audit []run.AuditEvent `json:"audit"`
		}{p, trail}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return exitf(exitInfra, "encoding: %v", err)
		}
		return nil
	}

	doc := phaseReport(p, trail)
	if plain, _ := cmd.Flags().GetBool("plain"); plain {
		fmt.Print(doc)
		return nil
	}
	fmt.Print(ui.NewRenderer(100).Render(doc))
	return nil
}

// phaseReport assembles the phase record as markdown.
func phaseReport(p *run.Phase, trail []run.AuditEvent) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "## Phase %s — %s\n\n", p.ID(), p.State)
	fmt.Fprintf(&sb, "**Goal**: %s\n\n", p.Spec.Goal)
	if p.OriginalIntent != p.Spec.Goal {
		fmt.Fprintf(&sb, "**Original intent** (goal before re-plan): %s\n\n", p.OriginalIntent)
	}
	fmt.Fprintf(&sb, "**Attempts**: %d  **Escalation tier**: %d  **Doctor calls**: %d  **Re-plans**: %d\n\n",
		p.RetryAttempt, p.EscalationLevel, p.DoctorCalls, p.Replans)

	if len(p.Spec.Deliverables) > 0 {
		sb.WriteString("**Deliverables**:\n\n")
		for _, d := range p.Spec.Deliverables {
			fmt.Fprintf(&sb, "- `%s`\n", d)
		}
		sb.WriteString("\n")
	}

	if p.Result != nil {
		fmt.Fprintf(&sb, "**Last verdict**: %s", p.Result.Verdict)
		if p.Result.Reason != "" {
			fmt.Fprintf(&sb, " (%s)", p.Result.Reason)
		}
		sb.WriteString("\n\n")
		for _, d := range p.Result.Details {
			fmt.Fprintf(&sb, "- %s\n", d)
		}
		if len(p.Result.Details) > 0 {
			sb.WriteString("\n")
		}
	}

	if len(p.ErrorHistory) > 0 {
		sb.WriteString("### Error history\n\n")
		sb.WriteString("| # | Category | Normalized message | At |\n")
		sb.WriteString("|---|----------|--------------------|----|\n")
		for i, e := range p.ErrorHistory {
			fmt.Fprintf(&sb, "| %d | %s | %s | %s |\n",
				i+1, e.Category, mdCell(e.Message, 70), e.At.Local().Format("15:04:05"))
		}
		sb.WriteString("\n")
	}

	if len(p.Hints) > 0 {
		sb.WriteString("### Hints\n\n")
		for _, h := range p.Hints {
			fmt.Fprintf(&sb, "- _%s_: %s\n", h.Source, h.Body)
		}
		sb.WriteString("\n")
	}

	if len(trail) > 0 {
		sb.WriteString("### Decision trail\n\n")
		for _, ev := range trail {
			fmt.Fprintf(&sb, "- `%03d` **%s** %s", ev.Seq, ev.Kind, ev.CreatedAt.Local().Format("15:04:05"))
			if len(ev.Detail) > 0 {
				fmt.Fprintf(&sb, " — %s", mdCell(string(ev.Detail), 100))
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// mdCell flattens text into a single markdown table cell.
func mdCell(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	return truncate(s, max)
}
