package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"autopack/cmd/autopack/ui"
	"autopack/internal/orchestrator"
	"autopack/internal/plan"
	"autopack/internal/run"
	"autopack/internal/store"
)

// runCmd is the parent command for run operations
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit, inspect and control runs",
}

// runSubmitCmd validates a plan and queues it
var runSubmitCmd = &cobra.Command{
	Use:   "submit <plan-file>",
	Short: "Validate a plan and queue it as a run",
	Long: `Loads a YAML or JSON plan, validates it against workspace governance,
and stores it as a queued run.

Without --wait the command returns once the run is stored; a daemon
(autopack serve) picks it up. With --wait the run executes in the
foreground and the exit code mirrors the outcome. Ctrl-C parks a
foreground run so a later daemon resumes it; use 'run abort' to kill it.

Examples:
  autopack run submit plan.yaml
  autopack run submit plan.yaml --workspace ~/src/api --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

// runStatusCmd shows one run
var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run and its phases",
	Long: `Prints the run record and per-phase progress. The exit code mirrors
a terminal state (3 aborted, 4 failed) so scripts can branch on it.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

// runListCmd lists all runs
var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

// runAbortCmd aborts a run
var runAbortCmd = &cobra.Command{
	Use:   "abort <run-id>",
	Short: "Abort a queued or executing run",
	Long: `Asks a live daemon to abort first, so an executing run unwinds its
phase and cancels pending approvals. Without a daemon the stored state
flips directly, which is enough for queued runs.`,
	Args: cobra.ExactArgs(1),
	RunE: runAbort,
}

// runWatchCmd follows a run live
var runWatchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Follow a run live in the terminal",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	runSubmitCmd.Flags().Bool("wait", false, "Execute in the foreground and wait for the outcome")
	runStatusCmd.Flags().Bool("json", false, "Emit the run and phases as JSON")

	runCmd.AddCommand(
		runSubmitCmd,
		runStatusCmd,
		runListCmd,
		runAbortCmd,
		runWatchCmd,
	)
	rootCmd.AddCommand(runCmd)
}

// runSubmit loads, validates and stores a plan; with --wait it executes
// the run in the foreground.
func runSubmit(cmd *cobra.Command, args []string) error {
	p, err := plan.LoadFile(args[0])
	if err != nil {
		return exitf(exitBadPlan, "%v", err)
	}
	if workspaceFlag != "" {
		p.Workspace = workspaceFlag
	}
	if p.Workspace == "" {
		return exitf(exitBadPlan, "plan names no workspace; set workspace: in the plan or pass --workspace")
	}
	ws, err := filepath.Abs(p.Workspace)
	if err != nil {
		return exitf(exitBadPlan, "resolving workspace: %v", err)
	}
	p.Workspace = ws
	if info, err := os.Stat(ws); err != nil || !info.IsDir() {
		return exitf(exitBadPlan, "workspace %s is not a directory", ws)
	}

	cfg, err := loadConfigFor(ws)
	if err != nil {
		return err
	}
	bootLogging(ws)

	val, err := plan.NewValidator(cfg.GetProtectedPaths())
	if err != nil {
		return exitf(exitInfra, "building plan validator: %v", err)
	}
	if err := val.Validate(p); err != nil {
		var verr *plan.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stderr, "Plan %q rejected with %d issue(s):\n", p.Name, len(verr.Issues))
			for _, issue := range verr.Issues {
				fmt.Fprintf(os.Stderr, "  - %s\n", issue)
			}
			return exitSilent(exitBadPlan)
		}
		return exitf(exitBadPlan, "validating plan: %v", err)
	}

	st, err := openStore(cfg, ws)
	if err != nil {
		return err
	}
	defer st.Close()

	wait, _ := cmd.Flags().GetBool("wait")
	if !wait {
		// Submit touches only config and store; the heavy stack stays down.
		r, err := orchestrator.New(orchestrator.Deps{Config: cfg, Store: st}).Submit(p)
		if err != nil {
			return exitf(exitInfra, "storing run: %v", err)
		}
		fmt.Printf("Run %s queued (%d phases).\n", r.ID, len(p.Phases))
		fmt.Println("Execution starts when a daemon picks it up: autopack serve")
		return nil
	}

	eng, err := newEngine(cfg, ws, st)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	eng.start(ctx)
	defer eng.stop()

	r, err := eng.orch.Submit(p)
	if err != nil {
		return exitf(exitInfra, "storing run: %v", err)
	}
	fmt.Printf("Run %s executing (%d phases). Ctrl-C parks it for later resume.\n", r.ID, len(p.Phases))

	state, execErr := eng.orch.Execute(ctx, r.ID)
	stop()
	return reportOutcome(st, r.ID, state, execErr)
}

// reportOutcome prints a run's terminal summary and maps the state onto
// the process exit code. An error alongside FAILED means infrastructure
// gave out, not that the plan honestly did not work.
func reportOutcome(st *store.Store, runID string, state run.RunState, execErr error) error {
	switch state {
	case run.RunComplete:
		fmt.Printf("Run %s complete.\n", runID)
		return nil
	case run.RunPaused:
		fmt.Printf("Run %s parked. It resumes when a daemon starts: autopack serve\n", runID)
		return nil
	case run.RunAborted:
		fmt.Printf("Run %s aborted.\n", runID)
		return exitSilent(exitAborted)
	case run.RunFailed:
		if execErr != nil {
			return exitf(exitInfra, "run %s failed: %v", runID, execErr)
		}
		if r, err := st.GetRun(runID); err == nil && r.FailReason != "" {
			fmt.Printf("Run %s failed at phase %s: %s\n", runID, r.FailPhase, r.FailReason)
		} else {
			fmt.Printf("Run %s failed.\n", runID)
		}
		return exitSilent(exitFailed)
	default:
		return exitf(exitInfra, "run %s did not finish: %v", runID, execErr)
	}
}

// stateExit maps an observed run state onto the exit code; live states
// exit clean.
func stateExit(s run.RunState) error {
	switch s {
	case run.RunAborted:
		return exitSilent(exitAborted)
	case run.RunFailed:
		return exitSilent(exitFailed)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	r, err := st.GetRun(args[0])
	if errors.Is(err, store.ErrNotFound) {
		return exitf(exitUsage, "unknown run %s", args[0])
	}
	if err != nil {
		return exitf(exitInfra, "loading run: %v", err)
	}
	phases, err := st.ListPhases(r.ID)
	if err != nil {
		return exitf(exitInfra, "loading phases: %v", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		out := struct {
			Run    *run.Run     `json:"run"`
			Phases []*run.Phase `json:"phases"`
		}{r, phases}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return exitf(exitInfra, "encoding: %v", err)
		}
		return stateExit(r.State)
	}

	printRun(r, phases)
	return stateExit(r.State)
}

func printRun(r *run.Run, phases []*run.Phase) {
	fmt.Printf("Run %s  %s  [%s]\n", r.ID, r.Plan.Name, r.State)
	fmt.Printf("  Workspace: %s\n", r.Plan.Workspace)
	fmt.Printf("  Created:   %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if !r.StartedAt.IsZero() {
		fmt.Printf("  Started:   %s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if !r.FinishedAt.IsZero() {
		fmt.Printf("  Finished:  %s\n", r.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("  Tokens: %d   Doctor calls: %d   Replans: %d\n",
		r.Counters.TokensUsed, r.Counters.DoctorCalls, r.Counters.Replans)
	if r.State == run.RunFailed && r.FailReason != "" {
		fmt.Printf("  ✗ Failed at %s: %s\n", r.FailPhase, r.FailReason)
	}

	fmt.Println("\nPhases:")
	for _, p := range phases {
		line := fmt.Sprintf("  %s %-24s %-18s", phaseIcon(p.State), p.Spec.ID, p.State)
		if p.RetryAttempt > 0 {
			line += fmt.Sprintf("  attempts %d", p.RetryAttempt)
		}
		if p.EscalationLevel > 0 {
			line += fmt.Sprintf("  tier %d", p.EscalationLevel)
		}
		fmt.Println(line)
		if p.Result != nil && p.Result.Reason != "" {
			fmt.Printf("      reason: %s\n", p.Result.Reason)
		}
	}
}

func phaseIcon(s run.PhaseState) string {
	switch s {
	case run.PhaseComplete:
		return "✓"
	case run.PhaseRunning:
		return "▶"
	case run.PhaseFailed:
		return "✗"
	case run.PhaseBlocked:
		return "⚠"
	case run.PhaseAwaitingApproval:
		return "⏳"
	default:
		return "○"
	}
}

func runList(cmd *cobra.Command, args []string) error {
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

	runs, err := st.ListRuns()
	if err != nil {
		return exitf(exitInfra, "listing runs: %v", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs. Submit one: autopack run submit <plan.yaml>")
		return nil
	}

	fmt.Printf("%-14s %-24s %-9s %-9s %s\n", "RUN", "PLAN", "STATE", "PHASES", "CREATED")
	for _, r := range runs {
		phases, err := st.ListPhases(r.ID)
		if err != nil {
			return exitf(exitInfra, "loading phases for %s: %v", r.ID, err)
		}
		done := 0
		for _, p := range phases {
			if p.State == run.PhaseComplete {
				done++
			}
		}
		fmt.Printf("%-14s %-24s %-9s %3d/%-5d %s\n",
			r.ID, truncate(r.Plan.Name, 24), r.State, done, len(phases),
			r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func runAbort(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return exitf(exitInfra, "resolving workspace: %v", err)
	}
	cfg, err := loadConfigFor(ws)
	if err != nil {
		return err
	}
	runID := args[0]

	if cfg.API.Addr != "" {
		if handled, err := abortViaAPI(cfg.API.Addr, runID); handled {
			return err
		}
	}

	st, err := openStore(cfg, ws)
	if err != nil {
		return err
	}
	defer st.Close()

	err = orchestrator.New(orchestrator.Deps{Config: cfg, Store: st}).Abort(runID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return exitf(exitUsage, "unknown run %s", runID)
	case errors.Is(err, store.ErrStaleTransition):
		return exitf(exitUsage, "run %s already finished", runID)
	case err != nil:
		return exitf(exitInfra, "aborting run: %v", err)
	}
	fmt.Printf("Run %s aborted.\n", runID)
	return nil
}

// abortViaAPI asks a live daemon to abort, so an executing run unwinds its
// phase instead of just flipping stored state. handled=false means no
// daemon answered and the caller falls back to the store.
func abortViaAPI(addr, runID string) (bool, error) {
	url := fmt.Sprintf("http://%s/api/v1/runs/%s/abort", addr, runID)
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Printf("Run %s aborting (daemon acknowledged).\n", runID)
		return true, nil
	case http.StatusNotFound:
		return true, exitf(exitUsage, "unknown run %s", runID)
	case http.StatusConflict:
		return true, exitf(exitUsage, "run %s already finished", runID)
	default:
		var e struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return true, exitf(exitInfra, "daemon refused abort: %s", e.Detail)
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
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

	if _, err := st.GetRun(args[0]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return exitf(exitUsage, "unknown run %s", args[0])
		}
		return exitf(exitInfra, "loading run: %v", err)
	}

	// No alt screen: the final frame stays in the scrollback as the record
	// of how the run ended.
	final, err := tea.NewProgram(ui.NewWatch(st, args[0])).Run()
	if err != nil {
		return exitf(exitInfra, "watch ui: %v", err)
	}
	if m, ok := final.(ui.WatchModel); ok {
		return stateExit(m.FinalState())
	}
	return nil
}
