package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"autopack/internal/config"
	"autopack/internal/learning"
	"autopack/internal/store"
)

// learningCmd manages the cross-run learning store
var learningCmd = &cobra.Command{
	Use:   "learning",
	Short: "Inspect and curate learned rules",
}

var learningRulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List learned rules by confidence",
	Args:  cobra.NoArgs,
	RunE:  runLearningRules,
}

var learningCandidatesCmd = &cobra.Command{
	Use:   "candidates <run-id>",
	Short: "List a run's hints eligible for promotion to learned rules",
	Long: `A hint recorded unchanged across enough successful attempts becomes a
promotion candidate. Promotion is never automatic; review the list and
promote what deserves to outlive the run.`,
	Args: cobra.ExactArgs(1),
	RunE: runLearningCandidates,
}

var learningPromoteCmd = &cobra.Command{
	Use:   "promote <hint-id>",
	Short: "Promote a run hint into a durable learned rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runLearningPromote,
}

var learningForgetCmd = &cobra.Command{
	Use:   "forget <rule-id>",
	Short: "Delete a learned rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runLearningForget,
}

func init() {
	learningPromoteCmd.Flags().String("scope", "", "Rule scope: a path, glob, or category:<tag> (default: the hint's category)")
	learningCmd.AddCommand(learningRulesCmd, learningCandidatesCmd, learningPromoteCmd, learningForgetCmd)
	rootCmd.AddCommand(learningCmd)
}

// openLearning opens the workspace's learning store. The caller closes.
func openLearning() (*learning.Store, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return nil, exitf(exitInfra, "resolving workspace: %v", err)
	}
	cfg, err := loadConfigFor(ws)
	if err != nil {
		return nil, err
	}
	ls, err := learning.Open(absJoin(ws, cfg.Workspace.LearningDatabasePath))
	if err != nil {
		return nil, exitf(exitInfra, "opening learning store: %v", err)
	}
	return ls, nil
}

// loadConfigOnly loads config for commands that need no store.
func loadConfigOnly() (*config.Config, string, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return nil, "", exitf(exitInfra, "resolving workspace: %v", err)
	}
	cfg, err := loadConfigFor(ws)
	return cfg, ws, err
}

func runLearningRules(cmd *cobra.Command, args []string) error {
	ls, err := openLearning()
	if err != nil {
		return err
	}
	defer ls.Close()

	rules, err := ls.ListRules(100)
	if err != nil {
		return exitf(exitInfra, "listing rules: %v", err)
	}
	if len(rules) == 0 {
		fmt.Println("No learned rules yet.")
		return nil
	}
	fmt.Printf("%-6s %-24s %-6s %-5s %s\n", "ID", "SCOPE", "CONF", "SEEN", "RULE")
	for _, r := range rules {
		fmt.Printf("%-6d %-24s %.2f   %-5d %s\n",
			r.ID, truncate(r.Scope, 24), r.Confidence, r.Occurrences, truncate(r.Body, 60))
	}
	return nil
}

func runLearningCandidates(cmd *cobra.Command, args []string) error {
	// Resolve the run first so a typoed id reads as such, not as "no
	// candidates".
	cfg, ws, err := loadConfigOnly()
	if err != nil {
		return err
	}
	st, err := openStore(cfg, ws)
	if err != nil {
		return err
	}
	_, runErr := st.GetRun(args[0])
	st.Close()
	if errors.Is(runErr, store.ErrNotFound) {
		return exitf(exitUsage, "unknown run %s", args[0])
	}

	ls, err := openLearning()
	if err != nil {
		return err
	}
	defer ls.Close()

	hints, err := ls.PromotionCandidates(args[0])
	if err != nil {
		return exitf(exitInfra, "listing candidates: %v", err)
	}
	if len(hints) == 0 {
		fmt.Printf("No promotion candidates for run %s (a hint needs %d confirming attempts).\n",
			args[0], learning.PromotionMinAttempts)
		return nil
	}
	fmt.Printf("%-6s %-16s %-16s %-5s %s\n", "ID", "PHASE", "CATEGORY", "SEEN", "HINT")
	for _, h := range hints {
		fmt.Printf("%-6d %-16s %-16s %-5d %s\n",
			h.ID, truncate(h.PhaseID, 16), truncate(h.Category, 16), h.AttemptsSeen, truncate(h.Body, 56))
	}
	fmt.Println("\nPromote one: autopack learning promote <id> [--scope <path-glob|category:tag>]")
	return nil
}

func runLearningPromote(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return exitf(exitUsage, "hint id must be numeric, got %q", args[0])
	}
	scope, _ := cmd.Flags().GetString("scope")

	ls, err := openLearning()
	if err != nil {
		return err
	}
	defer ls.Close()

	if err := ls.PromoteHint(id, scope); err != nil {
		return exitf(exitInfra, "promoting hint %d: %v", id, err)
	}
	fmt.Printf("Hint %d promoted to a learned rule.\n", id)
	return nil
}

func runLearningForget(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return exitf(exitUsage, "rule id must be numeric, got %q", args[0])
	}

	ls, err := openLearning()
	if err != nil {
		return err
	}
	defer ls.Close()

	if err := ls.DeleteRule(id); err != nil {
		return exitf(exitInfra, "deleting rule %d: %v", id, err)
	}
	fmt.Printf("Rule %d deleted.\n", id)
	return nil
}
