package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"autopack/internal/run"
)

// approvalsCmd lists approval requests
var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List approval requests",
	Long: `Lists approval requests, pending ones by default. Answer a pending
request with: autopack approve <request-id> --decision approve|reject`,
	Args: cobra.NoArgs,
	RunE: runApprovals,
}

func init() {
	approvalsCmd.Flags().String("status", "pending", "pending, approved, rejected, timed-out or errored")
	rootCmd.AddCommand(approvalsCmd)
}

func runApprovals(cmd *cobra.Command, args []string) error {
	statusFlag, _ := cmd.Flags().GetString("status")
	status := run.ApprovalStatus(statusFlag)
	switch status {
	case run.ApprovalPending, run.ApprovalApproved, run.ApprovalRejected, run.ApprovalTimedOut, run.ApprovalErrored:
	default:
		return exitf(exitUsage, "unknown status %q", statusFlag)
	}

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

	reqs, err := st.ApprovalsByStatus(status)
	if err != nil {
		return exitf(exitInfra, "listing approvals: %v", err)
	}
	if len(reqs) == 0 {
		fmt.Printf("No %s approval requests.\n", status)
		return nil
	}

	fmt.Printf("%-14s %-14s %-16s %-20s %-14s %s\n", "REQUEST", "RUN", "PHASE", "KIND", "RESOLVES", "SUMMARY")
	for _, r := range reqs {
		resolves := "-"
		if r.Status == run.ApprovalPending {
			resolves = fmt.Sprintf("%s→%s", time.Until(r.TimeoutAt).Round(time.Second), r.DefaultOnTimeout)
		} else if r.Actor != "" {
			resolves = "by " + r.Actor
		}
		fmt.Printf("%-14s %-14s %-16s %-20s %-14s %s\n",
			r.ID, r.RunID, truncate(r.PhaseID, 16), r.Kind, resolves, truncate(r.Payload.Summary, 48))
	}
	return nil
}
