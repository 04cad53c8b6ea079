package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"autopack/internal/run"
	"autopack/internal/store"
)

// approveCmd resolves a pending approval request
var approveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Answer a pending approval request",
	Long: `Writes a decision file into the workspace's approval inbox
(.autopack/approvals/inbox by default). A running daemon or foreground
run picks it up within moments; if nothing is running, the next daemon
start sweeps it. Decisions are idempotent: the first answer wins.

Examples:
  autopack approve apr-1a2b3c4d --decision approve
  autopack approve apr-1a2b3c4d --decision reject --actor alice --comment "deletes the fixtures"`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func init() {
	approveCmd.Flags().String("decision", "", "approve or reject (required)")
	approveCmd.Flags().String("actor", "", "Who is deciding (default: current user)")
	approveCmd.Flags().String("comment", "", "Free-text context kept with the resolution")
	_ = approveCmd.MarkFlagRequired("decision")
	rootCmd.AddCommand(approveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	requestID := args[0]
	decisionFlag, _ := cmd.Flags().GetString("decision")
	actor, _ := cmd.Flags().GetString("actor")
	comment, _ := cmd.Flags().GetString("comment")

	decision := run.ApprovalDecision(decisionFlag)
	if decision != run.DecisionApprove && decision != run.DecisionReject {
		return exitf(exitUsage, "--decision must be approve or reject, got %q", decisionFlag)
	}
	if actor == "" {
		actor = currentUser()
	}

	ws, err := resolveWorkspace()
	if err != nil {
		return exitf(exitInfra, "resolving workspace: %v", err)
	}
	cfg, err := loadConfigFor(ws)
	if err != nil {
		return err
	}

	// Best-effort sanity check against the store: catch typoed ids and
	// already-settled requests before writing a file nobody will honor.
	if st, err := openStore(cfg, ws); err == nil {
		req, err := st.GetApproval(requestID)
		st.Close()
		switch {
		case errors.Is(err, store.ErrNotFound):
			return exitf(exitUsage, "unknown approval request %s", requestID)
		case err == nil && req.Resolved():
			fmt.Printf("Request %s already %s by %s; nothing to do.\n", requestID, req.Status, req.Actor)
			return nil
		case err == nil:
			fmt.Printf("Request %s (%s): %s\n", req.ID, req.Kind, req.Payload.Summary)
		}
	}

	resp := run.ApprovalResponse{
		RequestID: requestID,
		Decision:  decision,
		Actor:     actor,
		At:        time.Now().UTC(),
		Comment:   comment,
	}
	path, err := writeDecisionFile(absJoin(ws, cfg.Approvals.InboxDir), resp)
	if err != nil {
		return exitf(exitInfra, "writing decision: %v", err)
	}

	fmt.Printf("Decision %s by %s recorded: %s\n", decision, actor, path)
	return nil
}

// writeDecisionFile drops an ApprovalResponse into the inbox via a rename,
// so the watcher never reads a half-written file.
func writeDecisionFile(dir string, resp run.ApprovalResponse) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%d.json", resp.RequestID, resp.At.UnixNano())
	tmp := filepath.Join(dir, name+".tmp")
	final := filepath.Join(dir, name)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return final, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "operator"
}
