// Command autopack drives plan-based agentic coding runs: submit and watch
// runs, answer approval requests, inspect phases, manage learned rules, and
// host the daemon that executes runs and serves the HTTP API.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"autopack/internal/config"
	"autopack/internal/logging"
	"autopack/internal/store"
)

// Process exit codes. Commands that observe a run's outcome mirror its
// terminal state so scripts can branch without parsing output.
const (
	exitOK      = 0
	exitUsage   = 1
	exitBadPlan = 2
	exitAborted = 3
	exitFailed  = 4
	exitInfra   = 5
)

var (
	// Global flags
	verbose       bool
	workspaceFlag string
	configFlag    string

	// Logger for the CLI/daemon layer; category file logging stays inside
	// the internal packages.
	zlog = zap.NewNop()
)

// exitError carries the process exit code a handler chose. A nil inner
// error means the handler already printed everything worth saying.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...interface{}) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func exitSilent(code int) error {
	if code == exitOK {
		return nil
	}
	return &exitError{code: code}
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "autopack",
	Short: "autopack - governed agentic coding runs",
	Long: `autopack executes multi-phase coding plans with LLM builders under
workspace governance: scoped writes, deletion thresholds, baseline-delta
test gating, and human approval for anything risky.

State lives in the workspace's .autopack directory, so every command here
operates on the same runs whether they execute in the foreground
(run submit --wait) or inside the daemon (autopack serve).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err := zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		zlog = logger
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zlog.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspaceFlag, "workspace", "w", "", "Workspace directory (default: nearest .autopack or .git root)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: <workspace>/.autopack/config.yaml)")
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	code := exitUsage
	var xe *exitError
	if errors.As(err, &xe) {
		code = xe.code
		if xe.err == nil {
			os.Exit(code)
		}
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(code)
}

// resolveWorkspace picks the workspace commands operate on: the flag if
// given, else the nearest initialized root above the working directory,
// else the working directory itself.
func resolveWorkspace() (string, error) {
	if workspaceFlag != "" {
		return filepath.Abs(workspaceFlag)
	}
	if root, err := config.FindWorkspaceRoot(); err == nil {
		return root, nil
	}
	return os.Getwd()
}

// loadConfigFor loads the workspace's config, honoring --config. A missing
// file yields defaults; a malformed one is an error.
func loadConfigFor(ws string) (*config.Config, error) {
	path := configFlag
	if path == "" {
		path = config.DefaultPath(ws)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, exitf(exitInfra, "loading config %s: %v", path, err)
	}
	return cfg, nil
}

// openStore opens the run-state database of a workspace. The caller closes.
func openStore(cfg *config.Config, ws string) (*store.Store, error) {
	st, err := store.Open(absJoin(ws, cfg.Workspace.DatabasePath))
	if err != nil {
		return nil, exitf(exitInfra, "opening run store: %v", err)
	}
	return st, nil
}

// absJoin anchors a config-relative path at the workspace root; absolute
// paths pass through.
func absJoin(ws, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(ws, p)
}

// bootLogging initializes the category file logger and the audit log for
// commands that execute runs. Failures are reported but not fatal: a run
// without debug logs is still a run.
func bootLogging(ws string) {
	if err := logging.Initialize(ws); err != nil {
		zlog.Warn("file logging unavailable", zap.Error(err))
	}
	if err := logging.InitAudit(); err != nil {
		zlog.Warn("audit logging unavailable", zap.Error(err))
	}
}
