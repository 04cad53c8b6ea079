package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"autopack/internal/plan"
)

// planCmd works with plan files without submitting them
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Validate and scaffold plan files",
}

var planValidateCmd = &cobra.Command{
	Use:   "validate <plan-file>",
	Short: "Validate a plan without submitting it",
	Long: `Runs the same validation 'run submit' applies: field checks, dependency
analysis, and scope/protected-path overlap against the workspace's
governance config. Exit code 2 on a rejected plan.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlanValidate,
}

var planExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print an annotated example plan",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(examplePlan)
		return nil
	},
}

func init() {
	planCmd.AddCommand(planValidateCmd, planExampleCmd)
	rootCmd.AddCommand(planCmd)
}

func runPlanValidate(cmd *cobra.Command, args []string) error {
	p, err := plan.LoadFile(args[0])
	if err != nil {
		return exitf(exitBadPlan, "%v", err)
	}
	if workspaceFlag != "" {
		p.Workspace = workspaceFlag
	}

	// Governance thresholds come from the target workspace when it is
	// known; a plan without one still gets the structural checks.
	ws := p.Workspace
	if ws == "" {
		ws, _ = os.Getwd()
	}
	ws, _ = filepath.Abs(ws)
	cfg, err := loadConfigFor(ws)
	if err != nil {
		return err
	}

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

	order, err := p.ExecutionOrder()
	if err != nil {
		return exitf(exitBadPlan, "%v", err)
	}
	fmt.Printf("Plan %q is valid: %d phase(s).\n", p.Name, len(p.Phases))
	fmt.Println("Execution order:")
	for i, id := range order {
		fmt.Printf("  %d. %s\n", i+1, id)
	}
	return nil
}

const examplePlan = `# autopack plan: phases execute in dependency order, one at a time.
name: add-health-endpoint
# Overall objective; phase goals refine it.
goal: Add a health-check endpoint to the API server, with tests.
# Workspace the run operates on; may also come from --workspace.
workspace: .

phases:
  - id: implement-handler
    goal: >
      Add a GET /healthz endpoint to the API server returning JSON
      {"status":"ok"} with HTTP 200.
    complexity: low
    # The phase may only modify files under these paths.
    scope_paths:
      - internal/api/
    # Paths that must exist after the phase completes.
    deliverables:
      - internal/api/health.go
    acceptance_criteria:
      - GET /healthz returns 200 with body {"status":"ok"}
      - Existing routes keep working

  - id: cover-with-tests
    goal: Add handler tests covering the healthz endpoint.
    complexity: low
    dependencies: [implement-handler]
    scope_paths:
      - internal/api/
    deliverables:
      - internal/api/health_test.go
    acceptance_criteria:
      - Tests exercise the 200 path
    # Extra per-phase protection on top of the global protected set.
    protected_paths:
      - internal/api/server.go
`
