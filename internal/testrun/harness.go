package testrun

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autopack/internal/config"
	"autopack/internal/logging"
	"autopack/internal/shell"
)

// Selection names the tests a run is restricted to. Empty means the full
// suite.
type Selection struct {
	Tests []string
}

// Full reports whether the selection covers the whole suite.
func (s Selection) Full() bool { return len(s.Tests) == 0 }

// Harness runs the project's tests and parses the results.
type Harness interface {
	// Run executes the suite (or the selection) and returns parsed
	// results. The returned error is infrastructure only; failing tests
	// are ordinary results.
	Run(ctx context.Context, sel Selection) (*RawOutput, error)

	// Name identifies the harness ("gotest" or "pytest").
	Name() string
}

// ShellHarness drives a configured test command through the allow-listed
// executor and parses its output.
type ShellHarness struct {
	exec    *shell.Executor
	workdir string
	name    string
	command []string
	timeout time.Duration
}

// NewShellHarness builds the harness from config. An unset harness name is
// probed from the project's files.
func NewShellHarness(exec *shell.Executor, cfg *config.Config, workdir string) *ShellHarness {
	name := cfg.Testing.Harness
	if name == "" {
		name = DetectHarness(workdir)
		logging.Test("no harness configured, probed %q", name)
	}
	return &ShellHarness{
		exec:    exec,
		workdir: workdir,
		name:    name,
		command: cfg.Testing.Command,
		timeout: cfg.GetTestTimeout(),
	}
}

func (h *ShellHarness) Name() string { return h.name }

// DetectHarness probes project files for the test framework, defaulting to
// gotest.
func DetectHarness(workdir string) string {
	probes := []struct {
		file    string
		harness string
	}{
		{"go.mod", "gotest"},
		{"pytest.ini", "pytest"},
		{"conftest.py", "pytest"},
		{"pyproject.toml", "pytest"},
		{"setup.py", "pytest"},
		{"requirements.txt", "pytest"},
	}
	for _, p := range probes {
		if _, err := os.Stat(filepath.Join(workdir, p.file)); err == nil {
			return p.harness
		}
	}
	return "gotest"
}

func (h *ShellHarness) Run(ctx context.Context, sel Selection) (*RawOutput, error) {
	argv := h.argv(sel)
	logging.TestDebug("running %s: %s", h.name, strings.Join(argv, " "))

	res, err := h.exec.Execute(ctx, shell.Command{
		Binary:           argv[0],
		Arguments:        argv[1:],
		WorkingDirectory: h.workdir,
		TimeoutMs:        h.timeout.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fmt.Errorf("test harness failed to run: %s", res.Error)
	}

	var out *RawOutput
	switch h.name {
	case "pytest":
		out = parsePytest(res.Stdout + res.Stderr)
	default:
		out = parseGoTestJSON(res.Stdout)
	}
	out.Harness = h.name
	out.ExitCode = res.ExitCode
	out.Duration = res.Duration

	// A run that produced neither results nor an attributable collection
	// error, yet exited abnormally, still failed to enumerate tests.
	if len(out.Results) == 0 && len(out.CollectionErrors) == 0 && !benignExit(h.name, res.ExitCode) {
		out.CollectionErrors = append(out.CollectionErrors,
			fmt.Sprintf("%s exited %d: %s", h.name, res.ExitCode, tail(res.Stdout+res.Stderr, 800)))
	}
	out.DiscoveryHash = discoveryHash(out.Results, out.CollectionErrors)
	return out, nil
}

// benignExit reports exit codes that legitimately accompany an empty
// result set: success, plain test failure, and pytest's "no tests
// collected".
func benignExit(harness string, code int) bool {
	switch code {
	case 0, 1:
		return true
	case 5:
		return harness == "pytest"
	}
	return false
}

func (h *ShellHarness) argv(sel Selection) []string {
	if len(h.command) > 0 {
		argv := append([]string(nil), h.command...)
		return append(argv, h.selectionArgs(sel)...)
	}
	switch h.name {
	case "pytest":
		argv := []string{"pytest", "-v", "--tb=short"}
		return append(argv, h.selectionArgs(sel)...)
	default:
		argv := []string{"go", "test", "-json"}
		argv = append(argv, h.selectionArgs(sel)...)
		if sel.Full() {
			argv = append(argv, "./...")
		}
		return argv
	}
}

// selectionArgs narrows the run to the selected tests. Go selections re-run
// the whole top-level test (subtest candidates confirm under their parent);
// pytest node ids pass through unchanged.
func (h *ShellHarness) selectionArgs(sel Selection) []string {
	if sel.Full() {
		return nil
	}
	if h.name == "pytest" {
		return append([]string(nil), sel.Tests...)
	}

	pkgSet := make(map[string]bool)
	nameSet := make(map[string]bool)
	var pkgs, names []string
	for _, id := range sel.Tests {
		pkg, test := splitGoTestID(id)
		if pkg != "" && !pkgSet[pkg] {
			pkgSet[pkg] = true
			pkgs = append(pkgs, pkg)
		}
		if top := strings.SplitN(test, "/", 2)[0]; top != "" && !nameSet[top] {
			nameSet[top] = true
			names = append(names, top)
		}
	}
	args := []string{"-run", "^(" + strings.Join(names, "|") + ")$"}
	return append(args, pkgs...)
}

// splitGoTestID separates "package::TestName".
func splitGoTestID(id string) (pkg, test string) {
	parts := strings.SplitN(id, "::", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", id
}

// tail returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
