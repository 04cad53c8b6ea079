package shell

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"
)

func testExecutor() *Executor {
	cfg := DefaultExecutorConfig()
	cfg.AllowedBinaries["echo"] = true
	cfg.AllowedBinaries["sh"] = true
	cfg.AllowedBinaries["sleep"] = true
	cfg.DefaultWorkingDir = "."
	return NewExecutor(cfg)
}

func TestExecutor_Execute(t *testing.T) {
	exec := testExecutor()

	result, err := exec.Execute(context.Background(), Command{
		Binary:    "echo",
		Arguments: []string{"hello", "world"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Success {
		t.Errorf("expected success, got error: %s", result.Error)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}
	if !strings.Contains(result.Stdout, "hello world") {
		t.Errorf("expected 'hello world' in stdout, got: %q", result.Stdout)
	}
	if result.Duration <= 0 {
		t.Error("expected positive duration")
	}
}

func TestExecutor_NonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh not available on Windows")
	}
	exec := testExecutor()

	result, err := exec.Execute(context.Background(), Command{
		Binary:    "sh",
		Arguments: []string{"-c", "exit 1"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	// Non-zero exit is a successful execution, not an infrastructure error.
	if !result.Success {
		t.Errorf("expected success=true for non-zero exit, got error: %s", result.Error)
	}
	if result.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", result.ExitCode)
	}
	if !result.IsNonZeroExit() {
		t.Error("expected IsNonZeroExit to be true")
	}
	if result.IsError() {
		t.Error("expected IsError to be false for a clean non-zero exit")
	}
}

func TestExecutor_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sleep not available on Windows")
	}
	exec := testExecutor()

	start := time.Now()
	result, err := exec.Execute(context.Background(), Command{
		Binary:    "sleep",
		Arguments: []string{"10"},
		TimeoutMs: 100,
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Killed {
		t.Error("expected command to be killed")
	}
	if result.KillReason == "" {
		t.Error("expected a kill reason")
	}
	if !result.Success {
		t.Error("a timed-out command is an execution outcome, expected success=true")
	}
	if elapsed > 5*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestExecutor_DeniesUnlistedBinary(t *testing.T) {
	exec := testExecutor()

	_, err := exec.Execute(context.Background(), Command{
		Binary:    "curl",
		Arguments: []string{"http://example.com"},
	})
	if err == nil {
		t.Fatal("expected error for unlisted binary")
	}
	if !strings.Contains(err.Error(), "allow-list") {
		t.Errorf("expected allow-list error, got: %v", err)
	}
}

func TestExecutor_DeniesPathBinary(t *testing.T) {
	exec := testExecutor()

	_, err := exec.Execute(context.Background(), Command{
		Binary: "/bin/echo",
	})
	if err == nil {
		t.Fatal("expected error for path-qualified binary")
	}
}

func TestExecutor_Stdin(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("cat not available on Windows")
	}
	exec := testExecutor()
	exec.Allow("cat")

	result, err := exec.Execute(context.Background(), Command{
		Binary: "cat",
		Stdin:  "piped input\n",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(result.Stdout, "piped input") {
		t.Errorf("expected stdin echoed to stdout, got: %q", result.Stdout)
	}
}

func TestExecutor_OutputTruncation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh not available on Windows")
	}
	exec := testExecutor()

	result, err := exec.Execute(context.Background(), Command{
		Binary:         "sh",
		Arguments:      []string{"-c", "yes | head -c 100000"},
		MaxOutputBytes: 1024,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Truncated {
		t.Error("expected output to be truncated")
	}
	if len(result.Stdout) > 1024 {
		t.Errorf("stdout exceeds cap: %d bytes", len(result.Stdout))
	}
	if result.TruncatedBytes == 0 {
		t.Error("expected TruncatedBytes to be recorded")
	}
}

func TestExecutor_AuditCallback(t *testing.T) {
	exec := testExecutor()

	var audited []Command
	exec.SetAuditCallback(func(cmd Command, result *ExecutionResult) {
		audited = append(audited, cmd)
	})

	_, err := exec.Execute(context.Background(), Command{
		Binary:    "echo",
		Arguments: []string{"audit me"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(audited) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(audited))
	}
	if audited[0].Binary != "echo" {
		t.Errorf("expected audited binary echo, got %s", audited[0].Binary)
	}
}

func TestExecutorConfig_Merge(t *testing.T) {
	cfg := ExecutorConfig{
		DefaultWorkingDir: "/work",
		DefaultTimeout:    5 * time.Second,
		MaxTimeout:        10 * time.Second,
		MaxOutputBytes:    2048,
	}

	merged := cfg.Merge(Command{Binary: "go"})
	if merged.WorkingDirectory != "/work" {
		t.Errorf("expected default working dir, got %s", merged.WorkingDirectory)
	}
	if merged.TimeoutMs != 5000 {
		t.Errorf("expected default timeout 5000ms, got %d", merged.TimeoutMs)
	}
	if merged.MaxOutputBytes != 2048 {
		t.Errorf("expected default output cap, got %d", merged.MaxOutputBytes)
	}

	// Command settings win, but the timeout is capped.
	merged = cfg.Merge(Command{Binary: "go", WorkingDirectory: "/other", TimeoutMs: 60000})
	if merged.WorkingDirectory != "/other" {
		t.Errorf("expected command working dir, got %s", merged.WorkingDirectory)
	}
	if merged.TimeoutMs != 10000 {
		t.Errorf("expected timeout capped at 10000ms, got %d", merged.TimeoutMs)
	}
}

func TestCommandString(t *testing.T) {
	cmd := Command{Binary: "go", Arguments: []string{"test", "-json", "./..."}}
	if got := cmd.CommandString(); got != "go test -json ./..." {
		t.Errorf("unexpected command string: %q", got)
	}
	bare := Command{Binary: "git"}
	if got := bare.CommandString(); got != "git" {
		t.Errorf("unexpected bare command string: %q", got)
	}
}
