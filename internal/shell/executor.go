package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"autopack/internal/config"
	"autopack/internal/logging"
)

// AuditCallback is invoked after every execution attempt, successful or not.
type AuditCallback func(cmd Command, result *ExecutionResult)

// Executor runs allow-listed commands on the host.
type Executor struct {
	config ExecutorConfig
	audit  AuditCallback
	mu     sync.RWMutex
}

// NewExecutor creates an executor with the given configuration.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.AllowedBinaries == nil {
		cfg.AllowedBinaries = DefaultExecutorConfig().AllowedBinaries
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultExecutorConfig().DefaultTimeout
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = DefaultExecutorConfig().MaxOutputBytes
	}
	if len(cfg.AllowedEnvironment) == 0 {
		cfg.AllowedEnvironment = DefaultExecutorConfig().AllowedEnvironment
	}
	return &Executor{config: cfg}
}

// NewExecutorFromConfig builds an executor from the execution section of
// the workspace configuration.
func NewExecutorFromConfig(cfg *config.Config) *Executor {
	ec := DefaultExecutorConfig()
	if len(cfg.Execution.AllowedBinaries) > 0 {
		allowed := make(map[string]bool, len(cfg.Execution.AllowedBinaries))
		for _, bin := range cfg.Execution.AllowedBinaries {
			allowed[bin] = true
		}
		ec.AllowedBinaries = allowed
	}
	if cfg.Execution.WorkingDirectory != "" {
		ec.DefaultWorkingDir = cfg.Execution.WorkingDirectory
	}
	if d := cfg.GetExecutionTimeout(); d > 0 {
		ec.DefaultTimeout = d
	}
	if d := cfg.GetTestTimeout(); d > ec.MaxTimeout {
		ec.MaxTimeout = d
	}
	if len(cfg.Execution.AllowedEnvVars) > 0 {
		ec.AllowedEnvironment = cfg.Execution.AllowedEnvVars
	}
	return NewExecutor(ec)
}

// SetAuditCallback registers a callback invoked after each execution.
func (e *Executor) SetAuditCallback(cb AuditCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audit = cb
}

// Allow adds a binary to the allow-list at runtime.
func (e *Executor) Allow(binary string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config.AllowedBinaries[binary] = true
}

// IsAllowed reports whether a binary may be executed.
func (e *Executor) IsAllowed(binary string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config.AllowedBinaries[binary]
}

// Validate checks whether the command may be executed without running it.
func (e *Executor) Validate(cmd Command) error {
	if cmd.Binary == "" {
		return fmt.Errorf("empty binary name")
	}
	if strings.ContainsAny(cmd.Binary, "/\\") {
		return fmt.Errorf("binary must be a bare name, got path %q", cmd.Binary)
	}
	if !e.IsAllowed(cmd.Binary) {
		return fmt.Errorf("binary %q is not in the allow-list", cmd.Binary)
	}
	return nil
}

// Execute runs a command and returns a structured result.
//
// The returned error is non-nil only for validation failures; execution
// outcomes, including infrastructure failures, are reported in the result.
func (e *Executor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if err := e.Validate(cmd); err != nil {
		logging.ShellError("refused command %s: %v", cmd.CommandString(), err)
		return nil, err
	}

	e.mu.RLock()
	cmd = e.config.Merge(cmd)
	audit := e.audit
	e.mu.RUnlock()

	timer := logging.StartTimer(logging.CategoryShell, cmd.Binary)
	result := e.run(ctx, cmd)
	timer.StopWithInfo()

	if audit != nil {
		audit(cmd, result)
	}
	return result, nil
}

func (e *Executor) run(ctx context.Context, cmd Command) *ExecutionResult {
	result := &ExecutionResult{
		ExitCode: -1,
		Command:  &cmd,
	}

	timeout := time.Duration(cmd.TimeoutMs) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc := exec.CommandContext(runCtx, cmd.Binary, cmd.Arguments...)
	proc.Dir = cmd.WorkingDirectory
	proc.Env = e.buildEnvironment(cmd.Environment)
	if cmd.Stdin != "" {
		proc.Stdin = strings.NewReader(cmd.Stdin)
	}

	stdout := newLimitedWriter(cmd.MaxOutputBytes)
	stderr := newLimitedWriter(cmd.MaxOutputBytes)
	proc.Stdout = stdout
	proc.Stderr = stderr

	logging.ShellDebug("exec: %s (dir=%s timeout=%s)", cmd.CommandString(), cmd.WorkingDirectory, timeout)

	result.StartedAt = time.Now()
	err := proc.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Truncated = stdout.Truncated() || stderr.Truncated()
	result.TruncatedBytes = stdout.TruncatedBytes() + stderr.TruncatedBytes()

	switch {
	case err == nil:
		result.Success = true
		result.ExitCode = 0

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		// Timed out. The command ran; running too long is an outcome,
		// not an infrastructure failure.
		result.Success = true
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", timeout)
		result.ExitCode = exitCode(err)
		logging.ShellError("killed %s: %s", cmd.CommandString(), result.KillReason)

	case errors.Is(runCtx.Err(), context.Canceled):
		result.Success = false
		result.Killed = true
		result.KillReason = "canceled"
		result.Error = "execution canceled"
		result.ExitCode = exitCode(err)

	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Ran to completion with a non-zero exit. That is a successful
			// execution from the infrastructure's point of view.
			result.Success = true
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Success = false
			result.Error = err.Error()
			logging.ShellError("failed to start %s: %v", cmd.CommandString(), err)
		}
	}

	return result
}

// buildEnvironment constructs the environment from the allow-list plus any
// command-specific variables.
func (e *Executor) buildEnvironment(extra []string) []string {
	e.mu.RLock()
	allowed := e.config.AllowedEnvironment
	e.mu.RUnlock()

	env := make([]string, 0, len(allowed)+len(extra))
	for _, key := range allowed {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	env = append(env, extra...)
	return env
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedWriter captures output up to a byte limit, discarding the rest.
type limitedWriter struct {
	buf       strings.Builder
	limit     int64
	written   int64
	discarded int64
}

func newLimitedWriter(limit int64) *limitedWriter {
	return &limitedWriter{limit: limit}
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	remaining := w.limit - w.written
	if remaining <= 0 {
		w.discarded += int64(n)
		return n, nil
	}
	if int64(n) > remaining {
		w.buf.Write(p[:remaining])
		w.written += remaining
		w.discarded += int64(n) - remaining
		return n, nil
	}
	w.buf.Write(p)
	w.written += int64(n)
	return n, nil
}

func (w *limitedWriter) String() string { return w.buf.String() }

func (w *limitedWriter) Truncated() bool { return w.discarded > 0 }

func (w *limitedWriter) TruncatedBytes() int64 { return w.discarded }
