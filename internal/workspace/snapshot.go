package workspace

import (
	"context"
	"fmt"
	"strings"

	"autopack/internal/logging"
	"autopack/internal/shell"
)

// Snapshotter captures and restores whole-workspace states. The gateway
// depends on this interface so tests can substitute an in-memory snapshotter.
type Snapshotter interface {
	// Init prepares the workspace for snapshotting (idempotent).
	Init(ctx context.Context) error
	// Create snapshots the current tree and returns an opaque reference.
	Create(ctx context.Context, label string) (ref string, err error)
	// Restore brings the tree back to the referenced state byte-for-byte.
	Restore(ctx context.Context, ref string) error
}

// snapshotIdentity pins the commit author so snapshot commits are stable and
// recognizable regardless of the host's git configuration.
var snapshotIdentity = []string{
	"GIT_AUTHOR_NAME=autopack",
	"GIT_AUTHOR_EMAIL=autopack@localhost",
	"GIT_COMMITTER_NAME=autopack",
	"GIT_COMMITTER_EMAIL=autopack@localhost",
}

// GitSnapshotter realizes save points as commits in the workspace's own git
// history: create is add -A + commit --allow-empty, restore is reset --hard
// plus clean -fd to drop untracked leftovers.
type GitSnapshotter struct {
	exec *shell.Executor
	dir  string
}

// NewGitSnapshotter builds a snapshotter for the given workspace directory.
func NewGitSnapshotter(exec *shell.Executor, dir string) *GitSnapshotter {
	return &GitSnapshotter{exec: exec, dir: dir}
}

// Init ensures the workspace is a git repository, initializing one when the
// run operates on a plain directory.
func (s *GitSnapshotter) Init(ctx context.Context) error {
	res, err := s.git(ctx, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return err
	}
	if res.ExitCode == 0 && strings.TrimSpace(res.Stdout) == "true" {
		return nil
	}

	logging.Workspace("workspace %s is not a git repository, initializing", s.dir)
	res, err = s.git(ctx, "init")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git init failed: %s", res.Output())
	}
	return nil
}

// Create commits the full tree and returns the commit hash.
func (s *GitSnapshotter) Create(ctx context.Context, label string) (string, error) {
	if res, err := s.git(ctx, "add", "-A"); err != nil {
		return "", err
	} else if res.ExitCode != 0 {
		return "", fmt.Errorf("git add failed: %s", res.Output())
	}

	msg := label
	if msg == "" {
		msg = "save point"
	}
	res, err := s.git(ctx, "-c", "commit.gpgsign=false", "commit", "--allow-empty", "--no-verify", "-m", msg)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git commit failed: %s", res.Output())
	}

	res, err = s.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git rev-parse failed: %s", res.Output())
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Restore hard-resets to the snapshot commit and removes untracked files so
// the tree matches byte-for-byte.
func (s *GitSnapshotter) Restore(ctx context.Context, ref string) error {
	if ref == "" {
		return fmt.Errorf("empty snapshot reference")
	}
	res, err := s.git(ctx, "reset", "--hard", ref)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git reset failed: %s", res.Output())
	}

	res, err = s.git(ctx, "clean", "-fd")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git clean failed: %s", res.Output())
	}
	return nil
}

func (s *GitSnapshotter) git(ctx context.Context, args ...string) (*shell.ExecutionResult, error) {
	res, err := s.exec.Execute(ctx, shell.Command{
		Binary:           "git",
		Arguments:        args,
		WorkingDirectory: s.dir,
		Environment:      snapshotIdentity,
	})
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fmt.Errorf("git %s: %s", strings.Join(args, " "), res.Error)
	}
	return res, nil
}
