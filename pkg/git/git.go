// Package git is a thin façade over the git CLI for the operations the
// autopilot pipeline needs: branches, worktrees, staging, commits, and
// pushes. Failures surface as a structured *Error carrying the command,
// exit code, and stderr so callers can forward them instead of throwing.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const commandTimeout = 30 * time.Second

// Error is a structured git failure.
type Error struct {
	Command  string
	ExitCode int
	Stderr   string
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed: %s (exit %d)", e.Command, e.Message, e.ExitCode)
}

// AsError extracts a *Error from err, or nil.
func AsError(err error) *Error {
	var gitErr *Error
	if errors.As(err, &gitErr) {
		return gitErr
	}
	return nil
}

// Author identifies the commit author used for autopilot commits.
type Author struct {
	Name  string
	Email string
}

// Manager runs git commands against one repository.
type Manager struct {
	repoDir string
}

// NewManager creates a manager for the repository at repoDir.
func NewManager(repoDir string) *Manager {
	return &Manager{repoDir: repoDir}
}

// RepoDir returns the repository root the manager operates on.
func (g *Manager) RepoDir() string {
	return g.repoDir
}

// CurrentBranch returns the branch checked out in dir.
func (g *Manager) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BranchExists reports whether branch exists in the repository.
func (g *Manager) BranchExists(ctx context.Context, branch string) bool {
	_, err := g.run(ctx, g.repoDir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// AddWorktree creates a worktree at path on a new branch off base.
func (g *Manager) AddWorktree(ctx context.Context, path, branch, base string) error {
	_, err := g.run(ctx, g.repoDir, "worktree", "add", "-b", branch, path, base)
	return err
}

// RemoveWorktree detaches and deletes a worktree.
func (g *Manager) RemoveWorktree(ctx context.Context, path string) error {
	_, err := g.run(ctx, g.repoDir, "worktree", "remove", "--force", path)
	return err
}

// ApplySparseExcludes restricts the worktree checkout to everything except
// the given patterns. An empty pattern list leaves the checkout untouched.
func (g *Manager) ApplySparseExcludes(ctx context.Context, dir string, patterns []string) error {
	if len(patterns) == 0 {
		return nil
	}
	args := []string{"sparse-checkout", "set", "--no-cone", "/*"}
	for _, p := range patterns {
		args = append(args, "!"+p)
	}
	_, err := g.run(ctx, dir, args...)
	return err
}

// HasUncommittedChanges reports whether dir contains staged, unstaged, or
// untracked changes.
func (g *Manager) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	out, err := g.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// StageAll stages every change in dir, including untracked files.
func (g *Manager) StageAll(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "add", "-A")
	return err
}

// Commit creates a commit in dir and returns its short hash. The author is
// applied per commit rather than rewriting repository config.
func (g *Manager) Commit(ctx context.Context, dir, message string, author Author) (string, error) {
	args := []string{"commit", "-m", message}
	if author.Name != "" && author.Email != "" {
		args = append(args, "--author", fmt.Sprintf("%s <%s>", author.Name, author.Email))
	}
	if _, err := g.run(ctx, dir, args...); err != nil {
		return "", err
	}
	return g.HeadHash(ctx, dir)
}

// HeadHash returns the short hash of HEAD in dir.
func (g *Manager) HeadHash(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RecentCommits returns up to n recent commit subjects from dir, newest
// first. Used as context for AI commit message generation.
func (g *Manager) RecentCommits(ctx context.Context, dir string, n int) ([]string, error) {
	out, err := g.run(ctx, dir, "log", fmt.Sprintf("-%d", n), "--pretty=format:%s")
	if err != nil {
		// A repository with no commits yet has no log.
		return nil, nil
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// DiffStat returns a summary of uncommitted changes in dir.
func (g *Manager) DiffStat(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "diff", "--stat", "HEAD")
	if err != nil {
		return "", err
	}
	return out, nil
}

// Push pushes branch from dir to origin.
func (g *Manager) Push(ctx context.Context, dir, branch string) error {
	_, err := g.run(ctx, dir, "push", "origin", branch)
	return err
}

// run executes one git command with a bounded timeout, returning stdout.
// Failures come back as *Error with stderr attached.
func (g *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &Error{
			Command:  "git " + strings.Join(args, " "),
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			Message:  err.Error(),
		}
	}
	return stdout.String(), nil
}
