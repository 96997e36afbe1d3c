// Package gitops wraps the git CLI operations featrun needs for
// branch-isolated parallel execution: creating per-feature branches,
// merging them back serially, and rolling back on conflict.
//
// The Git interface abstracts the operations and CommandExecutor abstracts
// process execution, so coordinator and unit tests run without a real
// repository.
package gitops

import (
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/featrun/featrun/internal/errors"
)

// -----------------------------------------------------------------------------
// Command Executor
// -----------------------------------------------------------------------------

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command in dir and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// -----------------------------------------------------------------------------
// Git Interface
// -----------------------------------------------------------------------------

// Git is the set of version-control operations featrun performs. The
// worker process itself commits as a side effect; featrun only manages
// branches and merges.
type Git interface {
	// CurrentBranch returns the checked-out branch name.
	CurrentBranch() (string, error)

	// CreateBranch creates branch from base and leaves it checked out.
	CreateBranch(branch, base string) error

	// Checkout switches to an existing branch.
	Checkout(branch string) error

	// Merge merges branch into target with --no-ff. On conflict the merge
	// is aborted and a *errors.MergeConflictError carrying the conflicted
	// files is returned.
	Merge(branch, target string) error

	// AddWorktree creates branch from base and checks it out in a new
	// worktree at path, leaving the main working tree untouched.
	AddWorktree(path, branch, base string) error

	// RemoveWorktree removes the worktree at path. The branch it had
	// checked out survives.
	RemoveWorktree(path string) error

	// DeleteBranch force-deletes a branch.
	DeleteBranch(branch string) error

	// ResetHard resets the current branch to ref, discarding changes.
	ResetHard(ref string) error

	// FindMainBranch returns "main" or "master", whichever exists.
	FindMainBranch() string
}

// -----------------------------------------------------------------------------
// CLI Implementation
// -----------------------------------------------------------------------------

// Manager implements Git against a repository directory using the git CLI.
type Manager struct {
	repoDir  string
	executor CommandExecutor

	// worktree add and remove rewrite shared repository metadata, so
	// concurrent callers are serialized.
	wtMu sync.Mutex
}

// Compile-time interface check.
var _ Git = (*Manager)(nil)

// New creates a Manager for the repository at repoDir.
func New(repoDir string) *Manager {
	return &Manager{repoDir: repoDir, executor: CLICommandExecutor{}}
}

// NewWithExecutor creates a Manager with a custom executor.
// This is primarily useful for testing.
func NewWithExecutor(repoDir string, executor CommandExecutor) *Manager {
	return &Manager{repoDir: repoDir, executor: executor}
}

// Dir returns the repository directory.
func (m *Manager) Dir() string {
	return m.repoDir
}

func (m *Manager) run(args ...string) (string, error) {
	output, err := m.executor.Run(m.repoDir, "git", args...)
	return string(output), err
}

// CurrentBranch implements Git.
func (m *Manager) CurrentBranch() (string, error) {
	output, err := m.run("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to get current branch", err).
			WithDir(m.repoDir).
			WithGitOutput(output)
	}
	return strings.TrimSpace(output), nil
}

// CreateBranch implements Git.
func (m *Manager) CreateBranch(branch, base string) error {
	if output, err := m.run("checkout", base); err != nil {
		return errors.NewGitError("failed to checkout base branch", err).
			WithBranch(base).
			WithDir(m.repoDir).
			WithGitOutput(output)
	}
	if output, err := m.run("checkout", "-b", branch); err != nil {
		return errors.NewGitError("failed to create branch", err).
			WithBranch(branch).
			WithDir(m.repoDir).
			WithGitOutput(output)
	}
	return nil
}

// Checkout implements Git.
func (m *Manager) Checkout(branch string) error {
	if output, err := m.run("checkout", branch); err != nil {
		return errors.NewGitError("failed to checkout branch", err).
			WithBranch(branch).
			WithDir(m.repoDir).
			WithGitOutput(output)
	}
	return nil
}

// Merge implements Git. The target branch is checked out first; a failed
// merge is aborted so the repository is left clean.
func (m *Manager) Merge(branch, target string) error {
	if err := m.Checkout(target); err != nil {
		return err
	}

	output, err := m.run("merge", "--no-ff", branch)
	if err == nil {
		return nil
	}

	files := m.conflictedFiles()
	if abortOut, abortErr := m.run("merge", "--abort"); abortErr != nil {
		return errors.NewGitError("failed to abort conflicted merge", abortErr).
			WithBranch(branch).
			WithDir(m.repoDir).
			WithGitOutput(abortOut)
	}
	if len(files) > 0 {
		return errors.NewMergeConflictError(branch, target, files)
	}
	return errors.NewGitError("merge failed", err).
		WithBranch(branch).
		WithDir(m.repoDir).
		WithGitOutput(output)
}

// conflictedFiles lists unmerged paths during an in-progress merge.
func (m *Manager) conflictedFiles() []string {
	output, err := m.run("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files
}

// AddWorktree implements Git.
func (m *Manager) AddWorktree(path, branch, base string) error {
	m.wtMu.Lock()
	defer m.wtMu.Unlock()
	if output, err := m.run("worktree", "add", "-b", branch, path, base); err != nil {
		return errors.NewGitError("failed to create worktree", err).
			WithBranch(branch).
			WithDir(m.repoDir).
			WithGitOutput(output)
	}
	return nil
}

// RemoveWorktree implements Git. When git refuses to remove the worktree,
// the directory is deleted and stale worktree references are pruned.
func (m *Manager) RemoveWorktree(path string) error {
	m.wtMu.Lock()
	defer m.wtMu.Unlock()
	if _, err := m.run("worktree", "remove", "--force", path); err == nil {
		return nil
	}
	_ = os.RemoveAll(path)
	if output, err := m.run("worktree", "prune"); err != nil {
		return errors.NewGitError("failed to prune worktrees", err).
			WithDir(m.repoDir).
			WithGitOutput(output)
	}
	return nil
}

// DeleteBranch implements Git.
func (m *Manager) DeleteBranch(branch string) error {
	if output, err := m.run("branch", "-D", branch); err != nil {
		return errors.NewGitError("failed to delete branch", err).
			WithBranch(branch).
			WithDir(m.repoDir).
			WithGitOutput(output)
	}
	return nil
}

// ResetHard implements Git.
func (m *Manager) ResetHard(ref string) error {
	if output, err := m.run("reset", "--hard", ref); err != nil {
		return errors.NewGitError("failed to reset", err).
			WithDir(m.repoDir).
			WithGitOutput(output)
	}
	return nil
}

// BranchExists reports whether branch resolves to a ref.
func (m *Manager) BranchExists(branch string) bool {
	_, err := m.run("rev-parse", "--verify", branch)
	return err == nil
}

// CommitAll stages everything and commits with the given message.
// A clean working tree is not an error.
func (m *Manager) CommitAll(message string) error {
	if output, err := m.run("add", "-A"); err != nil {
		return errors.NewGitError("failed to stage changes", err).
			WithDir(m.repoDir).
			WithGitOutput(output)
	}
	status, err := m.run("status", "--porcelain")
	if err != nil {
		return errors.NewGitError("failed to check status", err).
			WithDir(m.repoDir).
			WithGitOutput(status)
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}
	if output, err := m.run("commit", "-m", message); err != nil {
		return errors.NewGitError("failed to commit", err).
			WithDir(m.repoDir).
			WithGitOutput(output)
	}
	return nil
}

// FindMainBranch implements Git.
func (m *Manager) FindMainBranch() string {
	if m.BranchExists("main") {
		return "main"
	}
	if m.BranchExists("master") {
		return "master"
	}
	return "main"
}
