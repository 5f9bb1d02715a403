package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ralphd/ralph/internal/common/logger"
)

// Info describes one managed worktree.
type Info struct {
	Path       string `json:"path"`
	Branch     string `json:"branch"`
	WorkerName string `json:"workerName"`
	TaskID     string `json:"taskId"`
	Head       string `json:"head"`
}

// Manager creates, merges and removes worker worktrees for a single
// repository. All mutating git operations on the main repository are
// serialized under one lock; worktree checkouts themselves are independent.
type Manager struct {
	repoPath      string
	defaultBranch string
	logger        *logger.Logger

	mu sync.Mutex
}

// NewManager creates a manager for the repository at repoPath. The default
// branch is detected when branch is empty.
func NewManager(ctx context.Context, repoPath, branch string, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	if _, err := git(ctx, repoPath, "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAGitRepo, repoPath)
	}

	m := &Manager{
		repoPath:      repoPath,
		defaultBranch: branch,
		logger:        log.WithFields(zap.String("component", "worktree"), zap.String("repo", repoPath)),
	}
	if m.defaultBranch == "" {
		detected, err := m.detectDefaultBranch(ctx)
		if err != nil {
			return nil, err
		}
		m.defaultBranch = detected
	}
	return m, nil
}

// RepoPath returns the managed repository path.
func (m *Manager) RepoPath() string { return m.repoPath }

// DefaultBranch returns the branch worktrees are based on and merged into.
func (m *Manager) DefaultBranch() string { return m.defaultBranch }

func (m *Manager) detectDefaultBranch(ctx context.Context) (string, error) {
	if ref, err := git(ctx, m.repoPath, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil {
		return strings.TrimPrefix(ref, "origin/"), nil
	}
	branch, err := git(ctx, m.repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("cannot detect default branch: %w", err)
	}
	return branch, nil
}

func (m *Manager) hasRemote(ctx context.Context) bool {
	out, err := git(ctx, m.repoPath, "remote")
	return err == nil && out != ""
}

// pullLatest fast-forwards the default branch from origin. Failures are
// logged and tolerated so offline use keeps working.
func (m *Manager) pullLatest(ctx context.Context) {
	if !m.hasRemote(ctx) {
		return
	}
	if _, err := git(ctx, m.repoPath, "fetch", "origin", m.defaultBranch); err != nil {
		m.logger.Warn("fetch failed, using local state", zap.Error(err))
		return
	}
	if _, err := git(ctx, m.repoPath, "merge", "--ff-only", "origin/"+m.defaultBranch); err != nil {
		m.logger.Warn("fast-forward failed, using local state", zap.Error(err))
	}
}

// Create makes a fresh worktree and branch for the (worker, task) pair and
// returns its path. The base is the default branch, updated from origin when
// a remote is configured.
func (m *Manager) Create(ctx context.Context, workerName, taskID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := Dir(m.repoPath, workerName, taskID)
	branch := BranchName(workerName, taskID)

	if m.exists(ctx, path) {
		return "", fmt.Errorf("%w: %s", ErrWorktreeExists, path)
	}

	m.pullLatest(ctx)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create worktree parent: %w", err)
	}

	// Reuse a leftover branch from a previous run of the same pair.
	if _, err := git(ctx, m.repoPath, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		if _, err := git(ctx, m.repoPath, "branch", "-D", branch); err != nil {
			return "", fmt.Errorf("remove stale branch %s: %w", branch, err)
		}
	}

	if _, err := git(ctx, m.repoPath, "worktree", "add", "-b", branch, path, m.defaultBranch); err != nil {
		return "", fmt.Errorf("add worktree: %w", err)
	}

	m.logger.Info("worktree created",
		zap.String("worker", workerName),
		zap.String("task", taskID),
		zap.String("path", path))
	return path, nil
}

// Exists reports whether a worktree is registered for the pair.
func (m *Manager) Exists(ctx context.Context, workerName, taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists(ctx, Dir(m.repoPath, workerName, taskID))
}

func (m *Manager) exists(ctx context.Context, path string) bool {
	out, err := git(ctx, m.repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") && strings.TrimPrefix(line, "worktree ") == path {
			return true
		}
	}
	return false
}

// List returns all managed worktrees, identified by their ralph/ branch
// namespace. Foreign worktrees are ignored.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := git(ctx, m.repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var infos []Info
	var current Info
	flush := func() {
		if worker, task, ok := ParseBranch(current.Branch); ok {
			current.WorkerName = worker
			current.TaskID = task
			infos = append(infos, current)
		}
		current = Info{}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "":
			flush()
		}
	}
	flush()
	return infos, nil
}

// Remove deletes the worktree and optionally its branch. Removing a
// worktree that does not exist is a no-op.
func (m *Manager) Remove(ctx context.Context, workerName, taskID string, deleteBranch bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := Dir(m.repoPath, workerName, taskID)
	branch := BranchName(workerName, taskID)

	if m.exists(ctx, path) {
		if _, err := git(ctx, m.repoPath, "worktree", "remove", "--force", path); err != nil {
			// The directory may be gone already; drop the stale registration.
			_ = os.RemoveAll(path)
			if _, perr := git(ctx, m.repoPath, "worktree", "prune"); perr != nil {
				return fmt.Errorf("remove worktree: %w", err)
			}
		}
	} else if _, err := os.Stat(path); err == nil {
		// Directory left behind without registration, e.g. after a crash.
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove worktree directory: %w", err)
		}
		_, _ = git(ctx, m.repoPath, "worktree", "prune")
	}

	if deleteBranch {
		if _, err := git(ctx, m.repoPath, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
			if _, err := git(ctx, m.repoPath, "branch", "-D", branch); err != nil {
				return fmt.Errorf("delete branch %s: %w", branch, err)
			}
		}
	}

	// Drop the empty worker directory when its last task is gone.
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// CommitCount returns how many commits the pair's branch carries beyond the
// default branch.
func (m *Manager) CommitCount(ctx context.Context, workerName, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitCount(ctx, BranchName(workerName, taskID))
}

func (m *Manager) commitCount(ctx context.Context, branch string) (int, error) {
	out, err := git(ctx, m.repoPath, "rev-list", "--count", m.defaultBranch+".."+branch)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse commit count %q: %w", out, err)
	}
	return n, nil
}

// Merge merges the pair's branch into the default branch with a merge
// commit. On conflict the merge is left in progress and a
// MergeConflictError lists the conflicting files.
func (m *Manager) Merge(ctx context.Context, workerName, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch := BranchName(workerName, taskID)
	n, err := m.commitCount(ctx, branch)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNoCommits, branch)
	}

	if _, err := git(ctx, m.repoPath, "checkout", m.defaultBranch); err != nil {
		return fmt.Errorf("checkout %s: %w", m.defaultBranch, err)
	}
	if _, err := git(ctx, m.repoPath, "merge", "--no-ff", branch, "-m", fmt.Sprintf("Merge %s", branch)); err != nil {
		files, _ := m.conflictingFiles(ctx)
		if len(files) > 0 {
			return &MergeConflictError{Branch: branch, Files: files}
		}
		return fmt.Errorf("merge %s: %w", branch, err)
	}

	m.logger.Info("branch merged", zap.String("branch", branch), zap.Int("commits", n))
	return nil
}

// Rebase replays the pair's branch onto the current default branch, run
// inside the worktree.
func (m *Manager) Rebase(ctx context.Context, workerName, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := Dir(m.repoPath, workerName, taskID)
	if !m.exists(ctx, path) {
		return fmt.Errorf("%w: %s", ErrWorktreeNotFound, path)
	}
	if _, err := git(ctx, path, "rebase", m.defaultBranch); err != nil {
		_, _ = git(ctx, path, "rebase", "--abort")
		return fmt.Errorf("rebase onto %s: %w", m.defaultBranch, err)
	}
	return nil
}

// IsMergeInProgress reports whether the main repository has an unfinished
// merge.
func (m *Manager) IsMergeInProgress(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	gitDir, err := git(ctx, m.repoPath, "rev-parse", "--git-dir")
	if err != nil {
		return false
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(m.repoPath, gitDir)
	}
	_, err = os.Stat(filepath.Join(gitDir, "MERGE_HEAD"))
	return err == nil
}

// ConflictingFiles lists unmerged paths in the main repository.
func (m *Manager) ConflictingFiles(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conflictingFiles(ctx)
}

func (m *Manager) conflictingFiles(ctx context.Context) ([]string, error) {
	out, err := git(ctx, m.repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// AbortMerge abandons an in-progress merge.
func (m *Manager) AbortMerge(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := git(ctx, m.repoPath, "merge", "--abort"); err != nil {
		return fmt.Errorf("%w: %v", ErrNoMergeInProgress, err)
	}
	return nil
}

// CompleteMerge commits an in-progress merge after manual conflict
// resolution.
func (m *Manager) CompleteMerge(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	files, err := m.conflictingFiles(ctx)
	if err != nil {
		return err
	}
	if len(files) > 0 {
		return &MergeConflictError{Files: files}
	}
	if _, err := git(ctx, m.repoPath, "commit", "--no-edit"); err != nil {
		return fmt.Errorf("complete merge: %w", err)
	}
	return nil
}

// Cleanup finishes a pair's worktree after its worker exits. Branches with
// no commits are discarded; branches with commits are merged first, and the
// worktree is kept when the merge conflicts.
func (m *Manager) Cleanup(ctx context.Context, workerName, taskID string) error {
	branch := BranchName(workerName, taskID)

	n, err := m.CommitCount(ctx, workerName, taskID)
	if err != nil {
		return err
	}
	if n == 0 {
		m.logger.Info("discarding empty branch", zap.String("branch", branch))
		return m.Remove(ctx, workerName, taskID, true)
	}

	if err := m.Merge(ctx, workerName, taskID); err != nil {
		return err
	}
	return m.Remove(ctx, workerName, taskID, true)
}

// Validate checks that a registered worktree is still usable on disk.
func (m *Manager) Validate(ctx context.Context, workerName, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := Dir(m.repoPath, workerName, taskID)
	if !m.exists(ctx, path) {
		return fmt.Errorf("%w: %s", ErrWorktreeNotFound, path)
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: directory missing at %s", ErrWorktreeNotFound, path)
	}
	if _, err := git(ctx, path, "status", "--porcelain"); err != nil {
		return fmt.Errorf("worktree unusable at %s: %w", path, err)
	}
	return nil
}

// PostIterationMerge lands the pair's work on the default branch between
// iterations: merge, then rebase the worktree onto the new default so the
// next iteration starts from the merged state. A merge conflict is returned
// without attempting the rebase.
func (m *Manager) PostIterationMerge(ctx context.Context, workerName, taskID string) error {
	if err := m.Merge(ctx, workerName, taskID); err != nil {
		return err
	}
	return m.Rebase(ctx, workerName, taskID)
}

// Recreate rebuilds a broken worktree for the pair, reusing the pair's
// branch when it still exists. A worktree that is still valid is refused.
func (m *Manager) Recreate(ctx context.Context, workerName, taskID string) (string, error) {
	if err := m.Validate(ctx, workerName, taskID); err == nil {
		return "", fmt.Errorf("%w: %s", ErrWorktreeValid, Dir(m.repoPath, workerName, taskID))
	}
	if err := m.Remove(ctx, workerName, taskID, false); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := Dir(m.repoPath, workerName, taskID)
	branch := BranchName(workerName, taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create worktree parent: %w", err)
	}

	if _, err := git(ctx, m.repoPath, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		if _, err := git(ctx, m.repoPath, "worktree", "add", path, branch); err != nil {
			return "", fmt.Errorf("add worktree on %s: %w", branch, err)
		}
	} else if _, err := git(ctx, m.repoPath, "worktree", "add", "-b", branch, path, m.defaultBranch); err != nil {
		return "", fmt.Errorf("add worktree: %w", err)
	}

	m.logger.Info("worktree recreated",
		zap.String("worker", workerName),
		zap.String("task", taskID),
		zap.String("path", path))
	return path, nil
}
