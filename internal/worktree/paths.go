// Package worktree manages per-worker git worktrees: one isolated checkout
// and branch per (worker, task) pair, created next to the main repository
// and merged back when work completes.
package worktree

import (
	"path/filepath"
	"strings"
)

// branchPrefix namespaces all branches created by this process.
const branchPrefix = "ralph/"

// Root returns the directory holding all worktrees for a repository, a
// sibling of the repository itself.
func Root(repoPath string) string {
	return filepath.Clean(repoPath) + "-worktrees"
}

// Dir returns the worktree path for a worker working on a task.
func Dir(repoPath, workerName, taskID string) string {
	return filepath.Join(Root(repoPath), workerName, taskID)
}

// BranchName returns the branch a worker uses for a task.
func BranchName(workerName, taskID string) string {
	return branchPrefix + workerName + "/" + taskID
}

// IsManagedBranch reports whether the branch was created by this process.
func IsManagedBranch(branch string) bool {
	return strings.HasPrefix(branch, branchPrefix)
}

// ParseBranch splits a managed branch back into worker and task. ok is
// false for branches outside the managed namespace.
func ParseBranch(branch string) (workerName, taskID string, ok bool) {
	if !IsManagedBranch(branch) {
		return "", "", false
	}
	rest := strings.TrimPrefix(branch, branchPrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
