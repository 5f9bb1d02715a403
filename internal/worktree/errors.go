package worktree

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAGitRepo indicates the configured repository path is not a git
	// repository.
	ErrNotAGitRepo = errors.New("not a git repository")
	// ErrWorktreeExists indicates a worktree already exists at the target
	// path.
	ErrWorktreeExists = errors.New("worktree already exists")
	// ErrWorktreeNotFound indicates no worktree exists at the given path.
	ErrWorktreeNotFound = errors.New("worktree not found")
	// ErrNoCommits indicates a branch has no commits beyond its base.
	ErrNoCommits = errors.New("branch has no commits")
	// ErrNoMergeInProgress indicates there is no merge to complete or abort.
	ErrNoMergeInProgress = errors.New("no merge in progress")
	// ErrWorktreeValid indicates a recreate was requested for a worktree
	// that is still usable.
	ErrWorktreeValid = errors.New("worktree is still valid")
)

// MergeConflictError reports a merge that stopped on conflicts. The merge is
// left in progress for manual resolution.
type MergeConflictError struct {
	Branch string
	Files  []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge of %s conflicts in %d file(s)", e.Branch, len(e.Files))
}

// IsMergeConflict reports whether err is a merge conflict.
func IsMergeConflict(err error) bool {
	var mc *MergeConflictError
	return errors.As(err, &mc)
}
