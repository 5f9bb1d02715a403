package worktree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirAndBranchNaming(t *testing.T) {
	assert.Equal(t, "/src/myrepo-worktrees", Root("/src/myrepo"))
	assert.Equal(t, "/src/myrepo-worktrees", Root("/src/myrepo/"))
	assert.Equal(t,
		filepath.Join("/src/myrepo-worktrees", "homer", "bd-42"),
		Dir("/src/myrepo", "homer", "bd-42"))
	assert.Equal(t, "ralph/homer/bd-42", BranchName("homer", "bd-42"))
}

func TestIsManagedBranch(t *testing.T) {
	assert.True(t, IsManagedBranch("ralph/homer/bd-1"))
	assert.False(t, IsManagedBranch("main"))
	assert.False(t, IsManagedBranch("feature/ralph"))
}

func TestParseBranch(t *testing.T) {
	worker, task, ok := ParseBranch("ralph/homer/bd-42")
	assert.True(t, ok)
	assert.Equal(t, "homer", worker)
	assert.Equal(t, "bd-42", task)

	// Task ids may contain slashes.
	worker, task, ok = ParseBranch("ralph/marge/proj/sub-1")
	assert.True(t, ok)
	assert.Equal(t, "marge", worker)
	assert.Equal(t, "proj/sub-1", task)

	_, _, ok = ParseBranch("main")
	assert.False(t, ok)
	_, _, ok = ParseBranch("ralph/homer")
	assert.False(t, ok)
	_, _, ok = ParseBranch("ralph//bd-1")
	assert.False(t, ok)
}
