package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initTestRepo creates a git repository with one commit on main.
func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	repo := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	ctx := context.Background()

	mustGit := func(args ...string) {
		t.Helper()
		_, err := git(ctx, repo, args...)
		require.NoError(t, err, "git %v", args)
	}
	mustGit("init", "-b", "main")
	mustGit("config", "user.email", "test@example.com")
	mustGit("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("hello\n"), 0o644))
	mustGit("add", ".")
	mustGit("commit", "-m", "initial commit")
	return repo
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	repo := initTestRepo(t)
	m, err := NewManager(context.Background(), repo, "", nil)
	require.NoError(t, err)
	return m, repo
}

// commitInWorktree writes a file and commits it inside the worktree.
func commitInWorktree(t *testing.T, path, name string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(path, name), []byte(name+"\n"), 0o644))
	_, err := git(ctx, path, "add", ".")
	require.NoError(t, err)
	_, err = git(ctx, path, "commit", "-m", "add "+name)
	require.NoError(t, err)
}

func TestNewManagerDetectsDefaultBranch(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Equal(t, "main", m.DefaultBranch())
}

func TestNewManagerRejectsNonRepo(t *testing.T) {
	_, err := NewManager(context.Background(), t.TempDir(), "", nil)
	assert.ErrorIs(t, err, ErrNotAGitRepo)
}

func TestCreateAndRemoveWorktree(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	path, err := m.Create(ctx, "homer", "bd-1")
	require.NoError(t, err)
	assert.Equal(t, Dir(repo, "homer", "bd-1"), path)
	assert.DirExists(t, path)
	assert.True(t, m.Exists(ctx, "homer", "bd-1"))

	// The worktree starts on its own branch.
	branch, err := git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, "ralph/homer/bd-1", branch)

	// Creating the same pair again fails.
	_, err = m.Create(ctx, "homer", "bd-1")
	assert.ErrorIs(t, err, ErrWorktreeExists)

	require.NoError(t, m.Remove(ctx, "homer", "bd-1", true))
	assert.False(t, m.Exists(ctx, "homer", "bd-1"))
	assert.NoDirExists(t, path)

	// Removing again is a no-op.
	assert.NoError(t, m.Remove(ctx, "homer", "bd-1", true))
}

func TestListReturnsManagedWorktreesOnly(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "homer", "bd-1")
	require.NoError(t, err)
	_, err = m.Create(ctx, "marge", "bd-2")
	require.NoError(t, err)

	infos, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byWorker := map[string]Info{}
	for _, info := range infos {
		byWorker[info.WorkerName] = info
	}
	assert.Equal(t, "bd-1", byWorker["homer"].TaskID)
	assert.Equal(t, "ralph/marge/bd-2", byWorker["marge"].Branch)
}

func TestCommitCountAndMerge(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	path, err := m.Create(ctx, "homer", "bd-1")
	require.NoError(t, err)

	n, err := m.CommitCount(ctx, "homer", "bd-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	commitInWorktree(t, path, "feature.txt")
	n, err = m.CommitCount(ctx, "homer", "bd-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, m.Merge(ctx, "homer", "bd-1"))
	assert.FileExists(t, filepath.Join(repo, "feature.txt"))
}

func TestMergeWithNoCommitsFails(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "homer", "bd-1")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Merge(ctx, "homer", "bd-1"), ErrNoCommits)
}

func TestMergeConflictIsReportedAndLeftInProgress(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	path, err := m.Create(ctx, "homer", "bd-1")
	require.NoError(t, err)

	// Conflicting edits to the same file on both sides.
	require.NoError(t, os.WriteFile(filepath.Join(path, "README.md"), []byte("worker version\n"), 0o644))
	_, err = git(ctx, path, "commit", "-am", "worker edit")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("main version\n"), 0o644))
	_, err = git(ctx, repo, "commit", "-am", "main edit")
	require.NoError(t, err)

	err = m.Merge(ctx, "homer", "bd-1")
	require.Error(t, err)
	assert.True(t, IsMergeConflict(err))

	var mc *MergeConflictError
	require.ErrorAs(t, err, &mc)
	assert.Equal(t, []string{"README.md"}, mc.Files)
	assert.True(t, m.IsMergeInProgress(ctx))

	files, err := m.ConflictingFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md"}, files)

	require.NoError(t, m.AbortMerge(ctx))
	assert.False(t, m.IsMergeInProgress(ctx))
}

func TestCleanupDiscardsEmptyBranch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	path, err := m.Create(ctx, "homer", "bd-1")
	require.NoError(t, err)

	require.NoError(t, m.Cleanup(ctx, "homer", "bd-1"))
	assert.NoDirExists(t, path)

	// The branch is gone too.
	_, err = git(ctx, m.RepoPath(), "rev-parse", "--verify", "refs/heads/ralph/homer/bd-1")
	assert.Error(t, err)
}

func TestCleanupMergesWork(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	path, err := m.Create(ctx, "homer", "bd-1")
	require.NoError(t, err)
	commitInWorktree(t, path, "done.txt")

	require.NoError(t, m.Cleanup(ctx, "homer", "bd-1"))
	assert.FileExists(t, filepath.Join(repo, "done.txt"))
	assert.NoDirExists(t, path)
}

func TestValidateAndRecreate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	path, err := m.Create(ctx, "homer", "bd-1")
	require.NoError(t, err)
	require.NoError(t, m.Validate(ctx, "homer", "bd-1"))
	commitInWorktree(t, path, "progress.txt")

	// A healthy worktree is not recreated.
	_, err = m.Recreate(ctx, "homer", "bd-1")
	assert.ErrorIs(t, err, ErrWorktreeValid)

	// Break the worktree by deleting its directory behind the manager's
	// back.
	require.NoError(t, os.RemoveAll(path))
	assert.Error(t, m.Validate(ctx, "homer", "bd-1"))

	fresh, err := m.Recreate(ctx, "homer", "bd-1")
	require.NoError(t, err)
	assert.DirExists(t, fresh)
	require.NoError(t, m.Validate(ctx, "homer", "bd-1"))

	// The existing branch was reused, so committed work survives.
	assert.FileExists(t, filepath.Join(fresh, "progress.txt"))
	n, err := m.CommitCount(ctx, "homer", "bd-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostIterationMergeLandsWorkAndRebases(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	path, err := m.Create(ctx, "homer", "bd-1")
	require.NoError(t, err)
	commitInWorktree(t, path, "first.txt")

	require.NoError(t, m.PostIterationMerge(ctx, "homer", "bd-1"))
	assert.FileExists(t, filepath.Join(repo, "first.txt"))

	// The worktree survives, rebased onto the merged default, ready for the
	// next iteration.
	assert.True(t, m.Exists(ctx, "homer", "bd-1"))
	commitInWorktree(t, path, "second.txt")
	require.NoError(t, m.PostIterationMerge(ctx, "homer", "bd-1"))
	assert.FileExists(t, filepath.Join(repo, "second.txt"))
}

func TestPostIterationMergeConflictSkipsRebase(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	path, err := m.Create(ctx, "homer", "bd-1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(path, "README.md"), []byte("worker version\n"), 0o644))
	_, err = git(ctx, path, "commit", "-am", "worker edit")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("main version\n"), 0o644))
	_, err = git(ctx, repo, "commit", "-am", "main edit")
	require.NoError(t, err)

	err = m.PostIterationMerge(ctx, "homer", "bd-1")
	assert.True(t, IsMergeConflict(err))
	assert.True(t, m.IsMergeInProgress(ctx))

	// The worktree branch was left alone; no rebase was attempted.
	branch, berr := git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	require.NoError(t, berr)
	assert.Equal(t, "ralph/homer/bd-1", branch)
}

func TestRebaseOntoDefault(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	path, err := m.Create(ctx, "homer", "bd-1")
	require.NoError(t, err)
	commitInWorktree(t, path, "mine.txt")

	// Advance main independently.
	require.NoError(t, os.WriteFile(filepath.Join(repo, "other.txt"), []byte("x\n"), 0o644))
	_, err = git(ctx, repo, "add", ".")
	require.NoError(t, err)
	_, err = git(ctx, repo, "commit", "-m", "advance main")
	require.NoError(t, err)

	require.NoError(t, m.Rebase(ctx, "homer", "bd-1"))
	assert.FileExists(t, filepath.Join(path, "other.txt"))
}
