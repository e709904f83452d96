package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/namastexlabs/automagik-forge/pkg/models"
)

// initTestRepo creates a throwaway git repository with one commit on main,
// returning its path.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, string(out))
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	run("add", "README.md")
	run("commit", "-m", "initial commit")

	return dir
}

func TestCreateWorktreeIsDeterministicAndAtomic(t *testing.T) {
	repoPath := initTestRepo(t)
	root := t.TempDir()
	m := NewManager(root)

	project := &models.Project{ID: uuid.New(), RepoPath: repoPath}
	attemptID := uuid.New()

	path, branch, err := m.CreateWorktree(context.Background(), project, attemptID, "main")
	require.NoError(t, err)
	require.Equal(t, m.WorktreePath(project.ID, attemptID), path)
	require.Equal(t, m.BranchName(attemptID), branch)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	_, _, err = m.CreateWorktree(context.Background(), project, attemptID, "main")
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ErrWorktreeInUse, kind)
}

func TestCreateWorktreeRejectsUnknownRepoAndBranch(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	_, _, err := m.CreateWorktree(context.Background(), &models.Project{ID: uuid.New(), RepoPath: filepath.Join(root, "does-not-exist")}, uuid.New(), "main")
	require.Error(t, err)
	kind, _ := KindOf(err)
	require.Equal(t, ErrRepoNotFound, kind)

	repoPath := initTestRepo(t)
	_, _, err = m.CreateWorktree(context.Background(), &models.Project{ID: uuid.New(), RepoPath: repoPath}, uuid.New(), "no-such-branch")
	require.Error(t, err)
	kind, _ = KindOf(err)
	require.Equal(t, ErrBaseBranchUnknown, kind)
}

func TestDropWorktreeIsIdempotent(t *testing.T) {
	repoPath := initTestRepo(t)
	root := t.TempDir()
	m := NewManager(root)

	project := &models.Project{ID: uuid.New(), RepoPath: repoPath}
	attemptID := uuid.New()

	path, _, err := m.CreateWorktree(context.Background(), project, attemptID, "main")
	require.NoError(t, err)

	require.NoError(t, m.DropWorktree(context.Background(), repoPath, path))
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))

	require.NoError(t, m.DropWorktree(context.Background(), repoPath, path), "dropping an already-gone worktree must not error")
}

func TestReapOrphansRemovesOnlyInactivePaths(t *testing.T) {
	repoPath := initTestRepo(t)
	root := t.TempDir()
	m := NewManager(root)

	project := &models.Project{ID: uuid.New(), RepoPath: repoPath}
	keepID := uuid.New()
	orphanID := uuid.New()

	keepPath, _, err := m.CreateWorktree(context.Background(), project, keepID, "main")
	require.NoError(t, err)
	orphanPath, _, err := m.CreateWorktree(context.Background(), project, orphanID, "main")
	require.NoError(t, err)

	active := map[string]struct{}{keepPath: {}}
	removed, err := m.ReapOrphans(context.Background(), active)
	require.NoError(t, err)
	require.Equal(t, []string{orphanPath}, removed)

	_, err = os.Stat(keepPath)
	require.NoError(t, err)
	_, err = os.Stat(orphanPath)
	require.True(t, os.IsNotExist(err))
}

func TestReapOrphansDisabledIsNoop(t *testing.T) {
	repoPath := initTestRepo(t)
	root := t.TempDir()
	m := NewManager(root, WithOrphanReapDisabled(true))

	project := &models.Project{ID: uuid.New(), RepoPath: repoPath}
	path, _, err := m.CreateWorktree(context.Background(), project, uuid.New(), "main")
	require.NoError(t, err)

	removed, err := m.ReapOrphans(context.Background(), map[string]struct{}{})
	require.NoError(t, err)
	require.Empty(t, removed)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestComputeDiffReportsAddedFile(t *testing.T) {
	repoPath := initTestRepo(t)
	root := t.TempDir()
	m := NewManager(root)

	project := &models.Project{ID: uuid.New(), RepoPath: repoPath}
	attemptID := uuid.New()

	path, _, err := m.CreateWorktree(context.Background(), project, attemptID, "main")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(path, "new.txt"), []byte("line one\nline two\n"), 0644))
	addCmd := exec.Command("git", "add", "new.txt")
	addCmd.Dir = path
	require.NoError(t, addCmd.Run())
	commitCmd := exec.Command("git", "commit", "-m", "add new file")
	commitCmd.Dir = path
	require.NoError(t, commitCmd.Run())

	diff, err := m.ComputeDiff(context.Background(), path, "main")
	require.NoError(t, err)
	require.Len(t, diff.Files, 1)
	require.Equal(t, "new.txt", diff.Files[0].Path)
	require.Equal(t, 2, diff.Files[0].Additions)
	require.NotEmpty(t, diff.Raw)
}

func TestCommitIdentitySetsLocalConfig(t *testing.T) {
	repoPath := initTestRepo(t)
	root := t.TempDir()
	m := NewManager(root)

	project := &models.Project{ID: uuid.New(), RepoPath: repoPath}
	path, _, err := m.CreateWorktree(context.Background(), project, uuid.New(), "main")
	require.NoError(t, err)

	require.NoError(t, m.CommitIdentity(context.Background(), path, "Alice", "alice@example.com"))

	cmd := exec.Command("git", "config", "user.email")
	cmd.Dir = path
	out, err := cmd.Output()
	require.NoError(t, err)
	require.Equal(t, "alice@example.com\n", string(out))
}
