package repositories

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/namastexlabs/automagik-forge/internal/db"
	"github.com/namastexlabs/automagik-forge/pkg/models"
)

func newTestRepos(t *testing.T) *Repositories {
	t.Helper()
	tdb, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tdb.Close() })
	return New(tdb)
}

func TestUserUpsertByGithubIDCreatesThenUpdates(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	u1, err := repos.Users.UpsertByGithubID(ctx, 42, "octocat", "octo@example.com", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "octocat", u1.Username)
	require.False(t, u1.IsWhitelisted)

	u2, err := repos.Users.UpsertByGithubID(ctx, 42, "octocat2", "octo@example.com", nil, nil)
	require.NoError(t, err)
	require.Equal(t, u1.ID, u2.ID)
	require.Equal(t, "octocat2", u2.Username)
}

func TestSessionMintAndLookupByHash(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	user, err := repos.Users.UpsertByGithubID(ctx, 1, "alice", "alice@example.com", nil, nil)
	require.NoError(t, err)

	hash := []byte("fake-hash-of-bearer-token")
	sess, err := repos.Sessions.Mint(ctx, user.ID, hash, models.SessionKindHuman, nil, time.Hour)
	require.NoError(t, err)

	found, err := repos.Sessions.GetUnexpiredByTokenHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, sess.ID, found.ID)
}

func TestWhitelistAddAndIsActive(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	active, err := repos.Whitelist.IsActive(ctx, "nobody")
	require.NoError(t, err)
	require.False(t, active)

	_, err = repos.Whitelist.Add(ctx, "bob", nil, nil, nil)
	require.NoError(t, err)

	active, err = repos.Whitelist.IsActive(ctx, "bob")
	require.NoError(t, err)
	require.True(t, active)

	require.NoError(t, repos.Whitelist.SetActive(ctx, "bob", false))
	active, err = repos.Whitelist.IsActive(ctx, "bob")
	require.NoError(t, err)
	require.False(t, active)
}

func TestProjectCreateAndGet(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	p, err := repos.Projects.Create(ctx, "demo", "/repos/demo", nil, nil, nil, nil)
	require.NoError(t, err)

	got, err := repos.Projects.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "demo", got.Name)
}

func TestTaskCreateUpdateAndListWithStatus(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	project, err := repos.Projects.Create(ctx, "demo", "/repos/demo", nil, nil, nil, nil)
	require.NoError(t, err)

	task, err := repos.Tasks.Create(ctx, CreateTaskParams{
		ProjectID: project.ID,
		Title:     "fix the bug",
	})
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusTodo, task.Status)

	inProgress := models.TaskStatusInProgress
	updated, err := repos.Tasks.Update(ctx, task.ID, UpdateTaskPatch{Status: &inProgress})
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusInProgress, updated.Status)

	rows, err := repos.Tasks.ListWithUsersAndAttemptStatus(ctx, project.ID, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.False(t, rows[0].HasInProgressAttempt)
}

func TestAttemptLifecycleAndActiveConstraintQuery(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	project, err := repos.Projects.Create(ctx, "demo", "/repos/demo", nil, nil, nil, nil)
	require.NoError(t, err)
	task, err := repos.Tasks.Create(ctx, CreateTaskParams{ProjectID: project.ID, Title: "t"})
	require.NoError(t, err)

	attempt, err := repos.Attempts.Create(ctx, CreateAttemptParams{
		TaskID:       task.ID,
		Executor:     "claude",
		BaseBranch:   "main",
		WorktreePath: "/worktrees/" + task.ID.String(),
		BranchName:   "forge/" + attemptShortID(task.ID),
	})
	require.NoError(t, err)
	require.Equal(t, models.AttemptStateCreated, attempt.State)

	active, err := repos.Attempts.GetActiveForTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, attempt.ID, active.ID)

	require.NoError(t, repos.Attempts.UpdateState(ctx, attempt.ID, models.AttemptStateAgentDone))
	require.NoError(t, repos.Attempts.RecordMerge(ctx, attempt.ID, "abc123"))

	final, err := repos.Attempts.GetByID(ctx, attempt.ID)
	require.NoError(t, err)
	require.Equal(t, models.AttemptStateTerminal, final.State)
	require.NotNil(t, final.MergeCommit)

	_, err = repos.Attempts.GetActiveForTask(ctx, task.ID)
	require.Error(t, err, "no non-terminal attempt should remain")
}

func attemptShortID(id uuid.UUID) string {
	return id.String()[:8]
}

func TestProcessCreateAndMarkTerminal(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	project, err := repos.Projects.Create(ctx, "demo", "/repos/demo", nil, nil, nil, nil)
	require.NoError(t, err)
	task, err := repos.Tasks.Create(ctx, CreateTaskParams{ProjectID: project.ID, Title: "t"})
	require.NoError(t, err)
	attempt, err := repos.Attempts.Create(ctx, CreateAttemptParams{
		TaskID: task.ID, Executor: "claude", BaseBranch: "main",
		WorktreePath: "/wt/1", BranchName: "forge/abc",
	})
	require.NoError(t, err)

	proc, err := repos.Processes.Create(ctx, attempt.ID, models.ProcessKindCodingAgent,
		[]string{"claude", "-p"}, map[string]string{"FOO": "bar"}, "/wt/1")
	require.NoError(t, err)
	require.Equal(t, models.ProcessStatusRunning, proc.Status)

	running, err := repos.Processes.ListRunningForAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	require.Len(t, running, 1)

	code := 0
	require.NoError(t, repos.Processes.MarkTerminal(ctx, proc.ID, models.ProcessStatusExited, &code))

	got, err := repos.Processes.GetByID(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProcessStatusExited, got.Status)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 0, *got.ExitCode)
}

func TestLogAppendIsMonotonicAndReadableSince(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	project, err := repos.Projects.Create(ctx, "demo", "/repos/demo", nil, nil, nil, nil)
	require.NoError(t, err)
	task, err := repos.Tasks.Create(ctx, CreateTaskParams{ProjectID: project.ID, Title: "t"})
	require.NoError(t, err)
	attempt, err := repos.Attempts.Create(ctx, CreateAttemptParams{
		TaskID: task.ID, Executor: "claude", BaseBranch: "main",
		WorktreePath: "/wt/1", BranchName: "forge/abc",
	})
	require.NoError(t, err)
	proc, err := repos.Processes.Create(ctx, attempt.ID, models.ProcessKindCodingAgent,
		nil, nil, "/wt/1")
	require.NoError(t, err)

	seq0, err := repos.Logs.AppendLog(ctx, proc.ID, models.LogStreamOut, []byte("hello "))
	require.NoError(t, err)
	require.Equal(t, int64(0), seq0)

	seq1, err := repos.Logs.AppendLog(ctx, proc.ID, models.LogStreamOut, []byte("world"))
	require.NoError(t, err)
	require.Equal(t, int64(1), seq1)

	chunks, err := repos.Logs.ReadLogsSince(ctx, proc.ID, -1)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, int64(0), chunks[0].Seq)
	require.Equal(t, int64(1), chunks[1].Seq)

	onlyNew, err := repos.Logs.ReadLogsSince(ctx, proc.ID, 0)
	require.NoError(t, err)
	require.Len(t, onlyNew, 1)
	require.Equal(t, "world", string(onlyNew[0].Bytes))

	stdout, stderr, err := repos.Logs.ReadSnapshot(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(stdout))
	require.Empty(t, stderr)
}

// TestConcurrentAppendLogNeverCollidesSeq mirrors what
// internal/process.Supervisor actually does: two goroutines (stdout and
// stderr pumps) append for the same process_id concurrently. Every call
// must succeed and every assigned seq must be unique and contiguous —
// log_chunks' PRIMARY KEY(process_id, seq) would otherwise reject the
// loser of a MAX(seq) race.
func TestConcurrentAppendLogNeverCollidesSeq(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	project, err := repos.Projects.Create(ctx, "demo", "/repos/demo", nil, nil, nil, nil)
	require.NoError(t, err)
	task, err := repos.Tasks.Create(ctx, CreateTaskParams{ProjectID: project.ID, Title: "t"})
	require.NoError(t, err)
	attempt, err := repos.Attempts.Create(ctx, CreateAttemptParams{
		TaskID: task.ID, Executor: "claude", BaseBranch: "main",
		WorktreePath: "/wt/1", BranchName: "forge/abc",
	})
	require.NoError(t, err)
	proc, err := repos.Processes.Create(ctx, attempt.ID, models.ProcessKindCodingAgent,
		nil, nil, "/wt/1")
	require.NoError(t, err)

	const perStream = 25
	var wg sync.WaitGroup
	errs := make(chan error, perStream*2)
	appendN := func(stream models.LogStream) {
		defer wg.Done()
		for i := 0; i < perStream; i++ {
			if _, err := repos.Logs.AppendLog(ctx, proc.ID, stream, []byte("x")); err != nil {
				errs <- err
			}
		}
	}

	wg.Add(2)
	go appendN(models.LogStreamOut)
	go appendN(models.LogStreamErr)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	chunks, err := repos.Logs.ReadLogsSince(ctx, proc.ID, -1)
	require.NoError(t, err)
	require.Len(t, chunks, perStream*2)

	seen := make(map[int64]bool, len(chunks))
	for _, c := range chunks {
		require.Falsef(t, seen[c.Seq], "seq %d assigned twice", c.Seq)
		seen[c.Seq] = true
	}
	for i := int64(0); i < int64(perStream*2); i++ {
		require.Truef(t, seen[i], "seq %d missing", i)
	}
}

func TestTemplateScoping(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	project, err := repos.Projects.Create(ctx, "demo", "/repos/demo", nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = repos.Templates.Create(ctx, models.TemplateScopeGlobal, nil, "global-tpl", "do the thing")
	require.NoError(t, err)
	_, err = repos.Templates.Create(ctx, models.TemplateScopeProject, &project.ID, "project-tpl", "do the project thing")
	require.NoError(t, err)

	visible, err := repos.Templates.ListVisibleTo(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, visible, 2)

	otherProject := uuid.New()
	visibleOther, err := repos.Templates.ListVisibleTo(ctx, otherProject)
	require.NoError(t, err)
	require.Len(t, visibleOther, 1)
}
