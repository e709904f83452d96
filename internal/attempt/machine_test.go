package attempt

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/namastexlabs/automagik-forge/internal/db"
	"github.com/namastexlabs/automagik-forge/internal/db/repositories"
	"github.com/namastexlabs/automagik-forge/internal/eventbus"
	"github.com/namastexlabs/automagik-forge/internal/executor"
	"github.com/namastexlabs/automagik-forge/internal/forgeerr"
	"github.com/namastexlabs/automagik-forge/internal/logmux"
	"github.com/namastexlabs/automagik-forge/internal/process"
	"github.com/namastexlabs/automagik-forge/internal/worktree"
	"github.com/namastexlabs/automagik-forge/pkg/models"
)

// initTestRepo creates a throwaway git repository with one commit on main.
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

type stubTokenSource struct {
	token string
	err   error
}

func (s *stubTokenSource) DecryptGithubToken(user *models.User) (string, error) {
	return s.token, s.err
}

type stubPRClient struct {
	url string
	err error
	req OpenPRRequest
}

func (s *stubPRClient) OpenPullRequest(ctx context.Context, req OpenPRRequest) (string, error) {
	s.req = req
	return s.url, s.err
}

type harness struct {
	repos  *repositories.Repositories
	m      *Machine
	bus    *eventbus.Broker
	tokens *stubTokenSource
	prs    *stubPRClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tdb, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tdb.Close() })

	repos := repositories.New(tdb)
	wt := worktree.NewManager(t.TempDir())
	logs := logmux.NewMultiplexer(repos.Logs)
	procs := process.NewSupervisor(repos.Processes, logs, wt)

	bus, err := eventbus.NewBroker(eventbus.Config{ReplayWindow: 16, StoreDir: t.TempDir(), PresenceSweepSchedule: "@every 1s"})
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	reg := executor.NewRegistry(map[string]executor.Spec{
		"echo-agent": {Command: "cat"},
		"failing":    {Command: "sh", Args: []string{"-c", "cat >/dev/null; exit 7"}},
	})

	tokens := &stubTokenSource{token: "gho_test"}
	prs := &stubPRClient{url: "https://github.com/acme/widgets/pull/1"}

	identity := &process.GitIdentity{Name: "Test", Email: "test@example.com"}
	m := New(repos, wt, procs, logs, bus, reg, tokens, prs, identity)
	return &harness{repos: repos, m: m, bus: bus, tokens: tokens, prs: prs}
}

func (h *harness) newProject(t *testing.T, repoPath string) *models.Project {
	t.Helper()
	p, err := h.repos.Projects.Create(context.Background(), "widgets", repoPath, nil, nil, nil, nil)
	require.NoError(t, err)
	return p
}

func (h *harness) newTask(t *testing.T, projectID uuid.UUID, description string) *models.Task {
	t.Helper()
	task, err := h.repos.Tasks.Create(context.Background(), repositories.CreateTaskParams{
		ProjectID:   projectID,
		Title:       "fix the bug",
		Description: &description,
	})
	require.NoError(t, err)
	return task
}

func waitForState(t *testing.T, repos *repositories.Repositories, attemptID uuid.UUID, want models.AttemptState) *models.TaskAttempt {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		a, err := repos.Attempts.GetByID(context.Background(), attemptID)
		require.NoError(t, err)
		if a.State == want {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("attempt never reached state %s", want)
	return nil
}

func TestCreateWithoutSetupScriptGoesStraightToAgentRunningThenDone(t *testing.T) {
	h := newHarness(t)
	repoPath := initTestRepo(t)
	project := h.newProject(t, repoPath)
	task := h.newTask(t, project.ID, "do the thing")

	a, err := h.m.Create(context.Background(), task.ID, "echo-agent", "main", nil)
	require.NoError(t, err)
	require.Contains(t, []models.AttemptState{models.AttemptStateAgentRunning, models.AttemptStateAgentDone}, a.State)

	final := waitForState(t, h.repos, a.ID, models.AttemptStateAgentDone)
	require.Equal(t, task.ID, final.TaskID)
}

func TestCreateSecondAttemptForSameTaskConflicts(t *testing.T) {
	h := newHarness(t)
	repoPath := initTestRepo(t)
	project := h.newProject(t, repoPath)
	task := h.newTask(t, project.ID, "do the thing")

	_, err := h.m.Create(context.Background(), task.ID, "echo-agent", "main", nil)
	require.NoError(t, err)

	_, err = h.m.Create(context.Background(), task.ID, "echo-agent", "main", nil)
	require.Error(t, err)
	require.Equal(t, forgeerr.Conflict, forgeerr.KindOf(err))
}

// TestConcurrentCreateForSameTaskIsExactlyOneWinner exercises seed scenario
// S5: two callers racing create_attempt(T) with no head start on each
// other. Without taskLock serializing the check-active-then-insert region,
// both could observe no active attempt and both insert one.
func TestConcurrentCreateForSameTaskIsExactlyOneWinner(t *testing.T) {
	h := newHarness(t)
	repoPath := initTestRepo(t)
	project := h.newProject(t, repoPath)
	task := h.newTask(t, project.ID, "do the thing")

	const callers = 8
	var wg sync.WaitGroup
	results := make([]error, callers)
	attempts := make([]*models.TaskAttempt, callers)

	wg.Add(callers)
	for i := 0; i < callers; i++ {
		i := i
		go func() {
			defer wg.Done()
			a, err := h.m.Create(context.Background(), task.ID, "echo-agent", "main", nil)
			results[i] = err
			attempts[i] = a
		}()
	}
	wg.Wait()

	successes := 0
	for i, err := range results {
		if err == nil {
			successes++
			require.NotNil(t, attempts[i])
			continue
		}
		require.Equal(t, forgeerr.Conflict, forgeerr.KindOf(err))
	}
	require.Equal(t, 1, successes, "exactly one create_attempt call must win the race")

	active, err := h.repos.Attempts.GetActiveForTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
}

func TestCreateWithSetupScriptRunsSetupBeforeAgent(t *testing.T) {
	h := newHarness(t)
	repoPath := initTestRepo(t)
	script := "echo setting up"
	project, err := h.repos.Projects.Create(context.Background(), "widgets", repoPath, &script, nil, nil, nil)
	require.NoError(t, err)
	task := h.newTask(t, project.ID, "do the thing")

	created, err := h.m.Create(context.Background(), task.ID, "echo-agent", "main", nil)
	require.NoError(t, err)

	final := waitForState(t, h.repos, created.ID, models.AttemptStateAgentDone)

	procs, err := h.repos.Processes.ListForAttempt(context.Background(), final.ID)
	require.NoError(t, err)
	var kinds []models.ProcessKind
	for _, p := range procs {
		kinds = append(kinds, p.Kind)
	}
	require.Contains(t, kinds, models.ProcessKindSetup)
	require.Contains(t, kinds, models.ProcessKindCodingAgent)
}

func TestCreateWithFailingExecutorTransitionsToFailed(t *testing.T) {
	h := newHarness(t)
	repoPath := initTestRepo(t)
	project := h.newProject(t, repoPath)
	task := h.newTask(t, project.ID, "do the thing")

	a, err := h.m.Create(context.Background(), task.ID, "failing", "main", nil)
	require.NoError(t, err)

	waitForState(t, h.repos, a.ID, models.AttemptStateFailed)
}

func TestFollowUpFromAgentDoneReturnsToAgentRunning(t *testing.T) {
	h := newHarness(t)
	repoPath := initTestRepo(t)
	project := h.newProject(t, repoPath)
	task := h.newTask(t, project.ID, "do the thing")

	a, err := h.m.Create(context.Background(), task.ID, "echo-agent", "main", nil)
	require.NoError(t, err)
	waitForState(t, h.repos, a.ID, models.AttemptStateAgentDone)

	after, err := h.m.FollowUp(context.Background(), a.ID, "try again", nil)
	require.NoError(t, err)
	require.Equal(t, models.AttemptStateAgentRunning, after.State)

	waitForState(t, h.repos, a.ID, models.AttemptStateAgentDone)

	_, err = h.m.FollowUp(context.Background(), a.ID, "again", nil)
	require.NoError(t, err, "AGENT_DONE is a legal source state for follow_up")
}

func TestFollowUpRejectsCreatedState(t *testing.T) {
	h := newHarness(t)
	repoPath := initTestRepo(t)
	project := h.newProject(t, repoPath)
	task := h.newTask(t, project.ID, "do the thing")

	taskAttempt, err := h.repos.Attempts.Create(context.Background(), repositories.CreateAttemptParams{
		TaskID:       task.ID,
		Executor:     "echo-agent",
		BaseBranch:   "main",
		WorktreePath: t.TempDir(),
		BranchName:   "forge/test",
	})
	require.NoError(t, err)

	_, err = h.m.FollowUp(context.Background(), taskAttempt.ID, "try again", nil)
	require.Error(t, err)
	require.Equal(t, forgeerr.Conflict, forgeerr.KindOf(err))
}

func TestStopIsIdempotentOnCancelledAttempt(t *testing.T) {
	h := newHarness(t)
	repoPath := initTestRepo(t)
	project := h.newProject(t, repoPath)
	task := h.newTask(t, project.ID, "do the thing")

	a, err := h.m.Create(context.Background(), task.ID, "echo-agent", "main", nil)
	require.NoError(t, err)

	_, err = h.m.Stop(context.Background(), a.ID, nil)
	require.NoError(t, err)

	final, err := h.m.Stop(context.Background(), a.ID, nil)
	require.NoError(t, err)
	require.Equal(t, models.AttemptStateCancelled, final.State)
}

func TestMergeRequiresAgentDoneAndDropsWorktree(t *testing.T) {
	h := newHarness(t)
	repoPath := initTestRepo(t)
	project := h.newProject(t, repoPath)
	task := h.newTask(t, project.ID, "do the thing")

	a, err := h.m.Create(context.Background(), task.ID, "echo-agent", "main", nil)
	require.NoError(t, err)
	waitForState(t, h.repos, a.ID, models.AttemptStateAgentDone)

	final, err := h.m.Merge(context.Background(), a.ID, "Alice", "alice@example.com", nil)
	require.NoError(t, err)
	require.Equal(t, models.AttemptStateTerminal, final.State)
	require.NotNil(t, final.MergeCommit)

	_, statErr := os.Stat(final.WorktreePath)
	require.True(t, os.IsNotExist(statErr), "worktree should be dropped after merge")
}

func TestOpenPRPushesAndRecordsURL(t *testing.T) {
	h := newHarness(t)
	repoPath := initTestRepo(t)
	project := h.newProject(t, repoPath)
	task := h.newTask(t, project.ID, "do the thing")

	a, err := h.m.Create(context.Background(), task.ID, "echo-agent", "main", nil)
	require.NoError(t, err)
	waitForState(t, h.repos, a.ID, models.AttemptStateAgentDone)

	user := &models.User{ID: uuid.New(), Username: "carol"}
	final, err := h.m.OpenPR(context.Background(), a.ID, "Fix the bug", "", "", user)
	require.NoError(t, err)
	require.NotNil(t, final.PRUrl)
	require.Equal(t, h.prs.url, *final.PRUrl)
	require.Equal(t, a.BranchName, h.prs.req.Head)
}
