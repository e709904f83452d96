package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/namastexlabs/automagik-forge/internal/db"
	"github.com/namastexlabs/automagik-forge/internal/db/repositories"
	"github.com/namastexlabs/automagik-forge/internal/logmux"
	"github.com/namastexlabs/automagik-forge/internal/worktree"
	"github.com/namastexlabs/automagik-forge/pkg/models"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *repositories.ProcessRepo) {
	t.Helper()
	tdb, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tdb.Close() })

	processes := repositories.NewProcessRepo(tdb.Conn())
	logs := logmux.NewMultiplexer(repositories.NewLogRepo(tdb.Conn()))
	wt := worktree.NewManager(t.TempDir())
	return NewSupervisor(processes, logs, wt), processes
}

func TestSpawnWaitHappyPathExitsZero(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	attemptID := uuid.New()
	cwd := t.TempDir()

	proc, err := sup.Spawn(ctx, attemptID, models.ProcessKindCodingAgent, []string{"echo", "hello"}, nil, cwd, nil, "")
	require.NoError(t, err)
	require.Equal(t, models.ProcessStatusRunning, proc.Status)

	final, err := sup.Wait(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProcessStatusExited, final.Status)
	require.NotNil(t, final.ExitCode)
	require.Equal(t, 0, *final.ExitCode)
}

func TestSpawnNonZeroExitRecordsExitCode(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	proc, err := sup.Spawn(ctx, uuid.New(), models.ProcessKindSetup, []string{"sh", "-c", "exit 3"}, nil, t.TempDir(), nil, "")
	require.NoError(t, err)

	final, err := sup.Wait(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProcessStatusExited, final.Status)
	require.Equal(t, 3, *final.ExitCode)
}

func TestSpawnFailureRecordsFailedToSpawn(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	proc, err := sup.Spawn(ctx, uuid.New(), models.ProcessKindCodingAgent, []string{"/no/such/binary-forge-test"}, nil, t.TempDir(), nil, "")
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ErrSpawnFailed, kind)
	require.NotNil(t, proc)
	require.Equal(t, models.ProcessStatusFailedToSpawn, proc.Status)
	require.NotNil(t, proc.FinishedAt)
}

func TestKillEscalatesAfterGracePeriod(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	sup.killGrace = 50 * time.Millisecond
	ctx := context.Background()

	proc, err := sup.Spawn(ctx, uuid.New(), models.ProcessKindDevServer, []string{"sh", "-c", "trap '' TERM INT; sleep 30"}, nil, t.TempDir(), nil, "")
	require.NoError(t, err)

	require.NoError(t, sup.Kill(ctx, proc.ID))

	final, err := sup.Wait(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProcessStatusKilled, final.Status)
}

func TestKillOnAlreadyTerminatedProcessIsNoop(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	proc, err := sup.Spawn(ctx, uuid.New(), models.ProcessKindCleanup, []string{"true"}, nil, t.TempDir(), nil, "")
	require.NoError(t, err)
	_, err = sup.Wait(ctx, proc.ID)
	require.NoError(t, err)

	require.NoError(t, sup.Kill(ctx, proc.ID), "killing a process no longer tracked as running must be a no-op")
}

func TestSpawnCommitsGitIdentityBeforeHandoff(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	dir := t.TempDir()
	initCmd := exec.Command("git", "init")
	initCmd.Dir = dir
	require.NoError(t, initCmd.Run())

	identity := &GitIdentity{Name: "Alice", Email: "alice@example.com"}
	proc, err := sup.Spawn(ctx, uuid.New(), models.ProcessKindCodingAgent, []string{"true"}, nil, dir, identity, "")
	require.NoError(t, err)
	_, err = sup.Wait(ctx, proc.ID)
	require.NoError(t, err)

	cmd := exec.Command("git", "config", "user.email")
	cmd.Dir = dir
	out, err := cmd.Output()
	require.NoError(t, err)
	require.Equal(t, "alice@example.com\n", string(out))
}

func TestSpawnWritesStdinToAgentProcess(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	cwd := t.TempDir()
	outFile := filepath.Join(cwd, "stdin.txt")

	proc, err := sup.Spawn(ctx, uuid.New(), models.ProcessKindCodingAgent,
		[]string{"sh", "-c", "cat > " + outFile}, nil, cwd, nil, "fix the bug\n")
	require.NoError(t, err)
	_, err = sup.Wait(ctx, proc.ID)
	require.NoError(t, err)

	contents, err := os.ReadFile(outFile)
	require.NoError(t, err)
	require.Equal(t, "fix the bug\n", string(contents))
}
