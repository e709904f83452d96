// Package process implements the Process Supervisor (C4): spawning,
// killing, and awaiting the external agent/setup/dev-server/follow-up/
// cleanup processes that run inside an attempt's worktree, grounded on the
// teacher's CLIBackend.Execute subprocess-and-OTel-span pattern.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/namastexlabs/automagik-forge/internal/db/repositories"
	"github.com/namastexlabs/automagik-forge/internal/logging"
	"github.com/namastexlabs/automagik-forge/internal/logmux"
	"github.com/namastexlabs/automagik-forge/internal/worktree"
	"github.com/namastexlabs/automagik-forge/pkg/models"
)

// DefaultKillGrace is how long kill(process_id) waits after a graceful
// interrupt (os.Interrupt, SIGINT) before escalating to SIGKILL.
const DefaultKillGrace = 5 * time.Second

// GitIdentity is the attempting user's name/email, committed into a
// worktree's local git config before an agent process is spawned in it.
type GitIdentity struct {
	Name  string
	Email string
}

type runningProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu            sync.Mutex
	killRequested bool
	terminalOnce  sync.Once
}

// Supervisor is the Process Supervisor.
type Supervisor struct {
	processes *repositories.ProcessRepo
	logs      *logmux.Multiplexer
	worktrees *worktree.Manager
	killGrace time.Duration
	tracer    trace.Tracer

	mu      sync.Mutex
	running map[uuid.UUID]*runningProcess
}

func NewSupervisor(processes *repositories.ProcessRepo, logs *logmux.Multiplexer, worktrees *worktree.Manager) *Supervisor {
	return &Supervisor{
		processes: processes,
		logs:      logs,
		worktrees: worktrees,
		killGrace: DefaultKillGrace,
		tracer:    otel.Tracer("forge.process.supervisor"),
		running:   make(map[uuid.UUID]*runningProcess),
	}
}

// Spawn is spawn(kind, argv, env, cwd, attempt_id). When identity is
// non-nil it is committed into cwd's git config before the child starts.
// stdin, if non-empty, is written to the child's stdin and then closed
// (used for a CODING_AGENT's prompt).
func (s *Supervisor) Spawn(ctx context.Context, attemptID uuid.UUID, kind models.ProcessKind, argv []string, env map[string]string, cwd string, identity *GitIdentity, stdin string) (*models.ExecutionProcess, error) {
	if len(argv) == 0 {
		return nil, newErr("spawn", ErrSpawnFailed, fmt.Errorf("argv must not be empty"))
	}

	if identity != nil {
		if err := s.worktrees.CommitIdentity(ctx, cwd, identity.Name, identity.Email); err != nil {
			failed, createErr := s.processes.CreateFailed(ctx, attemptID, kind, argv, env, cwd)
			if createErr != nil {
				return nil, newErr("spawn", ErrSpawnFailed, fmt.Errorf("commit identity: %w (and record failure: %v)", err, createErr))
			}
			return failed, newErr("spawn", ErrSpawnFailed, fmt.Errorf("commit identity: %w", err))
		}
	}

	ctx, span := s.tracer.Start(ctx, "process.spawn",
		trace.WithAttributes(
			attribute.String("process.kind", string(kind)),
			attribute.String("process.attempt_id", attemptID.String()),
		),
	)
	defer span.End()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), flattenEnv(env)...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		span.RecordError(err)
		failed, createErr := s.processes.CreateFailed(ctx, attemptID, kind, argv, env, cwd)
		if createErr != nil {
			return nil, newErr("spawn", ErrSpawnFailed, createErr)
		}
		return failed, newErr("spawn", ErrSpawnFailed, fmt.Errorf("stdout pipe: %w", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		span.RecordError(err)
		failed, createErr := s.processes.CreateFailed(ctx, attemptID, kind, argv, env, cwd)
		if createErr != nil {
			return nil, newErr("spawn", ErrSpawnFailed, createErr)
		}
		return failed, newErr("spawn", ErrSpawnFailed, fmt.Errorf("stderr pipe: %w", err))
	}

	var stdinPipe io.WriteCloser
	if stdin != "" {
		stdinPipe, err = cmd.StdinPipe()
		if err != nil {
			span.RecordError(err)
			failed, createErr := s.processes.CreateFailed(ctx, attemptID, kind, argv, env, cwd)
			if createErr != nil {
				return nil, newErr("spawn", ErrSpawnFailed, createErr)
			}
			return failed, newErr("spawn", ErrSpawnFailed, fmt.Errorf("stdin pipe: %w", err))
		}
	}

	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		failed, createErr := s.processes.CreateFailed(ctx, attemptID, kind, argv, env, cwd)
		if createErr != nil {
			return nil, newErr("spawn", ErrSpawnFailed, createErr)
		}
		return failed, newErr("spawn", ErrSpawnFailed, err)
	}

	proc, err := s.processes.Create(ctx, attemptID, kind, argv, env, cwd)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, newErr("spawn", ErrSpawnFailed, fmt.Errorf("record running process: %w", err))
	}

	rp := &runningProcess{cmd: cmd, done: make(chan struct{})}
	s.mu.Lock()
	s.running[proc.ID] = rp
	s.mu.Unlock()

	if stdinPipe != nil {
		go func() {
			_, _ = io.WriteString(stdinPipe, stdin)
			stdinPipe.Close()
		}()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go s.pump(proc.ID, stdoutPipe, models.LogStreamOut, &wg)
	go s.pump(proc.ID, stderrPipe, models.LogStreamErr, &wg)

	go func() {
		wg.Wait()
		cmdErr := cmd.Wait()
		s.finish(context.Background(), proc.ID, rp, cmdErr, span)
	}()

	return proc, nil
}

func (s *Supervisor) pump(processID uuid.UUID, r io.Reader, stream models.LogStream, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := append(append([]byte{}, scanner.Bytes()...), '\n')
		if _, err := s.logs.Append(context.Background(), processID, stream, line); err != nil {
			logging.Error("append %s log chunk for process %s: %v", stream, processID, err)
		}
	}
}

func (s *Supervisor) finish(ctx context.Context, processID uuid.UUID, rp *runningProcess, cmdErr error, span trace.Span) {
	rp.terminalOnce.Do(func() {
		rp.mu.Lock()
		killed := rp.killRequested
		rp.mu.Unlock()

		status := models.ProcessStatusExited
		var exitCode *int
		if cmdErr != nil {
			if exitErr, ok := cmdErr.(*exec.ExitError); ok {
				code := exitErr.ExitCode()
				exitCode = &code
			} else {
				code := -1
				exitCode = &code
			}
		} else {
			code := 0
			exitCode = &code
		}
		if killed {
			status = models.ProcessStatusKilled
		}

		if err := s.processes.MarkTerminal(ctx, processID, status, exitCode); err != nil {
			span.RecordError(err)
		}
		s.logs.MarkTerminal(processID)

		if status == models.ProcessStatusExited && exitCode != nil && *exitCode == 0 {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, string(status))
		}

		s.mu.Lock()
		delete(s.running, processID)
		s.mu.Unlock()

		close(rp.done)
	})
}

// Kill is kill(process_id): a no-op if the process is not currently
// running (already terminal). Otherwise it sends a graceful termination
// signal and escalates to a forceful kill after the grace period.
func (s *Supervisor) Kill(ctx context.Context, processID uuid.UUID) error {
	s.mu.Lock()
	rp, ok := s.running[processID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	rp.mu.Lock()
	rp.killRequested = true
	rp.mu.Unlock()

	if err := rp.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = rp.cmd.Process.Kill()
	}

	timer := time.NewTimer(s.killGrace)
	defer timer.Stop()

	select {
	case <-rp.done:
		return nil
	case <-timer.C:
		_ = rp.cmd.Process.Kill()
		<-rp.done
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait is wait(process_id): blocks until processID reaches a terminal
// state and returns its final row.
func (s *Supervisor) Wait(ctx context.Context, processID uuid.UUID) (*models.ExecutionProcess, error) {
	s.mu.Lock()
	rp, ok := s.running[processID]
	s.mu.Unlock()

	if ok {
		select {
		case <-rp.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return s.processes.GetByID(ctx, processID)
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
