// Package attempt implements the Attempt State Machine (C6): the
// component that coordinates the Worktree Manager (C3), Process
// Supervisor (C4), Log Multiplexer (C5) and Store (C1) to advance a task
// attempt through its lifecycle, publishing every transition onto the
// Event Bus (C7). Grounded on the teacher's workflow-run orchestration in
// internal/workflows/runtime/nats_engine.go (state transitions fanned out
// over the same event bus that drives subscribers), generalized from
// NATS workflow runs to git worktree attempts.
package attempt

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/internal/db/repositories"
	"github.com/namastexlabs/automagik-forge/internal/eventbus"
	"github.com/namastexlabs/automagik-forge/internal/executor"
	"github.com/namastexlabs/automagik-forge/internal/forgeerr"
	"github.com/namastexlabs/automagik-forge/internal/logmux"
	"github.com/namastexlabs/automagik-forge/internal/process"
	"github.com/namastexlabs/automagik-forge/internal/worktree"
	"github.com/namastexlabs/automagik-forge/pkg/models"
)

// TokenSource recovers a user's plaintext GitHub token for a git push/PR
// call; satisfied by *auth.Service.DecryptGithubToken. Kept as an
// interface here so this package does not import internal/auth (which
// would create an import cycle once the Tool Surface wires auth →
// attempt → auth-for-tokens).
type TokenSource interface {
	DecryptGithubToken(user *models.User) (string, error)
}

// PRClient opens a pull request against an upstream git host. The HTTP
// implementation (internal/github) targets GitHub's REST API; tests use
// a fake.
type PRClient interface {
	OpenPullRequest(ctx context.Context, req OpenPRRequest) (url string, err error)
}

// OpenPRRequest carries everything a PRClient needs to open a PR once the
// branch has already been pushed.
type OpenPRRequest struct {
	RepoPath string
	Token    string
	Head     string
	Base     string
	Title    string
	Body     string
}

// Machine is the Attempt State Machine. One Machine serves every project
// the server knows about; per-attempt serialization is via an internal
// mutex keyed by attempt id, not one goroutine per attempt.
type Machine struct {
	repos      *repositories.Repositories
	worktrees  *worktree.Manager
	procs      *process.Supervisor
	logs       *logmux.Multiplexer
	bus        *eventbus.Broker
	executors  *executor.Registry
	tokens     TokenSource
	prs        PRClient
	identity   *process.GitIdentity

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex

	taskMu    sync.Mutex
	taskLocks map[uuid.UUID]*sync.Mutex
}

func New(
	repos *repositories.Repositories,
	worktrees *worktree.Manager,
	procs *process.Supervisor,
	logs *logmux.Multiplexer,
	bus *eventbus.Broker,
	executors *executor.Registry,
	tokens TokenSource,
	prs PRClient,
	identity *process.GitIdentity,
) *Machine {
	return &Machine{
		repos:     repos,
		worktrees: worktrees,
		procs:     procs,
		logs:      logs,
		bus:       bus,
		executors: executors,
		tokens:    tokens,
		prs:       prs,
		identity:  identity,
		locks:     make(map[uuid.UUID]*sync.Mutex),
		taskLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (m *Machine) attemptLock(id uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// taskLock serializes create_attempt calls for the same task_id, so the
// check-active-then-insert race (two callers both observing no active
// attempt and both inserting one) cannot happen: there is no partial
// unique index over task_attempts enforcing this at the Store layer, so
// Create itself must hold this for the whole check-and-insert.
func (m *Machine) taskLock(taskID uuid.UUID) *sync.Mutex {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()
	l, ok := m.taskLocks[taskID]
	if !ok {
		l = &sync.Mutex{}
		m.taskLocks[taskID] = l
	}
	return l
}

func (m *Machine) publish(ctx context.Context, projectID uuid.UUID, kind eventbus.Kind, entityID uuid.UUID, actor *uuid.UUID, payload interface{}) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, eventbus.Event{
		ProjectID:   projectID,
		Kind:        kind,
		EntityID:    entityID,
		ActorUserID: actor,
		Payload:     payload,
	})
}

// Create is create(task_id, executor, base_branch, user). It enforces
// the at-most-one-non-terminal-attempt-per-task tie-break, allocates the
// worktree, and (if the project has a setup_script) runs SETUP before
// spawning the CODING_AGENT; otherwise it goes straight to AGENT_RUNNING.
func (m *Machine) Create(ctx context.Context, taskID uuid.UUID, executorName, baseBranch string, userID *uuid.UUID) (*models.TaskAttempt, error) {
	task, err := m.repos.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, forgeerr.New("create_attempt", forgeerr.NotFound, err)
	}

	lock := m.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := m.repos.Attempts.GetActiveForTask(ctx, taskID); err == nil && existing != nil {
		return nil, forgeerr.New("create_attempt", forgeerr.Conflict,
			fmt.Errorf("task %s already has a live attempt", taskID)).WithDetail("attempt_id", existing.ID)
	}

	spec, err := m.executors.Resolve(executorName)
	if err != nil {
		return nil, forgeerr.New("create_attempt", forgeerr.Validation, err)
	}

	project, err := m.repos.Projects.GetByID(ctx, task.ProjectID)
	if err != nil {
		return nil, forgeerr.New("create_attempt", forgeerr.NotFound, err)
	}

	attemptID := uuid.New()
	path := m.worktrees.WorktreePath(project.ID, attemptID)
	branch := m.worktrees.BranchName(attemptID)

	if _, _, err := m.worktrees.CreateWorktree(ctx, project, attemptID, baseBranch); err != nil {
		return nil, forgeerr.New("create_attempt", forgeerr.UpstreamUnavailable, err)
	}

	attemptRow, err := m.repos.Attempts.Create(ctx, repositories.CreateAttemptParams{
		ID:           attemptID,
		TaskID:       taskID,
		Executor:     executorName,
		BaseBranch:   baseBranch,
		WorktreePath: path,
		BranchName:   branch,
		CreatedBy:    userID,
	})
	if err != nil {
		_ = m.worktrees.DropWorktree(ctx, project.RepoPath, path)
		return nil, forgeerr.New("create_attempt", forgeerr.Internal, err)
	}

	m.publish(ctx, project.ID, eventbus.AttemptStateChanged, attemptRow.ID, userID, attemptRow)

	if project.SetupScript != nil && *project.SetupScript != "" {
		return m.runSetup(ctx, project, task, attemptRow, spec, userID)
	}

	return m.startAgent(ctx, project, task, attemptRow, spec, userID)
}

func (m *Machine) runSetup(ctx context.Context, project *models.Project, task *models.Task, a *models.TaskAttempt, spec executor.Spec, userID *uuid.UUID) (*models.TaskAttempt, error) {
	if err := m.repos.Attempts.UpdateState(ctx, a.ID, models.AttemptStateSetupRunning); err != nil {
		return nil, forgeerr.New("create_attempt", forgeerr.Internal, err)
	}
	a.State = models.AttemptStateSetupRunning
	m.publish(ctx, project.ID, eventbus.AttemptStateChanged, a.ID, userID, a)

	proc, err := m.procs.Spawn(ctx, a.ID, models.ProcessKindSetup, []string{"/bin/sh", "-c", *project.SetupScript}, nil, a.WorktreePath, m.identity, "")
	if err != nil {
		return m.fail(ctx, project.ID, a, userID)
	}

	go m.awaitSetup(context.Background(), project, task, a, spec, proc.ID, userID)

	return m.repos.Attempts.GetByID(ctx, a.ID)
}

func (m *Machine) awaitSetup(ctx context.Context, project *models.Project, task *models.Task, a *models.TaskAttempt, spec executor.Spec, processID uuid.UUID, userID *uuid.UUID) {
	lock := m.attemptLock(a.ID)
	lock.Lock()
	defer lock.Unlock()

	proc, err := m.procs.Wait(ctx, processID)
	if err != nil || proc.Status != models.ProcessStatusExited || proc.ExitCode == nil || *proc.ExitCode != 0 {
		m.fail(ctx, project.ID, a, userID)
		return
	}

	m.startAgent(ctx, project, task, a, spec, userID)
}

func (m *Machine) startAgent(ctx context.Context, project *models.Project, task *models.Task, a *models.TaskAttempt, spec executor.Spec, userID *uuid.UUID) (*models.TaskAttempt, error) {
	if err := m.repos.Attempts.UpdateState(ctx, a.ID, models.AttemptStateAgentRunning); err != nil {
		return nil, forgeerr.New("create_attempt", forgeerr.Internal, err)
	}
	a.State = models.AttemptStateAgentRunning
	m.publish(ctx, project.ID, eventbus.AttemptStateChanged, a.ID, userID, a)

	prompt := ""
	if task.Description != nil {
		prompt = *task.Description
	}

	proc, err := m.procs.Spawn(ctx, a.ID, models.ProcessKindCodingAgent, spec.Argv(), spec.Env, a.WorktreePath, m.identity, prompt)
	if err != nil {
		return m.fail(ctx, project.ID, a, userID)
	}

	go m.awaitAgent(context.Background(), a.ID, proc.ID, userID)

	return m.repos.Attempts.GetByID(ctx, a.ID)
}

func (m *Machine) awaitAgent(ctx context.Context, attemptID uuid.UUID, processID uuid.UUID, userID *uuid.UUID) {
	proc, err := m.procs.Wait(ctx, processID)
	if err != nil {
		return
	}
	m.AgentDone(ctx, attemptID, proc, userID)
}

// AgentDone is agent_done(exit): EXITED code=0 moves the attempt to
// AGENT_DONE, anything else to FAILED. An attempt already in a terminal
// state (e.g. CANCELLED by Stop killing its agent) is left unchanged.
func (m *Machine) AgentDone(ctx context.Context, attemptID uuid.UUID, proc *models.ExecutionProcess, userID *uuid.UUID) (*models.TaskAttempt, error) {
	lock := m.attemptLock(attemptID)
	lock.Lock()
	defer lock.Unlock()

	a, err := m.repos.Attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, forgeerr.New("agent_done", forgeerr.NotFound, err)
	}
	if a.State.IsTerminal() {
		return a, nil
	}
	task, _ := m.repos.Tasks.GetByID(ctx, a.TaskID)

	success := proc.Status == models.ProcessStatusExited && proc.ExitCode != nil && *proc.ExitCode == 0
	state := models.AttemptStateAgentDone
	if !success {
		state = models.AttemptStateFailed
	}

	if err := m.repos.Attempts.UpdateState(ctx, attemptID, state); err != nil {
		return nil, forgeerr.New("agent_done", forgeerr.Internal, err)
	}
	a.State = state
	if task != nil {
		m.publish(ctx, task.ProjectID, eventbus.AttemptStateChanged, a.ID, userID, a)
	}
	return a, nil
}

func (m *Machine) fail(ctx context.Context, projectID uuid.UUID, a *models.TaskAttempt, userID *uuid.UUID) (*models.TaskAttempt, error) {
	_ = m.repos.Attempts.UpdateState(ctx, a.ID, models.AttemptStateFailed)
	a.State = models.AttemptStateFailed
	m.publish(ctx, projectID, eventbus.AttemptStateChanged, a.ID, userID, a)
	return a, forgeerr.New("create_attempt", forgeerr.UpstreamUnavailable, fmt.Errorf("setup or spawn failed"))
}

// FollowUp is follow_up(attempt_id, prompt, user): legal only from
// AGENT_DONE or FAILED, spawns a FOLLOWUP process re-invoking the same
// executor with the follow-up prompt, and returns to AGENT_RUNNING.
func (m *Machine) FollowUp(ctx context.Context, attemptID uuid.UUID, prompt string, userID *uuid.UUID) (*models.TaskAttempt, error) {
	lock := m.attemptLock(attemptID)
	lock.Lock()
	defer lock.Unlock()

	a, err := m.repos.Attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, forgeerr.New("follow_up", forgeerr.NotFound, err)
	}
	if a.State != models.AttemptStateAgentDone && a.State != models.AttemptStateFailed {
		return nil, forgeerr.New("follow_up", forgeerr.Conflict, fmt.Errorf("attempt %s is %s, not AGENT_DONE or FAILED", a.ID, a.State))
	}

	spec, err := m.executors.FollowUpSpec(a.Executor)
	if err != nil {
		return nil, forgeerr.New("follow_up", forgeerr.Validation, err)
	}

	task, err := m.repos.Tasks.GetByID(ctx, a.TaskID)
	if err != nil {
		return nil, forgeerr.New("follow_up", forgeerr.NotFound, err)
	}

	if err := m.repos.Attempts.UpdateState(ctx, a.ID, models.AttemptStateAgentRunning); err != nil {
		return nil, forgeerr.New("follow_up", forgeerr.Internal, err)
	}
	a.State = models.AttemptStateAgentRunning
	m.publish(ctx, task.ProjectID, eventbus.AttemptStateChanged, a.ID, userID, a)

	proc, err := m.procs.Spawn(ctx, a.ID, models.ProcessKindFollowup, spec.Argv(), spec.Env, a.WorktreePath, m.identity, prompt)
	if err != nil {
		return m.fail(ctx, task.ProjectID, a, userID)
	}

	go m.awaitAgent(context.Background(), a.ID, proc.ID, userID)

	return m.repos.Attempts.GetByID(ctx, a.ID)
}

// Stop is stop(attempt_id, user): legal in any non-terminal state, and
// idempotent against an already-CANCELLED attempt.
func (m *Machine) Stop(ctx context.Context, attemptID uuid.UUID, userID *uuid.UUID) (*models.TaskAttempt, error) {
	lock := m.attemptLock(attemptID)
	lock.Lock()
	defer lock.Unlock()

	a, err := m.repos.Attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, forgeerr.New("stop", forgeerr.NotFound, err)
	}
	if a.State == models.AttemptStateCancelled {
		return a, nil
	}
	if a.State.IsTerminal() {
		return nil, forgeerr.New("stop", forgeerr.Conflict, fmt.Errorf("attempt %s is already terminal (%s)", a.ID, a.State))
	}

	procs, err := m.repos.Processes.ListRunningForAttempt(ctx, attemptID)
	if err != nil {
		return nil, forgeerr.New("stop", forgeerr.Internal, err)
	}
	for _, p := range procs {
		_ = m.procs.Kill(ctx, p.ID)
	}

	if err := m.repos.Attempts.UpdateState(ctx, attemptID, models.AttemptStateCancelled); err != nil {
		return nil, forgeerr.New("stop", forgeerr.Internal, err)
	}
	a.State = models.AttemptStateCancelled

	task, err := m.repos.Tasks.GetByID(ctx, a.TaskID)
	if err == nil {
		m.publish(ctx, task.ProjectID, eventbus.AttemptStateChanged, a.ID, userID, a)
	}
	return a, nil
}

// Merge is merge(attempt_id, user): legal in AGENT_DONE; merges the
// worktree's branch into base_branch, records merge_commit, transitions
// TERMINAL and drops the worktree. A git failure leaves the attempt in
// AGENT_DONE so the caller can retry.
func (m *Machine) Merge(ctx context.Context, attemptID uuid.UUID, authorName, authorEmail string, userID *uuid.UUID) (*models.TaskAttempt, error) {
	lock := m.attemptLock(attemptID)
	lock.Lock()
	defer lock.Unlock()

	a, err := m.repos.Attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, forgeerr.New("merge", forgeerr.NotFound, err)
	}
	if a.State != models.AttemptStateAgentDone {
		return nil, forgeerr.New("merge", forgeerr.Conflict, fmt.Errorf("attempt %s is %s, not AGENT_DONE", a.ID, a.State))
	}

	task, err := m.repos.Tasks.GetByID(ctx, a.TaskID)
	if err != nil {
		return nil, forgeerr.New("merge", forgeerr.NotFound, err)
	}
	project, err := m.repos.Projects.GetByID(ctx, task.ProjectID)
	if err != nil {
		return nil, forgeerr.New("merge", forgeerr.NotFound, err)
	}

	commit, err := m.worktrees.Merge(ctx, project.RepoPath, a.BaseBranch, a.BranchName, authorName, authorEmail)
	if err != nil {
		return nil, forgeerr.New("merge", forgeerr.UpstreamUnavailable, err)
	}

	if err := m.repos.Attempts.RecordMerge(ctx, a.ID, commit); err != nil {
		return nil, forgeerr.New("merge", forgeerr.Internal, err)
	}
	a.MergeCommit = &commit
	a.State = models.AttemptStateTerminal

	_ = m.worktrees.DropWorktree(ctx, project.RepoPath, a.WorktreePath)

	m.publish(ctx, project.ID, eventbus.AttemptStateChanged, a.ID, userID, a)
	return a, nil
}

// Rebase is rebase(attempt_id, new_base?, user): legal in AGENT_DONE or
// FAILED. A git failure leaves the attempt's state untouched.
func (m *Machine) Rebase(ctx context.Context, attemptID uuid.UUID, newBase string, userID *uuid.UUID) (*models.TaskAttempt, error) {
	lock := m.attemptLock(attemptID)
	lock.Lock()
	defer lock.Unlock()

	a, err := m.repos.Attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, forgeerr.New("rebase", forgeerr.NotFound, err)
	}
	if a.State != models.AttemptStateAgentDone && a.State != models.AttemptStateFailed {
		return nil, forgeerr.New("rebase", forgeerr.Conflict, fmt.Errorf("attempt %s is %s, not AGENT_DONE or FAILED", a.ID, a.State))
	}

	base := newBase
	if base == "" {
		base = a.BaseBranch
	}

	if err := m.worktrees.Rebase(ctx, a.WorktreePath, base); err != nil {
		return nil, forgeerr.New("rebase", forgeerr.UpstreamUnavailable, err)
	}

	return a, nil
}

// OpenPR is open_pr(attempt_id, title, body?, base?, user): legal in
// AGENT_DONE; pushes the attempt's branch using the user's decrypted
// GitHub token and opens a PR, recording pr_url.
func (m *Machine) OpenPR(ctx context.Context, attemptID uuid.UUID, title, body, base string, user *models.User) (*models.TaskAttempt, error) {
	lock := m.attemptLock(attemptID)
	lock.Lock()
	defer lock.Unlock()

	a, err := m.repos.Attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, forgeerr.New("open_pr", forgeerr.NotFound, err)
	}
	if a.State != models.AttemptStateAgentDone {
		return nil, forgeerr.New("open_pr", forgeerr.Conflict, fmt.Errorf("attempt %s is %s, not AGENT_DONE", a.ID, a.State))
	}

	task, err := m.repos.Tasks.GetByID(ctx, a.TaskID)
	if err != nil {
		return nil, forgeerr.New("open_pr", forgeerr.NotFound, err)
	}
	project, err := m.repos.Projects.GetByID(ctx, task.ProjectID)
	if err != nil {
		return nil, forgeerr.New("open_pr", forgeerr.NotFound, err)
	}

	token, err := m.tokens.DecryptGithubToken(user)
	if err != nil {
		return nil, forgeerr.New("open_pr", forgeerr.UpstreamUnavailable, err)
	}

	targetBase := base
	if targetBase == "" {
		targetBase = a.BaseBranch
	}

	url, err := m.prs.OpenPullRequest(ctx, OpenPRRequest{
		RepoPath: project.RepoPath,
		Token:    token,
		Head:     a.BranchName,
		Base:     targetBase,
		Title:    title,
		Body:     body,
	})
	if err != nil {
		return nil, forgeerr.New("open_pr", forgeerr.UpstreamUnavailable, err)
	}

	if err := m.repos.Attempts.RecordPR(ctx, a.ID, url); err != nil {
		return nil, forgeerr.New("open_pr", forgeerr.Internal, err)
	}
	a.PRUrl = &url

	m.publish(ctx, project.ID, eventbus.AttemptStateChanged, a.ID, &user.ID, a)
	return a, nil
}

// DeleteTask is delete_task(project_id, task_id): stops any live attempt
// before removing the task, per spec's "deleting a Task implies stop on
// any live attempt before removal".
func (m *Machine) DeleteTask(ctx context.Context, taskID uuid.UUID, userID *uuid.UUID) error {
	if active, err := m.repos.Attempts.GetActiveForTask(ctx, taskID); err == nil && active != nil {
		if _, err := m.Stop(ctx, active.ID, userID); err != nil {
			return err
		}
	}
	return m.repos.Tasks.Delete(ctx, taskID)
}
