// Package toolsurface implements the Tool Surface (C8): the closed,
// versioned set of operations spec.md §4.8 describes, exposed identically
// to HTTP clients (internal/api) and remote-tool clients (internal/mcp) so
// the two transports see the same semantics. Every mutating operation is
// authorized against the caller injected by the Auth Gate (internal/auth);
// read operations are open to any whitelisted user, matching spec.md's
// team-server model.
package toolsurface

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/internal/attempt"
	"github.com/namastexlabs/automagik-forge/internal/db/repositories"
	"github.com/namastexlabs/automagik-forge/internal/eventbus"
	"github.com/namastexlabs/automagik-forge/internal/filesystem"
	"github.com/namastexlabs/automagik-forge/internal/forgeerr"
	"github.com/namastexlabs/automagik-forge/internal/logmux"
	"github.com/namastexlabs/automagik-forge/internal/process"
	"github.com/namastexlabs/automagik-forge/internal/worktree"
	"github.com/namastexlabs/automagik-forge/pkg/models"
)

// Surface is the Tool Surface. One instance is shared by the HTTP and
// remote-tool front doors.
type Surface struct {
	Repos     *repositories.Repositories
	Machine   *attempt.Machine
	Procs     *process.Supervisor
	Logs      *logmux.Multiplexer
	Worktrees *worktree.Manager
	Bus       *eventbus.Broker
	FS        *filesystem.Lister
}

func New(repos *repositories.Repositories, machine *attempt.Machine, procs *process.Supervisor, logs *logmux.Multiplexer, worktrees *worktree.Manager, bus *eventbus.Broker, fs *filesystem.Lister) *Surface {
	return &Surface{Repos: repos, Machine: machine, Procs: procs, Logs: logs, Worktrees: worktrees, Bus: bus, FS: fs}
}

// CreateProjectRequest is create_project's input.
type CreateProjectRequest struct {
	Name          string
	RepoPath      string
	SetupScript   *string
	DevScript     *string
	CleanupScript *string
}

// ListProjects is list_projects() → [Project+creator]. Open to any
// authenticated whitelisted user.
func (s *Surface) ListProjects(ctx context.Context) ([]*models.Project, error) {
	projects, err := s.Repos.Projects.List(ctx)
	if err != nil {
		return nil, forgeerr.New("list_projects", forgeerr.Internal, err)
	}
	return projects, nil
}

// CreateProject is create_project({name, repo_path, scripts?}) → Project.
// repo_path must already be a git repository (spec.md's Project invariant);
// the check is delegated to the filesystem.Lister (s.FS).
func (s *Surface) CreateProject(ctx context.Context, user *models.User, req CreateProjectRequest) (*models.Project, error) {
	if req.Name == "" || req.RepoPath == "" {
		return nil, forgeerr.New("create_project", forgeerr.Validation, fmt.Errorf("name and repo_path are required"))
	}
	if s.FS != nil && !s.FS.IsGitRepo(req.RepoPath) {
		return nil, forgeerr.New("create_project", forgeerr.NotFound, fmt.Errorf("%s is not a git repository", req.RepoPath))
	}

	project, err := s.Repos.Projects.Create(ctx, req.Name, req.RepoPath, req.SetupScript, req.DevScript, req.CleanupScript, &user.ID)
	if err != nil {
		return nil, forgeerr.New("create_project", forgeerr.Internal, err)
	}
	return project, nil
}

func (s *Surface) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	project, err := s.Repos.Projects.GetByID(ctx, id)
	if err != nil {
		return nil, forgeerr.New("get_project", forgeerr.NotFound, err)
	}
	return project, nil
}

func (s *Surface) DeleteProject(ctx context.Context, id uuid.UUID) error {
	if err := s.Repos.Projects.Delete(ctx, id); err != nil {
		return forgeerr.New("delete_project", forgeerr.Internal, err)
	}
	return nil
}

// ListTasks is list_tasks({project_id, wish_id?}) → [TaskWithUsersAndAttemptStatus].
func (s *Surface) ListTasks(ctx context.Context, projectID uuid.UUID, wishID *string) ([]*models.TaskWithUsersAndAttemptStatus, error) {
	tasks, err := s.Repos.Tasks.ListWithUsersAndAttemptStatus(ctx, projectID, wishID)
	if err != nil {
		return nil, forgeerr.New("list_tasks", forgeerr.Internal, err)
	}
	return tasks, nil
}

// CreateTaskRequest is create_task's input.
type CreateTaskRequest struct {
	ProjectID         uuid.UUID
	Title             string
	Description       *string
	WishID            *string
	ParentTaskAttempt *uuid.UUID
}

// CreateTask is create_task({project_id, title, description?, wish_id?,
// parent_task_attempt?}) → Task.
func (s *Surface) CreateTask(ctx context.Context, user *models.User, req CreateTaskRequest) (*models.Task, error) {
	if req.Title == "" {
		return nil, forgeerr.New("create_task", forgeerr.Validation, fmt.Errorf("title is required"))
	}
	task, err := s.Repos.Tasks.Create(ctx, repositories.CreateTaskParams{
		ProjectID:         req.ProjectID,
		Title:             req.Title,
		Description:       req.Description,
		WishID:            req.WishID,
		ParentTaskAttempt: req.ParentTaskAttempt,
		CreatedBy:         &user.ID,
	})
	if err != nil {
		return nil, forgeerr.New("create_task", forgeerr.Internal, err)
	}
	s.publishTaskEvent(ctx, task.ProjectID, eventbus.TaskCreated, task.ID, &user.ID, task)
	return task, nil
}

// CreateTaskAndStartRequest is create_task_and_start's input.
type CreateTaskAndStartRequest struct {
	ProjectID   uuid.UUID
	Title       string
	Description *string
	Executor    string
	BaseBranch  string
}

// CreateTaskAndStart is create_task_and_start({project_id, title,
// description?, executor, base_branch}) → TaskWithUsersAndAttemptStatus:
// atomically persists the task, then delegates attempt creation to the
// Attempt State Machine (C6).
func (s *Surface) CreateTaskAndStart(ctx context.Context, user *models.User, req CreateTaskAndStartRequest) (*models.TaskWithUsersAndAttemptStatus, error) {
	task, err := s.CreateTask(ctx, user, CreateTaskRequest{
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.Machine.Create(ctx, task.ID, req.Executor, req.BaseBranch, &user.ID); err != nil {
		return nil, err
	}

	rows, err := s.Repos.Tasks.ListWithUsersAndAttemptStatus(ctx, req.ProjectID, nil)
	if err != nil {
		return nil, forgeerr.New("create_task_and_start", forgeerr.Internal, err)
	}
	for _, row := range rows {
		if row.ID == task.ID {
			return row, nil
		}
	}
	return nil, forgeerr.New("create_task_and_start", forgeerr.Internal, fmt.Errorf("created task %s not found in project listing", task.ID))
}

func (s *Surface) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	task, err := s.Repos.Tasks.GetByID(ctx, id)
	if err != nil {
		return nil, forgeerr.New("get_task", forgeerr.NotFound, err)
	}
	return task, nil
}

// canMutateTask is spec.md §4.8's authorization rule for task mutation:
// "creators/assignees/admins are the only principals allowed to mutate a
// task".
func canMutateTask(user *models.User, task *models.Task) bool {
	if user.IsAdmin {
		return true
	}
	if task.CreatedBy != nil && *task.CreatedBy == user.ID {
		return true
	}
	if task.AssignedTo != nil && *task.AssignedTo == user.ID {
		return true
	}
	return false
}

// UpdateTask is update_task(task_id, patch) → Task.
func (s *Surface) UpdateTask(ctx context.Context, user *models.User, id uuid.UUID, patch repositories.UpdateTaskPatch) (*models.Task, error) {
	existing, err := s.Repos.Tasks.GetByID(ctx, id)
	if err != nil {
		return nil, forgeerr.New("update_task", forgeerr.NotFound, err)
	}
	if !canMutateTask(user, existing) {
		return nil, forgeerr.New("update_task", forgeerr.Forbidden, fmt.Errorf("%s may not mutate task %s", user.Username, id))
	}

	task, err := s.Repos.Tasks.Update(ctx, id, patch)
	if err != nil {
		return nil, forgeerr.New("update_task", forgeerr.Internal, err)
	}
	s.publishTaskEvent(ctx, task.ProjectID, eventbus.TaskUpdated, task.ID, &user.ID, task)
	return task, nil
}

// DeleteTask is delete_task(project_id, task_id) → void: stops any live
// attempt, then cascades, per the Attempt State Machine's DeleteTask.
func (s *Surface) DeleteTask(ctx context.Context, user *models.User, projectID, taskID uuid.UUID) error {
	existing, err := s.Repos.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return forgeerr.New("delete_task", forgeerr.NotFound, err)
	}
	if !canMutateTask(user, existing) {
		return forgeerr.New("delete_task", forgeerr.Forbidden, fmt.Errorf("%s may not mutate task %s", user.Username, taskID))
	}

	if err := s.Machine.DeleteTask(ctx, taskID, &user.ID); err != nil {
		return err
	}
	s.publishTaskEvent(ctx, projectID, eventbus.TaskDeleted, taskID, &user.ID, nil)
	return nil
}

// CreateAttempt is create_attempt(task_id, executor, base_branch) → Attempt.
func (s *Surface) CreateAttempt(ctx context.Context, user *models.User, taskID uuid.UUID, executorName, baseBranch string) (*models.TaskAttempt, error) {
	return s.Machine.Create(ctx, taskID, executorName, baseBranch, &user.ID)
}

func (s *Surface) GetAttempt(ctx context.Context, id uuid.UUID) (*models.TaskAttempt, error) {
	attempt, err := s.Repos.Attempts.GetByID(ctx, id)
	if err != nil {
		return nil, forgeerr.New("get_attempt", forgeerr.NotFound, err)
	}
	return attempt, nil
}

func (s *Surface) ListAttempts(ctx context.Context, taskID uuid.UUID) ([]*models.TaskAttempt, error) {
	attempts, err := s.Repos.Attempts.ListForTask(ctx, taskID)
	if err != nil {
		return nil, forgeerr.New("list_attempts", forgeerr.Internal, err)
	}
	return attempts, nil
}

// FollowUp is follow_up(attempt_id, prompt) → void.
func (s *Surface) FollowUp(ctx context.Context, user *models.User, attemptID uuid.UUID, prompt string) (*models.TaskAttempt, error) {
	return s.Machine.FollowUp(ctx, attemptID, prompt, &user.ID)
}

// Stop is stop(attempt_id) → void.
func (s *Surface) Stop(ctx context.Context, user *models.User, attemptID uuid.UUID) (*models.TaskAttempt, error) {
	return s.Machine.Stop(ctx, attemptID, &user.ID)
}

// GetDiff is get_diff(attempt_id) → WorktreeDiff, computed from the
// worktree's git index vs. base.
func (s *Surface) GetDiff(ctx context.Context, attemptID uuid.UUID) (*models.WorktreeDiff, error) {
	a, err := s.Repos.Attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, forgeerr.New("get_diff", forgeerr.NotFound, err)
	}
	diff, err := s.Worktrees.ComputeDiff(ctx, a.WorktreePath, a.BaseBranch)
	if err != nil {
		return nil, forgeerr.New("get_diff", forgeerr.Internal, err)
	}
	return diff, nil
}

// Merge is merge(attempt_id) → Attempt, using the attempting user's git
// identity for the merge commit.
func (s *Surface) Merge(ctx context.Context, user *models.User, attemptID uuid.UUID) (*models.TaskAttempt, error) {
	name := user.Username
	if user.DisplayName != nil && *user.DisplayName != "" {
		name = *user.DisplayName
	}
	return s.Machine.Merge(ctx, attemptID, name, user.Email, &user.ID)
}

// Rebase is rebase(attempt_id, new_base?) → Attempt.
func (s *Surface) Rebase(ctx context.Context, user *models.User, attemptID uuid.UUID, newBase string) (*models.TaskAttempt, error) {
	return s.Machine.Rebase(ctx, attemptID, newBase, &user.ID)
}

// OpenPR is open_pr(attempt_id, title, body?, base?) → Attempt.
func (s *Surface) OpenPR(ctx context.Context, user *models.User, attemptID uuid.UUID, title, body, base string) (*models.TaskAttempt, error) {
	return s.Machine.OpenPR(ctx, attemptID, title, body, base, user)
}

// StartDevServer spawns the project's dev_script as a DEV_SERVER process
// inside the attempt's worktree, independent of the Attempt State
// Machine's agent lifecycle — it is a long-running helper process, not a
// step the attempt waits on.
func (s *Surface) StartDevServer(ctx context.Context, user *models.User, attemptID uuid.UUID) (*models.ExecutionProcess, error) {
	a, err := s.Repos.Attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, forgeerr.New("start_dev_server", forgeerr.NotFound, err)
	}
	task, err := s.Repos.Tasks.GetByID(ctx, a.TaskID)
	if err != nil {
		return nil, forgeerr.New("start_dev_server", forgeerr.NotFound, err)
	}
	project, err := s.Repos.Projects.GetByID(ctx, task.ProjectID)
	if err != nil {
		return nil, forgeerr.New("start_dev_server", forgeerr.NotFound, err)
	}
	if project.DevScript == nil || *project.DevScript == "" {
		return nil, forgeerr.New("start_dev_server", forgeerr.Validation, fmt.Errorf("project %s has no dev_script", project.ID))
	}

	proc, err := s.Procs.Spawn(ctx, attemptID, models.ProcessKindDevServer, []string{"/bin/sh", "-c", *project.DevScript}, nil, a.WorktreePath, nil, "")
	if err != nil {
		return nil, forgeerr.New("start_dev_server", forgeerr.Internal, err)
	}
	return proc, nil
}

// ListExecutionProcesses is …/{a}/execution-processes → every process
// spawned for an attempt.
func (s *Surface) ListExecutionProcesses(ctx context.Context, attemptID uuid.UUID) ([]*models.ExecutionProcess, error) {
	procs, err := s.Repos.Processes.ListForAttempt(ctx, attemptID)
	if err != nil {
		return nil, forgeerr.New("list_execution_processes", forgeerr.Internal, err)
	}
	return procs, nil
}

// StopExecutionProcess is …/{a}/execution-processes/{proc}/stop: kills one
// process without touching the rest of the attempt, unlike Stop (which
// kills every live process of the attempt and cancels it).
func (s *Surface) StopExecutionProcess(ctx context.Context, processID uuid.UUID) error {
	if err := s.Procs.Kill(ctx, processID); err != nil {
		return forgeerr.New("stop_execution_process", forgeerr.Internal, err)
	}
	return nil
}

// ProcessLogSnapshot is one entry of logs(attempt_id)'s
// [(process_id, kind, snapshot)] result.
type ProcessLogSnapshot struct {
	ProcessID uuid.UUID          `json:"process_id"`
	Kind      models.ProcessKind `json:"kind"`
	Stdout    []byte             `json:"stdout"`
	Stderr    []byte             `json:"stderr"`
}

// Logs is logs(attempt_id) → [(process_id, kind, snapshot)].
func (s *Surface) Logs(ctx context.Context, attemptID uuid.UUID) ([]ProcessLogSnapshot, error) {
	procs, err := s.Repos.Processes.ListForAttempt(ctx, attemptID)
	if err != nil {
		return nil, forgeerr.New("logs", forgeerr.Internal, err)
	}

	snapshots := make([]ProcessLogSnapshot, 0, len(procs))
	for _, p := range procs {
		stdout, stderr, err := s.Logs.ReadSnapshot(ctx, p.ID)
		if err != nil {
			return nil, forgeerr.New("logs", forgeerr.Internal, err)
		}
		snapshots = append(snapshots, ProcessLogSnapshot{ProcessID: p.ID, Kind: p.Kind, Stdout: stdout, Stderr: stderr})
	}
	return snapshots, nil
}

// SubscribeLogs is subscribe_logs(process_id, since_seq).
func (s *Surface) SubscribeLogs(ctx context.Context, processID uuid.UUID, sinceSeq int64) (<-chan logmux.Chunk, error) {
	ch, err := s.Logs.Subscribe(ctx, processID, sinceSeq, logmux.DefaultSubscriberBufferBytes)
	if err != nil {
		return nil, forgeerr.New("subscribe_logs", forgeerr.Internal, err)
	}
	return ch, nil
}

// SubscribeEvents is subscribe_events(project_id).
func (s *Surface) SubscribeEvents(ctx context.Context, projectID uuid.UUID) (*eventbus.Subscription, error) {
	sub, err := s.Bus.Subscribe(ctx, projectID)
	if err != nil {
		return nil, forgeerr.New("subscribe_events", forgeerr.Internal, err)
	}
	return sub, nil
}

// Heartbeat implements the presence half of subscribe_presence: clients
// POST a heartbeat every 30s (spec.md §4.7); List/Subscribe pulls the
// current snapshot.
func (s *Surface) Heartbeat(ctx context.Context, projectID, userID uuid.UUID, status string) error {
	if err := s.Bus.Presence().Heartbeat(ctx, projectID, userID, status); err != nil {
		return forgeerr.New("heartbeat", forgeerr.Internal, err)
	}
	return nil
}

func (s *Surface) ListPresence(projectID uuid.UUID) []eventbus.PresenceEntry {
	return s.Bus.Presence().List(projectID)
}

// ListTemplates is /api/templates: every GLOBAL template plus any scoped
// to projectID.
func (s *Surface) ListTemplates(ctx context.Context, projectID uuid.UUID) ([]*models.TaskTemplate, error) {
	templates, err := s.Repos.Templates.ListVisibleTo(ctx, projectID)
	if err != nil {
		return nil, forgeerr.New("list_templates", forgeerr.Internal, err)
	}
	return templates, nil
}

func (s *Surface) CreateTemplate(ctx context.Context, scope models.TemplateScope, projectID *uuid.UUID, title, prompt string) (*models.TaskTemplate, error) {
	template, err := s.Repos.Templates.Create(ctx, scope, projectID, title, prompt)
	if err != nil {
		return nil, forgeerr.New("create_template", forgeerr.Internal, err)
	}
	return template, nil
}

func (s *Surface) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	if err := s.Repos.Templates.Delete(ctx, id); err != nil {
		return forgeerr.New("delete_template", forgeerr.Internal, err)
	}
	return nil
}

// ListFilesystem is GET /api/filesystem/list?path=.
func (s *Surface) ListFilesystem(path string) ([]filesystem.Entry, error) {
	entries, err := s.FS.List(path)
	if err != nil {
		return nil, forgeerr.New("list_filesystem", forgeerr.Validation, err)
	}
	return entries, nil
}

// ListUsers is GET /api/auth/users (admin).
func (s *Surface) ListUsers(ctx context.Context) ([]*models.User, error) {
	users, err := s.Repos.Users.List(ctx)
	if err != nil {
		return nil, forgeerr.New("list_users", forgeerr.Internal, err)
	}
	return users, nil
}

func (s *Surface) publishTaskEvent(ctx context.Context, projectID uuid.UUID, kind eventbus.Kind, entityID uuid.UUID, actor *uuid.UUID, payload interface{}) {
	if s.Bus == nil {
		return
	}
	_ = s.Bus.Publish(ctx, eventbus.Event{
		ProjectID:   projectID,
		Kind:        kind,
		EntityID:    entityID,
		ActorUserID: actor,
		Payload:     payload,
	})
}
