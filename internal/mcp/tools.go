package mcp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/namastexlabs/automagik-forge/internal/db/repositories"
	"github.com/namastexlabs/automagik-forge/internal/eventbus"
	"github.com/namastexlabs/automagik-forge/internal/logmux"
	"github.com/namastexlabs/automagik-forge/internal/toolsurface"
	"github.com/namastexlabs/automagik-forge/pkg/models"
)

// registerTools mirrors every spec.md §4.8 Tool Surface operation as an
// MCP tool, following the teacher's tools_setup.go registration idiom
// (mcp.NewTool + mcp.WithString/Required/Description, one AddTool call
// per operation).
func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("list_projects",
		mcp.WithDescription("List every project, with its creator."),
	), s.handleListProjects)

	s.mcpServer.AddTool(mcp.NewTool("create_project",
		mcp.WithDescription("Register a new project against an existing local git repository."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Project name")),
		mcp.WithString("repo_path", mcp.Required(), mcp.Description("Absolute path to an existing git repository")),
		mcp.WithString("setup_script", mcp.Description("Shell script run once before the first attempt")),
		mcp.WithString("dev_script", mcp.Description("Shell script that starts a dev server in an attempt's worktree")),
		mcp.WithString("cleanup_script", mcp.Description("Shell script run after an attempt merges or is abandoned")),
	), s.handleCreateProject)

	s.mcpServer.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List tasks in a project, each with its creator/assignee and latest attempt status."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project id")),
		mcp.WithString("wish_id", mcp.Description("Filter to tasks sharing this wish id")),
	), s.handleListTasks)

	s.mcpServer.AddTool(mcp.NewTool("create_task",
		mcp.WithDescription("Create a task in a project without starting an attempt."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project id")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
		mcp.WithString("description", mcp.Description("Task description")),
		mcp.WithString("wish_id", mcp.Description("Opaque grouping id shared by related tasks")),
		mcp.WithString("parent_task_attempt", mcp.Description("Attempt id this task was spawned from, if any")),
	), s.handleCreateTask)

	s.mcpServer.AddTool(mcp.NewTool("create_task_and_start",
		mcp.WithDescription("Create a task and immediately start its first attempt."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project id")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
		mcp.WithString("description", mcp.Description("Task description")),
		mcp.WithString("executor", mcp.Required(), mcp.Description("Name of the executor template to run")),
		mcp.WithString("base_branch", mcp.Required(), mcp.Description("Git branch the attempt's worktree is created from")),
	), s.handleCreateTaskAndStart)

	s.mcpServer.AddTool(mcp.NewTool("update_task",
		mcp.WithDescription("Patch a task's title, description, status, or assignee. Only the creator, assignee, or an admin may call this."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithString("title", mcp.Description("New title")),
		mcp.WithString("description", mcp.Description("New description")),
		mcp.WithString("status", mcp.Description("New status (TODO, IN_PROGRESS, IN_REVIEW, DONE, CANCELLED)")),
		mcp.WithString("assigned_to", mcp.Description("User id to assign the task to")),
	), s.handleUpdateTask)

	s.mcpServer.AddTool(mcp.NewTool("delete_task",
		mcp.WithDescription("Stop any live attempt and delete a task."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project id")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	), s.handleDeleteTask)

	s.mcpServer.AddTool(mcp.NewTool("create_attempt",
		mcp.WithDescription("Start a new attempt at an existing task."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithString("executor", mcp.Required(), mcp.Description("Name of the executor template to run")),
		mcp.WithString("base_branch", mcp.Required(), mcp.Description("Git branch the attempt's worktree is created from")),
	), s.handleCreateAttempt)

	s.mcpServer.AddTool(mcp.NewTool("follow_up",
		mcp.WithDescription("Send a follow-up prompt to a running or previously-completed attempt."),
		mcp.WithString("attempt_id", mcp.Required(), mcp.Description("Attempt id")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Follow-up prompt text")),
	), s.handleFollowUp)

	s.mcpServer.AddTool(mcp.NewTool("stop",
		mcp.WithDescription("Kill every live process of an attempt and cancel it."),
		mcp.WithString("attempt_id", mcp.Required(), mcp.Description("Attempt id")),
	), s.handleStop)

	s.mcpServer.AddTool(mcp.NewTool("get_diff",
		mcp.WithDescription("Compute an attempt's worktree diff against its base branch."),
		mcp.WithString("attempt_id", mcp.Required(), mcp.Description("Attempt id")),
	), s.handleGetDiff)

	s.mcpServer.AddTool(mcp.NewTool("merge",
		mcp.WithDescription("Merge an attempt's branch into its base branch, committing as the calling user."),
		mcp.WithString("attempt_id", mcp.Required(), mcp.Description("Attempt id")),
	), s.handleMerge)

	s.mcpServer.AddTool(mcp.NewTool("rebase",
		mcp.WithDescription("Rebase an attempt's branch onto a new base."),
		mcp.WithString("attempt_id", mcp.Required(), mcp.Description("Attempt id")),
		mcp.WithString("new_base", mcp.Description("Branch to rebase onto; defaults to the attempt's current base")),
	), s.handleRebase)

	s.mcpServer.AddTool(mcp.NewTool("open_pr",
		mcp.WithDescription("Push an attempt's branch and open a pull request against its base."),
		mcp.WithString("attempt_id", mcp.Required(), mcp.Description("Attempt id")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Pull request title")),
		mcp.WithString("body", mcp.Description("Pull request body")),
		mcp.WithString("base", mcp.Description("Base branch for the pull request; defaults to the attempt's base_branch")),
	), s.handleOpenPR)

	s.mcpServer.AddTool(mcp.NewTool("start_dev_server",
		mcp.WithDescription("Start the project's dev_script as a long-running process in an attempt's worktree."),
		mcp.WithString("attempt_id", mcp.Required(), mcp.Description("Attempt id")),
	), s.handleStartDevServer)

	s.mcpServer.AddTool(mcp.NewTool("list_execution_processes",
		mcp.WithDescription("List every process spawned for an attempt."),
		mcp.WithString("attempt_id", mcp.Required(), mcp.Description("Attempt id")),
	), s.handleListExecutionProcesses)

	s.mcpServer.AddTool(mcp.NewTool("stop_execution_process",
		mcp.WithDescription("Kill a single execution process without touching the rest of its attempt."),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("Execution process id")),
	), s.handleStopExecutionProcess)

	s.mcpServer.AddTool(mcp.NewTool("logs",
		mcp.WithDescription("Fetch the full stdout/stderr snapshot for every process of an attempt."),
		mcp.WithString("attempt_id", mcp.Required(), mcp.Description("Attempt id")),
	), s.handleLogs)

	s.mcpServer.AddTool(mcp.NewTool("subscribe_logs",
		mcp.WithDescription("Wait briefly for new log output from a process, returning whatever chunks arrive."),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("Execution process id")),
		mcp.WithNumber("since_seq", mcp.Description("Only return chunks with seq greater than this")),
	), s.handleSubscribeLogs)

	s.mcpServer.AddTool(mcp.NewTool("subscribe_events",
		mcp.WithDescription("Wait briefly for new task/attempt events in a project, returning whatever arrive."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project id")),
	), s.handleSubscribeEvents)

	s.mcpServer.AddTool(mcp.NewTool("heartbeat",
		mcp.WithDescription("Record the calling user's presence in a project."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project id")),
		mcp.WithString("status", mcp.Description("Free-form presence status, e.g. \"viewing\"")),
	), s.handleHeartbeat)

	s.mcpServer.AddTool(mcp.NewTool("subscribe_presence",
		mcp.WithDescription("Fetch the current set of present users in a project."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project id")),
	), s.handleSubscribePresence)

	s.mcpServer.AddTool(mcp.NewTool("list_templates",
		mcp.WithDescription("List prompt templates visible to a project (global plus project-scoped)."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project id")),
	), s.handleListTemplates)

	s.mcpServer.AddTool(mcp.NewTool("create_template",
		mcp.WithDescription("Create a reusable prompt template."),
		mcp.WithString("scope", mcp.Required(), mcp.Description("GLOBAL or PROJECT")),
		mcp.WithString("project_id", mcp.Description("Required when scope is PROJECT")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Template title")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Template prompt text")),
	), s.handleCreateTemplate)

	s.mcpServer.AddTool(mcp.NewTool("delete_template",
		mcp.WithDescription("Delete a prompt template."),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("Template id")),
	), s.handleDeleteTemplate)

	s.mcpServer.AddTool(mcp.NewTool("list_filesystem",
		mcp.WithDescription("List directory entries under a path."),
		mcp.WithString("path", mcp.Description("Directory to list; defaults to the server's home directory")),
	), s.handleListFilesystem)

	s.mcpServer.AddTool(mcp.NewTool("list_users",
		mcp.WithDescription("List every known user (admin only)."),
	), s.handleListUsers)
}

func (s *Server) handleListProjects(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := userFromContext(ctx); err != nil {
		return errResult(err)
	}
	projects, err := s.surface.ListProjects(ctx)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(projects)
}

func (s *Server) handleCreateProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := userFromContext(ctx)
	if err != nil {
		return errResult(err)
	}
	project, err := s.surface.CreateProject(ctx, user, toolsurface.CreateProjectRequest{
		Name:          request.GetString("name", ""),
		RepoPath:      request.GetString("repo_path", ""),
		SetupScript:   optionalString(request, "setup_script"),
		DevScript:     optionalString(request, "dev_script"),
		CleanupScript: optionalString(request, "cleanup_script"),
	})
	if err != nil {
		return errResult(err)
	}
	return jsonResult(project)
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := userFromContext(ctx); err != nil {
		return errResult(err)
	}
	projectID, err := parseUUID(request.GetString("project_id", ""), "project_id")
	if err != nil {
		return errResult(err)
	}
	tasks, err := s.surface.ListTasks(ctx, projectID, optionalString(request, "wish_id"))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(tasks)
}

func (s *Server) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := userFromContext(ctx)
	if err != nil {
		return errResult(err)
	}
	projectID, err := parseUUID(request.GetString("project_id", ""), "project_id")
	if err != nil {
		return errResult(err)
	}

	req := toolsurface.CreateTaskRequest{
		ProjectID:   projectID,
		Title:       request.GetString("title", ""),
		Description: optionalString(request, "description"),
		WishID:      optionalString(request, "wish_id"),
	}
	if raw := request.GetString("parent_task_attempt", ""); raw != "" {
		parentID, err := parseUUID(raw, "parent_task_attempt")
		if err != nil {
			return errResult(err)
		}
		req.ParentTaskAttempt = &parentID
	}

	task, err := s.surface.CreateTask(ctx, user, req)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(task)
}

func (s *Server) handleCreateTaskAndStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := userFromContext(ctx)
	if err != nil {
		return errResult(err)
	}
	projectID, err := parseUUID(request.GetString("project_id", ""), "project_id")
	if err != nil {
		return errResult(err)
	}

	result, err := s.surface.CreateTaskAndStart(ctx, user, toolsurface.CreateTaskAndStartRequest{
		ProjectID:   projectID,
		Title:       request.GetString("title", ""),
		Description: optionalString(request, "description"),
		Executor:    request.GetString("executor", ""),
		BaseBranch:  request.GetString("base_branch", ""),
	})
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := userFromContext(ctx)
	if err != nil {
		return errResult(err)
	}
	taskID, err := parseUUID(request.GetString("task_id", ""), "task_id")
	if err != nil {
		return errResult(err)
	}

	patch := repositories.UpdateTaskPatch{
		Title:       optionalString(request, "title"),
		Description: optionalString(request, "description"),
	}
	if raw := request.GetString("status", ""); raw != "" {
		status := models.TaskStatus(raw)
		patch.Status = &status
	}
	if raw := request.GetString("assigned_to", ""); raw != "" {
		assignee, err := parseUUID(raw, "assigned_to")
		if err != nil {
			return errResult(err)
		}
		patch.AssignedTo = &assignee
	}

	task, err := s.surface.UpdateTask(ctx, user, taskID, patch)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(task)
}

func (s *Server) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := userFromContext(ctx)
	if err != nil {
		return errResult(err)
	}
	projectID, err := parseUUID(request.GetString("project_id", ""), "project_id")
	if err != nil {
		return errResult(err)
	}
	taskID, err := parseUUID(request.GetString("task_id", ""), "task_id")
	if err != nil {
		return errResult(err)
	}
	if err := s.surface.DeleteTask(ctx, user, projectID, taskID); err != nil {
		return errResult(err)
	}
	return mcp.NewToolResultText("deleted"), nil
}

func (s *Server) handleCreateAttempt(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := userFromContext(ctx)
	if err != nil {
		return errResult(err)
	}
	taskID, err := parseUUID(request.GetString("task_id", ""), "task_id")
	if err != nil {
		return errResult(err)
	}
	attempt, err := s.surface.CreateAttempt(ctx, user, taskID, request.GetString("executor", ""), request.GetString("base_branch", ""))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(attempt)
}

func (s *Server) handleFollowUp(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := userFromContext(ctx)
	if err != nil {
		return errResult(err)
	}
	attemptID, err := parseUUID(request.GetString("attempt_id", ""), "attempt_id")
	if err != nil {
		return errResult(err)
	}
	attempt, err := s.surface.FollowUp(ctx, user, attemptID, request.GetString("prompt", ""))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(attempt)
}

func (s *Server) handleStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := userFromContext(ctx)
	if err != nil {
		return errResult(err)
	}
	attemptID, err := parseUUID(request.GetString("attempt_id", ""), "attempt_id")
	if err != nil {
		return errResult(err)
	}
	attempt, err := s.surface.Stop(ctx, user, attemptID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(attempt)
}

func (s *Server) handleGetDiff(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := userFromContext(ctx); err != nil {
		return errResult(err)
	}
	attemptID, err := parseUUID(request.GetString("attempt_id", ""), "attempt_id")
	if err != nil {
		return errResult(err)
	}
	diff, err := s.surface.GetDiff(ctx, attemptID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(diff)
}

func (s *Server) handleMerge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := userFromContext(ctx)
	if err != nil {
		return errResult(err)
	}
	attemptID, err := parseUUID(request.GetString("attempt_id", ""), "attempt_id")
	if err != nil {
		return errResult(err)
	}
	attempt, err := s.surface.Merge(ctx, user, attemptID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(attempt)
}

func (s *Server) handleRebase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := userFromContext(ctx)
	if err != nil {
		return errResult(err)
	}
	attemptID, err := parseUUID(request.GetString("attempt_id", ""), "attempt_id")
	if err != nil {
		return errResult(err)
	}
	attempt, err := s.surface.Rebase(ctx, user, attemptID, request.GetString("new_base", ""))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(attempt)
}

func (s *Server) handleOpenPR(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := userFromContext(ctx)
	if err != nil {
		return errResult(err)
	}
	attemptID, err := parseUUID(request.GetString("attempt_id", ""), "attempt_id")
	if err != nil {
		return errResult(err)
	}
	attempt, err := s.surface.OpenPR(ctx, user, attemptID,
		request.GetString("title", ""), request.GetString("body", ""), request.GetString("base", ""))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(attempt)
}

func (s *Server) handleStartDevServer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := userFromContext(ctx)
	if err != nil {
		return errResult(err)
	}
	attemptID, err := parseUUID(request.GetString("attempt_id", ""), "attempt_id")
	if err != nil {
		return errResult(err)
	}
	proc, err := s.surface.StartDevServer(ctx, user, attemptID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(proc)
}

func (s *Server) handleListExecutionProcesses(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := userFromContext(ctx); err != nil {
		return errResult(err)
	}
	attemptID, err := parseUUID(request.GetString("attempt_id", ""), "attempt_id")
	if err != nil {
		return errResult(err)
	}
	procs, err := s.surface.ListExecutionProcesses(ctx, attemptID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(procs)
}

func (s *Server) handleStopExecutionProcess(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := userFromContext(ctx); err != nil {
		return errResult(err)
	}
	processID, err := parseUUID(request.GetString("process_id", ""), "process_id")
	if err != nil {
		return errResult(err)
	}
	if err := s.surface.StopExecutionProcess(ctx, processID); err != nil {
		return errResult(err)
	}
	return mcp.NewToolResultText("stopped"), nil
}

func (s *Server) handleLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := userFromContext(ctx); err != nil {
		return errResult(err)
	}
	attemptID, err := parseUUID(request.GetString("attempt_id", ""), "attempt_id")
	if err != nil {
		return errResult(err)
	}
	snapshots, err := s.surface.Logs(ctx, attemptID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(snapshots)
}

func (s *Server) handleSubscribeLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := userFromContext(ctx); err != nil {
		return errResult(err)
	}
	processID, err := parseUUID(request.GetString("process_id", ""), "process_id")
	if err != nil {
		return errResult(err)
	}
	sinceSeq := int64(request.GetInt("since_seq", 0))

	drainCtx, cancel := context.WithTimeout(ctx, subscribeDrainWindow)
	defer cancel()

	ch, err := s.surface.SubscribeLogs(drainCtx, processID, sinceSeq)
	if err != nil {
		return errResult(err)
	}

	var chunks []logmux.Chunk
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return jsonResult(chunks)
			}
			chunks = append(chunks, chunk)
			if chunk.Closed {
				return jsonResult(chunks)
			}
		case <-drainCtx.Done():
			return jsonResult(chunks)
		}
	}
}

func (s *Server) handleSubscribeEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := userFromContext(ctx); err != nil {
		return errResult(err)
	}
	projectID, err := parseUUID(request.GetString("project_id", ""), "project_id")
	if err != nil {
		return errResult(err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, subscribeDrainWindow)
	defer cancel()

	sub, err := s.surface.SubscribeEvents(drainCtx, projectID)
	if err != nil {
		return errResult(err)
	}
	defer sub.Close()

	var events []eventbus.Event
	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return jsonResult(events)
			}
			events = append(events, evt)
		case <-sub.Resync:
			return jsonResult(map[string]interface{}{"resync": true, "events": events})
		case <-drainCtx.Done():
			return jsonResult(events)
		}
	}
}

func (s *Server) handleHeartbeat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := userFromContext(ctx)
	if err != nil {
		return errResult(err)
	}
	projectID, err := parseUUID(request.GetString("project_id", ""), "project_id")
	if err != nil {
		return errResult(err)
	}
	status := request.GetString("status", "online")
	if err := s.surface.Heartbeat(ctx, projectID, user.ID, status); err != nil {
		return errResult(err)
	}
	return mcp.NewToolResultText("ok"), nil
}

func (s *Server) handleSubscribePresence(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := userFromContext(ctx); err != nil {
		return errResult(err)
	}
	projectID, err := parseUUID(request.GetString("project_id", ""), "project_id")
	if err != nil {
		return errResult(err)
	}
	return jsonResult(s.surface.ListPresence(projectID))
}

func (s *Server) handleListTemplates(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := userFromContext(ctx); err != nil {
		return errResult(err)
	}
	projectID, err := parseUUID(request.GetString("project_id", ""), "project_id")
	if err != nil {
		return errResult(err)
	}
	templates, err := s.surface.ListTemplates(ctx, projectID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(templates)
}

func (s *Server) handleCreateTemplate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := userFromContext(ctx); err != nil {
		return errResult(err)
	}
	scope := models.TemplateScope(request.GetString("scope", ""))

	var projectID *uuid.UUID
	if raw := request.GetString("project_id", ""); raw != "" {
		id, err := parseUUID(raw, "project_id")
		if err != nil {
			return errResult(err)
		}
		projectID = &id
	}
	if scope == models.TemplateScopeProject && projectID == nil {
		return errResult(fmt.Errorf("project_id is required when scope is PROJECT"))
	}

	template, err := s.surface.CreateTemplate(ctx, scope, projectID, request.GetString("title", ""), request.GetString("prompt", ""))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(template)
}

func (s *Server) handleDeleteTemplate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := userFromContext(ctx); err != nil {
		return errResult(err)
	}
	id, err := parseUUID(request.GetString("template_id", ""), "template_id")
	if err != nil {
		return errResult(err)
	}
	if err := s.surface.DeleteTemplate(ctx, id); err != nil {
		return errResult(err)
	}
	return mcp.NewToolResultText("deleted"), nil
}

func (s *Server) handleListFilesystem(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := userFromContext(ctx); err != nil {
		return errResult(err)
	}
	entries, err := s.surface.ListFilesystem(request.GetString("path", ""))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(entries)
}

func (s *Server) handleListUsers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := userFromContext(ctx)
	if err != nil {
		return errResult(err)
	}
	if !user.IsAdmin {
		return errResult(fmt.Errorf("admin privileges required"))
	}
	users, err := s.surface.ListUsers(ctx)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(users)
}
