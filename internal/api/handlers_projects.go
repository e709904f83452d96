package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/internal/auth"
	"github.com/namastexlabs/automagik-forge/internal/db/repositories"
	"github.com/namastexlabs/automagik-forge/internal/toolsurface"
	"github.com/namastexlabs/automagik-forge/pkg/models"
)

func (s *Server) registerProjectRoutes(router *gin.Engine) {
	group := router.Group("/api/projects")
	group.Use(s.authMW.Authenticate())

	group.GET("", s.listProjects)
	group.POST("", s.createProject)
	group.GET("/:projectId", s.getProject)
	group.DELETE("/:projectId", s.deleteProject)

	group.GET("/:projectId/tasks", s.listTasks)
	group.POST("/:projectId/tasks", s.createTask)
	group.POST("/:projectId/tasks/create-and-start", s.createTaskAndStart)
	group.GET("/:projectId/tasks/:taskId", s.getTask)
	group.PUT("/:projectId/tasks/:taskId", s.updateTask)
	group.DELETE("/:projectId/tasks/:taskId", s.deleteTask)

	group.GET("/:projectId/tasks/:taskId/attempts", s.listAttempts)
	group.POST("/:projectId/tasks/:taskId/attempts", s.createAttempt)
	group.GET("/:projectId/tasks/:taskId/attempts/:attemptId", s.getAttempt)
	group.POST("/:projectId/tasks/:taskId/attempts/:attemptId/stop", s.stopAttempt)
	group.POST("/:projectId/tasks/:taskId/attempts/:attemptId/follow-up", s.followUpAttempt)
	group.GET("/:projectId/tasks/:taskId/attempts/:attemptId/diff", s.getAttemptDiff)
	group.POST("/:projectId/tasks/:taskId/attempts/:attemptId/merge", s.mergeAttempt)
	group.POST("/:projectId/tasks/:taskId/attempts/:attemptId/rebase", s.rebaseAttempt)
	group.POST("/:projectId/tasks/:taskId/attempts/:attemptId/create-pr", s.openAttemptPR)
	group.POST("/:projectId/tasks/:taskId/attempts/:attemptId/start-dev-server", s.startDevServer)
	group.GET("/:projectId/tasks/:taskId/attempts/:attemptId/execution-processes", s.listExecutionProcesses)
	group.POST("/:projectId/tasks/:taskId/attempts/:attemptId/execution-processes/:procId/stop", s.stopExecutionProcess)
	group.GET("/:projectId/tasks/:taskId/attempts/:attemptId/logs", s.getAttemptLogs)
}

func paramUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, envelope{Success: false, Message: name + " must be a valid uuid"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.surface.ListProjects(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, projects)
}

type createProjectRequest struct {
	Name          string  `json:"name" binding:"required"`
	RepoPath      string  `json:"repo_path" binding:"required"`
	SetupScript   *string `json:"setup_script"`
	DevScript     *string `json:"dev_script"`
	CleanupScript *string `json:"cleanup_script"`
}

func (s *Server) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		return
	}
	user, _ := auth.UserFromContext(c)

	project, err := s.surface.CreateProject(c.Request.Context(), user, toolsurface.CreateProjectRequest{
		Name: req.Name, RepoPath: req.RepoPath,
		SetupScript: req.SetupScript, DevScript: req.DevScript, CleanupScript: req.CleanupScript,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, project)
}

func (s *Server) getProject(c *gin.Context) {
	id, ok2 := paramUUID(c, "projectId")
	if !ok2 {
		return
	}
	project, err := s.surface.GetProject(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, project)
}

func (s *Server) deleteProject(c *gin.Context) {
	id, ok2 := paramUUID(c, "projectId")
	if !ok2 {
		return
	}
	if err := s.surface.DeleteProject(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listTasks(c *gin.Context) {
	projectID, ok2 := paramUUID(c, "projectId")
	if !ok2 {
		return
	}
	var wishID *string
	if w := c.Query("wish_id"); w != "" {
		wishID = &w
	}
	tasks, err := s.surface.ListTasks(c.Request.Context(), projectID, wishID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, tasks)
}

type createTaskRequest struct {
	Title             string     `json:"title" binding:"required"`
	Description       *string    `json:"description"`
	WishID            *string    `json:"wish_id"`
	ParentTaskAttempt *uuid.UUID `json:"parent_task_attempt"`
}

func (s *Server) createTask(c *gin.Context) {
	projectID, ok2 := paramUUID(c, "projectId")
	if !ok2 {
		return
	}
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		return
	}
	user, _ := auth.UserFromContext(c)

	task, err := s.surface.CreateTask(c.Request.Context(), user, toolsurface.CreateTaskRequest{
		ProjectID: projectID, Title: req.Title, Description: req.Description,
		WishID: req.WishID, ParentTaskAttempt: req.ParentTaskAttempt,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, task)
}

type createTaskAndStartRequest struct {
	Title       string  `json:"title" binding:"required"`
	Description *string `json:"description"`
	Executor    string  `json:"executor" binding:"required"`
	BaseBranch  string  `json:"base_branch" binding:"required"`
}

func (s *Server) createTaskAndStart(c *gin.Context) {
	projectID, ok2 := paramUUID(c, "projectId")
	if !ok2 {
		return
	}
	var req createTaskAndStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		return
	}
	user, _ := auth.UserFromContext(c)

	row, err := s.surface.CreateTaskAndStart(c.Request.Context(), user, toolsurface.CreateTaskAndStartRequest{
		ProjectID: projectID, Title: req.Title, Description: req.Description,
		Executor: req.Executor, BaseBranch: req.BaseBranch,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, row)
}

func (s *Server) getTask(c *gin.Context) {
	taskID, ok2 := paramUUID(c, "taskId")
	if !ok2 {
		return
	}
	task, err := s.surface.GetTask(c.Request.Context(), taskID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, task)
}

type updateTaskRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Status      *string    `json:"status"`
	AssignedTo  *uuid.UUID `json:"assigned_to"`
}

func (s *Server) updateTask(c *gin.Context) {
	taskID, ok2 := paramUUID(c, "taskId")
	if !ok2 {
		return
	}
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		return
	}
	user, _ := auth.UserFromContext(c)

	patch := repositories.UpdateTaskPatch{Title: req.Title, Description: req.Description, AssignedTo: req.AssignedTo}
	if req.Status != nil {
		status := models.TaskStatus(*req.Status)
		patch.Status = &status
	}

	task, err := s.surface.UpdateTask(c.Request.Context(), user, taskID, patch)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, task)
}

func (s *Server) deleteTask(c *gin.Context) {
	projectID, ok2 := paramUUID(c, "projectId")
	if !ok2 {
		return
	}
	taskID, ok3 := paramUUID(c, "taskId")
	if !ok3 {
		return
	}
	user, _ := auth.UserFromContext(c)

	if err := s.surface.DeleteTask(c.Request.Context(), user, projectID, taskID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
