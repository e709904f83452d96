package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/namastexlabs/automagik-forge/internal/auth"
)

type createAttemptRequest struct {
	Executor   string `json:"executor" binding:"required"`
	BaseBranch string `json:"base_branch" binding:"required"`
}

func (s *Server) createAttempt(c *gin.Context) {
	taskID, ok2 := paramUUID(c, "taskId")
	if !ok2 {
		return
	}
	var req createAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		return
	}
	user, _ := auth.UserFromContext(c)

	attempt, err := s.surface.CreateAttempt(c.Request.Context(), user, taskID, req.Executor, req.BaseBranch)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, attempt)
}

func (s *Server) listAttempts(c *gin.Context) {
	taskID, ok2 := paramUUID(c, "taskId")
	if !ok2 {
		return
	}
	attempts, err := s.surface.ListAttempts(c.Request.Context(), taskID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, attempts)
}

func (s *Server) getAttempt(c *gin.Context) {
	attemptID, ok2 := paramUUID(c, "attemptId")
	if !ok2 {
		return
	}
	attempt, err := s.surface.GetAttempt(c.Request.Context(), attemptID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, attempt)
}

func (s *Server) stopAttempt(c *gin.Context) {
	attemptID, ok2 := paramUUID(c, "attemptId")
	if !ok2 {
		return
	}
	user, _ := auth.UserFromContext(c)
	attempt, err := s.surface.Stop(c.Request.Context(), user, attemptID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, attempt)
}

type followUpRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

func (s *Server) followUpAttempt(c *gin.Context) {
	attemptID, ok2 := paramUUID(c, "attemptId")
	if !ok2 {
		return
	}
	var req followUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		return
	}
	user, _ := auth.UserFromContext(c)

	attempt, err := s.surface.FollowUp(c.Request.Context(), user, attemptID, req.Prompt)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, attempt)
}

func (s *Server) getAttemptDiff(c *gin.Context) {
	attemptID, ok2 := paramUUID(c, "attemptId")
	if !ok2 {
		return
	}
	diff, err := s.surface.GetDiff(c.Request.Context(), attemptID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, diff)
}

func (s *Server) mergeAttempt(c *gin.Context) {
	attemptID, ok2 := paramUUID(c, "attemptId")
	if !ok2 {
		return
	}
	user, _ := auth.UserFromContext(c)
	attempt, err := s.surface.Merge(c.Request.Context(), user, attemptID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, attempt)
}

type rebaseRequest struct {
	NewBase string `json:"new_base"`
}

func (s *Server) rebaseAttempt(c *gin.Context) {
	attemptID, ok2 := paramUUID(c, "attemptId")
	if !ok2 {
		return
	}
	var req rebaseRequest
	_ = c.ShouldBindJSON(&req)
	user, _ := auth.UserFromContext(c)

	attempt, err := s.surface.Rebase(c.Request.Context(), user, attemptID, req.NewBase)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, attempt)
}

type openPRRequest struct {
	Title string `json:"title" binding:"required"`
	Body  string `json:"body"`
	Base  string `json:"base"`
}

func (s *Server) openAttemptPR(c *gin.Context) {
	attemptID, ok2 := paramUUID(c, "attemptId")
	if !ok2 {
		return
	}
	var req openPRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		return
	}
	user, _ := auth.UserFromContext(c)

	attempt, err := s.surface.OpenPR(c.Request.Context(), user, attemptID, req.Title, req.Body, req.Base)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, attempt)
}

func (s *Server) startDevServer(c *gin.Context) {
	attemptID, ok2 := paramUUID(c, "attemptId")
	if !ok2 {
		return
	}
	user, _ := auth.UserFromContext(c)
	proc, err := s.surface.StartDevServer(c.Request.Context(), user, attemptID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, proc)
}

func (s *Server) listExecutionProcesses(c *gin.Context) {
	attemptID, ok2 := paramUUID(c, "attemptId")
	if !ok2 {
		return
	}
	procs, err := s.surface.ListExecutionProcesses(c.Request.Context(), attemptID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, procs)
}

func (s *Server) stopExecutionProcess(c *gin.Context) {
	procID, ok2 := paramUUID(c, "procId")
	if !ok2 {
		return
	}
	if err := s.surface.StopExecutionProcess(c.Request.Context(), procID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getAttemptLogs(c *gin.Context) {
	attemptID, ok2 := paramUUID(c, "attemptId")
	if !ok2 {
		return
	}
	snapshots, err := s.surface.Logs(c.Request.Context(), attemptID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, snapshots)
}
