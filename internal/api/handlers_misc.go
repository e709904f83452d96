package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/pkg/models"
)

func (s *Server) registerMiscRoutes(router *gin.Engine) {
	fs := router.Group("/api/filesystem")
	fs.Use(s.authMW.Authenticate())
	fs.GET("/list", s.listFilesystem)

	cfg := router.Group("/api/config")
	cfg.Use(s.authMW.Authenticate())
	cfg.GET("", s.getConfig)
	cfg.POST("", s.authMW.RequireAdmin(), s.updateConfig)

	templates := router.Group("/api/templates")
	templates.Use(s.authMW.Authenticate())
	templates.GET("", s.listTemplates)
	templates.POST("", s.createTemplate)
	templates.DELETE("/:templateId", s.deleteTemplate)
}

func (s *Server) listFilesystem(c *gin.Context) {
	path := c.Query("path")
	entries, err := s.surface.ListFilesystem(path)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, entries)
}

// getConfig reports the subset of process configuration safe to expose to
// an authenticated client: no secrets (GithubClientSecret, JWTSecret) ever
// leave this handler.
func (s *Server) getConfig(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{
		"server_base_url":                 s.cfg.ServerBaseURL,
		"backend_port":                    s.cfg.BackendPort,
		"frontend_port":                   s.cfg.FrontendPort,
		"mcp_sse_port":                    s.cfg.MCPSSEPort,
		"disable_worktree_orphan_cleanup": s.cfg.DisableWorktreeOrphanCleanup,
	})
}

type updateConfigRequest struct {
	DisableWorktreeOrphanCleanup *bool `json:"disable_worktree_orphan_cleanup"`
}

// updateConfig sets DisableWorktreeOrphanCleanup on the in-memory Config
// and returns the updated config. The worktree Manager copies that flag
// when it is built at startup, so orphan reaping does not change until the
// process restarts; no other Config field can be changed here.
func (s *Server) updateConfig(c *gin.Context) {
	var req updateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		return
	}
	if req.DisableWorktreeOrphanCleanup != nil {
		s.cfg.DisableWorktreeOrphanCleanup = *req.DisableWorktreeOrphanCleanup
	}
	s.getConfig(c)
}

func (s *Server) listTemplates(c *gin.Context) {
	projectID, err := uuid.Parse(c.Query("project_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, envelope{Success: false, Message: "project_id query parameter must be a valid uuid"})
		return
	}
	templates, err := s.surface.ListTemplates(c.Request.Context(), projectID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, templates)
}

type createTemplateRequest struct {
	Scope     string     `json:"scope" binding:"required"`
	ProjectID *uuid.UUID `json:"project_id"`
	Title     string     `json:"title" binding:"required"`
	Prompt    string     `json:"prompt" binding:"required"`
}

func (s *Server) createTemplate(c *gin.Context) {
	var req createTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		return
	}
	template, err := s.surface.CreateTemplate(c.Request.Context(), models.TemplateScope(req.Scope), req.ProjectID, req.Title, req.Prompt)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, template)
}

func (s *Server) deleteTemplate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("templateId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, envelope{Success: false, Message: "templateId must be a valid uuid"})
		return
	}
	if err := s.surface.DeleteTemplate(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
