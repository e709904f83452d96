package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/namastexlabs/automagik-forge/internal/auth"
)

// presencePollInterval matches the 30s heartbeat cadence spec.md §4.7
// describes for presence updates.
const presencePollInterval = 30 * time.Second

// registerRealtimeRoutes mounts the two SSE feeds (event replay/live stream,
// presence snapshot/live stream) and the presence heartbeat endpoint spec.md
// §4.7 describes.
func (s *Server) registerRealtimeRoutes(router *gin.Engine) {
	group := router.Group("/api/projects/:projectId")
	group.Use(s.authMW.Authenticate())

	group.GET("/events/stream", s.streamEvents)
	group.GET("/presence/stream", s.streamPresence)
	group.POST("/presence", s.postPresence)
}

func (s *Server) streamEvents(c *gin.Context) {
	projectID, ok2 := paramUUID(c, "projectId")
	if !ok2 {
		return
	}

	sub, err := s.surface.SubscribeEvents(c.Request.Context(), projectID)
	if err != nil {
		fail(c, err)
		return
	}

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case evt, open := <-sub.C:
			if !open {
				return false
			}
			c.SSEvent("event", evt)
			return true
		case _, open := <-sub.Resync:
			if !open {
				return false
			}
			c.SSEvent("resync", gin.H{})
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (s *Server) streamPresence(c *gin.Context) {
	projectID, ok2 := paramUUID(c, "projectId")
	if !ok2 {
		return
	}

	ctx := c.Request.Context()
	ticker := time.NewTicker(presencePollInterval)
	defer ticker.Stop()

	c.SSEvent("presence", s.surface.ListPresence(projectID))
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ticker.C:
			c.SSEvent("presence", s.surface.ListPresence(projectID))
			return true
		case <-ctx.Done():
			return false
		}
	})
}

type postPresenceRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) postPresence(c *gin.Context) {
	projectID, ok2 := paramUUID(c, "projectId")
	if !ok2 {
		return
	}
	var req postPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		return
	}
	user, _ := auth.UserFromContext(c)

	if err := s.surface.Heartbeat(c.Request.Context(), projectID, user.ID, req.Status); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
