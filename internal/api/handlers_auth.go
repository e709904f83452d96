package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/namastexlabs/automagik-forge/internal/auth"
)

func (s *Server) registerAuthRoutes(router *gin.Engine) {
	group := router.Group("/api/auth")
	group.POST("/github/device/start", s.deviceStart)
	group.POST("/github/device/poll", s.devicePoll)

	authed := group.Group("")
	authed.Use(s.authMW.Authenticate())
	authed.GET("/me", s.me)
	authed.POST("/logout", s.logout)

	admin := authed.Group("")
	admin.Use(s.authMW.RequireAdmin())
	admin.GET("/users", s.listUsers)
	admin.POST("/users/:username/revoke", s.revokeUser)
}

func (s *Server) deviceStart(c *gin.Context) {
	begin, err := s.authSvc.BeginDeviceFlow(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{
		"device_code":      begin.DeviceCode,
		"user_code":        begin.UserCode,
		"verification_uri": begin.VerificationURI,
		"interval":         begin.Interval,
		"expires_in":       begin.ExpiresIn,
	})
}

type devicePollRequest struct {
	DeviceCode string `json:"device_code" binding:"required"`
}

func (s *Server) devicePoll(c *gin.Context) {
	var req devicePollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, envelope{Success: false, Message: err.Error()})
		return
	}

	session, token, err := s.authSvc.PollDeviceFlow(c.Request.Context(), req.DeviceCode)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"token": token, "user_id": session.UserID})
}

func (s *Server) me(c *gin.Context) {
	user, _ := auth.UserFromContext(c)
	ok(c, http.StatusOK, user)
}

func (s *Server) logout(c *gin.Context) {
	// Sessions expire on their own TTL; logout is client-side discard of
	// the bearer token (spec.md §6: "a response 401 invalidates
	// client-side credentials" is the only server-observable signal).
	c.Status(http.StatusNoContent)
}

func (s *Server) listUsers(c *gin.Context) {
	users, err := s.surface.ListUsers(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, users)
}

func (s *Server) revokeUser(c *gin.Context) {
	username := c.Param("username")
	if err := s.authSvc.Revoke(c.Request.Context(), username); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
