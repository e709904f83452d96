// Package api implements the HTTP half of the Tool Surface (C8): the gin
// router spec.md §6 describes ("EXTERNAL INTERFACES" → "HTTP surface"),
// delegating every operation to internal/toolsurface so HTTP and
// remote-tool (internal/mcp) clients see identical semantics. Grounded on
// the teacher's internal/api.Server (gin.New + Recovery + CORS + grouped
// route registration, graceful Start/Shutdown over a context).
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/namastexlabs/automagik-forge/internal/auth"
	"github.com/namastexlabs/automagik-forge/internal/config"
	"github.com/namastexlabs/automagik-forge/internal/toolsurface"
)

// Server is the HTTP Tool Surface.
type Server struct {
	cfg     *config.Config
	authSvc *auth.Service
	authMW  *auth.Middleware
	surface *toolsurface.Surface

	httpServer *http.Server
}

func New(cfg *config.Config, authSvc *auth.Service, authMW *auth.Middleware, surface *toolsurface.Surface) *Server {
	return &Server{cfg: cfg, authSvc: authSvc, authMW: authMW, surface: surface}
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully (spec.md §5: "stop accepting new work... flush any pending
// log appends before exit" — here, letting in-flight handlers finish).
func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", s.healthCheck)

	s.registerAuthRoutes(router)
	s.registerProjectRoutes(router)
	s.registerMiscRoutes(router)
	s.registerRealtimeRoutes(router)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.BackendPort),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "forge-api"})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
