// Package mcp is the remote-tool half of the Tool Surface (C8): the same
// internal/toolsurface.Surface the HTTP front door (internal/api) calls,
// exposed to remote-tool clients either over stdio (--mcp, local/trusted)
// or an OAuth-2.1-gated SSE transport at GET /sse (spec.md §6), so HTTP
// and remote-tool consumers see identical semantics. Grounded on the
// teacher's internal/mcp.Server (mcp-go NewMCPServer/AddTool/ServeStdio
// shape, internal/mcp/tools_setup.go's tool-registration idiom), adapted
// from Station's agent-management tool set to this domain's project/
// task/attempt operations, and from an unauthenticated local transport to
// one that enforces the embedded OAuth 2.1 authorization server
// (internal/auth/oauth.Server) on every SSE connection.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/namastexlabs/automagik-forge/internal/auth"
	"github.com/namastexlabs/automagik-forge/internal/config"
	"github.com/namastexlabs/automagik-forge/internal/forgeerr"
	"github.com/namastexlabs/automagik-forge/internal/logging"
	"github.com/namastexlabs/automagik-forge/internal/toolsurface"
	"github.com/namastexlabs/automagik-forge/pkg/models"
)

// subscribeDrainWindow bounds how long subscribe_logs/subscribe_events/
// subscribe_presence wait for activity before returning whatever arrived:
// the MCP tool-call transport is request/response, so a "subscription" is
// adapted here into one bounded long-poll rather than a true server push
// (the SSE transport still delivers events natively to HTTP clients via
// internal/api's own real-time routes).
const subscribeDrainWindow = 25 * time.Second

type ctxKey int

const userCtxKey ctxKey = 0

// Server is the remote-tool transport.
type Server struct {
	cfg       *config.Config
	authSvc   *auth.Service
	surface   *toolsurface.Surface
	mcpServer *server.MCPServer
	sse       *server.SSEServer
	http      *http.Server
}

// New wires a remote-tool Server onto surface, registering every Tool
// Surface operation as an MCP tool.
func New(cfg *config.Config, authSvc *auth.Service, surface *toolsurface.Surface) *Server {
	mcpServer := server.NewMCPServer(
		"automagik-forge",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{cfg: cfg, authSvc: authSvc, surface: surface, mcpServer: mcpServer}
	s.registerTools()
	return s
}

// ServeStdio runs the remote-tool server over stdio (--mcp), the path a
// locally spawned coding agent uses. There is no per-connection HTTP
// handshake to authenticate in this mode, so the caller authenticates
// once up front (e.g. against a GitHub-backed TOOL session minted by the
// device flow) and that identity is attached to every tool call for the
// process's lifetime — a deliberate simplification of the OAuth-gated SSE
// transport's per-connection auth, since stdio has no HTTP request to
// carry a bearer token on.
func (s *Server) ServeStdio(ctx context.Context, actingUser *models.User) error {
	stdioCtx := context.WithValue(ctx, userCtxKey, actingUser)
	return server.ServeStdio(s.mcpServer, server.WithStdioContextFunc(func(context.Context) context.Context {
		return stdioCtx
	}))
}

// Start runs the SSE transport on cfg.MCPSSEPort until ctx is cancelled.
// GET /sse requires a valid bearer Session token (spec.md §6: "401
// WWW-Authenticate: Bearer realm=\"MCP\"" for unauthenticated requests);
// the embedded OAuth 2.1 authorization server's routes are mounted
// alongside it so a remote-tool client can obtain that token without any
// out-of-band step.
func (s *Server) Start(ctx context.Context) error {
	s.sse = server.NewSSEServer(s.mcpServer,
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			user, err := s.authenticate(r)
			if err != nil {
				return ctx
			}
			return context.WithValue(ctx, userCtxKey, user)
		}),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.requireBearer(s.sse))
	mux.Handle("/message", s.requireBearer(s.sse))
	s.registerOAuthRoutes(mux)

	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.MCPSSEPort),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// requireBearer enforces spec.md §6's "unauthenticated requests return 401
// WWW-Authenticate: Bearer realm=\"MCP\"" ahead of the SSE handshake
// itself, since the mcp-go SSE transport has no 401 of its own to return.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.authenticate(r); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="MCP"`)
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(r *http.Request) (*models.User, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, fmt.Errorf("missing bearer token")
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	return s.authSvc.Authenticate(r.Context(), token)
}

func userFromContext(ctx context.Context) (*models.User, error) {
	user, _ := ctx.Value(userCtxKey).(*models.User)
	if user == nil {
		return nil, forgeerr.New("mcp", forgeerr.Unauthenticated, fmt.Errorf("no authenticated user on this connection"))
	}
	return user, nil
}

func errResult(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func parseUUID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a valid uuid: %w", field, err)
	}
	return id, nil
}

func optionalString(request mcp.CallToolRequest, name string) *string {
	v := request.GetString(name, "")
	if v == "" {
		return nil
	}
	return &v
}

func logToolError(op string, err error) {
	logging.Debug("mcp tool %s failed: %v", op, err)
}
