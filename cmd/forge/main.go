// Command forge is the automagik-forge server binary: a single process
// that, with no flags, serves both the HTTP Tool Surface (spec.md §6
// "HTTP surface") and the OAuth-2.1-gated remote-tool SSE transport
// (spec.md §6 "Remote-tool surface"), or, with --mcp, serves the
// remote-tool surface over stdio only. Grounded on the teacher's
// cmd/main/main.go (cobra root command, cobra.OnInitialize wiring) and
// cmd/main/server.go/stdio.go (component construction order, signal
// handling, graceful shutdown), trimmed to this domain's components.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/namastexlabs/automagik-forge/internal/api"
	"github.com/namastexlabs/automagik-forge/internal/attempt"
	"github.com/namastexlabs/automagik-forge/internal/auth"
	"github.com/namastexlabs/automagik-forge/internal/auth/oauth"
	"github.com/namastexlabs/automagik-forge/internal/coding"
	"github.com/namastexlabs/automagik-forge/internal/config"
	"github.com/namastexlabs/automagik-forge/internal/db"
	"github.com/namastexlabs/automagik-forge/internal/db/repositories"
	"github.com/namastexlabs/automagik-forge/internal/eventbus"
	"github.com/namastexlabs/automagik-forge/internal/executor"
	"github.com/namastexlabs/automagik-forge/internal/filesystem"
	"github.com/namastexlabs/automagik-forge/internal/github"
	"github.com/namastexlabs/automagik-forge/internal/logging"
	"github.com/namastexlabs/automagik-forge/internal/logmux"
	"github.com/namastexlabs/automagik-forge/internal/mcp"
	"github.com/namastexlabs/automagik-forge/internal/process"
	"github.com/namastexlabs/automagik-forge/internal/toolsurface"
	"github.com/namastexlabs/automagik-forge/internal/version"
	"github.com/namastexlabs/automagik-forge/internal/worktree"
	"github.com/namastexlabs/automagik-forge/pkg/crypto"
)

const orphanReapSchedule = "@every 5m"

var (
	mcpStdio bool
	debug    bool

	rootCmd = &cobra.Command{
		Use:     "forge",
		Short:   "Automagik Forge — collaborative task-execution server for AI coding agents",
		Version: version.GetVersionString(),
		RunE:    runRoot,
	}
)

func init() {
	rootCmd.Flags().BoolVar(&mcpStdio, "mcp", false, "serve the remote-tool surface over stdio only, no HTTP/SSE ports bound")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable verbose logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// components bundles every long-lived object runRoot constructs, so both
// server modes (HTTP+SSE and stdio-only) share exactly one startup path.
type components struct {
	cfg       *config.Config
	database  *db.DB
	repos     *repositories.Repositories
	authSvc   *auth.Service
	authMW    *auth.Middleware
	worktrees *worktree.Manager
	procs     *process.Supervisor
	logs      *logmux.Multiplexer
	bus       *eventbus.Broker
	machine   *attempt.Machine
	surface   *toolsurface.Surface
	sweeper   *worktree.OrphanSweeper
}

func runRoot(cmd *cobra.Command, args []string) error {
	logging.Initialize(debug)

	cfg, err := config.Load()
	if err != nil {
		return &exitError{code: config.ExitConfigError, err: fmt.Errorf("load config: %w", err)}
	}

	c, err := buildComponents(cfg)
	if err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr
		}
		return &exitError{code: config.ExitConfigError, err: err}
	}
	defer c.database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Info("shutdown signal received, stopping new work")
		cancel()
	}()

	if mcpStdio {
		return runStdio(ctx, c)
	}
	return runServers(ctx, c)
}

// buildComponents wires C1–C8 in dependency order: Store, then Auth Gate,
// Worktree Manager, Process Supervisor, Log Multiplexer, Event Bus, the
// Attempt State Machine on top of all of them, and finally the Tool
// Surface that fronts both transports identically (spec.md §4.8).
func buildComponents(cfg *config.Config) (*components, error) {
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, &exitError{code: config.ExitMigrationError, err: fmt.Errorf("run migrations: %w", err)}
	}

	repos := repositories.New(database)

	var keys *crypto.KeyManager
	if cfg.EncryptionKeyHex != "" {
		keys, err = crypto.NewKeyManagerFromEnv()
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("init encryption key manager: %w", err)
		}
	}

	authSvc := auth.NewService(repos, oauth.GithubConfig{
		ClientID:     cfg.GithubClientID,
		ClientSecret: cfg.GithubClientSecret,
	}, cfg.ServerBaseURL, keys)
	authMW := auth.NewMiddleware(authSvc, auth.NewRateLimiter(60))

	gitCreds := coding.NewGitCredentials("", "")
	worktrees := worktree.NewManager(cfg.WorktreeRoot,
		worktree.WithGitCredentials(gitCreds),
		worktree.WithRepoPathLookup(repos.Projects),
		worktree.WithOrphanReapDisabled(cfg.DisableWorktreeOrphanCleanup),
	)

	logs := logmux.NewMultiplexer(repos.Logs)
	procs := process.NewSupervisor(repos.Processes, logs, worktrees)

	bus, err := eventbus.NewBroker(eventbus.Config{})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("start event bus: %w", err)
	}

	executors, err := loadExecutorRegistry(cfg.ExecutorTemplatesPath)
	if err != nil {
		bus.Close()
		database.Close()
		return nil, fmt.Errorf("load executor registry: %w", err)
	}

	gitIdentity := &process.GitIdentity{Name: gitCreds.UserName, Email: gitCreds.UserEmail}
	machine := attempt.New(repos, worktrees, procs, logs, bus, executors, authSvc, github.NewClient(), gitIdentity)
	fsLister := filesystem.NewOSLister()
	surface := toolsurface.New(repos, machine, procs, logs, worktrees, bus, fsLister)

	sweeper := worktree.NewOrphanSweeper(worktrees, func(ctx context.Context) map[string]struct{} {
		return activeWorktreePaths(ctx, repos)
	})

	return &components{
		cfg: cfg, database: database, repos: repos,
		authSvc: authSvc, authMW: authMW,
		worktrees: worktrees, procs: procs, logs: logs, bus: bus,
		machine: machine, surface: surface, sweeper: sweeper,
	}, nil
}

func activeWorktreePaths(ctx context.Context, repos *repositories.Repositories) map[string]struct{} {
	active, err := repos.Attempts.ListAllActive(ctx)
	if err != nil {
		logging.Error("list active attempts for orphan sweep: %v", err)
		return nil
	}
	paths := make(map[string]struct{}, len(active))
	for _, a := range active {
		paths[a.WorktreePath] = struct{}{}
	}
	return paths
}

func loadExecutorRegistry(path string) (*executor.Registry, error) {
	if path == "" {
		return executor.DefaultRegistry(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return executor.DefaultRegistry(), nil
	}
	return executor.LoadRegistryFile(path)
}

// runServers runs the HTTP Tool Surface, the OAuth-gated remote-tool SSE
// transport, and the orphan-reap sweep concurrently until ctx is
// cancelled, per spec.md §5's "stop accepting new work, send grace
// kill... wait up to 30s" shutdown sequence.
func runServers(ctx context.Context, c *components) error {
	if err := c.sweeper.Start(orphanReapSchedule); err != nil {
		return fmt.Errorf("start orphan sweeper: %w", err)
	}
	defer c.sweeper.Stop()

	httpServer := api.New(c.cfg, c.authSvc, c.authMW, c.surface)
	mcpServer := mcp.New(c.cfg, c.authSvc, c.surface)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logging.Info("HTTP Tool Surface listening on :%d", c.cfg.BackendPort)
		if err := httpServer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logging.Info("remote-tool SSE transport listening on :%d", c.cfg.MCPSSEPort)
		if err := mcpServer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("mcp sse server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		if isPortInUse(err) {
			return &exitError{code: config.ExitPortInUse, err: err}
		}
		return err
	case <-ctx.Done():
	}

	wg.Wait()
	drainRunningProcesses(c)
	return nil
}

// runStdio serves the remote-tool surface over stdio only (--mcp), with
// the acting user authenticated once at startup via MCPBearerToken since
// stdio has no per-call HTTP request to carry a bearer token on (spec.md
// §6: "--mcp run remote-tool server over stdio only").
func runStdio(ctx context.Context, c *components) error {
	if c.cfg.MCPBearerToken == "" {
		return fmt.Errorf("FORGE_MCP_BEARER_TOKEN must be set to authenticate the --mcp stdio transport")
	}
	actingUser, err := c.authSvc.Authenticate(ctx, c.cfg.MCPBearerToken)
	if err != nil {
		return fmt.Errorf("authenticate --mcp stdio session: %w", err)
	}

	mcpServer := mcp.New(c.cfg, c.authSvc, c.surface)
	go func() {
		<-ctx.Done()
		drainRunningProcesses(c)
	}()
	return mcpServer.ServeStdio(ctx, actingUser)
}

// drainRunningProcesses sends the grace-then-escalate kill spec.md §5
// describes to every still-RUNNING process server-wide, then waits up to
// 30s before returning, matching "wait up to 30 s, then escalate; flush
// any pending log appends before exit."
func drainRunningProcesses(c *components) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	running, err := c.repos.Processes.ListRunning(shutdownCtx)
	if err != nil {
		logging.Error("list running processes at shutdown: %v", err)
		return
	}
	for _, p := range running {
		if err := c.procs.Kill(shutdownCtx, p.ID); err != nil {
			logging.Error("kill process %s at shutdown: %v", p.ID, err)
		}
	}
}

func isPortInUse(err error) bool {
	return err != nil && strings.Contains(err.Error(), "address already in use")
}

// exitError carries the exit code spec.md §6 mandates alongside the
// underlying error, so main can os.Exit with the right code without every
// intermediate caller needing to know about process exit codes.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, exitErr.err)
		return exitErr.code
	}
	fmt.Fprintln(os.Stderr, err)
	return config.ExitConfigError
}
