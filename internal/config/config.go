// Package config loads the server's environment-sourced configuration, per
// spec.md §6 "CLI & env", following the teacher's viper-bound Config
// struct and Load() entrypoint.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

// Config is every environment-controllable setting the server reads at
// startup. Values come from the environment variables bound in
// bindEnvVars and, when one exists, a config.yaml in the working directory
// or the data directory (initViper). GET/POST /api/config read this struct
// back rather than viper.
type Config struct {
	// GitHub OAuth application coordinates, shared by the device-flow
	// client and the embedded remote-tool authorization server.
	GithubClientID     string
	GithubClientSecret string

	// JWTSecret is retained for compatibility with deployments that still
	// sign out-of-band tokens; the Auth Gate itself only ever compares
	// session token hashes (spec.md §4.2), never JWTs.
	JWTSecret string

	// ServerBaseURL is this server's externally reachable origin, used to
	// build the GitHub OAuth callback URL and the
	// .well-known/oauth-authorization-server metadata document.
	ServerBaseURL string

	// MCPSSEPort is the port the remote-tool SSE transport listens on.
	MCPSSEPort int
	// BackendPort is the HTTP Tool Surface's port.
	BackendPort int
	// FrontendPort is where the (out-of-scope) static frontend is served,
	// kept here only because the teacher's Config always carries every
	// port its process binds, even ports another component owns.
	FrontendPort int

	// DisableWorktreeOrphanCleanup wires DISABLE_WORKTREE_ORPHAN_CLEANUP
	// straight into worktree.WithOrphanReapDisabled.
	DisableWorktreeOrphanCleanup bool

	// DatabaseURL is the SQLite file path the Store opens.
	DatabaseURL string
	// WorktreeRoot is the directory under which every attempt's worktree
	// is created.
	WorktreeRoot string

	// ExecutorTemplatesPath optionally names a YAML file of named executor
	// specs (internal/executor.LoadRegistryFile); when the file does not
	// exist, the server falls back to executor.DefaultRegistry().
	ExecutorTemplatesPath string

	// Debug enables verbose logging (internal/logging).
	Debug bool

	// MCPBearerToken authenticates the --mcp stdio transport's single
	// acting user at process start, since stdio has no per-connection HTTP
	// request to carry a bearer token on (internal/mcp.Server.ServeStdio).
	// Unset means --mcp stdio is unavailable; the SSE transport is
	// unaffected.
	MCPBearerToken string

	// EncryptionKeyHex, when set, seeds pkg/crypto.KeyManager so GitHub
	// tokens captured during login can be persisted for open_pr to reuse; unset disables persistence rather than storing plaintext.
	EncryptionKeyHex string
}

var loadedConfig *Config

// Load reads configuration from environment variables (and an optional
// config.yaml in the working directory or the data directory), applying the defaults
// spec.md §6 names, following the teacher's InitViper+bindEnvVars+Load
// three-step shape.
func Load() (*Config, error) {
	if err := initViper(); err != nil {
		return nil, fmt.Errorf("init viper: %w", err)
	}
	bindEnvVars()

	dataDir, err := defaultDataDir()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		GithubClientID:               viper.GetString("github_client_id"),
		GithubClientSecret:           viper.GetString("github_client_secret"),
		JWTSecret:                    viper.GetString("jwt_secret"),
		ServerBaseURL:                getStringDefault("server_base_url", "http://localhost:8585"),
		MCPSSEPort:                   getIntDefault("mcp_sse_port", 8889),
		BackendPort:                  getIntDefault("backend_port", 8585),
		FrontendPort:                 getIntDefault("frontend_port", 3000),
		DisableWorktreeOrphanCleanup: viper.GetBool("disable_worktree_orphan_cleanup"),
		DatabaseURL:                  getStringDefault("database_url", filepath.Join(dataDir, "forge.db")),
		WorktreeRoot:                 getStringDefault("worktree_root", filepath.Join(dataDir, "worktrees")),
		ExecutorTemplatesPath:        getStringDefault("executor_templates_path", filepath.Join(dataDir, "templates.yaml")),
		Debug:                        viper.GetBool("debug"),
		MCPBearerToken:               viper.GetString("mcp_bearer_token"),
		EncryptionKeyHex:             viper.GetString("encryption_key"),
	}

	loadedConfig = cfg
	return cfg, nil
}

func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if dataDir, err := defaultDataDir(); err == nil {
		viper.AddConfigPath(dataDir)
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return err
		}
	}
	return nil
}

// bindEnvVars binds exactly the env vars spec.md §6 names, so
// viper.GetString/GetBool/GetInt above reflect them without the caller
// needing the STN_ prefix the teacher's own bindings use elsewhere.
func bindEnvVars() {
	_ = viper.BindEnv("github_client_id", "GITHUB_CLIENT_ID")
	_ = viper.BindEnv("github_client_secret", "GITHUB_CLIENT_SECRET")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("server_base_url", "SERVER_BASE_URL")
	_ = viper.BindEnv("mcp_sse_port", "MCP_SSE_PORT")
	_ = viper.BindEnv("backend_port", "BACKEND_PORT")
	_ = viper.BindEnv("frontend_port", "FRONTEND_PORT")
	_ = viper.BindEnv("disable_worktree_orphan_cleanup", "DISABLE_WORKTREE_ORPHAN_CLEANUP")
	_ = viper.BindEnv("database_url", "FORGE_DATABASE_URL")
	_ = viper.BindEnv("worktree_root", "FORGE_WORKTREE_ROOT")
	_ = viper.BindEnv("executor_templates_path", "FORGE_EXECUTOR_TEMPLATES")
	_ = viper.BindEnv("debug", "FORGE_DEBUG")
	_ = viper.BindEnv("mcp_bearer_token", "FORGE_MCP_BEARER_TOKEN")
	_ = viper.BindEnv("encryption_key", "ENCRYPTION_KEY")
}

func getStringDefault(key, def string) string {
	if v := viper.GetString(key); v != "" {
		return v
	}
	return def
}

func getIntDefault(key string, def int) int {
	if viper.IsSet(key) {
		if v := viper.GetInt(key); v != 0 {
			return v
		}
	}
	return def
}

// GetLoadedConfig returns the Config populated by the most recent Load
// call, for components constructed after startup that need to read it
// back (e.g. GET /api/config).
func GetLoadedConfig() *Config {
	return loadedConfig
}

// defaultDataDir is the OS-appropriate app-data directory spec.md §6
// names for the on-disk database file and worktree root, respecting
// XDG_DATA_HOME first like the teacher's own GetStationConfigDir does for
// its XDG_CONFIG_HOME equivalent.
func defaultDataDir() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "automagik-forge"), nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "automagik-forge"), nil
		}
	}
	return filepath.Join(home, ".local", "share", "automagik-forge"), nil
}

// ExitClean and friends are the exit codes spec.md §6 defines; main.go
// carries them on its exitError values and passes them to os.Exit via
// exitCodeFor.
const (
	ExitClean            = 0
	ExitConfigError      = 1
	ExitMigrationError   = 2
	ExitPortInUse        = 3
)

// RequireGithubOAuth reports whether GithubClientID/Secret are both set,
// the minimum viable configuration for the Auth Gate to start at all.
func (c *Config) RequireGithubOAuth() error {
	if c.GithubClientID == "" || c.GithubClientSecret == "" {
		return fmt.Errorf("GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET are required")
	}
	return nil
}

// ParsePort parses s as a port number, returning def when s is empty or
// not an integer.
func ParsePort(s string, def int) int {
	if s == "" {
		return def
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return p
}
