// Package worktree implements the Worktree Manager (C3): allocation,
// removal, and orphan reaping of the isolated git working directories each
// task attempt runs inside. Every path and branch name is a deterministic
// function of (project id, attempt id); the manager never invents names of
// its own.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/internal/coding"
	"github.com/namastexlabs/automagik-forge/pkg/models"
)

// RepoPathLookup resolves a project id to the repo_path its worktrees are
// cloned from, used by orphan reaping to prune a project's git bookkeeping
// after a directory is removed out from under it.
type RepoPathLookup interface {
	RepoPathForProject(ctx context.Context, projectID uuid.UUID) (string, bool, error)
}

// Manager owns one worktree root and serializes every mutating git
// operation against a given path with a per-path lock, so two goroutines
// racing to create or drop the same attempt's worktree can't corrupt it.
type Manager struct {
	root        string
	credentials *coding.GitCredentials
	lookup      RepoPathLookup
	disableReap bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Manager)

func WithGitCredentials(creds *coding.GitCredentials) Option {
	return func(m *Manager) { m.credentials = creds }
}

func WithRepoPathLookup(lookup RepoPathLookup) Option {
	return func(m *Manager) { m.lookup = lookup }
}

func WithOrphanReapDisabled(disabled bool) Option {
	return func(m *Manager) { m.disableReap = disabled }
}

func NewManager(root string, opts ...Option) *Manager {
	m := &Manager{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) pathLock(path string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[path]
	if !ok {
		l = &sync.Mutex{}
		m.locks[path] = l
	}
	return l
}

// WorktreePath deterministically derives the path an attempt's worktree
// lives at: <root>/<project.id>/<attempt.id>.
func (m *Manager) WorktreePath(projectID, attemptID uuid.UUID) string {
	return filepath.Join(m.root, projectID.String(), attemptID.String())
}

// BranchName deterministically derives the branch an attempt's worktree is
// created on: forge/<attempt.id[:8]>.
func (m *Manager) BranchName(attemptID uuid.UUID) string {
	return "forge/" + attemptID.String()[:8]
}

// CreateWorktree is create_worktree(project, attempt_id, base_branch). It
// is atomic: either the worktree directory and its branch both end up
// existing, or the call returns an error and leaves no trace behind.
func (m *Manager) CreateWorktree(ctx context.Context, project *models.Project, attemptID uuid.UUID, baseBranch string) (path, branch string, err error) {
	if _, statErr := os.Stat(project.RepoPath); statErr != nil {
		return "", "", newErr("create_worktree", ErrRepoNotFound, fmt.Errorf("repo_path %s: %w", project.RepoPath, statErr))
	}

	m.fetchOrigin(ctx, project.RepoPath)

	if !m.branchExists(ctx, project.RepoPath, baseBranch) {
		return "", "", newErr("create_worktree", ErrBaseBranchUnknown, fmt.Errorf("base branch %q not found in %s", baseBranch, project.RepoPath))
	}

	path = m.WorktreePath(project.ID, attemptID)
	branch = m.BranchName(attemptID)

	lock := m.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	if _, statErr := os.Stat(path); statErr == nil {
		return "", "", newErr("create_worktree", ErrWorktreeInUse, fmt.Errorf("worktree already exists at %s", path))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", "", newErr("create_worktree", ErrIO, fmt.Errorf("create project worktree dir: %w", err))
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path, baseBranch)
	cmd.Dir = project.RepoPath
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.RemoveAll(path)
		m.pruneBookkeeping(ctx, project.RepoPath)
		return "", "", newErr("create_worktree", ErrIO, coding.RedactError(fmt.Errorf("git worktree add: %s", stderr.String())))
	}

	return path, branch, nil
}

// DropWorktree is drop_worktree(path): idempotent, tolerates a path that no
// longer exists, and always prunes the parent repo's stale worktree
// bookkeeping afterward.
func (m *Manager) DropWorktree(ctx context.Context, repoPath, path string) error {
	lock := m.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		m.pruneBookkeeping(ctx, repoPath)
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = repoPath
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return newErr("drop_worktree", ErrIO, fmt.Errorf("git worktree remove failed (%s) and manual removal failed: %w", stderr.String(), rmErr))
		}
	}

	m.pruneBookkeeping(ctx, repoPath)
	return nil
}

func (m *Manager) pruneBookkeeping(ctx context.Context, repoPath string) {
	if repoPath == "" {
		return
	}
	cmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	cmd.Dir = repoPath
	_ = cmd.Run()
}

func (m *Manager) branchExists(ctx context.Context, repoPath, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "--quiet", branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// fetchOrigin best-effort refreshes repoPath's remote-tracking refs before
// a worktree is cut from base_branch, so a base branch that only exists
// upstream is visible to branchExists. Failure is swallowed: repoPath may
// have no "origin" remote at all (e.g. a local-only test fixture), and a
// stale local ref is still a valid base_branch per spec.md §4.3.
func (m *Manager) fetchOrigin(ctx context.Context, repoPath string) {
	cmd := exec.CommandContext(ctx, "git", "fetch", "origin")
	cmd.Dir = repoPath

	if m.credentials.HasToken() {
		scriptPath, cleanup, err := m.credentials.WriteAskpassScript()
		if err != nil {
			return
		}
		defer cleanup()
		cmd.Env = append(os.Environ(), "GIT_ASKPASS="+scriptPath, "GIT_TERMINAL_PROMPT=0")
	}

	_ = cmd.Run()
}

// ReapOrphans is reap_orphans(active_paths): it walks the worktree root two
// levels deep (<root>/<project_id>/<attempt_id>) and removes any attempt
// directory whose full path is not in activePaths. Disabled entirely when
// the manager was constructed with WithOrphanReapDisabled(true), matching
// the DISABLE_WORKTREE_ORPHAN_CLEANUP environment guard.
func (m *Manager) ReapOrphans(ctx context.Context, activePaths map[string]struct{}) ([]string, error) {
	if m.disableReap {
		return nil, nil
	}

	projectDirs, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newErr("reap_orphans", ErrIO, err)
	}

	var removed []string
	for _, pd := range projectDirs {
		if !pd.IsDir() {
			continue
		}
		projectDir := filepath.Join(m.root, pd.Name())

		attemptDirs, err := os.ReadDir(projectDir)
		if err != nil {
			continue
		}

		prunedAny := false
		for _, ad := range attemptDirs {
			if !ad.IsDir() {
				continue
			}
			full := filepath.Join(projectDir, ad.Name())
			if _, active := activePaths[full]; active {
				continue
			}
			if err := os.RemoveAll(full); err != nil {
				continue
			}
			removed = append(removed, full)
			prunedAny = true
		}

		if prunedAny && m.lookup != nil {
			if projectID, err := uuid.Parse(pd.Name()); err == nil {
				if repoPath, ok, lookupErr := m.lookup.RepoPathForProject(ctx, projectID); lookupErr == nil && ok {
					m.pruneBookkeeping(ctx, repoPath)
				}
			}
		}
	}

	return removed, nil
}

// ComputeDiff is get_diff's worktree half: the changed files and unified
// diff text of path's branch relative to baseBranch.
func (m *Manager) ComputeDiff(ctx context.Context, path, baseBranch string) (*models.WorktreeDiff, error) {
	statusCmd := exec.CommandContext(ctx, "git", "diff", "--numstat", baseBranch)
	statusCmd.Dir = path
	numstatOut, err := statusCmd.Output()
	if err != nil {
		return nil, newErr("get_diff", ErrIO, fmt.Errorf("git diff --numstat: %w", err))
	}

	nameStatusCmd := exec.CommandContext(ctx, "git", "diff", "--name-status", baseBranch)
	nameStatusCmd.Dir = path
	nameStatusOut, err := nameStatusCmd.Output()
	if err != nil {
		return nil, newErr("get_diff", ErrIO, fmt.Errorf("git diff --name-status: %w", err))
	}
	statusByPath := parseNameStatus(string(nameStatusOut))

	var files []models.FileDiffStat
	for _, line := range strings.Split(strings.TrimSpace(string(numstatOut)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		added, _ := strconv.Atoi(fields[0])
		removed, _ := strconv.Atoi(fields[1])
		files = append(files, models.FileDiffStat{
			Path:      fields[2],
			Status:    statusByPath[fields[2]],
			Additions: added,
			Deletions: removed,
		})
	}

	rawCmd := exec.CommandContext(ctx, "git", "diff", baseBranch)
	rawCmd.Dir = path
	rawOut, err := rawCmd.Output()
	if err != nil {
		return nil, newErr("get_diff", ErrIO, fmt.Errorf("git diff: %w", err))
	}

	return &models.WorktreeDiff{Files: files, Raw: string(rawOut)}, nil
}

func parseNameStatus(output string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		result[fields[1]] = fields[0][:1]
	}
	return result
}

// Merge performs merge(attempt_id, user)'s git half: merging branch into
// baseBranch inside the project's primary repo_path (not the worktree,
// which is dropped immediately after), using identity/credential
// injection so the resulting commit is attributed to the merging user.
func (m *Manager) Merge(ctx context.Context, repoPath, baseBranch, branch, authorName, authorEmail string) (commit string, err error) {
	checkout := exec.CommandContext(ctx, "git", "checkout", baseBranch)
	checkout.Dir = repoPath
	if err := checkout.Run(); err != nil {
		return "", newErr("merge", ErrIO, fmt.Errorf("checkout %s: %w", baseBranch, err))
	}

	mergeCmd := exec.CommandContext(ctx, "git",
		"-c", "user.name="+authorName,
		"-c", "user.email="+authorEmail,
		"merge", "--no-ff", branch, "-m", fmt.Sprintf("Merge %s into %s", branch, baseBranch))
	mergeCmd.Dir = repoPath
	var stderr bytes.Buffer
	mergeCmd.Stderr = &stderr
	if err := mergeCmd.Run(); err != nil {
		return "", newErr("merge", ErrIO, coding.RedactError(fmt.Errorf("git merge: %s", stderr.String())))
	}

	revParse := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	revParse.Dir = repoPath
	out, err := revParse.Output()
	if err != nil {
		return "", newErr("merge", ErrIO, fmt.Errorf("resolve merge commit: %w", err))
	}

	return strings.TrimSpace(string(out)), nil
}

// Rebase performs rebase(attempt_id, new_base?, user)'s git half, rebasing
// the worktree's branch onto newBase in place.
func (m *Manager) Rebase(ctx context.Context, worktreePath, newBase string) error {
	cmd := exec.CommandContext(ctx, "git", "rebase", newBase)
	cmd.Dir = worktreePath
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		abort := exec.CommandContext(ctx, "git", "rebase", "--abort")
		abort.Dir = worktreePath
		_ = abort.Run()
		return newErr("rebase", ErrIO, coding.RedactError(fmt.Errorf("git rebase %s: %s", newBase, stderr.String())))
	}
	return nil
}

// CommitIdentity records the attempting user's git identity into the
// worktree's local config, so every commit the agent makes inside it is
// attributed correctly. Called by the Process Supervisor before handing a
// worktree to an agent process.
func (m *Manager) CommitIdentity(ctx context.Context, worktreePath, name, email string) error {
	nameCmd := exec.CommandContext(ctx, "git", "config", "user.name", name)
	nameCmd.Dir = worktreePath
	if err := nameCmd.Run(); err != nil {
		return newErr("commit_identity", ErrIO, fmt.Errorf("git config user.name: %w", err))
	}

	emailCmd := exec.CommandContext(ctx, "git", "config", "user.email", email)
	emailCmd.Dir = worktreePath
	if err := emailCmd.Run(); err != nil {
		return newErr("commit_identity", ErrIO, fmt.Errorf("git config user.email: %w", err))
	}

	return nil
}
