package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionKind distinguishes bearer sessions minted for interactive human
// clients from ones minted for remote-tool (MCP) clients.
type SessionKind string

const (
	SessionKindHuman SessionKind = "HUMAN"
	SessionKindTool  SessionKind = "TOOL"
)

// TaskStatus is the lifecycle state of a Task as seen on the board.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "TODO"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusInReview   TaskStatus = "IN_REVIEW"
	TaskStatusDone       TaskStatus = "DONE"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// AttemptState is a node in the Attempt State Machine's transition graph.
type AttemptState string

const (
	AttemptStateCreated      AttemptState = "CREATED"
	AttemptStateSetupRunning AttemptState = "SETUP_RUNNING"
	AttemptStateAgentRunning AttemptState = "AGENT_RUNNING"
	AttemptStateAgentDone    AttemptState = "AGENT_DONE"
	AttemptStateReviewing    AttemptState = "REVIEWING"
	AttemptStateRebasing     AttemptState = "REBASING"
	AttemptStateMerging      AttemptState = "MERGING"
	AttemptStateFailed       AttemptState = "FAILED"
	AttemptStateCancelled    AttemptState = "CANCELLED"
	AttemptStateTerminal     AttemptState = "TERMINAL"
)

// ProcessKind distinguishes the role a spawned child process plays within an
// attempt's lifecycle.
type ProcessKind string

const (
	ProcessKindSetup       ProcessKind = "SETUP"
	ProcessKindCodingAgent ProcessKind = "CODING_AGENT"
	ProcessKindDevServer   ProcessKind = "DEV_SERVER"
	ProcessKindFollowup    ProcessKind = "FOLLOWUP"
	ProcessKindCleanup     ProcessKind = "CLEANUP"
)

// ProcessStatus is the lifecycle state of an Execution Process.
type ProcessStatus string

const (
	ProcessStatusRunning        ProcessStatus = "RUNNING"
	ProcessStatusExited         ProcessStatus = "EXITED"
	ProcessStatusKilled         ProcessStatus = "KILLED"
	ProcessStatusFailedToSpawn  ProcessStatus = "FAILED_TO_SPAWN"
)

// LogStream marks which file descriptor a LogChunk came from.
type LogStream string

const (
	LogStreamOut LogStream = "OUT"
	LogStreamErr LogStream = "ERR"
)

// TemplateScope controls whether a TaskTemplate is available to every
// project or only to one.
type TemplateScope string

const (
	TemplateScopeGlobal  TemplateScope = "GLOBAL"
	TemplateScopeProject TemplateScope = "PROJECT"
)

// User is created on first successful GitHub OAuth and updated on every
// login thereafter. Never deleted: access revocation flips IsWhitelisted.
type User struct {
	ID                   uuid.UUID  `json:"id" db:"id"`
	GithubID             int64      `json:"github_id" db:"github_id"`
	Username             string     `json:"username" db:"username"`
	Email                string     `json:"email" db:"email"`
	DisplayName          *string    `json:"display_name,omitempty" db:"display_name"`
	AvatarURL            *string    `json:"avatar_url,omitempty" db:"avatar_url"`
	GithubTokenEncrypted []byte     `json:"-" db:"github_token_encrypted"`
	IsAdmin              bool       `json:"is_admin" db:"is_admin"`
	IsWhitelisted        bool       `json:"is_whitelisted" db:"is_whitelisted"`
	LastLoginAt          *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

// Session is the server-side record behind an opaque bearer token. Only the
// token's hash is ever persisted; the plaintext is returned once, at mint
// time, and never again.
type Session struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	UserID     uuid.UUID   `json:"user_id" db:"user_id"`
	TokenHash  []byte      `json:"-" db:"token_hash"`
	Kind       SessionKind `json:"kind" db:"kind"`
	ClientInfo *string     `json:"client_info,omitempty" db:"client_info"`
	ExpiresAt  time.Time   `json:"expires_at" db:"expires_at"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}

// WhitelistEntry gates which GitHub accounts are permitted to mint a
// Session at all.
type WhitelistEntry struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	GithubUsername string     `json:"github_username" db:"github_username"`
	GithubID       *int64     `json:"github_id,omitempty" db:"github_id"`
	InvitedBy      *uuid.UUID `json:"invited_by,omitempty" db:"invited_by"`
	IsActive       bool       `json:"is_active" db:"is_active"`
	Notes          *string    `json:"notes,omitempty" db:"notes"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Project is a git repository the server orchestrates attempts against.
// RepoPath must name an existing git repository on the host filesystem.
type Project struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	Name           string     `json:"name" db:"name"`
	RepoPath       string     `json:"repo_path" db:"repo_path"`
	SetupScript    *string    `json:"setup_script,omitempty" db:"setup_script"`
	DevScript      *string    `json:"dev_script,omitempty" db:"dev_script"`
	CleanupScript  *string    `json:"cleanup_script,omitempty" db:"cleanup_script"`
	CreatedBy      *uuid.UUID `json:"created_by,omitempty" db:"created_by"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Task is one card on the board. WishID groups related tasks created from
// the same higher-level request.
type Task struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	ProjectID         uuid.UUID  `json:"project_id" db:"project_id"`
	Title             string     `json:"title" db:"title"`
	Description       *string    `json:"description,omitempty" db:"description"`
	Status            TaskStatus `json:"status" db:"status"`
	WishID            *string    `json:"wish_id,omitempty" db:"wish_id"`
	ParentTaskAttempt *uuid.UUID `json:"parent_task_attempt,omitempty" db:"parent_task_attempt"`
	CreatedBy         *uuid.UUID `json:"created_by,omitempty" db:"created_by"`
	AssignedTo        *uuid.UUID `json:"assigned_to,omitempty" db:"assigned_to"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// TaskWithUsersAndAttemptStatus is the join row backing
// tasks_with_user_and_attempt_status: a Task enriched with display data for
// its creator/assignee and a summary of its attempt history.
type TaskWithUsersAndAttemptStatus struct {
	Task
	CreatorUsername      *string    `json:"creator_username,omitempty"`
	AssigneeUsername     *string    `json:"assignee_username,omitempty"`
	HasInProgressAttempt bool       `json:"has_in_progress_attempt"`
	HasMergedAttempt     bool       `json:"has_merged_attempt"`
	LastAttemptFailed    bool       `json:"last_attempt_failed"`
	LatestExecutor       *string    `json:"latest_executor,omitempty"`
	LatestAttemptID      *uuid.UUID `json:"latest_attempt_id,omitempty"`
}

// TaskAttempt is one run of a Task: an isolated worktree plus the processes
// spawned inside it. WorktreePath and BranchName are deterministic
// functions of ID, never chosen by the caller.
type TaskAttempt struct {
	ID           uuid.UUID    `json:"id" db:"id"`
	TaskID       uuid.UUID    `json:"task_id" db:"task_id"`
	Executor     string       `json:"executor" db:"executor"`
	BaseBranch   string       `json:"base_branch" db:"base_branch"`
	WorktreePath string       `json:"worktree_path" db:"worktree_path"`
	BranchName   string       `json:"branch_name" db:"branch_name"`
	MergeCommit  *string      `json:"merge_commit,omitempty" db:"merge_commit"`
	PRUrl        *string      `json:"pr_url,omitempty" db:"pr_url"`
	State        AttemptState `json:"state" db:"state"`
	CreatedBy    *uuid.UUID   `json:"created_by,omitempty" db:"created_by"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the attempt can no longer transition.
func (s AttemptState) IsTerminal() bool {
	return s == AttemptStateTerminal || s == AttemptStateFailed || s == AttemptStateCancelled
}

// ExecutionProcess is one child process spawned inside an attempt's
// worktree. Argv/Env are recorded verbatim for audit and replay.
type ExecutionProcess struct {
	ID         uuid.UUID         `json:"id" db:"id"`
	AttemptID  uuid.UUID         `json:"attempt_id" db:"attempt_id"`
	Kind       ProcessKind       `json:"kind" db:"kind"`
	Argv       []string          `json:"argv" db:"argv"`
	Env        map[string]string `json:"env" db:"env"`
	WorkingDir string            `json:"working_dir" db:"working_dir"`
	Status     ProcessStatus     `json:"status" db:"status"`
	ExitCode   *int              `json:"exit_code,omitempty" db:"exit_code"`
	StartedAt  time.Time         `json:"started_at" db:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty" db:"finished_at"`
}

// LogChunk is one append to a process's log. (ProcessID, Seq) is unique and
// Seq is a total order starting at 0 for a given process.
type LogChunk struct {
	ProcessID uuid.UUID `json:"process_id" db:"process_id"`
	Seq       int64     `json:"seq" db:"seq"`
	Stream    LogStream `json:"stream" db:"stream"`
	Bytes     []byte    `json:"bytes" db:"bytes"`
	At        time.Time `json:"at" db:"at"`
}

// TaskTemplate is a reusable prompt, either available to every project
// (GLOBAL) or scoped to one (PROJECT).
type TaskTemplate struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	Scope     TemplateScope  `json:"scope" db:"scope"`
	ProjectID *uuid.UUID     `json:"project_id,omitempty" db:"project_id"`
	Title     string         `json:"title" db:"title"`
	Prompt    string         `json:"prompt" db:"prompt"`
}

// Presence is an ephemeral per-project, per-user liveness record. Entries
// older than a 60s TTL are considered offline.
type Presence struct {
	ProjectID uuid.UUID `json:"project_id" db:"project_id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Status    string    `json:"status" db:"status"`
	LastSeen  time.Time `json:"last_seen" db:"last_seen"`
}

// WorktreeDiff is the computed result of get_diff: per-file change stats
// plus the raw unified diff text, relative to the attempt's base branch.
type WorktreeDiff struct {
	Files []FileDiffStat `json:"files"`
	Raw   string         `json:"raw"`
}

// FileDiffStat summarizes one changed file's contribution to a
// WorktreeDiff, mirroring `git diff --numstat` / `git diff --name-status`.
type FileDiffStat struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // A, M, D, R
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}
