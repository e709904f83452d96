package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/pkg/models"
)

type AttemptRepo struct {
	db *sql.DB
}

func NewAttemptRepo(db *sql.DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

const attemptColumns = `id, task_id, executor, base_branch, worktree_path, branch_name,
	merge_commit, pr_url, state, created_by, created_at, updated_at`

func scanAttempt(row interface{ Scan(dest ...interface{}) error }) (*models.TaskAttempt, error) {
	var a models.TaskAttempt
	var mergeCommit, prURL, createdBy sql.NullString

	if err := row.Scan(&a.ID, &a.TaskID, &a.Executor, &a.BaseBranch, &a.WorktreePath,
		&a.BranchName, &mergeCommit, &prURL, &a.State, &createdBy, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if mergeCommit.Valid {
		a.MergeCommit = &mergeCommit.String
	}
	if prURL.Valid {
		a.PRUrl = &prURL.String
	}
	if createdBy.Valid {
		id, err := uuid.Parse(createdBy.String)
		if err == nil {
			a.CreatedBy = &id
		}
	}
	return &a, nil
}

type CreateAttemptParams struct {
	// ID lets the caller pre-allocate the attempt id so it can derive
	// WorktreePath/BranchName from it before the row exists (the Worktree
	// Manager's path/branch templates are both functions of the attempt
	// id). Left as uuid.Nil, Create generates one itself.
	ID           uuid.UUID
	TaskID       uuid.UUID
	Executor     string
	BaseBranch   string
	WorktreePath string
	BranchName   string
	CreatedBy    *uuid.UUID
}

func (r *AttemptRepo) Create(ctx context.Context, p CreateAttemptParams) (*models.TaskAttempt, error) {
	id := p.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO task_attempts (id, task_id, executor, base_branch, worktree_path,
			branch_name, state, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), p.TaskID.String(), p.Executor, p.BaseBranch, p.WorktreePath,
		p.BranchName, models.AttemptStateCreated, p.CreatedBy, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert task attempt: %w", err)
	}

	return r.GetByID(ctx, id)
}

func (r *AttemptRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.TaskAttempt, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM task_attempts WHERE id = ?`, id.String())
	return scanAttempt(row)
}

// GetActiveForTask returns the single attempt for task that is not yet in a
// terminal state, or sql.ErrNoRows if every attempt has finished.
func (r *AttemptRepo) GetActiveForTask(ctx context.Context, taskID uuid.UUID) (*models.TaskAttempt, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+` FROM task_attempts
		WHERE task_id = ? AND state NOT IN ('FAILED', 'CANCELLED', 'TERMINAL')
		ORDER BY created_at DESC LIMIT 1`, taskID.String())
	return scanAttempt(row)
}

func (r *AttemptRepo) ListForTask(ctx context.Context, taskID uuid.UUID) ([]*models.TaskAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM task_attempts WHERE task_id = ? ORDER BY created_at`, taskID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.TaskAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// UpdateState performs the single-column write every state-machine
// transition boils down to at the Store layer.
func (r *AttemptRepo) UpdateState(ctx context.Context, id uuid.UUID, state models.AttemptState) error {
	_, err := r.db.ExecContext(ctx, `UPDATE task_attempts SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UTC(), id.String())
	return err
}

func (r *AttemptRepo) RecordMerge(ctx context.Context, id uuid.UUID, mergeCommit string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE task_attempts SET merge_commit = ?, state = ?, updated_at = ? WHERE id = ?`,
		mergeCommit, models.AttemptStateTerminal, time.Now().UTC(), id.String())
	return err
}

func (r *AttemptRepo) RecordPR(ctx context.Context, id uuid.UUID, prURL string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE task_attempts SET pr_url = ?, updated_at = ? WHERE id = ?`,
		prURL, time.Now().UTC(), id.String())
	return err
}

// ListActiveForProject returns every non-terminal attempt whose task
// belongs to projectID.
func (r *AttemptRepo) ListActiveForProject(ctx context.Context, projectID uuid.UUID) ([]*models.TaskAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.task_id, a.executor, a.base_branch, a.worktree_path, a.branch_name,
			a.merge_commit, a.pr_url, a.state, a.created_by, a.created_at, a.updated_at
		FROM task_attempts a
		JOIN tasks t ON t.id = a.task_id
		WHERE t.project_id = ? AND a.state NOT IN ('FAILED', 'CANCELLED', 'TERMINAL')`,
		projectID.String())
	if err != nil {
		return nil, fmt.Errorf("list active attempts for project: %w", err)
	}
	defer rows.Close()

	var result []*models.TaskAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// ListAllActive returns every non-terminal attempt across every project,
// used by the Worktree Manager's orphan sweep (internal/worktree.OrphanSweeper)
// to compute the server-wide active_paths set: spec.md §4.3's reap_orphans
// sweeps the whole worktree root, not one project at a time.
func (r *AttemptRepo) ListAllActive(ctx context.Context) ([]*models.TaskAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM task_attempts
		WHERE state NOT IN ('FAILED', 'CANCELLED', 'TERMINAL')`)
	if err != nil {
		return nil, fmt.Errorf("list all active attempts: %w", err)
	}
	defer rows.Close()

	var result []*models.TaskAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
