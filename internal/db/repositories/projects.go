package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/pkg/models"
)

type ProjectRepo struct {
	db *sql.DB
}

func NewProjectRepo(db *sql.DB) *ProjectRepo {
	return &ProjectRepo{db: db}
}

const projectColumns = `id, name, repo_path, setup_script, dev_script, cleanup_script,
	created_by, created_at, updated_at`

func scanProject(row interface{ Scan(dest ...interface{}) error }) (*models.Project, error) {
	var p models.Project
	var setupScript, devScript, cleanupScript, createdBy sql.NullString

	if err := row.Scan(&p.ID, &p.Name, &p.RepoPath, &setupScript, &devScript, &cleanupScript,
		&createdBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if setupScript.Valid {
		p.SetupScript = &setupScript.String
	}
	if devScript.Valid {
		p.DevScript = &devScript.String
	}
	if cleanupScript.Valid {
		p.CleanupScript = &cleanupScript.String
	}
	if createdBy.Valid {
		id, err := uuid.Parse(createdBy.String)
		if err == nil {
			p.CreatedBy = &id
		}
	}
	return &p, nil
}

func (r *ProjectRepo) Create(ctx context.Context, name, repoPath string, setupScript, devScript, cleanupScript *string, createdBy *uuid.UUID) (*models.Project, error) {
	id := uuid.New()
	now := time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, repo_path, setup_script, dev_script, cleanup_script, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), name, repoPath, setupScript, devScript, cleanupScript, createdBy, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}

	return r.GetByID(ctx, id)
}

func (r *ProjectRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id.String())
	return scanProject(row)
}

func (r *ProjectRepo) List(ctx context.Context) ([]*models.Project, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// RepoPathForProject implements worktree.RepoPathLookup: orphan reaping
// resolves a project id to the repo_path its worktrees were cloned from so
// it can prune that repo's stale worktree bookkeeping.
func (r *ProjectRepo) RepoPathForProject(ctx context.Context, id uuid.UUID) (string, bool, error) {
	project, err := r.GetByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return project.RepoPath, true, nil
}

func (r *ProjectRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id.String())
	return err
}
