package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/pkg/models"
)

type TemplateRepo struct {
	db *sql.DB
}

func NewTemplateRepo(db *sql.DB) *TemplateRepo {
	return &TemplateRepo{db: db}
}

func (r *TemplateRepo) Create(ctx context.Context, scope models.TemplateScope, projectID *uuid.UUID, title, prompt string) (*models.TaskTemplate, error) {
	id := uuid.New()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO task_templates (id, scope, project_id, title, prompt) VALUES (?, ?, ?, ?, ?)`,
		id.String(), string(scope), projectID, title, prompt)
	if err != nil {
		return nil, fmt.Errorf("insert template: %w", err)
	}

	return &models.TaskTemplate{ID: id, Scope: scope, ProjectID: projectID, Title: title, Prompt: prompt}, nil
}

// ListVisibleTo returns every GLOBAL template plus any PROJECT template
// scoped to projectID.
func (r *TemplateRepo) ListVisibleTo(ctx context.Context, projectID uuid.UUID) ([]*models.TaskTemplate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, scope, project_id, title, prompt FROM task_templates
		WHERE scope = 'GLOBAL' OR project_id = ?
		ORDER BY title`, projectID.String())
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var result []*models.TaskTemplate
	for rows.Next() {
		var t models.TaskTemplate
		var pid sql.NullString
		if err := rows.Scan(&t.ID, &t.Scope, &pid, &t.Title, &t.Prompt); err != nil {
			return nil, err
		}
		if pid.Valid {
			id, err := uuid.Parse(pid.String)
			if err == nil {
				t.ProjectID = &id
			}
		}
		result = append(result, &t)
	}
	return result, rows.Err()
}

func (r *TemplateRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM task_templates WHERE id = ?`, id.String())
	return err
}
