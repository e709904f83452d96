package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/pkg/models"
)

type TaskRepo struct {
	db *sql.DB
}

func NewTaskRepo(db *sql.DB) *TaskRepo {
	return &TaskRepo{db: db}
}

const taskColumns = `id, project_id, title, description, status, wish_id, parent_task_attempt,
	created_by, assigned_to, created_at, updated_at`

func scanTask(row interface{ Scan(dest ...interface{}) error }) (*models.Task, error) {
	var t models.Task
	var description, wishID, parentAttempt, createdBy, assignedTo sql.NullString

	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &description, &t.Status, &wishID,
		&parentAttempt, &createdBy, &assignedTo, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if description.Valid {
		t.Description = &description.String
	}
	if wishID.Valid {
		t.WishID = &wishID.String
	}
	if parentAttempt.Valid {
		id, err := uuid.Parse(parentAttempt.String)
		if err == nil {
			t.ParentTaskAttempt = &id
		}
	}
	if createdBy.Valid {
		id, err := uuid.Parse(createdBy.String)
		if err == nil {
			t.CreatedBy = &id
		}
	}
	if assignedTo.Valid {
		id, err := uuid.Parse(assignedTo.String)
		if err == nil {
			t.AssignedTo = &id
		}
	}
	return &t, nil
}

type CreateTaskParams struct {
	ProjectID         uuid.UUID
	Title             string
	Description       *string
	WishID            *string
	ParentTaskAttempt *uuid.UUID
	CreatedBy         *uuid.UUID
	AssignedTo        *uuid.UUID
}

func (r *TaskRepo) Create(ctx context.Context, p CreateTaskParams) (*models.Task, error) {
	id := uuid.New()
	now := time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, wish_id,
			parent_task_attempt, created_by, assigned_to, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), p.ProjectID.String(), p.Title, p.Description, models.TaskStatusTodo,
		p.WishID, p.ParentTaskAttempt, p.CreatedBy, p.AssignedTo, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	return r.GetByID(ctx, id)
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id.String())
	return scanTask(row)
}

type UpdateTaskPatch struct {
	Title       *string
	Description *string
	Status      *models.TaskStatus
	AssignedTo  *uuid.UUID
}

func (r *TaskRepo) Update(ctx context.Context, id uuid.UUID, patch UpdateTaskPatch) (*models.Task, error) {
	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		existing.Title = *patch.Title
	}
	if patch.Description != nil {
		existing.Description = patch.Description
	}
	if patch.Status != nil {
		existing.Status = *patch.Status
	}
	if patch.AssignedTo != nil {
		existing.AssignedTo = patch.AssignedTo
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, status = ?, assigned_to = ?, updated_at = ?
		WHERE id = ?`,
		existing.Title, existing.Description, existing.Status, existing.AssignedTo,
		time.Now().UTC(), id.String())
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	return r.GetByID(ctx, id)
}

func (r *TaskRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id.String())
	return err
}

// ListWithUsersAndAttemptStatus implements tasks_with_user_and_attempt_status:
// for every task in the project (optionally filtered by wish_id) it joins
// creator/assignee display names and a rollup of that task's attempts.
func (r *TaskRepo) ListWithUsersAndAttemptStatus(ctx context.Context, projectID uuid.UUID, wishID *string) ([]*models.TaskWithUsersAndAttemptStatus, error) {
	query := `
		SELECT
			t.id, t.project_id, t.title, t.description, t.status, t.wish_id, t.parent_task_attempt,
			t.created_by, t.assigned_to, t.created_at, t.updated_at,
			creator.username, assignee.username,
			EXISTS(SELECT 1 FROM task_attempts a WHERE a.task_id = t.id
				AND a.state NOT IN ('FAILED','CANCELLED','TERMINAL')) AS has_in_progress,
			EXISTS(SELECT 1 FROM task_attempts a WHERE a.task_id = t.id
				AND a.merge_commit IS NOT NULL) AS has_merged,
			latest.state = 'FAILED' AS last_failed,
			latest.executor,
			latest.id
		FROM tasks t
		LEFT JOIN users creator ON creator.id = t.created_by
		LEFT JOIN users assignee ON assignee.id = t.assigned_to
		LEFT JOIN task_attempts latest ON latest.id = (
			SELECT a2.id FROM task_attempts a2 WHERE a2.task_id = t.id
			ORDER BY a2.created_at DESC LIMIT 1
		)
		WHERE t.project_id = ? AND (? IS NULL OR t.wish_id = ?)
		ORDER BY t.created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, projectID.String(), wishID, wishID)
	if err != nil {
		return nil, fmt.Errorf("list tasks with status: %w", err)
	}
	defer rows.Close()

	var result []*models.TaskWithUsersAndAttemptStatus
	for rows.Next() {
		var row models.TaskWithUsersAndAttemptStatus
		var description, taskWishID, parentAttempt, createdBy, assignedTo sql.NullString
		var creatorUsername, assigneeUsername, latestExecutor, latestAttemptID sql.NullString
		var lastFailed sql.NullBool

		if err := rows.Scan(
			&row.ID, &row.ProjectID, &row.Title, &description, &row.Status, &taskWishID,
			&parentAttempt, &createdBy, &assignedTo, &row.CreatedAt, &row.UpdatedAt,
			&creatorUsername, &assigneeUsername,
			&row.HasInProgressAttempt, &row.HasMergedAttempt, &lastFailed,
			&latestExecutor, &latestAttemptID,
		); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}

		if description.Valid {
			row.Description = &description.String
		}
		if taskWishID.Valid {
			row.WishID = &taskWishID.String
		}
		if parentAttempt.Valid {
			if id, err := uuid.Parse(parentAttempt.String); err == nil {
				row.ParentTaskAttempt = &id
			}
		}
		if createdBy.Valid {
			if id, err := uuid.Parse(createdBy.String); err == nil {
				row.CreatedBy = &id
			}
		}
		if assignedTo.Valid {
			if id, err := uuid.Parse(assignedTo.String); err == nil {
				row.AssignedTo = &id
			}
		}
		if creatorUsername.Valid {
			row.CreatorUsername = &creatorUsername.String
		}
		if assigneeUsername.Valid {
			row.AssigneeUsername = &assigneeUsername.String
		}
		if lastFailed.Valid {
			row.LastAttemptFailed = lastFailed.Bool
		}
		if latestExecutor.Valid {
			row.LatestExecutor = &latestExecutor.String
		}
		if latestAttemptID.Valid {
			if id, err := uuid.Parse(latestAttemptID.String); err == nil {
				row.LatestAttemptID = &id
			}
		}

		result = append(result, &row)
	}
	return result, rows.Err()
}
