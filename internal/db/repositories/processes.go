package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/pkg/models"
)

type ProcessRepo struct {
	db *sql.DB
}

func NewProcessRepo(db *sql.DB) *ProcessRepo {
	return &ProcessRepo{db: db}
}

const processColumns = `id, attempt_id, kind, argv, env, working_dir, status, exit_code, started_at, finished_at`

func scanProcess(row interface{ Scan(dest ...interface{}) error }) (*models.ExecutionProcess, error) {
	var p models.ExecutionProcess
	var argvJSON, envJSON string
	var exitCode sql.NullInt64
	var finishedAt sql.NullTime

	if err := row.Scan(&p.ID, &p.AttemptID, &p.Kind, &argvJSON, &envJSON, &p.WorkingDir,
		&p.Status, &exitCode, &p.StartedAt, &finishedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(argvJSON), &p.Argv); err != nil {
		return nil, fmt.Errorf("decode argv: %w", err)
	}
	if err := json.Unmarshal([]byte(envJSON), &p.Env); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		p.ExitCode = &code
	}
	if finishedAt.Valid {
		p.FinishedAt = &finishedAt.Time
	}
	return &p, nil
}

// Create persists a new Execution Process in RUNNING state. Callers spawn
// the child process first and only call this once the child is confirmed
// running, recording FAILED_TO_SPAWN via CreateFailed on spawn failure.
func (r *ProcessRepo) Create(ctx context.Context, attemptID uuid.UUID, kind models.ProcessKind, argv []string, env map[string]string, workingDir string) (*models.ExecutionProcess, error) {
	return r.create(ctx, attemptID, kind, argv, env, workingDir, models.ProcessStatusRunning)
}

// CreateFailed records a process that never successfully spawned, so the
// Process Supervisor never has to delete a row to represent this case.
func (r *ProcessRepo) CreateFailed(ctx context.Context, attemptID uuid.UUID, kind models.ProcessKind, argv []string, env map[string]string, workingDir string) (*models.ExecutionProcess, error) {
	return r.create(ctx, attemptID, kind, argv, env, workingDir, models.ProcessStatusFailedToSpawn)
}

func (r *ProcessRepo) create(ctx context.Context, attemptID uuid.UUID, kind models.ProcessKind, argv []string, env map[string]string, workingDir string, status models.ProcessStatus) (*models.ExecutionProcess, error) {
	id := uuid.New()
	now := time.Now().UTC()

	argvJSON, err := json.Marshal(argv)
	if err != nil {
		return nil, fmt.Errorf("encode argv: %w", err)
	}
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode env: %w", err)
	}

	var finishedAt interface{}
	if status == models.ProcessStatusFailedToSpawn {
		finishedAt = now
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO execution_processes (id, attempt_id, kind, argv, env, working_dir, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), attemptID.String(), string(kind), string(argvJSON), string(envJSON),
		workingDir, string(status), now, finishedAt)
	if err != nil {
		return nil, fmt.Errorf("insert execution process: %w", err)
	}

	return r.GetByID(ctx, id)
}

func (r *ProcessRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ExecutionProcess, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+processColumns+` FROM execution_processes WHERE id = ?`, id.String())
	return scanProcess(row)
}

func (r *ProcessRepo) ListForAttempt(ctx context.Context, attemptID uuid.UUID) ([]*models.ExecutionProcess, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+processColumns+` FROM execution_processes WHERE attempt_id = ? ORDER BY started_at`, attemptID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.ExecutionProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// ListRunningForAttempt is used by kill/stop to find every process that
// still needs to be terminated.
func (r *ProcessRepo) ListRunningForAttempt(ctx context.Context, attemptID uuid.UUID) ([]*models.ExecutionProcess, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+processColumns+` FROM execution_processes
		WHERE attempt_id = ? AND status = ?`, attemptID.String(), models.ProcessStatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.ExecutionProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// ListRunning returns every RUNNING process across every attempt, used by
// server shutdown to grace-kill the whole fleet (spec.md §5).
func (r *ProcessRepo) ListRunning(ctx context.Context) ([]*models.ExecutionProcess, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+processColumns+` FROM execution_processes WHERE status = ?`, models.ProcessStatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.ExecutionProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// MarkTerminal performs the single transition a process ever makes from
// RUNNING to a terminal status. Calling it twice for the same process is
// the caller's bug, not this layer's to prevent; the Process Supervisor
// enforces the exactly-once guarantee.
func (r *ProcessRepo) MarkTerminal(ctx context.Context, id uuid.UUID, status models.ProcessStatus, exitCode *int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE execution_processes SET status = ?, exit_code = ?, finished_at = ? WHERE id = ?`,
		string(status), exitCode, time.Now().UTC(), id.String())
	return err
}
