package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/pkg/models"
)

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

func scanUser(row interface {
	Scan(dest ...interface{}) error
}) (*models.User, error) {
	var u models.User
	var displayName, avatarURL sql.NullString
	var lastLoginAt sql.NullTime
	var tokenEnc []byte

	if err := row.Scan(
		&u.ID, &u.GithubID, &u.Username, &u.Email, &displayName, &avatarURL,
		&tokenEnc, &u.IsAdmin, &u.IsWhitelisted, &lastLoginAt, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if displayName.Valid {
		u.DisplayName = &displayName.String
	}
	if avatarURL.Valid {
		u.AvatarURL = &avatarURL.String
	}
	if lastLoginAt.Valid {
		u.LastLoginAt = &lastLoginAt.Time
	}
	if len(tokenEnc) > 0 {
		u.GithubTokenEncrypted = tokenEnc
	}

	return &u, nil
}

const userColumns = `id, github_id, username, email, display_name, avatar_url,
	github_token_encrypted, is_admin, is_whitelisted, last_login_at, created_at, updated_at`

// UpsertByGithubID creates a User on first login, or updates its profile
// fields and last_login_at on every subsequent one, keyed on GithubID.
func (r *UserRepo) UpsertByGithubID(ctx context.Context, githubID int64, username, email string, displayName, avatarURL *string) (*models.User, error) {
	now := time.Now().UTC()

	existing, err := r.GetByGithubID(ctx, githubID)
	if err == nil {
		_, err = r.db.ExecContext(ctx, `
			UPDATE users SET username = ?, email = ?, display_name = ?, avatar_url = ?,
				last_login_at = ?, updated_at = ? WHERE id = ?`,
			username, email, displayName, avatarURL, now, now, existing.ID.String())
		if err != nil {
			return nil, fmt.Errorf("update user on login: %w", err)
		}
		return r.GetByID(ctx, existing.ID)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup user by github id: %w", err)
	}

	id := uuid.New()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, github_id, username, email, display_name, avatar_url,
			is_admin, is_whitelisted, last_login_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`,
		id.String(), githubID, username, email, displayName, avatarURL, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return r.GetByID(ctx, id)
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id.String())
	return scanUser(row)
}

func (r *UserRepo) GetByGithubID(ctx context.Context, githubID int64) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE github_id = ?`, githubID)
	return scanUser(row)
}

func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func (r *UserRepo) SetWhitelisted(ctx context.Context, id uuid.UUID, whitelisted bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET is_whitelisted = ?, updated_at = ? WHERE id = ?`,
		whitelisted, time.Now().UTC(), id.String())
	return err
}

func (r *UserRepo) SetGithubTokenEncrypted(ctx context.Context, id uuid.UUID, tokenEncrypted []byte) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET github_token_encrypted = ?, updated_at = ? WHERE id = ?`,
		tokenEncrypted, time.Now().UTC(), id.String())
	return err
}

func (r *UserRepo) List(ctx context.Context) ([]*models.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}
