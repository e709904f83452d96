package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/pkg/models"
)

type WhitelistRepo struct {
	db *sql.DB
}

func NewWhitelistRepo(db *sql.DB) *WhitelistRepo {
	return &WhitelistRepo{db: db}
}

func (r *WhitelistRepo) Add(ctx context.Context, githubUsername string, githubID *int64, invitedBy *uuid.UUID, notes *string) (*models.WhitelistEntry, error) {
	id := uuid.New()
	now := time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO whitelist_entries (id, github_username, github_id, invited_by, is_active, notes, created_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)`,
		id.String(), githubUsername, githubID, invitedBy, notes, now)
	if err != nil {
		return nil, fmt.Errorf("insert whitelist entry: %w", err)
	}

	return &models.WhitelistEntry{
		ID: id, GithubUsername: githubUsername, GithubID: githubID,
		InvitedBy: invitedBy, IsActive: true, Notes: notes, CreatedAt: now,
	}, nil
}

// IsActive reports whether username currently has an active whitelist
// entry. Returns false (not an error) when no entry exists at all.
func (r *WhitelistRepo) IsActive(ctx context.Context, githubUsername string) (bool, error) {
	var active bool
	err := r.db.QueryRowContext(ctx,
		`SELECT is_active FROM whitelist_entries WHERE github_username = ?`, githubUsername,
	).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

func (r *WhitelistRepo) SetActive(ctx context.Context, githubUsername string, active bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE whitelist_entries SET is_active = ? WHERE github_username = ?`, active, githubUsername)
	return err
}

func (r *WhitelistRepo) List(ctx context.Context) ([]*models.WhitelistEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, github_username, github_id, invited_by, is_active, notes, created_at
		FROM whitelist_entries ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.WhitelistEntry
	for rows.Next() {
		var e models.WhitelistEntry
		var githubID sql.NullInt64
		var invitedBy sql.NullString
		var notes sql.NullString

		if err := rows.Scan(&e.ID, &e.GithubUsername, &githubID, &invitedBy, &e.IsActive, &notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		if githubID.Valid {
			e.GithubID = &githubID.Int64
		}
		if invitedBy.Valid {
			id, err := uuid.Parse(invitedBy.String)
			if err == nil {
				e.InvitedBy = &id
			}
		}
		if notes.Valid {
			e.Notes = &notes.String
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
