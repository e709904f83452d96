package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/pkg/models"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Mint persists a new Session row behind tokenHash. The plaintext bearer
// token is never passed to this layer.
func (r *SessionRepo) Mint(ctx context.Context, userID uuid.UUID, tokenHash []byte, kind models.SessionKind, clientInfo *string, ttl time.Duration) (*models.Session, error) {
	id := uuid.New()
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, kind, client_info, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.String(), userID.String(), tokenHash, string(kind), clientInfo, expiresAt, now)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return &models.Session{
		ID: id, UserID: userID, TokenHash: tokenHash, Kind: kind,
		ClientInfo: clientInfo, ExpiresAt: expiresAt, CreatedAt: now,
	}, nil
}

// GetUnexpiredByTokenHash looks up a Session by the hash of a presented
// bearer token, returning sql.ErrNoRows if absent or already expired.
func (r *SessionRepo) GetUnexpiredByTokenHash(ctx context.Context, tokenHash []byte) (*models.Session, error) {
	var s models.Session
	var clientInfo sql.NullString

	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, kind, client_info, expires_at, created_at
		FROM sessions WHERE token_hash = ? AND expires_at > ?`,
		tokenHash, time.Now().UTC())

	if err := row.Scan(&s.ID, &s.UserID, &s.TokenHash, &s.Kind, &clientInfo, &s.ExpiresAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	if clientInfo.Valid {
		s.ClientInfo = &clientInfo.String
	}
	return &s, nil
}

// ExpireAllForUser is used by revoke(username): it invalidates every live
// session belonging to a user, without waiting for natural TTL expiry.
func (r *SessionRepo) ExpireAllForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET expires_at = ? WHERE user_id = ?`,
		time.Now().UTC().Add(-time.Second), userID.String())
	return err
}

func (r *SessionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id.String())
	return err
}

// DeleteExpired sweeps out sessions past expires_at; safe to call
// periodically from a cron tick.
func (r *SessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
