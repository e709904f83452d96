package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/internal/db"
	"github.com/namastexlabs/automagik-forge/pkg/models"
)

type LogRepo struct {
	db *sql.DB
}

func NewLogRepo(db *sql.DB) *LogRepo {
	return &LogRepo{db: db}
}

// AppendLog atomically allocates the next seq for processID and persists
// the chunk. The read-then-write (MAX(seq) then INSERT) is only safe from
// two concurrent writers (stdout/stderr pumps for the same process) because
// it additionally holds db.SQLiteWriteMutex for the duration; a bare
// transaction does not stop two callers from both reading the same
// MAX(seq) before either commits, which would collide on log_chunks'
// (process_id, seq) primary key.
func (r *LogRepo) AppendLog(ctx context.Context, processID uuid.UUID, stream models.LogStream, bytes []byte) (int64, error) {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM log_chunks WHERE process_id = ?`, processID.String(),
	).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("read max seq: %w", err)
	}

	seq := int64(0)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO log_chunks (process_id, seq, stream, bytes, at) VALUES (?, ?, ?, ?, ?)`,
		processID.String(), seq, string(stream), bytes, now); err != nil {
		return 0, fmt.Errorf("insert log chunk: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	return seq, nil
}

// ReadLogsSince returns every persisted chunk for processID with
// seq > sinceSeqExclusive, in order.
func (r *LogRepo) ReadLogsSince(ctx context.Context, processID uuid.UUID, sinceSeqExclusive int64) ([]models.LogChunk, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT process_id, seq, stream, bytes, at FROM log_chunks
		WHERE process_id = ? AND seq > ? ORDER BY seq`,
		processID.String(), sinceSeqExclusive)
	if err != nil {
		return nil, fmt.Errorf("read logs since: %w", err)
	}
	defer rows.Close()

	var result []models.LogChunk
	for rows.Next() {
		var c models.LogChunk
		if err := rows.Scan(&c.ProcessID, &c.Seq, &c.Stream, &c.Bytes, &c.At); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// ReadSnapshot returns the full persisted log for processID, split into
// stdout and stderr transcripts in seq order within each stream.
func (r *LogRepo) ReadSnapshot(ctx context.Context, processID uuid.UUID) (stdout, stderr []byte, err error) {
	chunks, err := r.ReadLogsSince(ctx, processID, -1)
	if err != nil {
		return nil, nil, err
	}

	for _, c := range chunks {
		switch c.Stream {
		case models.LogStreamOut:
			stdout = append(stdout, c.Bytes...)
		case models.LogStreamErr:
			stderr = append(stderr, c.Bytes...)
		}
	}
	return stdout, stderr, nil
}

// MaxSeq returns the highest persisted seq for processID, or -1 if empty.
func (r *LogRepo) MaxSeq(ctx context.Context, processID uuid.UUID) (int64, error) {
	var maxSeq sql.NullInt64
	if err := r.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM log_chunks WHERE process_id = ?`, processID.String(),
	).Scan(&maxSeq); err != nil {
		return 0, err
	}
	if !maxSeq.Valid {
		return -1, nil
	}
	return maxSeq.Int64, nil
}
