package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"scanflow/internal/domain"
)

var ErrEmpty = errors.New("no jobs queued")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS queue (
  job_id TEXT PRIMARY KEY,
  score INTEGER NOT NULL,
  enqueued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_score ON queue(score, enqueued_at);
CREATE TABLE IF NOT EXISTS locks (
  key TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  expires_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// Queue is a priority set of job ids. Lower scores pop first; equal scores
// pop in first-enqueue order.
type Queue interface {
	Push(ctx context.Context, jobID string, score int) error
	PopMin(ctx context.Context) (string, error)
	Remove(ctx context.Context, jobID string) error
	Contains(ctx context.Context, jobID string) (bool, error)
	Len(ctx context.Context) (int, error)
}

// Locker is a conditional-set-with-expiry lock keyed by job id.
type Locker interface {
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
	Held(ctx context.Context, key string) (bool, error)
}

// SQLite implements Queue and Locker over the same database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite returns a Queue and Locker over the same database.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

var (
	_ Queue  = (*SQLite)(nil)
	_ Locker = (*SQLite)(nil)
)

// Push inserts jobID or overwrites its score. The original enqueue time is
// kept, so a re-enqueue does not lose its place among equal scores.
func (b *SQLite) Push(ctx context.Context, jobID string, score int) error {
	_, err := b.db.ExecContext(ctx, `
INSERT INTO queue (job_id, score, enqueued_at) VALUES (?,?,?)
ON CONFLICT(job_id) DO UPDATE SET score=excluded.score`,
		jobID, score, b.now().UnixNano())
	if err != nil {
		return domain.Internal("queue push", err)
	}
	return nil
}

func (b *SQLite) PopMin(ctx context.Context) (string, error) {
	var id string
	err := b.db.QueryRowContext(ctx, `
DELETE FROM queue WHERE job_id = (
  SELECT job_id FROM queue ORDER BY score ASC, enqueued_at ASC, rowid ASC LIMIT 1
) RETURNING job_id`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", domain.Internal("queue pop", err)
	}
	return id, nil
}

func (b *SQLite) Remove(ctx context.Context, jobID string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM queue WHERE job_id=?`, jobID); err != nil {
		return domain.Internal("queue remove", err)
	}
	return nil
}

func (b *SQLite) Contains(ctx context.Context, jobID string) (bool, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue WHERE job_id=?`, jobID).Scan(&n); err != nil {
		return false, domain.Internal("queue lookup", err)
	}
	return n > 0, nil
}

func (b *SQLite) Len(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&n); err != nil {
		return 0, domain.Internal("queue length", err)
	}
	return n, nil
}

// TryLock sets key to owner unless another unexpired holder exists. The lock
// is not reentrant: a second TryLock by the same owner fails while held.
func (b *SQLite) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := b.now()
	res, err := b.db.ExecContext(ctx, `
INSERT INTO locks (key, owner, expires_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET owner=excluded.owner, expires_at=excluded.expires_at
WHERE locks.expires_at <= ?`,
		key, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, domain.Internal("lock acquire", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Refresh extends the TTL if owner still holds key.
func (b *SQLite) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := b.now()
	res, err := b.db.ExecContext(ctx, `
UPDATE locks SET expires_at=? WHERE key=? AND owner=? AND expires_at > ?`,
		now.Add(ttl).UnixNano(), key, owner, now.UnixNano())
	if err != nil {
		return false, domain.Internal("lock refresh", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (b *SQLite) Unlock(ctx context.Context, key, owner string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM locks WHERE key=? AND owner=?`, key, owner); err != nil {
		return domain.Internal("lock release", err)
	}
	return nil
}

func (b *SQLite) Held(ctx context.Context, key string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM locks WHERE key=? AND expires_at > ?`,
		key, b.now().UnixNano()).Scan(&n)
	if err != nil {
		return false, domain.Internal("lock lookup", err)
	}
	return n > 0, nil
}
