package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shwetabhartimsft/durabletask/internal/store"
)

// Ensure *PostgresStore implements store.Store at compile time.
var _ store.Store = (*PostgresStore)(nil)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// helper: convert a Go duration to a Postgres interval literal like "12.500000s".
func toInterval(d time.Duration) string {
	return fmt.Sprintf("%fs", d.Seconds())
}

const fkViolation = "23503"

// SQL templates
// Schema statements run one at a time: pgx's extended protocol does not
// allow multiple statements per Exec.
var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS queues (
  name       text PRIMARY KEY,
  created_at timestamptz NOT NULL DEFAULT now()
);`,
	`CREATE TABLE IF NOT EXISTS messages (
  id            bigserial PRIMARY KEY,
  queue         text NOT NULL REFERENCES queues(name) ON DELETE CASCADE,
  body          bytea NOT NULL,
  enqueued_at   timestamptz NOT NULL DEFAULT now(),
  not_before    timestamptz NOT NULL DEFAULT now(),
  lease_until   timestamptz,
  receipt       uuid,
  dequeue_count int NOT NULL DEFAULT 0
);`,
	`CREATE INDEX IF NOT EXISTS messages_visible_idx
  ON messages (queue, not_before) WHERE lease_until IS NULL;`,
}

const (
	sqlCreateQueue = `INSERT INTO queues (name) VALUES ($1) ON CONFLICT (name) DO NOTHING;`

	sqlDeleteQueue = `DELETE FROM queues WHERE name = $1;`

	sqlQueueExists = `SELECT EXISTS (SELECT 1 FROM queues WHERE name = $1);`

	sqlQueueCount = `SELECT count(*) FROM messages WHERE queue = $1;`

	sqlEnqueue = `
INSERT INTO messages (queue, body, not_before)
VALUES ($1, $2, now() + $3::interval)
RETURNING id;`

	// Single CTE TX pattern: pick -> update -> return rows. A row is
	// leasable when its delay elapsed and it holds no unexpired lease.
	sqlLease = `
WITH picked AS (
  SELECT id
  FROM messages
  WHERE queue = $1
    AND not_before <= now()
    AND (lease_until IS NULL OR lease_until < now())
  ORDER BY id
  FOR UPDATE SKIP LOCKED
  LIMIT $2
),
updated AS (
  UPDATE messages m
  SET lease_until   = now() + $3::interval,
      receipt       = gen_random_uuid(),
      dequeue_count = m.dequeue_count + 1
  FROM picked
  WHERE m.id = picked.id
  RETURNING m.*
)
SELECT id, queue, body, enqueued_at, not_before, lease_until, receipt, dequeue_count
FROM updated;`

	sqlPeek = `
SELECT id, queue, body, enqueued_at, not_before, lease_until, receipt, dequeue_count
FROM messages
WHERE queue = $1
  AND not_before <= now()
  AND (lease_until IS NULL OR lease_until < now())
ORDER BY id
LIMIT $2;`

	// Receipts compare as text so a malformed receipt reads as stale
	// instead of a uuid cast error.
	sqlRenew = `
UPDATE messages
SET lease_until = now() + $4::interval,
    receipt     = gen_random_uuid()
WHERE queue = $1
  AND id = $2
  AND receipt IS NOT NULL
  AND receipt::text = $3
  AND lease_until > now()
RETURNING receipt, lease_until;`

	sqlDelete = `
DELETE FROM messages
WHERE queue = $1
  AND id = $2
  AND receipt IS NOT NULL
  AND receipt::text = $3
  AND lease_until > now();`

	sqlMessageExists = `SELECT EXISTS (SELECT 1 FROM messages WHERE queue = $1 AND id = $2);`

	sqlReleaseExpired = `
UPDATE messages
SET lease_until = NULL,
    receipt     = NULL
WHERE lease_until IS NOT NULL
  AND lease_until < now();`
)

// EnsureSchema creates the tables and indexes if they do not exist.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range sqlSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) CreateQueue(ctx context.Context, name string) (bool, error) {
	ct, err := p.pool.Exec(ctx, sqlCreateQueue, name)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (p *PostgresStore) DeleteQueue(ctx context.Context, name string) (bool, error) {
	ct, err := p.pool.Exec(ctx, sqlDeleteQueue, name)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (p *PostgresStore) QueueExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, sqlQueueExists, name).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) Stats(ctx context.Context, name string) (store.QueueStats, error) {
	exists, err := p.QueueExists(ctx, name)
	if err != nil {
		return store.QueueStats{}, err
	}
	if !exists {
		return store.QueueStats{}, store.ErrQueueNotFound
	}
	var count int64
	if err := p.pool.QueryRow(ctx, sqlQueueCount, name).Scan(&count); err != nil {
		return store.QueueStats{}, err
	}
	return store.QueueStats{Name: name, ApproximateCount: count}, nil
}

// Enqueue inserts a message with optional delay.
func (p *PostgresStore) Enqueue(ctx context.Context, queue string, body []byte, delay time.Duration) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, sqlEnqueue, queue, body, toInterval(delay)).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == fkViolation {
			return 0, store.ErrQueueNotFound
		}
		return 0, err
	}
	return id, nil
}

// Lease claims up to opts.Limit messages for opts.Visibility.
func (p *PostgresStore) Lease(ctx context.Context, opts store.LeaseOptions) ([]store.Message, error) {
	rows, err := p.pool.Query(ctx, sqlLease, opts.Queue, opts.Limit, toInterval(opts.Visibility))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (p *PostgresStore) Peek(ctx context.Context, queue string, limit int) ([]store.Message, error) {
	rows, err := p.pool.Query(ctx, sqlPeek, queue, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Peek must not leak usable receipts or lease state.
	for i := range out {
		out[i].Receipt = nil
		out[i].LeaseUntil = nil
	}
	return out, nil
}

func (p *PostgresStore) Renew(ctx context.Context, queue string, id int64, receipt string, visibility time.Duration) (string, time.Time, error) {
	var (
		newReceipt string
		leaseUntil time.Time
	)
	err := p.pool.QueryRow(ctx, sqlRenew, queue, id, receipt, toInterval(visibility)).Scan(&newReceipt, &leaseUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, p.missingOrStale(ctx, queue, id)
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return newReceipt, leaseUntil, nil
}

func (p *PostgresStore) Delete(ctx context.Context, queue string, id int64, receipt string) error {
	ct, err := p.pool.Exec(ctx, sqlDelete, queue, id, receipt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return p.missingOrStale(ctx, queue, id)
	}
	return nil
}

func (p *PostgresStore) ReleaseExpired(ctx context.Context) (int, error) {
	ct, err := p.pool.Exec(ctx, sqlReleaseExpired)
	if err != nil {
		return 0, fmt.Errorf("release expired leases: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

// missingOrStale disambiguates a zero-row receipt-guarded write: the message
// is either gone or still present under a different (or expired) lease.
func (p *PostgresStore) missingOrStale(ctx context.Context, queue string, id int64) error {
	var exists bool
	if err := p.pool.QueryRow(ctx, sqlMessageExists, queue, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return store.ErrStaleReceipt
	}
	return store.ErrMessageNotFound
}

func scanMessages(rows pgx.Rows) ([]store.Message, error) {
	var out []store.Message
	for rows.Next() {
		var m store.Message
		err := rows.Scan(
			&m.ID,
			&m.Queue,
			&m.Body,
			&m.EnqueuedAt,
			&m.NotBefore,
			&m.LeaseUntil,
			&m.Receipt,
			&m.DequeueCount,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
