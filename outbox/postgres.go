package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the outbox table. Applications running their own
// migrations can inline this.
const Schema = `
CREATE TABLE IF NOT EXISTS jetbus_outbox (
  event_id    TEXT PRIMARY KEY,
  subject     TEXT NOT NULL,
  payload     BYTEA NOT NULL,
  headers     JSONB NOT NULL DEFAULT '{}'::jsonb,
  status      TEXT NOT NULL DEFAULT 'pending',
  attempts    INT NOT NULL DEFAULT 0,
  enqueued_at TIMESTAMPTZ,
  sent_at     TIMESTAMPTZ,
  last_error  TEXT,
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS jetbus_outbox_status_idx ON jetbus_outbox (status, updated_at);
`

const insertOutboxSQL = `
INSERT INTO jetbus_outbox (event_id, subject, payload, headers, status, updated_at)
VALUES ($1, $2, $3, $4::jsonb, 'pending', NOW())
ON CONFLICT (event_id) DO NOTHING
`

const selectOutboxSQL = `
SELECT event_id, subject, payload, headers, status, attempts,
       enqueued_at, sent_at, last_error, updated_at
FROM jetbus_outbox
WHERE event_id = $1
`

const markPublishingSQL = `
UPDATE jetbus_outbox
SET status = 'publishing',
    attempts = attempts + 1,
    enqueued_at = COALESCE(enqueued_at, NOW()),
    last_error = NULL,
    updated_at = NOW()
WHERE event_id = $1
`

const markSentSQL = `
UPDATE jetbus_outbox
SET status = 'sent',
    sent_at = NOW(),
    updated_at = NOW()
WHERE event_id = $1
`

const markFailedSQL = `
UPDATE jetbus_outbox
SET status = 'failed',
    last_error = $2,
    updated_at = NOW()
WHERE event_id = $1
  AND status <> 'sent'
`

// SKIP LOCKED lets multiple sweepers run without stepping on each
// other.
const selectStaleSQL = `
SELECT event_id
FROM jetbus_outbox
WHERE status = 'publishing'
  AND updated_at <= NOW() - $1::interval
ORDER BY updated_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`

const resetPendingSQL = `
UPDATE jetbus_outbox
SET status = 'pending',
    updated_at = NOW()
WHERE event_id = ANY($1)
  AND status = 'publishing'
`

const selectPendingSQL = `
SELECT event_id, subject, payload, headers, status, attempts,
       enqueued_at, sent_at, last_error, updated_at
FROM jetbus_outbox
WHERE status = 'pending'
ORDER BY updated_at ASC
LIMIT $1
`

const countByStatusSQL = `
SELECT status, COUNT(*) FROM jetbus_outbox GROUP BY status
`

// PostgresStore is the pgx-backed Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) FindOrCreate(ctx context.Context, row *Row) (*Row, error) {
	headers, err := json.Marshal(row.Headers)
	if err != nil {
		return nil, err
	}
	if _, err := s.pool.Exec(ctx, insertOutboxSQL, row.EventID, row.Subject, row.Payload, string(headers)); err != nil {
		return nil, err
	}
	// Winner or loser, read back the authoritative row.
	return s.get(ctx, row.EventID)
}

func (s *PostgresStore) get(ctx context.Context, eventID string) (*Row, error) {
	var (
		row        Row
		headers    []byte
		enqueuedAt *time.Time
		sentAt     *time.Time
		lastError  *string
	)
	err := s.pool.QueryRow(ctx, selectOutboxSQL, eventID).Scan(
		&row.EventID, &row.Subject, &row.Payload, &headers, &row.Status,
		&row.Attempts, &enqueuedAt, &sentAt, &lastError, &row.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(headers, &row.Headers)
	if enqueuedAt != nil {
		row.EnqueuedAt = *enqueuedAt
	}
	if sentAt != nil {
		row.SentAt = *sentAt
	}
	if lastError != nil {
		row.LastError = *lastError
	}
	return &row, nil
}

func (s *PostgresStore) MarkPublishing(ctx context.Context, eventID string) error {
	tag, err := s.pool.Exec(ctx, markPublishingSQL, eventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkSent(ctx context.Context, eventID string) error {
	tag, err := s.pool.Exec(ctx, markSentSQL, eventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, eventID, lastError string) error {
	_, err := s.pool.Exec(ctx, markFailedSQL, eventID, lastError)
	return err
}

func (s *PostgresStore) FindStalePublishing(ctx context.Context, staleAfter time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	// Claim inside a tx so concurrent sweepers skip each other's rows.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, selectStaleSQL, staleAfter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PostgresStore) ResetToPending(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, resetPendingSQL, eventIDs)
	return err
}

func (s *PostgresStore) FindPending(ctx context.Context, limit int) ([]*Row, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, selectPendingSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		var (
			row        Row
			headers    []byte
			enqueuedAt *time.Time
			sentAt     *time.Time
			lastError  *string
		)
		if err := rows.Scan(
			&row.EventID, &row.Subject, &row.Payload, &headers, &row.Status,
			&row.Attempts, &enqueuedAt, &sentAt, &lastError, &row.UpdatedAt,
		); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(headers, &row.Headers)
		if enqueuedAt != nil {
			row.EnqueuedAt = *enqueuedAt
		}
		if sentAt != nil {
			row.SentAt = *sentAt
		}
		if lastError != nil {
			row.LastError = *lastError
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, countByStatusSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
