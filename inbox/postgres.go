package inbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the inbox table. The dedup_key column carries
// "{subscriber}/{event_id-or-stream:seq}", see Key.Dedup.
const Schema = `
CREATE TABLE IF NOT EXISTS jetbus_inbox (
  dedup_key    TEXT PRIMARY KEY,
  event_id     TEXT,
  stream       TEXT,
  stream_seq   BIGINT,
  subscriber   TEXT NOT NULL,
  subject      TEXT NOT NULL,
  status       TEXT NOT NULL DEFAULT 'received',
  received_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  processed_at TIMESTAMPTZ,
  deliveries   INT NOT NULL DEFAULT 0,
  last_error   TEXT
);
CREATE INDEX IF NOT EXISTS jetbus_inbox_status_idx ON jetbus_inbox (status, received_at);
`

// ON CONFLICT DO NOTHING is the dedup fence: the losing side of a
// race reads back the winner's row.
const insertInboxSQL = `
INSERT INTO jetbus_inbox (dedup_key, event_id, stream, stream_seq, subscriber, subject)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (dedup_key) DO NOTHING
`

const selectInboxSQL = `
SELECT event_id, stream, stream_seq, subscriber, subject, status,
       received_at, processed_at, deliveries, last_error
FROM jetbus_inbox
WHERE dedup_key = $1
`

const markProcessingSQL = `
UPDATE jetbus_inbox
SET status = 'processing',
    deliveries = $2,
    last_error = NULL
WHERE dedup_key = $1
  AND status <> 'processed'
`

const markProcessedSQL = `
UPDATE jetbus_inbox
SET status = 'processed',
    processed_at = NOW()
WHERE dedup_key = $1
`

const markInboxFailedSQL = `
UPDATE jetbus_inbox
SET status = 'failed',
    last_error = $2
WHERE dedup_key = $1
  AND status <> 'processed'
`

const countInboxByStatusSQL = `
SELECT status, COUNT(*) FROM jetbus_inbox GROUP BY status
`

// PostgresStore is the pgx-backed Store giving unbounded dedup.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) FindOrCreate(ctx context.Context, key Key, subj string) (*Row, error) {
	if _, err := s.pool.Exec(ctx, insertInboxSQL,
		key.Dedup(), key.EventID, key.Stream, key.StreamSeq, key.Subscriber, subj); err != nil {
		return nil, err
	}

	var (
		row         Row
		eventID     *string
		stream      *string
		streamSeq   *int64
		processedAt *time.Time
		lastError   *string
	)
	err := s.pool.QueryRow(ctx, selectInboxSQL, key.Dedup()).Scan(
		&eventID, &stream, &streamSeq, &row.Key.Subscriber, &row.Subject,
		&row.Status, &row.ReceivedAt, &processedAt, &row.Deliveries, &lastError,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if eventID != nil {
		row.Key.EventID = *eventID
	}
	if stream != nil {
		row.Key.Stream = *stream
	}
	if streamSeq != nil {
		row.Key.StreamSeq = uint64(*streamSeq)
	}
	if processedAt != nil {
		row.ProcessedAt = *processedAt
	}
	if lastError != nil {
		row.LastError = *lastError
	}
	return &row, nil
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, key Key, deliveries int) error {
	_, err := s.pool.Exec(ctx, markProcessingSQL, key.Dedup(), deliveries)
	return err
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, key Key) error {
	tag, err := s.pool.Exec(ctx, markProcessedSQL, key.Dedup())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, key Key, lastError string) error {
	_, err := s.pool.Exec(ctx, markInboxFailedSQL, key.Dedup(), lastError)
	return err
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, countInboxByStatusSQL)
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
