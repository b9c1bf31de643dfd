// Package outbox implements transactional store-then-emit publishing:
// an event row is durably persisted before the broker sees it, so a
// crash between the business write and the emit loses nothing, and a
// stable event_id keeps the broker side idempotent.
package outbox

import (
	"context"
	"errors"
	"time"
)

// Row statuses. sent is terminal.
const (
	StatusPending    = "pending"
	StatusPublishing = "publishing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
)

// ErrNotFound is returned when no row exists for an event id.
var ErrNotFound = errors.New("outbox: row not found")

// Row is one staged envelope.
type Row struct {
	EventID    string
	Subject    string
	Payload    []byte
	Headers    map[string]string
	Status     string
	Attempts   int
	EnqueuedAt time.Time
	SentAt     time.Time
	LastError  string
	UpdatedAt  time.Time
}

// Store is the narrow persistence surface the publisher needs. SQL and
// in-memory implementations exist; anything ACID with a unique
// constraint on event_id can satisfy it.
type Store interface {
	// FindOrCreate inserts a pending row keyed by event_id, or returns
	// the existing one. Races resolve via the unique constraint; the
	// losing side gets the winner's row.
	FindOrCreate(ctx context.Context, row *Row) (*Row, error)

	// MarkPublishing moves a row to publishing, increments attempts,
	// stamps enqueued_at when unset and clears last_error.
	MarkPublishing(ctx context.Context, eventID string) error

	// MarkSent records the broker ack. Terminal.
	MarkSent(ctx context.Context, eventID string) error

	// MarkFailed records a terminal publish failure.
	MarkFailed(ctx context.Context, eventID, lastError string) error

	// FindStalePublishing returns event ids stuck in publishing longer
	// than staleAfter, up to limit.
	FindStalePublishing(ctx context.Context, staleAfter time.Duration, limit int) ([]string, error)

	// ResetToPending returns stuck rows to pending so the next publish
	// can pick them up.
	ResetToPending(ctx context.Context, eventIDs []string) error

	// FindPending returns rows awaiting (re)publish, oldest first.
	FindPending(ctx context.Context, limit int) ([]*Row, error)

	// CountByStatus reports row counts for the health surface.
	CountByStatus(ctx context.Context) (map[string]int, error)
}
