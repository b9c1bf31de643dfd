// Package inbox gives subscribers exactly-once effects: every delivery
// passes through a dedup fence keyed by event identity before the
// handler runs, so broker redeliveries past the dedup window are
// absorbed by the application's own store.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Row statuses. processed is terminal and idempotent.
const (
	StatusReceived   = "received"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// ErrNotFound is returned when no row exists for a key.
var ErrNotFound = errors.New("inbox: row not found")

// Key identifies one logical event for one subscriber. EventID is the
// primary identity; (Stream, StreamSeq) is the fallback when a
// producer omitted it. Subscriber keeps overlapping durables hosted in
// the same process independent.
type Key struct {
	EventID    string
	Stream     string
	StreamSeq  uint64
	Subscriber string
}

// Dedup returns the unique string the store indexes on.
func (k Key) Dedup() string {
	id := k.EventID
	if id == "" {
		id = fmt.Sprintf("%s:%d", k.Stream, k.StreamSeq)
	}
	return k.Subscriber + "/" + id
}

// Row is one tracked delivery.
type Row struct {
	Key         Key
	Subject     string
	Status      string
	ReceivedAt  time.Time
	ProcessedAt time.Time
	Deliveries  int
	LastError   string
}

// Store is the persistence surface of the processor. A relational
// implementation gives unbounded dedup; the redis implementation gives
// TTL-windowed dedup for apps without a database.
type Store interface {
	// FindOrCreate inserts a received row or returns the existing one.
	// Insert races resolve via the store's unique constraint.
	FindOrCreate(ctx context.Context, key Key, subj string) (*Row, error)

	// MarkProcessing records that the handler is about to run.
	MarkProcessing(ctx context.Context, key Key, deliveries int) error

	// MarkProcessed records handler completion. Terminal.
	MarkProcessed(ctx context.Context, key Key) error

	// MarkFailed records a handler failure for triage.
	MarkFailed(ctx context.Context, key Key, lastError string) error

	// CountByStatus reports row counts for the health surface.
	CountByStatus(ctx context.Context) (map[string]int, error)
}
