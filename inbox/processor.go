package inbox

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/baechuer/jetbus/logger"
	"github.com/baechuer/jetbus/metrics"
)

// Handler is the work the processor guards.
type Handler func(ctx context.Context) error

// Outcome reports what Process did with a delivery.
type Outcome int

const (
	// OutcomeProcessed means the handler ran to completion and the
	// caller must ack.
	OutcomeProcessed Outcome = iota + 1
	// OutcomeDuplicate means the event was already processed; the
	// caller must ack without having invoked the handler.
	OutcomeDuplicate
	// OutcomeFailed means the handler (or the store) errored; the
	// caller routes the error through the retry/DLQ policy.
	OutcomeFailed
)

// Processor drives a handler at most once per logical event. Between
// "persisted processed" and "broker ack" it prefers duplicate work
// over a missed ack: a redelivery short-circuits on the processed row.
type Processor struct {
	store Store
	log   zerolog.Logger
}

func NewProcessor(store Store) *Processor {
	return &Processor{store: store, log: logger.Component("inbox")}
}

// Process runs the dedup fence around handler. With a nil store it
// degrades to a plain handler call (no dedup beyond the broker's own
// window).
func (p *Processor) Process(ctx context.Context, key Key, subj string, deliveries int, handler Handler) (Outcome, error) {
	if p.store == nil {
		if err := handler(ctx); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeProcessed, nil
	}

	row, err := p.store.FindOrCreate(ctx, key, subj)
	if err != nil {
		return OutcomeFailed, err
	}
	if row.Status == StatusProcessed {
		metrics.InboxDuplicatesTotal.Inc()
		p.log.Debug().Str("dedup_key", key.Dedup()).Msg("duplicate delivery short-circuited")
		return OutcomeDuplicate, nil
	}

	if err := p.store.MarkProcessing(ctx, key, deliveries); err != nil {
		return OutcomeFailed, err
	}

	if err := handler(ctx); err != nil {
		if markErr := p.store.MarkFailed(ctx, key, err.Error()); markErr != nil {
			p.log.Error().Err(markErr).Str("dedup_key", key.Dedup()).Msg("mark failed failed")
		}
		return OutcomeFailed, err
	}

	if err := p.store.MarkProcessed(ctx, key); err != nil {
		// The handler's effects are committed but the marker is not:
		// a redelivery will re-run the handler. Surface the error so
		// the delivery is nak'd rather than acked with a missing
		// marker.
		return OutcomeFailed, err
	}
	return OutcomeProcessed, nil
}
