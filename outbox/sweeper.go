package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/jetbus/config"
	"github.com/baechuer/jetbus/logger"
	"github.com/baechuer/jetbus/metrics"
)

const sweepBatch = 100

// Sweeper recovers rows stuck in publishing: a crash between the
// pre-state commit and the broker ack leaves a row in limbo that only
// a sweep can return to pending. Recovered and still-pending rows are
// then republished through the publisher; the broker's msg-id dedup
// absorbs any row that actually made it out before the crash.
type Sweeper struct {
	cfg   *config.Config
	store Store
	pub   *Publisher
	log   zerolog.Logger
}

func NewSweeper(cfg *config.Config, store Store, pub *Publisher) *Sweeper {
	return &Sweeper{
		cfg:   cfg,
		store: store,
		pub:   pub,
		log:   logger.Component("outbox_sweeper"),
	}
}

// Run performs one foreground pass, then sweeps on a ticker until ctx
// is done.
func (s *Sweeper) Run(ctx context.Context) {
	if n, err := s.Sweep(ctx); err != nil {
		s.log.Warn().Err(err).Msg("startup sweep failed")
	} else if n > 0 {
		s.log.Info().Int("recovered", n).Msg("startup sweep recovered stale rows")
	}

	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Warn().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep resets stale publishing rows to pending and republishes
// pending rows. Returns the number of rows reset.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}

	stale, err := s.store.FindStalePublishing(ctx, s.cfg.OutboxStaleAfter, sweepBatch)
	if err != nil {
		return 0, err
	}
	if len(stale) > 0 {
		if err := s.store.ResetToPending(ctx, stale); err != nil {
			return 0, err
		}
		metrics.OutboxSweptTotal.Add(float64(len(stale)))
		s.log.Info().Int("rows", len(stale)).Msg("reset stale publishing rows to pending")
	}

	if s.pub != nil {
		pending, err := s.store.FindPending(ctx, sweepBatch)
		if err != nil {
			return len(stale), err
		}
		for _, row := range pending {
			if res := s.pub.Republish(ctx, row); !res.OK {
				s.log.Warn().
					Str("event_id", row.EventID).
					Str("reason", string(res.Reason)).
					Str("details", res.Details).
					Msg("republish failed")
			}
		}
	}
	return len(stale), nil
}
