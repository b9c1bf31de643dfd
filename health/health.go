// Package health assembles the operational snapshot served on the ops
// endpoint: broker connectivity, stream presence, outbox/inbox counts
// and pool settings.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/jetbus/broker"
	"github.com/baechuer/jetbus/config"
	"github.com/baechuer/jetbus/inbox"
	"github.com/baechuer/jetbus/logger"
	"github.com/baechuer/jetbus/outbox"
	"github.com/baechuer/jetbus/topology"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// PoolSettings echoes the worker pool configuration for operators.
type PoolSettings struct {
	Concurrency  int    `json:"concurrency"`
	FetchBatch   int    `json:"fetch_batch"`
	FetchTimeout string `json:"fetch_timeout"`
	MaxDeliver   int    `json:"max_deliver"`
	AckWait      string `json:"ack_wait"`
}

// Snapshot is one point-in-time health report.
type Snapshot struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	JetStream bool   `json:"jetstream_available"`

	// Expected stream name -> present on the broker.
	Streams map[string]bool `json:"streams"`

	Outbox                map[string]int `json:"outbox,omitempty"`
	OutboxStalePublishing bool           `json:"outbox_stale_publishing"`
	Inbox                 map[string]int `json:"inbox,omitempty"`

	Pool PoolSettings `json:"pool"`

	CheckedAt time.Time `json:"checked_at"`
}

// Checker gathers snapshots. The outbox and inbox stores may be nil
// when the corresponding feature is disabled.
type Checker struct {
	cfg    *config.Config
	conn   *broker.Conn
	topo   *topology.Manager
	outbox outbox.Store
	inbox  inbox.Store
	log    zerolog.Logger
}

func NewChecker(cfg *config.Config, conn *broker.Conn, topo *topology.Manager, ob outbox.Store, ib inbox.Store) *Checker {
	return &Checker{
		cfg:    cfg,
		conn:   conn,
		topo:   topo,
		outbox: ob,
		inbox:  ib,
		log:    logger.Component("health"),
	}
}

// Check builds a snapshot. Degraded means the broker is unreachable, a
// declared stream is missing, or stale publishing outbox rows exist.
func (c *Checker) Check(ctx context.Context) Snapshot {
	snap := Snapshot{
		Status:    StatusOK,
		Connected: c.conn.IsConnected(),
		JetStream: c.conn.JetStreamAvailable(),
		Streams:   c.topo.ExistingStreams(),
		Pool: PoolSettings{
			Concurrency:  c.cfg.Concurrency,
			FetchBatch:   c.cfg.FetchBatch,
			FetchTimeout: c.cfg.FetchTimeout.String(),
			MaxDeliver:   c.cfg.MaxDeliver,
			AckWait:      c.cfg.AckWait.String(),
		},
		CheckedAt: time.Now().UTC(),
	}

	if !snap.Connected || !snap.JetStream {
		snap.Status = StatusDegraded
	}
	for _, present := range snap.Streams {
		if !present {
			snap.Status = StatusDegraded
		}
	}

	if c.outbox != nil {
		counts, err := c.outbox.CountByStatus(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("outbox count failed")
			snap.Status = StatusDegraded
		} else {
			snap.Outbox = counts
		}
		stale, err := c.outbox.FindStalePublishing(ctx, c.cfg.OutboxStaleAfter, 1)
		if err == nil && len(stale) > 0 {
			snap.OutboxStalePublishing = true
			snap.Status = StatusDegraded
		}
	}

	if c.inbox != nil {
		counts, err := c.inbox.CountByStatus(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("inbox count failed")
		} else {
			snap.Inbox = counts
		}
	}
	return snap
}
