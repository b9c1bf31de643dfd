// Package jetbus is a reliable pub/sub layer on NATS JetStream: a
// transactional outbox on the publish side, an inbox dedup fence on the
// consume side, declarative topology, and a pull-based worker pool with
// retry/DLQ handling.
package jetbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/baechuer/jetbus/broker"
	"github.com/baechuer/jetbus/config"
	"github.com/baechuer/jetbus/consume"
	"github.com/baechuer/jetbus/event"
	"github.com/baechuer/jetbus/health"
	"github.com/baechuer/jetbus/inbox"
	"github.com/baechuer/jetbus/logger"
	"github.com/baechuer/jetbus/outbox"
	"github.com/baechuer/jetbus/topology"
)

// Bus bundles the publisher, the worker pool, topology and the ops
// surface behind one constructed context. Everything hangs off the
// explicit *Bus; the package-level Default is a thin wrapper.
type Bus struct {
	cfg  *config.Config
	conn *broker.Conn
	topo *topology.Manager
	reg  *consume.Registry

	outboxStore outbox.Store
	inboxStore  inbox.Store
	pub         *outbox.Publisher
	batch       *outbox.Batch
	sweeper     *outbox.Sweeper
	pool        *consume.Pool
	checker     *health.Checker
	ops         *health.Server

	pgPool      *pgxpool.Pool
	redisClient *redis.Client

	mu          sync.Mutex
	started     bool
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// Option customizes Bus construction, mainly to inject stores.
type Option func(*Bus)

// WithOutboxStore overrides the DSN-derived outbox store.
func WithOutboxStore(store outbox.Store) Option {
	return func(b *Bus) { b.outboxStore = store }
}

// WithInboxStore overrides the DSN-derived inbox store.
func WithInboxStore(store inbox.Store) Option {
	return func(b *Bus) { b.inboxStore = store }
}

// New builds a Bus from cfg. Datastore pools are created lazily by
// their drivers; nothing dials until Start or the first publish.
func New(cfg *config.Config, opts ...Option) (*Bus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("jetbus: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Init()
	if cfg.LogLevel != "" {
		logger.SetLevel(cfg.LogLevel)
	}

	b := &Bus{
		cfg:  cfg,
		conn: broker.New(cfg),
	}
	b.topo = topology.New(cfg, b.conn, logger.Logger)
	b.reg = consume.NewRegistry(cfg)

	for _, opt := range opts {
		opt(b)
	}
	if err := b.wireStores(); err != nil {
		return nil, err
	}

	b.pub = outbox.NewPublisher(cfg, b.conn, b.outboxStore)
	b.batch = outbox.NewBatch(b.pub)
	b.sweeper = outbox.NewSweeper(cfg, b.outboxStore, b.pub)

	pool, err := consume.NewPool(cfg, b.conn, b.topo, b.reg, b.inboxStore)
	if err != nil {
		return nil, err
	}
	b.pool = pool

	b.checker = health.NewChecker(cfg, b.conn, b.topo, b.outboxStore, b.inboxStore)
	b.ops = health.NewServer(cfg.OpsAddr, b.checker)
	return b, nil
}

// wireStores binds the configured datastores: outbox needs Postgres,
// inbox takes Postgres when a DSN is set and falls back to the Redis
// window fence. Missing backends degrade the feature rather than fail.
func (b *Bus) wireStores() error {
	if b.cfg.UseOutbox && b.outboxStore == nil && b.cfg.OutboxDSN != "" {
		pool, err := pgxpool.New(context.Background(), b.cfg.OutboxDSN)
		if err != nil {
			return fmt.Errorf("jetbus: outbox pool: %w", err)
		}
		b.pgPool = pool
		b.outboxStore = outbox.NewPostgresStore(pool)
	}

	if !b.cfg.UseInbox || b.inboxStore != nil {
		return nil
	}
	switch {
	case b.cfg.InboxDSN != "":
		pool := b.pgPool
		if pool == nil || b.cfg.InboxDSN != b.cfg.OutboxDSN {
			p, err := pgxpool.New(context.Background(), b.cfg.InboxDSN)
			if err != nil {
				return fmt.Errorf("jetbus: inbox pool: %w", err)
			}
			pool = p
			if b.pgPool == nil {
				b.pgPool = p
			}
		}
		b.inboxStore = inbox.NewPostgresStore(pool)
	case b.cfg.RedisAddr != "":
		b.redisClient = redis.NewClient(&redis.Options{
			Addr:     b.cfg.RedisAddr,
			Password: b.cfg.RedisPass,
			DB:       b.cfg.RedisDB,
		})
		b.inboxStore = inbox.NewRedisStore(b.redisClient, 0)
	}
	return nil
}

// Subscribe registers sub for the given topic patterns. Must be called
// before Start.
func (b *Bus) Subscribe(sub consume.Subscriber, patterns []string, opts consume.Options) error {
	return b.reg.Add(sub, patterns, opts)
}

// Publisher exposes the outbox publisher for callers that need the
// full result surface.
func (b *Bus) Publisher() *outbox.Publisher { return b.pub }

// PublishTopic publishes one topic-form message through the outbox.
func (b *Bus) PublishTopic(ctx context.Context, topic string, message map[string]any, opts event.Opts) outbox.PublishResult {
	return b.pub.PublishTopic(ctx, topic, message, opts)
}

// PublishEvent publishes one legacy domain/resource/action message.
func (b *Bus) PublishEvent(ctx context.Context, domain, resource, action string, payload map[string]any, opts event.Opts) outbox.PublishResult {
	return b.pub.PublishEvent(ctx, domain, resource, action, payload, opts)
}

// PublishBatch fans out items concurrently and reports partial failure.
func (b *Bus) PublishBatch(ctx context.Context, items []outbox.BatchItem) outbox.BatchResult {
	return b.batch.Publish(ctx, items)
}

// SetupTopology connects and creates the streams. Consumers are
// ensured by Start, which knows the registered patterns.
func (b *Bus) SetupTopology() error {
	if _, _, err := b.conn.Get(); err != nil {
		return err
	}
	return b.topo.SetupStreams()
}

// Start connects, ensures topology for every registration, spawns the
// worker pool, the outbox recovery sweeper and the ops server.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("jetbus: already started")
	}

	if _, _, err := b.conn.Get(); err != nil {
		return err
	}
	if err := b.pool.Start(ctx); err != nil {
		return err
	}

	if b.cfg.UseOutbox && b.outboxStore != nil {
		sweepCtx, cancel := context.WithCancel(ctx)
		b.sweepCancel = cancel
		b.sweepDone = make(chan struct{})
		go func() {
			defer close(b.sweepDone)
			b.sweeper.Run(sweepCtx)
		}()
	}

	if b.cfg.OpsAddr != "" {
		b.ops.Start()
	}
	b.started = true
	return nil
}

// Sweep runs one outbox recovery pass in the foreground.
func (b *Bus) Sweep(ctx context.Context) (int, error) {
	return b.sweeper.Sweep(ctx)
}

// Health reports the current operational snapshot.
func (b *Bus) Health(ctx context.Context) health.Snapshot {
	return b.checker.Check(ctx)
}

// Close drains workers, stops the sweeper and ops server, then closes
// the broker connection and datastore pools. Returns after everything
// has stopped.
func (b *Bus) Close(ctx context.Context) {
	b.mu.Lock()
	started := b.started
	b.started = false
	b.mu.Unlock()

	if started {
		b.pool.Stop()
		if b.sweepCancel != nil {
			b.sweepCancel()
			<-b.sweepDone
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		b.ops.Stop(shutdownCtx)
		cancel()
	}

	b.conn.Close()
	if b.pgPool != nil {
		b.pgPool.Close()
	}
	if b.redisClient != nil {
		_ = b.redisClient.Close()
	}
}

var (
	defaultBus  *Bus
	defaultErr  error
	defaultOnce sync.Once
)

// Default returns a process-wide Bus built from the environment. It is
// a convenience wrapper over New(config.Load()).
func Default() (*Bus, error) {
	defaultOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			defaultErr = err
			return
		}
		defaultBus, defaultErr = New(cfg)
	})
	return defaultBus, defaultErr
}
