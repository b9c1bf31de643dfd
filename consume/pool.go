package consume

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/baechuer/jetbus/broker"
	"github.com/baechuer/jetbus/config"
	"github.com/baechuer/jetbus/inbox"
	"github.com/baechuer/jetbus/logger"
	"github.com/baechuer/jetbus/topology"
)

// Pool starts cfg.Concurrency workers per registered pattern group and
// owns their lifecycle. Start freezes the registry, ensures topology,
// then spawns the workers; Stop is cooperative and returns only after
// every worker has drained.
type Pool struct {
	cfg  *config.Config
	conn *broker.Conn
	topo *topology.Manager
	reg  *Registry
	proc *inbox.Processor
	dlq  *DLQ
	log  zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool wires the pool. inboxStore may be nil; together with
// cfg.UseInbox=false that disables the dedup fence.
func NewPool(cfg *config.Config, conn *broker.Conn, topo *topology.Manager, reg *Registry, inboxStore inbox.Store) (*Pool, error) {
	p := &Pool{
		cfg:  cfg,
		conn: conn,
		topo: topo,
		reg:  reg,
		log:  logger.Component("pool"),
	}
	if cfg.UseInbox && inboxStore != nil {
		p.proc = inbox.NewProcessor(inboxStore)
	}
	if cfg.UseDLQ {
		dlq, err := NewDLQ(cfg, conn)
		if err != nil {
			return nil, err
		}
		p.dlq = dlq
	}
	return p, nil
}

// Start freezes the registry, ensures streams and durables, and spawns
// the workers. Mutating the registry after Start is undefined.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pool: already running")
	}

	p.reg.Freeze()
	groups := p.reg.Groups()
	if len(groups) == 0 {
		return fmt.Errorf("pool: no subscriptions registered")
	}

	if err := p.topo.SetupStreams(); err != nil {
		return err
	}
	for _, g := range groups {
		if err := p.topo.EnsureConsumer(g.Spec); err != nil {
			return err
		}
	}

	for _, pair := range p.reg.Overlapping() {
		p.log.Debug().
			Str("a", pair[0].String()).
			Str("b", pair[1].String()).
			Msg("overlapping patterns share deliveries across durables")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, g := range groups {
		for i := 0; i < p.cfg.Concurrency; i++ {
			w := newWorker(i, p.cfg, p.conn, p.topo, g, p.proc, p.dlq)
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				w.run(runCtx)
			}()
		}
	}
	p.running = true
	p.log.Info().
		Int("groups", len(groups)).
		Int("workers_per_group", p.cfg.Concurrency).
		Msg("pool started")
	return nil
}

// Stop signals the workers and blocks until all of them have drained.
// A worker finishes its current message before exiting.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.log.Info().Msg("pool stopped")
}

// Running reports whether the pool has been started and not stopped.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
