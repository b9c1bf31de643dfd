package consume

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/baechuer/jetbus/broker"
	"github.com/baechuer/jetbus/config"
	"github.com/baechuer/jetbus/event"
	"github.com/baechuer/jetbus/inbox"
	"github.com/baechuer/jetbus/logger"
	"github.com/baechuer/jetbus/metrics"
	"github.com/baechuer/jetbus/topology"
)

const (
	idleFloor = 50 * time.Millisecond
	idleCap   = time.Second
)

// worker owns one pull subscription on the group's durable and drives
// the fetch/dispatch loop. Several workers per group compete on the
// same durable.
type worker struct {
	cfg     *config.Config
	conn    *broker.Conn
	topo    *topology.Manager
	group   *Group
	proc    *inbox.Processor
	dlq     *DLQ
	durable string
	log     zerolog.Logger

	sub *nats.Subscription
}

func newWorker(id int, cfg *config.Config, conn *broker.Conn, topo *topology.Manager, group *Group, proc *inbox.Processor, dlq *DLQ) *worker {
	durable := topology.DurableName(cfg.AppName, group.Pattern)
	return &worker{
		cfg:     cfg,
		conn:    conn,
		topo:    topo,
		group:   group,
		proc:    proc,
		dlq:     dlq,
		durable: durable,
		log: logger.Component("worker").With().
			Str("durable", durable).
			Int("worker", id).
			Logger(),
	}
}

func (w *worker) run(ctx context.Context) {
	idle := newIdleBackoff(idleFloor, idleCap)

	for ctx.Err() == nil {
		if w.sub == nil || !w.sub.IsValid() {
			if err := w.subscribe(); err != nil {
				w.log.Error().Err(err).Msg("subscribe failed")
				if broker.Recoverable(err) {
					w.recoverTopology()
				}
				idle.sleep(ctx)
				continue
			}
		}

		msgs, err := w.fetch(ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				// shutdown
			case broker.Timeout(err) || errors.Is(err, nats.ErrTimeout):
				idle.sleep(ctx)
			case broker.Recoverable(err):
				w.log.Warn().Err(err).Msg("recoverable fetch error, re-ensuring topology")
				w.recoverTopology()
				idle.sleep(ctx)
			default:
				w.log.Error().Err(err).Msg("fetch failed")
				idle.sleep(ctx)
			}
			continue
		}

		metrics.FetchBatchSize.Observe(float64(len(msgs)))
		if len(msgs) == 0 {
			idle.sleep(ctx)
			continue
		}
		idle.reset()

		for i, msg := range msgs {
			if ctx.Err() != nil {
				// Stopping mid-batch: hand the rest back for redelivery.
				for _, rest := range msgs[i:] {
					_ = rest.Nak()
				}
				break
			}
			// The current message runs to a terminal ack/nak even when
			// the stop signal arrives while the handler is executing.
			w.dispatch(context.WithoutCancel(ctx), msg)
		}
	}

	if w.sub != nil {
		_ = w.sub.Unsubscribe()
		w.sub = nil
	}
}

func (w *worker) subscribe() error {
	_, js, err := w.conn.Get()
	if err != nil {
		return err
	}
	sub, err := js.PullSubscribe("", w.durable, nats.Bind(w.topo.StreamName(), w.durable))
	if err != nil {
		return err
	}
	w.sub = sub
	return nil
}

func (w *worker) fetch(ctx context.Context) ([]*nats.Msg, error) {
	fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	return w.sub.Fetch(w.cfg.FetchBatch, nats.Context(fctx))
}

// recoverTopology re-ensures the stream and durable after a 404-class
// error and drops the subscription so the next iteration rebinds.
func (w *worker) recoverTopology() {
	if err := w.topo.Reensure(w.group.Spec); err != nil {
		w.log.Error().Err(err).Msg("topology re-ensure failed")
	}
	if w.sub != nil {
		_ = w.sub.Unsubscribe()
		w.sub = nil
	}
}

func (w *worker) dispatch(ctx context.Context, msg *nats.Msg) {
	env, err := event.Decode(msg.Data)
	if err != nil {
		w.log.Warn().Err(err).Str("subject", msg.Subject).Msg("undecodable message discarded")
		metrics.ConsumedTotal.WithLabelValues(w.durable, "discard").Inc()
		_ = msg.Ack()
		return
	}

	mctx := event.NewMessageContext(msg, env, w.cfg.SubjectPrefix())
	v := w.evaluate(ctx, env, mctx)
	w.settle(ctx, msg, env, mctx, v)
}

// verdict is the joint outcome of one delivery across the group's
// subscribers. A zero decision means every subscriber succeeded.
type verdict struct {
	decision Decision
	class    ErrorClass
	errMsg   string
}

// evaluate runs every subscriber in the group and combines their
// failure decisions. Any subscriber still retriable blocks the ack, so
// retry dominates DLQ and DLQ dominates discard.
func (w *worker) evaluate(ctx context.Context, env *event.Envelope, mctx event.MessageContext) verdict {
	var final verdict
	for _, sub := range w.group.Subs {
		err := w.invoke(ctx, sub, env, mctx)
		if err == nil {
			continue
		}
		class := Classify(err)
		d := w.decide(sub, class, err, env, mctx)
		w.log.Warn().
			Err(err).
			Str("subscriber", sub.ID()).
			Str("event_id", env.EventID).
			Uint64("deliveries", mctx.Deliveries).
			Str("decision", d.String()).
			Msg("subscriber failed")
		final = worse(final, verdict{decision: d, class: class, errMsg: err.Error()})
	}
	return final
}

// invoke runs one subscriber, through the inbox fence when enabled.
func (w *worker) invoke(ctx context.Context, sub Subscriber, env *event.Envelope, mctx event.MessageContext) error {
	handler := func(hctx context.Context) error {
		start := time.Now()
		err := sub.Handle(hctx, env, mctx)
		metrics.HandlerDuration.WithLabelValues(sub.ID()).Observe(time.Since(start).Seconds())
		return err
	}
	if w.proc == nil {
		return handler(ctx)
	}
	key := inbox.Key{
		EventID:    env.EventID,
		Stream:     mctx.Stream,
		StreamSeq:  mctx.StreamSeq,
		Subscriber: sub.ID(),
	}
	_, err := w.proc.Process(ctx, key, mctx.Subject, int(mctx.Deliveries), handler)
	return err
}

func (w *worker) decide(sub Subscriber, class ErrorClass, err error, env *event.Envelope, mctx event.MessageContext) Decision {
	attempt := int(mctx.Deliveries)
	max := w.maxAttempts()
	def := DefaultDecision(class, attempt, max)

	policy, ok := sub.(ErrorPolicy)
	if !ok {
		return def
	}
	d := policy.OnError(ErrorContext{
		Err:         err,
		Envelope:    env,
		Context:     mctx,
		Attempt:     attempt,
		MaxAttempts: max,
	})
	if !d.valid() {
		w.log.Warn().
			Str("subscriber", sub.ID()).
			Str("decision", d.String()).
			Msg("policy returned invalid decision, using default")
		return def
	}
	if d == DecisionRetry && attempt >= max {
		// The broker will not deliver again past max_deliver; a nak
		// here would silently drop the message.
		return DecisionDLQ
	}
	return d
}

func (w *worker) maxAttempts() int {
	max := w.group.Spec.MaxDeliver
	if max == 0 {
		max = w.cfg.MaxDeliver
	}
	if w.cfg.UseDLQ && w.cfg.DLQMaxAttempts > 0 && w.cfg.DLQMaxAttempts < max {
		max = w.cfg.DLQMaxAttempts
	}
	return max
}

func (w *worker) settle(ctx context.Context, msg *nats.Msg, env *event.Envelope, mctx event.MessageContext, v verdict) {
	outcome := "ack"
	switch v.decision {
	case DecisionRetry:
		delay := w.backoffStep(int(mctx.Deliveries))
		_ = msg.NakWithDelay(delay)
		outcome = "retry"
	case DecisionDiscard:
		_ = msg.Ack()
		outcome = "discard"
	case DecisionDLQ:
		outcome = "dlq"
		if w.dlq != nil {
			if err := w.dlq.Publish(ctx, env.EventID, msg.Data, v.class, v.errMsg, msg.Subject, int(mctx.Deliveries)); err != nil {
				// DLQ unreachable: keep the message alive instead of
				// terminating it with no record.
				w.log.Error().Err(err).Str("event_id", env.EventID).Msg("dlq publish failed, retrying delivery")
				_ = msg.NakWithDelay(w.backoffStep(int(mctx.Deliveries)))
				metrics.ConsumedTotal.WithLabelValues(w.durable, "retry").Inc()
				return
			}
		} else {
			w.log.Warn().Str("event_id", env.EventID).Msg("dlq disabled, terminating delivery")
		}
		_ = msg.Term()
	default:
		_ = msg.Ack()
	}
	metrics.ConsumedTotal.WithLabelValues(w.durable, outcome).Inc()
}

func (w *worker) backoffStep(attempt int) time.Duration {
	schedule := w.group.Spec.Backoff
	if len(schedule) == 0 {
		return w.cfg.BackoffStep(attempt)
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// worse combines two verdicts: retry blocks the ack outright, DLQ
// outranks discard, discard outranks success.
func worse(a, b verdict) verdict {
	if severity(b.decision) > severity(a.decision) {
		return b
	}
	return a
}

func severity(d Decision) int {
	switch d {
	case DecisionRetry:
		return 3
	case DecisionDLQ:
		return 2
	case DecisionDiscard:
		return 1
	default:
		return 0
	}
}

// idleBackoff paces the loop over empty fetches: exponential doubling
// from floor to max, plus up to 10% jitter, reset after any non-empty
// batch.
type idleBackoff struct {
	cur   time.Duration
	floor time.Duration
	max   time.Duration
}

func newIdleBackoff(floor, max time.Duration) *idleBackoff {
	return &idleBackoff{cur: floor, floor: floor, max: max}
}

func (b *idleBackoff) next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d + time.Duration(rand.Int63n(int64(d)/10+1))
}

func (b *idleBackoff) reset() { b.cur = b.floor }

func (b *idleBackoff) sleep(ctx context.Context) {
	t := time.NewTimer(b.next())
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
