package outbox

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/baechuer/jetbus/broker"
	"github.com/baechuer/jetbus/config"
	"github.com/baechuer/jetbus/event"
	"github.com/baechuer/jetbus/logger"
	"github.com/baechuer/jetbus/metrics"
	"github.com/baechuer/jetbus/subject"
)

// retryCeiling caps the per-attempt emit delay.
const retryCeiling = 5 * time.Second

// Emitter is the broker surface the publisher needs. *broker.Conn
// implements it.
type Emitter interface {
	Publish(ctx context.Context, subj string, payload []byte, eventID string, header nats.Header) error
}

// Publisher persists an envelope, then emits it with retries. A nil
// store degrades to direct emit with no persisted trail.
type Publisher struct {
	cfg     *config.Config
	emitter Emitter
	store   Store
	log     zerolog.Logger

	degradedWarn sync.Once
}

func NewPublisher(cfg *config.Config, emitter Emitter, store Store) *Publisher {
	return &Publisher{
		cfg:     cfg,
		emitter: emitter,
		store:   store,
		log:     logger.Component("outbox_publisher"),
	}
}

// PublishTopic builds a topic-form envelope and publishes it.
func (p *Publisher) PublishTopic(ctx context.Context, topic string, message map[string]any, opts event.Opts) PublishResult {
	if opts.Producer == "" {
		opts.Producer = p.cfg.AppName
	}
	env, err := event.NewTopicEnvelope(topic, message, opts)
	if err != nil {
		return failure("", "", ReasonValidation, err.Error(), err)
	}
	subj, err := subject.FromTopic(p.cfg.Env, p.cfg.AppName, topic)
	if err != nil {
		return failure(env.EventID, "", ReasonValidation, err.Error(), err)
	}
	return p.Publish(ctx, subj, env)
}

// PublishEvent builds a legacy-form envelope and publishes it.
func (p *Publisher) PublishEvent(ctx context.Context, domain, resource, action string, payload map[string]any, opts event.Opts) PublishResult {
	if opts.Producer == "" {
		opts.Producer = p.cfg.AppName
	}
	env, err := event.NewEventEnvelope(domain, resource, action, payload, opts)
	if err != nil {
		return failure("", "", ReasonValidation, err.Error(), err)
	}
	subj, err := subject.FromEvent(p.cfg.Env, p.cfg.AppName, domain, resource, action)
	if err != nil {
		return failure(env.EventID, "", ReasonValidation, err.Error(), err)
	}
	return p.Publish(ctx, subj, env)
}

// Publish runs store-then-emit for one envelope. Internal panics are
// mapped to an exception result at this boundary.
func (p *Publisher) Publish(ctx context.Context, subj subject.Subject, env *event.Envelope) (res PublishResult) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("outbox: panic: %v", r)
			p.log.Error().Err(err).Str("subject", subj.String()).Msg("publish panicked")
			res = failure(envID(env), subj.String(), ReasonException, err.Error(), err)
			metrics.PublishFailedTotal.WithLabelValues(string(ReasonException)).Inc()
		}
	}()

	if env == nil {
		return failure("", subj.String(), ReasonValidation, "nil envelope", nil)
	}
	if err := env.Validate(); err != nil {
		return failure(env.EventID, subj.String(), ReasonValidation, err.Error(), err)
	}
	payload, err := env.Encode()
	if err != nil {
		return failure(env.EventID, subj.String(), ReasonValidation, err.Error(), err)
	}

	if p.store == nil {
		p.degradedWarn.Do(func() {
			p.log.Warn().Msg("no outbox store configured, degrading to direct emit without a persisted trail")
		})
		return p.emit(ctx, subj, env.EventID, payload, nil)
	}

	row, err := p.store.FindOrCreate(ctx, &Row{
		EventID: env.EventID,
		Subject: subj.String(),
		Payload: payload,
	})
	if err != nil {
		return failure(env.EventID, subj.String(), ReasonIO, "outbox insert failed: "+err.Error(), err)
	}

	// Idempotent re-entry: a second publish of an already-sent event
	// succeeds without touching the broker.
	if row.Status == StatusSent {
		return success(env.EventID, subj.String())
	}

	if err := p.store.MarkPublishing(ctx, env.EventID); err != nil {
		return failure(env.EventID, subj.String(), ReasonIO, "outbox update failed: "+err.Error(), err)
	}

	res = p.emit(ctx, subj, env.EventID, payload, row.Headers)
	if res.OK {
		if err := p.store.MarkSent(ctx, env.EventID); err != nil {
			// Emit succeeded; the row stays in publishing and the
			// recovery sweep will re-run a publish that the broker
			// dedups by event_id.
			p.log.Error().Err(err).Str("event_id", env.EventID).Msg("mark sent failed")
		}
		return res
	}

	if err := p.store.MarkFailed(ctx, env.EventID, res.Details); err != nil {
		p.log.Error().Err(err).Str("event_id", env.EventID).Msg("mark failed failed")
	}
	return res
}

// Republish re-runs store-then-emit for an already staged row, using
// its persisted payload. The recovery sweep drives this for rows it
// returned to pending.
func (p *Publisher) Republish(ctx context.Context, row *Row) PublishResult {
	if p.store == nil {
		return failure(row.EventID, row.Subject, ReasonIO, "no outbox store", nil)
	}
	if row.Status == StatusSent {
		return success(row.EventID, row.Subject)
	}
	if err := p.store.MarkPublishing(ctx, row.EventID); err != nil {
		return failure(row.EventID, row.Subject, ReasonIO, "outbox update failed: "+err.Error(), err)
	}

	res := p.emit(ctx, subject.Subject(row.Subject), row.EventID, row.Payload, row.Headers)
	if res.OK {
		if err := p.store.MarkSent(ctx, row.EventID); err != nil {
			p.log.Error().Err(err).Str("event_id", row.EventID).Msg("mark sent failed")
		}
		return res
	}
	if err := p.store.MarkFailed(ctx, row.EventID, res.Details); err != nil {
		p.log.Error().Err(err).Str("event_id", row.EventID).Msg("mark failed failed")
	}
	return res
}

// emit publishes to the broker, retrying transient transport errors
// with capped exponential backoff plus jitter.
func (p *Publisher) emit(ctx context.Context, subj subject.Subject, eventID string, payload []byte, headers map[string]string) PublishResult {
	hdr := nats.Header{}
	for k, v := range headers {
		hdr.Set(k, v)
	}

	attempts := p.cfg.PublishRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for k := 1; k <= attempts; k++ {
		if k > 1 {
			metrics.PublishRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return failure(eventID, subj.String(), ReasonTimeout, ctx.Err().Error(), ctx.Err())
			case <-time.After(emitDelay(p.cfg.PublishRetryBase, k-1)):
			}
		}

		err := p.emitter.Publish(ctx, subj.String(), payload, eventID, hdr)
		if err == nil {
			metrics.PublishedTotal.WithLabelValues(subj.String()).Inc()
			return success(eventID, subj.String())
		}
		lastErr = err

		if !broker.Retryable(err) {
			metrics.PublishFailedTotal.WithLabelValues(string(ReasonPublish)).Inc()
			return failure(eventID, subj.String(), ReasonPublish, err.Error(), err)
		}
		p.log.Warn().Err(err).Int("attempt", k).Str("event_id", eventID).Msg("transient publish error")
	}

	reason := ReasonIO
	if broker.Timeout(lastErr) {
		reason = ReasonTimeout
	}
	metrics.PublishFailedTotal.WithLabelValues(string(reason)).Inc()
	return failure(eventID, subj.String(), reason,
		fmt.Sprintf("gave up after %d attempts: %v", attempts, lastErr), lastErr)
}

// emitDelay is min(base * 2^(k-1), 5s) with ±20% jitter, k counted
// from 1 for the first retry.
func emitDelay(base time.Duration, k int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << (k - 1)
	if d > retryCeiling || d <= 0 {
		d = retryCeiling
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}

func envID(env *event.Envelope) string {
	if env == nil {
		return ""
	}
	return env.EventID
}
