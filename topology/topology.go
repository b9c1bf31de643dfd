// Package topology creates and reconciles the JetStream streams and
// durable pull consumers the bus depends on. One stream per
// environment captures "{env}.{app}.>"; a second stream holds the DLQ
// subject. Each subscription pattern gets its own durable consumer,
// recreated whenever its live config drifts from the declared one.
package topology

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/baechuer/jetbus/broker"
	"github.com/baechuer/jetbus/config"
	"github.com/baechuer/jetbus/subject"
)

// maxDurableLen caps derived durable names.
const maxDurableLen = 100

// ConsumerSpec is the declared configuration of one durable consumer.
type ConsumerSpec struct {
	Pattern    subject.Subject
	MaxDeliver int
	AckWait    time.Duration
	Backoff    []time.Duration
}

type Manager struct {
	cfg  *config.Config
	conn *broker.Conn
	log  zerolog.Logger
}

func New(cfg *config.Config, conn *broker.Conn, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, conn: conn, log: log.With().Str("component", "topology").Logger()}
}

// StreamName returns the event stream name for the configured env/app,
// e.g. "TEST_SHOP_EVENTS".
func (m *Manager) StreamName() string {
	return sanitizeStreamName(m.cfg.Env+"_"+m.cfg.AppName) + "_EVENTS"
}

// DLQStreamName returns the dead-letter stream name.
func (m *Manager) DLQStreamName() string {
	return sanitizeStreamName(m.cfg.Env+"_"+m.cfg.AppName) + "_" + sanitizeStreamName(m.cfg.DLQStreamSuffix)
}

func sanitizeStreamName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// DurableName derives the durable consumer name for a pattern by
// sanitizing it: ".>" becomes "-all", ".*" becomes "-wildcard", dots
// become dashes, anything outside [A-Za-z0-9_-] is stripped, and the
// result is truncated to 100 characters.
func DurableName(app string, pattern subject.Subject) string {
	p := pattern.String()
	p = strings.ReplaceAll(p, ".>", "-all")
	p = strings.ReplaceAll(p, ".*", "-wildcard")
	p = strings.ReplaceAll(p, ".", "-")

	var b strings.Builder
	b.WriteString(app)
	b.WriteByte('-')
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	name := b.String()
	if len(name) > maxDurableLen {
		name = name[:maxDurableLen]
	}
	return name
}

// SetupStreams idempotently creates the event stream and, when the DLQ
// is enabled, the DLQ stream.
func (m *Manager) SetupStreams() error {
	_, js, err := m.conn.Get()
	if err != nil {
		return err
	}

	if err := m.ensureStream(js, &nats.StreamConfig{
		Name:      m.StreamName(),
		Subjects:  []string{m.cfg.SubjectPrefix() + ">"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    m.cfg.StreamMaxAge,
		MaxBytes:  m.cfg.StreamMaxBytes,
		MaxMsgs:   m.cfg.StreamMaxMsgs,
	}); err != nil {
		return err
	}

	if !m.cfg.UseDLQ {
		return nil
	}
	dlqSubject, err := subject.DLQ(m.cfg.Env, m.cfg.AppName, m.cfg.DLQStreamSuffix)
	if err != nil {
		return err
	}
	// The event stream's ">" filter already captures the DLQ subject,
	// and JetStream rejects a second stream with an overlapping
	// subject. The DLQ stream therefore sources from the event stream
	// with a subject filter, which gives it its own retention window.
	return m.ensureStream(js, &nats.StreamConfig{
		Name:      m.DLQStreamName(),
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    m.cfg.DLQMaxAge,
		Sources: []*nats.StreamSource{{
			Name:          m.StreamName(),
			FilterSubject: dlqSubject.String(),
		}},
	})
}

func (m *Manager) ensureStream(js nats.JetStreamContext, cfg *nats.StreamConfig) error {
	_, err := js.StreamInfo(cfg.Name)
	if err == nil {
		m.log.Debug().Str("stream", cfg.Name).Msg("stream exists")
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("topology: stream info %s: %w", cfg.Name, err)
	}
	if _, err := js.AddStream(cfg); err != nil {
		return fmt.Errorf("topology: add stream %s: %w", cfg.Name, err)
	}
	m.log.Info().Str("stream", cfg.Name).Strs("subjects", cfg.Subjects).Msg("stream created")
	return nil
}

// EnsureConsumer creates the durable for spec if missing, or deletes
// and recreates it when the live config drifts from the declared one.
func (m *Manager) EnsureConsumer(spec ConsumerSpec) error {
	_, js, err := m.conn.Get()
	if err != nil {
		return err
	}

	stream := m.StreamName()
	durable := DurableName(m.cfg.AppName, spec.Pattern)
	desired := m.desiredConfig(durable, spec)

	info, err := js.ConsumerInfo(stream, durable)
	if errors.Is(err, nats.ErrConsumerNotFound) {
		return m.addConsumer(js, stream, desired)
	}
	if err != nil {
		return fmt.Errorf("topology: consumer info %s: %w", durable, err)
	}

	if normalize(&info.Config) == normalize(desired) {
		m.log.Debug().Str("durable", durable).Msg("consumer config up to date")
		return nil
	}

	m.log.Warn().Str("durable", durable).Msg("consumer config drifted, recreating")
	if err := js.DeleteConsumer(stream, durable); err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("topology: delete consumer %s: %w", durable, err)
	}
	return m.addConsumer(js, stream, desired)
}

func (m *Manager) addConsumer(js nats.JetStreamContext, stream string, cfg *nats.ConsumerConfig) error {
	if _, err := js.AddConsumer(stream, cfg); err != nil {
		return fmt.Errorf("topology: add consumer %s: %w", cfg.Durable, err)
	}
	m.log.Info().
		Str("durable", cfg.Durable).
		Str("filter", cfg.FilterSubject).
		Int("max_deliver", cfg.MaxDeliver).
		Msg("consumer created")
	return nil
}

func (m *Manager) desiredConfig(durable string, spec ConsumerSpec) *nats.ConsumerConfig {
	maxDeliver := spec.MaxDeliver
	if maxDeliver == 0 {
		maxDeliver = m.cfg.MaxDeliver
	}
	ackWait := spec.AckWait
	if ackWait == 0 {
		ackWait = m.cfg.AckWait
	}
	backoff := spec.Backoff
	if len(backoff) == 0 {
		backoff = m.cfg.Backoff
	}
	// JetStream requires len(backoff) <= max_deliver.
	if len(backoff) > maxDeliver {
		backoff = backoff[:maxDeliver]
	}
	return &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: spec.Pattern.String(),
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxDeliver:    maxDeliver,
		AckWait:       ackWait,
		BackOff:       backoff,
	}
}

// normalized is the canonical comparison form of a consumer config:
// durations in ms, strings lower-cased, backoff as a joined ms list.
type normalized struct {
	filter        string
	ackPolicy     string
	deliverPolicy string
	maxDeliver    int
	ackWaitMS     int64
	backoffMS     string
}

// deliverPolicyName returns the canonical lowercase name of the policy
// (nats.DeliverPolicy exposes it only through MarshalJSON).
func deliverPolicyName(p nats.DeliverPolicy) string {
	b, err := p.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("%d", int(p))
	}
	return strings.Trim(string(b), `"`)
}

func normalize(cfg *nats.ConsumerConfig) normalized {
	steps := make([]string, len(cfg.BackOff))
	for i, d := range cfg.BackOff {
		steps[i] = fmt.Sprintf("%d", d.Milliseconds())
	}
	return normalized{
		filter:        strings.ToLower(cfg.FilterSubject),
		ackPolicy:     strings.ToLower(cfg.AckPolicy.String()),
		deliverPolicy: strings.ToLower(deliverPolicyName(cfg.DeliverPolicy)),
		maxDeliver:    cfg.MaxDeliver,
		ackWaitMS:     cfg.AckWait.Milliseconds(),
		backoffMS:     strings.Join(steps, ","),
	}
}

// Reensure re-creates the stream and one consumer after a runtime
// 404: the subscription manager calls this before re-subscribing.
func (m *Manager) Reensure(spec ConsumerSpec) error {
	if err := m.SetupStreams(); err != nil {
		return err
	}
	return m.EnsureConsumer(spec)
}

// ExpectedStreams lists the stream names this configuration declares,
// for the health surface.
func (m *Manager) ExpectedStreams() []string {
	streams := []string{m.StreamName()}
	if m.cfg.UseDLQ {
		streams = append(streams, m.DLQStreamName())
	}
	return streams
}

// ExistingStreams reports which of the expected streams are live.
func (m *Manager) ExistingStreams() map[string]bool {
	out := make(map[string]bool)
	_, js, err := m.conn.Get()
	if err != nil {
		for _, name := range m.ExpectedStreams() {
			out[name] = false
		}
		return out
	}
	for _, name := range m.ExpectedStreams() {
		_, err := js.StreamInfo(name)
		out[name] = err == nil
	}
	return out
}
