package event

import (
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// MessageContext is the immutable view of a delivery handed to
// subscribers alongside the envelope. Broker metadata (stream, sequence,
// delivery count) comes from the JetStream message; the rest comes from
// the decoded envelope.
type MessageContext struct {
	EventID       string
	Subject       string
	Topic         string
	TraceID       string
	CorrelationID string
	OccurredAt    time.Time
	Deliveries    uint64
	Stream        string
	StreamSeq     uint64
	Producer      string

	// Legacy form fields, empty for topic-form envelopes.
	Domain   string
	Resource string
	Action   string

	MessageType string
}

// NewMessageContext builds a MessageContext from a delivered message.
// prefix is the fixed "{env}.{app}." subject prefix; the remainder of
// the concrete subject is the topic.
func NewMessageContext(msg *nats.Msg, env *Envelope, prefix string) MessageContext {
	mc := MessageContext{
		EventID:       env.EventID,
		Subject:       msg.Subject,
		Topic:         env.Topic,
		TraceID:       env.TraceID,
		CorrelationID: env.TraceID,
		OccurredAt:    env.OccurredAt,
		Deliveries:    1,
		Producer:      env.Producer,
		Domain:        env.Domain,
		Resource:      env.Resource,
		Action:        env.Action,
		MessageType:   env.MessageType,
	}
	if mc.Topic == "" {
		mc.Topic = strings.TrimPrefix(msg.Subject, prefix)
	}
	if cid := msg.Header.Get("X-Correlation-Id"); cid != "" {
		mc.CorrelationID = cid
	}
	if meta, err := msg.Metadata(); err == nil {
		mc.Deliveries = meta.NumDelivered
		mc.Stream = meta.Stream
		mc.StreamSeq = meta.Sequence.Stream
	}
	return mc
}
