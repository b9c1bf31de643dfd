// Package event defines the canonical message envelope shared by the
// outbox publisher, the inbox processor and every subscriber.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current envelope schema. Monotonic.
const SchemaVersion = 1

// Kind discriminates the two envelope shapes.
type Kind int

const (
	// KindTopic is the topic + message form ("order.created").
	KindTopic Kind = iota + 1
	// KindLegacy is the domain/resource/action + payload form kept for
	// older producers.
	KindLegacy
)

// Envelope is the wire and storage form of a message. Unknown keys are
// tolerated on read and dropped on write.
type Envelope struct {
	EventID       string    `json:"event_id"`
	SchemaVersion int       `json:"schema_version"`
	Producer      string    `json:"producer"`
	OccurredAt    time.Time `json:"occurred_at"`
	TraceID       string    `json:"trace_id,omitempty"`

	// Topic form.
	Topic   string         `json:"topic,omitempty"`
	Message map[string]any `json:"message,omitempty"`

	// Legacy form.
	Domain   string         `json:"domain,omitempty"`
	Resource string         `json:"resource,omitempty"`
	Action   string         `json:"action,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`

	MessageType string `json:"message_type,omitempty"`
}

// InvalidEnvelopeError reports a malformed envelope.
type InvalidEnvelopeError struct {
	Reason string
}

func (e *InvalidEnvelopeError) Error() string {
	return "invalid envelope: " + e.Reason
}

// Opts carries the optional fields of the builders. Zero values are
// filled in: a fresh EventID and TraceID, OccurredAt = now (UTC).
type Opts struct {
	EventID     string
	TraceID     string
	Producer    string
	OccurredAt  time.Time
	MessageType string
}

// NewTopicEnvelope builds a topic-form envelope.
func NewTopicEnvelope(topic string, message map[string]any, opts Opts) (*Envelope, error) {
	e := base(opts)
	e.Topic = strings.TrimSpace(topic)
	e.Message = message
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewEventEnvelope builds a legacy domain/resource/action envelope.
func NewEventEnvelope(domain, resource, action string, payload map[string]any, opts Opts) (*Envelope, error) {
	e := base(opts)
	e.Domain = strings.TrimSpace(domain)
	e.Resource = strings.TrimSpace(resource)
	e.Action = strings.TrimSpace(action)
	e.Payload = payload
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func base(opts Opts) *Envelope {
	e := &Envelope{
		EventID:       opts.EventID,
		SchemaVersion: SchemaVersion,
		Producer:      opts.Producer,
		OccurredAt:    opts.OccurredAt,
		TraceID:       opts.TraceID,
		MessageType:   opts.MessageType,
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.TraceID == "" {
		e.TraceID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	} else {
		e.OccurredAt = e.OccurredAt.UTC()
	}
	return e
}

// Kind returns the envelope shape, or 0 when neither form is populated.
func (e *Envelope) Kind() Kind {
	switch {
	case e.Topic != "":
		return KindTopic
	case e.Domain != "" || e.Resource != "" || e.Action != "":
		return KindLegacy
	default:
		return 0
	}
}

// Validate rejects envelopes that carry neither form, a partial legacy
// triple, or missing required metadata.
func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return &InvalidEnvelopeError{Reason: "missing event_id"}
	}
	if e.SchemaVersion < 1 {
		return &InvalidEnvelopeError{Reason: fmt.Sprintf("schema_version %d below 1", e.SchemaVersion)}
	}
	if e.OccurredAt.IsZero() {
		return &InvalidEnvelopeError{Reason: "missing occurred_at"}
	}
	switch e.Kind() {
	case KindTopic:
		if e.Message == nil {
			return &InvalidEnvelopeError{Reason: "topic form requires message"}
		}
	case KindLegacy:
		if e.Domain == "" || e.Resource == "" || e.Action == "" {
			return &InvalidEnvelopeError{Reason: "legacy form requires domain, resource and action"}
		}
		if e.Payload == nil {
			return &InvalidEnvelopeError{Reason: "legacy form requires payload"}
		}
	default:
		return &InvalidEnvelopeError{Reason: "neither topic nor domain/resource/action set"}
	}
	return nil
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses wire bytes into an envelope and validates it. Extra
// fields from newer producers are ignored.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &InvalidEnvelopeError{Reason: "bad json: " + err.Error()}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
