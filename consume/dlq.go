package consume

import (
	"context"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/baechuer/jetbus/config"
	"github.com/baechuer/jetbus/logger"
	"github.com/baechuer/jetbus/metrics"
	"github.com/baechuer/jetbus/subject"
)

// DLQ annotation headers carried alongside the original envelope.
const (
	HeaderErrorClass      = "Jetbus-Error-Class"
	HeaderErrorMessage    = "Jetbus-Error-Message"
	HeaderFinalAttempt    = "Jetbus-Final-Attempt"
	HeaderFailedAt        = "Jetbus-Failed-At"
	HeaderOriginalSubject = "Jetbus-Original-Subject"
)

// Emitter is the broker surface the DLQ publisher needs. *broker.Conn
// implements it.
type Emitter interface {
	Publish(ctx context.Context, subj string, payload []byte, eventID string, header nats.Header) error
}

// DLQ publishes terminally failed messages to the dead-letter subject
// with the original payload intact plus the error annotation headers.
type DLQ struct {
	cfg     *config.Config
	emitter Emitter
	subj    subject.Subject
	log     zerolog.Logger
}

func NewDLQ(cfg *config.Config, emitter Emitter) (*DLQ, error) {
	subj, err := subject.DLQ(cfg.Env, cfg.AppName, cfg.DLQStreamSuffix)
	if err != nil {
		return nil, err
	}
	return &DLQ{cfg: cfg, emitter: emitter, subj: subj, log: logger.Component("dlq")}, nil
}

func (d *DLQ) Subject() subject.Subject { return d.subj }

// Publish sends the raw message bytes to the DLQ subject. The broker
// msg id gets a ":dlq" suffix; reusing the original event id would be
// deduped against the original copy still inside the stream's window.
func (d *DLQ) Publish(ctx context.Context, eventID string, raw []byte, class ErrorClass, errMsg, origSubject string, finalAttempt int) error {
	header := nats.Header{}
	header.Set(HeaderErrorClass, string(class))
	header.Set(HeaderErrorMessage, truncate(errMsg, 512))
	header.Set(HeaderFinalAttempt, strconv.Itoa(finalAttempt))
	header.Set(HeaderFailedAt, time.Now().UTC().Format(time.RFC3339Nano))
	header.Set(HeaderOriginalSubject, origSubject)

	if err := d.emitter.Publish(ctx, d.subj.String(), raw, eventID+":dlq", header); err != nil {
		return err
	}
	metrics.DLQTotal.WithLabelValues(string(class)).Inc()
	d.log.Warn().
		Str("event_id", eventID).
		Str("subject", origSubject).
		Str("error_class", string(class)).
		Int("final_attempt", finalAttempt).
		Msg("message dead-lettered")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
