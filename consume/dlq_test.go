package consume

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureEmitter struct {
	subj    string
	payload []byte
	eventID string
	header  nats.Header
	err     error
}

func (c *captureEmitter) Publish(_ context.Context, subj string, payload []byte, eventID string, header nats.Header) error {
	c.subj = subj
	c.payload = payload
	c.eventID = eventID
	c.header = header
	return c.err
}

func TestDLQPublishAnnotations(t *testing.T) {
	em := &captureEmitter{}
	dlq, err := NewDLQ(testConfig(), em)
	require.NoError(t, err)
	assert.Equal(t, "test.shop.dlq", dlq.Subject().String())

	raw := []byte(`{"event_id":"evt-1","topic":"order.created"}`)
	require.NoError(t, dlq.Publish(context.Background(), "evt-1", raw, ClassUnrecoverable, "unknown tenant", "test.shop.order.created", 3))

	assert.Equal(t, "test.shop.dlq", em.subj)
	assert.Equal(t, raw, em.payload, "original payload carried unchanged")

	// The msg id must differ from the original event id: the DLQ copy
	// lands in the same stream and would otherwise be deduped away.
	assert.Equal(t, "evt-1:dlq", em.eventID)

	assert.Equal(t, "unrecoverable", em.header.Get(HeaderErrorClass))
	assert.Equal(t, "unknown tenant", em.header.Get(HeaderErrorMessage))
	assert.Equal(t, "3", em.header.Get(HeaderFinalAttempt))
	assert.Equal(t, "test.shop.order.created", em.header.Get(HeaderOriginalSubject))

	failedAt, err := time.Parse(time.RFC3339Nano, em.header.Get(HeaderFailedAt))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), failedAt, time.Minute)
}

func TestDLQPublishTruncatesErrorMessage(t *testing.T) {
	em := &captureEmitter{}
	dlq, err := NewDLQ(testConfig(), em)
	require.NoError(t, err)

	long := strings.Repeat("x", 2000)
	require.NoError(t, dlq.Publish(context.Background(), "evt-1", []byte("{}"), ClassTransient, long, "test.shop.a", 5))
	assert.Len(t, em.header.Get(HeaderErrorMessage), 512)
}

func TestDLQPublishPropagatesEmitError(t *testing.T) {
	em := &captureEmitter{err: errors.New("no responders")}
	dlq, err := NewDLQ(testConfig(), em)
	require.NoError(t, err)

	assert.Error(t, dlq.Publish(context.Background(), "evt-1", []byte("{}"), ClassTransient, "boom", "test.shop.a", 5))
}
