package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTopicEnvelope(t *testing.T) {
	t.Run("fills_defaults", func(t *testing.T) {
		e, err := NewTopicEnvelope("order.created", map[string]any{"order_id": "1"}, Opts{Producer: "shop"})
		require.NoError(t, err)

		assert.NotEmpty(t, e.EventID)
		assert.NotEmpty(t, e.TraceID)
		assert.Equal(t, SchemaVersion, e.SchemaVersion)
		assert.Equal(t, "shop", e.Producer)
		assert.Equal(t, KindTopic, e.Kind())
		assert.False(t, e.OccurredAt.IsZero())
		assert.Equal(t, time.UTC, e.OccurredAt.Location())
	})

	t.Run("keeps_supplied_ids", func(t *testing.T) {
		e, err := NewTopicEnvelope("order.created", map[string]any{}, Opts{
			EventID: "evt-1",
			TraceID: "trace-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "evt-1", e.EventID)
		assert.Equal(t, "trace-1", e.TraceID)
	})

	t.Run("nil_message_rejected", func(t *testing.T) {
		_, err := NewTopicEnvelope("order.created", nil, Opts{})
		var inv *InvalidEnvelopeError
		require.ErrorAs(t, err, &inv)
	})
}

func TestNewEventEnvelope(t *testing.T) {
	e, err := NewEventEnvelope("order", "item", "created", map[string]any{"id": "1"}, Opts{})
	require.NoError(t, err)
	assert.Equal(t, KindLegacy, e.Kind())

	_, err = NewEventEnvelope("order", "", "created", map[string]any{}, Opts{})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("ambiguous_empty_form_rejected", func(t *testing.T) {
		e := &Envelope{
			EventID:       "evt-1",
			SchemaVersion: 1,
			OccurredAt:    time.Now(),
		}
		var inv *InvalidEnvelopeError
		require.ErrorAs(t, e.Validate(), &inv)
	})

	t.Run("missing_event_id_rejected", func(t *testing.T) {
		e := &Envelope{
			SchemaVersion: 1,
			OccurredAt:    time.Now(),
			Topic:         "a.b",
			Message:       map[string]any{},
		}
		assert.Error(t, e.Validate())
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in, err := NewTopicEnvelope("order.created", map[string]any{"order_id": "1", "total": 9.99}, Opts{
		Producer:    "shop",
		MessageType: "v1",
	})
	require.NoError(t, err)

	data, err := in.Encode()
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in.EventID, out.EventID)
	assert.Equal(t, in.Topic, out.Topic)
	assert.Equal(t, in.Producer, out.Producer)
	assert.Equal(t, in.MessageType, out.MessageType)
	assert.True(t, in.OccurredAt.Equal(out.OccurredAt))
	assert.Equal(t, in.Message["order_id"], out.Message["order_id"])
}

func TestDecode(t *testing.T) {
	t.Run("unknown_keys_tolerated", func(t *testing.T) {
		raw := map[string]any{
			"event_id":       "evt-1",
			"schema_version": 1,
			"producer":       "shop",
			"occurred_at":    time.Now().UTC().Format(time.RFC3339Nano),
			"topic":          "order.created",
			"message":        map[string]any{"x": 1},
			"future_field":   "ignored",
		}
		data, _ := json.Marshal(raw)
		e, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, "evt-1", e.EventID)
	})

	t.Run("bad_json_rejected", func(t *testing.T) {
		_, err := Decode([]byte("{not json"))
		var inv *InvalidEnvelopeError
		require.ErrorAs(t, err, &inv)
	})

	t.Run("valid_json_invalid_envelope_rejected", func(t *testing.T) {
		_, err := Decode([]byte(`{"event_id":"e"}`))
		assert.Error(t, err)
	})
}
