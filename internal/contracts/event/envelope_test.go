package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() Envelope {
	return Envelope{
		EventID:       "11111111-1111-4111-8111-111111111111",
		EventType:     "orders.created",
		EventVersion:  "v1",
		OccurredAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Producer:      "orders-service",
		CorrelationID: "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa",
		Priority:      PriorityNormal,
		Payload:       json.RawMessage(`{"order_id":"O1"}`),
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	in := validEnvelope()
	in.Metadata = map[string]any{"tenant_id": "t-42"}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, json.Unmarshal(raw, &out))

	assert.Equal(t, in.EventID, out.EventID)
	assert.Equal(t, in.EventType, out.EventType)
	assert.Equal(t, in.EventVersion, out.EventVersion)
	assert.True(t, in.OccurredAt.Equal(out.OccurredAt))
	assert.Equal(t, in.CorrelationID, out.CorrelationID)
	assert.Equal(t, in.Priority, out.Priority)
	assert.JSONEq(t, string(in.Payload), string(out.Payload))
	assert.Equal(t, "t-42", out.Metadata["tenant_id"])
}

func TestEnvelope_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		env := validEnvelope()
		require.NoError(t, env.Validate())
	})

	t.Run("missing event_id", func(t *testing.T) {
		env := validEnvelope()
		env.EventID = ""
		assert.Error(t, env.Validate())
	})

	t.Run("non uuid event_id", func(t *testing.T) {
		env := validEnvelope()
		env.EventID = "order-123"
		assert.Error(t, env.Validate())
	})

	t.Run("event_type patterns", func(t *testing.T) {
		good := []string{"orders.created", "inventory.stock-adjusted", "a.b", "pos9.sale"}
		bad := []string{"Orders.created", "orders", "orders.", ".created", "orders.Created", "9orders.created", "orders.created.v1"}

		for _, et := range good {
			env := validEnvelope()
			env.EventType = et
			assert.NoError(t, env.Validate(), et)
		}
		for _, et := range bad {
			env := validEnvelope()
			env.EventType = et
			assert.Error(t, env.Validate(), et)
		}
	})

	t.Run("event_version patterns", func(t *testing.T) {
		for _, v := range []string{"v1", "v2", "v10"} {
			env := validEnvelope()
			env.EventVersion = v
			assert.NoError(t, env.Validate(), v)
		}
		for _, v := range []string{"1", "V1", "v1.2", "v", ""} {
			env := validEnvelope()
			env.EventVersion = v
			assert.Error(t, env.Validate(), v)
		}
	})

	t.Run("bad priority", func(t *testing.T) {
		env := validEnvelope()
		env.Priority = "urgent"
		assert.Error(t, env.Validate())
	})

	t.Run("empty priority tolerated pre-validation", func(t *testing.T) {
		env := validEnvelope()
		env.Priority = ""
		assert.NoError(t, env.Validate())
	})

	t.Run("bad correlation_id", func(t *testing.T) {
		env := validEnvelope()
		env.CorrelationID = "not-a-uuid"
		assert.Error(t, env.Validate())
	})
}

func TestEnvelope_SchemaKey(t *testing.T) {
	env := validEnvelope()
	assert.Equal(t, "orders", env.Domain())
	assert.Equal(t, "created", env.Action())
	assert.Equal(t, "events/orders/created-v1", env.SchemaKey())
}
