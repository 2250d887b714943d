//go:build unit

package events

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsVersionAndRoutingKey(t *testing.T) {
	envelope, err := New("account.created", json.RawMessage(`{"id":"a-1"}`))
	require.NoError(t, err)

	require.NotEqual(t, uuid.Nil, envelope.ID)
	require.Equal(t, "account.created", envelope.EventName)
	require.Equal(t, 1, envelope.Version)
	require.Equal(t, "account.created.v1", envelope.RoutingKey)
}

func TestNewHonorsOptions(t *testing.T) {
	id := uuid.New()

	envelope, err := New("account.created", json.RawMessage(`{}`),
		WithID(id),
		WithVersion(3),
		WithRoutingKey("accounts.custom"),
	)
	require.NoError(t, err)

	require.Equal(t, id, envelope.ID)
	require.Equal(t, 3, envelope.Version)
	require.Equal(t, "accounts.custom", envelope.RoutingKey)
}

func TestNewRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		payload json.RawMessage
		opts    []Option
		wantErr error
	}{
		{
			name:    "empty event name",
			event:   "  ",
			payload: json.RawMessage(`{}`),
			wantErr: ErrEventNameRequired,
		},
		{
			name:    "empty payload",
			event:   "account.created",
			payload: nil,
			wantErr: ErrPayloadRequired,
		},
		{
			name:    "payload not json",
			event:   "account.created",
			payload: json.RawMessage(`{"broken"`),
			wantErr: ErrPayloadNotJSON,
		},
		{
			name:    "zero version",
			event:   "account.created",
			payload: json.RawMessage(`{}`),
			opts:    []Option{WithVersion(0)},
			wantErr: ErrEnvelopeVersionInvalid,
		},
		{
			name:    "routing key with control characters",
			event:   "account.created",
			payload: json.RawMessage(`{}`),
			opts:    []Option{WithRoutingKey("bad\nkey")},
			wantErr: ErrRoutingKeyControlChars,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.event, tc.payload, tc.opts...)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestNewRejectsOversizedPayload(t *testing.T) {
	huge := `{"data":"` + strings.Repeat("x", DefaultMaxPayloadBytes) + `"}`

	_, err := New("account.created", json.RawMessage(huge))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestNewCopiesPayload(t *testing.T) {
	payload := json.RawMessage(`{"id":"a-1"}`)

	envelope, err := New("account.created", payload)
	require.NoError(t, err)

	payload[2] = 'X'
	require.JSONEq(t, `{"id":"a-1"}`, string(envelope.Payload))
}

func TestEqualIsStructural(t *testing.T) {
	id := uuid.New()

	first, err := New("account.created", json.RawMessage(`{"id":"a-1"}`), WithID(id))
	require.NoError(t, err)

	second, err := New("account.created", json.RawMessage(`{"id":"a-1"}`), WithID(id))
	require.NoError(t, err)

	require.True(t, first.Equal(second))

	third, err := New("account.created", json.RawMessage(`{"id":"a-2"}`), WithID(id))
	require.NoError(t, err)

	require.False(t, first.Equal(third))
}

func TestSetDeduplicatesPreservingOrder(t *testing.T) {
	first, err := New("account.created", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	second, err := New("account.updated", json.RawMessage(`{"n":2}`))
	require.NoError(t, err)

	var set Set

	require.True(t, set.Add(first))
	require.True(t, set.Add(second))
	require.False(t, set.Add(first))

	require.Equal(t, 2, set.Len())

	items := set.Items()
	require.Len(t, items, 2)
	require.Equal(t, first.ID, items[0].ID)
	require.Equal(t, second.ID, items[1].ID)
}

func TestSetItemsReturnsCopy(t *testing.T) {
	envelope, err := New("account.created", json.RawMessage(`{}`))
	require.NoError(t, err)

	var set Set
	set.Add(envelope)

	items := set.Items()
	items[0].EventName = "mutated"

	require.Equal(t, "account.created", set.Items()[0].EventName)
}
