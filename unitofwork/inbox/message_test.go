//go:build unit

package inbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/events"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusDiscarded, true},
		{StatusPending, StatusProcessed, false},
		{StatusProcessing, StatusPending, true},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusProcessed, true},
		{StatusProcessing, StatusDiscarded, true},
		{StatusProcessed, StatusPending, false},
		{StatusProcessed, StatusProcessing, false},
		{StatusDiscarded, StatusPending, false},
		{StatusDiscarded, StatusProcessed, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			require.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to))

			err := tc.from.ValidateTransition(tc.to)
			if tc.allowed {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestValidateTransitionRejectsUnknownStatus(t *testing.T) {
	require.ErrorIs(t, Status("BROKEN").ValidateTransition(StatusProcessed), ErrInvalidStatus)
	require.ErrorIs(t, StatusPending.ValidateTransition(Status("BROKEN")), ErrInvalidStatus)
}

func TestFromEnvelopeStartsPending(t *testing.T) {
	envelope, err := events.New("account.created", json.RawMessage(`{"id":"a-1"}`))
	require.NoError(t, err)

	message := FromEnvelope(envelope)

	require.Equal(t, envelope.ID.String(), message.ID)
	require.Equal(t, "account.created", message.EventName)
	require.Equal(t, StatusPending, message.Status)
	require.Zero(t, message.RetryCount)
	require.Nil(t, message.LockedUntil)
}

func TestLeasableHonorsRetryGateAndLease(t *testing.T) {
	now := time.Now().UTC()

	message := &Message{Status: StatusPending}
	require.True(t, message.Leasable(now))

	future := now.Add(time.Minute)
	message.NextRetryTime = &future
	require.False(t, message.Leasable(now))

	past := now.Add(-time.Minute)
	message.NextRetryTime = &past
	require.True(t, message.Leasable(now))

	// A live lease shields the message; an expired one exposes it again.
	message = &Message{Status: StatusProcessing, LockedUntil: &future}
	require.False(t, message.Leasable(now))
	require.False(t, message.LeaseExpired(now))

	message.LockedUntil = &past
	require.True(t, message.Leasable(now))
	require.True(t, message.LeaseExpired(now))

	// Terminal states never lease.
	require.False(t, (&Message{Status: StatusProcessed}).Leasable(now))
	require.False(t, (&Message{Status: StatusDiscarded}).Leasable(now))
}
