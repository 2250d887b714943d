//go:build unit

package inbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/events"
	"github.com/stretchr/testify/require"
)

func inboxEnvelope(t *testing.T, eventName string) events.Envelope {
	t.Helper()

	envelope, err := events.New(eventName, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	return envelope
}

func TestStorePendingIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	envelope := inboxEnvelope(t, "account.created")

	first, stored, err := repo.StorePending(context.Background(), envelope)
	require.NoError(t, err)
	require.True(t, stored)
	require.Equal(t, StatusPending, first.Status)

	// A duplicate delivery collapses into the existing row.
	second, stored, err := repo.StorePending(context.Background(), envelope)
	require.NoError(t, err)
	require.False(t, stored)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, repo.Len())
}

func TestHasProcessedTracksTerminalSuccess(t *testing.T) {
	repo := NewMemoryRepository()
	envelope := inboxEnvelope(t, "account.created")

	message, _, err := repo.StorePending(context.Background(), envelope)
	require.NoError(t, err)

	processed, err := repo.HasProcessed(context.Background(), message.ID)
	require.NoError(t, err)
	require.False(t, processed)

	leased, err := repo.LeaseBatch(context.Background(), "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	require.NoError(t, repo.MarkProcessed(context.Background(), message.ID, time.Now().UTC()))

	processed, err = repo.HasProcessed(context.Background(), message.ID)
	require.NoError(t, err)
	require.True(t, processed)
}

func TestLeaseBatchValidatesArguments(t *testing.T) {
	repo := NewMemoryRepository()

	_, err := repo.LeaseBatch(context.Background(), "  ", 10, time.Minute)
	require.ErrorIs(t, err, ErrWorkerIDRequired)

	_, err = repo.LeaseBatch(context.Background(), "worker-1", 0, time.Minute)
	require.ErrorIs(t, err, ErrLimitMustBePositive)

	_, err = repo.LeaseBatch(context.Background(), "worker-1", 10, 0)
	require.ErrorIs(t, err, ErrLeaseMustBePositive)
}

func TestLeaseBatchesAreDisjointAcrossWorkers(t *testing.T) {
	repo := NewMemoryRepository()

	_, _, err := repo.StorePending(context.Background(), inboxEnvelope(t, "account.created"))
	require.NoError(t, err)
	_, _, err = repo.StorePending(context.Background(), inboxEnvelope(t, "account.updated"))
	require.NoError(t, err)

	first, err := repo.LeaseBatch(context.Background(), "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, "worker-1", first[0].LockedBy)

	// Everything is under a live lease; a second worker gets nothing.
	second, err := repo.LeaseBatch(context.Background(), "worker-2", 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	repo := NewMemoryRepository()

	message, _, err := repo.StorePending(context.Background(), inboxEnvelope(t, "account.created"))
	require.NoError(t, err)

	leased, err := repo.LeaseBatch(context.Background(), "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	// Simulate worker-1 crashing past its lease.
	repo.ExpireLease(message.ID)

	reclaimed, err := repo.LeaseBatch(context.Background(), "worker-2", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, "worker-2", reclaimed[0].LockedBy)
	require.Equal(t, StatusProcessing, reclaimed[0].Status)
}

func TestScheduleRetryResetsLeaseAndGates(t *testing.T) {
	repo := NewMemoryRepository()

	message, _, err := repo.StorePending(context.Background(), inboxEnvelope(t, "account.created"))
	require.NoError(t, err)

	_, err = repo.LeaseBatch(context.Background(), "worker-1", 10, time.Minute)
	require.NoError(t, err)

	retryAt := time.Now().UTC().Add(time.Hour)
	require.NoError(t, repo.ScheduleRetry(context.Background(), message.ID, retryAt))

	stored, ok := repo.Get(message.ID)
	require.True(t, ok)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, 1, stored.RetryCount)
	require.Empty(t, stored.LockedBy)
	require.Nil(t, stored.LockedUntil)

	// The retry gate keeps the message out of the next lease.
	leased, err := repo.LeaseBatch(context.Background(), "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, leased)
}

func TestTerminalTransitionsAreFinal(t *testing.T) {
	repo := NewMemoryRepository()

	message, _, err := repo.StorePending(context.Background(), inboxEnvelope(t, "account.created"))
	require.NoError(t, err)

	_, err = repo.LeaseBatch(context.Background(), "worker-1", 10, time.Minute)
	require.NoError(t, err)

	require.NoError(t, repo.MarkProcessed(context.Background(), message.ID, time.Now().UTC()))

	require.ErrorIs(t, repo.MarkDiscarded(context.Background(), message.ID), ErrInvalidTransition)
	require.ErrorIs(t, repo.ScheduleRetry(context.Background(), message.ID, time.Now().UTC()), ErrInvalidTransition)
}

func TestMarkingUnleasedPendingDirectlyProcessedFails(t *testing.T) {
	repo := NewMemoryRepository()

	message, _, err := repo.StorePending(context.Background(), inboxEnvelope(t, "account.created"))
	require.NoError(t, err)

	// PENDING cannot jump straight to PROCESSED without a lease.
	require.ErrorIs(t, repo.MarkProcessed(context.Background(), message.ID, time.Now().UTC()), ErrInvalidTransition)
}

func TestDeleteProcessedBeforeSweepsTerminalRows(t *testing.T) {
	repo := NewMemoryRepository()

	old, _, err := repo.StorePending(context.Background(), inboxEnvelope(t, "account.created"))
	require.NoError(t, err)

	fresh, _, err := repo.StorePending(context.Background(), inboxEnvelope(t, "account.updated"))
	require.NoError(t, err)

	_, err = repo.LeaseBatch(context.Background(), "worker-1", 10, time.Minute)
	require.NoError(t, err)

	require.NoError(t, repo.MarkProcessed(context.Background(), old.ID, time.Now().UTC().Add(-48*time.Hour)))
	require.NoError(t, repo.MarkProcessed(context.Background(), fresh.ID, time.Now().UTC()))

	removed, err := repo.DeleteProcessedBefore(context.Background(), time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	_, ok := repo.Get(old.ID)
	require.False(t, ok)

	_, ok = repo.Get(fresh.ID)
	require.True(t, ok)
}
