//go:build unit

package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/events"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu          sync.Mutex
	created     []*outbox.Message
	createdInTx []*outbox.Message
	createErr   error
	inTxErr     error
}

func (writer *fakeWriter) Create(_ context.Context, message *outbox.Message) error {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	if writer.createErr != nil {
		return writer.createErr
	}

	writer.created = append(writer.created, message)

	return nil
}

func (writer *fakeWriter) CreateInTx(_ context.Context, _ *sql.Tx, message *outbox.Message) error {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	if writer.inTxErr != nil {
		return writer.inTxErr
	}

	writer.createdInTx = append(writer.createdInTx, message)

	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]int
	failures map[uuid.UUID]int // fail the first N attempts for this envelope
	err      error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		attempts: make(map[uuid.UUID]int),
		failures: make(map[uuid.UUID]int),
		err:      errors.New("broker unavailable"),
	}
}

func (publisher *fakePublisher) Publish(_ context.Context, envelope events.Envelope) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	publisher.attempts[envelope.ID]++

	if publisher.attempts[envelope.ID] <= publisher.failures[envelope.ID] {
		return publisher.err
	}

	return nil
}

func (publisher *fakePublisher) attemptCount(id uuid.UUID) int {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	return publisher.attempts[id]
}

// fakeUnit satisfies unitofwork.UnitOfWork with just enough behavior for the
// dispatcher, which only ever asks it for the SQL transaction.
type fakeUnit struct {
	id    uuid.UUID
	hasTx bool
}

func (uow *fakeUnit) ID() uuid.UUID                      { return uow.id }
func (uow *fakeUnit) Initialize(context.Context) error   { return nil }
func (uow *fakeUnit) Commit(context.Context) error       { return nil }
func (uow *fakeUnit) Rollback(context.Context)           {}
func (uow *fakeUnit) Abort()                             {}
func (uow *fakeUnit) Dispose(context.Context)            {}
func (uow *fakeUnit) EnqueueEvent(events.Envelope)       {}
func (uow *fakeUnit) SQLTx() (*sql.Tx, bool)             { return nil, uow.hasTx }
func (uow *fakeUnit) OnCompleted(unitofwork.Hook)        {}
func (uow *fakeUnit) OnFailed(unitofwork.FailureHook)    {}
func (uow *fakeUnit) OnDisposed(unitofwork.Hook)         {}

func dispatchEnvelope(t *testing.T, eventName string) events.Envelope {
	t.Helper()

	envelope, err := events.New(eventName, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	return envelope
}

func TestNewDispatcherRequiresWriter(t *testing.T) {
	_, err := NewDispatcher(nil)
	require.ErrorIs(t, err, ErrWriterRequired)
}

func TestNewDispatcherRequiresPublisherForDirectStrategy(t *testing.T) {
	_, err := NewDispatcher(&fakeWriter{}, WithStrategy(StrategyPublishThenFallback))
	require.ErrorIs(t, err, ErrPublisherRequired)
}

func TestNewDispatcherRejectsUnknownStrategy(t *testing.T) {
	_, err := NewDispatcher(&fakeWriter{}, WithStrategy(Strategy(9)))
	require.ErrorIs(t, err, ErrStrategyInvalid)
}

func TestBeforeCommitWritesThroughTransaction(t *testing.T) {
	writer := &fakeWriter{}

	dispatcher, err := NewDispatcher(writer)
	require.NoError(t, err)

	first := dispatchEnvelope(t, "account.created")
	second := dispatchEnvelope(t, "account.updated")

	uow := &fakeUnit{id: uuid.New(), hasTx: true}

	require.NoError(t, dispatcher.BeforeCommit(context.Background(), uow, []events.Envelope{first, second}))

	require.Len(t, writer.createdInTx, 2)
	require.Empty(t, writer.created)
	require.Equal(t, first.ID, writer.createdInTx[0].ID)
	require.Equal(t, "account.created", writer.createdInTx[0].EventName)
	require.Equal(t, second.ID, writer.createdInTx[1].ID)
}

func TestBeforeCommitFallsBackToDirectCreateWithoutTransaction(t *testing.T) {
	writer := &fakeWriter{}

	dispatcher, err := NewDispatcher(writer)
	require.NoError(t, err)

	envelope := dispatchEnvelope(t, "account.created")
	uow := &fakeUnit{id: uuid.New(), hasTx: false}

	require.NoError(t, dispatcher.BeforeCommit(context.Background(), uow, []events.Envelope{envelope}))

	require.Len(t, writer.created, 1)
	require.Empty(t, writer.createdInTx)
}

func TestBeforeCommitWriteFailureVetoes(t *testing.T) {
	writeErr := errors.New("constraint violation")
	writer := &fakeWriter{inTxErr: writeErr}

	dispatcher, err := NewDispatcher(writer)
	require.NoError(t, err)

	envelope := dispatchEnvelope(t, "account.created")
	uow := &fakeUnit{id: uuid.New(), hasTx: true}

	err = dispatcher.BeforeCommit(context.Background(), uow, []events.Envelope{envelope})
	require.ErrorIs(t, err, writeErr)
}

func TestBeforeCommitIsInertUnderDirectStrategy(t *testing.T) {
	writer := &fakeWriter{}

	dispatcher, err := NewDispatcher(writer,
		WithStrategy(StrategyPublishThenFallback),
		WithPublisher(newFakePublisher()),
	)
	require.NoError(t, err)

	envelope := dispatchEnvelope(t, "account.created")
	uow := &fakeUnit{id: uuid.New(), hasTx: true}

	require.NoError(t, dispatcher.BeforeCommit(context.Background(), uow, []events.Envelope{envelope}))
	require.Empty(t, writer.createdInTx)
	require.Empty(t, writer.created)
}

func TestAfterCommitIsInertUnderOutboxStrategy(t *testing.T) {
	writer := &fakeWriter{}

	dispatcher, err := NewDispatcher(writer)
	require.NoError(t, err)

	envelope := dispatchEnvelope(t, "account.created")

	require.NoError(t, dispatcher.AfterCommit(context.Background(), []events.Envelope{envelope}))
	require.Empty(t, writer.created)
}

func TestAfterCommitPublishesDirectly(t *testing.T) {
	writer := &fakeWriter{}
	publisher := newFakePublisher()

	dispatcher, err := NewDispatcher(writer,
		WithStrategy(StrategyPublishThenFallback),
		WithPublisher(publisher),
	)
	require.NoError(t, err)

	first := dispatchEnvelope(t, "account.created")
	second := dispatchEnvelope(t, "account.updated")

	require.NoError(t, dispatcher.AfterCommit(context.Background(), []events.Envelope{first, second}))

	require.Equal(t, 1, publisher.attemptCount(first.ID))
	require.Equal(t, 1, publisher.attemptCount(second.ID))
	require.Empty(t, writer.created)
}

func TestAfterCommitRetriesTransientPublishFailures(t *testing.T) {
	writer := &fakeWriter{}
	publisher := newFakePublisher()

	dispatcher, err := NewDispatcher(writer,
		WithStrategy(StrategyPublishThenFallback),
		WithPublisher(publisher),
		WithPublishRetry(3, time.Millisecond),
	)
	require.NoError(t, err)

	envelope := dispatchEnvelope(t, "account.created")
	publisher.failures[envelope.ID] = 2

	require.NoError(t, dispatcher.AfterCommit(context.Background(), []events.Envelope{envelope}))

	require.Equal(t, 3, publisher.attemptCount(envelope.ID))
	require.Empty(t, writer.created)
}

func TestAfterCommitPersistsRefusedEnvelopes(t *testing.T) {
	writer := &fakeWriter{}
	publisher := newFakePublisher()

	dispatcher, err := NewDispatcher(writer,
		WithStrategy(StrategyPublishThenFallback),
		WithPublisher(publisher),
		WithPublishRetry(2, time.Millisecond),
	)
	require.NoError(t, err)

	refused := dispatchEnvelope(t, "account.created")
	delivered := dispatchEnvelope(t, "account.updated")
	publisher.failures[refused.ID] = 2 // exhausts both attempts

	require.NoError(t, dispatcher.AfterCommit(context.Background(), []events.Envelope{refused, delivered}))

	require.Len(t, writer.created, 1)
	require.Equal(t, refused.ID, writer.created[0].ID)
}

func TestAfterCommitReportsLostEnvelopes(t *testing.T) {
	writeErr := errors.New("outbox table gone")
	writer := &fakeWriter{createErr: writeErr}
	publisher := newFakePublisher()

	dispatcher, err := NewDispatcher(writer,
		WithStrategy(StrategyPublishThenFallback),
		WithPublisher(publisher),
		WithPublishRetry(1, time.Millisecond),
	)
	require.NoError(t, err)

	envelope := dispatchEnvelope(t, "account.created")
	publisher.failures[envelope.ID] = 1

	err = dispatcher.AfterCommit(context.Background(), []events.Envelope{envelope})
	require.Error(t, err)

	var fallbackErr *FallbackError
	require.ErrorAs(t, err, &fallbackErr)
	require.Len(t, fallbackErr.Failures, 1)
	require.Equal(t, envelope.ID, fallbackErr.Failures[0].EnvelopeID)
	require.Equal(t, "account.created", fallbackErr.Failures[0].EventName)
	require.ErrorIs(t, err, writeErr)
}

var _ unitofwork.UnitOfWork = (*fakeUnit)(nil)
