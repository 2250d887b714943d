//go:build unit

package unitofwork

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/events"
	"github.com/stretchr/testify/require"
)

// callLog records cross-source call ordering.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (log *callLog) append(call string) {
	log.mu.Lock()
	defer log.mu.Unlock()

	log.calls = append(log.calls, call)
}

func (log *callLog) snapshot() []string {
	log.mu.Lock()
	defer log.mu.Unlock()

	return append([]string(nil), log.calls...)
}

type fakeHandle struct {
	name        string
	log         *callLog
	commitErr   error
	rollbackErr error

	mu      sync.Mutex
	pending []events.Envelope
}

func (handle *fakeHandle) Commit(context.Context) error {
	handle.log.append("commit:" + handle.name)

	return handle.commitErr
}

func (handle *fakeHandle) Rollback(context.Context) error {
	handle.log.append("rollback:" + handle.name)

	return handle.rollbackErr
}

func (handle *fakeHandle) Save(context.Context) error {
	handle.log.append("save:" + handle.name)

	return nil
}

func (handle *fakeHandle) EnqueueEvent(envelope events.Envelope) {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	handle.pending = append(handle.pending, envelope)
}

func (handle *fakeHandle) PendingEvents() []events.Envelope {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	return append([]events.Envelope(nil), handle.pending...)
}

type fakeSource struct {
	name        string
	log         *callLog
	beginErr    error
	commitErr   error
	rollbackErr error

	handle *fakeHandle
}

func (source *fakeSource) Name() string { return source.name }

func (source *fakeSource) Begin(context.Context, BeginOptions) (TransactionHandle, error) {
	source.log.append("begin:" + source.name)

	if source.beginErr != nil {
		return nil, source.beginErr
	}

	source.handle = &fakeHandle{
		name:        source.name,
		log:         source.log,
		commitErr:   source.commitErr,
		rollbackErr: source.rollbackErr,
	}

	return source.handle, nil
}

type recordingDispatcher struct {
	beforeErr error
	afterErr  error

	mu     sync.Mutex
	before [][]events.Envelope
	after  [][]events.Envelope
}

func (dispatcher *recordingDispatcher) BeforeCommit(_ context.Context, _ UnitOfWork, envelopes []events.Envelope) error {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()

	dispatcher.before = append(dispatcher.before, append([]events.Envelope(nil), envelopes...))

	return dispatcher.beforeErr
}

func (dispatcher *recordingDispatcher) AfterCommit(_ context.Context, envelopes []events.Envelope) error {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()

	dispatcher.after = append(dispatcher.after, append([]events.Envelope(nil), envelopes...))

	return dispatcher.afterErr
}

func newTestManager(t *testing.T, sources ...TransactionSource) *Manager {
	t.Helper()

	manager, err := NewManager(WithSources(sources...))
	require.NoError(t, err)

	return manager
}

func testEnvelope(t *testing.T, eventName string) events.Envelope {
	t.Helper()

	envelope, err := events.New(eventName, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	return envelope
}

func TestCommitRunsSourcesInRegistrationOrder(t *testing.T) {
	log := &callLog{}
	first := &fakeSource{name: "ledger", log: log}
	second := &fakeSource{name: "audit", log: log}

	manager := newTestManager(t, first, second)

	ctx, uow, err := manager.Begin(context.Background(), WithScope(ScopeIsolated))
	require.NoError(t, err)

	defer uow.Dispose(ctx)

	require.NoError(t, uow.Commit(ctx))
	require.Equal(t, []string{"begin:ledger", "begin:audit", "commit:ledger", "commit:audit"}, log.snapshot())
}

func TestCommitFailureRollsBackEverything(t *testing.T) {
	log := &callLog{}
	commitErr := errors.New("disk full")
	first := &fakeSource{name: "ledger", log: log}
	second := &fakeSource{name: "audit", log: log, commitErr: commitErr}

	manager := newTestManager(t, first, second)

	ctx, uow, err := manager.Begin(context.Background(), WithScope(ScopeIsolated))
	require.NoError(t, err)

	defer uow.Dispose(ctx)

	err = uow.Commit(ctx)
	require.Error(t, err)

	var asCommitErr *CommitError
	require.ErrorAs(t, err, &asCommitErr)
	require.Equal(t, "audit", asCommitErr.Source)
	require.Equal(t, 1, asCommitErr.Index)
	require.ErrorIs(t, err, commitErr)

	// Rollback runs in reverse order across every handle, including the one
	// whose commit already succeeded.
	require.Equal(t, []string{
		"begin:ledger", "begin:audit",
		"commit:ledger", "commit:audit",
		"rollback:audit", "rollback:ledger",
	}, log.snapshot())
}

func TestAbortedCommitTouchesNoSource(t *testing.T) {
	log := &callLog{}
	source := &fakeSource{name: "ledger", log: log}

	manager := newTestManager(t, source)

	ctx, uow, err := manager.Begin(context.Background(), WithScope(ScopeIsolated))
	require.NoError(t, err)

	defer uow.Dispose(ctx)

	uow.Abort()

	require.ErrorIs(t, uow.Commit(ctx), ErrCoordinationAborted)

	for _, call := range log.snapshot() {
		require.NotContains(t, call, "commit:")
	}
}

func TestAbortStaysFatalAcrossCommitRetries(t *testing.T) {
	log := &callLog{}
	source := &fakeSource{name: "ledger", log: log}

	manager := newTestManager(t, source)

	ctx, uow, err := manager.Begin(context.Background(), WithScope(ScopeIsolated))
	require.NoError(t, err)

	defer uow.Dispose(ctx)

	uow.Abort()

	// The first failing Commit rolls the handles back; the retry must keep
	// failing rather than report the rolled-back unit as committed.
	require.ErrorIs(t, uow.Commit(ctx), ErrCoordinationAborted)
	require.ErrorIs(t, uow.Commit(ctx), ErrCoordinationAborted)

	for _, call := range log.snapshot() {
		require.NotContains(t, call, "commit:")
	}
}

// txLookupDispatcher asks the committing unit of work for its SQL
// transaction, the way the outbox dispatcher does before writing envelopes.
type txLookupDispatcher struct {
	mu      sync.Mutex
	queried bool
}

func (dispatcher *txLookupDispatcher) BeforeCommit(_ context.Context, uow UnitOfWork, _ []events.Envelope) error {
	_, _ = uow.SQLTx()

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()

	dispatcher.queried = true

	return nil
}

func (dispatcher *txLookupDispatcher) AfterCommit(context.Context, []events.Envelope) error {
	return nil
}

func TestCommitAllowsDispatcherCallbacksIntoUnitOfWork(t *testing.T) {
	log := &callLog{}
	source := &fakeSource{name: "ledger", log: log}
	dispatcher := &txLookupDispatcher{}

	manager, err := NewManager(WithSources(source), WithDispatcher(dispatcher))
	require.NoError(t, err)

	ctx, uow, err := manager.Begin(context.Background(), WithScope(ScopeIsolated))
	require.NoError(t, err)

	defer uow.Dispose(ctx)

	uow.EnqueueEvent(testEnvelope(t, "account.created"))

	done := make(chan error, 1)

	go func() {
		done <- uow.Commit(ctx)
	}()

	select {
	case commitErr := <-done:
		require.NoError(t, commitErr)
	case <-time.After(2 * time.Second):
		t.Fatal("commit blocked on a dispatcher callback into the unit of work")
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()

	require.True(t, dispatcher.queried)
}

func TestCommitIsIdempotentAfterCompletion(t *testing.T) {
	log := &callLog{}
	source := &fakeSource{name: "ledger", log: log}

	manager := newTestManager(t, source)

	ctx, uow, err := manager.Begin(context.Background(), WithScope(ScopeIsolated))
	require.NoError(t, err)

	defer uow.Dispose(ctx)

	require.NoError(t, uow.Commit(ctx))
	require.NoError(t, uow.Commit(ctx))

	commits := 0

	for _, call := range log.snapshot() {
		if call == "commit:ledger" {
			commits++
		}
	}

	require.Equal(t, 1, commits)
}

func TestDisposeRollsBackUncommittedWork(t *testing.T) {
	log := &callLog{}
	source := &fakeSource{name: "ledger", log: log}

	manager := newTestManager(t, source)

	ctx, uow, err := manager.Begin(context.Background(), WithScope(ScopeIsolated))
	require.NoError(t, err)

	uow.Dispose(ctx)
	uow.Dispose(ctx)

	require.Equal(t, []string{"begin:ledger", "rollback:ledger"}, log.snapshot())

	require.ErrorIs(t, uow.Commit(ctx), ErrDisposed)
}

func TestDisposeAfterCommitDoesNotRollBack(t *testing.T) {
	log := &callLog{}
	source := &fakeSource{name: "ledger", log: log}

	manager := newTestManager(t, source)

	ctx, uow, err := manager.Begin(context.Background(), WithScope(ScopeIsolated))
	require.NoError(t, err)

	require.NoError(t, uow.Commit(ctx))

	uow.Dispose(ctx)

	for _, call := range log.snapshot() {
		require.NotContains(t, call, "rollback:")
	}
}

func TestInitializeFailureRollsBackOpenedHandles(t *testing.T) {
	log := &callLog{}
	beginErr := errors.New("connection refused")
	first := &fakeSource{name: "ledger", log: log}
	second := &fakeSource{name: "audit", log: log, beginErr: beginErr}

	manager := newTestManager(t, first, second)

	ctx, uow, err := manager.Begin(context.Background(), WithScope(ScopeIsolated))
	require.Error(t, err)
	require.ErrorIs(t, err, beginErr)
	require.NotNil(t, uow)

	var sourceErr *SourceError
	require.ErrorAs(t, err, &sourceErr)
	require.Equal(t, "audit", sourceErr.Source)

	require.Equal(t, []string{"begin:ledger", "begin:audit", "rollback:ledger"}, log.snapshot())

	// Dispose on a failed unit of work is safe.
	uow.Dispose(ctx)
}

func TestEventsAreDeduplicatedAcrossSources(t *testing.T) {
	log := &callLog{}
	first := &fakeSource{name: "ledger", log: log}
	second := &fakeSource{name: "audit", log: log}
	dispatcher := &recordingDispatcher{}

	manager, err := NewManager(WithSources(first, second), WithDispatcher(dispatcher))
	require.NoError(t, err)

	ctx, uow, err := manager.Begin(context.Background(), WithScope(ScopeIsolated))
	require.NoError(t, err)

	defer uow.Dispose(ctx)

	shared := testEnvelope(t, "account.created")
	other := testEnvelope(t, "account.updated")

	// The same envelope lands on both handles; only one copy may dispatch.
	first.handle.EnqueueEvent(shared)
	second.handle.EnqueueEvent(shared)
	second.handle.EnqueueEvent(other)

	require.NoError(t, uow.Commit(ctx))

	require.Len(t, dispatcher.before, 1)
	require.Len(t, dispatcher.before[0], 2)
	require.Equal(t, shared.ID, dispatcher.before[0][0].ID)
	require.Equal(t, other.ID, dispatcher.before[0][1].ID)
}

func TestBeforeCommitVetoRollsBack(t *testing.T) {
	log := &callLog{}
	source := &fakeSource{name: "ledger", log: log}
	vetoErr := errors.New("outbox write failed")
	dispatcher := &recordingDispatcher{beforeErr: vetoErr}

	manager, err := NewManager(WithSources(source), WithDispatcher(dispatcher))
	require.NoError(t, err)

	ctx, uow, err := manager.Begin(context.Background(), WithScope(ScopeIsolated))
	require.NoError(t, err)

	defer uow.Dispose(ctx)

	require.ErrorIs(t, uow.Commit(ctx), vetoErr)
	require.Equal(t, []string{"begin:ledger", "rollback:ledger"}, log.snapshot())
}

func TestAfterCommitFailureSurfacesWithoutRollback(t *testing.T) {
	log := &callLog{}
	source := &fakeSource{name: "ledger", log: log}
	afterErr := errors.New("broker down")
	dispatcher := &recordingDispatcher{afterErr: afterErr}

	manager, err := NewManager(WithSources(source), WithDispatcher(dispatcher))
	require.NoError(t, err)

	ctx, uow, err := manager.Begin(context.Background(), WithScope(ScopeIsolated))
	require.NoError(t, err)

	defer uow.Dispose(ctx)

	uow.EnqueueEvent(testEnvelope(t, "account.created"))

	require.ErrorIs(t, uow.Commit(ctx), afterErr)
	require.Len(t, dispatcher.after, 1)

	// The sources committed; the failure is post-commit delivery only.
	require.Contains(t, log.snapshot(), "commit:ledger")
	require.NotContains(t, log.snapshot(), "rollback:ledger")

	// The unit is complete: a retried Commit neither re-commits nor
	// re-dispatches.
	require.NoError(t, uow.Commit(ctx))
	require.Len(t, dispatcher.after, 1)
}

func TestLifecycleHooksRun(t *testing.T) {
	log := &callLog{}
	source := &fakeSource{name: "ledger", log: log}

	manager := newTestManager(t, source)

	ctx, uow, err := manager.Begin(context.Background(), WithScope(ScopeIsolated))
	require.NoError(t, err)

	var completed, disposed bool

	uow.OnCompleted(func(context.Context) { completed = true })
	uow.OnCompleted(func(context.Context) { panic("misbehaving hook") })
	uow.OnDisposed(func(context.Context) { disposed = true })

	require.NoError(t, uow.Commit(ctx))
	require.True(t, completed)

	uow.Dispose(ctx)
	require.True(t, disposed)
}

func TestFailureHooksReceiveRollbackFailures(t *testing.T) {
	log := &callLog{}
	rollbackErr := errors.New("rollback refused")
	first := &fakeSource{name: "ledger", log: log}
	second := &fakeSource{name: "audit", log: log, rollbackErr: rollbackErr}
	third := &fakeSource{name: "search", log: log}

	manager := newTestManager(t, first, second, third)

	ctx, uow, err := manager.Begin(context.Background(), WithScope(ScopeIsolated))
	require.NoError(t, err)

	var reported []SourceError

	uow.OnFailed(func(_ context.Context, failures []SourceError) {
		reported = append(reported, failures...)
	})

	uow.Rollback(ctx)

	require.Len(t, reported, 1)
	require.Equal(t, "audit", reported[0].Source)
	require.Equal(t, "rollback", reported[0].Op)
	require.ErrorIs(t, reported[0].Err, rollbackErr)

	// Rollback keeps going past the failed source: the other two still roll
	// back exactly once each.
	require.Equal(t, []string{
		"begin:ledger", "begin:audit", "begin:search",
		"rollback:search", "rollback:audit", "rollback:ledger",
	}, log.snapshot())
}

func TestNonTransactionalCommitSaves(t *testing.T) {
	log := &callLog{}
	source := &fakeSource{name: "ledger", log: log}

	manager := newTestManager(t, source)

	ctx, uow, err := manager.Begin(context.Background(), WithScope(ScopeIsolated), WithoutTransaction())
	require.NoError(t, err)

	defer uow.Dispose(ctx)

	require.NoError(t, uow.Commit(ctx))
	require.Contains(t, log.snapshot(), "save:ledger")
	require.NotContains(t, log.snapshot(), "commit:ledger")
}
