package unitofwork

import (
	"context"
	"database/sql"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/events"
)

// BeginOptions carries the per-unit-of-work settings a source needs when
// opening a transaction handle.
type BeginOptions struct {
	// Transactional selects real transaction semantics. When false the
	// handle only flushes on Save and Commit/Rollback are inert.
	Transactional bool
	// Isolation is the requested isolation level for transactional handles.
	// sql.LevelDefault leaves the engine default in place.
	Isolation sql.IsolationLevel
}

// TransactionSource adapts one concrete transactional resource (a relational
// connection, an ORM session) behind a uniform begin contract.
type TransactionSource interface {
	// Name identifies the source; it must be unique within a manager and is
	// used in error and log output.
	Name() string
	Begin(ctx context.Context, opts BeginOptions) (TransactionHandle, error)
}

// TransactionHandle is one opened transaction owned by a coordinator. A
// handle also acts as the pending-event sink for the aggregates mutated
// through its source.
type TransactionHandle interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Save flushes buffered changes without ending the transaction.
	Save(ctx context.Context) error
	EnqueueEvent(envelope events.Envelope)
	PendingEvents() []events.Envelope
}

// SQLTransaction is implemented by handles backed by database/sql. The
// dispatcher uses it to locate the transaction that must carry the outbox
// writes, keeping them atomic with the business mutation.
type SQLTransaction interface {
	Tx() *sql.Tx
}

// CollectEvents drains an emitter's pending events into the ambient unit of
// work, if any. ORM persistence hooks call this after flushing tracked
// aggregates.
func CollectEvents(ctx context.Context, emitter events.Emitter) {
	if emitter == nil {
		return
	}

	uow, ok := FromContext(ctx)
	if !ok {
		return
	}

	for _, envelope := range emitter.PendingEvents() {
		uow.EnqueueEvent(envelope)
	}

	emitter.ClearPendingEvents()
}
