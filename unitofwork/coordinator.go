package unitofwork

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/events"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/runtime"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Hook runs after a lifecycle transition. Hooks must not retain the context
// past their own execution.
type Hook func(ctx context.Context)

// FailureHook runs after a rollback that could not undo every source. The
// slice holds one entry per source whose rollback failed; reconciliation
// tooling hangs off this callback.
type FailureHook func(ctx context.Context, failures []SourceError)

// Dispatcher participates in the commit sequence of a unit of work.
// BeforeCommit runs with every handle still open, so implementations can
// write into the pending transactions; a non-nil error vetoes the commit.
// AfterCommit runs once all handles committed; its error surfaces to the
// caller even though the business mutation is already durable, because it can
// mean events were neither published nor persisted.
type Dispatcher interface {
	BeforeCommit(ctx context.Context, uow UnitOfWork, envelopes []events.Envelope) error
	AfterCommit(ctx context.Context, envelopes []events.Envelope) error
}

// UnitOfWork is one logical unit of work spanning every registered
// transaction source. Implementations are not safe for concurrent use; a
// unit of work belongs to a single request flow.
type UnitOfWork interface {
	// ID identifies this unit of work in logs and traces.
	ID() uuid.UUID
	// Initialize opens a transaction handle on every source, atomically:
	// either all handles open or none remain open.
	Initialize(ctx context.Context) error
	// Commit commits every handle in source registration order. On the
	// first failure it rolls back all handles best-effort and returns a
	// *CommitError. When every source committed but post-commit event
	// dispatch failed, the dispatch error is returned with the unit already
	// completed.
	Commit(ctx context.Context) error
	// Rollback undoes every handle in reverse registration order. It keeps
	// going past per-source failures; those surface through OnFailed hooks
	// and metrics rather than a return value.
	Rollback(ctx context.Context)
	// Abort vetoes the unit of work: a later Commit fails without touching
	// any source. Nested shared scopes use this to poison the root.
	Abort()
	// Dispose releases the unit of work. A not-yet-committed unit rolls
	// back. Dispose is idempotent.
	Dispose(ctx context.Context)
	// EnqueueEvent buffers an event envelope for dispatch around commit.
	EnqueueEvent(envelope events.Envelope)
	// SQLTx returns the first open database/sql transaction among the
	// handles, for components that must join it (outbox writes).
	SQLTx() (*sql.Tx, bool)

	OnCompleted(hook Hook)
	OnFailed(hook FailureHook)
	OnDisposed(hook Hook)
}

// coordinator is the root UnitOfWork implementation. It owns one
// TransactionHandle per registered source and sequences commit, rollback and
// event dispatch across them. There is no two-phase commit: commit is
// ordered and a late failure is answered with best-effort rollback of
// everything, including already-committed sources where the engine allows.
type coordinator struct {
	id      uuid.UUID
	opts    Options
	sources []TransactionSource
	handles []TransactionHandle

	dispatcher Dispatcher
	logger     log.Logger
	tracer     trace.Tracer
	metrics    coordinatorMetrics

	mu          sync.Mutex
	initialized bool
	completed   bool
	aborted     bool
	disposed    bool

	onCompleted []Hook
	onFailed    []FailureHook
	onDisposed  []Hook
}

func newCoordinator(manager *Manager, opts Options) *coordinator {
	return &coordinator{
		id:         uuid.New(),
		opts:       opts,
		sources:    manager.sources,
		dispatcher: manager.dispatcher,
		logger:     manager.logger,
		tracer:     manager.tracerOrNoop(),
		metrics:    manager.metrics,
	}
}

func (uow *coordinator) ID() uuid.UUID {
	return uow.id
}

// Initialize opens a handle on every source in registration order. When any
// source fails, the handles opened so far are rolled back and the unit of
// work stays uninitialized.
func (uow *coordinator) Initialize(ctx context.Context) error {
	uow.mu.Lock()
	defer uow.mu.Unlock()

	if uow.disposed {
		return ErrDisposed
	}

	if uow.initialized {
		return ErrAlreadyInitialized
	}

	ctx, span := uow.tracer.Start(ctx, "unitofwork.initialize",
		trace.WithAttributes(
			attribute.String("unitofwork.id", uow.id.String()),
			attribute.Int("unitofwork.sources", len(uow.sources)),
			attribute.Bool("unitofwork.transactional", uow.opts.Transactional),
		))
	defer span.End()

	beginOpts := BeginOptions{
		Transactional: uow.opts.Transactional,
		Isolation:     uow.opts.Isolation,
	}

	handles := make([]TransactionHandle, 0, len(uow.sources))

	for _, source := range uow.sources {
		handle, err := source.Begin(ctx, beginOpts)
		if err != nil {
			for i := len(handles) - 1; i >= 0; i-- {
				if rbErr := handles[i].Rollback(ctx); rbErr != nil {
					log.SafeError(uow.logger, ctx, "rollback during failed initialize", rbErr,
						log.String("unitofwork_id", uow.id.String()),
						log.String("source", uow.sources[i].Name()))
				}
			}

			span.RecordError(err)
			span.SetStatus(codes.Error, "initialize failed")

			return &SourceError{Source: source.Name(), Op: "begin", Err: err}
		}

		handles = append(handles, handle)
	}

	uow.handles = handles
	uow.initialized = true

	return nil
}

// EnqueueEvent buffers the envelope on the first handle. All handles feed the
// same dedicated envelope set at commit, so the choice of handle is
// immaterial; the first keeps enqueue order stable.
func (uow *coordinator) EnqueueEvent(envelope events.Envelope) {
	uow.mu.Lock()
	defer uow.mu.Unlock()

	if !uow.initialized || uow.disposed || len(uow.handles) == 0 {
		return
	}

	uow.handles[0].EnqueueEvent(envelope)
}

func (uow *coordinator) Abort() {
	uow.mu.Lock()
	defer uow.mu.Unlock()

	uow.aborted = true
}

// Commit drives the full commit sequence: dispatcher pre-commit, ordered
// source commits, completion hooks, dispatcher post-commit. An aborted unit
// fails before any source is touched. The mutex only guards state
// transitions; dispatcher callbacks and source commits run unlocked so the
// dispatcher can call back into the unit of work, SQLTx in particular.
func (uow *coordinator) Commit(ctx context.Context) error {
	uow.mu.Lock()

	if uow.disposed {
		uow.mu.Unlock()

		return ErrDisposed
	}

	// Aborted is checked ahead of completed: the abort rollback marks the
	// unit completed, and a retried Commit must keep failing, not report
	// success.
	if uow.aborted {
		defer uow.mu.Unlock()

		_, span := uow.tracer.Start(ctx, "unitofwork.commit",
			trace.WithAttributes(attribute.String("unitofwork.id", uow.id.String())))
		defer span.End()

		span.SetStatus(codes.Error, "aborted")
		uow.rollbackLocked(ctx)

		return ErrCoordinationAborted
	}

	if uow.completed {
		uow.mu.Unlock()

		return nil
	}

	if !uow.initialized {
		uow.mu.Unlock()

		return ErrNotInitialized
	}

	handles := uow.handles
	envelopes := uow.collectEnvelopesLocked()
	uow.mu.Unlock()

	ctx, span := uow.tracer.Start(ctx, "unitofwork.commit",
		trace.WithAttributes(
			attribute.String("unitofwork.id", uow.id.String()),
			attribute.Int("unitofwork.sources", len(handles)),
		))
	defer span.End()

	if uow.dispatcher != nil {
		if err := uow.dispatcher.BeforeCommit(ctx, uow, envelopes); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dispatch before commit failed")
			uow.Rollback(ctx)

			return err
		}
	}

	for i, handle := range handles {
		var err error
		if uow.opts.Transactional {
			err = handle.Commit(ctx)
		} else {
			err = handle.Save(ctx)
		}

		if err != nil {
			commitErr := &CommitError{Source: uow.sources[i].Name(), Index: i, Err: err}

			span.RecordError(commitErr)
			span.SetStatus(codes.Error, "commit failed")
			log.SafeError(uow.logger, ctx, "unit of work commit failed", commitErr,
				log.String("unitofwork_id", uow.id.String()),
				log.String("source", commitErr.Source),
				log.Int("source_index", i))

			uow.Rollback(ctx)

			return commitErr
		}
	}

	uow.mu.Lock()
	uow.completed = true
	completedHooks := append([]Hook(nil), uow.onCompleted...)
	uow.mu.Unlock()

	uow.metrics.commits.Add(ctx, 1)

	uow.runHooks(ctx, completedHooks, "completed")

	if uow.dispatcher != nil && len(envelopes) > 0 {
		if err := uow.dispatcher.AfterCommit(ctx, envelopes); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dispatch after commit failed")
			log.SafeError(uow.logger, ctx, "post-commit event dispatch failed", err,
				log.String("unitofwork_id", uow.id.String()),
				log.Int("event_count", len(envelopes)))

			// The business mutation is durable; the caller still has to learn
			// that delivery failed, because under publish-then-fallback this
			// can mean the events are lost.
			return fmt.Errorf("dispatch events after commit: %w", err)
		}
	}

	return nil
}

// Rollback undoes every handle in reverse registration order, continuing past
// individual failures. Sources that fail to roll back leave a residual
// inconsistency window; that is reported, not returned.
func (uow *coordinator) Rollback(ctx context.Context) {
	uow.mu.Lock()
	defer uow.mu.Unlock()

	if uow.disposed || uow.completed || !uow.initialized {
		return
	}

	ctx, span := uow.tracer.Start(ctx, "unitofwork.rollback",
		trace.WithAttributes(attribute.String("unitofwork.id", uow.id.String())))
	defer span.End()

	uow.rollbackLocked(ctx)
}

// rollbackLocked rolls back all handles in reverse order. Callers hold uow.mu.
func (uow *coordinator) rollbackLocked(ctx context.Context) {
	if uow.completed || len(uow.handles) == 0 {
		return
	}

	var failures []SourceError

	for i := len(uow.handles) - 1; i >= 0; i-- {
		if err := uow.handles[i].Rollback(ctx); err != nil {
			sourceName := uow.sources[i].Name()
			failures = append(failures, SourceError{Source: sourceName, Op: "rollback", Err: err})

			log.SafeError(uow.logger, ctx, "unit of work rollback failed on source", err,
				log.String("unitofwork_id", uow.id.String()),
				log.String("source", sourceName))
		}
	}

	uow.completed = true
	uow.metrics.rollbacks.Add(ctx, 1)

	if len(failures) > 0 {
		uow.metrics.partialRollbacks.Add(ctx, int64(len(failures)))

		for _, hook := range uow.onFailed {
			failureHook := hook

			_ = runtime.Call(ctx, uow.logger, "unitofwork", "failure_hook", func() error {
				failureHook(ctx, failures)

				return nil
			})
		}
	}
}

// Dispose releases the unit of work. If it never completed, the pending
// handles are rolled back first. Safe to call more than once and safe to
// defer immediately after Begin.
func (uow *coordinator) Dispose(ctx context.Context) {
	uow.mu.Lock()
	defer uow.mu.Unlock()

	if uow.disposed {
		return
	}

	if uow.initialized && !uow.completed {
		uow.rollbackLocked(ctx)
	}

	uow.disposed = true

	uow.runHooks(ctx, uow.onDisposed, "disposed")
}

// SQLTx scans the handles for the first one backed by database/sql and
// returns its open transaction.
func (uow *coordinator) SQLTx() (*sql.Tx, bool) {
	uow.mu.Lock()
	defer uow.mu.Unlock()

	for _, handle := range uow.handles {
		sqlHandle, ok := handle.(SQLTransaction)
		if !ok {
			continue
		}

		tx := sqlHandle.Tx()
		if tx == nil {
			continue
		}

		return tx, true
	}

	return nil, false
}

func (uow *coordinator) OnCompleted(hook Hook) {
	if hook == nil {
		return
	}

	uow.mu.Lock()
	defer uow.mu.Unlock()

	uow.onCompleted = append(uow.onCompleted, hook)
}

func (uow *coordinator) OnFailed(hook FailureHook) {
	if hook == nil {
		return
	}

	uow.mu.Lock()
	defer uow.mu.Unlock()

	uow.onFailed = append(uow.onFailed, hook)
}

func (uow *coordinator) OnDisposed(hook Hook) {
	if hook == nil {
		return
	}

	uow.mu.Lock()
	defer uow.mu.Unlock()

	uow.onDisposed = append(uow.onDisposed, hook)
}

// collectEnvelopesLocked gathers pending events from every handle into one
// deduplicated, enqueue-ordered slice. Callers hold uow.mu.
func (uow *coordinator) collectEnvelopesLocked() []events.Envelope {
	var set events.Set

	for _, handle := range uow.handles {
		set.AddAll(handle.PendingEvents())
	}

	return set.Items()
}

// runHooks invokes lifecycle hooks, recovering panics so a misbehaving hook
// cannot unwind the commit path.
func (uow *coordinator) runHooks(ctx context.Context, hooks []Hook, stage string) {
	for _, hook := range hooks {
		lifecycleHook := hook

		_ = runtime.Call(ctx, uow.logger, "unitofwork", stage+"_hook", func() error {
			lifecycleHook(ctx)

			return nil
		})
	}
}

// noopCoordinator backs ScopeDisabled. Every operation succeeds without
// touching any source; events are silently dropped.
type noopCoordinator struct {
	id uuid.UUID
}

func newNoopCoordinator() *noopCoordinator {
	return &noopCoordinator{id: uuid.New()}
}

func (uow *noopCoordinator) ID() uuid.UUID                    { return uow.id }
func (uow *noopCoordinator) Initialize(context.Context) error { return nil }
func (uow *noopCoordinator) Commit(context.Context) error     { return nil }
func (uow *noopCoordinator) Rollback(context.Context)         {}
func (uow *noopCoordinator) Abort()                           {}
func (uow *noopCoordinator) Dispose(context.Context)          {}
func (uow *noopCoordinator) EnqueueEvent(events.Envelope)     {}
func (uow *noopCoordinator) SQLTx() (*sql.Tx, bool)           { return nil, false }
func (uow *noopCoordinator) OnCompleted(Hook)                 {}
func (uow *noopCoordinator) OnFailed(FailureHook)             {}
func (uow *noopCoordinator) OnDisposed(Hook)                  {}

// childCoordinator is the shared-scope view over an ambient root. Lifecycle
// calls are inert because the root owns commit and rollback; Abort vetoes the
// root so an inner failure fails the whole coordination.
type childCoordinator struct {
	root UnitOfWork
}

func newChildCoordinator(root UnitOfWork) *childCoordinator {
	return &childCoordinator{root: root}
}

func (uow *childCoordinator) ID() uuid.UUID { return uow.root.ID() }

func (uow *childCoordinator) Initialize(context.Context) error { return nil }

// Commit on a child is a no-op: only the scope that opened the root commits.
func (uow *childCoordinator) Commit(context.Context) error { return nil }

func (uow *childCoordinator) Rollback(context.Context) {}

func (uow *childCoordinator) Abort() { uow.root.Abort() }

func (uow *childCoordinator) Dispose(context.Context) {}

func (uow *childCoordinator) EnqueueEvent(envelope events.Envelope) {
	uow.root.EnqueueEvent(envelope)
}

func (uow *childCoordinator) SQLTx() (*sql.Tx, bool) { return uow.root.SQLTx() }

func (uow *childCoordinator) OnCompleted(hook Hook) { uow.root.OnCompleted(hook) }

func (uow *childCoordinator) OnFailed(hook FailureHook) { uow.root.OnFailed(hook) }

func (uow *childCoordinator) OnDisposed(hook Hook) { uow.root.OnDisposed(hook) }

var (
	_ UnitOfWork = (*coordinator)(nil)
	_ UnitOfWork = (*noopCoordinator)(nil)
	_ UnitOfWork = (*childCoordinator)(nil)
)
