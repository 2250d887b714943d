package unitofwork

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/internal/nilcheck"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Manager owns the registered transaction sources and opens units of work.
// It resolves scope participation against the ambient unit of work carried
// in the context. A Manager is safe for concurrent use once constructed.
type Manager struct {
	pendingSources []TransactionSource
	sources        []TransactionSource
	sourceNames    map[string]struct{}

	dispatcher    Dispatcher
	logger        log.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	metrics       coordinatorMetrics
}

// NewManager builds a Manager from the given options. At least one
// transaction source must be registered, and source names must be unique.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	manager := &Manager{
		logger:      log.NewNop(),
		sourceNames: make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(manager)
	}

	if len(manager.pendingSources) == 0 {
		return nil, ErrNoSourcesRegistered
	}

	for _, source := range manager.pendingSources {
		if err := manager.register(source); err != nil {
			return nil, err
		}
	}

	manager.pendingSources = nil

	metrics, err := newCoordinatorMetrics(manager.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init unit of work metrics: %w", err)
	}

	manager.metrics = metrics

	return manager, nil
}

func (manager *Manager) register(source TransactionSource) error {
	if nilcheck.Interface(source) {
		return ErrSourceRequired
	}

	name := source.Name()
	if err := validateSourceName(name); err != nil {
		return err
	}

	if _, exists := manager.sourceNames[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, name)
	}

	manager.sourceNames[name] = struct{}{}
	manager.sources = append(manager.sources, source)

	return nil
}

// SourceNames returns the registered source names in registration order,
// which is also commit order.
func (manager *Manager) SourceNames() []string {
	names := make([]string, 0, len(manager.sources))
	for _, source := range manager.sources {
		names = append(names, source.Name())
	}

	return names
}

// Begin resolves scope participation and returns a unit of work together
// with a context carrying it as the new ambient. The caller must Dispose the
// returned unit of work even when err is non-nil; Dispose is always safe.
//
// Shared scope joins the ambient unit of work when one exists. The returned
// child forwards events and hooks to the root and vetoes it on Abort, but
// its own Commit, Rollback and Dispose are inert: the opener of the root
// completes it. Without an ambient, shared behaves like isolated.
//
// Isolated scope always opens a fresh root, even inside an ambient one.
//
// Disabled scope installs an inert unit of work; nested shared scopes under
// it join the inert one and therefore stay inert too.
//
//nolint:ireturn
func (manager *Manager) Begin(ctx context.Context, opts ...Option) (context.Context, UnitOfWork, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	switch options.Scope {
	case ScopeDisabled:
		uow := newNoopCoordinator()

		return ContextWithUnitOfWork(ctx, uow), uow, nil

	case ScopeShared:
		if ambient, ok := FromContext(ctx); ok {
			if _, inert := ambient.(*noopCoordinator); inert {
				return ctx, ambient, nil
			}

			child := newChildCoordinator(ambient)

			return ContextWithUnitOfWork(ctx, child), child, nil
		}

		return manager.beginRoot(ctx, options)

	case ScopeIsolated:
		return manager.beginRoot(ctx, options)

	default:
		return ctx, nil, fmt.Errorf("%w: %d", ErrScopeInvalid, int(options.Scope))
	}
}

func (manager *Manager) beginRoot(ctx context.Context, options Options) (context.Context, UnitOfWork, error) {
	root := newCoordinator(manager, options)

	if err := root.Initialize(ctx); err != nil {
		return ctx, root, fmt.Errorf("initialize unit of work: %w", err)
	}

	manager.logger.Log(ctx, log.LevelDebug, "unit of work opened",
		log.String("unitofwork_id", root.ID().String()),
		log.String("scope", options.Scope.String()),
		log.Bool("transactional", options.Transactional))

	return ContextWithUnitOfWork(ctx, root), root, nil
}

// Execute opens a unit of work, runs fn inside it and completes it: commit
// when fn returns nil, rollback otherwise. It is the convenience wrapper the
// vast majority of call sites want instead of the manual Begin sequence.
func (manager *Manager) Execute(ctx context.Context, fn func(ctx context.Context) error, opts ...Option) error {
	scopedCtx, uow, err := manager.Begin(ctx, opts...)
	if err != nil {
		if uow != nil {
			uow.Dispose(ctx)
		}

		return err
	}

	defer uow.Dispose(scopedCtx)

	if err := fn(scopedCtx); err != nil {
		uow.Rollback(scopedCtx)

		return err
	}

	return uow.Commit(scopedCtx)
}

func (manager *Manager) tracerOrNoop() trace.Tracer {
	if manager.tracer != nil {
		return manager.tracer
	}

	return noop.NewTracerProvider().Tracer("unitofwork")
}
