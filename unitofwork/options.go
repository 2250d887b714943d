package unitofwork

import (
	"database/sql"
	"strings"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/internal/nilcheck"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Scope is the participation kind of a requested unit of work relative to an
// ambient one.
type Scope int

const (
	// ScopeShared joins the ambient unit of work when one exists, otherwise
	// it starts a new root. This is the default.
	ScopeShared Scope = iota
	// ScopeIsolated always starts a brand-new root, independent of any
	// ambient unit of work.
	ScopeIsolated
	// ScopeDisabled yields an inert unit of work; every operation is a no-op.
	ScopeDisabled
)

// String returns a human-readable scope name.
func (scope Scope) String() string {
	switch scope {
	case ScopeShared:
		return "shared"
	case ScopeIsolated:
		return "isolated"
	case ScopeDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Options holds the per-unit-of-work settings resolved at Begin time.
type Options struct {
	Scope         Scope
	Transactional bool
	Isolation     sql.IsolationLevel
}

// DefaultOptions returns shared participation with transactional semantics
// at the engine's default isolation level.
func DefaultOptions() Options {
	return Options{
		Scope:         ScopeShared,
		Transactional: true,
		Isolation:     sql.LevelDefault,
	}
}

// Option mutates unit-of-work options at Begin time.
type Option func(*Options)

// WithScope selects the participation kind.
func WithScope(scope Scope) Option {
	return func(opts *Options) {
		opts.Scope = scope
	}
}

// WithIsolation sets the isolation level for transactional handles.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(opts *Options) {
		opts.Isolation = level
	}
}

// WithoutTransaction opens handles with save-only semantics: no transaction
// is begun and commit only flushes. Use for read-heavy paths that still want
// event collection.
func WithoutTransaction() Option {
	return func(opts *Options) {
		opts.Transactional = false
	}
}

// ManagerOption configures a Manager at construction.
type ManagerOption func(*Manager)

// WithSources registers transaction sources in the given order. Commit order
// equals this registration order; rollback is the exact reverse.
func WithSources(sources ...TransactionSource) ManagerOption {
	return func(manager *Manager) {
		manager.pendingSources = append(manager.pendingSources, sources...)
	}
}

// WithDispatcher wires the domain event dispatcher invoked around commits.
func WithDispatcher(dispatcher Dispatcher) ManagerOption {
	return func(manager *Manager) {
		if nilcheck.Interface(dispatcher) {
			manager.dispatcher = nil

			return
		}

		manager.dispatcher = dispatcher
	}
}

// WithLogger sets the manager-wide logger.
func WithLogger(logger log.Logger) ManagerOption {
	return func(manager *Manager) {
		if nilcheck.Interface(logger) {
			return
		}

		manager.logger = logger
	}
}

// WithTracer sets the tracer used for commit/rollback spans.
func WithTracer(tracer trace.Tracer) ManagerOption {
	return func(manager *Manager) {
		if nilcheck.Interface(tracer) {
			return
		}

		manager.tracer = tracer
	}
}

// WithMeterProvider injects a custom meter provider for coordinator metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) ManagerOption {
	return func(manager *Manager) {
		if nilcheck.Interface(provider) {
			manager.meterProvider = nil

			return
		}

		manager.meterProvider = provider
	}
}

func validateSourceName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrSourceNameRequired
	}

	return nil
}
