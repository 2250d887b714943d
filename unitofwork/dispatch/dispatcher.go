package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/backoff"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/events"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/internal/nilcheck"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/outbox"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Strategy selects how events leave the unit of work.
type Strategy int

const (
	// StrategyAlwaysOutbox writes every envelope into the outbox inside the
	// committing transaction. A separate relay delivers to the broker. This
	// is the durable default.
	StrategyAlwaysOutbox Strategy = iota
	// StrategyPublishThenFallback publishes directly to the broker after
	// commit and falls back to an outbox write for refused envelopes. Lower
	// latency, but a failed fallback risks event loss.
	StrategyPublishThenFallback
)

// String returns a human-readable strategy name.
func (strategy Strategy) String() string {
	switch strategy {
	case StrategyAlwaysOutbox:
		return "always_outbox"
	case StrategyPublishThenFallback:
		return "publish_then_fallback"
	default:
		return "unknown"
	}
}

// Publisher delivers one envelope to the broker, returning nil only once the
// broker accepted it.
type Publisher interface {
	Publish(ctx context.Context, envelope events.Envelope) error
}

// OutboxWriter persists outbox messages. outbox.Repository satisfies it.
type OutboxWriter interface {
	Create(ctx context.Context, message *outbox.Message) error
	CreateInTx(ctx context.Context, tx *sql.Tx, message *outbox.Message) error
}

const (
	defaultPublishAttempts = 3
	defaultPublishBackoff  = 100 * time.Millisecond
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStrategy selects the delivery strategy.
func WithStrategy(strategy Strategy) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.strategy = strategy
	}
}

// WithPublisher wires the broker publisher. Required for
// StrategyPublishThenFallback.
func WithPublisher(publisher Publisher) Option {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(publisher) {
			return
		}

		dispatcher.publisher = publisher
	}
}

// WithFallbackManager wires the unit of work manager used to open the
// isolated fallback transaction that persists refused envelopes. Without one
// the fallback writes through the repository's own transaction.
func WithFallbackManager(manager *unitofwork.Manager) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.fallback = manager
	}
}

// WithPublishRetry tunes the direct-publish retry loop.
func WithPublishRetry(attempts int, base time.Duration) Option {
	return func(dispatcher *Dispatcher) {
		if attempts > 0 {
			dispatcher.publishAttempts = attempts
		}

		if base > 0 {
			dispatcher.publishBackoff = base
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger log.Logger) Option {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(logger) {
			return
		}

		dispatcher.logger = logger
	}
}

// WithTracer sets the tracer for dispatch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(tracer) {
			return
		}

		dispatcher.tracer = tracer
	}
}

// Dispatcher implements unitofwork.Dispatcher over an outbox writer and an
// optional broker publisher.
type Dispatcher struct {
	strategy  Strategy
	writer    OutboxWriter
	publisher Publisher
	fallback  *unitofwork.Manager
	logger    log.Logger
	tracer    trace.Tracer

	publishAttempts int
	publishBackoff  time.Duration
}

// NewDispatcher builds a dispatcher over the given outbox writer.
func NewDispatcher(writer OutboxWriter, opts ...Option) (*Dispatcher, error) {
	if nilcheck.Interface(writer) {
		return nil, ErrWriterRequired
	}

	dispatcher := &Dispatcher{
		strategy:        StrategyAlwaysOutbox,
		writer:          writer,
		logger:          log.NewNop(),
		publishAttempts: defaultPublishAttempts,
		publishBackoff:  defaultPublishBackoff,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	if nilcheck.Interface(dispatcher.tracer) {
		dispatcher.tracer = noop.NewTracerProvider().Tracer("unitofwork.noop")
	}

	switch dispatcher.strategy {
	case StrategyAlwaysOutbox:
	case StrategyPublishThenFallback:
		if dispatcher.publisher == nil {
			return nil, ErrPublisherRequired
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrStrategyInvalid, int(dispatcher.strategy))
	}

	return dispatcher, nil
}

// BeforeCommit runs inside the commit sequence with every transaction handle
// still open. Under StrategyAlwaysOutbox it writes the envelopes into the
// outbox through the pending transaction, so a veto here rolls the whole
// unit of work back.
func (dispatcher *Dispatcher) BeforeCommit(ctx context.Context, uow unitofwork.UnitOfWork, envelopes []events.Envelope) error {
	if dispatcher.strategy != StrategyAlwaysOutbox || len(envelopes) == 0 {
		return nil
	}

	ctx, span := dispatcher.tracer.Start(ctx, "dispatch.before_commit",
		trace.WithAttributes(
			attribute.String("dispatch.strategy", dispatcher.strategy.String()),
			attribute.Int("dispatch.envelopes", len(envelopes)),
		))
	defer span.End()

	tx, ok := uow.SQLTx()

	for _, envelope := range envelopes {
		message := outbox.FromEnvelope(envelope)

		var err error
		if ok {
			err = dispatcher.writer.CreateInTx(ctx, tx, message)
		} else {
			// Save-only units have no transaction to join; the write still
			// lands before commit, only without shared atomicity.
			err = dispatcher.writer.Create(ctx, message)
		}

		if err != nil {
			span.RecordError(err)

			return fmt.Errorf("write outbox message %s: %w", envelope.ID, err)
		}
	}

	return nil
}

// AfterCommit runs once every source committed. Under
// StrategyPublishThenFallback it publishes the envelopes directly and
// persists refused ones through the outbox fallback; a *FallbackError means
// some envelopes are neither published nor persisted.
func (dispatcher *Dispatcher) AfterCommit(ctx context.Context, envelopes []events.Envelope) error {
	if dispatcher.strategy != StrategyPublishThenFallback || len(envelopes) == 0 {
		return nil
	}

	ctx, span := dispatcher.tracer.Start(ctx, "dispatch.after_commit",
		trace.WithAttributes(
			attribute.String("dispatch.strategy", dispatcher.strategy.String()),
			attribute.Int("dispatch.envelopes", len(envelopes)),
		))
	defer span.End()

	var refused []events.Envelope

	for _, envelope := range envelopes {
		if err := dispatcher.publishWithRetry(ctx, envelope); err != nil {
			dispatcher.logger.Log(ctx, log.LevelWarn, "direct publish failed; falling back to outbox",
				log.String("envelope_id", envelope.ID.String()),
				log.String("event_name", envelope.EventName),
				log.Err(err))

			refused = append(refused, envelope)
		}
	}

	if len(refused) == 0 {
		return nil
	}

	span.SetAttributes(attribute.Int("dispatch.refused", len(refused)))

	return dispatcher.persistFallback(ctx, refused)
}

func (dispatcher *Dispatcher) publishWithRetry(ctx context.Context, envelope events.Envelope) error {
	var lastErr error

	for attempt := 0; attempt < dispatcher.publishAttempts; attempt++ {
		err := dispatcher.publisher.Publish(ctx, envelope)
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("publish attempt %d/%d failed: %w", attempt+1, dispatcher.publishAttempts, err)

		if attempt == dispatcher.publishAttempts-1 {
			break
		}

		delay := backoff.ExponentialWithJitter(dispatcher.publishBackoff, attempt)
		if waitErr := backoff.SleepWithContext(ctx, delay); waitErr != nil {
			return fmt.Errorf("publish retry wait interrupted: %w", waitErr)
		}
	}

	return lastErr
}

// persistFallback writes refused envelopes into the outbox inside a fresh
// isolated unit of work, so the relay delivers them later. Envelopes that
// fail even here surface in the returned *FallbackError.
func (dispatcher *Dispatcher) persistFallback(ctx context.Context, refused []events.Envelope) error {
	var failures []EnvelopeFailure

	if dispatcher.fallback != nil {
		failures = dispatcher.persistFallbackInUnitOfWork(ctx, refused)
	} else {
		for _, envelope := range refused {
			if err := dispatcher.writer.Create(ctx, outbox.FromEnvelope(envelope)); err != nil {
				failures = append(failures, EnvelopeFailure{
					EnvelopeID: envelope.ID,
					EventName:  envelope.EventName,
					Err:        err,
				})
			}
		}
	}

	if len(failures) == 0 {
		return nil
	}

	return &FallbackError{Failures: failures}
}

func (dispatcher *Dispatcher) persistFallbackInUnitOfWork(ctx context.Context, refused []events.Envelope) []EnvelopeFailure {
	err := dispatcher.fallback.Execute(ctx, func(scopedCtx context.Context) error {
		uow, uowErr := unitofwork.Current(scopedCtx)
		if uowErr != nil {
			return uowErr
		}

		tx, ok := uow.SQLTx()
		if !ok {
			return ErrNoSQLTransaction
		}

		for _, envelope := range refused {
			if writeErr := dispatcher.writer.CreateInTx(scopedCtx, tx, outbox.FromEnvelope(envelope)); writeErr != nil {
				return fmt.Errorf("fallback outbox write %s: %w", envelope.ID, writeErr)
			}
		}

		return nil
	}, unitofwork.WithScope(unitofwork.ScopeIsolated))
	if err == nil {
		return nil
	}

	// The fallback transaction is all-or-nothing: one write error rolls the
	// whole batch back and every refused envelope stays unpersisted.
	failures := make([]EnvelopeFailure, 0, len(refused))
	for _, envelope := range refused {
		failures = append(failures, EnvelopeFailure{
			EnvelopeID: envelope.ID,
			EventName:  envelope.EventName,
			Err:        err,
		})
	}

	return failures
}

var _ unitofwork.Dispatcher = (*Dispatcher)(nil)
