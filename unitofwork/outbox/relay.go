package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/backoff"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/events"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/internal/nilcheck"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/lock"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Publisher delivers one event envelope to the broker. Implementations must
// only return nil once the broker has accepted the message.
type Publisher interface {
	Publish(ctx context.Context, envelope events.Envelope) error
}

// Relay is the background loop that drains the outbox: it polls for due
// messages, publishes them and stamps the outcome. Delivery is
// at-least-once; publish happens before MarkProcessed, so consumers must be
// idempotent.
type Relay struct {
	repo      Repository
	publisher Publisher
	locker    lock.Locker
	logger    log.Logger
	tracer    trace.Tracer
	cfg       RelayConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	cycleWg    sync.WaitGroup

	metrics relayMetrics
}

// RelayResult captures one delivery cycle outcome.
type RelayResult struct {
	Loaded            int
	Delivered         int
	Failed            int
	StateUpdateFailed int
}

// NewRelay builds a relay over the given repository and publisher.
func NewRelay(repo Repository, publisher Publisher, opts ...RelayOption) (*Relay, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	relay := &Relay{
		repo:      repo,
		publisher: publisher,
		logger:    log.NewNop(),
		cfg:       DefaultRelayConfig(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(relay)
		}
	}

	relay.cfg.normalize()

	if nilcheck.Interface(relay.tracer) {
		relay.tracer = noop.NewTracerProvider().Tracer("unitofwork.noop")
	}

	metrics, err := newRelayMetrics(relay.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox relay metrics: %w", err)
	}

	relay.metrics = metrics

	return relay, nil
}

// Run starts the relay loop until Stop is called or ctx is cancelled.
func (relay *Relay) Run(ctx context.Context) error {
	if relay == nil {
		return ErrRelayRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)
	if !relay.registerRun(cancel) {
		cancel()

		return ErrRelayRunning
	}

	defer relay.clearRun()
	defer runtime.Recover(runCtx, relay.logger, "outbox", "relay_run")

	relay.logger.Log(runCtx, log.LevelInfo, "outbox relay started",
		log.Duration("poll_interval", relay.cfg.PollInterval))
	defer relay.logger.Log(context.Background(), log.LevelInfo, "outbox relay stopped")

	ticker := time.NewTicker(relay.cfg.PollInterval)
	defer ticker.Stop()

	var cleanupTick <-chan time.Time

	if relay.cfg.CleanupInterval > 0 {
		cleanupTicker := time.NewTicker(relay.cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		cleanupTick = cleanupTicker.C
	}

	relay.runCycle(runCtx, "outbox.relay.initial_cycle")

	for {
		select {
		case <-relay.stop:
			return nil
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-relay.stop:
				return nil
			case <-runCtx.Done():
				return nil
			default:
			}

			relay.runCycle(runCtx, "outbox.relay.cycle")
		case <-cleanupTick:
			relay.runCleanup(runCtx)
		}
	}
}

func (relay *Relay) runCycle(ctx context.Context, spanName string) {
	relay.cycleWg.Add(1)
	defer relay.cycleWg.Done()

	cycleCtx, span := relay.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.Recover(cycleCtx, relay.logger, "outbox", "relay_cycle")

	result := relay.RelayOnce(cycleCtx)
	span.SetAttributes(
		attribute.Int("outbox.relay.loaded", result.Loaded),
		attribute.Int("outbox.relay.delivered", result.Delivered),
		attribute.Int("outbox.relay.failed", result.Failed),
		attribute.Int("outbox.relay.state_update_failed", result.StateUpdateFailed),
	)
}

// Stop signals the relay loop to stop.
func (relay *Relay) Stop() {
	if relay == nil {
		return
	}

	relay.stopOnce.Do(func() {
		relay.runStateMu.Lock()
		cancel := relay.cancelFunc
		stop := relay.stop
		if stop == nil {
			stop = make(chan struct{})
			relay.stop = stop
		}
		relay.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the relay and waits for the in-flight cycle to finish.
func (relay *Relay) Shutdown(ctx context.Context) error {
	if relay == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	relay.Stop()

	done := make(chan struct{})

	runtime.SafeGo(ctx, relay.logger, "outbox", "relay_shutdown_wait", func() {
		relay.cycleWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// RelayOnce runs a single delivery cycle and returns its counters.
func (relay *Relay) RelayOnce(ctx context.Context) RelayResult {
	if relay == nil || relay.repo == nil || relay.publisher == nil {
		return RelayResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now().UTC()

	ctx, span := relay.tracer.Start(ctx, "outbox.relay_once")
	defer span.End()

	messages, err := relay.repo.ListUnprocessed(ctx, relay.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		log.SafeError(relay.logger, ctx, "failed to list unprocessed outbox messages", err)

		return RelayResult{}
	}

	result := RelayResult{Loaded: len(messages)}

	relay.metrics.queueDepth.Record(ctx, int64(len(messages)))

	for _, message := range messages {
		if ctx.Err() != nil {
			break
		}

		if message == nil {
			continue
		}

		if err := relay.publisher.Publish(ctx, message.Envelope()); err != nil {
			relay.recordFailure(ctx, message, err)

			result.Failed++

			continue
		}

		result.Delivered++

		if err := relay.repo.MarkProcessed(ctx, message.ID, time.Now().UTC()); err != nil {
			relay.logger.Log(ctx, log.LevelError,
				"outbox message published but failed to persist processed state; message may be redelivered",
				log.String("message_id", message.ID.String()),
				log.String("error", sanitizeErrorForStorage(err)))

			result.StateUpdateFailed++
		}
	}

	relay.metrics.delivered.Add(ctx, int64(result.Delivered))
	relay.metrics.failed.Add(ctx, int64(result.Failed))
	relay.metrics.stateFailed.Add(ctx, int64(result.StateUpdateFailed))
	relay.metrics.cycleLatency.Record(ctx, time.Since(start).Seconds())

	return result
}

// recordFailure schedules the next attempt with full-jitter exponential
// backoff keyed on the message's retry count.
func (relay *Relay) recordFailure(ctx context.Context, message *Message, publishErr error) {
	exponent := message.RetryCount
	if exponent > relay.cfg.MaxBackoffExponent {
		exponent = relay.cfg.MaxBackoffExponent
	}

	delay := backoff.ExponentialWithJitter(relay.cfg.RetryBackoff, exponent)
	nextRetryAt := time.Now().UTC().Add(delay)

	if err := relay.repo.RecordFailure(ctx, message.ID, sanitizeErrorForStorage(publishErr), nextRetryAt); err != nil {
		log.SafeError(relay.logger, ctx, "failed to record outbox publish failure", err,
			log.String("message_id", message.ID.String()))

		return
	}

	relay.logger.Log(ctx, log.LevelWarn, "outbox publish failed; rescheduled",
		log.String("message_id", message.ID.String()),
		log.String("event_name", message.EventName),
		log.Int("retry_count", message.RetryCount+1),
		log.String("error", sanitizeErrorForStorage(publishErr)))
}

// runCleanup sweeps delivered messages past retention. The sweep is
// serialized across replicas through the cluster lock; a busy lock is a
// normal skip.
func (relay *Relay) runCleanup(ctx context.Context) {
	relay.cycleWg.Add(1)
	defer relay.cycleWg.Done()

	ctx, span := relay.tracer.Start(ctx, "outbox.relay.cleanup")
	defer span.End()
	defer runtime.Recover(ctx, relay.logger, "outbox", "relay_cleanup")

	if relay.locker != nil {
		unlocker, acquired, err := relay.locker.TryLock(ctx, relay.cfg.CleanupLockKey)
		if err != nil {
			span.RecordError(err)
			log.SafeError(relay.logger, ctx, "outbox cleanup lock attempt failed", err)

			return
		}

		if !acquired {
			relay.logger.Log(ctx, log.LevelDebug, "outbox cleanup lock busy; skipping sweep")

			return
		}

		defer func() {
			if err := unlocker.Unlock(ctx); err != nil {
				log.SafeError(relay.logger, ctx, "failed to release outbox cleanup lock", err)
			}
		}()
	}

	cutoff := time.Now().UTC().Add(-relay.cfg.RetentionPeriod)

	removed, err := relay.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		log.SafeError(relay.logger, ctx, "outbox retention sweep failed", err)

		return
	}

	relay.metrics.cleaned.Add(ctx, removed)
	span.SetAttributes(attribute.Int64("outbox.cleanup.removed", removed))

	if removed > 0 {
		relay.logger.Log(ctx, log.LevelInfo, "outbox retention sweep removed delivered messages",
			log.Int("removed", int(removed)))
	}
}

func (relay *Relay) registerRun(cancel context.CancelFunc) bool {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	if relay.running {
		return false
	}

	if relay.stop == nil || isClosedSignal(relay.stop) {
		relay.stop = make(chan struct{})
		relay.stopOnce = sync.Once{}
	}

	relay.running = true
	relay.cancelFunc = cancel

	return true
}

func (relay *Relay) clearRun() {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	relay.running = false
	relay.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}
