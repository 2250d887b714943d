package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/backoff"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/internal/nilcheck"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/lock"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/runtime"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Processor is the worker loop draining the inbox: it leases batches,
// routes each message to its handler and records the outcome. Several
// processors may compete over the same repository; leases keep their
// batches disjoint.
type Processor struct {
	repo     Repository
	registry *Registry
	manager  *unitofwork.Manager
	locker   lock.Locker
	logger   log.Logger
	tracer   trace.Tracer
	cfg      ProcessorConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	cycleWg    sync.WaitGroup

	metrics processorMetrics
}

// ProcessResult captures one lease-and-process cycle outcome.
type ProcessResult struct {
	Leased    int
	Processed int
	Retried   int
	Discarded int
}

// NewProcessor builds a processor over the given repository and handler
// registry.
func NewProcessor(repo Repository, registry *Registry, opts ...ProcessorOption) (*Processor, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if registry == nil {
		return nil, ErrRegistryRequired
	}

	processor := &Processor{
		repo:     repo,
		registry: registry,
		logger:   log.NewNop(),
		cfg:      DefaultProcessorConfig(),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(processor)
		}
	}

	processor.cfg.normalize()

	if processor.cfg.WorkerID == "" {
		processor.cfg.WorkerID = "inbox-worker-" + uuid.NewString()
	}

	if nilcheck.Interface(processor.tracer) {
		processor.tracer = noop.NewTracerProvider().Tracer("unitofwork.noop")
	}

	metrics, err := newProcessorMetrics(processor.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init inbox processor metrics: %w", err)
	}

	processor.metrics = metrics

	return processor, nil
}

// WorkerID returns the lease identity of this processor.
func (processor *Processor) WorkerID() string {
	return processor.cfg.WorkerID
}

// Run starts the processing loop until Stop is called or ctx is cancelled.
func (processor *Processor) Run(ctx context.Context) error {
	if processor == nil {
		return ErrProcessorRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)
	if !processor.registerRun(cancel) {
		cancel()

		return ErrProcessorRunning
	}

	defer processor.clearRun()
	defer runtime.Recover(runCtx, processor.logger, "inbox", "processor_run")

	processor.logger.Log(runCtx, log.LevelInfo, "inbox processor started",
		log.String("worker_id", processor.cfg.WorkerID),
		log.Duration("poll_interval", processor.cfg.PollInterval))
	defer processor.logger.Log(context.Background(), log.LevelInfo, "inbox processor stopped",
		log.String("worker_id", processor.cfg.WorkerID))

	ticker := time.NewTicker(processor.cfg.PollInterval)
	defer ticker.Stop()

	var cleanupTick <-chan time.Time

	if processor.cfg.CleanupInterval > 0 {
		cleanupTicker := time.NewTicker(processor.cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		cleanupTick = cleanupTicker.C
	}

	processor.runCycle(runCtx, "inbox.processor.initial_cycle")

	for {
		select {
		case <-processor.stop:
			return nil
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-processor.stop:
				return nil
			case <-runCtx.Done():
				return nil
			default:
			}

			processor.runCycle(runCtx, "inbox.processor.cycle")
		case <-cleanupTick:
			processor.runCleanup(runCtx)
		}
	}
}

func (processor *Processor) runCycle(ctx context.Context, spanName string) {
	processor.cycleWg.Add(1)
	defer processor.cycleWg.Done()

	cycleCtx, span := processor.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.Recover(cycleCtx, processor.logger, "inbox", "processor_cycle")

	result := processor.ProcessOnce(cycleCtx)
	span.SetAttributes(
		attribute.Int("inbox.cycle.leased", result.Leased),
		attribute.Int("inbox.cycle.processed", result.Processed),
		attribute.Int("inbox.cycle.retried", result.Retried),
		attribute.Int("inbox.cycle.discarded", result.Discarded),
	)
}

// Stop signals the processing loop to stop.
func (processor *Processor) Stop() {
	if processor == nil {
		return
	}

	processor.stopOnce.Do(func() {
		processor.runStateMu.Lock()
		cancel := processor.cancelFunc
		stop := processor.stop
		if stop == nil {
			stop = make(chan struct{})
			processor.stop = stop
		}
		processor.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the processor and waits for the in-flight cycle to finish.
// Messages still leased at shutdown are reclaimed by other workers once
// their lease expires.
func (processor *Processor) Shutdown(ctx context.Context) error {
	if processor == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	processor.Stop()

	done := make(chan struct{})

	runtime.SafeGo(ctx, processor.logger, "inbox", "processor_shutdown_wait", func() {
		processor.cycleWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("processor shutdown: %w", ctx.Err())
	}
}

// ProcessOnce runs a single lease-and-process cycle and returns its
// counters.
func (processor *Processor) ProcessOnce(ctx context.Context) ProcessResult {
	if processor == nil || processor.repo == nil || processor.registry == nil {
		return ProcessResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now().UTC()

	ctx, span := processor.tracer.Start(ctx, "inbox.process_once",
		trace.WithAttributes(attribute.String("inbox.worker_id", processor.cfg.WorkerID)))
	defer span.End()

	messages, err := processor.repo.LeaseBatch(ctx, processor.cfg.WorkerID, processor.cfg.BatchSize, processor.cfg.LeaseDuration)
	if err != nil {
		span.RecordError(err)
		log.SafeError(processor.logger, ctx, "failed to lease inbox batch", err,
			log.String("worker_id", processor.cfg.WorkerID))

		return ProcessResult{}
	}

	result := ProcessResult{Leased: len(messages)}

	processor.metrics.leased.Add(ctx, int64(len(messages)))

	for _, message := range messages {
		if ctx.Err() != nil {
			break
		}

		if message == nil {
			continue
		}

		switch processor.processMessage(ctx, message) {
		case outcomeProcessed:
			result.Processed++
		case outcomeRetried:
			result.Retried++
		case outcomeDiscarded:
			result.Discarded++
		}
	}

	processor.metrics.processed.Add(ctx, int64(result.Processed))
	processor.metrics.retried.Add(ctx, int64(result.Retried))
	processor.metrics.discarded.Add(ctx, int64(result.Discarded))
	processor.metrics.cycleLatency.Record(ctx, time.Since(start).Seconds())

	return result
}

type processOutcome int

const (
	outcomeProcessed processOutcome = iota
	outcomeRetried
	outcomeDiscarded
	outcomeSkipped
)

// processMessage runs the handler for one leased message and records the
// outcome. Handler panics surface as errors and follow the retry path.
func (processor *Processor) processMessage(ctx context.Context, message *Message) processOutcome {
	ctx, span := processor.tracer.Start(ctx, "inbox.process_message",
		trace.WithAttributes(
			attribute.String("inbox.message_id", message.ID),
			attribute.String("inbox.event_name", message.EventName),
			attribute.Int("inbox.retry_count", message.RetryCount),
		))
	defer span.End()

	handler, ok := processor.registry.Lookup(message.EventName)
	if !ok {
		processor.logger.Log(ctx, log.LevelWarn, "no handler for inbox message; discarding",
			log.String("message_id", message.ID),
			log.String("event_name", message.EventName))

		if err := processor.repo.MarkDiscarded(ctx, message.ID); err != nil {
			log.SafeError(processor.logger, ctx, "failed to discard unhandled inbox message", err,
				log.String("message_id", message.ID))

			return outcomeSkipped
		}

		return outcomeDiscarded
	}

	handleErr := runtime.Call(ctx, processor.logger, "inbox", "handle_message", func() error {
		return processor.runHandler(ctx, handler, message)
	})
	if handleErr == nil {
		if err := processor.repo.MarkProcessed(ctx, message.ID, time.Now().UTC()); err != nil {
			log.SafeError(processor.logger, ctx, "handler succeeded but failed to mark inbox message processed", err,
				log.String("message_id", message.ID))

			return outcomeSkipped
		}

		return outcomeProcessed
	}

	span.RecordError(handleErr)

	attempt := message.RetryCount + 1
	if attempt >= processor.cfg.MaxRetries {
		processor.logger.Log(ctx, log.LevelError, "inbox message exhausted retries; discarding",
			log.String("message_id", message.ID),
			log.String("event_name", message.EventName),
			log.Int("retry_count", attempt),
			log.Err(handleErr))

		if err := processor.repo.MarkDiscarded(ctx, message.ID); err != nil {
			log.SafeError(processor.logger, ctx, "failed to discard exhausted inbox message", err,
				log.String("message_id", message.ID))

			return outcomeSkipped
		}

		return outcomeDiscarded
	}

	exponent := message.RetryCount
	if exponent > processor.cfg.MaxBackoffExponent {
		exponent = processor.cfg.MaxBackoffExponent
	}

	nextRetryTime := time.Now().UTC().Add(backoff.ExponentialWithJitter(processor.cfg.RetryBackoff, exponent))

	if err := processor.repo.ScheduleRetry(ctx, message.ID, nextRetryTime); err != nil {
		log.SafeError(processor.logger, ctx, "failed to schedule inbox retry", err,
			log.String("message_id", message.ID))

		return outcomeSkipped
	}

	processor.logger.Log(ctx, log.LevelWarn, "inbox handler failed; retry scheduled",
		log.String("message_id", message.ID),
		log.String("event_name", message.EventName),
		log.Int("retry_count", attempt),
		log.Err(handleErr))

	return outcomeRetried
}

// runHandler executes the handler, inside its own isolated unit of work when
// a manager is configured.
func (processor *Processor) runHandler(ctx context.Context, handler Handler, message *Message) error {
	if processor.manager == nil {
		return handler(ctx, message)
	}

	return processor.manager.Execute(ctx, func(scopedCtx context.Context) error {
		return handler(scopedCtx, message)
	}, unitofwork.WithScope(unitofwork.ScopeIsolated))
}

// runCleanup sweeps terminal messages past retention under the cluster lock.
// A busy lock means another worker is sweeping; skip silently.
func (processor *Processor) runCleanup(ctx context.Context) {
	processor.cycleWg.Add(1)
	defer processor.cycleWg.Done()

	ctx, span := processor.tracer.Start(ctx, "inbox.processor.cleanup")
	defer span.End()
	defer runtime.Recover(ctx, processor.logger, "inbox", "processor_cleanup")

	if processor.locker != nil {
		unlocker, acquired, err := processor.locker.TryLock(ctx, processor.cfg.CleanupLockKey)
		if err != nil {
			span.RecordError(err)
			log.SafeError(processor.logger, ctx, "inbox cleanup lock attempt failed", err)

			return
		}

		if !acquired {
			processor.logger.Log(ctx, log.LevelDebug, "inbox cleanup lock busy; skipping sweep")

			return
		}

		defer func() {
			if err := unlocker.Unlock(ctx); err != nil {
				log.SafeError(processor.logger, ctx, "failed to release inbox cleanup lock", err)
			}
		}()
	}

	cutoff := time.Now().UTC().Add(-processor.cfg.RetentionPeriod)

	removed, err := processor.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		log.SafeError(processor.logger, ctx, "inbox retention sweep failed", err)

		return
	}

	processor.metrics.cleaned.Add(ctx, removed)
	span.SetAttributes(attribute.Int64("inbox.cleanup.removed", removed))

	if removed > 0 {
		processor.logger.Log(ctx, log.LevelInfo, "inbox retention sweep removed terminal messages",
			log.Int("removed", int(removed)))
	}
}

func (processor *Processor) registerRun(cancel context.CancelFunc) bool {
	processor.runStateMu.Lock()
	defer processor.runStateMu.Unlock()

	if processor.running {
		return false
	}

	if processor.stop == nil || isClosedSignal(processor.stop) {
		processor.stop = make(chan struct{})
		processor.stopOnce = sync.Once{}
	}

	processor.running = true
	processor.cancelFunc = cancel

	return true
}

func (processor *Processor) clearRun() {
	processor.runStateMu.Lock()
	defer processor.runStateMu.Unlock()

	processor.running = false
	processor.cancelFunc = nil
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
