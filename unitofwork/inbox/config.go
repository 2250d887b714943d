package inbox

import (
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/internal/nilcheck"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/lock"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPollInterval       = 2 * time.Second
	defaultBatchSize          = 50
	defaultLeaseDuration      = 30 * time.Second
	defaultMaxRetries         = 5
	defaultRetryBackoff       = 5 * time.Second
	defaultMaxBackoffExponent = 8
	defaultCleanupInterval    = time.Hour
	defaultRetentionPeriod    = 7 * 24 * time.Hour
	defaultCleanupLockKey     = "inbox:cleanup"
)

// ProcessorConfig controls the inbox processing loop.
type ProcessorConfig struct {
	// WorkerID identifies this processor instance in leases. Empty means a
	// random identity is generated at construction.
	WorkerID string
	// PollInterval is the delay between lease cycles.
	PollInterval time.Duration
	// BatchSize bounds how many messages one cycle leases.
	BatchSize int
	// LeaseDuration is how long a claimed message stays invisible to other
	// workers. It must comfortably exceed the slowest handler.
	LeaseDuration time.Duration
	// MaxRetries is the attempt budget before a failing message is
	// discarded.
	MaxRetries int
	// RetryBackoff is the base delay for the exponential retry gate.
	RetryBackoff time.Duration
	// MaxBackoffExponent caps the retry exponent.
	MaxBackoffExponent int
	// CleanupInterval is the delay between retention sweeps. Zero disables
	// cleanup.
	CleanupInterval time.Duration
	// RetentionPeriod is how long terminal messages are kept.
	RetentionPeriod time.Duration
	// CleanupLockKey names the cluster lock serializing sweeps.
	CleanupLockKey string
	// MeterProvider overrides the global OpenTelemetry meter provider.
	MeterProvider metric.MeterProvider
}

// DefaultProcessorConfig returns the production defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval:       defaultPollInterval,
		BatchSize:          defaultBatchSize,
		LeaseDuration:      defaultLeaseDuration,
		MaxRetries:         defaultMaxRetries,
		RetryBackoff:       defaultRetryBackoff,
		MaxBackoffExponent: defaultMaxBackoffExponent,
		CleanupInterval:    defaultCleanupInterval,
		RetentionPeriod:    defaultRetentionPeriod,
		CleanupLockKey:     defaultCleanupLockKey,
	}
}

func (cfg *ProcessorConfig) normalize() {
	defaults := DefaultProcessorConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaults.LeaseDuration
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}

	if cfg.MaxBackoffExponent <= 0 {
		cfg.MaxBackoffExponent = defaults.MaxBackoffExponent
	}

	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = defaults.RetentionPeriod
	}

	if cfg.CleanupLockKey == "" {
		cfg.CleanupLockKey = defaults.CleanupLockKey
	}
}

// ProcessorOption configures a Processor at construction.
type ProcessorOption func(*Processor)

// WithProcessorConfig replaces the whole configuration. Zero fields fall
// back to defaults.
func WithProcessorConfig(cfg ProcessorConfig) ProcessorOption {
	return func(processor *Processor) {
		processor.cfg = cfg
	}
}

// WithWorkerID fixes the lease identity instead of generating one.
func WithWorkerID(workerID string) ProcessorOption {
	return func(processor *Processor) {
		processor.cfg.WorkerID = workerID
	}
}

// WithUnitOfWorkManager makes each handler run inside its own isolated unit
// of work, so handler-side mutations commit or roll back atomically with
// their events.
func WithUnitOfWorkManager(manager *unitofwork.Manager) ProcessorOption {
	return func(processor *Processor) {
		processor.manager = manager
	}
}

// WithCleanupLocker wires the cluster lock guarding retention sweeps.
func WithCleanupLocker(locker lock.Locker) ProcessorOption {
	return func(processor *Processor) {
		if nilcheck.Interface(locker) {
			return
		}

		processor.locker = locker
	}
}

// WithProcessorLogger sets the processor logger.
func WithProcessorLogger(logger log.Logger) ProcessorOption {
	return func(processor *Processor) {
		if nilcheck.Interface(logger) {
			return
		}

		processor.logger = logger
	}
}

// WithProcessorTracer sets the tracer for processing spans.
func WithProcessorTracer(tracer trace.Tracer) ProcessorOption {
	return func(processor *Processor) {
		if nilcheck.Interface(tracer) {
			return
		}

		processor.tracer = tracer
	}
}

// WithProcessorMeterProvider overrides the meter provider for processor
// metrics.
func WithProcessorMeterProvider(provider metric.MeterProvider) ProcessorOption {
	return func(processor *Processor) {
		if nilcheck.Interface(provider) {
			return
		}

		processor.cfg.MeterProvider = provider
	}
}
