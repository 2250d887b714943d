package outbox

import (
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/internal/nilcheck"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/lock"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPollInterval       = 5 * time.Second
	defaultBatchSize          = 100
	defaultRetryBackoff       = 2 * time.Second
	defaultMaxBackoffExponent = 10
	defaultCleanupInterval    = time.Hour
	defaultRetentionPeriod    = 7 * 24 * time.Hour
	defaultCleanupLockKey     = "outbox:cleanup"
)

// RelayConfig controls the outbox relay loop.
type RelayConfig struct {
	// PollInterval is the delay between delivery cycles.
	PollInterval time.Duration
	// BatchSize bounds how many due messages one cycle loads.
	BatchSize int
	// RetryBackoff is the base delay for the exponential retry gate written
	// into NextRetryAt after a publish failure.
	RetryBackoff time.Duration
	// MaxBackoffExponent caps the retry exponent so long-failing messages
	// settle on a stable redelivery period instead of drifting to infinity.
	MaxBackoffExponent int
	// CleanupInterval is the delay between retention sweeps. Zero disables
	// cleanup.
	CleanupInterval time.Duration
	// RetentionPeriod is how long delivered messages are kept before a sweep
	// removes them.
	RetentionPeriod time.Duration
	// CleanupLockKey names the cluster lock serializing sweeps across relay
	// replicas.
	CleanupLockKey string
	// MeterProvider overrides the global OpenTelemetry meter provider.
	MeterProvider metric.MeterProvider
}

// DefaultRelayConfig returns the production defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:       defaultPollInterval,
		BatchSize:          defaultBatchSize,
		RetryBackoff:       defaultRetryBackoff,
		MaxBackoffExponent: defaultMaxBackoffExponent,
		CleanupInterval:    defaultCleanupInterval,
		RetentionPeriod:    defaultRetentionPeriod,
		CleanupLockKey:     defaultCleanupLockKey,
	}
}

func (cfg *RelayConfig) normalize() {
	defaults := DefaultRelayConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
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

// RelayOption configures a Relay at construction.
type RelayOption func(*Relay)

// WithRelayConfig replaces the whole configuration. Zero fields fall back to
// defaults.
func WithRelayConfig(cfg RelayConfig) RelayOption {
	return func(relay *Relay) {
		relay.cfg = cfg
	}
}

// WithPollInterval sets the delay between delivery cycles.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(relay *Relay) {
		relay.cfg.PollInterval = interval
	}
}

// WithBatchSize bounds how many messages one cycle loads.
func WithBatchSize(size int) RelayOption {
	return func(relay *Relay) {
		relay.cfg.BatchSize = size
	}
}

// WithCleanup enables retention sweeps at the given cadence.
func WithCleanup(interval, retention time.Duration) RelayOption {
	return func(relay *Relay) {
		relay.cfg.CleanupInterval = interval
		relay.cfg.RetentionPeriod = retention
	}
}

// WithCleanupLocker wires the cluster lock guarding retention sweeps. Without
// one, sweeps run unguarded and rely on DELETE being idempotent.
func WithCleanupLocker(locker lock.Locker) RelayOption {
	return func(relay *Relay) {
		if nilcheck.Interface(locker) {
			return
		}

		relay.locker = locker
	}
}

// WithRelayLogger sets the relay logger.
func WithRelayLogger(logger log.Logger) RelayOption {
	return func(relay *Relay) {
		if nilcheck.Interface(logger) {
			return
		}

		relay.logger = logger
	}
}

// WithRelayTracer sets the tracer for relay spans.
func WithRelayTracer(tracer trace.Tracer) RelayOption {
	return func(relay *Relay) {
		if nilcheck.Interface(tracer) {
			return
		}

		relay.tracer = tracer
	}
}

// WithRelayMeterProvider overrides the meter provider for relay metrics.
func WithRelayMeterProvider(provider metric.MeterProvider) RelayOption {
	return func(relay *Relay) {
		if nilcheck.Interface(provider) {
			return
		}

		relay.cfg.MeterProvider = provider
	}
}
