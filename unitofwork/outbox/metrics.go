package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type relayMetrics struct {
	delivered    metric.Int64Counter
	failed       metric.Int64Counter
	stateFailed  metric.Int64Counter
	queueDepth   metric.Int64Gauge
	cycleLatency metric.Float64Histogram
	cleaned      metric.Int64Counter
}

func newRelayMetrics(provider metric.MeterProvider) (relayMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("unitofwork.outbox")

	var (
		metrics relayMetrics
		err     error
	)

	metrics.delivered, err = meter.Int64Counter(
		"outbox.messages.delivered",
		metric.WithDescription("Messages published to the broker and marked processed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.messages.delivered counter: %w", err)
	}

	metrics.failed, err = meter.Int64Counter(
		"outbox.messages.failed",
		metric.WithDescription("Publish attempts that failed and were rescheduled"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.messages.failed counter: %w", err)
	}

	metrics.stateFailed, err = meter.Int64Counter(
		"outbox.messages.state_update_failed",
		metric.WithDescription("Messages published but whose processed state failed to persist"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.messages.state_update_failed counter: %w", err)
	}

	metrics.queueDepth, err = meter.Int64Gauge(
		"outbox.queue.depth",
		metric.WithDescription("Due messages loaded at the start of a delivery cycle"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.queue.depth gauge: %w", err)
	}

	metrics.cycleLatency, err = meter.Float64Histogram(
		"outbox.cycle.duration",
		metric.WithDescription("Wall time of one delivery cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.cycle.duration histogram: %w", err)
	}

	metrics.cleaned, err = meter.Int64Counter(
		"outbox.messages.cleaned",
		metric.WithDescription("Delivered messages removed by retention sweeps"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.messages.cleaned counter: %w", err)
	}

	return metrics, nil
}
