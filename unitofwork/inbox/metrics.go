package inbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type processorMetrics struct {
	leased       metric.Int64Counter
	processed    metric.Int64Counter
	retried      metric.Int64Counter
	discarded    metric.Int64Counter
	cycleLatency metric.Float64Histogram
	cleaned      metric.Int64Counter
}

func newProcessorMetrics(provider metric.MeterProvider) (processorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("unitofwork.inbox")

	var (
		metrics processorMetrics
		err     error
	)

	metrics.leased, err = meter.Int64Counter(
		"inbox.messages.leased",
		metric.WithDescription("Messages claimed by this worker across lease cycles"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create inbox.messages.leased counter: %w", err)
	}

	metrics.processed, err = meter.Int64Counter(
		"inbox.messages.processed",
		metric.WithDescription("Messages whose handler completed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create inbox.messages.processed counter: %w", err)
	}

	metrics.retried, err = meter.Int64Counter(
		"inbox.messages.retried",
		metric.WithDescription("Messages returned to pending after a handler failure"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create inbox.messages.retried counter: %w", err)
	}

	metrics.discarded, err = meter.Int64Counter(
		"inbox.messages.discarded",
		metric.WithDescription("Messages abandoned after exhausting retries or lacking a handler"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create inbox.messages.discarded counter: %w", err)
	}

	metrics.cycleLatency, err = meter.Float64Histogram(
		"inbox.cycle.duration",
		metric.WithDescription("Wall time of one lease-and-process cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create inbox.cycle.duration histogram: %w", err)
	}

	metrics.cleaned, err = meter.Int64Counter(
		"inbox.messages.cleaned",
		metric.WithDescription("Terminal messages removed by retention sweeps"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create inbox.messages.cleaned counter: %w", err)
	}

	return metrics, nil
}
