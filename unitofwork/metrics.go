package unitofwork

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type coordinatorMetrics struct {
	commits          metric.Int64Counter
	rollbacks        metric.Int64Counter
	partialRollbacks metric.Int64Counter
}

func newCoordinatorMetrics(provider metric.MeterProvider) (coordinatorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("unitofwork.coordinator")

	var (
		metrics coordinatorMetrics
		err     error
	)

	metrics.commits, err = meter.Int64Counter(
		"unitofwork.commits",
		metric.WithDescription("Number of units of work committed across all sources"),
		metric.WithUnit("{unit_of_work}"),
	)
	if err != nil {
		return coordinatorMetrics{}, fmt.Errorf("create unitofwork.commits counter: %w", err)
	}

	metrics.rollbacks, err = meter.Int64Counter(
		"unitofwork.rollbacks",
		metric.WithDescription("Number of units of work rolled back"),
		metric.WithUnit("{unit_of_work}"),
	)
	if err != nil {
		return coordinatorMetrics{}, fmt.Errorf("create unitofwork.rollbacks counter: %w", err)
	}

	metrics.partialRollbacks, err = meter.Int64Counter(
		"unitofwork.rollback.partial_failures",
		metric.WithDescription("Number of per-source rollback failures leaving a residual-inconsistency window"),
		metric.WithUnit("{source}"),
	)
	if err != nil {
		return coordinatorMetrics{}, fmt.Errorf("create unitofwork.rollback.partial_failures counter: %w", err)
	}

	return metrics, nil
}
