package sweep

import (
	"fmt"

	constant "github.com/seventv/txcore/txcore/constants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type sweepMetrics struct {
	reconciled  metric.Int64Counter
	failed      metric.Int64Counter
	quarantined metric.Int64Counter
	markFailed  metric.Int64Counter
	duration    metric.Float64Histogram
	pending     metric.Int64Gauge
}

func newSweepMetrics(provider metric.MeterProvider) (sweepMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(constant.TelemetrySDKName + "/sweep")

	var (
		metrics sweepMetrics
		err     error
	)

	metrics.reconciled, err = meter.Int64Counter(
		"txcore.sweep.events.reconciled",
		metric.WithDescription("Number of stored events handled and marked indexed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return sweepMetrics{}, fmt.Errorf("create txcore.sweep.events.reconciled counter: %w", err)
	}

	metrics.failed, err = meter.Int64Counter(
		"txcore.sweep.events.failed",
		metric.WithDescription("Number of stored events whose handler failed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return sweepMetrics{}, fmt.Errorf("create txcore.sweep.events.failed counter: %w", err)
	}

	metrics.quarantined, err = meter.Int64Counter(
		"txcore.sweep.events.quarantined",
		metric.WithDescription("Number of stored events excluded from further sweeps"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return sweepMetrics{}, fmt.Errorf("create txcore.sweep.events.quarantined counter: %w", err)
	}

	metrics.markFailed, err = meter.Int64Counter(
		"txcore.sweep.events.state_update_failed",
		metric.WithDescription("Number of stored events handled but not persisted as indexed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return sweepMetrics{}, fmt.Errorf("create txcore.sweep.events.state_update_failed counter: %w", err)
	}

	metrics.duration, err = meter.Float64Histogram(
		"txcore.sweep.cycle.duration",
		metric.WithDescription("Time taken per sweep cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return sweepMetrics{}, fmt.Errorf("create txcore.sweep.cycle.duration histogram: %w", err)
	}

	metrics.pending, err = meter.Int64Gauge(
		"txcore.sweep.pending",
		metric.WithDescription("Number of stored events selected in a sweep cycle"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return sweepMetrics{}, fmt.Errorf("create txcore.sweep.pending gauge: %w", err)
	}

	return metrics, nil
}
