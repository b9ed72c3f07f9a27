package transaction

import (
	"fmt"

	constant "github.com/seventv/txcore/txcore/constants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type executorMetrics struct {
	attempts        metric.Int64Counter
	retries         metric.Int64Counter
	outcomes        metric.Int64Counter
	eventsPublished metric.Int64Counter
	mutexFailures   metric.Int64Counter
	duration        metric.Float64Histogram
	mutexWait       metric.Float64Histogram
}

func newExecutorMetrics(provider metric.MeterProvider) (executorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(constant.TelemetrySDKName + "/transaction")

	var (
		metrics executorMetrics
		err     error
	)

	metrics.attempts, err = meter.Int64Counter(
		"txcore.transaction.attempts",
		metric.WithDescription("Number of unit of work executions"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return executorMetrics{}, fmt.Errorf("create txcore.transaction.attempts counter: %w", err)
	}

	metrics.retries, err = meter.Int64Counter(
		"txcore.transaction.retries",
		metric.WithDescription("Number of unit of work re-runs after a transient error"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return executorMetrics{}, fmt.Errorf("create txcore.transaction.retries counter: %w", err)
	}

	metrics.outcomes, err = meter.Int64Counter(
		"txcore.transaction.outcomes",
		metric.WithDescription("Terminal transaction outcomes"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return executorMetrics{}, fmt.Errorf("create txcore.transaction.outcomes counter: %w", err)
	}

	metrics.eventsPublished, err = meter.Int64Counter(
		"txcore.events.published",
		metric.WithDescription("Number of events published after commit"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return executorMetrics{}, fmt.Errorf("create txcore.events.published counter: %w", err)
	}

	metrics.mutexFailures, err = meter.Int64Counter(
		"txcore.mutex.acquire_failures",
		metric.WithDescription("Number of failed named mutex acquisitions"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return executorMetrics{}, fmt.Errorf("create txcore.mutex.acquire_failures counter: %w", err)
	}

	metrics.duration, err = meter.Float64Histogram(
		"txcore.transaction.duration",
		metric.WithDescription("Time from first attempt to terminal outcome"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return executorMetrics{}, fmt.Errorf("create txcore.transaction.duration histogram: %w", err)
	}

	metrics.mutexWait, err = meter.Float64Histogram(
		"txcore.mutex.wait",
		metric.WithDescription("Time spent waiting for a named mutex"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return executorMetrics{}, fmt.Errorf("create txcore.mutex.wait histogram: %w", err)
	}

	return metrics, nil
}
