package runtime

import (
	"context"
	"sync"

	constant "github.com/seventv/txcore/txcore/constants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	panicCounterOnce sync.Once
	panicCounter     metric.Int64Counter
)

func recordPanicMetric(ctx context.Context, component, name string) {
	panicCounterOnce.Do(func() {
		c, err := otel.Meter(constant.TelemetrySDKName).Int64Counter(
			"txcore.panics.recovered",
			metric.WithDescription("Recovered goroutine panics"),
			metric.WithUnit("{panic}"),
		)
		if err == nil {
			panicCounter = c
		}
	})

	if panicCounter == nil {
		return
	}

	panicCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", constant.SanitizeMetricLabel(component)),
		attribute.String("goroutine", constant.SanitizeMetricLabel(name)),
	))
}
