package opentelemetry

import (
	"context"
	"errors"
	"fmt"

	constant "github.com/seventv/txcore/txcore/constants"
	"github.com/seventv/txcore/txcore/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

// ErrNilTelemetryConfig is returned by Init for a nil config.
var ErrNilTelemetryConfig = errors.New("telemetry config cannot be nil")

// Config describes the service being instrumented and where to export to.
type Config struct {
	ServiceName       string `env:"OTEL_RESOURCE_SERVICE_NAME"`
	ServiceVersion    string `env:"OTEL_RESOURCE_SERVICE_VERSION"`
	Environment       string `env:"OTEL_RESOURCE_DEPLOYMENT_ENVIRONMENT"`
	CollectorEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Enabled           bool   `env:"ENABLE_TELEMETRY"`
	Logger            log.Logger
}

// Telemetry owns the providers created by Init.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	shutdown       []func(context.Context) error
	logger         log.Logger
}

// Init builds providers for cfg and installs them as the otel globals.
func Init(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if cfg == nil {
		return nil, ErrNilTelemetryConfig
	}

	logger := log.OrNop(cfg.Logger)

	if !cfg.Enabled {
		logger.Log(ctx, log.LevelWarn, "telemetry disabled; spans and metrics stay in-process")

		t := &Telemetry{
			TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(AttrBagSpanProcessor{})),
			MeterProvider:  sdkmetric.NewMeterProvider(),
			logger:         logger,
		}
		t.shutdown = []func(context.Context) error{t.TracerProvider.Shutdown, t.MeterProvider.Shutdown}

		return t, nil
	}

	res := sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		semconv.TelemetrySDKName(constant.TelemetrySDKName),
		semconv.TelemetrySDKLanguageGo,
	)

	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.CollectorEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = traceExp.Shutdown(ctx)

		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(AttrBagSpanProcessor{}),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Log(ctx, log.LevelInfo, "telemetry initialized", log.String("endpoint", cfg.CollectorEndpoint))

	return &Telemetry{
		TracerProvider: tp,
		MeterProvider:  mp,
		logger:         logger,
		shutdown:       []func(context.Context) error{mp.Shutdown, tp.Shutdown},
	}, nil
}

// Shutdown flushes and stops every provider, returning all failures joined.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error

	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			t.logger.Log(ctx, log.LevelError, "telemetry shutdown failed", log.Err(err))
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
