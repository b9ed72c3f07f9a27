//go:build unit

package opentelemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/seventv/txcore/txcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	t.Helper()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(AttrBagSpanProcessor{}),
		sdktrace.WithSpanProcessor(rec),
	)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return tp, rec
}

func TestHandleSpanError(t *testing.T) {
	tp, rec := newRecorder(t)

	_, span := tp.Tracer("test").Start(context.Background(), "commit")
	HandleSpanError(span, "commit failed", errors.New("write conflict"))
	HandleSpanError(span, "ignored", nil)
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "commit failed: write conflict", ended[0].Status().Description)
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, "exception", ended[0].Events()[0].Name)
}

func TestHandleSpanHelpers_NilSpan(t *testing.T) {
	assert.NotPanics(t, func() {
		HandleSpanError(nil, "x", errors.New("y"))
		HandleSpanEvent(nil, "x")
		HandleSpanBusinessErrorEvent(nil, "x", errors.New("y"))
	})
}

func TestHandleSpanBusinessErrorEvent_KeepsStatusUnset(t *testing.T) {
	tp, rec := newRecorder(t)

	_, span := tp.Tracer("test").Start(context.Background(), "run")
	HandleSpanBusinessErrorEvent(span, "domain_error", errors.New("emote set at capacity"))
	span.End()

	got := rec.Ended()[0]
	assert.Equal(t, codes.Unset, got.Status().Code)
	require.Len(t, got.Events(), 1)
	assert.Equal(t, "domain_error", got.Events()[0].Name)
}

func TestAttrBagSpanProcessor(t *testing.T) {
	tp, rec := newRecorder(t)

	ctx := txcore.ContextWithSpanAttributes(context.Background(), attribute.String("actor.id", "u1"))
	_, span := tp.Tracer("test").Start(ctx, "run")
	span.End()

	assert.Contains(t, rec.Ended()[0].Attributes(), attribute.String("actor.id", "u1"))
}

func TestQueueHeaders_RoundTripTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp, _ := newRecorder(t)

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := PrepareQueueHeaders(ctx, map[string]any{"X-Event-Count": 1})
	assert.Equal(t, 1, headers["X-Event-Count"])
	require.Contains(t, headers, "traceparent")

	restored := ExtractTraceContextFromQueueHeaders(context.Background(), headers)
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceIDFromContext(restored))
}

func TestExtractTraceContextFromQueueHeaders_Empty(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, ctx, ExtractTraceContextFromQueueHeaders(ctx, nil))
	assert.Equal(t, ctx, ExtractTraceContextFromQueueHeaders(ctx, map[string]any{"n": 1}))
	assert.Empty(t, GetTraceIDFromContext(ctx))
}

func TestInit_Disabled(t *testing.T) {
	tel, err := Init(context.Background(), &Config{ServiceName: "sweeper"})
	require.NoError(t, err)
	require.NotNil(t, tel.TracerProvider)
	require.NotNil(t, tel.MeterProvider)
	assert.NoError(t, tel.Shutdown(context.Background()))

	_, err = Init(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilTelemetryConfig)
}
