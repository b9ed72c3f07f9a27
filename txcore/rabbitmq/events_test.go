//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/seventv/txcore/txcore/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type recordingPublisher struct {
	err       error
	exchanges []string
	keys      []string
	msgs      []amqp.Publishing
}

func (r *recordingPublisher) PublishAndWaitConfirm(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	r.exchanges = append(r.exchanges, exchange)
	r.keys = append(r.keys, key)
	r.msgs = append(r.msgs, msg)

	return r.err
}

func TestNewEventPublisher_DeclaresTopology(t *testing.T) {
	ch := newFakeChannel()

	pub, err := NewEventPublisher(&recordingPublisher{}, ch, EventPublisherConfig{})
	require.NoError(t, err)
	assert.Equal(t, "txcore.events", pub.Exchange())
	assert.Equal(t, []string{"txcore.events:topic"}, ch.declaredExchanges)
}

func TestNewEventPublisher_Errors(t *testing.T) {
	_, err := NewEventPublisher(nil, newFakeChannel(), EventPublisherConfig{})
	require.ErrorIs(t, err, ErrPublisherRequired)

	ch := newFakeChannel()
	ch.declareErr = errors.New("access refused")

	_, err = NewEventPublisher(&recordingPublisher{}, ch, EventPublisherConfig{})
	require.ErrorIs(t, err, ch.declareErr)
}

func TestEventPublisher_Publish(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	rec := &recordingPublisher{}

	pub, err := NewEventPublisher(rec, newFakeChannel(), EventPublisherConfig{
		Topology:       Topology{Exchange: "events"},
		AppID:          "api",
		TracerProvider: provider,
	})
	require.NoError(t, err)

	payload := []byte(`{"events":[]}`)
	require.NoError(t, pub.Publish(context.Background(), "api.v4.events", payload))

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, []string{"events"}, rec.exchanges)
	assert.Equal(t, []string{"api.v4.events"}, rec.keys)

	msg := rec.msgs[0]
	assert.Equal(t, payload, msg.Body)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "api", msg.AppId)
	assert.Equal(t, "api.v4.events", msg.Headers["x-txcore-subject"])
	assert.False(t, msg.Timestamp.IsZero())

	_, err = uuid.Parse(msg.MessageId)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "rabbitmq.publish", spans[0].Name())
}

func TestEventPublisher_PropagatesTraceContext(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	rec := &recordingPublisher{}

	pub, err := NewEventPublisher(rec, newFakeChannel(), EventPublisherConfig{TracerProvider: provider})
	require.NoError(t, err)

	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	ctx, span := provider.Tracer("test").Start(context.Background(), "commit")
	defer span.End()

	require.NoError(t, pub.Publish(ctx, "api.v4.events", nil))

	traceparent, ok := rec.msgs[0].Headers["traceparent"].(string)
	require.True(t, ok)
	assert.Contains(t, traceparent, span.SpanContext().TraceID().String())
}

func TestEventPublisher_PublishFailure(t *testing.T) {
	logger := log.NewMemory(log.LevelDebug)
	rec := &recordingPublisher{err: ErrPublishNacked}

	pub, err := NewEventPublisher(rec, newFakeChannel(), EventPublisherConfig{Logger: logger})
	require.NoError(t, err)

	err = pub.Publish(context.Background(), "api.v4.events", []byte("{}"))
	require.ErrorIs(t, err, ErrPublishNacked)
	assert.Len(t, logger.Find("failed to publish event payload"), 1)
}

func TestEventPublisher_EmptySubject(t *testing.T) {
	pub, err := NewEventPublisher(&recordingPublisher{}, newFakeChannel(), EventPublisherConfig{})
	require.NoError(t, err)

	require.ErrorIs(t, pub.Publish(context.Background(), " ", nil), ErrEmptySubject)

	var nilPub *EventPublisher
	require.ErrorIs(t, nilPub.Publish(context.Background(), "s", nil), ErrPublisherRequired)
}
