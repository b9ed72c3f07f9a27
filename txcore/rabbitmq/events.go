package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	constant "github.com/seventv/txcore/txcore/constants"
	"github.com/seventv/txcore/txcore/log"
	libOpentelemetry "github.com/seventv/txcore/txcore/opentelemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	contentTypeJSON = "application/json"
	subjectHeader   = "x-txcore-subject"
)

// ErrEmptySubject is returned by EventPublisher.Publish for a blank subject.
var ErrEmptySubject = errors.New("event subject is required")

// Publisher is the confirm-waiting publish call EventPublisher needs;
// *ConfirmablePublisher implements it.
type Publisher interface {
	PublishAndWaitConfirm(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error
}

var _ Publisher = (*ConfirmablePublisher)(nil)

// EventPublisherConfig configures an EventPublisher.
type EventPublisherConfig struct {
	Topology Topology
	// AppID is stamped on every message.
	AppID string `env:"RABBITMQ_APP_ID"`

	Logger         log.Logger
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// EventPublisher sends encoded event batches to the event exchange, routed
// by subject. Messages are persistent and confirmed by the broker.
type EventPublisher struct {
	publisher Publisher
	exchange  string
	appID     string
	logger    log.Logger
	tracer    trace.Tracer
	published metric.Int64Counter
	failed    metric.Int64Counter
}

// NewEventPublisher declares cfg.Topology on ch once and returns a publisher
// that sends through pub.
func NewEventPublisher(pub Publisher, ch TopologyChannel, cfg EventPublisherConfig) (*EventPublisher, error) {
	if pub == nil {
		return nil, ErrPublisherRequired
	}

	topology := cfg.Topology.withDefaults()

	if err := DeclareTopology(ch, topology); err != nil {
		return nil, err
	}

	meterProvider := cfg.MeterProvider
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}

	tracerProvider := cfg.TracerProvider
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}

	meter := meterProvider.Meter(constant.TelemetrySDKName + "/rabbitmq")

	published, err := meter.Int64Counter("txcore.rabbitmq.messages_published",
		metric.WithDescription("Number of event payloads confirmed by the broker"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("create rabbitmq metrics: %w", err)
	}

	failed, err := meter.Int64Counter("txcore.rabbitmq.publish_failures",
		metric.WithDescription("Number of event payloads the broker did not confirm"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("create rabbitmq metrics: %w", err)
	}

	return &EventPublisher{
		publisher: pub,
		exchange:  topology.Exchange,
		appID:     cfg.AppID,
		logger:    log.OrNop(cfg.Logger),
		tracer:    tracerProvider.Tracer("rabbitmq"),
		published: published,
		failed:    failed,
	}, nil
}

// Exchange is the exchange messages are published to.
func (p *EventPublisher) Exchange() string {
	return p.exchange
}

// Publish sends payload with subject as routing key and waits for the
// broker confirm.
func (p *EventPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p == nil {
		return ErrPublisherRequired
	}

	if strings.TrimSpace(subject) == "" {
		return ErrEmptySubject
	}

	messageID := uuid.NewString()

	ctx, span := p.tracer.Start(ctx, "rabbitmq.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String(constant.AttrMessagingSystem, constant.DBSystemRabbitMQ),
			attribute.String(constant.AttrMessagingDestination, p.exchange),
			attribute.String(constant.AttrMessagingMessageID, messageID),
		))
	defer span.End()

	headers := libOpentelemetry.PrepareQueueHeaders(ctx, map[string]any{subjectHeader: subject})

	msg := amqp.Publishing{
		Headers:      amqp.Table(headers),
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		AppId:        p.appID,
		Body:         payload,
	}

	attrs := metric.WithAttributes(attribute.String("subject", constant.SanitizeMetricLabel(subject)))

	if err := p.publisher.PublishAndWaitConfirm(ctx, p.exchange, subject, false, false, msg); err != nil {
		p.failed.Add(ctx, 1, attrs)
		p.logger.Log(ctx, log.LevelError, "failed to publish event payload",
			log.String("subject", subject), log.String("message_id", messageID), log.Err(err))
		libOpentelemetry.HandleSpanError(span, "Failed to publish event payload", err)

		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.published.Add(ctx, 1, attrs)

	return nil
}
