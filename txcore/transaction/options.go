package transaction

import (
	"context"
	"time"

	"github.com/seventv/txcore/txcore/event"
	"github.com/seventv/txcore/txcore/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Publisher sends one payload to the message bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, subject string, payload []byte) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, subject string, payload []byte) error {
	return f(ctx, subject, payload)
}

// Option configures an Executor.
type Option func(*Executor)

// WithPublisher sets the post-commit event publisher. Without one, events
// are only written to the event log.
func WithPublisher(p Publisher) Option {
	return func(ex *Executor) {
		ex.publisher = p
	}
}

// WithMutex sets the named mutex used by RunWithLock.
func WithMutex(m Mutex) Option {
	return func(ex *Executor) {
		ex.mutex = m
	}
}

func WithLogger(logger log.Logger) Option {
	return func(ex *Executor) {
		if logger != nil {
			ex.logger = logger
		}
	}
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(ex *Executor) {
		ex.meterProvider = provider
	}
}

func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(ex *Executor) {
		ex.tracerProvider = provider
	}
}

// WithConfig replaces the configuration; zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(ex *Executor) {
		ex.cfg = cfg
	}
}

// WithSleeper replaces the pause between attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(ex *Executor) {
		if sleep != nil {
			ex.sleep = sleep
		}
	}
}

// WithEventEncoder replaces the payload encoder, event.Encode by default.
func WithEventEncoder(encode func([]event.Event) ([]byte, error)) Option {
	return func(ex *Executor) {
		if encode != nil {
			ex.encode = encode
		}
	}
}
