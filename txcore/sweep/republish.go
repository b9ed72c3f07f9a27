package sweep

import (
	"context"
	"fmt"
	"strings"

	"github.com/seventv/txcore/txcore/event"
)

// Publisher sends one payload to the message bus.
// *rabbitmq.EventPublisher implements it.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// RepublishHandler returns a Handler that re-broadcasts the stored event as
// a one-event payload on subject, so downstream indexers see it again.
func RepublishHandler(pub Publisher, subject string) (Handler, error) {
	if pub == nil {
		return nil, ErrPublisherRequired
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrPublisherRequired)
	}

	return func(ctx context.Context, stored event.StoredEvent) error {
		ev, err := stored.Event()
		if err != nil {
			return err
		}

		payload, err := event.Encode([]event.Event{ev})
		if err != nil {
			return err
		}

		if err := pub.Publish(ctx, subject, payload); err != nil {
			return fmt.Errorf("republish %s %s: %w", stored.Kind, stored.ID, err)
		}

		return nil
	}, nil
}

// Breaker runs calls through a named circuit breaker.
// *circuitbreaker.Manager implements it.
type Breaker interface {
	Execute(name string, fn func() (any, error)) (any, error)
}

type guardedPublisher struct {
	pub     Publisher
	breaker Breaker
	name    string
}

// GuardedPublisher sends every publish through the breaker registered as
// name. While the breaker is open the dispatcher defers events instead of
// counting failures against them.
func GuardedPublisher(pub Publisher, breaker Breaker, name string) (Publisher, error) {
	if pub == nil {
		return nil, ErrPublisherRequired
	}

	if breaker == nil {
		return pub, nil
	}

	return &guardedPublisher{pub: pub, breaker: breaker, name: name}, nil
}

func (g *guardedPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	_, err := g.breaker.Execute(g.name, func() (any, error) {
		return nil, g.pub.Publish(ctx, subject, payload)
	})

	return err
}
