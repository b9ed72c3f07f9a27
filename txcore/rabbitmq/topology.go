package rabbitmq

import (
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultEventExchange receives transaction event payloads.
	DefaultEventExchange = "txcore.events"

	defaultBindingKey = "#"
)

// TopologyChannel is the subset of *amqp.Channel used to declare topology.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

var _ TopologyChannel = (*amqp.Channel)(nil)

// Topology describes the event exchange and, optionally, a consumer queue
// bound to it with a dead-letter queue behind it.
type Topology struct {
	Exchange string `env:"RABBITMQ_EVENTS_EXCHANGE"`
	// Queue is optional. When set it is bound to Exchange with BindingKey and
	// dead-letters into DeadLetterQueue.
	Queue      string `env:"RABBITMQ_EVENTS_QUEUE"`
	BindingKey string `env:"RABBITMQ_EVENTS_BINDING_KEY"`

	DeadLetterExchange  string        `env:"RABBITMQ_EVENTS_DLX"`
	DeadLetterQueue     string        `env:"RABBITMQ_EVENTS_DLQ"`
	DeadLetterTTL       time.Duration `env:"RABBITMQ_EVENTS_DLQ_TTL"`
	DeadLetterMaxLength int64         `env:"RABBITMQ_EVENTS_DLQ_MAX_LENGTH"`
}

func (t Topology) withDefaults() Topology {
	if strings.TrimSpace(t.Exchange) == "" {
		t.Exchange = DefaultEventExchange
	}

	if t.Queue == "" {
		return t
	}

	if t.BindingKey == "" {
		t.BindingKey = defaultBindingKey
	}

	if t.DeadLetterExchange == "" {
		t.DeadLetterExchange = t.Exchange + ".dlx"
	}

	if t.DeadLetterQueue == "" {
		t.DeadLetterQueue = t.Queue + ".dlq"
	}

	return t
}

func (t Topology) deadLetterArgs() amqp.Table {
	args := amqp.Table{}

	if t.DeadLetterTTL > 0 {
		args["x-message-ttl"] = max(t.DeadLetterTTL.Milliseconds(), 1)
	}

	if t.DeadLetterMaxLength > 0 {
		args["x-max-length"] = t.DeadLetterMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// DeclareTopology declares t on ch. Every declaration is durable and
// idempotent.
func DeclareTopology(ch TopologyChannel, t Topology) error {
	if ch == nil {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}

	t = t.withDefaults()

	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}

	if t.Queue == "" {
		return nil
	}

	if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %s: %w", t.DeadLetterExchange, err)
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, t.deadLetterArgs()); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", t.DeadLetterQueue, err)
	}

	if err := ch.QueueBind(t.DeadLetterQueue, defaultBindingKey, t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	queueArgs := amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, queueArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}

	if err := ch.QueueBind(t.Queue, t.BindingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.Queue, err)
	}

	return nil
}
