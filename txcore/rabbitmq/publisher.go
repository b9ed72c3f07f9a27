package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/seventv/txcore/txcore/backoff"
	"github.com/seventv/txcore/txcore/log"
	"github.com/seventv/txcore/txcore/runtime"
)

var (
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrPublisherRequired      = errors.New("confirmable publisher is required")
	ErrPublisherNotReady      = errors.New("confirmable publisher has no open channel")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
	ErrReconnectAfterClose    = errors.New("cannot reconnect: publisher was closed")
	ErrReconnectWhileOpen     = errors.New("cannot reconnect: publisher channel is still open")
	ErrRecoveryExhausted      = errors.New("automatic recovery exhausted all attempts")
)

const (
	// DefaultConfirmTimeout bounds the wait for a broker ack.
	DefaultConfirmTimeout = 5 * time.Second

	DefaultMaxRecoveryAttempts    = 10
	DefaultRecoveryBackoffInitial = time.Second
	DefaultRecoveryBackoffMax     = 30 * time.Second

	confirmBuffer = 256
)

// HealthState is the publisher's channel health.
type HealthState int

const (
	HealthStateConnected HealthState = iota
	HealthStateReconnecting
	HealthStateDisconnected
)

func (h HealthState) String() string {
	switch h {
	case HealthStateConnected:
		return "connected"
	case HealthStateReconnecting:
		return "reconnecting"
	case HealthStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConfirmableChannel is the subset of *amqp.Channel the publisher uses.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

var _ ConfirmableChannel = (*amqp.Channel)(nil)

// ChannelProvider returns a fresh dedicated channel during recovery.
type ChannelProvider func(ctx context.Context) (ConfirmableChannel, error)

// HealthCallback observes health transitions. It runs on the recovery
// goroutine and must not block.
type HealthCallback func(HealthState)

type recoveryConfig struct {
	provider       ChannelProvider
	onHealth       HealthCallback
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// channelGen is one channel in confirm mode together with its confirmation
// stream. A publisher moves to a new generation on every recovery.
type channelGen struct {
	ch       ConfirmableChannel
	confirms chan amqp.Confirmation
	closed   chan struct{}
	once     sync.Once
}

func (g *channelGen) markClosed() {
	g.once.Do(func() { close(g.closed) })
}

// ConfirmablePublisher publishes on a channel in confirm mode and waits for
// the broker ack of every message. Publishes are serialized so each confirm
// matches the message just sent.
type ConfirmablePublisher struct {
	mu             sync.RWMutex
	publishMu      sync.Mutex
	gen            *channelGen
	logger         log.Logger
	confirmTimeout time.Duration
	recovery       recoveryConfig
	health         HealthState
	shutdown       bool
	exhausted      bool
	stop           chan struct{}
	wg             sync.WaitGroup
}

// ConfirmablePublisherOption configures a ConfirmablePublisher.
type ConfirmablePublisherOption func(*ConfirmablePublisher)

func WithLogger(logger log.Logger) ConfirmablePublisherOption {
	return func(p *ConfirmablePublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithConfirmTimeout sets the ack wait. Non-positive values are ignored.
func WithConfirmTimeout(timeout time.Duration) ConfirmablePublisherOption {
	return func(p *ConfirmablePublisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithAutoRecovery replaces a closed channel with one from provider.
func WithAutoRecovery(provider ChannelProvider) ConfirmablePublisherOption {
	return func(p *ConfirmablePublisher) {
		p.recovery.provider = provider
	}
}

func WithMaxRecoveryAttempts(attempts int) ConfirmablePublisherOption {
	return func(p *ConfirmablePublisher) {
		if attempts > 0 {
			p.recovery.maxAttempts = attempts
		}
	}
}

// WithRecoveryBackoff sets the recovery delay range. Ignored unless
// 0 < initial <= maxBackoff.
func WithRecoveryBackoff(initial, maxBackoff time.Duration) ConfirmablePublisherOption {
	return func(p *ConfirmablePublisher) {
		if initial > 0 && initial <= maxBackoff {
			p.recovery.backoffInitial = initial
			p.recovery.backoffMax = maxBackoff
		}
	}
}

func WithHealthCallback(fn HealthCallback) ConfirmablePublisherOption {
	return func(p *ConfirmablePublisher) {
		p.recovery.onHealth = fn
	}
}

// NewConfirmablePublisher puts ch into confirm mode and starts watching it
// for closure.
func NewConfirmablePublisher(ch ConfirmableChannel, opts ...ConfirmablePublisherOption) (*ConfirmablePublisher, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	p := &ConfirmablePublisher{
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
		stop:           make(chan struct{}),
		recovery: recoveryConfig{
			maxAttempts:    DefaultMaxRecoveryAttempts,
			backoffInitial: DefaultRecoveryBackoffInitial,
			backoffMax:     DefaultRecoveryBackoffMax,
		},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if err := p.attach(ch); err != nil {
		return nil, err
	}

	return p, nil
}

// attach makes ch the current generation.
func (p *ConfirmablePublisher) attach(ch ConfirmableChannel) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return ErrReconnectAfterClose
	}

	if p.gen != nil {
		return ErrReconnectWhileOpen
	}

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	gen := &channelGen{
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer)),
		closed:   make(chan struct{}),
	}

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	p.gen = gen
	p.exhausted = false
	p.health = HealthStateConnected

	p.wg.Add(1)

	runtime.SafeGo(context.Background(), p.logger, "rabbitmq", "publisher_close_monitor", func(ctx context.Context) {
		defer p.wg.Done()

		select {
		case amqpErr := <-closeNotify:
			p.handleClose(ctx, gen, amqpErr)
		case <-p.stop:
		}
	})

	return nil
}

func (p *ConfirmablePublisher) handleClose(ctx context.Context, gen *channelGen, amqpErr *amqp.Error) {
	p.mu.Lock()
	if p.gen == gen {
		p.gen = nil
	}

	shutdown := p.shutdown
	p.mu.Unlock()

	gen.markClosed()
	_ = gen.ch.Close()

	if shutdown {
		return
	}

	reason := "closed"
	if amqpErr != nil {
		reason = sanitizeAMQPErr(amqpErr, "")
	}

	if p.recovery.provider == nil {
		p.logger.Log(ctx, log.LevelWarn, "publisher channel closed", log.String("reason", reason))
		p.setHealth(HealthStateDisconnected)

		return
	}

	p.logger.Log(ctx, log.LevelWarn, "publisher channel closed, recovering",
		log.String("reason", reason), log.Int("max_attempts", p.recovery.maxAttempts))

	p.recover(ctx)
}

func (p *ConfirmablePublisher) recover(ctx context.Context) {
	p.setHealth(HealthStateReconnecting)

	for attempt := range p.recovery.maxAttempts {
		delay := backoff.Capped(backoff.ExponentialWithJitter(p.recovery.backoffInitial, attempt), p.recovery.backoffMax)

		timer := time.NewTimer(delay)

		select {
		case <-p.stop:
			timer.Stop()

			return
		case <-timer.C:
		}

		ch, err := p.recovery.provider(ctx)
		if err == nil && ch == nil {
			err = ErrChannelRequired
		}

		if err != nil {
			p.logger.Log(ctx, log.LevelWarn, "publisher recovery attempt failed",
				log.Int("attempt", attempt+1), log.String("error", sanitizeAMQPErr(err, "")))

			continue
		}

		if err := p.attach(ch); err != nil {
			_ = ch.Close()

			if errors.Is(err, ErrReconnectAfterClose) {
				return
			}

			p.logger.Log(ctx, log.LevelWarn, "publisher recovery attempt failed",
				log.Int("attempt", attempt+1), log.Err(err))

			continue
		}

		p.logger.Log(ctx, log.LevelInfo, "publisher channel recovered", log.Int("attempt", attempt+1))
		p.notifyHealth(HealthStateConnected)

		return
	}

	p.logger.Log(ctx, log.LevelError, "publisher recovery exhausted", log.Int("attempts", p.recovery.maxAttempts))

	p.mu.Lock()
	p.exhausted = true
	p.mu.Unlock()

	p.setHealth(HealthStateDisconnected)
}

func (p *ConfirmablePublisher) setHealth(state HealthState) {
	p.mu.Lock()
	p.health = state
	p.mu.Unlock()

	p.notifyHealth(state)
}

func (p *ConfirmablePublisher) notifyHealth(state HealthState) {
	if p.recovery.onHealth != nil {
		p.recovery.onHealth(state)
	}
}

// PublishAndWaitConfirm publishes msg and blocks until the broker acks it.
// A timeout or cancellation leaves an unmatched confirm in flight, so the
// channel is closed and recovery takes over.
func (p *ConfirmablePublisher) PublishAndWaitConfirm(
	ctx context.Context,
	exchange, routingKey string,
	mandatory, immediate bool,
	msg amqp.Publishing,
) error {
	if p == nil {
		return ErrPublisherRequired
	}

	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.RLock()
	gen, shutdown, exhausted, timeout := p.gen, p.shutdown, p.exhausted, p.confirmTimeout
	p.mu.RUnlock()

	switch {
	case shutdown:
		return ErrPublisherClosed
	case gen == nil && exhausted:
		return fmt.Errorf("%w: %w", ErrPublisherClosed, ErrRecoveryExhausted)
	case gen == nil:
		return ErrPublisherNotReady
	}

	if err := gen.ch.PublishWithContext(ctx, exchange, routingKey, mandatory, immediate, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := waitForConfirm(ctx, gen, timeout)
	if errors.Is(err, ErrConfirmTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		gen.markClosed()
		_ = gen.ch.Close()
	}

	return err
}

func waitForConfirm(ctx context.Context, gen *channelGen, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-gen.confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-gen.closed:
		return ErrPublisherClosed
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("wait for confirm: %w", ctx.Err())
	}
}

// Reconnect installs ch after the previous channel closed and recovery is
// not configured or gave up.
func (p *ConfirmablePublisher) Reconnect(ch ConfirmableChannel) error {
	if p == nil {
		return ErrPublisherRequired
	}

	if ch == nil {
		return ErrChannelRequired
	}

	return p.attach(ch)
}

// HealthState returns the current health.
func (p *ConfirmablePublisher) HealthState() HealthState {
	if p == nil {
		return HealthStateDisconnected
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.health
}

// Close closes the channel and stops recovery for good.
func (p *ConfirmablePublisher) Close() error {
	if p == nil {
		return ErrPublisherRequired
	}

	p.publishMu.Lock()

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		p.publishMu.Unlock()

		return nil
	}

	p.shutdown = true
	p.health = HealthStateDisconnected
	gen := p.gen
	p.gen = nil
	close(p.stop)
	p.mu.Unlock()

	var err error

	if gen != nil {
		gen.markClosed()

		if closeErr := gen.ch.Close(); closeErr != nil && !errors.Is(closeErr, amqp.ErrClosed) {
			err = fmt.Errorf("close publisher channel: %w", closeErr)
		}
	}

	p.publishMu.Unlock()

	p.wg.Wait()
	p.notifyHealth(HealthStateDisconnected)

	return err
}
