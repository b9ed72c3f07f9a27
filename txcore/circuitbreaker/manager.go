package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	constant "github.com/seventv/txcore/txcore/constants"
	"github.com/seventv/txcore/txcore/log"
	"github.com/seventv/txcore/txcore/runtime"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Manager owns a set of named breakers.
type Manager struct {
	mu          sync.RWMutex
	breakers    map[string]*gobreaker.CircuitBreaker
	configs     map[string]Config
	listeners   []StateChangeListener
	logger      log.Logger
	transitions metric.Int64Counter
}

// Option configures a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	meterProvider metric.MeterProvider
}

// WithMeterProvider sets the provider for the state transition counter.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *managerOptions) {
		o.meterProvider = provider
	}
}

// NewManager creates an empty Manager.
func NewManager(logger log.Logger, opts ...Option) (*Manager, error) {
	var o managerOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	provider := o.meterProvider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	transitions, err := provider.Meter(constant.TelemetrySDKName+"/circuitbreaker").Int64Counter(
		"txcore.circuitbreaker.transitions",
		metric.WithDescription("Number of circuit breaker state changes"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create txcore.circuitbreaker.transitions counter: %w", err)
	}

	return &Manager{
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		configs:     make(map[string]Config),
		logger:      log.OrNop(logger),
		transitions: transitions,
	}, nil
}

// GetOrCreate registers a breaker for name unless one exists. The config of
// an existing breaker is left untouched.
func (m *Manager) GetOrCreate(name string, cfg Config) error {
	if m == nil {
		return ErrNilManager
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.breakers[name]; exists {
		return nil
	}

	cfg = cfg.normalize()
	m.breakers[name] = m.newBreaker(name, cfg)
	m.configs[name] = cfg

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker created", log.String("breaker", name))

	return nil
}

// Execute runs fn through the breaker registered as name. Rejections wrap
// ErrOpen or ErrTooManyRequests.
func (m *Manager) Execute(name string, fn func() (any, error)) (any, error) {
	if m == nil {
		return nil, ErrNilManager
	}

	m.mu.RLock()
	breaker, exists := m.breakers[name]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrBreakerNotFound, name)
	}

	result, err := breaker.Execute(fn)

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return nil, fmt.Errorf("%w: %s", ErrOpen, name)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %s", ErrTooManyRequests, name)
	}

	return result, err
}

// State returns the state of name, or StateUnknown.
func (m *Manager) State(name string) State {
	breaker := m.lookup(name)
	if breaker == nil {
		return StateUnknown
	}

	return convertState(breaker.State())
}

// Counts returns the statistics of name.
func (m *Manager) Counts(name string) Counts {
	breaker := m.lookup(name)
	if breaker == nil {
		return Counts{}
	}

	return convertCounts(breaker.Counts())
}

// IsHealthy reports whether name is closed.
func (m *Manager) IsHealthy(name string) bool {
	return m.State(name) == StateClosed
}

// Reset replaces name with a fresh closed breaker of the same config.
func (m *Manager) Reset(name string) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, exists := m.configs[name]
	if !exists {
		return
	}

	m.breakers[name] = m.newBreaker(name, cfg)

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset", log.String("breaker", name))
}

// RegisterStateChangeListener adds a listener. Listeners run on their own
// goroutine and must not block for long.
func (m *Manager) RegisterStateChangeListener(listener StateChangeListener) {
	if m == nil || listener == nil {
		return
	}

	m.mu.Lock()
	m.listeners = append(m.listeners, listener)
	m.mu.Unlock()
}

func (m *Manager) lookup(name string) *gobreaker.CircuitBreaker {
	if m == nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.breakers[name]
}

func (m *Manager) newBreaker(name string, cfg Config) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.readyToTrip(counts.Requests, counts.TotalFailures, counts.ConsecutiveFailures)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			m.handleStateChange(name, convertState(from), convertState(to))
		},
	})
}

func (m *Manager) handleStateChange(name string, from, to State) {
	ctx := context.Background()

	level := log.LevelInfo
	if to == StateOpen {
		level = log.LevelError
	}

	m.logger.Log(ctx, level, "circuit breaker state changed",
		log.String("breaker", name),
		log.String("from", string(from)),
		log.String("to", string(to)),
	)

	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", constant.SanitizeMetricLabel(name)),
		attribute.String("to", string(to)),
	))

	m.mu.RLock()
	listeners := append([]StateChangeListener(nil), m.listeners...)
	m.mu.RUnlock()

	for _, listener := range listeners {
		runtime.SafeGo(ctx, m.logger, "circuitbreaker", "state_listener_"+name, func(context.Context) {
			listener.OnStateChange(name, from, to)
		})
	}
}
