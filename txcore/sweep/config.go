package sweep

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultInterval             = 30 * time.Second
	defaultGracePeriod          = 2 * time.Minute
	defaultBatchSize            = 100
	defaultConcurrency          = 8
	defaultMaxAttempts          = 10
	defaultHandlerMaxAttempts   = 3
	defaultHandlerBackoff       = 200 * time.Millisecond
	defaultListFailureThreshold = 3
	defaultCollection           = "stored_events"
)

// Config controls the sweep loop.
type Config struct {
	// Interval is the pause between sweep cycles.
	Interval time.Duration `env:"SWEEP_INTERVAL"`
	// GracePeriod keeps the sweep away from events whose transaction may
	// still be publishing.
	GracePeriod time.Duration `env:"SWEEP_GRACE_PERIOD"`
	// BatchSize caps the events handled per cycle.
	BatchSize int `env:"SWEEP_BATCH_SIZE"`
	// Concurrency caps in-flight handlers within a cycle.
	Concurrency int `env:"SWEEP_CONCURRENCY"`
	// MaxAttempts is the number of failed deliveries before an event is
	// quarantined.
	MaxAttempts int `env:"SWEEP_MAX_ATTEMPTS"`
	// HandlerMaxAttempts bounds in-cycle retries of one handler call.
	HandlerMaxAttempts int `env:"SWEEP_HANDLER_MAX_ATTEMPTS"`
	// HandlerBackoff is the base delay between in-cycle retries.
	HandlerBackoff time.Duration `env:"SWEEP_HANDLER_BACKOFF"`
	// ListFailureThreshold is the number of consecutive ListPending failures
	// after which an error is logged.
	ListFailureThreshold int `env:"SWEEP_LIST_FAILURE_THRESHOLD"`
	// Collection holds the StoredEvents.
	Collection string `env:"SWEEP_COLLECTION"`

	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline sweep configuration.
func DefaultConfig() Config {
	return Config{
		Interval:             defaultInterval,
		GracePeriod:          defaultGracePeriod,
		BatchSize:            defaultBatchSize,
		Concurrency:          defaultConcurrency,
		MaxAttempts:          defaultMaxAttempts,
		HandlerMaxAttempts:   defaultHandlerMaxAttempts,
		HandlerBackoff:       defaultHandlerBackoff,
		ListFailureThreshold: defaultListFailureThreshold,
		Collection:           defaultCollection,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}

	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.HandlerMaxAttempts <= 0 {
		cfg.HandlerMaxAttempts = defaults.HandlerMaxAttempts
	}

	if cfg.HandlerBackoff <= 0 {
		cfg.HandlerBackoff = defaults.HandlerBackoff
	}

	if cfg.ListFailureThreshold <= 0 {
		cfg.ListFailureThreshold = defaults.ListFailureThreshold
	}

	if cfg.Collection == "" {
		cfg.Collection = defaults.Collection
	}
}

// Option mutates dispatcher configuration at construction.
type Option func(*Dispatcher)

// WithConfig replaces the whole configuration. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg = cfg
	}
}

// WithInterval sets the pause between cycles.
func WithInterval(interval time.Duration) Option {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.Interval = interval
		}
	}
}

// WithGracePeriod sets the minimum event age for reconciliation.
func WithGracePeriod(grace time.Duration) Option {
	return func(dispatcher *Dispatcher) {
		if grace >= 0 {
			dispatcher.cfg.GracePeriod = grace
		}
	}
}

// WithBatchSize sets the maximum events handled per cycle.
func WithBatchSize(size int) Option {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithConcurrency sets the number of handlers run in parallel.
func WithConcurrency(n int) Option {
	return func(dispatcher *Dispatcher) {
		if n > 0 {
			dispatcher.cfg.Concurrency = n
		}
	}
}

// WithMaxAttempts sets failed deliveries before quarantine.
func WithMaxAttempts(attempts int) Option {
	return func(dispatcher *Dispatcher) {
		if attempts > 0 {
			dispatcher.cfg.MaxAttempts = attempts
		}
	}
}

// WithHandlerRetry sets the in-cycle retry policy of one handler call.
func WithHandlerRetry(maxAttempts int, backoff time.Duration) Option {
	return func(dispatcher *Dispatcher) {
		if maxAttempts > 0 {
			dispatcher.cfg.HandlerMaxAttempts = maxAttempts
		}

		if backoff > 0 {
			dispatcher.cfg.HandlerBackoff = backoff
		}
	}
}

// WithRetryClassifier sets the classifier for errors that quarantine an
// event immediately.
func WithRetryClassifier(classifier RetryClassifier) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.classifier = classifier
	}
}

// WithMeterProvider injects the meter provider. Nil keeps the global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.MeterProvider = provider
	}
}
