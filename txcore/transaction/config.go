package transaction

import (
	"strings"
	"time"
)

const (
	defaultMaxAttempts      = 10
	defaultMaxCommitRetries = 10
	defaultRetryDelay       = 100 * time.Millisecond
	defaultEventCollection  = "stored_events"
	defaultEventSubject     = "api.v4.events"
	maxMaxAttempts          = 1000
)

// Config controls retry and event pipeline behavior.
type Config struct {
	// MaxAttempts caps how many times the unit of work runs.
	MaxAttempts int `env:"TX_MAX_ATTEMPTS"`
	// MaxCommitRetries caps commit re-issues after an unknown commit result.
	MaxCommitRetries int `env:"TX_MAX_COMMIT_RETRIES"`
	// RetryDelay is the mean pause before re-running the unit of work.
	RetryDelay time.Duration `env:"TX_RETRY_DELAY"`
	// DisableJitter makes every pause exactly RetryDelay.
	DisableJitter bool `env:"TX_RETRY_DISABLE_JITTER"`
	// EventCollection is where StoredEvents are written.
	EventCollection string `env:"TX_EVENT_COLLECTION"`
	// EventSubject is the bus subject for the post-commit payload.
	EventSubject string `env:"TX_EVENT_SUBJECT"`
}

// DefaultConfig returns the baseline executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      defaultMaxAttempts,
		MaxCommitRetries: defaultMaxCommitRetries,
		RetryDelay:       defaultRetryDelay,
		EventCollection:  defaultEventCollection,
		EventSubject:     defaultEventSubject,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	cfg.MaxAttempts = min(cfg.MaxAttempts, maxMaxAttempts)

	if cfg.MaxCommitRetries <= 0 {
		cfg.MaxCommitRetries = defaults.MaxCommitRetries
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}

	if strings.TrimSpace(cfg.EventCollection) == "" {
		cfg.EventCollection = defaults.EventCollection
	}

	if strings.TrimSpace(cfg.EventSubject) == "" {
		cfg.EventSubject = defaults.EventSubject
	}
}
