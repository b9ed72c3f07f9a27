package circuitbreaker

import "time"

// Config holds breaker thresholds.
type Config struct {
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32 `env:"BREAKER_MAX_REQUESTS"`
	// Interval is the closed-state window after which counts reset.
	Interval time.Duration `env:"BREAKER_INTERVAL"`
	// Timeout is how long the breaker stays open before a trial call.
	Timeout time.Duration `env:"BREAKER_TIMEOUT"`
	// ConsecutiveFailures trips the breaker on its own.
	ConsecutiveFailures uint32 `env:"BREAKER_CONSECUTIVE_FAILURES"`
	// FailureRatio trips the breaker once MinRequests calls were seen.
	FailureRatio float64 `env:"BREAKER_FAILURE_RATIO"`
	MinRequests  uint32  `env:"BREAKER_MIN_REQUESTS"`
}

// DefaultConfig provides balanced settings for most dependencies.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 15,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// BrokerConfig trips quickly; a message broker is either up or down.
func BrokerConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

func (cfg Config) normalize() Config {
	defaults := DefaultConfig()

	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}

	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = defaults.ConsecutiveFailures
	}

	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = defaults.FailureRatio
	}

	if cfg.MinRequests == 0 {
		cfg.MinRequests = defaults.MinRequests
	}

	return cfg
}

func (cfg Config) readyToTrip(requests, totalFailures, consecutiveFailures uint32) bool {
	if consecutiveFailures >= cfg.ConsecutiveFailures {
		return true
	}

	if requests < cfg.MinRequests || requests == 0 {
		return false
	}

	return float64(totalFailures)/float64(requests) >= cfg.FailureRatio
}
