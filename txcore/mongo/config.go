package mongo

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/seventv/txcore/txcore/log"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultServerSelectionTimeout = 5 * time.Second
	defaultHeartbeatInterval      = 10 * time.Second
	maxMaxPoolSize                = 1000
	connectBackoffCap             = 30 * time.Second
)

// TLSConfig configures server certificate validation.
type TLSConfig struct {
	CACertBase64 string `env:"MONGO_TLS_CA_CERT"`
	MinVersion   uint16
}

// Config defines connection and pool behavior.
type Config struct {
	URI                    string        `env:"MONGO_URI"`
	Database               string        `env:"MONGO_DATABASE"`
	MaxPoolSize            uint64        `env:"MONGO_MAX_POOL_SIZE"`
	ServerSelectionTimeout time.Duration `env:"MONGO_SERVER_SELECTION_TIMEOUT"`
	HeartbeatInterval      time.Duration `env:"MONGO_HEARTBEAT_INTERVAL"`
	TLS                    *TLSConfig
	Logger                 log.Logger
	MeterProvider          metric.MeterProvider
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.URI) == "" {
		return ErrEmptyURI
	}

	if strings.TrimSpace(cfg.Database) == "" {
		return ErrEmptyDatabaseName
	}

	if cfg.TLS != nil && strings.TrimSpace(cfg.TLS.CACertBase64) == "" {
		return configError("TLS CA cert is required when TLS is configured")
	}

	return nil
}

func (cfg Config) normalize() Config {
	cfg.MaxPoolSize = min(cfg.MaxPoolSize, maxMaxPoolSize)

	if cfg.ServerSelectionTimeout <= 0 {
		cfg.ServerSelectionTimeout = defaultServerSelectionTimeout
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	if cfg.TLS != nil {
		t := *cfg.TLS
		if t.MinVersion < tls.VersionTLS12 {
			t.MinVersion = tls.VersionTLS12
		}

		cfg.TLS = &t
	}

	cfg.Logger = log.OrNop(cfg.Logger)

	return cfg
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	pem, err := base64.StdEncoding.DecodeString(cfg.CACertBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding CA cert: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, configError("CA cert is not valid PEM")
	}

	if cfg.MinVersion != tls.VersionTLS12 && cfg.MinVersion != tls.VersionTLS13 {
		return nil, configError(fmt.Sprintf("unsupported TLS MinVersion %#x", cfg.MinVersion))
	}

	return &tls.Config{RootCAs: pool, MinVersion: cfg.MinVersion}, nil
}

func isTLSImplied(uri string) bool {
	return strings.HasPrefix(uri, "mongodb+srv://") ||
		strings.Contains(uri, "tls=true") ||
		strings.Contains(uri, "ssl=true")
}
