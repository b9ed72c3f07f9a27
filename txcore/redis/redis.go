package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/seventv/txcore/txcore/backoff"
	constant "github.com/seventv/txcore/txcore/constants"
	"github.com/seventv/txcore/txcore/log"
	libOpentelemetry "github.com/seventv/txcore/txcore/opentelemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const tracerName = "redis"

var (
	// ErrNilClient is returned when a redis client receiver is nil.
	ErrNilClient = errors.New("redis client is nil")
	// ErrInvalidConfig indicates the provided redis configuration is invalid.
	ErrInvalidConfig = errors.New("invalid redis config")
	// ErrRateLimited is returned by GetClient while reconnects back off.
	ErrRateLimited = errors.New("redis reconnect rate-limited")
)

// Config defines Redis client topology, auth, TLS, and connection settings.
type Config struct {
	Topology      Topology
	TLS           *TLSConfig
	Auth          Auth
	Options       ConnectionOptions
	Logger        log.Logger
	MeterProvider metric.MeterProvider
}

// Topology selects exactly one Redis deployment mode.
type Topology struct {
	Standalone *StandaloneTopology
	Sentinel   *SentinelTopology
	Cluster    *ClusterTopology
}

// StandaloneTopology configures single-node Redis access.
type StandaloneTopology struct {
	Address string
}

// SentinelTopology configures Redis Sentinel access.
type SentinelTopology struct {
	Addresses  []string
	MasterName string
}

// ClusterTopology configures Redis cluster access.
type ClusterTopology struct {
	Addresses []string
}

// TLSConfig configures TLS validation for Redis connections.
type TLSConfig struct {
	CACertBase64 string
	MinVersion   uint16
}

// Auth selects the Redis authentication strategy.
type Auth struct {
	StaticPassword *StaticPasswordAuth
}

// StaticPasswordAuth authenticates using a static password.
type StaticPasswordAuth struct {
	Password string
}

// String returns a redacted representation to prevent accidental credential logging.
func (StaticPasswordAuth) String() string { return "StaticPasswordAuth{Password:REDACTED}" }

// GoString returns a redacted representation for fmt %#v.
func (a StaticPasswordAuth) GoString() string { return a.String() }

// ConnectionOptions configures protocol, timeouts, pools, and retries.
type ConnectionOptions struct {
	DB              int           `env:"REDIS_DB"`
	Protocol        int           `env:"REDIS_PROTOCOL"`
	PoolSize        int           `env:"REDIS_POOL_SIZE"`
	MinIdleConns    int           `env:"REDIS_MIN_IDLE_CONNS"`
	ReadTimeout     time.Duration `env:"REDIS_READ_TIMEOUT"`
	WriteTimeout    time.Duration `env:"REDIS_WRITE_TIMEOUT"`
	DialTimeout     time.Duration `env:"REDIS_DIAL_TIMEOUT"`
	PoolTimeout     time.Duration `env:"REDIS_POOL_TIMEOUT"`
	MaxRetries      int           `env:"REDIS_MAX_RETRIES"`
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

// Client wraps a redis.UniversalClient with lazy reconnection.
type Client struct {
	mu        sync.RWMutex
	cfg       Config
	logger    log.Logger
	client    redis.UniversalClient
	failures  metric.Int64Counter
	reconnect metric.Int64Counter

	// Reconnects back off exponentially so a down server is not hammered.
	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// New validates config, connects to Redis, and returns a ready client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	meterProvider := normalized.MeterProvider
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}

	meter := meterProvider.Meter(constant.TelemetrySDKName + "/redis")

	failures, err := meter.Int64Counter("txcore.redis.connection_failures",
		metric.WithDescription("Failed redis connection attempts"),
		metric.WithUnit("{failure}"))
	if err != nil {
		return nil, fmt.Errorf("redis metrics: %w", err)
	}

	reconnect, err := meter.Int64Counter("txcore.redis.reconnections",
		metric.WithDescription("Redis reconnection attempts by result"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, fmt.Errorf("redis metrics: %w", err)
	}

	c := &Client{
		cfg:       normalized,
		logger:    normalized.Logger,
		failures:  failures,
		reconnect: reconnect,
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect establishes a Redis connection using the current client configuration.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "redis.connect")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRedis))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		c.recordConnectionFailure(ctx, "connect")
		libOpentelemetry.HandleSpanError(span, "Failed to connect to redis", err)

		return err
	}

	return nil
}

// reconnectBackoffCap is the maximum delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

// GetClient returns a connected redis client, reconnecting on demand if needed.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()

	if c.client != nil {
		client := c.client
		c.mu.RUnlock()

		return client, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.reconnectAttempts > 0 {
		delay := backoff.Capped(backoff.Exponential(500*time.Millisecond, c.reconnectAttempts-1), reconnectBackoffCap)
		if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("%w: next attempt in %s", ErrRateLimited, delay-elapsed)
		}
	}

	c.lastReconnectAttempt = time.Now()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "redis.reconnect")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRedis))

	if err := c.connectLocked(ctx); err != nil {
		c.reconnectAttempts++
		c.recordConnectionFailure(ctx, "reconnect")
		c.recordReconnection(ctx, "failure")
		libOpentelemetry.HandleSpanError(span, "Failed to reconnect redis", err)

		return nil, err
	}

	c.reconnectAttempts = 0
	c.recordReconnection(ctx, "success")

	return c.client, nil
}

// Close closes the underlying Redis client. GetClient reconnects afterwards.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeClientLocked()
}

// IsConnected reports whether the underlying client is currently open.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.client != nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.logger.Log(ctx, log.LevelInfo, "connecting to redis")

	if err := c.closeClientLocked(); err != nil {
		c.logger.Log(ctx, log.LevelWarn, "close before connect failed", log.Err(err))
	}

	opts, err := c.buildUniversalOptions()
	if err != nil {
		return fmt.Errorf("redis connect: build options: %w", err)
	}

	rdb := redis.NewUniversalClient(opts)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()

		c.logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err))

		return fmt.Errorf("redis connect: ping: %w", err)
	}

	c.client = rdb

	switch rdb.(type) {
	case *redis.ClusterClient:
		c.logger.Log(ctx, log.LevelInfo, "connected to redis in cluster mode")
	case *redis.Client:
		c.logger.Log(ctx, log.LevelInfo, "connected to redis in standalone mode")
	default:
		c.logger.Log(ctx, log.LevelInfo, "connected to redis")
	}

	if c.cfg.TLS == nil {
		c.logger.Log(ctx, log.LevelWarn, "redis connection established without TLS")
	}

	return nil
}

func (c *Client) closeClientLocked() error {
	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil

	return err
}

func (c *Client) buildUniversalOptions() (*redis.UniversalOptions, error) {
	o := c.cfg.Options
	opts := &redis.UniversalOptions{
		DB:              o.DB,
		Protocol:        o.Protocol,
		PoolSize:        o.PoolSize,
		MinIdleConns:    o.MinIdleConns,
		ReadTimeout:     o.ReadTimeout,
		WriteTimeout:    o.WriteTimeout,
		DialTimeout:     o.DialTimeout,
		PoolTimeout:     o.PoolTimeout,
		MaxRetries:      o.MaxRetries,
		MinRetryBackoff: o.MinRetryBackoff,
		MaxRetryBackoff: o.MaxRetryBackoff,
	}

	switch t := c.cfg.Topology; {
	case t.Standalone != nil:
		opts.Addrs = []string{t.Standalone.Address}
	case t.Sentinel != nil:
		opts.Addrs = t.Sentinel.Addresses
		opts.MasterName = t.Sentinel.MasterName
	case t.Cluster != nil:
		opts.Addrs = t.Cluster.Addresses
	}

	// go-redis falls back to localhost:6379 on empty Addrs.
	if len(opts.Addrs) == 0 {
		return nil, configError("no topology configured: at least one address is required")
	}

	if c.cfg.Auth.StaticPassword != nil {
		opts.Password = c.cfg.Auth.StaticPassword.Password
	}

	if c.cfg.TLS != nil {
		tlsCfg, err := buildTLSConfig(*c.cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("redis: TLS config: %w", err)
		}

		opts.TLSConfig = tlsCfg
	}

	return opts, nil
}

func normalizeConfig(cfg Config) (Config, error) {
	cfg.Logger = log.OrNop(cfg.Logger)
	normalizeConnectionOptionsDefaults(&cfg.Options)

	if cfg.TLS != nil {
		t := *cfg.TLS
		if t.MinVersion < tls.VersionTLS12 {
			t.MinVersion = tls.VersionTLS12
		}

		cfg.TLS = &t
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

const maxPoolSize = 1000

func normalizeConnectionOptionsDefaults(options *ConnectionOptions) {
	if options.PoolSize == 0 {
		options.PoolSize = 10
	}

	options.PoolSize = min(options.PoolSize, maxPoolSize)

	if options.ReadTimeout == 0 {
		options.ReadTimeout = 3 * time.Second
	}

	if options.WriteTimeout == 0 {
		options.WriteTimeout = 3 * time.Second
	}

	if options.DialTimeout == 0 {
		options.DialTimeout = 5 * time.Second
	}

	if options.PoolTimeout == 0 {
		options.PoolTimeout = 2 * time.Second
	}

	if options.MaxRetries == 0 {
		options.MaxRetries = 3
	}

	if options.MinRetryBackoff == 0 {
		options.MinRetryBackoff = 8 * time.Millisecond
	}

	if options.MaxRetryBackoff == 0 {
		options.MaxRetryBackoff = time.Second
	}
}

func validateConfig(cfg Config) error {
	if err := validateTopology(cfg.Topology); err != nil {
		return err
	}

	if cfg.TLS != nil && strings.TrimSpace(cfg.TLS.CACertBase64) == "" {
		return configError("TLS CA cert is required when TLS is configured")
	}

	return nil
}

func validateTopology(topology Topology) error {
	count := 0

	if topology.Standalone != nil {
		count++

		if strings.TrimSpace(topology.Standalone.Address) == "" {
			return configError("standalone address is required")
		}
	}

	if topology.Sentinel != nil {
		count++

		if strings.TrimSpace(topology.Sentinel.MasterName) == "" {
			return configError("sentinel master name is required")
		}

		if err := validateAddresses("sentinel", topology.Sentinel.Addresses); err != nil {
			return err
		}
	}

	if topology.Cluster != nil {
		count++

		if err := validateAddresses("cluster", topology.Cluster.Addresses); err != nil {
			return err
		}
	}

	if count != 1 {
		return configError("exactly one topology must be configured")
	}

	return nil
}

func validateAddresses(mode string, addresses []string) error {
	if len(addresses) == 0 {
		return configError(mode + " addresses are required")
	}

	for _, address := range addresses {
		if strings.TrimSpace(address) == "" {
			return configError(mode + " addresses cannot be empty")
		}
	}

	return nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	caCert, err := base64.StdEncoding.DecodeString(cfg.CACertBase64)
	if err != nil {
		return nil, err
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("adding CA cert failed")
	}

	tlsConfig := &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.MinVersion == tls.VersionTLS13 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	return tlsConfig, nil
}

func (c *Client) recordConnectionFailure(ctx context.Context, operation string) {
	c.failures.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("operation", constant.SanitizeMetricLabel(operation)),
	))
}

func (c *Client) recordReconnection(ctx context.Context, result string) {
	c.reconnect.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
