package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/seventv/txcore/txcore/backoff"
	constant "github.com/seventv/txcore/txcore/constants"
	"github.com/seventv/txcore/txcore/log"
	libOpentelemetry "github.com/seventv/txcore/txcore/opentelemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultHealthCheckTimeout = 5 * time.Second
	reconnectBackoffBase      = 500 * time.Millisecond
	reconnectBackoffCap       = 30 * time.Second
	healthCheckPath           = "/api/health/checks/alarms"
)

var (
	// ErrNilConnection is returned when a method is called on a nil Connection.
	ErrNilConnection = errors.New("rabbitmq connection is nil")
	// ErrInvalidConfig indicates an invalid connection configuration.
	ErrInvalidConfig = errors.New("invalid rabbitmq config")
	// ErrInsecureTLS is returned when the health check client skips TLS
	// verification without AllowInsecureTLS.
	ErrInsecureTLS = errors.New("rabbitmq health check client has TLS verification disabled; set AllowInsecureTLS to accept it")
	// ErrRateLimited is returned while reconnects are backing off.
	ErrRateLimited = errors.New("rabbitmq reconnect rate-limited")
	// ErrHealthCheckFailed is returned when the management API reports a problem.
	ErrHealthCheckFailed = errors.New("rabbitmq health check failed")
)

// Config configures a Connection.
type Config struct {
	// URL is the AMQP connection string.
	URL string `env:"RABBITMQ_URL"`
	// HealthCheckURL is the management API base URL. Empty skips the check.
	HealthCheckURL string `env:"RABBITMQ_HEALTH_CHECK_URL"`
	User           string `env:"RABBITMQ_USER"`
	Pass           string `env:"RABBITMQ_PASS"`
	// AllowInsecureTLS accepts a health check client with InsecureSkipVerify.
	AllowInsecureTLS bool `env:"RABBITMQ_ALLOW_INSECURE_TLS"`

	HealthHTTPClient *http.Client
	Logger           log.Logger
	MeterProvider    metric.MeterProvider
}

// Connection owns one AMQP connection and its shared channel, reconnecting
// on demand with a rate limit.
type Connection struct {
	mu       sync.Mutex
	cfg      Config
	logger   log.Logger
	conn     *amqp.Connection
	channel  *amqp.Channel
	failures metric.Int64Counter
	health   *http.Client

	lastReconnectAttempt time.Time
	reconnectAttempts    int

	dial          func(ctx context.Context, url string) (*amqp.Connection, error)
	openChannel   func(conn *amqp.Connection) (*amqp.Channel, error)
	connClosed    func(conn *amqp.Connection) bool
	channelClosed func(ch *amqp.Channel) bool
	closeConn     func(conn *amqp.Connection) error
	closeChannel  func(ch *amqp.Channel) error
}

// NewConnection validates cfg. It does not dial; call Connect.
func NewConnection(cfg Config) (*Connection, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: URL is required", ErrInvalidConfig)
	}

	health := cfg.HealthHTTPClient
	if health == nil {
		health = &http.Client{Timeout: defaultHealthCheckTimeout}
	}

	if transport, ok := health.Transport.(*http.Transport); ok && transport.TLSClientConfig != nil &&
		transport.TLSClientConfig.InsecureSkipVerify && !cfg.AllowInsecureTLS {
		return nil, ErrInsecureTLS
	}

	provider := cfg.MeterProvider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	failures, err := provider.Meter(constant.TelemetrySDKName+"/rabbitmq").Int64Counter(
		"txcore.rabbitmq.connection_failures",
		metric.WithDescription("Number of failed rabbitmq connection attempts"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rabbitmq metrics: %w", err)
	}

	return &Connection{
		cfg:      cfg,
		logger:   log.OrNop(cfg.Logger),
		failures: failures,
		health:   health,
		dial: func(_ context.Context, url string) (*amqp.Connection, error) {
			return amqp.Dial(url)
		},
		openChannel: func(conn *amqp.Connection) (*amqp.Channel, error) {
			if conn == nil {
				return nil, errors.New("cannot open channel: connection is nil")
			}

			return conn.Channel()
		},
		connClosed:    func(conn *amqp.Connection) bool { return conn == nil || conn.IsClosed() },
		channelClosed: func(ch *amqp.Channel) bool { return ch == nil || ch.IsClosed() },
		closeConn: func(conn *amqp.Connection) error {
			if conn == nil {
				return nil
			}

			return conn.Close()
		},
		closeChannel: func(ch *amqp.Channel) error {
			if ch == nil {
				return nil
			}

			return ch.Close()
		},
	}, nil
}

// Connect dials, opens the shared channel and runs the health check.
func (c *Connection) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilConnection
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	ctx, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrMessagingSystem, constant.DBSystemRabbitMQ))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", err)

		return err
	}

	return nil
}

func (c *Connection) connectLocked(ctx context.Context) error {
	c.logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	c.lastReconnectAttempt = time.Now()

	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		c.reconnectAttempts++
		c.recordFailure(ctx, "dial")
		c.logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq", log.String("error_detail", sanitizeAMQPErr(err, c.cfg.URL)))

		return newSanitizedError(err, c.cfg.URL, "connect to rabbitmq")
	}

	ch, err := c.openChannel(conn)
	if err == nil && ch == nil {
		err = errors.New("channel factory returned nil channel")
	}

	if err != nil {
		c.reconnectAttempts++
		c.recordFailure(ctx, "open_channel")
		c.discardConn(ctx, conn)

		return fmt.Errorf("open rabbitmq channel: %w", err)
	}

	if err := c.checkHealth(ctx); err != nil {
		c.reconnectAttempts++
		c.recordFailure(ctx, "health_check")
		c.discardConn(ctx, conn)

		return err
	}

	if c.conn != nil && c.conn != conn {
		c.discardConn(ctx, c.conn)
	}

	c.conn = conn
	c.channel = ch
	c.reconnectAttempts = 0

	c.logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return nil
}

// Channel returns the shared channel, reconnecting when the connection or
// channel has closed. Reconnects back off exponentially after failures.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, ErrNilConnection
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && !c.channelClosed(c.channel) {
		return c.channel, nil
	}

	if c.conn != nil && !c.connClosed(c.conn) {
		ch, err := c.openChannel(c.conn)
		if err == nil && ch != nil {
			c.channel = ch

			return ch, nil
		}

		c.recordFailure(ctx, "reopen_channel")
	}

	if err := c.waitReconnectLocked(); err != nil {
		return nil, err
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.channel, nil
}

// NewChannel opens a dedicated channel on the current connection. Publishers
// in confirm mode need their own channel.
func (c *Connection) NewChannel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, ErrNilConnection
	}

	if _, err := c.Channel(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	ch, err := c.openChannel(conn)
	if err != nil {
		c.recordFailure(ctx, "open_dedicated_channel")

		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return ch, nil
}

func (c *Connection) waitReconnectLocked() error {
	if c.reconnectAttempts == 0 {
		return nil
	}

	delay := backoff.Capped(backoff.Exponential(reconnectBackoffBase, c.reconnectAttempts-1), reconnectBackoffCap)

	if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
		return fmt.Errorf("%w: next attempt in %s", ErrRateLimited, delay-elapsed)
	}

	return nil
}

// IsConnected reports whether the connection is open.
func (c *Connection) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil && !c.connClosed(c.conn)
}

// HealthCheck queries the management API alarms endpoint.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil {
		return ErrNilConnection
	}

	ctx, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.health_check")
	defer span.End()

	if err := c.checkHealth(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "RabbitMQ health check failed", err)

		return err
	}

	return nil
}

func (c *Connection) checkHealth(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.HealthCheckURL) == "" {
		return nil
	}

	healthURL, err := healthEndpoint(c.cfg.HealthCheckURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}

	req.SetBasicAuth(c.cfg.User, c.cfg.Pass)

	resp, err := c.health.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %s", ErrHealthCheckFailed, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}

	var result struct {
		Status string `json:"status"`
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}

	if result.Status != "ok" {
		return fmt.Errorf("%w: status %q", ErrHealthCheckFailed, result.Status)
	}

	return nil
}

// Close closes the shared channel and the connection.
func (c *Connection) Close(ctx context.Context) error {
	if c == nil {
		return ErrNilConnection
	}

	c.mu.Lock()
	ch, conn := c.channel, c.conn
	c.channel, c.conn = nil, nil
	c.mu.Unlock()

	var errs []error

	if ch != nil {
		if err := c.closeChannel(ch); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close rabbitmq channel: %w", err))
		}
	}

	if conn != nil {
		if err := c.closeConn(conn); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close rabbitmq connection: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq", log.Err(err))
	}

	return err
}

func (c *Connection) discardConn(ctx context.Context, conn *amqp.Connection) {
	if err := c.closeConn(conn); err != nil {
		c.logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq connection during cleanup", log.Err(err))
	}
}

func (c *Connection) recordFailure(ctx context.Context, operation string) {
	c.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", constant.SanitizeMetricLabel(operation)),
	))
}

// healthEndpoint appends the alarms path to a management base URL unless it
// is already there.
func healthEndpoint(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("health check URL must use http or https")
	}

	if parsed.Host == "" {
		return "", errors.New("health check URL must include a host")
	}

	if parsed.User != nil {
		return "", errors.New("health check URL must not include credentials")
	}

	normalized := strings.TrimSuffix(parsed.String(), "/")
	if strings.HasSuffix(normalized, healthCheckPath) {
		return normalized, nil
	}

	return normalized + healthCheckPath, nil
}

// sanitizedError keeps the original error for errors.Is while printing a
// message with the connection credentials redacted.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	if connectionString == "" {
		return msg
	}

	ref, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return msg
	}

	redacted := ref.Redacted()
	msg = strings.ReplaceAll(msg, connectionString, redacted)
	msg = strings.ReplaceAll(msg, ref.String(), redacted)

	if ref.User != nil {
		if pass, ok := ref.User.Password(); ok && pass != "" {
			msg = strings.ReplaceAll(msg, pass, "xxxxx")
		}
	}

	return msg
}

// BuildConnectionString assembles an AMQP URL. User, password and vhost are
// escaped; an empty vhost means "/".
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	switch {
	case port != "":
		u.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":") && !strings.HasPrefix(host, "["):
		u.Host = "[" + host + "]"
	default:
		u.Host = host
	}

	if vhost != "" {
		// vhosts may contain '/', which must be sent as %2F.
		escaped := strings.ReplaceAll(url.QueryEscape(vhost), "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escaped
	}

	return u.String()
}
