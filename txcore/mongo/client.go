package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seventv/txcore/txcore/backoff"
	constant "github.com/seventv/txcore/txcore/constants"
	"github.com/seventv/txcore/txcore/log"
	libOpentelemetry "github.com/seventv/txcore/txcore/opentelemetry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "mongo"

// Option customizes internal client dependencies, mainly for tests.
type Option func(*clientDeps)

type clientDeps struct {
	connect      func(context.Context, *options.ClientOptions) (*mongo.Client, error)
	ping         func(context.Context, *mongo.Client) error
	disconnect   func(context.Context, *mongo.Client) error
	createIndex  func(context.Context, *mongo.Client, string, string, mongo.IndexModel) error
	startSession func(context.Context, *mongo.Client) (mongo.Session, error)
}

func defaultDeps() clientDeps {
	return clientDeps{
		connect: func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
			return mongo.Connect(ctx, opts)
		},
		ping: func(ctx context.Context, client *mongo.Client) error {
			return client.Ping(ctx, nil)
		},
		disconnect: func(ctx context.Context, client *mongo.Client) error {
			return client.Disconnect(ctx)
		},
		createIndex: func(ctx context.Context, client *mongo.Client, database, collection string, index mongo.IndexModel) error {
			_, err := client.Database(database).Collection(collection).Indexes().CreateOne(ctx, index)

			return err
		},
		startSession: func(_ context.Context, client *mongo.Client) (mongo.Session, error) {
			return client.StartSession()
		},
	}
}

// Client wraps a driver client with lifecycle, index and transaction helpers.
type Client struct {
	mu          sync.RWMutex
	client      *mongo.Client
	cfg         Config
	uri         string
	deps        clientDeps
	tracer      trace.Tracer
	failures    metric.Int64Counter
	lastAttempt time.Time
	failedTries int
}

// NewClient validates cfg, connects and pings.
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg = cfg.normalize()

	deps := defaultDeps()

	for _, opt := range opts {
		if opt != nil {
			opt(&deps)
		}
	}

	if deps.connect == nil || deps.ping == nil || deps.disconnect == nil || deps.createIndex == nil || deps.startSession == nil {
		return nil, ErrNilDependency
	}

	meterProvider := cfg.MeterProvider
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}

	failures, err := meterProvider.Meter(constant.TelemetrySDKName+"/mongo").Int64Counter(
		"txcore.mongo.connection_failures",
		metric.WithDescription("Failed mongo connection attempts"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("mongo metrics: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		uri:      cfg.URI,
		deps:     deps,
		tracer:   otel.Tracer(tracerName),
		failures: failures,
	}

	c.cfg.URI = ""

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect opens the connection if it is not already open.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		return ErrNilContext
	}

	ctx, span := c.tracer.Start(ctx, "mongo.connect")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemMongoDB))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	if err := c.connectLocked(ctx); err != nil {
		c.recordConnectionFailure(ctx, "connect")
		libOpentelemetry.HandleSpanError(span, "Failed to connect to mongo", err)

		return err
	}

	return nil
}

// connectLocked requires c.mu held for writing.
func (c *Client) connectLocked(ctx context.Context) error {
	clientOptions := options.Client().
		ApplyURI(c.uri).
		SetServerSelectionTimeout(c.cfg.ServerSelectionTimeout).
		SetHeartbeatInterval(c.cfg.HeartbeatInterval)

	if c.cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(c.cfg.MaxPoolSize)
	}

	if c.cfg.TLS != nil {
		tlsCfg, err := buildTLSConfig(*c.cfg.TLS)
		if err != nil {
			return fmt.Errorf("%w: TLS configuration: %w", ErrConnect, err)
		}

		clientOptions.SetTLSConfig(tlsCfg)
	}

	driver, err := c.deps.connect(ctx, clientOptions)
	if err != nil {
		c.cfg.Logger.Log(ctx, log.LevelWarn, "mongo connect failed", log.Err(err))

		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if driver == nil {
		return fmt.Errorf("%w: driver returned nil client", ErrConnect)
	}

	if err := c.deps.ping(ctx, driver); err != nil {
		if dErr := c.deps.disconnect(ctx, driver); dErr != nil {
			c.cfg.Logger.Log(ctx, log.LevelDebug, "disconnect after failed ping", log.Err(dErr))
		}

		return fmt.Errorf("%w: %w", ErrPing, err)
	}

	c.client = driver

	if c.cfg.TLS == nil && !isTLSImplied(c.uri) {
		c.cfg.Logger.Log(ctx, log.LevelWarn, "mongo connection established without TLS")
	}

	return nil
}

// Client returns the connected driver client.
func (c *Client) Client(ctx context.Context) (*mongo.Client, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, ErrClientClosed
	}

	return c.client, nil
}

// ResolveClient returns a connected driver client, reconnecting lazily.
// Failed reconnects back off exponentially, capped at 30s, so a down
// database is not hammered by every caller.
func (c *Client) ResolveClient(ctx context.Context) (*mongo.Client, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		return nil, ErrNilContext
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.failedTries > 0 {
		delay := backoff.Capped(backoff.Exponential(time.Second, c.failedTries-1), connectBackoffCap)
		if elapsed := time.Since(c.lastAttempt); elapsed < delay {
			return nil, fmt.Errorf("%w: next attempt in %s", ErrRateLimited, delay-elapsed)
		}
	}

	c.lastAttempt = time.Now()

	ctx, span := c.tracer.Start(ctx, "mongo.resolve")
	defer span.End()

	if err := c.connectLocked(ctx); err != nil {
		c.failedTries++
		c.recordConnectionFailure(ctx, "resolve")
		libOpentelemetry.HandleSpanError(span, "Failed to resolve mongo connection", err)

		return nil, err
	}

	c.failedTries = 0

	return c.client, nil
}

// DatabaseName returns the configured database name.
func (c *Client) DatabaseName() string {
	if c == nil {
		return ""
	}

	return c.cfg.Database
}

// Database returns the configured database handle.
func (c *Client) Database(ctx context.Context) (*mongo.Database, error) {
	client, err := c.Client(ctx)
	if err != nil {
		return nil, err
	}

	return client.Database(c.cfg.Database), nil
}

// Ping checks the server using the active connection.
func (c *Client) Ping(ctx context.Context) error {
	client, err := c.Client(ctx)
	if err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "mongo.ping")
	defer span.End()

	if err := c.deps.ping(ctx, client); err != nil {
		pingErr := fmt.Errorf("%w: %w", ErrPing, err)
		libOpentelemetry.HandleSpanError(span, "Mongo ping failed", pingErr)

		return pingErr
	}

	return nil
}

// Close disconnects. The client counts as closed even when disconnect fails.
func (c *Client) Close(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		return ErrNilContext
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.deps.disconnect(ctx, c.client)
	c.client = nil

	if err != nil {
		c.cfg.Logger.Log(ctx, log.LevelWarn, "mongo disconnect failed", log.Err(err))

		return fmt.Errorf("%w: %w", ErrDisconnect, err)
	}

	return nil
}

// EnsureIndexes creates the given indexes on collection. Every index is
// attempted; failures are joined.
func (c *Client) EnsureIndexes(ctx context.Context, collection string, indexes ...mongo.IndexModel) error {
	if strings.TrimSpace(collection) == "" {
		return ErrEmptyCollectionName
	}

	if len(indexes) == 0 {
		return ErrEmptyIndexes
	}

	client, err := c.Client(ctx)
	if err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "mongo.ensure_indexes", trace.WithAttributes(
		attribute.String(constant.AttrDBSystem, constant.DBSystemMongoDB),
		attribute.String(constant.AttrDBMongoDBCollection, collection),
	))
	defer span.End()

	var errs []error

	for _, index := range indexes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrCreateIndex, err))

			break
		}

		fields := indexKeysString(index.Keys)
		c.cfg.Logger.Log(ctx, log.LevelDebug, "ensuring mongo index",
			log.String("collection", collection), log.String("fields", fields))

		if err := c.deps.createIndex(ctx, client, c.cfg.Database, collection, index); err != nil {
			errs = append(errs, fmt.Errorf("%w: collection=%s fields=%s: %w", ErrCreateIndex, collection, fields, err))
		}
	}

	if joined := errors.Join(errs...); joined != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to ensure mongo indexes", joined)

		return joined
	}

	return nil
}

// StartTxn opens a session on the (possibly reconnected) client. The caller
// owns the returned Txn and must call End.
func (c *Client) StartTxn(ctx context.Context) (*Txn, error) {
	client, err := c.ResolveClient(ctx)
	if err != nil {
		return nil, err
	}

	sess, err := c.deps.startSession(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartSession, err)
	}

	return newTxn(sess, client.Database(c.cfg.Database), c.tracer, c.cfg.Logger), nil
}

func (c *Client) recordConnectionFailure(ctx context.Context, operation string) {
	c.failures.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("operation", constant.SanitizeMetricLabel(operation)),
	))
}

func indexKeysString(keys any) string {
	switch k := keys.(type) {
	case bson.D:
		parts := make([]string, 0, len(k))
		for _, e := range k {
			parts = append(parts, e.Key)
		}

		return strings.Join(parts, ",")
	case bson.M:
		parts := make([]string, 0, len(k))
		for key := range k {
			parts = append(parts, key)
		}

		sort.Strings(parts)

		return strings.Join(parts, ",")
	default:
		return "<unknown>"
	}
}
