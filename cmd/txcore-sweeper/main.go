// Command txcore-sweeper republishes stored events whose post-commit
// broadcast never reached the search index.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seventv/txcore/txcore"
	"github.com/seventv/txcore/txcore/circuitbreaker"
	"github.com/seventv/txcore/txcore/log"
	txmongo "github.com/seventv/txcore/txcore/mongo"
	"github.com/seventv/txcore/txcore/opentelemetry"
	"github.com/seventv/txcore/txcore/rabbitmq"
	"github.com/seventv/txcore/txcore/sweep"
	"github.com/seventv/txcore/txcore/transaction"
	tzap "github.com/seventv/txcore/txcore/zap"
)

const brokerBreaker = "rabbitmq"

var (
	_ transaction.Publisher = (*rabbitmq.EventPublisher)(nil)
	_ sweep.Publisher       = (*rabbitmq.EventPublisher)(nil)
)

// Config is read from the environment.
type Config struct {
	Log       tzap.Config
	Telemetry opentelemetry.Config
	Mongo     txmongo.Config
	RabbitMQ  rabbitmq.Config
	Events    rabbitmq.EventPublisherConfig
	Breaker   circuitbreaker.Config
	Sweep     sweep.Config

	// Subject is the routing key of republished payloads. It must match the
	// executor's EventSubject.
	Subject         string        `env:"SWEEP_EVENT_SUBJECT"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

func defaultConfig() Config {
	return Config{
		Log:             tzap.Config{Environment: tzap.EnvironmentProduction},
		Telemetry:       opentelemetry.Config{ServiceName: "txcore-sweeper"},
		Events:          rabbitmq.EventPublisherConfig{AppID: "txcore-sweeper"},
		Breaker:         circuitbreaker.BrokerConfig(),
		Sweep:           sweep.DefaultConfig(),
		Subject:         transaction.DefaultConfig().EventSubject,
		ShutdownTimeout: 15 * time.Second,
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "txcore-sweeper: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := defaultConfig()
	if err := txcore.SetConfigFromEnvVars(&cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := tzap.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	defer func() { _ = logger.Sync(context.Background()) }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ctx = txcore.ContextWithLogger(ctx, logger)

	cfg.Telemetry.Logger = logger

	telemetry, err := opentelemetry.Init(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	defer shutdown(logger, cfg.ShutdownTimeout, "telemetry", telemetry.Shutdown)

	cfg.Mongo.Logger = logger
	cfg.Mongo.MeterProvider = telemetry.MeterProvider

	store, err := txmongo.NewClient(ctx, cfg.Mongo)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}

	defer shutdown(logger, cfg.ShutdownTimeout, "mongo", store.Close)

	publisher, closeBus, err := newEventPublisher(ctx, cfg, logger, telemetry)
	if err != nil {
		return err
	}

	defer closeBus()

	dispatcher, err := newDispatcher(ctx, cfg, store, publisher, logger, telemetry)
	if err != nil {
		return err
	}

	defer shutdown(logger, cfg.ShutdownTimeout, "sweep", dispatcher.Shutdown)

	logger.Log(ctx, log.LevelInfo, "txcore sweeper starting",
		log.Duration("interval", cfg.Sweep.Interval),
		log.Duration("grace_period", cfg.Sweep.GracePeriod),
		log.Int("batch_size", cfg.Sweep.BatchSize),
		log.String("subject", cfg.Subject),
		log.String("exchange", publisher.Exchange()),
	)

	launcher := txcore.NewLauncher(
		txcore.WithLogger(logger),
		txcore.RunApp("sweep", dispatcher),
	)

	if err := launcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sweeper exited: %w", err)
	}

	return nil
}

func newEventPublisher(
	ctx context.Context,
	cfg Config,
	logger log.Logger,
	telemetry *opentelemetry.Telemetry,
) (*rabbitmq.EventPublisher, func(), error) {
	cfg.RabbitMQ.Logger = logger
	cfg.RabbitMQ.MeterProvider = telemetry.MeterProvider

	conn, err := rabbitmq.NewConnection(cfg.RabbitMQ)
	if err != nil {
		return nil, nil, fmt.Errorf("configure rabbitmq: %w", err)
	}

	if err := conn.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	closeConn := func() { shutdown(logger, cfg.ShutdownTimeout, "rabbitmq", conn.Close) }

	confirmCh, err := conn.NewChannel(ctx)
	if err != nil {
		closeConn()

		return nil, nil, fmt.Errorf("open confirm channel: %w", err)
	}

	confirmable, err := rabbitmq.NewConfirmablePublisher(confirmCh,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithAutoRecovery(func(ctx context.Context) (rabbitmq.ConfirmableChannel, error) {
			ch, err := conn.NewChannel(ctx)
			if err != nil {
				return nil, err
			}

			return ch, nil
		}),
		rabbitmq.WithHealthCallback(func(state rabbitmq.HealthState) {
			logger.Log(context.Background(), log.LevelInfo, "event publisher health changed", log.String("state", state.String()))
		}),
	)
	if err != nil {
		_ = confirmCh.Close()
		closeConn()

		return nil, nil, fmt.Errorf("init confirmable publisher: %w", err)
	}

	closeAll := func() {
		if err := confirmable.Close(); err != nil {
			logger.Log(context.Background(), log.LevelWarn, "close confirmable publisher", log.Err(err))
		}

		closeConn()
	}

	topologyCh, err := conn.Channel(ctx)
	if err != nil {
		closeAll()

		return nil, nil, fmt.Errorf("open topology channel: %w", err)
	}

	cfg.Events.Logger = logger
	cfg.Events.MeterProvider = telemetry.MeterProvider
	cfg.Events.TracerProvider = telemetry.TracerProvider

	publisher, err := rabbitmq.NewEventPublisher(confirmable, topologyCh, cfg.Events)
	if err != nil {
		closeAll()

		return nil, nil, fmt.Errorf("init event publisher: %w", err)
	}

	return publisher, closeAll, nil
}

func newDispatcher(
	ctx context.Context,
	cfg Config,
	store *txmongo.Client,
	publisher sweep.Publisher,
	logger log.Logger,
	telemetry *opentelemetry.Telemetry,
) (*sweep.Dispatcher, error) {
	repo, err := sweep.NewMongoRepository(store, cfg.Sweep.Collection)
	if err != nil {
		return nil, err
	}

	if err := repo.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure sweep indexes: %w", err)
	}

	breakers, err := circuitbreaker.NewManager(logger, circuitbreaker.WithMeterProvider(telemetry.MeterProvider))
	if err != nil {
		return nil, fmt.Errorf("init circuit breakers: %w", err)
	}

	if err := breakers.GetOrCreate(brokerBreaker, cfg.Breaker); err != nil {
		return nil, err
	}

	guarded, err := sweep.GuardedPublisher(publisher, breakers, brokerBreaker)
	if err != nil {
		return nil, err
	}

	republish, err := sweep.RepublishHandler(guarded, cfg.Subject)
	if err != nil {
		return nil, err
	}

	registry := sweep.NewHandlerRegistry()
	if err := registry.SetFallback(republish); err != nil {
		return nil, err
	}

	cfg.Sweep.MeterProvider = telemetry.MeterProvider

	dispatcher, err := sweep.NewDispatcher(repo, registry, logger,
		telemetry.TracerProvider.Tracer("txcore-sweeper"),
		sweep.WithConfig(cfg.Sweep),
	)
	if err != nil {
		return nil, fmt.Errorf("init sweep dispatcher: %w", err)
	}

	return dispatcher, nil
}

func shutdown(logger log.Logger, timeout time.Duration, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		logger.Log(ctx, log.LevelWarn, "shutdown failed", log.String("component", name), log.Err(err))
	}
}
