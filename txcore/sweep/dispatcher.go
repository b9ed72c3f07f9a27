package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seventv/txcore/txcore"
	"github.com/seventv/txcore/txcore/backoff"
	"github.com/seventv/txcore/txcore/circuitbreaker"
	constant "github.com/seventv/txcore/txcore/constants"
	"github.com/seventv/txcore/txcore/errgroup"
	"github.com/seventv/txcore/txcore/event"
	"github.com/seventv/txcore/txcore/log"
	"github.com/seventv/txcore/txcore/opentelemetry"
	"github.com/seventv/txcore/txcore/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher runs the reconciliation loop.
type Dispatcher struct {
	repo       Repository
	handlers   *HandlerRegistry
	classifier RetryClassifier
	logger     log.Logger
	tracer     trace.Tracer
	cfg        Config
	now        func() time.Time

	listFailures   int
	listFailuresMu sync.Mutex

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics sweepMetrics
}

var _ txcore.App = (*Dispatcher)(nil)

// Result captures one sweep cycle.
type Result struct {
	Processed         int
	Reconciled        int
	Failed            int
	Quarantined       int
	StateUpdateFailed int
	// Deferred events were left untouched because the dispatcher was
	// stopping or a circuit breaker rejected the call.
	Deferred int
}

type outcome int

const (
	outcomeReconciled outcome = iota
	outcomeFailed
	outcomeQuarantined
	outcomeStateUpdateFailed
	outcomeDeferred
)

// NewDispatcher builds a Dispatcher. A nil logger or tracer falls back to a
// no-op logger and the global tracer provider.
func NewDispatcher(
	repo Repository,
	handlers *HandlerRegistry,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...Option,
) (*Dispatcher, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if handlers == nil {
		return nil, ErrHandlerRegistryRequired
	}

	if tracer == nil {
		tracer = otel.Tracer(constant.TelemetrySDKName + "/sweep")
	}

	dispatcher := &Dispatcher{
		repo:     repo,
		handlers: handlers,
		logger:   log.OrNop(logger),
		tracer:   tracer,
		cfg:      DefaultConfig(),
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newSweepMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init sweep metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run runs the loop under a Launcher until ctx is cancelled or Stop is
// called.
func (dispatcher *Dispatcher) Run(ctx context.Context, launcher *txcore.Launcher) error {
	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(ctx, log.LevelInfo, "sweep dispatcher started")
		defer launcher.Logger.Log(context.WithoutCancel(ctx), log.LevelInfo, "sweep dispatcher stopped")
	}

	return dispatcher.RunContext(ctx)
}

// RunContext sweeps once immediately, then every Interval, until ctx is
// cancelled or Stop is called.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context) error {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.handlers == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()
	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "sweep", "dispatcher_run")

	ticker := time.NewTicker(dispatcher.cfg.Interval)
	defer ticker.Stop()

	dispatcher.cycle(ctx)

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.cycle(ctx)
		}
	}
}

func (dispatcher *Dispatcher) cycle(ctx context.Context) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()
	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "sweep", "dispatcher_cycle")

	result := dispatcher.DispatchOnce(ctx)
	if result.Processed == 0 {
		return
	}

	dispatcher.logger.Log(ctx, log.LevelInfo, "sweep cycle finished",
		log.Int("processed", result.Processed),
		log.Int("reconciled", result.Reconciled),
		log.Int("failed", result.Failed),
		log.Int("quarantined", result.Quarantined),
		log.Int("state_update_failed", result.StateUpdateFailed),
		log.Int("deferred", result.Deferred),
	)
}

// Stop signals the loop to return.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(ctx, dispatcher.logger, "sweep", "dispatcher_shutdown_wait", func(context.Context) {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweep dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce runs one sweep cycle: it lists pending events and reconciles
// them with at most Concurrency handlers in flight.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) Result {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.handlers == nil {
		return Result{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()

	ctx, span := dispatcher.tracer.Start(ctx, "sweep.dispatch")
	defer span.End()

	before := dispatcher.now().Add(-dispatcher.cfg.GracePeriod)

	events, err := dispatcher.repo.ListPending(ctx, before, dispatcher.cfg.MaxAttempts, dispatcher.cfg.BatchSize)
	if err != nil {
		dispatcher.handleListError(ctx, span, err)

		return Result{}
	}

	dispatcher.clearListFailures()
	dispatcher.metrics.pending.Record(ctx, int64(len(events)))

	var (
		result Result
		mu     sync.Mutex
		group  errgroup.Group
	)

	group.SetLimit(dispatcher.cfg.Concurrency)
	group.SetLogger(dispatcher.logger)

	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}

		group.Go(func() error {
			out := dispatcher.reconcile(ctx, ev)

			mu.Lock()
			defer mu.Unlock()

			result.Processed++

			switch out {
			case outcomeReconciled:
				result.Reconciled++
			case outcomeFailed:
				result.Failed++
			case outcomeQuarantined:
				result.Quarantined++
			case outcomeStateUpdateFailed:
				result.StateUpdateFailed++
			case outcomeDeferred:
				result.Deferred++
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		opentelemetry.HandleSpanError(span, "sweep worker failed", err)
	}

	span.SetAttributes(
		attribute.Int("sweep.processed", result.Processed),
		attribute.Int("sweep.reconciled", result.Reconciled),
		attribute.Int("sweep.failed", result.Failed),
		attribute.Int("sweep.quarantined", result.Quarantined),
		attribute.Int("sweep.deferred", result.Deferred),
	)

	dispatcher.metrics.duration.Record(ctx, time.Since(start).Seconds())

	return result
}

func (dispatcher *Dispatcher) reconcile(ctx context.Context, ev event.StoredEvent) outcome {
	ctx, span := dispatcher.tracer.Start(ctx, "sweep.reconcile", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.kind", ev.Kind),
		attribute.Int("event.sweep_attempts", ev.SweepAttempts),
	))
	defer span.End()

	handleErr := dispatcher.handleWithRetry(ctx, ev)
	if handleErr == nil {
		if err := dispatcher.repo.MarkIndexed(ctx, ev.ID, dispatcher.now()); err != nil {
			opentelemetry.HandleSpanError(span, "failed to mark stored event indexed", err)
			dispatcher.logger.Log(ctx, log.LevelError,
				"stored event reconciled but not marked indexed; it will be handled again",
				log.String("event_id", ev.ID),
				log.String("error", sanitizeError(err)),
			)
			dispatcher.metrics.markFailed.Add(ctx, 1)

			return outcomeStateUpdateFailed
		}

		dispatcher.metrics.reconciled.Add(ctx, 1)

		return outcomeReconciled
	}

	opentelemetry.HandleSpanError(span, "sweep handler failed", handleErr)

	// Neither shutdown nor an open breaker is the event's fault.
	if ctx.Err() != nil || circuitbreaker.IsRejected(handleErr) {
		dispatcher.logger.Log(ctx, log.LevelDebug, "stored event deferred",
			log.String("event_id", ev.ID),
			log.String("error", sanitizeError(handleErr)),
		)

		return outcomeDeferred
	}

	dispatcher.metrics.failed.Add(ctx, 1)

	msg := sanitizeError(handleErr)

	if dispatcher.isNonRetryable(handleErr) {
		if err := dispatcher.repo.Quarantine(ctx, ev.ID, msg, dispatcher.cfg.MaxAttempts); err != nil {
			dispatcher.logger.Log(ctx, log.LevelError, "failed to quarantine stored event",
				log.String("event_id", ev.ID),
				log.String("error", sanitizeError(err)),
			)

			return outcomeFailed
		}

		dispatcher.quarantined(ctx, ev, msg)

		return outcomeQuarantined
	}

	attempts, err := dispatcher.repo.MarkFailed(ctx, ev.ID, msg)
	if err != nil {
		dispatcher.logger.Log(ctx, log.LevelError, "failed to record stored event failure",
			log.String("event_id", ev.ID),
			log.String("error", sanitizeError(err)),
		)

		return outcomeFailed
	}

	if attempts >= dispatcher.cfg.MaxAttempts {
		dispatcher.quarantined(ctx, ev, msg)

		return outcomeQuarantined
	}

	dispatcher.logger.Log(ctx, log.LevelWarn, "stored event reconciliation failed",
		log.String("event_id", ev.ID),
		log.String("kind", ev.Kind),
		log.Int("attempts", attempts),
		log.String("error", msg),
	)

	return outcomeFailed
}

func (dispatcher *Dispatcher) quarantined(ctx context.Context, ev event.StoredEvent, msg string) {
	dispatcher.metrics.quarantined.Add(ctx, 1)
	dispatcher.logger.Log(ctx, log.LevelError, "stored event quarantined",
		log.String("event_id", ev.ID),
		log.String("kind", ev.Kind),
		log.String("error", msg),
	)
}

func (dispatcher *Dispatcher) handleWithRetry(ctx context.Context, ev event.StoredEvent) error {
	maxAttempts := dispatcher.cfg.HandlerMaxAttempts

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := dispatcher.callHandler(ctx, ev)
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("handler attempt %d/%d failed: %w", attempt+1, maxAttempts, err)
		if dispatcher.isNonRetryable(err) || circuitbreaker.IsRejected(err) || attempt == maxAttempts-1 {
			break
		}

		delay := backoff.ExponentialWithJitter(dispatcher.cfg.HandlerBackoff, attempt)
		if waitErr := backoff.SleepWithContext(ctx, delay); waitErr != nil {
			lastErr = fmt.Errorf("handler retry wait interrupted: %w", waitErr)

			break
		}
	}

	return lastErr
}

func (dispatcher *Dispatcher) callHandler(ctx context.Context, ev event.StoredEvent) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, dispatcher.logger, recovered, "sweep", "handler_"+ev.Kind)

			err = fmt.Errorf("%w: %v", ErrHandlerPanicked, recovered)
		}
	}()

	return dispatcher.handlers.Handle(ctx, ev)
}

func (dispatcher *Dispatcher) isNonRetryable(err error) bool {
	if err == nil {
		return false
	}

	if dispatcher.classifier != nil && dispatcher.classifier.IsNonRetryable(err) {
		return true
	}

	return defaultNonRetryable(err)
}

func (dispatcher *Dispatcher) handleListError(ctx context.Context, span trace.Span, err error) {
	opentelemetry.HandleSpanError(span, "failed to list pending stored events", err)

	dispatcher.listFailuresMu.Lock()
	dispatcher.listFailures++
	count := dispatcher.listFailures
	dispatcher.listFailuresMu.Unlock()

	level := log.LevelWarn
	if count >= dispatcher.cfg.ListFailureThreshold {
		level = log.LevelError
	}

	if errors.Is(err, context.Canceled) {
		level = log.LevelDebug
	}

	dispatcher.logger.Log(ctx, level, "failed to list pending stored events",
		log.Int("consecutive_failures", count),
		log.String("error", sanitizeError(err)),
	)
}

func (dispatcher *Dispatcher) clearListFailures() {
	dispatcher.listFailuresMu.Lock()
	dispatcher.listFailures = 0
	dispatcher.listFailuresMu.Unlock()
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}
