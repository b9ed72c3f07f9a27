package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seventv/txcore/txcore/backoff"
	constant "github.com/seventv/txcore/txcore/constants"
	"github.com/seventv/txcore/txcore/event"
	"github.com/seventv/txcore/txcore/log"
	txmongo "github.com/seventv/txcore/txcore/mongo"
	libOpentelemetry "github.com/seventv/txcore/txcore/opentelemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "transaction"

const (
	outcomeCommitted       = "committed"
	outcomeCustom          = "custom"
	outcomeFatal           = "fatal"
	outcomeTooManyFailures = "too_many_failures"
	outcomePublishFailed   = "publish_failed"
	outcomeMutexAcquire    = "mutex_acquire"
)

// Executor runs units of work in retrying transactions. It is safe for
// concurrent use; every Run gets its own store session.
type Executor struct {
	store          TxnStarter
	publisher      Publisher
	mutex          Mutex
	logger         log.Logger
	tracer         trace.Tracer
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	metrics        executorMetrics
	cfg            Config
	sleep          func(context.Context, time.Duration) error
	encode         func([]event.Event) ([]byte, error)
}

// New builds an Executor over store.
func New(store TxnStarter, opts ...Option) (*Executor, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	ex := &Executor{
		store:  store,
		logger: log.NewNop(),
		cfg:    DefaultConfig(),
		sleep:  backoff.SleepWithContext,
		encode: event.Encode,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(ex)
		}
	}

	ex.cfg.normalize()

	tracerProvider := ex.tracerProvider
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}

	ex.tracer = tracerProvider.Tracer(tracerName)

	metrics, err := newExecutorMetrics(ex.meterProvider)
	if err != nil {
		return nil, err
	}

	ex.metrics = metrics

	return ex, nil
}

// Config returns the effective configuration.
func (ex *Executor) Config() Config {
	return ex.cfg
}

// Run executes fn in a transaction and returns its value once the
// transaction has committed and its events have been published.
//
// A failure wrapped with Custom is returned unchanged after a single
// attempt. Transient store errors re-run fn, up to Config.MaxAttempts runs
// in total; every other error ends the run. If publishing fails after the
// commit, the committed value is returned together with a KindEventSerialize
// or KindEventPublish error.
func Run[T, E any](ctx context.Context, ex *Executor, fn func(context.Context, *Session) (T, error)) (T, error) {
	var zero T

	if ex == nil {
		return zero, newError[E](KindInfrastructure, ErrNilExecutor)
	}

	if fn == nil {
		return zero, newError[E](KindInfrastructure, ErrNilFunc)
	}

	ctx, span := ex.tracer.Start(ctx, "transaction.run")
	defer span.End()

	start := time.Now()

	value, outcome, err := execute[T, E](ctx, ex, fn)

	ex.recordOutcome(ctx, span, start, outcome, err)

	return value, err
}

// RunWithLock is Run holding the named mutex for key across every attempt.
// A nil key runs without a lock.
func RunWithLock[T, E any](ctx context.Context, ex *Executor, key *MutexKey, fn func(context.Context, *Session) (T, error)) (T, error) {
	var zero T

	if key == nil {
		return Run[T, E](ctx, ex, fn)
	}

	if ex == nil {
		return zero, newError[E](KindInfrastructure, ErrNilExecutor)
	}

	if fn == nil {
		return zero, newError[E](KindInfrastructure, ErrNilFunc)
	}

	name := key.String()

	if ex.mutex == nil {
		return zero, newError[E](KindMutexAcquire, fmt.Errorf("%w for %s", ErrNoMutex, name))
	}

	ctx, span := ex.tracer.Start(ctx, "mutex.acquire", trace.WithAttributes(
		attribute.String(constant.AttrMutexKey, name),
	))
	defer span.End()

	var (
		value  T
		runErr error
		ran    bool
	)

	waitStart := time.Now()

	lockErr := ex.mutex.Acquire(ctx, name, func(ctx context.Context) error {
		ran = true

		ex.metrics.mutexWait.Record(ctx, time.Since(waitStart).Seconds())

		value, runErr = Run[T, E](ctx, ex, fn)

		return runErr
	})

	if !ran {
		if lockErr == nil {
			lockErr = errors.New("mutex returned without running the transaction")
		}

		ex.metrics.mutexFailures.Add(ctx, 1)
		ex.metrics.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String(constant.AttrTxOutcome, outcomeMutexAcquire)))
		ex.logger.Log(ctx, log.LevelWarn, "failed to acquire mutex", log.String("key", name), log.Err(lockErr))
		libOpentelemetry.HandleSpanError(span, "Failed to acquire mutex", lockErr)

		return zero, newError[E](KindMutexAcquire, lockErr)
	}

	if runErr != nil {
		return value, runErr
	}

	if lockErr != nil {
		// The transaction committed; only the release or lease bookkeeping failed.
		ex.logger.Log(ctx, log.LevelWarn, "mutex reported an error after commit", log.String("key", name), log.Err(lockErr))
		libOpentelemetry.HandleSpanEvent(span, "mutex.post_commit_error", attribute.String("error", lockErr.Error()))
	}

	return value, nil
}

func execute[T, E any](ctx context.Context, ex *Executor, fn func(context.Context, *Session) (T, error)) (T, string, error) {
	var zero T

	txn, err := ex.store.StartTxn(ctx)
	if err != nil {
		return zero, outcomeFatal, newError[E](KindInfrastructure, fmt.Errorf("start session: %w", err))
	}
	defer txn.End(context.WithoutCancel(ctx))

	for attempt := 1; ; attempt++ {
		value, events, retry, err := runAttempt[T, E](ctx, ex, txn, attempt, fn)
		if err == nil {
			if err := publish[E](ctx, ex, events); err != nil {
				return value, outcomePublishFailed, err
			}

			return value, outcomeCommitted, nil
		}

		if !retry {
			if IsKind(err, KindCustom) {
				return zero, outcomeCustom, err
			}

			return zero, outcomeFatal, err
		}

		if attempt >= ex.cfg.MaxAttempts {
			return zero, outcomeTooManyFailures, newError[E](KindTooManyFailures,
				fmt.Errorf("%w after %d attempts: %w", ErrTooManyFailures, attempt, err))
		}

		delay := ex.retryDelay()

		ex.metrics.retries.Add(ctx, 1)
		libOpentelemetry.HandleSpanEvent(trace.SpanFromContext(ctx), constant.EventTxRetry,
			attribute.Int(constant.AttrTxAttempt, attempt))
		ex.logger.Log(ctx, log.LevelDebug, "retrying transaction",
			log.Int("attempt", attempt), log.Duration("delay", delay), log.Err(err))

		if err := ex.sleep(ctx, delay); err != nil {
			return zero, outcomeFatal, newError[E](KindInfrastructure, err)
		}
	}
}

// runAttempt runs one Begin, unit of work, event log write and commit.
func runAttempt[T, E any](
	ctx context.Context,
	ex *Executor,
	txn Txn,
	attempt int,
	fn func(context.Context, *Session) (T, error),
) (T, []event.Event, bool, error) {
	var zero T

	ctx, span := ex.tracer.Start(ctx, "transaction.attempt", trace.WithAttributes(
		attribute.Int(constant.AttrTxAttempt, attempt),
	))
	defer span.End()

	ex.metrics.attempts.Add(ctx, 1)

	if err := txn.Begin(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to begin transaction", err)

		return zero, nil, txmongo.IsTransient(err), newError[E](KindInfrastructure, fmt.Errorf("begin: %w", err))
	}

	sess := newSession(txn, attempt)

	value, err := callUnit(ctx, ex, txn, sess, fn)

	events := sess.seal()

	if err != nil {
		ex.abort(ctx, txn)

		retry, classified := classify[E](err)
		if IsKind(classified, KindCustom) {
			libOpentelemetry.HandleSpanBusinessErrorEvent(span, "transaction.custom_error", err)
		} else {
			libOpentelemetry.HandleSpanError(span, "Unit of work failed", err)
		}

		return zero, nil, retry, classified
	}

	span.SetAttributes(attribute.Int(constant.AttrTxEventCount, len(events)))

	if err := ex.writeEventLog(ctx, txn, events); err != nil {
		ex.abort(ctx, txn)
		libOpentelemetry.HandleSpanError(span, "Failed to write event log", err)

		return zero, nil, txmongo.IsTransient(err), newError[E](KindInfrastructure, err)
	}

	if err := ex.commit(ctx, txn); err != nil {
		ex.abort(ctx, txn)
		libOpentelemetry.HandleSpanError(span, "Failed to commit transaction", err)

		return zero, nil, txmongo.IsTransient(err), newError[E](KindInfrastructure, fmt.Errorf("commit: %w", err))
	}

	return value, events, false, nil
}

// callUnit aborts the transaction and seals the session if fn panics, then
// re-panics.
func callUnit[T any](ctx context.Context, ex *Executor, txn Txn, sess *Session, fn func(context.Context, *Session) (T, error)) (T, error) {
	defer func() {
		if r := recover(); r != nil {
			sess.seal()
			ex.abort(ctx, txn)

			panic(r)
		}
	}()

	return fn(ctx, sess)
}

// classify maps a unit of work error to its taxonomy error and whether the
// unit of work may be re-run.
func classify[E any](err error) (bool, error) {
	if _, ok := AsError[E](err); ok {
		return false, err
	}

	if errors.Is(err, ErrSessionLocked) {
		return false, newError[E](KindSessionLocked, err)
	}

	return txmongo.IsTransient(err), newError[E](KindInfrastructure, err)
}

func (ex *Executor) writeEventLog(ctx context.Context, txn Txn, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	stored, dropped := event.ToStoredBatch(events)
	if dropped > 0 {
		ex.logger.Log(ctx, log.LevelDebug, "events left out of the event log", log.Int("count", dropped))
	}

	if len(stored) == 0 {
		return nil
	}

	docs := make([]any, len(stored))
	for i := range stored {
		docs[i] = stored[i]
	}

	if _, err := txn.InsertMany(ctx, ex.cfg.EventCollection, docs); err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

// commit commits, re-issuing the commit while the outcome is unknown.
func (ex *Executor) commit(ctx context.Context, txn Txn) error {
	ctx, span := ex.tracer.Start(ctx, "transaction.commit")
	defer span.End()

	for retries := 0; ; retries++ {
		err := txn.Commit(ctx)
		if err == nil {
			return nil
		}

		if !txmongo.IsUnknownCommitResult(err) || retries >= ex.cfg.MaxCommitRetries {
			libOpentelemetry.HandleSpanError(span, "Transaction commit failed", err)

			return err
		}

		libOpentelemetry.HandleSpanEvent(span, constant.EventTxCommitRetry, attribute.Int("retry", retries+1))
		ex.logger.Log(ctx, log.LevelDebug, "re-issuing commit after unknown result", log.Int("retry", retries+1), log.Err(err))
	}
}

func (ex *Executor) abort(ctx context.Context, txn Txn) {
	if err := txn.Abort(context.WithoutCancel(ctx)); err != nil {
		ex.logger.Log(ctx, log.LevelDebug, "transaction abort failed", log.Err(err))
	}
}

// publish broadcasts the committed batch once. The caller's cancellation
// does not apply: the state change is already durable.
func publish[E any](ctx context.Context, ex *Executor, events []event.Event) error {
	if ex.publisher == nil {
		return nil
	}

	ctx, span := ex.tracer.Start(context.WithoutCancel(ctx), "transaction.publish", trace.WithAttributes(
		attribute.String(constant.AttrMessagingDestination, ex.cfg.EventSubject),
		attribute.Int(constant.AttrTxEventCount, len(events)),
	))
	defer span.End()

	payload, err := ex.encode(events)
	if err != nil {
		ex.logger.Log(ctx, log.LevelError, "committed events could not be encoded", log.Int("count", len(events)), log.Err(err))
		libOpentelemetry.HandleSpanError(span, "Failed to encode events", err)

		return newError[E](KindEventSerialize, err)
	}

	if err := ex.publisher.Publish(ctx, ex.cfg.EventSubject, payload); err != nil {
		ex.logger.Log(ctx, log.LevelError, "committed events were not published", log.Int("count", len(events)), log.Err(err))
		libOpentelemetry.HandleSpanError(span, "Failed to publish events", err)

		return newError[E](KindEventPublish, err)
	}

	ex.metrics.eventsPublished.Add(ctx, int64(len(events)))

	return nil
}

func (ex *Executor) retryDelay() time.Duration {
	if ex.cfg.DisableJitter {
		return ex.cfg.RetryDelay
	}

	return backoff.Jittered(ex.cfg.RetryDelay)
}

func (ex *Executor) recordOutcome(ctx context.Context, span trace.Span, start time.Time, outcome string, err error) {
	attrs := metric.WithAttributes(attribute.String(constant.AttrTxOutcome, outcome))

	ex.metrics.outcomes.Add(ctx, 1, attrs)
	ex.metrics.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	span.SetAttributes(attribute.String(constant.AttrTxOutcome, outcome))

	switch {
	case err == nil:
	case outcome == outcomeCustom:
		libOpentelemetry.HandleSpanBusinessErrorEvent(span, "transaction.custom_error", err)
	default:
		libOpentelemetry.HandleSpanError(span, "Transaction failed", err)
	}
}
