package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/seventv/txcore/txcore"
	constant "github.com/seventv/txcore/txcore/constants"
	"github.com/seventv/txcore/txcore/log"
	"github.com/seventv/txcore/txcore/opentelemetry"
	"github.com/seventv/txcore/txcore/runtime"
	"go.opentelemetry.io/otel/attribute"
)

const (
	maxLockTries = 1000
)

var (
	// ErrNilLockHandle is returned when a nil or uninitialized lock handle is used.
	ErrNilLockHandle = errors.New("lock handle is nil or not initialized")
	// ErrLockNotHeld is returned when unlock is called on a lock that was not held or already expired.
	ErrLockNotHeld = errors.New("lock was not held or already expired")
	// ErrNilLockManager is returned when a method is called on a nil RedisLockManager.
	ErrNilLockManager = errors.New("lock manager is nil")
	// ErrLockNotInitialized is returned when the distributed lock's redsync is not initialized.
	ErrLockNotInitialized = errors.New("distributed lock is not initialized")
	// ErrNilLockFn is returned when a nil function is passed to WithLock.
	ErrNilLockFn = errors.New("lock function is nil")
	// ErrEmptyLockKey is returned when an empty lock key is provided.
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	// ErrLockAcquire wraps failures to obtain the lock within the configured tries.
	ErrLockAcquire = errors.New("failed to acquire lock")
	// ErrLockLost is returned when the watchdog could not extend a held lock.
	ErrLockLost = errors.New("lock lease lost while held")
	// ErrLockExpiryInvalid is returned when lock expiry is not positive.
	ErrLockExpiryInvalid = errors.New("lock expiry must be greater than 0")
	// ErrLockTriesInvalid is returned when lock tries is less than 1.
	ErrLockTriesInvalid = errors.New("lock tries must be at least 1")
	// ErrLockTriesExceeded is returned when lock tries exceeds the maximum.
	ErrLockTriesExceeded = errors.New("lock tries exceeds maximum")
	// ErrLockRetryDelayNegative is returned when retry delay is negative.
	ErrLockRetryDelayNegative = errors.New("lock retry delay cannot be negative")
	// ErrLockDriftFactorInvalid is returned when drift factor is outside [0, 1).
	ErrLockDriftFactorInvalid = errors.New("lock drift factor must be between 0 (inclusive) and 1 (exclusive)")
	// ErrLockExtendIntervalInvalid is returned when the extend interval is negative or not below the expiry.
	ErrLockExtendIntervalInvalid = errors.New("lock extend interval must be non-negative and shorter than expiry")
)

// RedisLockManager provides distributed locking on Redis using redsync.
//
// Example usage:
//
//	locks, err := redis.NewRedisLockManager(redisClient)
//	if err != nil {
//	    return err
//	}
//
//	err = locks.WithLockOptions(ctx, "mutex:general:emote_set:123", redis.MutexLockOptions(),
//	    func(ctx context.Context) error {
//	        return addEmote(ctx)
//	    })
type RedisLockManager struct {
	redsync *redsync.Redsync
}

// LockOptions configures lock behavior.
// Use DefaultLockOptions() or MutexLockOptions() for sensible defaults.
type LockOptions struct {
	// Expiry is how long the lock is held before auto-expiring.
	Expiry time.Duration

	// Tries is the number of attempts to acquire the lock before giving up.
	// Maximum: 1000
	Tries int

	// RetryDelay is the delay between acquisition attempts.
	RetryDelay time.Duration

	// DriftFactor accounts for clock drift between nodes.
	DriftFactor float64

	// ExtendInterval, when positive, starts a watchdog that extends the
	// lease at this interval while fn runs. Zero disables it.
	ExtendInterval time.Duration
}

// DefaultLockOptions returns defaults for short critical sections.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:      10 * time.Second,
		Tries:       3,
		RetryDelay:  500 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

// MutexLockOptions returns the profile used to serialize mutations on one
// entity: a caller waits up to about ten seconds for the lock, and the
// lease is kept alive for as long as the mutation runs.
func MutexLockOptions() LockOptions {
	return LockOptions{
		Expiry:         5 * time.Second,
		Tries:          350,
		RetryDelay:     30 * time.Millisecond,
		DriftFactor:    0.01,
		ExtendInterval: 2 * time.Second,
	}
}

// clientPool implements the redsync redis.Pool interface with lazy client
// resolution, so the pool survives reconnects of the wrapped Client.
type clientPool struct {
	conn *Client
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client for lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// lockHandle wraps a redsync.Mutex to implement LockHandle.
type lockHandle struct {
	mutex  *redsync.Mutex
	logger log.Logger
}

// Unlock releases the distributed lock.
func (h *lockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.UnlockContext(context.WithoutCancel(ctx))
	if err != nil {
		h.logger.Log(ctx, log.LevelError, "failed to release lock", log.Err(err))
		return fmt.Errorf("distributed lock: unlock: %w", err)
	}

	if !ok {
		h.logger.Log(ctx, log.LevelWarn, "lock was not held or already expired")
		return ErrLockNotHeld
	}

	return nil
}

// NewRedisLockManager creates a lock manager over conn. Connectivity is
// checked once at construction.
//
// Thread-safe: Yes - multiple goroutines can use the same RedisLockManager instance.
func NewRedisLockManager(conn *Client) (*RedisLockManager, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	if _, err := conn.GetClient(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to get redis client: %w", err)
	}

	return &RedisLockManager{
		redsync: redsync.New(&clientPool{conn: conn}),
	}, nil
}

// WithLock executes fn while holding a distributed lock with DefaultLockOptions.
func (dl *RedisLockManager) WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error {
	if dl == nil {
		return ErrNilLockManager
	}

	return dl.WithLockOptions(ctx, lockKey, DefaultLockOptions(), fn)
}

// WithLockOptions executes fn while holding a distributed lock.
//
// The lock is released on every exit path, including a panic in fn. A
// release failure is logged and never replaces fn's result. fn's error is
// returned unwrapped. If the watchdog fails to extend the lease, the context
// passed to fn is cancelled and the call returns an error matching ErrLockLost.
func (dl *RedisLockManager) WithLockOptions(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error {
	if dl == nil {
		return ErrNilLockManager
	}

	if dl.redsync == nil {
		return ErrLockNotInitialized
	}

	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(lockKey) == "" {
		return ErrEmptyLockKey
	}

	if err := validateLockOptions(opts); err != nil {
		return err
	}

	logger, tracer, _ := txcore.NewTrackingFromContext(ctx)
	safeLockKey := safeLockKeyForLogs(lockKey)

	ctx, span := tracer.Start(ctx, "redis.lock.with_lock")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrMutexKey, safeLockKey))

	mutex := dl.redsync.NewMutex(
		lockKey,
		redsync.WithExpiry(opts.Expiry),
		redsync.WithTries(opts.Tries),
		redsync.WithRetryDelay(opts.RetryDelay),
		redsync.WithDriftFactor(opts.DriftFactor),
	)

	logger.Log(ctx, log.LevelDebug, "attempting to acquire lock", log.String("lock_key", safeLockKey))

	if err := mutex.LockContext(ctx); err != nil {
		logger.Log(ctx, log.LevelWarn, "failed to acquire lock", log.String("lock_key", safeLockKey), log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to acquire lock", err)

		return fmt.Errorf("%w %s: %w", ErrLockAcquire, safeLockKey, err)
	}

	logger.Log(ctx, log.LevelDebug, "lock acquired", log.String("lock_key", safeLockKey))

	defer func() {
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			logger.Log(ctx, log.LevelError, "failed to release lock",
				log.String("lock_key", safeLockKey), log.Bool("unlock_ok", ok), log.Err(err))
		} else {
			logger.Log(ctx, log.LevelDebug, "lock released", log.String("lock_key", safeLockKey))
		}
	}()

	fnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stopWatchdog := startWatchdog(fnCtx, cancel, mutex, opts.ExtendInterval, logger, safeLockKey)

	err := fn(fnCtx)

	lost := stopWatchdog()
	if lost {
		opentelemetry.HandleSpanError(span, "Lock lease lost", ErrLockLost)

		if err == nil {
			return fmt.Errorf("%w: %s", ErrLockLost, safeLockKey)
		}

		return fmt.Errorf("%w: %s: %w", ErrLockLost, safeLockKey, err)
	}

	if err != nil {
		opentelemetry.HandleSpanError(span, "Function execution failed under lock", err)
	}

	return err
}

// startWatchdog extends mutex every interval until the returned stop func is
// called. stop waits for the goroutine and reports whether the lease was lost.
func startWatchdog(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	mutex *redsync.Mutex,
	interval time.Duration,
	logger log.Logger,
	lockKey string,
) func() bool {
	if interval <= 0 {
		return func() bool { return false }
	}

	stop := make(chan struct{})
	done := make(chan bool, 1)

	runtime.SafeGo(ctx, logger, "redis", "lock_watchdog", func(ctx context.Context) {
		lost := false

		defer func() { done <- lost }()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := mutex.ExtendContext(ctx)
				if ok && err == nil {
					logger.Log(ctx, log.LevelDebug, "lock extended", log.String("lock_key", lockKey))

					continue
				}

				// Stopped between tick and extend.
				if ctx.Err() != nil {
					return
				}

				logger.Log(ctx, log.LevelError, "lock extension failed",
					log.String("lock_key", lockKey), log.Bool("extend_ok", ok), log.Err(err))

				lost = true

				cancel(ErrLockLost)

				return
			}
		}
	})

	return func() bool {
		close(stop)

		return <-done
	}
}

// TryLock attempts to acquire a lock once, without retrying.
// Returns the handle and true if the lock was acquired, nil and false if it
// is busy. Other failures (network, context cancellation) return an error.
//
//	handle, acquired, err := locks.TryLock(ctx, "sweep:leader")
//	if err != nil {
//	    return err
//	}
//	if !acquired {
//	    return nil
//	}
//	defer handle.Unlock(ctx)
func (dl *RedisLockManager) TryLock(ctx context.Context, lockKey string) (LockHandle, bool, error) {
	if dl == nil {
		return nil, false, ErrNilLockManager
	}

	if dl.redsync == nil {
		return nil, false, ErrLockNotInitialized
	}

	if strings.TrimSpace(lockKey) == "" {
		return nil, false, ErrEmptyLockKey
	}

	logger, tracer, _ := txcore.NewTrackingFromContext(ctx)
	safeLockKey := safeLockKeyForLogs(lockKey)

	ctx, span := tracer.Start(ctx, "redis.lock.try_lock")
	defer span.End()

	mutex := dl.redsync.NewMutex(
		lockKey,
		redsync.WithExpiry(DefaultLockOptions().Expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			logger.Log(ctx, log.LevelDebug, "lock already held by another process", log.String("lock_key", safeLockKey))
			return nil, false, nil
		}

		logger.Log(ctx, log.LevelDebug, "could not acquire lock", log.String("lock_key", safeLockKey), log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to attempt lock acquisition", err)

		return nil, false, fmt.Errorf("failed to attempt lock acquisition for %s: %w", safeLockKey, err)
	}

	logger.Log(ctx, log.LevelDebug, "lock acquired", log.String("lock_key", safeLockKey))

	return &lockHandle{mutex: mutex, logger: logger}, true, nil
}

// isLockContention reports redsync's "someone else holds it" outcomes.
func isLockContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}

func validateLockOptions(opts LockOptions) error {
	if opts.Expiry <= 0 {
		return ErrLockExpiryInvalid
	}

	if opts.Tries < 1 {
		return ErrLockTriesInvalid
	}

	if opts.Tries > maxLockTries {
		return ErrLockTriesExceeded
	}

	if opts.RetryDelay < 0 {
		return ErrLockRetryDelayNegative
	}

	if opts.DriftFactor < 0 || opts.DriftFactor >= 1 {
		return ErrLockDriftFactorInvalid
	}

	if opts.ExtendInterval < 0 || (opts.ExtendInterval > 0 && opts.ExtendInterval >= opts.Expiry) {
		return ErrLockExtendIntervalInvalid
	}

	return nil
}

func safeLockKeyForLogs(lockKey string) string {
	const maxLockKeyLogLength = 128

	safeLockKey := strconv.QuoteToASCII(lockKey)
	if len(safeLockKey) <= maxLockKeyLogLength {
		return safeLockKey
	}

	return safeLockKey[:maxLockKeyLogLength] + "...(truncated)"
}
