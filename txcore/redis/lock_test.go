//go:build unit

package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/seventv/txcore/txcore"
	"github.com/seventv/txcore/txcore/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestLockManager(t *testing.T) (*RedisLockManager, *miniredis.Miniredis) {
	t.Helper()

	client, mr := newTestClient(t)

	locks, err := NewRedisLockManager(client)
	require.NoError(t, err)

	return locks, mr
}

func fastOptions() LockOptions {
	return LockOptions{
		Expiry:      5 * time.Second,
		Tries:       200,
		RetryDelay:  5 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

func TestWithLock_RunsAndReleases(t *testing.T) {
	locks, mr := newTestLockManager(t)

	executed := false

	err := locks.WithLock(context.Background(), "mutex:general:user:1", func(context.Context) error {
		executed = true

		assert.True(t, mr.Exists("mutex:general:user:1"))

		return nil
	})

	require.NoError(t, err)
	assert.True(t, executed)
	assert.False(t, mr.Exists("mutex:general:user:1"))
}

func TestWithLock_ReturnsFnErrorUnwrapped(t *testing.T) {
	locks, mr := newTestLockManager(t)

	domainErr := errors.New("emote set at capacity")

	err := locks.WithLock(context.Background(), "k", func(context.Context) error {
		return domainErr
	})

	assert.Same(t, domainErr, err)
	assert.False(t, mr.Exists("k"))
}

func TestWithLock_ReleasesOnPanic(t *testing.T) {
	locks, mr := newTestLockManager(t)

	assert.Panics(t, func() {
		_ = locks.WithLock(context.Background(), "k", func(context.Context) error {
			panic("boom")
		})
	})

	assert.False(t, mr.Exists("k"))
}

func TestWithLockOptions_SerializesSameKey(t *testing.T) {
	locks, _ := newTestLockManager(t)

	const workers = 8

	var (
		current atomic.Int32
		peak    atomic.Int32
		total   atomic.Int32
		wg      sync.WaitGroup
	)

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := locks.WithLockOptions(context.Background(), "mutex:general:emote_set:1", fastOptions(), func(context.Context) error {
				n := current.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}

				time.Sleep(5 * time.Millisecond)
				total.Add(1)
				current.Add(-1)

				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, int32(workers), total.Load())
}

func TestWithLockOptions_DifferentKeysDoNotBlock(t *testing.T) {
	locks, _ := newTestLockManager(t)

	inner := make(chan error, 1)

	err := locks.WithLockOptions(context.Background(), "a", fastOptions(), func(ctx context.Context) error {
		opts := fastOptions()
		opts.Tries = 1

		inner <- locks.WithLockOptions(ctx, "b", opts, func(context.Context) error { return nil })

		return nil
	})

	require.NoError(t, err)
	assert.NoError(t, <-inner)
}

func TestWithLockOptions_AcquireFailure(t *testing.T) {
	locks, _ := newTestLockManager(t)

	handle, ok, err := locks.TryLock(context.Background(), "held")
	require.NoError(t, err)
	require.True(t, ok)

	defer func() { _ = handle.Unlock(context.Background()) }()

	opts := fastOptions()
	opts.Tries = 3

	called := false
	err = locks.WithLockOptions(context.Background(), "held", opts, func(context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrLockAcquire)
	assert.False(t, called)
}

func TestWithLockOptions_WatchdogExtendsLease(t *testing.T) {
	locks, mr := newTestLockManager(t)

	opts := fastOptions()
	opts.Expiry = time.Second
	opts.ExtendInterval = 20 * time.Millisecond

	err := locks.WithLockOptions(context.Background(), "lease", opts, func(context.Context) error {
		mr.FastForward(900 * time.Millisecond)

		assert.Eventually(t, func() bool {
			return mr.TTL("lease") > 500*time.Millisecond
		}, time.Second, 10*time.Millisecond)

		return nil
	})

	require.NoError(t, err)
	assert.False(t, mr.Exists("lease"))
}

func TestWithLockOptions_WatchdogReportsLostLease(t *testing.T) {
	locks, mr := newTestLockManager(t)
	logger := log.NewMemory(log.LevelDebug)

	opts := fastOptions()
	opts.ExtendInterval = 20 * time.Millisecond

	ctx := txcore.ContextWithLogger(context.Background(), logger)

	err := locks.WithLockOptions(ctx, "lease", opts, func(ctx context.Context) error {
		mr.Del("lease")

		<-ctx.Done()

		assert.ErrorIs(t, context.Cause(ctx), ErrLockLost)

		return ctx.Err()
	})

	require.ErrorIs(t, err, ErrLockLost)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEmpty(t, logger.Find("lock extension failed"))
	assert.NotEmpty(t, logger.Find("failed to release lock"))
}

func TestWithLockOptions_WatchdogLeavesNoGoroutines(t *testing.T) {
	ignore := goleak.IgnoreCurrent()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())

	client, err := New(context.Background(), standaloneConfig(mr.Addr()))
	require.NoError(t, err)

	locks, err := NewRedisLockManager(client)
	require.NoError(t, err)

	opts := fastOptions()
	opts.ExtendInterval = 10 * time.Millisecond

	for range 5 {
		require.NoError(t, locks.WithLockOptions(context.Background(), "k", opts, func(context.Context) error {
			time.Sleep(25 * time.Millisecond)
			return nil
		}))
	}

	require.NoError(t, client.Close())
	mr.Close()

	goleak.VerifyNone(t, ignore)
}

func TestTryLock(t *testing.T) {
	locks, _ := newTestLockManager(t)
	ctx := context.Background()

	first, ok, err := locks.TryLock(ctx, "sweep:leader")
	require.NoError(t, err)
	require.True(t, ok)

	second, ok, err := locks.TryLock(ctx, "sweep:leader")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, second)

	require.NoError(t, first.Unlock(ctx))
	assert.Error(t, first.Unlock(ctx))

	third, ok, err := locks.TryLock(ctx, "sweep:leader")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, third.Unlock(ctx))
}

func TestValidateLockOptions(t *testing.T) {
	assert.NoError(t, validateLockOptions(DefaultLockOptions()))
	assert.NoError(t, validateLockOptions(MutexLockOptions()))

	mutate := func(f func(*LockOptions)) LockOptions {
		o := DefaultLockOptions()
		f(&o)

		return o
	}

	assert.ErrorIs(t, validateLockOptions(mutate(func(o *LockOptions) { o.Expiry = 0 })), ErrLockExpiryInvalid)
	assert.ErrorIs(t, validateLockOptions(mutate(func(o *LockOptions) { o.Tries = 0 })), ErrLockTriesInvalid)
	assert.ErrorIs(t, validateLockOptions(mutate(func(o *LockOptions) { o.Tries = maxLockTries + 1 })), ErrLockTriesExceeded)
	assert.ErrorIs(t, validateLockOptions(mutate(func(o *LockOptions) { o.RetryDelay = -1 })), ErrLockRetryDelayNegative)
	assert.ErrorIs(t, validateLockOptions(mutate(func(o *LockOptions) { o.DriftFactor = 1 })), ErrLockDriftFactorInvalid)
	assert.ErrorIs(t, validateLockOptions(mutate(func(o *LockOptions) { o.ExtendInterval = o.Expiry })), ErrLockExtendIntervalInvalid)
}

func TestMutexLockOptionsProfile(t *testing.T) {
	opts := MutexLockOptions()

	assert.Equal(t, 5*time.Second, opts.Expiry)
	assert.Equal(t, 350, opts.Tries)
	assert.Equal(t, 30*time.Millisecond, opts.RetryDelay)
	assert.Equal(t, 2*time.Second, opts.ExtendInterval)
}

func TestLockGuards(t *testing.T) {
	var nilManager *RedisLockManager

	fn := func(context.Context) error { return nil }

	assert.ErrorIs(t, nilManager.WithLock(context.Background(), "k", fn), ErrNilLockManager)
	assert.ErrorIs(t, (&RedisLockManager{}).WithLock(context.Background(), "k", fn), ErrLockNotInitialized)

	locks, _ := newTestLockManager(t)
	assert.ErrorIs(t, locks.WithLock(context.Background(), " ", fn), ErrEmptyLockKey)
	assert.ErrorIs(t, locks.WithLock(context.Background(), "k", nil), ErrNilLockFn)

	_, err := NewRedisLockManager(nil)
	assert.ErrorIs(t, err, ErrNilClient)

	var h *lockHandle
	assert.ErrorIs(t, h.Unlock(context.Background()), ErrNilLockHandle)
}

func TestSafeLockKeyForLogs(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}

	assert.Equal(t, `"k\n"`, safeLockKeyForLogs("k\n"))
	assert.Contains(t, safeLockKeyForLogs(string(long)), "...(truncated)")
}
