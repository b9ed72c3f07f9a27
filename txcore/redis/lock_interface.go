package redis

import "context"

// LockHandle is a lock held through TryLock.
type LockHandle interface {
	Unlock(ctx context.Context) error
}

// LockManager is the locking surface the transaction executor depends on.
type LockManager interface {
	// WithLock runs fn under lockKey using DefaultLockOptions.
	WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error
	// WithLockOptions runs fn under lockKey. fn's context is cancelled if
	// the lease cannot be extended.
	WithLockOptions(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error
	// TryLock makes a single acquisition attempt.
	TryLock(ctx context.Context, lockKey string) (LockHandle, bool, error)
}

var _ LockManager = (*RedisLockManager)(nil)
