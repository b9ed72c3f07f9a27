package transaction

import (
	"context"

	"github.com/seventv/txcore/txcore/redis"
)

// MutexKind names the entity family a MutexKey locks.
type MutexKind string

const (
	MutexUser     MutexKind = "user"
	MutexEmote    MutexKind = "emote"
	MutexEmoteSet MutexKind = "emote_set"
	MutexPaint    MutexKind = "paint"
	MutexBadge    MutexKind = "badge"
	MutexBan      MutexKind = "ban"
	MutexTicket   MutexKind = "ticket"
	MutexRole     MutexKind = "role"
)

// MutexKey identifies one entity for RunWithLock.
type MutexKey struct {
	Kind MutexKind
	ID   string
}

// String renders the distributed lock name.
func (k MutexKey) String() string {
	return "mutex:general:" + string(k.Kind) + ":" + k.ID
}

// Mutex runs fn while holding the lock named key. The lock must be released
// on every return path, and fn's context is cancelled if the lock is lost.
type Mutex interface {
	Acquire(ctx context.Context, key string, fn func(context.Context) error) error
}

// MutexFunc adapts a function to Mutex.
type MutexFunc func(ctx context.Context, key string, fn func(context.Context) error) error

// Acquire calls f.
func (f MutexFunc) Acquire(ctx context.Context, key string, fn func(context.Context) error) error {
	return f(ctx, key, fn)
}

// RedisMutex builds a Mutex on a redis lock manager using opts, normally
// redis.MutexLockOptions().
func RedisMutex(locks redis.LockManager, opts redis.LockOptions) Mutex {
	return MutexFunc(func(ctx context.Context, key string, fn func(context.Context) error) error {
		if locks == nil {
			return redis.ErrNilLockManager
		}

		return locks.WithLockOptions(ctx, key, opts, fn)
	})
}
