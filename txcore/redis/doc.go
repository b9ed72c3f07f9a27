// Package redis provides a Redis client with lazy reconnection and a
// redsync-backed distributed lock manager.
//
// Supported deployment modes are standalone, sentinel, and cluster, with
// optional TLS and static password authentication. Locks can keep their
// lease alive with a watchdog; see LockOptions.ExtendInterval.
package redis
