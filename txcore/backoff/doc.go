// Package backoff computes retry delays and waits for them without ignoring
// cancellation. The transaction executor uses Jittered for its operation retry
// sleep. Reconnect paths in mongo and rabbitmq use ExponentialWithJitter.
package backoff
