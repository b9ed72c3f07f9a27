// Package errgroup runs bounded groups of goroutines that share a
// cancellation context. It wraps golang.org/x/sync/errgroup and turns
// recovered panics into errors.
package errgroup
