package errgroup

import (
	"context"
	"errors"
	"fmt"

	"github.com/seventv/txcore/txcore/log"
	"github.com/seventv/txcore/txcore/runtime"
	"golang.org/x/sync/errgroup"
)

// ErrPanicRecovered is returned when a goroutine in the group panics.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group manages goroutines that share a cancellation context. The first
// error returned by any goroutine cancels the context and is returned by
// Wait.
//
// The zero value is usable and has no limit.
type Group struct {
	inner  *errgroup.Group
	ctx    context.Context
	logger log.Logger
}

// WithContext returns a new Group and a derived context that is cancelled
// on the first error or when Wait returns.
func WithContext(ctx context.Context) (*Group, context.Context) {
	inner, gctx := errgroup.WithContext(ctx)

	return &Group{inner: inner, ctx: gctx}, gctx
}

// SetLogger sets the logger used to report recovered panics.
func (grp *Group) SetLogger(logger log.Logger) {
	if grp == nil {
		return
	}

	grp.logger = logger
}

// SetLimit bounds the number of active goroutines. A negative value removes
// the limit. It must not be called while goroutines are active.
func (grp *Group) SetLimit(n int) {
	if grp == nil {
		return
	}

	grp.group().SetLimit(n)
}

// Go runs fn in a new goroutine, blocking while the group is at its limit.
func (grp *Group) Go(fn func() error) {
	if grp == nil || fn == nil {
		return
	}

	grp.group().Go(grp.guard(fn))
}

// TryGo runs fn only if the group is below its limit.
func (grp *Group) TryGo(fn func() error) bool {
	if grp == nil || fn == nil {
		return false
	}

	return grp.group().TryGo(grp.guard(fn))
}

// Wait blocks until every goroutine has returned and reports the first error.
func (grp *Group) Wait() error {
	if grp == nil {
		return nil
	}

	return grp.group().Wait()
}

func (grp *Group) group() *errgroup.Group {
	if grp.inner == nil {
		grp.inner = &errgroup.Group{}
	}

	return grp.inner
}

func (grp *Group) guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				ctx := grp.ctx
				if ctx == nil {
					ctx = context.Background()
				}

				runtime.HandlePanicValue(ctx, grp.logger, recovered, "errgroup", "group.Go")

				err = fmt.Errorf("%w: %v", ErrPanicRecovered, recovered)
			}
		}()

		return fn()
	}
}
