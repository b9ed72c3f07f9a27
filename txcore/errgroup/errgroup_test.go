//go:build unit

package errgroup_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seventv/txcore/txcore/errgroup"
	"github.com/seventv/txcore/txcore/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestGroup_AllSucceed(t *testing.T) {
	defer goleak.VerifyNone(t)

	group, _ := errgroup.WithContext(context.Background())

	var ran atomic.Int32
	for range 3 {
		group.Go(func() error {
			ran.Add(1)
			return nil
		})
	}

	require.NoError(t, group.Wait())
	assert.Equal(t, int32(3), ran.Load())
}

func TestGroup_FirstErrorCancelsContext(t *testing.T) {
	t.Parallel()

	expected := errors.New("replica unreachable")
	group, gctx := errgroup.WithContext(context.Background())

	group.Go(func() error { return expected })
	group.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := group.Wait()
	require.ErrorIs(t, err, expected)
	assert.ErrorIs(t, gctx.Err(), context.Canceled)
}

func TestGroup_PanicBecomesError(t *testing.T) {
	t.Parallel()

	logger := log.NewMemory(log.LevelDebug)
	group, _ := errgroup.WithContext(context.Background())
	group.SetLogger(logger)

	group.Go(func() error { panic("handler blew up") })

	err := group.Wait()
	require.ErrorIs(t, err, errgroup.ErrPanicRecovered)
	assert.Contains(t, err.Error(), "handler blew up")
	assert.NotEmpty(t, logger.Find("panic recovered"))
}

func TestGroup_SetLimitBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var group errgroup.Group
	group.SetLimit(2)

	var active, peak atomic.Int32
	for range 8 {
		group.Go(func() error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}

			time.Sleep(5 * time.Millisecond)
			active.Add(-1)

			return nil
		})
	}

	require.NoError(t, group.Wait())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestGroup_TryGoAtLimit(t *testing.T) {
	t.Parallel()

	var group errgroup.Group
	group.SetLimit(1)

	release := make(chan struct{})
	require.True(t, group.TryGo(func() error {
		<-release
		return nil
	}))
	assert.False(t, group.TryGo(func() error { return nil }))

	close(release)
	require.NoError(t, group.Wait())
}

func TestGroup_NilReceiver(t *testing.T) {
	t.Parallel()

	var group *errgroup.Group

	assert.NotPanics(t, func() {
		group.SetLogger(log.NewNop())
		group.SetLimit(1)
		group.Go(func() error { return nil })
		assert.False(t, group.TryGo(func() error { return nil }))
		assert.NoError(t, group.Wait())
	})
}
