//go:build unit

package txcore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seventv/txcore/txcore/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestLauncher_RunsAllApps(t *testing.T) {
	defer goleak.VerifyNone(t)

	var ran atomic.Int32

	app := AppFunc(func(context.Context, *Launcher) error {
		ran.Add(1)
		return nil
	})

	l := NewLauncher(WithLogger(log.NewMemory(log.LevelDebug)), RunApp("a", app), RunApp("b", app))

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, int32(2), ran.Load())
}

func TestLauncher_FailureCancelsSiblings(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("boom")

	blocker := AppFunc(func(ctx context.Context, _ *Launcher) error {
		<-ctx.Done()
		return ctx.Err()
	})
	failer := AppFunc(func(context.Context, *Launcher) error { return boom })

	l := NewLauncher(RunApp("sweeper", blocker), RunApp("broken", failer))

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAppFailed)
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("launcher did not return")
	}
}

func TestLauncher_PanickingAppIsRecovered(t *testing.T) {
	logger := log.NewMemory(log.LevelDebug)

	l := NewLauncher(WithLogger(logger), RunApp("p", AppFunc(func(context.Context, *Launcher) error {
		panic("bad app")
	})))

	require.NoError(t, l.Run(context.Background()))
	assert.Len(t, logger.Find("panic recovered"), 1)
}

func TestLauncher_ConfigErrors(t *testing.T) {
	l := NewLauncher(RunApp(" ", AppFunc(func(context.Context, *Launcher) error { return nil })), RunApp("nil", nil))

	err := l.Run(context.Background())
	assert.ErrorIs(t, err, ErrConfigFailed)
	assert.ErrorIs(t, err, ErrEmptyApp)
	assert.ErrorIs(t, err, ErrNilApp)

	var nilLauncher *Launcher
	assert.ErrorIs(t, nilLauncher.Run(context.Background()), ErrNilLauncher)
	assert.ErrorIs(t, nilLauncher.Add("x", nil), ErrNilLauncher)
}
