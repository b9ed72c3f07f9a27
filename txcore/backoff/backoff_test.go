//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		attempt  int
		expected time.Duration
	}{
		{name: "attempt 0 returns base", base: 100 * time.Millisecond, attempt: 0, expected: 100 * time.Millisecond},
		{name: "attempt 3 is 8x base", base: 100 * time.Millisecond, attempt: 3, expected: 800 * time.Millisecond},
		{name: "negative attempt treated as 0", base: time.Second, attempt: -2, expected: time.Second},
		{name: "zero base", base: 0, attempt: 4, expected: 0},
		{name: "overflow saturates", base: time.Hour, attempt: 200, expected: time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestFullJitter_Bounds(t *testing.T) {
	t.Parallel()

	assert.Zero(t, FullJitter(0))
	assert.Zero(t, FullJitter(-time.Second))

	for range 200 {
		d := FullJitter(50 * time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 50*time.Millisecond)
	}
}

func TestJittered_StaysAroundDelay(t *testing.T) {
	t.Parallel()

	assert.Zero(t, Jittered(0))

	for range 200 {
		d := Jittered(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestCapped(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Second, Capped(time.Minute, time.Second))
	assert.Equal(t, time.Minute, Capped(time.Minute, 0))
	assert.Equal(t, time.Millisecond, Capped(time.Millisecond, time.Second))
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	t.Run("completes", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, SleepWithContext(context.Background(), time.Millisecond))
	})

	t.Run("zero returns immediately", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, SleepWithContext(ctx, 0))
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := SleepWithContext(ctx, time.Hour)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
