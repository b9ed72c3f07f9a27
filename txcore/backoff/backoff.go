package backoff

import (
	"context"
	"fmt"
	"math"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating at math.MaxInt64.
// Negative attempts count as zero.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	attempt = min(max(attempt, 0), maxShift)
	multiplier := int64(1) << attempt

	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

// FullJitter returns a uniformly random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return time.Duration(mrand.Int64N(int64(delay))) // #nosec G404 -- retry jitter, not security sensitive
}

// Jittered returns a duration in [delay/2, delay*3/2), which keeps the mean at
// delay while spreading concurrent retriers apart.
func Jittered(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return delay/2 + FullJitter(delay)
}

// ExponentialWithJitter returns FullJitter(Exponential(base, attempt)).
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// Capped clamps d to limit when limit is positive.
func Capped(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}

	return d
}

// SleepWithContext waits for d or until ctx is done, whichever comes first.
// Non-positive durations return immediately.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
