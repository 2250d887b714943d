//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialDoublesPerAttempt(t *testing.T) {
	base := 100 * time.Millisecond

	require.Equal(t, 100*time.Millisecond, Exponential(base, 0))
	require.Equal(t, 200*time.Millisecond, Exponential(base, 1))
	require.Equal(t, 800*time.Millisecond, Exponential(base, 3))
}

func TestExponentialClampsNegativeAttempt(t *testing.T) {
	require.Equal(t, time.Second, Exponential(time.Second, -5))
}

func TestExponentialSaturatesOnOverflow(t *testing.T) {
	require.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, maxShift))
	require.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, maxShift+10))
}

func TestExponentialZeroBase(t *testing.T) {
	require.Zero(t, Exponential(0, 3))
	require.Zero(t, Exponential(-time.Second, 3))
}

func TestFullJitterStaysBelowDelay(t *testing.T) {
	delay := 50 * time.Millisecond

	for i := 0; i < 100; i++ {
		jittered := FullJitter(delay)
		require.GreaterOrEqual(t, jittered, time.Duration(0))
		require.Less(t, jittered, delay)
	}

	require.Zero(t, FullJitter(0))
}

func TestSleepWithContextReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSleepWithContextZeroDuration(t *testing.T) {
	require.NoError(t, SleepWithContext(context.Background(), 0))
}
