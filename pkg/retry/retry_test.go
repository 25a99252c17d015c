package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), FixedPolicy(3, time.Millisecond), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), FixedPolicy(3, time.Millisecond), func() error {
		attempts++
		return errors.New("always")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryFatalErrorIsNotRetried(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), FixedPolicy(5, time.Millisecond), func() error {
		attempts++
		return NewFatalError(errors.New("terminal"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryWrappedFatalErrorIsNotRetried(t *testing.T) {
	attempts := 0
	inner := NewFatalError(errors.New("terminal"))
	err := Retry(context.Background(), FixedPolicy(5, time.Millisecond), func() error {
		attempts++
		return NewRetryableError(inner)
	})
	// A fatal error anywhere in the chain stops the retry loop.
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryCallbackReceivesFixedDelay(t *testing.T) {
	var delays []time.Duration
	attempts := 0
	err := RetryWithCallback(context.Background(), FixedPolicy(3, 5*time.Millisecond),
		func() error {
			attempts++
			return errors.New("nope")
		},
		func(attempt int, err error, nextDelay time.Duration) {
			delays = append(delays, nextDelay)
		})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	require.Len(t, delays, 2)
	assert.Equal(t, 5*time.Millisecond, delays[0])
	assert.Equal(t, 5*time.Millisecond, delays[1])
}

func TestRetryCancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, FixedPolicy(10, 50*time.Millisecond), func() error {
		attempts++
		cancel()
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, attempts, 2)
}
