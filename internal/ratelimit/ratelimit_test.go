package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/nachoal/replcore/internal/toolspec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitAllowsCallsWithinLimit(t *testing.T) {
	c := New(map[string]int{"test-model": 2}, DefaultBackoff)

	require.NoError(t, c.Wait(context.Background(), "test-model", nil))
	require.NoError(t, c.Wait(context.Background(), "test-model", nil))
}

func TestWaitBlocksUntilWindowFrees(t *testing.T) {
	c := New(map[string]int{"test-model": 1}, DefaultBackoff)

	base := time.Now()
	c.now = func() time.Time { return base }
	require.NoError(t, c.Wait(context.Background(), "test-model", nil))

	c.now = func() time.Time { return base.Add(10 * time.Millisecond) }

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := c.Wait(ctx, "test-model", nil)
	require.Error(t, err)
	var se *toolspec.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, toolspec.KindCancelled, se.Kind)
}

func TestWaitUnblocksOnceWindowExpires(t *testing.T) {
	c := New(map[string]int{"test-model": 1}, DefaultBackoff)

	base := time.Now()
	c.now = func() time.Time { return base }
	require.NoError(t, c.Wait(context.Background(), "test-model", nil))

	c.now = func() time.Time { return base.Add(window + time.Millisecond) }

	require.NoError(t, c.Wait(context.Background(), "test-model", nil))
}

func TestRetrySucceedsAfterThrottledAttempts(t *testing.T) {
	c := New(nil, BackoffPolicy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2, MaxRetries: 3})

	attempts := 0
	err := c.Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return toolspec.NewError(toolspec.KindThrottled, "provider busy")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	c := New(nil, BackoffPolicy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2, MaxRetries: 2})

	attempts := 0
	err := c.Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		return toolspec.NewError(toolspec.KindThrottled, "provider busy")
	})

	require.Error(t, err)
	var se *toolspec.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, toolspec.KindRateExceeded, se.Kind)
	assert.Equal(t, 3, attempts)
}

func TestRetryDoesNotRetryNonThrottledErrors(t *testing.T) {
	c := New(nil, DefaultBackoff)

	attempts := 0
	err := c.Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		return toolspec.NewError(toolspec.KindBadRequest, "bad request")
	})

	require.Error(t, err)
	var se *toolspec.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, toolspec.KindBadRequest, se.Kind)
	assert.Equal(t, 1, attempts)
}
