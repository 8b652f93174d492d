package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntil_ImmediateSuccess(t *testing.T) {
	n, err := Until(context.Background(), "test", Policy{Interval: time.Millisecond, MaxAttempts: 3}, func(context.Context) (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUntil_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	n, err := Until(context.Background(), "test", Policy{Interval: time.Millisecond, MaxAttempts: 5}, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestUntil_ExhaustsAttempts(t *testing.T) {
	n, err := Until(context.Background(), "test", Policy{Interval: time.Millisecond, MaxAttempts: 4}, func(context.Context) (bool, error) {
		return false, nil
	})
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 4, n)
}

func TestUntil_ExhaustsTimeout(t *testing.T) {
	start := time.Now()
	_, err := Until(context.Background(), "test", Policy{Interval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond}, func(context.Context) (bool, error) {
		return false, nil
	})
	require.ErrorIs(t, err, ErrExhausted)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestUntil_ConditionErrorStops(t *testing.T) {
	boom := errors.New("describe failed")
	calls := 0
	_, err := Until(context.Background(), "test", Policy{Interval: time.Millisecond, MaxAttempts: 5}, func(context.Context) (bool, error) {
		calls++
		return false, boom
	})
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
}

func TestUntil_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Until(ctx, "test", Policy{Interval: 10 * time.Millisecond, MaxAttempts: 100}, func(context.Context) (bool, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return false, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, calls)
}

func TestPolicy_Validate(t *testing.T) {
	assert.Error(t, Policy{}.Validate())
	assert.Error(t, Policy{Interval: time.Second}.Validate())
	assert.Error(t, Policy{MaxAttempts: 3}.Validate())
	assert.NoError(t, Policy{Interval: time.Second, MaxAttempts: 3}.Validate())
	assert.NoError(t, Policy{Interval: time.Second, Timeout: time.Minute}.Validate())
}
