package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingSleeper(waits *[]time.Duration) Sleeper {
	return func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))

	p.MaxDelay = 3 * time.Second
	assert.Equal(t, 3*time.Second, p.Delay(2))
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	p := Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Multiplier: 2}

	t.Run("stops at max attempts and backs off between them", func(t *testing.T) {
		var waits []time.Duration
		calls := 0
		attempts, err := Do(ctx, p, recordingSleeper(&waits), nil, func(int) error {
			calls++
			return errors.New("down")
		})
		require.Error(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, waits)
	})

	t.Run("returns on first success", func(t *testing.T) {
		var waits []time.Duration
		attempts, err := Do(ctx, p, recordingSleeper(&waits), nil, func(attempt int) error {
			if attempt == 1 {
				return nil
			}
			return errors.New("flaky")
		})
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
		assert.Len(t, waits, 1)
	})

	t.Run("non-retryable error ends the loop", func(t *testing.T) {
		permanent := errors.New("rejected")
		attempts, err := Do(ctx, p, recordingSleeper(new([]time.Duration)), func(err error) bool {
			return !errors.Is(err, permanent)
		}, func(int) error { return permanent })
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, attempts)
	})

	t.Run("cancelled context interrupts the wait", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Do(cctx, Policy{MaxAttempts: 3, BaseDelay: time.Hour}, Sleep, nil, func(int) error {
			return errors.New("down")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
