package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestBreaker_InitialState(t *testing.T) {
	b := New("registry")
	assert.True(t, b.Allow())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "registry", b.Name())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("portal", WithFailureThreshold(3))

	assert.False(t, b.RecordFailure())
	assert.False(t, b.RecordFailure())
	assert.True(t, b.RecordFailure())
	assert.True(t, b.IsOpen())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("portal", WithFailureThreshold(3))
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("sms", WithFailureThreshold(1), WithCooldown(time.Minute), WithClock(clock.Now))

	b.RecordFailure()
	assert.False(t, b.Allow())

	clock.now = clock.now.Add(time.Minute)
	assert.True(t, b.Allow(), "one trial call after cooldown")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one trial call at a time")

	t.Run("failed trial reopens", func(t *testing.T) {
		assert.True(t, b.RecordFailure())
		assert.False(t, b.Allow())
	})

	t.Run("successful trial closes", func(t *testing.T) {
		clock.now = clock.now.Add(time.Minute)
		assert.True(t, b.Allow())
		b.RecordSuccess()
		assert.Equal(t, StateClosed, b.State())
		assert.True(t, b.Allow())
	})
}
