package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(t *testing.T, opts ...Option) (*Breaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)}
	return New("kafka", append([]Option{WithClock(clock.now)}, opts...)...), clock
}

func TestBreaker_OpensOnConsecutiveFailures(t *testing.T) {
	b, _ := newBreaker(t, WithFailureThreshold(3))
	assert.Equal(t, "kafka", b.Name())
	assert.True(t, b.Allow())

	for range 2 {
		useFallback, change := b.RecordFailure()
		require.False(t, useFallback)
		require.False(t, change.Opened)
	}
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State(), "a success resets the failure streak")

	var change StateChange
	for range 3 {
		_, change = b.RecordFailure()
	}
	assert.True(t, change.Opened)
	assert.True(t, b.IsOpen())

	useFallback, change := b.RecordFailure()
	assert.True(t, useFallback)
	assert.False(t, change.Opened, "already open")
}

func TestBreaker_ProbesOncePerCooldown(t *testing.T) {
	b, clock := newBreaker(t, WithFailureThreshold(1), WithCooldown(time.Minute))
	b.RecordFailure()
	require.True(t, b.IsOpen())

	assert.False(t, b.Allow(), "inside cooldown")

	clock.advance(time.Minute)
	assert.True(t, b.Allow(), "first probe after cooldown")
	assert.False(t, b.Allow(), "second caller waits for the next window")

	clock.advance(30 * time.Second)
	assert.False(t, b.Allow())
	clock.advance(30 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreaker_ClosesAfterSuccessStreak(t *testing.T) {
	b, _ := newBreaker(t, WithFailureThreshold(1), WithSuccessThreshold(2))
	b.RecordFailure()

	usePrimary, change := b.RecordSuccess()
	assert.False(t, usePrimary)
	assert.False(t, change.Closed)

	b.RecordFailure()
	usePrimary, _ = b.RecordSuccess()
	assert.False(t, usePrimary, "a failure while open restarts the success streak")

	usePrimary, change = b.RecordSuccess()
	assert.True(t, usePrimary)
	assert.True(t, change.Closed)
	assert.True(t, b.Allow())
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newBreaker(t, WithFailureThreshold(1), WithCooldown(time.Hour))
	b.RecordFailure()
	require.False(t, b.Allow())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_IgnoresNonPositiveOptions(t *testing.T) {
	b, clock := newBreaker(t, WithFailureThreshold(0), WithSuccessThreshold(-1), WithCooldown(0))
	for range 4 {
		b.RecordFailure()
	}
	assert.False(t, b.IsOpen(), "default threshold is five")
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	clock.advance(29 * time.Second)
	assert.False(t, b.Allow(), "default cooldown is thirty seconds")
	clock.advance(time.Second)
	assert.True(t, b.Allow())
}
