package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mutuelle/pkg/platform/circuit"
)

type flakyPublisher struct {
	err   error
	calls int
}

func (f *flakyPublisher) Publish(context.Context, Event) error {
	f.calls++
	return f.err
}

func (f *flakyPublisher) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGuarded_FallsBackAndOpens(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	primary := &flakyPublisher{err: errors.New("broker down")}
	fallback := NewMemory()
	breaker := circuit.New("events",
		circuit.WithFailureThreshold(2),
		circuit.WithCooldown(time.Minute),
		circuit.WithClock(func() time.Time { return now }),
	)
	g := NewGuarded(primary, fallback, discardLogger(), WithBreaker(breaker))

	for range 4 {
		require.NoError(t, g.Publish(context.Background(), Event{Topic: TopicVoucherTransitions, Type: "voucher.created"}))
	}

	assert.Equal(t, 2, primary.calls, "breaker stops calling the broker once open")
	assert.Len(t, fallback.Events(), 4, "no event is lost")
	assert.True(t, breaker.IsOpen())

	now = now.Add(2 * time.Minute)
	primary.err = nil
	require.NoError(t, g.Publish(context.Background(), Event{Topic: TopicVoucherTransitions, Type: "voucher.dispensed"}))
	assert.Equal(t, 3, primary.calls)
	assert.False(t, breaker.IsOpen())
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := NewMemory()
	bad := &flakyPublisher{err: errors.New("nope")}
	err := Fanout{ok, bad}.Publish(context.Background(), Event{Type: "x"})
	require.Error(t, err)
	assert.Len(t, ok.Events(), 1)
}

func TestMemory_OfType(t *testing.T) {
	m := NewMemory()
	_ = m.Publish(context.Background(), Event{Type: "a"})
	_ = m.Publish(context.Background(), Event{Type: "b"})
	assert.Len(t, m.OfType("a"), 1)
	m.Reset()
	assert.Empty(t, m.Events())
}
