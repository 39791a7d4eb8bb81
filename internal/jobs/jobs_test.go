package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
	"mutuelle/pkg/requestcontext"
)

type fakeLocker struct {
	held     bool
	err      error
	released atomic.Int32
	keys     []string
}

func (l *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	return func(context.Context) error {
		l.released.Add(1)
		return nil
	}, true, nil
}

func TestRunSharesConcurrentCalls(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	r := New()
	r.Register(Expiry, func(ctx context.Context, _ Params) (any, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return map[string]int{"expired": 3}, nil
	})

	const callers = 5
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := r.Run(context.Background(), Expiry, Params{})
		assert.NoError(t, err)
		results[0] = res
	}()
	<-started
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Run(context.Background(), Expiry, Params{})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, Expiry, res.Job)
		assert.Equal(t, map[string]int{"expired": 3}, res.Summary)
		assert.True(t, res.Shared)
	}
}

func TestRunNeverOverlaps(t *testing.T) {
	var running, peak atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	r := New()
	r.Register(Reconciliation, func(_ context.Context, p Params) (any, error) {
		n := running.Add(1)
		defer running.Add(-1)
		if n > peak.Load() {
			peak.Store(n)
		}
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return p.Force, nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := r.Run(context.Background(), Reconciliation, Params{})
		assert.NoError(t, err)
		if assert.NotNil(t, res) {
			assert.Equal(t, false, res.Summary)
		}
	}()
	<-started

	_, err := r.Run(context.Background(), Reconciliation, Params{Force: true})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict), "got %v", err)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())

	res, err := r.Run(context.Background(), Reconciliation, Params{Force: true})
	require.NoError(t, err)
	assert.Equal(t, true, res.Summary)
}

func TestRunPinsClock(t *testing.T) {
	now := time.Date(2024, 5, 10, 3, 0, 0, 0, time.UTC)
	var got time.Time
	r := New()
	r.Register(Settlements, func(ctx context.Context, _ Params) (any, error) {
		got = requestcontext.Now(ctx)
		return nil, nil
	})

	_, err := r.Run(requestcontext.WithTime(context.Background(), now), Settlements, Params{})
	require.NoError(t, err)
	assert.Equal(t, now, got)
}

func TestRunErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown job", func(t *testing.T) {
		_, err := New().Run(ctx, "compaction", Params{})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	t.Run("plain failure becomes internal", func(t *testing.T) {
		r := New()
		r.Register(Expiry, func(context.Context, Params) (any, error) {
			return nil, errors.New("store down")
		})
		_, err := r.Run(ctx, Expiry, Params{})
		assert.Equal(t, dErrors.CodeInternal, dErrors.CodeOf(err))
	})

	t.Run("coded failure passes through", func(t *testing.T) {
		r := New()
		r.Register(Expiry, func(context.Context, Params) (any, error) {
			return nil, dErrors.New(dErrors.CodeTimeout, "batch timed out")
		})
		_, err := r.Run(ctx, Expiry, Params{})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
	})
}

func TestRunWithLocker(t *testing.T) {
	ctx := context.Background()
	var calls int
	job := func(context.Context, Params) (any, error) {
		calls++
		return nil, nil
	}

	t.Run("acquires and releases", func(t *testing.T) {
		locker := &fakeLocker{}
		r := New(WithLocker(locker, time.Minute))
		r.Register(Reconciliation, job)

		_, err := r.Run(ctx, Reconciliation, Params{})
		require.NoError(t, err)
		_, err = r.Run(ctx, Reconciliation, Params{Force: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"jobs:reconciliation", "jobs:reconciliation"}, locker.keys)
		assert.Equal(t, int32(2), locker.released.Load())
	})

	t.Run("held elsewhere", func(t *testing.T) {
		calls = 0
		r := New(WithLocker(&fakeLocker{held: true}, time.Minute))
		r.Register(Reconciliation, job)

		_, err := r.Run(ctx, Reconciliation, Params{})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
		assert.Zero(t, calls)
	})

	t.Run("lock backend down", func(t *testing.T) {
		r := New(WithLocker(&fakeLocker{err: errors.New("connection refused")}, time.Minute))
		r.Register(Reconciliation, job)

		_, err := r.Run(ctx, Reconciliation, Params{})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnavailable))
	})
}

func TestTriggerRequiresRole(t *testing.T) {
	r := New()
	r.Register(Expiry, func(context.Context, Params) (any, error) { return nil, nil })

	_, err := r.Trigger(context.Background(), id.Actor{ID: "op-1", Role: id.RoleOperator}, Expiry, Params{})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeWrongActorRole))

	res, err := r.Trigger(context.Background(), id.SystemActor, Expiry, Params{})
	require.NoError(t, err)
	assert.False(t, res.Shared)
}

func TestSchedulerAddRejectsBadSpec(t *testing.T) {
	s := NewScheduler(New(), slog.New(slog.DiscardHandler))
	assert.Error(t, s.Add(Expiry, "not a cron spec"))
	assert.NoError(t, s.Add(Expiry, ""))
	assert.NoError(t, s.Add(Expiry, "5 * * * *"))
}
