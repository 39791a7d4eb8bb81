// Package jobs runs the background sweeps: eligibility reconciliation, voucher
// expiry and pending settlement reconciliation. A job runs at most once per
// process at a time; with a Locker it also runs at most once across instances.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"mutuelle/internal/jobs/metrics"
	id "mutuelle/pkg/domain"
	dErrors "mutuelle/pkg/domain-errors"
	"mutuelle/pkg/requestcontext"
)

var tracer = otel.Tracer("mutuelle/jobs")

// Name identifies a registered job.
type Name string

const (
	Reconciliation Name = "reconciliation"
	Expiry         Name = "expiry"
	Settlements    Name = "settlements"
)

// Params tune a single run. Only reconciliation reads Force.
type Params struct {
	Force bool
}

// Func executes one run and returns its summary.
type Func func(ctx context.Context, params Params) (any, error)

// Result is what a trigger returns. Shared is true when the caller joined a
// run already in flight instead of starting one.
type Result struct {
	Job      Name      `json:"job"`
	Summary  any       `json:"summary"`
	Shared   bool      `json:"shared"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Locker guards a job across instances. Acquire reports false when another
// holder owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// ErrLocked is returned by a locked-out run.
var ErrLocked = errors.New("job locked by another instance")

type Runner struct {
	jobs    map[Name]Func
	group   singleflight.Group
	mu      sync.Mutex
	flights map[Name]*flight
	locker  Locker
	lockTTL time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Runner)

func WithLocker(locker Locker, ttl time.Duration) Option {
	return func(r *Runner) {
		r.locker = locker
		r.lockTTL = ttl
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// flight tracks the callers inside group.Do for one job.
type flight struct {
	params  Params
	callers int
}

func New(opts ...Option) *Runner {
	r := &Runner{
		jobs:    make(map[Name]Func),
		flights: make(map[Name]*flight),
		lockTTL: 10 * time.Minute,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a job. Registering the same name twice replaces it.
func (r *Runner) Register(name Name, fn Func) {
	r.jobs[name] = fn
}

// Names lists the registered jobs.
func (r *Runner) Names() []Name {
	names := make([]Name, 0, len(r.jobs))
	for n := range r.jobs {
		names = append(names, n)
	}
	return names
}

// Trigger runs a job on behalf of an actor. Only insurer admins and the
// system identity may start sweeps.
func (r *Runner) Trigger(ctx context.Context, actor id.Actor, name Name, params Params) (*Result, error) {
	if err := actor.RequireRole(id.RoleInsurerAdmin, id.RoleSystem); err != nil {
		return nil, err
	}
	return r.Run(ctx, name, params)
}

// Run executes a job. A job never overlaps itself: concurrent calls with the
// same params share one execution and its result, and a call with different
// params fails with a conflict while the job is in flight.
func (r *Runner) Run(ctx context.Context, name Name, params Params) (*Result, error) {
	fn, ok := r.jobs[name]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "unknown job "+string(name))
	}
	if !r.join(name, params) {
		r.metrics.IncRun(string(name), "busy")
		return nil, dErrors.New(dErrors.CodeConflict, "job "+string(name)+" is already running with other parameters")
	}
	defer r.leave(name)

	v, err, shared := r.group.Do(string(name), func() (any, error) {
		return r.execute(ctx, name, fn, params)
	})
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "job "+string(name)+" is already running")
		}
		if dErrors.CodeOf(err) != dErrors.CodeInternal {
			return nil, err
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "job "+string(name)+" failed")
	}

	res := *v.(*Result)
	res.Shared = shared
	return &res, nil
}

func (r *Runner) join(name Name, params Params) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flights[name]
	if !ok {
		r.flights[name] = &flight{params: params, callers: 1}
		return true
	}
	if f.params != params {
		return false
	}
	f.callers++
	return true
}

func (r *Runner) leave(name Name) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f := r.flights[name]; f != nil {
		f.callers--
		if f.callers == 0 {
			delete(r.flights, name)
		}
	}
}

func (r *Runner) execute(ctx context.Context, name Name, fn Func, params Params) (*Result, error) {
	ctx, span := tracer.Start(ctx, "jobs.run")
	defer span.End()
	span.SetAttributes(attribute.String("job", string(name)), attribute.Bool("force", params.Force))

	if r.locker != nil {
		release, ok, err := r.locker.Acquire(ctx, "jobs:"+string(name), r.lockTTL)
		if err != nil {
			r.metrics.IncRun(string(name), "lock_error")
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "acquire job lock")
		}
		if !ok {
			r.metrics.IncRun(string(name), "locked")
			r.logger.InfoContext(ctx, "job skipped, lock held elsewhere", "job", name)
			return nil, ErrLocked
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.logger.WarnContext(ctx, "failed to release job lock", "job", name, "error", err)
			}
		}()
	}

	started := time.Now()
	ctx = requestcontext.WithTime(ctx, requestcontext.Now(ctx))
	summary, err := fn(ctx, params)
	finished := time.Now()
	r.metrics.ObserveDuration(string(name), finished.Sub(started))
	if err != nil {
		span.RecordError(err)
		r.metrics.IncRun(string(name), "failed")
		r.logger.ErrorContext(ctx, "job failed", "job", name, "error", err)
		return nil, err
	}

	r.metrics.IncRun(string(name), "completed")
	r.logger.InfoContext(ctx, "job completed",
		"job", name,
		"force", params.Force,
		"duration", finished.Sub(started),
		"summary", summary,
	)
	return &Result{Job: name, Summary: summary, Started: started, Finished: finished}, nil
}
