package events

import (
	"context"
	"log/slog"

	"mutuelle/pkg/platform/circuit"
)

// Guarded protects the process from a degraded broker: after repeated failures
// the breaker opens and events go to the fallback sink until a probe succeeds.
// Publish never returns an error to callers.
type Guarded struct {
	primary  Publisher
	fallback Publisher
	breaker  *circuit.Breaker
	logger   *slog.Logger
	metrics  *Metrics
}

type GuardOption func(*Guarded)

func WithMetrics(m *Metrics) GuardOption {
	return func(g *Guarded) { g.metrics = m }
}

func WithBreaker(b *circuit.Breaker) GuardOption {
	return func(g *Guarded) { g.breaker = b }
}

func NewGuarded(primary, fallback Publisher, logger *slog.Logger, opts ...GuardOption) *Guarded {
	g := &Guarded{
		primary:  primary,
		fallback: fallback,
		breaker:  circuit.New("events"),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guarded) Publish(ctx context.Context, event Event) error {
	if !g.breaker.Allow() {
		g.metrics.IncDropped(event.Topic)
		return g.fallback.Publish(ctx, event)
	}

	if err := g.primary.Publish(ctx, event); err != nil {
		g.metrics.IncFailed(event.Topic)
		_, change := g.breaker.RecordFailure()
		if change.Opened {
			g.metrics.SetBreakerOpen(true)
			g.logger.WarnContext(ctx, "event publisher circuit opened", "error", err)
		}
		g.logger.WarnContext(ctx, "event publish failed, using fallback",
			"topic", event.Topic,
			"event", event.Type,
			"key", event.Key,
			"error", err,
		)
		return g.fallback.Publish(ctx, event)
	}

	g.metrics.IncPublished(event.Topic)
	if _, change := g.breaker.RecordSuccess(); change.Closed {
		g.metrics.SetBreakerOpen(false)
		g.logger.InfoContext(ctx, "event publisher circuit closed")
	}
	return nil
}

func (g *Guarded) Close() error {
	return Fanout{g.primary, g.fallback}.Close()
}
