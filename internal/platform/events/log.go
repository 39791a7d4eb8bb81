package events

import (
	"context"
	"log/slog"
)

// LogPublisher writes events as structured log lines. It is the fallback sink
// when no broker is configured or the broker breaker is open.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.InfoContext(ctx, "domain event",
		"topic", event.Topic,
		"event", event.Type,
		"key", event.Key,
		"occurred_at", event.OccurredAt,
		"payload", event.Payload,
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
