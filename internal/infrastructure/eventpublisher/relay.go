package eventpublisher

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/iho/offledger/internal/domain"
)

// Sink receives events forwarded by a Relay.
type Sink interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Relay drains a subscription into a sink.
type Relay struct {
	sub    *Subscription
	sink   Sink
	logger *slog.Logger
}

// NewRelay creates a relay for sub.
func NewRelay(sub *Subscription, sink Sink, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{sub: sub, sink: sink, logger: logger}
}

// Start forwards events until the context is cancelled or the subscription closes.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("event relay started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("event relay shutting down")
			return ctx.Err()
		case event, ok := <-r.sub.C:
			if !ok {
				return nil
			}
			if err := r.sink.Publish(ctx, event); err != nil {
				// Continue with the next event even if one fails
				r.logger.Error("failed to forward event",
					slog.String("event_type", event.Type),
					slog.String("error", err.Error()))
			}
		}
	}
}

// LogPublisher is a simple sink that logs events.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a new LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the event.
func (p *LogPublisher) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	switch event.Severity {
	case domain.SeverityHigh:
		level = slog.LevelWarn
	case domain.SeverityCritical:
		level = slog.LevelError
	}

	p.logger.Log(ctx, level, "event",
		slog.String("event_type", event.Type),
		slog.String("severity", string(event.Severity)),
		slog.Time("occurred_at", event.OccurredAt),
		slog.String("data", string(payload)))

	return nil
}
