// Package eventpublisher delivers core events to observers. The bus replaces
// ad-hoc callbacks: producers publish, subscribers read from a channel.
package eventpublisher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/metrics"
)

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 64

// Bus fans events out to subscribers. Publish never blocks; events that do
// not fit a subscriber's buffer are dropped and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Subscription is a registered observer.
type Subscription struct {
	C <-chan domain.Event

	ch     chan domain.Event
	id     uint64
	types  map[string]bool
	bus    *Bus
	closed bool
}

// NewBus creates an event bus. Metrics may be nil.
func NewBus(logger *slog.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:    make(map[uint64]*Subscription),
		logger:  logger,
		metrics: m,
	}
}

// Subscribe registers an observer for the given event types, or for every
// type when none are given.
func (b *Bus) Subscribe(buffer int, types ...string) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan domain.Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s.id)
	close(s.ch)
}

// Publish delivers event to every interested subscriber.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(event.Type).Inc()
	}

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			if b.metrics != nil {
				b.metrics.EventsDropped.WithLabelValues(event.Type).Inc()
			}
			b.logger.WarnContext(ctx, "event dropped, subscriber buffer full",
				slog.String("event_type", event.Type),
				slog.Uint64("subscriber", sub.id))
		}
	}
}

// Subscribers returns the number of registered subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
