package eventpublisher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/metrics"
)

func newTestBus(t *testing.T) (*Bus, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	return NewBus(logger, m), m
}

func TestBusDeliversToMatchingSubscribers(t *testing.T) {
	bus, _ := newTestBus(t)

	all := bus.Subscribe(4)
	onlyProgress := bus.Subscribe(4, domain.EventSyncProgress)

	bus.Publish(context.Background(), domain.NewEvent(domain.EventSyncState, domain.SeverityLow, nil))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventSyncProgress, domain.SeverityLow, domain.Progress{Total: 3}))

	if len(all.C) != 2 {
		t.Fatalf("expected 2 events for catch-all subscriber, got %d", len(all.C))
	}
	if len(onlyProgress.C) != 1 {
		t.Fatalf("expected 1 event for filtered subscriber, got %d", len(onlyProgress.C))
	}

	ev := <-onlyProgress.C
	if p, ok := ev.Data.(domain.Progress); !ok || p.Total != 3 {
		t.Fatalf("unexpected payload %#v", ev.Data)
	}
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus, m := newTestBus(t)

	sub := bus.Subscribe(1)
	for i := 0; i < 3; i++ {
		bus.Publish(context.Background(), domain.NewEvent(domain.EventSyncProgress, domain.SeverityLow, nil))
	}

	if len(sub.C) != 1 {
		t.Fatalf("expected buffered event, got %d", len(sub.C))
	}
	if got := testutil.ToFloat64(m.EventsDropped.WithLabelValues(domain.EventSyncProgress)); got != 2 {
		t.Fatalf("expected 2 dropped events, got %v", got)
	}
}

func TestSubscriptionClose(t *testing.T) {
	bus, _ := newTestBus(t)

	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close()

	if bus.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", bus.Subscribers())
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel")
	}

	// Publishing after close must not panic.
	bus.Publish(context.Background(), domain.NewEvent(domain.EventSyncState, domain.SeverityLow, nil))
}

func TestRelayForwardsUntilCancelled(t *testing.T) {
	bus, _ := newTestBus(t)
	sub := bus.Subscribe(8)
	sink := &stubSink{errorsByType: map[string]error{domain.EventSyncError: errors.New("fail")}}
	relay := NewRelay(sub, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- relay.Start(ctx)
	}()

	bus.Publish(ctx, domain.NewEvent(domain.EventSyncError, domain.SeverityHigh, nil))
	bus.Publish(ctx, domain.NewEvent(domain.EventSyncState, domain.SeverityLow, nil))

	deadline := time.After(time.Second)
	for sink.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("relay did not forward event")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancel")
	}

	if got := sink.types(); len(got) != 1 || got[0] != domain.EventSyncState {
		t.Fatalf("expected only sync.state to be forwarded, got %v", got)
	}
}

func TestRelayStopsWhenSubscriptionCloses(t *testing.T) {
	bus, _ := newTestBus(t)
	sub := bus.Subscribe(1)
	relay := NewRelay(sub, &stubSink{}, nil)

	sub.Close()
	if err := relay.Start(context.Background()); err != nil {
		t.Fatalf("expected nil error on closed subscription, got %v", err)
	}
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := p.Publish(context.Background(), domain.NewEvent(domain.EventIntegrityFailure, domain.SeverityCritical,
		domain.IntegrityFailureEvent{EntityID: "local_1", Reason: "checksum mismatch"}))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"level":"ERROR"`) || !strings.Contains(out, "local_1") {
		t.Fatalf("unexpected log output %q", out)
	}
}

type stubSink struct {
	mu           sync.Mutex
	published    []domain.Event
	errorsByType map[string]error
}

func (s *stubSink) Publish(ctx context.Context, event domain.Event) error {
	if err := s.errorsByType[event.Type]; err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, event)
	return nil
}

func (s *stubSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func (s *stubSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.published))
	for _, e := range s.published {
		out = append(out, e.Type)
	}
	return out
}
