package netwatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/logging"
)

type stubPinger struct {
	mu  sync.Mutex
	err error
}

func (p *stubPinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *stubPinger) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []bool
	err   error
}

func (h *recordingHandler) HandleConnectivity(ctx context.Context, online bool) (*domain.SyncReport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, online)
	if h.err != nil {
		return nil, h.err
	}
	if !online {
		return nil, nil
	}
	return &domain.SyncReport{State: domain.SyncCompleted}, nil
}

func (h *recordingHandler) seen() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.calls...)
}

func TestWatcherReportsTransitionsOnly(t *testing.T) {
	pinger := &stubPinger{}
	handler := &recordingHandler{}
	var buf bytes.Buffer
	w := New(Config{
		Pinger:  pinger,
		Handler: handler,
		Logger:  logging.NewWithWriter(&buf, slog.LevelInfo, "json"),
	})
	ctx := context.Background()

	if w.Online() {
		t.Fatal("expected offline before the first probe")
	}

	steps := []struct {
		err         error
		wantOnline  bool
		wantChanged bool
	}{
		{nil, true, true},
		{nil, true, false},
		{errors.New("connection refused"), false, true},
		{errors.New("connection refused"), false, false},
		{nil, true, true},
	}
	for i, step := range steps {
		pinger.set(step.err)
		online, changed := w.Probe(ctx)
		if online != step.wantOnline || changed != step.wantChanged {
			t.Fatalf("step %d: got online=%v changed=%v, want %v %v", i, online, changed, step.wantOnline, step.wantChanged)
		}
	}

	got := handler.seen()
	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("expected %d handler calls, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d: expected online=%v, got %v", i, want[i], got[i])
		}
	}

	if !strings.Contains(buf.String(), "remote backend unreachable") {
		t.Fatalf("expected the outage to be logged, got %s", buf.String())
	}
	if w.LastError() != nil {
		t.Fatalf("expected the last error to clear, got %v", w.LastError())
	}
}

func TestWatcherFirstProbeOfflineIsReported(t *testing.T) {
	pinger := &stubPinger{err: domain.ErrTransientNetwork}
	handler := &recordingHandler{}
	w := New(Config{Pinger: pinger, Handler: handler, Logger: logging.NewWithWriter(&bytes.Buffer{}, slog.LevelInfo, "text")})

	online, changed := w.Probe(context.Background())
	if online || !changed {
		t.Fatalf("expected a reported offline state, got online=%v changed=%v", online, changed)
	}
	if got := handler.seen(); len(got) != 1 || got[0] {
		t.Fatalf("expected one offline notification, got %v", got)
	}
	if !errors.Is(w.LastError(), domain.ErrTransientNetwork) {
		t.Fatalf("expected last error to be kept, got %v", w.LastError())
	}
}

func TestWatcherLogsHandlerFailure(t *testing.T) {
	var buf bytes.Buffer
	handler := &recordingHandler{err: domain.ErrSyncDeferred}
	w := New(Config{Pinger: &stubPinger{}, Handler: handler, Logger: logging.NewWithWriter(&buf, slog.LevelInfo, "json")})

	w.Probe(context.Background())
	if !strings.Contains(buf.String(), "connectivity handler failed") {
		t.Fatalf("expected handler failure to be logged, got %s", buf.String())
	}
}

func TestWatcherStartStopsOnCancel(t *testing.T) {
	pinger := &stubPinger{}
	handler := &recordingHandler{}
	w := New(Config{
		Pinger:   pinger,
		Handler:  handler,
		Logger:   logging.NewWithWriter(&bytes.Buffer{}, slog.LevelInfo, "json"),
		Interval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(handler.seen()) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected the watcher to probe on start")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}

	if got := handler.seen(); len(got) != 1 {
		t.Fatalf("expected a single transition while online, got %v", got)
	}
}
