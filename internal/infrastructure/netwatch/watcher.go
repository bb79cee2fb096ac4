// Package netwatch probes the remote backend and reports connectivity
// transitions to the sync engine.
package netwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/logging"
)

// Pinger checks that the remote backend answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectivityHandler reacts to a connectivity change.
type ConnectivityHandler interface {
	HandleConnectivity(ctx context.Context, online bool) (*domain.SyncReport, error)
}

// Config for Watcher.
type Config struct {
	Pinger       Pinger
	Handler      ConnectivityHandler
	Logger       *logging.Logger
	Interval     time.Duration // probe interval
	ProbeTimeout time.Duration // deadline of a single probe
}

// Watcher polls the remote backend on a ticker. The handler is only called
// when the observed state changes; the first probe always counts as a change.
type Watcher struct {
	pinger   Pinger
	handler  ConnectivityHandler
	logger   *logging.Logger
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	known   bool
	online  bool
	lastErr error
}

// New creates a Watcher.
func New(cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 || cfg.ProbeTimeout > cfg.Interval {
		cfg.ProbeTimeout = cfg.Interval
	}
	if cfg.Logger == nil {
		cfg.Logger = &logging.Logger{Logger: slog.Default()}
	}

	return &Watcher{
		pinger:   cfg.Pinger,
		handler:  cfg.Handler,
		logger:   cfg.Logger,
		interval: cfg.Interval,
		timeout:  cfg.ProbeTimeout,
	}
}

// Start probes immediately and then on every tick until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.InfoCtx(ctx, "network watcher started", slog.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Probe(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoCtx(ctx, "network watcher shutting down")
			return ctx.Err()
		case <-ticker.C:
			w.Probe(ctx)
		}
	}
}

// Probe pings the backend once and notifies the handler on a transition.
// It reports the observed state and whether it changed.
func (w *Watcher) Probe(ctx context.Context) (online, changed bool) {
	probeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	err := w.pinger.Ping(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return w.Online(), false
	}
	online = err == nil

	w.mu.Lock()
	changed = !w.known || w.online != online
	w.known = true
	w.online = online
	w.lastErr = err
	w.mu.Unlock()

	if !changed {
		return online, false
	}

	if online {
		w.logger.InfoCtx(ctx, "remote backend reachable")
	} else {
		w.logger.WarnCtx(ctx, "remote backend unreachable", slog.String("error", err.Error()))
	}

	if w.handler == nil {
		return online, true
	}
	report, herr := w.handler.HandleConnectivity(ctx, online)
	switch {
	case herr != nil:
		w.logger.ErrorCtx(ctx, "connectivity handler failed", slog.String("error", herr.Error()))
	case report != nil:
		w.logger.InfoCtx(ctx, "sync finished after reconnect",
			slog.String("state", string(report.State)),
			slog.Int("succeeded", report.Progress.Succeeded),
			slog.Int("failed", report.Progress.Failed),
			slog.Int("conflicts", report.Progress.Conflicts))
	}
	return online, true
}

// Online reports the last observed state. It is false before the first probe.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.known && w.online
}

// LastError returns the error of the last failed probe, or nil.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}
