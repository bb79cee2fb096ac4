package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/metrics"
)

// WriteGuard blocks writes when local storage is exhausted.
type WriteGuard interface {
	EnsureWritable(ctx context.Context) error
}

// QuotaConfig sets the storage budget of the local store.
type QuotaConfig struct {
	QuotaBytes    int64
	WarningRatio  float64
	CriticalRatio float64
}

// QuotaMonitor grades local storage usage against the configured quota.
type QuotaMonitor struct {
	estimator StorageEstimator
	cfg       QuotaConfig
	events    EventPublisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu        sync.Mutex
	lastLevel domain.StorageLevel
}

// NewQuotaMonitor creates a new QuotaMonitor.
func NewQuotaMonitor(estimator StorageEstimator, cfg QuotaConfig, events EventPublisher, m *metrics.Metrics, logger zerolog.Logger) *QuotaMonitor {
	if cfg.WarningRatio <= 0 {
		cfg.WarningRatio = 0.8
	}
	if cfg.CriticalRatio <= 0 {
		cfg.CriticalRatio = 0.95
	}
	return &QuotaMonitor{
		estimator: estimator,
		cfg:       cfg,
		events:    events,
		metrics:   m,
		logger:    logger,
		lastLevel: domain.StorageOK,
	}
}

// Check measures usage. Entering the warning or critical level publishes a
// storage.warning event once per transition.
func (m *QuotaMonitor) Check(ctx context.Context) (domain.StorageStatus, error) {
	usage, err := m.estimator.UsageBytes(ctx)
	if err != nil {
		return domain.StorageStatus{}, fmt.Errorf("estimate storage usage: %w", err)
	}

	status := domain.StorageStatus{Usage: usage, Quota: m.cfg.QuotaBytes, Level: domain.StorageOK}
	if m.cfg.QuotaBytes > 0 {
		status.Ratio = float64(usage) / float64(m.cfg.QuotaBytes)
	}
	switch {
	case status.Ratio >= m.cfg.CriticalRatio:
		status.Level = domain.StorageCritical
	case status.Ratio >= m.cfg.WarningRatio:
		status.Level = domain.StorageWarning
	}

	if m.metrics != nil {
		m.metrics.StorageUsageRatio.Set(status.Ratio)
	}

	m.mu.Lock()
	changed := status.Level != m.lastLevel
	m.lastLevel = status.Level
	m.mu.Unlock()

	if changed && status.Level != domain.StorageOK {
		severity := domain.SeverityMedium
		if status.Level == domain.StorageCritical {
			severity = domain.SeverityCritical
		}
		m.logger.Warn().
			Int64("usage", status.Usage).
			Int64("quota", status.Quota).
			Str("level", string(status.Level)).
			Msg("local storage above threshold")
		if m.events != nil {
			m.events.Publish(ctx, domain.NewEvent(domain.EventStorageWarning, severity, status))
		}
	}

	return status, nil
}

// EnsureWritable fails with ErrStorageExhausted above the critical ratio.
func (m *QuotaMonitor) EnsureWritable(ctx context.Context) error {
	status, err := m.Check(ctx)
	if err != nil {
		return err
	}
	if status.Level == domain.StorageCritical {
		return fmt.Errorf("%w: %.1f%% of %d bytes used", domain.ErrStorageExhausted, status.Ratio*100, status.Quota)
	}
	return nil
}
