package usecase_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/iho/offledger/internal/adapter/repository/sqlite"
	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/metrics"
	"github.com/iho/offledger/internal/usecase"
	"github.com/iho/offledger/internal/usecase/mocks"
)

func TestQuotaMonitor_Levels(t *testing.T) {
	tests := []struct {
		name  string
		usage int64
		want  domain.StorageLevel
	}{
		{name: "empty", usage: 0, want: domain.StorageOK},
		{name: "below warning", usage: 799, want: domain.StorageOK},
		{name: "at warning", usage: 800, want: domain.StorageWarning},
		{name: "below critical", usage: 949, want: domain.StorageWarning},
		{name: "at critical", usage: 950, want: domain.StorageCritical},
		{name: "over quota", usage: 2000, want: domain.StorageCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			estimator := mocks.NewMockStorageEstimator(ctrl)
			estimator.EXPECT().UsageBytes(gomock.Any()).Return(tt.usage, nil)

			m := usecase.NewQuotaMonitor(estimator, usecase.QuotaConfig{QuotaBytes: 1000}, nil, nil, zerolog.Nop())
			status, err := m.Check(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, status.Level)
			assert.Equal(t, tt.usage, status.Usage)
			assert.InDelta(t, float64(tt.usage)/1000, status.Ratio, 1e-9)
		})
	}
}

func TestQuotaMonitor_WarnsOncePerTransition(t *testing.T) {
	ctrl := gomock.NewController(t)
	estimator := mocks.NewMockStorageEstimator(ctrl)
	gomock.InOrder(
		estimator.EXPECT().UsageBytes(gomock.Any()).Return(int64(850), nil).Times(2),
		estimator.EXPECT().UsageBytes(gomock.Any()).Return(int64(960), nil),
		estimator.EXPECT().UsageBytes(gomock.Any()).Return(int64(100), nil),
		estimator.EXPECT().UsageBytes(gomock.Any()).Return(int64(900), nil),
	)

	events := mocks.NewEventRecorder()
	m := metrics.New(prometheus.NewRegistry())
	monitor := usecase.NewQuotaMonitor(estimator, usecase.QuotaConfig{QuotaBytes: 1000}, events, m, zerolog.Nop())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := monitor.Check(ctx)
		require.NoError(t, err)
	}

	warnings := events.OfType(domain.EventStorageWarning)
	require.Len(t, warnings, 3)
	assert.Equal(t, domain.SeverityMedium, warnings[0].Severity)
	assert.Equal(t, domain.SeverityCritical, warnings[1].Severity)
	assert.Equal(t, domain.StorageCritical, warnings[1].Data.(domain.StorageStatus).Level)
	assert.Equal(t, domain.SeverityMedium, warnings[2].Severity)
	assert.InDelta(t, 0.9, testutil.ToFloat64(m.StorageUsageRatio), 1e-9)
}

func TestQuotaMonitor_EnsureWritable(t *testing.T) {
	ctrl := gomock.NewController(t)
	estimator := mocks.NewMockStorageEstimator(ctrl)
	gomock.InOrder(
		estimator.EXPECT().UsageBytes(gomock.Any()).Return(int64(900), nil),
		estimator.EXPECT().UsageBytes(gomock.Any()).Return(int64(990), nil),
		estimator.EXPECT().UsageBytes(gomock.Any()).Return(int64(0), errors.New("statfs failed")),
	)
	monitor := usecase.NewQuotaMonitor(estimator, usecase.QuotaConfig{QuotaBytes: 1000}, nil, nil, zerolog.Nop())

	ctx := context.Background()
	assert.NoError(t, monitor.EnsureWritable(ctx), "warning still accepts writes")
	assert.ErrorIs(t, monitor.EnsureWritable(ctx), domain.ErrStorageExhausted)
	assert.Error(t, monitor.EnsureWritable(ctx))
}

func TestQuotaMonitor_GuardsEntries(t *testing.T) {
	guard := &lazyGuard{}
	h := newHarness(t, withGuard(guard))
	ctx := context.Background()

	store := sqlite.NewStore(h.db)
	usage, err := store.UsageBytes(ctx)
	require.NoError(t, err)
	require.Positive(t, usage)
	guard.monitor = usecase.NewQuotaMonitor(store, usecase.QuotaConfig{QuotaBytes: usage}, h.events, nil, zerolog.Nop())

	_, err = h.entries.CreateEntry(ctx, usecase.CreateEntryInput{Record: journal(1), Actor: "alice"})
	assert.ErrorIs(t, err, domain.ErrStorageExhausted)
	assert.Zero(t, h.stats(t).Pending, "nothing is written once storage is exhausted")
	assert.Len(t, h.events.OfType(domain.EventStorageWarning), 1)
}

type lazyGuard struct {
	monitor *usecase.QuotaMonitor
}

func (g *lazyGuard) EnsureWritable(ctx context.Context) error {
	return g.monitor.EnsureWritable(ctx)
}
