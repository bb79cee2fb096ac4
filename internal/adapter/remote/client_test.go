package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redislib "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihttp "github.com/iho/offledger/internal/adapter/http"
	"github.com/iho/offledger/internal/adapter/http/dto"
	"github.com/iho/offledger/internal/adapter/http/handler"
	redisrepo "github.com/iho/offledger/internal/adapter/repository/redis"
	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/auth"
	"github.com/iho/offledger/internal/infrastructure/metrics"
	"github.com/iho/offledger/internal/usecase"
	"github.com/iho/offledger/internal/usecase/gateway"
	"github.com/iho/offledger/internal/usecase/mocks"
)

const testAPIKey = "gateway-key"

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

var (
	_ usecase.RemoteBackend      = (*Client)(nil)
	_ usecase.RemoteLockRegistry = (*Client)(nil)
)

type testEnv struct {
	client  *Client
	store   *mocks.MemoryGatewayStore
	metrics *metrics.Metrics
	url     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redislib.NewClient(&redislib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gm := metrics.New(prometheus.NewRegistry())
	clock := mocks.NewFakeClock(epoch)
	store := mocks.NewMemoryGatewayStore()
	jwtManager := auth.NewJWTManager("test-secret", time.Hour)

	ops := gateway.NewOperationUseCase(store, store, store, &mocks.NoopTxManager{}, mocks.NoRetry{}, clock, gm, zerolog.Nop())
	locks := gateway.NewLockUseCase(redisrepo.NewLockRegistry(rdb), clock, time.Hour, zerolog.Nop())
	sessions := gateway.NewSessionUseCase(testAPIKey, jwtManager, gm)

	router := apihttp.NewRouter(apihttp.RouterConfig{
		SessionHandler:      handler.NewSessionHandler(sessions),
		OperationHandler:    handler.NewOperationHandler(ops),
		LockHandler:         handler.NewLockHandler(locks),
		FiscalPeriodHandler: handler.NewFiscalPeriodHandler(ops),
		HealthHandler:       handler.NewHealthHandler(),
		TokenVerifier:       jwtManager,
		IdempotencyStore:    redisrepo.NewIdempotencyStore(rdb),
		Metrics:             gm,
		Logger:              zerolog.Nop(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	m := metrics.New(prometheus.NewRegistry())
	client, err := New(Config{BaseURL: srv.URL + "/", APIKey: testAPIKey, Timeout: 5 * time.Second}, m)
	require.NoError(t, err)

	return &testEnv{client: client, store: store, metrics: m, url: srv.URL}
}

func (e *testEnv) login(t *testing.T, deviceID string) domain.RemoteSession {
	t.Helper()

	session, err := e.client.Login(context.Background(), "alice", deviceID)
	require.NoError(t, err)
	require.NotEmpty(t, session.Token)
	return session
}

func paymentFields(t *testing.T, id, amount string) map[string]any {
	t.Helper()

	a := decimal.RequireFromString(amount)
	fields, err := domain.PayloadFields(&domain.RecordPayload{Record: &domain.FinancialRecord{
		ID:           id,
		EntityType:   domain.EntityPayment,
		Reference:    "INV-1",
		Counterparty: "acme",
		Currency:     "EUR",
		Date:         time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		Lines: []domain.Line{
			{AccountCode: "6000", Debit: a},
			{AccountCode: "1200", Credit: a},
		},
	}})
	require.NoError(t, err)
	return fields
}

func createPayment(t *testing.T, opID, id string) domain.OperationRequest {
	return domain.OperationRequest{
		OperationID: opID,
		Type:        domain.OperationCreate,
		EntityType:  domain.EntityPayment,
		EntityID:    id,
		Payload:     paymentFields(t, id, "100.00"),
		VectorClock: domain.VectorClock{"dev-a": 1},
	}
}

func TestClient_Login(t *testing.T) {
	env := newTestEnv(t)

	session := env.login(t, "dev-a")
	assert.Equal(t, "alice", session.UserID)
	assert.Equal(t, "dev-a", session.DeviceID)
	assert.False(t, session.ExpiresAt.IsZero())

	bad, err := New(Config{BaseURL: env.url, APIKey: "wrong"}, nil)
	require.NoError(t, err)
	_, err = bad.Login(context.Background(), "alice", "dev-a")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.NotErrorIs(t, err, domain.ErrSessionExpired)
}

func TestClient_ProcessOperationIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "dev-a")
	ctx := context.Background()

	req := createPayment(t, "op-1", "pay-1")
	first, err := env.client.ProcessOperation(ctx, session, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)

	again, err := env.client.ProcessOperation(ctx, session, req)
	require.NoError(t, err)
	assert.Equal(t, first.Version, again.Version)
	assert.Equal(t, 1, env.store.Operations())

	state, err := env.client.FetchState(ctx, session, domain.EntityPayment, "pay-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, int64(1), state.Version)
	assert.Equal(t, uint64(1), state.VectorClock["dev-a"])

	missing, err := env.client.FetchState(ctx, session, domain.EntityPayment, "pay-404")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.Equal(t, 1, testutil.CollectAndCount(env.metrics.RemoteCallDurations.WithLabelValues("process_operation", "ok").(prometheus.Histogram)))
}

func TestClient_ProcessOperationRejections(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t, "dev-a")
	ctx := context.Background()

	_, err := env.client.ProcessOperation(ctx, session, createPayment(t, "op-1", "pay-1"))
	require.NoError(t, err)

	stale := domain.OperationRequest{
		OperationID: "op-2",
		Type:        domain.OperationUpdate,
		EntityType:  domain.EntityPayment,
		EntityID:    "pay-1",
		Payload:     map[string]any{"description": "late"},
		Delta:       true,
	}
	_, err = env.client.ProcessOperation(ctx, session, stale)
	var rejection *domain.RemoteConflictError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, domain.RemoteReasonVersionMismatch, rejection.Reason)
	require.NotNil(t, rejection.State)
	assert.Equal(t, int64(1), rejection.State.Version)

	orphan := stale
	orphan.OperationID = "op-3"
	orphan.EntityID = "pay-404"
	orphan.BaseVersion = 1
	_, err = env.client.ProcessOperation(ctx, session, orphan)
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, domain.RemoteReasonReferential, rejection.Reason)

	require.NoError(t, env.store.Close(ctx, nil, "2026-03", "bob", epoch))
	_, err = env.client.ProcessOperation(ctx, session, createPayment(t, "op-4", "pay-2"))
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, domain.RemoteReasonFiscalPeriodClosed, rejection.Reason)

	invalid := createPayment(t, "op-5", "pay-3")
	invalid.EntityType = "widget"
	_, err = env.client.ProcessOperation(ctx, session, invalid)
	require.ErrorIs(t, err, domain.ErrValidationFailure)
	assert.False(t, domain.IsRetryable(err))
}

func TestClient_ExpiredSession(t *testing.T) {
	env := newTestEnv(t)
	token, _, err := auth.NewJWTManager("test-secret", -time.Minute).Generate("alice", "dev-a")
	require.NoError(t, err)
	session := domain.RemoteSession{Token: token, UserID: "alice", DeviceID: "dev-a"}

	_, err = env.client.ProcessOperation(context.Background(), session, createPayment(t, "op-1", "pay-1"))
	require.ErrorIs(t, err, domain.ErrSessionExpired)

	_, err = env.client.FetchState(context.Background(), domain.RemoteSession{Token: "garbage"}, domain.EntityPayment, "pay-1")
	require.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestClient_Locks(t *testing.T) {
	env := newTestEnv(t)
	a := env.login(t, "dev-a")
	b := env.login(t, "dev-b")
	ctx := context.Background()

	lock := domain.OfflineLock{Resource: "period:2026/03", Actor: "alice", ExpiresAt: epoch.Add(30 * time.Minute)}

	granted, err := env.client.AcquireLock(ctx, a, lock)
	require.NoError(t, err)
	assert.Equal(t, "dev-a", granted.DeviceID)
	assert.Equal(t, lock.Resource, granted.Resource)

	_, err = env.client.AcquireLock(ctx, b, lock)
	var held *domain.LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "dev-a", held.Holder)
	assert.Equal(t, lock.Resource, held.Resource)

	holder, err := env.client.LockHolder(ctx, b, lock.Resource)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "dev-a", holder.DeviceID)

	require.ErrorIs(t, env.client.ReleaseLock(ctx, b, lock.Resource), domain.ErrLockHeld)
	require.NoError(t, env.client.ReleaseLock(ctx, a, lock.Resource))
	require.NoError(t, env.client.ReleaseLock(ctx, a, lock.Resource))

	holder, err = env.client.LockHolder(ctx, a, lock.Resource)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestClient_Ping(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.client.Ping(context.Background()))

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	down, err := New(Config{BaseURL: url, Timeout: time.Second}, nil)
	require.NoError(t, err)
	err = down.Ping(context.Background())
	require.ErrorIs(t, err, domain.ErrTransientNetwork)
	assert.True(t, domain.IsRetryable(err))
}

func TestClient_RetriesTransientReads(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	client, err := New(Config{BaseURL: srv.URL, MaxRetries: 2}, nil)
	require.NoError(t, err)

	_, err = client.FetchState(context.Background(), domain.RemoteSession{Token: "t"}, domain.EntityPayment, "pay-1")
	require.ErrorIs(t, err, domain.ErrTransientNetwork)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	_, err = client.ProcessOperation(context.Background(), domain.RemoteSession{Token: "t"}, domain.OperationRequest{OperationID: "op-1"})
	require.ErrorIs(t, err, domain.ErrTransientNetwork)
	assert.Equal(t, int32(1), calls.Load(), "writes are retried by the queue, not the client")
}

func TestClient_SendsIdempotencyKey(t *testing.T) {
	var key, authz string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get(idempotencyKeyHeader)
		authz = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"entity_id":"pay-1","version":3}`))
	}))
	t.Cleanup(srv.Close)

	client, err := New(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	result, err := client.ProcessOperation(context.Background(), domain.RemoteSession{Token: "tok"}, domain.OperationRequest{OperationID: "op-9"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Version)
	assert.Equal(t, "op-9", key)
	assert.Equal(t, "Bearer tok", authz)
}

func TestDecodeError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		resp   dto.ErrorResponse
		authed bool
		check  func(t *testing.T, err error)
	}{
		{
			name:   "expired session",
			status: http.StatusUnauthorized,
			resp:   dto.ErrorResponse{Error: dto.CodeSessionExpired},
			authed: true,
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrSessionExpired) },
		},
		{
			name:   "bad api key",
			status: http.StatusUnauthorized,
			resp:   dto.ErrorResponse{Error: dto.CodeUnauthorized},
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrUnauthorized) },
		},
		{
			name:   "in flight",
			status: http.StatusConflict,
			resp:   dto.ErrorResponse{Error: dto.CodeRequestInFlight},
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrTransientNetwork) },
		},
		{
			name:   "conflict without reason",
			status: http.StatusConflict,
			resp:   dto.ErrorResponse{Error: dto.CodeConflict},
			check: func(t *testing.T, err error) {
				var rejection *domain.RemoteConflictError
				require.ErrorAs(t, err, &rejection)
				assert.Equal(t, domain.RemoteReasonVersionMismatch, rejection.Reason)
			},
		},
		{
			name:   "referential validation",
			status: http.StatusUnprocessableEntity,
			resp:   dto.ErrorResponse{Error: dto.CodeValidationFailed, Reason: domain.RemoteReasonReferential},
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrConflict) },
		},
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrValidationFailure) },
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, domain.ErrTransientNetwork) },
		},
		{
			name:   "teapot",
			status: http.StatusTeapot,
			check: func(t *testing.T, err error) {
				assert.Error(t, err)
				assert.False(t, domain.IsRetryable(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, decodeError("test", tt.status, &tt.resp, tt.authed))
		})
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}
