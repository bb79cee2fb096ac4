package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redislib "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iho/offledger/internal/adapter/http/dto"
	"github.com/iho/offledger/internal/adapter/http/handler"
	apimiddleware "github.com/iho/offledger/internal/adapter/http/middleware"
	redisrepo "github.com/iho/offledger/internal/adapter/repository/redis"
	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/auth"
	"github.com/iho/offledger/internal/infrastructure/metrics"
	"github.com/iho/offledger/internal/usecase/gateway"
	"github.com/iho/offledger/internal/usecase/mocks"
)

const testAPIKey = "gateway-key"

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type testGateway struct {
	router  http.Handler
	store   *mocks.MemoryGatewayStore
	metrics *metrics.Metrics
	jwt     *auth.JWTManager
}

func newTestGateway(t *testing.T, opts ...func(*RouterConfig)) *testGateway {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redislib.NewClient(&redislib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	clock := mocks.NewFakeClock(epoch)
	store := mocks.NewMemoryGatewayStore()
	jwtManager := auth.NewJWTManager("test-secret", time.Hour)

	ops := gateway.NewOperationUseCase(store, store, store, &mocks.NoopTxManager{}, mocks.NoRetry{}, clock, m, zerolog.Nop())
	locks := gateway.NewLockUseCase(redisrepo.NewLockRegistry(client), clock, time.Hour, zerolog.Nop())
	sessions := gateway.NewSessionUseCase(testAPIKey, jwtManager, m)

	cfg := RouterConfig{
		SessionHandler:      handler.NewSessionHandler(sessions),
		OperationHandler:    handler.NewOperationHandler(ops),
		LockHandler:         handler.NewLockHandler(locks),
		FiscalPeriodHandler: handler.NewFiscalPeriodHandler(ops),
		HealthHandler: handler.NewHealthHandler(handler.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}}),
		TokenVerifier:    jwtManager,
		IdempotencyStore: redisrepo.NewIdempotencyStore(client),
		Metrics:          m,
		MetricsHandler:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &testGateway{router: NewRouter(cfg), store: store, metrics: m, jwt: jwtManager}
}

func (g *testGateway) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)
	return rec
}

func (g *testGateway) login(t *testing.T, deviceID string) string {
	t.Helper()

	rec := g.do(t, http.MethodPost, "/api/v1/sessions", "", dto.CreateSessionRequest{APIKey: testAPIKey, UserID: "alice", DeviceID: deviceID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var session dto.SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	require.NotEmpty(t, session.Token)
	return session.Token
}

func paymentPayload(t *testing.T, id, amount string) map[string]any {
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

func TestNewRouter_HealthEndpointAvailable(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = g.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)
}

func TestNewRouter_SessionRequiresAPIKey(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(t, http.MethodPost, "/api/v1/sessions", "", dto.CreateSessionRequest{APIKey: "wrong", UserID: "alice", DeviceID: "dev-a"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = g.do(t, http.MethodPost, "/api/v1/sessions", "", map[string]string{"api_key": testAPIKey})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestNewRouter_OperationLifecycle(t *testing.T) {
	g := newTestGateway(t)
	token := g.login(t, "dev-a")

	create := dto.OperationRequest{
		OperationID: "op-1",
		Type:        string(domain.OperationCreate),
		EntityType:  string(domain.EntityPayment),
		EntityID:    "pay-1",
		Payload:     paymentPayload(t, "pay-1", "100.00"),
		VectorClock: domain.VectorClock{"dev-a": 1},
	}

	rec := g.do(t, http.MethodPost, "/api/v1/operations", token, create, apimiddleware.IdempotencyKeyHeader, "op-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result domain.OperationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, int64(1), result.Version)
	assert.Equal(t, "alice", g.store.CreatedBy(domain.EntityPayment, "pay-1"))

	// A retried push is served from the idempotency store.
	rec = g.do(t, http.MethodPost, "/api/v1/operations", token, create, apimiddleware.IdempotencyKeyHeader, "op-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(apimiddleware.IdempotencyReplayHeader))
	assert.Equal(t, 1, g.store.Operations())

	stale := dto.OperationRequest{
		OperationID: "op-2",
		Type:        string(domain.OperationUpdate),
		EntityType:  string(domain.EntityPayment),
		EntityID:    "pay-1",
		Payload:     map[string]any{"description": "late"},
		Delta:       true,
		BaseVersion: 0,
	}
	rec = g.do(t, http.MethodPost, "/api/v1/operations", token, stale, apimiddleware.IdempotencyKeyHeader, "op-2")
	require.Equal(t, http.StatusConflict, rec.Code)

	var conflict dto.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conflict))
	assert.Equal(t, dto.CodeConflict, conflict.Error)
	assert.Equal(t, domain.RemoteReasonVersionMismatch, conflict.Reason)
	require.NotNil(t, conflict.State)
	assert.Equal(t, int64(1), conflict.State.Version)

	// The rebased retry reuses the key: a rejected response was not cached.
	stale.BaseVersion = 1
	rec = g.do(t, http.MethodPost, "/api/v1/operations", token, stale, apimiddleware.IdempotencyKeyHeader, "op-2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = g.do(t, http.MethodGet, "/api/v1/entities/payment/pay-1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var state domain.RemoteState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, int64(2), state.Version)
	assert.Equal(t, "late", state.Fields["description"])

	rec = g.do(t, http.MethodGet, "/api/v1/entities/payment/unknown", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewRouter_ClosedFiscalPeriodRejectsPostings(t *testing.T) {
	g := newTestGateway(t)
	token := g.login(t, "dev-a")

	rec := g.do(t, http.MethodPost, "/api/v1/fiscal-periods/2026-03/close", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	create := dto.OperationRequest{
		OperationID: "op-1",
		Type:        string(domain.OperationCreate),
		EntityType:  string(domain.EntityPayment),
		EntityID:    "pay-1",
		Payload:     paymentPayload(t, "pay-1", "10.00"),
	}
	rec = g.do(t, http.MethodPost, "/api/v1/operations", token, create)
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.RemoteReasonFiscalPeriodClosed, resp.Reason)

	rec = g.do(t, http.MethodPost, "/api/v1/fiscal-periods/2026-03/reopen", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = g.do(t, http.MethodPost, "/api/v1/operations", token, create)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestNewRouter_ExpiredTokenIsSessionExpired(t *testing.T) {
	g := newTestGateway(t)
	expired := auth.NewJWTManager("test-secret", -time.Minute)
	token, _, err := expired.Generate("alice", "dev-a")
	require.NoError(t, err)

	rec := g.do(t, http.MethodGet, "/api/v1/entities/payment/pay-1", token, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "SESSION_EXPIRED", resp.Error)
}

func TestNewRouter_LockContention(t *testing.T) {
	g := newTestGateway(t)
	tokenA := g.login(t, "dev-a")
	tokenB := g.login(t, "dev-b")

	lock := dto.AcquireLockRequest{Resource: "period:2026-03", ExpiresAt: epoch.Add(30 * time.Minute)}

	rec := g.do(t, http.MethodPost, "/api/v1/locks/", tokenA, lock)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var granted dto.LockResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &granted))
	assert.Equal(t, "dev-a", granted.DeviceID)
	assert.Equal(t, "alice", granted.Actor)

	rec = g.do(t, http.MethodPost, "/api/v1/locks/", tokenB, lock)
	require.Equal(t, http.StatusConflict, rec.Code)

	var held dto.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &held))
	assert.Equal(t, dto.CodeLockHeld, held.Error)
	assert.Equal(t, "dev-a", held.Holder)

	rec = g.do(t, http.MethodGet, "/api/v1/locks/period:2026-03", tokenB, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = g.do(t, http.MethodDelete, "/api/v1/locks/period:2026-03", tokenB, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = g.do(t, http.MethodDelete, "/api/v1/locks/period:2026-03", tokenA, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = g.do(t, http.MethodGet, "/api/v1/locks/period:2026-03", tokenA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewRouter_RateLimiterBlocksExcessRequests(t *testing.T) {
	g := newTestGateway(t, func(cfg *RouterConfig) {
		cfg.RateLimiter = apimiddleware.NewRateLimiter(1, 1, nil)
	})

	req1 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req1.RemoteAddr = "1.2.3.4:1234"
	rec1 := httptest.NewRecorder()
	g.router.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req2.RemoteAddr = "1.2.3.4:1234"
	rec2 := httptest.NewRecorder()
	g.router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be throttled, got %d", rec2.Code)
	}
}

func TestNewRouter_MetricsEndpoint(t *testing.T) {
	g := newTestGateway(t)
	g.do(t, http.MethodGet, "/health", "", nil)

	rec := g.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "offledger_http_requests_total")
}

func TestNewRouter_RegistersKeyRoutes(t *testing.T) {
	g := newTestGateway(t)

	chiRoutes, ok := g.router.(chi.Router)
	if !ok {
		t.Fatal("router does not implement chi.Routes")
	}

	seen := map[string]bool{}
	if err := chi.Walk(chiRoutes, func(method string, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		seen[method+" "+route] = true
		return nil
	}); err != nil {
		t.Fatalf("walk failed: %v", err)
	}

	expected := []string{
		"GET /health",
		"GET /ready",
		"GET /metrics",
		"POST /api/v1/sessions",
		"POST /api/v1/operations",
		"GET /api/v1/entities/{type}/{id}",
		"POST /api/v1/locks/",
		"DELETE /api/v1/locks/{resource}",
		"POST /api/v1/fiscal-periods/{period}/close",
	}

	for _, route := range expected {
		if !seen[route] {
			t.Fatalf("expected route %s to be registered", route)
		}
	}
}
