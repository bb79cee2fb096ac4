package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/iho/offledger/internal/adapter/http/handler"
	"github.com/iho/offledger/internal/adapter/http/middleware"
	"github.com/iho/offledger/internal/infrastructure/metrics"
	"github.com/iho/offledger/internal/usecase/gateway"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	SessionHandler      *handler.SessionHandler
	OperationHandler    *handler.OperationHandler
	LockHandler         *handler.LockHandler
	FiscalPeriodHandler *handler.FiscalPeriodHandler
	HealthHandler       *handler.HealthHandler
	TokenVerifier       middleware.TokenVerifier
	IdempotencyStore    gateway.IdempotencyStore
	IdempotencyTTL      time.Duration
	RateLimiter         *middleware.RateLimiter
	Metrics             *metrics.Metrics
	MetricsHandler      http.Handler
	Logger              zerolog.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewLoggingMiddleware(cfg.Logger).Wrap)
	if cfg.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(cfg.Metrics).Wrap)
	}
	r.Use(middleware.Recovery(cfg.Logger))
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Limit)
	}

	// Health endpoints
	r.Get("/health", cfg.HealthHandler.Liveness)
	r.Get("/ready", cfg.HealthHandler.Readiness)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions", cfg.SessionHandler.Create)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(cfg.TokenVerifier, cfg.Metrics))

			// Idempotency middleware for mutating requests
			if cfg.IdempotencyStore != nil {
				idempotencyMiddleware := middleware.NewIdempotencyMiddleware(cfg.IdempotencyStore, cfg.IdempotencyTTL, cfg.Metrics, cfg.Logger)
				r.Use(idempotencyMiddleware.Wrap)
			}

			r.Post("/operations", cfg.OperationHandler.Process)
			r.Get("/entities/{type}/{id}", cfg.OperationHandler.GetEntity)

			// Locks
			r.Route("/locks", func(r chi.Router) {
				r.Post("/", cfg.LockHandler.Acquire)
				r.Get("/{resource}", cfg.LockHandler.Get)
				r.Delete("/{resource}", cfg.LockHandler.Release)
			})

			// Fiscal periods
			r.Route("/fiscal-periods/{period}", func(r chi.Router) {
				r.Post("/close", cfg.FiscalPeriodHandler.Close)
				r.Post("/reopen", cfg.FiscalPeriodHandler.Reopen)
			})
		})
	})

	return r
}
