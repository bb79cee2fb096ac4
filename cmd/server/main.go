package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	httpAdapter "github.com/iho/offledger/internal/adapter/http"
	"github.com/iho/offledger/internal/adapter/http/handler"
	apimiddleware "github.com/iho/offledger/internal/adapter/http/middleware"
	postgresRepo "github.com/iho/offledger/internal/adapter/repository/postgres"
	redisRepo "github.com/iho/offledger/internal/adapter/repository/redis"
	"github.com/iho/offledger/internal/infrastructure/auth"
	"github.com/iho/offledger/internal/infrastructure/config"
	"github.com/iho/offledger/internal/infrastructure/logger"
	"github.com/iho/offledger/internal/infrastructure/metrics"
	"github.com/iho/offledger/internal/infrastructure/postgres"
	"github.com/iho/offledger/internal/infrastructure/redis"
	"github.com/iho/offledger/internal/usecase"
	"github.com/iho/offledger/internal/usecase/gateway"
)

const limiterIdleTimeout = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "offledger-gateway"})

	if err := checkGatewayConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid gateway configuration")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("gateway stopped with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.DatabaseTimeout)
	pool, err := postgres.NewPoolWithConfig(connectCtx, postgres.PoolConfig{
		DatabaseURL:     cfg.DatabaseURL,
		MaxConns:        cfg.DatabaseMaxConns,
		MinConns:        cfg.DatabaseMinConns,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()
	log.Info().Msg("connected to postgres")

	redisClient, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisClient.Close()
	log.Info().Msg("connected to redis")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Repositories
	txManager := postgresRepo.NewTxManager(pool)
	entityRepo := postgresRepo.NewEntityRepository(pool)
	periodRepo := postgresRepo.NewFiscalPeriodRepository(pool)
	operationLog := postgresRepo.NewOperationLogRepository(pool)
	lockRegistry := redisRepo.NewLockRegistry(redisClient)
	idempotencyStore := redisRepo.NewIdempotencyStore(redisClient)

	// Use cases
	jwtManager := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiration)
	clock := usecase.SystemClock{}
	operationUC := gateway.NewOperationUseCase(entityRepo, periodRepo, operationLog, txManager, postgresRepo.NewRetrier(m), clock, m, log)
	lockUC := gateway.NewLockUseCase(lockRegistry, clock, cfg.LockTTL, log)
	sessionUC := gateway.NewSessionUseCase(cfg.APIKey, jwtManager, m)

	rateLimiter := apimiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, m)
	go cleanupLimiters(ctx, rateLimiter, log)

	router := httpAdapter.NewRouter(httpAdapter.RouterConfig{
		SessionHandler:      handler.NewSessionHandler(sessionUC),
		OperationHandler:    handler.NewOperationHandler(operationUC),
		LockHandler:         handler.NewLockHandler(lockUC),
		FiscalPeriodHandler: handler.NewFiscalPeriodHandler(operationUC),
		HealthHandler: handler.NewHealthHandler(
			handler.Check{Name: "postgres", Ping: pool.Ping},
			handler.Check{Name: "redis", Ping: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		),
		TokenVerifier:    jwtManager,
		IdempotencyStore: idempotencyStore,
		IdempotencyTTL:   cfg.IdempotencyTTL,
		RateLimiter:      rateLimiter,
		Metrics:          m,
		MetricsHandler:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:           log,
	})

	server := &http.Server{
		Addr:         serverAddr(cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("starting gateway")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	log.Info().Msg("gateway stopped")
	return nil
}

// checkGatewayConfig rejects settings the gateway cannot serve clients with.
func checkGatewayConfig(cfg *config.Config) error {
	var errs []error
	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.APIKey == "" {
		errs = append(errs, errors.New("GATEWAY_API_KEY is required"))
	}
	if cfg.JWTExpiration <= 0 {
		errs = append(errs, errors.New("JWT_EXPIRATION must be positive"))
	}
	if cfg.RateLimitRPS <= 0 || cfg.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	return errors.Join(errs...)
}

func serverAddr(port string) string {
	if port == "" {
		port = "8080"
	}
	return fmt.Sprintf(":%s", port)
}

func cleanupLimiters(ctx context.Context, rl *apimiddleware.RateLimiter, log zerolog.Logger) {
	ticker := time.NewTicker(limiterIdleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.CleanupLimiters(limiterIdleTimeout); n > 0 {
				log.Debug().Int("removed", n).Msg("evicted idle rate limiters")
			}
		}
	}
}
