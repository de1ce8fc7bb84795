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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/query-gateway/config"
	"github.com/vnmchuo/query-gateway/internal/auth"
	"github.com/vnmchuo/query-gateway/internal/billing"
	"github.com/vnmchuo/query-gateway/internal/catalog"
	"github.com/vnmchuo/query-gateway/internal/credential"
	"github.com/vnmchuo/query-gateway/internal/metrics"
	"github.com/vnmchuo/query-gateway/internal/plan"
	"github.com/vnmchuo/query-gateway/internal/provider"
	"github.com/vnmchuo/query-gateway/internal/provider/drivers"
	"github.com/vnmchuo/query-gateway/internal/proxy"
	"github.com/vnmchuo/query-gateway/internal/quota"
	"github.com/vnmchuo/query-gateway/internal/seeder"
	"github.com/vnmchuo/query-gateway/internal/telemetry"
	"github.com/vnmchuo/query-gateway/internal/worker"
	"github.com/vnmchuo/query-gateway/pkg/ratelimit"
)

const serviceName = "query-gateway"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "query-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(ctx, serviceName, cfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 3. Provider catalog and drivers; any misconfiguration aborts startup.
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	breakerCfg := provider.BreakerConfig{
		Failures: cfg.BreakerFailures,
		Cooldown: cfg.BreakerCooldown,
		OnStateChange: func(p provider.ID, from, to gobreaker.State) {
			m.SetBreakerState(string(p), int(to))
		},
	}
	providerDrivers, err := drivers.Build(cat, credential.NewEnvStore(), breakerCfg, logger)
	if err != nil {
		return err
	}

	// 4. Connect PostgreSQL
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")

	// 5. Connect Redis. Optional with the memory ledger.
	var (
		rdb     *redis.Client
		cache   redis.UniversalClient
		limiter *ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		cache = rdb
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
		logger.Info("Redis connected")
	}

	// 6. Quota ledger
	var ledger quota.Ledger
	switch cfg.LedgerBackend {
	case config.LedgerMemory:
		ml := quota.NewMemoryLedger(cfg.ReservationTTL, logger, quota.WithRetention(cfg.LedgerRetention))
		go ml.Run(ctx, cfg.SweepInterval)
		ledger = ml
	default:
		ledger = quota.NewRedisLedger(rdb, cfg.ReservationTTL, cfg.LedgerRetention, logger)
	}
	logger.Info("quota ledger ready", zap.String("backend", cfg.LedgerBackend))

	// 7. Plans, auth and billing stores
	planStore := plan.NewPostgresStore(pool)
	plans := plan.NewCachedStore(planStore, cache, cfg.PlanCacheTTL, logger)
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, cache, cfg.AuthCacheTTL, logger)
	billingStore := billing.NewPostgresStore(pool)

	// 8. Usage recorder; its workers outlive the HTTP server so queued records drain.
	queue := worker.NewMemoryQueue(cfg.RecorderQueueSize, cfg.RecorderWorkers, logger,
		worker.WithMaxTries(cfg.RecorderMaxTries),
		worker.WithHooks(worker.Hooks{
			OnRetry:   func(*worker.AsyncJob, error) { m.RecordRecorderRetry() },
			OnFailure: func(*worker.AsyncJob, error) { m.RecordRecorderFailure() },
		}),
	)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		_ = queue.Process(workerCtx)
	}()
	recorder := billing.NewAsyncRecorder(billing.NewRecorder(billingStore, logger), queue, logger, m.RecordRecorderDropped)

	// 9. Router and handler
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	router := proxy.NewRouter(cat, providerDrivers, plans, ledger, recorder,
		proxy.WithLogger(logger),
		proxy.WithMetrics(m),
		proxy.WithTracer(tracer),
		proxy.WithEstimator(proxy.RuneEstimator(cfg.DefaultCompletionTokens)),
		proxy.WithAttemptTimeout(cfg.AttemptTimeout),
		proxy.WithMaxCompletionTokens(cfg.MaxCompletionTokens),
	)
	handler := proxy.NewHandler(router, billingStore, limiter, tracer, m, logger)

	// 10. Seed demo tenant if RUN_SEED=true
	if cfg.RunSeed {
		if err := seeder.Seed(ctx, authStore, planStore, time.Now(), logger); err != nil {
			logger.Warn("seeding failed", zap.Error(err))
		}
	}

	// 11. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"query-gateway"}`))
	})
	r.Handle("/metrics", metrics.Handler(reg))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/queries", handler.HandleQuery)
		r.Get("/v1/usage", handler.HandleUsage)
		r.Get("/v1/quota", handler.HandleQuota)
	})

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("query gateway starting", zap.String("port", cfg.Port), zap.Int("providers", len(providerDrivers)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stopWorkers()
		<-workersDone
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}

	stopWorkers()
	<-workersDone
	logger.Info("server stopped")
	return nil
}
