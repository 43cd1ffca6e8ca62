package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/api/handlers"
	"github.com/drfirst/go-careplan/internal/api/middleware"
	"github.com/drfirst/go-careplan/internal/careplan"
	"github.com/drfirst/go-careplan/internal/config"
	"github.com/drfirst/go-careplan/internal/domain/intake"
	"github.com/drfirst/go-careplan/internal/infrastructure/memory"
	"github.com/drfirst/go-careplan/internal/infrastructure/postgres"
	"github.com/drfirst/go-careplan/internal/infrastructure/redpanda"
	"github.com/drfirst/go-careplan/internal/observability/logging"
	"github.com/drfirst/go-careplan/internal/observability/metrics"
	"github.com/drfirst/go-careplan/internal/observability/tracing"
	"github.com/drfirst/go-careplan/pkg/circuitbreaker"
)

// storage is what both store backends provide.
type storage interface {
	intake.Store
	careplan.Repository
}

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.IsDev())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled, tcfg.OTLPEndpoint, tcfg.Environment = cfg.TracingEnabled, cfg.OTLPEndpoint, cfg.Env
	tcfg.ServiceVersion = version
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	readiness := map[string]func(context.Context) error{}
	var store storage
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store; data is lost on exit and no events are published")
		store = memory.NewStore()
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		logger.Info("connected to database")

		if migrate {
			n, err := postgres.NewMigrator(pool, postgres.Migrations()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", zap.Int("count", n))
		}
		pg := postgres.NewStore(pool, redpanda.TopicOrderEvents)
		readiness["database"] = pg.Ping
		store = pg
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	icfg := intake.DefaultConfig()
	icfg.MRN = cfg.MRNPolicy()
	icfg.Timeout = cfg.SubmitTimeout
	orders := intake.NewService(store, icfg, logger)
	orders.SetObserver(m)

	plans, err := newCarePlanService(cfg, store, logger)
	if err != nil {
		return err
	}
	var planService handlers.CarePlanService
	if plans != nil {
		plans.SetObserver(m)
		planService = plans
	}

	apiKeys, err := cfg.ParsedAPIKeys()
	if err != nil {
		return err
	}
	if len(apiKeys) == 0 {
		logger.Warn("API_KEYS is empty; order endpoints are unauthenticated")
	}

	orderHandler := handlers.NewOrderHandler(orders, planService, cfg.CarePlanMode == config.CarePlanSync, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(m))

	r.Get("/health", handlers.Health(serviceName, version))
	r.Get("/ready", handlers.Ready(readiness))
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(apiKeys))
		r.Mount("/orders", orderHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.SubmitTimeout + cfg.CarePlanTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting intake API",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.Store),
			zap.String("careplan_mode", cfg.CarePlanMode))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

// newCarePlanService returns nil when no API key is configured or care plan
// generation is off.
func newCarePlanService(cfg *config.Config, repo careplan.Repository, logger *zap.Logger) (*careplan.Service, error) {
	if cfg.CarePlanMode == config.CarePlanOff || cfg.OpenAIAPIKey == "" {
		logger.Info("care plan endpoints disabled")
		return nil, nil
	}

	gen, err := careplan.NewOpenAIGenerator(careplan.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
		Timeout: cfg.CarePlanTimeout,
	})
	if err != nil {
		return nil, err
	}
	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("careplan-generator"), logger)
	if err != nil {
		return nil, err
	}
	return careplan.NewService(repo, gen, breaker, logger), nil
}
