// Package main runs the care-plan worker. It consumes OrderAccepted events
// and generates at most one care plan per order.
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
	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/careplan"
	"github.com/drfirst/go-careplan/internal/config"
	"github.com/drfirst/go-careplan/internal/infrastructure/postgres"
	"github.com/drfirst/go-careplan/internal/infrastructure/redpanda"
	"github.com/drfirst/go-careplan/internal/observability/logging"
	"github.com/drfirst/go-careplan/internal/observability/metrics"
	"github.com/drfirst/go-careplan/internal/observability/tracing"
	"github.com/drfirst/go-careplan/pkg/circuitbreaker"
	"github.com/drfirst/go-careplan/pkg/idempotency"
	"github.com/drfirst/go-careplan/pkg/workerpool"
)

const (
	serviceName = "careplan-worker"
	lagInterval = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Store != config.StorePostgres {
		return fmt.Errorf("%s needs STORE=%s", serviceName, config.StorePostgres)
	}
	if cfg.OpenAIAPIKey == "" {
		return errors.New("OPENAI_API_KEY is required")
	}
	logger, err := logging.New(cfg.LogLevel, cfg.IsDev())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.CarePlanMode != config.CarePlanAsync {
		logger.Warn("CAREPLAN_MODE is not async; the worker still consumes events",
			zap.String("mode", cfg.CarePlanMode))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled, tcfg.OTLPEndpoint, tcfg.Environment = cfg.TracingEnabled, cfg.OTLPEndpoint, cfg.Env
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	gen, err := careplan.NewOpenAIGenerator(careplan.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
		Timeout: cfg.CarePlanTimeout,
	})
	if err != nil {
		return err
	}
	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("careplan-generator"), logger)
	if err != nil {
		return err
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	svc := careplan.NewService(postgres.NewStore(pool, redpanda.TopicOrderEvents), gen, breaker, logger)
	svc.SetObserver(m)

	inbox := idempotency.New(idempotency.NewPostgresStore(pool), idempotency.DefaultConfig(), logger)
	go inbox.Run(ctx)

	wcfg := workerpool.DefaultConfig()
	wcfg.Workers = cfg.WorkerCount
	worker, err := careplan.NewWorker(svc, inbox, wcfg, logger)
	if err != nil {
		return err
	}
	worker.Start()
	defer func() {
		if err := worker.Stop(); err != nil {
			logger.Warn("worker stop", zap.Error(err))
		}
	}()

	if err := redpanda.HealthCheck(ctx, cfg.KafkaBrokers); err != nil {
		return fmt.Errorf("redpanda unreachable: %w", err)
	}
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer admin.Close()
	go reportLag(ctx, admin, cfg.ConsumerGroup, m, logger)

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.KafkaBrokers
	ccfg.GroupID = cfg.ConsumerGroup
	ccfg.Concurrency = cfg.WorkerCount
	consumer, err := redpanda.NewConsumer(ccfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		if err := worker.HandleEvent(ctx, msg.Value); err != nil {
			m.MessagesConsumed.WithLabelValues("error").Inc()
			return err
		}
		m.MessagesConsumed.WithLabelValues("ok").Inc()
		return nil
	}, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("care plan worker started",
		zap.String("group", cfg.ConsumerGroup),
		zap.Int("workers", cfg.WorkerCount))
	if err := consumer.Run(ctx); err != nil {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("care plan worker stopped", zap.Any("stats", worker.Stats()))
	return nil
}

func reportLag(ctx context.Context, admin *redpanda.Admin, group string, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(lagInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		lag, err := admin.GroupLag(ctx, group)
		if err != nil {
			logger.Warn("group lag failed", zap.Error(err))
			continue
		}
		for topic, n := range lag {
			m.ConsumerLag.WithLabelValues(topic).Set(float64(n))
		}
	}
}
