// Package main runs the outbox relay: it publishes committed order events
// to Redpanda and dead-letters entries that keep failing.
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

	"github.com/drfirst/go-careplan/internal/config"
	"github.com/drfirst/go-careplan/internal/infrastructure/postgres"
	"github.com/drfirst/go-careplan/internal/infrastructure/redpanda"
	"github.com/drfirst/go-careplan/internal/observability/logging"
	"github.com/drfirst/go-careplan/internal/observability/metrics"
	"github.com/drfirst/go-careplan/internal/observability/tracing"
)

const (
	serviceName   = "outbox-relay"
	statsInterval = 15 * time.Second
	retention     = 7 * 24 * time.Hour
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
	logger, err := logging.New(cfg.LogLevel, cfg.IsDev())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

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
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	err = admin.EnsureTopics(ctx)
	if err == nil {
		var topics []string
		if topics, err = admin.ListTopics(ctx); err == nil {
			logger.Info("topics ready", zap.Strings("topics", topics))
		}
	}
	admin.Close()
	if err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(pcfg, logger)
	if err != nil {
		return err
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	m := metrics.New(prometheus.DefaultRegisterer)

	relay := postgres.NewRelay(pool, producer, postgres.OutboxConfig{
		BatchSize:       cfg.OutboxBatchSize,
		PollInterval:    cfg.OutboxPollInterval,
		MaxRetries:      cfg.OutboxMaxRetries,
		DeadLetterTopic: redpanda.TopicDeadLetter,
	}, logger)
	relay.OnBatch(func(n int) { m.OutboxPublished.Add(float64(n)) })

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	go reportStats(ctx, relay, m, logger)

	logger.Info("outbox relay started",
		zap.Int("batch_size", cfg.OutboxBatchSize),
		zap.Duration("poll_interval", cfg.OutboxPollInterval))
	relay.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
	return nil
}

// reportStats refreshes the pending gauge and prunes old published entries.
func reportStats(ctx context.Context, relay *postgres.Relay, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := relay.Stats(ctx)
		if err != nil {
			logger.Warn("outbox stats failed", zap.Error(err))
			continue
		}
		m.OutboxPending.Set(float64(st.Pending))
		if st.Retrying > 0 {
			logger.Warn("outbox entries retrying", zap.Int64("count", st.Retrying))
		}

		if n, err := relay.CleanupProcessed(ctx, retention); err != nil {
			logger.Warn("outbox cleanup failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("pruned published outbox entries", zap.Int64("count", n))
		}
	}
}
