// Package main provides the outbox relay service entry point.
// Publishes committed medication events from the outbox table to medication.events.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsched/internal/config"
	"github.com/drfirst/go-medsched/internal/infrastructure/postgres"
	"github.com/drfirst/go-medsched/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsched/internal/observability/metrics"
	"github.com/drfirst/go-medsched/internal/observability/tracing"
)

const serviceName = "outbox-relay"

func main() {
	cfg, err := config.Load(os.Getenv("ENV_FILE"), "8083")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("service", serviceName))

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}
	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTELEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producerCfg.ClientID = serviceName
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", producerCfg.Brokers))

	m := metrics.New(nil)

	relayCfg := postgres.DefaultRelayConfig()
	if cfg.OutboxBatchSize > 0 {
		relayCfg.BatchSize = cfg.OutboxBatchSize
	}
	if cfg.OutboxPoll > 0 {
		relayCfg.PollInterval = cfg.OutboxPoll
	}
	if cfg.OutboxMaxRetries > 0 {
		relayCfg.MaxRetries = cfg.OutboxMaxRetries
	}
	relay := postgres.NewRelay(pool, producer, relayCfg, m.Relay(), logger)
	relay.Start()
	logger.Info("outbox relay started",
		zap.Int("batch_size", relayCfg.BatchSize),
		zap.Duration("poll_interval", relayCfg.PollInterval))

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		stats, err := relay.Stats(r.Context())
		if err != nil {
			http.Error(w, `{"status":"unhealthy"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "healthy",
			"service": serviceName,
			"outbox":  stats,
		})
	})
	r.Handle("/metrics", m.Handler())

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 15 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	relay.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
}
