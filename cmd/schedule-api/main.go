// Package main provides the schedule API service entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsched/internal/api/handlers"
	"github.com/drfirst/go-medsched/internal/api/middleware"
	"github.com/drfirst/go-medsched/internal/config"
	"github.com/drfirst/go-medsched/internal/domain/medication"
	"github.com/drfirst/go-medsched/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsched/internal/observability/metrics"
	"github.com/drfirst/go-medsched/internal/observability/tracing"
	"github.com/drfirst/go-medsched/pkg/idempotency"
)

const serviceName = "schedule-api"

func main() {
	cfg, err := config.Load(os.Getenv("ENV_FILE"), "8081")
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

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTELEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	apiKeys, err := cfg.APIKeyMap()
	if err != nil {
		logger.Fatal("invalid API keys", zap.Error(err))
	}

	inboxCfg := idempotency.DefaultConfig()
	inboxCfg.Terminal = handlers.IsClientError

	var (
		store medication.Store
		inbox idempotency.Processor
		ready = func(context.Context) error { return nil }
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("database ping failed", zap.Error(err))
		}
		logger.Info("connected to database")

		repo := medication.NewRepository(pool, logger)
		if err := repo.Migrate(ctx); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		pgInbox := idempotency.NewInbox(pool, inboxCfg, logger)
		pgInbox.StartCleanup()
		defer pgInbox.Stop()

		store, inbox = repo, pgInbox
		ready = func(ctx context.Context) error { return pool.Ping(ctx) }
	} else {
		// Without Postgres there is no outbox; events go straight to the broker if one is set
		var sink medication.EventSink
		if brokers := cfg.Brokers(); len(brokers) > 0 {
			pcfg := redpanda.DefaultProducerConfig()
			pcfg.Brokers = brokers
			pcfg.ClientID = serviceName
			producer, err := redpanda.NewProducer(pcfg, logger)
			if err != nil {
				logger.Fatal("producer creation failed", zap.Error(err))
			}
			defer producer.Close()
			sink = publishSink(producer, logger)
			ready = producer.Ping
		}
		logger.Warn("DATABASE_URL not set, using in-memory store")
		memInbox := idempotency.NewMemoryInbox(inboxCfg)
		memInbox.StartCleanup()
		defer memInbox.Stop()
		store, inbox = medication.NewMemoryStore(sink), memInbox
	}

	m := metrics.New(nil)
	svc := medication.NewService(store, logger, medication.WithLocation(cfg.Location()))
	medHandler := handlers.NewMedicationHandler(svc, inbox, m, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(m))

	// Health check (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(apiKeys))
		if cfg.RateLimitRPS > 0 {
			r.Use(limiter.Handler)
		}
		r.Get("/interpret", medHandler.Interpret)
		r.Mount("/medications", medHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting schedule API",
		zap.String("port", cfg.Port),
		zap.String("timezone", cfg.Timezone),
		zap.Bool("tracing", tp.Enabled()))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func publishSink(producer *redpanda.Producer, logger *zap.Logger) medication.EventSink {
	return func(ctx context.Context, events []*medication.Event) {
		for _, e := range events {
			value, err := json.Marshal(e)
			if err != nil {
				logger.Error("encode event failed", zap.String("event_id", e.ID), zap.Error(err))
				continue
			}
			if err := producer.Publish(ctx, redpanda.TopicMedicationEvents, e.AggregateID, value); err != nil {
				logger.Error("publish event failed",
					zap.String("event_id", e.ID),
					zap.String("event_type", string(e.EventType)),
					zap.Error(err))
			}
		}
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"%s","version":"1.0.0"}`, serviceName)
}
