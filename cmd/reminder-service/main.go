// Package main provides the reminder service entry point.
// Scans active medications on a cron schedule and publishes dose reminders; consumes
// medication events to stop reminding about doses the patient already acted on.
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
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsched/internal/config"
	"github.com/drfirst/go-medsched/internal/domain/medication"
	"github.com/drfirst/go-medsched/internal/infrastructure/badgerkv"
	"github.com/drfirst/go-medsched/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsched/internal/observability/metrics"
	"github.com/drfirst/go-medsched/internal/observability/tracing"
	"github.com/drfirst/go-medsched/internal/reminder"
	"github.com/drfirst/go-medsched/pkg/circuitbreaker"
	"github.com/drfirst/go-medsched/pkg/workerpool"
)

const serviceName = "reminder-service"

func main() {
	cfg, err := config.Load(os.Getenv("ENV_FILE"), "8082")
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
	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required")
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
	repo := medication.NewRepository(pool, logger)

	ledger, err := badgerkv.Open(cfg.LedgerPath, badgerkv.DefaultTTL, logger)
	if err != nil {
		logger.Fatal("ledger open failed", zap.Error(err))
	}
	defer ledger.Close()

	admin, err := redpanda.NewAdmin(brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx, redpanda.DefaultTopicConfigs(1)); err != nil {
		logger.Warn("topic setup failed", zap.Error(err))
	}
	requiredTopics := []string{redpanda.TopicMedicationEvents, redpanda.TopicDoseReminders, redpanda.TopicDoseOverdue}

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = brokers
	pcfg.ClientID = serviceName
	producer, err := redpanda.NewProducer(pcfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	m := metrics.New(nil)

	breakerCfg := circuitbreaker.DefaultConfig("")
	breakerCfg.OnStateChange = m.BreakerStateChanged
	publisher := reminder.NewBreakerPublisher(producer, circuitbreaker.NewManager(breakerCfg, logger))

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.ReminderWorkers
	scanner, err := reminder.NewScanner(repo, ledger, publisher, reminder.Config{
		Lead:     cfg.ReminderLead(),
		Location: cfg.Location(),
		Pool:     poolCfg,
	}, logger, reminder.WithMetrics(m))
	if err != nil {
		logger.Fatal("scanner creation failed", zap.Error(err))
	}

	events := reminder.NewEventHandler(ledger, m, logger)
	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = brokers
	consumer, err := redpanda.NewConsumer(ccfg, events.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	scanCtx, stopScans := context.WithCancel(ctx)
	c := cron.New(
		cron.WithLocation(cfg.Location()),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(zap.NewStdLog(logger)))),
	)
	if _, err := c.AddFunc(cfg.ReminderSchedule, func() {
		if _, err := scanner.Scan(scanCtx); err != nil {
			logger.Error("reminder scan failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("invalid reminder schedule", zap.Error(err))
	}
	c.Start()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		sent, resolved, _ := ledger.Counts()
		lag, err := admin.GroupLag(r.Context(), ccfg.GroupID)
		if err != nil {
			logger.Warn("consumer lag unavailable", zap.Error(err))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "healthy",
			"service":  serviceName,
			"breakers": publisher.Health(),
			"consumer": consumer.Stats(),
			"lag":      lag,
			"producer": producer.Stats(),
			"pool":     scanner.PoolStats(),
			"ledger":   map[string]int{"sent": sent, "resolved": resolved},
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := producer.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if missing, err := admin.MissingTopics(r.Context(), requiredTopics); err != nil || len(missing) > 0 {
			http.Error(w, "topics not ready", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("reminder service started",
		zap.String("schedule", cfg.ReminderSchedule),
		zap.Duration("lead", cfg.ReminderLead()),
		zap.Strings("brokers", brokers))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopScans()
	select {
	case <-c.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("reminder scan did not finish before shutdown")
	}
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("reminder service stopped")
}
