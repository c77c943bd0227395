// Package postgres holds the Postgres side of event delivery: the outbox written alongside
// medication snapshots and the relay that drains it to Redpanda.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxSchema creates the outbox table
const OutboxSchema = `
CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	kafka_topic    TEXT NOT NULL,
	kafka_key      TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT
);
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (created_at) WHERE processed_at IS NULL;
`

// DeadLetterTopic receives entries that exhausted their retries
const DeadLetterTopic = "dead.letter"

// relayLockID is the advisory lock that keeps a single relay draining at a time
const relayLockID int64 = 0x6d656473636864

// OutboxEntry is one pending event row
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// RelayConfig tunes the relay loop
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry goes to DeadLetterTopic
	MaxRetries int
	// Retention is how long processed rows are kept; zero disables cleanup
	Retention time.Duration
}

// DefaultRelayConfig returns the relay defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:    100,
		PollInterval: 200 * time.Millisecond,
		MaxRetries:   5,
		Retention:    7 * 24 * time.Hour,
	}
}

// Publisher sends one record to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// RelayObserver is notified about each delivery outcome. Metrics implement it.
type RelayObserver interface {
	OutboxPublished(topic string)
	OutboxFailed(topic string)
	OutboxDeadLettered(eventType string)
}

type nopObserver struct{}

func (nopObserver) OutboxPublished(string)    {}
func (nopObserver) OutboxFailed(string)       {}
func (nopObserver) OutboxDeadLettered(string) {}

// WriteEntry inserts entry inside tx, the same transaction that changed the aggregate
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.KafkaTopic, entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Relay polls the outbox and publishes pending entries in creation order
type Relay struct {
	pool      *pgxpool.Pool
	config    RelayConfig
	publisher Publisher
	observer  RelayObserver
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay. observer may be nil.
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, observer RelayObserver, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRelayConfig().PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultRelayConfig().MaxRetries
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		observer:  observer,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start runs the poll loop in the background
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval),
		zap.Int("max_retries", r.config.MaxRetries))
}

// Stop ends the poll loop and waits for the current batch
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Drain(r.ctx); err != nil {
				r.logger.Error("outbox drain failed", zap.Error(err))
			}
		case <-cleanup.C:
			if r.config.Retention <= 0 {
				continue
			}
			n, err := r.CleanupProcessed(r.ctx, r.config.Retention)
			if err != nil {
				r.logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("outbox cleaned", zap.Int64("deleted", n))
			}
		}
	}
}

// Drain publishes one batch and returns how many entries were delivered. It is a no-op when
// another relay holds the advisory lock.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_drain")
	defer span.End()

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", relayLockID)

	entries, err := r.fetchPending(ctx, conn)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	delivered := 0
	for _, entry := range entries {
		if err := r.deliver(ctx, conn, entry); err != nil {
			r.logger.Warn("outbox entry not delivered",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Int("retry_count", entry.RetryCount),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (r *Relay) fetchPending(ctx context.Context, conn *pgxpool.Conn) ([]*OutboxEntry, error) {
	rows, err := conn.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id ASC
		LIMIT $1`, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// deliver publishes entry to its topic, or to DeadLetterTopic once retries are exhausted
func (r *Relay) deliver(ctx context.Context, conn *pgxpool.Conn, entry *OutboxEntry) error {
	ctx, span := r.tracer.Start(ctx, "outbox_deliver",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	topic, payload, dead := Route(entry, r.config.MaxRetries)
	if err := r.publisher.Publish(ctx, topic, entry.KafkaKey, payload); err != nil {
		r.observer.OutboxFailed(topic)
		if _, uerr := conn.Exec(ctx,
			`UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW() WHERE id = $2`,
			err.Error(), entry.ID); uerr != nil {
			r.logger.Error("failed to record outbox failure", zap.Int64("id", entry.ID), zap.Error(uerr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	if _, err := conn.Exec(ctx,
		`UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}

	if dead {
		r.observer.OutboxDeadLettered(entry.EventType)
		r.logger.Warn("outbox entry dead-lettered",
			zap.Int64("id", entry.ID),
			zap.String("event_type", entry.EventType),
			zap.Int("retry_count", entry.RetryCount))
	} else {
		r.observer.OutboxPublished(topic)
	}
	return nil
}

// Route picks where an entry goes. Entries at or past maxRetries are wrapped for the dead
// letter topic so the aggregate's later events are not blocked behind them.
func Route(entry *OutboxEntry, maxRetries int) (topic string, payload []byte, dead bool) {
	if entry.RetryCount < maxRetries {
		return entry.KafkaTopic, entry.Payload, false
	}
	return DeadLetterTopic, deadLetterPayload(entry), true
}

func deadLetterPayload(entry *OutboxEntry) []byte {
	var lastError string
	if entry.LastError != nil {
		lastError = *entry.LastError
	}
	b, _ := json.Marshal(struct {
		OriginalTopic string          `json:"original_topic"`
		EventType     string          `json:"event_type"`
		AggregateID   string          `json:"aggregate_id"`
		Payload       json.RawMessage `json:"payload"`
		RetryCount    int             `json:"retry_count"`
		LastError     string          `json:"last_error,omitempty"`
		CreatedAt     time.Time       `json:"created_at"`
	}{
		OriginalTopic: entry.KafkaTopic,
		EventType:     entry.EventType,
		AggregateID:   entry.AggregateID,
		Payload:       entry.Payload,
		RetryCount:    entry.RetryCount,
		LastError:     lastError,
		CreatedAt:     entry.CreatedAt,
	})
	return b
}

// CleanupProcessed deletes processed rows older than olderThan
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < NOW() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RelayStats summarizes the outbox table
type RelayStats struct {
	Pending       int64      `json:"pending"`
	Retrying      int64      `json:"retrying"`
	Processed24h  int64      `json:"processed_24h"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Stats returns current outbox counts
func (r *Relay) Stats(ctx context.Context) (*RelayStats, error) {
	s := &RelayStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count > 0),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`).Scan(&s.Pending, &s.Retrying, &s.Processed24h, &s.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return s, nil
}
