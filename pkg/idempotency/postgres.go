package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Schema creates the inbox table
const Schema = `
CREATE TABLE IF NOT EXISTS inbox (
	idempotency_key TEXT PRIMARY KEY,
	handler_name    TEXT NOT NULL,
	status          TEXT NOT NULL,
	payload         JSONB,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS inbox_expires_idx ON inbox (expires_at);
`

// Inbox is the Postgres Processor
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox on pool
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process runs fn once per key. A finished key replays its stored result.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn ProcessFunc) (*Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.get(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	d := decide(entry, time.Now(), i.config.RecoveryTimeout)
	switch d {
	case decideReplay:
		span.SetAttributes(attribute.Bool("replayed", true))
		return &Outcome{Replayed: true, Result: entry.Result}, nil
	case decideFailed:
		return nil, ErrPreviouslyFailed
	case decideBusy:
		return nil, ErrInProgress
	}

	if err := i.start(ctx, key, handler, payload); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		status := i.config.statusFor(handlerErr)
		if err := i.mark(ctx, key, status, errorResult(handlerErr)); err != nil {
			i.logger.Error("failed to mark inbox status", zap.String("status", string(status)), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.mark(ctx, key, StatusFinished, result); err != nil {
		// the work is done; a lost mark only costs a re-run on retry
		i.logger.Error("failed to mark finished", zap.Error(err))
	}
	return &Outcome{WasRecovered: d == decideRecover, Result: result}, nil
}

func (i *Inbox) get(ctx context.Context, key string) (*Entry, error) {
	e := &Entry{}
	err := i.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox WHERE idempotency_key = $1`, key).Scan(
		&e.Key, &e.Handler, &e.Status, &e.Payload, &e.Result, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// start claims key. The upsert only overwrites rows that are recoverable, stale or expired, so
// two racing requests cannot both claim it.
func (i *Inbox) start(ctx context.Context, key, handler string, payload json.RawMessage) error {
	var claimed string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, NOW() + make_interval(secs => $5))
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, payload = $4, result = NULL, updated_at = NOW(), expires_at = EXCLUDED.expires_at
		WHERE inbox.status = 'RECOVERABLE'
		   OR inbox.expires_at < NOW()
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - make_interval(secs => $6))
		RETURNING idempotency_key`,
		key, handler, StatusStarted, payload, i.config.TTL.Seconds(), i.config.RecoveryTimeout.Seconds(),
	).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInProgress
	}
	if err != nil {
		return fmt.Errorf("failed to claim key: %w", err)
	}
	return nil
}

func (i *Inbox) mark(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx,
		`UPDATE inbox SET status = $1, result = $2, updated_at = NOW() WHERE idempotency_key = $3`,
		status, result, key)
	return err
}

// StartCleanup deletes expired keys in the background
func (i *Inbox) StartCleanup() {
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-i.ctx.Done():
				return
			case <-ticker.C:
				tag, err := i.pool.Exec(i.ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
				if err != nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
					continue
				}
				if tag.RowsAffected() > 0 {
					i.logger.Info("inbox cleanup completed", zap.Int64("deleted", tag.RowsAffected()))
				}
			}
		}
	}()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup goroutine started by StartCleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}
