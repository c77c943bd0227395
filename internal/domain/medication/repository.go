package medication

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

	"github.com/drfirst/go-medsched/internal/infrastructure/postgres"
	"github.com/drfirst/go-medsched/pkg/idempotency"
)

// Schema creates the tables used by Repository, the outbox and the idempotency inbox
const Schema = `
CREATE TABLE IF NOT EXISTS medications (
	id          TEXT PRIMARY KEY,
	patient_id  TEXT NOT NULL DEFAULT '',
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	version     INTEGER NOT NULL,
	data        JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS medications_patient_idx ON medications (patient_id);
CREATE INDEX IF NOT EXISTS medications_active_idx ON medications (is_active) WHERE is_active;
` + postgres.OutboxSchema + idempotency.Schema

// Repository is the Postgres Store. The medication snapshot lives in a JSONB column guarded by
// a version column; outbox rows are written in the same transaction as the snapshot.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger, tracer: otel.Tracer("medication-repository")}
}

// Migrate applies Schema
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Medication, error) {
	ctx, span := r.tracer.Start(ctx, "medication_get", trace.WithAttributes(attribute.String("medication_id", id)))
	defer span.End()

	med, err := scanMedication(r.pool.QueryRow(ctx, `SELECT data, version, created_at, updated_at FROM medications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get medication: %w", err)
	}
	return med, nil
}

func (r *Repository) List(ctx context.Context, patientID string) ([]*Medication, error) {
	query := `
		SELECT data, version, created_at, updated_at
		FROM medications
		WHERE ($1 = '' OR patient_id = $1)
		ORDER BY created_at ASC, id ASC
	`
	return r.query(ctx, "medication_list", query, patientID)
}

func (r *Repository) ListActive(ctx context.Context) ([]*Medication, error) {
	query := `
		SELECT data, version, created_at, updated_at
		FROM medications
		WHERE is_active
		ORDER BY created_at ASC, id ASC
	`
	return r.query(ctx, "medication_list_active", query)
}

func (r *Repository) query(ctx context.Context, spanName, query string, args ...interface{}) ([]*Medication, error) {
	ctx, span := r.tracer.Start(ctx, spanName)
	defer span.End()

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query medications: %w", err)
	}
	defer rows.Close()

	var out []*Medication
	for rows.Next() {
		med, err := scanMedication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		out = append(out, med)
	}
	span.SetAttributes(attribute.Int("count", len(out)))
	return out, rows.Err()
}

func scanMedication(row pgx.Row) (*Medication, error) {
	var (
		data    []byte
		med     Medication
		version int
		created time.Time
		updated time.Time
	)
	if err := row.Scan(&data, &version, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &med); err != nil {
		return nil, fmt.Errorf("decode medication: %w", err)
	}
	med.Version, med.CreatedAt, med.UpdatedAt = version, created, updated
	return &med, nil
}

func (r *Repository) Create(ctx context.Context, med *Medication, events ...*Event) error {
	ctx, span := r.tracer.Start(ctx, "medication_create", trace.WithAttributes(attribute.String("medication_id", med.ID)))
	defer span.End()

	now := time.Now().UTC()
	med.Version = 1
	if med.CreatedAt.IsZero() {
		med.CreatedAt = now
	}
	med.UpdatedAt = now
	data, err := json.Marshal(med)
	if err != nil {
		return fmt.Errorf("encode medication: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO medications (id, patient_id, is_active, version, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, med.ID, med.PatientID, med.IsActive, med.Version, data, med.CreatedAt, med.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert medication: %w", err)
	}
	if err := writeEvents(ctx, tx, med.Version, events); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Repository) ReplaceScheduledDoses(ctx context.Context, id string, expectedVersion int, doses []ScheduledDose, events ...*Event) (*Medication, error) {
	return r.replace(ctx, id, expectedVersion, events, func(m *Medication) {
		m.ScheduledDoses = append([]ScheduledDose(nil), doses...)
	})
}

func (r *Repository) ReplaceCustomSchedule(ctx context.Context, id string, expectedVersion int, entries []ScheduleEntry, events ...*Event) (*Medication, error) {
	return r.replace(ctx, id, expectedVersion, events, func(m *Medication) {
		m.CustomSchedule = append([]ScheduleEntry(nil), entries...)
	})
}

func (r *Repository) ReplaceDoseRecords(ctx context.Context, id string, expectedVersion int, records []DoseRecord, events ...*Event) (*Medication, error) {
	return r.replace(ctx, id, expectedVersion, events, func(m *Medication) {
		m.DoseRecords = append([]DoseRecord(nil), records...)
	})
}

func (r *Repository) replace(ctx context.Context, id string, expectedVersion int, events []*Event, apply func(*Medication)) (*Medication, error) {
	ctx, span := r.tracer.Start(ctx, "medication_replace",
		trace.WithAttributes(
			attribute.String("medication_id", id),
			attribute.Int("expected_version", expectedVersion),
		))
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	med, err := scanMedication(tx.QueryRow(ctx, `SELECT data, version, created_at, updated_at FROM medications WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load medication: %w", err)
	}
	if med.Version != expectedVersion {
		span.SetAttributes(attribute.Bool("conflict", true))
		return nil, fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, id, med.Version, expectedVersion)
	}

	apply(med)
	med.Version++
	med.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(med)
	if err != nil {
		return nil, fmt.Errorf("encode medication: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE medications
		SET data = $1, version = $2, is_active = $3, updated_at = $4
		WHERE id = $5 AND version = $6
	`, data, med.Version, med.IsActive, med.UpdatedAt, id, expectedVersion)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("update medication: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrVersionConflict, id)
	}
	if err := writeEvents(ctx, tx, med.Version, events); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("medication replaced",
		zap.String("medication_id", id),
		zap.Int("version", med.Version),
		zap.Int("events", len(events)))
	return med, nil
}

func writeEvents(ctx context.Context, tx pgx.Tx, version int, events []*Event) error {
	for _, e := range events {
		e.Version = version
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		entry := &postgres.OutboxEntry{
			AggregateID:   e.AggregateID,
			AggregateType: e.AggregateType,
			EventType:     string(e.EventType),
			Payload:       payload,
			KafkaTopic:    EventsTopic,
			KafkaKey:      e.AggregateID,
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}
