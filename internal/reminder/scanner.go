// Package reminder turns the active medication set into reminder and overdue messages. Each
// dose occurrence is announced at most once per kind; patient actions seen on the event
// stream suppress further messages for that occurrence.
package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsched/internal/domain/medication"
	"github.com/drfirst/go-medsched/internal/infrastructure/badgerkv"
	"github.com/drfirst/go-medsched/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsched/internal/observability/metrics"
	"github.com/drfirst/go-medsched/pkg/workerpool"
)

// Kind of a reminder message
type Kind = badgerkv.Kind

const (
	KindReminder = badgerkv.KindReminder
	KindOverdue  = badgerkv.KindOverdue
)

// Message is the payload written to dose.reminders and dose.overdue
type Message struct {
	Kind           Kind      `json:"kind"`
	MedicationID   string    `json:"medication_id"`
	PatientID      string    `json:"patient_id,omitempty"`
	MedicationName string    `json:"medication_name"`
	DoseID         string    `json:"dose_id"`
	Date           string    `json:"date"`
	Time           string    `json:"time"`
	Label          string    `json:"label"`
	Dosage         string    `json:"dosage,omitempty"`
	TabletCount    int       `json:"tablet_count,omitempty"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	DiffMinutes    int       `json:"diff_minutes"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Topic returns the topic a message of this kind goes to
func (m Message) Topic() string {
	if m.Kind == KindOverdue {
		return redpanda.TopicDoseOverdue
	}
	return redpanda.TopicDoseReminders
}

// Lister returns medications that may have doses due
type Lister interface {
	ListActive(ctx context.Context) ([]*medication.Medication, error)
}

// Ledger remembers sent and resolved occurrences. *badgerkv.Ledger implements it.
type Ledger interface {
	TryMarkSent(kind badgerkv.Kind, medicationID, doseID, date string) (bool, error)
	UnmarkSent(kind badgerkv.Kind, medicationID, doseID, date string) error
	IsResolved(medicationID, doseID, date string) (bool, error)
	MarkResolved(medicationID, doseID, date, status string) error
	ClearResolved(medicationID, doseID, date string) error
}

// Publisher sends one record
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Config tunes a Scanner
type Config struct {
	// Lead is how far ahead of the scheduled time a reminder is sent
	Lead     time.Duration
	Location *time.Location
	Pool     workerpool.Config
}

// Report summarizes one scan
type Report struct {
	Medications int           `json:"medications"`
	Reminders   int           `json:"reminders"`
	Overdue     int           `json:"overdue"`
	Duplicates  int           `json:"duplicates"`
	Resolved    int           `json:"resolved"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration"`
}

type medReport struct {
	reminders, overdue, duplicates, resolved int
}

// Scanner finds doses to announce and publishes them
type Scanner struct {
	store     Lister
	ledger    Ledger
	publisher Publisher
	pool      *workerpool.Pool[*medication.Medication, medReport]
	lead      time.Duration
	loc       *time.Location
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Option configures a Scanner
type Option func(*Scanner)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// WithMetrics records scan metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scanner) { s.metrics = m }
}

// NewScanner creates a scanner. publisher is usually a BreakerPublisher.
func NewScanner(store Lister, ledger Ledger, publisher Publisher, cfg Config, logger *zap.Logger, opts ...Option) (*Scanner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Scanner{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		lead:      cfg.Lead,
		loc:       cfg.Location,
		now:       time.Now,
		logger:    logger,
		tracer:    otel.Tracer("reminder-scanner"),
	}
	for _, opt := range opts {
		opt(s)
	}

	pool, err := workerpool.New(cfg.Pool, s.scanMedication, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Scan runs one pass over the active medications
func (s *Scanner) Scan(ctx context.Context) (Report, error) {
	ctx, span := s.tracer.Start(ctx, "reminder_scan")
	defer span.End()
	start := time.Now()

	meds, err := s.store.ListActive(ctx)
	if err != nil {
		span.RecordError(err)
		return Report{}, fmt.Errorf("list active medications: %w", err)
	}

	tasks := make([]workerpool.Task[*medication.Medication], len(meds))
	for i, med := range meds {
		tasks[i] = workerpool.Task[*medication.Medication]{ID: med.ID, Payload: med}
	}

	rep := Report{Medications: len(meds)}
	for _, res := range s.pool.Run(ctx, tasks) {
		rep.Reminders += res.Value.reminders
		rep.Overdue += res.Value.overdue
		rep.Duplicates += res.Value.duplicates
		rep.Resolved += res.Value.resolved
		if res.Err != nil {
			rep.Failed++
		}
	}
	rep.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("medications", rep.Medications),
		attribute.Int("reminders", rep.Reminders),
		attribute.Int("overdue", rep.Overdue),
		attribute.Int("failed", rep.Failed))
	if s.metrics != nil {
		s.metrics.ActiveMedications.Set(float64(rep.Medications))
		s.metrics.ReminderScanSeconds.Observe(rep.Duration.Seconds())
	}
	s.logger.Info("reminder scan finished",
		zap.Int("medications", rep.Medications),
		zap.Int("reminders", rep.Reminders),
		zap.Int("overdue", rep.Overdue),
		zap.Int("duplicates", rep.Duplicates),
		zap.Int("failed", rep.Failed),
		zap.Duration("duration", rep.Duration))
	return rep, nil
}

// Candidates returns the messages due for med at now, before ledger filtering. Reminders are
// pending doses that are due now or start within lead; overdue messages cover today's pending
// doses past the due window.
func Candidates(med *medication.Medication, now time.Time, lead time.Duration) []Message {
	var out []Message
	for _, occ := range medication.Upcoming(med, now) {
		d := medication.Classify(occ, now)
		if d.IsDueNow || (d.DiffMinutes >= 0 && time.Duration(d.DiffMinutes)*time.Minute <= lead) {
			out = append(out, newMessage(KindReminder, med, occ, d, now))
		}
	}

	today := medication.DateOf(now)
	if medication.IsActive(med, today) {
		for _, occ := range medication.Materialize(med, today) {
			if d := medication.Classify(occ, now); d.IsOverdue {
				out = append(out, newMessage(KindOverdue, med, occ, d, now))
			}
		}
	}
	return out
}

func newMessage(kind Kind, med *medication.Medication, occ medication.DoseOccurrence, d medication.Display, now time.Time) Message {
	at, _ := occ.Instant(now.Location())
	return Message{
		Kind:           kind,
		MedicationID:   med.ID,
		PatientID:      med.PatientID,
		MedicationName: med.Name,
		DoseID:         occ.DoseID,
		Date:           occ.Date,
		Time:           occ.Time,
		Label:          occ.Label,
		Dosage:         occ.Dosage,
		TabletCount:    occ.TabletCount,
		ScheduledAt:    at.UTC(),
		DiffMinutes:    d.DiffMinutes,
		GeneratedAt:    now.UTC(),
	}
}

func (s *Scanner) scanMedication(ctx context.Context, med *medication.Medication) (medReport, error) {
	var rep medReport
	now := s.now().In(s.loc)

	for _, msg := range Candidates(med, now, s.lead) {
		resolved, err := s.ledger.IsResolved(msg.MedicationID, msg.DoseID, msg.Date)
		if err != nil {
			return rep, err
		}
		if resolved {
			rep.resolved++
			continue
		}

		first, err := s.ledger.TryMarkSent(msg.Kind, msg.MedicationID, msg.DoseID, msg.Date)
		if err != nil {
			return rep, err
		}
		if !first {
			rep.duplicates++
			continue
		}

		if err := s.publish(ctx, msg); err != nil {
			if uerr := s.ledger.UnmarkSent(msg.Kind, msg.MedicationID, msg.DoseID, msg.Date); uerr != nil {
				s.logger.Error("failed to unmark reminder", zap.Error(uerr))
			}
			return rep, err
		}

		if msg.Kind == KindOverdue {
			rep.overdue++
		} else {
			rep.reminders++
		}
		if s.metrics != nil {
			s.metrics.RemindersPublished.WithLabelValues(string(msg.Kind)).Inc()
		}
	}
	return rep, nil
}

func (s *Scanner) publish(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode reminder: %w", err)
	}
	if err := s.publisher.Publish(ctx, msg.Topic(), msg.MedicationID, value); err != nil {
		return err
	}
	s.logger.Debug("reminder published",
		zap.String("kind", string(msg.Kind)),
		zap.String("medication_id", msg.MedicationID),
		zap.String("dose_id", msg.DoseID),
		zap.String("date", msg.Date),
		zap.String("time", msg.Time))
	return nil
}

// PoolStats exposes the worker pool counters
func (s *Scanner) PoolStats() workerpool.Stats {
	return s.pool.Stats()
}
