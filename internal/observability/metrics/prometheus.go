// Package metrics defines the Prometheus metrics shared by the medsched binaries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-medsched/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	MedicationsCreated  prometheus.Counter
	SchedulesGenerated  *prometheus.CounterVec
	DosesRecorded       *prometheus.CounterVec
	DosesCleared        prometheus.Counter
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	RemindersPublished  *prometheus.CounterVec
	ReminderScanSeconds prometheus.Histogram
	ActiveMedications   prometheus.Gauge
	EventsConsumed      *prometheus.CounterVec
	OutboxPublished     *prometheus.CounterVec
	OutboxFailures      *prometheus.CounterVec
	OutboxDeadLettered  *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates the metrics and registers them with reg. A nil reg uses a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		MedicationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medications_created_total",
			Help: "Medications created",
		}),
		SchedulesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medication_schedules_generated_total",
			Help: "Recurring schedules written, by how they were produced",
		}, []string{"source"}),
		DosesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doses_recorded_total",
			Help: "Dose outcomes recorded, by status",
		}, []string{"status"}),
		DosesCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_cleared_total",
			Help: "Dose records removed",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"route", "method"}),
		RemindersPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_reminders_published_total",
			Help: "Reminder messages published, by kind",
		}, []string{"kind"}),
		ReminderScanSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dose_reminder_scan_duration_seconds",
			Help:    "Duration of one reminder scan",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveMedications: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medications_active",
			Help: "Active medications seen by the last reminder scan",
		}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medication_events_consumed_total",
			Help: "Medication events consumed, by event type",
		}, []string{"event_type"}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox entries published, by topic",
		}, []string{"topic"}),
		OutboxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Failed outbox publish attempts, by topic",
		}, []string{"topic"}),
		OutboxDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_dead_lettered_total",
			Help: "Outbox entries moved to the dead letter topic",
		}, []string{"event_type"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.MedicationsCreated,
		m.SchedulesGenerated,
		m.DosesRecorded,
		m.DosesCleared,
		m.HTTPRequests,
		m.HTTPDuration,
		m.RemindersPublished,
		m.ReminderScanSeconds,
		m.ActiveMedications,
		m.EventsConsumed,
		m.OutboxPublished,
		m.OutboxFailures,
		m.OutboxDeadLettered,
		m.CircuitBreakerState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// RelayObserver counts outbox relay outcomes
type RelayObserver struct{ m *Metrics }

// Relay returns an observer for postgres.NewRelay
func (m *Metrics) Relay() RelayObserver { return RelayObserver{m: m} }

func (o RelayObserver) OutboxPublished(topic string) {
	o.m.OutboxPublished.WithLabelValues(topic).Inc()
}

func (o RelayObserver) OutboxFailed(topic string) {
	o.m.OutboxFailures.WithLabelValues(topic).Inc()
}

func (o RelayObserver) OutboxDeadLettered(eventType string) {
	o.m.OutboxDeadLettered.WithLabelValues(eventType).Inc()
}

// BreakerStateChanged sets CircuitBreakerState. It matches circuitbreaker.Config.OnStateChange.
func (m *Metrics) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	v := 0.0
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler serves the registry the metrics were registered with
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
