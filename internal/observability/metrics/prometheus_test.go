package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsched/pkg/circuitbreaker"
)

func TestNewUsesOwnRegistry(t *testing.T) {
	// two instances must not collide on registration
	a := New(nil)
	b := New(nil)
	a.DosesRecorded.WithLabelValues("taken").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.DosesRecorded.WithLabelValues("taken")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.DosesRecorded.WithLabelValues("taken")))
}

func TestBreakerStateChanged(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.BreakerStateChanged("dose.reminders", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("dose.reminders")))
	m.BreakerStateChanged("dose.reminders", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("dose.reminders")))
	m.BreakerStateChanged("dose.reminders", circuitbreaker.StateHalfOpen, circuitbreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("dose.reminders")))
}

func TestRelayObserverAndHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	obs := m.Relay()
	obs.OutboxPublished("medication.events")
	obs.OutboxFailed("medication.events")
	obs.OutboxDeadLettered("DoseRecorded")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `outbox_published_total{topic="medication.events"} 1`))
	assert.True(t, strings.Contains(body, `outbox_dead_lettered_total{event_type="DoseRecorded"} 1`))
}
