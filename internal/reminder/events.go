package reminder

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-medsched/internal/domain/medication"
	"github.com/drfirst/go-medsched/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsched/internal/observability/metrics"
)

// EventHandler keeps the ledger in step with patient actions from medication.events
type EventHandler struct {
	ledger  Ledger
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewEventHandler creates a handler. m may be nil.
func NewEventHandler(ledger Ledger, m *metrics.Metrics, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{ledger: ledger, metrics: m, logger: logger}
}

// Handle matches redpanda.MessageHandler. Malformed payloads are logged and dropped; ledger
// errors are returned so the consumer retries.
func (h *EventHandler) Handle(_ context.Context, msg *redpanda.ConsumedMessage) error {
	var event medication.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.logger.Warn("dropping undecodable medication event",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	if h.metrics != nil {
		h.metrics.EventsConsumed.WithLabelValues(string(event.EventType)).Inc()
	}

	switch event.EventType {
	case medication.EventDoseRecorded:
		var data medication.DoseRecordedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			h.logger.Warn("dropping malformed DoseRecorded", zap.String("event_id", event.ID), zap.Error(err))
			return nil
		}
		if err := h.ledger.MarkResolved(data.MedicationID, data.DoseID, data.ScheduledDate, string(data.Status)); err != nil {
			return fmt.Errorf("mark resolved: %w", err)
		}
		h.logger.Debug("occurrence resolved",
			zap.String("medication_id", data.MedicationID),
			zap.String("dose_id", data.DoseID),
			zap.String("date", data.ScheduledDate),
			zap.String("status", string(data.Status)))

	case medication.EventDoseCleared:
		var data medication.DoseClearedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			h.logger.Warn("dropping malformed DoseCleared", zap.String("event_id", event.ID), zap.Error(err))
			return nil
		}
		if err := h.ledger.ClearResolved(data.MedicationID, data.DoseID, data.ScheduledDate); err != nil {
			return fmt.Errorf("clear resolved: %w", err)
		}
	}
	return nil
}
