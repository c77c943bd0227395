// Package handlers provides HTTP handlers for the schedule API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsched/internal/api/middleware"
	"github.com/drfirst/go-medsched/internal/domain/medication"
	fhir "github.com/drfirst/go-medsched/internal/fhir/r5"
	"github.com/drfirst/go-medsched/internal/observability/metrics"
	"github.com/drfirst/go-medsched/pkg/idempotency"
)

// IdempotencyHeader carries the client key for dose recording
const IdempotencyHeader = "Idempotency-Key"

// MedicationHandler serves the medication endpoints
type MedicationHandler struct {
	svc     *medication.Service
	inbox   idempotency.Processor
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewMedicationHandler creates a handler. inbox and m may be nil; without an inbox the
// Idempotency-Key header is ignored.
func NewMedicationHandler(svc *medication.Service, inbox idempotency.Processor, m *metrics.Metrics, logger *zap.Logger) *MedicationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationHandler{
		svc:     svc,
		inbox:   inbox,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("medication-handler"),
	}
}

// Routes returns the handler routes
func (h *MedicationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(correlate)
	r.Post("/", h.Create)
	r.Post("/fhir", h.CreateFromFHIR)
	r.Get("/", h.List)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/summary", h.Summary)
		r.Get("/doses", h.Day)
		r.Post("/doses", h.Record)
		r.Delete("/doses/{doseID}/{date}", h.Clear)
		r.Put("/schedule", h.ReplaceSchedule)
		r.Post("/schedule/regenerate", h.Regenerate)
		r.Put("/custom-schedule", h.ReplaceCustomSchedule)
		r.Get("/adherence", h.Adherence)
		r.Get("/history", h.History)
	})
	return r
}

// correlate stamps domain events with the request id
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := medication.ContextWithCorrelationID(r.Context(), middleware.GetRequestID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Create handles POST /medications
func (h *MedicationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_medication")
	defer span.End()

	var in medication.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	med, err := h.svc.Create(ctx, in)
	if err != nil {
		span.RecordError(err)
		h.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("medication_id", med.ID))
	h.created(scheduleSource(in))

	h.logger.Info("medication created",
		zap.String("id", med.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client_id", middleware.GetClientID(ctx)))
	h.writeJSON(w, http.StatusCreated, med)
}

// CreateFromFHIR handles POST /medications/fhir. Errors are returned as OperationOutcome.
func (h *MedicationHandler) CreateFromFHIR(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_medication_fhir")
	defer span.End()

	var req fhir.MedicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeOutcome(w, http.StatusBadRequest, fhir.NewErrorOutcome("structure", "invalid MedicationRequest JSON"))
		return
	}
	span.SetAttributes(attribute.String("fhir.id", req.ID))

	in, err := fhir.ToCreateInput(&req)
	if err != nil {
		h.writeOutcome(w, http.StatusUnprocessableEntity, fhir.NewErrorOutcome("invalid", err.Error()))
		return
	}
	med, err := h.svc.Create(ctx, in)
	if err != nil {
		span.RecordError(err)
		if code := statusFor(err); code < http.StatusInternalServerError {
			h.writeOutcome(w, http.StatusUnprocessableEntity, fhir.NewErrorOutcome("invalid", err.Error()))
			return
		}
		h.fail(w, r, err)
		return
	}
	h.created("fhir")

	h.logger.Info("medication created from MedicationRequest",
		zap.String("id", med.ID),
		zap.String("fhir_id", req.ID),
		zap.String("rxnorm", req.GetRxNormCode()),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	h.writeJSON(w, http.StatusCreated, med)
}

func scheduleSource(in medication.CreateInput) string {
	switch {
	case len(in.ScheduledDoses) > 0:
		return "user"
	case len(in.Timing) > 0:
		return "timing"
	default:
		return "frequency"
	}
}

func (h *MedicationHandler) created(source string) {
	if h.metrics == nil {
		return
	}
	h.metrics.MedicationsCreated.Inc()
	h.metrics.SchedulesGenerated.WithLabelValues(source).Inc()
}

// List handles GET /medications?patient_id=
func (h *MedicationHandler) List(w http.ResponseWriter, r *http.Request) {
	meds, err := h.svc.List(r.Context(), r.URL.Query().Get("patient_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if meds == nil {
		meds = []*medication.Medication{}
	}
	h.writeJSON(w, http.StatusOK, meds)
}

// Get handles GET /medications/{id}
func (h *MedicationHandler) Get(w http.ResponseWriter, r *http.Request) {
	med, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, med)
}

// Summary handles GET /medications/{id}/summary
func (h *MedicationHandler) Summary(w http.ResponseWriter, r *http.Request) {
	ov, err := h.svc.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ov)
}

// Day handles GET /medications/{id}/doses?date=. The date defaults to today.
func (h *MedicationHandler) Day(w http.ResponseWriter, r *http.Request) {
	date := h.svc.Today()
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := medication.ParseDate(raw)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		date = d
	}
	view, err := h.svc.Day(r.Context(), chi.URLParam(r, "id"), date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// RecordRequest is the body of POST /medications/{id}/doses
type RecordRequest struct {
	DoseID        string `json:"dose_id"`
	Date          string `json:"date"`
	Status        string `json:"status"`
	ScheduledTime string `json:"scheduled_time,omitempty"`
	ActualTime    string `json:"actual_time,omitempty"`
	ActualDate    string `json:"actual_date,omitempty"`
	Notes         string `json:"notes,omitempty"`
	RecordedBy    string `json:"recorded_by,omitempty"`
}

func (req RecordRequest) input() (medication.RecordInput, error) {
	if req.DoseID == "" {
		return medication.RecordInput{}, errors.New("dose_id is required")
	}
	date, err := medication.ParseDate(req.Date)
	if err != nil {
		return medication.RecordInput{}, err
	}
	status, ok := medication.ParseDoseStatus(req.Status)
	if !ok {
		return medication.RecordInput{}, medication.ErrInvalidStatus
	}
	return medication.RecordInput{
		DoseID:        req.DoseID,
		Date:          date,
		ScheduledTime: req.ScheduledTime,
		Status:        status,
		ActualTime:    req.ActualTime,
		ActualDate:    req.ActualDate,
		Notes:         req.Notes,
		RecordedBy:    req.RecordedBy,
	}, nil
}

// Record handles POST /medications/{id}/doses. A repeated Idempotency-Key replays the first
// response instead of writing again.
func (h *MedicationHandler) Record(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "record_dose")
	defer span.End()
	id := chi.URLParam(r, "id")

	var req RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in, err := req.input()
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if in.RecordedBy == "" {
		in.RecordedBy = middleware.GetClientID(ctx)
	}
	span.SetAttributes(
		attribute.String("medication_id", id),
		attribute.String("dose_id", in.DoseID),
		attribute.String("status", string(in.Status)))

	record := func(ctx context.Context) (json.RawMessage, error) {
		rec, err := h.svc.Record(ctx, id, in)
		if err != nil {
			return nil, err
		}
		if h.metrics != nil {
			h.metrics.DosesRecorded.WithLabelValues(string(rec.Status)).Inc()
		}
		return json.Marshal(rec)
	}

	clientKey := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if h.inbox == nil || clientKey == "" {
		body, err := record(ctx)
		if err != nil {
			span.RecordError(err)
			h.fail(w, r, err)
			return
		}
		h.writeRaw(w, http.StatusCreated, body)
		return
	}

	payload, _ := json.Marshal(req)
	key := idempotency.Key(clientKey, middleware.GetClientID(ctx), id, "record_dose")
	out, err := h.inbox.Process(ctx, key, "record_dose", payload, record)
	if err != nil {
		span.RecordError(err)
		h.fail(w, r, err)
		return
	}
	if out.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
		h.logger.Info("dose record replayed",
			zap.String("medication_id", id),
			zap.String("request_id", middleware.GetRequestID(ctx)))
	}
	h.writeRaw(w, http.StatusCreated, out.Result)
}

// Clear handles DELETE /medications/{id}/doses/{doseID}/{date}
func (h *MedicationHandler) Clear(w http.ResponseWriter, r *http.Request) {
	date, err := medication.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	removed, err := h.svc.Clear(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "doseID"), date)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !removed {
		h.jsonError(w, "no record for this dose and date", http.StatusNotFound)
		return
	}
	if h.metrics != nil {
		h.metrics.DosesCleared.Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

// ScheduleRequest replaces the recurring schedule. NotificationTimes, when present, wins
// over Doses.
type ScheduleRequest struct {
	Doses             []medication.ScheduledDose    `json:"doses"`
	NotificationTimes []medication.NotificationTime `json:"notification_times"`
}

// ReplaceSchedule handles PUT /medications/{id}/schedule
func (h *MedicationHandler) ReplaceSchedule(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "replace_schedule")
	defer span.End()
	id := chi.URLParam(r, "id")

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var (
		med    *medication.Medication
		err    error
		source = "user"
	)
	if req.NotificationTimes != nil {
		source = "notification_times"
		med, err = h.svc.ReplaceScheduleFromNotificationTimes(ctx, id, req.NotificationTimes)
	} else {
		med, err = h.svc.ReplaceSchedule(ctx, id, req.Doses)
	}
	if err != nil {
		span.RecordError(err)
		h.fail(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.SchedulesGenerated.WithLabelValues(source).Inc()
	}
	h.writeJSON(w, http.StatusOK, med)
}

// Regenerate handles POST /medications/{id}/schedule/regenerate
func (h *MedicationHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	med, err := h.svc.RegenerateSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.SchedulesGenerated.WithLabelValues("regenerate").Inc()
	}
	h.writeJSON(w, http.StatusOK, med)
}

// ReplaceCustomSchedule handles PUT /medications/{id}/custom-schedule
func (h *MedicationHandler) ReplaceCustomSchedule(w http.ResponseWriter, r *http.Request) {
	var entries []medication.ScheduleEntry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	med, err := h.svc.ReplaceCustomSchedule(r.Context(), chi.URLParam(r, "id"), entries)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, med)
}

// Adherence handles GET /medications/{id}/adherence?from=&to=. Both bounds are optional.
func (h *MedicationHandler) Adherence(w http.ResponseWriter, r *http.Request) {
	var from, to medication.CalendarDate
	q := r.URL.Query()
	for _, b := range []struct {
		name string
		dst  *medication.CalendarDate
	}{{"from", &from}, {"to", &to}} {
		raw := q.Get(b.name)
		if raw == "" {
			continue
		}
		d, err := medication.ParseDate(raw)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		*b.dst = d
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		h.jsonError(w, "to is before from", http.StatusBadRequest)
		return
	}

	a, err := h.svc.Adherence(r.Context(), chi.URLParam(r, "id"), from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

// History handles GET /medications/{id}/history
func (h *MedicationHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []medication.HistoryEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// InterpretResponse is the body of GET /interpret
type InterpretResponse struct {
	Kind        string            `json:"kind"`
	FromTiming  bool              `json:"from_timing"`
	NeedsReview bool              `json:"needs_review"`
	Note        string            `json:"note,omitempty"`
	Phrase      string            `json:"phrase"`
	Slots       []medication.Slot `json:"slots"`
}

// Interpret handles GET /interpret?frequency=&timing=. timing may repeat or be comma separated.
func (h *MedicationHandler) Interpret(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var timing []string
	for _, v := range q["timing"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				timing = append(timing, t)
			}
		}
	}

	in := medication.Interpret(q.Get("frequency"), timing)
	h.writeJSON(w, http.StatusOK, InterpretResponse{
		Kind:        in.Kind.String(),
		FromTiming:  in.FromTiming,
		NeedsReview: in.NeedsReview,
		Note:        in.Note,
		Phrase:      medication.FrequencyPhrase(len(in.Slots)),
		Slots:       in.Slots,
	})
}

// IsClientError reports errors caused by the request itself. The inbox treats them as
// terminal for their idempotency key.
func IsClientError(err error) bool {
	code := statusFor(err)
	return code >= 400 && code < 500 && code != http.StatusConflict
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, medication.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, medication.ErrVersionConflict), errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, medication.ErrInvalidInput),
		errors.Is(err, medication.ErrUnknownDose),
		errors.Is(err, medication.ErrInvalidStatus),
		errors.Is(err, medication.ErrInvalidTime),
		errors.Is(err, medication.ErrInvalidDate):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *MedicationHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal error", code)
		return
	}
	h.jsonError(w, err.Error(), code)
}

func (h *MedicationHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *MedicationHandler) writeRaw(w http.ResponseWriter, code int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

func (h *MedicationHandler) writeOutcome(w http.ResponseWriter, code int, oo *fhir.OperationOutcome) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(oo)
}

func (h *MedicationHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
