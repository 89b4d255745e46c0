package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vietcare/rxpay/internal/api/middleware"
	"github.com/vietcare/rxpay/internal/dispensing"
	"github.com/vietcare/rxpay/internal/observability/metrics"
)

// DispensingHandler serves the dispensing workflow endpoints.
type DispensingHandler struct {
	tracker *dispensing.Tracker
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewDispensingHandler creates the handler.
func NewDispensingHandler(tracker *dispensing.Tracker, m *metrics.Metrics, logger *zap.Logger) *DispensingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DispensingHandler{tracker: tracker, metrics: m, logger: logger}
}

// Routes mounts the dispensing endpoints.
func (h *DispensingHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/prescription/{prescriptionID}", h.listByPrescription)
	r.Post("/dispense", h.dispense)
	r.Post("/{recordID}/prepare", h.markPrepared)
	r.Post("/{recordID}/complete", h.markDispensed)
	return r
}

func (h *DispensingHandler) listByPrescription(w http.ResponseWriter, r *http.Request) {
	records, err := h.tracker.ListByPrescription(r.Context(), chi.URLParam(r, "prescriptionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "count": len(records)})
}

func (h *DispensingHandler) markPrepared(w http.ResponseWriter, r *http.Request) {
	ok, err := h.tracker.MarkPrepared(r.Context(), chi.URLParam(r, "recordID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "record is not pending"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(dispensing.StatusPrepared)})
}

func (h *DispensingHandler) markDispensed(w http.ResponseWriter, r *http.Request) {
	// The batch body is optional; completing without it leaves the batch
	// fields empty.
	var batch dispensing.BatchInfo
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	ok, err := h.tracker.MarkDispensed(r.Context(), chi.URLParam(r, "recordID"), middleware.GetUserID(r.Context()), batch)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "record is not prepared"})
		return
	}
	h.metrics.DispensingsCompleted.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": string(dispensing.StatusDispensed)})
}

func (h *DispensingHandler) dispense(w http.ResponseWriter, r *http.Request) {
	var in dispensing.DispenseInput
	if !decodeBody(w, r, &in) {
		return
	}
	in.DispensedBy = middleware.GetUserID(r.Context())

	rec, err := h.tracker.Dispense(r.Context(), &in)
	if err != nil {
		writeError(w, err)
		return
	}
	h.metrics.DispensingsCompleted.Inc()
	writeJSON(w, http.StatusCreated, rec)
}
