package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vietcare/rxpay/internal/api/middleware"
	"github.com/vietcare/rxpay/internal/catalog"
	"github.com/vietcare/rxpay/internal/observability/metrics"
	"github.com/vietcare/rxpay/internal/prescription"
)

// PrescriptionHandler serves the prescription ledger endpoints.
type PrescriptionHandler struct {
	ledger  *prescription.Ledger
	catalog *catalog.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPrescriptionHandler creates the handler.
func NewPrescriptionHandler(ledger *prescription.Ledger, cat *catalog.Store, m *metrics.Metrics, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{ledger: ledger, catalog: cat, metrics: m, logger: logger}
}

// Routes mounts the prescription endpoints.
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.create)
	r.Get("/stats", h.stats)
	r.Get("/low-stock", h.lowStock)
	r.Get("/{id}", h.get)
	r.Post("/{id}/cancel", h.cancel)
	return r
}

func (h *PrescriptionHandler) create(w http.ResponseWriter, r *http.Request) {
	var in prescription.CreateInput
	if !decodeBody(w, r, &in) {
		return
	}
	in.CreatedBy = middleware.GetUserID(r.Context())

	p, err := h.ledger.Create(r.Context(), &in)
	if err != nil {
		writeError(w, err)
		return
	}

	h.metrics.PrescriptionsCreated.Inc()
	writeJSON(w, http.StatusCreated, presentPrescription(p))
}

func (h *PrescriptionHandler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presentPrescription(p))
}

func (h *PrescriptionHandler) cancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	p, err := h.ledger.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	h.metrics.PrescriptionsCancelled.Inc()
	writeJSON(w, http.StatusOK, presentPrescription(p))
}

func (h *PrescriptionHandler) stats(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from := now.AddDate(0, -1, 0)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from must be YYYY-MM-DD"})
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to must be YYYY-MM-DD"})
			return
		}
		to = t.AddDate(0, 0, 1)
	}

	stats, err := h.ledger.GetStats(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *PrescriptionHandler) lowStock(w http.ResponseWriter, r *http.Request) {
	drugs, err := h.catalog.LowStock(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"drugs": drugs, "count": len(drugs)})
}

// prescriptionView is the API shape of a prescription, with the lazily
// computed effective status alongside the stored one.
type prescriptionView struct {
	*prescription.Prescription
	EffectiveStatus prescription.Status `json:"effective_status"`
}

func presentPrescription(p *prescription.Prescription) prescriptionView {
	return prescriptionView{
		Prescription:    p,
		EffectiveStatus: p.EffectiveStatus(time.Now().UTC()),
	}
}
