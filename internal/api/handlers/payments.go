package handlers

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vietcare/rxpay/internal/api/middleware"
	"github.com/vietcare/rxpay/internal/observability/metrics"
	"github.com/vietcare/rxpay/internal/payment"
)

// PaymentHandler serves the payment endpoints.
type PaymentHandler struct {
	gateway *payment.Gateway
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPaymentHandler creates the handler.
func NewPaymentHandler(gateway *payment.Gateway, m *metrics.Metrics, logger *zap.Logger) *PaymentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentHandler{gateway: gateway, metrics: m, logger: logger}
}

// Routes mounts the payment endpoints.
func (h *PaymentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/initiate", h.initiate)
	r.Get("/prescription/{prescriptionID}", h.byPrescription)
	r.Get("/txn/{txnRef}", h.byTxnRef)
	r.Get("/{id}", h.get)
	r.Post("/{id}/confirm-cash", h.confirmCash)
	r.Post("/{id}/cancel", h.cancel)
	return r
}

func (h *PaymentHandler) initiate(w http.ResponseWriter, r *http.Request) {
	var in payment.InitiateInput
	if !decodeBody(w, r, &in) {
		return
	}
	in.IPAddr = clientIP(r)

	result, err := h.gateway.Initiate(r.Context(), &in)
	if err != nil {
		writeError(w, err)
		return
	}

	h.metrics.PaymentsInitiated.WithLabelValues(string(in.Method)).Inc()
	writeJSON(w, http.StatusCreated, result)
}

func (h *PaymentHandler) confirmCash(w http.ResponseWriter, r *http.Request) {
	p, err := h.gateway.ConfirmCash(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	h.metrics.PaymentsSettled.WithLabelValues(string(p.Status)).Inc()
	h.metrics.PaymentAmount.Add(float64(p.Amount))
	writeJSON(w, http.StatusOK, p)
}

func (h *PaymentHandler) cancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	p, err := h.gateway.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	h.metrics.PaymentsSettled.WithLabelValues(string(p.Status)).Inc()
	writeJSON(w, http.StatusOK, p)
}

func (h *PaymentHandler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.gateway.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PaymentHandler) byPrescription(w http.ResponseWriter, r *http.Request) {
	payments, err := h.gateway.ByPrescription(r.Context(), chi.URLParam(r, "prescriptionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payments": payments, "count": len(payments)})
}

func (h *PaymentHandler) byTxnRef(w http.ResponseWriter, r *http.Request) {
	p, err := h.gateway.ByTxnRef(r.Context(), chi.URLParam(r, "txnRef"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// clientIP prefers the proxy-forwarded address; the gateway records it on the
// payment request.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
