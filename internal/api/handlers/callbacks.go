package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vietcare/rxpay/internal/observability/metrics"
	"github.com/vietcare/rxpay/internal/payment"
	"github.com/vietcare/rxpay/internal/vnpay"
)

// CallbackHandler serves the VNPAY return and IPN endpoints. These routes are
// unauthenticated; the signature on the parameters is the authentication.
type CallbackHandler struct {
	gateway *payment.Gateway
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCallbackHandler creates the handler.
func NewCallbackHandler(gateway *payment.Gateway, m *metrics.Metrics, logger *zap.Logger) *CallbackHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackHandler{gateway: gateway, metrics: m, logger: logger}
}

// Routes mounts the callback endpoints.
func (h *CallbackHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/vnpay/return", h.handleReturn)
	r.Get("/vnpay/ipn", h.handleIPN)
	return r
}

// handleReturn serves the browser redirect after the gateway flow. It runs
// the same state machine as the IPN, so whichever arrives first settles the
// payment and the other becomes a no-op.
func (h *CallbackHandler) handleReturn(w http.ResponseWriter, r *http.Request) {
	result, err := h.gateway.HandleCallback(r.Context(), queryParams(r))
	if err != nil {
		if errors.Is(err, vnpay.ErrSignatureMismatch) || errors.Is(err, payment.ErrAmountMismatch) {
			h.metrics.CallbacksRejected.Inc()
		}
		writeError(w, err)
		return
	}

	h.recordSettled(result)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payment":       result.Payment,
		"response_code": result.ResponseCode,
		"message":       result.Message,
	})
}

// handleIPN serves the gateway's server-to-server notification. The gateway
// retries until it gets RspCode 00 or 01, so every outcome maps onto the
// acknowledgement table and returns HTTP 200.
func (h *CallbackHandler) handleIPN(w http.ResponseWriter, r *http.Request) {
	result, err := h.gateway.HandleCallback(r.Context(), queryParams(r))
	if err != nil {
		switch {
		case errors.Is(err, vnpay.ErrSignatureMismatch):
			h.metrics.CallbacksRejected.Inc()
			writeJSON(w, http.StatusOK, vnpay.Ack(vnpay.IPNInvalidSignature))
		case errors.Is(err, payment.ErrNotFound):
			writeJSON(w, http.StatusOK, vnpay.Ack(vnpay.IPNOrderNotFound))
		default:
			if errors.Is(err, payment.ErrAmountMismatch) {
				h.metrics.CallbacksRejected.Inc()
			}
			h.logger.Error("ipn processing failed", zap.Error(err))
			writeJSON(w, http.StatusOK, vnpay.Ack(vnpay.IPNInternalError))
		}
		return
	}

	h.recordSettled(result)
	writeJSON(w, http.StatusOK, vnpay.Ack(vnpay.IPNSuccess))
}

func (h *CallbackHandler) recordSettled(result *payment.CallbackResult) {
	if result.AlreadyProcessed {
		return
	}
	h.metrics.PaymentsSettled.WithLabelValues(string(result.Payment.Status)).Inc()
	if result.Payment.Status == payment.StatusPaid {
		h.metrics.PaymentAmount.Add(float64(result.Payment.Amount))
	}
}

func queryParams(r *http.Request) map[string]string {
	params := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params
}
