// Package handlers implements the pharmacy API's HTTP handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vietcare/rxpay/internal/catalog"
	"github.com/vietcare/rxpay/internal/dispensing"
	"github.com/vietcare/rxpay/internal/payment"
	"github.com/vietcare/rxpay/internal/prescription"
	"github.com/vietcare/rxpay/internal/vnpay"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]string{"error": err.Error()})
}

// errorStatus maps domain errors to HTTP codes: bad input is 400, unknown
// records are 404, business rule rejections are 409.
func errorStatus(err error) int {
	var ve *prescription.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}
	switch {
	case errors.Is(err, prescription.ErrNotFound),
		errors.Is(err, payment.ErrNotFound),
		errors.Is(err, dispensing.ErrNotFound),
		errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, vnpay.ErrSignatureMismatch):
		return http.StatusBadRequest
	case errors.Is(err, prescription.ErrInvalidTransition),
		errors.Is(err, payment.ErrAlreadyPaid),
		errors.Is(err, payment.ErrNothingDue),
		errors.Is(err, payment.ErrWrongMethod),
		errors.Is(err, payment.ErrNotPending),
		errors.Is(err, payment.ErrAmountMismatch),
		errors.Is(err, dispensing.ErrNotPaid),
		errors.Is(err, dispensing.ErrExpired),
		errors.Is(err, dispensing.ErrOverDispense),
		errors.Is(err, catalog.ErrInsufficientStock):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}
