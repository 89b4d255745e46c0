// Package dispensing tracks per-item drug delivery: the dispensing records,
// their payment-gated status flow, and the roll-up back onto the prescription.
package dispensing

import (
	"context"
	"errors"
	"time"

	"github.com/vietcare/rxpay/internal/prescription"
)

// Status represents a dispensing record's position in the delivery flow.
// UNPAID rows are seeded at prescription activation; payment releases them to
// PENDING; pharmacy staff move them through PREPARED to DISPENSED.
type Status string

const (
	StatusUnpaid    Status = "UNPAID"
	StatusPending   Status = "PENDING"
	StatusPrepared  Status = "PREPARED"
	StatusDispensed Status = "DISPENSED"
	StatusCancelled Status = "CANCELLED"
)

// ErrNotFound indicates an unknown dispensing record or item ID.
var ErrNotFound = errors.New("dispensing record not found")

// ErrNotPaid indicates a dispense attempt against an unpaid prescription.
var ErrNotPaid = errors.New("prescription has not been paid")

// ErrExpired indicates a dispense attempt outside the validity window.
var ErrExpired = errors.New("prescription has expired")

// ErrOverDispense indicates a quantity beyond what the item has remaining.
var ErrOverDispense = errors.New("quantity exceeds remaining amount for item")

// PaymentChecker reports whether a prescription's patient share has been paid.
// Implemented by the payment gateway; dispensing never reads payment rows
// directly.
type PaymentChecker interface {
	IsPaid(ctx context.Context, prescriptionID string) (bool, error)
}

// Record is one dispensing action (or pending action) for a prescription item.
// BatchNumber and ExpiryDate identify the physical stock handed over; they are
// recorded at the moment of dispensing, for recalls and audits.
type Record struct {
	ID                 string     `json:"id"`
	PrescriptionID     string     `json:"prescription_id"`
	PrescriptionItemID string     `json:"prescription_item_id"`
	Quantity           int        `json:"quantity"`
	Status             Status     `json:"status"`
	DispensedBy        *string    `json:"dispensed_by,omitempty"`
	DispensedAt        *time.Time `json:"dispensed_at,omitempty"`
	BatchNumber        string     `json:"batch_number,omitempty"`
	ExpiryDate         *time.Time `json:"expiry_date,omitempty"`
	Notes              string     `json:"notes,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// itemProgress is the per-item delivery state used for the prescription
// roll-up.
type itemProgress struct {
	quantity  int
	dispensed int
}

// rollupStatus derives the prescription status from its items' delivery
// progress. Returns the zero value when nothing has been dispensed yet, in
// which case the stored status stands.
func rollupStatus(items []itemProgress) prescription.Status {
	if len(items) == 0 {
		return ""
	}
	full := true
	any := false
	for _, it := range items {
		if it.dispensed > 0 {
			any = true
		}
		if it.dispensed < it.quantity {
			full = false
		}
	}
	switch {
	case full:
		return prescription.StatusFullyDispensed
	case any:
		return prescription.StatusPartiallyDispensed
	default:
		return ""
	}
}
