// Package prescription implements the prescription ledger: the prescription
// and item records, totals and insurance split, and the status machine.
package prescription

import (
	"errors"
	"fmt"
	"time"
)

// Status represents prescription status.
type Status string

const (
	StatusDraft              Status = "DRAFT"
	StatusActive             Status = "ACTIVE"
	StatusPartiallyDispensed Status = "PARTIALLY_DISPENSED"
	StatusFullyDispensed     Status = "FULLY_DISPENSED"
	StatusCancelled          Status = "CANCELLED"
	StatusExpired            Status = "EXPIRED"
)

// MaxValidityDays is the longest allowed validity window.
const MaxValidityDays = 180

// ErrNotFound indicates an unknown prescription ID.
var ErrNotFound = errors.New("prescription not found")

// ErrInvalidTransition indicates a status change the state machine forbids.
var ErrInvalidTransition = errors.New("invalid prescription status transition")

// ValidationError reports bad input shape; the caller's fault.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// Prescription is a clinician's order for one or more drugs for one patient.
// Patient and doctor IDs are opaque references owned elsewhere.
type Prescription struct {
	ID               string    `json:"id"`
	Number           string    `json:"number"`
	PatientID        string    `json:"patient_id"`
	DoctorID         string    `json:"doctor_id"`
	Status           Status    `json:"status"`
	Diagnosis        string    `json:"diagnosis"`
	Notes            string    `json:"notes,omitempty"`
	ValidFrom        time.Time `json:"valid_from"`
	ValidUntil       time.Time `json:"valid_until"`
	TotalAmount      int64     `json:"total_amount"`
	InsuranceCovered int64     `json:"insurance_covered_amount"`
	PatientPayment   int64     `json:"patient_payment_amount"`
	CreatedBy        *string   `json:"created_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Items            []*Item   `json:"items"`
}

// Item is one drug line within a prescription. UnitPrice is snapshotted from
// the catalog at creation time and never re-read.
type Item struct {
	ID                string    `json:"id"`
	PrescriptionID    string    `json:"prescription_id"`
	DrugID            string    `json:"drug_id"`
	Quantity          int       `json:"quantity"`
	DosagePerTime     string    `json:"dosage_per_time,omitempty"`
	Frequency         string    `json:"frequency,omitempty"`
	Route             string    `json:"route,omitempty"`
	DurationDays      int       `json:"duration_days,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	UnitPrice         int64     `json:"unit_price"`
	TotalPrice        int64     `json:"total_price"`
	QuantityDispensed int       `json:"quantity_dispensed"`
	CreatedAt         time.Time `json:"created_at"`
}

// QuantityRemaining returns the undelivered quantity for the item.
func (i *Item) QuantityRemaining() int {
	return i.Quantity - i.QuantityDispensed
}

// IsFullyDispensed reports whether the item has been delivered in full.
func (i *Item) IsFullyDispensed() bool {
	return i.QuantityDispensed >= i.Quantity
}

// IsValid reports whether the prescription can be acted on at now: inside the
// validity window and ACTIVE.
func (p *Prescription) IsValid(now time.Time) bool {
	return p.Status == StatusActive && !now.Before(p.ValidFrom) && !now.After(p.ValidUntil)
}

// EffectiveStatus is the stored status with lazy expiry applied. EXPIRED is
// never swept into the row; readers compute it.
func (p *Prescription) EffectiveStatus(now time.Time) Status {
	if p.Status == StatusActive && now.After(p.ValidUntil) {
		return StatusExpired
	}
	return p.Status
}

// CanTransition reports whether the status machine allows from -> to.
// FULLY_DISPENSED and CANCELLED are terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusFullyDispensed, StatusCancelled:
		return false
	}
	switch to {
	case StatusCancelled:
		return true
	case StatusActive:
		return from == StatusDraft
	case StatusPartiallyDispensed:
		return from == StatusActive || from == StatusPartiallyDispensed
	case StatusFullyDispensed:
		return from == StatusActive || from == StatusPartiallyDispensed
	case StatusExpired:
		return from == StatusActive
	}
	return false
}

// Totals is the money roll-up for a prescription.
type Totals struct {
	Total            int64
	InsuranceCovered int64
	PatientPayment   int64
}

// InsurancePriceLookup resolves a drug's insurance price; nil means the drug
// is not on the insurance schedule.
type InsurancePriceLookup func(drugID string) *int64

// ComputeTotals sums item totals and splits them between insurance and the
// patient. Coverage per item is capped at the item total so a generous
// insurance price can never push the patient share negative. When the patient
// has no insurance, pass hasInsurance=false and the full amount lands on the
// patient.
func ComputeTotals(items []*Item, hasInsurance bool, insurancePrice InsurancePriceLookup) Totals {
	var t Totals
	for _, item := range items {
		t.Total += item.TotalPrice
	}
	if !hasInsurance {
		t.PatientPayment = t.Total
		return t
	}
	for _, item := range items {
		price := insurancePrice(item.DrugID)
		if price == nil {
			t.PatientPayment += item.TotalPrice
			continue
		}
		covered := int64(item.Quantity) * *price
		if covered > item.TotalPrice {
			covered = item.TotalPrice
		}
		t.InsuranceCovered += covered
		t.PatientPayment += item.TotalPrice - covered
	}
	return t
}
