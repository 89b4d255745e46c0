// Package payment implements the payment gateway: cash and VNPAY payments
// against a prescription's patient share, receipt numbering, and the
// PaymentSucceeded event that releases dispensing.
package payment

import (
	"errors"
	"time"
)

// Method is how the patient pays.
type Method string

const (
	MethodCash    Method = "CASH"
	MethodGateway Method = "GATEWAY"
)

// Status represents payment status. PAID, FAILED, CANCELLED, and REFUNDED are
// final; callbacks never overwrite a final status.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
)

// Final reports whether the status can no longer change.
func (s Status) Final() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// ErrNotFound indicates an unknown payment, or a callback for a transaction
// reference no payment carries.
var ErrNotFound = errors.New("payment not found")

// ErrAlreadyPaid indicates the prescription already has a PAID payment.
var ErrAlreadyPaid = errors.New("prescription is already paid")

// ErrNothingDue indicates a zero patient share; there is nothing to collect.
var ErrNothingDue = errors.New("no patient payment due")

// ErrWrongMethod indicates an operation that does not apply to the payment's
// method, such as a cash confirmation on a gateway payment.
var ErrWrongMethod = errors.New("operation does not apply to payment method")

// ErrNotPending indicates the payment already left PENDING.
var ErrNotPending = errors.New("payment is not pending")

// ErrAmountMismatch indicates a callback whose amount differs from the
// payment's. Treated as a hostile or corrupted callback.
var ErrAmountMismatch = errors.New("callback amount does not match payment")

// Payment is one attempt to collect a prescription's patient share.
type Payment struct {
	ID             string     `json:"id"`
	PrescriptionID string     `json:"prescription_id"`
	Method         Method     `json:"method"`
	Status         Status     `json:"status"`
	Amount         int64      `json:"amount"`
	TxnRef         *string    `json:"txn_ref,omitempty"`
	ReceiptNumber  *string    `json:"receipt_number,omitempty"`
	CashierID      *string    `json:"cashier_id,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// GatewayTransaction is the audit record of one gateway interaction: a
// redirect attempt, a callback, or a reconciliation result.
type GatewayTransaction struct {
	ID            string    `json:"id"`
	PaymentID     string    `json:"payment_id"`
	TxnRef        string    `json:"txn_ref"`
	Amount        int64     `json:"amount"`
	OrderInfo     string    `json:"order_info"`
	ResponseCode  *string   `json:"response_code,omitempty"`
	TransactionNo *string   `json:"transaction_no,omitempty"`
	BankCode      *string   `json:"bank_code,omitempty"`
	PayDate       *string   `json:"pay_date,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SucceededEvent is the payload of the PaymentSucceeded outbox entry consumed
// by the dispensing worker.
type SucceededEvent struct {
	PaymentID      string    `json:"payment_id"`
	PrescriptionID string    `json:"prescription_id"`
	Method         Method    `json:"method"`
	Amount         int64     `json:"amount"`
	PaidAt         time.Time `json:"paid_at"`
}

// EventTypeSucceeded is the outbox event type for SucceededEvent.
const EventTypeSucceeded = "PaymentSucceeded"
