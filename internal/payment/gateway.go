package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vietcare/rxpay/internal/infrastructure/postgres"
	"github.com/vietcare/rxpay/internal/infrastructure/redpanda"
	"github.com/vietcare/rxpay/internal/prescription"
	"github.com/vietcare/rxpay/internal/vnpay"
)

// Gateway owns payment records and the VNPAY integration.
type Gateway struct {
	pool   *pgxpool.Pool
	vnp    *vnpay.Service
	logger *zap.Logger
	tracer trace.Tracer
}

// NewGateway creates a new payment gateway.
func NewGateway(pool *pgxpool.Pool, vnp *vnpay.Service, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		pool:   pool,
		vnp:    vnp,
		logger: logger,
		tracer: otel.Tracer("payment-gateway"),
	}
}

const paymentColumns = `id, prescription_id, method, status, amount, txn_ref,
		receipt_number, cashier_id, paid_at, notes, created_at, updated_at`

// InitiateInput is a request to open (or resume) payment collection.
type InitiateInput struct {
	PrescriptionID string `json:"prescription_id"`
	Method         Method `json:"method"`
	BankCode       string `json:"bank_code"`
	UseQR          bool   `json:"use_qr"`
	IPAddr         string `json:"-"`
}

// InitiateResult is the opened payment plus, for gateway payments, the
// redirect URL.
type InitiateResult struct {
	Payment    *Payment `json:"payment"`
	PaymentURL string   `json:"payment_url,omitempty"`
}

// Initiate opens payment collection for a prescription's patient share.
// A prescription with a PAID payment rejects with ErrAlreadyPaid; a zero
// patient share rejects with ErrNothingDue. An existing PENDING payment is
// reused rather than duplicated, so an abandoned redirect can be retried.
// The prescription row is locked so two tellers cannot open parallel
// payments.
func (g *Gateway) Initiate(ctx context.Context, in *InitiateInput) (*InitiateResult, error) {
	ctx, span := g.tracer.Start(ctx, "payment_initiate",
		trace.WithAttributes(attribute.String("method", string(in.Method))))
	defer span.End()

	if in.Method != MethodCash && in.Method != MethodGateway {
		return nil, &prescription.ValidationError{Field: "method", Reason: "method must be CASH or GATEWAY"}
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		pStatus prescription.Status
		pNumber string
		due     int64
	)
	err = tx.QueryRow(ctx, `
		SELECT status, number, patient_payment_amount
		FROM prescriptions WHERE id = $1 FOR UPDATE
	`, in.PrescriptionID).Scan(&pStatus, &pNumber, &due)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, prescription.ErrNotFound
		}
		return nil, err
	}
	if pStatus == prescription.StatusCancelled {
		return nil, fmt.Errorf("%w: prescription is cancelled", prescription.ErrInvalidTransition)
	}

	var paid bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM payments WHERE prescription_id = $1 AND status = $2)
	`, in.PrescriptionID, StatusPaid).Scan(&paid)
	if err != nil {
		return nil, err
	}
	if paid {
		return nil, ErrAlreadyPaid
	}
	if due <= 0 {
		return nil, ErrNothingDue
	}

	now := time.Now().UTC()
	p := &Payment{}
	err = tx.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE prescription_id = $1 AND status = $2
		ORDER BY created_at DESC LIMIT 1
		FOR UPDATE
	`, in.PrescriptionID, StatusPending).Scan(
		&p.ID, &p.PrescriptionID, &p.Method, &p.Status, &p.Amount, &p.TxnRef,
		&p.ReceiptNumber, &p.CashierID, &p.PaidAt, &p.Notes, &p.CreatedAt, &p.UpdatedAt,
	)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		p = &Payment{
			ID:             uuid.New().String(),
			PrescriptionID: in.PrescriptionID,
			Method:         in.Method,
			Status:         StatusPending,
			Amount:         due,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO payments (id, prescription_id, method, status, amount)
			VALUES ($1, $2, $3, $4, $5)
		`, p.ID, p.PrescriptionID, p.Method, p.Status, p.Amount)
		if err != nil {
			return nil, fmt.Errorf("insert payment: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		// Reuse the open payment; the amount may have changed if items were
		// edited between attempts, and the teller may switch methods.
		if p.Method != in.Method || p.Amount != due {
			p.Method = in.Method
			p.Amount = due
			_, err = tx.Exec(ctx, `
				UPDATE payments SET method = $2, amount = $3, updated_at = NOW() WHERE id = $1
			`, p.ID, p.Method, p.Amount)
			if err != nil {
				return nil, fmt.Errorf("update payment: %w", err)
			}
		}
	}

	result := &InitiateResult{Payment: p}

	if in.Method == MethodGateway {
		txnRef := vnpay.NewTxnRef(p.ID, now)
		orderInfo := "Thanh toan don thuoc " + pNumber
		req := vnpay.PaymentRequest{
			TxnRef:     txnRef,
			Amount:     p.Amount,
			OrderInfo:  orderInfo,
			IPAddr:     in.IPAddr,
			CreateDate: now,
			BankCode:   in.BankCode,
		}
		if in.UseQR {
			result.PaymentURL = g.vnp.BuildQRCodeURL(req)
		} else {
			result.PaymentURL = g.vnp.BuildPaymentURL(req)
		}

		p.TxnRef = &txnRef
		_, err = tx.Exec(ctx, `
			UPDATE payments SET txn_ref = $2, updated_at = NOW() WHERE id = $1
		`, p.ID, txnRef)
		if err != nil {
			return nil, fmt.Errorf("store txn ref: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO gateway_transactions (id, payment_id, txn_ref, amount, order_info)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.New().String(), p.ID, txnRef, p.Amount, orderInfo)
		if err != nil {
			return nil, fmt.Errorf("insert gateway transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	g.logger.Info("payment initiated",
		zap.String("payment_id", p.ID),
		zap.String("prescription_id", in.PrescriptionID),
		zap.String("method", string(in.Method)),
		zap.Int64("amount", p.Amount))
	return result, nil
}

// ConfirmCash settles a PENDING cash payment at the counter: stamps the
// cashier, allocates a daily receipt number, and queues the PaymentSucceeded
// event in the same transaction.
func (g *Gateway) ConfirmCash(ctx context.Context, paymentID, cashierID string) (*Payment, error) {
	ctx, span := g.tracer.Start(ctx, "payment_confirm_cash")
	defer span.End()

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := g.getForUpdate(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusPaid {
		return nil, ErrAlreadyPaid
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrNotPending, p.Status)
	}
	if p.Method != MethodCash {
		return nil, fmt.Errorf("%w: cash confirmation on %s payment", ErrWrongMethod, p.Method)
	}

	now := time.Now().UTC()
	receipt, err := g.nextReceiptNumber(ctx, tx, now)
	if err != nil {
		return nil, err
	}

	p.Status = StatusPaid
	p.PaidAt = &now
	p.CashierID = &cashierID
	p.ReceiptNumber = &receipt
	_, err = tx.Exec(ctx, `
		UPDATE payments
		SET status = $2, paid_at = $3, cashier_id = $4, receipt_number = $5, updated_at = NOW()
		WHERE id = $1
	`, p.ID, p.Status, now, cashierID, receipt)
	if err != nil {
		return nil, fmt.Errorf("confirm payment: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payment_receipts (id, payment_id, receipt_number, cashier_id, amount)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), p.ID, receipt, cashierID, p.Amount)
	if err != nil {
		return nil, fmt.Errorf("insert receipt: %w", err)
	}

	if err := g.queueSucceeded(ctx, tx, p); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	g.logger.Info("cash payment confirmed",
		zap.String("payment_id", p.ID),
		zap.String("receipt", receipt),
		zap.Int64("amount", p.Amount))
	return p, nil
}

// Cancel voids a PENDING payment, for instance when the patient walks away
// from the counter. Final payments reject with ErrNotPending.
func (g *Gateway) Cancel(ctx context.Context, paymentID, reason string) (*Payment, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := g.getForUpdate(ctx, tx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrNotPending, p.Status)
	}

	notes := p.Notes
	if reason != "" {
		notes = strings.TrimSpace(notes + "\nCancelled: " + reason)
	}
	p.Status = StatusCancelled
	p.Notes = notes
	_, err = tx.Exec(ctx, `
		UPDATE payments SET status = $2, notes = $3, updated_at = NOW() WHERE id = $1
	`, p.ID, p.Status, notes)
	if err != nil {
		return nil, fmt.Errorf("cancel payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	g.logger.Info("payment cancelled", zap.String("payment_id", p.ID), zap.String("reason", reason))
	return p, nil
}

// CallbackResult is the outcome of processing a gateway callback.
type CallbackResult struct {
	Payment          *Payment
	ResponseCode     string
	Message          string
	AlreadyProcessed bool
}

// HandleCallback processes a VNPAY return or IPN parameter set. Signature
// verification happens before any state is read. Replays against a payment
// already in a final status change nothing and report AlreadyProcessed.
func (g *Gateway) HandleCallback(ctx context.Context, params map[string]string) (*CallbackResult, error) {
	ctx, span := g.tracer.Start(ctx, "payment_callback")
	defer span.End()

	if err := g.vnp.Verify(params); err != nil {
		g.logger.Warn("callback rejected: bad signature",
			zap.String("txn_ref", params["vnp_TxnRef"]))
		return nil, err
	}

	txnRef := params["vnp_TxnRef"]
	responseCode := params["vnp_ResponseCode"]

	var wireAmount int64
	if raw := params["vnp_Amount"]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad amount %q", ErrAmountMismatch, raw)
		}
		wireAmount = vnpay.ParseAmount(n)
	}

	return g.applyGatewayResult(ctx, txnRef, responseCode, wireAmount, gatewayFields{
		transactionNo: params["vnp_TransactionNo"],
		bankCode:      params["vnp_BankCode"],
		payDate:       params["vnp_PayDate"],
	})
}

// ApplyQueryResult funnels a reconciliation lookup through the same state
// machine as a live callback.
func (g *Gateway) ApplyQueryResult(ctx context.Context, qr *vnpay.QueryResult) (*CallbackResult, error) {
	code := qr.ResponseCode
	if qr.Settled() {
		code = vnpay.CodeSuccess
	} else if code == vnpay.CodeSuccess {
		// Gateway reached but the transaction itself did not settle.
		code = qr.TransactionStatus
	}

	var amount int64
	if qr.Amount != "" {
		if n, err := strconv.ParseInt(qr.Amount, 10, 64); err == nil {
			amount = vnpay.ParseAmount(n)
		}
	}

	return g.applyGatewayResult(ctx, qr.TxnRef, code, amount, gatewayFields{
		transactionNo: qr.TransactionNo,
		bankCode:      qr.BankCode,
		payDate:       qr.PayDate,
	})
}

type gatewayFields struct {
	transactionNo string
	bankCode      string
	payDate       string
}

// applyGatewayResult is the single write path for gateway outcomes: callback,
// return URL, and reconciliation all land here. The payment row is locked for
// the duration so racing deliveries serialize.
func (g *Gateway) applyGatewayResult(ctx context.Context, txnRef, responseCode string, amount int64, fields gatewayFields) (*CallbackResult, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p := &Payment{}
	err = tx.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE txn_ref = $1 FOR UPDATE
	`, txnRef).Scan(
		&p.ID, &p.PrescriptionID, &p.Method, &p.Status, &p.Amount, &p.TxnRef,
		&p.ReceiptNumber, &p.CashierID, &p.PaidAt, &p.Notes, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if amount != 0 && amount != p.Amount {
		g.logger.Warn("callback amount mismatch",
			zap.String("payment_id", p.ID),
			zap.Int64("expected", p.Amount),
			zap.Int64("received", amount))
		return nil, ErrAmountMismatch
	}

	result := &CallbackResult{
		Payment:      p,
		ResponseCode: responseCode,
		Message:      vnpay.ResponseMessage(responseCode),
	}

	if p.Status.Final() {
		result.AlreadyProcessed = true
		return result, tx.Commit(ctx)
	}

	now := time.Now().UTC()
	if responseCode == vnpay.CodeSuccess {
		p.Status = StatusPaid
		p.PaidAt = &now
		_, err = tx.Exec(ctx, `
			UPDATE payments SET status = $2, paid_at = $3, updated_at = NOW() WHERE id = $1
		`, p.ID, p.Status, now)
		if err != nil {
			return nil, fmt.Errorf("mark paid: %w", err)
		}
		if err := g.queueSucceeded(ctx, tx, p); err != nil {
			return nil, err
		}
	} else {
		p.Status = StatusFailed
		_, err = tx.Exec(ctx, `
			UPDATE payments SET status = $2, updated_at = NOW() WHERE id = $1
		`, p.ID, p.Status)
		if err != nil {
			return nil, fmt.Errorf("mark failed: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE gateway_transactions
		SET response_code = $2, transaction_no = NULLIF($3, ''),
		    bank_code = NULLIF($4, ''), pay_date = NULLIF($5, '')
		WHERE txn_ref = $1
	`, txnRef, responseCode, fields.transactionNo, fields.bankCode, fields.payDate)
	if err != nil {
		return nil, fmt.Errorf("record gateway result: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	g.logger.Info("gateway result applied",
		zap.String("payment_id", p.ID),
		zap.String("txn_ref", txnRef),
		zap.String("response_code", responseCode),
		zap.String("status", string(p.Status)))
	return result, nil
}

// IsPaid reports whether the prescription has a PAID payment. Implements the
// dispensing payment gate.
func (g *Gateway) IsPaid(ctx context.Context, prescriptionID string) (bool, error) {
	var paid bool
	err := g.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM payments WHERE prescription_id = $1 AND status = $2)
	`, prescriptionID, StatusPaid).Scan(&paid)
	return paid, err
}

// Get loads a payment by ID.
func (g *Gateway) Get(ctx context.Context, id string) (*Payment, error) {
	return g.scanOne(g.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// ByTxnRef loads a payment by its gateway transaction reference.
func (g *Gateway) ByTxnRef(ctx context.Context, txnRef string) (*Payment, error) {
	return g.scanOne(g.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE txn_ref = $1`, txnRef))
}

// ByPrescription lists all payments for a prescription, newest first.
func (g *Gateway) ByPrescription(ctx context.Context, prescriptionID string) ([]*Payment, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE prescription_id = $1 ORDER BY created_at DESC
	`, prescriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := g.scanOne(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// StalePending lists gateway payments that have sat PENDING longer than age,
// for the reconciler.
func (g *Gateway) StalePending(ctx context.Context, age time.Duration, limit int) ([]*Payment, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = $1 AND method = $2 AND txn_ref IS NOT NULL
		  AND updated_at < NOW() - $3::interval
		ORDER BY updated_at
		LIMIT $4
	`, StatusPending, MethodGateway, age.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := g.scanOne(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (g *Gateway) getForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Payment, error) {
	return g.scanOne(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

func (g *Gateway) scanOne(row pgx.Row) (*Payment, error) {
	p := &Payment{}
	err := row.Scan(
		&p.ID, &p.PrescriptionID, &p.Method, &p.Status, &p.Amount, &p.TxnRef,
		&p.ReceiptNumber, &p.CashierID, &p.PaidAt, &p.Notes, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// queueSucceeded writes the PaymentSucceeded outbox entry inside tx so the
// status flip and the event commit atomically.
func (g *Gateway) queueSucceeded(ctx context.Context, tx pgx.Tx, p *Payment) error {
	payload, err := json.Marshal(SucceededEvent{
		PaymentID:      p.ID,
		PrescriptionID: p.PrescriptionID,
		Method:         p.Method,
		Amount:         p.Amount,
		PaidAt:         *p.PaidAt,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   p.PrescriptionID,
		AggregateType: "payment",
		EventType:     EventTypeSucceeded,
		Payload:       payload,
		KafkaTopic:    redpanda.TopicPaymentEvents,
		KafkaKey:      p.PrescriptionID,
	})
}

// nextReceiptNumber allocates the next daily cash receipt number inside tx.
// Format: PT + YYYYMMDD + zero-padded 6-digit counter.
func (g *Gateway) nextReceiptNumber(ctx context.Context, tx pgx.Tx, now time.Time) (string, error) {
	prefix := "PT" + now.Format("20060102")
	var last *string
	err := tx.QueryRow(ctx, `
		SELECT MAX(receipt_number) FROM payment_receipts WHERE receipt_number LIKE $1 || '%'
	`, prefix).Scan(&last)
	if err != nil {
		return "", fmt.Errorf("allocate receipt number: %w", err)
	}
	lastNumber := ""
	if last != nil {
		lastNumber = *last
	}
	return prescription.NextNumber(prefix, lastNumber), nil
}
