package dispensing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vietcare/rxpay/internal/catalog"
	"github.com/vietcare/rxpay/internal/prescription"
)

// Tracker owns dispensing records and the payment gate in front of them.
type Tracker struct {
	pool     *pgxpool.Pool
	catalog  *catalog.Store
	payments PaymentChecker
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewTracker creates a new dispensing tracker.
func NewTracker(pool *pgxpool.Pool, cat *catalog.Store, payments PaymentChecker, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		pool:     pool,
		catalog:  cat,
		payments: payments,
		logger:   logger,
		tracer:   otel.Tracer("dispensing-tracker"),
	}
}

const recordColumns = `id, prescription_id, prescription_item_id, quantity, status,
		dispensed_by, dispensed_at, batch_number, expiry_date, notes, created_at, updated_at`

// BatchInfo identifies the physical stock being handed over.
type BatchInfo struct {
	BatchNumber string     `json:"batch_number"`
	ExpiryDate  *time.Time `json:"expiry_date"`
}

func (b *BatchInfo) validate(now time.Time) error {
	if b.ExpiryDate != nil && b.ExpiryDate.Before(now.Truncate(24*time.Hour)) {
		return &prescription.ValidationError{Field: "expiry_date", Reason: "batch has already expired"}
	}
	return nil
}

// Seed creates the initial UNPAID record for a prescription item inside the
// caller's transaction. Re-seeding the same item is a no-op; the partial
// unique index on (prescription_item_id) WHERE status = 'UNPAID' absorbs the
// conflict.
func (t *Tracker) Seed(ctx context.Context, tx pgx.Tx, prescriptionID, itemID string, quantity int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO prescription_dispensing (id, prescription_id, prescription_item_id, quantity, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (prescription_item_id) WHERE status = 'UNPAID' DO NOTHING
	`, uuid.New().String(), prescriptionID, itemID, quantity, StatusUnpaid)
	if err != nil {
		return fmt.Errorf("seed dispensing record: %w", err)
	}
	return nil
}

// ReleaseForPayment flips every UNPAID record of the prescription to PENDING.
// Returns the number of records released; zero on replay, which makes the
// payment-event handler safe under at-least-once delivery.
func (t *Tracker) ReleaseForPayment(ctx context.Context, prescriptionID string) (int, error) {
	ctx, span := t.tracer.Start(ctx, "dispensing_release")
	defer span.End()

	tag, err := t.pool.Exec(ctx, `
		UPDATE prescription_dispensing
		SET status = $2, updated_at = NOW()
		WHERE prescription_id = $1 AND status = $3
	`, prescriptionID, StatusPending, StatusUnpaid)
	if err != nil {
		return 0, fmt.Errorf("release for payment: %w", err)
	}

	released := int(tag.RowsAffected())
	span.SetAttributes(attribute.Int("released", released))
	if released > 0 {
		t.logger.Info("dispensing released for payment",
			zap.String("prescription_id", prescriptionID),
			zap.Int("records", released))
	}
	return released, nil
}

// MarkPrepared moves a PENDING record to PREPARED. Returns false when the
// record is not currently PENDING; callers decide whether that is an error.
func (t *Tracker) MarkPrepared(ctx context.Context, recordID, userID string) (bool, error) {
	tag, err := t.pool.Exec(ctx, `
		UPDATE prescription_dispensing
		SET status = $2, dispensed_by = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, recordID, StatusPrepared, userID, StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark prepared: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkDispensed completes a PREPARED record: decrements drug stock, advances
// the item's dispensed quantity, records the batch handed over, and rolls the
// prescription status up. The delivered quantity is clamped to what the item
// still has outstanding so a stale record can never over-deliver. Returns
// false when the record is not PREPARED.
func (t *Tracker) MarkDispensed(ctx context.Context, recordID, userID string, batch BatchInfo) (bool, error) {
	ctx, span := t.tracer.Start(ctx, "dispensing_mark_dispensed")
	defer span.End()

	if err := batch.validate(time.Now().UTC()); err != nil {
		return false, err
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status         Status
		prescriptionID string
		itemID         string
		recordQty      int
	)
	err = tx.QueryRow(ctx, `
		SELECT status, prescription_id, prescription_item_id, quantity
		FROM prescription_dispensing WHERE id = $1 FOR UPDATE
	`, recordID).Scan(&status, &prescriptionID, &itemID, &recordQty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	if status != StatusPrepared {
		return false, nil
	}

	var drugID string
	var itemQty, itemDispensed int
	err = tx.QueryRow(ctx, `
		SELECT drug_id, quantity, quantity_dispensed
		FROM prescription_items WHERE id = $1 FOR UPDATE
	`, itemID).Scan(&drugID, &itemQty, &itemDispensed)
	if err != nil {
		return false, fmt.Errorf("load item: %w", err)
	}

	qty := recordQty
	if remaining := itemQty - itemDispensed; qty > remaining {
		qty = remaining
	}
	if qty > 0 {
		if err := t.catalog.DecrementStock(ctx, tx, drugID, qty); err != nil {
			return false, err
		}
		_, err = tx.Exec(ctx, `
			UPDATE prescription_items SET quantity_dispensed = quantity_dispensed + $2 WHERE id = $1
		`, itemID, qty)
		if err != nil {
			return false, fmt.Errorf("advance item: %w", err)
		}
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE prescription_dispensing
		SET status = $2, dispensed_by = $3, dispensed_at = $4,
		    batch_number = $5, expiry_date = $6, updated_at = NOW()
		WHERE id = $1
	`, recordID, StatusDispensed, userID, now, batch.BatchNumber, batch.ExpiryDate)
	if err != nil {
		return false, fmt.Errorf("mark dispensed: %w", err)
	}

	if err := t.rollupPrescription(ctx, tx, prescriptionID); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}

	t.logger.Info("dispensing record completed",
		zap.String("record_id", recordID),
		zap.String("prescription_id", prescriptionID),
		zap.Int("quantity", qty))
	return true, nil
}

// DispenseInput is a direct dispense request against one prescription item.
type DispenseInput struct {
	PrescriptionItemID string     `json:"prescription_item_id"`
	Quantity           int        `json:"quantity"`
	DispensedBy        string     `json:"-"`
	BatchNumber        string     `json:"batch_number"`
	ExpiryDate         *time.Time `json:"expiry_date"`
	Notes              string     `json:"notes"`
}

// Dispense delivers a quantity against one item, creating a DISPENSED record.
// The gates run in order: unpaid, expired, over-dispense, then stock; the
// first failure wins. Everything happens in one transaction with the
// prescription, item, and drug rows locked, so two tellers racing on the last
// unit cannot both succeed.
func (t *Tracker) Dispense(ctx context.Context, in *DispenseInput) (*Record, error) {
	ctx, span := t.tracer.Start(ctx, "dispensing_dispense")
	defer span.End()

	if in.Quantity < 1 {
		return nil, &prescription.ValidationError{Field: "quantity", Reason: "quantity must be at least 1"}
	}
	batch := BatchInfo{BatchNumber: in.BatchNumber, ExpiryDate: in.ExpiryDate}
	if err := batch.validate(time.Now().UTC()); err != nil {
		return nil, err
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		prescriptionID string
		drugID         string
		itemQty        int
		itemDispensed  int
		status         prescription.Status
		validFrom      time.Time
		validUntil     time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT i.prescription_id, i.drug_id, i.quantity, i.quantity_dispensed,
		       p.status, p.valid_from, p.valid_until
		FROM prescription_items i
		JOIN prescriptions p ON p.id = i.prescription_id
		WHERE i.id = $1
		FOR UPDATE OF i, p
	`, in.PrescriptionItemID).Scan(
		&prescriptionID, &drugID, &itemQty, &itemDispensed, &status, &validFrom, &validUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	paid, err := t.payments.IsPaid(ctx, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("check payment: %w", err)
	}
	if !paid {
		return nil, ErrNotPaid
	}

	now := time.Now().UTC()
	p := &prescription.Prescription{Status: status, ValidFrom: validFrom, ValidUntil: validUntil}
	if p.EffectiveStatus(now) == prescription.StatusExpired || now.Before(validFrom) {
		return nil, ErrExpired
	}
	if status == prescription.StatusCancelled {
		return nil, fmt.Errorf("%w: prescription is cancelled", prescription.ErrInvalidTransition)
	}

	if in.Quantity > itemQty-itemDispensed {
		return nil, ErrOverDispense
	}

	if err := t.catalog.DecrementStock(ctx, tx, drugID, in.Quantity); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:                 uuid.New().String(),
		PrescriptionID:     prescriptionID,
		PrescriptionItemID: in.PrescriptionItemID,
		Quantity:           in.Quantity,
		Status:             StatusDispensed,
		DispensedBy:        &in.DispensedBy,
		DispensedAt:        &now,
		BatchNumber:        in.BatchNumber,
		ExpiryDate:         in.ExpiryDate,
		Notes:              in.Notes,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO prescription_dispensing
		(id, prescription_id, prescription_item_id, quantity, status, dispensed_by, dispensed_at,
		 batch_number, expiry_date, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.PrescriptionID, rec.PrescriptionItemID, rec.Quantity, rec.Status,
		rec.DispensedBy, rec.DispensedAt, rec.BatchNumber, rec.ExpiryDate, rec.Notes)
	if err != nil {
		return nil, fmt.Errorf("insert dispensing record: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE prescription_items SET quantity_dispensed = quantity_dispensed + $2 WHERE id = $1
	`, in.PrescriptionItemID, in.Quantity)
	if err != nil {
		return nil, fmt.Errorf("advance item: %w", err)
	}

	if err := t.rollupPrescription(ctx, tx, prescriptionID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	t.logger.Info("dispensed",
		zap.String("prescription_id", prescriptionID),
		zap.String("item_id", in.PrescriptionItemID),
		zap.Int("quantity", in.Quantity))
	return rec, nil
}

// ListByPrescription returns all dispensing records for a prescription,
// oldest first.
func (t *Tracker) ListByPrescription(ctx context.Context, prescriptionID string) ([]*Record, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM prescription_dispensing
		WHERE prescription_id = $1
		ORDER BY created_at
	`, prescriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r := &Record{}
		err := rows.Scan(
			&r.ID, &r.PrescriptionID, &r.PrescriptionItemID, &r.Quantity, &r.Status,
			&r.DispensedBy, &r.DispensedAt, &r.BatchNumber, &r.ExpiryDate,
			&r.Notes, &r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// rollupPrescription recomputes the prescription status from item progress
// inside tx. Only forward transitions the status machine allows are applied.
func (t *Tracker) rollupPrescription(ctx context.Context, tx pgx.Tx, prescriptionID string) error {
	rows, err := tx.Query(ctx, `
		SELECT quantity, quantity_dispensed FROM prescription_items WHERE prescription_id = $1
	`, prescriptionID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var items []itemProgress
	for rows.Next() {
		var it itemProgress
		if err := rows.Scan(&it.quantity, &it.dispensed); err != nil {
			return err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	next := rollupStatus(items)
	if next == "" {
		return nil
	}

	var current prescription.Status
	if err := tx.QueryRow(ctx, `SELECT status FROM prescriptions WHERE id = $1`, prescriptionID).Scan(&current); err != nil {
		return err
	}
	if current == next || !prescription.CanTransition(current, next) {
		return nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE prescriptions SET status = $2, updated_at = NOW() WHERE id = $1
	`, prescriptionID, next)
	return err
}
