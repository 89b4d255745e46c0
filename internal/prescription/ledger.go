package prescription

import (
	"context"
	"errors"
	"fmt"
	"sort"
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

	"github.com/vietcare/rxpay/internal/catalog"
)

// Seeder creates the initial dispensing row for a prescription item. It is
// called inside the creation transaction so activation and seeding commit
// together.
type Seeder interface {
	Seed(ctx context.Context, tx pgx.Tx, prescriptionID, itemID string, quantity int) error
}

// Ledger owns Prescription and PrescriptionItem records.
type Ledger struct {
	pool    *pgxpool.Pool
	catalog *catalog.Store
	seeder  Seeder
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewLedger creates a new prescription ledger.
func NewLedger(pool *pgxpool.Pool, cat *catalog.Store, seeder Seeder, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		pool:    pool,
		catalog: cat,
		seeder:  seeder,
		logger:  logger,
		tracer:  otel.Tracer("prescription-ledger"),
	}
}

// CreateItemInput is one drug line of a new prescription.
type CreateItemInput struct {
	DrugID        string `json:"drug_id"`
	Quantity      int    `json:"quantity"`
	DosagePerTime string `json:"dosage_per_time"`
	Frequency     string `json:"frequency"`
	Route         string `json:"route"`
	DurationDays  int    `json:"duration_days"`
	Instructions  string `json:"instructions"`
}

// CreateInput is the request for creating a prescription.
type CreateInput struct {
	PatientID    string            `json:"patient_id"`
	DoctorID     string            `json:"doctor_id"`
	Diagnosis    string            `json:"diagnosis"`
	Notes        string            `json:"notes"`
	HasInsurance bool              `json:"has_insurance"`
	ValidFrom    time.Time         `json:"valid_from"`
	ValidUntil   time.Time         `json:"valid_until"`
	CreatedBy    string            `json:"-"`
	Items        []CreateItemInput `json:"items"`
}

func (in *CreateInput) validate() error {
	if len(in.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "prescription must contain at least one item"}
	}
	if !in.ValidFrom.Before(in.ValidUntil) {
		return &ValidationError{Field: "valid_until", Reason: "validity window must end after it starts"}
	}
	if in.ValidUntil.Sub(in.ValidFrom) > MaxValidityDays*24*time.Hour {
		return &ValidationError{Field: "valid_until", Reason: fmt.Sprintf("validity window exceeds %d days", MaxValidityDays)}
	}
	for i, item := range in.Items {
		if item.DrugID == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d].drug_id", i), Reason: "drug is required"}
		}
		if item.Quantity < 1 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "quantity must be at least 1"}
		}
	}
	return nil
}

// Create validates the order, snapshots catalog prices, computes totals,
// activates the prescription, and seeds one UNPAID dispensing row per item.
// The stock check here is point-in-time, not a reservation; dispensing
// re-checks under its own lock.
func (l *Ledger) Create(ctx context.Context, in *CreateInput) (*Prescription, error) {
	ctx, span := l.tracer.Start(ctx, "prescription_create")
	defer span.End()

	if err := in.validate(); err != nil {
		return nil, err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock drug rows in a stable order so concurrent creations cannot
	// deadlock on each other.
	drugIDs := make([]string, 0, len(in.Items))
	for _, item := range in.Items {
		drugIDs = append(drugIDs, item.DrugID)
	}
	sort.Strings(drugIDs)

	drugs := make(map[string]*catalog.Drug, len(drugIDs))
	for _, id := range drugIDs {
		if _, ok := drugs[id]; ok {
			continue
		}
		drug, err := l.catalog.GetDrugForUpdate(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		drugs[id] = drug
	}

	for _, item := range in.Items {
		drug := drugs[item.DrugID]
		if item.Quantity > drug.CurrentStock {
			return nil, &ValidationError{
				Field:  "items",
				Reason: fmt.Sprintf("drug %s has %d in stock, %d requested", drug.Name, drug.CurrentStock, item.Quantity),
			}
		}
	}

	now := time.Now().UTC()
	p := &Prescription{
		ID:         uuid.New().String(),
		PatientID:  in.PatientID,
		DoctorID:   in.DoctorID,
		Status:     StatusActive,
		Diagnosis:  in.Diagnosis,
		Notes:      in.Notes,
		ValidFrom:  in.ValidFrom,
		ValidUntil: in.ValidUntil,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if in.CreatedBy != "" {
		p.CreatedBy = &in.CreatedBy
	}

	for _, item := range in.Items {
		drug := drugs[item.DrugID]
		p.Items = append(p.Items, &Item{
			ID:             uuid.New().String(),
			PrescriptionID: p.ID,
			DrugID:         item.DrugID,
			Quantity:       item.Quantity,
			DosagePerTime:  item.DosagePerTime,
			Frequency:      item.Frequency,
			Route:          item.Route,
			DurationDays:   item.DurationDays,
			Instructions:   item.Instructions,
			UnitPrice:      drug.UnitPrice,
			TotalPrice:     int64(item.Quantity) * drug.UnitPrice,
			CreatedAt:      now,
		})
	}

	totals := ComputeTotals(p.Items, in.HasInsurance, func(drugID string) *int64 {
		return drugs[drugID].InsurancePrice
	})
	p.TotalAmount = totals.Total
	p.InsuranceCovered = totals.InsuranceCovered
	p.PatientPayment = totals.PatientPayment

	p.Number, err = l.nextNumber(ctx, tx, now)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO prescriptions
		(id, number, patient_id, doctor_id, status, diagnosis, notes, has_insurance,
		 valid_from, valid_until, total_amount, insurance_covered_amount, patient_payment_amount, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, p.ID, p.Number, p.PatientID, p.DoctorID, p.Status, p.Diagnosis, p.Notes, in.HasInsurance,
		p.ValidFrom, p.ValidUntil, p.TotalAmount, p.InsuranceCovered, p.PatientPayment, p.CreatedBy)
	if err != nil {
		return nil, fmt.Errorf("insert prescription: %w", err)
	}

	for _, item := range p.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO prescription_items
			(id, prescription_id, drug_id, quantity, dosage_per_time, frequency, route,
			 duration_days, instructions, unit_price, total_price, quantity_dispensed)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0)
		`, item.ID, item.PrescriptionID, item.DrugID, item.Quantity, item.DosagePerTime,
			item.Frequency, item.Route, item.DurationDays, item.Instructions,
			item.UnitPrice, item.TotalPrice)
		if err != nil {
			return nil, fmt.Errorf("insert item: %w", err)
		}

		if err := l.seeder.Seed(ctx, tx, p.ID, item.ID, item.Quantity); err != nil {
			return nil, fmt.Errorf("seed dispensing: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	span.SetAttributes(attribute.String("prescription_id", p.ID))
	l.logger.Info("prescription created",
		zap.String("id", p.ID),
		zap.String("number", p.Number),
		zap.Int("items", len(p.Items)),
		zap.Int64("total_amount", p.TotalAmount))

	return p, nil
}

// Cancel marks a prescription CANCELLED and appends the reason to its notes.
// Terminal states reject the transition. Cancelling does not reverse stock or
// payment; a cancelled-after-paid prescription needs a manual refund.
func (l *Ledger) Cancel(ctx context.Context, id, reason string) (*Prescription, error) {
	ctx, span := l.tracer.Start(ctx, "prescription_cancel")
	defer span.End()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status Status
	var notes string
	err = tx.QueryRow(ctx, `SELECT status, notes FROM prescriptions WHERE id = $1 FOR UPDATE`, id).
		Scan(&status, &notes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if !CanTransition(status, StatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, StatusCancelled)
	}

	if reason != "" {
		notes = strings.TrimSpace(notes + "\n\nCancelled: " + reason)
	}

	_, err = tx.Exec(ctx, `
		UPDATE prescriptions SET status = $2, notes = $3, updated_at = NOW() WHERE id = $1
	`, id, StatusCancelled, notes)
	if err != nil {
		return nil, fmt.Errorf("cancel prescription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	l.logger.Info("prescription cancelled", zap.String("id", id), zap.String("reason", reason))
	return l.Get(ctx, id)
}

// Get loads a prescription with its items.
func (l *Ledger) Get(ctx context.Context, id string) (*Prescription, error) {
	p := &Prescription{}
	err := l.pool.QueryRow(ctx, `
		SELECT id, number, patient_id, doctor_id, status, diagnosis, notes,
		       valid_from, valid_until, total_amount, insurance_covered_amount,
		       patient_payment_amount, created_by, created_at, updated_at
		FROM prescriptions WHERE id = $1
	`, id).Scan(
		&p.ID, &p.Number, &p.PatientID, &p.DoctorID, &p.Status, &p.Diagnosis, &p.Notes,
		&p.ValidFrom, &p.ValidUntil, &p.TotalAmount, &p.InsuranceCovered,
		&p.PatientPayment, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := l.pool.Query(ctx, `
		SELECT id, prescription_id, drug_id, quantity, dosage_per_time, frequency, route,
		       duration_days, instructions, unit_price, total_price, quantity_dispensed, created_at
		FROM prescription_items WHERE prescription_id = $1 ORDER BY created_at
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		item := &Item{}
		err := rows.Scan(
			&item.ID, &item.PrescriptionID, &item.DrugID, &item.Quantity, &item.DosagePerTime,
			&item.Frequency, &item.Route, &item.DurationDays, &item.Instructions,
			&item.UnitPrice, &item.TotalPrice, &item.QuantityDispensed, &item.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		p.Items = append(p.Items, item)
	}
	return p, rows.Err()
}

// RecomputeTotals re-derives the money roll-up from current items inside tx.
// Idempotent; safe to call after any item mutation. Unit prices stay as
// snapshotted; only the insurance price is read live.
func (l *Ledger) RecomputeTotals(ctx context.Context, tx pgx.Tx, prescriptionID string) error {
	rows, err := tx.Query(ctx, `
		SELECT i.id, i.drug_id, i.quantity, i.total_price, d.insurance_price, p.has_insurance
		FROM prescription_items i
		JOIN drugs d ON d.id = i.drug_id
		JOIN prescriptions p ON p.id = i.prescription_id
		WHERE i.prescription_id = $1
	`, prescriptionID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var items []*Item
	prices := make(map[string]*int64)
	hasInsurance := false
	for rows.Next() {
		item := &Item{}
		var price *int64
		if err := rows.Scan(&item.ID, &item.DrugID, &item.Quantity, &item.TotalPrice, &price, &hasInsurance); err != nil {
			return err
		}
		prices[item.DrugID] = price
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	totals := ComputeTotals(items, hasInsurance, func(drugID string) *int64 { return prices[drugID] })
	_, err = tx.Exec(ctx, `
		UPDATE prescriptions
		SET total_amount = $2, insurance_covered_amount = $3, patient_payment_amount = $4, updated_at = NOW()
		WHERE id = $1
	`, prescriptionID, totals.Total, totals.InsuranceCovered, totals.PatientPayment)
	return err
}

// Stats is the aggregate view used by the statistics endpoint.
type Stats struct {
	Total            int64 `json:"total_prescriptions"`
	Active           int64 `json:"active_prescriptions"`
	Cancelled        int64 `json:"cancelled_prescriptions"`
	Dispensed        int64 `json:"dispensed_prescriptions"`
	TotalAmount      int64 `json:"total_amount"`
	InsuranceCovered int64 `json:"insurance_covered"`
}

// GetStats aggregates prescription counts and amounts for a date range.
func (l *Ledger) GetStats(ctx context.Context, from, to time.Time) (*Stats, error) {
	s := &Stats{}
	err := l.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'ACTIVE'),
		       COUNT(*) FILTER (WHERE status = 'CANCELLED'),
		       COUNT(*) FILTER (WHERE status IN ('PARTIALLY_DISPENSED', 'FULLY_DISPENSED')),
		       COALESCE(SUM(total_amount), 0),
		       COALESCE(SUM(insurance_covered_amount), 0)
		FROM prescriptions
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&s.Total, &s.Active, &s.Cancelled, &s.Dispensed, &s.TotalAmount, &s.InsuranceCovered)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// nextNumber allocates the next daily-scoped prescription number inside tx.
// Format: DT + YYYYMMDD + zero-padded 6-digit counter.
func (l *Ledger) nextNumber(ctx context.Context, tx pgx.Tx, now time.Time) (string, error) {
	prefix := "DT" + now.Format("20060102")
	var last *string
	err := tx.QueryRow(ctx, `
		SELECT MAX(number) FROM prescriptions WHERE number LIKE $1 || '%'
	`, prefix).Scan(&last)
	if err != nil {
		return "", fmt.Errorf("allocate number: %w", err)
	}
	lastNumber := ""
	if last != nil {
		lastNumber = *last
	}
	return NextNumber(prefix, lastNumber), nil
}

// NextNumber increments the 6-digit suffix of last, or starts at 1 when last
// is empty or malformed.
func NextNumber(prefix, last string) string {
	seq := 1
	if strings.HasPrefix(last, prefix) && len(last) >= len(prefix)+6 {
		if n, err := strconv.Atoi(last[len(last)-6:]); err == nil {
			seq = n + 1
		}
	}
	return fmt.Sprintf("%s%06d", prefix, seq)
}
