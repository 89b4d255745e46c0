package dispensing

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vietcare/rxpay/internal/catalog"
	"github.com/vietcare/rxpay/internal/payment"
	"github.com/vietcare/rxpay/internal/prescription"
	"github.com/vietcare/rxpay/internal/vnpay"
)

// testPool connects to the database named by TEST_DATABASE_URL, or skips.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database test")
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("database connection failed: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func insertDrug(t *testing.T, pool *pgxpool.Pool, price int64, stock int) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO drugs (id, code, name, unit, unit_price, current_stock, minimum_stock)
		VALUES ($1, $2, $3, 'tablet', $4, $5, 5)
	`, id, "TST-"+id[:8], "Test Drug "+id[:8], price, stock)
	if err != nil {
		t.Fatalf("insert drug failed: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM drugs WHERE id = $1`, id)
	})
	return id
}

// cleanupPrescription removes everything the pipeline wrote for one
// prescription, child tables first.
func cleanupPrescription(pool *pgxpool.Pool, id string) {
	ctx := context.Background()
	pool.Exec(ctx, `DELETE FROM payment_receipts WHERE payment_id IN (SELECT id FROM payments WHERE prescription_id = $1)`, id)
	pool.Exec(ctx, `DELETE FROM gateway_transactions WHERE payment_id IN (SELECT id FROM payments WHERE prescription_id = $1)`, id)
	pool.Exec(ctx, `DELETE FROM payments WHERE prescription_id = $1`, id)
	pool.Exec(ctx, `DELETE FROM outbox WHERE aggregate_id = $1`, id)
	pool.Exec(ctx, `DELETE FROM prescription_dispensing WHERE prescription_id = $1`, id)
	pool.Exec(ctx, `DELETE FROM prescription_items WHERE prescription_id = $1`, id)
	pool.Exec(ctx, `DELETE FROM prescriptions WHERE id = $1`, id)
}

func createPrescription(t *testing.T, ledger *prescription.Ledger, pool *pgxpool.Pool, items []prescription.CreateItemInput) *prescription.Prescription {
	t.Helper()
	now := time.Now().UTC()
	p, err := ledger.Create(context.Background(), &prescription.CreateInput{
		PatientID:  uuid.NewString(),
		DoctorID:   uuid.NewString(),
		Diagnosis:  "test diagnosis",
		ValidFrom:  now.Add(-time.Hour),
		ValidUntil: now.Add(30 * 24 * time.Hour),
		Items:      items,
	})
	if err != nil {
		t.Fatalf("create prescription failed: %v", err)
	}
	t.Cleanup(func() { cleanupPrescription(pool, p.ID) })
	return p
}

func TestDispenseRequiresPayment(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	catalogStore := catalog.NewStore(pool, nil)
	gateway := payment.NewGateway(pool, vnpay.NewService(vnpay.DefaultConfig()), nil)
	tracker := NewTracker(pool, catalogStore, gateway, nil)
	ledger := prescription.NewLedger(pool, catalogStore, tracker, nil)

	drugID := insertDrug(t, pool, 5000, 50)
	p := createPrescription(t, ledger, pool, []prescription.CreateItemInput{
		{DrugID: drugID, Quantity: 2},
	})

	// No payment exists yet, so the gate must reject before anything moves.
	_, err := tracker.Dispense(ctx, &DispenseInput{
		PrescriptionItemID: p.Items[0].ID,
		Quantity:           1,
		DispensedBy:        uuid.NewString(),
	})
	if !errors.Is(err, ErrNotPaid) {
		t.Fatalf("expected ErrNotPaid, got %v", err)
	}

	drug, err := catalogStore.GetDrug(ctx, drugID)
	if err != nil {
		t.Fatalf("get drug failed: %v", err)
	}
	if drug.CurrentStock != 50 {
		t.Errorf("stock must be untouched by a rejected dispense, got %d", drug.CurrentStock)
	}
}

func TestReleaseForPaymentReplay(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	catalogStore := catalog.NewStore(pool, nil)
	gateway := payment.NewGateway(pool, vnpay.NewService(vnpay.DefaultConfig()), nil)
	tracker := NewTracker(pool, catalogStore, gateway, nil)
	ledger := prescription.NewLedger(pool, catalogStore, tracker, nil)

	drugID := insertDrug(t, pool, 5000, 50)
	p := createPrescription(t, ledger, pool, []prescription.CreateItemInput{
		{DrugID: drugID, Quantity: 2},
	})

	released, err := tracker.ReleaseForPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if released != 1 {
		t.Errorf("first release: got %d records, want 1", released)
	}

	// A redelivered payment event releases again; nothing is UNPAID anymore.
	released, err = tracker.ReleaseForPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("second release failed: %v", err)
	}
	if released != 0 {
		t.Errorf("replayed release must be a no-op, got %d records", released)
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	catalogStore := catalog.NewStore(pool, nil)
	gateway := payment.NewGateway(pool, vnpay.NewService(vnpay.DefaultConfig()), nil)
	tracker := NewTracker(pool, catalogStore, gateway, nil)
	ledger := prescription.NewLedger(pool, catalogStore, tracker, nil)

	// Two items totaling 20000 VND: 2 x 5000 + 1 x 10000.
	drugA := insertDrug(t, pool, 5000, 50)
	drugB := insertDrug(t, pool, 10000, 20)
	p := createPrescription(t, ledger, pool, []prescription.CreateItemInput{
		{DrugID: drugA, Quantity: 2},
		{DrugID: drugB, Quantity: 1},
	})
	if p.TotalAmount != 20000 || p.PatientPayment != 20000 {
		t.Fatalf("expected 20000 VND due, got total=%d patient=%d", p.TotalAmount, p.PatientPayment)
	}

	result, err := gateway.Initiate(ctx, &payment.InitiateInput{
		PrescriptionID: p.ID,
		Method:         payment.MethodCash,
	})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if result.Payment.Amount != 20000 {
		t.Errorf("payment amount: got %d, want 20000", result.Payment.Amount)
	}

	paid, err := gateway.ConfirmCash(ctx, result.Payment.ID, uuid.NewString())
	if err != nil {
		t.Fatalf("confirm cash failed: %v", err)
	}
	if paid.ReceiptNumber == nil || len(*paid.ReceiptNumber) != 16 || (*paid.ReceiptNumber)[:2] != "PT" {
		t.Errorf("unexpected receipt number %v", paid.ReceiptNumber)
	}

	if ok, err := gateway.IsPaid(ctx, p.ID); err != nil || !ok {
		t.Fatalf("IsPaid after cash confirm: got (%v, %v), want (true, nil)", ok, err)
	}

	released, err := tracker.ReleaseForPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if released != 2 {
		t.Fatalf("released %d records, want 2", released)
	}

	records, err := tracker.ListByPrescription(ctx, p.ID)
	if err != nil {
		t.Fatalf("list records failed: %v", err)
	}
	pharmacist := uuid.NewString()
	expiry := time.Now().UTC().AddDate(1, 0, 0)
	for _, rec := range records {
		if ok, err := tracker.MarkPrepared(ctx, rec.ID, pharmacist); err != nil || !ok {
			t.Fatalf("mark prepared %s: got (%v, %v)", rec.ID, ok, err)
		}
		ok, err := tracker.MarkDispensed(ctx, rec.ID, pharmacist, BatchInfo{
			BatchNumber: "LOT-A1",
			ExpiryDate:  &expiry,
		})
		if err != nil || !ok {
			t.Fatalf("mark dispensed %s: got (%v, %v)", rec.ID, ok, err)
		}
	}

	final, err := ledger.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get prescription failed: %v", err)
	}
	if final.Status != prescription.StatusFullyDispensed {
		t.Errorf("final status: got %s, want %s", final.Status, prescription.StatusFullyDispensed)
	}
	for _, item := range final.Items {
		if item.QuantityDispensed != item.Quantity {
			t.Errorf("item %s: dispensed %d of %d", item.ID, item.QuantityDispensed, item.Quantity)
		}
	}

	records, err = tracker.ListByPrescription(ctx, p.ID)
	if err != nil {
		t.Fatalf("list records failed: %v", err)
	}
	for _, rec := range records {
		if rec.Status != StatusDispensed {
			t.Errorf("record %s: status %s, want %s", rec.ID, rec.Status, StatusDispensed)
		}
		if rec.BatchNumber != "LOT-A1" || rec.ExpiryDate == nil {
			t.Errorf("record %s: batch not recorded (%q, %v)", rec.ID, rec.BatchNumber, rec.ExpiryDate)
		}
	}

	dA, _ := catalogStore.GetDrug(ctx, drugA)
	dB, _ := catalogStore.GetDrug(ctx, drugB)
	if dA.CurrentStock != 48 || dB.CurrentStock != 19 {
		t.Errorf("stock after dispensing: got %d and %d, want 48 and 19", dA.CurrentStock, dB.CurrentStock)
	}
}
