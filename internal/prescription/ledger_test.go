package prescription

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vietcare/rxpay/internal/catalog"
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

// noopSeeder satisfies the dispensing hook for tests that only exercise the
// ledger itself.
type noopSeeder struct{}

func (noopSeeder) Seed(context.Context, pgx.Tx, string, string, int) error { return nil }

func insertInsuredDrug(t *testing.T, pool *pgxpool.Pool, price, insurancePrice int64, stock int) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO drugs (id, code, name, unit, unit_price, insurance_price, current_stock, minimum_stock)
		VALUES ($1, $2, $3, 'tablet', $4, $5, $6, 5)
	`, id, "TST-"+id[:8], "Test Drug "+id[:8], price, insurancePrice, stock)
	if err != nil {
		t.Fatalf("insert drug failed: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM drugs WHERE id = $1`, id)
	})
	return id
}

func TestRecomputeTotals(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	ledger := NewLedger(pool, catalog.NewStore(pool, nil), noopSeeder{}, nil)

	drugID := insertInsuredDrug(t, pool, 5000, 3000, 100)
	now := time.Now().UTC()
	p, err := ledger.Create(ctx, &CreateInput{
		PatientID:    uuid.NewString(),
		DoctorID:     uuid.NewString(),
		HasInsurance: true,
		ValidFrom:    now.Add(-time.Hour),
		ValidUntil:   now.Add(30 * 24 * time.Hour),
		Items:        []CreateItemInput{{DrugID: drugID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create prescription failed: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, `DELETE FROM prescription_items WHERE prescription_id = $1`, p.ID)
		pool.Exec(ctx, `DELETE FROM prescriptions WHERE id = $1`, p.ID)
	})

	if p.TotalAmount != 10000 || p.InsuranceCovered != 6000 || p.PatientPayment != 4000 {
		t.Fatalf("unexpected initial totals: total=%d covered=%d patient=%d",
			p.TotalAmount, p.InsuranceCovered, p.PatientPayment)
	}

	// Grow the item as a correction would, then re-derive the money roll-up.
	_, err = pool.Exec(ctx, `
		UPDATE prescription_items SET quantity = 4, total_price = 20000 WHERE id = $1
	`, p.Items[0].ID)
	if err != nil {
		t.Fatalf("update item failed: %v", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	defer tx.Rollback(ctx)
	if err := ledger.RecomputeTotals(ctx, tx, p.ID); err != nil {
		t.Fatalf("recompute failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	updated, err := ledger.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get prescription failed: %v", err)
	}
	if updated.TotalAmount != 20000 || updated.InsuranceCovered != 12000 || updated.PatientPayment != 8000 {
		t.Errorf("recomputed totals: total=%d covered=%d patient=%d, want 20000/12000/8000",
			updated.TotalAmount, updated.InsuranceCovered, updated.PatientPayment)
	}
}
