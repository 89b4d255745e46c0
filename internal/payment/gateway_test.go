package payment

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

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

// insertPrescription creates a bare ACTIVE prescription row with the given
// patient share due.
func insertPrescription(t *testing.T, pool *pgxpool.Pool, due int64) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO prescriptions
		(id, number, patient_id, doctor_id, status, valid_from, valid_until,
		 total_amount, insurance_covered_amount, patient_payment_amount)
		VALUES ($1, $2, $3, $4, 'ACTIVE', $5, $6, $7, 0, $7)
	`, id, "DTTEST"+id[:8], uuid.NewString(), uuid.NewString(),
		now.Add(-time.Hour), now.Add(30*24*time.Hour), due)
	if err != nil {
		t.Fatalf("insert prescription failed: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		pool.Exec(ctx, `DELETE FROM gateway_transactions WHERE payment_id IN (SELECT id FROM payments WHERE prescription_id = $1)`, id)
		pool.Exec(ctx, `DELETE FROM payments WHERE prescription_id = $1`, id)
		pool.Exec(ctx, `DELETE FROM prescriptions WHERE id = $1`, id)
	})
	return id
}

func testGateway(pool *pgxpool.Pool) *Gateway {
	cfg := vnpay.DefaultConfig()
	cfg.TmnCode = "TESTMERCH"
	cfg.HashSecret = "SECRETSECRETSECRETSECRET"
	cfg.ReturnURL = "https://hospital.example.com/payments/return"
	return NewGateway(pool, vnpay.NewService(cfg), nil)
}

func TestInitiateTwiceReusesPayment(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	gateway := testGateway(pool)
	prescriptionID := insertPrescription(t, pool, 20000)

	first, err := gateway.Initiate(ctx, &InitiateInput{
		PrescriptionID: prescriptionID,
		Method:         MethodCash,
	})
	if err != nil {
		t.Fatalf("first initiate failed: %v", err)
	}

	second, err := gateway.Initiate(ctx, &InitiateInput{
		PrescriptionID: prescriptionID,
		Method:         MethodCash,
	})
	if err != nil {
		t.Fatalf("second initiate failed: %v", err)
	}

	if first.Payment.ID != second.Payment.ID {
		t.Errorf("expected the open payment to be reused, got %s then %s",
			first.Payment.ID, second.Payment.ID)
	}

	var count int
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM payments WHERE prescription_id = $1
	`, prescriptionID).Scan(&count); err != nil {
		t.Fatalf("count payments failed: %v", err)
	}
	if count != 1 {
		t.Errorf("got %d payment rows, want 1", count)
	}
}

func TestInitiateSwitchesMethodOnOpenPayment(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	gateway := testGateway(pool)
	prescriptionID := insertPrescription(t, pool, 20000)

	first, err := gateway.Initiate(ctx, &InitiateInput{
		PrescriptionID: prescriptionID,
		Method:         MethodCash,
	})
	if err != nil {
		t.Fatalf("cash initiate failed: %v", err)
	}

	// The patient changes their mind at the counter; same row, new method,
	// and now a redirect URL.
	second, err := gateway.Initiate(ctx, &InitiateInput{
		PrescriptionID: prescriptionID,
		Method:         MethodGateway,
		IPAddr:         "203.0.113.7",
	})
	if err != nil {
		t.Fatalf("gateway initiate failed: %v", err)
	}
	if second.Payment.ID != first.Payment.ID {
		t.Errorf("expected the open payment to be reused, got %s then %s",
			first.Payment.ID, second.Payment.ID)
	}
	if second.Payment.Method != MethodGateway {
		t.Errorf("method: got %s, want %s", second.Payment.Method, MethodGateway)
	}
	if second.PaymentURL == "" || !strings.Contains(second.PaymentURL, "vnp_SecureHash=") {
		t.Errorf("expected a signed payment URL, got %q", second.PaymentURL)
	}
}

func TestInitiateRejectsNothingDue(t *testing.T) {
	pool := testPool(t)

	gateway := testGateway(pool)
	prescriptionID := insertPrescription(t, pool, 0)

	_, err := gateway.Initiate(context.Background(), &InitiateInput{
		PrescriptionID: prescriptionID,
		Method:         MethodCash,
	})
	if !errors.Is(err, ErrNothingDue) {
		t.Fatalf("expected ErrNothingDue, got %v", err)
	}
}
