package catalog

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
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

func insertDrug(t *testing.T, pool *pgxpool.Pool, stock int) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO drugs (id, code, name, unit, unit_price, current_stock, minimum_stock)
		VALUES ($1, $2, $3, 'tablet', 5000, $4, 10)
	`, id, "TST-"+id[:8], "Test Drug "+id[:8], stock)
	if err != nil {
		t.Fatalf("insert drug failed: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM drugs WHERE id = $1`, id)
	})
	return id
}

func TestGetDrug(t *testing.T) {
	pool := testPool(t)
	store := NewStore(pool, nil)
	ctx := context.Background()

	id := insertDrug(t, pool, 100)

	drug, err := store.GetDrug(ctx, id)
	if err != nil {
		t.Fatalf("get drug failed: %v", err)
	}
	if drug.ID != id {
		t.Errorf("got id %s, want %s", drug.ID, id)
	}
	if drug.CurrentStock != 100 {
		t.Errorf("got stock %d, want 100", drug.CurrentStock)
	}

	if _, err := store.GetDrug(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown drug, got %v", err)
	}
}

func TestDecrementStock(t *testing.T) {
	pool := testPool(t)
	store := NewStore(pool, nil)
	ctx := context.Background()

	id := insertDrug(t, pool, 10)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := store.DecrementStock(ctx, tx, id, 4); err != nil {
		t.Fatalf("decrement failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	drug, err := store.GetDrug(ctx, id)
	if err != nil {
		t.Fatalf("get drug failed: %v", err)
	}
	if drug.CurrentStock != 6 {
		t.Errorf("got stock %d, want 6", drug.CurrentStock)
	}
}

func TestDecrementStockGuard(t *testing.T) {
	pool := testPool(t)
	store := NewStore(pool, nil)
	ctx := context.Background()

	id := insertDrug(t, pool, 3)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := store.DecrementStock(ctx, tx, id, 5); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	drug, err := store.GetDrug(ctx, id)
	if err != nil {
		t.Fatalf("get drug failed: %v", err)
	}
	if drug.CurrentStock != 3 {
		t.Errorf("stock must be untouched on a failed decrement, got %d", drug.CurrentStock)
	}
}
