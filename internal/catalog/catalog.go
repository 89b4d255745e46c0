// Package catalog provides read access to the drug reference data and the
// guarded stock decrement used by dispensing.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNotFound indicates an unknown drug ID.
var ErrNotFound = errors.New("drug not found")

// ErrInsufficientStock indicates the requested quantity exceeds current stock.
var ErrInsufficientStock = errors.New("insufficient drug stock")

// Drug is the catalog view consumed by the prescription pipeline.
// Prices are VND with no decimal places.
type Drug struct {
	ID             string `json:"id"`
	Code           string `json:"code"`
	Name           string `json:"name"`
	GenericName    string `json:"generic_name,omitempty"`
	Unit           string `json:"unit"`
	UnitPrice      int64  `json:"unit_price"`
	InsurancePrice *int64 `json:"insurance_price,omitempty"`
	CurrentStock   int    `json:"current_stock"`
	MinimumStock   int    `json:"minimum_stock"`
	IsActive       bool   `json:"is_active"`
}

// Store reads drug reference data. The pipeline consumes the catalog; it does
// not own it, so there are no create/update operations here.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a new catalog store.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

const drugColumns = `id, code, name, generic_name, unit, unit_price, insurance_price,
	       current_stock, minimum_stock, is_active`

// GetDrug retrieves a drug by ID.
func (s *Store) GetDrug(ctx context.Context, id string) (*Drug, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+drugColumns+` FROM drugs WHERE id = $1`, id)
	return scanDrug(row)
}

// GetDrugForUpdate retrieves a drug inside tx, locking the row so the stock
// re-check and the decrement happen under the same lock.
func (s *Store) GetDrugForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Drug, error) {
	row := tx.QueryRow(ctx, `SELECT `+drugColumns+` FROM drugs WHERE id = $1 FOR UPDATE`, id)
	return scanDrug(row)
}

// DecrementStock subtracts qty from a drug's current stock within tx.
// The guard in the WHERE clause makes the decrement fail rather than drive
// stock negative when a concurrent dispensing won the race.
func (s *Store) DecrementStock(ctx context.Context, tx pgx.Tx, id string, qty int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE drugs
		SET current_stock = current_stock - $2, updated_at = NOW()
		WHERE id = $1 AND current_stock >= $2
	`, id, qty)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientStock
	}
	return nil
}

// LowStock lists active drugs at or below their minimum stock level.
func (s *Store) LowStock(ctx context.Context) ([]*Drug, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+drugColumns+`
		FROM drugs
		WHERE is_active AND current_stock <= minimum_stock
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drugs []*Drug
	for rows.Next() {
		d, err := scanDrug(rows)
		if err != nil {
			return nil, err
		}
		drugs = append(drugs, d)
	}
	return drugs, rows.Err()
}

func scanDrug(row pgx.Row) (*Drug, error) {
	d := &Drug{}
	err := row.Scan(
		&d.ID, &d.Code, &d.Name, &d.GenericName, &d.Unit,
		&d.UnitPrice, &d.InsurancePrice, &d.CurrentStock, &d.MinimumStock, &d.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}
