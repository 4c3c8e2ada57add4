package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Inventory answers stock availability from the inventory table. Unknown
// warehouse/product pairs have no stock.
type Inventory struct {
	pool *pgxpool.Pool
}

// NewInventory creates an inventory-backed stock checker
func NewInventory(pool *pgxpool.Pool) *Inventory {
	return &Inventory{pool: pool}
}

// HasStock reports whether qty units of the product are on hand
func (i *Inventory) HasStock(ctx context.Context, productID, warehouseID string, qty int) (bool, error) {
	var onHand int
	err := i.pool.QueryRow(ctx,
		`SELECT quantity FROM inventory WHERE warehouse_id = $1 AND product_id = $2`,
		warehouseID, productID,
	).Scan(&onHand)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query inventory: %w", err)
	}
	return onHand >= qty, nil
}

// SetQuantity upserts the on-hand quantity of a product
func (i *Inventory) SetQuantity(ctx context.Context, warehouseID, productID string, qty int) error {
	_, err := i.pool.Exec(ctx, `
		INSERT INTO inventory (warehouse_id, product_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (warehouse_id, product_id) DO UPDATE
		SET quantity = EXCLUDED.quantity, updated_at = NOW()
	`, warehouseID, productID, qty)
	if err != nil {
		return fmt.Errorf("upsert inventory: %w", err)
	}
	return nil
}
