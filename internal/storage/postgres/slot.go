package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hoescodes/vendo/internal/domain/product"
)

const getSlotsSQL = `SELECT machine_id, slot, product_id, name, price, stock
	FROM slots
	WHERE machine_id = $1 AND slot = ANY($2)
	ORDER BY slot`

// deductStockSQL floors at zero so a replayed deduction cannot violate the
// table's stock check.
const deductStockSQL = `UPDATE slots
	SET stock = GREATEST(stock - $3, 0)
	WHERE machine_id = $1 AND slot = $2`

const upsertSlotSQL = `INSERT INTO slots (machine_id, slot, product_id, name, price, stock)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (machine_id, slot) DO UPDATE
	SET product_id = EXCLUDED.product_id,
	    name = EXCLUDED.name,
	    price = EXCLUDED.price,
	    stock = EXCLUDED.stock`

var _ product.Repository = (*SlotRepository)(nil)

// SlotRepository implements product.Repository backed by PostgreSQL.
type SlotRepository struct {
	pool *pgxpool.Pool
}

// NewSlotRepository returns a SlotRepository that uses the given pool.
func NewSlotRepository(pool *pgxpool.Pool) *SlotRepository {
	return &SlotRepository{pool: pool}
}

// GetSlots returns the inventory rows for the requested slot numbers. Unknown
// slots are simply absent from the result; callers detect the gap.
func (r *SlotRepository) GetSlots(ctx context.Context, machineID string, nums []int) ([]product.Slot, error) {
	rows, err := r.pool.Query(ctx, getSlotsSQL, machineID, nums)
	if err != nil {
		return nil, fmt.Errorf("getting slots for %q: %w", machineID, err)
	}
	defer rows.Close()

	var out []product.Slot
	for rows.Next() {
		var s product.Slot
		if err := rows.Scan(&s.MachineID, &s.Slot, &s.ProductID, &s.Name, &s.Price, &s.Stock); err != nil {
			return nil, fmt.Errorf("scanning slot: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("getting slots for %q: %w", machineID, err)
	}
	return out, nil
}

// DeductStock decrements a slot's stock after a confirmed dispense.
func (r *SlotRepository) DeductStock(ctx context.Context, machineID string, slot, qty int) error {
	tag, err := r.pool.Exec(ctx, deductStockSQL, machineID, slot, qty)
	if err != nil {
		return fmt.Errorf("deducting stock for %q slot %d: %w", machineID, slot, err)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrSlotNotFound
	}
	return nil
}

// UpsertSlot creates or replaces one inventory row. Used by seeding.
func (r *SlotRepository) UpsertSlot(ctx context.Context, s product.Slot) error {
	_, err := r.pool.Exec(ctx, upsertSlotSQL,
		s.MachineID, s.Slot, s.ProductID, s.Name, s.Price, s.Stock)
	if err != nil {
		return fmt.Errorf("upserting slot %d for %q: %w", s.Slot, s.MachineID, err)
	}
	return nil
}
