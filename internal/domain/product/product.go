// Package product models the machine's slot inventory. The catalog itself is
// managed elsewhere; the orchestrator only needs to price order lines and to
// deduct stock once an item has physically left the machine.
package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for slot lookups.
var (
	// ErrSlotNotFound is returned when a machine has no such slot.
	ErrSlotNotFound = errors.New("slot not found")
	// ErrOutOfStock is returned when a slot cannot cover the requested quantity.
	ErrOutOfStock = errors.New("slot out of stock")
)

// Slot is a physical machine slot holding one product.
type Slot struct {
	MachineID string
	Slot      int
	ProductID string
	Name      string
	Price     decimal.Decimal
	Stock     int
}

// Repository defines slot inventory operations.
type Repository interface {
	// GetSlots resolves the given slot numbers for one machine. Unknown slots
	// are absent from the result; callers detect the gap.
	GetSlots(ctx context.Context, machineID string, slots []int) ([]Slot, error)

	// DeductStock subtracts qty from a slot's stock, flooring at zero. Called
	// after a confirmed dispense; best effort, failures are logged upstream.
	DeductStock(ctx context.Context, machineID string, slot, qty int) error
}
