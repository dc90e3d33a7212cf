package order

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel errors for the order ledger.
var (
	// ErrNotFound indicates no order exists for the given id.
	ErrNotFound = fmt.Errorf("order not found")
	// ErrAlreadyTransitioned is returned by Transition when the order's
	// current status does not match the expected precondition. Callers racing
	// for the same transition treat it as "somebody else won" and back off.
	ErrAlreadyTransitioned = fmt.Errorf("order already transitioned")
)

// InvalidTransitionError indicates an attempted edge that does not exist in
// the status graph. This is a programming error, not a race.
type InvalidTransitionError struct {
	From, To Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order transition %s -> %s", e.From, e.To)
}

// Item is a single line of an order, resolved against a machine slot.
type Item struct {
	Slot      int             `json:"slot"`
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Order is the ledger record carried from purchase intent to physical
// fulfillment. Status is mutated exclusively through Repository.Transition.
type Order struct {
	ID        string
	MachineID string
	Items     []Item
	Total     decimal.Decimal
	Status    Status

	CustomerPhone string

	CreatedAt   time.Time
	ExpiresAt   time.Time // meaningful only while PENDING
	PaidAt      time.Time
	DispensedAt time.Time

	// PaymentToken and PaymentRedirectURL cache the gateway session so a
	// reloaded client can resume instead of creating a duplicate session.
	PaymentToken       string
	PaymentRedirectURL string

	// RefundEligible is set when the order failed after payment settled
	// (dispense failure or timeout).
	RefundEligible bool

	// CancelReason records why the order left the happy path (cancellation,
	// expiry, payment denial, dispense failure).
	CancelReason string
}

// TransitionUpdate carries the optional field writes that accompany a status
// change. Zero values leave the corresponding column untouched.
type TransitionUpdate struct {
	PaidAt         time.Time
	DispensedAt    time.Time
	RefundEligible bool
	Reason         string
}

// Repository defines persistence for orders. Transition is the single
// mutation path for Status and must be implemented as a compare-and-set
// against the stored value.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)

	// Transition changes the order's status to `to` only if the stored status
	// equals `from`. It returns ErrAlreadyTransitioned when the guard fails,
	// and an InvalidTransitionError when the edge is not in the graph.
	Transition(ctx context.Context, id string, from, to Status, upd TransitionUpdate) error

	// SavePaymentSession stores the cached gateway token and redirect URL.
	SavePaymentSession(ctx context.Context, id, token, redirectURL string) error

	// ListActive returns orders that are not yet terminal, used to restore
	// timers and poll watchers after a restart.
	ListActive(ctx context.Context) ([]Order, error)
}
