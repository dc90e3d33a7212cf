package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hoescodes/vendo/internal/domain/order"
)

const createOrderSQL = `INSERT INTO orders
	(id, machine_id, items, total, status, customer_phone, created_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const getOrderSQL = `SELECT id, machine_id, items, total, status, customer_phone,
	payment_token, payment_redirect_url, refund_eligible, cancel_reason,
	created_at, expires_at, paid_at, dispensed_at
	FROM orders WHERE id = $1`

// transitionSQL is the compare-and-set at the heart of the state machine:
// the row is updated only when the stored status still equals the expected
// one, so exactly one of any number of racing callers wins the edge.
const transitionSQL = `UPDATE orders
	SET status = $3,
	    paid_at = COALESCE($4, paid_at),
	    dispensed_at = COALESCE($5, dispensed_at),
	    refund_eligible = refund_eligible OR $6,
	    cancel_reason = COALESCE(NULLIF($7, ''), cancel_reason)
	WHERE id = $1 AND status = $2`

const savePaymentSessionSQL = `UPDATE orders
	SET payment_token = $2, payment_redirect_url = $3
	WHERE id = $1`

const listActiveSQL = `SELECT id, machine_id, items, total, status, customer_phone,
	payment_token, payment_redirect_url, refund_eligible, cancel_reason,
	created_at, expires_at, paid_at, dispensed_at
	FROM orders
	WHERE status IN ('PENDING', 'PAID', 'DISPENSING')
	ORDER BY created_at`

const orderStatusSQL = `SELECT status FROM orders WHERE id = $1`

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. The order items are serialized to JSON for
// storage in the JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}

	_, err = r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.MachineID, itemsJSON, o.Total, o.Status,
		o.CustomerPhone, o.CreatedAt, o.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}

	return nil
}

// GetByID loads one order, returning order.ErrNotFound when the id is
// unknown.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	row := r.pool.QueryRow(ctx, getOrderSQL, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return o, nil
}

// Transition applies a guarded status change. When the guard fails it
// distinguishes a missing order from one that already moved past `from`.
func (r *OrderRepository) Transition(ctx context.Context, id string, from, to order.Status, upd order.TransitionUpdate) error {
	if !order.CanTransition(from, to) {
		return &order.InvalidTransitionError{From: from, To: to}
	}

	var paidAt, dispensedAt *time.Time
	if !upd.PaidAt.IsZero() {
		paidAt = &upd.PaidAt
	}
	if !upd.DispensedAt.IsZero() {
		dispensedAt = &upd.DispensedAt
	}

	tag, err := r.pool.Exec(ctx, transitionSQL, id, from, to, paidAt, dispensedAt, upd.RefundEligible, upd.Reason)
	if err != nil {
		return fmt.Errorf("transitioning order %q to %s: %w", id, to, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Guard failed: either the order does not exist or another caller moved
	// it first.
	var current order.Status
	err = r.pool.QueryRow(ctx, orderStatusSQL, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking order %q after failed guard: %w", id, err)
	}
	return order.ErrAlreadyTransitioned
}

// SavePaymentSession caches the gateway token and redirect URL on the order.
func (r *OrderRepository) SavePaymentSession(ctx context.Context, id, token, redirectURL string) error {
	tag, err := r.pool.Exec(ctx, savePaymentSessionSQL, id, token, redirectURL)
	if err != nil {
		return fmt.Errorf("saving payment session for %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// ListActive returns every non-terminal order, oldest first.
func (r *OrderRepository) ListActive(ctx context.Context) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listActiveSQL)
	if err != nil {
		return nil, fmt.Errorf("listing active orders: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning active order: %w", err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing active orders: %w", err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o         order.Order
		itemsJSON []byte
		total     decimal.Decimal
		paidAt    *time.Time
		dispensed *time.Time
	)
	err := row.Scan(
		&o.ID, &o.MachineID, &itemsJSON, &total, &o.Status, &o.CustomerPhone,
		&o.PaymentToken, &o.PaymentRedirectURL, &o.RefundEligible, &o.CancelReason,
		&o.CreatedAt, &o.ExpiresAt, &paidAt, &dispensed,
	)
	if err != nil {
		return nil, err
	}
	o.Total = total
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling order items: %w", err)
	}
	if paidAt != nil {
		o.PaidAt = *paidAt
	}
	if dispensed != nil {
		o.DispensedAt = *dispensed
	}
	return &o, nil
}
