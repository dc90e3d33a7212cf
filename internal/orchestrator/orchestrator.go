// Package orchestrator owns the order state machine. It is the single
// authority that accepts settlement signals, performs guarded status
// transitions, publishes the dispense command exactly once per order,
// correlates asynchronous dispense results, and resolves expiry, timeout,
// and cancellation.
//
// Correctness does not depend on serializing callers: webhook deliveries,
// poll ticks, bus messages, and timers all funnel into compare-and-set
// transitions on the ledger, so whichever caller wins a given edge wins it
// exactly once and every loser observes a harmless no-op.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hoescodes/vendo/internal/dispense"
	"github.com/hoescodes/vendo/internal/domain/order"
	"github.com/hoescodes/vendo/internal/domain/product"
	"github.com/hoescodes/vendo/internal/payment"
)

// Validation errors for order creation.
var ErrEmptyItems = errors.New("items required")

// InvalidQuantityError indicates a line item with a non-positive quantity.
type InvalidQuantityError struct {
	Slot int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for slot %d", e.Slot)
}

// Config holds the orchestrator's timing and identity parameters.
type Config struct {
	// MachineID is this kiosk's hardware identity, used in bus topics.
	MachineID string
	// OrderTTL is how long a PENDING order may wait for settlement.
	OrderTTL time.Duration
	// DispenseWait bounds how long a DISPENSING order waits for the
	// hardware result before being failed refund-eligible.
	DispenseWait time.Duration
	// PollInterval is the gateway status poll cadence for PENDING orders.
	PollInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.OrderTTL == 0 {
		c.OrderTTL = 15 * time.Minute
	}
	if c.DispenseWait == 0 {
		c.DispenseWait = 60 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
}

// watch bundles the per-order background resources: the expiry timer, the
// dispense-wait timer, and the gateway poll loop's cancel. All of them are
// released the moment the order reaches a terminal state; the CAS guard
// would reject a stale fire anyway, this just stops the leak.
type watch struct {
	cancelPoll   context.CancelFunc
	expiry       *time.Timer
	dispenseWait *time.Timer
}

// Orchestrator carries a purchase from intent to physical fulfillment.
type Orchestrator struct {
	cfg     Config
	lg      *zap.Logger
	orders  order.Repository
	slots   product.Repository
	gateway payment.Gateway
	bus     dispense.Bus

	mu      sync.Mutex
	watches map[string]*watch

	// baseCtx parents the per-order poll loops so shutdown stops them all.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New creates an Orchestrator. Call Close on shutdown to release timers and
// poll loops.
func New(cfg Config, lg *zap.Logger, orders order.Repository, slots product.Repository,
	gateway payment.Gateway, bus dispense.Bus,
) *Orchestrator {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		lg:         lg,
		orders:     orders,
		slots:      slots,
		gateway:    gateway,
		bus:        bus,
		watches:    make(map[string]*watch),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Close stops every per-order timer and poll loop.
func (o *Orchestrator) Close() {
	o.baseCancel()
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, w := range o.watches {
		stopWatch(w)
		delete(o.watches, id)
	}
}

// CreateOrderRequest is the purchase intent.
type CreateOrderRequest struct {
	Items []CreateOrderItem
	// CustomerPhone is optional, forwarded to the payment gateway.
	CustomerPhone string
}

// CreateOrderItem selects a machine slot and quantity.
type CreateOrderItem struct {
	Slot     int
	Quantity int
}

// CreateOrder validates and prices the purchase, persists a PENDING order,
// and arms its expiry timer and gateway poll watcher.
func (o *Orchestrator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*order.Order, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}
	slotNums := make([]int, len(req.Items))
	// Stock is checked against the summed quantity per slot, not per line:
	// two lines for the same slot draw from the same stock.
	needed := make(map[int]int, len(req.Items))
	for i, it := range req.Items {
		if it.Quantity <= 0 {
			return nil, &InvalidQuantityError{Slot: it.Slot}
		}
		slotNums[i] = it.Slot
		needed[it.Slot] += it.Quantity
	}

	slots, err := o.slots.GetSlots(ctx, o.cfg.MachineID, slotNums)
	if err != nil {
		return nil, errors.Wrap(err, "resolve slots")
	}
	bySlot := make(map[int]product.Slot, len(slots))
	for _, s := range slots {
		bySlot[s.Slot] = s
	}

	now := time.Now()
	items := make([]order.Item, len(req.Items))
	total := decimal.Zero
	for i, it := range req.Items {
		s, ok := bySlot[it.Slot]
		if !ok {
			return nil, errors.Wrapf(product.ErrSlotNotFound, "slot %d", it.Slot)
		}
		if s.Stock < needed[it.Slot] {
			return nil, errors.Wrapf(product.ErrOutOfStock, "slot %d", it.Slot)
		}
		items[i] = order.Item{
			Slot:      s.Slot,
			ProductID: s.ProductID,
			Name:      s.Name,
			Quantity:  it.Quantity,
			UnitPrice: s.Price,
		}
		total = total.Add(s.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}

	ord := &order.Order{
		ID:            newOrderID(),
		MachineID:     o.cfg.MachineID,
		Items:         items,
		Total:         total,
		Status:        order.StatusPending,
		CustomerPhone: req.CustomerPhone,
		CreatedAt:     now,
		ExpiresAt:     now.Add(o.cfg.OrderTTL),
	}
	if err := o.orders.Create(ctx, ord); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	o.armPending(ord.ID, ord.ExpiresAt)
	o.lg.Info("Order created",
		zap.String("order_id", ord.ID),
		zap.String("total", ord.Total.String()),
		zap.Time("expires_at", ord.ExpiresAt))
	return ord, nil
}

// GetOrder returns the current ledger record.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	return o.orders.GetByID(ctx, orderID)
}

// CreateSession returns the hosted payment session for an order, creating it
// on first call and resuming the cached token afterwards. A gateway
// duplicate-session rejection is recovered from the cache, never surfaced.
func (o *Orchestrator) CreateSession(ctx context.Context, orderID string) (*payment.Session, error) {
	ord, err := o.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.PaymentToken != "" {
		return &payment.Session{Token: ord.PaymentToken, RedirectURL: ord.PaymentRedirectURL}, nil
	}

	items := make([]payment.SessionItem, len(ord.Items))
	for i, it := range ord.Items {
		items[i] = payment.SessionItem{
			ID:       it.ProductID,
			Name:     it.Name,
			Price:    it.UnitPrice,
			Quantity: it.Quantity,
		}
	}
	sess, err := o.gateway.CreateSession(ctx, payment.SessionRequest{
		OrderID:       ord.ID,
		Amount:        ord.Total,
		Items:         items,
		CustomerPhone: ord.CustomerPhone,
	})
	if errors.Is(err, payment.ErrDuplicateSession) {
		// Another caller created the session between our read and the
		// gateway call. Its token is in the ledger by now, or will not be:
		// re-read once and give up only if the cache is still empty.
		fresh, rerr := o.orders.GetByID(ctx, orderID)
		if rerr == nil && fresh.PaymentToken != "" {
			return &payment.Session{Token: fresh.PaymentToken, RedirectURL: fresh.PaymentRedirectURL}, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := o.orders.SavePaymentSession(ctx, ord.ID, sess.Token, sess.RedirectURL); err != nil {
		// The session exists at the gateway; losing the cache only costs a
		// recovery round trip on the next call.
		o.lg.Warn("Failed to cache payment session", zap.String("order_id", ord.ID), zap.Error(err))
	}
	return sess, nil
}

// CheckPayment queries the gateway once and funnels the answer through
// OnSettlementSignal. This is the client pull path; the webhook is the push
// path. A transaction the gateway does not know yet reads as pending.
func (o *Orchestrator) CheckPayment(ctx context.Context, orderID string) (payment.StatusResult, error) {
	res, err := o.gateway.Status(ctx, orderID)
	if errors.Is(err, payment.ErrTransactionNotFound) {
		return payment.StatusResult{OrderID: orderID, TransactionStatus: payment.StatusPending}, nil
	}
	if err != nil {
		return payment.StatusResult{}, err
	}
	o.OnSettlementSignal(ctx, orderID, res)
	return res, nil
}

// OnSettlementSignal is the single entry point for settlement reports from
// both racing channels (gateway webhook and status poll). Duplicate and
// out-of-order signals are harmless: every effect sits behind a CAS.
func (o *Orchestrator) OnSettlementSignal(ctx context.Context, orderID string, res payment.StatusResult) {
	// The signal may originate from the order's own poll loop, and winning
	// the PAID edge cancels that loop. Detach so the dispense dispatch is
	// not cancelled along with it.
	ctx = context.WithoutCancel(ctx)

	switch {
	case res.Settled():
		err := o.orders.Transition(ctx, orderID, order.StatusPending, order.StatusPaid,
			order.TransitionUpdate{PaidAt: time.Now()})
		switch {
		case err == nil:
			o.lg.Info("Order paid", zap.String("order_id", orderID),
				zap.String("gateway_status", res.TransactionStatus))
			o.releasePending(orderID)
		case errors.Is(err, order.ErrAlreadyTransitioned):
			// Lost the PAID race, or the order was already further along.
			// Fall through: the DISPENSING CAS below stays exactly-once.
		case errors.Is(err, order.ErrNotFound):
			o.lg.Debug("Settlement for unknown order", zap.String("order_id", orderID))
			return
		default:
			o.lg.Error("Paid transition failed", zap.String("order_id", orderID), zap.Error(err))
			return
		}
		if err := o.dispatchDispense(ctx, orderID); err != nil {
			o.lg.Error("Dispense dispatch failed", zap.String("order_id", orderID), zap.Error(err))
		}

	case res.TransactionStatus == payment.StatusDeny || res.TransactionStatus == payment.StatusCancel:
		o.resolvePending(ctx, orderID, order.StatusFailed, res.TransactionStatus)

	case res.TransactionStatus == payment.StatusExpire:
		o.resolvePending(ctx, orderID, order.StatusExpired, res.TransactionStatus)

	default:
		// pending / unknown / capture-under-challenge: no transition.
	}
}

// resolvePending applies a PENDING → terminal edge for a failed or expired
// payment and releases the order's watchers on success.
func (o *Orchestrator) resolvePending(ctx context.Context, orderID string, to order.Status, reason string) {
	err := o.orders.Transition(ctx, orderID, order.StatusPending, to,
		order.TransitionUpdate{Reason: "payment " + reason})
	switch {
	case err == nil:
		o.lg.Info("Order resolved without payment",
			zap.String("order_id", orderID),
			zap.String("status", string(to)),
			zap.String("reason", reason))
		o.releasePending(orderID)
	case errors.Is(err, order.ErrAlreadyTransitioned), errors.Is(err, order.ErrNotFound):
		// Settled first, or already resolved. Nothing to do.
	default:
		o.lg.Error("Resolve transition failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// dispatchDispense claims the PAID → DISPENSING edge and, only on winning
// it, publishes the dispense command and starts the bounded result wait.
// Safe to call any number of times for the same order.
func (o *Orchestrator) dispatchDispense(ctx context.Context, orderID string) error {
	// Load before claiming the edge. A read failure here leaves the order
	// PAID, where TriggerDispense or a restart can retry the claim; a read
	// failure after a won claim would park it in DISPENSING with no deadline.
	ord, err := o.orders.GetByID(ctx, orderID)
	if errors.Is(err, order.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load order for dispense")
	}

	err = o.orders.Transition(ctx, orderID, order.StatusPaid, order.StatusDispensing,
		order.TransitionUpdate{})
	if errors.Is(err, order.ErrAlreadyTransitioned) || errors.Is(err, order.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "claim dispense")
	}

	// The bounded wait starts the moment DISPENSING begins. Arm it before the
	// publish so no failure from here on can strand the order.
	o.armDispenseWait(ord.ID)

	cmd := dispense.Command{OrderID: ord.ID}
	for _, it := range ord.Items {
		cmd.Items = append(cmd.Items, dispense.CommandItem{Slot: it.Slot, Quantity: it.Quantity})
	}
	if len(cmd.Items) > 0 {
		cmd.Slot = cmd.Items[0].Slot
		cmd.Quantity = cmd.Items[0].Quantity
	}

	if err := o.bus.PublishCommand(ctx, ord.MachineID, cmd); err != nil {
		// The claim is ours but the command never left. Fail the order now;
		// the customer paid, so flag it refund-eligible.
		o.lg.Error("Dispense command publish failed", zap.String("order_id", ord.ID), zap.Error(err))
		o.failDispensing(context.WithoutCancel(ctx), ord.ID, "publish failed")
		return errors.Wrap(err, "publish dispense command")
	}

	o.lg.Info("Dispense command published",
		zap.String("order_id", ord.ID),
		zap.String("machine_id", ord.MachineID),
		zap.Int("slots", len(cmd.Items)))
	return nil
}

// HandleDispenseResult correlates one bus result to the local ledger. The
// message is applied only when the order is currently DISPENSING for that
// exact id; anything else (other machines' orders, duplicates, late
// arrivals) is dropped with a debug log.
func (o *Orchestrator) HandleDispenseResult(ctx context.Context, res dispense.Result) {
	ord, err := o.orders.GetByID(ctx, res.OrderID)
	if errors.Is(err, order.ErrNotFound) {
		o.lg.Debug("Dispense result for unknown order", zap.String("order_id", res.OrderID))
		return
	}
	if err != nil {
		o.lg.Error("Dispense result lookup failed", zap.String("order_id", res.OrderID), zap.Error(err))
		return
	}
	if ord.Status != order.StatusDispensing {
		o.lg.Debug("Dispense result ignored",
			zap.String("order_id", res.OrderID),
			zap.String("status", string(ord.Status)))
		return
	}

	if !res.Success {
		o.failDispensing(ctx, ord.ID, "machine reported failure")
		return
	}

	err = o.orders.Transition(ctx, ord.ID, order.StatusDispensing, order.StatusCompleted,
		order.TransitionUpdate{DispensedAt: time.Now()})
	switch {
	case err == nil:
		o.releaseWatch(ord.ID)
		o.lg.Info("Order completed", zap.String("order_id", ord.ID))
		o.deductStock(ctx, ord)
	case errors.Is(err, order.ErrAlreadyTransitioned):
		o.lg.Debug("Duplicate dispense result", zap.String("order_id", ord.ID))
	default:
		o.lg.Error("Complete transition failed", zap.String("order_id", ord.ID), zap.Error(err))
	}
}

// Cancel attempts the PENDING → CANCELLED edge. Idempotent and safe to call
// any number of times: once the order has settled or otherwise resolved, it
// reports the current status as a no-op instead of an error.
func (o *Orchestrator) Cancel(ctx context.Context, orderID string) (order.Status, error) {
	err := o.orders.Transition(ctx, orderID, order.StatusPending, order.StatusCancelled,
		order.TransitionUpdate{Reason: "cancelled by customer"})
	switch {
	case err == nil:
		o.releasePending(orderID)
		o.lg.Info("Order cancelled", zap.String("order_id", orderID))
		return order.StatusCancelled, nil
	case errors.Is(err, order.ErrAlreadyTransitioned):
		ord, gerr := o.orders.GetByID(ctx, orderID)
		if gerr != nil {
			return "", gerr
		}
		o.lg.Debug("Cancel after resolution is a no-op",
			zap.String("order_id", orderID),
			zap.String("status", string(ord.Status)))
		return ord.Status, nil
	default:
		return "", err
	}
}

// TriggerDispense re-runs the PAID → DISPENSING attempt for an order. A
// retry surface for stuck clients; a no-op unless the order is exactly PAID.
func (o *Orchestrator) TriggerDispense(ctx context.Context, orderID string) error {
	return o.dispatchDispense(ctx, orderID)
}

// Restore re-arms watchers for non-terminal orders after a restart: PENDING
// orders get their expiry and poll loop back (or are expired outright),
// PAID orders retry the dispense claim, DISPENSING orders get a fresh
// result-wait window.
func (o *Orchestrator) Restore(ctx context.Context) error {
	active, err := o.orders.ListActive(ctx)
	if err != nil {
		return errors.Wrap(err, "list active orders")
	}
	for i := range active {
		ord := &active[i]
		switch ord.Status {
		case order.StatusPending:
			if !time.Now().Before(ord.ExpiresAt) {
				o.expire(ord.ID)
				continue
			}
			o.armPending(ord.ID, ord.ExpiresAt)
		case order.StatusPaid:
			if err := o.dispatchDispense(ctx, ord.ID); err != nil {
				o.lg.Error("Restore dispense failed", zap.String("order_id", ord.ID), zap.Error(err))
			}
		case order.StatusDispensing:
			o.armDispenseWait(ord.ID)
		}
	}
	o.lg.Info("Restored active orders", zap.Int("count", len(active)))
	return nil
}

// --- timers and poll watchers ---

// armPending starts the expiry timer and the gateway poll loop for a fresh
// or restored PENDING order.
func (o *Orchestrator) armPending(orderID string, expiresAt time.Time) {
	pollCtx, cancel := context.WithCancel(o.baseCtx)

	o.mu.Lock()
	if prev, ok := o.watches[orderID]; ok {
		stopWatch(prev)
	}
	o.watches[orderID] = &watch{
		cancelPoll: cancel,
		expiry: time.AfterFunc(time.Until(expiresAt), func() {
			o.expire(orderID)
		}),
	}
	o.mu.Unlock()

	go o.pollLoop(pollCtx, orderID)
}

// pollLoop asks the gateway for settlement on a fixed cadence while the
// order is PENDING. Gateway unavailability is retried on the next tick and
// never fails the order.
func (o *Orchestrator) pollLoop(ctx context.Context, orderID string) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := o.gateway.Status(ctx, orderID)
		switch {
		case errors.Is(err, payment.ErrTransactionNotFound):
			continue // customer has not started paying
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			o.lg.Debug("Gateway poll failed, will retry",
				zap.String("order_id", orderID), zap.Error(err))
			continue
		}
		o.OnSettlementSignal(ctx, orderID, res)
	}
}

// expire forces the PENDING → EXPIRED edge when the order's deadline passes
// with no settlement.
func (o *Orchestrator) expire(orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := o.orders.Transition(ctx, orderID, order.StatusPending, order.StatusExpired,
		order.TransitionUpdate{Reason: "payment window elapsed"})
	switch {
	case err == nil:
		o.releasePending(orderID)
		o.lg.Info("Order expired", zap.String("order_id", orderID))
	case errors.Is(err, order.ErrAlreadyTransitioned), errors.Is(err, order.ErrNotFound):
		// Settled or cancelled before the timer fired.
	default:
		o.lg.Error("Expire transition failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// armDispenseWait starts the bounded hardware wait. If the machine never
// answers, the order fails refund-eligible rather than waiting forever.
func (o *Orchestrator) armDispenseWait(orderID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, ok := o.watches[orderID]
	if !ok {
		w = &watch{}
		o.watches[orderID] = w
	}
	if w.dispenseWait != nil {
		w.dispenseWait.Stop()
	}
	w.dispenseWait = time.AfterFunc(o.cfg.DispenseWait, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		o.failDispensing(ctx, orderID, "dispense timeout")
	})
}

// failDispensing applies DISPENSING → FAILED with the refund flag. The CAS
// makes a double fire (timeout racing a late result) a no-op.
func (o *Orchestrator) failDispensing(ctx context.Context, orderID, reason string) {
	err := o.orders.Transition(ctx, orderID, order.StatusDispensing, order.StatusFailed,
		order.TransitionUpdate{RefundEligible: true, Reason: reason})
	switch {
	case err == nil:
		o.releaseWatch(orderID)
		o.lg.Warn("Order failed, refund eligible",
			zap.String("order_id", orderID),
			zap.String("reason", reason))
	case errors.Is(err, order.ErrAlreadyTransitioned), errors.Is(err, order.ErrNotFound):
		// Result arrived first, or a previous timeout already fired. The
		// watch entry may have been re-added by a wait racing that result;
		// drop it either way.
		o.releaseWatch(orderID)
	default:
		o.lg.Error("Fail transition failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// releasePending stops the poll loop and the expiry timer. Called once the
// order leaves PENDING by any edge.
func (o *Orchestrator) releasePending(orderID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.watches[orderID]
	if !ok {
		return
	}
	if w.cancelPoll != nil {
		w.cancelPoll()
		w.cancelPoll = nil
	}
	if w.expiry != nil {
		w.expiry.Stop()
		w.expiry = nil
	}
	if w.dispenseWait == nil {
		delete(o.watches, orderID)
	}
}

// releaseWatch drops every remaining resource for an order. Called on
// terminal states after payment.
func (o *Orchestrator) releaseWatch(orderID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if w, ok := o.watches[orderID]; ok {
		stopWatch(w)
		delete(o.watches, orderID)
	}
}

func stopWatch(w *watch) {
	if w.cancelPoll != nil {
		w.cancelPoll()
	}
	if w.expiry != nil {
		w.expiry.Stop()
	}
	if w.dispenseWait != nil {
		w.dispenseWait.Stop()
	}
}

// deductStock reflects the physical release in the slot inventory. Best
// effort: a failure here must not un-complete the order.
func (o *Orchestrator) deductStock(ctx context.Context, ord *order.Order) {
	for _, it := range ord.Items {
		if err := o.slots.DeductStock(ctx, ord.MachineID, it.Slot, it.Quantity); err != nil {
			o.lg.Warn("Stock deduction failed",
				zap.String("order_id", ord.ID),
				zap.Int("slot", it.Slot),
				zap.Error(err))
		}
	}
}

// newOrderID builds ids like ORDER-1717244400123-4F2A9C1B, matching the
// format the gateway dashboard sorts by creation time.
func newOrderID() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("ORDER-%d-%s", time.Now().UnixMilli(), suffix)
}
