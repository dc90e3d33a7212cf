package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/hoescodes/vendo/internal/domain/order"
	"github.com/hoescodes/vendo/internal/domain/product"
	"github.com/hoescodes/vendo/internal/orchestrator"
)

type createOrderRequest struct {
	Items []struct {
		Slot     int `json:"slot"`
		Quantity int `json:"quantity"`
	} `json:"items"`
	CustomerPhone string `json:"customerPhone"`
}

type orderItemResponse struct {
	Slot      int    `json:"slot"`
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
}

type orderResponse struct {
	ID             string              `json:"id"`
	MachineID      string              `json:"machineId"`
	Items          []orderItemResponse `json:"items"`
	Total          string              `json:"total"`
	Status         string              `json:"status"`
	CreatedAt      time.Time           `json:"createdAt"`
	ExpiresAt      time.Time           `json:"expiresAt"`
	PaidAt         *time.Time          `json:"paidAt,omitempty"`
	DispensedAt    *time.Time          `json:"dispensedAt,omitempty"`
	RefundEligible bool                `json:"refundEligible"`
	CancelReason   string              `json:"cancelReason,omitempty"`
	PaymentToken   string              `json:"paymentToken,omitempty"`
	RedirectURL    string              `json:"redirectUrl,omitempty"`
}

func toOrderResponse(o *order.Order) orderResponse {
	resp := orderResponse{
		ID:             o.ID,
		MachineID:      o.MachineID,
		Items:          make([]orderItemResponse, len(o.Items)),
		Total:          o.Total.StringFixed(2),
		Status:         string(o.Status),
		CreatedAt:      o.CreatedAt,
		ExpiresAt:      o.ExpiresAt,
		RefundEligible: o.RefundEligible,
		CancelReason:   o.CancelReason,
		PaymentToken:   o.PaymentToken,
		RedirectURL:    o.PaymentRedirectURL,
	}
	for i, it := range o.Items {
		resp.Items[i] = orderItemResponse{
			Slot:      it.Slot,
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.StringFixed(2),
		}
	}
	if !o.PaidAt.IsZero() {
		t := o.PaidAt
		resp.PaidAt = &t
	}
	if !o.DispensedAt.IsZero() {
		t := o.DispensedAt
		resp.DispensedAt = &t
	}
	return resp
}

// createOrder registers a purchase intent and returns the PENDING order.
func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := readJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	items := make([]orchestrator.CreateOrderItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = orchestrator.CreateOrderItem{Slot: it.Slot, Quantity: it.Quantity}
	}

	o, err := h.orch.CreateOrder(r.Context(), orchestrator.CreateOrderRequest{
		Items:         items,
		CustomerPhone: req.CustomerPhone,
	})
	if err != nil {
		h.mapCreateOrderError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toOrderResponse(o))
}

func (h *Handler) mapCreateOrderError(w http.ResponseWriter, err error) {
	var iqErr *orchestrator.InvalidQuantityError
	switch {
	case errors.Is(err, orchestrator.ErrEmptyItems):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &iqErr):
		h.writeError(w, http.StatusUnprocessableEntity, iqErr.Error())
	case errors.Is(err, product.ErrSlotNotFound):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, product.ErrOutOfStock):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.lg.Error("Create order failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// getOrder returns the current ledger record. The kiosk client polls this to
// drive its screen.
func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orch.GetOrder(r.Context(), r.PathValue("id"))
	if errors.Is(err, order.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		h.lg.Error("Get order failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// cancelOrder abandons a PENDING order. Idempotent: repeating the call, or
// cancelling an order that already resolved, reports the current status.
func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := h.orch.Cancel(r.Context(), id)
	if errors.Is(err, order.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		h.lg.Error("Cancel order failed", zap.String("order_id", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": string(st),
	})
}
