package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/hoescodes/vendo/internal/dispense"
	"github.com/hoescodes/vendo/internal/domain/order"
)

type triggerDispenseRequest struct {
	OrderID string `json:"orderId"`
}

// triggerDispense re-attempts the dispense claim for a paid order. A retry
// surface for stuck clients; harmless when the order already moved on.
func (h *Handler) triggerDispense(w http.ResponseWriter, r *http.Request) {
	var req triggerDispenseRequest
	if err := readJSON(r, &req); err != nil || req.OrderID == "" {
		h.writeError(w, http.StatusBadRequest, "orderId required")
		return
	}

	if err := h.orch.TriggerDispense(r.Context(), req.OrderID); err != nil {
		if errors.Is(err, order.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.lg.Error("Trigger dispense failed", zap.String("order_id", req.OrderID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	o, err := h.orch.GetOrder(r.Context(), req.OrderID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     o.ID,
		"status": string(o.Status),
	})
}

type simulateResultRequest struct {
	OrderID string `json:"orderId"`
	Success bool   `json:"success"`
}

// simulateResult publishes a synthetic machine result on the real bus topic,
// exercising the full subscribe/correlate path without hardware. Registered
// only in debug mode.
func (h *Handler) simulateResult(w http.ResponseWriter, r *http.Request) {
	if h.sim == nil {
		h.writeError(w, http.StatusNotFound, "not found")
		return
	}

	var req simulateResultRequest
	if err := readJSON(r, &req); err != nil || req.OrderID == "" {
		h.writeError(w, http.StatusBadRequest, "orderId required")
		return
	}

	res := dispense.Result{
		OrderID:   req.OrderID,
		Success:   req.Success,
		Timestamp: time.Now(),
	}
	if err := h.sim.PublishResult(r.Context(), h.cfg.MachineID, res); err != nil {
		h.lg.Error("Simulated result publish failed", zap.String("order_id", req.OrderID), zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "bus publish failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "published"})
}
