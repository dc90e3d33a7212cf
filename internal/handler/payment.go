package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/hoescodes/vendo/internal/domain/order"
	"github.com/hoescodes/vendo/internal/payment"
)

type createSessionRequest struct {
	OrderID string `json:"orderId"`
}

type sessionResponse struct {
	OrderID     string `json:"orderId"`
	Token       string `json:"token"`
	RedirectURL string `json:"redirectUrl"`
}

type paymentStatusResponse struct {
	OrderID           string `json:"orderId"`
	TransactionStatus string `json:"transactionStatus"`
	Settled           bool   `json:"settled"`
}

// createSession returns the hosted payment session for an order, creating it
// on first call. Safe to repeat: the cached token is resumed, never
// duplicated.
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := readJSON(r, &req); err != nil || req.OrderID == "" {
		h.writeError(w, http.StatusBadRequest, "orderId required")
		return
	}

	sess, err := h.orch.CreateSession(r.Context(), req.OrderID)
	switch {
	case errors.Is(err, order.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	case errors.Is(err, payment.ErrGatewayUnavailable):
		h.writeError(w, http.StatusBadGateway, "payment gateway unavailable")
		return
	case err != nil:
		h.lg.Error("Create payment session failed",
			zap.String("order_id", req.OrderID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.writeJSON(w, http.StatusOK, sessionResponse{
		OrderID:     req.OrderID,
		Token:       sess.Token,
		RedirectURL: sess.RedirectURL,
	})
}

// paymentStatus is the client pull path: it asks the gateway directly and
// lets a settlement answer drive the state machine, so payment is detected
// even when the webhook never arrives.
func (h *Handler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	res, err := h.orch.CheckPayment(r.Context(), id)
	if errors.Is(err, payment.ErrGatewayUnavailable) {
		h.writeError(w, http.StatusBadGateway, "payment gateway unavailable")
		return
	}
	if err != nil {
		h.lg.Error("Payment status check failed", zap.String("order_id", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.writeJSON(w, http.StatusOK, paymentStatusResponse{
		OrderID:           id,
		TransactionStatus: res.TransactionStatus,
		Settled:           res.Settled(),
	})
}

// paymentWebhook is the gateway push path. It always acknowledges with 200 so
// the gateway stops retrying; a notification that fails signature
// verification is dropped, not applied.
func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	var n payment.Notification
	if err := readJSON(r, &n); err != nil {
		h.lg.Warn("Malformed webhook payload", zap.Error(err))
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if !n.VerifySignature(h.cfg.ServerKey) {
		h.lg.Warn("Webhook signature mismatch", zap.String("order_id", n.OrderID))
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	h.lg.Info("Webhook notification",
		zap.String("order_id", n.OrderID),
		zap.String("transaction_status", n.TransactionStatus))

	h.orch.OnSettlementSignal(r.Context(), n.OrderID, payment.StatusResult{
		OrderID:           n.OrderID,
		TransactionStatus: n.TransactionStatus,
		FraudStatus:       n.FraudStatus,
		StatusCode:        n.StatusCode,
		GrossAmount:       n.GrossAmount,
	})

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
