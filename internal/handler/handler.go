// Package handler exposes the kiosk HTTP API: order creation and status for
// the on-machine client, payment session and webhook endpoints for the
// gateway, and debug surfaces for bench testing.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/hoescodes/vendo/internal/dispense"
	"github.com/hoescodes/vendo/internal/domain/order"
	"github.com/hoescodes/vendo/internal/orchestrator"
	"github.com/hoescodes/vendo/internal/payment"
)

// Orchestrator is the slice of the order orchestrator the HTTP layer needs.
type Orchestrator interface {
	CreateOrder(ctx context.Context, req orchestrator.CreateOrderRequest) (*order.Order, error)
	GetOrder(ctx context.Context, orderID string) (*order.Order, error)
	Cancel(ctx context.Context, orderID string) (order.Status, error)
	CreateSession(ctx context.Context, orderID string) (*payment.Session, error)
	CheckPayment(ctx context.Context, orderID string) (payment.StatusResult, error)
	OnSettlementSignal(ctx context.Context, orderID string, res payment.StatusResult)
	TriggerDispense(ctx context.Context, orderID string) error
}

// ResultPublisher injects synthetic dispense results onto the hardware bus.
// Debug only.
type ResultPublisher interface {
	PublishResult(ctx context.Context, machineID string, res dispense.Result) error
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// MachineID names the kiosk the debug simulator targets.
	MachineID string
	// ServerKey verifies gateway webhook signatures.
	ServerKey string
	// Debug enables the simulate-result endpoint. Never in production.
	Debug bool
}

// Handler wires the HTTP routes to the orchestrator.
type Handler struct {
	cfg  Config
	lg   *zap.Logger
	orch Orchestrator
	sim  ResultPublisher
}

// NewHandler constructs a Handler. sim may be nil when Debug is off.
func NewHandler(cfg Config, lg *zap.Logger, orch Orchestrator, sim ResultPublisher) *Handler {
	return &Handler{cfg: cfg, lg: lg, orch: orch, sim: sim}
}

// Routes registers every endpoint on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/orders", h.createOrder)
	mux.HandleFunc("GET /api/orders/{id}", h.getOrder)
	mux.HandleFunc("POST /api/orders/{id}/cancel", h.cancelOrder)

	mux.HandleFunc("POST /api/payments/session", h.createSession)
	mux.HandleFunc("GET /api/payments/status/{id}", h.paymentStatus)
	mux.HandleFunc("POST /api/payments/webhook", h.paymentWebhook)

	mux.HandleFunc("POST /api/dispense/trigger", h.triggerDispense)
	if h.cfg.Debug {
		mux.HandleFunc("POST /api/debug/dispense/simulate-result", h.simulateResult)
	}

	return mux
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.lg.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Code: status, Message: msg})
}

// readJSON decodes the request body, rejecting unknown garbage early.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
