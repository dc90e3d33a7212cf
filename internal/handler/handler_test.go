package handler

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hoescodes/vendo/internal/dispense"
	"github.com/hoescodes/vendo/internal/domain/order"
	"github.com/hoescodes/vendo/internal/orchestrator"
	"github.com/hoescodes/vendo/internal/payment"
)

type fakeOrchestrator struct {
	createOrderFn func(orchestrator.CreateOrderRequest) (*order.Order, error)
	getOrderFn    func(string) (*order.Order, error)
	cancelFn      func(string) (order.Status, error)
	sessionFn     func(string) (*payment.Session, error)
	checkFn       func(string) (payment.StatusResult, error)
	signals       []payment.StatusResult
	triggered     []string
	triggerErr    error
}

func (f *fakeOrchestrator) CreateOrder(_ context.Context, req orchestrator.CreateOrderRequest) (*order.Order, error) {
	return f.createOrderFn(req)
}

func (f *fakeOrchestrator) GetOrder(_ context.Context, id string) (*order.Order, error) {
	return f.getOrderFn(id)
}

func (f *fakeOrchestrator) Cancel(_ context.Context, id string) (order.Status, error) {
	return f.cancelFn(id)
}

func (f *fakeOrchestrator) CreateSession(_ context.Context, id string) (*payment.Session, error) {
	return f.sessionFn(id)
}

func (f *fakeOrchestrator) CheckPayment(_ context.Context, id string) (payment.StatusResult, error) {
	return f.checkFn(id)
}

func (f *fakeOrchestrator) OnSettlementSignal(_ context.Context, _ string, res payment.StatusResult) {
	f.signals = append(f.signals, res)
}

func (f *fakeOrchestrator) TriggerDispense(_ context.Context, id string) error {
	f.triggered = append(f.triggered, id)
	return f.triggerErr
}

type fakePublisher struct {
	results []dispense.Result
	err     error
}

func (f *fakePublisher) PublishResult(_ context.Context, _ string, res dispense.Result) error {
	if f.err != nil {
		return f.err
	}
	f.results = append(f.results, res)
	return nil
}

func testOrder() *order.Order {
	return &order.Order{
		ID:        "ORDER-1",
		MachineID: "VM01",
		Items: []order.Item{
			{Slot: 4, ProductID: "p-water", Name: "Mineral Water", Quantity: 1, UnitPrice: decimal.NewFromInt(15000)},
		},
		Total:     decimal.NewFromInt(15000),
		Status:    order.StatusPending,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}
}

func newTestHandler(t *testing.T, orch *fakeOrchestrator, cfg Config, sim ResultPublisher) http.Handler {
	t.Helper()
	return NewHandler(cfg, zaptest.NewLogger(t), orch, sim).Routes()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateOrder(t *testing.T) {
	orch := &fakeOrchestrator{
		createOrderFn: func(req orchestrator.CreateOrderRequest) (*order.Order, error) {
			require.Len(t, req.Items, 1)
			assert.Equal(t, 4, req.Items[0].Slot)
			return testOrder(), nil
		},
	}
	h := newTestHandler(t, orch, Config{}, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/orders", map[string]any{
		"items": []map[string]int{{"slot": 4, "quantity": 1}},
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp orderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ORDER-1", resp.ID)
	assert.Equal(t, "PENDING", resp.Status)
	assert.Equal(t, "15000.00", resp.Total)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "15000.00", resp.Items[0].UnitPrice)
}

func TestCreateOrder_Validation(t *testing.T) {
	orch := &fakeOrchestrator{
		createOrderFn: func(orchestrator.CreateOrderRequest) (*order.Order, error) {
			return nil, orchestrator.ErrEmptyItems
		},
	}
	h := newTestHandler(t, orch, Config{}, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/orders", map[string]any{"items": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	orch.createOrderFn = func(orchestrator.CreateOrderRequest) (*order.Order, error) {
		return nil, &orchestrator.InvalidQuantityError{Slot: 4}
	}
	rec = doJSON(t, h, http.MethodPost, "/api/orders", map[string]any{
		"items": []map[string]int{{"slot": 4, "quantity": 0}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetOrder_NotFound(t *testing.T) {
	orch := &fakeOrchestrator{
		getOrderFn: func(string) (*order.Order, error) { return nil, order.ErrNotFound },
	}
	h := newTestHandler(t, orch, Config{}, nil)

	rec := doJSON(t, h, http.MethodGet, "/api/orders/ORDER-MISSING", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelOrder(t *testing.T) {
	orch := &fakeOrchestrator{
		cancelFn: func(id string) (order.Status, error) {
			assert.Equal(t, "ORDER-1", id)
			return order.StatusCancelled, nil
		},
	}
	h := newTestHandler(t, orch, Config{}, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/orders/ORDER-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "CANCELLED", resp["status"])
}

func TestCreateSession(t *testing.T) {
	orch := &fakeOrchestrator{
		sessionFn: func(id string) (*payment.Session, error) {
			return &payment.Session{Token: "tok-1", RedirectURL: "https://pay/tok-1"}, nil
		},
	}
	h := newTestHandler(t, orch, Config{}, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/payments/session", map[string]string{"orderId": "ORDER-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "tok-1", resp.Token)
}

func TestCreateSession_GatewayDown(t *testing.T) {
	orch := &fakeOrchestrator{
		sessionFn: func(string) (*payment.Session, error) {
			return nil, payment.ErrGatewayUnavailable
		},
	}
	h := newTestHandler(t, orch, Config{}, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/payments/session", map[string]string{"orderId": "ORDER-1"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPaymentStatus(t *testing.T) {
	orch := &fakeOrchestrator{
		checkFn: func(id string) (payment.StatusResult, error) {
			return payment.StatusResult{OrderID: id, TransactionStatus: payment.StatusSettlement}, nil
		},
	}
	h := newTestHandler(t, orch, Config{}, nil)

	rec := doJSON(t, h, http.MethodGet, "/api/payments/status/ORDER-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp paymentStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Settled)
}

func signWebhook(n *payment.Notification, serverKey string) {
	sum := sha512.Sum512([]byte(n.OrderID + n.StatusCode + n.GrossAmount + serverKey))
	n.SignatureKey = hex.EncodeToString(sum[:])
}

func TestPaymentWebhook(t *testing.T) {
	orch := &fakeOrchestrator{}
	h := newTestHandler(t, orch, Config{ServerKey: "sk-test"}, nil)

	n := payment.Notification{
		OrderID:           "ORDER-1",
		TransactionStatus: payment.StatusSettlement,
		StatusCode:        "200",
		GrossAmount:       "15000.00",
	}
	signWebhook(&n, "sk-test")

	rec := doJSON(t, h, http.MethodPost, "/api/payments/webhook", n)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, orch.signals, 1)
	assert.Equal(t, payment.StatusSettlement, orch.signals[0].TransactionStatus)
}

// A forged notification is acknowledged so the sender stops retrying, but it
// must not reach the state machine.
func TestPaymentWebhook_BadSignature(t *testing.T) {
	orch := &fakeOrchestrator{}
	h := newTestHandler(t, orch, Config{ServerKey: "sk-test"}, nil)

	n := payment.Notification{
		OrderID:           "ORDER-1",
		TransactionStatus: payment.StatusSettlement,
		StatusCode:        "200",
		GrossAmount:       "15000.00",
		SignatureKey:      "forged",
	}

	rec := doJSON(t, h, http.MethodPost, "/api/payments/webhook", n)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, orch.signals)
}

func TestTriggerDispense(t *testing.T) {
	o := testOrder()
	o.Status = order.StatusDispensing
	orch := &fakeOrchestrator{
		getOrderFn: func(string) (*order.Order, error) { return o, nil },
	}
	h := newTestHandler(t, orch, Config{}, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/dispense/trigger", map[string]string{"orderId": "ORDER-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ORDER-1"}, orch.triggered)
}

func TestSimulateResult_DebugOnly(t *testing.T) {
	orch := &fakeOrchestrator{}
	sim := &fakePublisher{}

	// Debug off: the route does not exist.
	h := newTestHandler(t, orch, Config{MachineID: "VM01"}, sim)
	rec := doJSON(t, h, http.MethodPost, "/api/debug/dispense/simulate-result",
		map[string]any{"orderId": "ORDER-1", "success": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, sim.results)

	// Debug on: the synthetic result goes out on the bus.
	h = newTestHandler(t, orch, Config{MachineID: "VM01", Debug: true}, sim)
	rec = doJSON(t, h, http.MethodPost, "/api/debug/dispense/simulate-result",
		map[string]any{"orderId": "ORDER-1", "success": true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sim.results, 1)
	assert.Equal(t, "ORDER-1", sim.results[0].OrderID)
	assert.True(t, sim.results[0].Success)
}
