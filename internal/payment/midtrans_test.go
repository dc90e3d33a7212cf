package payment

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*MidtransClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewMidtransClient(MidtransConfig{
		ServerKey:   "SB-Mid-server-test",
		SnapBaseURL: srv.URL,
		APIBaseURL:  srv.URL,
	}), srv
}

func TestCreateSession(t *testing.T) {
	var gotBody map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/snap/v1/transactions", r.URL.Path)
		user, _, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "SB-Mid-server-test", user)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"token":        "snap-token-1",
			"redirect_url": "https://app.sandbox.midtrans.com/snap/v4/redirection/snap-token-1",
		})
	}))

	sess, err := client.CreateSession(context.Background(), SessionRequest{
		OrderID: "ORDER-1",
		Amount:  decimal.NewFromInt(15000),
		Items: []SessionItem{
			{ID: "p1", Name: "Mineral Water", Price: decimal.NewFromInt(15000), Quantity: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "snap-token-1", sess.Token)
	assert.Contains(t, sess.RedirectURL, "snap-token-1")

	td, ok := gotBody["transaction_details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ORDER-1", td["order_id"])
	assert.EqualValues(t, 15000, td["gross_amount"])
}

func TestCreateSession_DuplicateOrderID(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error_messages": []string{"transaction_details.order_id sudah digunakan"},
		})
	}))

	_, err := client.CreateSession(context.Background(), SessionRequest{
		OrderID: "ORDER-1",
		Amount:  decimal.NewFromInt(15000),
	})
	require.ErrorIs(t, err, ErrDuplicateSession)
}

func TestStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/ORDER-1/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status_code":        "200",
			"order_id":           "ORDER-1",
			"transaction_status": "settlement",
			"fraud_status":       "accept",
			"gross_amount":       "15000.00",
		})
	}))

	res, err := client.Status(context.Background(), "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSettlement, res.TransactionStatus)
	assert.True(t, res.Settled())
}

func TestStatus_NotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"status_code": "404"})
	}))

	_, err := client.Status(context.Background(), "ORDER-1")
	require.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestStatus_GatewayUnavailable(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	_, err := client.Status(context.Background(), "ORDER-1")
	require.ErrorIs(t, err, ErrGatewayUnavailable)

	// Connection refused maps the same way.
	srv.Close()
	_, err = client.Status(context.Background(), "ORDER-1")
	require.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestStatusResultSettled(t *testing.T) {
	cases := []struct {
		txStatus, fraud string
		want            bool
	}{
		{StatusSettlement, "", true},
		{StatusCapture, FraudAccept, true},
		{StatusCapture, FraudChallenge, false},
		{StatusPending, "", false},
		{StatusDeny, "", false},
	}
	for _, tc := range cases {
		r := StatusResult{TransactionStatus: tc.txStatus, FraudStatus: tc.fraud}
		assert.Equal(t, tc.want, r.Settled(), "%s/%s", tc.txStatus, tc.fraud)
	}
}

func TestNotificationVerifySignature(t *testing.T) {
	n := Notification{
		OrderID:           "ORDER-1",
		StatusCode:        "200",
		GrossAmount:       "15000.00",
		TransactionStatus: StatusSettlement,
	}
	sum := sha512.Sum512([]byte("ORDER-1" + "200" + "15000.00" + "server-key"))
	n.SignatureKey = hex.EncodeToString(sum[:])

	assert.True(t, n.VerifySignature("server-key"))
	assert.False(t, n.VerifySignature("wrong-key"))
}
