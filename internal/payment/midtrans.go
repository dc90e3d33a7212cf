package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// Default Midtrans endpoints. Snap (session creation) and the Core API
// (status queries) live on different hosts.
const (
	SandboxSnapBaseURL = "https://app.sandbox.midtrans.com"
	SandboxAPIBaseURL  = "https://api.sandbox.midtrans.com"

	ProductionSnapBaseURL = "https://app.midtrans.com"
	ProductionAPIBaseURL  = "https://api.midtrans.com"
)

// MidtransConfig configures the Midtrans client.
type MidtransConfig struct {
	ServerKey   string
	SnapBaseURL string
	APIBaseURL  string
	// NotificationURL is passed on session creation so the gateway knows
	// where to deliver webhooks.
	NotificationURL string
	// FinishURL is where the hosted page redirects after payment.
	FinishURL string
	// Timeout bounds each HTTP call. Defaults to 10s.
	Timeout time.Duration
}

// MidtransClient implements Gateway against the Midtrans Snap and Core APIs.
type MidtransClient struct {
	cfg  MidtransConfig
	http *http.Client
}

var _ Gateway = (*MidtransClient)(nil)

// NewMidtransClient creates a Midtrans-backed Gateway.
func NewMidtransClient(cfg MidtransConfig) *MidtransClient {
	if cfg.SnapBaseURL == "" {
		cfg.SnapBaseURL = SandboxSnapBaseURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = SandboxAPIBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &MidtransClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type snapTransactionReq struct {
	TransactionDetails struct {
		OrderID     string `json:"order_id"`
		GrossAmount int64  `json:"gross_amount"`
	} `json:"transaction_details"`
	ItemDetails []snapItem `json:"item_details,omitempty"`
	CustomerDetails *struct {
		Phone string `json:"phone,omitempty"`
	} `json:"customer_details,omitempty"`
	Callbacks *struct {
		Finish string `json:"finish,omitempty"`
	} `json:"callbacks,omitempty"`
	NotificationURL string `json:"notification_url,omitempty"`
}

type snapItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

type snapTransactionResp struct {
	Token         string   `json:"token"`
	RedirectURL   string   `json:"redirect_url"`
	ErrorMessages []string `json:"error_messages"`
}

// CreateSession creates a Snap transaction for the order and returns its
// token and redirect URL.
func (c *MidtransClient) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	var body snapTransactionReq
	body.TransactionDetails.OrderID = req.OrderID
	// Midtrans wants whole-rupiah integer amounts.
	body.TransactionDetails.GrossAmount = req.Amount.IntPart()
	for _, it := range req.Items {
		body.ItemDetails = append(body.ItemDetails, snapItem{
			ID:       it.ID,
			Name:     it.Name,
			Price:    it.Price.IntPart(),
			Quantity: it.Quantity,
		})
	}
	if req.CustomerPhone != "" {
		body.CustomerDetails = &struct {
			Phone string `json:"phone,omitempty"`
		}{Phone: req.CustomerPhone}
	}
	if c.cfg.FinishURL != "" {
		body.Callbacks = &struct {
			Finish string `json:"finish,omitempty"`
		}{Finish: c.cfg.FinishURL}
	}
	body.NotificationURL = c.cfg.NotificationURL

	var resp snapTransactionResp
	status, err := c.do(ctx, http.MethodPost, c.cfg.SnapBaseURL+"/snap/v1/transactions", body, &resp)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusCreated || status == http.StatusOK:
		return &Session{Token: resp.Token, RedirectURL: resp.RedirectURL}, nil
	case isDuplicateOrderError(resp.ErrorMessages):
		return nil, errors.Wrapf(ErrDuplicateSession, "order %s", req.OrderID)
	default:
		return nil, errors.Errorf("snap create: status %d: %s", status, strings.Join(resp.ErrorMessages, "; "))
	}
}

type transactionStatusResp struct {
	StatusCode        string `json:"status_code"`
	OrderID           string `json:"order_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	GrossAmount       string `json:"gross_amount"`
}

// Status queries the Core API for the transaction's current state. A 404
// means the customer has not started paying yet and maps to
// ErrTransactionNotFound; callers usually treat that as still pending.
func (c *MidtransClient) Status(ctx context.Context, orderID string) (StatusResult, error) {
	var resp transactionStatusResp
	status, err := c.do(ctx, http.MethodGet, c.cfg.APIBaseURL+"/v2/"+orderID+"/status", nil, &resp)
	if err != nil {
		return StatusResult{}, err
	}

	switch status {
	case http.StatusOK:
		return StatusResult{
			OrderID:           resp.OrderID,
			TransactionStatus: resp.TransactionStatus,
			FraudStatus:       resp.FraudStatus,
			StatusCode:        resp.StatusCode,
			GrossAmount:       resp.GrossAmount,
		}, nil
	case http.StatusNotFound:
		return StatusResult{}, errors.Wrapf(ErrTransactionNotFound, "order %s", orderID)
	default:
		return StatusResult{}, errors.Errorf("transaction status: unexpected status %d", status)
	}
}

// do performs an authenticated JSON round trip. Network errors and 5xx
// responses map to ErrGatewayUnavailable so callers can retry on the next
// poll tick.
func (c *MidtransClient) do(ctx context.Context, method, url string, in, out any) (int, error) {
	var rd io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, errors.Wrap(err, "marshal request")
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, errors.Wrap(err, "build request")
	}
	req.SetBasicAuth(c.cfg.ServerKey, "")
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrap(ErrGatewayUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, errors.Wrapf(ErrGatewayUnavailable, "status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, errors.Wrap(err, "decode response")
	}
	return resp.StatusCode, nil
}

// isDuplicateOrderError matches the gateway's "order_id has already been
// taken" style rejection (wording varies across API versions).
func isDuplicateOrderError(msgs []string) bool {
	for _, m := range msgs {
		lower := strings.ToLower(m)
		if strings.Contains(lower, "order_id") &&
			(strings.Contains(lower, "not unique") ||
				strings.Contains(lower, "already") ||
				strings.Contains(lower, "sudah digunakan")) {
			return true
		}
	}
	return false
}
