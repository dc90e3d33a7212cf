// Package payment talks to the hosted payment gateway (Midtrans). It creates
// Snap sessions, queries settlement status, and parses webhook notifications.
package payment

import (
	"context"
	"crypto/sha512"
	"encoding/hex"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Gateway transaction statuses as reported by Midtrans.
const (
	StatusSettlement = "settlement"
	StatusCapture    = "capture"
	StatusPending    = "pending"
	StatusDeny       = "deny"
	StatusCancel     = "cancel"
	StatusExpire     = "expire"
)

// Fraud statuses attached to capture notifications.
const (
	FraudAccept    = "accept"
	FraudChallenge = "challenge"
)

// Sentinel errors for gateway calls.
var (
	// ErrGatewayUnavailable covers network failures and 5xx responses.
	// Transient: the next poll tick retries; the order is not failed.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrDuplicateSession means the gateway rejected a second session
	// creation for the same order reference. Recovered via the cached token.
	ErrDuplicateSession = errors.New("duplicate payment session")
	// ErrTransactionNotFound means the gateway has no transaction for the
	// order yet (the customer has not opened the payment page).
	ErrTransactionNotFound = errors.New("transaction not found")
)

// SessionItem is one priced line forwarded to the gateway.
type SessionItem struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Quantity int
}

// SessionRequest holds the input for creating a hosted payment session.
type SessionRequest struct {
	OrderID       string
	Amount        decimal.Decimal
	Items         []SessionItem
	CustomerPhone string
}

// Session is the gateway's payment artifact: the Snap token and the URL the
// customer's device renders (as a QR code on the kiosk).
type Session struct {
	Token       string
	RedirectURL string
}

// StatusResult is the gateway's view of a transaction.
type StatusResult struct {
	OrderID           string
	TransactionStatus string
	FraudStatus       string
	StatusCode        string
	GrossAmount       string
}

// Settled reports whether the result represents confirmed funds capture.
// A capture still under fraud review does not count.
func (r StatusResult) Settled() bool {
	switch r.TransactionStatus {
	case StatusSettlement:
		return true
	case StatusCapture:
		return r.FraudStatus != FraudChallenge
	default:
		return false
	}
}

// Gateway abstracts the payment provider for the orchestrator.
type Gateway interface {
	// CreateSession creates a hosted session for the order. Gateways reject a
	// second creation for the same reference, so callers must check their
	// cached token first and treat ErrDuplicateSession as recoverable.
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)

	// Status returns the gateway's current transaction status for the order.
	Status(ctx context.Context, orderID string) (StatusResult, error)
}

// Notification is the webhook payload Midtrans posts on status changes.
type Notification struct {
	OrderID           string `json:"order_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
}

// VerifySignature checks the notification's signature_key:
// sha512(order_id + status_code + gross_amount + serverKey).
func (n Notification) VerifySignature(serverKey string) bool {
	sum := sha512.Sum512([]byte(n.OrderID + n.StatusCode + n.GrossAmount + serverKey))
	return hex.EncodeToString(sum[:]) == n.SignatureKey
}
