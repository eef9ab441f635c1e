// Package payments wraps the external payment provider: order creation,
// status polling and signed webhook notifications.
package payments

import (
	"context"
	"errors"
	"net/http"
)

var ErrOrderNotFound = errors.New("provider order not found")

// Provider-side order statuses, normalized to the local vocabulary.
const (
	StatusPending   = "PENDING"
	StatusPaid      = "PAID"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// Order is the provider's view of a charge.
type Order struct {
	Ref         string
	AmountCents int64
	Currency    string
	Status      string
}

// Notification is a decoded, signature-verified webhook payload.
type Notification struct {
	OrderRef string
	Status   string
}

// Client defines the payment provider operations the billing layer consumes.
type Client interface {
	CreateOrder(ctx context.Context, amountCents int64, currency, customer string) (*Order, error)
	FetchOrder(ctx context.Context, ref string) (*Order, error)
	// VerifyWebhook checks the notification signature and decodes the body.
	// It mutates nothing; a bad signature is an error.
	VerifyWebhook(body []byte, headers http.Header) (*Notification, error)
	Close() error
}
