package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// Capture statuses reported by the gateway. Anything other than
// StatusCompleted is a non-success outcome.
const (
	StatusCompleted = "COMPLETED"
	StatusVoided    = "VOIDED"
)

// CreatedOrder is a gateway payment intent awaiting buyer approval
type CreatedOrder struct {
	ID          string
	Status      string
	ApprovalURL string
}

// Capture is the gateway's answer to a capture request
type Capture struct {
	OrderID   string
	Status    string
	CaptureID string
}

func (c *Capture) Completed() bool {
	return c != nil && c.Status == StatusCompleted
}

// Gateway is the payment provider. Implementations classify failures with
// errs.Gateway so callers can tell transient from terminal errors.
type Gateway interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency string) (*CreatedOrder, error)
	CaptureOrder(ctx context.Context, gatewayOrderID string) (*Capture, error)
	// LookupOrder reports the order's state at the gateway. A Completed result
	// means the money was taken.
	LookupOrder(ctx context.Context, gatewayOrderID string) (*Capture, error)
	VoidOrder(ctx context.Context, gatewayOrderID string) error
}
