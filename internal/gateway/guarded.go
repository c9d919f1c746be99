package gateway

import (
	"context"
	"errors"

	"food-payments/internal/breaker"
	"food-payments/internal/errs"

	"github.com/shopspring/decimal"
)

var errCircuitOpen = errors.New("circuit open")

// Guarded fails fast with SERVICE_UNAVAILABLE while the breaker is open.
// Only retriable failures count against the breaker: a terminal rejection
// still proves the gateway is reachable.
type Guarded struct {
	next    Gateway
	breaker *breaker.Breaker
}

func NewGuarded(next Gateway, b *breaker.Breaker) *Guarded {
	return &Guarded{next: next, breaker: b}
}

func (g *Guarded) CreateOrder(ctx context.Context, total decimal.Decimal, currency string) (*CreatedOrder, error) {
	var created *CreatedOrder
	err := g.call(func() error {
		var err error
		created, err = g.next.CreateOrder(ctx, total, currency)
		return err
	})
	return created, err
}

func (g *Guarded) CaptureOrder(ctx context.Context, gatewayOrderID string) (*Capture, error) {
	var capture *Capture
	err := g.call(func() error {
		var err error
		capture, err = g.next.CaptureOrder(ctx, gatewayOrderID)
		return err
	})
	return capture, err
}

func (g *Guarded) LookupOrder(ctx context.Context, gatewayOrderID string) (*Capture, error) {
	var capture *Capture
	err := g.call(func() error {
		var err error
		capture, err = g.next.LookupOrder(ctx, gatewayOrderID)
		return err
	})
	return capture, err
}

func (g *Guarded) VoidOrder(ctx context.Context, gatewayOrderID string) error {
	return g.call(func() error {
		return g.next.VoidOrder(ctx, gatewayOrderID)
	})
}

func (g *Guarded) call(fn func() error) error {
	if !g.breaker.Allow() {
		return errs.Unavailable(errCircuitOpen, "payment gateway unavailable")
	}
	err := fn()
	if err != nil && errs.IsRetryable(err) {
		g.breaker.RecordFailure()
		return err
	}
	g.breaker.RecordSuccess()
	return err
}
