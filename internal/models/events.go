package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated   = "ORDER_CREATED"
	EventTypeOrderQueued    = "ORDER_QUEUED"
	EventTypeOrderPaid      = "ORDER_PAID"
	EventTypeOrderSettled   = "ORDER_SETTLED"
	EventTypeOrderCancelled = "ORDER_CANCELLED"
	EventTypeOrderFailed    = "ORDER_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderEvent is published on every order lifecycle transition
type OrderEvent struct {
	BaseEvent
	OrderID        int64           `json:"order_id"`
	UserID         int64           `json:"user_id"`
	Status         OrderStatus     `json:"status"`
	Total          decimal.Decimal `json:"total"`
	Currency       string          `json:"currency,omitempty"`
	PaymentID      *int64          `json:"payment_id,omitempty"`
	GatewayOrderID string          `json:"gateway_order_id,omitempty"`
	TaskID         string          `json:"task_id,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}
