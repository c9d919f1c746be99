package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

// Order statuses
const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusQueued     OrderStatus = "QUEUED"
	OrderStatusPaid       OrderStatus = "PAID"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusFulfilled  OrderStatus = "FULFILLED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusFailed     OrderStatus = "FAILED"
	OrderStatusRefunded   OrderStatus = "REFUNDED"
)

type PaymentStatus string

// Payment statuses mirror the gateway vocabulary.
const (
	PaymentStatusCreated   PaymentStatus = "CREATED"
	PaymentStatusApproved  PaymentStatus = "APPROVED"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusVoided    PaymentStatus = "VOIDED"
)

// PaymentMethodPayPal is the only gateway wired today.
const PaymentMethodPayPal = "PAYPAL"

// Fulfillment types
const (
	FulfillmentPickup   = "pickup"
	FulfillmentDelivery = "delivery"
	FulfillmentDineIn   = "dine_in"
)

// Order represents a customer order
type Order struct {
	ID              int64           `db:"id" json:"id"`
	UserID          int64           `db:"user_id" json:"user_id"`
	Content         string          `db:"content" json:"content"`
	Total           decimal.Decimal `db:"total" json:"total"`
	Currency        string          `db:"currency" json:"currency"`
	Status          OrderStatus     `db:"status" json:"status"`
	TaskID          string          `db:"task_id" json:"task_id,omitempty"`
	PaymentID       *int64          `db:"payment_id" json:"payment_id,omitempty"`
	FulfillmentType string          `db:"fulfillment_type" json:"fulfillment_type"`
	Address         string          `db:"address" json:"address,omitempty"`
	Notes           string          `db:"notes" json:"notes,omitempty"`
	IdempotencyKey  *string         `db:"idempotency_key" json:"-"`
	Version         int64           `db:"version" json:"version"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Payment represents one gateway payment attempt for an order
type Payment struct {
	ID               int64         `db:"id" json:"id"`
	OrderID          int64         `db:"order_id" json:"order_id"`
	Method           string        `db:"method" json:"method"`
	GatewayOrderID   string        `db:"gateway_order_id" json:"gateway_order_id"`
	GatewayCaptureID string        `db:"gateway_capture_id" json:"gateway_capture_id,omitempty"`
	GatewayStatus    PaymentStatus `db:"gateway_status" json:"gateway_status"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
}

// OrderSummary is the list view returned for a user's orders
type OrderSummary struct {
	ID              int64           `json:"id"`
	Status          OrderStatus     `json:"status"`
	Total           decimal.Decimal `json:"total"`
	FulfillmentType string          `json:"fulfillment_type"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Summary projects an order into its list view.
func (o *Order) Summary() OrderSummary {
	return OrderSummary{
		ID:              o.ID,
		Status:          o.Status,
		Total:           o.Total,
		FulfillmentType: o.FulfillmentType,
		CreatedAt:       o.CreatedAt,
	}
}
