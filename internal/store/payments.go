package store

import (
	"context"
	"database/sql"
	"fmt"

	"food-payments/internal/errs"
	"food-payments/internal/models"
)

const paymentColumns = `id, order_id, method, gateway_order_id, gateway_capture_id, gateway_status, created_at`

// CreatePayment creates a new payment record. A reused gateway order id is a CONFLICT.
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, method, gateway_order_id, gateway_capture_id, gateway_status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := s.db.QueryRowxContext(ctx, query,
		payment.OrderID, payment.Method, payment.GatewayOrderID, payment.GatewayCaptureID, payment.GatewayStatus,
	).Scan(&payment.ID, &payment.CreatedAt)
	if isUniqueViolation(err) {
		return conflict(err, "payment for gateway order %s already exists", payment.GatewayOrderID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// GetPaymentByGatewayOrderID looks a payment up by the gateway's order id
func (s *Store) GetPaymentByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payments WHERE gateway_order_id = $1", gatewayOrderID)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("payment for gateway order %s not found", gatewayOrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment %s: %w", gatewayOrderID, err)
	}
	return &payment, nil
}

// GetPaymentsByOrderID returns every payment attempt for an order, oldest first
func (s *Store) GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error) {
	payments := []models.Payment{}
	err := s.db.SelectContext(ctx, &payments,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY created_at, id", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments for order %d: %w", orderID, err)
	}
	return payments, nil
}

// UpdatePayment writes the gateway status and capture id if the row is still
// in expected. A lost race returns errs.ErrStale.
func (s *Store) UpdatePayment(ctx context.Context, payment *models.Payment, expected models.PaymentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET gateway_status = $1, gateway_capture_id = $2
		 WHERE id = $3 AND gateway_status = $4`,
		payment.GatewayStatus, payment.GatewayCaptureID, payment.ID, expected)
	if isUniqueViolation(err) {
		return conflict(err, "order %d already has a completed payment", payment.OrderID)
	}
	if err != nil {
		return fmt.Errorf("failed to update payment %d: %w", payment.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrStale
	}
	return nil
}
