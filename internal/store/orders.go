package store

import (
	"context"
	"database/sql"
	"fmt"

	"food-payments/internal/errs"
	"food-payments/internal/models"
)

const orderColumns = `id, user_id, content, total, currency, status, task_id, payment_id,
	fulfillment_type, address, notes, idempotency_key, version, created_at, updated_at`

// CreateOrder inserts a new order and fills in its generated columns
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, content, total, currency, status, task_id,
			fulfillment_type, address, notes, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, version, created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		order.UserID, order.Content, order.Total, order.Currency, order.Status, order.TaskID,
		order.FulfillmentType, order.Address, order.Notes, order.IdempotencyKey,
	).Scan(&order.ID, &order.Version, &order.CreatedAt, &order.UpdatedAt)
	if isUniqueViolation(err) {
		return conflict(err, "order with this idempotency key already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("order %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %d: %w", id, err)
	}
	return &order, nil
}

// GetOrderByIdempotencyKey returns nil when no order carries key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1", key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user, newest first
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders for user %d: %w", userID, err)
	}
	return orders, nil
}

// UpdateOrder writes status, task_id and payment_id if the row still carries
// order.Version. On success order.Version is bumped; a lost race returns
// errs.ErrStale and the caller must re-read.
func (s *Store) UpdateOrder(ctx context.Context, order *models.Order) error {
	query := `
		UPDATE orders
		SET status = $1, task_id = $2, payment_id = $3, version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5
		RETURNING version, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		order.Status, order.TaskID, order.PaymentID, order.ID, order.Version,
	).Scan(&order.Version, &order.UpdatedAt)
	if err == sql.ErrNoRows {
		return errs.ErrStale
	}
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", order.ID, err)
	}
	return nil
}
