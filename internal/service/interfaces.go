package service

import (
	"context"
	"time"

	"food-payments/internal/models"
	"food-payments/internal/tasks"
)

// OrderStore persists orders. UpdateOrder is a compare-and-swap on
// Order.Version and returns errs.ErrStale when it loses.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
}

// PaymentStore persists gateway payment attempts. UpdatePayment only writes
// when the stored gateway status still equals expected.
type PaymentStore interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Payment, error)
	GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment, expected models.PaymentStatus) error
}

type Store interface {
	OrderStore
	PaymentStore
}

// TaskScheduler is the producer side of the deferred task runtime
type TaskScheduler interface {
	Enqueue(ctx context.Context, kind tasks.Kind, payload tasks.Payload, delay time.Duration) (string, error)
	Revoke(ctx context.Context, id string) error
	State(ctx context.Context, id string) (tasks.State, error)
	Inspect(ctx context.Context) (*tasks.Snapshot, error)
	PurgeAll(ctx context.Context) (int, error)
}

// Locker hands out expiring leases. *redisclient.Client satisfies it.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ExtendLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error
}
