package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"food-payments/internal/errs"
	"food-payments/internal/models"
)

// MemoryStore keeps orders and payments in process memory with the same
// compare-and-swap and uniqueness rules as Store. It backs local runs
// without PostgreSQL.
type MemoryStore struct {
	mu          sync.Mutex
	orders      map[int64]models.Order
	payments    map[int64]models.Payment
	nextOrder   int64
	nextPayment int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: map[int64]models.Order{}, payments: map[int64]models.Payment{}}
}

func (s *MemoryStore) CreateOrder(_ context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.IdempotencyKey != nil {
		for _, o := range s.orders {
			if o.IdempotencyKey != nil && *o.IdempotencyKey == *order.IdempotencyKey {
				return errs.Conflict("duplicate idempotency key")
			}
		}
	}
	s.nextOrder++
	order.ID = s.nextOrder
	order.Version = 1
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	s.orders[order.ID] = *order
	return nil
}

func (s *MemoryStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, errs.NotFound("order %d not found", id)
	}
	return &o, nil
}

func (s *MemoryStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orders {
		if o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			found := o
			return &found, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetOrdersByUserID(_ context.Context, userID int64) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.Order{}
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.orders[order.ID]
	if !ok || stored.Version != order.Version {
		return errs.ErrStale
	}
	order.Version++
	order.UpdatedAt = time.Now()
	s.orders[order.ID] = *order
	return nil
}

func (s *MemoryStore) CreatePayment(_ context.Context, payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if p.GatewayOrderID == payment.GatewayOrderID {
			return errs.Conflict("payment for gateway order %s already exists", payment.GatewayOrderID)
		}
	}
	s.nextPayment++
	payment.ID = s.nextPayment
	payment.CreatedAt = time.Now()
	s.payments[payment.ID] = *payment
	return nil
}

func (s *MemoryStore) GetPaymentByGatewayOrderID(_ context.Context, gatewayOrderID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if p.GatewayOrderID == gatewayOrderID {
			found := p
			return &found, nil
		}
	}
	return nil, errs.NotFound("payment for gateway order %s not found", gatewayOrderID)
}

func (s *MemoryStore) GetPaymentsByOrderID(_ context.Context, orderID int64) ([]models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.Payment{}
	for _, p := range s.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdatePayment(_ context.Context, payment *models.Payment, expected models.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.payments[payment.ID]
	if !ok || stored.GatewayStatus != expected {
		return errs.ErrStale
	}
	if payment.GatewayStatus == models.PaymentStatusCompleted {
		for _, p := range s.payments {
			if p.ID != payment.ID && p.OrderID == payment.OrderID && p.GatewayStatus == models.PaymentStatusCompleted {
				return errs.Conflict("order %d already has a completed payment", payment.OrderID)
			}
		}
	}
	s.payments[payment.ID] = *payment
	return nil
}


func (s *MemoryStore) Ping(context.Context) error { return nil }
