package service

import (
	"context"
	"errors"
	"fmt"

	"food-payments/internal/errs"
	"food-payments/internal/models"
	"food-payments/internal/tasks"
	"food-payments/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderService handles order business logic. It owns the user-driven status
// transitions and hands payment work to the orchestrator.
type OrderService struct {
	store     Store
	payments  *PaymentOrchestrator
	scheduler TaskScheduler
	events    EventPublisher
	leases    *orderLeases
	currency  string
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	store Store,
	payments *PaymentOrchestrator,
	scheduler TaskScheduler,
	locker Locker,
	events EventPublisher,
	currency string,
) *OrderService {
	logger := util.Component("orders")
	return &OrderService{
		store:     store,
		payments:  payments,
		scheduler: scheduler,
		events:    events,
		leases:    newOrderLeases(locker, payments.cfg.LockTTL, logger),
		currency:  currency,
		validate:  validator.New(),
		logger:    logger,
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	UserID          int64           `json:"user_id" validate:"required,gt=0"`
	Content         string          `json:"content" validate:"required"`
	Total           decimal.Decimal `json:"total"`
	FulfillmentType string          `json:"fulfillment_type" validate:"required,oneof=pickup delivery dine_in"`
	Address         string          `json:"address" validate:"required_if=FulfillmentType delivery"`
	Notes           string          `json:"notes"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID int64              `json:"order_id"`
	Status  models.OrderStatus `json:"status"`
	TaskID  string             `json:"task_id,omitempty"`
}

// OrderDetails is an order with its payment attempts
type OrderDetails struct {
	Order    *models.Order    `json:"order"`
	Payments []models.Payment `json:"payments"`
}

// OrderStatusView is what polling clients see
type OrderStatusView struct {
	OrderID   int64              `json:"order_id"`
	Status    models.OrderStatus `json:"status"`
	TaskID    string             `json:"task_id,omitempty"`
	PaymentID *int64             `json:"payment_id,omitempty"`
	TaskState tasks.State        `json:"task_state,omitempty"`
}

// CreateOrder persists a PENDING order and starts payment. If payment cannot
// be started the order is kept as FAILED and still returned without error.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if err := s.validateRequest(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("order_id", existing.ID))
			return responseFor(existing), nil
		}
	}

	order := &models.Order{
		UserID:          req.UserID,
		Content:         req.Content,
		Total:           req.Total,
		Currency:        s.currency,
		Status:          models.OrderStatusPending,
		FulfillmentType: req.FulfillmentType,
		Address:         req.Address,
		Notes:           req.Notes,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		if errs.Is(err, errs.CodeConflict) && order.IdempotencyKey != nil {
			// Lost the race with a concurrent request carrying the same key.
			if existing, gerr := s.store.GetOrderByIdempotencyKey(ctx, *order.IdempotencyKey); gerr == nil && existing != nil {
				return responseFor(existing), nil
			}
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	span.SetAttributes(attribute.Int64("order_id", order.ID))
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.String("total", order.Total.StringFixed(2)))
	publishOrderEvent(ctx, s.events, s.logger, models.EventTypeOrderCreated, order, nil)

	result, err := s.payments.EnqueuePayment(ctx, order.ID, order.UserID, order.Total, order.Currency)
	if err != nil {
		s.logger.Error("Failed to start payment",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		if ferr := s.leases.with(ctx, order.ID, func(ctx context.Context) error {
			return s.payments.failOrder(ctx, order.ID, "enqueue_failed")
		}); ferr != nil {
			s.logger.Error("Failed to mark order failed", zap.Int64("order_id", order.ID), zap.Error(ferr))
		}
		return &CreateOrderResponse{OrderID: order.ID, Status: models.OrderStatusFailed}, nil
	}

	return &CreateOrderResponse{
		OrderID: order.ID,
		Status:  models.OrderStatusQueued,
		TaskID:  result.TaskID,
	}, nil
}

// GetOrder retrieves an order and its payment attempts
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	payments, err := s.store.GetPaymentsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	return &OrderDetails{Order: order, Payments: payments}, nil
}

// GetOrderStatus reports the order status and, when a task is attached, the
// broker's view of it. A broker outage degrades to an empty task state.
func (s *OrderService) GetOrderStatus(ctx context.Context, orderID int64) (*OrderStatusView, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrderStatus")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	view := &OrderStatusView{
		OrderID:   order.ID,
		Status:    order.Status,
		TaskID:    order.TaskID,
		PaymentID: order.PaymentID,
	}
	if order.TaskID != "" {
		state, err := s.scheduler.State(ctx, order.TaskID)
		if err != nil {
			s.logger.Warn("Failed to look up task state",
				zap.Int64("order_id", orderID),
				zap.String("task_id", order.TaskID),
				zap.Error(err))
		} else {
			view.TaskState = state
		}
	}
	return view, nil
}

// CancelOrder cancels an order that has not been paid. Revoking the pending
// task is advisory; the task's own guard sees CANCELLED and does nothing.
func (s *OrderService) CancelOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder",
		attribute.Int64("order_id", orderID))
	defer span.End()

	var order *models.Order
	err := s.leases.with(ctx, orderID, func(ctx context.Context) error {
		current, err := s.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}
		switch current.Status {
		case models.OrderStatusPaid:
			return alreadyPaid(current)
		case models.OrderStatusFailed:
			return errs.InvalidState("order %d has failed", orderID)
		case models.OrderStatusCancelled:
			order = current
			return nil
		}
		if resumed, err := s.payments.resumePaid(ctx, current, s.logger); err != nil {
			return err
		} else if resumed {
			paid, err := s.store.GetOrderByID(ctx, orderID)
			if err != nil {
				return err
			}
			return alreadyPaid(paid)
		}

		if current.TaskID != "" {
			if err := s.scheduler.Revoke(ctx, current.TaskID); err != nil {
				s.logger.Warn("Failed to revoke task",
					zap.Int64("order_id", orderID),
					zap.String("task_id", current.TaskID),
					zap.Error(err))
			}
		}

		order, err = s.payments.cancelOrder(ctx, orderID, "user")
		if err != nil {
			return err
		}
		s.payments.AbandonPayments(ctx, orderID)
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return order, nil
}

// GetUserOrders lists a user's orders, newest first
func (s *OrderService) GetUserOrders(ctx context.Context, userID int64) ([]models.OrderSummary, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetUserOrders")
	defer span.End()

	orders, err := s.store.GetOrdersByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.OrderSummary, 0, len(orders))
	for i := range orders {
		summaries = append(summaries, orders[i].Summary())
	}
	return summaries, nil
}

func (s *OrderService) validateRequest(req *CreateOrderRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				details[fe.Field()] = fe.Tag()
			}
			return errs.Validation(err, "invalid order request").WithDetails(details)
		}
		return errs.Validation(err, "invalid order request")
	}
	if !req.Total.IsPositive() {
		return errs.Validation(nil, "invalid order request").WithDetails(map[string]string{"Total": "gt"})
	}
	return nil
}

func responseFor(order *models.Order) *CreateOrderResponse {
	return &CreateOrderResponse{OrderID: order.ID, Status: order.Status, TaskID: order.TaskID}
}
