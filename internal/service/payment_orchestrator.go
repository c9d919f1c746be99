package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"food-payments/internal/errs"
	"food-payments/internal/gateway"
	"food-payments/internal/models"
	"food-payments/internal/retry"
	"food-payments/internal/tasks"
	"food-payments/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultGracePeriod    = 300 * time.Second
	defaultLockRetryDelay = 2 * time.Second
	maxStaleRetries       = 3
)

// PaymentConfig tunes the orchestrator
type PaymentConfig struct {
	// GracePeriod is how long a buyer has to approve before the finalize task runs.
	GracePeriod time.Duration
	LockTTL     time.Duration
	// LockRetryDelay is how long a task waits before retrying a busy order.
	LockRetryDelay time.Duration
	Retry          retry.Policy
}

// EnqueueOutcome tells callers whether EnqueuePayment scheduled new work
type EnqueueOutcome string

const (
	EnqueueQueued  EnqueueOutcome = "queued"
	EnqueueIgnored EnqueueOutcome = "ignored"
)

type EnqueueResult struct {
	Outcome EnqueueOutcome `json:"outcome"`
	TaskID  string         `json:"task_id,omitempty"`
}

type CreatePaymentResult struct {
	OrderID        int64  `json:"order_id"`
	PaymentID      int64  `json:"payment_id"`
	GatewayOrderID string `json:"paypal_order_id"`
	ApprovalURL    string `json:"approval_url"`
	TaskID         string `json:"task_id,omitempty"`
}

type CaptureResult struct {
	OrderID   int64              `json:"order_id"`
	PaymentID int64              `json:"payment_id"`
	Status    models.OrderStatus `json:"status"`
	CaptureID string             `json:"capture_id"`
}

// PaymentOrchestrator owns Payment records and every task-driven order
// transition. User-facing calls and task handlers serialize on a per-order
// lease; handlers additionally start with a terminal-state guard.
type PaymentOrchestrator struct {
	store     Store
	gateway   gateway.Gateway
	scheduler TaskScheduler
	events    EventPublisher
	leases    *orderLeases
	cfg       PaymentConfig
	logger    *zap.Logger
}

// NewPaymentOrchestrator creates a new payment orchestrator. events may be nil.
func NewPaymentOrchestrator(
	store Store,
	gw gateway.Gateway,
	scheduler TaskScheduler,
	locker Locker,
	events EventPublisher,
	cfg PaymentConfig,
) *PaymentOrchestrator {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = defaultLockRetryDelay
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default()
	}
	logger := util.Component("payments")
	return &PaymentOrchestrator{
		store:     store,
		gateway:   gw,
		scheduler: scheduler,
		events:    events,
		leases:    newOrderLeases(locker, cfg.LockTTL, logger),
		cfg:       cfg,
		logger:    logger,
	}
}

// EnqueuePayment schedules the finalize safety net for a PENDING order and
// moves it to QUEUED. Orders already QUEUED or PAID are ignored.
func (p *PaymentOrchestrator) EnqueuePayment(ctx context.Context, orderID, userID int64, total decimal.Decimal, currency string) (*EnqueueResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.EnqueuePayment",
		attribute.Int64("order_id", orderID))
	defer span.End()

	if !total.IsPositive() {
		return nil, errs.Validation(nil, "total must be positive")
	}

	var result *EnqueueResult
	err := p.leases.with(ctx, orderID, func(ctx context.Context) error {
		order, err := p.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == models.OrderStatusQueued || order.Status == models.OrderStatusPaid {
			p.logger.Info("Payment already enqueued",
				zap.Int64("order_id", orderID),
				zap.String("status", string(order.Status)),
				zap.String("task_id", order.TaskID))
			result = &EnqueueResult{Outcome: EnqueueIgnored, TaskID: order.TaskID}
			return nil
		}
		if order.Status != models.OrderStatusPending {
			return errs.InvalidState("order %d is %s", orderID, order.Status)
		}

		taskID, err := p.scheduler.Enqueue(ctx, tasks.KindFinalize, tasks.Payload{OrderID: orderID}, p.cfg.GracePeriod)
		if err != nil {
			return err
		}

		order, err = updateOrder(ctx, p.store, orderID, func(o *models.Order) (bool, error) {
			if err := moveTo(o, models.OrderStatusQueued); err != nil {
				return false, err
			}
			o.TaskID = taskID
			return true, nil
		})
		if err != nil {
			p.revoke(ctx, taskID)
			return err
		}

		util.OrdersQueuedTotal.Inc()
		p.logger.Info("Payment enqueued",
			zap.Int64("order_id", orderID),
			zap.Int64("user_id", userID),
			zap.String("task_id", taskID),
			zap.Duration("grace_period", p.cfg.GracePeriod))
		p.publish(ctx, models.EventTypeOrderQueued, order, func(e *models.OrderEvent) {
			e.Total = total
			e.Currency = currency
		})
		result = &EnqueueResult{Outcome: EnqueueQueued, TaskID: taskID}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return result, nil
}

// CreatePayment opens a gateway intent for the order's total and replaces the
// order's finalize task with one bound to the new intent. Earlier open
// intents for the order are voided.
func (p *PaymentOrchestrator) CreatePayment(ctx context.Context, orderID int64) (*CreatePaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.CreatePayment",
		attribute.Int64("order_id", orderID))
	defer span.End()

	var result *CreatePaymentResult
	err := p.leases.with(ctx, orderID, func(ctx context.Context) error {
		order, err := p.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == models.OrderStatusPaid {
			return alreadyPaid(order)
		}
		if order.Status.IsTerminal() {
			return errs.InvalidState("order %d is %s", orderID, order.Status)
		}

		previous, err := p.store.GetPaymentsByOrderID(ctx, orderID)
		if err != nil {
			return err
		}

		util.PaymentAttemptsTotal.Inc()
		created, err := p.gateway.CreateOrder(ctx, order.Total, order.Currency)
		if err != nil {
			return err
		}

		payment := &models.Payment{
			OrderID:        orderID,
			Method:         models.PaymentMethodPayPal,
			GatewayOrderID: created.ID,
			GatewayStatus:  models.PaymentStatusCreated,
		}
		if err := p.store.CreatePayment(ctx, payment); err != nil {
			return err
		}

		taskID, err := p.scheduler.Enqueue(ctx, tasks.KindFinalize,
			tasks.Payload{OrderID: orderID, GatewayOrderID: created.ID}, p.cfg.GracePeriod)
		if err != nil {
			return err
		}

		oldTaskID := order.TaskID
		order, err = updateOrder(ctx, p.store, orderID, func(o *models.Order) (bool, error) {
			if o.Status == models.OrderStatusPending {
				if err := moveTo(o, models.OrderStatusQueued); err != nil {
					return false, err
				}
			}
			o.TaskID = taskID
			return true, nil
		})
		if err != nil {
			p.revoke(ctx, taskID)
			return err
		}
		p.revoke(ctx, oldTaskID)

		for i := range previous {
			if previous[i].GatewayStatus.Open() {
				p.voidQuietly(ctx, &previous[i])
			}
		}

		p.logger.Info("Payment created",
			zap.Int64("order_id", orderID),
			zap.Int64("payment_id", payment.ID),
			zap.String("gateway_order_id", created.ID),
			zap.String("task_id", taskID))
		p.publish(ctx, models.EventTypeOrderQueued, order, func(e *models.OrderEvent) {
			e.GatewayOrderID = created.ID
		})

		result = &CreatePaymentResult{
			OrderID:        orderID,
			PaymentID:      payment.ID,
			GatewayOrderID: created.ID,
			ApprovalURL:    created.ApprovalURL,
			TaskID:         taskID,
		}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return result, nil
}

// CapturePayment captures an approved intent on the buyer's return. A second
// capture of a PAID order is rejected with INVALID_STATE and the existing
// payment id. On gateway failure the order stays QUEUED. A capture recorded
// on the payment but not yet on the order is finished without calling the
// gateway again.
func (p *PaymentOrchestrator) CapturePayment(ctx context.Context, gatewayOrderID string) (*CaptureResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.CapturePayment",
		attribute.String("gateway_order_id", gatewayOrderID))
	defer span.End()

	payment, err := p.store.GetPaymentByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	var result *CaptureResult
	err = p.leases.with(ctx, payment.OrderID, func(ctx context.Context) error {
		payment, err := p.store.GetPaymentByGatewayOrderID(ctx, gatewayOrderID)
		if err != nil {
			return err
		}
		order, err := p.store.GetOrderByID(ctx, payment.OrderID)
		if err != nil {
			return err
		}
		if order.Status == models.OrderStatusPaid {
			return alreadyPaid(order)
		}
		finish := func(captureID string) error {
			finalizeTaskID := order.TaskID
			paid, err := p.markPaid(ctx, order, payment, captureID)
			if err != nil {
				return err
			}
			p.revoke(ctx, finalizeTaskID)
			result = &CaptureResult{
				OrderID:   paid.ID,
				PaymentID: payment.ID,
				Status:    paid.Status,
				CaptureID: payment.GatewayCaptureID,
			}
			return nil
		}
		if payment.GatewayStatus == models.PaymentStatusCompleted && order.Status == models.OrderStatusQueued {
			p.logger.Warn("Finishing interrupted capture",
				zap.Int64("order_id", order.ID),
				zap.String("gateway_order_id", gatewayOrderID))
			return finish(payment.GatewayCaptureID)
		}
		if order.Status != models.OrderStatusQueued || !payment.GatewayStatus.Open() {
			return errs.InvalidState("payment %s cannot be captured: order is %s, payment is %s",
				gatewayOrderID, order.Status, payment.GatewayStatus)
		}

		var capture *gateway.Capture
		err = p.cfg.Retry.Do(ctx, "capture_order", func(ctx context.Context) error {
			var err error
			capture, err = p.gateway.CaptureOrder(ctx, gatewayOrderID)
			return err
		})
		if err != nil {
			p.logger.Warn("Capture failed",
				zap.Int64("order_id", order.ID),
				zap.String("gateway_order_id", gatewayOrderID),
				zap.Error(err))
			return err
		}
		if !capture.Completed() {
			return errs.Gateway(nil, false, fmt.Sprintf("capture returned status %s", capture.Status))
		}
		return finish(capture.CaptureID)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return result, nil
}

// CancelUserPayment voids the intent when the buyer backs out at the gateway
// and cancels the order.
func (p *PaymentOrchestrator) CancelUserPayment(ctx context.Context, gatewayOrderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.CancelUserPayment",
		attribute.String("gateway_order_id", gatewayOrderID))
	defer span.End()

	payment, err := p.store.GetPaymentByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	var order *models.Order
	err = p.leases.with(ctx, payment.OrderID, func(ctx context.Context) error {
		payment, err := p.store.GetPaymentByGatewayOrderID(ctx, gatewayOrderID)
		if err != nil {
			return err
		}
		order, err = p.store.GetOrderByID(ctx, payment.OrderID)
		if err != nil {
			return err
		}
		if order.Status == models.OrderStatusCancelled && !payment.GatewayStatus.Open() {
			return nil
		}
		if order.Status == models.OrderStatusPaid {
			return alreadyPaid(order)
		}
		if payment.GatewayStatus == models.PaymentStatusCompleted && order.Status == models.OrderStatusQueued {
			if order, err = p.markPaid(ctx, order, payment, payment.GatewayCaptureID); err != nil {
				return err
			}
			return alreadyPaid(order)
		}
		if order.Status.IsTerminal() && order.Status != models.OrderStatusCancelled {
			return errs.InvalidState("order %d is %s", order.ID, order.Status)
		}

		if payment.GatewayStatus.Open() {
			err := p.cfg.Retry.Do(ctx, "void_order", func(ctx context.Context) error {
				return p.gateway.VoidOrder(ctx, gatewayOrderID)
			})
			if err != nil {
				if errs.IsRetryable(err) {
					return err
				}
				capture, lerr := p.capturedAtGateway(ctx, gatewayOrderID, p.logger)
				if lerr != nil {
					return lerr
				}
				if capture == nil {
					return err
				}
				if order, err = p.markPaid(ctx, order, payment, capture.CaptureID); err != nil {
					return err
				}
				return alreadyPaid(order)
			}
			if err := advancePayment(ctx, p.store, payment, models.PaymentStatusVoided, ""); err != nil {
				return err
			}
		}

		order, err = p.cancelOrder(ctx, order.ID, "user")
		return err
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return order, nil
}

// AbandonPayments voids every open intent of an order. Failures are logged;
// the intents expire at the gateway on their own. Callers hold the order lease.
func (p *PaymentOrchestrator) AbandonPayments(ctx context.Context, orderID int64) {
	payments, err := p.store.GetPaymentsByOrderID(ctx, orderID)
	if err != nil {
		p.logger.Warn("Failed to list payments to abandon", zap.Int64("order_id", orderID), zap.Error(err))
		return
	}
	for i := range payments {
		if payments[i].GatewayStatus.Open() {
			p.voidQuietly(ctx, &payments[i])
		}
	}
}

// GetPaymentStatus reports the broker state of a task
func (p *PaymentOrchestrator) GetPaymentStatus(ctx context.Context, taskID string) (tasks.State, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.GetPaymentStatus")
	defer span.End()
	return p.scheduler.State(ctx, taskID)
}

// ViewQueue is a diagnostic snapshot of the broker
func (p *PaymentOrchestrator) ViewQueue(ctx context.Context) (*tasks.Snapshot, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.ViewQueue")
	defer span.End()
	return p.scheduler.Inspect(ctx)
}

// ClearQueue drops all pending tasks. Orders left QUEUED stay that way until
// someone captures or cancels them.
func (p *PaymentOrchestrator) ClearQueue(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.ClearQueue")
	defer span.End()
	return p.scheduler.PurgeAll(ctx)
}

// markPaid is the single path by which an order becomes PAID. It completes
// the payment, schedules the settle task and records both on the order. It is
// safe to call again for a payment already COMPLETED: a failure after the
// payment write leaves the order QUEUED for the next finalize, cancel or
// capture to finish.
func (p *PaymentOrchestrator) markPaid(ctx context.Context, order *models.Order, payment *models.Payment, captureID string) (*models.Order, error) {
	if err := advancePayment(ctx, p.store, payment, models.PaymentStatusCompleted, captureID); err != nil {
		return nil, err
	}

	settleID, err := p.scheduler.Enqueue(ctx, tasks.KindSettle, tasks.Payload{OrderID: order.ID}, 0)
	if err != nil {
		p.logger.Error("Failed to schedule settle task", zap.Int64("order_id", order.ID), zap.Error(err))
		return nil, err
	}

	paymentID := payment.ID
	order, err = updateOrder(ctx, p.store, order.ID, func(o *models.Order) (bool, error) {
		if err := moveTo(o, models.OrderStatusPaid); err != nil {
			return false, err
		}
		o.PaymentID = &paymentID
		o.TaskID = settleID
		return true, nil
	})
	if err != nil {
		p.revoke(ctx, settleID)
		return nil, err
	}

	util.OrdersPaidTotal.Inc()
	p.logger.Info("Order paid",
		zap.Int64("order_id", order.ID),
		zap.Int64("payment_id", paymentID),
		zap.String("gateway_order_id", payment.GatewayOrderID),
		zap.String("capture_id", payment.GatewayCaptureID))
	p.publish(ctx, models.EventTypeOrderPaid, order, func(e *models.OrderEvent) {
		e.GatewayOrderID = payment.GatewayOrderID
	})
	return order, nil
}

// cancelOrder moves a non-terminal order to CANCELLED. An order already
// CANCELLED is returned unchanged.
func (p *PaymentOrchestrator) cancelOrder(ctx context.Context, orderID int64, source string) (*models.Order, error) {
	changed := false
	order, err := updateOrder(ctx, p.store, orderID, func(o *models.Order) (bool, error) {
		if o.Status == models.OrderStatusCancelled {
			return false, nil
		}
		if err := moveTo(o, models.OrderStatusCancelled); err != nil {
			return false, err
		}
		o.TaskID = ""
		changed = true
		return true, nil
	})
	if err != nil || !changed {
		return order, err
	}

	util.OrdersCancelledTotal.WithLabelValues(source).Inc()
	p.logger.Info("Order cancelled", zap.Int64("order_id", orderID), zap.String("source", source))
	p.publish(ctx, models.EventTypeOrderCancelled, order, func(e *models.OrderEvent) {
		e.Reason = source
	})
	return order, nil
}

// failOrder marks a non-terminal order FAILED. Terminal orders are left alone.
func (p *PaymentOrchestrator) failOrder(ctx context.Context, orderID int64, reason string) error {
	changed := false
	order, err := updateOrder(ctx, p.store, orderID, func(o *models.Order) (bool, error) {
		if o.Status.IsTerminal() {
			return false, nil
		}
		if err := moveTo(o, models.OrderStatusFailed); err != nil {
			return false, err
		}
		o.TaskID = ""
		changed = true
		return true, nil
	})
	if err != nil || !changed {
		return err
	}

	util.OrdersFailedTotal.WithLabelValues(reason).Inc()
	p.logger.Error("Order failed", zap.Int64("order_id", orderID), zap.String("reason", reason))
	p.publish(ctx, models.EventTypeOrderFailed, order, func(e *models.OrderEvent) {
		e.Reason = reason
	})
	return nil
}

func (p *PaymentOrchestrator) voidQuietly(ctx context.Context, payment *models.Payment) {
	if err := p.gateway.VoidOrder(ctx, payment.GatewayOrderID); err != nil && errs.IsRetryable(err) {
		p.logger.Warn("Failed to void superseded intent",
			zap.Int64("payment_id", payment.ID),
			zap.String("gateway_order_id", payment.GatewayOrderID),
			zap.Error(err))
		return
	}
	if err := advancePayment(ctx, p.store, payment, models.PaymentStatusVoided, ""); err != nil {
		p.logger.Warn("Failed to record voided payment", zap.Int64("payment_id", payment.ID), zap.Error(err))
	}
}

// completedPayment returns the order's COMPLETED payment, or nil.
func (p *PaymentOrchestrator) completedPayment(ctx context.Context, orderID int64) (*models.Payment, error) {
	payments, err := p.store.GetPaymentsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for i := range payments {
		if payments[i].GatewayStatus == models.PaymentStatusCompleted {
			return &payments[i], nil
		}
	}
	return nil, nil
}

// revoke is best effort; handlers re-check order state before acting.
func (p *PaymentOrchestrator) revoke(ctx context.Context, taskID string) {
	if taskID == "" {
		return
	}
	if err := p.scheduler.Revoke(ctx, taskID); err != nil {
		p.logger.Warn("Failed to revoke task", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (p *PaymentOrchestrator) publish(ctx context.Context, eventType string, order *models.Order, fill func(e *models.OrderEvent)) {
	publishOrderEvent(ctx, p.events, p.logger, eventType, order, fill)
}

func publishOrderEvent(ctx context.Context, events EventPublisher, logger *zap.Logger, eventType string, order *models.Order, fill func(e *models.OrderEvent)) {
	if events == nil || order == nil {
		return
	}
	event := &models.OrderEvent{
		BaseEvent: models.BaseEvent{EventType: eventType},
		OrderID:   order.ID,
		UserID:    order.UserID,
		Status:    order.Status,
		Total:     order.Total,
		Currency:  order.Currency,
		PaymentID: order.PaymentID,
		TaskID:    order.TaskID,
	}
	if fill != nil {
		fill(event)
	}
	if err := events.PublishOrderEvent(ctx, event); err != nil {
		logger.Error("Failed to publish order event",
			zap.String("event_type", eventType),
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}

func alreadyPaid(order *models.Order) error {
	details := map[string]interface{}{"order_id": order.ID}
	if order.PaymentID != nil {
		details["payment_id"] = *order.PaymentID
	}
	return errs.InvalidState("order %d is already paid", order.ID).WithDetails(details)
}

// updateOrder re-reads the order and applies mutate until the write wins the
// version check. mutate returns false to leave the row untouched.
func updateOrder(ctx context.Context, store OrderStore, orderID int64, mutate func(o *models.Order) (bool, error)) (*models.Order, error) {
	for attempt := 1; ; attempt++ {
		order, err := store.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		changed, err := mutate(order)
		if err != nil {
			return nil, err
		}
		if !changed {
			return order, nil
		}
		err = store.UpdateOrder(ctx, order)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, errs.ErrStale) || attempt >= maxStaleRetries {
			return nil, err
		}
	}
}

func moveTo(o *models.Order, to models.OrderStatus) error {
	if !models.CanTransition(o.Status, to) {
		return errs.InvalidState("order %d cannot move from %s to %s", o.ID, o.Status, to)
	}
	o.Status = to
	return nil
}

// advancePayment moves a payment forward and records captureID when set.
func advancePayment(ctx context.Context, store PaymentStore, payment *models.Payment, next models.PaymentStatus, captureID string) error {
	if payment.GatewayStatus == next {
		return nil
	}
	if !payment.GatewayStatus.CanAdvance(next) {
		return errs.InvalidState("payment %d cannot move from %s to %s", payment.ID, payment.GatewayStatus, next)
	}
	expected := payment.GatewayStatus
	payment.GatewayStatus = next
	if captureID != "" {
		payment.GatewayCaptureID = captureID
	}
	if err := store.UpdatePayment(ctx, payment, expected); err != nil {
		payment.GatewayStatus = expected
		return err
	}
	return nil
}
