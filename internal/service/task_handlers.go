package service

import (
	"context"
	"errors"
	"time"

	"food-payments/internal/errs"
	"food-payments/internal/gateway"
	"food-payments/internal/models"
	"food-payments/internal/tasks"
	"food-payments/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Register wires the task handlers into a router
func (p *PaymentOrchestrator) Register(r *tasks.Router) {
	r.OnFinalize(p.retrying(p.FinalizeTask))
	r.OnCancel(p.retrying(p.CancelTask))
	r.OnSettle(p.retrying(p.SettleTask))
}

// FinalizeTask captures the order's intent once the grace period has passed.
// A terminal gateway answer schedules a cancel task unless the gateway reports
// the intent captured after all; a transient one is returned so the task is
// retried.
func (p *PaymentOrchestrator) FinalizeTask(ctx context.Context, task tasks.Task) error {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.FinalizeTask",
		attribute.Int64("order_id", task.Payload.OrderID),
		attribute.String("task_id", task.ID))
	defer span.End()

	log := p.taskLogger(task)
	orderID := task.Payload.OrderID

	if skip, err := p.terminal(ctx, orderID, log); skip || err != nil {
		return err
	}

	return p.leases.with(ctx, orderID, func(ctx context.Context) error {
		order, err := p.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusQueued {
			log.Info("Skipping finalize", zap.String("status", string(order.Status)))
			return nil
		}
		if resumed, err := p.resumePaid(ctx, order, log); resumed || err != nil {
			return err
		}

		gatewayOrderID := task.Payload.GatewayOrderID
		if gatewayOrderID == "" {
			payments, err := p.store.GetPaymentsByOrderID(ctx, orderID)
			if err != nil {
				return err
			}
			if len(payments) > 0 {
				log.Info("Skipping finalize superseded by payment creation")
				return nil
			}
			log.Info("No payment started before the grace period ended")
			_, err = p.cancelOrder(ctx, orderID, "timeout")
			return err
		}

		payment, err := p.store.GetPaymentByGatewayOrderID(ctx, gatewayOrderID)
		if err != nil {
			return err
		}
		if !payment.GatewayStatus.Open() {
			log.Info("Skipping finalize for settled intent",
				zap.String("gateway_status", string(payment.GatewayStatus)))
			return nil
		}

		capture, err := p.gateway.CaptureOrder(ctx, gatewayOrderID)
		if err != nil {
			if errs.IsRetryable(err) {
				return err
			}
			log.Warn("Capture rejected", zap.Error(err))
			if capture, err = p.capturedAtGateway(ctx, gatewayOrderID, log); err != nil {
				return err
			}
			if capture == nil {
				return p.scheduleCancel(ctx, order, gatewayOrderID, log)
			}
		}
		if !capture.Completed() {
			log.Warn("Capture not completed", zap.String("capture_status", capture.Status))
			return p.scheduleCancel(ctx, order, gatewayOrderID, log)
		}

		_, err = p.markPaid(ctx, order, payment, capture.CaptureID)
		if err == nil {
			log.Info("Payment captured by finalize task")
		}
		return err
	})
}

// CancelTask voids the intent and cancels the order. An order whose money was
// taken in the meantime is marked PAID instead.
func (p *PaymentOrchestrator) CancelTask(ctx context.Context, task tasks.Task) error {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.CancelTask",
		attribute.Int64("order_id", task.Payload.OrderID),
		attribute.String("task_id", task.ID))
	defer span.End()

	log := p.taskLogger(task)
	orderID := task.Payload.OrderID

	if skip, err := p.terminal(ctx, orderID, log); skip || err != nil {
		return err
	}

	return p.leases.with(ctx, orderID, func(ctx context.Context) error {
		order, err := p.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			log.Info("Skipping cancel for terminal order", zap.String("status", string(order.Status)))
			return nil
		}
		if resumed, err := p.resumePaid(ctx, order, log); resumed || err != nil {
			return err
		}

		if gatewayOrderID := task.Payload.GatewayOrderID; gatewayOrderID != "" {
			payment, err := p.store.GetPaymentByGatewayOrderID(ctx, gatewayOrderID)
			if err != nil {
				return err
			}
			if payment.GatewayStatus.Open() {
				if err := p.gateway.VoidOrder(ctx, gatewayOrderID); err != nil {
					if errs.IsRetryable(err) {
						return err
					}
					capture, lerr := p.capturedAtGateway(ctx, gatewayOrderID, log)
					if lerr != nil {
						return lerr
					}
					if capture != nil {
						log.Warn("Void rejected for a captured intent, recording the payment", zap.Error(err))
						_, err = p.markPaid(ctx, order, payment, capture.CaptureID)
						return err
					}
					log.Warn("Void rejected, treating intent as dead", zap.Error(err))
				}
				if err := advancePayment(ctx, p.store, payment, models.PaymentStatusVoided, ""); err != nil {
					return err
				}
			}
		}

		if _, err := p.cancelOrder(ctx, orderID, "timeout"); err != nil {
			return err
		}
		log.Info("Payment cancelled by task")
		return nil
	})
}

// SettleTask does the bookkeeping write after capture. It runs only on PAID
// orders and may run more than once.
func (p *PaymentOrchestrator) SettleTask(ctx context.Context, task tasks.Task) error {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.SettleTask",
		attribute.Int64("order_id", task.Payload.OrderID),
		attribute.String("task_id", task.ID))
	defer span.End()

	log := p.taskLogger(task)
	orderID := task.Payload.OrderID

	return p.leases.with(ctx, orderID, func(ctx context.Context) error {
		settled := false
		order, err := updateOrder(ctx, p.store, orderID, func(o *models.Order) (bool, error) {
			if o.Status != models.OrderStatusPaid {
				return false, nil
			}
			o.TaskID = ""
			settled = true
			return true, nil
		})
		if err != nil {
			return err
		}
		if !settled {
			log.Info("Skipping settle", zap.String("status", string(order.Status)))
			return nil
		}

		log.Info("Order settled")
		p.publish(ctx, models.EventTypeOrderSettled, order, nil)
		return nil
	})
}

// retrying turns handler failures into rescheduled tasks. A busy order is
// retried after LockRetryDelay without counting an attempt; other failures
// back off per the retry policy until it is exhausted, then the order is
// marked FAILED. An error is returned only when none of that could be
// recorded, so the worker pool hands the task out again.
func (p *PaymentOrchestrator) retrying(h tasks.Handler) tasks.Handler {
	return func(ctx context.Context, task tasks.Task) error {
		err := h(ctx, task)
		if err == nil {
			return nil
		}
		log := p.taskLogger(task)

		if errors.Is(err, errOrderBusy) || errors.Is(err, errs.ErrStale) {
			log.Info("Order busy, rescheduling", zap.Error(err))
			return p.reschedule(ctx, task, task.Payload.Attempt, p.cfg.LockRetryDelay)
		}

		if !errs.IsRetryable(err) {
			log.Error("Task failed terminally", zap.Error(err))
			return p.failLocked(ctx, task, string(task.Kind)+"_rejected")
		}

		next := task.Payload.Attempt + 1
		if p.cfg.Retry.Exhausted(next) {
			log.Error("Task retries exhausted", zap.Int("attempts", next), zap.Error(err))
			return p.failLocked(ctx, task, string(task.Kind)+"_exhausted")
		}

		delay := p.cfg.Retry.JitteredDelay(task.Payload.Attempt)
		log.Warn("Task failed, rescheduling",
			zap.Int("next_attempt", next),
			zap.Duration("delay", delay),
			zap.Error(err))
		return p.reschedule(ctx, task, next, delay)
	}
}

func (p *PaymentOrchestrator) reschedule(ctx context.Context, task tasks.Task, attempt int, delay time.Duration) error {
	payload := task.Payload
	payload.Attempt = attempt
	taskID, err := p.scheduler.Enqueue(ctx, task.Kind, payload, delay)
	if err != nil {
		return err
	}

	_, err = updateOrder(ctx, p.store, payload.OrderID, func(o *models.Order) (bool, error) {
		if o.TaskID != task.ID {
			return false, nil
		}
		o.TaskID = taskID
		return true, nil
	})
	if err != nil {
		p.taskLogger(task).Warn("Failed to record rescheduled task", zap.String("next_task_id", taskID), zap.Error(err))
	}
	return nil
}

func (p *PaymentOrchestrator) failLocked(ctx context.Context, task tasks.Task, reason string) error {
	err := p.leases.with(ctx, task.Payload.OrderID, func(ctx context.Context) error {
		return p.failOrder(ctx, task.Payload.OrderID, reason)
	})
	if err != nil {
		p.taskLogger(task).Error("Failed to mark order failed", zap.Error(err))
	}
	return err
}

// resumePaid finishes a capture whose payment was recorded COMPLETED but whose
// order write did not land. It reports whether it took over.
func (p *PaymentOrchestrator) resumePaid(ctx context.Context, order *models.Order, log *zap.Logger) (bool, error) {
	payment, err := p.completedPayment(ctx, order.ID)
	if err != nil || payment == nil {
		return false, err
	}
	log.Warn("Finishing interrupted capture", zap.Int64("payment_id", payment.ID))
	_, err = p.markPaid(ctx, order, payment, payment.GatewayCaptureID)
	return true, err
}

// capturedAtGateway asks the gateway whether a rejected intent was captured
// after all. It returns nil when the money was not taken.
func (p *PaymentOrchestrator) capturedAtGateway(ctx context.Context, gatewayOrderID string, log *zap.Logger) (*gateway.Capture, error) {
	capture, err := p.gateway.LookupOrder(ctx, gatewayOrderID)
	if err != nil {
		if errs.IsRetryable(err) {
			return nil, err
		}
		log.Warn("Gateway lookup rejected", zap.Error(err))
		return nil, nil
	}
	if !capture.Completed() {
		return nil, nil
	}
	return capture, nil
}

func (p *PaymentOrchestrator) scheduleCancel(ctx context.Context, order *models.Order, gatewayOrderID string, log *zap.Logger) error {
	taskID, err := p.scheduler.Enqueue(ctx, tasks.KindCancel,
		tasks.Payload{OrderID: order.ID, GatewayOrderID: gatewayOrderID}, 0)
	if err != nil {
		return err
	}
	_, err = updateOrder(ctx, p.store, order.ID, func(o *models.Order) (bool, error) {
		if o.Status.IsTerminal() {
			return false, nil
		}
		o.TaskID = taskID
		return true, nil
	})
	if err != nil {
		p.revoke(ctx, taskID)
		return err
	}
	log.Info("Cancel task scheduled", zap.String("cancel_task_id", taskID))
	return nil
}

// terminal is the guard every handler runs before any external call.
func (p *PaymentOrchestrator) terminal(ctx context.Context, orderID int64, log *zap.Logger) (bool, error) {
	order, err := p.store.GetOrderByID(ctx, orderID)
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			log.Warn("Skipping task for unknown order")
			return true, nil
		}
		return false, err
	}
	if order.Status.IsTerminal() {
		log.Info("Skipping task for terminal order", zap.String("status", string(order.Status)))
		return true, nil
	}
	return false, nil
}

func (p *PaymentOrchestrator) taskLogger(task tasks.Task) *zap.Logger {
	return p.logger.With(
		zap.String("task_id", task.ID),
		zap.String("task_kind", string(task.Kind)),
		zap.Int64("order_id", task.Payload.OrderID),
		zap.String("gateway_order_id", task.Payload.GatewayOrderID),
		zap.Int("attempt", task.Payload.Attempt))
}
