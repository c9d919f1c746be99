package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"food-payments/internal/service"
	"food-payments/internal/tasks"
	"food-payments/internal/util"

	"go.uber.org/zap"
)

// PaymentWorker runs the deferred payment tasks: finalize, cancel and settle
type PaymentWorker struct {
	pool   *tasks.Pool
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPaymentWorker wires the orchestrator's handlers to a worker pool on broker
func NewPaymentWorker(
	broker tasks.Broker,
	payments *service.PaymentOrchestrator,
	workers int,
	pollInterval time.Duration,
	taskTimeout time.Duration,
) *PaymentWorker {
	router := tasks.NewRouter()
	payments.Register(router)

	return &PaymentWorker{
		pool:   tasks.NewPool(broker, router, workers, pollInterval).WithTaskTimeout(taskTimeout),
		logger: util.Component("payment-worker"),
	}
}

// Start blocks until ctx is cancelled or Stop is called
func (w *PaymentWorker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	w.mu.Lock()
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	defer close(done)

	w.logger.Info("Starting payment worker")
	err := w.pool.Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop stops claiming work and waits for in-flight tasks to finish, up to
// ctx's deadline. Tasks still held after that are reclaimed by the next
// worker to start.
func (w *PaymentWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}

	w.logger.Info("Stopping payment worker")
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain runs every task that is due right now and reports how many ran
func (w *PaymentWorker) Drain(ctx context.Context) (int, error) {
	return w.pool.Drain(ctx)
}
