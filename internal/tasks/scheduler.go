package tasks

import (
	"context"
	"errors"
	"time"

	"food-payments/internal/breaker"
	"food-payments/internal/errs"
	"food-payments/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errBrokerCircuitOpen = errors.New("broker circuit open")

// Scheduler is the producer-side view of the broker. Every broker call goes
// through a circuit breaker so an outage fails fast with SERVICE_UNAVAILABLE.
type Scheduler struct {
	broker  Broker
	breaker *breaker.Breaker
	now     func() time.Time
	logger  *zap.Logger
}

func NewScheduler(broker Broker, b *breaker.Breaker) *Scheduler {
	return &Scheduler{
		broker:  broker,
		breaker: b,
		now:     time.Now,
		logger:  util.Component("scheduler"),
	}
}

// WithClock replaces time.Now when computing ETAs.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Enqueue schedules kind to run after delay and returns the task id.
func (s *Scheduler) Enqueue(ctx context.Context, kind Kind, payload Payload, delay time.Duration) (string, error) {
	if delay < 0 {
		delay = 0
	}
	now := s.now()
	task := Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   payload,
		ETA:       now.Add(delay),
		CreatedAt: now,
	}

	err := s.guard(func() error { return s.broker.Push(ctx, task) })
	if err != nil {
		return "", err
	}

	util.TasksEnqueuedTotal.WithLabelValues(string(kind)).Inc()
	s.logger.Info("Task enqueued",
		zap.String("task_id", task.ID),
		zap.String("task_kind", string(kind)),
		zap.Int64("order_id", payload.OrderID),
		zap.Int("attempt", payload.Attempt),
		zap.Duration("delay", delay))
	return task.ID, nil
}

// Revoke is best effort: a task already dispatched may still run.
func (s *Scheduler) Revoke(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return s.guard(func() error { return s.broker.Revoke(ctx, id) })
}

func (s *Scheduler) State(ctx context.Context, id string) (State, error) {
	var state State
	err := s.guard(func() error {
		var err error
		state, err = s.broker.State(ctx, id)
		return err
	})
	return state, err
}

func (s *Scheduler) Inspect(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := s.guard(func() error {
		var err error
		snap, err = s.broker.Snapshot(ctx)
		return err
	})
	return snap, err
}

// PurgeAll drops every pending task. Incident recovery only.
func (s *Scheduler) PurgeAll(ctx context.Context) (int, error) {
	var dropped int
	err := s.guard(func() error {
		var err error
		dropped, err = s.broker.Purge(ctx)
		return err
	})
	if err == nil {
		s.logger.Warn("Task queue purged", zap.Int("dropped", dropped))
	}
	return dropped, err
}

// Healthy pings the broker through the breaker.
func (s *Scheduler) Healthy(ctx context.Context) error {
	return s.guard(func() error { return s.broker.Ping(ctx) })
}

func (s *Scheduler) guard(fn func() error) error {
	if !s.breaker.Allow() {
		return errs.Unavailable(errBrokerCircuitOpen, "task broker unavailable")
	}
	err := fn()
	if err == nil || errs.CodeOf(err) == errs.CodeNotFound {
		s.breaker.RecordSuccess()
		return err
	}
	s.breaker.RecordFailure()
	s.logger.Error("Broker call failed", zap.Error(err))
	return errs.Unavailable(err, "task broker unavailable")
}
