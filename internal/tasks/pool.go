package tasks

import (
	"context"
	"sync"
	"time"

	"food-payments/internal/util"

	"go.uber.org/zap"
)

const (
	defaultWorkers      = 4
	defaultPollInterval = 500 * time.Millisecond
	defaultTaskTimeout  = time.Minute
	defaultReleaseDelay = 5 * time.Second
)

// Pool is the worker side: one poller claims due tasks from the broker and a
// fixed number of workers run them through the router.
//
// A task is acknowledged only when its handler returns nil. A failed task is
// released back to the schedule, and a task whose worker died is reclaimed
// once it has been held for twice the task timeout. Handlers run detached from
// the pool's context, bounded by the task timeout, so a shutdown lets them
// finish.
type Pool struct {
	broker       Broker
	router       *Router
	workers      int
	pollInterval time.Duration
	taskTimeout  time.Duration
	releaseDelay time.Duration
	now          func() time.Time
	jobs         chan Task
	wg           sync.WaitGroup
	logger       *zap.Logger
}

func NewPool(broker Broker, router *Router, workers int, pollInterval time.Duration) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Pool{
		broker:       broker,
		router:       router,
		workers:      workers,
		pollInterval: pollInterval,
		taskTimeout:  defaultTaskTimeout,
		releaseDelay: defaultReleaseDelay,
		now:          time.Now,
		jobs:         make(chan Task, workers),
		logger:       util.Component("worker"),
	}
}

// WithTaskTimeout bounds how long one handler may run.
func (p *Pool) WithTaskTimeout(d time.Duration) *Pool {
	if d > 0 {
		p.taskTimeout = d
	}
	return p
}

// WithReleaseDelay sets how long a failed task waits before it is due again.
func (p *Pool) WithReleaseDelay(d time.Duration) *Pool {
	if d > 0 {
		p.releaseDelay = d
	}
	return p
}

// Visibility is how long a task may stay reserved or running before another
// worker reclaims it.
func (p *Pool) Visibility() time.Duration {
	return 2 * p.taskTimeout
}

// Start reclaims abandoned tasks, then polls until ctx is cancelled. It
// returns after every worker has drained.
func (p *Pool) Start(ctx context.Context) error {
	p.reclaim(ctx)
	lastReclaim := p.now()

	p.logger.Info("Starting task workers",
		zap.Int("workers", p.workers),
		zap.Duration("poll_interval", p.pollInterval),
		zap.Duration("task_timeout", p.taskTimeout))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if p.now().Sub(lastReclaim) >= p.taskTimeout {
			p.reclaim(ctx)
			lastReclaim = p.now()
		}
		p.poll(ctx)
		select {
		case <-ctx.Done():
			close(p.jobs)
			p.wg.Wait()
			p.logger.Info("Task workers stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) reclaim(ctx context.Context) {
	recovered, err := p.broker.Recover(ctx, p.now().Add(-p.Visibility()))
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("Failed to reclaim abandoned tasks", zap.Error(err))
		}
		return
	}
	if recovered > 0 {
		p.logger.Warn("Reclaimed abandoned tasks", zap.Int("count", recovered))
	}
}

func (p *Pool) poll(ctx context.Context) {
	claimed, err := p.broker.Claim(ctx, p.now(), p.workers)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("Failed to claim due tasks", zap.Error(err))
		}
		return
	}
	for _, task := range claimed {
		select {
		case p.jobs <- task:
		case <-ctx.Done():
			p.release(ctx, task, 0)
		}
	}
}

func (p *Pool) work(ctx context.Context, worker int) {
	defer p.wg.Done()
	for task := range p.jobs {
		if ctx.Err() != nil {
			p.release(ctx, task, 0)
			continue
		}
		p.run(ctx, worker, task)
	}
}

func (p *Pool) run(ctx context.Context, worker int, task Task) {
	log := p.logger.With(
		zap.Int("worker", worker),
		zap.String("task_id", task.ID),
		zap.String("task_kind", string(task.Kind)),
		zap.Int64("order_id", task.Payload.OrderID))

	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.taskTimeout)
	defer cancel()

	started, err := p.broker.Start(taskCtx, task.ID, p.now())
	if err != nil {
		log.Error("Failed to start task", zap.Error(err))
		return
	}
	if !started {
		util.TasksProcessedTotal.WithLabelValues(string(task.Kind), "revoked").Inc()
		log.Info("Skipping revoked task")
		return
	}

	start := time.Now()
	err = p.router.Dispatch(taskCtx, task)
	util.TaskProcessingLatency.WithLabelValues(string(task.Kind)).Observe(time.Since(start).Seconds())

	if err != nil {
		util.TasksProcessedTotal.WithLabelValues(string(task.Kind), "error").Inc()
		log.Error("Task handler failed, releasing", zap.Duration("delay", p.releaseDelay), zap.Error(err))
		p.release(ctx, task, p.releaseDelay)
		return
	}
	util.TasksProcessedTotal.WithLabelValues(string(task.Kind), "success").Inc()

	if err := p.broker.Done(context.WithoutCancel(ctx), task.ID); err != nil {
		log.Error("Failed to mark task done", zap.Error(err))
	}
}

// release hands a task back to the schedule. When that fails too the task
// stays held and is reclaimed after the visibility timeout.
func (p *Pool) release(ctx context.Context, task Task, delay time.Duration) {
	task.ETA = p.now().Add(delay)
	if err := p.broker.Release(context.WithoutCancel(ctx), task); err != nil {
		p.logger.Error("Failed to release task",
			zap.String("task_id", task.ID),
			zap.Duration("visibility", p.Visibility()),
			zap.Error(err))
	}
}

// Drain claims and runs every task due at the pool clock, synchronously, and
// returns how many ran. It is the deterministic counterpart of Start.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	ran := 0
	for {
		claimed, err := p.broker.Claim(ctx, p.now(), p.workers)
		if err != nil {
			return ran, err
		}
		if len(claimed) == 0 {
			return ran, nil
		}
		for _, task := range claimed {
			p.run(ctx, -1, task)
			ran++
		}
	}
}

// WithClock replaces time.Now for claiming due tasks.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}
