package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"food-payments/internal/breaker"
	"food-payments/internal/errs"
	"food-payments/internal/gateway"
	"food-payments/internal/models"
	"food-payments/internal/retry"
	"food-payments/internal/store"
	"food-payments/internal/tasks"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testGrace = 5 * time.Minute

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// seedOrder stores an order directly, bypassing the service.
func seedOrder(t *testing.T, s *store.MemoryStore, status models.OrderStatus) *models.Order {
	t.Helper()
	order := &models.Order{
		UserID:          1,
		Content:         "1x poutine",
		Total:           decimal.RequireFromString("12.50"),
		Currency:        "CAD",
		Status:          status,
		FulfillmentType: models.FulfillmentPickup,
	}
	require.NoError(t, s.CreateOrder(context.Background(), order))
	return order
}

type fakeGateway struct {
	mu            sync.Mutex
	created       int
	captures      int
	voids         int
	lookups       int
	captureErrs   []error
	captureStatus string
	captureDelay  time.Duration
	createErr     error
	voidErr       error

	// takenAtGateway makes LookupOrder report the intent as captured.
	takenAtGateway bool
}

func (g *fakeGateway) CreateOrder(_ context.Context, _ decimal.Decimal, _ string) (*gateway.CreatedOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.createErr != nil {
		return nil, g.createErr
	}
	g.created++
	id := fmt.Sprintf("GW-%d", g.created)
	return &gateway.CreatedOrder{
		ID:          id,
		Status:      "CREATED",
		ApprovalURL: "https://paypal.test/checkoutnow?token=" + id,
	}, nil
}

func (g *fakeGateway) CaptureOrder(ctx context.Context, gatewayOrderID string) (*gateway.Capture, error) {
	if g.captureDelay > 0 {
		select {
		case <-time.After(g.captureDelay):
		case <-ctx.Done():
			return nil, errs.Gateway(ctx.Err(), true, "capture timed out")
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.captures++
	if len(g.captureErrs) > 0 {
		err := g.captureErrs[0]
		g.captureErrs = g.captureErrs[1:]
		return nil, err
	}
	status := g.captureStatus
	if status == "" {
		status = gateway.StatusCompleted
	}
	return &gateway.Capture{OrderID: gatewayOrderID, Status: status, CaptureID: "CAP-" + gatewayOrderID}, nil
}

func (g *fakeGateway) LookupOrder(_ context.Context, gatewayOrderID string) (*gateway.Capture, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lookups++
	if g.takenAtGateway {
		return &gateway.Capture{OrderID: gatewayOrderID, Status: gateway.StatusCompleted, CaptureID: "CAP-" + gatewayOrderID}, nil
	}
	return &gateway.Capture{OrderID: gatewayOrderID, Status: "APPROVED"}, nil
}

func (g *fakeGateway) VoidOrder(_ context.Context, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.voids++
	return g.voidErr
}

func (g *fakeGateway) counts() (created, captures, voids int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created, g.captures, g.voids
}

type fakeEvents struct {
	mu    sync.Mutex
	types []string
}

func (e *fakeEvents) PublishOrderEvent(_ context.Context, event *models.OrderEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, event.EventType)
	return nil
}

func (e *fakeEvents) published() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.types...)
}

// downScheduler fails every enqueue the way an open broker breaker does.
type downScheduler struct {
	TaskScheduler
}

func (downScheduler) Enqueue(context.Context, tasks.Kind, tasks.Payload, time.Duration) (string, error) {
	return "", errs.Unavailable(fmt.Errorf("connection refused"), "task broker unavailable")
}

// flakyScheduler fails the next failures enqueues, then delegates.
type flakyScheduler struct {
	TaskScheduler
	mu       sync.Mutex
	failures int
}

func (s *flakyScheduler) failNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *flakyScheduler) Enqueue(ctx context.Context, kind tasks.Kind, payload tasks.Payload, delay time.Duration) (string, error) {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return "", errs.Unavailable(fmt.Errorf("connection refused"), "task broker unavailable")
	}
	return s.TaskScheduler.Enqueue(ctx, kind, payload, delay)
}

// flakyStore fails the next paidFailures writes that move an order to PAID.
type flakyStore struct {
	*store.MemoryStore
	mu           sync.Mutex
	paidFailures int
}

func (s *flakyStore) UpdateOrder(ctx context.Context, order *models.Order) error {
	if order.Status == models.OrderStatusPaid {
		s.mu.Lock()
		fail := s.paidFailures > 0
		if fail {
			s.paidFailures--
		}
		s.mu.Unlock()
		if fail {
			return errs.Wrap(errs.CodeInternal, fmt.Errorf("connection reset"), "failed to update order")
		}
	}
	return s.MemoryStore.UpdateOrder(ctx, order)
}

type testEnv struct {
	clock    *testClock
	store    *store.MemoryStore
	gateway  *fakeGateway
	broker   *tasks.MemoryBroker
	locker   *LocalLocker
	events   *fakeEvents
	payments *PaymentOrchestrator
	orders   *OrderService
	pool     *tasks.Pool
}

func testPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Factor:      2,
		MaxDelay:    10 * time.Millisecond,
	}
}

type envOptions struct {
	scheduler func(TaskScheduler) TaskScheduler
	store     func(*store.MemoryStore) Store
	lockTTL   time.Duration
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvOpts(t, envOptions{})
}

func newTestEnvWith(t *testing.T, wrap func(TaskScheduler) TaskScheduler) *testEnv {
	return newTestEnvOpts(t, envOptions{scheduler: wrap})
}

func newTestEnvOpts(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	env := &testEnv{
		clock:   &testClock{now: time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)},
		store:   store.NewMemoryStore(),
		gateway: &fakeGateway{},
		broker:  tasks.NewMemoryBroker(),
		locker:  NewLocalLocker(),
		events:  &fakeEvents{},
	}

	var scheduler TaskScheduler = tasks.NewScheduler(env.broker, breaker.New("test-broker", 5, time.Minute)).
		WithClock(env.clock.Now)
	if opts.scheduler != nil {
		scheduler = opts.scheduler(scheduler)
	}
	var st Store = env.store
	if opts.store != nil {
		st = opts.store(env.store)
	}
	lockTTL := opts.lockTTL
	if lockTTL == 0 {
		lockTTL = time.Minute
	}

	env.payments = NewPaymentOrchestrator(st, env.gateway, scheduler, env.locker, env.events, PaymentConfig{
		GracePeriod: testGrace,
		LockTTL:     lockTTL,
		Retry:       testPolicy(),
	})
	env.orders = NewOrderService(st, env.payments, scheduler, env.locker, env.events, "CAD")

	router := tasks.NewRouter()
	env.payments.Register(router)
	env.pool = tasks.NewPool(env.broker, router, 2, time.Millisecond).WithClock(env.clock.Now)
	return env
}

// runDue moves the clock past the grace period and drains until no task is due.
func (env *testEnv) runDue(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		env.clock.Advance(testGrace + time.Second)
		ran, err := env.pool.Drain(context.Background())
		require.NoError(t, err)
		if ran == 0 {
			return
		}
	}
	t.Fatal("tasks still due after 20 rounds")
}

func (env *testEnv) order(t *testing.T, id int64) *models.Order {
	t.Helper()
	o, err := env.store.GetOrderByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (env *testEnv) payment(t *testing.T, gatewayOrderID string) *models.Payment {
	t.Helper()
	p, err := env.store.GetPaymentByGatewayOrderID(context.Background(), gatewayOrderID)
	require.NoError(t, err)
	return p
}

func (env *testEnv) placeOrder(t *testing.T, total string) *CreateOrderResponse {
	t.Helper()
	resp, err := env.orders.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID:          7,
		Content:         "2x butter chicken",
		Total:           decimal.RequireFromString(total),
		FulfillmentType: models.FulfillmentPickup,
	})
	require.NoError(t, err)
	return resp
}
