package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"food-payments/internal/breaker"
	"food-payments/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// downBroker fails every call, as a broker with no connection would.
type downBroker struct {
	*MemoryBroker
	calls int
}

var errConnRefused = errors.New("connection refused")

func (d *downBroker) Push(context.Context, Task) error {
	d.calls++
	return errConnRefused
}

func (d *downBroker) Ping(context.Context) error {
	d.calls++
	return errConnRefused
}

func TestScheduler_EnqueueComputesETA(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	b := NewMemoryBroker()
	s := NewScheduler(b, breaker.New("test-broker", 3, time.Minute)).WithClock(func() time.Time { return now })

	id, err := s.Enqueue(ctx, KindFinalize, Payload{OrderID: 7, GatewayOrderID: "GW-1"}, 5*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	scheduled := b.Tasks(StateScheduled)
	require.Len(t, scheduled, 1)
	assert.Equal(t, id, scheduled[0].ID)
	assert.Equal(t, now.Add(5*time.Minute), scheduled[0].ETA)
	assert.Equal(t, int64(7), scheduled[0].Payload.OrderID)

	state, err := s.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, state)
}

func TestScheduler_RevokeEmptyIDIsNoop(t *testing.T) {
	s := NewScheduler(NewMemoryBroker(), breaker.New("test-broker", 3, time.Minute))
	assert.NoError(t, s.Revoke(context.Background(), ""))
}

func TestScheduler_NotFoundDoesNotTripBreaker(t *testing.T) {
	br := breaker.New("test-broker", 1, time.Minute)
	s := NewScheduler(NewMemoryBroker(), br)

	_, err := s.State(context.Background(), "missing")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
	assert.Equal(t, breaker.StateClosed, br.State())
}

func TestScheduler_BrokerOutageOpensBreaker(t *testing.T) {
	ctx := context.Background()
	down := &downBroker{MemoryBroker: NewMemoryBroker()}
	br := breaker.New("test-broker", 2, time.Minute)
	s := NewScheduler(down, br)

	for i := 0; i < 2; i++ {
		_, err := s.Enqueue(ctx, KindFinalize, Payload{OrderID: 1}, 0)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.CodeServiceUnavailable))
	}
	assert.Equal(t, breaker.StateOpen, br.State())

	_, err := s.Enqueue(ctx, KindFinalize, Payload{OrderID: 1}, 0)
	assert.True(t, errs.Is(err, errs.CodeServiceUnavailable))
	assert.Equal(t, 2, down.calls, "open breaker must not reach the broker")

	assert.Error(t, s.Healthy(ctx))
}

func TestScheduler_InspectAndPurge(t *testing.T) {
	ctx := context.Background()
	s := NewScheduler(NewMemoryBroker(), breaker.New("test-broker", 3, time.Minute))

	_, err := s.Enqueue(ctx, KindFinalize, Payload{OrderID: 1}, time.Minute)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, KindCancel, Payload{OrderID: 2}, time.Minute)
	require.NoError(t, err)

	snap, err := s.Inspect(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Scheduled, 2)

	dropped, err := s.PurgeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
}
