package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) handle(_ context.Context, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, task.ID)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestPool_DrainRunsDueTasksAndSkipsRevoked(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	b := NewMemoryBroker()
	rec := &recorder{}

	router := NewRouter()
	router.OnFinalize(rec.handle)
	router.OnCancel(rec.handle)

	pushTask(t, b, "due", KindFinalize, now.Add(-time.Second))
	pushTask(t, b, "revoked", KindCancel, now.Add(-time.Second))
	pushTask(t, b, "future", KindFinalize, now.Add(time.Hour))
	require.NoError(t, b.Revoke(ctx, "revoked"))

	pool := NewPool(b, router, 2, time.Millisecond).WithClock(func() time.Time { return now })
	ran, err := pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, []string{"due"}, rec.ids())

	state, _ := b.State(ctx, "due")
	assert.Equal(t, StateDone, state)
	state, _ = b.State(ctx, "future")
	assert.Equal(t, StateScheduled, state)
}

func TestPool_HandlerErrorReleasesTask(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	b := NewMemoryBroker()

	failures := 1
	router := NewRouter()
	router.OnSettle(func(context.Context, Task) error {
		if failures > 0 {
			failures--
			return errors.New("broker blip")
		}
		return nil
	})
	pushTask(t, b, "settle", KindSettle, now.Add(-time.Second))

	clock := now
	pool := NewPool(b, router, 1, time.Millisecond).
		WithReleaseDelay(time.Minute).
		WithClock(func() time.Time { return clock })

	ran, err := pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	state, _ := b.State(ctx, "settle")
	assert.Equal(t, StateScheduled, state)
	scheduled := b.Tasks(StateScheduled)
	require.Len(t, scheduled, 1)
	assert.Equal(t, now.Add(time.Minute), scheduled[0].ETA)

	clock = now.Add(time.Minute)
	ran, err = pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	state, _ = b.State(ctx, "settle")
	assert.Equal(t, StateDone, state)
}

func TestPool_StartProcessesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewMemoryBroker()
	rec := &recorder{}

	router := NewRouter()
	router.OnFinalize(rec.handle)

	// Held by a worker that died an hour ago.
	pushTask(t, b, "orphan", KindFinalize, time.Now().Add(-2*time.Hour))
	_, err := b.Claim(ctx, time.Now().Add(-time.Hour), 1)
	require.NoError(t, err)

	pushTask(t, b, "fresh", KindFinalize, time.Now())

	pool := NewPool(b, router, 2, 5*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- pool.Start(ctx) }()

	assert.Eventually(t, func() bool { return len(rec.ids()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.ElementsMatch(t, []string{"orphan", "fresh"}, rec.ids())
}

func TestPool_StartLeavesLiveWorkAlone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemoryBroker()
	rec := &recorder{}

	router := NewRouter()
	router.OnFinalize(rec.handle)

	// Another worker claimed this a moment ago.
	pushTask(t, b, "elsewhere", KindFinalize, time.Now().Add(-time.Second))
	_, err := b.Claim(ctx, time.Now(), 1)
	require.NoError(t, err)

	pool := NewPool(b, router, 1, 5*time.Millisecond)
	go func() { _ = pool.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.ids())
	state, _ := b.State(context.Background(), "elsewhere")
	assert.Equal(t, StateReserved, state)
}

func TestPool_ShutdownLetsRunningTaskFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewMemoryBroker()

	entered := make(chan struct{})
	proceed := make(chan struct{})
	handlerErr := make(chan error, 1)
	router := NewRouter()
	router.OnCancel(func(ctx context.Context, _ Task) error {
		close(entered)
		<-proceed
		handlerErr <- ctx.Err()
		return nil
	})
	pushTask(t, b, "cancel", KindCancel, time.Now().Add(-time.Second))

	pool := NewPool(b, router, 1, 5*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- pool.Start(ctx) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not start")
	}
	cancel()
	close(proceed)

	require.NoError(t, <-handlerErr)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	state, _ := b.State(context.Background(), "cancel")
	assert.Equal(t, StateDone, state)
}

func TestRouter_UnknownKind(t *testing.T) {
	err := NewRouter().Dispatch(context.Background(), Task{ID: "x", Kind: KindFinalize})
	assert.Error(t, err)
}
