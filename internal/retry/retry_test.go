package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"food-payments/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayIsCappedExponential(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 250 * time.Millisecond, Factor: 2.0, MaxDelay: 3 * time.Second}

	expected := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		3 * time.Second,
		3 * time.Second,
	}
	for n, want := range expected {
		assert.Equal(t, want, p.Delay(n), "attempt %d", n)
	}
}

func TestJitterStaysWithinTwentyPercent(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, Factor: 2.0, MaxDelay: time.Minute, Jitter: 0.2}

	for i := 0; i < 200; i++ {
		d := p.JitteredDelay(1)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Factor: 2.0, MaxDelay: 5 * time.Millisecond, Jitter: 0.2}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	transient := errs.Gateway(errors.New("connection reset"), true, "capture")

	err := fastPolicy(3).Do(context.Background(), "capture", func(context.Context) error {
		calls++
		return transient
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, errs.CodeGateway, errs.CodeOf(err))
}

func TestDoDoesNotRetryTerminalFailures(t *testing.T) {
	calls := 0

	err := fastPolicy(5).Do(context.Background(), "capture", func(context.Context) error {
		calls++
		return errs.NotFound("order missing")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0

	err := fastPolicy(5).Do(context.Background(), "capture", func(context.Context) error {
		calls++
		if calls < 4 {
			return errs.Gateway(errors.New("503"), true, "capture")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestExhausted(t *testing.T) {
	p := fastPolicy(3)
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
}
