package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"food-payments/internal/errs"
	"food-payments/internal/util"

	goretry "github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 250 * time.Millisecond
	defaultFactor      = 2.0
	defaultMaxDelay    = 10 * time.Second
	defaultJitter      = 0.2
)

var (
	jitterMu     sync.Mutex
	jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Policy is exponential backoff with jitter and a bounded number of attempts.
// MaxAttempts counts invocations, not retries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	Jitter      float64
}

// Default returns 5 attempts at 250ms * 2^n capped at 10s with ±20% jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		Factor:      defaultFactor,
		MaxDelay:    defaultMaxDelay,
		Jitter:      defaultJitter,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.Factor < 1 {
		p.Factor = defaultFactor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = defaultJitter
	}
	return p
}

// Delay is min(BaseDelay * Factor^attempt, MaxDelay) without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// JitteredDelay applies ±Jitter to Delay(attempt).
func (p Policy) JitteredDelay(attempt int) time.Duration {
	p = p.normalized()
	base := p.Delay(attempt)
	if p.Jitter == 0 {
		return base
	}
	jitterMu.Lock()
	r := jitterSource.Float64()
	jitterMu.Unlock()
	spread := float64(base) * p.Jitter
	return base + time.Duration(spread*(2*r-1))
}

// Exhausted reports whether a unit of work that has already been tried
// attempts times must stop.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.normalized().MaxAttempts
}

// Retryable is the failure classification used by Do: network, timeout and
// 5xx-class gateway failures retry; validation, conflict and not found do not.
func Retryable(err error) bool {
	return errs.IsRetryable(err)
}

// Do runs op until it succeeds, fails terminally or MaxAttempts is reached.
// The operation's last error is returned unchanged.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	p = p.normalized()
	logger := util.Component("retry")

	attempt := 0
	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		if p.Exhausted(attempt + 1) {
			return 0, true
		}
		d := p.JitteredDelay(attempt)
		attempt++
		return d, false
	})

	return goretry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		logger.Debug("Retriable failure",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		return goretry.RetryableError(err)
	})
}
