package service

import (
	"context"
	"sync"
	"time"

	"food-payments/internal/errs"
	"food-payments/internal/redisclient"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultLockTTL = 30 * time.Second

var errOrderBusy = errs.Conflict("order is being updated by another request")

// LocalLocker is an in-process Locker for single-instance deployments
// without Redis.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
}

type localLease struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: make(map[string]localLease), now: time.Now}
}

func (l *LocalLocker) AcquireLock(_ context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if lease, ok := l.leases[lockKey]; ok && now.Before(lease.expires) {
		return "", false, nil
	}
	token := uuid.New().String()
	l.leases[lockKey] = localLease{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *LocalLocker) ExtendLock(_ context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	lease, ok := l.leases[lockKey]
	if !ok || lease.token != token || !now.Before(lease.expires) {
		return false, nil
	}
	lease.expires = now.Add(ttl)
	l.leases[lockKey] = lease
	return true, nil
}

func (l *LocalLocker) ReleaseLock(_ context.Context, lockKey, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, ok := l.leases[lockKey]; ok && lease.token == token {
		delete(l.leases, lockKey)
	}
	return nil
}

// orderLeases serializes status-mutating work per order
type orderLeases struct {
	locker Locker
	ttl    time.Duration
	logger *zap.Logger
}

func newOrderLeases(locker Locker, ttl time.Duration, logger *zap.Logger) *orderLeases {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &orderLeases{locker: locker, ttl: ttl, logger: logger}
}

// with runs fn while holding the order's lease. It returns errOrderBusy when
// another holder has it. The lease is renewed while fn runs; if it is lost,
// the context handed to fn is cancelled.
func (l *orderLeases) with(ctx context.Context, orderID int64, fn func(ctx context.Context) error) error {
	key := redisclient.OrderLockKey(orderID)
	token, ok, err := l.locker.AcquireLock(ctx, key, l.ttl)
	if err != nil {
		return errs.Unavailable(err, "order lock unavailable")
	}
	if !ok {
		return errOrderBusy
	}

	leaseCtx, cancel := context.WithCancel(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(leaseCtx, cancel, orderID, key, token)
	}()
	defer func() {
		cancel()
		<-renewed
		if err := l.locker.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
			l.logger.Warn("Failed to release order lock", zap.Int64("order_id", orderID), zap.Error(err))
		}
	}()
	return fn(leaseCtx)
}

// renew extends the lease every third of its ttl until ctx ends. A lease
// taken over by someone else, or one that could not be extended before it
// expired, cancels the holder.
func (l *orderLeases) renew(ctx context.Context, lost context.CancelFunc, orderID int64, key, token string) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	renewedAt := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok, err := l.locker.ExtendLock(ctx, key, token, l.ttl)
		switch {
		case err == nil && ok:
			renewedAt = time.Now()
			continue
		case err != nil && time.Since(renewedAt) < l.ttl:
			l.logger.Warn("Failed to extend order lock", zap.Int64("order_id", orderID), zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			return
		}
		l.logger.Error("Order lock lost, abandoning work", zap.Int64("order_id", orderID), zap.Error(err))
		lost()
		return
	}
}
