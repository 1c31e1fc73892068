package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNoCallback is returned when WithLock is called without a function.
var ErrNoCallback = errors.New("lock: callback not provided")

// DefaultTTL bounds how long a crashed holder can keep a key locked.
const DefaultTTL = 30 * time.Second

// Locker serializes work on a key. fn runs while the lock is held and the
// lock is released when fn returns, whatever its result.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// OrderKey is the lock key guarding mutations of one order.
func OrderKey(orderID string) string {
	return "pricing:order:" + orderID + ":lock"
}

// WaitObserver receives the time spent waiting before a lock was acquired.
type WaitObserver func(time.Duration)

func (o WaitObserver) observe(start time.Time) {
	if o != nil {
		o(time.Since(start))
	}
}
