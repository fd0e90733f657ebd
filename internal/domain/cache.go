package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest mark prices fed from venue
// streams, used for slippage estimation and as a pricing-service fallback.
type PriceCache interface {
	SetPrice(ctx context.Context, asset string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, asset string) (float64, time.Time, error)
}

// LockManager provides the per-venue execution lock: no two orders may be in
// flight for the same venue at once. Acquire returns ErrLockHeld when the
// lock is already taken.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub fan-out of lifecycle events to external
// subscribers. Publish failures must never block trading logic.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
