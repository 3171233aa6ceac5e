package domain

import (
	"context"
	"time"
)

// BalanceCache provides fast read-only access to the latest balance view per
// (platform, asset). It is refreshed by the engine and consumed by dashboards
// and strategy code; it is never an input to ledger decisions.
type BalanceCache interface {
	Set(ctx context.Context, b Balance) error
	Get(ctx context.Context, key BalanceKey) (Balance, error)
	ListByPlatform(ctx context.Context, platform Platform) ([]Balance, error)
}

// RateLimiter provides distributed rate limiting for outbound platform
// requests.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking. The engine uses it to guarantee a
// single live coordinator session per platform across processes.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus publishes lifecycle events and signals for external observers,
// combining ephemeral pub/sub with durable, ordered streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
