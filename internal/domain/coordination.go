package domain

import (
	"context"
	"time"
)

// LockManager serialises work on one order across relayer replicas. Keys are
// order ids; Acquire fails with ErrLockHeld instead of waiting.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter counts requests per key in a sliding window. Bids are keyed
// by resolver, API calls by client address.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage is one entry of an order's event history.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries swap events and resolver notices. Publish/Subscribe is
// live fan-out; the stream calls keep per-order history so late websocket
// subscribers can catch up.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	// StreamRead returns up to count entries after lastID ("0" for all).
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
