// Package store abstracts the external key-value/stream/pub-sub dependency
// the gateway's stateful subsystems lean on. Two implementations exist:
// RedisStore for production, MemoryStore as the in-process fallback used
// when no shared store is configured and as the test double.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable is returned whenever the backing store cannot service
// a call. Callers degrade (local cache, in-memory fallback, skipped fan-out)
// rather than propagate it raw.
var ErrStoreUnavailable = errors.New("store: unavailable")

// ErrNotFound indicates a key or hash was absent.
var ErrNotFound = errors.New("store: not found")

// StreamEntry is one delivered (or appended) entry of a stream.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// PubSub is a subscription handle; callers range over Channel() until Close.
type PubSub interface {
	Channel() <-chan PubSubMessage
	Close() error
}

// PubSubMessage is one message delivered on a subscribed channel/pattern.
type PubSubMessage struct {
	Channel string
	Payload string
}

// Store is the seam every stateful subsystem (registry, rate limiter, event
// bus, websocket bus) talks to instead of a concrete driver.
type Store interface {
	// Strings
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Hashes
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Sorted sets (rate limiting)
	// SlidingWindowAdmit atomically evicts entries older than window,
	// admits `now` if the remaining cardinality is below limit, and
	// returns (admitted, remaining).
	SlidingWindowAdmit(ctx context.Context, key string, now time.Time, limit int, window time.Duration) (bool, int, error)

	// Streams
	StreamAdd(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error)
	StreamCreateGroup(ctx context.Context, stream, group string) error
	StreamReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error)
	StreamAck(ctx context.Context, stream, group, id string) error

	// Pub/Sub
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, patterns ...string) (PubSub, error)

	// Ping reports store reachability; used for health endpoints and to
	// decide whether subsystems should degrade.
	Ping(ctx context.Context) error

	Close() error
}
