package store

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript runs the three-step sliding-window check server-side:
// trim expired members, check cardinality against limit, admit and record
// atomically if under limit. KEYS[1] is the zset key; ARGV is
// now_ns, window_ns, limit, member, ttl_seconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, ttl)
  return {1, limit - count - 1}
else
  return {0, 0}
end
`)

// RedisStore adapts Store to github.com/redis/go-redis/v9.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials the given URL (redis://host:port/db form) and retries
// the initial ping a handful of times before giving up.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	var lastErr error
	for i := 0; i < 10; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			return &RedisStore{client: client}, nil
		}
		log.Printf("[store] redis not ready (%v), retrying in 2s (%d/10)", lastErr, i+1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

// wrapUnavailable turns a non-nil, non-"key absent" Redis error into
// ErrStoreUnavailable so callers can degrade instead of propagating a raw
// client error. redis.Nil (missing key) is left for callers that check it
// themselves.
func wrapUnavailable(err error) error {
	if err == nil || err == redis.Nil {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapUnavailable(r.client.Set(ctx, key, value, ttl).Err())
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, wrapUnavailable(err)
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) error {
	return wrapUnavailable(r.client.Del(ctx, keys...).Err())
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, wrapUnavailable(err)
}

func (r *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return wrapUnavailable(r.client.HSet(ctx, key, args...).Err())
}

func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	if len(v) == 0 {
		return nil, ErrNotFound
	}
	return v, nil
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapUnavailable(r.client.Expire(ctx, key, ttl).Err())
}

func (r *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, wrapUnavailable(iter.Err())
}

func (r *RedisStore) SlidingWindowAdmit(ctx context.Context, key string, now time.Time, limit int, window time.Duration) (bool, int, error) {
	member := strconv.FormatInt(now.UnixNano(), 10)
	res, err := slidingWindowScript.Run(ctx, r.client, []string{key},
		now.UnixNano(), window.Nanoseconds(), limit, member, int64(window.Seconds())+1,
	).Slice()
	if err != nil {
		return false, 0, wrapUnavailable(err)
	}
	allowed := res[0].(int64) == 1
	remaining := int(res[1].(int64))
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, nil
}

func (r *RedisStore) StreamAdd(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
	return id, wrapUnavailable(err)
}

func (r *RedisStore) StreamCreateGroup(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && isBusyGroupErr(err) {
		return nil
	}
	return wrapUnavailable(err)
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (r *RedisStore) StreamReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error) {
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	var out []StreamEntry
	for _, s := range res {
		for _, msg := range s.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				fields[k] = fmt.Sprintf("%v", v)
			}
			out = append(out, StreamEntry{ID: msg.ID, Fields: fields})
		}
	}
	return out, nil
}

func (r *RedisStore) StreamAck(ctx context.Context, stream, group, id string) error {
	return wrapUnavailable(r.client.XAck(ctx, stream, group, id).Err())
}

func (r *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return wrapUnavailable(r.client.Publish(ctx, channel, payload).Err())
}

type redisPubSub struct {
	sub *redis.PubSub
	ch  chan PubSubMessage
}

func (p *redisPubSub) Channel() <-chan PubSubMessage { return p.ch }

func (p *redisPubSub) Close() error { return p.sub.Close() }

func (r *RedisStore) Subscribe(ctx context.Context, patterns ...string) (PubSub, error) {
	sub := r.client.PSubscribe(ctx, patterns...)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, wrapUnavailable(err)
	}
	out := make(chan PubSubMessage, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- PubSubMessage{Channel: msg.Channel, Payload: msg.Payload}
		}
	}()
	return &redisPubSub{sub: sub, ch: out}, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
