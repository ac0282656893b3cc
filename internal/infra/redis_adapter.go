// Package infra provides the concrete Redis adapter used for coordination:
// device state, refresh sessions, baselines, job queue, and the
// kill-switch pub/sub channel.
//
// The adapter wraps go-redis v9 behind the small interfaces the services
// consume, so tests can run against miniredis through the same paths.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned by Get for absent keys.
var ErrKeyNotFound = fmt.Errorf("key not found")

// RedisAdapter wraps go-redis v9 with the typed operations the control
// plane needs: strings with TTL, hashes, capped lists, atomic counters,
// DEL-with-count, and pub/sub.
type RedisAdapter struct {
	rdb *redis.Client
}

// NewRedisAdapter connects using a redis:// or rediss:// URL and verifies
// connectivity with a ping. The pool is bounded at 64 connections.
func NewRedisAdapter(url string) (*RedisAdapter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = 64
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisAdapter{rdb: rdb}, nil
}

// NewRedisAdapterFromClient wraps an existing client. Used by tests to run
// the adapter against miniredis.
func NewRedisAdapterFromClient(rdb *redis.Client) *RedisAdapter {
	return &RedisAdapter{rdb: rdb}
}

// Close shuts down the underlying client and its pool.
func (a *RedisAdapter) Close() error {
	return a.rdb.Close()
}

// Ping verifies connectivity; used by the health endpoint.
func (a *RedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

// =============================================================================
// Strings / TTL
// =============================================================================

func (a *RedisAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *RedisAdapter) Get(ctx context.Context, key string) (string, error) {
	val, err := a.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrKeyNotFound
	}
	return val, err
}

// DelCount deletes keys and returns how many existed. Redis guarantees the
// count atomically, which makes this the single-use gate for refresh
// redemption: count==0 means another redemption already consumed the key.
func (a *RedisAdapter) DelCount(ctx context.Context, keys ...string) (int64, error) {
	return a.rdb.Del(ctx, keys...).Result()
}

// TTL returns the remaining lifetime of a key. Redis reports -2 for a
// missing key and -1 for a key without expiry; both map onto negative
// durations here, so callers check Exists separately when it matters.
func (a *RedisAdapter) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := a.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	// go-redis returns -2ns for missing keys
	if d < 0 && d > -2*time.Nanosecond {
		return 0, true, nil // exists, no expiry
	}
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

// Incr atomically increments a counter, creating it at 1.
func (a *RedisAdapter) Incr(ctx context.Context, key string) (int64, error) {
	return a.rdb.Incr(ctx, key).Result()
}

// Expire sets a TTL on an existing key.
func (a *RedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.rdb.Expire(ctx, key, ttl).Err()
}

// ScanDel deletes every key matching pattern, scanning in batches of 100.
func (a *RedisAdapter) ScanDel(ctx context.Context, pattern string) (int64, error) {
	var cursor uint64
	var deleted int64
	for {
		keys, next, err := a.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := a.rdb.Del(ctx, keys...).Result()
			deleted += n
			if err != nil {
				return deleted, err
			}
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// =============================================================================
// Lists (recent payload buffer, job queue, metric samples)
// =============================================================================

// LPushTrim prepends a value and trims the list to max entries, newest
// first. Used for the sig:<device> buffer and trust history.
func (a *RedisAdapter) LPushTrim(ctx context.Context, key, value string, max int64) error {
	pipe := a.rdb.Pipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, max-1)
	_, err := pipe.Exec(ctx)
	return err
}

func (a *RedisAdapter) LPush(ctx context.Context, key, value string) error {
	return a.rdb.LPush(ctx, key, value).Err()
}

func (a *RedisAdapter) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return a.rdb.LRange(ctx, key, start, stop).Result()
}

func (a *RedisAdapter) LLen(ctx context.Context, key string) (int64, error) {
	return a.rdb.LLen(ctx, key).Result()
}

// BRPop blocks until a value is available on the list or the timeout
// elapses. A zero-length result with nil error means timeout.
func (a *RedisAdapter) BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	res, err := a.rdb.BRPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// res is [key, value]
	if len(res) != 2 {
		return "", false, fmt.Errorf("unexpected BRPOP reply: %v", res)
	}
	return res[1], true, nil
}

// =============================================================================
// Hashes (subscription cache, Welford baseline)
// =============================================================================

func (a *RedisAdapter) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	vals := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		vals = append(vals, k, v)
	}
	pipe := a.rdb.Pipeline()
	pipe.HSet(ctx, key, vals...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (a *RedisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return a.rdb.HGetAll(ctx, key).Result()
}

// =============================================================================
// Pub/Sub (kill-switch channel)
// =============================================================================

func (a *RedisAdapter) Publish(ctx context.Context, channel, message string) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a channel and returns an
// unsubscribe function. The handler runs on a dedicated goroutine until
// unsubscribe is called, at which point the goroutine drains and exits.
func (a *RedisAdapter) Subscribe(ctx context.Context, channel string, handler func(string)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation before reporting success.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			handler(msg.Payload)
		}
	}()

	unsub := func() {
		sub.Unsubscribe(context.Background(), channel)
		sub.Close()
		<-done
	}
	return unsub, nil
}
