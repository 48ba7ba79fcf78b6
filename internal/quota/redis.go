package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "relay:quota"

// slidingBuckets is the granularity of the trailing-window counter. The
// window is split into this many sub-counters that are summed on read,
// so the count decays in window/slidingBuckets steps instead of
// resetting at a boundary.
const slidingBuckets = 60

// fixedWindowScript increments a fixed-window counter and returns the
// new count. The TTL is set only when the key is fresh so a busy window
// never extends its own life.
//
// KEYS[1] = window counter
// ARGV[1] = amount
// ARGV[2] = TTL (seconds)
const fixedWindowScript = `
local count = redis.call('INCRBY', KEYS[1], ARGV[1])
if redis.call('TTL', KEYS[1]) < 0 then
    redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return count
`

// slidingWindowScript increments the current bucket and returns the sum
// over every bucket in the trailing window. Increment and sum run in one
// script so concurrent callers observe strictly increasing totals.
//
// KEYS[1]    = current bucket
// KEYS[2..n] = older buckets, newest first
// ARGV[1]    = amount
// ARGV[2]    = bucket TTL (seconds)
const slidingWindowScript = `
local total = redis.call('INCRBY', KEYS[1], ARGV[1])
if redis.call('TTL', KEYS[1]) < 0 then
    redis.call('EXPIRE', KEYS[1], ARGV[2])
end
for i = 2, #KEYS do
    total = total + (tonumber(redis.call('GET', KEYS[i])) or 0)
end
return total
`

// RedisStore implements Store on Redis so admission counts are shared
// across gateway instances.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string

	// now is replaceable in tests to pin window boundaries.
	now func() time.Time

	fixedScript   *redis.Script
	slidingScript *redis.Script
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the Redis key prefix (default "relay:quota").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.keyPrefix = prefix
	}
}

// NewRedisStore creates a Redis-backed quota store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.fixedScript = redis.NewScript(fixedWindowScript)
	s.slidingScript = redis.NewScript(slidingWindowScript)
	return s
}

// IncrFixed implements Store. The window ID is derived from the wall
// clock so every instance agrees on window boundaries.
func (s *RedisStore) IncrFixed(ctx context.Context, tenant string, metric Metric, size time.Duration, amount int64) (int64, error) {
	sizeSecs := int64(size.Seconds())
	if sizeSecs <= 0 {
		sizeSecs = 1
	}
	windowID := s.now().Unix() / sizeSecs
	key := fmt.Sprintf("%s:{%s}:%s:fixed:%d:%d", s.keyPrefix, tenant, metric, sizeSecs, windowID)

	// Keep the counter one extra window so late stragglers still see it.
	ttl := sizeSecs * 2
	res, err := s.fixedScript.Run(ctx, s.client, []string{key}, amount, ttl).Int64()
	if err != nil {
		return 0, fmt.Errorf("quota fixed window incr: %w", err)
	}
	return res, nil
}

// IncrSliding implements Store using bucketed counters summed over the
// trailing window.
func (s *RedisStore) IncrSliding(ctx context.Context, tenant string, metric Metric, size time.Duration, amount int64) (int64, error) {
	bucketSecs := int64(size.Seconds()) / slidingBuckets
	if bucketSecs <= 0 {
		bucketSecs = 1
	}
	buckets := int64(size.Seconds()) / bucketSecs
	if buckets <= 0 {
		buckets = 1
	}

	current := s.now().Unix() / bucketSecs
	keys := make([]string, 0, buckets)
	for i := int64(0); i < buckets; i++ {
		keys = append(keys, s.bucketKey(tenant, metric, bucketSecs, current-i))
	}

	ttl := bucketSecs * (buckets + 1)
	res, err := s.slidingScript.Run(ctx, s.client, keys, amount, ttl).Int64()
	if err != nil {
		return 0, fmt.Errorf("quota sliding window incr: %w", err)
	}
	return res, nil
}

func (s *RedisStore) bucketKey(tenant string, metric Metric, bucketSecs, bucketID int64) string {
	return s.keyPrefix + ":{" + tenant + "}:" + string(metric) + ":slide:" +
		strconv.FormatInt(bucketSecs, 10) + ":" + strconv.FormatInt(bucketID, 10)
}
