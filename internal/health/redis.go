package health

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	gwerrors "github.com/modelrelay/relay/pkg/errors"
)

const defaultKeyPrefix = "relay:health"

// RedisStore implements Store on Redis so every gateway instance
// observes the same health state. All mutations run through Lua scripts;
// see scripts.go.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string

	mu     sync.RWMutex
	config Config

	successScript *redis.Script
	failureScript *redis.Script
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the Redis key prefix (default "relay:health").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.keyPrefix = prefix
	}
}

// NewRedisStore creates a Redis-backed health store.
func NewRedisStore(client redis.UniversalClient, cfg Config, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		config:    cfg.withDefaults(),
		keyPrefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.successScript = redis.NewScript(recordSuccessScript)
	s.failureScript = redis.NewScript(recordFailureScript)
	return s
}

// Reconfigure swaps the scoring and cooldown tuning, typically on a
// config reload. The next script invocation runs with the new values.
func (s *RedisStore) Reconfigure(cfg Config) {
	s.mu.Lock()
	s.config = cfg.withDefaults()
	s.mu.Unlock()
}

// tuning snapshots the current config for one script invocation.
func (s *RedisStore) tuning() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// recordKey builds the hash key for a candidate. The hash tag keeps a
// candidate's record on a single cluster node.
func (s *RedisStore) recordKey(key string) string {
	return s.keyPrefix + ":{" + key + "}"
}

// RecordSuccess implements Store.
func (s *RedisStore) RecordSuccess(ctx context.Context, key string, latency time.Duration) (*Record, error) {
	cfg := s.tuning()
	args := []interface{}{
		time.Now().UnixMilli(),
		latency.Milliseconds(),
		cfg.Alpha,
		int(cfg.RecordTTL.Seconds()),
	}
	res, err := s.successScript.Run(ctx, s.client, []string{s.recordKey(key)}, args...).Result()
	if err != nil {
		return nil, err
	}
	return parseRecord(res)
}

// RecordFailure implements Store. Non-provider-attributable classes do
// not touch the record.
func (s *RedisStore) RecordFailure(ctx context.Context, key string, class gwerrors.Class) (*Record, error) {
	if class != gwerrors.ClassProviderFault {
		return s.Health(ctx, key)
	}

	cfg := s.tuning()
	args := []interface{}{
		time.Now().UnixMilli(),
		cfg.Alpha,
		cfg.CooldownThreshold,
		cfg.CooldownBase.Milliseconds(),
		cfg.CooldownMax.Milliseconds(),
		int(cfg.RecordTTL.Seconds()),
	}
	res, err := s.failureScript.Run(ctx, s.client, []string{s.recordKey(key)}, args...).Result()
	if err != nil {
		return nil, err
	}
	return parseRecord(res)
}

// Health implements Store.
func (s *RedisStore) Health(ctx context.Context, key string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return &Record{Score: 1}, nil
	}
	return recordFromMap(fields), nil
}

// parseRecord converts the flat field/value array a script returns into
// a Record.
func parseRecord(res interface{}) (*Record, error) {
	slice, ok := res.([]interface{})
	if !ok {
		return &Record{Score: 1}, nil
	}
	fields := make(map[string]string, len(slice)/2)
	for i := 0; i+1 < len(slice); i += 2 {
		k, kok := slice[i].(string)
		v, vok := slice[i+1].(string)
		if kok && vok {
			fields[k] = v
		}
	}
	return recordFromMap(fields), nil
}

func recordFromMap(fields map[string]string) *Record {
	rec := &Record{Score: 1}
	if v, ok := fields["score"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			rec.Score = f
		}
	}
	rec.ConsecutiveFailures = int(parseIntField(fields, "consecutive_failures"))
	rec.CooldownBreaches = int(parseIntField(fields, "cooldown_breaches"))
	rec.TotalSuccesses = parseIntField(fields, "total_successes")
	rec.TotalFailures = parseIntField(fields, "total_failures")
	if ms := parseIntField(fields, "last_success_ms"); ms > 0 {
		rec.LastSuccess = time.UnixMilli(ms)
	}
	if ms := parseIntField(fields, "last_failure_ms"); ms > 0 {
		rec.LastFailure = time.UnixMilli(ms)
	}
	if ms := parseIntField(fields, "cooldown_until_ms"); ms > 0 {
		rec.CooldownUntil = time.UnixMilli(ms)
	}
	if v, ok := fields["avg_latency_ms"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			rec.AvgLatency = time.Duration(f * float64(time.Millisecond))
		}
	}
	return rec
}

func parseIntField(fields map[string]string, name string) int64 {
	v, ok := fields[name]
	if !ok {
		return 0
	}
	// Lua may hand back integers formatted as floats.
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return int64(f)
	}
	return 0
}
