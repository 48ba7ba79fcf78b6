package health

import (
	"context"
	"sync"
	"time"

	gwerrors "github.com/modelrelay/relay/pkg/errors"
)

// MemoryStore is an in-memory Store implementation.
//
// Characteristics:
//   - Fast: no network calls
//   - Local-only: state is not shared across instances
//   - No persistence: state is lost on restart
//
// Use it for single-instance deployments, development, and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	config  Config
	now     func() time.Time
}

// NewMemoryStore creates an in-memory health store.
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		config:  cfg.withDefaults(),
		now:     time.Now,
	}
}

// Reconfigure swaps the scoring and cooldown tuning, typically on a
// config reload. Existing records keep their state and are scored with
// the new tuning from the next update on.
func (m *MemoryStore) Reconfigure(cfg Config) {
	m.mu.Lock()
	m.config = cfg.withDefaults()
	m.mu.Unlock()
}

// RecordSuccess implements Store.
func (m *MemoryStore) RecordSuccess(ctx context.Context, key string, latency time.Duration) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec := m.getOrCreateLocked(key)

	alpha := m.config.Alpha
	rec.Score = rec.Score*(1-alpha) + alpha
	rec.ConsecutiveFailures = 0
	rec.CooldownBreaches = 0
	rec.LastSuccess = now
	rec.TotalSuccesses++

	if rec.AvgLatency == 0 {
		rec.AvgLatency = latency
	} else {
		rec.AvgLatency = time.Duration(float64(rec.AvgLatency)*0.9 + float64(latency)*0.1)
	}

	out := *rec
	return &out, nil
}

// RecordFailure implements Store.
func (m *MemoryStore) RecordFailure(ctx context.Context, key string, class gwerrors.Class) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec := m.getOrCreateLocked(key)

	if class != gwerrors.ClassProviderFault {
		out := *rec
		return &out, nil
	}

	alpha := m.config.Alpha
	rec.Score = rec.Score * (1 - alpha)
	rec.ConsecutiveFailures++
	rec.LastFailure = now
	rec.TotalFailures++

	if rec.ConsecutiveFailures >= m.config.CooldownThreshold && !rec.InCooldown(now) {
		rec.CooldownBreaches++
		rec.CooldownUntil = now.Add(m.config.cooldownDuration(rec.CooldownBreaches))
		rec.ConsecutiveFailures = 0
	}

	out := *rec
	return &out, nil
}

// Health implements Store.
func (m *MemoryStore) Health(ctx context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return &Record{Score: 1}, nil
	}
	out := *rec
	return &out, nil
}

// getOrCreateLocked returns the record for key, creating it lazily with a
// full score. Must be called with m.mu held.
func (m *MemoryStore) getOrCreateLocked(key string) *Record {
	rec, ok := m.records[key]
	if !ok {
		rec = &Record{Score: 1}
		m.records[key] = rec
	}
	return rec
}
