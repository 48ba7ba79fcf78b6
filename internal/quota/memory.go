package quota

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory for single-instance
// deployments and tests. Counting mirrors the Redis layout: one counter
// per fixed window, summed buckets for sliding windows. Stale windows
// and buckets are pruned on increment so a long-lived process does not
// accumulate counters.
type MemoryStore struct {
	mu      sync.Mutex
	fixed   map[string]*fixedWindow
	sliding map[string]map[int64]int64

	now func() time.Time
}

type fixedWindow struct {
	id    int64
	count int64
}

// NewMemoryStore creates an in-memory quota store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fixed:   make(map[string]*fixedWindow),
		sliding: make(map[string]map[int64]int64),
		now:     time.Now,
	}
}

// IncrFixed implements Store.
func (s *MemoryStore) IncrFixed(_ context.Context, tenant string, metric Metric, size time.Duration, amount int64) (int64, error) {
	sizeSecs := int64(size.Seconds())
	if sizeSecs <= 0 {
		sizeSecs = 1
	}
	windowID := s.now().Unix() / sizeSecs
	key := string(metric) + ":" + tenant + ":fixed:" + strconv.FormatInt(sizeSecs, 10)

	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.fixed[key]
	if w == nil || w.id != windowID {
		// Crossing the boundary drops the previous window's counter.
		w = &fixedWindow{id: windowID}
		s.fixed[key] = w
	}
	w.count += amount
	return w.count, nil
}

// IncrSliding implements Store.
func (s *MemoryStore) IncrSliding(_ context.Context, tenant string, metric Metric, size time.Duration, amount int64) (int64, error) {
	bucketSecs := int64(size.Seconds()) / slidingBuckets
	if bucketSecs <= 0 {
		bucketSecs = 1
	}
	buckets := int64(size.Seconds()) / bucketSecs
	if buckets <= 0 {
		buckets = 1
	}
	current := s.now().Unix() / bucketSecs
	key := string(metric) + ":" + tenant + ":slide:" + strconv.FormatInt(bucketSecs, 10)

	s.mu.Lock()
	defer s.mu.Unlock()
	series := s.sliding[key]
	if series == nil {
		series = make(map[int64]int64)
		s.sliding[key] = series
	}
	series[current] += amount

	oldest := current - buckets + 1
	var total int64
	for id, count := range series {
		if id < oldest {
			delete(series, id)
			continue
		}
		total += count
	}
	return total, nil
}
