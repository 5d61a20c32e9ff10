package memory

import (
	"context"
	"math"
	"sync"
	"time"
)

// bucketTTL совпадает с TTL состояния token bucket в Redis.
const bucketTTL = time.Hour

type windowCounter struct {
	count     int64
	expiresAt time.Time
}

type bucketState struct {
	tokens        float64
	lastRefreshed int64
	expiresAt     time.Time
}

// CounterStore — in-memory аналог Redis-счётчиков для тестов.
// Повторяет семантику Lua-скриптов, но только внутри одного процесса.
type CounterStore struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	buckets  map[string]*bucketState
	now      func() time.Time
}

// NewCounterStore создаёт in-memory хранилище счётчиков.
func NewCounterStore() *CounterStore {
	return NewCounterStoreWithClock(time.Now)
}

// NewCounterStoreWithClock позволяет управлять окном фиксированного счётчика в тестах.
func NewCounterStoreWithClock(now func() time.Time) *CounterStore {
	return &CounterStore{
		counters: make(map[string]*windowCounter),
		buckets:  make(map[string]*bucketState),
		now:      now,
	}
}

// IncrementWithExpiry увеличивает счётчик; при первом попадании задаёт срок окна.
func (s *CounterStore) IncrementWithExpiry(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &windowCounter{}
		s.counters[key] = c
	}
	c.count++
	if c.count == 1 {
		c.expiresAt = now.Add(window)
	}
	return c.count, nil
}

// TokenBucketCheck лениво пополняет корзину и списывает requested токенов, если их хватает.
func (s *CounterStore) TokenBucketCheck(_ context.Context, key string, capacity, ratePerSec, requested float64, nowMillis int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok || !now.Before(b.expiresAt) {
		b = &bucketState{tokens: capacity, lastRefreshed: nowMillis}
		s.buckets[key] = b
	}

	elapsed := nowMillis - b.lastRefreshed
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := math.Min(capacity, b.tokens+float64(elapsed)/1000*ratePerSec)

	allowed := tokens >= requested
	if allowed {
		tokens -= requested
	}
	b.tokens = tokens
	b.lastRefreshed = nowMillis
	b.expiresAt = now.Add(bucketTTL)

	return allowed, nil
}
