package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/foodorder/internal/ratelimit"
)

// Фиксированное окно: TTL ставится только при первом попадании,
// отклонённые попытки тоже увеличивают счётчик.
var fixedWindowScript = goredis.NewScript(`
local current = redis.call('incr', KEYS[1])
if current == 1 then
    redis.call('pexpire', KEYS[1], ARGV[1])
end
return current
`)

// Token bucket с ленивым пополнением. Состояние: hash {tokens, last_refreshed},
// TTL обновляется на каждом обращении.
var tokenBucketScript = goredis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local last_tokens = tonumber(redis.call('hget', key, 'tokens') or capacity)
local last_refreshed = tonumber(redis.call('hget', key, 'last_refreshed') or '0')

local elapsed = math.max(0, now - last_refreshed)
local tokens = math.min(capacity, last_tokens + (elapsed / 1000.0) * rate)

local allowed = 0
if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
end

redis.call('hset', key, 'tokens', tostring(tokens), 'last_refreshed', now)
redis.call('expire', key, ARGV[5])
return allowed
`)

const bucketTTLSeconds = 3600

// CounterStore — атомарные счётчики ограничителя на Redis.
type CounterStore struct {
	rdb *goredis.Client
}

// NewCounterStore создаёт хранилище счётчиков.
func NewCounterStore(store *Store) *CounterStore {
	return &CounterStore{rdb: store.Client()}
}

func (s *CounterStore) IncrementWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := fixedWindowScript.Run(ctx, s.rdb, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis fixed window: %w", err)
	}
	return count, nil
}

func (s *CounterStore) TokenBucketCheck(ctx context.Context, key string, capacity, rate, requested float64, nowMillis int64) (bool, error) {
	allowed, err := tokenBucketScript.Run(ctx, s.rdb, []string{key},
		formatFloat(capacity),
		nowMillis,
		formatFloat(rate),
		formatFloat(requested),
		bucketTTLSeconds,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis token bucket: %w", err)
	}
	return allowed == 1, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var _ ratelimit.CounterStore = (*CounterStore)(nil)
