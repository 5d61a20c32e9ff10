package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/foodorder/internal/lock"
)

// Удаляем ключ, только если он всё ещё принадлежит вызывающему.
var compareAndDeleteScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`)

// LockStore — хранилище аренд на Redis: SET NX PX для захвата
// и Lua compare-and-delete для освобождения.
type LockStore struct {
	rdb    *goredis.Client
	prefix string
}

// NewLockStore создаёт хранилище блокировок. prefix добавляется к каждому ключу.
func NewLockStore(store *Store, prefix string) *LockStore {
	return &LockStore{rdb: store.Client(), prefix: prefix}
}

func (s *LockStore) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.prefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis set nx: %w", err)
	}
	return ok, nil
}

func (s *LockStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	deleted, err := compareAndDeleteScript.Run(ctx, s.rdb, []string{s.prefix + key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare and delete: %w", err)
	}
	return deleted == 1, nil
}

var _ lock.Store = (*LockStore)(nil)
