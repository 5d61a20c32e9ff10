package memory

import (
	"context"
	"sync"
	"time"
)

type lockEntry struct {
	token     string
	expiresAt time.Time
}

// LockStore — in-memory хранилище аренд для тестов и локального запуска.
// Работает только в пределах одного процесса; в проде используется Redis.
type LockStore struct {
	mu      sync.Mutex
	entries map[string]lockEntry
	now     func() time.Time
}

// NewLockStore создаёт in-memory хранилище блокировок.
func NewLockStore() *LockStore {
	return NewLockStoreWithClock(time.Now)
}

// NewLockStoreWithClock позволяет управлять временем истечения аренды в тестах.
func NewLockStoreWithClock(now func() time.Time) *LockStore {
	return &LockStore{entries: make(map[string]lockEntry), now: now}
}

// SetIfAbsent записывает token, если ключ свободен или его аренда истекла.
func (s *LockStore) SetIfAbsent(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = lockEntry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// CompareAndDelete удаляет ключ, только если он принадлежит token.
func (s *LockStore) CompareAndDelete(_ context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expiresAt) || e.token != token {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Holder возвращает текущий токен владельца (используется в тестах).
func (s *LockStore) Holder(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return "", false
	}
	return e.token, true
}
