package ratelimit

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
	"github.com/vladislavdragonenkov/foodorder/internal/metrics"
)

// CounterStore — атомарные операции над счётчиками во внешнем хранилище.
// Каждая операция выполняется одним серверным скриптом.
type CounterStore interface {
	// IncrementWithExpiry увеличивает счётчик key и при первом попадании задаёт TTL окна.
	IncrementWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error)
	// TokenBucketCheck пополняет корзину по прошедшему времени и списывает requested токенов.
	TokenBucketCheck(ctx context.Context, key string, capacity, rate, requested float64, nowMillis int64) (bool, error)
}

// RateLimitExceededError — запрос отклонён ограничителем.
type RateLimitExceededError struct {
	Policy  string
	Key     string
	Message string
}

func (e *RateLimitExceededError) Error() string {
	return e.Message
}

func (e *RateLimitExceededError) Unwrap() error {
	return domain.ErrRateLimitExceeded
}

// Limiter решает, допускать ли запрос. Ошибки хранилища не пробрасываются:
// ограничитель пропускает запрос и пишет предупреждение в лог.
type Limiter struct {
	store   CounterStore
	logger  *log.Entry
	metrics *metrics.ConcurrencyMetrics
	now     func() time.Time
}

// NewLimiter создаёт ограничитель поверх store.
func NewLimiter(store CounterStore, logger *log.Entry, m *metrics.ConcurrencyMetrics) *Limiter {
	if logger == nil {
		logger = log.WithField("component", "rate-limiter")
	}
	return &Limiter{store: store, logger: logger, metrics: m, now: time.Now}
}

// WithClock подменяет источник времени для token bucket.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// AllowFixedWindow — фиксированное окно: отказ, если после инкремента счётчик превысил limit.
// Отклонённые попытки тоже увеличивают счётчик, окно от них не сбрасывается.
func (l *Limiter) AllowFixedWindow(ctx context.Context, key string, window time.Duration, limit int64) bool {
	count, err := l.store.IncrementWithExpiry(ctx, key, window)
	if err != nil {
		l.failOpen(key, "fixed_window", err)
		return true
	}
	return count <= limit
}

// AllowTokenBucket — token bucket с ленивым пополнением в момент проверки.
func (l *Limiter) AllowTokenBucket(ctx context.Context, key string, capacity, rate, requested float64) bool {
	allowed, err := l.store.TokenBucketCheck(ctx, key, capacity, rate, requested, l.now().UnixMilli())
	if err != nil {
		l.failOpen(key, "token_bucket", err)
		return true
	}
	return allowed
}

// IsAllowed применяет алгоритм политики к уже вычисленному ключу.
func (l *Limiter) IsAllowed(ctx context.Context, policy Policy, key string) bool {
	var allowed bool
	switch policy.Algorithm {
	case AlgorithmTokenBucket:
		allowed = l.AllowTokenBucket(ctx, key, policy.Capacity, policy.Rate, policy.Requested)
	default:
		allowed = l.AllowFixedWindow(ctx, key, policy.Window(), policy.Limit)
	}
	l.metrics.RecordRateLimitDecision(policy.Name, allowed)
	return allowed
}

// Check вычисляет ключ для вызывающего и возвращает *RateLimitExceededError при отказе.
func (l *Limiter) Check(ctx context.Context, policy Policy, id Identity) error {
	policy = policy.WithDefaults()
	key := policy.ResolveKey(id)
	if l.IsAllowed(ctx, policy, key) {
		return nil
	}
	l.logger.WithFields(log.Fields{
		"policy":    policy.Name,
		"limit_key": key,
	}).Warn("rate limit exceeded")
	return &RateLimitExceededError{Policy: policy.Name, Key: key, Message: policy.Message}
}

// Guard оборачивает операцию проверкой политики.
func Guard[T any](l *Limiter, policy Policy, fn func(ctx context.Context, id Identity) (T, error)) func(ctx context.Context, id Identity) (T, error) {
	return func(ctx context.Context, id Identity) (T, error) {
		if err := l.Check(ctx, policy, id); err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx, id)
	}
}

func (l *Limiter) failOpen(key, algorithm string, err error) {
	l.metrics.RecordRateLimitStoreError()
	l.logger.WithError(fmt.Errorf("counter store unavailable: %w", err)).WithFields(log.Fields{
		"limit_key": key,
		"algorithm": algorithm,
	}).Error("rate limiter store failed, allowing request")
}
