package optimistic

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
	"github.com/vladislavdragonenkov/foodorder/internal/metrics"
)

const defaultMaxRetries = 3

// Versioned — сущность с монотонной версией.
type Versioned interface {
	CurrentVersion() int64
}

// Store загружает сущность и выполняет условную запись по версии.
type Store[T Versioned] interface {
	// Load возвращает актуальное состояние сущности.
	Load(ctx context.Context, id string) (T, error)
	// CompareAndSwap записывает next, только если сохранённая версия равна expectedVersion.
	// committed=false без ошибки означает конфликт версий.
	CompareAndSwap(ctx context.Context, next T, expectedVersion int64) (stored T, committed bool, err error)
}

// Mutation — бизнес-действие над свежей копией сущности. Должна заново проверять
// предусловие перехода на переданном состоянии и не иметь внешних побочных эффектов:
// при конфликте она будет вызвана снова.
type Mutation[T Versioned] func(ctx context.Context, current T) (T, error)

// Policy — декларативные параметры повтора.
type Policy struct {
	// MaxRetries — общее число попыток условной записи.
	MaxRetries int `yaml:"max_retries"`
	// Entity — имя сущности для ошибок, логов и метрик.
	Entity string `yaml:"entity"`
	// Backoff — пауза между попытками после конфликта.
	Backoff time.Duration `yaml:"backoff"`
}

// DefaultPolicy возвращает политику по умолчанию: 3 попытки без паузы.
func DefaultPolicy(entity string) Policy {
	return Policy{MaxRetries: defaultMaxRetries, Entity: entity}
}

// ConflictExhaustedError — все попытки исчерпаны на конфликтах версий.
type ConflictExhaustedError struct {
	Entity   string
	ID       string
	Attempts int
}

func (e *ConflictExhaustedError) Error() string {
	return fmt.Sprintf("%s %s: %s after %d attempts", e.Entity, e.ID, domain.ErrOptimisticConflictExhausted, e.Attempts)
}

func (e *ConflictExhaustedError) Unwrap() error {
	return domain.ErrOptimisticConflictExhausted
}

// Retrier оборачивает изменения версионируемых сущностей ограниченным числом повторов.
type Retrier struct {
	policy  Policy
	logger  *log.Entry
	metrics *metrics.ConcurrencyMetrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetrier создаёт обёртку с заданной политикой.
func NewRetrier(policy Policy, logger *log.Entry, m *metrics.ConcurrencyMetrics) *Retrier {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = defaultMaxRetries
	}
	if policy.Entity == "" {
		policy.Entity = "entity"
	}
	if logger == nil {
		logger = log.WithField("component", "optimistic-retry")
	}
	return &Retrier{policy: policy, logger: logger, metrics: m, sleep: sleepContext}
}

// Policy возвращает действующую политику.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Execute загружает сущность по id и применяет mutate с условной записью.
// При конфликте версии состояние перечитывается и mutate вызывается заново.
func Execute[T Versioned](ctx context.Context, r *Retrier, store Store[T], id string, mutate Mutation[T]) (T, error) {
	var zero T
	return run(ctx, r, store, id, zero, false, mutate)
}

// ExecuteFrom начинает с уже загруженного состояния current; последующие попытки перечитывают сущность.
func ExecuteFrom[T Versioned](ctx context.Context, r *Retrier, store Store[T], id string, current T, mutate Mutation[T]) (T, error) {
	return run(ctx, r, store, id, current, true, mutate)
}

func run[T Versioned](ctx context.Context, r *Retrier, store Store[T], id string, current T, loaded bool, mutate Mutation[T]) (T, error) {
	var (
		zero    T
		lastErr error
	)
	entity := r.policy.Entity
	logger := r.logger.WithFields(log.Fields{"entity": entity, "entity_id": id})

	for attempt := 1; attempt <= r.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		if !loaded {
			fresh, err := store.Load(ctx, id)
			if err != nil {
				if domain.IsBusinessError(err) {
					r.metrics.RecordOptimisticAttempt(entity, metrics.ResultAborted)
					return zero, err
				}
				lastErr = err
				r.metrics.RecordOptimisticAttempt(entity, metrics.ResultError)
				logger.WithError(err).WithField("attempt", attempt).Warn("load failed, retrying")
				continue
			}
			current = fresh
		}
		loaded = false

		expected := current.CurrentVersion()
		next, err := mutate(ctx, current)
		if err != nil {
			if domain.IsBusinessError(err) {
				r.metrics.RecordOptimisticAttempt(entity, metrics.ResultAborted)
				return zero, err
			}
			lastErr = err
			r.metrics.RecordOptimisticAttempt(entity, metrics.ResultError)
			logger.WithError(err).WithField("attempt", attempt).Warn("mutation failed, retrying")
			continue
		}

		stored, committed, err := store.CompareAndSwap(ctx, next, expected)
		if domain.IsVersionConflict(err) {
			committed, err = false, nil
		}
		if err != nil {
			if domain.IsBusinessError(err) {
				r.metrics.RecordOptimisticAttempt(entity, metrics.ResultAborted)
				return zero, err
			}
			lastErr = err
			r.metrics.RecordOptimisticAttempt(entity, metrics.ResultError)
			logger.WithError(err).WithField("attempt", attempt).Warn("conditional update failed, retrying")
			continue
		}
		if committed {
			r.metrics.RecordOptimisticAttempt(entity, metrics.ResultCommitted)
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("conditional update succeeded after retry")
			}
			return stored, nil
		}

		lastErr = domain.ErrOrderVersionConflict
		r.metrics.RecordOptimisticAttempt(entity, metrics.ResultConflict)
		logger.WithFields(log.Fields{
			"attempt":          attempt,
			"expected_version": expected,
		}).Debug("version conflict, reloading")

		if attempt < r.policy.MaxRetries && r.policy.Backoff > 0 {
			if err := r.sleep(ctx, r.policy.Backoff); err != nil {
				return zero, err
			}
		}
	}

	if lastErr == nil || errors.Is(lastErr, domain.ErrOrderVersionConflict) {
		r.metrics.RecordOptimisticAttempt(entity, metrics.ResultExhausted)
		logger.WithField("attempts", r.policy.MaxRetries).Warn("optimistic retries exhausted")
		return zero, &ConflictExhaustedError{Entity: entity, ID: id, Attempts: r.policy.MaxRetries}
	}
	return zero, fmt.Errorf("%s %s: giving up after %d attempts: %w", entity, id, r.policy.MaxRetries, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
