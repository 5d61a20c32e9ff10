package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
	"github.com/vladislavdragonenkov/foodorder/internal/metrics"
)

const defaultPollInterval = 50 * time.Millisecond

// Store — внешнее хранилище блокировок. Состояние живёт только в нём,
// поэтому координатор корректен для нескольких инстансов сервиса.
type Store interface {
	// SetIfAbsent атомарно пишет token по key с TTL, если ключа ещё нет.
	SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// CompareAndDelete удаляет key, только если его значение равно token.
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
}

// Lease — выданная аренда блокировки. Истекает в хранилище сама через TTL,
// даже если владелец упал.
type Lease struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// ExpiresAt возвращает момент, после которого аренда больше не гарантирована.
func (l Lease) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.TTL)
}

// Options задаёт параметры координатора.
type Options struct {
	Logger       *log.Entry
	Metrics      *metrics.ConcurrencyMetrics
	PollInterval time.Duration
	TokenFunc    func() string
	Now          func() time.Time
}

// Option настраивает Coordinator.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics подключает метрики блокировок.
func WithMetrics(m *metrics.ConcurrencyMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithPollInterval задаёт частоту повторных попыток при ожидании.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.PollInterval = interval
	}
}

// WithTokenFunc подменяет генератор токенов владельца.
func WithTokenFunc(fn func() string) Option {
	return func(opts *Options) {
		opts.TokenFunc = fn
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Now = now
	}
}

// Coordinator выдаёт и освобождает аренды по логическому ключу ресурса.
type Coordinator struct {
	store        Store
	logger       *log.Entry
	metrics      *metrics.ConcurrencyMetrics
	pollInterval time.Duration
	newToken     func() string
	now          func() time.Time
}

// NewCoordinator создаёт координатор поверх store.
func NewCoordinator(store Store, options ...Option) *Coordinator {
	opts := Options{PollInterval: defaultPollInterval}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "lock-coordinator")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.TokenFunc == nil {
		opts.TokenFunc = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Coordinator{
		store:        store,
		logger:       logger,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		newToken:     opts.TokenFunc,
		now:          opts.Now,
	}
}

// Acquire пытается получить аренду key на leaseDuration, ожидая не дольше waitTimeout.
// По истечении ожидания возвращает ErrLockAcquisitionTimeout. Ошибка хранилища
// прерывает ожидание сразу: доступ без блокировки не выдаётся.
func (c *Coordinator) Acquire(ctx context.Context, key string, waitTimeout, leaseDuration time.Duration) (Lease, error) {
	if key == "" {
		return Lease{}, errors.New("lock key is required")
	}
	if leaseDuration <= 0 {
		return Lease{}, errors.New("lease duration must be positive")
	}

	start := c.now()
	token := c.newToken()

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	// Первая попытка идёт без задержки, дальше опрос с шагом pollInterval.
	limiter := rate.NewLimiter(rate.Every(c.pollInterval), 1)
	_ = limiter.Allow()

	try := func() (Lease, bool, error) {
		ok, err := c.store.SetIfAbsent(ctx, key, token, leaseDuration)
		if err != nil {
			c.metrics.RecordLockAcquire(metrics.ResultError, c.now().Sub(start))
			c.logger.WithError(err).WithField("lock_key", key).Error("lock store unavailable, denying access")
			return Lease{}, false, fmt.Errorf("%w: acquire %s: %w", domain.ErrLockStoreUnavailable, key, err)
		}
		if !ok {
			return Lease{}, false, nil
		}
		acquiredAt := c.now()
		c.metrics.RecordLockAcquire(metrics.ResultAcquired, acquiredAt.Sub(start))
		return Lease{Key: key, Token: token, AcquiredAt: acquiredAt, TTL: leaseDuration}, true, nil
	}

	for {
		lease, ok, err := try()
		if err != nil || ok {
			return lease, err
		}

		if err := limiter.Wait(waitCtx); err != nil {
			// Wait отказывает заранее, если следующий шаг не помещается в дедлайн.
			// Дожидаемся конца окна и пробуем последний раз.
			<-waitCtx.Done()
			if ctx.Err() != nil {
				c.metrics.RecordLockAcquire(metrics.ResultError, c.now().Sub(start))
				return Lease{}, ctx.Err()
			}
			if lease, ok, err := try(); err != nil || ok {
				return lease, err
			}
			c.metrics.RecordLockAcquire(metrics.ResultTimeout, c.now().Sub(start))
			c.logger.WithFields(log.Fields{
				"lock_key": key,
				"wait":     waitTimeout,
			}).Debug("lock wait timeout")
			return Lease{}, fmt.Errorf("%w: %s", domain.ErrLockAcquisitionTimeout, key)
		}
	}
}

// Release освобождает аренду, только если её токен всё ещё текущий.
// Чужую (более новую) аренду поздний вызов освободить не может: вернётся ErrLockNotHeld.
func (c *Coordinator) Release(ctx context.Context, lease Lease) error {
	ok, err := c.store.CompareAndDelete(ctx, lease.Key, lease.Token)
	if err != nil {
		c.metrics.RecordLockRelease(metrics.ResultError)
		return fmt.Errorf("%w: release %s: %w", domain.ErrLockStoreUnavailable, lease.Key, err)
	}
	if !ok {
		c.metrics.RecordLockRelease(metrics.ResultNotHeld)
		return fmt.Errorf("%w: %s", domain.ErrLockNotHeld, lease.Key)
	}
	c.metrics.RecordLockRelease(metrics.ResultReleased)
	return nil
}

// WithLock выполняет fn под арендой key и освобождает её при любом исходе.
// Ошибка release только логируется: аренда всё равно истечёт по TTL.
func (c *Coordinator) WithLock(ctx context.Context, key string, waitTimeout, leaseDuration time.Duration, fn func(ctx context.Context) error) error {
	lease, err := c.Acquire(ctx, key, waitTimeout, leaseDuration)
	if err != nil {
		return err
	}
	defer func() {
		// Освобождаем даже при отменённом ctx запроса.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if relErr := c.Release(releaseCtx, lease); relErr != nil {
			c.logger.WithError(relErr).WithField("lock_key", key).Warn("failed to release lock")
		}
	}()

	return fn(ctx)
}
