package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/foodorder/internal/health"
	"github.com/vladislavdragonenkov/foodorder/internal/lock"
	"github.com/vladislavdragonenkov/foodorder/internal/ratelimit"
	"github.com/vladislavdragonenkov/foodorder/internal/storage/memory"
	"github.com/vladislavdragonenkov/foodorder/internal/storage/postgres"
	"github.com/vladislavdragonenkov/foodorder/internal/storage/redis"
)

const redisLockPrefix = "lock:"

// runtimeDependencies — хранилища, выбранные по конфигурации.
type runtimeDependencies struct {
	orders     domain.OrderRepository
	carts      domain.CartRepository
	addresses  domain.AddressRepository
	outboxRepo domain.OutboxRepository

	lockStore    lock.Store
	counterStore ratelimit.CounterStore

	checkers map[string]healthcheck.Checker
	closers  []func() error
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.WithError(err).Warn("failed to close dependency")
		}
	}
}

// initRuntimeDependencies поднимает хранилище записей и хранилище блокировок/счётчиков.
// При ошибке уже открытые подключения закрываются.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{checkers: make(map[string]healthcheck.Checker)}

	if err := initRecordStore(ctx, cfg, logger, deps); err != nil {
		deps.close(logger)
		return nil, err
	}
	if err := initCoordinationStore(ctx, cfg, logger, deps); err != nil {
		deps.close(logger)
		return nil, err
	}
	return deps, nil
}

func initRecordStore(ctx context.Context, cfg Config, logger *log.Entry, deps *runtimeDependencies) error {
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	switch driver {
	case "", StorageDriverMemory:
		deps.orders = memory.NewOrderRepository()
		deps.carts = memory.NewCartRepository()
		deps.addresses = memory.NewAddressRepository()
		deps.outboxRepo = memory.NewOutboxRepository()
		logger.WithField("storage", StorageDriverMemory).Info("record store initialized")
		return nil

	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return errors.New("postgres storage requires a DSN")
		}
		store, err := postgres.Open(ctx, postgres.Config{DSN: cfg.PostgresDSN})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)

		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("migrate postgres: %w", err)
			}
		} else {
			state, err := store.Migrator().State(ctx)
			if err != nil {
				return fmt.Errorf("check migrations: %w", err)
			}
			if !state.UpToDate() {
				return fmt.Errorf("postgres schema is behind, pending migrations: %s", strings.Join(state.Pending, ", "))
			}
		}

		deps.orders = postgres.NewOrderRepository(store)
		deps.carts = postgres.NewCartRepository(store)
		deps.addresses = postgres.NewAddressRepository(store)
		deps.outboxRepo = postgres.NewOutboxRepository(store)
		deps.checkers["postgres"] = healthcheck.NewPingChecker("postgres", store.Ping)
		logger.WithField("storage", StorageDriverPostgres).Info("record store initialized")
		return nil

	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initCoordinationStore(ctx context.Context, cfg Config, logger *log.Entry, deps *runtimeDependencies) error {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		deps.lockStore = memory.NewLockStore()
		deps.counterStore = memory.NewCounterStore()
		logger.Warn("redis address is not set, using in-process locks and rate limit counters")
		return nil
	}

	store, err := redis.Open(ctx, redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return fmt.Errorf("open redis: %w", err)
	}
	deps.closers = append(deps.closers, store.Close)

	deps.lockStore = redis.NewLockStore(store, redisLockPrefix)
	deps.counterStore = redis.NewCounterStore(store)
	deps.checkers["redis"] = healthcheck.NewPingChecker("redis", store.Ping)
	logger.WithField("addr", cfg.RedisAddr).Info("redis lock and counter stores initialized")
	return nil
}

// outboxBacklogChecker помечает сервис degraded, если outbox не успевает разгребаться.
func outboxBacklogChecker(repo domain.OutboxRepository, maxPending int) healthcheck.Checker {
	return healthcheck.NewOptionalChecker("outbox", func(ctx context.Context) error {
		stats, err := repo.Stats(ctx)
		if err != nil {
			return err
		}
		if maxPending > 0 && stats.PendingCount > maxPending {
			return fmt.Errorf("outbox backlog %d exceeds %d", stats.PendingCount, maxPending)
		}
		return nil
	})
}
