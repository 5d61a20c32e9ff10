package app

import (
	"context"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/foodorder/internal/health"
	"github.com/vladislavdragonenkov/foodorder/internal/storage/memory"
)

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
	}, log.WithField("test", "memory-storage"))
	if err != nil {
		t.Fatalf("initRuntimeDependencies(memory) failed: %v", err)
	}
	defer deps.close(log.WithField("test", "memory-storage"))

	if deps.orders == nil || deps.carts == nil || deps.addresses == nil || deps.outboxRepo == nil {
		t.Fatalf("memory repositories must be initialized: %+v", deps)
	}
	if deps.lockStore == nil || deps.counterStore == nil {
		t.Fatal("lock and counter stores must fall back to memory without redis")
	}
	if len(deps.checkers) != 0 {
		t.Errorf("memory storage should not register external checkers, got %d", len(deps.checkers))
	}
}

func TestInitRuntimeDependencies_EmptyDriverIsMemory(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{}, log.WithField("test", "default-driver"))
	if err != nil {
		t.Fatalf("initRuntimeDependencies with empty driver failed: %v", err)
	}
	if deps.orders == nil {
		t.Fatal("orders should not be nil")
	}
}

func TestInitRuntimeDependencies_PostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverPostgres,
	}, log.WithField("test", "postgres-missing-dsn"))
	if err == nil {
		t.Fatal("expected error when postgres driver is selected without DSN")
	}
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: "sqlite",
	}, log.WithField("test", "unsupported-driver"))
	if err == nil {
		t.Fatal("expected error for unsupported storage driver")
	}
}

func TestInitRuntimeDependencies_UnreachableRedisFailsClosed(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
		RedisAddr:     "127.0.0.1:1",
	}, log.WithField("test", "redis-unreachable"))
	if err == nil {
		t.Fatal("expected error when redis is configured but unreachable")
	}
}

func TestOutboxBacklogChecker(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	checker := outboxBacklogChecker(repo, 1)
	ctx := context.Background()

	if check := checker.Check(ctx); check.Status != healthcheck.StatusHealthy {
		t.Fatalf("empty outbox should be healthy, got %+v", check)
	}

	for _, id := range []string{"o-1", "o-2"} {
		if _, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: "order", AggregateID: id, EventType: "order.submitted"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	check := checker.Check(ctx)
	if check.Status != healthcheck.StatusDegraded {
		t.Fatalf("backlog above limit should degrade, got %+v", check)
	}
	if check.Message == "" {
		t.Error("expected message describing the backlog")
	}
}
