package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vladislavdragonenkov/foodorder/internal/optimistic"
	"github.com/vladislavdragonenkov/foodorder/internal/ratelimit"
	grpcsvc "github.com/vladislavdragonenkov/foodorder/internal/service/grpc"
)

// Поддерживаемые хранилища заказов.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска приложения.
type Config struct {
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// Пустой RedisAddr переключает блокировки и счётчики на in-memory реализацию
	// (только один процесс).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers string
	PolicyFile   string
	// PaymentCallbackActor — x-user-id платёжного провайдера для MarkPaid;
	// пустое значение закрывает MarkPaid.
	PaymentCallbackActor string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxMaxPending — порог backlog, после которого /healthz отдаёт degraded.
	OutboxMaxPending int

	LockWait  time.Duration
	LockLease time.Duration

	TimeoutTaskInterval time.Duration
	PaymentTimeout      time.Duration
	DeliveryTimeout     time.Duration
}

// DefaultConfig возвращает конфигурацию для локального запуска.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:            ":50051",
		MetricsAddr:         ":9090",
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    200 * time.Millisecond,
		OutboxMaxPending:    1000,
		LockWait:            2 * time.Second,
		LockLease:           30 * time.Second,
		TimeoutTaskInterval: time.Minute,
		PaymentTimeout:      15 * time.Minute,
		DeliveryTimeout:     time.Hour,
	}
}

// PolicyFile — декларативные политики: лимиты по имени gRPC-метода и параметры retry.
//
//	rate_limits:
//	  SubmitOrder:
//	    key: "submit:{userId}"
//	    window_seconds: 5
//	    limit: 1
//	    message: "order is being submitted, please wait"
//	retry:
//	  max_retries: 3
//	  entity: order
type PolicyFile struct {
	RateLimits map[string]ratelimit.Policy `yaml:"rate_limits"`
	Retry      optimistic.Policy           `yaml:"retry"`
}

// Policies — политики, готовые к подключению в сервер.
type Policies struct {
	// RateLimits индексированы полным именем метода, как его видит interceptor.
	RateLimits map[string]ratelimit.Policy
	Retry      optimistic.Policy
}

// DefaultPolicies ограничивает оформление и оплату одного клиента, retry по умолчанию.
func DefaultPolicies() Policies {
	submit := ratelimit.DefaultPolicy("submit-order")
	submit.Key = "submit:{userId}"
	submit.WindowSeconds = 5
	submit.Limit = 1
	submit.Message = "order is being submitted, please wait"

	pay := ratelimit.DefaultPolicy("pay-order")
	pay.Key = "pay:{userId}"
	pay.Algorithm = ratelimit.AlgorithmTokenBucket
	pay.Capacity = 5
	pay.Rate = 1

	return Policies{
		RateLimits: map[string]ratelimit.Policy{
			grpcsvc.FullMethod(grpcsvc.MethodSubmitOrder): submit,
			grpcsvc.FullMethod(grpcsvc.MethodPayOrder):    pay,
		},
		Retry: optimistic.DefaultPolicy("order"),
	}
}

// LoadPolicies читает YAML-файл политик. Пустой путь — политики по умолчанию.
func LoadPolicies(path string) (Policies, error) {
	if path == "" {
		return DefaultPolicies(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policies{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicies(raw)
}

// ParsePolicies разбирает YAML и валидирует каждую политику.
func ParsePolicies(raw []byte) (Policies, error) {
	var file PolicyFile
	if err := yaml.UnmarshalStrict(raw, &file); err != nil {
		return Policies{}, fmt.Errorf("parse policy file: %w", err)
	}

	policies := Policies{
		RateLimits: make(map[string]ratelimit.Policy, len(file.RateLimits)),
		Retry:      file.Retry,
	}
	for method, policy := range file.RateLimits {
		if policy.Name == "" {
			policy.Name = method
		}
		policy = policy.WithDefaults()
		if err := policy.Validate(); err != nil {
			return Policies{}, fmt.Errorf("rate limit %s: %w", method, err)
		}
		policies.RateLimits[grpcsvc.FullMethod(method)] = policy
	}

	if policies.Retry.Entity == "" {
		policies.Retry.Entity = "order"
	}
	if policies.Retry.MaxRetries < 0 {
		return Policies{}, fmt.Errorf("retry: max_retries must be non-negative, got %d", policies.Retry.MaxRetries)
	}
	if policies.Retry.MaxRetries == 0 {
		policies.Retry.MaxRetries = optimistic.DefaultPolicy(policies.Retry.Entity).MaxRetries
	}
	return policies, nil
}
