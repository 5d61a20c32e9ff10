package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorder/internal/app"
)

const (
	envGRPCAddr            = "FOODORDER_GRPC_ADDR"
	envMetricsAddr         = "FOODORDER_METRICS_ADDR"
	envStorageDriver       = "FOODORDER_STORAGE_DRIVER"
	envPostgresDSN         = "FOODORDER_POSTGRES_DSN"
	envPostgresAutoMigrate = "FOODORDER_POSTGRES_AUTO_MIGRATE"
	envRedisAddr           = "FOODORDER_REDIS_ADDR"
	envRedisPassword       = "FOODORDER_REDIS_PASSWORD"
	envRedisDB             = "FOODORDER_REDIS_DB"
	envKafkaBrokers        = "KAFKA_BROKERS"
	envPolicyFile          = "FOODORDER_POLICY_FILE"
	envOutboxPollInterval  = "FOODORDER_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize     = "FOODORDER_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts   = "FOODORDER_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay    = "FOODORDER_OUTBOX_RETRY_DELAY"
	envOutboxMaxPending    = "FOODORDER_OUTBOX_MAX_PENDING"
	envLockWait            = "FOODORDER_LOCK_WAIT"
	envLockLease           = "FOODORDER_LOCK_LEASE"
	envTimeoutTaskInterval = "FOODORDER_TIMEOUT_TASK_INTERVAL"
	envPaymentTimeout      = "FOODORDER_PAYMENT_TIMEOUT"
	envDeliveryTimeout     = "FOODORDER_DELIVERY_TIMEOUT"
	envLogLevel            = "FOODORDER_LOG_LEVEL"
	envPaymentCallback     = "FOODORDER_PAYMENT_CALLBACK_ACTOR"
)

type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	if raw, ok := lookup(envLogLevel); ok && strings.TrimSpace(raw) != "" {
		level, err := log.ParseLevel(strings.TrimSpace(raw))
		if err != nil {
			log.WithError(err).Warn("invalid log level, using info")
			return
		}
		log.SetLevel(level)
	}
}

// readConfigFromEnv накладывает переменные окружения на конфигурацию по умолчанию.
// Некорректное значение оставляет default и возвращается как предупреждение.
func readConfigFromEnv(lookup envLookup) (app.Config, []error) {
	cfg := app.DefaultConfig()
	var warnings []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	positiveInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := parseInt(v, func(n int) bool { return n > 0 }, "must be > 0")
			if err != nil {
				warnings = append(warnings, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		if v, ok := lookup(key); ok {
			d, err := parseDuration(v, valid, rule)
			if err != nil {
				warnings = append(warnings, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	positive := func(d time.Duration) bool { return d > 0 }
	nonNegative := func(d time.Duration) bool { return d >= 0 }

	str(envGRPCAddr, &cfg.GRPCAddr)
	str(envMetricsAddr, &cfg.MetricsAddr)
	if v, ok := lookup(envStorageDriver); ok && strings.TrimSpace(v) != "" {
		cfg.StorageDriver = strings.ToLower(strings.TrimSpace(v))
	}
	str(envPostgresDSN, &cfg.PostgresDSN)
	if v, ok := lookup(envPostgresAutoMigrate); ok {
		b, err := parseBool(v)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("%s: %w", envPostgresAutoMigrate, err))
		} else {
			cfg.PostgresAutoMigrate = b
		}
	}

	str(envRedisAddr, &cfg.RedisAddr)
	if v, ok := lookup(envRedisPassword); ok {
		cfg.RedisPassword = v
	}
	if v, ok := lookup(envRedisDB); ok {
		db, err := parseInt(v, func(n int) bool { return n >= 0 }, "must be >= 0")
		if err != nil {
			warnings = append(warnings, fmt.Errorf("%s: %w", envRedisDB, err))
		} else {
			cfg.RedisDB = db
		}
	}

	str(envKafkaBrokers, &cfg.KafkaBrokers)
	str(envPolicyFile, &cfg.PolicyFile)
	str(envPaymentCallback, &cfg.PaymentCallbackActor)

	duration(envOutboxPollInterval, &cfg.OutboxPollInterval, positive, "must be > 0")
	positiveInt(envOutboxBatchSize, &cfg.OutboxBatchSize)
	positiveInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts)
	duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegative, "must be >= 0")
	if v, ok := lookup(envOutboxMaxPending); ok {
		n, err := parseInt(v, func(n int) bool { return n >= 0 }, "must be >= 0")
		if err != nil {
			warnings = append(warnings, fmt.Errorf("%s: %w", envOutboxMaxPending, err))
		} else {
			cfg.OutboxMaxPending = n
		}
	}

	duration(envLockWait, &cfg.LockWait, nonNegative, "must be >= 0")
	duration(envLockLease, &cfg.LockLease, positive, "must be > 0")
	duration(envTimeoutTaskInterval, &cfg.TimeoutTaskInterval, positive, "must be > 0")
	duration(envPaymentTimeout, &cfg.PaymentTimeout, positive, "must be > 0")
	duration(envDeliveryTimeout, &cfg.DeliveryTimeout, positive, "must be > 0")

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q: %w", raw, err)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %d %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if !valid(value) {
		return 0, fmt.Errorf("value %s %s", value, rule)
	}
	return value, nil
}

func main() {
	setupLogger(os.LookupEnv)
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, w := range warnings {
		log.WithError(w).Warn("invalid environment value, using default")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"redis":          cfg.RedisAddr != "",
		"kafka":          cfg.KafkaBrokers != "",
	}).Info("запускаем сервис заказов")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("сервис заказов остановлен")
}
