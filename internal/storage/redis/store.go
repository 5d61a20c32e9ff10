package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultConnTimeout = 2 * time.Second

// Config — параметры подключения к Redis.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Store оборачивает клиент Redis, общий для блокировок и счётчиков.
type Store struct {
	rdb *goredis.Client
}

// Open создаёт клиент и проверяет доступность Redis.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	return &Store{rdb: rdb}, nil
}

// NewStore оборачивает уже созданный клиент.
func NewStore(rdb *goredis.Client) *Store {
	return &Store{rdb: rdb}
}

// Client возвращает raw-клиент.
func (s *Store) Client() *goredis.Client {
	return s.rdb
}

// Ping проверяет доступность Redis.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.rdb == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.rdb.Ping(pingCtx).Err()
}

// Close закрывает клиент.
func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
