package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	keyPrefix        = "rate_limit:"
	anonymousUser    = "anonymous"
	unknownIP        = "unknown"
	placeholderUser  = "{userId}"
	placeholderIP    = "{ip}"
	defaultMessage   = "request too frequent"
	defaultWindowSec = 1
	defaultLimit     = 10
	defaultCapacity  = 10
	defaultRate      = 10
	defaultRequested = 1
)

// Algorithm — алгоритм допуска.
type Algorithm string

const (
	AlgorithmFixedWindow Algorithm = "fixed_window"
	AlgorithmTokenBucket Algorithm = "token_bucket"
)

// Policy — декларативное описание ограничения для одной операции.
type Policy struct {
	Name string `yaml:"name"`
	// Key — шаблон ключа с подстановками {userId} и {ip}.
	Key           string    `yaml:"key"`
	Algorithm     Algorithm `yaml:"algorithm"`
	WindowSeconds int       `yaml:"window_seconds"`
	Limit         int64     `yaml:"limit"`
	Capacity      float64   `yaml:"capacity"`
	Rate          float64   `yaml:"rate"`
	Requested     float64   `yaml:"requested"`
	// Message возвращается клиенту при отказе.
	Message string `yaml:"message"`
}

// Identity — данные вызывающего для подстановки в шаблон ключа.
type Identity struct {
	UserID string
	IP     string
}

// DefaultPolicy возвращает политику с параметрами по умолчанию:
// фиксированное окно 1 с на 10 запросов, корзина на 10 токенов с пополнением 10/с.
func DefaultPolicy(name string) Policy {
	return Policy{
		Name:          name,
		Algorithm:     AlgorithmFixedWindow,
		WindowSeconds: defaultWindowSec,
		Limit:         defaultLimit,
		Capacity:      defaultCapacity,
		Rate:          defaultRate,
		Requested:     defaultRequested,
		Message:       defaultMessage,
	}
}

// WithDefaults заполняет незаданные поля значениями по умолчанию.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy(p.Name)
	if p.Algorithm == "" {
		p.Algorithm = d.Algorithm
	}
	if p.WindowSeconds <= 0 {
		p.WindowSeconds = d.WindowSeconds
	}
	if p.Limit <= 0 {
		p.Limit = d.Limit
	}
	if p.Capacity <= 0 {
		p.Capacity = d.Capacity
	}
	if p.Rate <= 0 {
		p.Rate = d.Rate
	}
	if p.Requested <= 0 {
		p.Requested = d.Requested
	}
	if strings.TrimSpace(p.Message) == "" {
		p.Message = d.Message
	}
	return p
}

// Validate проверяет согласованность политики.
func (p Policy) Validate() error {
	switch p.Algorithm {
	case AlgorithmFixedWindow:
		if p.WindowSeconds <= 0 || p.Limit <= 0 {
			return fmt.Errorf("policy %q: window_seconds and limit must be positive", p.Name)
		}
	case AlgorithmTokenBucket:
		if p.Capacity <= 0 || p.Rate <= 0 || p.Requested <= 0 {
			return fmt.Errorf("policy %q: capacity, rate and requested must be positive", p.Name)
		}
		if p.Requested > p.Capacity {
			return fmt.Errorf("policy %q: requested exceeds capacity", p.Name)
		}
	default:
		return fmt.Errorf("policy %q: unknown algorithm %q", p.Name, p.Algorithm)
	}
	if p.Key == "" && p.Name == "" {
		return errors.New("policy must have a key template or a name")
	}
	return nil
}

// Window возвращает длину окна.
func (p Policy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// ResolveKey подставляет личность вызывающего в шаблон. Неизвестный пользователь
// попадает в общий анонимный ключ. Пустой шаблон даёт ключ по имени политики.
func (p Policy) ResolveKey(id Identity) string {
	if p.Key == "" {
		return keyPrefix + p.Name
	}

	key := p.Key
	if strings.Contains(key, placeholderUser) {
		user := strings.TrimSpace(id.UserID)
		if user == "" {
			user = anonymousUser
		}
		key = strings.ReplaceAll(key, placeholderUser, user)
	}
	if strings.Contains(key, placeholderIP) {
		ip := strings.TrimSpace(id.IP)
		if ip == "" {
			ip = unknownIP
		}
		key = strings.ReplaceAll(key, placeholderIP, ip)
	}
	return keyPrefix + key
}
