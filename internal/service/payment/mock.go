package payment

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
)

// MockGateway — конфигурируемая заглушка платёжного провайдера для тестов и локального запуска.
// Считает списания по номеру заказа, чтобы тесты могли проверить отсутствие двойной оплаты.
type MockGateway struct {
	mu sync.Mutex

	ChargeStatus domain.PaymentStatus
	ChargeErr    error
	RefundStatus domain.PaymentStatus
	RefundErr    error
	// Latency имитирует сетевой вызов; прерывается отменой ctx.
	Latency time.Duration

	charges map[string]int
	refunds map[string]int
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		ChargeStatus: domain.PaymentStatusCaptured,
		RefundStatus: domain.PaymentStatusRefunded,
		charges:      make(map[string]int),
		refunds:      make(map[string]int),
	}
}

// Charge возвращает заранее настроенный результат и считает вызовы.
func (m *MockGateway) Charge(ctx context.Context, orderNumber string, _ int64) (domain.PaymentStatus, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges[orderNumber]++
	return m.ChargeStatus, m.ChargeErr
}

// Refund возвращает настроенный результат и считает вызовы.
func (m *MockGateway) Refund(ctx context.Context, orderNumber string, _ int64) (domain.PaymentStatus, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds[orderNumber]++
	return m.RefundStatus, m.RefundErr
}

// Charges возвращает число списаний по заказу.
func (m *MockGateway) Charges(orderNumber string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.charges[orderNumber]
}

// Refunds возвращает число возвратов по заказу.
func (m *MockGateway) Refunds(orderNumber string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refunds[orderNumber]
}

// Configure меняет сценарий под мьютексом, пока gateway используется из других горутин.
func (m *MockGateway) Configure(fn func(*MockGateway)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

func (m *MockGateway) wait(ctx context.Context) error {
	if m.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
