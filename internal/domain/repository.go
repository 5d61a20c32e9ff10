package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ вместе с позициями.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// GetByNumber ищет заказ по внешнему номеру.
	GetByNumber(ctx context.Context, number string) (Order, error)
	// ListByStatusBefore возвращает заказы в статусе status, оформленные раньше before.
	ListByStatusBefore(ctx context.Context, status OrderStatus, before time.Time, limit int) ([]Order, error)
	// ConditionalUpdate записывает изменяемые поля заказа, только если сохранённая версия
	// равна expectedVersion, и ставит версию expectedVersion+1. Возвращает число изменённых строк (0 или 1).
	ConditionalUpdate(ctx context.Context, order Order, expectedVersion int64) (int64, error)
	// Delete удаляет заказ вместе с позициями. Отсутствующий заказ не ошибка.
	Delete(ctx context.Context, id string) error
}

// CheckoutRepository записывает новый заказ и очищает корзину его клиента
// одной транзакцией: либо есть и заказ, и пустая корзина, либо ни того ни другого.
type CheckoutRepository interface {
	CreateAndClearCart(ctx context.Context, order Order) error
}

// CartRepository — корзина клиента. Конкурентность корзины вне зоны ответственности заказов.
type CartRepository interface {
	ListByCustomer(ctx context.Context, customerID string) ([]CartLine, error)
	ClearByCustomer(ctx context.Context, customerID string) error
}

// AddressRepository — адресная книга.
type AddressRepository interface {
	Get(ctx context.Context, id string) (Address, error)
}
