package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствующего номера заказа.
	ErrOrderNumberRequired = errors.New("order number is required")
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("amount_minor must be non-negative")
	// Ошибка при некорректном количестве (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order amount does not match items sum")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует, что условное обновление не прошло: версия устарела.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrNotOrderOwner — клиент пытается работать с чужим заказом.
	ErrNotOrderOwner = errors.New("order belongs to another customer")
	// ErrIllegalStateTransition — переход запрещён из текущего статуса, повтор не поможет.
	ErrIllegalStateTransition = errors.New("order status error")
	// ErrCancelWhileDelivering — заказ уже у курьера, отменить нельзя.
	ErrCancelWhileDelivering = errors.New("order is being delivered and cannot be cancelled")
	// ErrShoppingCartEmpty — корзина пуста, оформлять нечего.
	ErrShoppingCartEmpty = errors.New("shopping cart is empty")
	// ErrAddressBookMissing — адрес доставки не найден.
	ErrAddressBookMissing = errors.New("address book entry not found")

	// ErrLockAcquisitionTimeout — эксклюзивный доступ не получен за отведённое время.
	ErrLockAcquisitionTimeout = errors.New("order operation is in progress, please retry")
	// ErrLockNotHeld — release с чужим или просроченным токеном.
	ErrLockNotHeld = errors.New("lock is not held by this owner")
	// ErrOptimisticConflictExhausted — все попытки условного обновления исчерпаны.
	ErrOptimisticConflictExhausted = errors.New("optimistic lock retries exhausted")
	// ErrRateLimitExceeded — запрос отклонён ограничителем частоты.
	ErrRateLimitExceeded = errors.New("request too frequent")

	// ErrLockStoreUnavailable — хранилище блокировок недоступно (fail closed).
	ErrLockStoreUnavailable = errors.New("lock store unavailable")
	// ErrRecordStoreUnavailable — хранилище заказов недоступно.
	ErrRecordStoreUnavailable = errors.New("record store unavailable")

	// ErrPaymentDeclined — платёж отклонён провайдером (бизнес-ошибка).
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrPaymentTemporary — временная ошибка платёжного провайдера.
	ErrPaymentTemporary = errors.New("payment temporary error")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// businessErrors прерывают retry-циклы сразу и не расходуют попытки.
var businessErrors = []error{
	ErrCustomerRequired,
	ErrOrderNumberRequired,
	ErrItemsRequired,
	ErrAmountNegative,
	ErrItemQtyInvalid,
	ErrItemPriceInvalid,
	ErrAmountMismatch,
	ErrOrderNotFound,
	ErrNotOrderOwner,
	ErrIllegalStateTransition,
	ErrShoppingCartEmpty,
	ErrAddressBookMissing,
	ErrLockAcquisitionTimeout,
	ErrOptimisticConflictExhausted,
	ErrRateLimitExceeded,
	ErrPaymentDeclined,
}

// TransitionError описывает запрещённый переход статуса.
type TransitionError struct {
	Op   string
	From OrderStatus
	To   OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot move order from %s to %s: %s", e.Op, e.From, e.To, ErrIllegalStateTransition)
}

// Unwrap позволяет сравнивать через errors.Is с ErrIllegalStateTransition,
// а для отмены во время доставки ещё и с ErrCancelWhileDelivering.
func (e *TransitionError) Unwrap() []error {
	if e.From == OrderStatusDeliveryInProgress && e.To == OrderStatusCancelled {
		return []error{ErrIllegalStateTransition, ErrCancelWhileDelivering}
	}
	return []error{ErrIllegalStateTransition}
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIllegalTransition проверяет, запрещён ли переход статуса.
func IsIllegalTransition(err error) bool {
	return errors.Is(err, ErrIllegalStateTransition)
}

// IsBusinessError сообщает, что ошибка доменная: повтор операции ничего не изменит.
func IsBusinessError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsInfrastructureError — ошибки недоступности хранилищ (fail closed).
func IsInfrastructureError(err error) bool {
	return errors.Is(err, ErrLockStoreUnavailable) || errors.Is(err, ErrRecordStoreUnavailable)
}
