package domain

// allowedTransitions — граф переходов статусов заказа.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingPayment:     {OrderStatusToBeConfirmed, OrderStatusCancelled},
	OrderStatusToBeConfirmed:      {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:          {OrderStatusDeliveryInProgress, OrderStatusCancelled},
	OrderStatusDeliveryInProgress: {OrderStatusCompleted},
}

// CanTransition проверяет, разрешён ли переход from -> to.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal возвращает true для статусов, из которых переходов нет.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Valid проверяет, что статус входит в известный набор.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPendingPayment, OrderStatusToBeConfirmed, OrderStatusConfirmed,
		OrderStatusDeliveryInProgress, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// CheckTransition возвращает *TransitionError, если заказ нельзя перевести в статус to.
// allowedFrom дополнительно сужает набор исходных статусов для конкретной операции
// (например, отклонить можно только TO_BE_CONFIRMED).
func CheckTransition(op string, current OrderStatus, to OrderStatus, allowedFrom ...OrderStatus) error {
	if !CanTransition(current, to) {
		return &TransitionError{Op: op, From: current, To: to}
	}
	if len(allowedFrom) == 0 {
		return nil
	}
	for _, s := range allowedFrom {
		if s == current {
			return nil
		}
	}
	return &TransitionError{Op: op, From: current, To: to}
}
