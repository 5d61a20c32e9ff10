package domain

import "time"

// OrderStatus описывает жизненный цикл заказа доставки еды.
type OrderStatus string

const (
	// OrderStatusPendingPayment — заказ оформлен, ожидает оплаты.
	OrderStatusPendingPayment OrderStatus = "PENDING_PAYMENT"
	// OrderStatusToBeConfirmed — оплачен, ждёт подтверждения рестораном.
	OrderStatusToBeConfirmed OrderStatus = "TO_BE_CONFIRMED"
	// OrderStatusConfirmed — ресторан принял заказ.
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// OrderStatusDeliveryInProgress — заказ передан курьеру.
	OrderStatusDeliveryInProgress OrderStatus = "DELIVERY_IN_PROGRESS"
	// OrderStatusCompleted — заказ доставлен.
	OrderStatusCompleted OrderStatus = "COMPLETED"
	// OrderStatusCancelled — заказ отменён клиентом, рестораном или по таймауту.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// PayStatus описывает состояние оплаты заказа.
type PayStatus string

const (
	PayStatusUnpaid PayStatus = "UNPAID"
	PayStatusPaid   PayStatus = "PAID"
	PayStatusRefund PayStatus = "REFUND"
)

// OrderItem — позиция заказа, снятая с корзины в момент оформления.
type OrderItem struct {
	ID         string
	Name       string
	DishID     string
	SetmealID  string
	Flavor     string
	Qty        int32
	PriceMinor int64
	CreatedAt  time.Time
}

// Order агрегирует состояние заказа. Version используется для optimistic locking:
// условное обновление проходит только при совпадении версии.
type Order struct {
	ID              string
	Number          string
	CustomerID      string
	AddressID       string
	Status          OrderStatus
	PayStatus       PayStatus
	AmountMinor     int64
	Consignee       string
	Phone           string
	Address         string
	Remark          string
	CancelReason    string
	RejectionReason string
	Items           []OrderItem
	Version         int64
	OrderedAt       time.Time
	CheckoutAt      time.Time
	CancelledAt     time.Time
	DeliveredAt     time.Time
	Audit
}

// CurrentVersion возвращает версию, прочитанную из хранилища.
func (o Order) CurrentVersion() int64 {
	return o.Version
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if o.Number == "" {
		errs = append(errs, ErrOrderNumberRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	var calc int64
	for _, item := range o.Items {
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += int64(item.Qty) * item.PriceMinor
	}
	if calc != o.AmountMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}
