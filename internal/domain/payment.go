package domain

// PaymentStatus описывает ответ платёжного провайдера.
type PaymentStatus string

const (
	// PaymentStatusCaptured — деньги списаны.
	PaymentStatusCaptured PaymentStatus = "captured"
	// PaymentStatusRefunded — деньги возвращены клиенту.
	PaymentStatusRefunded PaymentStatus = "refunded"
	// PaymentStatusFailed — провайдер отклонил платёж.
	PaymentStatusFailed PaymentStatus = "failed"
)

// ResolvePaymentResult переводит ответ провайдера в ошибку для сервиса заказов.
func ResolvePaymentResult(status PaymentStatus, err error) error {
	if err != nil {
		return err
	}
	switch status {
	case PaymentStatusCaptured, PaymentStatusRefunded:
		return nil
	case PaymentStatusFailed:
		return ErrPaymentDeclined
	default:
		return ErrPaymentTemporary
	}
}
