package ordering

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
)

const (
	opPay    = "pay"
	opRemind = "remind"
)

// Pay списывает деньги за заказ и переводит его в TO_BE_CONFIRMED.
// Аренда order-pay:{number} гарантирует не более одного списания на заказ
// при параллельных запросах с любых инстансов. Повторная оплата уже
// оплаченного заказа возвращает его текущее состояние без обращения к провайдеру.
func (s *Service) Pay(ctx context.Context, actorID, orderNumber string) (domain.Order, error) {
	customerID := strings.TrimSpace(actorID)
	if s.payments == nil {
		return domain.Order{}, errors.New("ordering: payment gateway is not configured")
	}

	var paid domain.Order
	err := s.locks.WithLock(ctx, payLockPrefix+orderNumber, s.lockWait, s.lockLease, func(ctx context.Context) error {
		order, err := s.payLocked(ctx, customerID, orderNumber)
		if err != nil {
			return err
		}
		paid = order
		return nil
	})
	s.metrics.RecordTransition(opPay, err)
	if err != nil {
		s.logger.WithError(err).WithField("order_number", orderNumber).Warn("order payment failed")
		return domain.Order{}, err
	}
	return paid, nil
}

func (s *Service) payLocked(ctx context.Context, customerID, orderNumber string) (domain.Order, error) {
	order, err := s.orders.GetByNumber(ctx, orderNumber)
	if err != nil {
		return domain.Order{}, wrapRecordErr("get order by number "+orderNumber, err)
	}
	if customerID != "" && order.CustomerID != customerID {
		return domain.Order{}, domain.ErrNotOrderOwner
	}
	if order.PayStatus == domain.PayStatusPaid {
		s.logger.WithField("order_number", orderNumber).Info("order already paid")
		return order, nil
	}
	if err := domain.CheckTransition(opPay, order.Status, domain.OrderStatusToBeConfirmed, domain.OrderStatusPendingPayment); err != nil {
		return domain.Order{}, err
	}

	if err := domain.ResolvePaymentResult(s.payments.Charge(ctx, order.Number, order.AmountMinor)); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_number": orderNumber,
			"amount_minor": order.AmountMinor,
		}).Warn("charge failed")
		return domain.Order{}, fmt.Errorf("charge order %s: %w", orderNumber, err)
	}

	paid, err := s.transitionFrom(ctx, customerID, order, s.markPaidTransition(customerID))
	if err != nil {
		s.refundUncommittedCharge(ctx, order, err)
		return domain.Order{}, err
	}
	return paid, nil
}

// refundUncommittedCharge возвращает списание, которое не удалось закрепить
// за заказом: например, заказ отменили между чтением и записью.
func (s *Service) refundUncommittedCharge(ctx context.Context, order domain.Order, cause error) {
	ctx = context.WithoutCancel(ctx)
	if current, err := s.orders.Get(ctx, order.ID); err == nil && current.PayStatus == domain.PayStatusPaid {
		return
	}
	s.logger.WithError(cause).WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.Number,
	}).Warn("charge captured but order not marked paid, refunding")
	s.refund(ctx, order)
}

// Remind — клиент торопит ресторан с заказом.
func (s *Service) Remind(ctx context.Context, actorID, orderID string) error {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		err = wrapRecordErr("get order "+orderID, err)
		s.metrics.RecordTransition(opRemind, err)
		return err
	}
	if order.CustomerID != strings.TrimSpace(actorID) {
		s.metrics.RecordTransition(opRemind, domain.ErrNotOrderOwner)
		return domain.ErrNotOrderOwner
	}
	s.metrics.RecordTransition(opRemind, nil)
	s.notify(ctx, order, domain.NotificationOrderReminder, "")
	return nil
}
