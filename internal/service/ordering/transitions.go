package ordering

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
	"github.com/vladislavdragonenkov/foodorder/internal/optimistic"
)

// Имена операций для логов и метрик.
const (
	opMarkPaid         = "mark_paid"
	opAccept           = "accept"
	opReject           = "reject"
	opCancelByShop     = "cancel_by_shop"
	opCancelByCustomer = "cancel_by_customer"
	opDeliver          = "deliver"
	opComplete         = "complete"
	opRefund           = "refund"
)

// transition описывает один переход статуса.
type transition struct {
	op           string
	to           domain.OrderStatus
	allowedFrom  []domain.OrderStatus
	notification domain.NotificationType
	reason       string
	// ownerID, если задан, должен совпасть с владельцем заказа.
	ownerID string
	// apply меняет дополнительные поля; вызывается на свежей копии при каждой попытке.
	apply func(order *domain.Order)
}

// MarkPaid фиксирует успешную оплату по номеру заказа.
func (s *Service) MarkPaid(ctx context.Context, actorID, orderNumber string) (domain.Order, error) {
	current, err := s.orders.GetByNumber(ctx, orderNumber)
	if err != nil {
		err = wrapRecordErr("get order by number "+orderNumber, err)
		s.metrics.RecordTransition(opMarkPaid, err)
		return domain.Order{}, err
	}
	return s.transitionFrom(ctx, actorID, current, s.markPaidTransition(""))
}

func (s *Service) markPaidTransition(ownerID string) transition {
	return transition{
		op:           opMarkPaid,
		to:           domain.OrderStatusToBeConfirmed,
		allowedFrom:  []domain.OrderStatus{domain.OrderStatusPendingPayment},
		notification: domain.NotificationOrderPaid,
		ownerID:      ownerID,
		apply: func(order *domain.Order) {
			order.PayStatus = domain.PayStatusPaid
			order.CheckoutAt = order.UpdatedAt
		},
	}
}

// Accept — ресторан принимает оплаченный заказ.
func (s *Service) Accept(ctx context.Context, actorID, orderID string) (domain.Order, error) {
	return s.transition(ctx, actorID, orderID, transition{
		op:           opAccept,
		to:           domain.OrderStatusConfirmed,
		allowedFrom:  []domain.OrderStatus{domain.OrderStatusToBeConfirmed},
		notification: domain.NotificationOrderAccepted,
	})
}

// Reject — ресторан отклоняет заказ, ожидающий подтверждения. Оплаченный заказ возвращается.
func (s *Service) Reject(ctx context.Context, actorID, orderID, reason string) (domain.Order, error) {
	return s.transition(ctx, actorID, orderID, transition{
		op:           opReject,
		to:           domain.OrderStatusCancelled,
		allowedFrom:  []domain.OrderStatus{domain.OrderStatusToBeConfirmed},
		notification: domain.NotificationOrderRejected,
		reason:       reason,
		apply: func(order *domain.Order) {
			order.RejectionReason = reason
			order.CancelledAt = order.UpdatedAt
		},
	})
}

// CancelByShop — отмена рестораном до передачи курьеру.
func (s *Service) CancelByShop(ctx context.Context, actorID, orderID, reason string) (domain.Order, error) {
	return s.transition(ctx, actorID, orderID, transition{
		op:           opCancelByShop,
		to:           domain.OrderStatusCancelled,
		allowedFrom:  []domain.OrderStatus{domain.OrderStatusToBeConfirmed, domain.OrderStatusConfirmed},
		notification: domain.NotificationOrderCancelled,
		reason:       reason,
		apply: func(order *domain.Order) {
			order.CancelReason = reason
			order.CancelledAt = order.UpdatedAt
		},
	})
}

// CancelByCustomer — отмена заказа его владельцем. Во время доставки запрещена.
func (s *Service) CancelByCustomer(ctx context.Context, actorID, orderID string) (domain.Order, error) {
	return s.transition(ctx, actorID, orderID, transition{
		op:           opCancelByCustomer,
		to:           domain.OrderStatusCancelled,
		notification: domain.NotificationOrderCancelled,
		reason:       ReasonCancelledByCustomer,
		ownerID:      strings.TrimSpace(actorID),
		apply: func(order *domain.Order) {
			order.CancelReason = ReasonCancelledByCustomer
			order.CancelledAt = order.UpdatedAt
		},
	})
}

// Deliver — заказ передан курьеру.
func (s *Service) Deliver(ctx context.Context, actorID, orderID string) (domain.Order, error) {
	return s.transition(ctx, actorID, orderID, transition{
		op:           opDeliver,
		to:           domain.OrderStatusDeliveryInProgress,
		allowedFrom:  []domain.OrderStatus{domain.OrderStatusConfirmed},
		notification: domain.NotificationOrderDelivery,
	})
}

// Complete — заказ доставлен.
func (s *Service) Complete(ctx context.Context, actorID, orderID string) (domain.Order, error) {
	return s.transition(ctx, actorID, orderID, transition{
		op:           opComplete,
		to:           domain.OrderStatusCompleted,
		allowedFrom:  []domain.OrderStatus{domain.OrderStatusDeliveryInProgress},
		notification: domain.NotificationOrderCompleted,
		apply: func(order *domain.Order) {
			order.DeliveredAt = order.UpdatedAt
		},
	})
}

func (s *Service) transition(ctx context.Context, actorID, orderID string, t transition) (domain.Order, error) {
	updated, err := optimistic.Execute(ctx, s.retrier, s.store, orderID, s.mutation(actorID, t))
	return s.afterTransition(ctx, orderID, updated, t, err)
}

func (s *Service) transitionFrom(ctx context.Context, actorID string, current domain.Order, t transition) (domain.Order, error) {
	updated, err := optimistic.ExecuteFrom(ctx, s.retrier, s.store, current.ID, current, s.mutation(actorID, t))
	return s.afterTransition(ctx, current.ID, updated, t, err)
}

// mutation проверяет переход на переданном (свежем) состоянии и не имеет побочных эффектов.
func (s *Service) mutation(actorID string, t transition) optimistic.Mutation[domain.Order] {
	return func(_ context.Context, current domain.Order) (domain.Order, error) {
		if t.ownerID != "" && current.CustomerID != t.ownerID {
			return domain.Order{}, domain.ErrNotOrderOwner
		}
		if err := domain.CheckTransition(t.op, current.Status, t.to, t.allowedFrom...); err != nil {
			return domain.Order{}, err
		}

		next := current
		next.Status = t.to
		next.Audit = next.Audit.Merge(domain.AuditFields(domain.OperationUpdate, actorID, s.now()))
		if t.to == domain.OrderStatusCancelled && current.PayStatus == domain.PayStatusPaid {
			next.PayStatus = domain.PayStatusRefund
		}
		if t.apply != nil {
			t.apply(&next)
		}
		return next, nil
	}
}

// afterTransition выполняет побочные эффекты только после успешной условной записи.
func (s *Service) afterTransition(ctx context.Context, orderID string, updated domain.Order, t transition, err error) (domain.Order, error) {
	s.metrics.RecordTransition(t.op, err)
	logger := s.logger.WithFields(log.Fields{
		"operation": t.op,
		"order_id":  orderID,
	})
	if err != nil {
		logger.WithError(err).Warn("order transition rejected")
		return domain.Order{}, err
	}

	logger.WithFields(log.Fields{
		"status":  updated.Status,
		"version": updated.Version,
	}).Info("order transition committed")

	if updated.PayStatus == domain.PayStatusRefund && t.to == domain.OrderStatusCancelled {
		s.refund(ctx, updated)
	}
	s.notify(ctx, updated, t.notification, t.reason)
	return updated, nil
}

// refund возвращает деньги за отменённый оплаченный заказ. Статус уже записан,
// поэтому ошибка провайдера только логируется и попадает в метрики.
func (s *Service) refund(ctx context.Context, order domain.Order) {
	if s.payments == nil {
		s.logger.WithField("order_id", order.ID).Warn("payment gateway is not configured, refund skipped")
		return
	}
	err := domain.ResolvePaymentResult(s.payments.Refund(ctx, order.Number, order.AmountMinor))
	s.metrics.RecordTransition(opRefund, err)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id":     order.ID,
			"order_number": order.Number,
			"amount_minor": order.AmountMinor,
		}).Error("refund failed, manual follow-up required")
	}
}
