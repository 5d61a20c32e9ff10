package ordering

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
)

const opSubmit = "submit"

// SubmitRequest — параметры оформления заказа из корзины.
type SubmitRequest struct {
	AddressID string
	Remark    string
}

// SubmitOrder оформляет заказ из корзины клиента actorID.
// Оформление одного клиента сериализуется арендой order-submit:{customerId}:
// параллельный второй запрос либо дождётся первого и увидит пустую корзину,
// либо получит ErrLockAcquisitionTimeout.
func (s *Service) SubmitOrder(ctx context.Context, actorID string, req SubmitRequest) (domain.Order, error) {
	customerID := strings.TrimSpace(actorID)
	if customerID == "" {
		s.metrics.RecordTransition(opSubmit, domain.ErrCustomerRequired)
		return domain.Order{}, domain.ErrCustomerRequired
	}
	if s.carts == nil || s.addresses == nil {
		return domain.Order{}, fmt.Errorf("%w: cart or address store is not configured", domain.ErrRecordStoreUnavailable)
	}

	var created domain.Order
	err := s.locks.WithLock(ctx, submitLockPrefix+customerID, s.lockWait, s.lockLease, func(ctx context.Context) error {
		order, err := s.submitLocked(ctx, customerID, req)
		if err != nil {
			return err
		}
		created = order
		return nil
	})
	s.metrics.RecordTransition(opSubmit, err)
	if err != nil {
		s.logger.WithError(err).WithField("customer_id", customerID).Warn("order submission failed")
		return domain.Order{}, err
	}

	s.logger.WithFields(log.Fields{
		"order_id":     created.ID,
		"order_number": created.Number,
		"customer_id":  customerID,
		"amount_minor": created.AmountMinor,
	}).Info("order submitted")
	s.notify(ctx, created, domain.NotificationOrderSubmitted, "")
	return created, nil
}

func (s *Service) submitLocked(ctx context.Context, customerID string, req SubmitRequest) (domain.Order, error) {
	addr, err := s.addresses.Get(ctx, req.AddressID)
	if err != nil {
		return domain.Order{}, wrapRecordErr("get address "+req.AddressID, err)
	}
	if addr.CustomerID != "" && addr.CustomerID != customerID {
		return domain.Order{}, fmt.Errorf("%w: address %s belongs to another customer", domain.ErrAddressBookMissing, req.AddressID)
	}

	lines, err := s.carts.ListByCustomer(ctx, customerID)
	if err != nil {
		return domain.Order{}, wrapRecordErr("list cart", err)
	}
	if len(lines) == 0 {
		return domain.Order{}, domain.ErrShoppingCartEmpty
	}

	now := s.now().UTC()
	order := domain.Order{
		ID:          uuid.NewString(),
		Number:      s.newNumber(now),
		CustomerID:  customerID,
		AddressID:   addr.ID,
		Status:      domain.OrderStatusPendingPayment,
		PayStatus:   domain.PayStatusUnpaid,
		AmountMinor: domain.CartTotal(lines),
		Consignee:   addr.Consignee,
		Phone:       addr.Phone,
		Address:     addr.FullAddress(),
		Remark:      req.Remark,
		Items:       make([]domain.OrderItem, 0, len(lines)),
		OrderedAt:   now,
		Audit:       domain.AuditFields(domain.OperationInsert, customerID, now),
	}
	for _, line := range lines {
		order.Items = append(order.Items, domain.OrderItem{
			ID:         uuid.NewString(),
			Name:       line.Name,
			DishID:     line.DishID,
			SetmealID:  line.SetmealID,
			Flavor:     line.Flavor,
			Qty:        line.Qty,
			PriceMinor: line.PriceMinor,
			CreatedAt:  now,
		})
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errs[0]
	}

	if err := s.checkout(ctx, order); err != nil {
		if domain.IsVersionConflict(err) {
			return domain.Order{}, fmt.Errorf("%w: create order %s: duplicate id or number: %w",
				domain.ErrRecordStoreUnavailable, order.Number, err)
		}
		return domain.Order{}, wrapRecordErr("create order", err)
	}
	return order, nil
}

// checkout записывает заказ и очищает корзину. Без транзакционного хранилища
// созданный заказ удаляется, если корзину очистить не удалось.
func (s *Service) checkout(ctx context.Context, order domain.Order) error {
	if repo, ok := s.orders.(domain.CheckoutRepository); ok {
		return repo.CreateAndClearCart(ctx, order)
	}

	if err := s.orders.Create(ctx, order); err != nil {
		return err
	}
	clearErr := s.carts.ClearByCustomer(ctx, order.CustomerID)
	if clearErr == nil {
		return nil
	}

	entry := s.logger.WithError(clearErr).WithFields(log.Fields{
		"order_id":    order.ID,
		"customer_id": order.CustomerID,
	})
	if err := s.orders.Delete(ctx, order.ID); err != nil {
		entry.WithField("delete_error", err.Error()).Error("failed to clear cart and to remove the created order")
	} else {
		entry.Warn("failed to clear cart, created order removed")
	}
	return fmt.Errorf("%w: clear cart: %w", domain.ErrRecordStoreUnavailable, clearErr)
}
