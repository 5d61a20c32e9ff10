package grpcsvc

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
	"github.com/vladislavdragonenkov/foodorder/internal/ratelimit"
	"github.com/vladislavdragonenkov/foodorder/internal/service/ordering"
)

// Поля запросов.
const (
	fieldOrderID     = "orderId"
	fieldOrderNumber = "orderNumber"
	fieldAddressID   = "addressId"
	fieldRemark      = "remark"
	fieldReason      = "reason"
)

// Orders — операции над заказами, которые вызывает транспорт.
type Orders interface {
	SubmitOrder(ctx context.Context, actorID string, req ordering.SubmitRequest) (domain.Order, error)
	Pay(ctx context.Context, actorID, orderNumber string) (domain.Order, error)
	MarkPaid(ctx context.Context, actorID, orderNumber string) (domain.Order, error)
	Accept(ctx context.Context, actorID, orderID string) (domain.Order, error)
	Reject(ctx context.Context, actorID, orderID, reason string) (domain.Order, error)
	CancelByShop(ctx context.Context, actorID, orderID, reason string) (domain.Order, error)
	CancelByCustomer(ctx context.Context, actorID, orderID string) (domain.Order, error)
	Deliver(ctx context.Context, actorID, orderID string) (domain.Order, error)
	Complete(ctx context.Context, actorID, orderID string) (domain.Order, error)
	Remind(ctx context.Context, actorID, orderID string) error
	Get(ctx context.Context, actorID, orderID string) (domain.Order, error)
}

// Option настраивает OrderService.
type Option func(*OrderService)

// WithPaymentCallbackActor задаёт x-user-id платёжного провайдера: только он
// может вызывать MarkPaid. Без него MarkPaid недоступен никому.
func WithPaymentCallbackActor(actorID string) Option {
	return func(s *OrderService) {
		s.paymentCallbackActor = strings.TrimSpace(actorID)
	}
}

// OrderService реализует gRPC API поверх сервиса заказов.
type OrderService struct {
	orders               Orders
	logger               *log.Entry
	paymentCallbackActor string
}

// NewOrderService конструирует gRPC-сервис.
func NewOrderService(orders Orders, logger *log.Entry, options ...Option) *OrderService {
	if logger == nil {
		logger = log.New().WithField("component", "order-service")
	}
	s := &OrderService{orders: orders, logger: logger}
	for _, option := range options {
		option(s)
	}
	return s
}

// SubmitOrder оформляет заказ из корзины вызывающего клиента.
func (s *OrderService) SubmitOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actorID, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	addressID, err := requiredField(req, fieldAddressID)
	if err != nil {
		return nil, err
	}

	order, err := s.orders.SubmitOrder(ctx, actorID, ordering.SubmitRequest{
		AddressID: addressID,
		Remark:    stringField(req, fieldRemark),
	})
	return s.orderResponse(MethodSubmitOrder, order, err)
}

// PayOrder оплачивает заказ по номеру.
func (s *OrderService) PayOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.byNumber(ctx, req, MethodPayOrder, s.orders.Pay)
}

// MarkPaid — callback платёжного провайдера.
func (s *OrderService) MarkPaid(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actorID, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if s.paymentCallbackActor == "" || actorID != s.paymentCallbackActor {
		s.logger.WithFields(log.Fields{
			"method":   MethodMarkPaid,
			"actor_id": actorID,
		}).Warn("payment callback from unexpected actor")
		return nil, status.Error(codes.PermissionDenied, "only the payment provider may mark orders paid")
	}
	return s.byNumber(ctx, req, MethodMarkPaid, s.orders.MarkPaid)
}

// AcceptOrder — ресторан принимает заказ.
func (s *OrderService) AcceptOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.byID(ctx, req, MethodAcceptOrder, s.orders.Accept)
}

// RejectOrder — ресторан отклоняет заказ с причиной.
func (s *OrderService) RejectOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.byIDWithReason(ctx, req, MethodRejectOrder, s.orders.Reject)
}

// CancelOrderByShop — отмена рестораном.
func (s *OrderService) CancelOrderByShop(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.byIDWithReason(ctx, req, MethodCancelOrderByShop, s.orders.CancelByShop)
}

// CancelOrder — отмена клиентом.
func (s *OrderService) CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.byID(ctx, req, MethodCancelOrder, s.orders.CancelByCustomer)
}

// DeliverOrder — передача курьеру.
func (s *OrderService) DeliverOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.byID(ctx, req, MethodDeliverOrder, s.orders.Deliver)
}

// CompleteOrder — заказ доставлен.
func (s *OrderService) CompleteOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.byID(ctx, req, MethodCompleteOrder, s.orders.Complete)
}

// RemindOrder — напоминание ресторану.
func (s *OrderService) RemindOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actorID, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	orderID, err := requiredField(req, fieldOrderID)
	if err != nil {
		return nil, err
	}
	if err := s.orders.Remind(ctx, actorID, orderID); err != nil {
		return nil, s.toStatus(MethodRemindOrder, err)
	}
	return structpb.NewStruct(map[string]any{"ok": true})
}

// GetOrder возвращает заказ его владельцу.
func (s *OrderService) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.byID(ctx, req, MethodGetOrder, s.orders.Get)
}

type orderOp func(ctx context.Context, actorID, key string) (domain.Order, error)

type orderOpWithReason func(ctx context.Context, actorID, orderID, reason string) (domain.Order, error)

func (s *OrderService) byID(ctx context.Context, req *structpb.Struct, method string, op orderOp) (*structpb.Struct, error) {
	return s.byField(ctx, req, method, fieldOrderID, op)
}

func (s *OrderService) byNumber(ctx context.Context, req *structpb.Struct, method string, op orderOp) (*structpb.Struct, error) {
	return s.byField(ctx, req, method, fieldOrderNumber, op)
}

func (s *OrderService) byField(ctx context.Context, req *structpb.Struct, method, field string, op orderOp) (*structpb.Struct, error) {
	actorID, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	key, err := requiredField(req, field)
	if err != nil {
		return nil, err
	}
	order, err := op(ctx, actorID, key)
	return s.orderResponse(method, order, err)
}

func (s *OrderService) byIDWithReason(ctx context.Context, req *structpb.Struct, method string, op orderOpWithReason) (*structpb.Struct, error) {
	actorID, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	orderID, err := requiredField(req, fieldOrderID)
	if err != nil {
		return nil, err
	}
	reason, err := requiredField(req, fieldReason)
	if err != nil {
		return nil, err
	}
	order, err := op(ctx, actorID, orderID, reason)
	return s.orderResponse(method, order, err)
}

func (s *OrderService) orderResponse(method string, order domain.Order, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, s.toStatus(method, err)
	}
	resp, err := structpb.NewStruct(map[string]any{"order": orderToMap(order)})
	if err != nil {
		s.logger.WithError(err).WithField("method", method).Error("failed to encode order")
		return nil, status.Error(codes.Internal, "failed to encode order")
	}
	return resp, nil
}

// toStatus переводит доменные ошибки в коды gRPC. Бизнес-ошибки отдаются
// с исходным текстом, инфраструктурные скрываются за общим сообщением.
func (s *OrderService) toStatus(method string, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := CodeOf(err)

	entry := s.logger.WithError(err).WithFields(log.Fields{"method": method, "code": code.String()})
	switch code {
	case codes.Internal:
		entry.Error("order operation failed")
		return status.Error(codes.Internal, "internal error")
	case codes.Unavailable:
		entry.Error("order storage unavailable")
		return status.Error(codes.Unavailable, "service temporarily unavailable, please retry")
	default:
		entry.Debug("order operation rejected")
		return status.Error(code, err.Error())
	}
}

// CodeOf возвращает код gRPC для ошибки сервиса заказов.
func CodeOf(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, domain.ErrOrderNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrNotOrderOwner):
		return codes.PermissionDenied
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return codes.ResourceExhausted
	case errors.Is(err, domain.ErrOptimisticConflictExhausted),
		errors.Is(err, domain.ErrLockAcquisitionTimeout):
		return codes.Aborted
	case domain.IsInfrastructureError(err), errors.Is(err, domain.ErrPaymentTemporary):
		return codes.Unavailable
	case errors.Is(err, domain.ErrCustomerRequired):
		return codes.InvalidArgument
	case domain.IsBusinessError(err):
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

func actorFromContext(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(ratelimit.MetadataUserID)
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return "", status.Error(codes.Unauthenticated, ratelimit.MetadataUserID+" metadata is required")
	}
	return strings.TrimSpace(values[0]), nil
}

func stringField(req *structpb.Struct, name string) string {
	return strings.TrimSpace(req.GetFields()[name].GetStringValue())
}

func requiredField(req *structpb.Struct, name string) (string, error) {
	if v := stringField(req, name); v != "" {
		return v, nil
	}
	return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
}

func orderToMap(order domain.Order) map[string]any {
	items := make([]any, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, map[string]any{
			"id":         item.ID,
			"name":       item.Name,
			"dishId":     item.DishID,
			"setmealId":  item.SetmealID,
			"flavor":     item.Flavor,
			"qty":        item.Qty,
			"priceMinor": item.PriceMinor,
		})
	}

	m := map[string]any{
		"id":              order.ID,
		"number":          order.Number,
		"customerId":      order.CustomerID,
		"addressId":       order.AddressID,
		"status":          string(order.Status),
		"payStatus":       string(order.PayStatus),
		"amountMinor":     order.AmountMinor,
		"consignee":       order.Consignee,
		"phone":           order.Phone,
		"address":         order.Address,
		"remark":          order.Remark,
		"cancelReason":    order.CancelReason,
		"rejectionReason": order.RejectionReason,
		"version":         order.Version,
		"items":           items,
		"updatedBy":       order.UpdatedBy,
	}
	for name, ts := range map[string]time.Time{
		"orderedAt":   order.OrderedAt,
		"checkoutAt":  order.CheckoutAt,
		"cancelledAt": order.CancelledAt,
		"deliveredAt": order.DeliveredAt,
		"updatedAt":   order.UpdatedAt,
	} {
		if !ts.IsZero() {
			m[name] = ts.UTC().Format(time.RFC3339Nano)
		}
	}
	return m
}

var _ OrderServiceServer = (*OrderService)(nil)
