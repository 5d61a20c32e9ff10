package grpcsvc_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
	"github.com/vladislavdragonenkov/foodorder/internal/lock"
	"github.com/vladislavdragonenkov/foodorder/internal/metrics"
	"github.com/vladislavdragonenkov/foodorder/internal/ratelimit"
	grpcsvc "github.com/vladislavdragonenkov/foodorder/internal/service/grpc"
	"github.com/vladislavdragonenkov/foodorder/internal/service/ordering"
	"github.com/vladislavdragonenkov/foodorder/internal/service/payment"
	"github.com/vladislavdragonenkov/foodorder/internal/storage/memory"
)

const bufSize = 1024 * 1024

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: false, DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

func actorCtx(actorID string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), ratelimit.MetadataUserID, actorID)
}

const paymentProvider = "payment-provider"

type testServer struct {
	client  *grpcsvc.Client
	gateway *payment.MockGateway
}

func newTestServer(t *testing.T, policies map[string]ratelimit.Policy) *testServer {
	t.Helper()

	logger := loggerForTests()
	m := metrics.NewConcurrencyMetricsWithRegisterer(prometheus.NewRegistry())

	carts := memory.NewCartRepository()
	addresses := memory.NewAddressRepository()
	for _, customer := range []string{"alice", "bob"} {
		addresses.Put(domain.Address{ID: "addr-" + customer, CustomerID: customer, Consignee: customer, Phone: "+70000000000", City: "Казань"})
		carts.Add(domain.CartLine{ID: customer + "-l1", CustomerID: customer, Name: "Борщ", DishID: "d1", Qty: 2, PriceMinor: 300})
	}
	gateway := payment.NewMockGateway()

	svc, err := ordering.NewService(ordering.Dependencies{
		Orders:    memory.NewOrderRepository(),
		Carts:     carts,
		Addresses: addresses,
		Locks:     lock.NewCoordinator(memory.NewLockStore(), lock.WithLogger(logger), lock.WithPollInterval(2*time.Millisecond)),
		Payments:  gateway,
	}, ordering.WithLogger(logger), ordering.WithMetrics(m))
	require.NoError(t, err)

	limiter := ratelimit.NewLimiter(memory.NewCounterStore(), logger, m)
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(ratelimit.UnaryServerInterceptor(limiter, policies)))
	grpcsvc.RegisterOrderServiceServer(server, grpcsvc.NewOrderService(svc, logger,
		grpcsvc.WithPaymentCallbackActor(paymentProvider),
	))

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := server.Serve(listener); err != nil {
			logger.WithError(err).Error("grpc serve failed")
		}
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}
	//nolint:staticcheck // grpc.Dial is required for bufconn testing
	conn, err := grpc.Dial("bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
	})
	return &testServer{client: grpcsvc.NewClient(conn), gateway: gateway}
}

func orderField(t *testing.T, resp *structpb.Struct, name string) any {
	t.Helper()
	order, ok := resp.AsMap()["order"].(map[string]any)
	require.True(t, ok, "response has no order")
	return order[name]
}

func TestOrderService_Lifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := actorCtx("alice")

	resp, err := ts.client.Call(alice, grpcsvc.MethodSubmitOrder, map[string]any{"addressId": "addr-alice", "remark": "без лука"})
	require.NoError(t, err)
	require.Equal(t, string(domain.OrderStatusPendingPayment), orderField(t, resp, "status"))
	require.Equal(t, float64(600), orderField(t, resp, "amountMinor"))
	require.Equal(t, "без лука", orderField(t, resp, "remark"))
	require.Len(t, orderField(t, resp, "items"), 1)
	_, hasCheckout := resp.AsMap()["order"].(map[string]any)["checkoutAt"]
	require.False(t, hasCheckout)

	orderID := orderField(t, resp, "id").(string)
	number := orderField(t, resp, "number").(string)

	resp, err = ts.client.Call(alice, grpcsvc.MethodPayOrder, map[string]any{"orderNumber": number})
	require.NoError(t, err)
	require.Equal(t, string(domain.OrderStatusToBeConfirmed), orderField(t, resp, "status"))
	require.Equal(t, string(domain.PayStatusPaid), orderField(t, resp, "payStatus"))
	require.NotEmpty(t, orderField(t, resp, "checkoutAt"))
	require.Equal(t, 1, ts.gateway.Charges(number))

	shop := actorCtx("shop-1")
	for _, method := range []string{grpcsvc.MethodAcceptOrder, grpcsvc.MethodDeliverOrder, grpcsvc.MethodCompleteOrder} {
		resp, err = ts.client.Call(shop, method, map[string]any{"orderId": orderID})
		require.NoError(t, err, method)
	}
	require.Equal(t, string(domain.OrderStatusCompleted), orderField(t, resp, "status"))
	require.Equal(t, float64(4), orderField(t, resp, "version"))
	require.Equal(t, "shop-1", orderField(t, resp, "updatedBy"))

	resp, err = ts.client.Call(alice, grpcsvc.MethodGetOrder, map[string]any{"orderId": orderID})
	require.NoError(t, err)
	require.NotEmpty(t, orderField(t, resp, "deliveredAt"))
}

func TestOrderService_GetOrderOnlyForOwner(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client.Call(actorCtx("alice"), grpcsvc.MethodSubmitOrder, map[string]any{"addressId": "addr-alice"})
	require.NoError(t, err)
	orderID := orderField(t, resp, "id").(string)

	resp, err = ts.client.Call(actorCtx("alice"), grpcsvc.MethodGetOrder, map[string]any{"orderId": orderID})
	require.NoError(t, err)
	require.Equal(t, "alice", orderField(t, resp, "customerId"))

	_, err = ts.client.Call(actorCtx("bob"), grpcsvc.MethodGetOrder, map[string]any{"orderId": orderID})
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = ts.client.Call(context.Background(), grpcsvc.MethodGetOrder, map[string]any{"orderId": orderID})
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestOrderService_MarkPaidOnlyForPaymentProvider(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := actorCtx("alice")

	resp, err := ts.client.Call(alice, grpcsvc.MethodSubmitOrder, map[string]any{"addressId": "addr-alice"})
	require.NoError(t, err)
	orderID := orderField(t, resp, "id").(string)
	number := orderField(t, resp, "number").(string)

	for _, actor := range []string{"alice", "bob", "shop-1"} {
		_, err = ts.client.Call(actorCtx(actor), grpcsvc.MethodMarkPaid, map[string]any{"orderNumber": number})
		require.Equal(t, codes.PermissionDenied, status.Code(err), actor)
	}

	resp, err = ts.client.Call(alice, grpcsvc.MethodGetOrder, map[string]any{"orderId": orderID})
	require.NoError(t, err)
	require.Equal(t, string(domain.OrderStatusPendingPayment), orderField(t, resp, "status"))
	require.Equal(t, string(domain.PayStatusUnpaid), orderField(t, resp, "payStatus"))
	require.Zero(t, ts.gateway.Charges(number))

	resp, err = ts.client.Call(actorCtx(paymentProvider), grpcsvc.MethodMarkPaid, map[string]any{"orderNumber": number})
	require.NoError(t, err)
	require.Equal(t, string(domain.PayStatusPaid), orderField(t, resp, "payStatus"))
}

func TestOrderService_ErrorCodes(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := actorCtx("alice")

	resp, err := ts.client.Call(alice, grpcsvc.MethodSubmitOrder, map[string]any{"addressId": "addr-alice"})
	require.NoError(t, err)
	orderID := orderField(t, resp, "id").(string)

	_, err = ts.client.Call(context.Background(), grpcsvc.MethodCancelOrder, map[string]any{"orderId": orderID})
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = ts.client.Call(alice, grpcsvc.MethodCancelOrder, map[string]any{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = ts.client.Call(alice, grpcsvc.MethodGetOrder, map[string]any{"orderId": "missing"})
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = ts.client.Call(actorCtx("bob"), grpcsvc.MethodCancelOrder, map[string]any{"orderId": orderID})
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = ts.client.Call(alice, grpcsvc.MethodDeliverOrder, map[string]any{"orderId": orderID})
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
	require.Contains(t, status.Convert(err).Message(), "cannot move order")

	// Корзина уже очищена первым оформлением.
	_, err = ts.client.Call(alice, grpcsvc.MethodSubmitOrder, map[string]any{"addressId": "addr-alice"})
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
	require.Contains(t, status.Convert(err).Message(), domain.ErrShoppingCartEmpty.Error())

	_, err = ts.client.Call(alice, grpcsvc.MethodRejectOrder, map[string]any{"orderId": orderID})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	resp, err = ts.client.Call(alice, grpcsvc.MethodCancelOrder, map[string]any{"orderId": orderID})
	require.NoError(t, err)
	require.Equal(t, ordering.ReasonCancelledByCustomer, orderField(t, resp, "cancelReason"))
	require.NotEmpty(t, orderField(t, resp, "cancelledAt"))
}

func TestOrderService_RemindAndReject(t *testing.T) {
	ts := newTestServer(t, nil)
	bob := actorCtx("bob")

	resp, err := ts.client.Call(bob, grpcsvc.MethodSubmitOrder, map[string]any{"addressId": "addr-bob"})
	require.NoError(t, err)
	orderID := orderField(t, resp, "id").(string)
	number := orderField(t, resp, "number").(string)

	resp, err = ts.client.Call(bob, grpcsvc.MethodRemindOrder, map[string]any{"orderId": orderID})
	require.NoError(t, err)
	require.Equal(t, true, resp.AsMap()["ok"])

	_, err = ts.client.Call(actorCtx(paymentProvider), grpcsvc.MethodMarkPaid, map[string]any{"orderNumber": number})
	require.NoError(t, err)

	resp, err = ts.client.Call(actorCtx("shop-1"), grpcsvc.MethodRejectOrder, map[string]any{"orderId": orderID, "reason": "нет продуктов"})
	require.NoError(t, err)
	require.Equal(t, string(domain.OrderStatusCancelled), orderField(t, resp, "status"))
	require.Equal(t, string(domain.PayStatusRefund), orderField(t, resp, "payStatus"))
	require.Equal(t, "нет продуктов", orderField(t, resp, "rejectionReason"))
	require.Equal(t, 1, ts.gateway.Refunds(number))
}

func TestOrderService_RateLimited(t *testing.T) {
	ts := newTestServer(t, map[string]ratelimit.Policy{
		grpcsvc.FullMethod(grpcsvc.MethodGetOrder): {Name: "get", Key: "get:{userId}", Limit: 2, WindowSeconds: 60, Message: "слишком часто"},
	})
	alice := actorCtx("alice")

	for i := 0; i < 2; i++ {
		_, err := ts.client.Call(alice, grpcsvc.MethodGetOrder, map[string]any{"orderId": "missing"})
		require.Equal(t, codes.NotFound, status.Code(err))
	}
	_, err := ts.client.Call(alice, grpcsvc.MethodGetOrder, map[string]any{"orderId": "missing"})
	require.Equal(t, codes.ResourceExhausted, status.Code(err))
	require.Equal(t, "слишком часто", status.Convert(err).Message())

	// У другого пользователя свой счётчик.
	_, err = ts.client.Call(actorCtx("bob"), grpcsvc.MethodGetOrder, map[string]any{"orderId": "missing"})
	require.Equal(t, codes.NotFound, status.Code(err))
}
