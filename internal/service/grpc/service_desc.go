package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName — полное имя gRPC-сервиса заказов.
const ServiceName = "foodorder.v1.OrderService"

// Имена методов.
const (
	MethodSubmitOrder       = "SubmitOrder"
	MethodPayOrder          = "PayOrder"
	MethodMarkPaid          = "MarkPaid"
	MethodAcceptOrder       = "AcceptOrder"
	MethodRejectOrder       = "RejectOrder"
	MethodCancelOrderByShop = "CancelOrderByShop"
	MethodCancelOrder       = "CancelOrder"
	MethodDeliverOrder      = "DeliverOrder"
	MethodCompleteOrder     = "CompleteOrder"
	MethodRemindOrder       = "RemindOrder"
	MethodGetOrder          = "GetOrder"
)

// FullMethod возвращает имя метода в формате /service/method, которым
// его видят interceptor'ы.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// OrderServiceServer — набор unary-методов сервиса. Запросы и ответы
// передаются как google.protobuf.Struct.
type OrderServiceServer interface {
	SubmitOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PayOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	MarkPaid(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	AcceptOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RejectOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelOrderByShop(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DeliverOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CompleteOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RemindOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(srv OrderServiceServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryMethod) grpc.MethodHandler {
	fullMethod := FullMethod(method)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc описывает сервис для grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodSubmitOrder, Handler: unaryHandler(MethodSubmitOrder, OrderServiceServer.SubmitOrder)},
		{MethodName: MethodPayOrder, Handler: unaryHandler(MethodPayOrder, OrderServiceServer.PayOrder)},
		{MethodName: MethodMarkPaid, Handler: unaryHandler(MethodMarkPaid, OrderServiceServer.MarkPaid)},
		{MethodName: MethodAcceptOrder, Handler: unaryHandler(MethodAcceptOrder, OrderServiceServer.AcceptOrder)},
		{MethodName: MethodRejectOrder, Handler: unaryHandler(MethodRejectOrder, OrderServiceServer.RejectOrder)},
		{MethodName: MethodCancelOrderByShop, Handler: unaryHandler(MethodCancelOrderByShop, OrderServiceServer.CancelOrderByShop)},
		{MethodName: MethodCancelOrder, Handler: unaryHandler(MethodCancelOrder, OrderServiceServer.CancelOrder)},
		{MethodName: MethodDeliverOrder, Handler: unaryHandler(MethodDeliverOrder, OrderServiceServer.DeliverOrder)},
		{MethodName: MethodCompleteOrder, Handler: unaryHandler(MethodCompleteOrder, OrderServiceServer.CompleteOrder)},
		{MethodName: MethodRemindOrder, Handler: unaryHandler(MethodRemindOrder, OrderServiceServer.RemindOrder)},
		{MethodName: MethodGetOrder, Handler: unaryHandler(MethodGetOrder, OrderServiceServer.GetOrder)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "foodorder/v1/order_service",
}

// RegisterOrderServiceServer регистрирует реализацию на сервере.
func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client — тонкий клиент сервиса заказов.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient создаёт клиента поверх соединения.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call вызывает method с полями запроса fields.
func (c *Client) Call(ctx context.Context, method string, fields map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
