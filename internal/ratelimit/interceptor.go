package ratelimit

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor проверяет политику, назначенную полному имени метода.
// Методы без политики пропускаются. Отказ превращается в codes.ResourceExhausted
// с сообщением политики.
func UnaryServerInterceptor(l *Limiter, policies map[string]Policy) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		policy, ok := policies[info.FullMethod]
		if !ok {
			return handler(ctx, req)
		}
		if err := l.Check(ctx, policy, IdentityFromContext(ctx)); err != nil {
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		return handler(ctx, req)
	}
}
