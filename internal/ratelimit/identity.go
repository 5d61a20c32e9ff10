package ratelimit

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// Заголовки (gRPC metadata), из которых берётся личность вызывающего.
const (
	MetadataUserID = "x-user-id"
	headerXFF      = "x-forwarded-for"
	headerProxy    = "proxy-client-ip"
	headerWLProxy  = "wl-proxy-client-ip"
)

// IdentityFromContext извлекает пользователя и адрес клиента из входящего gRPC-вызова.
// Адрес ищется в x-forwarded-for (первый IP), proxy-заголовках, затем в адресе peer.
func IdentityFromContext(ctx context.Context) Identity {
	var id Identity

	md, _ := metadata.FromIncomingContext(ctx)
	if v := firstValue(md, MetadataUserID); v != "" {
		id.UserID = v
	}

	if xff := firstValue(md, headerXFF); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); usableIP(ip) {
			id.IP = ip
			return id
		}
	}
	for _, h := range []string{headerProxy, headerWLProxy} {
		if ip := firstValue(md, h); usableIP(ip) {
			id.IP = ip
			return id
		}
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr := p.Addr.String()
		if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
			id.IP = host
		} else if addr != "" {
			id.IP = addr
		}
	}
	return id
}

func firstValue(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func usableIP(ip string) bool {
	return ip != "" && !strings.EqualFold(ip, unknownIP)
}
