package ratelimit_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
	"github.com/vladislavdragonenkov/foodorder/internal/metrics"
	"github.com/vladislavdragonenkov/foodorder/internal/ratelimit"
	"github.com/vladislavdragonenkov/foodorder/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type brokenCounterStore struct{}

func (brokenCounterStore) IncrementWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis: connection refused")
}

func (brokenCounterStore) TokenBucketCheck(context.Context, string, float64, float64, float64, int64) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

func newLimiter(t *testing.T) (*ratelimit.Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	store := memory.NewCounterStoreWithClock(clock.Now)
	m := metrics.NewConcurrencyMetricsWithRegisterer(prometheus.NewRegistry())
	return ratelimit.NewLimiter(store, loggerForTests(), m).WithClock(clock.Now), clock
}

func TestFixedWindow_RejectsAfterLimitWithinWindow(t *testing.T) {
	t.Parallel()

	l, clock := newLimiter(t)
	ctx := context.Background()
	const limit = 3

	for i := 0; i < limit; i++ {
		require.True(t, l.AllowFixedWindow(ctx, "k", time.Second, limit), "hit %d", i+1)
	}
	require.False(t, l.AllowFixedWindow(ctx, "k", time.Second, limit))

	// Отклонённые попытки тоже считаются и не сбрасывают окно.
	clock.Advance(900 * time.Millisecond)
	require.False(t, l.AllowFixedWindow(ctx, "k", time.Second, limit))

	clock.Advance(100 * time.Millisecond)
	require.True(t, l.AllowFixedWindow(ctx, "k", time.Second, limit))
}

func TestFixedWindow_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	l, _ := newLimiter(t)
	ctx := context.Background()

	require.True(t, l.AllowFixedWindow(ctx, "a", time.Minute, 1))
	require.False(t, l.AllowFixedWindow(ctx, "a", time.Minute, 1))
	require.True(t, l.AllowFixedWindow(ctx, "b", time.Minute, 1))
}

func TestTokenBucket_BurstThenSteadyRate(t *testing.T) {
	t.Parallel()

	l, clock := newLimiter(t)
	ctx := context.Background()
	const (
		capacity = 5
		rate     = 2
	)

	for i := 0; i < capacity; i++ {
		require.True(t, l.AllowTokenBucket(ctx, "tb", capacity, rate, 1), "burst %d", i+1)
	}
	require.False(t, l.AllowTokenBucket(ctx, "tb", capacity, rate, 1))

	clock.Advance(time.Second / rate)
	require.True(t, l.AllowTokenBucket(ctx, "tb", capacity, rate, 1))
	require.False(t, l.AllowTokenBucket(ctx, "tb", capacity, rate, 1))
}

func TestTokenBucket_RejectDoesNotConsume(t *testing.T) {
	t.Parallel()

	l, clock := newLimiter(t)
	ctx := context.Background()

	require.True(t, l.AllowTokenBucket(ctx, "tb", 3, 1, 3))
	clock.Advance(2 * time.Second)
	require.False(t, l.AllowTokenBucket(ctx, "tb", 3, 1, 3))
	clock.Advance(time.Second)
	require.True(t, l.AllowTokenBucket(ctx, "tb", 3, 1, 3))
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	t.Parallel()

	l := ratelimit.NewLimiter(brokenCounterStore{}, loggerForTests(), nil)
	ctx := context.Background()

	require.True(t, l.AllowFixedWindow(ctx, "k", time.Second, 1))
	require.True(t, l.AllowTokenBucket(ctx, "k", 1, 1, 1))

	policy := ratelimit.DefaultPolicy("submit")
	policy.Limit = 1
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check(ctx, policy, ratelimit.Identity{UserID: "u-1"}))
	}
}

func TestLimiter_CheckReturnsConfiguredMessage(t *testing.T) {
	t.Parallel()

	l, _ := newLimiter(t)
	ctx := context.Background()
	policy := ratelimit.Policy{
		Name:          "submit",
		Key:           "order:submit:{userId}",
		WindowSeconds: 60,
		Limit:         2,
		Message:       "at most 2 orders per minute",
	}
	id := ratelimit.Identity{UserID: "42"}

	require.NoError(t, l.Check(ctx, policy, id))
	require.NoError(t, l.Check(ctx, policy, id))
	err := l.Check(ctx, policy, id)
	require.ErrorIs(t, err, domain.ErrRateLimitExceeded)
	require.True(t, domain.IsBusinessError(err))

	var exceeded *ratelimit.RateLimitExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, "at most 2 orders per minute", exceeded.Message)
	require.Equal(t, "rate_limit:order:submit:42", exceeded.Key)

	// Другой пользователь считается отдельно.
	require.NoError(t, l.Check(ctx, policy, ratelimit.Identity{UserID: "43"}))
}

func TestLimiter_TokenBucketPolicy(t *testing.T) {
	t.Parallel()

	l, _ := newLimiter(t)
	policy := ratelimit.Policy{Name: "pay", Algorithm: ratelimit.AlgorithmTokenBucket, Capacity: 2, Rate: 1, Requested: 1}

	require.NoError(t, l.Check(context.Background(), policy, ratelimit.Identity{}))
	require.NoError(t, l.Check(context.Background(), policy, ratelimit.Identity{}))
	require.Error(t, l.Check(context.Background(), policy, ratelimit.Identity{}))
}

func TestGuard(t *testing.T) {
	t.Parallel()

	l, _ := newLimiter(t)
	policy := ratelimit.Policy{Name: "remind", Key: "remind:{userId}", Limit: 1, WindowSeconds: 60}
	calls := 0
	guarded := ratelimit.Guard(l, policy, func(ctx context.Context, id ratelimit.Identity) (string, error) {
		calls++
		return "ok", nil
	})

	got, err := guarded(context.Background(), ratelimit.Identity{UserID: "u"})
	require.NoError(t, err)
	require.Equal(t, "ok", got)

	_, err = guarded(context.Background(), ratelimit.Identity{UserID: "u"})
	require.ErrorIs(t, err, domain.ErrRateLimitExceeded)
	require.Equal(t, 1, calls)
}

func TestUnaryServerInterceptor(t *testing.T) {
	t.Parallel()

	l, _ := newLimiter(t)
	const method = "/foodorder.v1.OrderService/SubmitOrder"
	interceptor := ratelimit.UnaryServerInterceptor(l, map[string]ratelimit.Policy{
		method: {Name: "submit", Key: "submit:{userId}", Limit: 1, WindowSeconds: 60, Message: "slow down"},
	})
	handler := func(ctx context.Context, req any) (any, error) { return "done", nil }
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(ratelimit.MetadataUserID, "7"))

	resp, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method}, handler)
	require.NoError(t, err)
	require.Equal(t, "done", resp)

	_, err = interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method}, handler)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))
	require.Equal(t, "slow down", status.Convert(err).Message())

	// Метод без политики не ограничивается.
	for i := 0; i < 3; i++ {
		_, err = interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/other"}, handler)
		require.NoError(t, err)
	}
}

func TestIdentityFromContext(t *testing.T) {
	t.Parallel()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
		ratelimit.MetadataUserID, "u-1",
		"x-forwarded-for", "203.0.113.7, 10.0.0.1",
	))
	id := ratelimit.IdentityFromContext(ctx)
	require.Equal(t, "u-1", id.UserID)
	require.Equal(t, "203.0.113.7", id.IP)

	proxied := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
		"x-forwarded-for", "unknown",
		"proxy-client-ip", "198.51.100.2",
	))
	require.Equal(t, "198.51.100.2", ratelimit.IdentityFromContext(proxied).IP)

	peerCtx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 5555}})
	id = ratelimit.IdentityFromContext(peerCtx)
	require.Empty(t, id.UserID)
	require.Equal(t, "192.0.2.10", id.IP)

	require.Equal(t, ratelimit.Identity{}, ratelimit.IdentityFromContext(context.Background()))
}
