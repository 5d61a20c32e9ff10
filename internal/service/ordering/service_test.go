package ordering_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
	"github.com/vladislavdragonenkov/foodorder/internal/lock"
	"github.com/vladislavdragonenkov/foodorder/internal/metrics"
	"github.com/vladislavdragonenkov/foodorder/internal/optimistic"
	"github.com/vladislavdragonenkov/foodorder/internal/service/ordering"
	"github.com/vladislavdragonenkov/foodorder/internal/service/payment"
	"github.com/vladislavdragonenkov/foodorder/internal/storage/memory"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

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

type cartStore interface {
	domain.CartRepository
	Add(line domain.CartLine)
}

type addressStore interface {
	domain.AddressRepository
	Put(addr domain.Address)
}

// recordingSink запоминает уведомления; err имитирует недоступный outbox.
type recordingSink struct {
	mu    sync.Mutex
	items []domain.OrderNotification
	err   error
}

func (s *recordingSink) Notify(_ context.Context, n domain.OrderNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, n)
	return s.err
}

func (s *recordingSink) Types() []domain.NotificationType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]domain.NotificationType, 0, len(s.items))
	for _, n := range s.items {
		types = append(types, n.Type)
	}
	return types
}

// racingRepo перед каждой из первых conflicts условных записей
// поднимает версию заказа, как это сделал бы конкурентный писатель.
type racingRepo struct {
	domain.OrderRepository
	mu        sync.Mutex
	conflicts int
	updates   int
}

func (r *racingRepo) ConditionalUpdate(ctx context.Context, order domain.Order, expected int64) (int64, error) {
	r.mu.Lock()
	r.updates++
	bump := r.conflicts > 0
	if bump {
		r.conflicts--
	}
	r.mu.Unlock()

	if bump {
		current, err := r.OrderRepository.Get(ctx, order.ID)
		if err != nil {
			return 0, err
		}
		if _, err := r.OrderRepository.ConditionalUpdate(ctx, current, current.Version); err != nil {
			return 0, err
		}
	}
	return r.OrderRepository.ConditionalUpdate(ctx, order, expected)
}

type brokenLockStore struct{}

func (brokenLockStore) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (brokenLockStore) CompareAndDelete(context.Context, string, string) (bool, error) {
	return false, errors.New("connection refused")
}

type failingRepo struct {
	domain.OrderRepository
}

func (failingRepo) Get(context.Context, string) (domain.Order, error) {
	return domain.Order{}, errors.New("connection reset by peer")
}

type fixture struct {
	svc       *ordering.Service
	orders    domain.OrderRepository
	carts     cartStore
	addresses addressStore
	locks     *lock.Coordinator
	gateway   *payment.MockGateway
	sink      *recordingSink
	clock     *fakeClock
}

type fixtureConfig struct {
	orders    domain.OrderRepository
	carts     cartStore
	lockStore lock.Store
	retries   int
}

// flakyCart отказывает в очистке корзины первые failures раз.
type flakyCart struct {
	cartStore
	mu       sync.Mutex
	failures int
}

func (c *flakyCart) ClearByCustomer(ctx context.Context, customerID string) error {
	c.mu.Lock()
	fail := c.failures > 0
	if fail {
		c.failures--
	}
	c.mu.Unlock()

	if fail {
		return errors.New("connection reset by peer")
	}
	return c.cartStore.ClearByCustomer(ctx, customerID)
}

func newFixture(t *testing.T, cfgs ...func(*fixtureConfig)) *fixture {
	t.Helper()

	base := memory.NewOrderRepository()
	cfg := fixtureConfig{orders: base, carts: memory.NewCartRepository(), lockStore: memory.NewLockStore(), retries: 3}
	for _, fn := range cfgs {
		fn(&cfg)
	}

	clock := &fakeClock{now: baseTime}
	m := metrics.NewConcurrencyMetricsWithRegisterer(prometheus.NewRegistry())
	locks := lock.NewCoordinator(cfg.lockStore,
		lock.WithLogger(loggerForTests()),
		lock.WithPollInterval(2*time.Millisecond),
		lock.WithMetrics(m),
	)
	retrier := optimistic.NewRetrier(optimistic.Policy{MaxRetries: cfg.retries, Entity: "order"}, loggerForTests(), m)

	f := &fixture{
		orders:    cfg.orders,
		carts:     cfg.carts,
		addresses: memory.NewAddressRepository(),
		locks:     locks,
		gateway:   payment.NewMockGateway(),
		sink:      &recordingSink{},
		clock:     clock,
	}

	seq := 0
	var seqMu sync.Mutex
	svc, err := ordering.NewService(ordering.Dependencies{
		Orders:    f.orders,
		Carts:     f.carts,
		Addresses: f.addresses,
		Locks:     locks,
		Retrier:   retrier,
		Notifier:  f.sink,
		Payments:  f.gateway,
	},
		ordering.WithLogger(loggerForTests()),
		ordering.WithMetrics(m),
		ordering.WithClock(clock.Now),
		ordering.WithNumberFunc(func(time.Time) string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return "N" + strconv.Itoa(seq)
		}),
	)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) seedCart(customerID string) {
	f.addresses.Put(domain.Address{
		ID:         "addr-" + customerID,
		CustomerID: customerID,
		Consignee:  "Иван",
		Phone:      "+70000000000",
		City:       "Москва",
		Detail:     "Тверская 1",
	})
	f.carts.Add(domain.CartLine{ID: "l1", CustomerID: customerID, Name: "Плов", DishID: "d1", Qty: 2, PriceMinor: 450})
	f.carts.Add(domain.CartLine{ID: "l2", CustomerID: customerID, Name: "Чай", DishID: "d2", Qty: 1, PriceMinor: 100})
}

// seedOrder кладёт заказ в нужном статусе напрямую в репозиторий.
func (f *fixture) seedOrder(t *testing.T, id string, status domain.OrderStatus, pay domain.PayStatus, orderedAt time.Time) domain.Order {
	t.Helper()
	order := domain.Order{
		ID:          id,
		Number:      "num-" + id,
		CustomerID:  "customer-1",
		Status:      status,
		PayStatus:   pay,
		AmountMinor: 500,
		Items:       []domain.OrderItem{{ID: id + "-i1", Name: "Суп", Qty: 1, PriceMinor: 500}},
		OrderedAt:   orderedAt,
		Audit:       domain.AuditFields(domain.OperationInsert, "customer-1", orderedAt),
	}
	require.NoError(t, f.orders.Create(context.Background(), order))
	return order
}

func pendingOrders(t *testing.T, repo domain.OrderRepository) []domain.Order {
	t.Helper()
	orders, err := repo.ListByStatusBefore(context.Background(), domain.OrderStatusPendingPayment, baseTime.Add(24*time.Hour), 0)
	require.NoError(t, err)
	return orders
}

func TestNewService_RequiresOrdersAndLocks(t *testing.T) {
	_, err := ordering.NewService(ordering.Dependencies{})
	require.Error(t, err)

	_, err = ordering.NewService(ordering.Dependencies{Orders: memory.NewOrderRepository()})
	require.Error(t, err)
}

func TestNewOrderNumber(t *testing.T) {
	prefix := strconv.FormatInt(baseTime.UnixMilli(), 10)
	number := ordering.NewOrderNumber(baseTime)
	require.Len(t, number, len(prefix)+3)
	require.True(t, strings.HasPrefix(number, prefix))
}

func TestSubmitOrder_BuildsOrderFromCart(t *testing.T) {
	f := newFixture(t)
	f.seedCart("customer-1")

	order, err := f.svc.SubmitOrder(context.Background(), "customer-1", ordering.SubmitRequest{
		AddressID: "addr-customer-1",
		Remark:    "без лука",
	})
	require.NoError(t, err)

	require.NotEmpty(t, order.ID)
	require.Equal(t, "N1", order.Number)
	require.Equal(t, domain.OrderStatusPendingPayment, order.Status)
	require.Equal(t, domain.PayStatusUnpaid, order.PayStatus)
	require.Equal(t, int64(1000), order.AmountMinor)
	require.Len(t, order.Items, 2)
	require.Equal(t, "Москва Тверская 1", order.Address)
	require.Equal(t, "Иван", order.Consignee)
	require.Equal(t, "без лука", order.Remark)
	require.Equal(t, baseTime, order.OrderedAt)
	require.Equal(t, "customer-1", order.CreatedBy)
	require.Equal(t, "customer-1", order.UpdatedBy)
	require.Equal(t, baseTime, order.CreatedAt)

	stored, err := f.orders.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, order.Number, stored.Number)

	lines, err := f.carts.ListByCustomer(context.Background(), "customer-1")
	require.NoError(t, err)
	require.Empty(t, lines)

	require.Equal(t, []domain.NotificationType{domain.NotificationOrderSubmitted}, f.sink.Types())
}

func TestSubmitOrder_BusinessErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitOrder(ctx, "", ordering.SubmitRequest{AddressID: "x"})
	require.ErrorIs(t, err, domain.ErrCustomerRequired)

	_, err = f.svc.SubmitOrder(ctx, "customer-1", ordering.SubmitRequest{AddressID: "missing"})
	require.ErrorIs(t, err, domain.ErrAddressBookMissing)

	f.addresses.Put(domain.Address{ID: "addr-1", CustomerID: "customer-1", City: "Казань"})
	_, err = f.svc.SubmitOrder(ctx, "customer-1", ordering.SubmitRequest{AddressID: "addr-1"})
	require.ErrorIs(t, err, domain.ErrShoppingCartEmpty)

	// Чужой адрес не подходит.
	f.carts.Add(domain.CartLine{ID: "l1", CustomerID: "customer-2", Name: "Чай", Qty: 1, PriceMinor: 100})
	_, err = f.svc.SubmitOrder(ctx, "customer-2", ordering.SubmitRequest{AddressID: "addr-1"})
	require.ErrorIs(t, err, domain.ErrAddressBookMissing)

	require.Empty(t, pendingOrders(t, f.orders))
	require.Empty(t, f.sink.Types())
}

func TestSubmitOrder_ConcurrentRequestsCreateOneOrder(t *testing.T) {
	f := newFixture(t)
	f.seedCart("customer-1")
	ctx := context.Background()

	const attempts = 5
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitOrder(ctx, "customer-1", ordering.SubmitRequest{AddressID: "addr-customer-1"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, created)
	for _, err := range errs {
		require.True(t,
			errors.Is(err, domain.ErrShoppingCartEmpty) || errors.Is(err, domain.ErrLockAcquisitionTimeout),
			"unexpected error: %v", err)
	}
	require.Len(t, pendingOrders(t, f.orders), 1)
}

func TestSubmitOrder_CartClearFailureLeavesNoOrder(t *testing.T) {
	f := newFixture(t, func(cfg *fixtureConfig) {
		cfg.carts = &flakyCart{cartStore: memory.NewCartRepository(), failures: 1}
	})
	f.seedCart("customer-1")
	ctx := context.Background()
	req := ordering.SubmitRequest{AddressID: "addr-customer-1"}

	_, err := f.svc.SubmitOrder(ctx, "customer-1", req)
	require.ErrorIs(t, err, domain.ErrRecordStoreUnavailable)
	require.Empty(t, pendingOrders(t, f.orders))
	require.Empty(t, f.sink.Types())

	lines, err := f.carts.ListByCustomer(ctx, "customer-1")
	require.NoError(t, err)
	require.Len(t, lines, 2)

	order, err := f.svc.SubmitOrder(ctx, "customer-1", req)
	require.NoError(t, err)

	_, err = f.svc.SubmitOrder(ctx, "customer-1", req)
	require.ErrorIs(t, err, domain.ErrShoppingCartEmpty)

	orders := pendingOrders(t, f.orders)
	require.Len(t, orders, 1)
	require.Equal(t, order.ID, orders[0].ID)
}

func TestSubmitOrder_LockStoreUnavailableFailsClosed(t *testing.T) {
	f := newFixture(t, func(cfg *fixtureConfig) {
		cfg.lockStore = brokenLockStore{}
	})
	f.seedCart("customer-1")

	_, err := f.svc.SubmitOrder(context.Background(), "customer-1", ordering.SubmitRequest{AddressID: "addr-customer-1"})
	require.ErrorIs(t, err, domain.ErrLockStoreUnavailable)
	require.True(t, domain.IsInfrastructureError(err))
	require.Empty(t, pendingOrders(t, f.orders))

	lines, err := f.carts.ListByCustomer(context.Background(), "customer-1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
}

func TestSubmitOrder_LockHeldByAnotherInstanceTimesOut(t *testing.T) {
	f := newFixture(t)
	f.seedCart("customer-1")
	ctx := context.Background()

	lease, err := f.locks.Acquire(ctx, "order-submit:customer-1", time.Second, time.Minute)
	require.NoError(t, err)
	defer func() { _ = f.locks.Release(ctx, lease) }()

	svc, err := ordering.NewService(ordering.Dependencies{
		Orders:    f.orders,
		Carts:     f.carts,
		Addresses: f.addresses,
		Locks:     f.locks,
	}, ordering.WithLockTimings(20*time.Millisecond, time.Second), ordering.WithLogger(loggerForTests()))
	require.NoError(t, err)

	_, err = svc.SubmitOrder(ctx, "customer-1", ordering.SubmitRequest{AddressID: "addr-customer-1"})
	require.ErrorIs(t, err, domain.ErrLockAcquisitionTimeout)
	require.True(t, domain.IsBusinessError(err))
	require.Empty(t, pendingOrders(t, f.orders))
}
