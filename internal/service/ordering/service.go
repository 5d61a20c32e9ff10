package ordering

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
	"github.com/vladislavdragonenkov/foodorder/internal/lock"
	"github.com/vladislavdragonenkov/foodorder/internal/metrics"
	"github.com/vladislavdragonenkov/foodorder/internal/optimistic"
)

const (
	// Параметры блокировки оформления и оплаты.
	defaultLockWait  = 2 * time.Second
	defaultLockLease = 30 * time.Second

	submitLockPrefix = "order-submit:"
	payLockPrefix    = "order-pay:"

	// ReasonCancelledByCustomer — причина отмены, записываемая при отмене клиентом.
	ReasonCancelledByCustomer = "cancelled by customer"
	// ReasonPaymentTimeout — причина отмены неоплаченного заказа фоновой задачей.
	ReasonPaymentTimeout = "payment timeout, order cancelled automatically"
)

// Dependencies — внешние компоненты сервиса заказов.
type Dependencies struct {
	Orders    domain.OrderRepository
	Carts     domain.CartRepository
	Addresses domain.AddressRepository
	Locks     *lock.Coordinator
	Retrier   *optimistic.Retrier
	Notifier  domain.NotificationSink
	Payments  domain.PaymentGateway
}

// Options задаёт необязательные параметры сервиса.
type Options struct {
	Logger     *log.Entry
	Metrics    *metrics.ConcurrencyMetrics
	Now        func() time.Time
	NumberFunc func(now time.Time) string
	LockWait   time.Duration
	LockLease  time.Duration
}

// Option настраивает Service.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics подключает метрики переходов.
func WithMetrics(m *metrics.ConcurrencyMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithClock подменяет источник времени (аудит, CheckoutAt, CancelledAt).
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Now = now
	}
}

// WithNumberFunc подменяет генератор номеров заказов.
func WithNumberFunc(fn func(now time.Time) string) Option {
	return func(opts *Options) {
		opts.NumberFunc = fn
	}
}

// WithLockTimings задаёт ожидание и длительность аренды для оформления и оплаты.
func WithLockTimings(wait, lease time.Duration) Option {
	return func(opts *Options) {
		opts.LockWait = wait
		opts.LockLease = lease
	}
}

// Service оформляет заказы и ведёт их по жизненному циклу.
type Service struct {
	orders    domain.OrderRepository
	carts     domain.CartRepository
	addresses domain.AddressRepository
	locks     *lock.Coordinator
	retrier   *optimistic.Retrier
	store     orderStore
	notifier  domain.NotificationSink
	payments  domain.PaymentGateway

	logger    *log.Entry
	metrics   *metrics.ConcurrencyMetrics
	now       func() time.Time
	newNumber func(now time.Time) string
	lockWait  time.Duration
	lockLease time.Duration
}

// NewService собирает сервис заказов. Orders и Locks обязательны.
func NewService(deps Dependencies, options ...Option) (*Service, error) {
	if deps.Orders == nil {
		return nil, errors.New("ordering: order repository is required")
	}
	if deps.Locks == nil {
		return nil, errors.New("ordering: lock coordinator is required")
	}

	opts := Options{LockWait: defaultLockWait, LockLease: defaultLockLease}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "ordering")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NumberFunc == nil {
		opts.NumberFunc = NewOrderNumber
	}
	if opts.LockWait <= 0 {
		opts.LockWait = defaultLockWait
	}
	if opts.LockLease <= 0 {
		opts.LockLease = defaultLockLease
	}

	retrier := deps.Retrier
	if retrier == nil {
		retrier = optimistic.NewRetrier(optimistic.DefaultPolicy("order"), opts.Logger, opts.Metrics)
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}

	return &Service{
		orders:    deps.Orders,
		carts:     deps.Carts,
		addresses: deps.Addresses,
		locks:     deps.Locks,
		retrier:   retrier,
		store:     orderStore{repo: deps.Orders},
		notifier:  notifier,
		payments:  deps.Payments,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		newNumber: opts.NumberFunc,
		lockWait:  opts.LockWait,
		lockLease: opts.LockLease,
	}, nil
}

// Get возвращает заказ его владельцу actorID.
func (s *Service) Get(ctx context.Context, actorID, orderID string) (domain.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, wrapRecordErr("get order "+orderID, err)
	}
	if order.CustomerID != strings.TrimSpace(actorID) {
		return domain.Order{}, domain.ErrNotOrderOwner
	}
	return order, nil
}

// NewOrderNumber строит номер заказа из миллисекунд времени оформления и
// трёх случайных цифр: два заказа в одну миллисекунду не получат одинаковый номер.
func NewOrderNumber(now time.Time) string {
	suffix, err := rand.Int(rand.Reader, big.NewInt(1000))
	if err != nil {
		suffix = big.NewInt(now.UnixNano() % 1000)
	}
	return fmt.Sprintf("%d%03d", now.UnixMilli(), suffix.Int64())
}

// notify отправляет уведомление; доставка best-effort, ошибка только логируется.
func (s *Service) notify(ctx context.Context, order domain.Order, kind domain.NotificationType, reason string) {
	n := domain.OrderNotification{
		OrderID:    order.ID,
		Number:     order.Number,
		CustomerID: order.CustomerID,
		Type:       kind,
		Status:     order.Status,
		Reason:     reason,
		OccurredAt: s.now().UTC(),
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id":   order.ID,
			"event_type": kind,
		}).Warn("order notification failed")
	}
}

// wrapRecordErr оставляет бизнес-ошибки как есть, остальное считает недоступностью хранилища.
func wrapRecordErr(op string, err error) error {
	if err == nil || domain.IsBusinessError(err) || domain.IsInfrastructureError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrRecordStoreUnavailable, op, err)
}

// orderStore адаптирует OrderRepository к optimistic.Store.
type orderStore struct {
	repo domain.OrderRepository
}

func (s orderStore) Load(ctx context.Context, id string) (domain.Order, error) {
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Order{}, wrapRecordErr("load order "+id, err)
	}
	return order, nil
}

func (s orderStore) CompareAndSwap(ctx context.Context, next domain.Order, expectedVersion int64) (domain.Order, bool, error) {
	rows, err := s.repo.ConditionalUpdate(ctx, next, expectedVersion)
	if err != nil {
		if domain.IsVersionConflict(err) {
			return domain.Order{}, false, nil
		}
		return domain.Order{}, false, wrapRecordErr("update order "+next.ID, err)
	}
	if rows == 0 {
		return domain.Order{}, false, nil
	}
	next.Version = expectedVersion + 1
	return next, true, nil
}

var _ optimistic.Store[domain.Order] = orderStore{}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, domain.OrderNotification) error { return nil }
