package ordering

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
)

const (
	defaultTimeoutInterval  = time.Minute
	defaultPaymentTimeout   = 15 * time.Minute
	defaultDeliveryTimeout  = time.Hour
	defaultTimeoutBatchSize = 100

	timeoutTaskLockKey = "order-timeout-task"
	// SystemActorID — актор аудит-полей для фоновых переходов.
	SystemActorID = "system"

	opTimeoutCancel   = "timeout_cancel"
	opTimeoutComplete = "timeout_complete"
)

// TimeoutTaskOptions задаёт параметры фоновой задачи.
type TimeoutTaskOptions struct {
	Logger          *log.Entry
	Interval        time.Duration
	PaymentTimeout  time.Duration
	DeliveryTimeout time.Duration
	BatchSize       int
}

// TimeoutTaskOption настраивает TimeoutTask.
type TimeoutTaskOption func(*TimeoutTaskOptions)

// WithTaskLogger задаёт logger задачи.
func WithTaskLogger(logger *log.Entry) TimeoutTaskOption {
	return func(opts *TimeoutTaskOptions) {
		opts.Logger = logger
	}
}

// WithTaskInterval задаёт период запуска.
func WithTaskInterval(interval time.Duration) TimeoutTaskOption {
	return func(opts *TimeoutTaskOptions) {
		opts.Interval = interval
	}
}

// WithTimeouts задаёт срок ожидания оплаты и срок доставки.
func WithTimeouts(payment, delivery time.Duration) TimeoutTaskOption {
	return func(opts *TimeoutTaskOptions) {
		opts.PaymentTimeout = payment
		opts.DeliveryTimeout = delivery
	}
}

// WithTaskBatchSize ограничивает число заказов каждого вида за один проход.
func WithTaskBatchSize(n int) TimeoutTaskOption {
	return func(opts *TimeoutTaskOptions) {
		opts.BatchSize = n
	}
}

// TimeoutReport — итог одного прохода.
type TimeoutReport struct {
	Cancelled int
	Completed int
	Failed    int
	// Skipped — проход выполнял другой инстанс.
	Skipped bool
}

// TimeoutTask отменяет неоплаченные заказы и завершает зависшие доставки.
// Проход выполняется под арендой order-timeout-task, поэтому при нескольких
// инстансах работает только один из них.
type TimeoutTask struct {
	service         *Service
	logger          *log.Entry
	interval        time.Duration
	paymentTimeout  time.Duration
	deliveryTimeout time.Duration
	batchSize       int
}

// NewTimeoutTask создаёт фоновую задачу поверх сервиса заказов.
func NewTimeoutTask(service *Service, options ...TimeoutTaskOption) *TimeoutTask {
	opts := TimeoutTaskOptions{
		Interval:        defaultTimeoutInterval,
		PaymentTimeout:  defaultPaymentTimeout,
		DeliveryTimeout: defaultDeliveryTimeout,
		BatchSize:       defaultTimeoutBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "order-timeout-task")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultTimeoutInterval
	}
	if opts.PaymentTimeout <= 0 {
		opts.PaymentTimeout = defaultPaymentTimeout
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaultDeliveryTimeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultTimeoutBatchSize
	}

	return &TimeoutTask{
		service:         service,
		logger:          opts.Logger,
		interval:        opts.Interval,
		paymentTimeout:  opts.PaymentTimeout,
		deliveryTimeout: opts.DeliveryTimeout,
		batchSize:       opts.BatchSize,
	}
}

// Run запускает задачу до отмены ctx.
func (t *TimeoutTask) Run(ctx context.Context) {
	if t.service == nil {
		t.logger.Warn("order timeout task is disabled: service is nil")
		return
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.runOnce(ctx)
		}
	}
}

func (t *TimeoutTask) runOnce(ctx context.Context) {
	report, err := t.ProcessOnce(ctx)
	if err != nil {
		t.logger.WithError(err).Warn("order timeout pass failed")
		return
	}
	if report.Cancelled+report.Completed+report.Failed > 0 {
		t.logger.WithFields(log.Fields{
			"cancelled": report.Cancelled,
			"completed": report.Completed,
			"failed":    report.Failed,
		}).Info("order timeout pass finished")
	}
}

// ProcessOnce выполняет один проход. Если аренду держит другой инстанс,
// возвращает отчёт со Skipped=true без ошибки.
func (t *TimeoutTask) ProcessOnce(ctx context.Context) (TimeoutReport, error) {
	var report TimeoutReport
	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	s := t.service
	err := s.locks.WithLock(ctx, timeoutTaskLockKey, 0, t.interval, func(ctx context.Context) error {
		now := s.now()
		t.sweep(ctx, &report, domain.OrderStatusPendingPayment, now.Add(-t.paymentTimeout), opTimeoutCancel, s.cancelUnpaid)
		t.sweep(ctx, &report, domain.OrderStatusDeliveryInProgress, now.Add(-t.deliveryTimeout), opTimeoutComplete, func(ctx context.Context, orderID string) error {
			_, err := s.Complete(ctx, SystemActorID, orderID)
			return err
		})
		return nil
	})
	if errors.Is(err, domain.ErrLockAcquisitionTimeout) {
		report.Skipped = true
		return report, nil
	}
	return report, err
}

func (t *TimeoutTask) sweep(
	ctx context.Context,
	report *TimeoutReport,
	status domain.OrderStatus,
	before time.Time,
	action string,
	handle func(ctx context.Context, orderID string) error,
) {
	orders, err := t.service.orders.ListByStatusBefore(ctx, status, before, t.batchSize)
	if err != nil {
		t.logger.WithError(err).WithField("status", status).Warn("failed to list overdue orders")
		return
	}

	for _, order := range orders {
		if ctx.Err() != nil {
			return
		}
		err := handle(ctx, order.ID)
		// Заказ мог успеть сменить статус: такой переход просто пропускаем.
		if domain.IsIllegalTransition(err) {
			continue
		}
		t.service.metrics.RecordTimeoutSweep(action, err)
		if err != nil {
			report.Failed++
			t.logger.WithError(err).WithFields(log.Fields{
				"order_id": order.ID,
				"action":   action,
			}).Warn("failed to process overdue order")
			continue
		}
		if action == opTimeoutCancel {
			report.Cancelled++
		} else {
			report.Completed++
		}
	}
}

// cancelUnpaid отменяет заказ, не оплаченный вовремя.
func (s *Service) cancelUnpaid(ctx context.Context, orderID string) error {
	_, err := s.transition(ctx, SystemActorID, orderID, transition{
		op:           opTimeoutCancel,
		to:           domain.OrderStatusCancelled,
		allowedFrom:  []domain.OrderStatus{domain.OrderStatusPendingPayment},
		notification: domain.NotificationOrderCancelled,
		reason:       ReasonPaymentTimeout,
		apply: func(order *domain.Order) {
			order.CancelReason = ReasonPaymentTimeout
			order.CancelledAt = order.UpdatedAt
		},
	})
	return err
}
