package domain

import (
	"context"
	"time"
)

// PaymentGateway описывает взаимодействие с платёжным провайдером.
type PaymentGateway interface {
	// Charge списывает сумму по номеру заказа.
	Charge(ctx context.Context, orderNumber string, amountMinor int64) (PaymentStatus, error)
	// Refund возвращает сумму клиенту.
	Refund(ctx context.Context, orderNumber string, amountMinor int64) (PaymentStatus, error)
}

// NotificationType — тип события о заказе для внешних подписчиков.
type NotificationType string

const (
	NotificationOrderSubmitted NotificationType = "order.submitted"
	NotificationOrderPaid      NotificationType = "order.paid"
	NotificationOrderAccepted  NotificationType = "order.accepted"
	NotificationOrderRejected  NotificationType = "order.rejected"
	NotificationOrderCancelled NotificationType = "order.cancelled"
	NotificationOrderDelivery  NotificationType = "order.delivery"
	NotificationOrderCompleted NotificationType = "order.completed"
	NotificationOrderReminder  NotificationType = "order.reminder"
)

// OrderNotification — событие (orderId, eventType) с небольшим контекстом.
type OrderNotification struct {
	OrderID    string
	Number     string
	CustomerID string
	Type       NotificationType
	Status     OrderStatus
	Reason     string
	OccurredAt time.Time
}

// NotificationSink принимает события о заказах. Доставка best-effort:
// вызывающий код только логирует ошибку.
type NotificationSink interface {
	Notify(ctx context.Context, n OrderNotification) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
