package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "foodorder.order.events"
	TopicDeadLetterQueue = "foodorder.dlq"
)

// Заголовки сообщений.
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderErrorMessage  = "x-error-message"
)

// AggregateOrder — aggregate_type уведомлений о заказах в outbox.
const AggregateOrder = "order"

// OrderEvent — полезная нагрузка уведомления о заказе, которую видят подписчики
// (клиентское приложение, кабинет ресторана).
type OrderEvent struct {
	EventType  domain.NotificationType `json:"event_type"`
	OrderID    string                  `json:"order_id"`
	Number     string                  `json:"number"`
	CustomerID string                  `json:"customer_id"`
	Status     domain.OrderStatus      `json:"status"`
	Reason     string                  `json:"reason,omitempty"`
	Timestamp  time.Time               `json:"timestamp"`
}

// NewOrderEvent собирает событие из уведомления сервиса заказов.
func NewOrderEvent(n domain.OrderNotification) *OrderEvent {
	ts := n.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return &OrderEvent{
		EventType:  n.Type,
		OrderID:    n.OrderID,
		Number:     n.Number,
		CustomerID: n.CustomerID,
		Status:     n.Status,
		Reason:     n.Reason,
		Timestamp:  ts.UTC(),
	}
}

// EncodeOrderNotification превращает уведомление в outbox-сообщение.
func EncodeOrderNotification(n domain.OrderNotification) (domain.OutboxMessage, error) {
	payload, err := json.Marshal(NewOrderEvent(n))
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal order event: %w", err)
	}
	return domain.OutboxMessage{
		AggregateType: AggregateOrder,
		AggregateID:   n.OrderID,
		EventType:     string(n.Type),
		Payload:       payload,
	}, nil
}

// DecodeOrderEvent разбирает payload outbox-сообщения обратно в OrderEvent.
func DecodeOrderEvent(payload []byte) (*OrderEvent, error) {
	var event OrderEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order event: %w", err)
	}
	return &event, nil
}

// DeadLetter — тело сообщения в DLQ: исходное уведомление, которое outbox worker
// не смог доставить, и последняя ошибка публикации.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	FailedAt      time.Time       `json:"dlq_published_at"`
}

// EncodeDeadLetter заворачивает недоставленное сообщение в DeadLetter.
// Сообщение сохраняет id и ключ исходного, чтобы его можно было найти в outbox.
func EncodeDeadLetter(msg domain.OutboxMessage, cause error, failedAt time.Time) (domain.OutboxMessage, error) {
	letter := DeadLetter{
		OutboxID:      msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       rawJSON(msg.Payload),
		FailedAt:      failedAt.UTC(),
	}
	if cause != nil {
		letter.PublishError = cause.Error()
	}

	payload, err := json.Marshal(letter)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal dead letter: %w", err)
	}
	return domain.OutboxMessage{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
	}, nil
}

// DecodeDeadLetter разбирает тело сообщения из DLQ.
func DecodeDeadLetter(payload []byte) (*DeadLetter, error) {
	var letter DeadLetter
	if err := json.Unmarshal(payload, &letter); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	return &letter, nil
}

// rawJSON встраивает payload как есть, если это валидный JSON, иначе как строку.
func rawJSON(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}
