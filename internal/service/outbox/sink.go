package outbox

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
	"github.com/vladislavdragonenkov/foodorder/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/foodorder/internal/metrics"
)

// Sink реализует domain.NotificationSink: уведомление сериализуется и ставится в outbox,
// дальше его забирает Worker.
type Sink struct {
	repo    domain.OutboxRepository
	logger  *log.Entry
	metrics *metrics.OutboxMetrics
}

// NewSink создаёт sink поверх outbox-репозитория.
func NewSink(repo domain.OutboxRepository, logger *log.Entry, m *metrics.OutboxMetrics) *Sink {
	if logger == nil {
		logger = log.WithField("component", "order-notifications")
	}
	return &Sink{repo: repo, logger: logger, metrics: m}
}

// Notify ставит уведомление в outbox.
func (s *Sink) Notify(ctx context.Context, n domain.OrderNotification) error {
	msg, err := kafka.EncodeOrderNotification(n)
	if err != nil {
		s.metrics.RecordNotification(string(n.Type), err)
		return err
	}

	stored, err := s.repo.Enqueue(ctx, msg)
	s.metrics.RecordNotification(string(n.Type), err)
	if err != nil {
		return fmt.Errorf("%w: enqueue %s for order %s: %w", domain.ErrOutboxPublish, n.Type, n.OrderID, err)
	}

	s.logger.WithFields(log.Fields{
		"outbox_id":  stored.ID,
		"order_id":   n.OrderID,
		"event_type": n.Type,
	}).Debug("order notification enqueued")
	return nil
}

var _ domain.NotificationSink = (*Sink)(nil)
