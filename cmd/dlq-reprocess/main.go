// Команда dlq-reprocess читает dead letter topic и возвращает уведомления о заказах
// в transactional outbox, откуда их заново опубликует outbox worker сервиса.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
	"github.com/vladislavdragonenkov/foodorder/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/foodorder/internal/storage/postgres"
)

const (
	defaultLimit       = 100
	defaultIdleTimeout = 2 * time.Second
)

type config struct {
	brokers     []string
	sourceTopic string
	dsn         string
	eventType   string
	limit       int
	execute     bool
	idleTimeout time.Duration
}

var errSkip = errors.New("message filtered out")

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// outboxWriter — часть domain.OutboxRepository, нужная для повторной постановки.
type outboxWriter interface {
	Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error)
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return a.consumer.ConsumePartition(topic, partition, offset)
}

func (a saramaConsumerAdapter) Close() error {
	return a.consumer.Close()
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig(flag.CommandLine, os.Args[1:], os.LookupEnv)
	if err != nil {
		fail("%v", err)
	}
	if err := run(context.Background(), cfg); err != nil {
		fail("dlq reprocess failed: %v", err)
	}
}

func readConfig(fs *flag.FlagSet, args []string, lookup func(string) (string, bool)) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers, comma-separated (fallback: KAFKA_BROKERS)")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic")
	fs.StringVar(&cfg.dsn, "dsn", "", "PostgreSQL DSN of the outbox (fallback: FOODORDER_POSTGRES_DSN)")
	fs.StringVar(&cfg.eventType, "event-type", "", "requeue only this event type, e.g. order.paid")
	fs.IntVar(&cfg.limit, "limit", defaultLimit, "max number of DLQ messages to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "write into the outbox; default is dry-run")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw, _ = lookup("KAFKA_BROKERS")
	}
	if strings.TrimSpace(cfg.dsn) == "" {
		cfg.dsn, _ = lookup("FOODORDER_POSTGRES_DSN")
	}
	cfg.dsn = strings.TrimSpace(cfg.dsn)

	cfg.brokers = parseBrokers(brokersRaw)
	switch {
	case len(cfg.brokers) == 0:
		return config{}, errors.New("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	case strings.TrimSpace(cfg.sourceTopic) == "":
		return config{}, errors.New("source-topic is required")
	case cfg.execute && cfg.dsn == "":
		return config{}, errors.New("postgres dsn is required in execute mode (-dsn or FOODORDER_POSTGRES_DSN)")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	defer client.Close()

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	source := saramaConsumerAdapter{consumer: consumer}
	defer source.Close()

	var writer outboxWriter
	if cfg.execute {
		store, err := postgres.Open(ctx, postgres.Config{DSN: cfg.dsn})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer store.Close()
		writer = postgres.NewOutboxRepository(store)
	}

	_, err = reprocess(ctx, cfg, client, source, writer)
	return err
}

type stats struct {
	scanned  int
	requeued int
	skipped  int
}

func reprocess(ctx context.Context, cfg config, client offsetClient, source partitionConsumerSource, writer outboxWriter) (stats, error) {
	var total stats
	if cfg.execute && writer == nil {
		return total, errors.New("outbox writer is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("partitions of %s: %w", cfg.sourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if total.scanned >= cfg.limit {
			break
		}
		st, err := reprocessPartition(ctx, cfg, client, source, writer, partition, cfg.limit-total.scanned)
		total.scanned += st.scanned
		total.requeued += st.requeued
		total.skipped += st.skipped
		if err != nil {
			return total, err
		}
	}

	log.WithFields(log.Fields{
		"execute":  cfg.execute,
		"scanned":  total.scanned,
		"requeued": total.requeued,
		"skipped":  total.skipped,
	}).Info("dlq reprocess finished")
	return total, nil
}

func reprocessPartition(
	ctx context.Context,
	cfg config,
	client offsetClient,
	source partitionConsumerSource,
	writer outboxWriter,
	partition int32,
	limit int,
) (stats, error) {
	var st stats

	oldest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return st, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return st, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return st, nil
	}

	pc, err := source.ConsumePartition(cfg.sourceTopic, partition, oldest)
	if err != nil {
		return st, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer pc.Close()

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	for st.scanned < limit {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-idle.C:
			return st, nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return st, fmt.Errorf("partition %d: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return st, nil
			}
			idle.Reset(cfg.idleTimeout)
			st.scanned++

			entry := log.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})
			outboxMsg, err := toOutboxMessage(msg.Value, cfg.eventType)
			if err != nil {
				st.skipped++
				if !errors.Is(err, errSkip) {
					entry.WithError(err).Warn("skip malformed dlq message")
				}
			} else if !cfg.execute {
				st.requeued++
				entry.WithFields(log.Fields{
					"aggregate_id": outboxMsg.AggregateID,
					"event_type":   outboxMsg.EventType,
				}).Info("dlq requeue candidate")
			} else {
				if _, err := writer.Enqueue(ctx, outboxMsg); err != nil {
					return st, fmt.Errorf("enqueue %s: %w", outboxMsg.AggregateID, err)
				}
				st.requeued++
			}

			if msg.Offset+1 >= newest {
				return st, nil
			}
		}
	}
	return st, nil
}

// toOutboxMessage восстанавливает исходное уведомление о заказе. Новый id нужен,
// потому что запись с прежним id уже лежит в outbox со статусом failed.
func toOutboxMessage(raw []byte, eventType string) (domain.OutboxMessage, error) {
	envelope, err := kafka.DecodeEnvelope(raw)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	if len(envelope.Payload) == 0 {
		return domain.OutboxMessage{}, errors.New("dlq envelope has no payload")
	}

	letter, err := kafka.DecodeDeadLetter(envelope.Payload)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	if len(letter.Payload) == 0 {
		return domain.OutboxMessage{}, errors.New("dead letter has no original event")
	}

	event, err := kafka.DecodeOrderEvent(letter.Payload)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	if event.OrderID == "" || event.EventType == "" {
		return domain.OutboxMessage{}, errors.New("order event without order id or type")
	}
	if eventType != "" && string(event.EventType) != eventType {
		return domain.OutboxMessage{}, errSkip
	}

	return domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: firstNonEmpty(letter.AggregateType, envelope.AggregateType, kafka.AggregateOrder),
		AggregateID:   event.OrderID,
		EventType:     string(event.EventType),
		Payload:       []byte(letter.Payload),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
