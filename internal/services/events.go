package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/ruralpay/payments-core/internal/audit"
	"github.com/ruralpay/payments-core/internal/metrics"
	"github.com/ruralpay/payments-core/internal/models"
	"github.com/ruralpay/payments-core/internal/worker"
)

// Publisher delivers domain events to downstream consumers.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev models.DomainEvent) error
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, topic), nil
}

func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Publish(_ context.Context, ev models.DomainEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.TransactionID),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = p.producer.SendMessage(msg)
	return err
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// RedisPublisher appends events to a Redis list consumed by workers.
type RedisPublisher struct {
	client *redis.Client
	list   string
}

func NewRedisPublisher(client *redis.Client, list string) *RedisPublisher {
	return &RedisPublisher{client: client, list: list}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Publish(ctx context.Context, ev models.DomainEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.RPush(ctx, p.list, data).Err()
}

type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(_ context.Context, ev models.DomainEvent) error {
	p.logger.Info("domain event",
		"name", ev.Name,
		"reference", ev.Reference,
		"status", ev.Status,
		"amount", ev.Amount,
	)
	return nil
}

// MultiPublisher fans out to every publisher and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Name() string { return "multi" }

func (m MultiPublisher) Publish(ctx context.Context, ev models.DomainEvent) error {
	var errs []error
	for _, p := range m {
		err := p.Publish(ctx, ev)
		result := "ok"
		if err != nil {
			result = "error"
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
		metrics.EventsPublishedTotal.WithLabelValues(p.Name(), result).Inc()
	}
	return errors.Join(errs...)
}

// Notifier records committed transitions and hands the resulting domain
// event to the worker pool. Nothing here can fail the transition.
type Notifier struct {
	pool      *worker.Pool
	publisher Publisher
	audit     *audit.AuditLogger
	logger    *slog.Logger
	timeout   time.Duration
}

func NewNotifier(pool *worker.Pool, publisher Publisher, auditLogger *audit.AuditLogger, logger *slog.Logger, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{pool: pool, publisher: publisher, audit: auditLogger, logger: logger, timeout: timeout}
}

// Committed is called once a transition is durable.
func (n *Notifier) Committed(tx *models.Transaction, t models.Transition) {
	metrics.TransitionsTotal.WithLabelValues(string(tx.Type), string(t.To)).Inc()
	if n == nil {
		return
	}
	n.audit.LogTransition(t)

	name, ok := models.EventNameFor(t.To)
	if !ok || n.pool == nil || n.publisher == nil {
		return
	}
	ev := models.DomainEvent{
		ID:              uuid.NewString(),
		Name:            name,
		TransactionID:   tx.ID,
		Reference:       tx.Reference,
		TransactionType: tx.Type,
		Status:          t.To,
		Amount:          tx.Amount,
		Currency:        tx.Currency,
		WalletID:        tx.WalletID,
		GatewayEventID:  t.GatewayEventID,
		OccurredAt:      t.CreatedAt,
	}
	submitted := n.pool.TrySubmit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.publisher.Publish(ctx, ev); err != nil {
			n.logger.Warn("domain event not delivered", "name", ev.Name, "reference", ev.Reference, "error", err)
		}
	})
	if !submitted {
		metrics.EventsPublishedTotal.WithLabelValues(n.publisher.Name(), "dropped").Inc()
		n.logger.Warn("event queue full, dropping domain event", "name", ev.Name, "reference", ev.Reference)
	}
}
