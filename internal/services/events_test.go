package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/go-redis/redismock/v8"
	"github.com/ruralpay/payments-core/internal/logger"
	"github.com/ruralpay/payments-core/internal/models"
	"github.com/ruralpay/payments-core/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	name string
	err  error

	mu     sync.Mutex
	events []models.DomainEvent
}

func (p *recordingPublisher) Name() string { return p.name }

func (p *recordingPublisher) Publish(_ context.Context, ev models.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) received() []models.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.DomainEvent(nil), p.events...)
}

func sampleEvent() models.DomainEvent {
	return models.DomainEvent{
		ID:              "evt-1",
		Name:            models.EventTransactionSuccessful,
		TransactionID:   "tx-1",
		Reference:       "TXN-1",
		TransactionType: models.TypeBankTransfer,
		Status:          models.StatusSuccessful,
		Amount:          125050,
		Currency:        "NGN",
		WalletID:        "w1",
		OccurredAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestKafkaPublisher(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	pub := NewKafkaPublisherWithProducer(producer, "payments.events")

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "payments.events", msg.Topic)
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "tx-1", string(key))

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		var got models.DomainEvent
		require.NoError(t, json.Unmarshal(value, &got))
		assert.Equal(t, "TXN-1", got.Reference)
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	require.NoError(t, pub.Publish(context.Background(), sampleEvent()))
	assert.ErrorIs(t, pub.Publish(context.Background(), sampleEvent()), sarama.ErrOutOfBrokers)
	require.NoError(t, pub.Close())
}

func TestRedisPublisher(t *testing.T) {
	client, mock := redismock.NewClientMock()
	pub := NewRedisPublisher(client, "payments:events")

	data, err := json.Marshal(sampleEvent())
	require.NoError(t, err)
	mock.ExpectRPush("payments:events", data).SetVal(1)

	require.NoError(t, pub.Publish(context.Background(), sampleEvent()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMultiPublisher(t *testing.T) {
	ok := &recordingPublisher{name: "ok"}
	broken := &recordingPublisher{name: "broken", err: errors.New("unreachable")}
	multi := MultiPublisher{broken, ok, NewLogPublisher(logger.Discard())}

	err := multi.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, broken.err)
	assert.Contains(t, err.Error(), "broken: unreachable")

	// a failing publisher does not starve the others
	assert.Len(t, ok.received(), 1)

	assert.NoError(t, MultiPublisher{ok}.Publish(context.Background(), sampleEvent()))
}

func TestNotifier_Committed(t *testing.T) {
	pub := &recordingPublisher{name: "rec"}
	pool := worker.NewPool(1, 4)
	n := NewNotifier(pool, pub, nil, logger.Discard(), time.Second)

	tx := &models.Transaction{ID: "tx-1", Reference: "TXN-1", Type: models.TypeBooking, Amount: 5000, Currency: "NGN", WalletID: "w1"}
	n.Committed(tx, models.Transition{TransactionID: "tx-1", From: models.StatusPending, To: models.StatusEscrowed, Trigger: models.TriggerChargeEscrowed, GatewayEventID: "EV-1", CreatedAt: time.Now()})
	pool.Stop()

	events := pub.received()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, models.EventTransactionEscrowed, ev.Name)
	assert.Equal(t, "EV-1", ev.GatewayEventID)
	assert.Equal(t, int64(5000), ev.Amount)
	assert.NotEmpty(t, ev.ID)

	t.Run("stopped pool drops instead of blocking", func(t *testing.T) {
		n.Committed(tx, models.Transition{TransactionID: "tx-1", To: models.StatusReleased})
		assert.Len(t, pub.received(), 1)
	})

	t.Run("nil notifier", func(t *testing.T) {
		var none *Notifier
		assert.NotPanics(t, func() { none.Committed(tx, models.Transition{To: models.StatusFailed}) })
	})
}
