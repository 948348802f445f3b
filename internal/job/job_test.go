package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"payflow/internal/domain"
	"payflow/internal/infrastructure/mq"
	"payflow/internal/model"
	"payflow/internal/repository"
	"payflow/internal/testutil"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func seedOutbox(t *testing.T, db *gorm.DB, keys ...string) {
	t.Helper()
	events := make([]domain.Event, 0, len(keys))
	for _, k := range keys {
		events = append(events, domain.Event{
			Name:          domain.EventPaymentCreated,
			AggregateType: domain.AggregatePayment,
			AggregateKey:  k,
			Payload:       map[string]any{"tracking_number": k},
			OccurredAt:    time.Now(),
		})
	}
	require.NoError(t, repository.NewOutboxRepository(db).AddEvents(context.Background(), "payflow.events", events))
}

func countByStatus(t *testing.T, db *gorm.DB, status string) int64 {
	t.Helper()
	n, err := repository.NewOutboxRepository(db).CountByStatus(context.Background(), status)
	require.NoError(t, err)
	return n
}

func TestOutboxSender_DeliversToKafka(t *testing.T) {
	db := testutil.NewDB(t)
	seedOutbox(t, db, "1001", "1002")

	sp := mocks.NewSyncProducer(t, nil)
	checker := func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "payflow.events" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		for _, h := range msg.Headers {
			if string(h.Key) == "event" && string(h.Value) == domain.EventPaymentCreated {
				return nil
			}
		}
		return errors.New("missing event header")
	}
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(checker)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(checker)

	sender := NewOutboxSender(db, mq.NewKafkaProducerFrom(sp, zap.NewNop()), OutboxSenderConfig{MaxRetry: 3}, zap.NewNop())
	assert.Equal(t, 2, sender.RunOnce(context.Background()))
	require.NoError(t, sp.Close())

	assert.EqualValues(t, 2, countByStatus(t, db, model.OutboxStatusSent))
	assert.EqualValues(t, 0, countByStatus(t, db, model.OutboxStatusPending))
}

func TestOutboxSender_RetriesThenMarksFailed(t *testing.T) {
	db := testutil.NewDB(t)
	seedOutbox(t, db, "2001")

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sender := NewOutboxSender(db, mq.NewKafkaProducerFrom(sp, zap.NewNop()), OutboxSenderConfig{MaxRetry: 2}, zap.NewNop())
	ctx := context.Background()

	assert.Zero(t, sender.RunOnce(ctx))
	assert.EqualValues(t, 1, countByStatus(t, db, model.OutboxStatusPending))

	assert.Zero(t, sender.RunOnce(ctx))
	assert.EqualValues(t, 1, countByStatus(t, db, model.OutboxStatusFailed))

	// FAILED 的消息不再投递
	assert.Zero(t, sender.RunOnce(ctx))
	require.NoError(t, sp.Close())

	var msg model.OutboxMessage
	require.NoError(t, db.First(&msg).Error)
	assert.Equal(t, 2, msg.RetryCount)
}

func TestOutboxSender_StopsOnSignal(t *testing.T) {
	db := testutil.NewDB(t)
	sender := NewOutboxSender(db, mq.NewLogProducer(zap.NewNop()), OutboxSenderConfig{Interval: 5 * time.Millisecond}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		sender.Start(context.Background())
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	sender.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sender did not stop")
	}
}

type mockExpirer struct {
	mock.Mock
}

func (m *mockExpirer) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

func TestPaymentExpiryJob_RunOnce(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m := new(mockExpirer)
	m.On("ExpireStale", mock.Anything, fixed).Return(3, nil).Once()
	m.On("ExpireStale", mock.Anything, fixed).Return(1, errors.New("db down")).Once()

	j := NewPaymentExpiryJob(m, time.Minute, zap.NewNop())
	j.now = func() time.Time { return fixed }

	assert.Equal(t, 3, j.RunOnce(context.Background()))
	assert.Equal(t, 1, j.RunOnce(context.Background()))
	m.AssertExpectations(t)
}

func TestPaymentExpiryJob_StopsOnContextCancel(t *testing.T) {
	m := new(mockExpirer)
	m.On("ExpireStale", mock.Anything, mock.Anything).Return(0, nil).Maybe()

	j := NewPaymentExpiryJob(m, 5*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not stop")
	}
}
