package job

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"storycredits/internal/config"
	"storycredits/internal/infrastructure/database"
	"storycredits/internal/infrastructure/logging"
	"storycredits/internal/infrastructure/metrics"
	"storycredits/internal/infrastructure/mq"
	"storycredits/internal/model"
	"storycredits/internal/repository"

	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", SQLitePath: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func enqueue(t *testing.T, db *gorm.DB, topic, key string, payload interface{}) *model.OutboxMessage {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	msg := &model.OutboxMessage{Topic: topic, MessageKey: key, Payload: string(body), NextRetryAt: time.Now().Add(-time.Second)}
	require.NoError(t, repository.NewOutboxRepository(db).Create(context.Background(), nil, msg))
	return msg
}

func loadMessage(t *testing.T, db *gorm.DB, id int64) *model.OutboxMessage {
	t.Helper()
	var msg model.OutboxMessage
	require.NoError(t, db.First(&msg, id).Error)
	return &msg
}

func newSender(db *gorm.DB, m *metrics.Metrics) *OutboxSender {
	return NewOutboxSender(db, config.OutboxConfig{
		BatchSize:   10,
		MaxRetries:  3,
		BaseBackoff: time.Second,
		MaxBackoff:  10 * time.Second,
	}, m, logging.Discard())
}

func TestOutboxSenderDeliversAuthorEarnings(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := metrics.New()
	sender := newSender(db, m)
	sender.Register(model.TopicAuthorEarnings, NewAuthorEarningsHandler(db))

	msg := enqueue(t, db, model.TopicAuthorEarnings, "TXN1", model.AuthorEarningsPayload{AuthorID: "writer", Amount: 10, TransactionNo: "TXN1"})
	enqueue(t, db, model.TopicAuthorEarnings, "TXN2", model.AuthorEarningsPayload{AuthorID: "writer", Amount: 5, TransactionNo: "TXN2"})

	assert.Equal(t, 2, sender.processPendingMessages(ctx))

	profile, err := repository.NewAuthorRepository(db).GetByUserID(ctx, "writer")
	require.NoError(t, err)
	assert.Equal(t, int64(15), profile.TotalEarnings)

	got := loadMessage(t, db, msg.ID)
	assert.Equal(t, model.OutboxStatusSent, got.Status)

	assert.Equal(t, 0, sender.processPendingMessages(ctx))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OutboxDispatchTotal.WithLabelValues(model.TopicAuthorEarnings, "sent")))
}

func TestOutboxSenderRetriesWithBackoffThenFails(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	sender := newSender(db, metrics.New())

	clock := time.Now()
	sender.now = func() time.Time { return clock }

	calls := 0
	sender.Register("flaky", HandlerFunc(func(context.Context, *model.OutboxMessage) error {
		calls++
		return errors.New("downstream unavailable")
	}))
	msg := enqueue(t, db, "flaky", "k", map[string]string{})

	sender.processPendingMessages(ctx)
	got := loadMessage(t, db, msg.ID)
	assert.Equal(t, model.OutboxStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "downstream unavailable", got.LastError)
	assert.WithinDuration(t, clock.Add(time.Second), got.NextRetryAt, time.Millisecond)

	// not due yet
	assert.Equal(t, 0, sender.processPendingMessages(ctx))

	clock = clock.Add(time.Second)
	sender.processPendingMessages(ctx)
	got = loadMessage(t, db, msg.ID)
	assert.Equal(t, 2, got.RetryCount)
	assert.WithinDuration(t, clock.Add(2*time.Second), got.NextRetryAt, time.Millisecond)

	clock = clock.Add(2 * time.Second)
	sender.processPendingMessages(ctx)
	got = loadMessage(t, db, msg.ID)
	assert.Equal(t, model.OutboxStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, 3, calls)
}

func TestOutboxSenderWithoutHandlerFailsImmediately(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	sender := newSender(db, metrics.New())

	msg := enqueue(t, db, "orphan.topic", "k", map[string]string{})
	sender.processPendingMessages(ctx)

	got := loadMessage(t, db, msg.ID)
	assert.Equal(t, model.OutboxStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "no handler")
}

func TestOutboxSenderRelaysToKafka(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event model.SettlementEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.TransactionNo != "TXN9" {
			return errors.New("unexpected transaction " + event.TransactionNo)
		}
		return nil
	})

	sender := newSender(db, metrics.New())
	sender.Register(model.TopicSettlementCompleted, NewKafkaHandler(mq.NewProducer(producer), "storycredits.settlement.completed"))

	msg := enqueue(t, db, model.TopicSettlementCompleted, "TXN9", model.SettlementEvent{TransactionNo: "TXN9", ToUserID: "author", Amount: 3})
	sender.processPendingMessages(ctx)

	got := loadMessage(t, db, msg.ID)
	assert.Equal(t, model.OutboxStatusSent, got.Status)
	require.NoError(t, producer.Close())
}

func TestOutboxSenderStartStop(t *testing.T) {
	db := newTestDB(t)
	sender := NewOutboxSender(db, config.OutboxConfig{PollInterval: 5 * time.Millisecond}, nil, logging.Discard())

	delivered := make(chan struct{}, 1)
	sender.Register("ping", HandlerFunc(func(context.Context, *model.OutboxMessage) error {
		select {
		case delivered <- struct{}{}:
		default:
		}
		return nil
	}))
	enqueue(t, db, "ping", "k", map[string]string{})

	done := make(chan struct{})
	go func() {
		sender.Start(context.Background())
		close(done)
	}()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	sender.Stop()
	sender.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not stop")
	}
}

func TestBackoffIsCapped(t *testing.T) {
	sender := newSender(newTestDB(t), nil)
	assert.Equal(t, time.Second, sender.backoff(0))
	assert.Equal(t, 4*time.Second, sender.backoff(2))
	assert.Equal(t, 10*time.Second, sender.backoff(10))
}

func TestOutboxMonitor(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := repository.NewOutboxRepository(db)
	m := metrics.New()
	monitor := NewOutboxMonitor(db, time.Minute, m, logging.Discard())

	enqueue(t, db, "a", "k1", map[string]string{})
	failed := enqueue(t, db, "b", "k2", map[string]string{})
	require.NoError(t, repo.MarkAsFailed(ctx, failed.ID, "boom"))

	assert.Equal(t, 1, monitor.check(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxMessages.WithLabelValues(model.OutboxStatusPending)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxMessages.WithLabelValues(model.OutboxStatusFailed)))

	// already reported
	assert.Equal(t, 0, monitor.check(ctx))

	second := enqueue(t, db, "c", "k3", map[string]string{})
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, repo.MarkAsFailed(ctx, second.ID, "boom"))
	assert.Equal(t, 1, monitor.check(ctx))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OutboxMessages.WithLabelValues(model.OutboxStatusFailed)))
}

func TestOutboxMonitorReportsFailuresSharingTimestamp(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := repository.NewOutboxRepository(db)
	monitor := NewOutboxMonitor(db, time.Minute, nil, logging.Discard())
	monitor.batchSize = 2

	var ids []int64
	for _, key := range []string{"k1", "k2", "k3", "k4", "k5"} {
		msg := enqueue(t, db, "t", key, map[string]string{})
		require.NoError(t, repo.MarkAsFailed(ctx, msg.ID, "boom"))
		ids = append(ids, msg.ID)
	}
	failedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, db.Model(&model.OutboxMessage{}).Where("id IN ?", ids).UpdateColumn("updated_at", failedAt).Error)

	assert.Equal(t, 5, monitor.check(ctx))
	assert.Equal(t, 0, monitor.check(ctx))
}

func TestOutboxSenderStopWaitsForInFlightBatch(t *testing.T) {
	db := newTestDB(t)
	sender := NewOutboxSender(db, config.OutboxConfig{PollInterval: 5 * time.Millisecond}, nil, logging.Discard())

	entered := make(chan struct{})
	release := make(chan struct{})
	sender.Register("slow", HandlerFunc(func(context.Context, *model.OutboxMessage) error {
		close(entered)
		<-release
		return nil
	}))
	msg := enqueue(t, db, "slow", "k", map[string]string{})

	go sender.Start(context.Background())

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}

	sender.Stop()
	select {
	case <-sender.Done():
		t.Fatal("sender returned while a delivery was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-sender.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not stop")
	}
	assert.Equal(t, model.OutboxStatusSent, loadMessage(t, db, msg.ID).Status)
}

func TestOutboxMonitorDone(t *testing.T) {
	monitor := NewOutboxMonitor(newTestDB(t), time.Minute, nil, logging.Discard())
	go monitor.Start(context.Background())
	monitor.Stop()

	select {
	case <-monitor.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestAuthorEarningsReversalWithoutProfile(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	sender := newSender(db, nil)
	sender.Register(model.TopicAuthorEarnings, NewAuthorEarningsHandler(db))

	// the purchase's own earnings message never landed, only its reversal arrives
	msg := enqueue(t, db, model.TopicAuthorEarnings, "REF1", model.AuthorEarningsPayload{AuthorID: "writer", Amount: -10, TransactionNo: "REF1"})
	sender.processPendingMessages(ctx)

	assert.Equal(t, model.OutboxStatusSent, loadMessage(t, db, msg.ID).Status)
	_, err := repository.NewAuthorRepository(db).GetByUserID(ctx, "writer")
	assert.ErrorIs(t, err, repository.ErrAuthorNotFound)
}
