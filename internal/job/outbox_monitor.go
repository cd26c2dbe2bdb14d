package job

import (
	"context"
	"sync"
	"time"

	"storycredits/internal/infrastructure/metrics"
	"storycredits/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OutboxMonitor publishes outbox depth per status and reports newly FAILED messages.
type OutboxMonitor struct {
	outboxRepo *repository.OutboxRepository
	metrics    *metrics.Metrics
	log        *logrus.Entry
	interval   time.Duration
	batchSize  int
	lastFailed repository.FailedCursor
	stopCh     chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

func NewOutboxMonitor(db *gorm.DB, interval time.Duration, m *metrics.Metrics, log *logrus.Logger) *OutboxMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &OutboxMonitor{
		outboxRepo: repository.NewOutboxRepository(db),
		metrics:    m,
		log:        log.WithField("component", "outbox_monitor"),
		interval:   interval,
		batchSize:  100,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (j *OutboxMonitor) Start(ctx context.Context) {
	defer close(j.done)
	j.log.Info("outbox monitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.check(ctx)
	for {
		select {
		case <-ctx.Done():
			j.log.Info("context done, outbox monitor exiting")
			return
		case <-j.stopCh:
			j.log.Info("outbox monitor stopped")
			return
		case <-ticker.C:
			j.check(ctx)
		}
	}
}

func (j *OutboxMonitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// Done is closed once Start has returned.
func (j *OutboxMonitor) Done() <-chan struct{} {
	return j.done
}

// check returns the number of FAILED messages reported for the first time.
func (j *OutboxMonitor) check(ctx context.Context) int {
	counts, err := j.outboxRepo.CountByStatus(ctx)
	if err != nil {
		j.log.WithError(err).Error("count outbox messages")
		return 0
	}
	if j.metrics != nil {
		for status, n := range counts {
			j.metrics.OutboxMessages.WithLabelValues(status).Set(float64(n))
		}
	}

	reported := 0
	for {
		failed, err := j.outboxRepo.GetFailedMessagesAfter(ctx, j.lastFailed, j.batchSize)
		if err != nil {
			j.log.WithError(err).Error("query failed outbox messages")
			return reported
		}

		for _, msg := range failed {
			j.lastFailed = repository.FailedCursor{UpdatedAt: msg.UpdatedAt, ID: msg.ID}
			j.log.WithFields(logrus.Fields{
				"outbox_id":   msg.ID,
				"topic":       msg.Topic,
				"key":         msg.MessageKey,
				"retry_count": msg.RetryCount,
				"last_error":  msg.LastError,
			}).Error("outbox message failed permanently, needs manual replay")
		}
		reported += len(failed)

		if len(failed) < j.batchSize || ctx.Err() != nil {
			return reported
		}
	}
}
