package job

import (
	"context"
	"sync"
	"time"

	"storycredits/internal/config"
	"storycredits/internal/infrastructure/metrics"
	"storycredits/internal/model"
	"storycredits/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OutboxSender polls due PENDING messages and hands each to the handler
// registered for its topic. Delivery is at least once.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	handlers   map[string]Handler
	cfg        config.OutboxConfig
	metrics    *metrics.Metrics
	log        *logrus.Entry
	now        func() time.Time
	stopCh     chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

func NewOutboxSender(db *gorm.DB, cfg config.OutboxConfig, m *metrics.Metrics, log *logrus.Logger) *OutboxSender {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		handlers:   make(map[string]Handler),
		cfg:        cfg,
		metrics:    m,
		log:        log.WithField("component", "outbox_sender"),
		now:        time.Now,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Register binds a handler to a topic. Call before Start.
func (s *OutboxSender) Register(topic string, h Handler) {
	s.handlers[topic] = h
}

// Start polls until ctx is done or Stop is called. A batch in flight is
// finished first; Done reports when Start has returned.
func (s *OutboxSender) Start(ctx context.Context) {
	defer close(s.done)
	s.log.Info("outbox sender started")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("context done, outbox sender exiting")
			return
		case <-s.stopCh:
			s.log.Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *OutboxSender) Done() <-chan struct{} {
	return s.done
}

// processPendingMessages dispatches one batch and returns how many messages it tried.
func (s *OutboxSender) processPendingMessages(ctx context.Context) int {
	messages, err := s.outboxRepo.GetDueMessages(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		s.log.WithError(err).Error("query due messages")
		return 0
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}
		s.sendMessage(ctx, msg)
	}
	return len(messages)
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	entry := s.log.WithFields(logrus.Fields{
		"outbox_id": msg.ID,
		"topic":     msg.Topic,
		"key":       msg.MessageKey,
	})

	h, ok := s.handlers[msg.Topic]
	if !ok {
		s.observe(msg.Topic, "no_handler")
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID, "no handler for topic "+msg.Topic); err != nil {
			entry.WithError(err).Error("mark message failed")
			return
		}
		entry.Error("no handler registered, message marked failed")
		return
	}

	err := h.Handle(ctx, msg)
	if err == nil {
		s.observe(msg.Topic, "sent")
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			entry.WithError(updateErr).Error("mark message sent")
			return
		}
		entry.Debug("message delivered")
		return
	}

	if msg.RetryCount+1 >= s.cfg.MaxRetries {
		s.observe(msg.Topic, "failed")
		if markErr := s.outboxRepo.MarkAsFailed(ctx, msg.ID, err.Error()); markErr != nil {
			entry.WithError(markErr).Error("mark message failed")
			return
		}
		entry.WithError(err).WithField("retry_count", msg.RetryCount+1).Error("retries exhausted, message marked failed")
		return
	}

	s.observe(msg.Topic, "retry")
	next := s.now().Add(s.backoff(msg.RetryCount))
	if schedErr := s.outboxRepo.ScheduleRetry(ctx, msg.ID, err.Error(), next); schedErr != nil {
		entry.WithError(schedErr).Error("schedule retry")
		return
	}
	entry.WithError(err).WithField("next_retry_at", next).Warn("delivery failed, retry scheduled")
}

// backoff doubles from BaseBackoff per previous attempt, capped at MaxBackoff.
func (s *OutboxSender) backoff(attempt int) time.Duration {
	d := s.cfg.BaseBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return d
}

func (s *OutboxSender) observe(topic, result string) {
	if s.metrics != nil {
		s.metrics.OutboxDispatchTotal.WithLabelValues(topic, result).Inc()
	}
}
