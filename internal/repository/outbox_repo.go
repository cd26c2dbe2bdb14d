package repository

import (
	"context"
	"time"

	"storycredits/internal/model"
	"storycredits/pkg/strutil"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	if tx == nil {
		tx = r.db
	}
	if msg.Status == "" {
		msg.Status = model.OutboxStatusPending
	}
	if msg.NextRetryAt.IsZero() {
		msg.NextRetryAt = time.Now()
	}
	return tx.WithContext(ctx).Create(msg).Error
}

// GetDueMessages returns PENDING messages whose next attempt is due, oldest first.
func (r *OutboxRepository) GetDueMessages(ctx context.Context, now time.Time, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", model.OutboxStatusPending, now).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) MarkAsSent(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.OutboxStatusSent,
			"last_error": "",
		}).Error
}

// ScheduleRetry records a failed attempt and pushes the next one out to nextAt.
func (r *OutboxRepository) ScheduleRetry(ctx context.Context, id int64, lastErr string, nextAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_error":    strutil.Truncate(lastErr, 512),
			"next_retry_at": nextAt,
		}).Error
}

func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64, lastErr string) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      model.OutboxStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  strutil.Truncate(lastErr, 512),
		}).Error
}

// FailedCursor is the (updated_at, id) position of the last FAILED message seen.
type FailedCursor struct {
	UpdatedAt time.Time
	ID        int64
}

// GetFailedMessagesAfter returns FAILED messages strictly after cursor in
// (updated_at ASC, id ASC) order, i.e. in the order they failed.
func (r *OutboxRepository) GetFailedMessagesAfter(ctx context.Context, cursor FailedCursor, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusFailed).
		Where("updated_at > ? OR (updated_at = ? AND id > ?)", cursor.UpdatedAt, cursor.UpdatedAt, cursor.ID).
		Order("updated_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// CountByStatus returns the number of messages per status.
func (r *OutboxRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := map[string]int64{
		model.OutboxStatusPending: 0,
		model.OutboxStatusSent:    0,
		model.OutboxStatusFailed:  0,
	}
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}
