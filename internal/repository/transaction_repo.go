package repository

import (
	"context"
	"errors"
	"time"

	"storycredits/internal/model"

	"gorm.io/gorm"
)

var ErrTransactionNotFound = errors.New("transaction not found")

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.Transaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

func (r *TransactionRepository) first(ctx context.Context, tx *gorm.DB, query string, args ...interface{}) (*model.Transaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.Transaction
	err := tx.WithContext(ctx).Where(query, args...).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, tx *gorm.DB, transactionNo string) (*model.Transaction, error) {
	return r.first(ctx, tx, "transaction_no = ?", transactionNo)
}

func (r *TransactionRepository) GetByRequestID(ctx context.Context, tx *gorm.DB, requestID string) (*model.Transaction, error) {
	return r.first(ctx, tx, "request_id = ?", requestID)
}

// GetRefundOf returns the completed refund that reverses transactionNo.
func (r *TransactionRepository) GetRefundOf(ctx context.Context, tx *gorm.DB, transactionNo string) (*model.Transaction, error) {
	return r.first(ctx, tx, "reverses_transaction_no = ? AND status = ?", transactionNo, model.TransactionStatusCompleted)
}

// Cursor marks the last row of a page. The zero Cursor starts from the newest row.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

func (c Cursor) IsZero() bool {
	return c.ID == 0
}

// ListPageByUser returns up to limit transactions where userID is the sender or the
// receiver, newest first, strictly after cursor in (created_at DESC, id DESC) order.
func (r *TransactionRepository) ListPageByUser(ctx context.Context, userID string, after Cursor, limit int) ([]model.Transaction, error) {
	query := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("from_user_id = ? OR to_user_id = ?", userID, userID)

	if !after.IsZero() {
		query = query.Where("created_at < ? OR (created_at = ? AND id < ?)", after.CreatedAt, after.CreatedAt, after.ID)
	}

	var page []model.Transaction
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&page).Error
	return page, err
}
