package repository

import (
	"context"
	"errors"

	"storycredits/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrCreditsNotFound  = errors.New("credits account not found")
	ErrBalanceNotEnough = errors.New("balance not enough")
	ErrOptimisticLock   = errors.New("optimistic lock conflict")
)

type CreditsRepository struct {
	db *gorm.DB
}

func NewCreditsRepository(db *gorm.DB) *CreditsRepository {
	return &CreditsRepository{db: db}
}

func (r *CreditsRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *CreditsRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*model.UserCredits, error) {
	var credits model.UserCredits
	err := r.conn(tx).WithContext(ctx).Where("user_id = ?", userID).First(&credits).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCreditsNotFound
		}
		return nil, err
	}
	return &credits, nil
}

// CreateIfAbsent inserts a zero row for userID. An existing row is left untouched.
func (r *CreditsRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, userID string) error {
	row := &model.UserCredits{UserID: userID}
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(row).Error
}

// GetOrCreate returns the row for userID, creating a zero row first when needed.
func (r *CreditsRepository) GetOrCreate(ctx context.Context, tx *gorm.DB, userID string) (*model.UserCredits, error) {
	credits, err := r.GetByUserID(ctx, tx, userID)
	if err == nil {
		return credits, nil
	}
	if !errors.Is(err, ErrCreditsNotFound) {
		return nil, err
	}
	if err := r.CreateIfAbsent(ctx, tx, userID); err != nil {
		return nil, err
	}
	return r.GetByUserID(ctx, tx, userID)
}

// Increment applies a signed change in a single conditional UPDATE. This is the
// store-side equivalent of the increment_balance(user_id, amount, operation) procedure.
//
// A subtract only matches while balance >= amount, so it can never drive the
// balance negative regardless of concurrent writers.
func (r *CreditsRepository) Increment(ctx context.Context, tx *gorm.DB, userID string, amount int64, op model.CreditOperation) error {
	db := r.conn(tx).WithContext(ctx).Model(&model.UserCredits{})

	var updates map[string]interface{}
	switch op {
	case model.OperationAdd:
		db = db.Where("user_id = ?", userID)
		updates = map[string]interface{}{
			"balance":      gorm.Expr("balance + ?", amount),
			"total_earned": gorm.Expr("total_earned + ?", amount),
			"version":      gorm.Expr("version + 1"),
		}
	case model.OperationSubtract:
		db = db.Where("user_id = ? AND balance >= ?", userID, amount)
		updates = map[string]interface{}{
			"balance":     gorm.Expr("balance - ?", amount),
			"total_spent": gorm.Expr("total_spent + ?", amount),
			"version":     gorm.Expr("version + 1"),
		}
	default:
		return errors.New("unknown credit operation: " + string(op))
	}

	result := db.Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByUserID(ctx, tx, userID); err != nil {
			return err
		}
		return ErrBalanceNotEnough
	}
	return nil
}

// CompareAndSwap writes the new totals only if the row still carries version.
func (r *CreditsRepository) CompareAndSwap(ctx context.Context, tx *gorm.DB, current *model.UserCredits, balance, totalEarned, totalSpent int64) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.UserCredits{}).
		Where("user_id = ? AND version = ?", current.UserID, current.Version).
		Updates(map[string]interface{}{
			"balance":      balance,
			"total_earned": totalEarned,
			"total_spent":  totalSpent,
			"version":      current.Version + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}
