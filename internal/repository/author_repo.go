package repository

import (
	"context"
	"errors"
	"time"

	"storycredits/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrAuthorNotFound = errors.New("author profile not found")

type AuthorRepository struct {
	db *gorm.DB
}

func NewAuthorRepository(db *gorm.DB) *AuthorRepository {
	return &AuthorRepository{db: db}
}

// IncrementEarnings adds amount to the author's total earnings, creating the
// profile row on first use. A negative amount (a reversal) never creates a row
// and never takes total_earnings below zero.
func (r *AuthorRepository) IncrementEarnings(ctx context.Context, tx *gorm.DB, authorID string, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	if amount < 0 {
		return r.deductEarnings(ctx, tx, authorID, -amount)
	}

	row := &model.AuthorProfile{UserID: authorID, TotalEarnings: amount}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"total_earnings": gorm.Expr("author_profiles.total_earnings + ?", amount),
				"updated_at":     time.Now(),
			}),
		}).
		Create(row).Error
}

// deductEarnings clamps at zero: the earnings being reversed may never have
// been applied if their own outbox message ended FAILED.
func (r *AuthorRepository) deductEarnings(ctx context.Context, tx *gorm.DB, authorID string, amount int64) error {
	return tx.WithContext(ctx).
		Model(&model.AuthorProfile{}).
		Where("user_id = ?", authorID).
		Updates(map[string]interface{}{
			"total_earnings": gorm.Expr("CASE WHEN total_earnings > ? THEN total_earnings - ? ELSE 0 END", amount, amount),
			"updated_at":     time.Now(),
		}).Error
}

func (r *AuthorRepository) GetByUserID(ctx context.Context, authorID string) (*model.AuthorProfile, error) {
	var profile model.AuthorProfile
	err := r.db.WithContext(ctx).Where("user_id = ?", authorID).First(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAuthorNotFound
		}
		return nil, err
	}
	return &profile, nil
}
