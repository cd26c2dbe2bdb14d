package model

import (
	"time"
)

// UserCredits is the per-user credit account.
// One row per user. Mutated only through the ledger; never deleted.
type UserCredits struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID      string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"`
	Balance     int64     `gorm:"not null;default:0" json:"balance"`
	TotalEarned int64     `gorm:"not null;default:0" json:"total_earned"`
	TotalSpent  int64     `gorm:"not null;default:0" json:"total_spent"`
	Version     int       `gorm:"not null;default:0" json:"-"` // optimistic lock
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UserCredits) TableName() string {
	return "user_credits"
}

// CreditOperation is the signed direction of a balance increment.
type CreditOperation string

const (
	OperationAdd      CreditOperation = "add"
	OperationSubtract CreditOperation = "subtract"
)
