package model

import (
	"time"
)

// ============================================================================
// Transaction types and statuses
// ============================================================================

type TransactionType string

const (
	TransactionTypePurchase TransactionType = "purchase"
	TransactionTypeTip      TransactionType = "tip"
	TransactionTypeDonation TransactionType = "donation"
	TransactionTypeRefund   TransactionType = "refund"
)

// Valid reports whether t is a type a caller may request directly.
// Refunds are only produced by reversing an earlier transaction.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeTip, TransactionTypeDonation:
		return true
	}
	return false
}

// EarnsAuthor reports whether the receiver's author earnings move with this type.
func (t TransactionType) EarnsAuthor() bool {
	return t == TransactionTypePurchase || t == TransactionTypeTip
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// ============================================================================
// Transaction log
// ============================================================================

// Transaction is one value movement between two users.
// Append-only: after insert only Status and CompletedAt may change.
type Transaction struct {
	ID                    int64             `gorm:"primaryKey;autoIncrement" json:"-"`
	TransactionNo         string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	RequestID             *string           `gorm:"type:varchar(64);uniqueIndex" json:"request_id,omitempty"`
	FromUserID            *string           `gorm:"type:varchar(64);index" json:"from_user_id,omitempty"`
	ToUserID              string            `gorm:"type:varchar(64);index;not null" json:"to_user_id"`
	StoryID               *string           `gorm:"type:varchar(64)" json:"story_id,omitempty"`
	ChapterID             *string           `gorm:"type:varchar(64)" json:"chapter_id,omitempty"`
	Amount                int64             `gorm:"not null" json:"amount"`
	TransactionType       TransactionType   `gorm:"type:varchar(20);not null" json:"transaction_type"`
	Status                TransactionStatus `gorm:"type:varchar(20);index;not null" json:"status"`
	FailureReason         string            `gorm:"type:varchar(256)" json:"failure_reason,omitempty"`
	BlockchainTxHash      *string           `gorm:"type:varchar(80)" json:"blockchain_tx_hash,omitempty"`
	ReversesTransactionNo *string           `gorm:"type:varchar(64);uniqueIndex" json:"reverses_transaction_no,omitempty"`
	CreatedAt             time.Time         `gorm:"index" json:"created_at"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// Involves reports whether userID is the sender or the receiver.
func (t *Transaction) Involves(userID string) bool {
	return t.ToUserID == userID || (t.FromUserID != nil && *t.FromUserID == userID)
}
