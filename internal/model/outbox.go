package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// Outbox topics. author.earnings is applied in-process, settlement.completed is relayed to Kafka.
const (
	TopicAuthorEarnings      = "author.earnings"
	TopicSettlementCompleted = "settlement.completed"
)

type OutboxMessage struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey  string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic       string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload     string    `gorm:"type:text;not null" json:"payload"`
	Status      string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount  int       `gorm:"not null;default:0" json:"retry_count"`
	NextRetryAt time.Time `gorm:"index" json:"next_retry_at"`
	LastError   string    `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// AuthorEarningsPayload is the body of an author.earnings message.
type AuthorEarningsPayload struct {
	AuthorID      string `json:"author_id"`
	Amount        int64  `json:"amount"`
	TransactionNo string `json:"transaction_no"`
}

// SettlementEvent is the body of a settlement.completed message.
type SettlementEvent struct {
	TransactionNo    string          `json:"transaction_no"`
	FromUserID       *string         `json:"from_user_id,omitempty"`
	ToUserID         string          `json:"to_user_id"`
	StoryID          *string         `json:"story_id,omitempty"`
	ChapterID        *string         `json:"chapter_id,omitempty"`
	Amount           int64           `json:"amount"`
	TransactionType  TransactionType `json:"transaction_type"`
	BlockchainTxHash *string         `json:"blockchain_tx_hash,omitempty"`
	CompletedAt      string          `json:"completed_at"`
}
