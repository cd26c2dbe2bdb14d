package job

import (
	"context"
	"encoding/json"
	"fmt"

	"storycredits/internal/model"
	"storycredits/internal/repository"

	"gorm.io/gorm"
)

// Handler applies one outbox message. A returned error schedules a retry.
type Handler interface {
	Handle(ctx context.Context, msg *model.OutboxMessage) error
}

type HandlerFunc func(ctx context.Context, msg *model.OutboxMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg *model.OutboxMessage) error {
	return f(ctx, msg)
}

// AuthorEarningsHandler folds author.earnings messages into author_profiles.
type AuthorEarningsHandler struct {
	authorRepo *repository.AuthorRepository
}

func NewAuthorEarningsHandler(db *gorm.DB) *AuthorEarningsHandler {
	return &AuthorEarningsHandler{authorRepo: repository.NewAuthorRepository(db)}
}

func (h *AuthorEarningsHandler) Handle(ctx context.Context, msg *model.OutboxMessage) error {
	var payload model.AuthorEarningsPayload
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return fmt.Errorf("decode author earnings: %w", err)
	}
	if payload.AuthorID == "" {
		return fmt.Errorf("author earnings %s: missing author_id", payload.TransactionNo)
	}
	return h.authorRepo.IncrementEarnings(ctx, nil, payload.AuthorID, payload.Amount)
}

// Publisher is the slice of mq.Producer the Kafka relay needs.
type Publisher interface {
	SendMessage(topic, key, value string) error
}

// KafkaHandler relays a message to a Kafka topic unchanged, keyed by its message key.
type KafkaHandler struct {
	publisher Publisher
	topic     string
}

func NewKafkaHandler(publisher Publisher, topic string) *KafkaHandler {
	return &KafkaHandler{publisher: publisher, topic: topic}
}

func (h *KafkaHandler) Handle(_ context.Context, msg *model.OutboxMessage) error {
	return h.publisher.SendMessage(h.topic, msg.MessageKey, msg.Payload)
}
