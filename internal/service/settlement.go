package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"storycredits/internal/config"
	"storycredits/internal/infrastructure/lock"
	"storycredits/internal/infrastructure/metrics"
	"storycredits/internal/model"
	"storycredits/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// WalletChecker reports whether a user's wallet session is verified and ready.
type WalletChecker interface {
	IsReady(ctx context.Context, userID string) (bool, error)
}

type SettlementRequest struct {
	RequestID        string                `json:"request_id"`
	FromUserID       *string               `json:"from_user_id"`
	ToUserID         string                `json:"to_user_id" binding:"required"`
	StoryID          *string               `json:"story_id"`
	ChapterID        *string               `json:"chapter_id"`
	Amount           int64                 `json:"amount" binding:"required"`
	Type             model.TransactionType `json:"type" binding:"required"`
	BlockchainTxHash *string               `json:"blockchain_tx_hash"`
}

type ReversalRequest struct {
	RequestID     string `json:"request_id"`
	TransactionNo string `json:"transaction_no" binding:"required"`
	Reason        string `json:"reason"`
}

type SettlementResult struct {
	Transaction *model.Transaction `json:"transaction"`
	// Replayed is set when the request was already settled and nothing moved.
	Replayed bool `json:"replayed"`
}

type Settlement struct {
	db          *gorm.DB
	redisClient *redis.Client
	ledger      *Ledger
	recorder    *Recorder
	outboxRepo  *repository.OutboxRepository
	wallet      WalletChecker
	cfg         config.SettlementConfig
	metrics     *metrics.Metrics
	log         *logrus.Entry
}

// NewSettlement wires the orchestrator. redisClient may be nil, in which case
// no distributed lock is taken and the ledger's conditional updates alone
// protect balances.
func NewSettlement(db *gorm.DB, redisClient *redis.Client, ledger *Ledger, recorder *Recorder, cfg config.SettlementConfig, m *metrics.Metrics, log *logrus.Logger) *Settlement {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockRetryInterval <= 0 {
		cfg.LockRetryInterval = 50 * time.Millisecond
	}
	return &Settlement{
		db:          db,
		redisClient: redisClient,
		ledger:      ledger,
		recorder:    recorder,
		outboxRepo:  repository.NewOutboxRepository(db),
		cfg:         cfg,
		metrics:     m,
		log:         log.WithField("component", "settlement"),
	}
}

// WithWalletChecker requires a ready wallet session for settlements that carry a blockchain hash.
func (s *Settlement) WithWalletChecker(w WalletChecker) *Settlement {
	s.wallet = w
	return s
}

func (r *SettlementRequest) validate() error {
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if r.ToUserID == "" {
		return invalid("to_user_id is required")
	}
	if r.FromUserID != nil && *r.FromUserID == "" {
		r.FromUserID = nil
	}
	if r.FromUserID != nil && *r.FromUserID == r.ToUserID {
		return invalid("sender and receiver must differ")
	}
	if !r.Type.Valid() {
		return invalid("unsupported transaction type %q", r.Type)
	}
	if r.Type == model.TransactionTypePurchase && (r.ChapterID == nil || *r.ChapterID == "") {
		return invalid("purchase requires chapter_id")
	}
	if r.BlockchainTxHash != nil && !txHashPattern.MatchString(*r.BlockchainTxHash) {
		return invalid("blockchain_tx_hash must be 0x followed by 64 hex characters")
	}
	return nil
}

func (r *SettlementRequest) recordInput() RecordInput {
	in := RecordInput{
		FromUserID:       r.FromUserID,
		ToUserID:         r.ToUserID,
		StoryID:          r.StoryID,
		ChapterID:        r.ChapterID,
		Amount:           r.Amount,
		Type:             r.Type,
		BlockchainTxHash: r.BlockchainTxHash,
	}
	if r.RequestID != "" {
		requestID := r.RequestID
		in.RequestID = &requestID
	}
	return in
}

// ============================================================================
// Settlement
// ============================================================================
//
// ProcessTransaction moves Amount credits from FromUserID (or from nowhere when
// it is nil) to ToUserID.
//
// [Flow]
//
//   1. validate the request
//   2. replay: a known request_id returns the stored transaction
//   3. wallet gate: a request carrying a blockchain hash needs a Ready session
//   4. per-sender lock settle:lock:user:<id>, then replay again under it
//   5. one DB transaction: debit, credit, transaction row, outbox messages
//   6. on insufficient funds or an unknown sender, a failed row is written
//      after the rollback
//
// [Invariants]
//
//   - a completed row exists only if both balance changes committed with it
//   - author earnings and the settlement.completed event leave through the
//     outbox, never inline
//   - a failed row never holds the request_id, so the caller may retry
func (s *Settlement) ProcessTransaction(ctx context.Context, req SettlementRequest) (*SettlementResult, error) {
	if err := req.validate(); err != nil {
		s.count(req.Type, "invalid")
		return nil, err
	}

	if existing, err := s.replay(ctx, req.RequestID); err != nil || existing != nil {
		return existing, err
	}

	if req.BlockchainTxHash != nil && req.FromUserID != nil && s.wallet != nil {
		ready, err := s.wallet.IsReady(ctx, *req.FromUserID)
		if err != nil {
			return nil, fmt.Errorf("check wallet session: %w", err)
		}
		if !ready {
			s.count(req.Type, "wallet_not_ready")
			return nil, fmt.Errorf("user %s: %w", *req.FromUserID, ErrWalletNotReady)
		}
	}

	if req.FromUserID != nil {
		unlock, err := s.acquire(ctx, lock.NewUserLock, *req.FromUserID)
		if err != nil {
			return nil, err
		}
		defer unlock()

		if existing, err := s.replay(ctx, req.RequestID); err != nil || existing != nil {
			return existing, err
		}
	}

	in := req.recordInput()
	var recorded *model.Transaction

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := s.ledger.WithTx(tx)

		if in.FromUserID != nil {
			if err := ledger.Debit(ctx, *in.FromUserID, in.Amount); err != nil {
				return err
			}
		}
		if err := ledger.Credit(ctx, in.ToUserID, in.Amount); err != nil {
			return err
		}

		trans, err := s.recorder.Record(ctx, tx, in)
		if err != nil {
			return err
		}
		if err := s.enqueueEffects(ctx, tx, trans, in.Amount); err != nil {
			return err
		}
		recorded = trans
		return nil
	})

	if err != nil {
		return s.settlementFailed(ctx, req, in, err)
	}

	s.count(req.Type, "ok")
	s.log.WithFields(logrus.Fields{
		"transaction_no": recorded.TransactionNo,
		"to_user_id":     recorded.ToUserID,
		"amount":         recorded.Amount,
		"type":           recorded.TransactionType,
	}).Info("settlement completed")

	return &SettlementResult{Transaction: recorded}, nil
}

func (s *Settlement) settlementFailed(ctx context.Context, req SettlementRequest, in RecordInput, err error) (*SettlementResult, error) {
	if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrNotFound) {
		s.count(req.Type, resultLabel(err))
		if _, recErr := s.recorder.RecordFailed(ctx, in, err.Error()); recErr != nil {
			s.log.WithError(recErr).Warn("record failed settlement")
		}
		return nil, err
	}

	// A concurrent request with the same request id may have won the unique index.
	if existing, replayErr := s.replay(ctx, req.RequestID); replayErr == nil && existing != nil {
		return existing, nil
	}

	s.count(req.Type, resultLabel(err))
	s.log.WithError(err).WithField("request_id", req.RequestID).Error("settlement rolled back")
	return nil, err
}

// Reverse refunds a completed purchase, tip or donation.
//
// [Flow]
//
//   1. the original must be completed, not itself a refund, and have a sender
//   2. an existing refund is returned as a replay
//   3. per-transaction lock settle:lock:txn:<no>, then the refund check again
//   4. one DB transaction: debit the original receiver, credit the original
//      sender, write the refund row, enqueue negative author earnings for
//      purchases and tips, enqueue settlement.completed
//
// [At most once]
//
//   reverses_transaction_no is unique. A refund that loses the race on the
//   index falls back to returning the one that won.
func (s *Settlement) Reverse(ctx context.Context, req ReversalRequest) (*SettlementResult, error) {
	if req.TransactionNo == "" {
		return nil, invalid("transaction_no is required")
	}

	original, err := s.reversible(ctx, req.TransactionNo)
	if err != nil {
		return nil, err
	}
	if refund, err := s.existingRefund(ctx, original.TransactionNo); err != nil || refund != nil {
		return refund, err
	}

	unlock, err := s.acquire(ctx, lock.NewTransactionLock, original.TransactionNo)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if refund, err := s.existingRefund(ctx, original.TransactionNo); err != nil || refund != nil {
		return refund, err
	}

	receiver := original.ToUserID
	in := RecordInput{
		FromUserID:            &receiver,
		ToUserID:              *original.FromUserID,
		StoryID:               original.StoryID,
		ChapterID:             original.ChapterID,
		Amount:                original.Amount,
		Type:                  model.TransactionTypeRefund,
		ReversesTransactionNo: &original.TransactionNo,
	}
	if req.RequestID != "" {
		requestID := req.RequestID
		in.RequestID = &requestID
	}

	var refund *model.Transaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := s.ledger.WithTx(tx)

		if err := ledger.Debit(ctx, receiver, original.Amount); err != nil {
			return err
		}
		if err := ledger.Credit(ctx, in.ToUserID, original.Amount); err != nil {
			return err
		}

		trans, err := s.recorder.Record(ctx, tx, in)
		if err != nil {
			return err
		}
		if original.TransactionType.EarnsAuthor() {
			if err := s.enqueue(ctx, tx, model.TopicAuthorEarnings, trans.TransactionNo, model.AuthorEarningsPayload{
				AuthorID:      receiver,
				Amount:        -original.Amount,
				TransactionNo: trans.TransactionNo,
			}); err != nil {
				return err
			}
		}
		if err := s.enqueue(ctx, tx, model.TopicSettlementCompleted, trans.TransactionNo, settlementEvent(trans)); err != nil {
			return err
		}
		refund = trans
		return nil
	})
	if err != nil {
		if IsBusiness(err) {
			s.count(model.TransactionTypeRefund, resultLabel(err))
			return nil, err
		}
		if existing, lookupErr := s.existingRefund(ctx, original.TransactionNo); lookupErr == nil && existing != nil {
			return existing, nil
		}
		s.count(model.TransactionTypeRefund, "error")
		return nil, err
	}

	s.count(model.TransactionTypeRefund, "ok")
	s.log.WithFields(logrus.Fields{
		"transaction_no": refund.TransactionNo,
		"reverses":       original.TransactionNo,
		"reason":         req.Reason,
	}).Info("transaction reversed")

	return &SettlementResult{Transaction: refund}, nil
}

func (s *Settlement) reversible(ctx context.Context, transactionNo string) (*model.Transaction, error) {
	original, err := s.recorder.Get(ctx, transactionNo)
	if err != nil {
		return nil, err
	}
	switch {
	case original.Status != model.TransactionStatusCompleted:
		return nil, fmt.Errorf("%s is %s: %w", transactionNo, original.Status, ErrNotReversible)
	case original.TransactionType == model.TransactionTypeRefund:
		return nil, fmt.Errorf("%s is a refund: %w", transactionNo, ErrNotReversible)
	case original.FromUserID == nil:
		return nil, fmt.Errorf("%s has no sender: %w", transactionNo, ErrNotReversible)
	}
	return original, nil
}

func (s *Settlement) existingRefund(ctx context.Context, transactionNo string) (*SettlementResult, error) {
	refund, err := s.recorder.RefundOf(ctx, transactionNo)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &SettlementResult{Transaction: refund, Replayed: true}, nil
}

func (s *Settlement) replay(ctx context.Context, requestID string) (*SettlementResult, error) {
	if requestID == "" {
		return nil, nil
	}
	existing, err := s.recorder.GetByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	s.count(existing.TransactionType, "replayed")
	return &SettlementResult{Transaction: existing, Replayed: true}, nil
}

// acquire takes the named lock when redis is wired and returns its release func.
func (s *Settlement) acquire(ctx context.Context, newLock func(*redis.Client, string, time.Duration) *lock.DistributedLock, id string) (func(), error) {
	if s.redisClient == nil {
		return func() {}, nil
	}

	l := newLock(s.redisClient, id, s.cfg.LockTTL)
	if err := l.Lock(ctx, s.cfg.LockRetryInterval, max(1, s.cfg.LockMaxRetries)); err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			return nil, fmt.Errorf("%s: %w", l.Key(), ErrBusy)
		}
		return nil, fmt.Errorf("acquire %s: %w", l.Key(), err)
	}

	return func() {
		// release even if the request context is already cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Unlock(ctx); err != nil {
			s.log.WithError(err).WithField("lock", l.Key()).Warn("release lock")
		}
	}, nil
}

func (s *Settlement) enqueueEffects(ctx context.Context, tx *gorm.DB, trans *model.Transaction, amount int64) error {
	if trans.TransactionType.EarnsAuthor() {
		payload := model.AuthorEarningsPayload{
			AuthorID:      trans.ToUserID,
			Amount:        amount,
			TransactionNo: trans.TransactionNo,
		}
		if err := s.enqueue(ctx, tx, model.TopicAuthorEarnings, trans.TransactionNo, payload); err != nil {
			return err
		}
	}
	return s.enqueue(ctx, tx, model.TopicSettlementCompleted, trans.TransactionNo, settlementEvent(trans))
}

func (s *Settlement) enqueue(ctx context.Context, tx *gorm.DB, topic, key string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      topic,
		Payload:    string(body),
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return storeErr("write outbox message", err)
	}
	return nil
}

func settlementEvent(trans *model.Transaction) model.SettlementEvent {
	event := model.SettlementEvent{
		TransactionNo:    trans.TransactionNo,
		FromUserID:       trans.FromUserID,
		ToUserID:         trans.ToUserID,
		StoryID:          trans.StoryID,
		ChapterID:        trans.ChapterID,
		Amount:           trans.Amount,
		TransactionType:  trans.TransactionType,
		BlockchainTxHash: trans.BlockchainTxHash,
	}
	if trans.CompletedAt != nil {
		event.CompletedAt = trans.CompletedAt.Format(time.RFC3339Nano)
	}
	return event
}

func (s *Settlement) count(t model.TransactionType, result string) {
	if s.metrics != nil {
		s.metrics.SettlementsTotal.WithLabelValues(string(t), result).Inc()
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConcurrentUpdate):
		return "conflict"
	default:
		return "error"
	}
}
