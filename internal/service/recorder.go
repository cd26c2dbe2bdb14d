package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"storycredits/internal/model"
	"storycredits/internal/repository"
	"storycredits/pkg/idgen"
	"storycredits/pkg/strutil"

	"gorm.io/gorm"
)

const (
	historyPageSize  = 50
	maxFailureReason = 256
)

// RecordInput describes a value movement to append to the transaction log.
type RecordInput struct {
	FromUserID            *string
	ToUserID              string
	StoryID               *string
	ChapterID             *string
	Amount                int64
	Type                  model.TransactionType
	RequestID             *string
	BlockchainTxHash      *string
	ReversesTransactionNo *string
}

// Recorder appends to and reads the transaction log. It never touches balances.
type Recorder struct {
	repo *repository.TransactionRepository
	now  func() time.Time
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{
		repo: repository.NewTransactionRepository(db),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *Recorder) build(in RecordInput) *model.Transaction {
	no := idgen.GenerateTransactionNo()
	if in.Type == model.TransactionTypeRefund {
		no = idgen.GenerateRefundNo()
	}
	return &model.Transaction{
		TransactionNo:         no,
		RequestID:             in.RequestID,
		FromUserID:            in.FromUserID,
		ToUserID:              in.ToUserID,
		StoryID:               in.StoryID,
		ChapterID:             in.ChapterID,
		Amount:                in.Amount,
		TransactionType:       in.Type,
		BlockchainTxHash:      in.BlockchainTxHash,
		ReversesTransactionNo: in.ReversesTransactionNo,
		CreatedAt:             r.now(),
	}
}

// Record writes a completed transaction, inside tx when it is not nil.
func (r *Recorder) Record(ctx context.Context, tx *gorm.DB, in RecordInput) (*model.Transaction, error) {
	trans := r.build(in)
	completedAt := trans.CreatedAt
	trans.Status = model.TransactionStatusCompleted
	trans.CompletedAt = &completedAt

	if err := r.repo.Create(ctx, tx, trans); err != nil {
		return nil, storeErr("record transaction", err)
	}
	return trans, nil
}

// RecordFailed writes a failed transaction outside any caller transaction.
// The request id is left empty so that the same request can be retried.
func (r *Recorder) RecordFailed(ctx context.Context, in RecordInput, reason string) (*model.Transaction, error) {
	in.RequestID = nil
	in.ReversesTransactionNo = nil
	trans := r.build(in)
	trans.Status = model.TransactionStatusFailed
	trans.FailureReason = strutil.Truncate(reason, maxFailureReason)

	if err := r.repo.Create(ctx, nil, trans); err != nil {
		return nil, storeErr("record failed transaction", err)
	}
	return trans, nil
}

func (r *Recorder) Get(ctx context.Context, transactionNo string) (*model.Transaction, error) {
	return r.get(r.repo.GetByTransactionNo(ctx, nil, transactionNo))
}

func (r *Recorder) GetByRequestID(ctx context.Context, requestID string) (*model.Transaction, error) {
	return r.get(r.repo.GetByRequestID(ctx, nil, requestID))
}

// RefundOf returns the completed refund of transactionNo, if any.
func (r *Recorder) RefundOf(ctx context.Context, transactionNo string) (*model.Transaction, error) {
	return r.get(r.repo.GetRefundOf(ctx, nil, transactionNo))
}

func (r *Recorder) get(trans *model.Transaction, err error) (*model.Transaction, error) {
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, fmt.Errorf("transaction: %w", ErrNotFound)
		}
		return nil, storeErr("get transaction", err)
	}
	return trans, nil
}

// History yields up to limit transactions where userID is sender or receiver,
// newest first. Rows are fetched lazily in pages. The sequence can be ranged
// over once; a second range yields ErrSequenceConsumed.
func (r *Recorder) History(ctx context.Context, userID string, limit int) iter.Seq2[model.Transaction, error] {
	var consumed atomic.Bool

	return func(yield func(model.Transaction, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(model.Transaction{}, ErrSequenceConsumed)
			return
		}
		if limit <= 0 {
			return
		}

		pageSize := min(limit, historyPageSize)
		remaining := limit
		var cursor repository.Cursor

		for remaining > 0 {
			want := min(pageSize, remaining)
			page, err := r.repo.ListPageByUser(ctx, userID, cursor, want)
			if err != nil {
				yield(model.Transaction{}, storeErr("list history", err))
				return
			}

			for _, trans := range page {
				if !yield(trans, nil) {
					return
				}
			}
			remaining -= len(page)

			if len(page) < want {
				return
			}
			last := page[len(page)-1]
			cursor = repository.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}

// CollectHistory drains History into a slice.
func (r *Recorder) CollectHistory(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	out := make([]model.Transaction, 0, max(0, min(limit, historyPageSize)))
	for trans, err := range r.History(ctx, userID, limit) {
		if err != nil {
			return nil, err
		}
		out = append(out, trans)
	}
	return out, nil
}
