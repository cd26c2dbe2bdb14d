package service

import (
	"context"
	"errors"
	"fmt"

	"storycredits/internal/config"
	"storycredits/internal/infrastructure/metrics"
	"storycredits/internal/model"
	"storycredits/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	pathAtomic = "atomic"
	pathCAS    = "cas"
)

// Ledger owns every balance mutation.
//
// [Balance never negative]
//
// A debit reads the balance and rejects a short account before mutating. The
// store then re-checks under concurrency, depending on ledger.mode:
//
//   atomic      UPDATE ... SET balance = balance - ? WHERE user_id = ? AND balance >= ?
//               zero rows affected means another writer got there first
//   optimistic  read, compute, UPDATE ... WHERE version = ?; a version
//               conflict re-reads and retries up to max_cas_retries times,
//               then fails with ErrConcurrentUpdate
type Ledger struct {
	tx         *gorm.DB
	repo       *repository.CreditsRepository
	mode       string
	maxRetries int
	metrics    *metrics.Metrics
	log        *logrus.Entry
}

func NewLedger(db *gorm.DB, cfg config.LedgerConfig, m *metrics.Metrics, log *logrus.Logger) *Ledger {
	mode := cfg.Mode
	if mode == "" {
		mode = config.LedgerModeAtomic
	}
	retries := cfg.MaxCASRetries
	if retries <= 0 {
		retries = 1
	}
	return &Ledger{
		repo:       repository.NewCreditsRepository(db),
		mode:       mode,
		maxRetries: retries,
		metrics:    m,
		log:        log.WithField("component", "ledger"),
	}
}

// WithTx returns a Ledger whose calls run inside tx.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	clone := *l
	clone.tx = tx
	return &clone
}

func (l *Ledger) GetBalance(ctx context.Context, userID string) (*model.UserCredits, error) {
	credits, err := l.repo.GetByUserID(ctx, l.tx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrCreditsNotFound) {
			return nil, fmt.Errorf("credits for %s: %w", userID, ErrNotFound)
		}
		return nil, storeErr("get balance", err)
	}
	return credits, nil
}

// Initialize creates the zero account for userID. An existing account is returned unchanged.
func (l *Ledger) Initialize(ctx context.Context, userID string) (*model.UserCredits, error) {
	if userID == "" {
		return nil, invalid("user_id is required")
	}
	credits, err := l.repo.GetOrCreate(ctx, l.tx, userID)
	if err != nil {
		return nil, storeErr("initialize credits", err)
	}
	return credits, nil
}

// Credit adds amount to balance and total_earned, creating the account on first use.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.repo.CreateIfAbsent(ctx, l.tx, userID); err != nil {
		return storeErr("create credits", err)
	}
	return l.mutate(ctx, userID, amount, model.OperationAdd)
}

// Debit removes amount from balance and adds it to total_spent.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	credits, err := l.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	if credits.Balance < amount {
		return fmt.Errorf("user %s has %d, needs %d: %w", userID, credits.Balance, amount, ErrInsufficientFunds)
	}
	return l.mutate(ctx, userID, amount, model.OperationSubtract)
}

func (l *Ledger) mutate(ctx context.Context, userID string, amount int64, op model.CreditOperation) error {
	if l.mode == config.LedgerModeOptimistic {
		return l.compareAndSwap(ctx, userID, amount, op)
	}

	err := l.repo.Increment(ctx, l.tx, userID, amount, op)
	switch {
	case err == nil:
		l.observe(op, pathAtomic)
		return nil
	case errors.Is(err, repository.ErrBalanceNotEnough):
		return fmt.Errorf("user %s: %w", userID, ErrInsufficientFunds)
	case errors.Is(err, repository.ErrCreditsNotFound):
		return fmt.Errorf("credits for %s: %w", userID, ErrNotFound)
	default:
		return storeErr("increment balance", err)
	}
}

func (l *Ledger) compareAndSwap(ctx context.Context, userID string, amount int64, op model.CreditOperation) error {
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		current, err := l.GetBalance(ctx, userID)
		if err != nil {
			return err
		}

		balance, earned, spent := current.Balance, current.TotalEarned, current.TotalSpent
		if op == model.OperationAdd {
			balance += amount
			earned += amount
		} else {
			if balance < amount {
				return fmt.Errorf("user %s has %d, needs %d: %w", userID, balance, amount, ErrInsufficientFunds)
			}
			balance -= amount
			spent += amount
		}

		err = l.repo.CompareAndSwap(ctx, l.tx, current, balance, earned, spent)
		if err == nil {
			l.observe(op, pathCAS)
			return nil
		}
		if !errors.Is(err, repository.ErrOptimisticLock) {
			return storeErr("update balance", err)
		}

		if l.metrics != nil {
			l.metrics.LedgerCASRetries.Inc()
		}
		l.log.WithFields(logrus.Fields{
			"user_id": userID,
			"attempt": attempt + 1,
		}).Debug("version conflict, retrying")
	}
	return fmt.Errorf("user %s: %w", userID, ErrConcurrentUpdate)
}

func (l *Ledger) observe(op model.CreditOperation, path string) {
	if l.metrics != nil {
		l.metrics.LedgerMutationsTotal.WithLabelValues(string(op), path).Inc()
	}
}
