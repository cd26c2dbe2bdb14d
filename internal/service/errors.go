package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrConcurrentUpdate  = errors.New("concurrent balance update, retries exhausted")
	ErrSequenceConsumed  = errors.New("history sequence already consumed")
	ErrWalletNotReady    = errors.New("wallet session not ready")
	ErrNotReversible     = errors.New("transaction cannot be reversed")
	ErrBusy              = errors.New("resource busy, try again")

	// ErrStore marks transient store failures: network, timeouts, constraint surprises.
	ErrStore = errors.New("store failure")
)

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// IsBusiness reports whether err is an expected outcome the caller can act on,
// as opposed to an infrastructure failure.
func IsBusiness(err error) bool {
	for _, target := range []error{
		ErrNotFound,
		ErrInsufficientFunds,
		ErrInvalidAmount,
		ErrInvalidRequest,
		ErrConcurrentUpdate,
		ErrWalletNotReady,
		ErrNotReversible,
		ErrBusy,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
