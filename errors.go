package creditgate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInsufficientCredits   = errors.New("creditgate: insufficient credits")
	ErrMissingIdempotencyKey = errors.New("creditgate: missing idempotency key")
	ErrAlreadyProcessed      = errors.New("creditgate: request already processed")
	ErrLedgerUnavailable     = errors.New("creditgate: ledger unavailable")
	ErrWorkerFailed          = errors.New("creditgate: extraction worker failed")
	ErrCommitFailed          = errors.New("creditgate: charge could not be finalized")
	ErrQuoteNotFound         = errors.New("creditgate: quote not found")
	ErrHoldNotFound          = errors.New("creditgate: hold not found")
	ErrBalanceNotFound       = errors.New("creditgate: balance not found")
	ErrChallengeRequired     = errors.New("creditgate: challenge required")
	ErrDeviceBlocked         = errors.New("creditgate: device blocked")
	ErrTokenIssuerRequired   = errors.New("creditgate: device token issuer is required")
	ErrInvalidAmount         = errors.New("creditgate: amount must be positive")
	ErrStoreClosed           = errors.New("creditgate: store closed")
)

// ChargeError wraps a money-path failure with billing context.
type ChargeError struct {
	Err       error
	RequestID string
	BalanceID string
	Amount    int64
	Mode      AccessMode
}

func (e *ChargeError) Error() string {
	return fmt.Sprintf("creditgate: request=%s balance=%s amount=%d mode=%s: %v",
		e.RequestID, e.BalanceID, e.Amount, e.Mode, e.Err)
}

func (e *ChargeError) Unwrap() error {
	return e.Err
}

// IsClientError returns true if the caller must change the request before
// retrying it.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingIdempotencyKey) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrQuoteNotFound)
}

// IsRetryable returns true if the same request may succeed when retried
// later without modification.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrWorkerFailed) ||
		errors.Is(err, ErrCommitFailed) ||
		errors.Is(err, ErrLedgerUnavailable)
}

// IsNotFound returns true for uniform-absence lookups: missing, expired and
// used quotes, and unknown holds or balances.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrQuoteNotFound) ||
		errors.Is(err, ErrHoldNotFound) ||
		errors.Is(err, ErrBalanceNotFound)
}
