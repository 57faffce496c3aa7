package creditgate

import (
	"context"
	"time"
)

// Store is the single storage abstraction behind the engine: balances and
// their transaction history, holds, quotes, and the free-usage counters.
// Implementations are selected at startup and injected; there is no ambient
// global state.
//
// The composite operations (ReserveHold, CommitHold, ReleaseHold) must be
// atomic within one call so the idempotency lookup and the balance
// check-and-debit share a single critical section per balance. Any mutating
// call must fail loudly when the backing store is unreachable; callers never
// assume success.
type Store interface {
	// GetOrCreateBalance returns the balance for a subject key, creating it
	// with zero credits on first access.
	GetOrCreateBalance(ctx context.Context, subjectKey string) (Balance, error)

	// Grant adds credits to a balance and appends a grant transaction.
	Grant(ctx context.Context, balanceID string, amount int64, reason string) (Transaction, error)

	// ReserveHold implements the atomic reserve step. An existing COMMITTED
	// hold for the request id yields ErrAlreadyProcessed; an existing
	// RESERVED or RELEASED hold is returned as-is without a second
	// reservation. Otherwise the balance is debited only if
	// credits >= amount (ErrInsufficientCredits and no mutation when not),
	// a negative-delta reserve transaction is appended, and a RESERVED hold
	// with expiresAt = now + args.TTL is created.
	ReserveHold(ctx context.Context, args ReserveArgs) (Hold, error)

	// CommitHold transitions RESERVED→COMMITTED and appends a zero-delta
	// commit transaction carrying detail as its reason. The balance is not
	// touched. Committing an already COMMITTED hold is a no-op success; a
	// RELEASED hold cannot be committed.
	CommitHold(ctx context.Context, balanceID, requestID, detail string) (Hold, error)

	// ReleaseHold transitions RESERVED→RELEASED and refunds the held amount
	// with a release transaction. The bool reports whether this call
	// performed the release; calling on a RELEASED or COMMITTED hold is a
	// no-op (false, nil).
	ReleaseHold(ctx context.Context, balanceID, requestID string) (Hold, bool, error)

	// GetHold returns the hold for a request id, or ErrHoldNotFound.
	GetHold(ctx context.Context, balanceID, requestID string) (Hold, error)

	// ExpiredHolds returns up to limit holds still RESERVED past their
	// expiry (limit <= 0 means no limit).
	ExpiredHolds(ctx context.Context, limit int) ([]Hold, error)

	// PutQuote stores a new quote.
	PutQuote(ctx context.Context, q Quote) error

	// GetQuote returns a quote only while it is active and unexpired;
	// missing, used, and expired quotes all yield ErrQuoteNotFound.
	GetQuote(ctx context.Context, id string) (Quote, error)

	// MarkQuoteUsed performs the one-way active→used transition, recording
	// usedAt. Used, expired, and missing quotes yield ErrQuoteNotFound.
	MarkQuoteUsed(ctx context.Context, id string) error

	// DeleteExpiredQuotes removes quotes past their expiry, returning the
	// number removed.
	DeleteExpiredQuotes(ctx context.Context) (int, error)

	// TrialUses returns the trial record for a normalized email. A never
	// seen email yields a zero record, not an error.
	TrialUses(ctx context.Context, email string) (TrialRecord, error)

	// RecordTrialUse increments the trial counter for a normalized email.
	RecordTrialUse(ctx context.Context, email string) (TrialRecord, error)

	// DeviceUsage returns the usage record for a device id. A never seen
	// device yields a zero record, not an error.
	DeviceUsage(ctx context.Context, deviceID string) (DeviceUsage, error)

	// IncrementDeviceUsage increments the free-use counter for a device and
	// records the originating IP.
	IncrementDeviceUsage(ctx context.Context, deviceID, ip string) (DeviceUsage, error)

	// Transactions returns the newest transactions for a balance, newest
	// first (limit <= 0 means no limit).
	Transactions(ctx context.Context, balanceID string, limit int) ([]Transaction, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// ReserveArgs carries the inputs for Store.ReserveHold.
type ReserveArgs struct {
	BalanceID string
	RequestID string
	Amount    int64
	Reason    string
	QuoteID   string
	TTL       time.Duration
}
