package creditgate

import (
	"context"
	"fmt"
	"time"
)

// HoldManager drives the reserve → commit/release protocol over a Store.
// Reserve debits the balance, commit finalizes the charge without touching
// the balance again, and release refunds exactly once.
type HoldManager struct {
	store Store
	ttl   time.Duration
	meter Meter
}

// NewHoldManager creates a HoldManager. Holds left RESERVED longer than ttl
// become eligible for sweeper release. A nil meter disables events.
func NewHoldManager(store Store, ttl time.Duration, meter Meter) *HoldManager {
	if ttl <= 0 {
		ttl = DefaultHoldTTL
	}
	if meter == nil {
		meter = noopMeter{}
	}
	return &HoldManager{store: store, ttl: ttl, meter: meter}
}

// ReserveRequest identifies one reservation attempt. RequestID is the
// caller's idempotency key.
type ReserveRequest struct {
	BalanceID string
	RequestID string
	Amount    int64
	Reason    string
	QuoteID   string
}

// Reserve places a hold, debiting the balance. Retries with the same
// request id are recognized: a COMMITTED hold yields ErrAlreadyProcessed, a
// RESERVED or RELEASED hold is returned without a second debit.
func (m *HoldManager) Reserve(ctx context.Context, req ReserveRequest) (Hold, error) {
	if req.RequestID == "" {
		return Hold{}, ErrMissingIdempotencyKey
	}
	if req.Amount <= 0 {
		return Hold{}, ErrInvalidAmount
	}

	start := time.Now()
	hold, err := m.store.ReserveHold(ctx, ReserveArgs{
		BalanceID: req.BalanceID,
		RequestID: req.RequestID,
		Amount:    req.Amount,
		Reason:    req.Reason,
		QuoteID:   req.QuoteID,
		TTL:       m.ttl,
	})
	m.meter.OnCharge(ChargeEvent{
		Op:        ChargeReserve,
		RequestID: req.RequestID,
		BalanceID: req.BalanceID,
		Amount:    req.Amount,
		Duration:  time.Since(start),
		Err:       err,
	})
	if err != nil {
		return Hold{}, err
	}
	return hold, nil
}

// Commit finalizes the charge for a reserved hold, recording detail on the
// zero-delta audit row. The balance is not touched; the credits were
// removed at reserve time. Committing twice is a no-op success.
func (m *HoldManager) Commit(ctx context.Context, balanceID, requestID, detail string) (Hold, error) {
	start := time.Now()
	hold, err := m.store.CommitHold(ctx, balanceID, requestID, detail)
	m.meter.OnCharge(ChargeEvent{
		Op:        ChargeCommit,
		RequestID: requestID,
		BalanceID: balanceID,
		Amount:    hold.Amount,
		Duration:  time.Since(start),
		Err:       err,
	})
	if err != nil {
		return Hold{}, err
	}
	return hold, nil
}

// Release refunds a reserved hold. The bool reports whether this call
// performed the refund; releasing a RELEASED or COMMITTED hold is a no-op,
// never a double refund.
func (m *HoldManager) Release(ctx context.Context, balanceID, requestID string) (Hold, bool, error) {
	start := time.Now()
	hold, released, err := m.store.ReleaseHold(ctx, balanceID, requestID)
	if released || err != nil {
		m.meter.OnCharge(ChargeEvent{
			Op:        ChargeRelease,
			RequestID: requestID,
			BalanceID: balanceID,
			Amount:    hold.Amount,
			Duration:  time.Since(start),
			Err:       err,
		})
	}
	if err != nil {
		return Hold{}, false, err
	}
	return hold, released, nil
}

// CleanupExpired releases every hold still RESERVED past its expiry,
// returning how many this call actually released. Safe to run repeatedly
// and concurrently: each hold is refunded at most once.
func (m *HoldManager) CleanupExpired(ctx context.Context) (int, error) {
	holds, err := m.store.ExpiredHolds(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("creditgate: list expired holds: %w", err)
	}

	released := 0
	var firstErr error
	for _, h := range holds {
		_, done, err := m.Release(ctx, h.BalanceID, h.RequestID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if done {
			released++
		}
	}
	return released, firstErr
}

// TTL returns the reservation lifetime.
func (m *HoldManager) TTL() time.Duration { return m.ttl }
