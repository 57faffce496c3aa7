package creditgate_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cg "github.com/meterline/creditgate"
	"github.com/meterline/creditgate/store/memory"
)

func newHoldFixture(t *testing.T, credits int64, ttl time.Duration) (*cg.HoldManager, cg.Store, string) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	bal, err := store.GetOrCreateBalance(ctx, "extract:user:hold-test")
	require.NoError(t, err)
	if credits > 0 {
		_, err = store.Grant(ctx, bal.ID, credits, "seed")
		require.NoError(t, err)
	}
	return cg.NewHoldManager(store, ttl, nil), store, bal.ID
}

func balanceCredits(t *testing.T, store cg.Store, balanceID string) int64 {
	t.Helper()
	// The subject key is fixed in newHoldFixture; re-reading through it
	// returns the same balance row.
	bal, err := store.GetOrCreateBalance(context.Background(), "extract:user:hold-test")
	require.NoError(t, err)
	require.Equal(t, balanceID, bal.ID)
	return bal.Credits
}

func TestHoldManager_ReserveCommit(t *testing.T) {
	hm, store, balID := newHoldFixture(t, 100, 0)
	ctx := context.Background()

	hold, err := hm.Reserve(ctx, cg.ReserveRequest{
		BalanceID: balID,
		RequestID: "k1",
		Amount:    30,
		Reason:    "extraction a.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, cg.HoldReserved, hold.State)
	assert.Equal(t, int64(30), hold.Amount)
	assert.Equal(t, int64(70), balanceCredits(t, store, balID))

	committed, err := hm.Commit(ctx, balID, "k1", "delivered")
	require.NoError(t, err)
	assert.Equal(t, cg.HoldCommitted, committed.State)
	// Commit never touches the balance; the debit happened at reserve.
	assert.Equal(t, int64(70), balanceCredits(t, store, balID))

	// Committing twice is a no-op success and records no second audit row.
	_, err = hm.Commit(ctx, balID, "k1", "delivered")
	require.NoError(t, err)

	txns, err := store.Transactions(ctx, balID, 0)
	require.NoError(t, err)
	require.Len(t, txns, 3) // commit, reserve, grant
	assert.Equal(t, cg.TxnCommit, txns[0].Kind)
	assert.Equal(t, int64(0), txns[0].Delta)
	assert.Equal(t, "delivered", txns[0].Reason)
}

func TestHoldManager_ReserveValidation(t *testing.T) {
	hm, _, balID := newHoldFixture(t, 100, 0)
	ctx := context.Background()

	_, err := hm.Reserve(ctx, cg.ReserveRequest{BalanceID: balID, Amount: 10})
	assert.ErrorIs(t, err, cg.ErrMissingIdempotencyKey)

	_, err = hm.Reserve(ctx, cg.ReserveRequest{BalanceID: balID, RequestID: "k", Amount: 0})
	assert.ErrorIs(t, err, cg.ErrInvalidAmount)

	_, err = hm.Reserve(ctx, cg.ReserveRequest{BalanceID: balID, RequestID: "k", Amount: -1})
	assert.ErrorIs(t, err, cg.ErrInvalidAmount)
}

func TestHoldManager_InsufficientCredits(t *testing.T) {
	hm, store, balID := newHoldFixture(t, 10, 0)
	ctx := context.Background()

	_, err := hm.Reserve(ctx, cg.ReserveRequest{BalanceID: balID, RequestID: "k1", Amount: 11})
	assert.ErrorIs(t, err, cg.ErrInsufficientCredits)

	// A failed reserve mutates nothing.
	assert.Equal(t, int64(10), balanceCredits(t, store, balID))
	_, err = store.GetHold(ctx, balID, "k1")
	assert.ErrorIs(t, err, cg.ErrHoldNotFound)
}

func TestHoldManager_RetrySemantics(t *testing.T) {
	hm, store, balID := newHoldFixture(t, 100, 0)
	ctx := context.Background()

	first, err := hm.Reserve(ctx, cg.ReserveRequest{BalanceID: balID, RequestID: "k1", Amount: 25})
	require.NoError(t, err)

	// Retry while still reserved: the same hold comes back, no second debit.
	again, err := hm.Reserve(ctx, cg.ReserveRequest{BalanceID: balID, RequestID: "k1", Amount: 25})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int64(75), balanceCredits(t, store, balID))

	// Retry after commit is the replay signal.
	_, err = hm.Commit(ctx, balID, "k1", "delivered")
	require.NoError(t, err)
	_, err = hm.Reserve(ctx, cg.ReserveRequest{BalanceID: balID, RequestID: "k1", Amount: 25})
	assert.ErrorIs(t, err, cg.ErrAlreadyProcessed)
	assert.Equal(t, int64(75), balanceCredits(t, store, balID))

	// Retry after release returns the released hold without a new debit.
	_, err = hm.Reserve(ctx, cg.ReserveRequest{BalanceID: balID, RequestID: "k2", Amount: 25})
	require.NoError(t, err)
	_, released, err := hm.Release(ctx, balID, "k2")
	require.NoError(t, err)
	require.True(t, released)

	h, err := hm.Reserve(ctx, cg.ReserveRequest{BalanceID: balID, RequestID: "k2", Amount: 25})
	require.NoError(t, err)
	assert.Equal(t, cg.HoldReleased, h.State)
	assert.Equal(t, int64(75), balanceCredits(t, store, balID))
}

func TestHoldManager_ReleaseRefundsOnce(t *testing.T) {
	hm, store, balID := newHoldFixture(t, 100, 0)
	ctx := context.Background()

	_, err := hm.Reserve(ctx, cg.ReserveRequest{BalanceID: balID, RequestID: "k1", Amount: 40})
	require.NoError(t, err)
	assert.Equal(t, int64(60), balanceCredits(t, store, balID))

	_, released, err := hm.Release(ctx, balID, "k1")
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, int64(100), balanceCredits(t, store, balID))

	_, released, err = hm.Release(ctx, balID, "k1")
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, int64(100), balanceCredits(t, store, balID))

	_, _, err = hm.Release(ctx, balID, "missing")
	assert.ErrorIs(t, err, cg.ErrHoldNotFound)
}

func TestHoldManager_CommittedHoldCannotRelease(t *testing.T) {
	hm, store, balID := newHoldFixture(t, 100, 0)
	ctx := context.Background()

	_, err := hm.Reserve(ctx, cg.ReserveRequest{BalanceID: balID, RequestID: "k1", Amount: 40})
	require.NoError(t, err)
	_, err = hm.Commit(ctx, balID, "k1", "delivered")
	require.NoError(t, err)

	hold, released, err := hm.Release(ctx, balID, "k1")
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, cg.HoldCommitted, hold.State)
	assert.Equal(t, int64(60), balanceCredits(t, store, balID))
}

// With 100 credits and a cost of 9, exactly 11 of 20 concurrent reserves
// may win.
func TestHoldManager_ConcurrentReserves_Floor(t *testing.T) {
	hm, store, balID := newHoldFixture(t, 100, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var successCount, insufficientCount atomic.Int64

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := hm.Reserve(ctx, cg.ReserveRequest{
				BalanceID: balID,
				RequestID: fmt.Sprintf("key-%d", i),
				Amount:    9,
			})
			if err == nil {
				successCount.Add(1)
			} else if errors.Is(err, cg.ErrInsufficientCredits) {
				insufficientCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(11), successCount.Load())
	assert.Equal(t, int64(9), insufficientCount.Load())
	assert.Equal(t, int64(1), balanceCredits(t, store, balID))
}

// With 10 credits and a cost of 10, exactly one of 10 concurrent reserves
// wins.
func TestHoldManager_ConcurrentReserves_SingleWinner(t *testing.T) {
	hm, store, balID := newHoldFixture(t, 10, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var successCount atomic.Int64
	errs := make([]error, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := hm.Reserve(ctx, cg.ReserveRequest{
				BalanceID: balID,
				RequestID: fmt.Sprintf("key-%d", i),
				Amount:    10,
			})
			if err == nil {
				successCount.Add(1)
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), successCount.Load())
	assert.Equal(t, int64(0), balanceCredits(t, store, balID))
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, cg.ErrInsufficientCredits)
		}
	}
}

func TestHoldManager_ConcurrentRelease_SingleRefund(t *testing.T) {
	hm, store, balID := newHoldFixture(t, 100, 0)
	ctx := context.Background()

	_, err := hm.Reserve(ctx, cg.ReserveRequest{BalanceID: balID, RequestID: "k1", Amount: 40})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var refunds atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, released, err := hm.Release(ctx, balID, "k1")
			if err == nil && released {
				refunds.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), refunds.Load())
	assert.Equal(t, int64(100), balanceCredits(t, store, balID))
}

// Holds reserved with a one second TTL become sweepable after the TTL
// elapses for real; cleanup refunds each exactly once and never touches
// committed holds.
func TestHoldManager_CleanupExpired(t *testing.T) {
	hm, store, balID := newHoldFixture(t, 100, time.Second)
	ctx := context.Background()

	for _, key := range []string{"k1", "k2", "k3"} {
		_, err := hm.Reserve(ctx, cg.ReserveRequest{BalanceID: balID, RequestID: key, Amount: 5})
		require.NoError(t, err)
	}
	_, err := hm.Reserve(ctx, cg.ReserveRequest{BalanceID: balID, RequestID: "k4", Amount: 5})
	require.NoError(t, err)
	_, err = hm.Commit(ctx, balID, "k4", "delivered")
	require.NoError(t, err)

	assert.Equal(t, int64(80), balanceCredits(t, store, balID))

	time.Sleep(1500 * time.Millisecond)

	released, err := hm.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, released)
	// The committed hold keeps its debit.
	assert.Equal(t, int64(95), balanceCredits(t, store, balID))

	for _, key := range []string{"k1", "k2", "k3"} {
		h, err := store.GetHold(ctx, balID, key)
		require.NoError(t, err)
		assert.Equal(t, cg.HoldReleased, h.State)
	}

	// A second pass finds nothing left to do.
	released, err = hm.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
	assert.Equal(t, int64(95), balanceCredits(t, store, balID))
}
