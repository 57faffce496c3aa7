package creditgate_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cg "github.com/meterline/creditgate"
	"github.com/meterline/creditgate/devicetoken"
	"github.com/meterline/creditgate/meter"
	"github.com/meterline/creditgate/store/memory"
	"github.com/meterline/creditgate/worker/mock"
)

func newTestEngine(t *testing.T, cfg cg.Config, store cg.Store, worker cg.Worker) *cg.Engine {
	t.Helper()
	issuer, err := devicetoken.New([]byte("test-secret-0123456789"))
	require.NoError(t, err)
	e, err := cg.New(cfg, store, worker,
		cg.WithTokenIssuer(issuer),
		cg.WithMeter(&meter.NoopMeter{}),
	)
	require.NoError(t, err)
	return e
}

func fundUser(t *testing.T, e *cg.Engine, userID string, credits int64) string {
	t.Helper()
	key := e.SubjectKeyFor(userID, "")
	_, err := e.GrantCredits(context.Background(), key, credits, "test grant")
	require.NoError(t, err)
	return key
}

// Test 1: New email gets the trial allowance, normalized across aliases.
func TestTrialAccess_NewEmail(t *testing.T) {
	e := newTestEngine(t, cg.Config{}, memory.New(), mock.New())
	ctx := context.Background()

	res, err := e.Extract(ctx, cg.ExtractRequest{
		Email:    " Reader+news@EXAMPLE.com",
		FileName: "a.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, cg.AccessTrial, res.Access.Mode)
	assert.Equal(t, 1, res.Access.TrialUsesLeft)
	assert.Equal(t, int64(0), res.Access.CreditsCharged)
	require.NotNil(t, res.Document)

	// The plus alias shares the allowance.
	res, err = e.Extract(ctx, cg.ExtractRequest{
		Email:    "reader@example.com",
		FileName: "b.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, cg.AccessTrial, res.Access.Mode)
	assert.Equal(t, 0, res.Access.TrialUsesLeft)
}

// Test 2: Access precedence is trial, then paid, then device free.
func TestAccessPrecedence_TrialThenPaidThenDevice(t *testing.T) {
	e := newTestEngine(t, cg.Config{}, memory.New(), mock.New())
	ctx := context.Background()

	subject := fundUser(t, e, "u1", 100)

	// A funded user with trial uses left still goes through the trial; the
	// balance stays untouched.
	for i := 0; i < 2; i++ {
		res, err := e.Extract(ctx, cg.ExtractRequest{
			Email:    "alice@example.com",
			UserID:   "u1",
			FileName: "a.pdf",
		})
		require.NoError(t, err)
		assert.Equal(t, cg.AccessTrial, res.Access.Mode)
	}
	bal, err := e.Balance(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Credits)

	// Trial exhausted: the same email now settles against the balance.
	res, err := e.Extract(ctx, cg.ExtractRequest{
		Email:          "alice@example.com",
		UserID:         "u1",
		IdempotencyKey: "pay-1",
		FileName:       "a.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, cg.AccessPaid, res.Access.Mode)

	// An exhausted email with an unfunded identity rejects rather than
	// falling through to the anonymous allowance.
	_, err = e.Extract(ctx, cg.ExtractRequest{
		Email:          "alice@example.com",
		UserID:         "broke",
		IdempotencyKey: "pay-2",
		FileName:       "a.pdf",
	})
	assert.ErrorIs(t, err, cg.ErrInsufficientCredits)

	// Fully anonymous requests land on the device allowance.
	res, err = e.Extract(ctx, cg.ExtractRequest{
		Email:    "alice@example.com",
		FileName: "a.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, cg.AccessDeviceFree, res.Access.Mode)
}

// Test 3: Paid requests require an idempotency key before any charge.
func TestPaid_MissingIdempotencyKey(t *testing.T) {
	w := mock.New()
	e := newTestEngine(t, cg.Config{}, memory.New(), w)
	ctx := context.Background()

	subject := fundUser(t, e, "u1", 100)

	_, err := e.Extract(ctx, cg.ExtractRequest{UserID: "u1", FileName: "a.pdf"})
	assert.ErrorIs(t, err, cg.ErrMissingIdempotencyKey)
	assert.Equal(t, int64(0), w.CallCount())

	bal, err := e.Balance(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Credits)
}

// Test 4: Paid extraction debits at reserve time and leaves a full audit
// trail.
func TestPaid_ChargesAndRecordsLedger(t *testing.T) {
	e := newTestEngine(t, cg.Config{}, memory.New(), mock.New())
	ctx := context.Background()

	subject := fundUser(t, e, "u1", 100)

	res, err := e.Extract(ctx, cg.ExtractRequest{
		UserID:         "u1",
		IdempotencyKey: "pay-1",
		FileName:       "contract.pdf",
		SizeBytes:      4 << 20,
		Ops:            cg.OpFlags{OCR: true},
	})
	require.NoError(t, err)
	assert.Equal(t, cg.AccessPaid, res.Access.Mode)
	assert.Equal(t, int64(15), res.Access.CreditsCharged) // 10 base + 5 OCR

	bal, err := e.Balance(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, int64(85), bal.Credits)

	txns, err := e.Transactions(ctx, subject, 0)
	require.NoError(t, err)
	require.Len(t, txns, 3)
	// Newest first: commit, reserve, grant.
	assert.Equal(t, cg.TxnCommit, txns[0].Kind)
	assert.Equal(t, int64(0), txns[0].Delta)
	assert.Equal(t, "pay-1", txns[0].RequestID)
	assert.Equal(t, cg.TxnReserve, txns[1].Kind)
	assert.Equal(t, int64(-15), txns[1].Delta)
	assert.Equal(t, cg.TxnGrant, txns[2].Kind)
	assert.Equal(t, int64(100), txns[2].Delta)
}

// Test 5: Retrying a finished request never re-runs the worker or double
// charges.
func TestIdempotentRetry_NotReRun(t *testing.T) {
	w := mock.New()
	e := newTestEngine(t, cg.Config{}, memory.New(), w)
	ctx := context.Background()

	subject := fundUser(t, e, "u1", 100)

	req := cg.ExtractRequest{
		UserID:         "u1",
		IdempotencyKey: "once",
		FileName:       "a.pdf",
	}
	_, err := e.Extract(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.CallCount())

	_, err = e.Extract(ctx, req)
	assert.ErrorIs(t, err, cg.ErrAlreadyProcessed)
	assert.Equal(t, int64(1), w.CallCount())

	var chargeErr *cg.ChargeError
	require.ErrorAs(t, err, &chargeErr)
	assert.Equal(t, "once", chargeErr.RequestID)
	assert.Equal(t, int64(10), chargeErr.Amount)

	bal, err := e.Balance(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, int64(90), bal.Credits)
}

// Test 6: Worker failure refunds the hold; a same-key retry can never
// deliver an unbilled document; a fresh key charges normally.
func TestWorkerFailure_RefundsAndNeverDeliversUnbilled(t *testing.T) {
	var calls atomic.Int64
	w := mock.New(mock.WithExtractFunc(func(job cg.Job) (*cg.Document, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("worker crashed")
		}
		return &cg.Document{Fields: map[string]any{"name": job.Name}}, nil
	}))
	e := newTestEngine(t, cg.Config{}, memory.New(), w)
	ctx := context.Background()

	subject := fundUser(t, e, "u1", 100)

	req := cg.ExtractRequest{
		UserID:         "u1",
		IdempotencyKey: "r1",
		FileName:       "a.pdf",
	}
	_, err := e.Extract(ctx, req)
	assert.ErrorIs(t, err, cg.ErrWorkerFailed)

	bal, err := e.Balance(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Credits, "hold refunded after worker failure")

	// The same key resolves to the released hold. The charge cannot be
	// finalized, so no document is delivered and the balance stays intact.
	res, err := e.Extract(ctx, req)
	assert.ErrorIs(t, err, cg.ErrCommitFailed)
	assert.Nil(t, res)

	bal, err = e.Balance(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Credits)

	// A fresh key goes through.
	res, err = e.Extract(ctx, cg.ExtractRequest{
		UserID:         "u1",
		IdempotencyKey: "r2",
		FileName:       "a.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Access.CreditsCharged)

	bal, err = e.Balance(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, int64(90), bal.Credits)
}

// commitFailStore simulates a ledger that accepts reservations but cannot
// finalize them.
type commitFailStore struct {
	cg.Store
}

func (s *commitFailStore) CommitHold(ctx context.Context, balanceID, requestID, detail string) (cg.Hold, error) {
	return cg.Hold{}, errors.New("commit unavailable")
}

// Test 7: When the commit fails the result is discarded and the hold
// refunded; the caller never gets output that was not billed.
func TestCommitFailure_RefundsAndDiscards(t *testing.T) {
	e := newTestEngine(t, cg.Config{}, &commitFailStore{Store: memory.New()}, mock.New())
	ctx := context.Background()

	subject := fundUser(t, e, "u1", 100)

	res, err := e.Extract(ctx, cg.ExtractRequest{
		UserID:         "u1",
		IdempotencyKey: "c1",
		FileName:       "a.pdf",
	})
	assert.ErrorIs(t, err, cg.ErrCommitFailed)
	assert.Nil(t, res)

	bal, err := e.Balance(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Credits)
}

// errStore simulates an unreachable ledger.
type errStore struct {
	cg.Store
}

func (s *errStore) GetOrCreateBalance(ctx context.Context, subjectKey string) (cg.Balance, error) {
	return cg.Balance{}, errors.New("connection refused")
}

// Test 8: An unreachable ledger rejects paid requests instead of running
// them for free.
func TestLedgerUnavailable_FailsClosed(t *testing.T) {
	w := mock.New()
	e := newTestEngine(t, cg.Config{}, &errStore{Store: memory.New()}, w)

	_, err := e.Extract(context.Background(), cg.ExtractRequest{
		UserID:         "u1",
		IdempotencyKey: "k1",
		FileName:       "a.pdf",
	})
	assert.ErrorIs(t, err, cg.ErrLedgerUnavailable)
	assert.Equal(t, int64(0), w.CallCount())
}

// Test 9: A worker timeout is treated as a crash: refund plus a retryable
// error.
func TestWorkerTimeout_Refunds(t *testing.T) {
	w := mock.New(mock.WithLatency(300 * time.Millisecond))
	e := newTestEngine(t, cg.Config{WorkerTimeout: 50 * time.Millisecond}, memory.New(), w)
	ctx := context.Background()

	subject := fundUser(t, e, "u1", 100)

	_, err := e.Extract(ctx, cg.ExtractRequest{
		UserID:         "u1",
		IdempotencyKey: "t1",
		FileName:       "a.pdf",
	})
	assert.ErrorIs(t, err, cg.ErrWorkerFailed)
	assert.True(t, cg.IsRetryable(err))

	bal, err := e.Balance(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Credits)
}

// Test 10: A paid run survives the caller disconnecting; the charge is
// still finalized and the document produced.
func TestCallerDisconnect_PaidRunFinalizes(t *testing.T) {
	w := mock.New(mock.WithLatency(20 * time.Millisecond))
	e := newTestEngine(t, cg.Config{}, memory.New(), w)

	subject := fundUser(t, e, "u1", 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.Extract(ctx, cg.ExtractRequest{
		UserID:         "u1",
		IdempotencyKey: "d1",
		FileName:       "a.pdf",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Document)
	assert.Equal(t, int64(10), res.Access.CreditsCharged)

	bal, err := e.Balance(context.Background(), subject)
	require.NoError(t, err)
	assert.Equal(t, int64(90), bal.Credits)
}

// Test 11: A referenced quote locks the price even when the declared size
// would estimate differently.
func TestQuote_LockedPriceWins(t *testing.T) {
	e := newTestEngine(t, cg.Config{}, memory.New(), mock.New())
	ctx := context.Background()

	subject := fundUser(t, e, "u1", 100)

	quote, err := e.CreateQuote(ctx, cg.QuoteInput{
		UserID: "u1",
		Files:  []cg.FileSpec{{ClientFileID: "f1", Name: "big.pdf", SizeBytes: 25 << 20}},
		Tier:   cg.TierStandard,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(14), quote.CreditsTotal) // 10 base + 2 size steps

	res, err := e.Extract(ctx, cg.ExtractRequest{
		UserID:         "u1",
		IdempotencyKey: "q1",
		QuoteID:        quote.ID,
		ClientFileID:   "f1",
		FileName:       "big.pdf",
		SizeBytes:      50 << 20, // larger than declared; the lock wins
	})
	require.NoError(t, err)
	assert.Equal(t, int64(14), res.Access.CreditsCharged)
	assert.Equal(t, quote.ID, res.QuoteID)

	bal, err := e.Balance(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, int64(86), bal.Credits)
}

// Test 12: Used, foreign, and unknown-file quotes all present as not-found.
func TestQuote_SingleUseAndOwnership(t *testing.T) {
	ctx := context.Background()

	t.Run("consumed quote is gone", func(t *testing.T) {
		e := newTestEngine(t, cg.Config{}, memory.New(), mock.New())
		fundUser(t, e, "u1", 100)

		quote, err := e.CreateQuote(ctx, cg.QuoteInput{
			UserID: "u1",
			Files:  []cg.FileSpec{{ClientFileID: "f1", Name: "a.pdf", SizeBytes: 1024}},
		})
		require.NoError(t, err)

		_, err = e.Extract(ctx, cg.ExtractRequest{
			UserID:         "u1",
			IdempotencyKey: "q1",
			QuoteID:        quote.ID,
			ClientFileID:   "f1",
			FileName:       "a.pdf",
		})
		require.NoError(t, err)

		_, err = e.GetQuote(ctx, quote.ID, "", "u1")
		assert.ErrorIs(t, err, cg.ErrQuoteNotFound)

		_, err = e.Extract(ctx, cg.ExtractRequest{
			UserID:         "u1",
			IdempotencyKey: "q2",
			QuoteID:        quote.ID,
			ClientFileID:   "f1",
			FileName:       "a.pdf",
		})
		assert.ErrorIs(t, err, cg.ErrQuoteNotFound)
	})

	t.Run("foreign owner", func(t *testing.T) {
		e := newTestEngine(t, cg.Config{}, memory.New(), mock.New())
		fundUser(t, e, "u2", 100)

		quote, err := e.CreateQuote(ctx, cg.QuoteInput{
			SessionID: "sess-a",
			Files:     []cg.FileSpec{{ClientFileID: "f1", Name: "a.pdf", SizeBytes: 1024}},
		})
		require.NoError(t, err)

		_, err = e.GetQuote(ctx, quote.ID, "sess-b", "")
		assert.ErrorIs(t, err, cg.ErrQuoteNotFound)

		_, err = e.Extract(ctx, cg.ExtractRequest{
			UserID:         "u2",
			IdempotencyKey: "q3",
			QuoteID:        quote.ID,
			ClientFileID:   "f1",
			FileName:       "a.pdf",
		})
		assert.ErrorIs(t, err, cg.ErrQuoteNotFound)
	})

	t.Run("unknown file id", func(t *testing.T) {
		e := newTestEngine(t, cg.Config{}, memory.New(), mock.New())
		fundUser(t, e, "u3", 100)

		quote, err := e.CreateQuote(ctx, cg.QuoteInput{
			UserID: "u3",
			Files:  []cg.FileSpec{{ClientFileID: "f1", Name: "a.pdf", SizeBytes: 1024}},
		})
		require.NoError(t, err)

		_, err = e.Extract(ctx, cg.ExtractRequest{
			UserID:         "u3",
			IdempotencyKey: "q4",
			QuoteID:        quote.ID,
			ClientFileID:   "nope",
			FileName:       "a.pdf",
		})
		assert.ErrorIs(t, err, cg.ErrQuoteNotFound)
	})
}

// Test 13: Expired quotes present as not-found, pushing callers to
// re-quote.
func TestQuote_Expiry(t *testing.T) {
	e := newTestEngine(t, cg.Config{QuoteTTL: 30 * time.Millisecond}, memory.New(), mock.New())
	ctx := context.Background()
	fundUser(t, e, "u1", 100)

	quote, err := e.CreateQuote(ctx, cg.QuoteInput{
		UserID: "u1",
		Files:  []cg.FileSpec{{ClientFileID: "f1", Name: "a.pdf", SizeBytes: 1024}},
	})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	_, err = e.GetQuote(ctx, quote.ID, "", "u1")
	assert.ErrorIs(t, err, cg.ErrQuoteNotFound)

	_, err = e.Extract(ctx, cg.ExtractRequest{
		UserID:         "u1",
		IdempotencyKey: "q1",
		QuoteID:        quote.ID,
		ClientFileID:   "f1",
		FileName:       "a.pdf",
	})
	assert.ErrorIs(t, err, cg.ErrQuoteNotFound)
}

// Test 14: The device allowance grants two uses, then escalates to a
// challenge for a well-behaved device.
func TestDeviceFree_TwoUsesThenChallenge(t *testing.T) {
	e := newTestEngine(t, cg.Config{}, memory.New(), mock.New())
	ctx := context.Background()

	res, err := e.Extract(ctx, cg.ExtractRequest{FileName: "a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, cg.AccessDeviceFree, res.Access.Mode)
	assert.Equal(t, 1, res.Access.DeviceUsesLeft)
	require.NotEmpty(t, res.DeviceToken)
	token := res.DeviceToken

	res, err = e.Extract(ctx, cg.ExtractRequest{DeviceToken: token, FileName: "b.pdf"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Access.DeviceUsesLeft)
	assert.Equal(t, token, res.DeviceToken, "verified token echoed back")

	_, err = e.Extract(ctx, cg.ExtractRequest{DeviceToken: token, FileName: "c.pdf"})
	assert.ErrorIs(t, err, cg.ErrChallengeRequired)
}

// Test 15: Risk thresholds turn an over-quota request into a review-flagged
// allow or a block.
func TestDeviceOverQuota_RiskEscalation(t *testing.T) {
	ctx := context.Background()

	exhaust := func(t *testing.T, e *cg.Engine) string {
		t.Helper()
		res, err := e.Extract(ctx, cg.ExtractRequest{FileName: "a.pdf"})
		require.NoError(t, err)
		token := res.DeviceToken
		_, err = e.Extract(ctx, cg.ExtractRequest{DeviceToken: token, FileName: "b.pdf"})
		require.NoError(t, err)
		return token
	}

	t.Run("review flagged allow", func(t *testing.T) {
		cfg := cg.Config{Risk: cg.RiskConfig{ReviewScore: 20, BlockScore: 80}}
		e := newTestEngine(t, cfg, memory.New(), mock.New())
		token := exhaust(t, e)

		res, err := e.Extract(ctx, cg.ExtractRequest{DeviceToken: token, FileName: "c.pdf"})
		require.NoError(t, err)
		assert.Equal(t, cg.AccessDeviceFree, res.Access.Mode)
		assert.True(t, res.Access.Flagged)
	})

	t.Run("block", func(t *testing.T) {
		cfg := cg.Config{Risk: cg.RiskConfig{ReviewScore: 20, BlockScore: 20}}
		e := newTestEngine(t, cfg, memory.New(), mock.New())
		token := exhaust(t, e)

		_, err := e.Extract(ctx, cg.ExtractRequest{DeviceToken: token, FileName: "c.pdf"})
		assert.ErrorIs(t, err, cg.ErrDeviceBlocked)
	})
}

// Test 16: The credit bypass works outside production and is ignored in it.
func TestBypassPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("active in test environment", func(t *testing.T) {
		cfg := cg.Config{Policy: cg.AccessPolicy{BypassCredits: true, Environment: cg.EnvTest}}
		e := newTestEngine(t, cfg, memory.New(), mock.New())

		// No funds, no idempotency key: the bypass skips the ledger.
		res, err := e.Extract(ctx, cg.ExtractRequest{UserID: "u1", FileName: "a.pdf"})
		require.NoError(t, err)
		assert.Equal(t, cg.AccessPaid, res.Access.Mode)
		assert.True(t, res.Access.Bypassed)
		assert.Equal(t, int64(0), res.Access.CreditsCharged)
	})

	t.Run("never in production", func(t *testing.T) {
		cfg := cg.Config{Policy: cg.AccessPolicy{BypassCredits: true, Environment: cg.EnvProduction}}
		e := newTestEngine(t, cfg, memory.New(), mock.New())

		_, err := e.Extract(ctx, cg.ExtractRequest{
			UserID:         "u1",
			IdempotencyKey: "k1",
			FileName:       "a.pdf",
		})
		assert.ErrorIs(t, err, cg.ErrInsufficientCredits)
	})
}

// Test 17: Anonymous requests get a generated request id.
func TestExtract_GeneratedRequestID(t *testing.T) {
	e := newTestEngine(t, cg.Config{}, memory.New(), mock.New())

	res, err := e.Extract(context.Background(), cg.ExtractRequest{FileName: "a.pdf"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RequestID)
}

// Test: GrantCredits rejects non-positive amounts.
func TestGrantCredits_InvalidAmount(t *testing.T) {
	e := newTestEngine(t, cg.Config{}, memory.New(), mock.New())
	ctx := context.Background()

	_, err := e.GrantCredits(ctx, "extract:user:u1", 0, "nope")
	assert.ErrorIs(t, err, cg.ErrInvalidAmount)

	_, err = e.GrantCredits(ctx, "extract:user:u1", -5, "nope")
	assert.ErrorIs(t, err, cg.ErrInvalidAmount)
}

// Test: NormalizeEmail
func TestNormalizeEmail(t *testing.T) {
	cases := map[string]string{
		" Reader+news@EXAMPLE.com": "reader@example.com",
		"a+b+c@d.e":                "a@d.e",
		"plain@example.com":        "plain@example.com",
		"+lead@example.com":        "+lead@example.com",
		"noat":                     "",
		"@example.com":             "",
		"user@":                    "",
		"":                         "",
	}
	for in, want := range cases {
		assert.Equal(t, want, cg.NormalizeEmail(in), "input %q", in)
	}
}

// Test: Pricing arithmetic
func TestPricing_EstimateCredits(t *testing.T) {
	p := cg.Pricing{
		BasePerFile:    10,
		OCRSurcharge:   5,
		SizeStepBytes:  10 << 20,
		PerSizeStep:    2,
		TierMultiplier: map[cg.Tier]int64{cg.TierStandard: 1, cg.TierDeep: 2},
	}

	assert.Equal(t, int64(10), p.EstimateCredits(0, cg.TierStandard, cg.OpFlags{}))
	assert.Equal(t, int64(15), p.EstimateCredits(4<<20, cg.TierStandard, cg.OpFlags{OCR: true}))
	// Exactly one step boundary: 10 MiB is still the first step.
	assert.Equal(t, int64(10), p.EstimateCredits(10<<20, cg.TierStandard, cg.OpFlags{}))
	assert.Equal(t, int64(12), p.EstimateCredits(10<<20+1, cg.TierStandard, cg.OpFlags{}))
	assert.Equal(t, int64(14), p.EstimateCredits(25<<20, cg.TierStandard, cg.OpFlags{}))
	// Multiplier applies after surcharges.
	assert.Equal(t, int64(38), p.EstimateCredits(25<<20, cg.TierDeep, cg.OpFlags{OCR: true}))
}

func TestPricing_PriceFiles(t *testing.T) {
	p := cg.Pricing{BasePerFile: 10, OCRSurcharge: 5}
	files, total := p.PriceFiles([]cg.FileSpec{
		{ClientFileID: "f1", Name: "a.pdf", SizeBytes: 100},
		{ClientFileID: "f2", Name: "b.pdf", SizeBytes: 200},
	}, cg.TierStandard, cg.OpFlags{OCR: true})

	require.Len(t, files, 2)
	assert.Equal(t, "f1", files[0].ClientFileID)
	assert.Equal(t, int64(15), files[0].Credits)
	assert.Equal(t, int64(15), files[1].Credits)
	assert.Equal(t, int64(30), total)
}

// Test: Config validation
func TestConfig_Validate(t *testing.T) {
	t.Run("zero config is valid", func(t *testing.T) {
		assert.NoError(t, cg.Config{}.Validate())
	})

	t.Run("negative trial limit", func(t *testing.T) {
		err := cg.Config{TrialLimit: -1}.Validate()
		assert.ErrorContains(t, err, "trial_limit")
	})

	t.Run("negative duration", func(t *testing.T) {
		err := cg.Config{HoldTTL: -time.Second}.Validate()
		assert.ErrorContains(t, err, "hold_ttl")
	})

	t.Run("invalid environment", func(t *testing.T) {
		err := cg.Config{Policy: cg.AccessPolicy{Environment: "qa"}}.Validate()
		assert.ErrorContains(t, err, "environment")
	})

	t.Run("review above block", func(t *testing.T) {
		err := cg.Config{Risk: cg.RiskConfig{BlockScore: 50, ReviewScore: 60}}.Validate()
		assert.ErrorContains(t, err, "review_score")
	})

	t.Run("tier multiplier below one", func(t *testing.T) {
		err := cg.Config{Pricing: cg.Pricing{TierMultiplier: map[cg.Tier]int64{cg.TierDeep: 0}}}.Validate()
		assert.ErrorContains(t, err, "tier_multiplier")
	})

	t.Run("unknown backend", func(t *testing.T) {
		err := cg.Config{Storage: cg.StorageConfig{Backend: "etcd"}}.Validate()
		assert.ErrorContains(t, err, "backend")
	})

	t.Run("postgres requires dsn", func(t *testing.T) {
		err := cg.Config{Storage: cg.StorageConfig{Backend: "postgres"}}.Validate()
		assert.ErrorContains(t, err, "dsn")
	})

	t.Run("redis requires addr", func(t *testing.T) {
		err := cg.Config{Storage: cg.StorageConfig{Backend: "redis"}}.Validate()
		assert.ErrorContains(t, err, "addr")
	})
}

// Test: LoadConfig expands environment variables and parses durations.
func TestLoadConfig(t *testing.T) {
	t.Setenv("CREDITGATE_TEST_SECRET", "sekrit")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
product: extract
trial_limit: 3
hold_ttl: 1m
quote_ttl: 30s
token_secret: ${CREDITGATE_TEST_SECRET}
pricing:
  base_per_file: 7
storage:
  backend: sqlite
  dsn: /tmp/creditgate.db
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := cg.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "extract", cfg.Product)
	assert.Equal(t, 3, cfg.TrialLimit)
	assert.Equal(t, time.Minute, cfg.HoldTTL)
	assert.Equal(t, 30*time.Second, cfg.QuoteTTL)
	assert.Equal(t, "sekrit", cfg.TokenSecret)
	assert.Equal(t, int64(7), cfg.Pricing.BasePerFile)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)

	_, err = cg.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// Test: Risk scorer thresholds with default config.
func TestRiskScorer(t *testing.T) {
	s := cg.NewRiskScorer(cg.RiskConfig{})

	score, dec := s.Score(cg.RiskSignals{TokenValid: true, SessionAge: time.Hour})
	assert.Equal(t, 0, score)
	assert.Equal(t, cg.RiskChallenge, dec)

	score, dec = s.Score(cg.RiskSignals{TokenValid: false, SessionAge: time.Second})
	assert.Equal(t, 65, score)
	assert.Equal(t, cg.RiskReview, dec)

	score, dec = s.Score(cg.RiskSignals{
		TokenValid:    false,
		SessionAge:    time.Second,
		PriorAttempts: 5,
		IPDevices:     10,
	})
	assert.Equal(t, 105, score)
	assert.Equal(t, cg.RiskBlock, dec)

	assert.Equal(t, "challenge", cg.RiskChallenge.String())
	assert.Equal(t, "review", cg.RiskReview.String())
	assert.Equal(t, "block", cg.RiskBlock.String())
	assert.Equal(t, "none", cg.RiskNone.String())
}

// Test: The bypass is fail-closed.
func TestAccessPolicy_Active(t *testing.T) {
	assert.False(t, cg.AccessPolicy{BypassCredits: true, Environment: cg.EnvProduction}.Active())
	assert.False(t, cg.AccessPolicy{BypassCredits: true}.Active())
	assert.False(t, cg.AccessPolicy{Environment: cg.EnvTest}.Active())
	assert.True(t, cg.AccessPolicy{BypassCredits: true, Environment: cg.EnvTest}.Active())
	assert.True(t, cg.AccessPolicy{BypassCredits: true, Environment: cg.EnvDevelopment}.Active())
}

// Test: Error helpers
func TestErrorHelpers(t *testing.T) {
	assert.True(t, cg.IsClientError(cg.ErrMissingIdempotencyKey))
	assert.True(t, cg.IsClientError(cg.ErrQuoteNotFound))
	assert.False(t, cg.IsClientError(cg.ErrWorkerFailed))

	assert.True(t, cg.IsRetryable(cg.ErrWorkerFailed))
	assert.True(t, cg.IsRetryable(cg.ErrCommitFailed))
	assert.True(t, cg.IsRetryable(cg.ErrLedgerUnavailable))
	assert.False(t, cg.IsRetryable(cg.ErrQuoteNotFound))

	assert.True(t, cg.IsNotFound(cg.ErrHoldNotFound))
	assert.True(t, cg.IsNotFound(cg.ErrBalanceNotFound))
	assert.False(t, cg.IsNotFound(cg.ErrInsufficientCredits))

	err := &cg.ChargeError{Err: cg.ErrInsufficientCredits, RequestID: "r1", Amount: 5}
	assert.ErrorIs(t, err, cg.ErrInsufficientCredits)
	assert.Contains(t, err.Error(), "r1")
}

// Test: Subject keys
func TestSubjectKeys(t *testing.T) {
	assert.Equal(t, "extract:user:u1", cg.SubjectKey("extract", "user", "u1"))

	e := newTestEngine(t, cg.Config{Product: "extract"}, memory.New(), mock.New())
	assert.Equal(t, "extract:user:u1", e.SubjectKeyFor("u1", "sess-1"))
	assert.Equal(t, "extract:session:sess-1", e.SubjectKeyFor("", "sess-1"))
}
