package creditgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenIssuer signs and verifies anonymous device tokens.
type TokenIssuer interface {
	// Issue signs a token embedding the device id.
	Issue(deviceID string) (string, error)

	// Verify checks signature and expiry, returning the embedded device id
	// and the issue time.
	Verify(token string) (deviceID string, issuedAt time.Time, err error)
}

// Engine orchestrates metered extractions: it resolves the access mode,
// reserves credits for paid requests, invokes the worker, and finalizes the
// charge based on the worker's outcome.
type Engine struct {
	cfg    Config
	store  Store
	worker Worker

	holds  *HoldManager
	quotes *QuoteManager
	trial  *TrialTracker
	device *DeviceQuota
	meter  Meter
	tokens TokenIssuer
	scorer *RiskScorer
}

// Option configures an Engine.
type Option func(*Engine)

// WithMeter sets the event observer.
func WithMeter(m Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithTokenIssuer sets the device token issuer.
func WithTokenIssuer(t TokenIssuer) Option {
	return func(e *Engine) { e.tokens = t }
}

// WithRiskScorer overrides the scorer built from cfg.Risk.
func WithRiskScorer(s *RiskScorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// New creates an Engine over the given store and worker. A token issuer is
// required (see WithTokenIssuer); the meter and risk scorer default to a
// no-op meter and a scorer built from cfg.Risk.
func New(cfg Config, store Store, worker Worker, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("creditgate: a store is required")
	}
	if worker == nil {
		return nil, fmt.Errorf("creditgate: a worker is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	e := &Engine{cfg: cfg, store: store, worker: worker}

	for _, opt := range opts {
		opt(e)
	}

	// Apply defaults after options.
	if e.meter == nil {
		e.meter = noopMeter{}
	}
	if e.scorer == nil {
		e.scorer = NewRiskScorer(cfg.Risk)
	}
	if e.tokens == nil {
		return nil, ErrTokenIssuerRequired
	}

	e.holds = NewHoldManager(store, cfg.HoldTTL, e.meter)
	e.quotes = NewQuoteManager(store, cfg.Pricing, cfg.QuoteTTL, e.meter)
	e.trial = NewTrialTracker(store, cfg.TrialLimit)
	e.device = NewDeviceQuota(store, cfg.DeviceFreeLimit, e.scorer, NewAttemptTracker(cfg.Risk.AttemptWindow))

	return e, nil
}

// Holds exposes the hold manager for manual recovery operations.
func (e *Engine) Holds() *HoldManager { return e.holds }

// Quotes exposes the quote manager.
func (e *Engine) Quotes() *QuoteManager { return e.quotes }

// NewSweeper returns a sweeper bound to this engine's hold and quote
// managers, using the configured interval.
func (e *Engine) NewSweeper() *Sweeper {
	return NewSweeper(e.holds, e.quotes, e.cfg.SweepInterval, e.meter)
}

// Extract runs one metered extraction end to end. On success the charge is
// finalized before the result is returned; on any failure after a
// reservation the hold has been released and the balance restored. The
// caller never receives a document without a finalized charge.
func (e *Engine) Extract(ctx context.Context, req ExtractRequest) (*ExtractResult, error) {
	requestID := req.IdempotencyKey
	if requestID == "" {
		requestID = uuid.New().String()
	}

	dev, err := e.resolveDevice(req.DeviceToken)
	if err != nil {
		return nil, err
	}

	tier := req.Tier
	if tier == "" {
		tier = TierStandard
	}

	// Price the request, honoring a locked quote when one is referenced.
	var quote *Quote
	required := e.cfg.Pricing.EstimateCredits(req.SizeBytes, tier, req.Ops)
	if req.QuoteID != "" {
		q, err := e.quotes.Get(ctx, req.QuoteID)
		if err != nil {
			return nil, err
		}
		if !quoteOwnedBy(q, req.SessionID, req.UserID) {
			return nil, ErrQuoteNotFound
		}
		credits, ok := q.FileCredits(req.ClientFileID)
		if !ok {
			return nil, ErrQuoteNotFound
		}
		required = credits
		quote = &q
	}

	grant, err := e.resolveAccess(ctx, req, dev, required)
	e.meter.OnAccess(AccessEvent{
		RequestID:  requestID,
		Mode:       grant.mode,
		SubjectKey: grant.subjectKey,
		Email:      NormalizeEmail(req.Email),
		DeviceID:   dev.id,
		Granted:    err == nil,
		Bypassed:   grant.bypassed,
		Flagged:    grant.flagged,
		RiskScore:  grant.riskScore,
		Err:        err,
	})
	if err != nil {
		return nil, err
	}

	paid := grant.mode == AccessPaid && !grant.bypassed

	var charged int64
	if paid {
		_, err := e.holds.Reserve(ctx, ReserveRequest{
			BalanceID: grant.balanceID,
			RequestID: requestID,
			Amount:    required,
			Reason:    reserveReason(req),
			QuoteID:   req.QuoteID,
		})
		if err != nil {
			if !errors.Is(err, ErrAlreadyProcessed) && !errors.Is(err, ErrInsufficientCredits) {
				// Fail closed on ledger doubt.
				err = fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
			}
			return nil, &ChargeError{
				Err:       err,
				RequestID: requestID,
				BalanceID: grant.balanceID,
				Amount:    required,
				Mode:      AccessPaid,
			}
		}
		charged = required
	}

	// The worker may block for seconds. No ledger lock is held here: the
	// balance was already debited, so a hung worker cannot starve others.
	// For paid requests the run and its finalization survive a caller
	// disconnect; commit or release always follows the worker's outcome.
	runCtx := ctx
	if paid {
		runCtx = context.WithoutCancel(ctx)
	}
	wctx, cancel := context.WithTimeout(runCtx, e.cfg.WorkerTimeout)
	doc, workerErr := e.worker.Extract(wctx, Job{
		Path: req.FilePath,
		Name: req.FileName,
		Tier: tier,
		Ops:  req.Ops,
	})
	cancel()

	if workerErr != nil {
		if paid {
			// Timeout and crash are the same: refund and surface a
			// retryable failure.
			_, _, _ = e.holds.Release(context.WithoutCancel(ctx), grant.balanceID, requestID)
			return nil, &ChargeError{
				Err:       fmt.Errorf("%w: %v", ErrWorkerFailed, workerErr),
				RequestID: requestID,
				BalanceID: grant.balanceID,
				Amount:    required,
				Mode:      grant.mode,
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrWorkerFailed, workerErr)
	}

	if paid {
		fctx := context.WithoutCancel(ctx)
		if _, err := e.holds.Commit(fctx, grant.balanceID, requestID, "delivered"); err != nil {
			// The charge could not be finalized: refund and discard the
			// result rather than deliver unbilled output.
			_, _, _ = e.holds.Release(fctx, grant.balanceID, requestID)
			return nil, &ChargeError{
				Err:       fmt.Errorf("%w: %v", ErrCommitFailed, err),
				RequestID: requestID,
				BalanceID: grant.balanceID,
				Amount:    required,
				Mode:      grant.mode,
			}
		}
	}

	result := &ExtractResult{
		RequestID: requestID,
		Access: AccessInfo{
			Mode:            grant.mode,
			CreditsCharged:  charged,
			CreditsRequired: required,
			TrialUsesLeft:   grant.trialLeft,
			DeviceUsesLeft:  grant.deviceLeft,
			Bypassed:        grant.bypassed,
			Flagged:         grant.flagged,
		},
		Document:    doc,
		DeviceToken: dev.token,
	}

	// The quote is consumed only now that the response is fully prepared.
	// A failure here leaves the quote active until expiry, which is a
	// bounded pricing risk, not a billing error; the paid-for document is
	// not discarded.
	if quote != nil {
		result.QuoteID = quote.ID
		_ = e.quotes.MarkUsed(context.WithoutCancel(ctx), quote.ID)
	}

	return result, nil
}

// GrantCredits adds credits to a subject's balance, creating the balance on
// first grant. This is the entry point for checkout and promotional flows,
// which live outside this package.
func (e *Engine) GrantCredits(ctx context.Context, subjectKey string, amount int64, reason string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	bal, err := e.store.GetOrCreateBalance(ctx, subjectKey)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	txn, err := e.store.Grant(ctx, bal.ID, amount, reason)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return txn, nil
}

// Balance returns the subject's balance, creating it on first access.
func (e *Engine) Balance(ctx context.Context, subjectKey string) (Balance, error) {
	return e.store.GetOrCreateBalance(ctx, subjectKey)
}

// Transactions returns the subject's newest ledger rows, newest first.
func (e *Engine) Transactions(ctx context.Context, subjectKey string, limit int) ([]Transaction, error) {
	bal, err := e.store.GetOrCreateBalance(ctx, subjectKey)
	if err != nil {
		return nil, err
	}
	return e.store.Transactions(ctx, bal.ID, limit)
}

// CreateQuote prices the declared files and locks the result.
func (e *Engine) CreateQuote(ctx context.Context, in QuoteInput) (Quote, error) {
	return e.quotes.Create(ctx, in)
}

// GetQuote returns an active quote if it belongs to the given session or
// user. Expired, used, and foreign quotes all present as not-found.
func (e *Engine) GetQuote(ctx context.Context, id, sessionID, userID string) (Quote, error) {
	q, err := e.quotes.Get(ctx, id)
	if err != nil {
		return Quote{}, err
	}
	if !quoteOwnedBy(q, sessionID, userID) {
		return Quote{}, ErrQuoteNotFound
	}
	return q, nil
}

// IssueDeviceToken mints a fresh anonymous device identity and its signed
// token.
func (e *Engine) IssueDeviceToken() (deviceID, token string, err error) {
	deviceID = uuid.New().String()
	token, err = e.tokens.Issue(deviceID)
	if err != nil {
		return "", "", fmt.Errorf("creditgate: issue device token: %w", err)
	}
	return deviceID, token, nil
}

// SubjectKeyFor returns the ledger key the engine uses for a request
// identity, product-namespaced.
func (e *Engine) SubjectKeyFor(userID, sessionID string) string {
	if userID != "" {
		return SubjectKey(e.cfg.Product, "user", userID)
	}
	return SubjectKey(e.cfg.Product, "session", sessionID)
}

// accessGrant is the outcome of access resolution.
type accessGrant struct {
	mode       AccessMode
	subjectKey string
	balanceID  string
	bypassed   bool
	flagged    bool
	riskScore  int
	trialLeft  int
	deviceLeft int
}

// resolveAccess applies the fixed precedence: trial for the declared email,
// then paid for identified callers with a funded balance, then the
// anonymous device allowance, then rejection.
func (e *Engine) resolveAccess(ctx context.Context, req ExtractRequest, dev deviceIdentity, required int64) (accessGrant, error) {
	// Explicit non-production bypass skips the ledger entirely.
	if e.cfg.Policy.Active() {
		return accessGrant{mode: AccessPaid, bypassed: true}, nil
	}

	if req.Email != "" {
		ok, _, err := e.trial.Available(ctx, req.Email)
		if err != nil {
			return accessGrant{}, fmt.Errorf("creditgate: trial lookup: %w", err)
		}
		if ok {
			rec, err := e.trial.Record(ctx, req.Email)
			if err != nil {
				return accessGrant{}, fmt.Errorf("creditgate: trial record: %w", err)
			}
			left := e.trial.Limit() - rec.Uses
			if left < 0 {
				left = 0
			}
			return accessGrant{mode: AccessTrial, trialLeft: left}, nil
		}
	}

	// Identified callers settle against their balance: sufficient funds
	// mean paid, anything else is a rejection, never a silent downgrade to
	// the anonymous allowance.
	if req.UserID != "" || req.SessionID != "" {
		key := e.SubjectKeyFor(req.UserID, req.SessionID)
		bal, err := e.store.GetOrCreateBalance(ctx, key)
		if err != nil {
			// Fail closed: a paid request rejects rather than runs free
			// when the ledger cannot be reached.
			return accessGrant{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}
		if bal.Credits >= required {
			if req.IdempotencyKey == "" {
				return accessGrant{mode: AccessPaid, subjectKey: key}, ErrMissingIdempotencyKey
			}
			return accessGrant{mode: AccessPaid, subjectKey: key, balanceID: bal.ID}, nil
		}
		return accessGrant{mode: AccessPaid, subjectKey: key}, &ChargeError{
			Err:       ErrInsufficientCredits,
			BalanceID: bal.ID,
			Amount:    required,
			Mode:      AccessPaid,
		}
	}

	// Anonymous device allowance.
	dec, err := e.device.Check(ctx, DeviceCheck{
		DeviceID:   dev.id,
		IP:         req.ClientIP,
		TokenValid: dev.valid,
		SessionAge: dev.age,
	})
	if err != nil {
		return accessGrant{}, fmt.Errorf("creditgate: device quota: %w", err)
	}
	if dec.Allowed {
		usage, err := e.device.Record(ctx, dev.id, req.ClientIP)
		if err != nil {
			return accessGrant{}, fmt.Errorf("creditgate: device quota: %w", err)
		}
		left := e.device.Limit() - usage.FreeUsed
		if left < 0 {
			left = 0
		}
		return accessGrant{
			mode:       AccessDeviceFree,
			flagged:    dec.Flagged,
			riskScore:  dec.Score,
			deviceLeft: left,
		}, nil
	}

	if dec.Decision == RiskBlock {
		return accessGrant{riskScore: dec.Score}, ErrDeviceBlocked
	}
	return accessGrant{riskScore: dec.Score}, ErrChallengeRequired
}

// deviceIdentity is the per-request anonymous identity.
type deviceIdentity struct {
	id    string
	token string
	valid bool
	age   time.Duration
}

// resolveDevice verifies the inbound token or mints a fresh identity. An
// unverifiable token is not an error; it counts against risk scoring via
// valid=false.
func (e *Engine) resolveDevice(token string) (deviceIdentity, error) {
	if token != "" {
		if id, issuedAt, err := e.tokens.Verify(token); err == nil {
			return deviceIdentity{id: id, token: token, valid: true, age: time.Since(issuedAt)}, nil
		}
	}
	id := uuid.New().String()
	fresh, err := e.tokens.Issue(id)
	if err != nil {
		return deviceIdentity{}, fmt.Errorf("creditgate: issue device token: %w", err)
	}
	return deviceIdentity{id: id, token: fresh}, nil
}

func quoteOwnedBy(q Quote, sessionID, userID string) bool {
	if q.UserID != "" {
		return userID == q.UserID
	}
	if q.SessionID != "" {
		return sessionID == q.SessionID
	}
	return true
}

func reserveReason(req ExtractRequest) string {
	name := req.FileName
	if name == "" {
		name = req.FilePath
	}
	if name == "" {
		return "extraction"
	}
	return "extraction " + name
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnAccess(AccessEvent) {}
func (noopMeter) OnCharge(ChargeEvent) {}
func (noopMeter) OnQuote(QuoteEvent)   {}
func (noopMeter) OnSweep(SweepEvent)   {}
