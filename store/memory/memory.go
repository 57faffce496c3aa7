// Package memory provides an in-memory Store for tests, examples, and
// single-process deployments. State is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meterline/creditgate"
)

// Store is an in-memory creditgate.Store. All composite operations run
// under one lock, so the atomicity guarantees hold trivially.
type Store struct {
	mu       sync.RWMutex
	closed   bool
	balances map[string]*creditgate.Balance          // balance id -> balance
	subjects map[string]string                       // subject key -> balance id
	holds    map[string]map[string]*creditgate.Hold  // balance id -> request id -> hold
	txns     map[string][]creditgate.Transaction     // balance id -> oldest first
	quotes   map[string]*creditgate.Quote            // quote id -> quote
	trials   map[string]*creditgate.TrialRecord      // normalized email -> record
	devices  map[string]*creditgate.DeviceUsage      // device id -> usage
}

var _ creditgate.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		balances: make(map[string]*creditgate.Balance),
		subjects: make(map[string]string),
		holds:    make(map[string]map[string]*creditgate.Hold),
		txns:     make(map[string][]creditgate.Transaction),
		quotes:   make(map[string]*creditgate.Quote),
		trials:   make(map[string]*creditgate.TrialRecord),
		devices:  make(map[string]*creditgate.DeviceUsage),
	}
}

// GetOrCreateBalance returns the balance for a subject key, creating a
// zero-credit balance on first access.
func (s *Store) GetOrCreateBalance(_ context.Context, subjectKey string) (creditgate.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return creditgate.Balance{}, creditgate.ErrStoreClosed
	}
	if subjectKey == "" {
		return creditgate.Balance{}, fmt.Errorf("creditgate/memory: empty subject key")
	}

	if id, ok := s.subjects[subjectKey]; ok {
		return *s.balances[id], nil
	}

	b := &creditgate.Balance{
		ID:         uuid.New().String(),
		SubjectKey: subjectKey,
		UpdatedAt:  time.Now().UTC(),
	}
	s.balances[b.ID] = b
	s.subjects[subjectKey] = b.ID
	return *b, nil
}

// Grant adds credits to a balance and appends a grant transaction.
func (s *Store) Grant(_ context.Context, balanceID string, amount int64, reason string) (creditgate.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return creditgate.Transaction{}, creditgate.ErrStoreClosed
	}
	if amount <= 0 {
		return creditgate.Transaction{}, creditgate.ErrInvalidAmount
	}

	b, ok := s.balances[balanceID]
	if !ok {
		return creditgate.Transaction{}, creditgate.ErrBalanceNotFound
	}

	now := time.Now().UTC()
	b.Credits += amount
	b.UpdatedAt = now

	txn := creditgate.Transaction{
		ID:        uuid.New().String(),
		BalanceID: balanceID,
		Delta:     amount,
		Kind:      creditgate.TxnGrant,
		Reason:    reason,
		CreatedAt: now,
	}
	s.txns[balanceID] = append(s.txns[balanceID], txn)
	return txn, nil
}

// ReserveHold debits the balance and creates a RESERVED hold, or returns
// the outcome already recorded for the request id.
func (s *Store) ReserveHold(_ context.Context, args creditgate.ReserveArgs) (creditgate.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return creditgate.Hold{}, creditgate.ErrStoreClosed
	}

	b, ok := s.balances[args.BalanceID]
	if !ok {
		return creditgate.Hold{}, creditgate.ErrBalanceNotFound
	}

	if prior, ok := s.holds[args.BalanceID][args.RequestID]; ok {
		if prior.State == creditgate.HoldCommitted {
			return *prior, creditgate.ErrAlreadyProcessed
		}
		return *prior, nil
	}

	if b.Credits < args.Amount {
		return creditgate.Hold{}, creditgate.ErrInsufficientCredits
	}

	now := time.Now().UTC()
	b.Credits -= args.Amount
	b.UpdatedAt = now

	s.txns[args.BalanceID] = append(s.txns[args.BalanceID], creditgate.Transaction{
		ID:        uuid.New().String(),
		BalanceID: args.BalanceID,
		Delta:     -args.Amount,
		Kind:      creditgate.TxnReserve,
		Reason:    args.Reason,
		RequestID: args.RequestID,
		CreatedAt: now,
	})

	h := &creditgate.Hold{
		ID:        uuid.New().String(),
		BalanceID: args.BalanceID,
		RequestID: args.RequestID,
		Amount:    args.Amount,
		State:     creditgate.HoldReserved,
		Reason:    args.Reason,
		QuoteID:   args.QuoteID,
		CreatedAt: now,
		ExpiresAt: now.Add(args.TTL),
	}
	if s.holds[args.BalanceID] == nil {
		s.holds[args.BalanceID] = make(map[string]*creditgate.Hold)
	}
	s.holds[args.BalanceID][args.RequestID] = h
	return *h, nil
}

// CommitHold transitions RESERVED to COMMITTED and records a zero-delta
// commit transaction. Committing twice is a no-op success.
func (s *Store) CommitHold(_ context.Context, balanceID, requestID, detail string) (creditgate.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return creditgate.Hold{}, creditgate.ErrStoreClosed
	}

	h, ok := s.holds[balanceID][requestID]
	if !ok {
		return creditgate.Hold{}, creditgate.ErrHoldNotFound
	}

	switch h.State {
	case creditgate.HoldCommitted:
		return *h, nil
	case creditgate.HoldReleased:
		return *h, fmt.Errorf("creditgate/memory: hold for request %s already released", requestID)
	}

	h.State = creditgate.HoldCommitted
	s.txns[balanceID] = append(s.txns[balanceID], creditgate.Transaction{
		ID:        uuid.New().String(),
		BalanceID: balanceID,
		Delta:     0,
		Kind:      creditgate.TxnCommit,
		Reason:    detail,
		RequestID: requestID,
		CreatedAt: time.Now().UTC(),
	})
	return *h, nil
}

// ReleaseHold refunds a RESERVED hold. The bool reports whether this call
// performed the release; terminal holds are a no-op.
func (s *Store) ReleaseHold(_ context.Context, balanceID, requestID string) (creditgate.Hold, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return creditgate.Hold{}, false, creditgate.ErrStoreClosed
	}

	h, ok := s.holds[balanceID][requestID]
	if !ok {
		return creditgate.Hold{}, false, creditgate.ErrHoldNotFound
	}
	if h.State != creditgate.HoldReserved {
		return *h, false, nil
	}

	b, ok := s.balances[balanceID]
	if !ok {
		return creditgate.Hold{}, false, creditgate.ErrBalanceNotFound
	}

	now := time.Now().UTC()
	h.State = creditgate.HoldReleased
	b.Credits += h.Amount
	b.UpdatedAt = now

	s.txns[balanceID] = append(s.txns[balanceID], creditgate.Transaction{
		ID:        uuid.New().String(),
		BalanceID: balanceID,
		Delta:     h.Amount,
		Kind:      creditgate.TxnRelease,
		Reason:    h.Reason,
		RequestID: requestID,
		CreatedAt: now,
	})
	return *h, true, nil
}

func (s *Store) GetHold(_ context.Context, balanceID, requestID string) (creditgate.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return creditgate.Hold{}, creditgate.ErrStoreClosed
	}
	h, ok := s.holds[balanceID][requestID]
	if !ok {
		return creditgate.Hold{}, creditgate.ErrHoldNotFound
	}
	return *h, nil
}

// ExpiredHolds returns RESERVED holds past expiry, oldest expiry first.
func (s *Store) ExpiredHolds(_ context.Context, limit int) ([]creditgate.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, creditgate.ErrStoreClosed
	}

	now := time.Now().UTC()
	var out []creditgate.Hold
	for _, byRequest := range s.holds {
		for _, h := range byRequest {
			if h.State == creditgate.HoldReserved && now.After(h.ExpiresAt) {
				out = append(out, *h)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PutQuote(_ context.Context, q creditgate.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return creditgate.ErrStoreClosed
	}
	if q.ID == "" {
		return fmt.Errorf("creditgate/memory: quote id is empty")
	}

	cp := q
	cp.Files = append([]creditgate.QuoteFile(nil), q.Files...)
	s.quotes[q.ID] = &cp
	return nil
}

// GetQuote returns an active, unexpired quote. Missing, used, and expired
// quotes are indistinguishable to the caller.
func (s *Store) GetQuote(_ context.Context, id string) (creditgate.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return creditgate.Quote{}, creditgate.ErrStoreClosed
	}

	q, ok := s.quotes[id]
	if !ok || q.Status != creditgate.QuoteActive || time.Now().UTC().After(q.ExpiresAt) {
		return creditgate.Quote{}, creditgate.ErrQuoteNotFound
	}

	cp := *q
	cp.Files = append([]creditgate.QuoteFile(nil), q.Files...)
	return cp, nil
}

// MarkQuoteUsed performs the one-way active to used transition.
func (s *Store) MarkQuoteUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return creditgate.ErrStoreClosed
	}

	q, ok := s.quotes[id]
	if !ok || q.Status != creditgate.QuoteActive || time.Now().UTC().After(q.ExpiresAt) {
		return creditgate.ErrQuoteNotFound
	}

	q.Status = creditgate.QuoteUsed
	q.UsedAt = time.Now().UTC()
	return nil
}

func (s *Store) DeleteExpiredQuotes(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, creditgate.ErrStoreClosed
	}

	now := time.Now().UTC()
	removed := 0
	for id, q := range s.quotes {
		if now.After(q.ExpiresAt) {
			delete(s.quotes, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) TrialUses(_ context.Context, email string) (creditgate.TrialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return creditgate.TrialRecord{}, creditgate.ErrStoreClosed
	}
	if r, ok := s.trials[email]; ok {
		return *r, nil
	}
	return creditgate.TrialRecord{Email: email}, nil
}

func (s *Store) RecordTrialUse(_ context.Context, email string) (creditgate.TrialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return creditgate.TrialRecord{}, creditgate.ErrStoreClosed
	}

	r, ok := s.trials[email]
	if !ok {
		r = &creditgate.TrialRecord{Email: email}
		s.trials[email] = r
	}
	r.Uses++
	r.LastUsedAt = time.Now().UTC()
	return *r, nil
}

func (s *Store) DeviceUsage(_ context.Context, deviceID string) (creditgate.DeviceUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return creditgate.DeviceUsage{}, creditgate.ErrStoreClosed
	}
	if d, ok := s.devices[deviceID]; ok {
		return *d, nil
	}
	return creditgate.DeviceUsage{DeviceID: deviceID}, nil
}

func (s *Store) IncrementDeviceUsage(_ context.Context, deviceID, ip string) (creditgate.DeviceUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return creditgate.DeviceUsage{}, creditgate.ErrStoreClosed
	}

	now := time.Now().UTC()
	d, ok := s.devices[deviceID]
	if !ok {
		d = &creditgate.DeviceUsage{DeviceID: deviceID, FirstUsedAt: now}
		s.devices[deviceID] = d
	}
	d.FreeUsed++
	d.LastIP = ip
	d.LastUsedAt = now
	return *d, nil
}

// Transactions returns the newest transactions first.
func (s *Store) Transactions(_ context.Context, balanceID string, limit int) ([]creditgate.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, creditgate.ErrStoreClosed
	}

	all := s.txns[balanceID]
	out := make([]creditgate.Transaction, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return creditgate.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
