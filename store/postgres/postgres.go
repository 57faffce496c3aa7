// Package postgres provides a PostgreSQL-backed Store for creditgate.
//
// Balances, holds, transactions, quotes, and the free-usage counters live in
// PostgreSQL tables, with the reserve/commit/release composites running in
// transactions. This makes it safe for multi-instance deployments and
// provides durability across restarts.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meterline/creditgate"
)

// Store is a PostgreSQL-backed creditgate.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ creditgate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "creditgate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) balancesTable() string { return s.tablePrefix + "balances" }
func (s *Store) holdsTable() string    { return s.tablePrefix + "holds" }
func (s *Store) txnsTable() string     { return s.tablePrefix + "transactions" }
func (s *Store) quotesTable() string   { return s.tablePrefix + "quotes" }
func (s *Store) trialsTable() string   { return s.tablePrefix + "trials" }
func (s *Store) devicesTable() string  { return s.tablePrefix + "devices" }

// EnsureSchema creates the required tables and indexes if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			subject_key TEXT NOT NULL UNIQUE,
			credits BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %s (
			balance_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			quote_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (balance_id, request_id)
		);
		CREATE INDEX IF NOT EXISTS %sholds_expiry ON %s (state, expires_at);
		CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			balance_id TEXT NOT NULL,
			delta BIGINT NOT NULL,
			kind TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %stxns_balance ON %s (balance_id, seq DESC);
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			files JSONB NOT NULL,
			tier TEXT NOT NULL,
			ops JSONB NOT NULL,
			credits_total BIGINT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			used_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS %squotes_expiry ON %s (expires_at);
		CREATE TABLE IF NOT EXISTS %s (
			email TEXT PRIMARY KEY,
			uses INTEGER NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %s (
			device_id TEXT PRIMARY KEY,
			free_used INTEGER NOT NULL DEFAULT 0,
			last_ip TEXT NOT NULL DEFAULT '',
			first_used_at TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ NOT NULL
		);
	`,
		s.balancesTable(),
		s.holdsTable(),
		s.tablePrefix, s.holdsTable(),
		s.txnsTable(),
		s.tablePrefix, s.txnsTable(),
		s.quotesTable(),
		s.tablePrefix, s.quotesTable(),
		s.trialsTable(),
		s.devicesTable(),
	)
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("creditgate/postgres: ensure schema: %w", err)
	}
	return nil
}

const holdColumns = "id, balance_id, request_id, amount, state, reason, quote_id, created_at, expires_at"

func scanHold(row pgx.Row) (creditgate.Hold, error) {
	var h creditgate.Hold
	err := row.Scan(&h.ID, &h.BalanceID, &h.RequestID, &h.Amount, &h.State, &h.Reason, &h.QuoteID, &h.CreatedAt, &h.ExpiresAt)
	return h, err
}

// GetOrCreateBalance returns the balance for a subject key, inserting a
// zero-credit row on first access. Concurrent first accesses converge on
// the same row via the subject_key unique constraint.
func (s *Store) GetOrCreateBalance(ctx context.Context, subjectKey string) (creditgate.Balance, error) {
	var b creditgate.Balance
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, subject_key, credits, updated_at)
			VALUES ($1, $2, 0, $3)
			ON CONFLICT (subject_key) DO NOTHING
			RETURNING id, subject_key, credits, updated_at`, s.balancesTable()),
		uuid.New().String(), subjectKey, time.Now().UTC(),
	).Scan(&b.ID, &b.SubjectKey, &b.Credits, &b.UpdatedAt)

	if err == pgx.ErrNoRows {
		err = s.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT id, subject_key, credits, updated_at FROM %s WHERE subject_key = $1`, s.balancesTable()),
			subjectKey,
		).Scan(&b.ID, &b.SubjectKey, &b.Credits, &b.UpdatedAt)
	}
	if err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/postgres: get or create balance: %w", err)
	}
	return b, nil
}

// Grant adds credits to a balance and appends a grant transaction.
func (s *Store) Grant(ctx context.Context, balanceID string, amount int64, reason string) (creditgate.Transaction, error) {
	if amount <= 0 {
		return creditgate.Transaction{}, creditgate.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return creditgate.Transaction{}, fmt.Errorf("creditgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	var applied bool
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET credits = credits + $1, updated_at = $2 WHERE id = $3 RETURNING true`, s.balancesTable()),
		amount, now, balanceID,
	).Scan(&applied)
	if err == pgx.ErrNoRows {
		return creditgate.Transaction{}, creditgate.ErrBalanceNotFound
	}
	if err != nil {
		return creditgate.Transaction{}, fmt.Errorf("creditgate/postgres: grant: %w", err)
	}

	txn := creditgate.Transaction{
		ID:        uuid.New().String(),
		BalanceID: balanceID,
		Delta:     amount,
		Kind:      creditgate.TxnGrant,
		Reason:    reason,
		CreatedAt: now,
	}
	if err := s.insertTxn(ctx, tx, txn); err != nil {
		return creditgate.Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return creditgate.Transaction{}, fmt.Errorf("creditgate/postgres: commit: %w", err)
	}
	return txn, nil
}

// ReserveHold debits the balance and creates a RESERVED hold, or returns
// the outcome already recorded for the request id.
func (s *Store) ReserveHold(ctx context.Context, args creditgate.ReserveArgs) (creditgate.Hold, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the balance row so the idempotency lookup and the debit share
	// one critical section per balance.
	var credits int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT credits FROM %s WHERE id = $1 FOR UPDATE`, s.balancesTable()),
		args.BalanceID,
	).Scan(&credits)
	if err == pgx.ErrNoRows {
		return creditgate.Hold{}, creditgate.ErrBalanceNotFound
	}
	if err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/postgres: lock balance: %w", err)
	}

	// 2. A prior hold for this request id decides the outcome.
	prior, err := scanHold(tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE balance_id = $1 AND request_id = $2`, holdColumns, s.holdsTable()),
		args.BalanceID, args.RequestID,
	))
	if err == nil {
		if prior.State == creditgate.HoldCommitted {
			return prior, creditgate.ErrAlreadyProcessed
		}
		return prior, nil
	}
	if err != pgx.ErrNoRows {
		return creditgate.Hold{}, fmt.Errorf("creditgate/postgres: hold lookup: %w", err)
	}

	// 3. Debit only if the balance covers the amount.
	if credits < args.Amount {
		return creditgate.Hold{}, creditgate.ErrInsufficientCredits
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET credits = credits - $1, updated_at = $2 WHERE id = $3`, s.balancesTable()),
		args.Amount, now, args.BalanceID,
	); err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/postgres: debit: %w", err)
	}

	if err := s.insertTxn(ctx, tx, creditgate.Transaction{
		ID:        uuid.New().String(),
		BalanceID: args.BalanceID,
		Delta:     -args.Amount,
		Kind:      creditgate.TxnReserve,
		Reason:    args.Reason,
		RequestID: args.RequestID,
		CreatedAt: now,
	}); err != nil {
		return creditgate.Hold{}, err
	}

	h := creditgate.Hold{
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
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.holdsTable(), holdColumns),
		h.ID, h.BalanceID, h.RequestID, h.Amount, h.State, h.Reason, h.QuoteID, h.CreatedAt, h.ExpiresAt,
	); err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/postgres: insert hold: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/postgres: commit: %w", err)
	}
	return h, nil
}

// CommitHold transitions RESERVED to COMMITTED and records a zero-delta
// commit transaction. Committing twice is a no-op success.
func (s *Store) CommitHold(ctx context.Context, balanceID, requestID, detail string) (creditgate.Hold, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	h, err := scanHold(tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET state = $3 WHERE balance_id = $1 AND request_id = $2 AND state = $4 RETURNING %s`,
			s.holdsTable(), holdColumns),
		balanceID, requestID, creditgate.HoldCommitted, creditgate.HoldReserved,
	))
	if err == pgx.ErrNoRows {
		h, err = scanHold(tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE balance_id = $1 AND request_id = $2`, holdColumns, s.holdsTable()),
			balanceID, requestID,
		))
		if err == pgx.ErrNoRows {
			return creditgate.Hold{}, creditgate.ErrHoldNotFound
		}
		if err != nil {
			return creditgate.Hold{}, fmt.Errorf("creditgate/postgres: hold lookup: %w", err)
		}
		if h.State == creditgate.HoldCommitted {
			return h, nil
		}
		return h, fmt.Errorf("creditgate/postgres: hold for request %s already released", requestID)
	}
	if err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/postgres: commit hold: %w", err)
	}

	if err := s.insertTxn(ctx, tx, creditgate.Transaction{
		ID:        uuid.New().String(),
		BalanceID: balanceID,
		Delta:     0,
		Kind:      creditgate.TxnCommit,
		Reason:    detail,
		RequestID: requestID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return creditgate.Hold{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/postgres: commit: %w", err)
	}
	return h, nil
}

// ReleaseHold refunds a RESERVED hold. The conditional state transition
// makes concurrent releases single-winner; the bool reports whether this
// call performed the release.
func (s *Store) ReleaseHold(ctx context.Context, balanceID, requestID string) (creditgate.Hold, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return creditgate.Hold{}, false, fmt.Errorf("creditgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	h, err := scanHold(tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET state = $3 WHERE balance_id = $1 AND request_id = $2 AND state = $4 RETURNING %s`,
			s.holdsTable(), holdColumns),
		balanceID, requestID, creditgate.HoldReleased, creditgate.HoldReserved,
	))
	if err == pgx.ErrNoRows {
		h, err = scanHold(tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE balance_id = $1 AND request_id = $2`, holdColumns, s.holdsTable()),
			balanceID, requestID,
		))
		if err == pgx.ErrNoRows {
			return creditgate.Hold{}, false, creditgate.ErrHoldNotFound
		}
		if err != nil {
			return creditgate.Hold{}, false, fmt.Errorf("creditgate/postgres: hold lookup: %w", err)
		}
		return h, false, nil
	}
	if err != nil {
		return creditgate.Hold{}, false, fmt.Errorf("creditgate/postgres: release hold: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET credits = credits + $1, updated_at = $2 WHERE id = $3`, s.balancesTable()),
		h.Amount, now, balanceID,
	); err != nil {
		return creditgate.Hold{}, false, fmt.Errorf("creditgate/postgres: refund: %w", err)
	}

	if err := s.insertTxn(ctx, tx, creditgate.Transaction{
		ID:        uuid.New().String(),
		BalanceID: balanceID,
		Delta:     h.Amount,
		Kind:      creditgate.TxnRelease,
		Reason:    h.Reason,
		RequestID: requestID,
		CreatedAt: now,
	}); err != nil {
		return creditgate.Hold{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return creditgate.Hold{}, false, fmt.Errorf("creditgate/postgres: commit: %w", err)
	}
	h.State = creditgate.HoldReleased
	return h, true, nil
}

func (s *Store) GetHold(ctx context.Context, balanceID, requestID string) (creditgate.Hold, error) {
	h, err := scanHold(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE balance_id = $1 AND request_id = $2`, holdColumns, s.holdsTable()),
		balanceID, requestID,
	))
	if err == pgx.ErrNoRows {
		return creditgate.Hold{}, creditgate.ErrHoldNotFound
	}
	if err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/postgres: get hold: %w", err)
	}
	return h, nil
}

// ExpiredHolds returns RESERVED holds past expiry, oldest expiry first.
func (s *Store) ExpiredHolds(ctx context.Context, limit int) ([]creditgate.Hold, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE state = $1 AND expires_at < $2 ORDER BY expires_at ASC`,
		holdColumns, s.holdsTable())
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.pool.Query(ctx, q, creditgate.HoldReserved, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("creditgate/postgres: expired holds: %w", err)
	}
	defer rows.Close()

	var out []creditgate.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("creditgate/postgres: scan hold: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditgate/postgres: expired holds: %w", err)
	}
	return out, nil
}

func (s *Store) PutQuote(ctx context.Context, q creditgate.Quote) error {
	files, err := json.Marshal(q.Files)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: marshal quote files: %w", err)
	}
	ops, err := json.Marshal(q.Ops)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: marshal quote ops: %w", err)
	}

	var usedAt *time.Time
	if !q.UsedAt.IsZero() {
		usedAt = &q.UsedAt
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, session_id, user_id, files, tier, ops, credits_total, status, created_at, expires_at, used_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, s.quotesTable()),
		q.ID, q.SessionID, q.UserID, string(files), q.Tier, string(ops), q.CreditsTotal, q.Status, q.CreatedAt, q.ExpiresAt, usedAt,
	)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: put quote: %w", err)
	}
	return nil
}

// GetQuote returns an active, unexpired quote. Missing, used, and expired
// quotes are indistinguishable to the caller.
func (s *Store) GetQuote(ctx context.Context, id string) (creditgate.Quote, error) {
	var (
		q      creditgate.Quote
		files  []byte
		ops    []byte
		usedAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, session_id, user_id, files, tier, ops, credits_total, status, created_at, expires_at, used_at
			FROM %s WHERE id = $1 AND status = $2 AND expires_at > $3`, s.quotesTable()),
		id, creditgate.QuoteActive, time.Now().UTC(),
	).Scan(&q.ID, &q.SessionID, &q.UserID, &files, &q.Tier, &ops, &q.CreditsTotal, &q.Status, &q.CreatedAt, &q.ExpiresAt, &usedAt)
	if err == pgx.ErrNoRows {
		return creditgate.Quote{}, creditgate.ErrQuoteNotFound
	}
	if err != nil {
		return creditgate.Quote{}, fmt.Errorf("creditgate/postgres: get quote: %w", err)
	}

	if err := json.Unmarshal(files, &q.Files); err != nil {
		return creditgate.Quote{}, fmt.Errorf("creditgate/postgres: unmarshal quote files: %w", err)
	}
	if err := json.Unmarshal(ops, &q.Ops); err != nil {
		return creditgate.Quote{}, fmt.Errorf("creditgate/postgres: unmarshal quote ops: %w", err)
	}
	if usedAt != nil {
		q.UsedAt = *usedAt
	}
	return q, nil
}

// MarkQuoteUsed performs the one-way active to used transition.
func (s *Store) MarkQuoteUsed(ctx context.Context, id string) error {
	var marked bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $2, used_at = $3 WHERE id = $1 AND status = $4 AND expires_at > $3 RETURNING true`,
			s.quotesTable()),
		id, creditgate.QuoteUsed, time.Now().UTC(), creditgate.QuoteActive,
	).Scan(&marked)
	if err == pgx.ErrNoRows {
		return creditgate.ErrQuoteNotFound
	}
	if err != nil {
		return fmt.Errorf("creditgate/postgres: mark quote used: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredQuotes(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at < $1`, s.quotesTable()),
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("creditgate/postgres: delete expired quotes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) TrialUses(ctx context.Context, email string) (creditgate.TrialRecord, error) {
	r := creditgate.TrialRecord{Email: email}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT uses, last_used_at FROM %s WHERE email = $1`, s.trialsTable()),
		email,
	).Scan(&r.Uses, &r.LastUsedAt)
	if err == pgx.ErrNoRows {
		return creditgate.TrialRecord{Email: email}, nil
	}
	if err != nil {
		return creditgate.TrialRecord{}, fmt.Errorf("creditgate/postgres: trial uses: %w", err)
	}
	return r, nil
}

func (s *Store) RecordTrialUse(ctx context.Context, email string) (creditgate.TrialRecord, error) {
	r := creditgate.TrialRecord{Email: email}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s AS t (email, uses, last_used_at) VALUES ($1, 1, $2)
			ON CONFLICT (email) DO UPDATE SET uses = t.uses + 1, last_used_at = $2
			RETURNING uses, last_used_at`, s.trialsTable()),
		email, time.Now().UTC(),
	).Scan(&r.Uses, &r.LastUsedAt)
	if err != nil {
		return creditgate.TrialRecord{}, fmt.Errorf("creditgate/postgres: record trial use: %w", err)
	}
	return r, nil
}

func (s *Store) DeviceUsage(ctx context.Context, deviceID string) (creditgate.DeviceUsage, error) {
	d := creditgate.DeviceUsage{DeviceID: deviceID}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT free_used, last_ip, first_used_at, last_used_at FROM %s WHERE device_id = $1`, s.devicesTable()),
		deviceID,
	).Scan(&d.FreeUsed, &d.LastIP, &d.FirstUsedAt, &d.LastUsedAt)
	if err == pgx.ErrNoRows {
		return creditgate.DeviceUsage{DeviceID: deviceID}, nil
	}
	if err != nil {
		return creditgate.DeviceUsage{}, fmt.Errorf("creditgate/postgres: device usage: %w", err)
	}
	return d, nil
}

func (s *Store) IncrementDeviceUsage(ctx context.Context, deviceID, ip string) (creditgate.DeviceUsage, error) {
	d := creditgate.DeviceUsage{DeviceID: deviceID}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s AS d (device_id, free_used, last_ip, first_used_at, last_used_at)
			VALUES ($1, 1, $2, $3, $3)
			ON CONFLICT (device_id) DO UPDATE SET free_used = d.free_used + 1, last_ip = $2, last_used_at = $3
			RETURNING free_used, last_ip, first_used_at, last_used_at`, s.devicesTable()),
		deviceID, ip, time.Now().UTC(),
	).Scan(&d.FreeUsed, &d.LastIP, &d.FirstUsedAt, &d.LastUsedAt)
	if err != nil {
		return creditgate.DeviceUsage{}, fmt.Errorf("creditgate/postgres: increment device usage: %w", err)
	}
	return d, nil
}

// Transactions returns the newest transactions first.
func (s *Store) Transactions(ctx context.Context, balanceID string, limit int) ([]creditgate.Transaction, error) {
	q := fmt.Sprintf(`SELECT id, balance_id, delta, kind, reason, request_id, created_at FROM %s
		WHERE balance_id = $1 ORDER BY seq DESC`, s.txnsTable())
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.pool.Query(ctx, q, balanceID)
	if err != nil {
		return nil, fmt.Errorf("creditgate/postgres: transactions: %w", err)
	}
	defer rows.Close()

	var out []creditgate.Transaction
	for rows.Next() {
		var t creditgate.Transaction
		if err := rows.Scan(&t.ID, &t.BalanceID, &t.Delta, &t.Kind, &t.Reason, &t.RequestID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("creditgate/postgres: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditgate/postgres: transactions: %w", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("creditgate/postgres: ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) insertTxn(ctx context.Context, tx pgx.Tx, t creditgate.Transaction) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, balance_id, delta, kind, reason, request_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.txnsTable()),
		t.ID, t.BalanceID, t.Delta, t.Kind, t.Reason, t.RequestID, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: insert transaction: %w", err)
	}
	return nil
}
