// Package sqlite provides a SQLite-backed Store for creditgate.
//
// It suits single-process deployments that need durability without running
// a database server. Access is serialized on a single connection, and
// transactions take the write lock up front so the reserve/commit/release
// composites never deadlock on lock upgrades.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/meterline/creditgate"
)

// Store is a SQLite-backed creditgate.Store.
type Store struct {
	db *sql.DB
}

var _ creditgate.Store = (*Store)(nil)

// New opens (creating if missing) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store.
func New(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creditgate/sqlite: create dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("creditgate/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS balances (
		id TEXT PRIMARY KEY,
		subject_key TEXT NOT NULL UNIQUE,
		credits INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS holds (
		balance_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		quote_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		PRIMARY KEY (balance_id, request_id)
	);

	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		balance_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		kind TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quotes (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		files TEXT NOT NULL,
		tier TEXT NOT NULL,
		ops TEXT NOT NULL,
		credits_total INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		used_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS trials (
		email TEXT PRIMARY KEY,
		uses INTEGER NOT NULL DEFAULT 0,
		last_used_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		free_used INTEGER NOT NULL DEFAULT 0,
		last_ip TEXT NOT NULL DEFAULT '',
		first_used_at DATETIME NOT NULL,
		last_used_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_holds_expiry ON holds(state, expires_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_balance ON transactions(balance_id, seq);
	CREATE INDEX IF NOT EXISTS idx_quotes_expiry ON quotes(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("creditgate/sqlite: migrate: %w", err)
	}
	return nil
}

// GetOrCreateBalance returns the balance for a subject key, inserting a
// zero-credit row on first access.
func (s *Store) GetOrCreateBalance(ctx context.Context, subjectKey string) (creditgate.Balance, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO balances (id, subject_key, credits, updated_at) VALUES (?, ?, 0, ?)
	`, uuid.New().String(), subjectKey, time.Now().UTC())
	if err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/sqlite: create balance: %w", err)
	}

	var b creditgate.Balance
	err = s.db.QueryRowContext(ctx, `
		SELECT id, subject_key, credits, updated_at FROM balances WHERE subject_key = ?
	`, subjectKey).Scan(&b.ID, &b.SubjectKey, &b.Credits, &b.UpdatedAt)
	if err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/sqlite: get balance: %w", err)
	}
	return b, nil
}

// Grant adds credits to a balance and appends a grant transaction.
func (s *Store) Grant(ctx context.Context, balanceID string, amount int64, reason string) (creditgate.Transaction, error) {
	if amount <= 0 {
		return creditgate.Transaction{}, creditgate.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return creditgate.Transaction{}, fmt.Errorf("creditgate/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE balances SET credits = credits + ?, updated_at = ? WHERE id = ?
	`, amount, now, balanceID)
	if err != nil {
		return creditgate.Transaction{}, fmt.Errorf("creditgate/sqlite: grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return creditgate.Transaction{}, creditgate.ErrBalanceNotFound
	}

	txn := creditgate.Transaction{
		ID:        uuid.New().String(),
		BalanceID: balanceID,
		Delta:     amount,
		Kind:      creditgate.TxnGrant,
		Reason:    reason,
		CreatedAt: now,
	}
	if err := insertTxn(ctx, tx, txn); err != nil {
		return creditgate.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return creditgate.Transaction{}, fmt.Errorf("creditgate/sqlite: commit: %w", err)
	}
	return txn, nil
}

// ReserveHold debits the balance and creates a RESERVED hold, or returns
// the outcome already recorded for the request id. The transaction holds
// the write lock from BEGIN, so the lookup and the debit are one critical
// section.
func (s *Store) ReserveHold(ctx context.Context, args creditgate.ReserveArgs) (creditgate.Hold, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	var credits int64
	err = tx.QueryRowContext(ctx, `SELECT credits FROM balances WHERE id = ?`, args.BalanceID).Scan(&credits)
	if err == sql.ErrNoRows {
		return creditgate.Hold{}, creditgate.ErrBalanceNotFound
	}
	if err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/sqlite: get balance: %w", err)
	}

	prior, err := getHold(ctx, tx, args.BalanceID, args.RequestID)
	if err == nil {
		if prior.State == creditgate.HoldCommitted {
			return prior, creditgate.ErrAlreadyProcessed
		}
		return prior, nil
	}
	if err != creditgate.ErrHoldNotFound {
		return creditgate.Hold{}, err
	}

	if credits < args.Amount {
		return creditgate.Hold{}, creditgate.ErrInsufficientCredits
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE balances SET credits = credits - ?, updated_at = ? WHERE id = ?
	`, args.Amount, now, args.BalanceID); err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/sqlite: debit: %w", err)
	}

	if err := insertTxn(ctx, tx, creditgate.Transaction{
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
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO holds (balance_id, request_id, id, amount, state, reason, quote_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.BalanceID, h.RequestID, h.ID, h.Amount, h.State, h.Reason, h.QuoteID, h.CreatedAt, h.ExpiresAt); err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/sqlite: insert hold: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/sqlite: commit: %w", err)
	}
	return h, nil
}

// CommitHold transitions RESERVED to COMMITTED and records a zero-delta
// commit transaction. Committing twice is a no-op success.
func (s *Store) CommitHold(ctx context.Context, balanceID, requestID, detail string) (creditgate.Hold, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	h, err := getHold(ctx, tx, balanceID, requestID)
	if err != nil {
		return creditgate.Hold{}, err
	}
	switch h.State {
	case creditgate.HoldCommitted:
		return h, nil
	case creditgate.HoldReleased:
		return h, fmt.Errorf("creditgate/sqlite: hold for request %s already released", requestID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE holds SET state = ? WHERE balance_id = ? AND request_id = ?
	`, creditgate.HoldCommitted, balanceID, requestID); err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/sqlite: commit hold: %w", err)
	}

	if err := insertTxn(ctx, tx, creditgate.Transaction{
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
	if err := tx.Commit(); err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/sqlite: commit: %w", err)
	}
	h.State = creditgate.HoldCommitted
	return h, nil
}

// ReleaseHold refunds a RESERVED hold. The bool reports whether this call
// performed the release; terminal holds are a no-op.
func (s *Store) ReleaseHold(ctx context.Context, balanceID, requestID string) (creditgate.Hold, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return creditgate.Hold{}, false, fmt.Errorf("creditgate/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	h, err := getHold(ctx, tx, balanceID, requestID)
	if err != nil {
		return creditgate.Hold{}, false, err
	}
	if h.State != creditgate.HoldReserved {
		return h, false, nil
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE holds SET state = ? WHERE balance_id = ? AND request_id = ?
	`, creditgate.HoldReleased, balanceID, requestID); err != nil {
		return creditgate.Hold{}, false, fmt.Errorf("creditgate/sqlite: release hold: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE balances SET credits = credits + ?, updated_at = ? WHERE id = ?
	`, h.Amount, now, balanceID); err != nil {
		return creditgate.Hold{}, false, fmt.Errorf("creditgate/sqlite: refund: %w", err)
	}

	if err := insertTxn(ctx, tx, creditgate.Transaction{
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
	if err := tx.Commit(); err != nil {
		return creditgate.Hold{}, false, fmt.Errorf("creditgate/sqlite: commit: %w", err)
	}
	h.State = creditgate.HoldReleased
	return h, true, nil
}

func (s *Store) GetHold(ctx context.Context, balanceID, requestID string) (creditgate.Hold, error) {
	return getHold(ctx, s.db, balanceID, requestID)
}

// ExpiredHolds returns RESERVED holds past expiry, oldest expiry first.
func (s *Store) ExpiredHolds(ctx context.Context, limit int) ([]creditgate.Hold, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT balance_id, request_id, id, amount, state, reason, quote_id, created_at, expires_at
		FROM holds WHERE state = ? AND expires_at < ?
		ORDER BY expires_at ASC LIMIT ?
	`, creditgate.HoldReserved, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("creditgate/sqlite: expired holds: %w", err)
	}
	defer rows.Close()

	var out []creditgate.Hold
	for rows.Next() {
		var h creditgate.Hold
		if err := rows.Scan(&h.BalanceID, &h.RequestID, &h.ID, &h.Amount, &h.State, &h.Reason, &h.QuoteID, &h.CreatedAt, &h.ExpiresAt); err != nil {
			return nil, fmt.Errorf("creditgate/sqlite: scan hold: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditgate/sqlite: expired holds: %w", err)
	}
	return out, nil
}

func (s *Store) PutQuote(ctx context.Context, q creditgate.Quote) error {
	files, err := json.Marshal(q.Files)
	if err != nil {
		return fmt.Errorf("creditgate/sqlite: marshal quote files: %w", err)
	}
	ops, err := json.Marshal(q.Ops)
	if err != nil {
		return fmt.Errorf("creditgate/sqlite: marshal quote ops: %w", err)
	}

	var usedAt sql.NullTime
	if !q.UsedAt.IsZero() {
		usedAt = sql.NullTime{Time: q.UsedAt, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quotes (id, session_id, user_id, files, tier, ops, credits_total, status, created_at, expires_at, used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.ID, q.SessionID, q.UserID, string(files), q.Tier, string(ops), q.CreditsTotal, q.Status, q.CreatedAt, q.ExpiresAt, usedAt)
	if err != nil {
		return fmt.Errorf("creditgate/sqlite: put quote: %w", err)
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
		usedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, files, tier, ops, credits_total, status, created_at, expires_at, used_at
		FROM quotes WHERE id = ? AND status = ? AND expires_at > ?
	`, id, creditgate.QuoteActive, time.Now().UTC()).Scan(
		&q.ID, &q.SessionID, &q.UserID, &files, &q.Tier, &ops, &q.CreditsTotal, &q.Status, &q.CreatedAt, &q.ExpiresAt, &usedAt,
	)
	if err == sql.ErrNoRows {
		return creditgate.Quote{}, creditgate.ErrQuoteNotFound
	}
	if err != nil {
		return creditgate.Quote{}, fmt.Errorf("creditgate/sqlite: get quote: %w", err)
	}

	if err := json.Unmarshal(files, &q.Files); err != nil {
		return creditgate.Quote{}, fmt.Errorf("creditgate/sqlite: unmarshal quote files: %w", err)
	}
	if err := json.Unmarshal(ops, &q.Ops); err != nil {
		return creditgate.Quote{}, fmt.Errorf("creditgate/sqlite: unmarshal quote ops: %w", err)
	}
	if usedAt.Valid {
		q.UsedAt = usedAt.Time
	}
	return q, nil
}

// MarkQuoteUsed performs the one-way active to used transition.
func (s *Store) MarkQuoteUsed(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE quotes SET status = ?, used_at = ? WHERE id = ? AND status = ? AND expires_at > ?
	`, creditgate.QuoteUsed, now, id, creditgate.QuoteActive, now)
	if err != nil {
		return fmt.Errorf("creditgate/sqlite: mark quote used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return creditgate.ErrQuoteNotFound
	}
	return nil
}

func (s *Store) DeleteExpiredQuotes(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM quotes WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("creditgate/sqlite: delete expired quotes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) TrialUses(ctx context.Context, email string) (creditgate.TrialRecord, error) {
	r := creditgate.TrialRecord{Email: email}
	err := s.db.QueryRowContext(ctx, `
		SELECT uses, last_used_at FROM trials WHERE email = ?
	`, email).Scan(&r.Uses, &r.LastUsedAt)
	if err == sql.ErrNoRows {
		return creditgate.TrialRecord{Email: email}, nil
	}
	if err != nil {
		return creditgate.TrialRecord{}, fmt.Errorf("creditgate/sqlite: trial uses: %w", err)
	}
	return r, nil
}

func (s *Store) RecordTrialUse(ctx context.Context, email string) (creditgate.TrialRecord, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trials (email, uses, last_used_at) VALUES (?, 1, ?)
		ON CONFLICT(email) DO UPDATE SET uses = uses + 1, last_used_at = excluded.last_used_at
	`, email, time.Now().UTC())
	if err != nil {
		return creditgate.TrialRecord{}, fmt.Errorf("creditgate/sqlite: record trial use: %w", err)
	}
	return s.TrialUses(ctx, email)
}

func (s *Store) DeviceUsage(ctx context.Context, deviceID string) (creditgate.DeviceUsage, error) {
	d := creditgate.DeviceUsage{DeviceID: deviceID}
	err := s.db.QueryRowContext(ctx, `
		SELECT free_used, last_ip, first_used_at, last_used_at FROM devices WHERE device_id = ?
	`, deviceID).Scan(&d.FreeUsed, &d.LastIP, &d.FirstUsedAt, &d.LastUsedAt)
	if err == sql.ErrNoRows {
		return creditgate.DeviceUsage{DeviceID: deviceID}, nil
	}
	if err != nil {
		return creditgate.DeviceUsage{}, fmt.Errorf("creditgate/sqlite: device usage: %w", err)
	}
	return d, nil
}

func (s *Store) IncrementDeviceUsage(ctx context.Context, deviceID, ip string) (creditgate.DeviceUsage, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, free_used, last_ip, first_used_at, last_used_at) VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET free_used = free_used + 1, last_ip = excluded.last_ip, last_used_at = excluded.last_used_at
	`, deviceID, ip, now, now)
	if err != nil {
		return creditgate.DeviceUsage{}, fmt.Errorf("creditgate/sqlite: increment device usage: %w", err)
	}
	return s.DeviceUsage(ctx, deviceID)
}

// Transactions returns the newest transactions first.
func (s *Store) Transactions(ctx context.Context, balanceID string, limit int) ([]creditgate.Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, balance_id, delta, kind, reason, request_id, created_at
		FROM transactions WHERE balance_id = ? ORDER BY seq DESC LIMIT ?
	`, balanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("creditgate/sqlite: transactions: %w", err)
	}
	defer rows.Close()

	var out []creditgate.Transaction
	for rows.Next() {
		var t creditgate.Transaction
		if err := rows.Scan(&t.ID, &t.BalanceID, &t.Delta, &t.Kind, &t.Reason, &t.RequestID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("creditgate/sqlite: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditgate/sqlite: transactions: %w", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("creditgate/sqlite: ping: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getHold(ctx context.Context, q querier, balanceID, requestID string) (creditgate.Hold, error) {
	var h creditgate.Hold
	err := q.QueryRowContext(ctx, `
		SELECT balance_id, request_id, id, amount, state, reason, quote_id, created_at, expires_at
		FROM holds WHERE balance_id = ? AND request_id = ?
	`, balanceID, requestID).Scan(
		&h.BalanceID, &h.RequestID, &h.ID, &h.Amount, &h.State, &h.Reason, &h.QuoteID, &h.CreatedAt, &h.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return creditgate.Hold{}, creditgate.ErrHoldNotFound
	}
	if err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/sqlite: get hold: %w", err)
	}
	return h, nil
}

func insertTxn(ctx context.Context, tx *sql.Tx, t creditgate.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, balance_id, delta, kind, reason, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.BalanceID, t.Delta, t.Kind, t.Reason, t.RequestID, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("creditgate/sqlite: insert transaction: %w", err)
	}
	return nil
}
