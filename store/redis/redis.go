// Package redis provides a Redis-backed Store for creditgate.
//
// Balances, holds, and quotes live in Redis hashes with atomic Lua scripts
// for the reserve/commit/release composites. Pending hold and quote expiry
// are indexed in sorted sets scored by unix milliseconds. This makes it
// safe for multi-instance deployments.
//
// The scripts touch multiple keys under the same prefix; on Redis Cluster,
// pass a hash-tagged prefix such as "{creditgate}:" so all keys share a
// slot.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/meterline/creditgate"
)

// Store is a Redis-backed creditgate.Store.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
}

var _ creditgate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "creditgate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed Store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "creditgate:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) subjectKey(key string) string           { return s.keyPrefix + "subject:" + key }
func (s *Store) balanceKey(id string) string            { return s.keyPrefix + "balance:" + id }
func (s *Store) holdKey(balanceID, reqID string) string { return s.keyPrefix + "hold:" + balanceID + ":" + reqID }
func (s *Store) holdsIndexKey() string                  { return s.keyPrefix + "holds" }
func (s *Store) txnsKey(balanceID string) string        { return s.keyPrefix + "txns:" + balanceID }
func (s *Store) quoteKey(id string) string              { return s.keyPrefix + "quote:" + id }
func (s *Store) quotesIndexKey() string                 { return s.keyPrefix + "quotes" }
func (s *Store) trialKey(email string) string           { return s.keyPrefix + "trial:" + email }
func (s *Store) deviceKey(id string) string             { return s.keyPrefix + "device:" + id }

// createBalanceScript atomically claims the subject index and writes the
// balance hash.
// KEYS[1] = subject index key
// KEYS[2] = balance hash key (for the candidate id)
// ARGV[1] = candidate balance id
// ARGV[2] = subject key
// ARGV[3] = now (unix millis)
//
// Returns the winning balance id.
var createBalanceScript = goredis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing then
    return existing
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("HSET", KEYS[2], "id", ARGV[1], "subject_key", ARGV[2], "credits", 0, "updated_at", ARGV[3])
return ARGV[1]
`)

// grantScript atomically credits a balance and appends the transaction.
// KEYS[1] = balance hash key
// KEYS[2] = transaction list key
// ARGV[1] = amount
// ARGV[2] = now (unix millis)
// ARGV[3] = transaction JSON
//
// Returns:
//
//	 1 = granted
//	-1 = balance not found
var grantScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
redis.call("HINCRBY", KEYS[1], "credits", tonumber(ARGV[1]))
redis.call("HSET", KEYS[1], "updated_at", ARGV[2])
redis.call("LPUSH", KEYS[2], ARGV[3])
return 1
`)

// reserveScript is the atomic reserve composite: the prior-hold lookup, the
// conditional debit, the reserve transaction, and the hold creation run as
// one script.
// KEYS[1] = balance hash key
// KEYS[2] = hold hash key
// KEYS[3] = pending holds zset key
// KEYS[4] = transaction list key
// ARGV[1] = amount
// ARGV[2] = now (unix millis)
// ARGV[3] = expires_at (unix millis)
// ARGV[4] = hold id
// ARGV[5] = balance id
// ARGV[6] = request id
// ARGV[7] = reason
// ARGV[8] = quote id
// ARGV[9] = transaction JSON
//
// Returns:
//
//	 1 = reserved OK
//	 0 = insufficient credits
//	-2 = hold already committed
//	-3 = prior hold exists (reserved or released)
//	-4 = balance not found
var reserveScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[2], "state")
if state then
    if state == "COMMITTED" then
        return -2
    end
    return -3
end

if redis.call("EXISTS", KEYS[1]) == 0 then
    return -4
end

local amount = tonumber(ARGV[1])
local credits = tonumber(redis.call("HGET", KEYS[1], "credits") or "0")
if credits < amount then
    return 0
end

redis.call("HINCRBY", KEYS[1], "credits", -amount)
redis.call("HSET", KEYS[1], "updated_at", ARGV[2])
redis.call("HSET", KEYS[2],
    "id", ARGV[4], "balance_id", ARGV[5], "request_id", ARGV[6],
    "amount", ARGV[1], "state", "RESERVED", "reason", ARGV[7],
    "quote_id", ARGV[8], "created_at", ARGV[2], "expires_at", ARGV[3])
redis.call("ZADD", KEYS[3], tonumber(ARGV[3]), ARGV[5] .. ":" .. ARGV[6])
redis.call("LPUSH", KEYS[4], ARGV[9])
return 1
`)

// commitScript atomically commits a RESERVED hold.
// KEYS[1] = hold hash key
// KEYS[2] = pending holds zset key
// KEYS[3] = transaction list key
// ARGV[1] = zset member (balance_id:request_id)
// ARGV[2] = transaction JSON
//
// Returns:
//
//	 1 = committed now
//	 0 = already committed
//	-1 = hold not found
//	-2 = hold released
var commitScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
    return -1
end
if state == "COMMITTED" then
    return 0
end
if state == "RELEASED" then
    return -2
end
redis.call("HSET", KEYS[1], "state", "COMMITTED")
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("LPUSH", KEYS[3], ARGV[2])
return 1
`)

// releaseScript atomically releases a RESERVED hold and refunds the balance.
// KEYS[1] = hold hash key
// KEYS[2] = balance hash key
// KEYS[3] = pending holds zset key
// KEYS[4] = transaction list key
// ARGV[1] = now (unix millis)
// ARGV[2] = zset member (balance_id:request_id)
// ARGV[3] = transaction JSON
//
// Returns:
//
//	 1 = released now
//	 0 = hold not RESERVED (no-op)
//	-1 = hold not found
var releaseScript = goredis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
    return -1
end
if state ~= "RESERVED" then
    return 0
end
local amount = tonumber(redis.call("HGET", KEYS[1], "amount"))
redis.call("HSET", KEYS[1], "state", "RELEASED")
redis.call("HINCRBY", KEYS[2], "credits", amount)
redis.call("HSET", KEYS[2], "updated_at", ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[2])
redis.call("LPUSH", KEYS[4], ARGV[3])
return 1
`)

// markQuoteUsedScript performs the one-way active to used transition.
// KEYS[1] = quote hash key
// ARGV[1] = now (unix millis)
//
// Returns:
//
//	1 = marked used
//	0 = missing, not active, or expired
var markQuoteUsedScript = goredis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status or status ~= "active" then
    return 0
end
if tonumber(ARGV[1]) >= tonumber(redis.call("HGET", KEYS[1], "expires_at")) then
    return 0
end
redis.call("HSET", KEYS[1], "status", "used", "used_at", ARGV[1])
return 1
`)

// GetOrCreateBalance returns the balance for a subject key, creating it
// with zero credits on first access.
func (s *Store) GetOrCreateBalance(ctx context.Context, subjectKey string) (creditgate.Balance, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	won, err := createBalanceScript.Run(ctx, s.client,
		[]string{s.subjectKey(subjectKey), s.balanceKey(id)},
		id, subjectKey, now.UnixMilli(),
	).Text()
	if err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/redis: create balance: %w", err)
	}

	if won == id {
		return creditgate.Balance{ID: id, SubjectKey: subjectKey, UpdatedAt: now}, nil
	}

	vals, err := s.client.HGetAll(ctx, s.balanceKey(won)).Result()
	if err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/redis: get balance: %w", err)
	}
	return parseBalance(vals)
}

// Grant adds credits to a balance and appends a grant transaction.
func (s *Store) Grant(ctx context.Context, balanceID string, amount int64, reason string) (creditgate.Transaction, error) {
	if amount <= 0 {
		return creditgate.Transaction{}, creditgate.ErrInvalidAmount
	}

	txn := creditgate.Transaction{
		ID:        uuid.New().String(),
		BalanceID: balanceID,
		Delta:     amount,
		Kind:      creditgate.TxnGrant,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(txn)
	if err != nil {
		return creditgate.Transaction{}, fmt.Errorf("creditgate/redis: marshal transaction: %w", err)
	}

	result, err := grantScript.Run(ctx, s.client,
		[]string{s.balanceKey(balanceID), s.txnsKey(balanceID)},
		amount, txn.CreatedAt.UnixMilli(), payload,
	).Int64()
	if err != nil {
		return creditgate.Transaction{}, fmt.Errorf("creditgate/redis: grant: %w", err)
	}
	if result == -1 {
		return creditgate.Transaction{}, creditgate.ErrBalanceNotFound
	}
	return txn, nil
}

// ReserveHold debits the balance and creates a RESERVED hold, or returns
// the outcome already recorded for the request id.
func (s *Store) ReserveHold(ctx context.Context, args creditgate.ReserveArgs) (creditgate.Hold, error) {
	now := time.Now().UTC()
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

	payload, err := json.Marshal(creditgate.Transaction{
		ID:        uuid.New().String(),
		BalanceID: args.BalanceID,
		Delta:     -args.Amount,
		Kind:      creditgate.TxnReserve,
		Reason:    args.Reason,
		RequestID: args.RequestID,
		CreatedAt: now,
	})
	if err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/redis: marshal transaction: %w", err)
	}

	result, err := reserveScript.Run(ctx, s.client,
		[]string{
			s.balanceKey(args.BalanceID),
			s.holdKey(args.BalanceID, args.RequestID),
			s.holdsIndexKey(),
			s.txnsKey(args.BalanceID),
		},
		args.Amount, now.UnixMilli(), h.ExpiresAt.UnixMilli(),
		h.ID, args.BalanceID, args.RequestID, args.Reason, args.QuoteID, payload,
	).Int64()
	if err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/redis: reserve: %w", err)
	}

	switch result {
	case 1:
		return h, nil
	case 0:
		return creditgate.Hold{}, creditgate.ErrInsufficientCredits
	case -2:
		prior, err := s.GetHold(ctx, args.BalanceID, args.RequestID)
		if err != nil {
			return creditgate.Hold{}, err
		}
		return prior, creditgate.ErrAlreadyProcessed
	case -3:
		return s.GetHold(ctx, args.BalanceID, args.RequestID)
	case -4:
		return creditgate.Hold{}, creditgate.ErrBalanceNotFound
	default:
		return creditgate.Hold{}, fmt.Errorf("creditgate/redis: unexpected reserve result: %d", result)
	}
}

// CommitHold transitions RESERVED to COMMITTED and appends a zero-delta
// commit transaction. Committing twice is a no-op success.
func (s *Store) CommitHold(ctx context.Context, balanceID, requestID, detail string) (creditgate.Hold, error) {
	payload, err := json.Marshal(creditgate.Transaction{
		ID:        uuid.New().String(),
		BalanceID: balanceID,
		Delta:     0,
		Kind:      creditgate.TxnCommit,
		Reason:    detail,
		RequestID: requestID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/redis: marshal transaction: %w", err)
	}

	result, err := commitScript.Run(ctx, s.client,
		[]string{s.holdKey(balanceID, requestID), s.holdsIndexKey(), s.txnsKey(balanceID)},
		balanceID+":"+requestID, payload,
	).Int64()
	if err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/redis: commit hold: %w", err)
	}

	switch result {
	case 1, 0:
		return s.GetHold(ctx, balanceID, requestID)
	case -1:
		return creditgate.Hold{}, creditgate.ErrHoldNotFound
	case -2:
		h, err := s.GetHold(ctx, balanceID, requestID)
		if err != nil {
			return creditgate.Hold{}, err
		}
		return h, fmt.Errorf("creditgate/redis: hold for request %s already released", requestID)
	default:
		return creditgate.Hold{}, fmt.Errorf("creditgate/redis: unexpected commit result: %d", result)
	}
}

// ReleaseHold refunds a RESERVED hold. The bool reports whether this call
// performed the release; terminal holds are a no-op.
func (s *Store) ReleaseHold(ctx context.Context, balanceID, requestID string) (creditgate.Hold, bool, error) {
	h, err := s.GetHold(ctx, balanceID, requestID)
	if err != nil {
		return creditgate.Hold{}, false, err
	}
	if h.State != creditgate.HoldReserved {
		return h, false, nil
	}

	now := time.Now().UTC()
	payload, err := json.Marshal(creditgate.Transaction{
		ID:        uuid.New().String(),
		BalanceID: balanceID,
		Delta:     h.Amount,
		Kind:      creditgate.TxnRelease,
		Reason:    h.Reason,
		RequestID: requestID,
		CreatedAt: now,
	})
	if err != nil {
		return creditgate.Hold{}, false, fmt.Errorf("creditgate/redis: marshal transaction: %w", err)
	}

	result, err := releaseScript.Run(ctx, s.client,
		[]string{
			s.holdKey(balanceID, requestID),
			s.balanceKey(balanceID),
			s.holdsIndexKey(),
			s.txnsKey(balanceID),
		},
		now.UnixMilli(), balanceID+":"+requestID, payload,
	).Int64()
	if err != nil {
		return creditgate.Hold{}, false, fmt.Errorf("creditgate/redis: release hold: %w", err)
	}

	switch result {
	case 1:
		h.State = creditgate.HoldReleased
		return h, true, nil
	case 0:
		return s.noopRelease(ctx, balanceID, requestID)
	case -1:
		return creditgate.Hold{}, false, creditgate.ErrHoldNotFound
	default:
		return creditgate.Hold{}, false, fmt.Errorf("creditgate/redis: unexpected release result: %d", result)
	}
}

// noopRelease re-reads a hold that lost the release race.
func (s *Store) noopRelease(ctx context.Context, balanceID, requestID string) (creditgate.Hold, bool, error) {
	h, err := s.GetHold(ctx, balanceID, requestID)
	if err != nil {
		return creditgate.Hold{}, false, err
	}
	return h, false, nil
}

func (s *Store) GetHold(ctx context.Context, balanceID, requestID string) (creditgate.Hold, error) {
	vals, err := s.client.HGetAll(ctx, s.holdKey(balanceID, requestID)).Result()
	if err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/redis: get hold: %w", err)
	}
	if len(vals) == 0 {
		return creditgate.Hold{}, creditgate.ErrHoldNotFound
	}
	return parseHold(vals)
}

// ExpiredHolds returns RESERVED holds past expiry, oldest expiry first.
func (s *Store) ExpiredHolds(ctx context.Context, limit int) ([]creditgate.Hold, error) {
	zrb := &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UTC().UnixMilli(), 10),
	}
	if limit > 0 {
		zrb.Count = int64(limit)
	}

	members, err := s.client.ZRangeByScore(ctx, s.holdsIndexKey(), zrb).Result()
	if err != nil {
		return nil, fmt.Errorf("creditgate/redis: expired holds: %w", err)
	}

	out := make([]creditgate.Hold, 0, len(members))
	for _, m := range members {
		vals, err := s.client.HGetAll(ctx, s.keyPrefix+"hold:"+m).Result()
		if err != nil {
			return nil, fmt.Errorf("creditgate/redis: expired holds: %w", err)
		}
		if len(vals) == 0 || creditgate.HoldState(vals["state"]) != creditgate.HoldReserved {
			continue
		}
		h, err := parseHold(vals)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *Store) PutQuote(ctx context.Context, q creditgate.Quote) error {
	files, err := json.Marshal(q.Files)
	if err != nil {
		return fmt.Errorf("creditgate/redis: marshal quote files: %w", err)
	}
	ops, err := json.Marshal(q.Ops)
	if err != nil {
		return fmt.Errorf("creditgate/redis: marshal quote ops: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, s.quoteKey(q.ID),
			"id", q.ID,
			"session_id", q.SessionID,
			"user_id", q.UserID,
			"files", string(files),
			"tier", string(q.Tier),
			"ops", string(ops),
			"credits_total", q.CreditsTotal,
			"status", string(q.Status),
			"created_at", q.CreatedAt.UnixMilli(),
			"expires_at", q.ExpiresAt.UnixMilli(),
		)
		p.ZAdd(ctx, s.quotesIndexKey(), goredis.Z{
			Score:  float64(q.ExpiresAt.UnixMilli()),
			Member: q.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("creditgate/redis: put quote: %w", err)
	}
	return nil
}

// GetQuote returns an active, unexpired quote. Missing, used, and expired
// quotes are indistinguishable to the caller.
func (s *Store) GetQuote(ctx context.Context, id string) (creditgate.Quote, error) {
	vals, err := s.client.HGetAll(ctx, s.quoteKey(id)).Result()
	if err != nil {
		return creditgate.Quote{}, fmt.Errorf("creditgate/redis: get quote: %w", err)
	}
	if len(vals) == 0 {
		return creditgate.Quote{}, creditgate.ErrQuoteNotFound
	}

	q, err := parseQuote(vals)
	if err != nil {
		return creditgate.Quote{}, err
	}
	if q.Status != creditgate.QuoteActive || time.Now().UTC().After(q.ExpiresAt) {
		return creditgate.Quote{}, creditgate.ErrQuoteNotFound
	}
	return q, nil
}

// MarkQuoteUsed performs the one-way active to used transition.
func (s *Store) MarkQuoteUsed(ctx context.Context, id string) error {
	result, err := markQuoteUsedScript.Run(ctx, s.client,
		[]string{s.quoteKey(id)},
		time.Now().UTC().UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("creditgate/redis: mark quote used: %w", err)
	}
	if result == 0 {
		return creditgate.ErrQuoteNotFound
	}
	return nil
}

func (s *Store) DeleteExpiredQuotes(ctx context.Context) (int, error) {
	now := time.Now().UTC().UnixMilli()
	ids, err := s.client.ZRangeByScore(ctx, s.quotesIndexKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("creditgate/redis: list expired quotes: %w", err)
	}

	removed := 0
	for _, id := range ids {
		n, err := s.client.Del(ctx, s.quoteKey(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("creditgate/redis: delete quote: %w", err)
		}
		if err := s.client.ZRem(ctx, s.quotesIndexKey(), id).Err(); err != nil {
			return removed, fmt.Errorf("creditgate/redis: delete quote: %w", err)
		}
		removed += int(n)
	}
	return removed, nil
}

func (s *Store) TrialUses(ctx context.Context, email string) (creditgate.TrialRecord, error) {
	vals, err := s.client.HGetAll(ctx, s.trialKey(email)).Result()
	if err != nil {
		return creditgate.TrialRecord{}, fmt.Errorf("creditgate/redis: trial uses: %w", err)
	}
	if len(vals) == 0 {
		return creditgate.TrialRecord{Email: email}, nil
	}

	uses, _ := strconv.Atoi(vals["uses"])
	lastUsed, _ := strconv.ParseInt(vals["last_used_at"], 10, 64)
	return creditgate.TrialRecord{
		Email:      email,
		Uses:       uses,
		LastUsedAt: time.UnixMilli(lastUsed).UTC(),
	}, nil
}

func (s *Store) RecordTrialUse(ctx context.Context, email string) (creditgate.TrialRecord, error) {
	now := time.Now().UTC()
	var incr *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		incr = p.HIncrBy(ctx, s.trialKey(email), "uses", 1)
		p.HSet(ctx, s.trialKey(email), "last_used_at", now.UnixMilli())
		return nil
	})
	if err != nil {
		return creditgate.TrialRecord{}, fmt.Errorf("creditgate/redis: record trial use: %w", err)
	}
	return creditgate.TrialRecord{Email: email, Uses: int(incr.Val()), LastUsedAt: now}, nil
}

func (s *Store) DeviceUsage(ctx context.Context, deviceID string) (creditgate.DeviceUsage, error) {
	vals, err := s.client.HGetAll(ctx, s.deviceKey(deviceID)).Result()
	if err != nil {
		return creditgate.DeviceUsage{}, fmt.Errorf("creditgate/redis: device usage: %w", err)
	}
	if len(vals) == 0 {
		return creditgate.DeviceUsage{DeviceID: deviceID}, nil
	}
	return parseDevice(deviceID, vals), nil
}

func (s *Store) IncrementDeviceUsage(ctx context.Context, deviceID, ip string) (creditgate.DeviceUsage, error) {
	now := time.Now().UTC()
	var incr *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		incr = p.HIncrBy(ctx, s.deviceKey(deviceID), "free_used", 1)
		p.HSetNX(ctx, s.deviceKey(deviceID), "first_used_at", now.UnixMilli())
		p.HSet(ctx, s.deviceKey(deviceID), "last_ip", ip, "last_used_at", now.UnixMilli())
		return nil
	})
	if err != nil {
		return creditgate.DeviceUsage{}, fmt.Errorf("creditgate/redis: increment device usage: %w", err)
	}

	vals, err := s.client.HGetAll(ctx, s.deviceKey(deviceID)).Result()
	if err != nil {
		return creditgate.DeviceUsage{}, fmt.Errorf("creditgate/redis: increment device usage: %w", err)
	}
	d := parseDevice(deviceID, vals)
	d.FreeUsed = int(incr.Val())
	return d, nil
}

// Transactions returns the newest transactions first.
func (s *Store) Transactions(ctx context.Context, balanceID string, limit int) ([]creditgate.Transaction, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	raw, err := s.client.LRange(ctx, s.txnsKey(balanceID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("creditgate/redis: transactions: %w", err)
	}

	out := make([]creditgate.Transaction, 0, len(raw))
	for _, r := range raw {
		var t creditgate.Transaction
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("creditgate/redis: unmarshal transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("creditgate/redis: ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func parseBalance(vals map[string]string) (creditgate.Balance, error) {
	if len(vals) == 0 {
		return creditgate.Balance{}, creditgate.ErrBalanceNotFound
	}
	credits, err := strconv.ParseInt(vals["credits"], 10, 64)
	if err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/redis: parse balance credits: %w", err)
	}
	updated, _ := strconv.ParseInt(vals["updated_at"], 10, 64)
	return creditgate.Balance{
		ID:         vals["id"],
		SubjectKey: vals["subject_key"],
		Credits:    credits,
		UpdatedAt:  time.UnixMilli(updated).UTC(),
	}, nil
}

func parseHold(vals map[string]string) (creditgate.Hold, error) {
	amount, err := strconv.ParseInt(vals["amount"], 10, 64)
	if err != nil {
		return creditgate.Hold{}, fmt.Errorf("creditgate/redis: parse hold amount: %w", err)
	}
	created, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	expires, _ := strconv.ParseInt(vals["expires_at"], 10, 64)
	return creditgate.Hold{
		ID:        vals["id"],
		BalanceID: vals["balance_id"],
		RequestID: vals["request_id"],
		Amount:    amount,
		State:     creditgate.HoldState(vals["state"]),
		Reason:    vals["reason"],
		QuoteID:   vals["quote_id"],
		CreatedAt: time.UnixMilli(created).UTC(),
		ExpiresAt: time.UnixMilli(expires).UTC(),
	}, nil
}

func parseQuote(vals map[string]string) (creditgate.Quote, error) {
	q := creditgate.Quote{
		ID:        vals["id"],
		SessionID: vals["session_id"],
		UserID:    vals["user_id"],
		Tier:      creditgate.Tier(vals["tier"]),
		Status:    creditgate.QuoteStatus(vals["status"]),
	}
	if err := json.Unmarshal([]byte(vals["files"]), &q.Files); err != nil {
		return creditgate.Quote{}, fmt.Errorf("creditgate/redis: unmarshal quote files: %w", err)
	}
	if err := json.Unmarshal([]byte(vals["ops"]), &q.Ops); err != nil {
		return creditgate.Quote{}, fmt.Errorf("creditgate/redis: unmarshal quote ops: %w", err)
	}

	total, err := strconv.ParseInt(vals["credits_total"], 10, 64)
	if err != nil {
		return creditgate.Quote{}, fmt.Errorf("creditgate/redis: parse quote total: %w", err)
	}
	q.CreditsTotal = total

	created, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	expires, _ := strconv.ParseInt(vals["expires_at"], 10, 64)
	q.CreatedAt = time.UnixMilli(created).UTC()
	q.ExpiresAt = time.UnixMilli(expires).UTC()

	if used, ok := vals["used_at"]; ok {
		ms, _ := strconv.ParseInt(used, 10, 64)
		q.UsedAt = time.UnixMilli(ms).UTC()
	}
	return q, nil
}

func parseDevice(deviceID string, vals map[string]string) creditgate.DeviceUsage {
	used, _ := strconv.Atoi(vals["free_used"])
	first, _ := strconv.ParseInt(vals["first_used_at"], 10, 64)
	last, _ := strconv.ParseInt(vals["last_used_at"], 10, 64)
	return creditgate.DeviceUsage{
		DeviceID:    deviceID,
		FreeUsed:    used,
		LastIP:      vals["last_ip"],
		FirstUsedAt: time.UnixMilli(first).UTC(),
		LastUsedAt:  time.UnixMilli(last).UTC(),
	}
}
